package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	flag "github.com/spf13/pflag"

	"github.com/openspending/cube/cube/internal/worker"
	"github.com/openspending/cube/cube/pkg/cache"
	"github.com/openspending/cube/cube/pkg/importer"
	"github.com/openspending/cube/cube/pkg/jobs"
	"github.com/openspending/cube/cube/pkg/metrics"
	"github.com/openspending/cube/cube/pkg/model"
	"github.com/openspending/cube/cube/pkg/postgres"
	"github.com/openspending/cube/cube/pkg/source"
	"github.com/openspending/cube/cube/pkg/store"
	"github.com/openspending/cube/utils/pkg/logger"
)

var (
	// Set by LDFLAGS
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

const defaultMetricsAddr = "0.0.0.0:0"

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	verboseFlag := flag.Bool("verbose", false, "enable verbose (debug) logging")
	jsonLogsFlag := flag.Bool("json-logs", false, "log as JSON instead of colored text")
	metricsAddrFlag := flag.String("metrics-addr", defaultMetricsAddr, "Address to listen on for prometheus metrics (empty to disable)")

	// PostgreSQL configuration
	postgresHostFlag := flag.String("postgres-host", "localhost", "PostgreSQL host (or set POSTGRES_HOST env var)")
	postgresPortFlag := flag.String("postgres-port", "5432", "PostgreSQL port (or set POSTGRES_PORT env var)")
	postgresDatabaseFlag := flag.String("postgres-database", "cube", "PostgreSQL database (or set POSTGRES_DB env var)")
	postgresUsernameFlag := flag.String("postgres-username", "cube", "PostgreSQL username (or set POSTGRES_USER env var)")
	postgresPasswordFlag := flag.String("postgres-password", "", "PostgreSQL password (or set POSTGRES_PASSWORD env var)")
	postgresSSLModeFlag := flag.String("postgres-sslmode", "disable", "PostgreSQL sslmode (or set POSTGRES_SSLMODE env var)")

	// Cache configuration
	redisAddrFlag := flag.String("redis-addr", "", "Redis address for the aggregation cache, in-memory when empty (or set REDIS_ADDR env var)")
	redisPasswordFlag := flag.String("redis-password", "", "Redis password (or set REDIS_PASSWORD env var)")
	redisDBFlag := flag.Int("redis-db", 0, "Redis database number")
	cacheTTLFlag := flag.Duration("cache-ttl", 24*time.Hour, "Expiry of cached aggregations in Redis")
	cacheEntriesFlag := flag.Int("cache-entries", 10000, "Maximum entries of the in-memory aggregation cache")

	// S3 configuration
	s3RegionFlag := flag.String("s3-region", "", "S3 region for s3:// sources (or set AWS_REGION env var)")
	s3EndpointFlag := flag.String("s3-endpoint", "", "S3 endpoint override, for S3 compatible stores (or set AWS_ENDPOINT_URL_S3 env var)")
	s3PathStyleFlag := flag.Bool("s3-path-style", false, "Use path style S3 addressing")

	sentryDSNFlag := flag.String("sentry-dsn", "", "Sentry DSN (or set SENTRY_DSN env var)")

	// Commands
	migrateFlag := flag.Bool("migrate", false, "Run database migrations before anything else")
	migrateStatusFlag := flag.Bool("migrate-status", false, "Show database migration status and exit")
	migrateDownFlag := flag.Bool("migrate-down", false, "Roll back the most recent migration and exit")
	modelFlag := flag.String("model", "", "Path to a dataset model (YAML or JSON) to register")
	datasetFlag := flag.String("dataset", "", "Name of a registered dataset, when --model is not given")
	sourceFlag := flag.String("source", "", "Location of the source to import (path, http(s):// or s3://)")
	formatFlag := flag.String("format", worker.FormatCSV, "Source format: csv or bdp")
	dryRunFlag := flag.Bool("dry-run", false, "Validate the source without loading it")
	maxLinesFlag := flag.Int("max-lines", 0, "Stop after this many rows (0 reads everything)")
	raiseErrorsFlag := flag.Bool("raise-errors", false, "Abort on the first failing row")
	flushFlag := flag.Bool("flush", false, "Delete the dataset's data before importing")
	dropFlag := flag.Bool("drop", false, "Drop the dataset's tables, runs and model")
	workersFlag := flag.Int("workers", 2, "Number of background jobs run at once")

	flag.Parse()

	// A missing .env file is fine.
	_ = godotenv.Load()

	log := logger.NewWithOptions(logger.Options{Verbose: *verboseFlag, JSON: *jsonLogsFlag})

	// Override flags with environment variables if set
	overrideString(postgresHostFlag, "POSTGRES_HOST")
	overrideString(postgresPortFlag, "POSTGRES_PORT")
	overrideString(postgresDatabaseFlag, "POSTGRES_DB")
	overrideString(postgresUsernameFlag, "POSTGRES_USER")
	overrideString(postgresPasswordFlag, "POSTGRES_PASSWORD")
	overrideString(postgresSSLModeFlag, "POSTGRES_SSLMODE")
	overrideString(redisAddrFlag, "REDIS_ADDR")
	overrideString(redisPasswordFlag, "REDIS_PASSWORD")
	overrideString(s3RegionFlag, "AWS_REGION")
	overrideString(s3EndpointFlag, "AWS_ENDPOINT_URL_S3")
	overrideString(sentryDSNFlag, "SENTRY_DSN")

	if *sentryDSNFlag != "" {
		if err := sentry.Init(sentry.ClientOptions{
			Dsn:              *sentryDSNFlag,
			Release:          version,
			TracesSampleRate: 1.0,
		}); err != nil {
			return fmt.Errorf("failed to initialize sentry: %w", err)
		}
		defer sentry.Flush(5 * time.Second)
		defer sentry.Recover()
		log.Info("sentry initialized")
	}

	if *metricsAddrFlag != "" {
		metrics.BuildInfo.WithLabelValues(version, commit, date).Set(1)
		go func() {
			listener, err := net.Listen("tcp", *metricsAddrFlag)
			if err != nil {
				log.Error("failed to start prometheus metrics server listener", "error", err)
				return
			}
			log.Info("prometheus metrics server listening", "address", listener.Addr().String())
			http.Handle("/metrics", promhttp.Handler())
			if err := http.Serve(listener, nil); err != nil {
				log.Error("failed to start prometheus metrics server", "error", err)
			}
		}()
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	pgCfg := postgres.Config{
		Host:     *postgresHostFlag,
		Port:     *postgresPortFlag,
		Database: *postgresDatabaseFlag,
		Username: *postgresUsernameFlag,
		Password: *postgresPasswordFlag,
		SSLMode:  *postgresSSLModeFlag,
	}
	if err := pgCfg.Validate(); err != nil {
		return fmt.Errorf("invalid postgres configuration: %w", err)
	}
	if *migrateStatusFlag {
		return postgres.MigrationStatus(ctx, log, pgCfg.ConnString())
	}
	if *migrateDownFlag {
		return postgres.Down(ctx, log, pgCfg.ConnString())
	}
	if *migrateFlag {
		if err := postgres.Up(ctx, log, pgCfg.ConnString()); err != nil {
			return err
		}
	}
	pool, err := postgres.NewPool(ctx, log, pgCfg)
	if err != nil {
		return err
	}
	defer pool.Close()

	st, err := store.New(store.Config{Logger: log, DB: pool})
	if err != nil {
		return err
	}

	var backend cache.Cache
	if *redisAddrFlag != "" {
		r, err := cache.NewRedis(ctx, cache.RedisConfig{
			Addr:     *redisAddrFlag,
			Password: *redisPasswordFlag,
			DB:       *redisDBFlag,
			TTL:      *cacheTTLFlag,
		})
		if err != nil {
			return err
		}
		defer r.Close()
		backend = r
		log.Info("aggregation cache backed by redis", "address", *redisAddrFlag)
	} else {
		m, err := cache.NewMemory(*cacheEntriesFlag)
		if err != nil {
			return err
		}
		backend = m
	}
	aggCache, err := cache.NewAggregationCache(cache.AggregationCacheConfig{Logger: log, Cache: backend})
	if err != nil {
		return err
	}

	opener, err := source.NewOpener(source.OpenerConfig{
		Logger:      log,
		S3Region:    *s3RegionFlag,
		S3Endpoint:  *s3EndpointFlag,
		S3PathStyle: *s3PathStyleFlag,
	})
	if err != nil {
		return err
	}

	queue, err := jobs.NewLocal(jobs.LocalConfig{
		Logger:  log,
		Workers: *workersFlag,
		OnError: func(name string, err error) {
			sentry.WithScope(func(scope *sentry.Scope) {
				scope.SetTag("job", name)
				sentry.CaptureException(err)
			})
		},
	})
	if err != nil {
		return err
	}
	queue.Start(ctx)
	defer queue.Close()

	w, err := worker.New(worker.Config{
		Logger: log,
		DB:     pool,
		Store:  st,
		Opener: opener,
		Cache:  aggCache,
		Queue:  queue,
	})
	if err != nil {
		return err
	}

	name := *datasetFlag
	if *modelFlag != "" {
		m, err := model.Load(*modelFlag)
		if err != nil {
			return err
		}
		if _, err := w.Register(ctx, m); err != nil {
			return err
		}
		name = m.Dataset.Name
		log.Info("registered dataset", "dataset", name)
	}

	if *dropFlag {
		if name == "" {
			return errors.New("--model or --dataset is required for --drop")
		}
		return w.Drop(ctx, name)
	}
	if *flushFlag {
		if name == "" {
			return errors.New("--model or --dataset is required for --flush")
		}
		if err := w.Flush(ctx, name); err != nil {
			return err
		}
	}

	if *sourceFlag == "" {
		return nil
	}
	if name == "" {
		return errors.New("--model or --dataset is required to import a source")
	}
	imp, err := w.Import(ctx, worker.ImportRequest{
		Dataset: name,
		Source:  *sourceFlag,
		Format:  *formatFlag,
		Options: importer.RunOptions{
			DryRun:      *dryRunFlag,
			MaxLines:    *maxLinesFlag,
			RaiseErrors: *raiseErrorsFlag,
		},
	})
	if err != nil {
		return err
	}

	// Let the indexing queued by the import finish.
	queue.Wait()

	if imp.State() != importer.StateComplete {
		return fmt.Errorf("import of %s failed with %d errors, see run %s", name, imp.Errors(), imp.RunID())
	}
	log.Info("import complete", "dataset", name, "rows", imp.RowsRead(), "run", imp.RunID())
	return nil
}

func overrideString(flagValue *string, env string) {
	if v := os.Getenv(env); v != "" {
		*flagValue = v
	}
}
