package source

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/openspending/cube/utils/pkg/retry"
)

// S3API is the part of the S3 client used to fetch objects.
type S3API interface {
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

// OpenerConfig configures how source locations are fetched.
type OpenerConfig struct {
	Logger     *slog.Logger
	HTTPClient *http.Client
	Retry      retry.Config

	// S3 is used for s3:// locations. When nil a client is built from the
	// default AWS configuration chain, honoring S3Region and S3Endpoint.
	S3          S3API
	S3Region    string
	S3Endpoint  string
	S3PathStyle bool
}

func (cfg *OpenerConfig) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 5 * time.Minute}
	}
	if cfg.Retry.MaxAttempts <= 0 {
		cfg.Retry = retry.DefaultConfig()
	}
	return nil
}

// Opener opens source locations for reading.
type Opener struct {
	log *slog.Logger
	cfg OpenerConfig
}

func NewOpener(cfg OpenerConfig) (*Opener, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("failed to validate opener config: %w", err)
	}
	return &Opener{log: cfg.Logger, cfg: cfg}, nil
}

// StatusError is returned when an HTTP source answers with a non-2xx status.
type StatusError struct {
	URL  string
	Code int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("unexpected status %d fetching %s", e.Code, e.URL)
}

// StatusCode lets retry.IsRetryable classify the failure.
func (e *StatusError) StatusCode() int { return e.Code }

// Open returns a reader for a local path, a file:// URL, an http(s):// URL or
// an s3://bucket/key location. The caller closes the reader.
func (o *Opener) Open(ctx context.Context, location string) (io.ReadCloser, error) {
	u, err := url.Parse(location)
	if err != nil || u.Scheme == "" || len(u.Scheme) == 1 {
		// No scheme, or a Windows drive letter.
		return openFile(location)
	}

	switch u.Scheme {
	case "file":
		return openFile(u.Path)
	case "http", "https":
		return o.openHTTP(ctx, location)
	case "s3":
		return o.openS3(ctx, u)
	default:
		return nil, fmt.Errorf("unsupported source scheme %q", u.Scheme)
	}
}

func openFile(path string) (io.ReadCloser, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open source: %w", err)
	}
	return f, nil
}

func (o *Opener) openHTTP(ctx context.Context, location string) (io.ReadCloser, error) {
	body, err := retry.DoValue(ctx, o.cfg.Retry, func() (io.ReadCloser, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, location, nil)
		if err != nil {
			return nil, err
		}
		resp, err := o.cfg.HTTPClient.Do(req)
		if err != nil {
			o.log.Warn("source: http request failed", "url", location, "error", err)
			return nil, err
		}
		if resp.StatusCode < 200 || resp.StatusCode > 299 {
			_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
			resp.Body.Close()
			return nil, &StatusError{URL: location, Code: resp.StatusCode}
		}
		return resp.Body, nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to fetch source: %w", err)
	}
	return body, nil
}

func (o *Opener) openS3(ctx context.Context, u *url.URL) (io.ReadCloser, error) {
	bucket := u.Host
	key := strings.TrimPrefix(u.Path, "/")
	if bucket == "" || key == "" {
		return nil, fmt.Errorf("invalid s3 location %q: want s3://bucket/key", u.String())
	}

	client := o.cfg.S3
	if client == nil {
		c, err := o.newS3Client(ctx)
		if err != nil {
			return nil, err
		}
		client = c
	}

	out, err := retry.DoValue(ctx, o.cfg.Retry, func() (*s3.GetObjectOutput, error) {
		return client.GetObject(ctx, &s3.GetObjectInput{
			Bucket: aws.String(bucket),
			Key:    aws.String(key),
		})
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get s3 object %s/%s: %w", bucket, key, err)
	}
	o.log.Debug("source: opened s3 object", "bucket", bucket, "key", key)
	return out.Body, nil
}

func (o *Opener) newS3Client(ctx context.Context) (*s3.Client, error) {
	var opts []func(*awsconfig.LoadOptions) error
	if o.cfg.S3Region != "" {
		opts = append(opts, awsconfig.WithRegion(o.cfg.S3Region))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load aws config: %w", err)
	}
	return s3.NewFromConfig(awsCfg, func(so *s3.Options) {
		if o.cfg.S3Endpoint != "" {
			so.BaseEndpoint = aws.String(o.cfg.S3Endpoint)
		}
		so.UsePathStyle = o.cfg.S3PathStyle
	}), nil
}
