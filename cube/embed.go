package cube

import "embed"

// PostgresMigrationsFS holds the goose migrations for the cube bookkeeping
// tables. Fact and dimension tables are not migrated; datasets generate them
// at runtime from their model.
//
//go:embed db/postgres/migrations/*.sql
var PostgresMigrationsFS embed.FS
