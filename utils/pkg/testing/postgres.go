package cubetesting

import (
	"testing"

	"github.com/jackc/pgx/v5/pgxpool"

	pgtesting "github.com/openspending/cube/cube/pkg/postgres/testing"
)

// NewPool returns a pool on a fresh, migrated database of the shared container.
func NewPool(t *testing.T, db *pgtesting.DB) *pgxpool.Pool {
	return pgtesting.NewTestPool(t, db)
}
