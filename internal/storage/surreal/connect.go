package surreal

import (
	"context"
	"fmt"

	"github.com/casekit/docket/internal/common"
	"github.com/surrealdb/surrealdb.go"
)

// tables holds every table the stores touch. SurrealDB v3 errors on querying
// tables that were never defined, so Connect defines them up front.
var tables = []string{"job", "tenant", "assignment", "export_artifact"}

// Connect opens a SurrealDB connection, signs in, selects the configured
// namespace/database and defines the job subsystem's tables.
func Connect(ctx context.Context, cfg common.SurrealConfig) (*surrealdb.DB, error) {
	db, err := surrealdb.New(cfg.Address)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to SurrealDB: %w", err)
	}

	if _, err := db.SignIn(ctx, map[string]interface{}{
		"user": cfg.Username,
		"pass": cfg.Password,
	}); err != nil {
		db.Close(ctx)
		return nil, fmt.Errorf("failed to sign in to SurrealDB: %w", err)
	}

	if err := db.Use(ctx, cfg.Namespace, cfg.Database); err != nil {
		db.Close(ctx)
		return nil, fmt.Errorf("failed to select namespace/database: %w", err)
	}

	for _, table := range tables {
		sql := fmt.Sprintf("DEFINE TABLE IF NOT EXISTS %s SCHEMALESS", table)
		if _, err := surrealdb.Query[any](ctx, db, sql, nil); err != nil {
			db.Close(ctx)
			return nil, fmt.Errorf("failed to define table %s: %w", table, err)
		}
	}

	return db, nil
}
