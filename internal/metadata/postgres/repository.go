package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/askdash/askdash/internal/metadata"
	"github.com/askdash/askdash/internal/plan"
)

// Repository reads the queryable schema from information_schema and the
// PII registry from a dedicated table. When the registry table does not
// exist yet, PII columns are inferred from column names instead.
type Repository struct {
	db *sql.DB
}

func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

func (r *Repository) HealthCheck(ctx context.Context) error {
	if err := r.db.PingContext(ctx); err != nil {
		return fmt.Errorf("ping warehouse db: %w", err)
	}
	return nil
}

func (r *Repository) SchemaFor(ctx context.Context) (plan.Schema, error) {
	rows, err := r.db.QueryContext(ctx, `
SELECT table_name, column_name
FROM information_schema.columns
WHERE table_schema = 'public'
ORDER BY table_name, ordinal_position`)
	if err != nil {
		return nil, fmt.Errorf("list warehouse columns: %w", err)
	}
	defer func() { _ = rows.Close() }()

	tables := make(map[string][]string)
	for rows.Next() {
		var table, column string
		if err := rows.Scan(&table, &column); err != nil {
			return nil, fmt.Errorf("scan column row: %w", err)
		}
		tables[table] = append(tables[table], column)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate column rows: %w", err)
	}
	if len(tables) == 0 {
		return nil, fmt.Errorf("warehouse exposes no tables")
	}
	return plan.NewSchema(tables), nil
}

func (r *Repository) PIIColumns(ctx context.Context) (map[string]struct{}, error) {
	exists, err := r.piiRegistryExists(ctx)
	if err != nil {
		return nil, err
	}
	if !exists {
		schema, err := r.SchemaFor(ctx)
		if err != nil {
			return nil, err
		}
		return metadata.InferPIIColumns(schema), nil
	}

	rows, err := r.db.QueryContext(ctx, `
SELECT table_name, column_name
FROM pii_registry
ORDER BY table_name, column_name`)
	if err != nil {
		return nil, fmt.Errorf("list pii registry: %w", err)
	}
	defer func() { _ = rows.Close() }()

	pii := make(map[string]struct{})
	for rows.Next() {
		var table, column string
		if err := rows.Scan(&table, &column); err != nil {
			return nil, fmt.Errorf("scan pii row: %w", err)
		}
		pii[strings.ToLower(table)+"."+strings.ToLower(column)] = struct{}{}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate pii rows: %w", err)
	}
	return pii, nil
}

func (r *Repository) piiRegistryExists(ctx context.Context) (bool, error) {
	var exists bool
	err := r.db.QueryRowContext(ctx, `
SELECT EXISTS (
	SELECT 1 FROM information_schema.tables
	WHERE table_schema = 'public' AND table_name = 'pii_registry'
)`).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check pii registry: %w", err)
	}
	return exists, nil
}
