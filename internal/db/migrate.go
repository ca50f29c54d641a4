package db

import (
	"context"
	_ "embed"
)

//go:embed schema.sql
var schema string

// Schema returns the DDL applied by Migrate.
func Schema() string { return schema }

// Migrate applies the idempotent schema. Every statement uses IF NOT EXISTS,
// so running it on each boot is safe.
func Migrate(ctx context.Context, q Querier) error {
	_, err := q.Exec(ctx, schema)
	return err
}
