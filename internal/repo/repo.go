package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Repo reads and writes the store. A Repo bound to a transaction via WithTx
// routes every query through it; the database allows one open connection, so
// code holding a transaction must not touch the unbound Repo.
type Repo struct {
	DB *sql.DB
	tx *sql.Tx
}

var (
	ErrNotFound = errors.New("not found")
	// ErrVersionConflict reports that an optimistic update matched no row.
	ErrVersionConflict = errors.New("version conflict")
)

type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// WithTx returns a Repo that runs on tx.
func (r Repo) WithTx(tx *sql.Tx) Repo {
	return Repo{DB: r.DB, tx: tx}
}

// Tx returns the bound transaction, if any.
func (r Repo) Tx() *sql.Tx { return r.tx }

func (r Repo) q() querier {
	if r.tx != nil {
		return r.tx
	}
	return r.DB
}

// InTx runs fn inside a transaction and commits when it returns nil.
func (r Repo) InTx(ctx context.Context, fn func(Repo) error) error {
	if r.tx != nil {
		return fn(r)
	}
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := fn(r.WithTx(tx)); err != nil {
		return err
	}
	return tx.Commit()
}

const timeLayout = time.RFC3339Nano

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(v string) (time.Time, error) {
	t, err := time.Parse(timeLayout, v)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse time %q: %w", v, err)
	}
	return t, nil
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableStringPtr(v *string) any {
	if v == nil || *v == "" {
		return nil
	}
	return *v
}

func nullableFloatPtr(v *float64) any {
	if v == nil {
		return nil
	}
	return *v
}

func nullableBoolPtr(v *bool) any {
	if v == nil {
		return nil
	}
	if *v {
		return 1
	}
	return 0
}

func stringPtr(v sql.NullString) *string {
	if !v.Valid || v.String == "" {
		return nil
	}
	s := v.String
	return &s
}

func floatPtr(v sql.NullFloat64) *float64 {
	if !v.Valid {
		return nil
	}
	f := v.Float64
	return &f
}

func boolPtr(v sql.NullInt64) *bool {
	if !v.Valid {
		return nil
	}
	b := v.Int64 != 0
	return &b
}

func boolInt(v bool) int {
	if v {
		return 1
	}
	return 0
}

func noRows(err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	return err
}
