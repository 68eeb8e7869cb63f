package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	sq "github.com/Masterminds/squirrel"

	"recordflow/internal/db"
	"recordflow/internal/domain"
)

// Querier is satisfied by *sql.DB and *sql.Tx so every method can run
// inside or outside a transaction.
type Querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type Repo struct {
	DB      *sql.DB
	Dialect db.Dialect
}

var ErrNotFound = domain.ErrNotFound

func New(conn *sql.DB, dialect db.Dialect) Repo {
	return Repo{DB: conn, Dialect: dialect}
}

// TimeLayout is fixed width so stored timestamps sort lexically.
const TimeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func FormatTime(t time.Time) string {
	return t.UTC().Format(TimeLayout)
}

func ParseTime(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse timestamp %q: %w", s, err)
	}
	return t.UTC(), nil
}

func (r Repo) sb() sq.StatementBuilderType {
	if r.Dialect == db.Postgres {
		return sq.StatementBuilder.PlaceholderFormat(sq.Dollar)
	}
	return sq.StatementBuilder.PlaceholderFormat(sq.Question)
}

func (r Repo) conn(q Querier) Querier {
	if q == nil {
		return r.DB
	}
	return q
}

type scanner interface {
	Scan(dest ...any) error
}

type errRow struct{ err error }

func (e errRow) Scan(...any) error { return e.err }

func execSQL(ctx context.Context, q Querier, b sq.Sqlizer) (sql.Result, error) {
	query, args, err := b.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build sql: %w", err)
	}
	return q.ExecContext(ctx, query, args...)
}

func querySQL(ctx context.Context, q Querier, b sq.Sqlizer) (*sql.Rows, error) {
	query, args, err := b.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build sql: %w", err)
	}
	return q.QueryContext(ctx, query, args...)
}

func queryRowSQL(ctx context.Context, q Querier, b sq.Sqlizer) scanner {
	query, args, err := b.ToSql()
	if err != nil {
		return errRow{fmt.Errorf("build sql: %w", err)}
	}
	return q.QueryRowContext(ctx, query, args...)
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return FormatTime(*t)
}

func nullableFloat(v *float64) any {
	if v == nil {
		return nil
	}
	return *v
}

func parseNullTime(ns sql.NullString) (*time.Time, error) {
	if !ns.Valid || ns.String == "" {
		return nil, nil
	}
	t, err := ParseTime(ns.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func noRows(err error) bool {
	return errors.Is(err, sql.ErrNoRows)
}

// IsUniqueViolation reports constraint errors from either driver.
func IsUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "unique constraint") ||
		strings.Contains(msg, "duplicate key") ||
		strings.Contains(msg, "sqlstate 23505")
}
