package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib" // Драйвер Postgres

	"github.com/dima1203oleg/predator-analytics/internal/domain"
)

const schema = `
CREATE TABLE IF NOT EXISTS audit_entries (
	id          TEXT PRIMARY KEY,
	session     TEXT NOT NULL,
	action      TEXT NOT NULL,
	actor       TEXT,
	resource    TEXT,
	status      TEXT,
	details     JSONB,
	occurred_at TEXT,
	archived_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
)`

// Количество колонок во вставке
const numFields = 8

type AuditRepo struct {
	db *sql.DB
}

func NewAuditRepo(connString string, maxConns int) (*AuditRepo, error) {
	db, err := sql.Open("pgx", connString)
	if err != nil {
		return nil, fmt.Errorf("postgres: open: %w", err)
	}
	if maxConns <= 0 {
		maxConns = 5
	}
	db.SetMaxOpenConns(maxConns)
	db.SetMaxIdleConns(maxConns)
	db.SetConnMaxLifetime(5 * time.Minute)
	return &AuditRepo{db: db}, nil
}

// Ping проверяет доступность базы при старте
func (r *AuditRepo) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

func (r *AuditRepo) EnsureSchema(ctx context.Context) error {
	if _, err := r.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("postgres: ensure schema: %w", err)
	}
	return nil
}

func (r *AuditRepo) Close() error {
	return r.db.Close()
}

// WriteBatch: пакетная вставка. Повторы id (рестарт процесса, вытеснение из LRU) игнорируются.
func (r *AuditRepo) WriteBatch(ctx context.Context, session string, entries []domain.AuditEntry) error {
	if len(entries) == 0 {
		return nil
	}
	query, vals := buildInsert(session, entries)
	if _, err := r.db.ExecContext(ctx, query, vals...); err != nil {
		return fmt.Errorf("postgres: write audit batch: %w", err)
	}
	return nil
}

func buildInsert(session string, entries []domain.AuditEntry) (string, []interface{}) {
	var sb strings.Builder
	vals := make([]interface{}, 0, len(entries)*numFields)

	// Динамически строим запрос для пакетной вставки
	for i, e := range entries {
		if i > 0 {
			sb.WriteString(", ")
		}
		p := i * numFields
		fmt.Fprintf(&sb, "($%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d)",
			p+1, p+2, p+3, p+4, p+5, p+6, p+7, p+8)

		var details interface{}
		if len(e.Details) > 0 {
			details = string(e.Details)
		}
		vals = append(vals, e.ID, session, e.Action, e.Actor, e.Resource, e.Status, details, e.Timestamp)
	}

	query := "INSERT INTO audit_entries (id, session, action, actor, resource, status, details, occurred_at) VALUES " +
		sb.String() + " ON CONFLICT (id) DO NOTHING"
	return query, vals
}
