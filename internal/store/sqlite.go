// ABOUTME: SQLite implementation of WebhookStore using modernc.org/sqlite
// ABOUTME: Stores webhook registrations and capped call history with automatic schema creation

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore implements WebhookStore using SQLite
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

var _ WebhookStore = (*SQLiteStore)(nil)

// NewSQLiteStore creates a new SQLite store at the given path.
// The schema is created if it doesn't exist and parent directories are
// created if needed.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	logger := slog.Default().With("component", "store")

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("creating database directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	// A single connection serializes writers and keeps the trim atomic.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}

	s := &SQLiteStore{db: db, logger: logger}

	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}
	if err := s.runMigrations(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	logger.Info("SQLite store initialized", "path", path)
	return s, nil
}

func (s *SQLiteStore) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS webhooks (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			session_id TEXT NOT NULL,
			chat_id TEXT NOT NULL,
			chat_name TEXT,
			secret_token TEXT NOT NULL,
			rate_limit INTEGER NOT NULL DEFAULT 10,
			enabled INTEGER NOT NULL DEFAULT 1,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_webhooks_session ON webhooks(session_id);

		CREATE TABLE IF NOT EXISTS webhook_history (
			seq INTEGER PRIMARY KEY AUTOINCREMENT,
			id TEXT NOT NULL UNIQUE,
			webhook_id TEXT NOT NULL,
			timestamp TEXT NOT NULL,
			status TEXT NOT NULL,
			status_code INTEGER NOT NULL,
			payload TEXT NOT NULL,
			response TEXT,
			error TEXT,

			CHECK (status IN ('success', 'error'))
		);

		CREATE INDEX IF NOT EXISTS idx_history_webhook ON webhook_history(webhook_id, seq);
	`
	_, err := s.db.Exec(schema)
	return err
}

// runMigrations applies idempotent column additions for older databases.
func (s *SQLiteStore) runMigrations() error {
	var exists int
	err := s.db.QueryRow(`SELECT 1 FROM pragma_table_info('webhooks') WHERE name = 'chat_name'`).Scan(&exists)
	if err == nil {
		return nil
	}
	if _, err := s.db.Exec(`ALTER TABLE webhooks ADD COLUMN chat_name TEXT`); err != nil {
		return fmt.Errorf("adding chat_name column to webhooks: %w", err)
	}
	s.logger.Info("applied migration", "column", "chat_name", "table", "webhooks")
	return nil
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	s.logger.Info("closing SQLite store")
	return s.db.Close()
}

// isConstraintViolation checks if the error is a SQLite constraint violation
func isConstraintViolation(err error) bool {
	if err == nil {
		return false
	}
	return strings.Contains(err.Error(), "constraint failed")
}

// timeLayout is fixed width so stored timestamps sort lexically.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(field, value string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, value)
	if err != nil {
		return time.Time{}, fmt.Errorf("parsing %s: %w", field, err)
	}
	return t, nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// execer is satisfied by *sql.DB and *sql.Tx.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func insertWebhook(ctx context.Context, db execer, w *Webhook) error {
	_, err := db.ExecContext(ctx, `
		INSERT INTO webhooks (id, name, session_id, chat_id, chat_name, secret_token,
			rate_limit, enabled, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		w.ID, w.Name, w.SessionID, w.ChatID, nullString(w.ChatName), w.SecretToken,
		w.RateLimit, boolInt(w.Enabled), formatTime(w.CreatedAt), formatTime(w.UpdatedAt),
	)
	if err != nil {
		if isConstraintViolation(err) {
			return ErrDuplicateWebhook
		}
		return fmt.Errorf("inserting webhook: %w", err)
	}
	return nil
}

// CreateWebhook inserts a new webhook.
// Returns ErrDuplicateWebhook if the id is taken.
func (s *SQLiteStore) CreateWebhook(ctx context.Context, w *Webhook) error {
	if err := insertWebhook(ctx, s.db, w); err != nil {
		return err
	}
	s.logger.Debug("created webhook", "id", w.ID, "session_id", w.SessionID)
	return nil
}

const webhookColumns = `id, name, session_id, chat_id, chat_name, secret_token,
	rate_limit, enabled, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanWebhook(row rowScanner) (*Webhook, error) {
	var w Webhook
	var chatName sql.NullString
	var enabled int
	var createdAt, updatedAt string

	err := row.Scan(&w.ID, &w.Name, &w.SessionID, &w.ChatID, &chatName, &w.SecretToken,
		&w.RateLimit, &enabled, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}

	w.ChatName = chatName.String
	w.Enabled = enabled != 0
	if w.CreatedAt, err = parseTime("created_at", createdAt); err != nil {
		return nil, err
	}
	if w.UpdatedAt, err = parseTime("updated_at", updatedAt); err != nil {
		return nil, err
	}
	return &w, nil
}

// GetWebhook retrieves a webhook by id.
// Returns ErrNotFound if it doesn't exist.
func (s *SQLiteStore) GetWebhook(ctx context.Context, id string) (*Webhook, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+webhookColumns+` FROM webhooks WHERE id = ?`, id)
	w, err := scanWebhook(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying webhook: %w", err)
	}
	return w, nil
}

// UpdateWebhook overwrites every mutable field of an existing webhook.
// Returns ErrNotFound if it doesn't exist.
func (s *SQLiteStore) UpdateWebhook(ctx context.Context, w *Webhook) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE webhooks
		SET name = ?, session_id = ?, chat_id = ?, chat_name = ?, secret_token = ?,
			rate_limit = ?, enabled = ?, updated_at = ?
		WHERE id = ?
	`,
		w.Name, w.SessionID, w.ChatID, nullString(w.ChatName), w.SecretToken,
		w.RateLimit, boolInt(w.Enabled), formatTime(w.UpdatedAt), w.ID,
	)
	if err != nil {
		return fmt.Errorf("updating webhook: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking rows affected: %w", err)
	}
	if rows == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteWebhook removes a webhook and its history in one transaction.
// Returns ErrNotFound if it doesn't exist.
func (s *SQLiteStore) DeleteWebhook(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	result, err := tx.ExecContext(ctx, `DELETE FROM webhooks WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("deleting webhook: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking rows affected: %w", err)
	}
	if rows == 0 {
		return ErrNotFound
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM webhook_history WHERE webhook_id = ?`, id); err != nil {
		return fmt.Errorf("deleting webhook history: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}
	s.logger.Debug("deleted webhook", "id", id)
	return nil
}

// ListWebhooks returns all webhooks, newest first.
func (s *SQLiteStore) ListWebhooks(ctx context.Context) ([]*Webhook, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+webhookColumns+` FROM webhooks ORDER BY created_at DESC, id`)
	if err != nil {
		return nil, fmt.Errorf("querying webhooks: %w", err)
	}
	defer rows.Close()

	var out []*Webhook
	for rows.Next() {
		w, err := scanWebhook(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning webhook: %w", err)
		}
		out = append(out, w)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating webhooks: %w", err)
	}
	return out, nil
}

// ReplaceWebhooks deletes every webhook and inserts the given set in one
// transaction. History rows are kept.
func (s *SQLiteStore) ReplaceWebhooks(ctx context.Context, webhooks []*Webhook) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM webhooks`); err != nil {
		return fmt.Errorf("clearing webhooks: %w", err)
	}
	for _, w := range webhooks {
		if err := insertWebhook(ctx, tx, w); err != nil {
			return fmt.Errorf("importing webhook %s: %w", w.ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}
	s.logger.Info("replaced webhooks", "count", len(webhooks))
	return nil
}

// AppendHistory inserts e and trims the table to the newest keep rows in the
// same transaction. keep <= 0 uses DefaultHistoryLimit.
func (s *SQLiteStore) AppendHistory(ctx context.Context, e *HistoryEntry, keep int) error {
	if keep <= 0 {
		keep = DefaultHistoryLimit
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var response any
	if len(e.Response) > 0 {
		response = string(e.Response)
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO webhook_history (id, webhook_id, timestamp, status, status_code, payload, response, error)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`,
		e.ID, e.WebhookID, formatTime(e.Timestamp), e.Status, e.StatusCode,
		e.Payload, response, nullString(e.Error),
	)
	if err != nil {
		return fmt.Errorf("inserting history entry: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		DELETE FROM webhook_history
		WHERE seq NOT IN (SELECT seq FROM webhook_history ORDER BY seq DESC LIMIT ?)
	`, keep)
	if err != nil {
		return fmt.Errorf("trimming history: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}
	return nil
}

// ListHistory returns history entries newest first.
func (s *SQLiteStore) ListHistory(ctx context.Context, f HistoryFilter) ([]*HistoryEntry, error) {
	query := `SELECT id, webhook_id, timestamp, status, status_code, payload, response, error
		FROM webhook_history`
	var args []any
	if f.WebhookID != "" {
		query += ` WHERE webhook_id = ?`
		args = append(args, f.WebhookID)
	}
	query += ` ORDER BY seq DESC`
	if f.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, f.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying history: %w", err)
	}
	defer rows.Close()

	var out []*HistoryEntry
	for rows.Next() {
		var e HistoryEntry
		var ts string
		var response, errText sql.NullString
		if err := rows.Scan(&e.ID, &e.WebhookID, &ts, &e.Status, &e.StatusCode, &e.Payload, &response, &errText); err != nil {
			return nil, fmt.Errorf("scanning history entry: %w", err)
		}
		if e.Timestamp, err = parseTime("timestamp", ts); err != nil {
			return nil, err
		}
		if response.Valid {
			e.Response = []byte(response.String)
		}
		e.Error = errText.String
		out = append(out, &e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating history: %w", err)
	}
	return out, nil
}

// CountHistory returns the number of stored history rows.
func (s *SQLiteStore) CountHistory(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM webhook_history`).Scan(&n); err != nil {
		return 0, fmt.Errorf("counting history: %w", err)
	}
	return n, nil
}
