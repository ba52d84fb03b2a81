package rowstore

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/fentz26/rollout/internal/models"
	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// SQLiteStore is the table-backed row store for long-lived installs.
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLite opens a SQLite-backed store and runs migrations.
func OpenSQLite(dbPath string) (*SQLiteStore, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	// WAL for concurrent readers; SQLite supports one writer at a time.
	db, err := sql.Open("sqlite", dbPath+"?_journal_mode=WAL&_busy_timeout=5000&_synchronous=NORMAL")
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

// migrate runs idempotent schema migrations.
func (s *SQLiteStore) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS rows (
		row_id TEXT PRIMARY KEY,
		conversation TEXT NOT NULL,
		status_code TEXT NOT NULL,
		status_message TEXT,
		status_details TEXT,
		owning_pid INTEGER,
		eval_metadata TEXT,
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS events (
		id TEXT PRIMARY KEY,
		action TEXT NOT NULL,
		row_id TEXT,
		inputs_hash TEXT,
		outcome TEXT NOT NULL,
		details TEXT,
		timestamp DATETIME NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_rows_status ON rows(status_code);
	CREATE INDEX IF NOT EXISTS idx_events_row_id ON events(row_id);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Append implements Store.
func (s *SQLiteStore) Append(row models.Row) error {
	conv, details, meta, err := encodeRow(row)
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	_, err = s.db.Exec(
		`INSERT INTO rows (row_id, conversation, status_code, status_message, status_details, owning_pid, eval_metadata, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		row.RowID, conv, string(row.RolloutStatus.Code), row.RolloutStatus.Message, details, nullablePID(row.OwningPID), meta, now, now,
	)
	if err != nil {
		var exists int
		if s.db.QueryRow(`SELECT COUNT(1) FROM rows WHERE row_id = ?`, row.RowID).Scan(&exists) == nil && exists > 0 {
			return fmt.Errorf("%w: %s", ErrDuplicateRow, row.RowID)
		}
		return fmt.Errorf("insert row: %w", err)
	}
	return nil
}

// Update implements Store.
func (s *SQLiteStore) Update(row models.Row) error {
	current, err := s.Get(row.RowID)
	if err != nil {
		return err
	}
	if err := checkTransition(current.RolloutStatus, row.RolloutStatus); err != nil {
		return fmt.Errorf("row %s: %w", row.RowID, err)
	}

	conv, details, meta, err := encodeRow(row)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(
		`UPDATE rows SET conversation = ?, status_code = ?, status_message = ?, status_details = ?, owning_pid = ?, eval_metadata = ?, updated_at = ?
		 WHERE row_id = ?`,
		conv, string(row.RolloutStatus.Code), row.RolloutStatus.Message, details, nullablePID(row.OwningPID), meta, time.Now().UTC(), row.RowID,
	)
	if err != nil {
		return fmt.Errorf("update row: %w", err)
	}
	return nil
}

// Get implements Store.
func (s *SQLiteStore) Get(rowID string) (*models.Row, error) {
	row, err := scanRow(s.db.QueryRow(
		`SELECT row_id, conversation, status_code, status_message, status_details, owning_pid, eval_metadata FROM rows WHERE row_id = ?`,
		rowID,
	))
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: %s", ErrRowNotFound, rowID)
	}
	if err != nil {
		return nil, fmt.Errorf("get row: %w", err)
	}
	return row, nil
}

// List implements Store.
func (s *SQLiteStore) List() ([]models.Row, error) {
	return s.list(`SELECT row_id, conversation, status_code, status_message, status_details, owning_pid, eval_metadata FROM rows ORDER BY created_at, row_id`)
}

// ListByStatus implements Store.
func (s *SQLiteStore) ListByStatus(code models.StatusCode) ([]models.Row, error) {
	return s.list(
		`SELECT row_id, conversation, status_code, status_message, status_details, owning_pid, eval_metadata FROM rows WHERE status_code = ? ORDER BY created_at, row_id`,
		string(code),
	)
}

func (s *SQLiteStore) list(query string, args ...any) ([]models.Row, error) {
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("list rows: %w", err)
	}
	defer rows.Close()

	var out []models.Row
	for rows.Next() {
		row, err := scanRow(rows)
		if err != nil {
			return nil, fmt.Errorf("scan row: %w", err)
		}
		out = append(out, *row)
	}
	return out, rows.Err()
}

// WriteEvent implements Store.
func (s *SQLiteStore) WriteEvent(ev Event) error {
	if ev.ID == "" {
		ev.ID = uuid.New().String()
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}
	_, err := s.db.Exec(
		`INSERT INTO events (id, action, row_id, inputs_hash, outcome, details, timestamp) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		ev.ID, ev.Action, ev.RowID, ev.InputsHash, ev.Outcome, ev.Details, ev.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("insert event: %w", err)
	}
	return nil
}

// Close implements Store.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

type scannable interface {
	Scan(dest ...any) error
}

func scanRow(sc scannable) (*models.Row, error) {
	var (
		row     models.Row
		conv    string
		code    string
		message sql.NullString
		details sql.NullString
		pid     sql.NullInt64
		meta    sql.NullString
	)
	if err := sc.Scan(&row.RowID, &conv, &code, &message, &details, &pid, &meta); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(conv), &row.Conversation); err != nil {
		return nil, fmt.Errorf("decode conversation: %w", err)
	}
	row.RolloutStatus = models.Status{Code: models.StatusCode(code), Message: message.String}
	if details.Valid && details.String != "" {
		if err := json.Unmarshal([]byte(details.String), &row.RolloutStatus.Details); err != nil {
			return nil, fmt.Errorf("decode status details: %w", err)
		}
	}
	if pid.Valid {
		p := int(pid.Int64)
		row.OwningPID = &p
	}
	if meta.Valid && meta.String != "" {
		if err := json.Unmarshal([]byte(meta.String), &row.EvalMetadata); err != nil {
			return nil, fmt.Errorf("decode eval metadata: %w", err)
		}
	}
	return &row, nil
}

func encodeRow(row models.Row) (conv, details, meta string, err error) {
	convBytes, err := json.Marshal(row.Conversation)
	if err != nil {
		return "", "", "", fmt.Errorf("encode conversation: %w", err)
	}
	detailBytes, err := json.Marshal(row.RolloutStatus.Details)
	if err != nil {
		return "", "", "", fmt.Errorf("encode status details: %w", err)
	}
	metaBytes, err := json.Marshal(row.EvalMetadata)
	if err != nil {
		return "", "", "", fmt.Errorf("encode eval metadata: %w", err)
	}
	return string(convBytes), string(detailBytes), string(metaBytes), nil
}

func nullablePID(pid *int) any {
	if pid == nil {
		return nil
	}
	return *pid
}
