package archive

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"pressbot/internal/domain"

	_ "modernc.org/sqlite"
)

// SQLiteStore implements domain.Archiver using SQLite. Terminated workflows
// are written once and never mutated; the store also backs the replay command.
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

func NewSQLiteStore(dbPath string, logger *slog.Logger) (*SQLiteStore, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("cannot create database directory %s: %w", dir, err)
	}

	db, err := sql.Open("sqlite", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("cannot open database: %w", err)
	}

	// Set connection pool (single connection for SQLite)
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	store := &SQLiteStore{db: db, logger: logger}

	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("database migration failed: %w", err)
	}

	return store, nil
}

func (s *SQLiteStore) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS workflows (
		id          TEXT PRIMARY KEY,
		user_id     TEXT NOT NULL,
		stage       TEXT NOT NULL,
		status      TEXT NOT NULL,
		title       TEXT,
		locator     TEXT,
		created_at  DATETIME NOT NULL,
		updated_at  DATETIME NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_workflows_user ON workflows(user_id, created_at);

	CREATE TABLE IF NOT EXISTS step_results (
		id          INTEGER PRIMARY KEY AUTOINCREMENT,
		workflow_id TEXT NOT NULL REFERENCES workflows(id) ON DELETE CASCADE,
		seq         INTEGER NOT NULL,
		step        TEXT NOT NULL,
		outcome     TEXT NOT NULL,
		attempt     INTEGER NOT NULL,
		data        TEXT,
		error       TEXT,
		at          DATETIME NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_steps_workflow ON step_results(workflow_id, seq);

	CREATE TABLE IF NOT EXISTS units (
		id           TEXT NOT NULL,
		workflow_id  TEXT NOT NULL REFERENCES workflows(id) ON DELETE CASCADE,
		seq          INTEGER NOT NULL,
		user_id      TEXT NOT NULL,
		kind         TEXT NOT NULL,
		payload      TEXT,
		channel      TEXT,
		chat_id      TEXT,
		received_at  DATETIME NOT NULL,
		PRIMARY KEY (workflow_id, seq)
	);
	`

	_, err := s.db.Exec(schema)
	return err
}

// SaveWorkflow persists a terminated workflow, its history and its batch in
// one transaction.
func (s *SQLiteStore) SaveWorkflow(ctx context.Context, w *domain.WorkflowState) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var title string
	if w.Draft != nil {
		title = w.Draft.Title
	}

	_, err = tx.ExecContext(ctx,
		`INSERT OR REPLACE INTO workflows (id, user_id, stage, status, title, locator, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		w.ID, w.Batch.UserID, string(w.Stage), string(w.Status), title, w.Locator, w.CreatedAt, w.UpdatedAt,
	)
	if err != nil {
		return err
	}

	_, err = tx.ExecContext(ctx, `DELETE FROM step_results WHERE workflow_id = ?`, w.ID)
	if err != nil {
		return err
	}
	for i, r := range w.History {
		_, err = tx.ExecContext(ctx,
			`INSERT INTO step_results (workflow_id, seq, step, outcome, attempt, data, error, at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			w.ID, i, string(r.Step), string(r.Outcome), r.Attempt, r.Data, r.Err, r.At,
		)
		if err != nil {
			return err
		}
	}

	_, err = tx.ExecContext(ctx, `DELETE FROM units WHERE workflow_id = ?`, w.ID)
	if err != nil {
		return err
	}
	for i, u := range w.Batch.Units {
		_, err = tx.ExecContext(ctx,
			`INSERT INTO units (id, workflow_id, seq, user_id, kind, payload, channel, chat_id, received_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			u.ID, w.ID, i, u.UserID, string(u.Kind), u.Payload, u.Channel, u.ChatID, u.ReceivedAt,
		)
		if err != nil {
			return err
		}
	}

	return tx.Commit()
}

// WorkflowSummary is one row of the archive listing.
type WorkflowSummary struct {
	ID        string    `json:"id"`
	UserID    string    `json:"userId"`
	Stage     string    `json:"stage"`
	Status    string    `json:"status"`
	Title     string    `json:"title,omitempty"`
	Locator   string    `json:"locator,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

func (w WorkflowSummary) String() string {
	b, _ := json.Marshal(w)
	return string(b)
}

// RecentWorkflows returns the newest archived workflows, newest first.
func (s *SQLiteStore) RecentWorkflows(ctx context.Context, limit int) ([]WorkflowSummary, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, user_id, stage, status, title, locator, created_at, updated_at
		 FROM workflows ORDER BY updated_at DESC LIMIT ?`, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []WorkflowSummary
	for rows.Next() {
		var w WorkflowSummary
		var title, locator sql.NullString
		if err := rows.Scan(&w.ID, &w.UserID, &w.Stage, &w.Status, &title, &locator, &w.CreatedAt, &w.UpdatedAt); err != nil {
			return nil, err
		}
		w.Title = title.String
		w.Locator = locator.String
		out = append(out, w)
	}
	return out, rows.Err()
}

// LoadBatch reconstructs the original batch of an archived workflow so a
// failed run can be replayed through a fresh workflow.
func (s *SQLiteStore) LoadBatch(ctx context.Context, workflowID string) (domain.UserBatch, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, user_id, kind, payload, channel, chat_id, received_at
		 FROM units WHERE workflow_id = ? ORDER BY seq`, workflowID,
	)
	if err != nil {
		return domain.UserBatch{}, err
	}
	defer rows.Close()

	var batch domain.UserBatch
	for rows.Next() {
		var u domain.InboundUnit
		var kind, payload, channel, chatID sql.NullString
		if err := rows.Scan(&u.ID, &u.UserID, &kind, &payload, &channel, &chatID, &u.ReceivedAt); err != nil {
			return domain.UserBatch{}, err
		}
		u.Kind = domain.UnitKind(kind.String)
		u.Payload = payload.String
		u.Channel = channel.String
		u.ChatID = chatID.String
		batch.Units = append(batch.Units, u)
	}
	if err := rows.Err(); err != nil {
		return domain.UserBatch{}, err
	}
	if len(batch.Units) == 0 {
		return domain.UserBatch{}, fmt.Errorf("no archived batch for workflow %s", workflowID)
	}

	batch.UserID = batch.Units[0].UserID
	batch.CreatedAt = batch.Units[0].ReceivedAt
	batch.LastExtendedAt = batch.Units[len(batch.Units)-1].ReceivedAt
	return batch, nil
}

// StepHistory returns the archived step attempts of a workflow in order.
func (s *SQLiteStore) StepHistory(ctx context.Context, workflowID string) ([]domain.StepResult, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT step, outcome, attempt, data, error, at
		 FROM step_results WHERE workflow_id = ? ORDER BY seq`, workflowID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.StepResult
	for rows.Next() {
		var r domain.StepResult
		var step, outcome, data, errStr sql.NullString
		if err := rows.Scan(&step, &outcome, &r.Attempt, &data, &errStr, &r.At); err != nil {
			return nil, err
		}
		r.Step = domain.Step(step.String)
		r.Outcome = domain.Outcome(outcome.String)
		r.Data = data.String
		r.Err = errStr.String
		out = append(out, r)
	}
	return out, rows.Err()
}

// Purge removes archived workflows older than the retention cutoff.
func (s *SQLiteStore) Purge(ctx context.Context, retentionDays int) (int64, error) {
	if retentionDays <= 0 {
		return 0, nil
	}
	cutoff := time.Now().AddDate(0, 0, -retentionDays)

	// Child rows first; the cascade only fires when foreign keys are enabled.
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM step_results WHERE workflow_id IN (SELECT id FROM workflows WHERE updated_at < ?)`, cutoff); err != nil {
		return 0, err
	}
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM units WHERE workflow_id IN (SELECT id FROM workflows WHERE updated_at < ?)`, cutoff); err != nil {
		return 0, err
	}
	res, err := s.db.ExecContext(ctx, `DELETE FROM workflows WHERE updated_at < ?`, cutoff)
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		s.logger.Info("archive purged", "removed", n, "cutoff", cutoff)
	}
	return n, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
