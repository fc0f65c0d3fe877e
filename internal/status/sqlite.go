package status

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

const schema = `
CREATE TABLE IF NOT EXISTS job_status (
	upload_id TEXT PRIMARY KEY,
	user_id TEXT NOT NULL,
	status TEXT NOT NULL,
	progress INTEGER NOT NULL DEFAULT 0,
	current_step TEXT NOT NULL DEFAULT '',
	result_url TEXT NOT NULL DEFAULT '',
	error TEXT NOT NULL DEFAULT '',
	metadata TEXT NOT NULL DEFAULT '{}',
	created_at TEXT NOT NULL,
	updated_at TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_job_status_user ON job_status(user_id);
`

// Compile-time check that SQLiteStore implements Store.
var _ Store = (*SQLiteStore)(nil)

// SQLiteStore is the SQLite-backed status store.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates the job_status table if needed and returns a store
// over the given database handle.
func NewSQLiteStore(sqlDB *sql.DB) (*SQLiteStore, error) {
	if _, err := sqlDB.Exec(schema); err != nil {
		return nil, fmt.Errorf("create status schema: %w", err)
	}
	return &SQLiteStore{db: sqlDB}, nil
}

// Init inserts the initial pending row with progress 0. An existing row is
// left untouched.
func (s *SQLiteStore) Init(ctx context.Context, uploadID, userID string) error {
	now := time.Now().UTC().Format(time.RFC3339Nano)
	_, err := s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO job_status (upload_id, user_id, status, progress, metadata, created_at, updated_at)
		VALUES (?, ?, ?, 0, '{}', ?, ?)`,
		uploadID, userID, StatePending, now, now,
	)
	if err != nil {
		return fmt.Errorf("init status: %w", err)
	}
	return nil
}

// Update merges a partial update into the row. Completed rows are final and
// drop the whole update. Errored rows accept only a reopen to processing,
// which a resumed run issues; the reopen clears the previous failure so the
// client sees a clean in-progress row. Any other write against an errored row
// is a stray from a cancelled run and is dropped.
func (s *SQLiteStore) Update(ctx context.Context, uploadID string, u Update) error {
	row, err := s.load(ctx, uploadID)
	if err != nil {
		return err
	}
	if row.State == StateCompleted {
		return nil
	}
	if row.State == StateError {
		if u.State == nil || *u.State != StateProcessing {
			return nil
		}
		row.Error = ""
		row.Metadata.ErrorCode = ""
		row.Metadata.ErrorMessage = ""
		row.Metadata.Signal = ""
		row.Metadata.InterruptedAt = ""
	}

	if u.State != nil {
		row.State = *u.State
	}
	if u.Progress != nil {
		row.Progress = *u.Progress
	}
	if u.CurrentStep != nil {
		row.CurrentStep = *u.CurrentStep
	}
	if u.ResultURL != nil {
		row.ResultURL = *u.ResultURL
	}
	if u.Error != nil {
		row.Error = *u.Error
	}
	if u.Metadata != nil {
		row.Metadata = row.Metadata.merge(*u.Metadata)
	}

	return s.write(ctx, row)
}

// Complete finalizes the row as completed with progress 100 and the run
// statistics merged into the metadata. A resumed run may complete a row that
// was errored by an earlier interruption.
func (s *SQLiteStore) Complete(ctx context.Context, uploadID, resultKey string, stats Metadata) error {
	row, err := s.load(ctx, uploadID)
	if err != nil {
		return err
	}
	if row.State == StateCompleted {
		return nil
	}

	row.State = StateCompleted
	row.Progress = 100
	row.Error = ""
	stats.ResultKey = resultKey
	row.Metadata = row.Metadata.merge(stats)
	return s.write(ctx, row)
}

// Fail finalizes the row as errored. Earlier metadata fields are preserved;
// the error code and message are merged in. A re-fail of an already errored
// row records the latest failure; completed rows stay completed.
func (s *SQLiteStore) Fail(ctx context.Context, uploadID, message, errorCode string, meta Metadata) error {
	row, err := s.load(ctx, uploadID)
	if err != nil {
		return err
	}
	if row.State == StateCompleted {
		return nil
	}

	row.State = StateError
	row.Error = message
	meta.ErrorCode = errorCode
	row.Metadata = row.Metadata.merge(meta)
	return s.write(ctx, row)
}

// Get returns the row or ErrNotFound.
func (s *SQLiteStore) Get(ctx context.Context, uploadID, userID string) (*Row, error) {
	row, err := s.load(ctx, uploadID)
	if err != nil {
		return nil, err
	}
	_ = userID // Ownership is enforced by the layer exposing status externally.
	return row, nil
}

func (s *SQLiteStore) load(ctx context.Context, uploadID string) (*Row, error) {
	dbRow := s.db.QueryRowContext(ctx, `
		SELECT user_id, status, progress, current_step, result_url, error, metadata, created_at, updated_at
		FROM job_status WHERE upload_id = ?`, uploadID)

	row := &Row{UploadID: uploadID}
	var metadataJSON string
	err := dbRow.Scan(
		&row.UserID, &row.State, &row.Progress, &row.CurrentStep,
		&row.ResultURL, &row.Error, &metadataJSON, &row.CreatedAt, &row.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load status: %w", err)
	}
	if err := json.Unmarshal([]byte(metadataJSON), &row.Metadata); err != nil {
		return nil, fmt.Errorf("decode status metadata: %w", err)
	}
	return row, nil
}

func (s *SQLiteStore) write(ctx context.Context, row *Row) error {
	metadataJSON, err := json.Marshal(row.Metadata)
	if err != nil {
		return fmt.Errorf("encode status metadata: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		UPDATE job_status SET status = ?, progress = ?, current_step = ?,
			result_url = ?, error = ?, metadata = ?, updated_at = ?
		WHERE upload_id = ?`,
		row.State, row.Progress, row.CurrentStep, row.ResultURL, row.Error,
		string(metadataJSON), time.Now().UTC().Format(time.RFC3339Nano), row.UploadID,
	)
	if err != nil {
		return fmt.Errorf("write status: %w", err)
	}
	return nil
}
