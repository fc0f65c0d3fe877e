package checkpoint

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/videolens/worker/internal/analysis"
)

const schema = `
CREATE TABLE IF NOT EXISTS checkpoints (
	upload_id TEXT PRIMARY KEY,
	user_id TEXT NOT NULL,
	current_step TEXT NOT NULL,
	video_path TEXT NOT NULL DEFAULT '',
	audio_path TEXT NOT NULL DEFAULT '',
	video_duration REAL NOT NULL DEFAULT 0,
	total_audio_chunks INTEGER NOT NULL DEFAULT 0,
	total_scenes INTEGER NOT NULL DEFAULT 0,
	completed_audio_chunks TEXT NOT NULL DEFAULT '[]',
	transcription_segments TEXT NOT NULL DEFAULT '[]',
	scene_cuts TEXT NOT NULL DEFAULT '[]',
	completed_ocr_scenes TEXT NOT NULL DEFAULT '[]',
	ocr_results TEXT NOT NULL DEFAULT '{}',
	created_at TEXT NOT NULL,
	updated_at TEXT NOT NULL,
	expires_at TEXT NOT NULL,
	retry_count INTEGER NOT NULL DEFAULT 0,
	version INTEGER NOT NULL DEFAULT 0
);

CREATE INDEX IF NOT EXISTS idx_checkpoints_expires ON checkpoints(expires_at);
`

// Compile-time check that SQLiteStore implements Store.
var _ Store = (*SQLiteStore)(nil)

// SQLiteStore is the SQLite-backed checkpoint store. Collection fields are
// stored as JSON columns; version provides optimistic concurrency.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates the checkpoints table if needed and returns a store
// over the given database handle.
func NewSQLiteStore(sqlDB *sql.DB) (*SQLiteStore, error) {
	if _, err := sqlDB.Exec(schema); err != nil {
		return nil, fmt.Errorf("create checkpoint schema: %w", err)
	}
	return &SQLiteStore{db: sqlDB}, nil
}

// Load returns the checkpoint for uploadID or ErrNotFound. Expired rows are
// returned as-is; callers decide via Checkpoint.Expired.
func (s *SQLiteStore) Load(ctx context.Context, uploadID string) (*Checkpoint, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT user_id, current_step, video_path, audio_path, video_duration,
		       total_audio_chunks, total_scenes, completed_audio_chunks,
		       transcription_segments, scene_cuts, completed_ocr_scenes,
		       ocr_results, created_at, updated_at, expires_at, retry_count, version
		FROM checkpoints WHERE upload_id = ?`, uploadID)

	cp := &Checkpoint{UploadID: uploadID}
	var (
		chunksJSON, segmentsJSON, cutsJSON, ocrScenesJSON, ocrResultsJSON string
		createdAt, updatedAt, expiresAt                                   string
	)
	err := row.Scan(
		&cp.UserID, &cp.CurrentStep, &cp.IntermediateVideoPath, &cp.IntermediateAudioPath,
		&cp.VideoDuration, &cp.TotalAudioChunks, &cp.TotalScenes,
		&chunksJSON, &segmentsJSON, &cutsJSON, &ocrScenesJSON, &ocrResultsJSON,
		&createdAt, &updatedAt, &expiresAt, &cp.RetryCount, &cp.Version,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load checkpoint: %w", err)
	}

	if err := decodeColumns(cp, chunksJSON, segmentsJSON, cutsJSON, ocrScenesJSON, ocrResultsJSON); err != nil {
		return nil, err
	}
	cp.CreatedAt = parseTime(createdAt)
	cp.UpdatedAt = parseTime(updatedAt)
	cp.ExpiresAt = parseTime(expiresAt)
	return cp, nil
}

// Save writes a full snapshot. With IncrementVersion set, the write is a CAS
// on the previous version and loses with ErrVersionConflict; the caller
// reloads and retries. The in-memory checkpoint is updated with the new
// version and timestamps on success.
func (s *SQLiteStore) Save(ctx context.Context, cp *Checkpoint, opts SaveOptions) error {
	chunksJSON, segmentsJSON, cutsJSON, ocrScenesJSON, ocrResultsJSON, err := encodeColumns(cp)
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	newVersion := cp.Version
	if opts.IncrementVersion {
		newVersion++
	}
	retry := cp.RetryCount
	if opts.IncrementRetry {
		retry++
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE checkpoints SET
			user_id = ?, current_step = ?, video_path = ?, audio_path = ?,
			video_duration = ?, total_audio_chunks = ?, total_scenes = ?,
			completed_audio_chunks = ?, transcription_segments = ?, scene_cuts = ?,
			completed_ocr_scenes = ?, ocr_results = ?, updated_at = ?,
			expires_at = ?, retry_count = ?, version = ?
		WHERE upload_id = ? AND version = ?`,
		cp.UserID, cp.CurrentStep, cp.IntermediateVideoPath, cp.IntermediateAudioPath,
		cp.VideoDuration, cp.TotalAudioChunks, cp.TotalScenes,
		chunksJSON, segmentsJSON, cutsJSON, ocrScenesJSON, ocrResultsJSON,
		formatTime(now), formatTime(cp.ExpiresAt), retry, newVersion,
		cp.UploadID, cp.Version,
	)
	if err != nil {
		return fmt.Errorf("save checkpoint: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("save checkpoint: %w", err)
	}
	if affected == 0 {
		// Either the row does not exist yet or the CAS lost.
		var existing int
		if err := s.db.QueryRowContext(ctx,
			"SELECT COUNT(*) FROM checkpoints WHERE upload_id = ?", cp.UploadID).Scan(&existing); err != nil {
			return fmt.Errorf("save checkpoint: %w", err)
		}
		if existing > 0 {
			return ErrVersionConflict
		}

		createdAt := cp.CreatedAt
		if createdAt.IsZero() {
			createdAt = now
		}
		_, err = s.db.ExecContext(ctx, `
			INSERT INTO checkpoints (
				upload_id, user_id, current_step, video_path, audio_path,
				video_duration, total_audio_chunks, total_scenes,
				completed_audio_chunks, transcription_segments, scene_cuts,
				completed_ocr_scenes, ocr_results, created_at, updated_at,
				expires_at, retry_count, version
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			cp.UploadID, cp.UserID, cp.CurrentStep, cp.IntermediateVideoPath, cp.IntermediateAudioPath,
			cp.VideoDuration, cp.TotalAudioChunks, cp.TotalScenes,
			chunksJSON, segmentsJSON, cutsJSON, ocrScenesJSON, ocrResultsJSON,
			formatTime(createdAt), formatTime(now), formatTime(cp.ExpiresAt), retry, newVersion,
		)
		if err != nil {
			return fmt.Errorf("insert checkpoint: %w", err)
		}
		cp.CreatedAt = createdAt
	}

	cp.Version = newVersion
	cp.RetryCount = retry
	cp.UpdatedAt = now
	return nil
}

// Delete removes the checkpoint row for uploadID. Deleting an absent row is
// not an error.
func (s *SQLiteStore) Delete(ctx context.Context, uploadID string) error {
	if _, err := s.db.ExecContext(ctx, "DELETE FROM checkpoints WHERE upload_id = ?", uploadID); err != nil {
		return fmt.Errorf("delete checkpoint: %w", err)
	}
	return nil
}

// Sweep removes all rows whose expiry precedes now and returns the count.
func (s *SQLiteStore) Sweep(ctx context.Context, now time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, "DELETE FROM checkpoints WHERE expires_at < ?", formatTime(now.UTC()))
	if err != nil {
		return 0, fmt.Errorf("sweep checkpoints: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("sweep checkpoints: %w", err)
	}
	return int(affected), nil
}

func encodeColumns(cp *Checkpoint) (chunks, segments, cuts, ocrScenes, ocrResults string, err error) {
	enc := func(v any) (string, error) {
		b, err := json.Marshal(v)
		if err != nil {
			return "", fmt.Errorf("encode checkpoint column: %w", err)
		}
		return string(b), nil
	}

	if chunks, err = enc(orEmptyInts(cp.CompletedAudioChunks)); err != nil {
		return
	}
	if segments, err = enc(orEmptySegments(cp.TranscriptionSegments)); err != nil {
		return
	}
	if cuts, err = enc(orEmptyCuts(cp.SceneCuts)); err != nil {
		return
	}
	if ocrScenes, err = enc(orEmptyInts(cp.CompletedOCRScenes)); err != nil {
		return
	}
	results := cp.OCRResults
	if results == nil {
		results = map[int]string{}
	}
	ocrResults, err = enc(results)
	return
}

func decodeColumns(cp *Checkpoint, chunks, segments, cuts, ocrScenes, ocrResults string) error {
	if err := json.Unmarshal([]byte(chunks), &cp.CompletedAudioChunks); err != nil {
		return fmt.Errorf("decode completed audio chunks: %w", err)
	}
	if err := json.Unmarshal([]byte(segments), &cp.TranscriptionSegments); err != nil {
		return fmt.Errorf("decode transcription segments: %w", err)
	}
	if err := json.Unmarshal([]byte(cuts), &cp.SceneCuts); err != nil {
		return fmt.Errorf("decode scene cuts: %w", err)
	}
	if err := json.Unmarshal([]byte(ocrScenes), &cp.CompletedOCRScenes); err != nil {
		return fmt.Errorf("decode completed OCR scenes: %w", err)
	}
	if err := json.Unmarshal([]byte(ocrResults), &cp.OCRResults); err != nil {
		return fmt.Errorf("decode OCR results: %w", err)
	}
	return nil
}

func orEmptyInts(v []int) []int {
	if v == nil {
		return []int{}
	}
	return v
}

func orEmptySegments(v []analysis.Segment) []analysis.Segment {
	if v == nil {
		return []analysis.Segment{}
	}
	return v
}

func orEmptyCuts(v []analysis.SceneCut) []analysis.SceneCut {
	if v == nil {
		return []analysis.SceneCut{}
	}
	return v
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}
