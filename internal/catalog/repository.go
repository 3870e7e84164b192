package catalog

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/heimdex/binwatch/internal/events"
)

type Repository interface {
	CreateRun(ctx context.Context, run *Run) error
	GetRun(ctx context.Context, id string) (*Run, error)
	ListRuns(ctx context.Context, limit int) ([]*Run, error)
	ListPendingRuns(ctx context.Context) ([]*Run, error)
	FindRunByFingerprint(ctx context.Context, fingerprint string) (*Run, error)
	UpdateRunStatus(ctx context.Context, id, status, errorMsg string) error
	UpdateRunProgress(ctx context.Context, id, stage string, progress int) error
	CompleteRun(ctx context.Context, id string, summary, report []byte, recs []events.Record) error
	GetReport(ctx context.Context, id string) ([]byte, error)
	CountRuns(ctx context.Context, status string) (int, error)

	ListEvents(ctx context.Context, runID string) ([]events.Record, error)
	GetEvent(ctx context.Context, runID string, eventID int) (*events.Record, error)

	GetConfig(ctx context.Context, key string) (string, error)
	SetConfig(ctx context.Context, key, value string) error
}

type SQLiteRepository struct {
	db *sql.DB
}

func NewRepository(db *sql.DB) *SQLiteRepository {
	return &SQLiteRepository{db: db}
}

const runColumns = `id, video_path, fingerprint, status, stage, progress, error, config, summary, created_at, updated_at`

func (r *SQLiteRepository) CreateRun(ctx context.Context, run *Run) error {
	cfg, err := json.Marshal(run.Config)
	if err != nil {
		return err
	}
	_, err = r.db.ExecContext(ctx, `
		INSERT INTO runs (id, video_path, fingerprint, status, stage, progress, error, config, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, run.ID, run.VideoPath, nullString(run.Fingerprint), run.Status, nullString(run.Stage), run.Progress,
		nullString(run.Error), string(cfg), formatTime(run.CreatedAt), formatTime(run.UpdatedAt))
	return err
}

func (r *SQLiteRepository) GetRun(ctx context.Context, id string) (*Run, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+runColumns+` FROM runs WHERE id = ?`, id)
	return scanRun(row)
}

func (r *SQLiteRepository) FindRunByFingerprint(ctx context.Context, fingerprint string) (*Run, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT `+runColumns+` FROM runs
		WHERE fingerprint = ? AND status != 'failed'
		ORDER BY created_at DESC LIMIT 1
	`, fingerprint)
	return scanRun(row)
}

func (r *SQLiteRepository) ListRuns(ctx context.Context, limit int) ([]*Run, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.db.QueryContext(ctx, `SELECT `+runColumns+` FROM runs ORDER BY created_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanRuns(rows)
}

func (r *SQLiteRepository) ListPendingRuns(ctx context.Context) ([]*Run, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+runColumns+` FROM runs WHERE status = 'pending' ORDER BY created_at ASC
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanRuns(rows)
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(row scanner) (*Run, error) {
	var run Run
	var fingerprint, stage, errMsg, summary sql.NullString
	var cfg, createdAt, updatedAt string

	err := row.Scan(&run.ID, &run.VideoPath, &fingerprint, &run.Status, &stage, &run.Progress,
		&errMsg, &cfg, &summary, &createdAt, &updatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	run.Fingerprint = fingerprint.String
	run.Stage = stage.String
	run.Error = errMsg.String
	if summary.Valid && summary.String != "" {
		run.Summary = json.RawMessage(summary.String)
	}
	if err := json.Unmarshal([]byte(cfg), &run.Config); err != nil {
		return nil, fmt.Errorf("run %s: bad config: %w", run.ID, err)
	}
	run.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	run.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updatedAt)
	return &run, nil
}

func scanRuns(rows *sql.Rows) ([]*Run, error) {
	var runs []*Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

func (r *SQLiteRepository) UpdateRunStatus(ctx context.Context, id, status, errorMsg string) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE runs SET status = ?, error = ?, updated_at = ? WHERE id = ?
	`, status, nullString(errorMsg), formatTime(time.Now()), id)
	return err
}

func (r *SQLiteRepository) UpdateRunProgress(ctx context.Context, id, stage string, progress int) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE runs SET stage = ?, progress = ?, updated_at = ? WHERE id = ?
	`, stage, progress, formatTime(time.Now()), id)
	return err
}

// CompleteRun stores the run's events, summary and report in one
// transaction and marks it completed.
func (r *SQLiteRepository) CompleteRun(ctx context.Context, id string, summary, report []byte, recs []events.Record) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM events WHERE run_id = ?`, id); err != nil {
		return err
	}
	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO events (run_id, event_id, start_time, end_time, center_time, frame_count, detection_count,
			representative_frame, clip_path, clip_start, clip_end, clip_loaded,
			event_type, confidence, rationale, frames_examined, cost_spent, votes, method, status)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, e := range recs {
		if _, err := stmt.ExecContext(ctx, id, e.EventID, e.StartTime, e.EndTime, e.CenterTime, e.FrameCount,
			e.DetectionCount, nullString(e.Representative), nullString(e.ClipPath), e.ClipStart, e.ClipEnd,
			boolToInt(e.ClipLoaded), string(e.EventType), e.Confidence.String(), nullString(e.Rationale),
			e.FramesExamined, e.CostSpent, e.Votes, string(e.Method), string(e.Status)); err != nil {
			return fmt.Errorf("insert event %d: %w", e.EventID, err)
		}
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE runs SET status = ?, stage = 'done', progress = 100, error = NULL, summary = ?, report = ?, updated_at = ?
		WHERE id = ?
	`, RunStatusCompleted, string(summary), string(report), formatTime(time.Now()), id); err != nil {
		return err
	}
	return tx.Commit()
}

// GetReport returns the stored JSON report; nil when the run has none.
func (r *SQLiteRepository) GetReport(ctx context.Context, id string) ([]byte, error) {
	var report sql.NullString
	err := r.db.QueryRowContext(ctx, `SELECT report FROM runs WHERE id = ?`, id).Scan(&report)
	if err == sql.ErrNoRows || !report.Valid {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return []byte(report.String), nil
}

// CountRuns counts runs with status, or all runs when status is empty.
func (r *SQLiteRepository) CountRuns(ctx context.Context, status string) (int, error) {
	var count int
	var err error
	if status == "" {
		err = r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM runs`).Scan(&count)
	} else {
		err = r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM runs WHERE status = ?`, status).Scan(&count)
	}
	return count, err
}

const eventColumns = `event_id, start_time, end_time, center_time, frame_count, detection_count,
	representative_frame, clip_path, clip_start, clip_end, clip_loaded,
	event_type, confidence, rationale, frames_examined, cost_spent, votes, method, status`

func (r *SQLiteRepository) ListEvents(ctx context.Context, runID string) ([]events.Record, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT `+eventColumns+` FROM events WHERE run_id = ? ORDER BY event_id`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var recs []events.Record
	for rows.Next() {
		rec, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		recs = append(recs, *rec)
	}
	return recs, rows.Err()
}

func (r *SQLiteRepository) GetEvent(ctx context.Context, runID string, eventID int) (*events.Record, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+eventColumns+` FROM events WHERE run_id = ? AND event_id = ?`, runID, eventID)
	rec, err := scanEvent(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return rec, err
}

func scanEvent(row scanner) (*events.Record, error) {
	var e events.Record
	var rep, clip, rationale, method, status sql.NullString
	var eventType, confidence string
	var loaded int
	err := row.Scan(&e.EventID, &e.StartTime, &e.EndTime, &e.CenterTime, &e.FrameCount, &e.DetectionCount,
		&rep, &clip, &e.ClipStart, &e.ClipEnd, &loaded,
		&eventType, &confidence, &rationale, &e.FramesExamined, &e.CostSpent, &e.Votes, &method, &status)
	if err != nil {
		return nil, err
	}
	e.Duration = e.EndTime - e.StartTime
	e.Representative = rep.String
	e.ClipPath = clip.String
	e.ClipLoaded = loaded == 1
	e.EventType = events.EventType(eventType)
	e.Confidence, _ = events.ParseConfidence(confidence)
	e.Rationale = rationale.String
	e.Method = events.Method(method.String)
	e.Status = events.Status(status.String)
	return &e, nil
}

func (r *SQLiteRepository) GetConfig(ctx context.Context, key string) (string, error) {
	var value string
	err := r.db.QueryRowContext(ctx, "SELECT value FROM config WHERE key = ?", key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", nil
	}
	return value, err
}

func (r *SQLiteRepository) SetConfig(ctx context.Context, key, value string) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO config (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value
	`, key, value)
	return err
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}
