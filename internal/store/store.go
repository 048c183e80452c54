// Package store implements the durable run/step/log/file repository over a
// single embedded SQLite database, pooled through database/sql and tuned
// for SQLite's single-writer model.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/tasker-core/core/internal/tkerr"
	"github.com/tasker-core/core/pkg/models"
)

const settingsRowID = "singleton"

// Store persists settings, runs, steps, logs, notes, and file metadata.
type Store struct {
	db *sql.DB

	// writeMu serializes writers per run_id; reads proceed unserialized
	// under SQLite's WAL mode.
	writeMu   sync.Mutex
	runLocks  map[string]*sync.Mutex
}

// Open creates (if needed) and opens the SQLite database at dbPath,
// applying the schema and seeding default settings on first run.
func Open(ctx context.Context, dbPath string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, tkerr.Wrap(tkerr.StoreError, "create data dir", err)
	}
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=foreign_keys(ON)", dbPath)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, tkerr.Wrap(tkerr.StoreError, "open database", err)
	}
	db.SetMaxOpenConns(8)
	if _, err := db.ExecContext(ctx, schema); err != nil {
		return nil, tkerr.Wrap(tkerr.StoreError, "apply schema", err)
	}
	s := &Store{db: db, runLocks: make(map[string]*sync.Mutex)}
	if err := s.seedSettings(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

// Close releases the underlying database connections.
func (s *Store) Close() error { return s.db.Close() }

func (s *Store) lockFor(runID string) *sync.Mutex {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	mu, ok := s.runLocks[runID]
	if !ok {
		mu = &sync.Mutex{}
		s.runLocks[runID] = mu
	}
	return mu
}

func (s *Store) seedSettings(ctx context.Context) error {
	var count int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM settings WHERE id = ?`, settingsRowID).Scan(&count); err != nil {
		return tkerr.Wrap(tkerr.StoreError, "check settings", err)
	}
	if count > 0 {
		return nil
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO settings (id, default_llm_provider, default_llm_model, default_max_steps, default_viewport_width, default_viewport_height, version)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		settingsRowID, "anthropic", "claude-sonnet-4-20250514", 50, 1280, 800, 1)
	if err != nil {
		return tkerr.Wrap(tkerr.StoreError, "seed settings", err)
	}
	return nil
}

// CreateRun inserts a new run in Pending status.
func (s *Store) CreateRun(ctx context.Context, run *models.Run) error {
	if run.ID == "" {
		run.ID = uuid.NewString()
	}
	if run.Status == "" {
		run.Status = models.RunPending
	}
	if run.StartedAt.IsZero() {
		run.StartedAt = time.Now()
	}
	metaJSON, err := marshalMeta(run.Metadata)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO runs (id, workflow_id, task_description, custom_instructions, stop_when, max_steps, llm_provider, llm_model, hints, status, error, result, started_at, completed_at, metadata)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		run.ID, nullable(run.WorkflowID), run.TaskDescription, nullable(run.CustomInstructions), nullable(run.StopWhen),
		run.MaxSteps, run.LLMProvider, run.LLMModel, nullable(run.Hints), string(run.Status),
		nullable(run.Error), nullable(run.Result), run.StartedAt, nullTime(run.CompletedAt), metaJSON)
	if err != nil {
		return tkerr.Wrap(tkerr.StoreError, "create run", err)
	}
	return nil
}

// UpdateRunStatus transitions a run's status and, for terminal states,
// records the error/result and completion time.
func (s *Store) UpdateRunStatus(ctx context.Context, runID string, status models.RunStatus, errMsg, result string) error {
	mu := s.lockFor(runID)
	mu.Lock()
	defer mu.Unlock()

	var completedAt any
	if status.Terminal() {
		completedAt = time.Now()
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE runs SET status = ?, error = ?, result = ?, completed_at = COALESCE(?, completed_at)
		WHERE id = ?`,
		string(status), nullable(errMsg), nullable(result), completedAt, runID)
	if err != nil {
		return tkerr.Wrap(tkerr.StoreError, "update run status", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return tkerr.New(tkerr.NotFound, "run not found: "+runID)
	}
	return nil
}

// GetRun returns a run by id.
func (s *Store) GetRun(ctx context.Context, runID string) (*models.Run, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, workflow_id, task_description, custom_instructions, stop_when, max_steps, llm_provider, llm_model, hints, status, error, result, started_at, completed_at, metadata
		FROM runs WHERE id = ?`, runID)
	run, err := scanRun(row)
	if err == sql.ErrNoRows {
		return nil, tkerr.New(tkerr.NotFound, "run not found: "+runID)
	}
	if err != nil {
		return nil, tkerr.Wrap(tkerr.StoreError, "get run", err)
	}
	return run, nil
}

// ListRuns returns a page of runs matching filter, newest first.
func (s *Store) ListRuns(ctx context.Context, filter models.RunFilter, page, perPage int) ([]*models.Run, int, error) {
	if page < 1 {
		page = 1
	}
	if perPage < 1 {
		perPage = 20
	}
	where := "WHERE 1=1"
	var args []any
	if filter.Status != "" {
		where += " AND status = ?"
		args = append(args, string(filter.Status))
	}
	if filter.WorkflowID != "" {
		where += " AND workflow_id = ?"
		args = append(args, filter.WorkflowID)
	}

	var total int
	countQuery := "SELECT COUNT(1) FROM runs " + where
	if err := s.db.QueryRowContext(ctx, countQuery, args...).Scan(&total); err != nil {
		return nil, 0, tkerr.Wrap(tkerr.StoreError, "count runs", err)
	}

	query := fmt.Sprintf(`
		SELECT id, workflow_id, task_description, custom_instructions, stop_when, max_steps, llm_provider, llm_model, hints, status, error, result, started_at, completed_at, metadata
		FROM runs %s ORDER BY started_at DESC LIMIT ? OFFSET ?`, where)
	args = append(args, perPage, (page-1)*perPage)
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, tkerr.Wrap(tkerr.StoreError, "list runs", err)
	}
	defer rows.Close()

	var runs []*models.Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, 0, tkerr.Wrap(tkerr.StoreError, "scan run", err)
		}
		runs = append(runs, run)
	}
	return runs, total, nil
}

// DeleteRun removes a run and cascades to its steps, logs, and notes. Files
// are detached (workflow_id retained, run_id left dangling for audit) but
// not deleted from disk.
func (s *Store) DeleteRun(ctx context.Context, runID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return tkerr.Wrap(tkerr.StoreError, "begin delete run", err)
	}
	defer tx.Rollback()

	for _, stmt := range []string{
		`DELETE FROM run_steps WHERE run_id = ?`,
		`DELETE FROM run_logs WHERE run_id = ?`,
		`DELETE FROM notes WHERE run_id = ?`,
		`DELETE FROM runs WHERE id = ?`,
	} {
		if _, err := tx.ExecContext(ctx, stmt, runID); err != nil {
			return tkerr.Wrap(tkerr.StoreError, "delete run cascade", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return tkerr.Wrap(tkerr.StoreError, "commit delete run", err)
	}
	return nil
}

// AppendStep appends a run step, assigning the next monotonic step_number.
// Writers for the same run are serialized.
func (s *Store) AppendStep(ctx context.Context, step *models.RunStep) error {
	mu := s.lockFor(step.RunID)
	mu.Lock()
	defer mu.Unlock()

	if step.ID == "" {
		step.ID = uuid.NewString()
	}
	if step.Timestamp.IsZero() {
		step.Timestamp = time.Now()
	}
	if step.StepNumber == 0 {
		var max sql.NullInt64
		if err := s.db.QueryRowContext(ctx, `SELECT MAX(step_number) FROM run_steps WHERE run_id = ?`, step.RunID).Scan(&max); err != nil {
			return tkerr.Wrap(tkerr.StoreError, "next step number", err)
		}
		step.StepNumber = int(max.Int64) + 1
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO run_steps (id, run_id, step_number, tool_name, tool_call_id, params, success, result, error, screenshot, duration_ms, timestamp)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		step.ID, step.RunID, step.StepNumber, step.ToolName, nullable(step.ToolCallID), string(step.Params),
		boolToInt(step.Success), nullable(step.Result), nullable(step.Error), nullable(step.Screenshot), step.DurationMS, step.Timestamp)
	if err != nil {
		return tkerr.Wrap(tkerr.StoreError, "append step", err)
	}
	return nil
}

// ListSteps returns all steps for a run ordered by step_number.
func (s *Store) ListSteps(ctx context.Context, runID string) ([]*models.RunStep, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, run_id, step_number, tool_name, tool_call_id, params, success, result, error, screenshot, duration_ms, timestamp
		FROM run_steps WHERE run_id = ? ORDER BY step_number ASC`, runID)
	if err != nil {
		return nil, tkerr.Wrap(tkerr.StoreError, "list steps", err)
	}
	defer rows.Close()

	var steps []*models.RunStep
	for rows.Next() {
		var step models.RunStep
		var toolCallID, result, errMsg, screenshot sql.NullString
		var params sql.NullString
		var success int
		if err := rows.Scan(&step.ID, &step.RunID, &step.StepNumber, &step.ToolName, &toolCallID, &params,
			&success, &result, &errMsg, &screenshot, &step.DurationMS, &step.Timestamp); err != nil {
			return nil, tkerr.Wrap(tkerr.StoreError, "scan step", err)
		}
		step.ToolCallID = toolCallID.String
		if params.Valid {
			step.Params = json.RawMessage(params.String)
		}
		step.Success = success != 0
		step.Result = result.String
		step.Error = errMsg.String
		step.Screenshot = screenshot.String
		steps = append(steps, &step)
	}
	return steps, nil
}

// AppendLog appends a run log line, ordered by timestamp.
func (s *Store) AppendLog(ctx context.Context, log *models.RunLog) error {
	if log.ID == "" {
		log.ID = uuid.NewString()
	}
	if log.Timestamp.IsZero() {
		log.Timestamp = time.Now()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO run_logs (id, run_id, level, message, timestamp) VALUES (?, ?, ?, ?, ?)`,
		log.ID, log.RunID, string(log.Level), log.Message, log.Timestamp)
	if err != nil {
		return tkerr.Wrap(tkerr.StoreError, "append log", err)
	}
	return nil
}

// ListLogs returns all logs for a run ordered by timestamp.
func (s *Store) ListLogs(ctx context.Context, runID string) ([]*models.RunLog, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, run_id, level, message, timestamp FROM run_logs WHERE run_id = ? ORDER BY timestamp ASC, rowid ASC`, runID)
	if err != nil {
		return nil, tkerr.Wrap(tkerr.StoreError, "list logs", err)
	}
	defer rows.Close()

	var logs []*models.RunLog
	for rows.Next() {
		var l models.RunLog
		var level string
		if err := rows.Scan(&l.ID, &l.RunID, &level, &l.Message, &l.Timestamp); err != nil {
			return nil, tkerr.Wrap(tkerr.StoreError, "scan log", err)
		}
		l.Level = models.LogLevel(level)
		logs = append(logs, &l)
	}
	return logs, nil
}

// AddNote persists a save_note invocation, exempt from history compaction.
func (s *Store) AddNote(ctx context.Context, note *models.Note) error {
	if note.ID == "" {
		note.ID = uuid.NewString()
	}
	if note.CreatedAt.IsZero() {
		note.CreatedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx, `INSERT INTO notes (id, run_id, text, created_at) VALUES (?, ?, ?, ?)`,
		note.ID, note.RunID, note.Text, note.CreatedAt)
	if err != nil {
		return tkerr.Wrap(tkerr.StoreError, "add note", err)
	}
	return nil
}

// ListNotes returns all notes saved during a run, in creation order.
func (s *Store) ListNotes(ctx context.Context, runID string) ([]*models.Note, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, run_id, text, created_at FROM notes WHERE run_id = ? ORDER BY created_at ASC`, runID)
	if err != nil {
		return nil, tkerr.Wrap(tkerr.StoreError, "list notes", err)
	}
	defer rows.Close()
	var notes []*models.Note
	for rows.Next() {
		var n models.Note
		if err := rows.Scan(&n.ID, &n.RunID, &n.Text, &n.CreatedAt); err != nil {
			return nil, tkerr.Wrap(tkerr.StoreError, "scan note", err)
		}
		notes = append(notes, &n)
	}
	return notes, nil
}

// RegisterFile records metadata for a file the write_file tool produced.
func (s *Store) RegisterFile(ctx context.Context, f *models.StoredFile) error {
	if f.ID == "" {
		f.ID = uuid.NewString()
	}
	if f.CreatedAt.IsZero() {
		f.CreatedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO stored_files (id, run_id, workflow_id, file_name, file_path, mime_type, file_size, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		f.ID, f.RunID, nullable(f.WorkflowID), f.FileName, f.FilePath, f.MimeType, f.FileSize, f.CreatedAt)
	if err != nil {
		return tkerr.Wrap(tkerr.StoreError, "register file", err)
	}
	return nil
}

// ListFiles returns a page of file metadata, optionally scoped to one run.
func (s *Store) ListFiles(ctx context.Context, runID string, limit, offset int) ([]*models.StoredFile, int, error) {
	where := "WHERE 1=1"
	var args []any
	if runID != "" {
		where += " AND run_id = ?"
		args = append(args, runID)
	}
	var total int
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(1) FROM stored_files "+where, args...).Scan(&total); err != nil {
		return nil, 0, tkerr.Wrap(tkerr.StoreError, "count files", err)
	}
	if limit <= 0 {
		limit = 50
	}
	query := fmt.Sprintf(`SELECT id, run_id, workflow_id, file_name, file_path, mime_type, file_size, created_at FROM stored_files %s ORDER BY created_at DESC LIMIT ? OFFSET ?`, where)
	args = append(args, limit, offset)
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, tkerr.Wrap(tkerr.StoreError, "list files", err)
	}
	defer rows.Close()
	var files []*models.StoredFile
	for rows.Next() {
		var f models.StoredFile
		var workflowID sql.NullString
		if err := rows.Scan(&f.ID, &f.RunID, &workflowID, &f.FileName, &f.FilePath, &f.MimeType, &f.FileSize, &f.CreatedAt); err != nil {
			return nil, 0, tkerr.Wrap(tkerr.StoreError, "scan file", err)
		}
		f.WorkflowID = workflowID.String
		files = append(files, &f)
	}
	return files, total, nil
}

// GetFile returns a single file's metadata.
func (s *Store) GetFile(ctx context.Context, id string) (*models.StoredFile, error) {
	row := s.db.QueryRowContext(ctx, `SELECT id, run_id, workflow_id, file_name, file_path, mime_type, file_size, created_at FROM stored_files WHERE id = ?`, id)
	var f models.StoredFile
	var workflowID sql.NullString
	err := row.Scan(&f.ID, &f.RunID, &workflowID, &f.FileName, &f.FilePath, &f.MimeType, &f.FileSize, &f.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, tkerr.New(tkerr.NotFound, "file not found: "+id)
	}
	if err != nil {
		return nil, tkerr.Wrap(tkerr.StoreError, "get file", err)
	}
	f.WorkflowID = workflowID.String
	return &f, nil
}

// DeleteFile removes a file's metadata row. Callers are responsible for
// removing the underlying blob from the artifact store.
func (s *Store) DeleteFile(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM stored_files WHERE id = ?`, id)
	if err != nil {
		return tkerr.Wrap(tkerr.StoreError, "delete file", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return tkerr.New(tkerr.NotFound, "file not found: "+id)
	}
	return nil
}

// GetSettings returns the single settings row.
func (s *Store) GetSettings(ctx context.Context) (*models.Settings, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, default_llm_provider, default_llm_model, default_max_steps, default_viewport_width, default_viewport_height, version
		FROM settings WHERE id = ?`, settingsRowID)
	var st models.Settings
	if err := row.Scan(&st.ID, &st.DefaultLLMProvider, &st.DefaultLLMModel, &st.DefaultMaxSteps, &st.DefaultViewportWidth, &st.DefaultViewportHeight, &st.Version); err != nil {
		return nil, tkerr.Wrap(tkerr.StoreError, "get settings", err)
	}
	return &st, nil
}

// UpdateSettings applies an optimistic-concurrency update, failing with
// Conflict if expectedVersion does not match the stored version.
func (s *Store) UpdateSettings(ctx context.Context, st *models.Settings, expectedVersion int) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE settings SET default_llm_provider = ?, default_llm_model = ?, default_max_steps = ?,
			default_viewport_width = ?, default_viewport_height = ?, version = version + 1
		WHERE id = ? AND version = ?`,
		st.DefaultLLMProvider, st.DefaultLLMModel, st.DefaultMaxSteps, st.DefaultViewportWidth, st.DefaultViewportHeight,
		settingsRowID, expectedVersion)
	if err != nil {
		return tkerr.Wrap(tkerr.StoreError, "update settings", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return tkerr.New(tkerr.Conflict, "settings version mismatch")
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(row rowScanner) (*models.Run, error) {
	var run models.Run
	var workflowID, customInstructions, stopWhen, hints, errMsg, result, metaJSON sql.NullString
	var completedAt sql.NullTime
	var status string
	if err := row.Scan(&run.ID, &workflowID, &run.TaskDescription, &customInstructions, &stopWhen, &run.MaxSteps,
		&run.LLMProvider, &run.LLMModel, &hints, &status, &errMsg, &result, &run.StartedAt, &completedAt, &metaJSON); err != nil {
		return nil, err
	}
	run.WorkflowID = workflowID.String
	run.CustomInstructions = customInstructions.String
	run.StopWhen = stopWhen.String
	run.Hints = hints.String
	run.Status = models.RunStatus(status)
	run.Error = errMsg.String
	run.Result = result.String
	if completedAt.Valid {
		t := completedAt.Time
		run.CompletedAt = &t
	}
	if metaJSON.Valid && metaJSON.String != "" {
		_ = json.Unmarshal([]byte(metaJSON.String), &run.Metadata)
	}
	return &run, nil
}

func marshalMeta(meta map[string]any) (string, error) {
	if len(meta) == 0 {
		return "", nil
	}
	b, err := json.Marshal(meta)
	if err != nil {
		return "", tkerr.Wrap(tkerr.InvalidInput, "marshal metadata", err)
	}
	return string(b), nil
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return *t
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
