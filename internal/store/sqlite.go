// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/patternloop/orchestrator/internal/domain"
	patternerrors "github.com/patternloop/orchestrator/pkg/errors"
)

// SQLiteRepository implements Repository over a local modernc.org/sqlite
// database at DATABASE_PATH, opened in WAL mode so concurrent readers
// don't block the writer.
type SQLiteRepository struct {
	db *sql.DB
}

// NewSQLiteRepository opens (creating if absent) the database at path and
// runs schema migrations.
func NewSQLiteRepository(path string) (*SQLiteRepository, error) {
	if path != ":memory:" {
		if dir := filepath.Dir(path); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("store: creating database directory: %w", err)
			}
		}
	}

	connStr := path + "?_journal_mode=WAL&_busy_timeout=5000&_synchronous=NORMAL&_foreign_keys=ON"
	db, err := sql.Open("sqlite", connStr)
	if err != nil {
		return nil, fmt.Errorf("store: opening database: %w", err)
	}
	db.SetMaxOpenConns(5)
	db.SetMaxIdleConns(2)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: connecting to database: %w", err)
	}

	repo := &SQLiteRepository{db: db}
	if err := repo.migrate(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: running migrations: %w", err)
	}
	return repo, nil
}

// Close releases the underlying database handle.
func (r *SQLiteRepository) Close() error { return r.db.Close() }

func (r *SQLiteRepository) migrate(ctx context.Context) error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS projects (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			task_type TEXT,
			pattern_count INTEGER NOT NULL DEFAULT 0,
			created_at TIMESTAMP NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS runs (
			id TEXT PRIMARY KEY,
			project_id TEXT NOT NULL,
			task_type TEXT NOT NULL,
			name TEXT,
			instructions TEXT,
			status TEXT NOT NULL,
			progress INTEGER NOT NULL DEFAULT 0,
			reference_run_id TEXT,
			source_run_id TEXT,
			system_instructions TEXT,
			had_errors INTEGER NOT NULL DEFAULT 0,
			errors_json TEXT,
			summary_json TEXT,
			upstream_session_id TEXT,
			trace_id TEXT,
			created_at TIMESTAMP NOT NULL,
			started_at TIMESTAMP,
			finished_at TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS steps (
			id TEXT PRIMARY KEY,
			run_id TEXT NOT NULL,
			seq INTEGER NOT NULL,
			role TEXT NOT NULL,
			content TEXT,
			touched_files_json TEXT,
			notes_json TEXT,
			outcome_ok INTEGER NOT NULL DEFAULT 0,
			timestamp TIMESTAMP NOT NULL,
			UNIQUE(run_id, seq)
		)`,
		`CREATE TABLE IF NOT EXISTS artifacts (
			id TEXT PRIMARY KEY,
			run_id TEXT NOT NULL,
			kind TEXT NOT NULL,
			path TEXT NOT NULL,
			bytes INTEGER NOT NULL,
			timestamp TIMESTAMP NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS patterns (
			id TEXT PRIMARY KEY,
			project_id TEXT NOT NULL,
			name TEXT,
			summary TEXT,
			steps_json TEXT,
			variables_json TEXT,
			xml TEXT,
			created_at TIMESTAMP NOT NULL
		)`,
	}
	for _, m := range migrations {
		if _, err := r.db.ExecContext(ctx, m); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}
	return nil
}

// UpsertProject implements Repository.
func (r *SQLiteRepository) UpsertProject(ctx context.Context, p *domain.Project) error {
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now().UTC()
	}
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO projects (id, name, task_type, pattern_count, created_at)
		VALUES (?, ?, ?, 0, ?)
		ON CONFLICT(id) DO UPDATE SET name=excluded.name, task_type=excluded.task_type
	`, p.ID, p.Name, p.TaskType, p.CreatedAt)
	return err
}

func (r *SQLiteRepository) GetProject(ctx context.Context, id string) (*domain.Project, error) {
	row := r.db.QueryRowContext(ctx, `SELECT id, name, task_type, pattern_count, created_at FROM projects WHERE id = ?`, id)
	p := &domain.Project{}
	var taskType sql.NullString
	if err := row.Scan(&p.ID, &p.Name, &taskType, &p.PatternCount, &p.CreatedAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, &patternerrors.NotFoundError{Resource: "project", ID: id}
		}
		return nil, err
	}
	p.TaskType = domain.TaskType(taskType.String)
	return p, nil
}

func (r *SQLiteRepository) ListProjects(ctx context.Context) ([]*domain.Project, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT id, name, task_type, pattern_count, created_at FROM projects ORDER BY created_at`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*domain.Project
	for rows.Next() {
		p := &domain.Project{}
		var taskType sql.NullString
		if err := rows.Scan(&p.ID, &p.Name, &taskType, &p.PatternCount, &p.CreatedAt); err != nil {
			return nil, err
		}
		p.TaskType = domain.TaskType(taskType.String)
		out = append(out, p)
	}
	return out, rows.Err()
}

func (r *SQLiteRepository) IncrementProjectPatternCount(ctx context.Context, projectID string) error {
	_, err := r.db.ExecContext(ctx, `UPDATE projects SET pattern_count = pattern_count + 1 WHERE id = ?`, projectID)
	return err
}

func (r *SQLiteRepository) CreateRun(ctx context.Context, run *domain.Run) error {
	if run.CreatedAt.IsZero() {
		run.CreatedAt = time.Now().UTC()
	}
	errorsJSON, err := json.Marshal(run.Errors)
	if err != nil {
		return err
	}
	summaryJSON, err := json.Marshal(run.MachineSummary)
	if err != nil {
		return err
	}
	_, err = r.db.ExecContext(ctx, `
		INSERT INTO runs (id, project_id, task_type, name, instructions, status, progress,
			reference_run_id, source_run_id, system_instructions, had_errors, errors_json,
			summary_json, upstream_session_id, trace_id, created_at, started_at, finished_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, run.ID, run.ProjectID, run.TaskType, run.Name, run.Instructions, run.Status, run.Progress,
		run.ReferenceRunID, run.SourceRunID, run.SystemInstructions, boolToInt(run.HadErrors), string(errorsJSON),
		string(summaryJSON), run.UpstreamSessionID, run.TraceID, run.CreatedAt, run.StartedAt, run.FinishedAt)
	return err
}

func (r *SQLiteRepository) UpdateRun(ctx context.Context, run *domain.Run) error {
	errorsJSON, err := json.Marshal(run.Errors)
	if err != nil {
		return err
	}
	summaryJSON, err := json.Marshal(run.MachineSummary)
	if err != nil {
		return err
	}
	_, err = r.db.ExecContext(ctx, `
		UPDATE runs SET status=?, progress=?, system_instructions=?, had_errors=?, errors_json=?,
			summary_json=?, upstream_session_id=?, trace_id=?, started_at=?, finished_at=?
		WHERE id=?
	`, run.Status, run.Progress, run.SystemInstructions, boolToInt(run.HadErrors), string(errorsJSON),
		string(summaryJSON), run.UpstreamSessionID, run.TraceID, run.StartedAt, run.FinishedAt, run.ID)
	return err
}

func (r *SQLiteRepository) GetRun(ctx context.Context, id string) (*domain.Run, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT id, project_id, task_type, name, instructions, status, progress, reference_run_id,
			source_run_id, system_instructions, had_errors, errors_json, summary_json,
			upstream_session_id, trace_id, created_at, started_at, finished_at
		FROM runs WHERE id = ?`, id)
	return scanRun(row)
}

func (r *SQLiteRepository) ListRuns(ctx context.Context, filter RunFilter) ([]*domain.Run, error) {
	query := `SELECT id, project_id, task_type, name, instructions, status, progress, reference_run_id,
		source_run_id, system_instructions, had_errors, errors_json, summary_json,
		upstream_session_id, trace_id, created_at, started_at, finished_at FROM runs`
	var args []any
	if filter.ProjectID != "" {
		query += ` WHERE project_id = ?`
		args = append(args, filter.ProjectID)
	}
	query += ` ORDER BY created_at`
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*domain.Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, run)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(row rowScanner) (*domain.Run, error) {
	run := &domain.Run{}
	var (
		refRunID, srcRunID, sysInstr, upstreamSession, traceID sql.NullString
		errorsJSON, summaryJSON                                sql.NullString
		startedAt, finishedAt                                  sql.NullTime
		hadErrors                                              int
	)
	if err := row.Scan(&run.ID, &run.ProjectID, &run.TaskType, &run.Name, &run.Instructions,
		&run.Status, &run.Progress, &refRunID, &srcRunID, &sysInstr, &hadErrors, &errorsJSON,
		&summaryJSON, &upstreamSession, &traceID, &run.CreatedAt, &startedAt, &finishedAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, &patternerrors.NotFoundError{Resource: "run", ID: ""}
		}
		return nil, err
	}
	run.ReferenceRunID = refRunID.String
	run.SourceRunID = srcRunID.String
	run.SystemInstructions = sysInstr.String
	run.HadErrors = hadErrors != 0
	run.UpstreamSessionID = upstreamSession.String
	run.TraceID = traceID.String
	if startedAt.Valid {
		t := startedAt.Time
		run.StartedAt = &t
	}
	if finishedAt.Valid {
		t := finishedAt.Time
		run.FinishedAt = &t
	}
	if errorsJSON.Valid && errorsJSON.String != "" && errorsJSON.String != "null" {
		_ = json.Unmarshal([]byte(errorsJSON.String), &run.Errors)
	}
	if summaryJSON.Valid && summaryJSON.String != "" && summaryJSON.String != "null" {
		var summary domain.MachineSummary
		if err := json.Unmarshal([]byte(summaryJSON.String), &summary); err == nil {
			run.MachineSummary = &summary
		}
	}
	return run, nil
}

func (r *SQLiteRepository) AppendStep(ctx context.Context, s *domain.Step) error {
	if s.Timestamp.IsZero() {
		s.Timestamp = time.Now().UTC()
	}
	if s.ID == "" {
		s.ID = uuid.NewString()
	}
	touchedJSON, err := json.Marshal(s.TouchedFiles)
	if err != nil {
		return err
	}
	notesJSON, err := json.Marshal(s.Notes)
	if err != nil {
		return err
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var maxSeq sql.NullInt64
	if err := tx.QueryRowContext(ctx, `SELECT MAX(seq) FROM steps WHERE run_id = ?`, s.RunID).Scan(&maxSeq); err != nil {
		return err
	}
	s.Seq = int(maxSeq.Int64)
	if maxSeq.Valid {
		s.Seq = int(maxSeq.Int64) + 1
	} else {
		s.Seq = 0
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO steps (id, run_id, seq, role, content, touched_files_json, notes_json, outcome_ok, timestamp)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, s.ID, s.RunID, s.Seq, s.Role, s.Content, string(touchedJSON), string(notesJSON), boolToInt(s.OutcomeOK), s.Timestamp); err != nil {
		return err
	}
	return tx.Commit()
}

func (r *SQLiteRepository) ListSteps(ctx context.Context, runID string) ([]*domain.Step, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, run_id, seq, role, content, touched_files_json, notes_json, outcome_ok, timestamp
		FROM steps WHERE run_id = ? ORDER BY seq ASC`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*domain.Step
	for rows.Next() {
		s := &domain.Step{}
		var touchedJSON, notesJSON sql.NullString
		var outcomeOK int
		if err := rows.Scan(&s.ID, &s.RunID, &s.Seq, &s.Role, &s.Content, &touchedJSON, &notesJSON, &outcomeOK, &s.Timestamp); err != nil {
			return nil, err
		}
		s.OutcomeOK = outcomeOK != 0
		if touchedJSON.Valid {
			_ = json.Unmarshal([]byte(touchedJSON.String), &s.TouchedFiles)
		}
		if notesJSON.Valid {
			_ = json.Unmarshal([]byte(notesJSON.String), &s.Notes)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func (r *SQLiteRepository) CreateArtifact(ctx context.Context, a *domain.Artifact) error {
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	if a.Timestamp.IsZero() {
		a.Timestamp = time.Now().UTC()
	}
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO artifacts (id, run_id, kind, path, bytes, timestamp) VALUES (?, ?, ?, ?, ?, ?)
	`, a.ID, a.RunID, a.Kind, a.Path, a.Bytes, a.Timestamp)
	return err
}

func (r *SQLiteRepository) ListArtifacts(ctx context.Context, runID string) ([]*domain.Artifact, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, run_id, kind, path, bytes, timestamp FROM artifacts WHERE run_id = ? ORDER BY timestamp`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*domain.Artifact
	for rows.Next() {
		a := &domain.Artifact{}
		if err := rows.Scan(&a.ID, &a.RunID, &a.Kind, &a.Path, &a.Bytes, &a.Timestamp); err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (r *SQLiteRepository) GetArtifact(ctx context.Context, id string) (*domain.Artifact, error) {
	row := r.db.QueryRowContext(ctx, `SELECT id, run_id, kind, path, bytes, timestamp FROM artifacts WHERE id = ?`, id)
	a := &domain.Artifact{}
	if err := row.Scan(&a.ID, &a.RunID, &a.Kind, &a.Path, &a.Bytes, &a.Timestamp); err != nil {
		if err == sql.ErrNoRows {
			return nil, &patternerrors.NotFoundError{Resource: "artifact", ID: id}
		}
		return nil, err
	}
	return a, nil
}

func (r *SQLiteRepository) SavePattern(ctx context.Context, p *domain.Pattern) error {
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now().UTC()
	}
	stepsJSON, err := json.Marshal(p.Steps)
	if err != nil {
		return err
	}
	varsJSON, err := json.Marshal(p.Variables)
	if err != nil {
		return err
	}
	var existed bool
	if err := r.db.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM patterns WHERE id = ?)`, p.ID).Scan(&existed); err != nil {
		return err
	}
	_, err = r.db.ExecContext(ctx, `
		INSERT INTO patterns (id, project_id, name, summary, steps_json, variables_json, xml, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET name=excluded.name, summary=excluded.summary,
			steps_json=excluded.steps_json, variables_json=excluded.variables_json, xml=excluded.xml
	`, p.ID, p.ProjectID, p.Name, p.Summary, string(stepsJSON), string(varsJSON), p.XML, p.CreatedAt)
	if err != nil {
		return err
	}
	if existed {
		return nil
	}
	return r.IncrementProjectPatternCount(ctx, p.ProjectID)
}

func (r *SQLiteRepository) GetPattern(ctx context.Context, runID string) (*domain.Pattern, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT id, project_id, name, summary, steps_json, variables_json, xml, created_at
		FROM patterns WHERE id = ?`, runID)
	p := &domain.Pattern{}
	var stepsJSON, varsJSON sql.NullString
	if err := row.Scan(&p.ID, &p.ProjectID, &p.Name, &p.Summary, &stepsJSON, &varsJSON, &p.XML, &p.CreatedAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, &patternerrors.NotFoundError{Resource: "pattern", ID: runID}
		}
		return nil, err
	}
	if stepsJSON.Valid {
		_ = json.Unmarshal([]byte(stepsJSON.String), &p.Steps)
	}
	if varsJSON.Valid {
		_ = json.Unmarshal([]byte(varsJSON.String), &p.Variables)
	}
	return p, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
