package state

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/ShayCichocki/caseflow/pkg/models"
)

// RunStatus represents the status of a run.
type RunStatus string

const (
	RunRunning RunStatus = "running"
	RunPassed  RunStatus = "passed"
	RunFailed  RunStatus = "failed"
	RunAborted RunStatus = "aborted"
)

// Run is one invocation of the orchestrator over a set of tasks.
type Run struct {
	ID         string     `json:"id"`
	WorkDir    string     `json:"work_dir"`
	Tasks      []string   `json:"tasks"`
	StartedAt  time.Time  `json:"started_at"`
	FinishedAt *time.Time `json:"finished_at"`
	Status     RunStatus  `json:"status"`
}

// NewRun returns a running Run with a fresh id.
func NewRun(workDir string, tasks []string) *Run {
	return &Run{
		ID:        uuid.NewString(),
		WorkDir:   workDir,
		Tasks:     tasks,
		StartedAt: time.Now(),
		Status:    RunRunning,
	}
}

// StepOutcome is the recorded result of one step in one run.
type StepOutcome struct {
	RunID     string           `json:"run_id"`
	StepPath  string           `json:"step_path"`
	State     models.StepState `json:"state"`
	Error     string           `json:"error,omitempty"`
	StartedAt time.Time        `json:"started_at"`
	Duration  time.Duration    `json:"duration"`
	Resources models.Resources `json:"resources"`
}

// TaskOutcome is the recorded result of one task in one run.
type TaskOutcome struct {
	RunID    string            `json:"run_id"`
	TaskPath string            `json:"task_path"`
	Status   models.TaskStatus `json:"status"`
	Error    string            `json:"error,omitempty"`
}

// Run CRUD operations

// CreateRun creates a new run.
func (db *DB) CreateRun(r *Run) error {
	tasks, err := json.Marshal(r.Tasks)
	if err != nil {
		return fmt.Errorf("marshal run tasks: %w", err)
	}
	_, err = db.Exec(`
		INSERT INTO runs (id, work_dir, tasks, started_at, status)
		VALUES (?, ?, ?, ?, ?)
	`, r.ID, r.WorkDir, string(tasks), formatTime(r.StartedAt), string(r.Status))
	if err != nil {
		return fmt.Errorf("create run: %w", err)
	}
	return nil
}

// FinishRun records the final status of a run.
func (db *DB) FinishRun(id string, status RunStatus, finishedAt time.Time) error {
	_, err := db.Exec(`
		UPDATE runs SET status = ?, finished_at = ? WHERE id = ?
	`, string(status), formatTime(finishedAt), id)
	if err != nil {
		return fmt.Errorf("finish run: %w", err)
	}
	return nil
}

const runColumns = `id, work_dir, tasks, started_at, finished_at, status`

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(row scanner) (*Run, error) {
	var r Run
	var tasks, startedAt string
	var finishedAt sql.NullString
	if err := row.Scan(&r.ID, &r.WorkDir, &tasks, &startedAt, &finishedAt, &r.Status); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(tasks), &r.Tasks); err != nil {
		return nil, fmt.Errorf("unmarshal run tasks: %w", err)
	}
	r.StartedAt, _ = parseTime(startedAt)
	r.FinishedAt = parseNullableTime(finishedAt)
	return &r, nil
}

// GetRun retrieves a run by ID. It returns nil, nil when there is none.
func (db *DB) GetRun(id string) (*Run, error) {
	r, err := scanRun(db.QueryRow(`SELECT `+runColumns+` FROM runs WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get run: %w", err)
	}
	return r, nil
}

// LatestRun returns the most recently started run, or nil.
func (db *DB) LatestRun() (*Run, error) {
	r, err := scanRun(db.QueryRow(`SELECT ` + runColumns + ` FROM runs ORDER BY started_at DESC, rowid DESC LIMIT 1`))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("latest run: %w", err)
	}
	return r, nil
}

// ListRuns lists runs, newest first. A limit of zero lists all.
func (db *DB) ListRuns(limit int) ([]Run, error) {
	query := `SELECT ` + runColumns + ` FROM runs ORDER BY started_at DESC, rowid DESC`
	var args []any
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		runs = append(runs, *r)
	}
	return runs, rows.Err()
}

// Step outcome operations

// RecordStep stores a step outcome, replacing an earlier record of the same
// step in the same run.
func (db *DB) RecordStep(o *StepOutcome) error {
	_, err := db.Exec(`
		INSERT OR REPLACE INTO step_outcomes
			(run_id, step_path, state, error, started_at, duration_ms, ntasks, min_tasks, openmp_threads)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, o.RunID, o.StepPath, string(o.State), nullString(o.Error), formatTime(o.StartedAt),
		o.Duration.Milliseconds(), o.Resources.NTasks, o.Resources.MinTasks, o.Resources.OpenMPThreads)
	if err != nil {
		return fmt.Errorf("record step %s: %w", o.StepPath, err)
	}
	return nil
}

const stepOutcomeColumns = `run_id, step_path, state, error, started_at, duration_ms, ntasks, min_tasks, openmp_threads`

func scanStepOutcome(row scanner) (*StepOutcome, error) {
	var o StepOutcome
	var errText sql.NullString
	var startedAt string
	var durationMS int64
	if err := row.Scan(&o.RunID, &o.StepPath, &o.State, &errText, &startedAt, &durationMS,
		&o.Resources.NTasks, &o.Resources.MinTasks, &o.Resources.OpenMPThreads); err != nil {
		return nil, err
	}
	o.Error = errText.String
	o.StartedAt, _ = parseTime(startedAt)
	o.Duration = time.Duration(durationMS) * time.Millisecond
	return &o, nil
}

// LastStepOutcome returns the most recently recorded outcome of a step
// across runs, or nil.
func (db *DB) LastStepOutcome(stepPath string) (*StepOutcome, error) {
	o, err := scanStepOutcome(db.QueryRow(`
		SELECT `+stepOutcomeColumns+` FROM step_outcomes
		WHERE step_path = ? ORDER BY id DESC LIMIT 1
	`, stepPath))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("last step outcome: %w", err)
	}
	return o, nil
}

// ListStepOutcomes lists the step outcomes of a run in execution order.
func (db *DB) ListStepOutcomes(runID string) ([]StepOutcome, error) {
	rows, err := db.Query(`
		SELECT `+stepOutcomeColumns+` FROM step_outcomes WHERE run_id = ? ORDER BY id
	`, runID)
	if err != nil {
		return nil, fmt.Errorf("list step outcomes: %w", err)
	}
	defer rows.Close()

	var out []StepOutcome
	for rows.Next() {
		o, err := scanStepOutcome(rows)
		if err != nil {
			return nil, fmt.Errorf("scan step outcome: %w", err)
		}
		out = append(out, *o)
	}
	return out, rows.Err()
}

// Task outcome operations

// RecordTask stores a task outcome.
func (db *DB) RecordTask(o *TaskOutcome) error {
	_, err := db.Exec(`
		INSERT OR REPLACE INTO task_outcomes (run_id, task_path, status, error)
		VALUES (?, ?, ?, ?)
	`, o.RunID, o.TaskPath, string(o.Status), nullString(o.Error))
	if err != nil {
		return fmt.Errorf("record task %s: %w", o.TaskPath, err)
	}
	return nil
}

// ListTaskOutcomes lists the task outcomes of a run.
func (db *DB) ListTaskOutcomes(runID string) ([]TaskOutcome, error) {
	rows, err := db.Query(`
		SELECT run_id, task_path, status, error FROM task_outcomes WHERE run_id = ? ORDER BY id
	`, runID)
	if err != nil {
		return nil, fmt.Errorf("list task outcomes: %w", err)
	}
	defer rows.Close()

	var out []TaskOutcome
	for rows.Next() {
		var o TaskOutcome
		var errText sql.NullString
		if err := rows.Scan(&o.RunID, &o.TaskPath, &o.Status, &errText); err != nil {
			return nil, fmt.Errorf("scan task outcome: %w", err)
		}
		o.Error = errText.String
		out = append(out, o)
	}
	return out, rows.Err()
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
