package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/xkilldash9x/compliance-swarm/api/schemas"
	"go.uber.org/zap"
)

// DBPool is an interface that abstracts the pgxpool.Pool to allow for mocking in tests.
type DBPool interface {
	Ping(ctx context.Context) error
	Begin(ctx context.Context) (pgx.Tx, error)
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// Store provides a PostgreSQL implementation of schemas.RunStore. Runs and
// reports are kept as jsonb documents; findings and tasks are also written as
// rows so they can be queried across runs.
type Store struct {
	pool DBPool
	log  *zap.Logger
}

var _ schemas.RunStore = (*Store)(nil)

// New creates a new store instance and verifies the connection.
func New(ctx context.Context, pool DBPool, logger *zap.Logger) (*Store, error) {
	if err := pool.Ping(ctx); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &Store{
		pool: pool,
		log:  logger.Named("store"),
	}, nil
}

// migrations create the tables used by the store. Each statement is idempotent.
var migrations = []string{
	`CREATE TABLE IF NOT EXISTS assessment_runs (
        id TEXT PRIMARY KEY,
        project_id TEXT NOT NULL,
        framework TEXT NOT NULL,
        user_id TEXT NOT NULL,
        status TEXT NOT NULL,
        phase TEXT NOT NULL,
        started_at TIMESTAMPTZ NOT NULL,
        completed_at TIMESTAMPTZ,
        data JSONB NOT NULL
    )`,
	`CREATE INDEX IF NOT EXISTS assessment_runs_project_idx ON assessment_runs (project_id, framework, status, completed_at DESC)`,
	`CREATE TABLE IF NOT EXISTS assessment_reports (
        run_id TEXT PRIMARY KEY,
        project_id TEXT NOT NULL,
        framework TEXT NOT NULL,
        overall_score INTEGER NOT NULL,
        generated_at TIMESTAMPTZ NOT NULL,
        data JSONB NOT NULL
    )`,
	`CREATE TABLE IF NOT EXISTS gap_findings (
        id TEXT PRIMARY KEY,
        run_id TEXT NOT NULL,
        requirement_code TEXT NOT NULL,
        severity TEXT NOT NULL,
        title TEXT NOT NULL,
        description TEXT NOT NULL,
        evidence JSONB NOT NULL,
        recommendation TEXT,
        confidence DOUBLE PRECISION,
        created_at TIMESTAMPTZ NOT NULL
    )`,
	`CREATE TABLE IF NOT EXISTS remediation_tasks (
        id TEXT PRIMARY KEY,
        run_id TEXT NOT NULL,
        finding_id TEXT NOT NULL,
        requirement_code TEXT NOT NULL,
        title TEXT NOT NULL,
        description TEXT NOT NULL,
        priority TEXT NOT NULL,
        estimated_effort TEXT
    )`,
}

// Migrate creates the store's tables if they do not exist.
func (s *Store) Migrate(ctx context.Context) error {
	for _, stmt := range migrations {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("failed to apply migration: %w", err)
		}
	}
	return nil
}

const sqlUpsertRun = `
        INSERT INTO assessment_runs (id, project_id, framework, user_id, status, phase, started_at, completed_at, data)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
        ON CONFLICT (id) DO UPDATE SET
            status = EXCLUDED.status,
            phase = EXCLUDED.phase,
            completed_at = EXCLUDED.completed_at,
            data = EXCLUDED.data;
    `

// SaveRun upserts the run. The report is stored separately by SaveReport.
func (s *Store) SaveRun(ctx context.Context, run *schemas.AssessmentRun) error {
	doc := *run
	doc.Report = nil
	data, err := json.Marshal(&doc)
	if err != nil {
		return fmt.Errorf("failed to encode run: %w", err)
	}

	var completedAt *time.Time
	if !run.CompletedAt.IsZero() {
		t := run.CompletedAt.UTC()
		completedAt = &t
	}
	_, err = s.pool.Exec(ctx, sqlUpsertRun,
		run.ID, run.ProjectID, run.Framework, run.UserID,
		string(run.Status), string(run.Phase),
		run.StartedAt.UTC(), completedAt, data,
	)
	if err != nil {
		return fmt.Errorf("failed to save run %s: %w", run.ID, err)
	}
	return nil
}

const sqlSelectRun = `
        SELECT r.data, rep.data
        FROM assessment_runs r
        LEFT JOIN assessment_reports rep ON rep.run_id = r.id
    `

// GetRun loads a run with its report, if one was saved.
func (s *Store) GetRun(ctx context.Context, runID string) (*schemas.AssessmentRun, error) {
	return s.queryRun(ctx, sqlSelectRun+`WHERE r.id = $1`, runID)
}

// GetLatestCompletedRun returns the most recently completed run for the
// project and framework, excluding excludeRunID.
func (s *Store) GetLatestCompletedRun(ctx context.Context, projectID, framework, excludeRunID string) (*schemas.AssessmentRun, error) {
	return s.queryRun(ctx, sqlSelectRun+`WHERE r.project_id = $1 AND upper(r.framework) = upper($2) AND r.status = 'completed' AND r.id <> $3
        ORDER BY r.completed_at DESC
        LIMIT 1`, projectID, framework, excludeRunID)
}

func (s *Store) queryRun(ctx context.Context, query string, args ...any) (*schemas.AssessmentRun, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query runs: %w", err)
	}
	defer rows.Close()

	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return nil, fmt.Errorf("error during row iteration: %w", err)
		}
		return nil, schemas.ErrRunNotFound
	}

	var runData, reportData []byte
	if err := rows.Scan(&runData, &reportData); err != nil {
		return nil, fmt.Errorf("failed to scan run row: %w", err)
	}
	var run schemas.AssessmentRun
	if err := json.Unmarshal(runData, &run); err != nil {
		return nil, fmt.Errorf("failed to decode run: %w", err)
	}
	if len(reportData) > 0 {
		var rep schemas.Report
		if err := json.Unmarshal(reportData, &rep); err != nil {
			return nil, fmt.Errorf("failed to decode report for run %s: %w", run.ID, err)
		}
		run.Report = &rep
	}
	return &run, nil
}

const sqlUpsertReport = `
        INSERT INTO assessment_reports (run_id, project_id, framework, overall_score, generated_at, data)
        VALUES ($1, $2, $3, $4, $5, $6)
        ON CONFLICT (run_id) DO UPDATE SET
            overall_score = EXCLUDED.overall_score,
            generated_at = EXCLUDED.generated_at,
            data = EXCLUDED.data;
    `

// SaveReport replaces any report previously saved for the run.
func (s *Store) SaveReport(ctx context.Context, report *schemas.Report) error {
	data, err := json.Marshal(report)
	if err != nil {
		return fmt.Errorf("failed to encode report: %w", err)
	}
	_, err = s.pool.Exec(ctx, sqlUpsertReport,
		report.RunID, report.ProjectID, report.Framework,
		report.ComplianceScore.Overall, report.GeneratedAt.UTC(), data,
	)
	if err != nil {
		return fmt.Errorf("failed to save report for run %s: %w", report.RunID, err)
	}
	return nil
}

// GetReport loads the report of a run.
func (s *Store) GetReport(ctx context.Context, runID string) (*schemas.Report, error) {
	rows, err := s.pool.Query(ctx, `SELECT data FROM assessment_reports WHERE run_id = $1`, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to query report: %w", err)
	}
	defer rows.Close()

	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return nil, fmt.Errorf("error during row iteration: %w", err)
		}
		return nil, schemas.ErrRunNotFound
	}
	var data []byte
	if err := rows.Scan(&data); err != nil {
		return nil, fmt.Errorf("failed to scan report row: %w", err)
	}
	var rep schemas.Report
	if err := json.Unmarshal(data, &rep); err != nil {
		return nil, fmt.Errorf("failed to decode report: %w", err)
	}
	return &rep, nil
}

var (
	findingColumns = []string{"id", "run_id", "requirement_code", "severity", "title", "description", "evidence", "recommendation", "confidence", "created_at"}
	taskColumns    = []string{"id", "run_id", "finding_id", "requirement_code", "title", "description", "priority", "estimated_effort"}
)

// SaveFindings replaces the finding rows of a run.
func (s *Store) SaveFindings(ctx context.Context, runID string, findings []schemas.GapFinding) error {
	rows := make([][]interface{}, len(findings))
	for i, f := range findings {
		evidence, err := json.Marshal(f.Evidence)
		if err != nil {
			return fmt.Errorf("failed to encode evidence of finding %s: %w", f.ID, err)
		}
		if len(f.Evidence) == 0 {
			evidence = json.RawMessage("[]")
		}
		rows[i] = []interface{}{
			f.ID, runID, f.RequirementCode,
			string(f.Severity), f.Title, f.Description,
			json.RawMessage(evidence),
			f.Recommendation, f.Confidence,
			f.CreatedAt.UTC(),
		}
	}
	return s.replaceRows(ctx, "gap_findings", findingColumns, runID, rows)
}

// SaveTasks replaces the remediation task rows of a run.
func (s *Store) SaveTasks(ctx context.Context, runID string, tasks []schemas.RemediationTask) error {
	rows := make([][]interface{}, len(tasks))
	for i, t := range tasks {
		rows[i] = []interface{}{
			t.ID, runID, t.FindingID, t.RequirementCode,
			t.Title, t.Description, string(t.Priority), t.EstimatedEffort,
		}
	}
	return s.replaceRows(ctx, "remediation_tasks", taskColumns, runID, rows)
}

// replaceRows deletes the run's rows from table and bulk-copies rows in one
// transaction.
func (s *Store) replaceRows(ctx context.Context, table string, columns []string, runID string, rows [][]interface{}) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if rollbackErr := tx.Rollback(ctx); rollbackErr != nil && !errors.Is(rollbackErr, pgx.ErrTxClosed) {
			s.log.Error("Failed to rollback transaction", zap.Error(rollbackErr))
		}
	}()

	if _, err := tx.Exec(ctx, `DELETE FROM `+pgx.Identifier{table}.Sanitize()+` WHERE run_id = $1`, runID); err != nil {
		return fmt.Errorf("failed to clear %s: %w", table, err)
	}

	if len(rows) > 0 {
		copyCount, err := tx.CopyFrom(ctx, pgx.Identifier{table}, columns, pgx.CopyFromRows(rows))
		if err != nil {
			return fmt.Errorf("failed to copy %s: %w", table, err)
		}
		if int(copyCount) != len(rows) {
			return fmt.Errorf("mismatch in copied %s count: expected %d, got %d", table, len(rows), copyCount)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}
