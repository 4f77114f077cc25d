package stores

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-migrate/migrate/v4"
	migratesqlite "github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/rs/zerolog/log"
	"go.uber.org/multierr"

	"github.com/snapcrab/snapcrab/pkg/engine"

	// SQLite driver
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// SQLiteStore implements the Journal interface using SQLite.
type SQLiteStore struct {
	db  *sql.DB
	cfg Config
}

// Config holds SQLite store configuration.
type Config struct {
	Path            string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// NewSQLiteStore creates a new SQLite store instance.
func NewSQLiteStore(cfg Config) (*SQLiteStore, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("database path is required")
	}

	if cfg.MaxOpenConns == 0 {
		cfg.MaxOpenConns = 4
	}
	if cfg.MaxIdleConns == 0 {
		cfg.MaxIdleConns = 2
	}
	if cfg.ConnMaxLifetime == 0 {
		cfg.ConnMaxLifetime = 5 * time.Minute
	}
	// every connection to :memory: opens a separate database
	if isMemory(cfg.Path) {
		cfg.MaxOpenConns = 1
		cfg.MaxIdleConns = 1
		cfg.ConnMaxLifetime = 0
	}

	return &SQLiteStore{cfg: cfg}, nil
}

// Open creates, initializes and migrates a store in one call.
func Open(ctx context.Context, cfg Config) (*SQLiteStore, error) {
	store, err := NewSQLiteStore(cfg)
	if err != nil {
		return nil, err
	}
	if err := store.Init(ctx); err != nil {
		return nil, err
	}
	if err := store.Migrate(ctx); err != nil {
		_ = store.Close()
		return nil, err
	}
	return store, nil
}

func isMemory(path string) bool {
	return path == ":memory:" || strings.Contains(path, "mode=memory")
}

// Init opens the database connection and enables WAL mode.
func (s *SQLiteStore) Init(ctx context.Context) error {
	dsn := s.cfg.Path
	if !isMemory(dsn) {
		dsn += "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)&_txlock=immediate"
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(s.cfg.MaxOpenConns)
	db.SetMaxIdleConns(s.cfg.MaxIdleConns)
	db.SetConnMaxLifetime(s.cfg.ConnMaxLifetime)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to ping database: %w", err)
	}

	if _, err := db.ExecContext(ctx, "PRAGMA foreign_keys = ON"); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	s.db = db
	return nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Migrate runs database migrations.
func (s *SQLiteStore) Migrate(_ context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}

	sourceDriver, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to create migration source: %w", err)
	}

	driver, err := migratesqlite.WithInstance(s.db, &migratesqlite.Config{})
	if err != nil {
		return fmt.Errorf("failed to create database driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", sourceDriver, "sqlite", driver)
	if err != nil {
		return fmt.Errorf("failed to create migration instance: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	return nil
}

// CreatePlan records a plan and all of its steps before the run starts.
func (s *SQLiteStore) CreatePlan(ctx context.Context, plan *engine.RestorePlan, req engine.RestoreRequest, dryRun bool) (err error) {
	request, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("failed to encode request: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if err != nil {
			err = multierr.Append(err, tx.Rollback())
		}
	}()

	now := time.Now().UTC()
	_, err = tx.ExecContext(ctx, `
		INSERT INTO plans (id, name, status, dry_run, request, step_count, started_at, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, plan.ID, plan.Name, engine.PlanStatusRunning, dryRun, string(request), len(plan.Steps), now, now, now)
	if err != nil {
		return fmt.Errorf("failed to create plan: %w", err)
	}

	for _, step := range plan.Steps {
		deps, jerr := json.Marshal(depsOrEmpty(step.Deps))
		if jerr != nil {
			return fmt.Errorf("failed to encode deps: %w", jerr)
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO steps (plan_id, step_id, kind, target, snapshot, deps, state, attempts, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		`, plan.ID, int(step.ID), step.Kind, step.Target(), step.Item.Snapshot.Name, string(deps), step.State, step.Attempts, now)
		if err != nil {
			return fmt.Errorf("failed to create step %d: %w", step.ID, err)
		}
	}

	return tx.Commit()
}

func depsOrEmpty(deps []engine.StepID) []engine.StepID {
	if deps == nil {
		return []engine.StepID{}
	}
	return deps
}

// RecordEvent appends a transition and updates the step checkpoint.
func (s *SQLiteStore) RecordEvent(ctx context.Context, ev engine.ProgressEvent) (err error) {
	var class, code, message *string
	if ev.Error != nil {
		c := string(ev.Error.Class)
		class, code, message = &c, &ev.Error.Code, &ev.Error.Message
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if err != nil {
			err = multierr.Append(err, tx.Rollback())
		}
	}()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO events (plan_id, step_id, old_state, new_state, attempt, retry_in_ms, error_class, error_code, error_message, timestamp)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, ev.PlanID, int(ev.StepID), ev.Old, ev.New, ev.Attempt, ev.RetryIn.Milliseconds(), class, code, message, ev.Timestamp.UTC())
	if err != nil {
		return fmt.Errorf("failed to append event: %w", err)
	}

	// the error columns keep the last failure once the step moves on
	_, err = tx.ExecContext(ctx, `
		UPDATE steps
		SET state = ?, attempts = ?,
		    error_class = COALESCE(?, error_class),
		    error_code = COALESCE(?, error_code),
		    error_message = COALESCE(?, error_message),
		    updated_at = ?
		WHERE plan_id = ? AND step_id = ?
	`, ev.New, ev.Attempt, class, code, message, ev.Timestamp.UTC(), ev.PlanID, int(ev.StepID))
	if err != nil {
		return fmt.Errorf("failed to update step %d: %w", ev.StepID, err)
	}

	return tx.Commit()
}

// CompletePlan stores the final report of a run.
func (s *SQLiteStore) CompletePlan(ctx context.Context, report *engine.Report) (err error) {
	summary, err := json.Marshal(report.Summary)
	if err != nil {
		return fmt.Errorf("failed to encode summary: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if err != nil {
			err = multierr.Append(err, tx.Rollback())
		}
	}()

	now := time.Now().UTC()
	result, err := tx.ExecContext(ctx, `
		UPDATE plans SET status = ?, summary = ?, completed_at = ?, updated_at = ?
		WHERE id = ?
	`, report.Status, string(summary), report.CompletedAt.UTC(), now, report.PlanID)
	if err != nil {
		return fmt.Errorf("failed to complete plan: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return fmt.Errorf("plan %s: %w", report.PlanID, ErrNotFound)
	}

	for _, step := range report.Steps {
		var opID *string
		if step.Handle != nil {
			opID = &step.Handle.ID
		}
		priorIDs := make([]string, 0, len(step.PriorHandles))
		for _, h := range step.PriorHandles {
			priorIDs = append(priorIDs, h.ID)
		}
		var prior []byte
		if prior, err = json.Marshal(priorIDs); err != nil {
			return fmt.Errorf("failed to encode prior operations: %w", err)
		}
		var class, code, message *string
		if step.Error != nil {
			c := string(step.Error.Class)
			class, code, message = &c, &step.Error.Code, &step.Error.Message
		}
		_, err = tx.ExecContext(ctx, `
			UPDATE steps
			SET state = ?, attempts = ?, operation_id = ?, prior_operation_ids = ?,
			    error_class = ?, error_code = ?, error_message = ?,
			    updated_at = ?
			WHERE plan_id = ? AND step_id = ?
		`, step.State, step.Attempts, opID, string(prior), class, code, message, now, report.PlanID, int(step.ID))
		if err != nil {
			return fmt.Errorf("failed to update step %d: %w", step.ID, err)
		}
	}

	return tx.Commit()
}

// Consume records every event of sub until the bus closes or ctx ends.
// Failures are logged and returned together at the end so that one bad
// write does not stop the journal.
func (s *SQLiteStore) Consume(ctx context.Context, sub *engine.Subscription) error {
	var errs error
	for ev := range sub.Events(ctx) {
		// the run may already be cancelled; checkpoints must still land
		if err := s.RecordEvent(context.WithoutCancel(ctx), ev); err != nil {
			log.Error().Err(err).Str("plan_id", ev.PlanID).Int("step", int(ev.StepID)).Msg("failed to journal event")
			errs = multierr.Append(errs, err)
		}
	}
	return errs
}

const planColumns = `id, name, status, dry_run, request, step_count, summary, started_at, completed_at, created_at, updated_at`

type scanner interface {
	Scan(dest ...any) error
}

func scanPlan(row scanner) (*PlanRecord, error) {
	plan := &PlanRecord{}
	var summary sql.NullString
	err := row.Scan(
		&plan.ID,
		&plan.Name,
		&plan.Status,
		&plan.DryRun,
		&plan.Request,
		&plan.StepCount,
		&summary,
		&plan.StartedAt,
		&plan.CompletedAt,
		&plan.CreatedAt,
		&plan.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if summary.Valid {
		plan.Summary = &engine.ReportSummary{}
		if err := json.Unmarshal([]byte(summary.String), plan.Summary); err != nil {
			return nil, fmt.Errorf("failed to decode summary: %w", err)
		}
	}
	return plan, nil
}

// likeEscaper quotes the LIKE wildcards of a literal prefix.
var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

// GetPlan retrieves a plan by ID or by a unique ID prefix.
func (s *SQLiteStore) GetPlan(ctx context.Context, id string) (*PlanRecord, error) {
	if id == "" {
		return nil, fmt.Errorf("plan id is required")
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT `+planColumns+`
		FROM plans
		WHERE id = ? OR id LIKE ? ESCAPE '\'
		ORDER BY id = ? DESC
		LIMIT 2
	`, id, likeEscaper.Replace(id)+"%", id)
	if err != nil {
		return nil, fmt.Errorf("failed to get plan: %w", err)
	}
	defer rows.Close()

	var found []*PlanRecord
	for rows.Next() {
		plan, err := scanPlan(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan plan: %w", err)
		}
		found = append(found, plan)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating plans: %w", err)
	}

	switch {
	case len(found) == 0:
		return nil, fmt.Errorf("plan %s: %w", id, ErrNotFound)
	case found[0].ID == id || len(found) == 1:
		return found[0], nil
	default:
		return nil, fmt.Errorf("plan id prefix %q is ambiguous", id)
	}
}

// ListPlans lists plans, most recent first.
func (s *SQLiteStore) ListPlans(ctx context.Context, limit, offset int) ([]*PlanRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+planColumns+`
		FROM plans
		ORDER BY started_at DESC, id
		LIMIT ? OFFSET ?
	`, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list plans: %w", err)
	}
	defer rows.Close()

	plans := []*PlanRecord{}
	for rows.Next() {
		plan, err := scanPlan(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan plan: %w", err)
		}
		plans = append(plans, plan)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating plans: %w", err)
	}

	return plans, nil
}

// ListSteps lists the steps of a plan in id order.
func (s *SQLiteStore) ListSteps(ctx context.Context, planID string) ([]*StepRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT plan_id, step_id, kind, target, snapshot, deps, state, attempts,
		       operation_id, prior_operation_ids, error_class, error_code, error_message, updated_at
		FROM steps
		WHERE plan_id = ?
		ORDER BY step_id
	`, planID)
	if err != nil {
		return nil, fmt.Errorf("failed to list steps: %w", err)
	}
	defer rows.Close()

	steps := []*StepRecord{}
	for rows.Next() {
		step := &StepRecord{}
		var deps, prior string
		err := rows.Scan(
			&step.PlanID,
			&step.StepID,
			&step.Kind,
			&step.Target,
			&step.Snapshot,
			&deps,
			&step.State,
			&step.Attempts,
			&step.OperationID,
			&prior,
			&step.ErrorClass,
			&step.ErrorCode,
			&step.ErrorMessage,
			&step.UpdatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan step: %w", err)
		}
		if err := json.Unmarshal([]byte(deps), &step.Deps); err != nil {
			return nil, fmt.Errorf("failed to decode deps: %w", err)
		}
		if err := json.Unmarshal([]byte(prior), &step.PriorOperationIDs); err != nil {
			return nil, fmt.Errorf("failed to decode prior operations: %w", err)
		}
		steps = append(steps, step)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating steps: %w", err)
	}

	return steps, nil
}

// ListEvents lists the transitions of a plan in the order they happened.
func (s *SQLiteStore) ListEvents(ctx context.Context, planID string, limit, offset int) ([]*EventRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, plan_id, step_id, old_state, new_state, attempt, retry_in_ms,
		       error_class, error_code, error_message, timestamp
		FROM events
		WHERE plan_id = ?
		ORDER BY id
		LIMIT ? OFFSET ?
	`, planID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list events: %w", err)
	}
	defer rows.Close()

	events := []*EventRecord{}
	for rows.Next() {
		ev := &EventRecord{}
		var retryMs int64
		err := rows.Scan(
			&ev.ID,
			&ev.PlanID,
			&ev.StepID,
			&ev.Old,
			&ev.New,
			&ev.Attempt,
			&retryMs,
			&ev.ErrorClass,
			&ev.ErrorCode,
			&ev.ErrorMessage,
			&ev.Timestamp,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		ev.RetryIn = time.Duration(retryMs) * time.Millisecond
		events = append(events, ev)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating events: %w", err)
	}

	return events, nil
}

// DeletePlan deletes a plan with its steps and events.
func (s *SQLiteStore) DeletePlan(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM plans WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete plan: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("plan %s: %w", id, ErrNotFound)
	}

	return nil
}

// HealthCheck verifies the database connection.
func (s *SQLiteStore) HealthCheck(ctx context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}

	return s.db.PingContext(ctx)
}
