// Package store provides SQLite-backed persistence for invocation history
// and audit records.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/fentz26/fnbox/internal/models"
	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// MaxStderr bounds the stderr text kept per invocation.
const MaxStderr = 64 << 10

// ErrNotFound is returned when a record does not exist.
var ErrNotFound = errors.New("record not found")

// Store provides access to the fnbox SQLite database.
type Store struct {
	db *sql.DB
}

// New creates a new Store and runs migrations.
func New(dbPath string) (*Store, error) {
	// Ensure directory exists
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	// Open with WAL mode for better concurrency
	db, err := sql.Open("sqlite", dbPath+"?_journal_mode=WAL&_busy_timeout=5000&_synchronous=NORMAL")
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}

	db.SetMaxOpenConns(1) // SQLite only supports one writer at a time
	db.SetMaxIdleConns(1)

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping checks the database connection is alive.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// migrate runs idempotent schema migrations.
func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS invocations (
		id TEXT PRIMARY KEY,
		function_id TEXT NOT NULL,
		caller TEXT,
		inputs TEXT,
		status TEXT NOT NULL,
		exit_code INTEGER,
		duration_ms INTEGER,
		stderr TEXT,
		workspace TEXT,
		error TEXT,
		started_at DATETIME NOT NULL,
		ended_at DATETIME
	);

	CREATE TABLE IF NOT EXISTS pdr (
		id TEXT PRIMARY KEY,
		action TEXT NOT NULL,
		inputs_hash TEXT NOT NULL,
		outcome TEXT NOT NULL,
		function_id TEXT,
		actor TEXT,
		details TEXT,
		timestamp DATETIME NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_invocations_function_id ON invocations(function_id);
	CREATE INDEX IF NOT EXISTS idx_invocations_status ON invocations(status);
	CREATE INDEX IF NOT EXISTS idx_pdr_function_id ON pdr(function_id);
	`

	_, err := s.db.Exec(schema)
	return err
}

// --- Invocation Operations ---

// CreateInvocation records the start of an invocation.
func (s *Store) CreateInvocation(ctx context.Context, functionID, caller string, inputs []string) (*models.Invocation, error) {
	inv := &models.Invocation{
		ID:         uuid.New().String(),
		FunctionID: functionID,
		Caller:     caller,
		Inputs:     inputs,
		Status:     models.InvocationRunning,
		StartedAt:  time.Now().UTC(),
	}
	inputsJSON, _ := json.Marshal(inputs)

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO invocations (id, function_id, caller, inputs, status, started_at) VALUES (?, ?, ?, ?, ?, ?)`,
		inv.ID, inv.FunctionID, inv.Caller, string(inputsJSON), inv.Status, inv.StartedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("insert invocation: %w", err)
	}
	return inv, nil
}

// InvocationOutcome is the terminal state of an invocation.
type InvocationOutcome struct {
	Status    models.InvocationStatus
	ExitCode  int
	Duration  time.Duration
	Stderr    string
	Workspace string
	Error     string
}

// FinishInvocation stores the outcome of an invocation.
func (s *Store) FinishInvocation(ctx context.Context, id string, out InvocationOutcome) error {
	stderr := out.Stderr
	if len(stderr) > MaxStderr {
		stderr = stderr[len(stderr)-MaxStderr:]
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE invocations SET status = ?, exit_code = ?, duration_ms = ?, stderr = ?, workspace = ?, error = ?, ended_at = ? WHERE id = ?`,
		out.Status, out.ExitCode, out.Duration.Milliseconds(), stderr, out.Workspace, out.Error, time.Now().UTC(), id,
	)
	if err != nil {
		return fmt.Errorf("update invocation: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: invocation %s", ErrNotFound, id)
	}
	return nil
}

const invocationColumns = `id, function_id, caller, inputs, status, exit_code, duration_ms, stderr, workspace, error, started_at, ended_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanInvocation(row rowScanner) (*models.Invocation, error) {
	var inv models.Invocation
	var caller, inputsJSON, stderr, workspace, errText sql.NullString
	var exitCode, durationMS sql.NullInt64
	var endedAt sql.NullTime

	if err := row.Scan(&inv.ID, &inv.FunctionID, &caller, &inputsJSON, &inv.Status, &exitCode, &durationMS,
		&stderr, &workspace, &errText, &inv.StartedAt, &endedAt); err != nil {
		return nil, err
	}
	inv.Caller = caller.String
	if inputsJSON.String != "" {
		json.Unmarshal([]byte(inputsJSON.String), &inv.Inputs)
	}
	if exitCode.Valid {
		inv.ExitCode = int(exitCode.Int64)
	}
	if durationMS.Valid {
		inv.DurationMS = durationMS.Int64
	}
	inv.Stderr = stderr.String
	inv.Workspace = workspace.String
	inv.Error = errText.String
	if endedAt.Valid {
		inv.EndedAt = &endedAt.Time
	}
	return &inv, nil
}

// GetInvocation retrieves an invocation by ID.
func (s *Store) GetInvocation(ctx context.Context, id string) (*models.Invocation, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+invocationColumns+` FROM invocations WHERE id = ?`, id)
	inv, err := scanInvocation(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: invocation %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("query invocation: %w", err)
	}
	return inv, nil
}

// ListInvocations returns the most recent invocations of a function, newest
// first. An empty functionID lists all functions; limit <= 0 means 100.
func (s *Store) ListInvocations(ctx context.Context, functionID string, limit int) ([]models.Invocation, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `SELECT ` + invocationColumns + ` FROM invocations`
	var args []interface{}

	if functionID != "" {
		query += ` WHERE function_id = ?`
		args = append(args, functionID)
	}
	query += ` ORDER BY started_at DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query invocations: %w", err)
	}
	defer rows.Close()

	invocations := []models.Invocation{}
	for rows.Next() {
		inv, err := scanInvocation(rows)
		if err != nil {
			return nil, fmt.Errorf("scan invocation: %w", err)
		}
		invocations = append(invocations, *inv)
	}
	return invocations, rows.Err()
}

// CountByStatus returns invocation counts keyed by status.
func (s *Store) CountByStatus(ctx context.Context) (map[models.InvocationStatus]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM invocations GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("count invocations: %w", err)
	}
	defer rows.Close()

	counts := make(map[models.InvocationStatus]int)
	for rows.Next() {
		var status models.InvocationStatus
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("scan count: %w", err)
		}
		counts[status] = n
	}
	return counts, rows.Err()
}

// --- PDR Operations ---

// WritePDR writes a Process Decision Record.
func (s *Store) WritePDR(action, inputsHash, outcome, functionID, actor, details string) (*models.PDREntry, error) {
	now := time.Now().UTC()
	pdr := &models.PDREntry{
		ID:         uuid.New().String(),
		Action:     action,
		InputsHash: inputsHash,
		Outcome:    outcome,
		FunctionID: functionID,
		Actor:      actor,
		Details:    details,
		Timestamp:  now,
	}

	_, err := s.db.Exec(
		`INSERT INTO pdr (id, action, inputs_hash, outcome, function_id, actor, details, timestamp) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		pdr.ID, pdr.Action, pdr.InputsHash, pdr.Outcome, pdr.FunctionID, pdr.Actor, pdr.Details, pdr.Timestamp,
	)
	if err != nil {
		return nil, fmt.Errorf("insert pdr: %w", err)
	}
	return pdr, nil
}

// ListPDR returns audit records, newest first, optionally for one function.
func (s *Store) ListPDR(functionID string, limit int) ([]models.PDREntry, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `SELECT id, action, inputs_hash, outcome, function_id, actor, details, timestamp FROM pdr`
	var args []interface{}
	if functionID != "" {
		query += ` WHERE function_id = ?`
		args = append(args, functionID)
	}
	query += ` ORDER BY timestamp DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("query pdr: %w", err)
	}
	defer rows.Close()

	var entries []models.PDREntry
	for rows.Next() {
		var e models.PDREntry
		var fnID, actor, details sql.NullString
		if err := rows.Scan(&e.ID, &e.Action, &e.InputsHash, &e.Outcome, &fnID, &actor, &details, &e.Timestamp); err != nil {
			return nil, fmt.Errorf("scan pdr: %w", err)
		}
		e.FunctionID = fnID.String
		e.Actor = actor.String
		e.Details = details.String
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
