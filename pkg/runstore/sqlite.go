package runstore

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pkg/errors"
	_ "modernc.org/sqlite"
)

//go:embed schema.sql
var schemaSQL string

const defaultBusyTimeout = 5 * time.Second

// SQLiteStore is the durable run store. Every operation goes straight to
// the database; runs are few and small, so no cache sits in front.
type SQLiteStore struct {
	db    *sql.DB
	clock func() time.Time
}

var _ Store = (*SQLiteStore)(nil)

// SQLiteOption configures a SQLiteStore.
type SQLiteOption func(*SQLiteStore)

// WithSQLiteClock overrides the timestamp source.
func WithSQLiteClock(clock func() time.Time) SQLiteOption {
	return func(s *SQLiteStore) {
		if clock != nil {
			s.clock = clock
		}
	}
}

// NewSQLiteStore opens (creating if needed) the sqlite file at path.
func NewSQLiteStore(path string, opts ...SQLiteOption) (*SQLiteStore, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, errors.Wrap(err, "failed to create sqlite directory")
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, errors.Wrap(err, "failed to open sqlite db")
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	s := &SQLiteStore{db: db, clock: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	if err := s.initialize(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) initialize(ctx context.Context) error {
	ms := int(defaultBusyTimeout / time.Millisecond)
	if _, err := s.db.ExecContext(ctx, fmt.Sprintf("PRAGMA busy_timeout=%d;", ms)); err != nil {
		return errors.Wrap(err, "failed to set busy_timeout")
	}
	if _, err := s.db.ExecContext(ctx, "PRAGMA journal_mode=WAL;"); err != nil {
		return errors.Wrap(err, "failed to enable WAL")
	}
	if _, err := s.db.ExecContext(ctx, schemaSQL); err != nil {
		return errors.Wrap(err, "failed to apply schema")
	}
	return nil
}

func (s *SQLiteStore) Save(ctx context.Context, state *RunState) error {
	if err := state.Validate(); err != nil {
		return err
	}

	now := s.clock().UTC()
	if state.CreatedAt.IsZero() {
		state.CreatedAt = now
	}
	state.UpdatedAt = now

	runContext, err := json.Marshal(state.Context)
	if err != nil {
		return errors.Wrapf(err, "failed to encode context for run %s", state.RunID)
	}
	if state.Context == nil {
		runContext = []byte("{}")
	}
	failure := ""
	if state.Failure != nil {
		raw, err := json.Marshal(state.Failure)
		if err != nil {
			return errors.Wrapf(err, "failed to encode failure for run %s", state.RunID)
		}
		failure = string(raw)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO runs
			(run_id, api_path, base_url, current_step_index, status, context, failure, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(run_id) DO UPDATE SET
			api_path = excluded.api_path,
			base_url = excluded.base_url,
			current_step_index = excluded.current_step_index,
			status = excluded.status,
			context = excluded.context,
			failure = excluded.failure,
			updated_at = excluded.updated_at`,
		state.RunID,
		state.APIPath,
		state.BaseURL,
		state.CurrentStepIndex,
		string(state.Status),
		string(runContext),
		failure,
		state.CreatedAt.Format(time.RFC3339Nano),
		state.UpdatedAt.Format(time.RFC3339Nano),
	)
	return errors.Wrapf(err, "failed to save run %s", state.RunID)
}

func (s *SQLiteStore) Load(ctx context.Context, runID string) (*RunState, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT run_id, api_path, base_url, current_step_index, status, context, failure, created_at, updated_at
		FROM runs WHERE run_id = ?`, runID)

	state, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrRunNotFound
	}
	return state, err
}

func (s *SQLiteStore) List(ctx context.Context, status Status) ([]*RunState, error) {
	query := `
		SELECT run_id, api_path, base_url, current_step_index, status, context, failure, created_at, updated_at
		FROM runs`
	args := []interface{}{}
	if status != "" {
		query += ` WHERE status = ?`
		args = append(args, string(status))
	}
	query += ` ORDER BY created_at DESC, run_id ASC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list runs")
	}
	defer func() { _ = rows.Close() }()

	var out []*RunState
	for rows.Next() {
		state, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, state)
	}
	return out, errors.Wrap(rows.Err(), "failed to iterate runs")
}

// Close closes the underlying database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func scanRun(row rowScanner) (*RunState, error) {
	var (
		state      RunState
		status     string
		runContext string
		failure    string
		createdAt  string
		updatedAt  string
	)
	err := row.Scan(&state.RunID, &state.APIPath, &state.BaseURL, &state.CurrentStepIndex,
		&status, &runContext, &failure, &createdAt, &updatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, errors.Wrap(err, "failed to scan run")
	}

	state.Status = Status(status)
	if err := json.Unmarshal([]byte(runContext), &state.Context); err != nil {
		return nil, errors.Wrapf(err, "failed to decode context for run %s", state.RunID)
	}
	if failure != "" {
		state.Failure = &Failure{}
		if err := json.Unmarshal([]byte(failure), state.Failure); err != nil {
			return nil, errors.Wrapf(err, "failed to decode failure for run %s", state.RunID)
		}
	}
	if state.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAt); err != nil {
		return nil, errors.Wrapf(err, "failed to parse created_at for run %s", state.RunID)
	}
	if state.UpdatedAt, err = time.Parse(time.RFC3339Nano, updatedAt); err != nil {
		return nil, errors.Wrapf(err, "failed to parse updated_at for run %s", state.RunID)
	}
	return &state, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}
