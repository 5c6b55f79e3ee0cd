// Package sqlitestore implements a job store on a local SQLite database.
//
// Each job kind lives in its own table. The backend has no change-event
// transport, so watchers observe it through polling only.
package sqlitestore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/3leaps/evalwatch/pkg/jobstate"
	"github.com/3leaps/evalwatch/pkg/jobstore"
)

const (
	backendName  = "sqlite"
	driverName   = "sqlite"
	DefaultTable = "evaluations"
)

var tableNamePattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// Compile-time interface checks.
var (
	_ jobstore.Reader = (*Store)(nil)
	_ jobstore.Writer = (*Store)(nil)
	_ jobstore.Lister = (*Store)(nil)
)

type Config struct {
	// Path is a local filesystem path to the database, or ":memory:".
	Path string

	// Table holds one job kind. Defaults to DefaultTable.
	Table string
}

type Store struct {
	db    *sql.DB
	table string
	now   func() time.Time
}

// TableForKind maps a job kind to its conventional table name.
func TableForKind(kind jobstate.Kind) string {
	k := strings.TrimSpace(string(kind))
	if k == "" {
		return DefaultTable
	}
	return k + "s"
}

// Open opens (and creates if needed) the database and ensures the job table.
//
// Notes:
// - Local file paths are created if parent directories do not exist.
// - For local DBs, WAL and busy_timeout are applied so a writer process and
//   polling readers can share the file.
func Open(ctx context.Context, cfg Config) (*Store, error) {
	table := strings.TrimSpace(cfg.Table)
	if table == "" {
		table = DefaultTable
	}
	if !tableNamePattern.MatchString(table) {
		return nil, fmt.Errorf("invalid table name %q", table)
	}

	dsn, err := buildDSN(cfg.Path)
	if err != nil {
		return nil, err
	}

	db, err := sql.Open(driverName, dsn)
	if err != nil {
		return nil, fmt.Errorf("open job store: %w", err)
	}
	// Keep a single connection; it also keeps ":memory:" databases shared.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping job store: %w", err)
	}
	if err := configureLocalSQLite(ctx, db, dsn); err != nil {
		_ = db.Close()
		return nil, err
	}

	s := &Store{db: db, table: table, now: func() time.Time { return time.Now().UTC() }}
	if err := s.ensureSchema(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func buildDSN(path string) (string, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return "", errors.New("job store path is required")
	}
	if path == ":memory:" {
		return path, nil
	}
	if strings.HasPrefix(path, "file:") {
		return path, nil
	}
	dir := filepath.Dir(filepath.Clean(path))
	if dir != "." && dir != string(filepath.Separator) {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return "", fmt.Errorf("create job store dir: %w", err)
		}
	}
	return "file:" + filepath.Clean(path), nil
}

func configureLocalSQLite(ctx context.Context, db *sql.DB, dsn string) error {
	if !strings.HasPrefix(dsn, "file:") {
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	var journalMode string
	if err := db.QueryRowContext(ctx, "PRAGMA journal_mode=WAL").Scan(&journalMode); err != nil {
		return fmt.Errorf("enable WAL mode: %w", err)
	}
	var busyTimeout int
	if err := db.QueryRowContext(ctx, "PRAGMA busy_timeout=5000").Scan(&busyTimeout); err != nil {
		return fmt.Errorf("set busy timeout: %w", err)
	}
	return nil
}

func (s *Store) ensureSchema(ctx context.Context) error {
	stmts := []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			id TEXT PRIMARY KEY,
			kind TEXT,
			status TEXT NOT NULL,
			result TEXT,
			error_message TEXT,
			updated_at INTEGER NOT NULL
		);`, s.table),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS idx_%s_updated_at ON %s(updated_at);`, s.table, s.table),
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("init schema: %w", err)
		}
	}
	return nil
}

func (s *Store) Table() string {
	return s.table
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (jobstate.Job, error) {
	var (
		job       jobstate.Job
		kind      sql.NullString
		status    string
		result    sql.NullString
		errMsg    sql.NullString
		updatedAt int64
	)
	if err := row.Scan(&job.ID, &kind, &status, &result, &errMsg, &updatedAt); err != nil {
		return jobstate.Job{}, err
	}
	job.Kind = jobstate.Kind(kind.String)
	job.Status = jobstate.Status(status)
	if result.Valid && result.String != "" {
		job.Result = json.RawMessage(result.String)
	}
	job.ErrorMessage = errMsg.String
	job.UpdatedAt = time.Unix(0, updatedAt).UTC()
	return job, nil
}

// FetchJob reads the current snapshot for jobID.
func (s *Store) FetchJob(ctx context.Context, jobID string) (jobstate.Job, error) {
	jobID = strings.TrimSpace(jobID)
	row := s.db.QueryRowContext(ctx,
		fmt.Sprintf(`SELECT id, kind, status, result, error_message, updated_at FROM %s WHERE id = ?`, s.table),
		jobID,
	)
	job, err := scanJob(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return jobstate.Job{}, jobstore.NotFound(backendName, jobID)
		}
		return jobstate.Job{}, &jobstore.StoreError{Op: "Fetch", Backend: backendName, JobID: jobID, Err: err}
	}
	return job, nil
}

// PutJob upserts a snapshot after checking the status transition against
// the stored row. A zero UpdatedAt is stamped with the current time.
func (s *Store) PutJob(ctx context.Context, job jobstate.Job) error {
	job.ID = strings.TrimSpace(job.ID)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return &jobstore.StoreError{Op: "Put", Backend: backendName, JobID: job.ID, Err: err}
	}
	defer func() { _ = tx.Rollback() }()

	var current *jobstate.Job
	existing, err := scanJob(tx.QueryRowContext(ctx,
		fmt.Sprintf(`SELECT id, kind, status, result, error_message, updated_at FROM %s WHERE id = ?`, s.table),
		job.ID,
	))
	switch {
	case err == nil:
		current = &existing
	case !errors.Is(err, sql.ErrNoRows):
		return &jobstore.StoreError{Op: "Put", Backend: backendName, JobID: job.ID, Err: err}
	}
	jobstore.StampUpdatedAt(&job, current, s.now())
	if err := jobstore.CheckTransition(current, job); err != nil {
		return err
	}

	var result any
	if len(job.Result) > 0 {
		result = string(job.Result)
	}
	_, err = tx.ExecContext(ctx, fmt.Sprintf(`
		INSERT INTO %s (id, kind, status, result, error_message, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			kind=excluded.kind,
			status=excluded.status,
			result=excluded.result,
			error_message=excluded.error_message,
			updated_at=excluded.updated_at
	`, s.table),
		job.ID, string(job.Kind), string(job.Status), result, job.ErrorMessage, job.UpdatedAt.UnixNano(),
	)
	if err != nil {
		return &jobstore.StoreError{Op: "Put", Backend: backendName, JobID: job.ID, Err: err}
	}
	return tx.Commit()
}

// ListJobs returns all rows, most recently updated first.
func (s *Store) ListJobs(ctx context.Context) ([]jobstate.Job, error) {
	rows, err := s.db.QueryContext(ctx,
		fmt.Sprintf(`SELECT id, kind, status, result, error_message, updated_at FROM %s ORDER BY updated_at DESC`, s.table),
	)
	if err != nil {
		return nil, &jobstore.StoreError{Op: "List", Backend: backendName, Err: err}
	}
	defer func() { _ = rows.Close() }()

	var out []jobstate.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, &jobstore.StoreError{Op: "List", Backend: backendName, Err: err}
		}
		out = append(out, job)
	}
	return out, rows.Err()
}

// CheckHealth pings the database.
func (s *Store) CheckHealth(ctx context.Context) error {
	return s.db.PingContext(ctx)
}
