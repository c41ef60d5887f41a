// Package ledger keeps a history of provisioning runs and their per-record
// results in SQLite. Access tokens are stored masked.
package ledger

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"lineprov/internal/logging"
	"lineprov/internal/workflow"

	"github.com/google/uuid"
	"go.uber.org/zap"
	_ "modernc.org/sqlite"
)

// Run is one recorded run.
type Run struct {
	ID         string
	Source     string
	Total      int
	State      string
	StartedAt  time.Time
	FinishedAt time.Time
	Succeeded  int
	Failed     int
}

// Entry is one recorded record result.
type Entry struct {
	RunID          string
	Row            int
	Success        bool
	BasicID        string
	PermissionLink string
	FriendLink     string
	TokenMasked    string
	Error          string
	Phases         []PhaseEntry
	RecordedAt     time.Time
}

// PhaseEntry is the stored form of a phase outcome.
type PhaseEntry struct {
	Phase  string `json:"phase"`
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

// Store is the run ledger.
type Store struct {
	db     *sql.DB
	dbPath string
	log    *zap.Logger
	now    func() time.Time
}

// Open creates or opens the ledger database at path.
func Open(path string, log *zap.Logger) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create directory: %w", err)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)

	s := &Store{db: db, dbPath: path, log: logging.Or(log, logging.CategoryLedger), now: time.Now}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return s, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Path returns the database file path.
func (s *Store) Path() string {
	return s.dbPath
}

func (s *Store) migrate() error {
	schema := `
	PRAGMA journal_mode=WAL;
	PRAGMA busy_timeout=5000;

	CREATE TABLE IF NOT EXISTS runs (
		id TEXT PRIMARY KEY,
		source TEXT NOT NULL,
		total INTEGER NOT NULL,
		state TEXT NOT NULL DEFAULT 'running',
		started_at TEXT NOT NULL,
		finished_at TEXT
	);

	CREATE TABLE IF NOT EXISTS results (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		run_id TEXT NOT NULL REFERENCES runs(id),
		row_number INTEGER NOT NULL,
		success INTEGER NOT NULL,
		basic_id TEXT NOT NULL DEFAULT '',
		permission_link TEXT NOT NULL DEFAULT '',
		friend_link TEXT NOT NULL DEFAULT '',
		token_masked TEXT NOT NULL DEFAULT '',
		error TEXT NOT NULL DEFAULT '',
		phases_json TEXT NOT NULL DEFAULT '[]',
		recorded_at TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_results_run ON results(run_id);
	CREATE INDEX IF NOT EXISTS idx_results_basic_id ON results(basic_id);
	`
	_, err := s.db.Exec(schema)
	return err
}

func (s *Store) stamp() string {
	return s.now().UTC().Format(time.RFC3339Nano)
}

// BeginRun records a new run and returns its id.
func (s *Store) BeginRun(ctx context.Context, source string, total int) (string, error) {
	id := uuid.NewString()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO runs (id, source, total, started_at) VALUES (?, ?, ?, ?)`,
		id, source, total, s.stamp())
	if err != nil {
		return "", fmt.Errorf("insert run: %w", err)
	}
	s.log.Debug("run started", zap.String("run", id), zap.Int("total", total))
	return id, nil
}

// RecordResult stores one record result.
func (s *Store) RecordResult(ctx context.Context, runID string, res workflow.Result) error {
	phases := make([]PhaseEntry, 0, len(res.Phases))
	for _, o := range res.Phases {
		e := PhaseEntry{Phase: string(o.Phase), Status: o.Status.String()}
		if o.Err != nil {
			e.Error = o.Err.Error()
		}
		phases = append(phases, e)
	}
	raw, err := json.Marshal(phases)
	if err != nil {
		return fmt.Errorf("encode phases: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO results (run_id, row_number, success, basic_id, permission_link, friend_link,
			token_masked, error, phases_json, recorded_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		runID, res.Row, res.Success, res.BasicID, res.PermissionLink, res.FriendLink,
		MaskToken(res.AccessToken), res.Error, string(raw), s.stamp())
	if err != nil {
		return fmt.Errorf("insert result: %w", err)
	}
	return nil
}

// FinishRun closes a run with its final state.
func (s *Store) FinishRun(ctx context.Context, runID, state string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE runs SET state = ?, finished_at = ? WHERE id = ?`, state, s.stamp(), runID)
	if err != nil {
		return fmt.Errorf("update run: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("run %s not found", runID)
	}
	return nil
}

// Runs lists the most recent runs, newest first.
func (s *Store) Runs(ctx context.Context, limit int) ([]Run, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT r.id, r.source, r.total, r.state, r.started_at, COALESCE(r.finished_at, ''),
			COALESCE(SUM(CASE WHEN x.success = 1 THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN x.success = 0 THEN 1 ELSE 0 END), 0)
		FROM runs r LEFT JOIN results x ON x.run_id = r.id
		GROUP BY r.id
		ORDER BY r.started_at DESC
		LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query runs: %w", err)
	}
	defer rows.Close()

	var out []Run
	for rows.Next() {
		var r Run
		var started, finished string
		if err := rows.Scan(&r.ID, &r.Source, &r.Total, &r.State, &started, &finished, &r.Succeeded, &r.Failed); err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		r.StartedAt = parseStamp(started)
		r.FinishedAt = parseStamp(finished)
		out = append(out, r)
	}
	return out, rows.Err()
}

// Entries returns the results of one run in the order they were recorded.
func (s *Store) Entries(ctx context.Context, runID string) ([]Entry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT run_id, row_number, success, basic_id, permission_link, friend_link,
			token_masked, error, phases_json, recorded_at
		FROM results WHERE run_id = ? ORDER BY id`, runID)
	if err != nil {
		return nil, fmt.Errorf("query results: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var e Entry
		var phases, recorded string
		if err := rows.Scan(&e.RunID, &e.Row, &e.Success, &e.BasicID, &e.PermissionLink, &e.FriendLink,
			&e.TokenMasked, &e.Error, &phases, &recorded); err != nil {
			return nil, fmt.Errorf("scan result: %w", err)
		}
		if err := json.Unmarshal([]byte(phases), &e.Phases); err != nil {
			s.log.Warn("decode phases", zap.String("run", runID), zap.Error(err))
		}
		e.RecordedAt = parseStamp(recorded)
		out = append(out, e)
	}
	return out, rows.Err()
}

func parseStamp(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

// MaskToken keeps the first 6 and last 4 characters of a token.
func MaskToken(tok string) string {
	if tok == "" {
		return ""
	}
	if len(tok) <= 12 {
		return "****"
	}
	return tok[:6] + "..." + tok[len(tok)-4:]
}
