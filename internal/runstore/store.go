// Package runstore persists the outcome of every block run to SQLite so that
// an interrupted production can be resumed without reprocessing the blocks
// already uploaded.
package runstore

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"ewocclassif/internal/ewoc"
	"ewocclassif/internal/logging"
)

// Status of a block run.
type Status string

const (
	StatusDone    Status = "done"
	StatusSkipped Status = "skipped"
	StatusFailed  Status = "failed"
)

// BlockRun is one classifier invocation on one block.
type BlockRun struct {
	ID         int64
	Tile       ewoc.TileID
	Production ewoc.ProductionID
	Block      int
	Status     Status
	ExitCode   int
	Uploaded   int // files uploaded to the product bucket
	Duration   time.Duration
	CreatedAt  time.Time
}

// Store is the SQLite run ledger.
//
// Storage location: state.db_path (EWOC_STATE_DB).
type Store struct {
	db     *sql.DB
	mu     sync.RWMutex
	dbPath string
}

// Open creates or opens the ledger at dbPath.
func Open(dbPath string) (*Store, error) {
	logging.StoreDebug("Opening run ledger at %s", dbPath)

	if dir := filepath.Dir(dbPath); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		logging.Get(logging.CategoryStore).Error("Failed to open run ledger at %s: %v", dbPath, err)
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	s := &Store{db: db, dbPath: dbPath}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	logging.Store("Run ledger opened at %s", dbPath)
	return s, nil
}

func (s *Store) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS block_runs (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		tile TEXT NOT NULL,
		production TEXT NOT NULL,
		block INTEGER NOT NULL,
		status TEXT NOT NULL,
		exit_code INTEGER NOT NULL,
		uploaded INTEGER NOT NULL DEFAULT 0,
		duration_ms INTEGER NOT NULL,
		created_at DATETIME NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_block_runs_target ON block_runs(tile, production);
	CREATE INDEX IF NOT EXISTS idx_block_runs_status ON block_runs(status);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Record appends a block run. CreatedAt defaults to now.
func (s *Store) Record(run BlockRun) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if run.CreatedAt.IsZero() {
		run.CreatedAt = time.Now()
	}
	_, err := s.db.Exec(`
		INSERT INTO block_runs (tile, production, block, status, exit_code, uploaded, duration_ms, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		string(run.Tile), string(run.Production), run.Block, string(run.Status),
		run.ExitCode, run.Uploaded, run.Duration.Milliseconds(), run.CreatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to record block %d: %w", run.Block, err)
	}
	logging.StoreDebug("Recorded block %d of %s/%s as %s", run.Block, run.Tile, run.Production, run.Status)
	return nil
}

// Done returns the blocks of tile/production recorded as done or skipped,
// in ascending order. Both outcomes are final for the classifier.
func (s *Store) Done(tile ewoc.TileID, production ewoc.ProductionID) ([]int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(`
		SELECT DISTINCT block FROM block_runs
		WHERE tile = ? AND production = ? AND status IN (?, ?)
		ORDER BY block`,
		string(tile), string(production), string(StatusDone), string(StatusSkipped),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query done blocks: %w", err)
	}
	defer rows.Close()

	var ids []int
	for rows.Next() {
		var id int
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// List returns every run of tile/production, oldest first.
func (s *Store) List(tile ewoc.TileID, production ewoc.ProductionID) ([]BlockRun, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(`
		SELECT id, tile, production, block, status, exit_code, uploaded, duration_ms, created_at
		FROM block_runs
		WHERE tile = ? AND production = ?
		ORDER BY id`,
		string(tile), string(production),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list block runs: %w", err)
	}
	defer rows.Close()

	var runs []BlockRun
	for rows.Next() {
		var (
			r          BlockRun
			tileStr    string
			prodStr    string
			statusStr  string
			durationMs int64
		)
		if err := rows.Scan(&r.ID, &tileStr, &prodStr, &r.Block, &statusStr,
			&r.ExitCode, &r.Uploaded, &durationMs, &r.CreatedAt); err != nil {
			return nil, err
		}
		r.Tile = ewoc.TileID(tileStr)
		r.Production = ewoc.ProductionID(prodStr)
		r.Status = Status(statusStr)
		r.Duration = time.Duration(durationMs) * time.Millisecond
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

// Path returns the database path.
func (s *Store) Path() string { return s.dbPath }

// Close closes the database.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.db.Close()
}
