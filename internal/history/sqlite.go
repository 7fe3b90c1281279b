package history

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"time"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"
)

const schema = `
CREATE TABLE IF NOT EXISTS history (
	id             INTEGER PRIMARY KEY,
	timestamp      INTEGER NOT NULL,
	input_voltage  REAL,
	output_voltage REAL,
	load_percent   REAL,
	battery_charge REAL,
	status         TEXT
);
CREATE INDEX IF NOT EXISTS idx_history_timestamp ON history(timestamp);
`

// outageCondition matches entries whose status lacks the online marker or
// carries the on-battery marker.
const outageCondition = "(COALESCE(status, '') NOT LIKE '%OL%' OR COALESCE(status, '') LIKE '%OB%')"

// SQLiteStore is a Store backed by a WAL-mode SQLite file. Reads run on any
// pooled connection; writes are serialised by writeMu.
type SQLiteStore struct {
	pool *sqlitex.Pool
	path string
	now  func() time.Time

	writeMu sync.Mutex
}

var _ Store = (*SQLiteStore)(nil)

// SQLiteOption configures an SQLiteStore.
type SQLiteOption func(*SQLiteStore)

// WithClock overrides the clock used to compute lookback and retention
// cutoffs.
func WithClock(now func() time.Time) SQLiteOption {
	return func(s *SQLiteStore) { s.now = now }
}

// OpenSQLite opens (creating if necessary) the history database at path.
func OpenSQLite(path string, opts ...SQLiteOption) (*SQLiteStore, error) {
	if path == "" {
		return nil, fmt.Errorf("history store: path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return nil, fmt.Errorf("create history directory: %w", err)
	}

	poolSize := runtime.NumCPU()
	if poolSize < 2 {
		poolSize = 2
	}
	if poolSize > 4 {
		poolSize = 4
	}

	pool, err := sqlitex.NewPool(path, sqlitex.PoolOptions{
		PoolSize:    poolSize,
		PrepareConn: prepareConn,
	})
	if err != nil {
		return nil, fmt.Errorf("history store: open %s: %w", path, err)
	}

	s := &SQLiteStore{pool: pool, path: path, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}

	// Force schema creation now so a broken file fails at startup.
	conn, err := pool.Take(context.Background())
	if err != nil {
		_ = pool.Close()
		return nil, fmt.Errorf("history store: open %s: %w", path, err)
	}
	pool.Put(conn)

	return s, nil
}

func prepareConn(conn *sqlite.Conn) error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA temp_store=MEMORY",
	}
	for _, pragma := range pragmas {
		if err := sqlitex.ExecuteTransient(conn, pragma, nil); err != nil {
			return fmt.Errorf("history store: %s: %w", pragma, err)
		}
	}
	if err := sqlitex.ExecuteScript(conn, schema, nil); err != nil {
		return fmt.Errorf("history store: create schema: %w", err)
	}
	return nil
}

// Path returns the database file path.
func (s *SQLiteStore) Path() string { return s.path }

// Insert appends e and returns its assigned id. e.ID is ignored.
func (s *SQLiteStore) Insert(ctx context.Context, e Entry) (int64, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	conn, err := s.pool.Take(ctx)
	if err != nil {
		return 0, fmt.Errorf("history store: insert: %w", err)
	}
	defer s.pool.Put(conn)

	err = sqlitex.Execute(conn,
		"INSERT INTO history (timestamp, input_voltage, output_voltage, load_percent, battery_charge, status) VALUES (?, ?, ?, ?, ?, ?)",
		&sqlitex.ExecOptions{
			Args: []any{
				e.Timestamp,
				nullable(e.InputVoltage),
				nullable(e.OutputVoltage),
				nullable(e.LoadPercent),
				nullable(e.BatteryCharge),
				e.Status,
			},
		})
	if err != nil {
		return 0, fmt.Errorf("history store: insert: %w", err)
	}
	return conn.LastInsertRowID(), nil
}

// QueryRange returns entries newer than now minus hours, oldest first.
func (s *SQLiteStore) QueryRange(ctx context.Context, hours int) ([]Entry, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return nil, fmt.Errorf("history store: query: %w", err)
	}
	defer s.pool.Put(conn)

	entries := []Entry{}
	err = sqlitex.Execute(conn,
		"SELECT id, timestamp, input_voltage, output_voltage, load_percent, battery_charge, status FROM history WHERE timestamp >= ? ORDER BY timestamp ASC, id ASC",
		&sqlitex.ExecOptions{
			Args: []any{s.cutoff(time.Duration(hours) * time.Hour)},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				entries = append(entries, Entry{
					ID:            stmt.ColumnInt64(0),
					Timestamp:     stmt.ColumnInt64(1),
					InputVoltage:  columnFloat(stmt, 2),
					OutputVoltage: columnFloat(stmt, 3),
					LoadPercent:   columnFloat(stmt, 4),
					BatteryCharge: columnFloat(stmt, 5),
					Status:        stmt.ColumnText(6),
				})
				return nil
			},
		})
	if err != nil {
		return nil, fmt.Errorf("history store: query: %w", err)
	}
	return entries, nil
}

// DeleteOlderThan removes entries older than now minus days and returns the
// number removed.
func (s *SQLiteStore) DeleteOlderThan(ctx context.Context, days int) (int64, error) {
	return s.exec(ctx, "prune",
		"DELETE FROM history WHERE timestamp < ?",
		s.cutoff(time.Duration(days)*24*time.Hour))
}

// Compact keeps the earliest nominal entry in every CompactionBucket-second
// window and deletes the other nominal entries. Entries with any other
// status are never touched.
func (s *SQLiteStore) Compact(ctx context.Context) (int64, error) {
	in := "?" + strings.Repeat(", ?", len(NominalStatuses)-1)
	args := make([]any, 0, 2*len(NominalStatuses)+1)
	for range 2 {
		for _, st := range NominalStatuses {
			args = append(args, st)
		}
	}
	args = append(args, CompactionBucket)

	return s.exec(ctx, "compact",
		`DELETE FROM history
		 WHERE status IN (`+in+`)
		   AND id NOT IN (
		     SELECT MIN(id) FROM history WHERE status IN (`+in+`) GROUP BY timestamp / ?
		   )`,
		args...)
}

// Aggregate summarises the entries newer than now minus hours.
func (s *SQLiteStore) Aggregate(ctx context.Context, hours int) (Stats, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return Stats{}, fmt.Errorf("history store: aggregate: %w", err)
	}
	defer s.pool.Put(conn)

	stats := Stats{Hours: hours}
	query := `SELECT
		MIN(input_voltage), MAX(input_voltage), AVG(input_voltage),
		MIN(output_voltage), MAX(output_voltage), AVG(output_voltage),
		MAX(load_percent), AVG(load_percent),
		MIN(battery_charge), AVG(battery_charge),
		COUNT(*),
		COALESCE(SUM(CASE WHEN ` + outageCondition + ` THEN 1 ELSE 0 END), 0)
		FROM history WHERE timestamp >= ?`

	err = sqlitex.Execute(conn, query, &sqlitex.ExecOptions{
		Args: []any{s.cutoff(time.Duration(hours) * time.Hour)},
		ResultFunc: func(stmt *sqlite.Stmt) error {
			stats.MinInputVoltage = columnFloat(stmt, 0)
			stats.MaxInputVoltage = columnFloat(stmt, 1)
			stats.AvgInputVoltage = columnFloat(stmt, 2)
			stats.MinOutputVoltage = columnFloat(stmt, 3)
			stats.MaxOutputVoltage = columnFloat(stmt, 4)
			stats.AvgOutputVoltage = columnFloat(stmt, 5)
			stats.MaxLoad = columnFloat(stmt, 6)
			stats.AvgLoad = columnFloat(stmt, 7)
			stats.MinBatteryCharge = columnFloat(stmt, 8)
			stats.AvgBatteryCharge = columnFloat(stmt, 9)
			stats.Count = stmt.ColumnInt64(10)
			stats.Outages = stmt.ColumnInt64(11)
			return nil
		},
	})
	if err != nil {
		return Stats{}, fmt.Errorf("history store: aggregate: %w", err)
	}
	return stats, nil
}

// Close closes every pooled connection.
func (s *SQLiteStore) Close() error {
	if err := s.pool.Close(); err != nil {
		return fmt.Errorf("history store: close %s: %w", s.path, err)
	}
	return nil
}

// exec runs a write statement under the write lock and returns the number of
// changed rows.
func (s *SQLiteStore) exec(ctx context.Context, op, query string, args ...any) (int64, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	conn, err := s.pool.Take(ctx)
	if err != nil {
		return 0, fmt.Errorf("history store: %s: %w", op, err)
	}
	defer s.pool.Put(conn)

	if err := sqlitex.Execute(conn, query, &sqlitex.ExecOptions{Args: args}); err != nil {
		return 0, fmt.Errorf("history store: %s: %w", op, err)
	}
	return int64(conn.Changes()), nil
}

func (s *SQLiteStore) cutoff(window time.Duration) int64 {
	return s.now().Add(-window).Unix()
}

func nullable(v *float64) any {
	if v == nil {
		return nil
	}
	return *v
}

func columnFloat(stmt *sqlite.Stmt, col int) *float64 {
	if stmt.ColumnType(col) == sqlite.TypeNull {
		return nil
	}
	v := stmt.ColumnFloat(col)
	return &v
}
