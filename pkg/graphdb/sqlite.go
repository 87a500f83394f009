package graphdb

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"strings"
	"sync"

	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog/log"
)

// SQLiteDialer hands out dedicated connections of one embedded database.
// Used for local indexing runs and integration tests.
type SQLiteDialer struct {
	dsn         string
	initQueries []string

	once sync.Once
	db   *sql.DB
	err  error
}

// NewSQLiteDialer builds a dialer; the database file is opened lazily
func NewSQLiteDialer(cfg Config) (*SQLiteDialer, error) {
	if cfg.Database == "" {
		return nil, fmt.Errorf("sqlite driver requires a database path")
	}

	return &SQLiteDialer{
		dsn:         sqliteDSN(cfg),
		initQueries: append([]string(nil), cfg.InitQueries...),
	}, nil
}

func sqliteDSN(cfg Config) string {
	if len(cfg.Params) == 0 {
		return cfg.Database
	}

	keys := make([]string, 0, len(cfg.Params))
	for k := range cfg.Params {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+"="+cfg.Params[k])
	}

	sep := "?"
	if strings.Contains(cfg.Database, "?") {
		sep = "&"
	}
	return cfg.Database + sep + strings.Join(parts, "&")
}

func (d *SQLiteDialer) open() (*sql.DB, error) {
	d.once.Do(func() {
		d.db, d.err = sql.Open("sqlite3", d.dsn)
		if d.err != nil {
			return
		}
		// Sessions are pinned *sql.Conn; keep none idle behind our back
		d.db.SetMaxIdleConns(0)
	})
	return d.db, d.err
}

// Dial pins a dedicated connection from the shared database handle
func (d *SQLiteDialer) Dial(ctx context.Context) (Session, error) {
	db, err := d.open()
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite database: %w", err)
	}

	conn, err := db.Conn(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite connection: %w", err)
	}

	for _, stmt := range d.initQueries {
		if _, err := conn.ExecContext(ctx, stmt); err != nil {
			conn.Close()
			return nil, fmt.Errorf("session init %q failed: %w", stmt, err)
		}
	}

	log.Debug().Str("dsn", d.dsn).Msg("Opened sqlite graph session")
	return &sqlSession{conn: conn}, nil
}

// Close releases the shared database handle
func (d *SQLiteDialer) Close() error {
	if d.db == nil {
		return nil
	}
	return d.db.Close()
}

type sqlSession struct {
	mu   sync.Mutex
	conn *sql.Conn
}

func (s *sqlSession) Execute(ctx context.Context, query string) (*Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.conn == nil {
		return nil, ErrSessionClosed
	}

	rows, err := s.conn.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	columns, err := rows.Columns()
	if err != nil {
		return nil, err
	}

	result := &Result{Columns: columns}
	for rows.Next() {
		values := make([]interface{}, len(columns))
		ptrs := make([]interface{}, len(columns))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, err
		}
		result.Rows = append(result.Rows, values)
	}

	return result, rows.Err()
}

func (s *sqlSession) Close(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.conn == nil {
		return nil
	}
	err := s.conn.Close()
	s.conn = nil
	return err
}
