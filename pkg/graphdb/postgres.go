package graphdb

import (
	"context"
	"fmt"
	"net/url"
	"strconv"
	"sync"

	"github.com/jackc/pgx/v5"
	"github.com/rs/zerolog/log"
)

// PostgresDialer opens sessions against a PostgreSQL-compatible graph
// engine such as Apache AGE.
type PostgresDialer struct {
	connConfig  *pgx.ConnConfig
	initQueries []string
}

// NewPostgresDialer parses the configuration into a pgx connection config
func NewPostgresDialer(cfg Config) (*PostgresDialer, error) {
	connConfig, err := pgx.ParseConfig(postgresURL(cfg))
	if err != nil {
		return nil, fmt.Errorf("invalid postgres configuration: %w", err)
	}

	if cfg.DialTimeout > 0 {
		connConfig.ConnectTimeout = cfg.DialTimeout
	}

	return &PostgresDialer{
		connConfig:  connConfig,
		initQueries: append([]string(nil), cfg.InitQueries...),
	}, nil
}

func postgresURL(cfg Config) string {
	u := &url.URL{
		Scheme: "postgres",
		Host:   cfg.Host,
		Path:   "/" + cfg.Database,
	}
	if cfg.Port > 0 {
		u.Host = cfg.Host + ":" + strconv.Itoa(cfg.Port)
	}
	if cfg.Username != "" {
		if cfg.Password != "" {
			u.User = url.UserPassword(cfg.Username, cfg.Password)
		} else {
			u.User = url.User(cfg.Username)
		}
	}

	q := url.Values{}
	for k, v := range cfg.Params {
		q.Set(k, v)
	}
	u.RawQuery = q.Encode()

	return u.String()
}

// Dial opens one pgx connection and runs the session init statements
func (d *PostgresDialer) Dial(ctx context.Context) (Session, error) {
	conn, err := pgx.ConnectConfig(ctx, d.connConfig.Copy())
	if err != nil {
		return nil, fmt.Errorf("failed to connect to postgres: %w", err)
	}

	for _, stmt := range d.initQueries {
		if _, err := conn.Exec(ctx, stmt); err != nil {
			_ = conn.Close(ctx)
			return nil, fmt.Errorf("session init %q failed: %w", stmt, err)
		}
	}

	log.Debug().
		Str("host", d.connConfig.Host).
		Uint16("port", d.connConfig.Port).
		Str("database", d.connConfig.Database).
		Msg("Opened postgres graph session")

	return &pgxSession{conn: conn}, nil
}

type pgxSession struct {
	mu   sync.Mutex
	conn *pgx.Conn
}

func (s *pgxSession) Execute(ctx context.Context, query string) (*Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.conn == nil || s.conn.IsClosed() {
		return nil, ErrSessionClosed
	}

	rows, err := s.conn.Query(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	fields := rows.FieldDescriptions()
	result := &Result{Columns: make([]string, len(fields))}
	for i, fd := range fields {
		result.Columns[i] = fd.Name
	}

	for rows.Next() {
		values, err := rows.Values()
		if err != nil {
			return nil, err
		}
		result.Rows = append(result.Rows, values)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	result.RowsAffected = rows.CommandTag().RowsAffected()
	return result, nil
}

func (s *pgxSession) Close(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.conn == nil {
		return nil
	}
	err := s.conn.Close(ctx)
	s.conn = nil
	return err
}
