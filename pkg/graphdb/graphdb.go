package graphdb

import (
	"context"
	"database/sql/driver"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
)

// Session is a single physical link to the graph database.
// A Session is not safe for concurrent use.
type Session interface {
	// Execute runs a query and returns its materialized result
	Execute(ctx context.Context, query string) (*Result, error)

	// Close tears down the underlying link
	Close(ctx context.Context) error
}

// Dialer establishes new sessions
type Dialer interface {
	Dial(ctx context.Context) (Session, error)
}

// DialerFunc adapts a function to the Dialer interface
type DialerFunc func(ctx context.Context) (Session, error)

// Dial calls f(ctx)
func (f DialerFunc) Dial(ctx context.Context) (Session, error) {
	return f(ctx)
}

// Result holds the rows returned by a query
type Result struct {
	Columns      []string        `json:"columns"`
	Rows         [][]interface{} `json:"rows"`
	RowsAffected int64           `json:"rows_affected"`
}

// Len returns the number of rows in the result
func (r *Result) Len() int {
	if r == nil {
		return 0
	}
	return len(r.Rows)
}

// Supported drivers
const (
	DriverPostgres = "postgres"
	DriverAGE      = "age"
	DriverSQLite   = "sqlite"
)

// AGEInitQueries prepare a PostgreSQL session for Cypher through Apache AGE
var AGEInitQueries = []string{
	"LOAD 'age'",
	`SET search_path = ag_catalog, "$user", public`,
}

// Config describes how to reach the graph database
type Config struct {
	Driver      string            `yaml:"driver" mapstructure:"driver" json:"driver"`
	Host        string            `yaml:"host" mapstructure:"host" json:"host"`
	Port        int               `yaml:"port" mapstructure:"port" json:"port"`
	Username    string            `yaml:"username" mapstructure:"username" json:"username"`
	Password    string            `yaml:"password" mapstructure:"password" json:"-"`
	Database    string            `yaml:"database" mapstructure:"database" json:"database"`
	Params      map[string]string `yaml:"params" mapstructure:"params" json:"params"`
	DialTimeout time.Duration     `yaml:"dial_timeout" mapstructure:"dial_timeout" json:"dial_timeout"`
	InitQueries []string          `yaml:"init_queries" mapstructure:"init_queries" json:"init_queries"`
}

// NewDialer returns a dialer for the configured driver
func NewDialer(cfg Config) (Dialer, error) {
	switch strings.ToLower(cfg.Driver) {
	case DriverPostgres, "postgresql":
		return NewPostgresDialer(cfg)
	case DriverAGE:
		if len(cfg.InitQueries) == 0 {
			cfg.InitQueries = AGEInitQueries
		}
		return NewPostgresDialer(cfg)
	case DriverSQLite, "sqlite3":
		return NewSQLiteDialer(cfg)
	default:
		return nil, fmt.Errorf("unsupported graph database driver: %q", cfg.Driver)
	}
}

// ErrSessionClosed is returned when a closed session is used
var ErrSessionClosed = errors.New("graph session is closed")

// IsTransportError reports whether err indicates the link itself is broken,
// as opposed to a failure of the query.
func IsTransportError(err error) bool {
	if err == nil {
		return false
	}

	// Caller gave up; the link may still be fine
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}

	if errors.Is(err, ErrSessionClosed) ||
		errors.Is(err, driver.ErrBadConn) ||
		errors.Is(err, io.EOF) ||
		errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, net.ErrClosed) {
		return true
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}

	var connectErr *pgconn.ConnectError
	if errors.As(err, &connectErr) {
		return true
	}

	// Server-side errors are application level
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return false
	}

	if pgconn.Timeout(err) || pgconn.SafeToRetry(err) {
		return true
	}

	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "conn closed") ||
		strings.Contains(msg, "connection reset") ||
		strings.Contains(msg, "broken pipe")
}
