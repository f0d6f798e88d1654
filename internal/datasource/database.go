package datasource

import (
	"context"
	"database/sql"
	"fmt"
	"net"
	"strconv"
	"sync"

	"github.com/go-sql-driver/mysql"
	_ "github.com/lib/pq"
	"github.com/opensource-finance/fieldgate/internal/domain"
	_ "modernc.org/sqlite"
)

// DatabaseConnection is a relational datasource reached through database/sql.
type DatabaseConnection struct {
	cfg *DatabaseConfig

	mu sync.RWMutex
	db *sql.DB
}

// NewDatabaseConnection creates an unconnected relational datasource.
func NewDatabaseConnection(cfg *DatabaseConfig) *DatabaseConnection {
	return &DatabaseConnection{cfg: cfg}
}

func (c *DatabaseConnection) Type() domain.SourceType { return domain.SourceDatabase }

// driverDSN returns the database/sql driver name and DSN for the dialect.
func (c *DatabaseConnection) driverDSN() (string, string) {
	cfg := c.cfg
	switch cfg.Dialect {
	case "mysql":
		mc := mysql.NewConfig()
		mc.User = cfg.Username
		mc.Passwd = cfg.Password
		mc.Net = "tcp"
		mc.Addr = net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port))
		mc.DBName = cfg.Database
		mc.ParseTime = true
		mc.Timeout = cfg.policy.Timeout
		return "mysql", mc.FormatDSN()
	case "sqlite":
		return "sqlite", cfg.Database
	default:
		return "postgres", fmt.Sprintf(
			"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s connect_timeout=%d",
			cfg.Host, cfg.Port, cfg.Username, cfg.Password, cfg.Database, cfg.SSLMode,
			int(cfg.policy.Timeout.Seconds()),
		)
	}
}

// Connect opens and pings a new handle, replacing any previous one.
func (c *DatabaseConnection) Connect(ctx context.Context) error {
	driver, dsn := c.driverDSN()
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return fmt.Errorf("open %s: %w", driver, err)
	}
	db.SetMaxOpenConns(4)
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return fmt.Errorf("ping %s: %w", driver, err)
	}

	c.mu.Lock()
	old := c.db
	c.db = db
	c.mu.Unlock()

	if old != nil {
		old.Close()
	}
	return nil
}

// Probe pings the database.
func (c *DatabaseConnection) Probe(ctx context.Context) error {
	db, err := c.current()
	if err != nil {
		return err
	}
	return db.PingContext(ctx)
}

// Close closes the handle.
func (c *DatabaseConnection) Close(ctx context.Context) error {
	c.mu.Lock()
	db := c.db
	c.db = nil
	c.mu.Unlock()

	if db == nil {
		return nil
	}
	return db.Close()
}

func (c *DatabaseConnection) current() (*sql.DB, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.db == nil {
		return nil, domain.ErrNotConnected
	}
	return c.db, nil
}

// Query runs query and returns every row keyed by column name.
func (c *DatabaseConnection) Query(ctx context.Context, query string, args ...any) (*domain.QueryResult, error) {
	db, err := c.current()
	if err != nil {
		return nil, err
	}

	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, domain.WrapError(domain.KindValidation, "query", err)
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return nil, domain.WrapError(domain.KindInternal, "query", err)
	}

	result := &domain.QueryResult{Columns: cols, Rows: []map[string]any{}}
	for rows.Next() {
		values := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, domain.WrapError(domain.KindInternal, "query", err)
		}
		row := make(map[string]any, len(cols))
		for i, col := range cols {
			if b, ok := values[i].([]byte); ok {
				row[col] = string(b)
			} else {
				row[col] = values[i]
			}
		}
		result.Rows = append(result.Rows, row)
	}
	if err := rows.Err(); err != nil {
		return nil, domain.WrapError(domain.KindInternal, "query", err)
	}
	return result, nil
}
