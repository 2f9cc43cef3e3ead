package postgresql

import (
	"context"
	"errors"
	"fmt"
	"time"

	lru "github.com/hashicorp/golang-lru"
	"github.com/heptiolabs/healthcheck"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

// PgxIface is the subset of pgxpool.Pool the storage writer uses. It is also
// satisfied by pgxmock.PgxPoolIface, which the tests swap in.
type PgxIface interface {
	Begin(ctx context.Context) (pgx.Tx, error)
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Ping(ctx context.Context) error
	Close()
}

// Config carries the connection parameters for the storage writer.
type Config struct {
	Host     string
	Port     int
	User     string
	Password string
	Database string
	SSLMode  string
	// Environment is the deployment tag written into every event row.
	Environment string
	// DryRun logs every statement and rolls the transaction back instead of
	// committing.
	DryRun bool
	// DeviceCacheSize bounds the device-type ARC cache.
	DeviceCacheSize int
}

// Connection owns the single database session of the storage writer. Only
// the writer goroutine calls ProcessMessage, which is what serializes the
// schema-mutating DDL with the DML that depends on it. knownColumns is
// therefore unsynchronized on purpose.
type Connection struct {
	Db              PgxIface
	environment     string
	dryRun          bool
	knownColumns    map[string]bool
	deviceTypeCache *lru.ARCCache
}

// New connects to the database, verifies the expected tables exist and
// preloads the attribute column cache from the catalog.
func New(ctx context.Context, cfg Config) (*Connection, error) {
	conString := fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		cfg.Host, cfg.Port, cfg.User, cfg.Password, cfg.Database, cfg.SSLMode)

	zap.S().Infof("Connecting to %s@%s:%d/%s [%s]", cfg.User, cfg.Host, cfg.Port, cfg.Database, cfg.SSLMode)

	establishCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	db, err := pgxpool.New(establishCtx, conString)
	if err != nil {
		return nil, fmt.Errorf("failed to open connection to postgres database: %w", err)
	}

	if cfg.DeviceCacheSize <= 0 {
		cfg.DeviceCacheSize = 1000
	}
	cache, err := lru.NewARC(cfg.DeviceCacheSize)
	if err != nil {
		return nil, fmt.Errorf("failed to create device type cache: %w", err)
	}

	c := &Connection{
		Db:              db,
		environment:     cfg.Environment,
		dryRun:          cfg.DryRun,
		knownColumns:    make(map[string]bool),
		deviceTypeCache: cache,
	}

	if cfg.DryRun {
		zap.S().Infof("Running in DRY_RUN mode. All statements will be rolled back and printed")
	}

	pingCtx, cancelPing := context.WithTimeout(ctx, 5*time.Second)
	defer cancelPing()
	if err = c.Db.Ping(pingCtx); err != nil {
		return nil, fmt.Errorf("database is not available: %w", err)
	}

	if err = c.checkTables(ctx); err != nil {
		return nil, err
	}
	if err = c.loadColumnCache(ctx); err != nil {
		return nil, err
	}

	return c, nil
}

// checkTables validates that the event and device state tables exist before
// any message is accepted.
func (c *Connection) checkTables(ctx context.Context) error {
	checkCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	for _, table := range []string{"mqtt", "things"} {
		var tableName string
		query := `SELECT table_name FROM information_schema.tables WHERE table_schema = 'public' AND table_name = $1`
		err := c.Db.QueryRow(checkCtx, query, table).Scan(&tableName)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return fmt.Errorf("table %s does not exist in the database", table)
			}
			return fmt.Errorf("failed to check for table %s: %w", table, err)
		}
	}
	return nil
}

// loadColumnCache seeds the attribute column cache from the catalog so the
// writer does not probe the store on every message. The cache can still go
// stale, which the undefined-column retry in ProcessMessage covers.
func (c *Connection) loadColumnCache(ctx context.Context) error {
	loadCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	rows, err := c.Db.Query(loadCtx,
		`SELECT column_name FROM information_schema.columns WHERE table_schema = 'public' AND table_name = 'things'`)
	if err != nil {
		return fmt.Errorf("failed to load column cache: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var column string
		if err = rows.Scan(&column); err != nil {
			return fmt.Errorf("failed to scan column name: %w", err)
		}
		c.knownColumns[column] = true
	}
	if err = rows.Err(); err != nil {
		return fmt.Errorf("failed to iterate column names: %w", err)
	}
	zap.S().Infof("Loaded %d known attribute columns", len(c.knownColumns))
	return nil
}

// HealthCheck returns a readiness check that pings the database.
func (c *Connection) HealthCheck() healthcheck.Check {
	return func() error {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		return c.Db.Ping(ctx)
	}
}

// Close closes the connection pool.
func (c *Connection) Close() {
	c.Db.Close()
}
