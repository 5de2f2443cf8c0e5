package database

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/golang-migrate/migrate/v4"
	migratemysql "github.com/golang-migrate/migrate/v4/database/mysql"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	"storefront/config"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

var (
	ErrNotFound        = errors.New("record not found")
	ErrDuplicate       = errors.New("duplicate record")
	ErrVersionConflict = errors.New("order was modified concurrently")
)

// DB is the storefront's handle on MySQL. The embedded Queries run outside
// any transaction; use WithinTx for atomic units.
type DB struct {
	*Queries
	conn *sql.DB
}

func NewDB(conn *sql.DB) *DB {
	return &DB{Queries: New(conn), conn: conn}
}

// DSN builds the driver connection string for cfg.
func DSN(cfg *config.Config) string {
	mc := mysql.NewConfig()
	mc.User = cfg.DBUser
	mc.Passwd = cfg.DBPassword
	mc.Net = "tcp"
	mc.Addr = net.JoinHostPort(cfg.DBHost, cfg.DBPort)
	mc.DBName = cfg.DBName
	mc.ParseTime = true
	mc.Loc = time.UTC
	return mc.FormatDSN()
}

func Open(ctx context.Context, dsn string) (*DB, error) {
	conn, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, fmt.Errorf("sql.Open: %w", err)
	}

	conn.SetMaxOpenConns(50)
	conn.SetMaxIdleConns(10)
	conn.SetConnMaxLifetime(5 * time.Minute)

	if err := conn.PingContext(ctx); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("conn.PingContext: %w", err)
	}

	return NewDB(conn), nil
}

func (d *DB) Ping(ctx context.Context) error {
	return d.conn.PingContext(ctx)
}

func (d *DB) Close() error {
	return d.conn.Close()
}

// Migrate applies the embedded schema. It opens its own connection because
// migration files need multiStatements, which the request pool leaves off.
func Migrate(dsn string) error {
	mc, err := mysql.ParseDSN(dsn)
	if err != nil {
		return fmt.Errorf("mysql.ParseDSN: %w", err)
	}
	mc.MultiStatements = true

	conn, err := sql.Open("mysql", mc.FormatDSN())
	if err != nil {
		return fmt.Errorf("sql.Open: %w", err)
	}

	driver, err := migratemysql.WithInstance(conn, &migratemysql.Config{
		MigrationsTable: "storefront_schema_migrations",
	})
	if err != nil {
		_ = conn.Close()
		return fmt.Errorf("could not create migration driver: %w", err)
	}

	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		_ = conn.Close()
		return fmt.Errorf("could not open embedded migrations: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", src, "mysql", driver)
	if err != nil {
		_ = conn.Close()
		return fmt.Errorf("could not create migrate instance: %w", err)
	}
	defer func() {
		_, _ = m.Close()
		_ = conn.Close()
	}()

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("could not run migrations: %w", err)
	}

	return nil
}

func isDuplicate(err error) bool {
	var myErr *mysql.MySQLError
	return errors.As(err, &myErr) && myErr.Number == 1062
}
