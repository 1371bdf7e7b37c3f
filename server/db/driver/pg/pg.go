// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

// Package pg is the PostgreSQL db.LendexArchivist driver. Conditional writes
// are UPDATE ... WHERE version = $n statements, and multi-row writes run in a
// transaction that locks the affected account or match row.
package pg

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"lendex.org/lendex/dex"
	"lendex.org/lendex/server/db"
)

// DriverName is the name the driver registers with.
const DriverName = "pg"

const (
	defaultQueryTimeout = 20 * time.Minute
)

var log = dex.Disabled

// UseLogger sets the package-wide logger.
func UseLogger(logger dex.Logger) {
	log = logger
}

// Driver implements db.Driver.
type Driver struct{}

// Open creates the DB backend, returning a db.LendexArchivist.
func (d *Driver) Open(ctx context.Context, cfg any) (db.LendexArchivist, error) {
	switch c := cfg.(type) {
	case *Config:
		return NewArchiver(ctx, c)
	case Config:
		return NewArchiver(ctx, &c)
	default:
		return nil, fmt.Errorf("invalid config type %T", cfg)
	}
}

// UseLogger sets the package-wide logger for the registered DB Driver.
func (*Driver) UseLogger(logger dex.Logger) {
	UseLogger(logger)
}

func init() {
	db.Register(DriverName, &Driver{})
}

// Config holds the Archiver's configuration.
type Config struct {
	Host, Port, User, Pass, DBName string
	HidePGConfig                   bool
	QueryTimeout                   time.Duration
}

// Archiver implements db.LendexArchivist.
type Archiver struct {
	queryTimeout time.Duration
	db           *sql.DB
	dbName       string
}

var _ db.LendexArchivist = (*Archiver)(nil)

// NewArchiver constructs a new Archiver. Use Close when done with the Archiver.
func NewArchiver(ctx context.Context, cfg *Config) (*Archiver, error) {
	// Connect to the PostgreSQL daemon and return the *sql.DB.
	db, err := connect(ctx, cfg.Host, cfg.Port, cfg.User, cfg.Pass, cfg.DBName)
	if err != nil {
		return nil, err
	}

	// Put the PostgreSQL time zone in UTC.
	var initTZ string
	initTZ, err = checkCurrentTimeZone(db)
	if err != nil {
		db.Close()
		return nil, err
	}
	if initTZ != "UTC" {
		log.Infof("Switching PostgreSQL time zone to UTC for this session.")
		if _, err = db.Exec(`SET TIME ZONE UTC`); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to set time zone to UTC: %w", err)
		}
	}

	// Display the postgres version.
	pgVersion, err := retrievePGVersion(db)
	if err != nil {
		db.Close()
		return nil, err
	}
	log.Info(pgVersion)

	queryTimeout := cfg.QueryTimeout
	if queryTimeout <= 0 {
		queryTimeout = defaultQueryTimeout
	}

	archiver := &Archiver{
		db:           db,
		dbName:       cfg.DBName,
		queryTimeout: queryTimeout,
	}

	// Check settings that affect durability.
	if err = archiver.checkSettings(cfg.HidePGConfig); err != nil {
		db.Close()
		return nil, err
	}

	if err = PrepareTables(db); err != nil {
		db.Close()
		return nil, err
	}

	return archiver, nil
}

// Close closes the underlying DB connection.
func (a *Archiver) Close() error {
	return a.db.Close()
}

// queryCtx bounds a query by the configured timeout.
func (a *Archiver) queryCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, a.queryTimeout)
}

// withTx runs f in a transaction, committing if f succeeds.
func (a *Archiver) withTx(ctx context.Context, f func(tx *sql.Tx) error) error {
	ctx, cancel := a.queryCtx(ctx)
	defer cancel()
	tx, err := a.db.BeginTx(ctx, nil)
	if err != nil {
		return translate(err)
	}
	if err = f(tx); err != nil {
		if errR := tx.Rollback(); errR != nil {
			log.Errorf("Rollback failed: %v", errR)
		}
		return translate(err)
	}
	return translate(tx.Commit())
}
