// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package pg

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"strings"

	_ "github.com/lib/pq" // Start the PostgreSQL sql driver
	"lendex.org/lendex/server/db/driver/pg/internal"
)

const publicSchema = "public"

// connString builds the lib/pq connection string. UNIX domain sockets,
// specified by a "/" prefix on the host, have no port.
func connString(host, port, user, pass, dbName string) string {
	parts := []string{"host=" + host, "user=" + user}
	if pass != "" {
		parts = append(parts, "password="+pass)
	}
	parts = append(parts, "dbname="+dbName, "sslmode=disable")
	if !strings.HasPrefix(host, "/") && port != "" {
		parts = append(parts, "port="+port)
	}
	return strings.Join(parts, " ")
}

// connect opens a connection to a PostgreSQL database and verifies it is
// alive. The caller is responsible for calling Close() on the returned db.
func connect(ctx context.Context, host, port, user, pass, dbName string) (*sql.DB, error) {
	db, err := sql.Open("postgres", connString(host, port, user, pass, dbName))
	if err != nil {
		return nil, err
	}
	if err = db.PingContext(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}

// sqlExecutor is implemented by both sql.DB and sql.Tx.
type sqlExecutor interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// sqlQueryer is implemented by both sql.DB and sql.Tx.
type sqlQueryer interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// sqlExec executes the SQL statement string with any optional arguments, and
// returns the number of rows affected.
func sqlExec(ctx context.Context, db sqlExecutor, stmt string, args ...any) (int64, error) {
	res, err := db.ExecContext(ctx, stmt, args...)
	if err != nil {
		return 0, err
	}
	if res == nil {
		return 0, nil
	}
	N, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf(`error in RowsAffected: %w`, err)
	}
	return N, nil
}

// namespacedTableExists checks if the specified table exists.
func namespacedTableExists(db *sql.DB, schema, tableName string) (exists bool, err error) {
	err = db.QueryRow(`SELECT EXISTS (SELECT 1 FROM pg_tables
		WHERE schemaname = $1 AND tablename = $2);`, schema, tableName).Scan(&exists)
	return
}

// createTable creates a table with the given name using the provided SQL
// statement, if it does not already exist.
func createTable(db *sql.DB, fmtStmt, schema, tableName string) (bool, error) {
	exists, err := namespacedTableExists(db, schema, tableName)
	if err != nil {
		return false, err
	}
	nameSpacedTable := schema + "." + tableName
	if exists {
		log.Tracef(`Table "%s" exists.`, nameSpacedTable)
		return false, nil
	}
	log.Infof(`Creating the "%s" table.`, nameSpacedTable)
	if _, err = db.Exec(fmt.Sprintf(fmtStmt, nameSpacedTable)); err != nil {
		return false, err
	}
	return true, nil
}

func dropTable(db *sql.DB, tableName string) error {
	_, err := db.Exec(fmt.Sprintf(`DROP TABLE IF EXISTS %s CASCADE;`, tableName))
	return err
}

// pgSettings are server settings by name, with any unit appended to the
// value.
type pgSettings map[string]string

// String lists the settings one per line, sorted by name.
func (s pgSettings) String() string {
	names := make([]string, 0, len(s))
	for name := range s {
		names = append(names, name)
	}
	sort.Strings(names)
	var b strings.Builder
	for _, name := range names {
		fmt.Fprintf(&b, "%s = %s\n", name, s[name])
	}
	return b.String()
}

// warnings describes settings that put committed ledger entries at risk.
func (s pgSettings) warnings() []string {
	var warns []string
	if s["fsync"] == "off" {
		warns = append(warns, `fsync is "off". A crash may corrupt the database.`)
	}
	if s["full_page_writes"] == "off" {
		warns = append(warns, `full_page_writes is "off". A crash may corrupt the database.`)
	}
	if s["synchronous_commit"] == "off" {
		warns = append(warns, `synchronous_commit is "off". A crash may lose recently committed ledger entries.`)
	}
	return warns
}

// retrievePGVersion retrieves the version of the connected PostgreSQL server.
func retrievePGVersion(db *sql.DB) (ver string, err error) {
	err = db.QueryRow(internal.RetrievePGVersion).Scan(&ver)
	return
}

// retrieveSettings retrieves the server settings that matter to the store.
func retrieveSettings(db *sql.DB) (pgSettings, error) {
	rows, err := db.Query(internal.RetrieveStoreSettings)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	settings := make(pgSettings)
	for rows.Next() {
		var name, setting, unit sql.NullString
		if err = rows.Scan(&name, &setting, &unit); err != nil {
			return nil, err
		}
		val := setting.String
		if unit.String != "" {
			val += " (" + unit.String + ")"
		}
		settings[name.String] = val
	}
	return settings, rows.Err()
}

// checkCurrentTimeZone queries for the currently set postgres time zone.
func checkCurrentTimeZone(db *sql.DB) (currentTZ string, err error) {
	if err = db.QueryRow(`SHOW TIME ZONE`).Scan(&currentTZ); err != nil {
		err = fmt.Errorf("unable to query current time zone: %v", err)
	}
	return
}

// checkSettings optionally logs the server configuration and warns about
// settings that put committed ledger writes at risk.
func (a *Archiver) checkSettings(hidePGConfig bool) error {
	settings, err := retrieveSettings(a.db)
	if err != nil {
		return err
	}
	if !hidePGConfig {
		log.Infof("postgres configuration settings:\n%v", settings)
	}
	for _, w := range settings.warnings() {
		log.Warn(w)
	}
	return nil
}
