//go:build pgonline

package pg

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"testing"

	"lendex.org/lendex/dex"
)

const (
	PGTestsHost   = "localhost" // "/run/postgresql" for UNIX socket
	PGTestsPort   = "5432"      // "" for UNIX socket
	PGTestsUser   = "lendex"
	PGTestsPass   = ""
	PGTestsDBName = "lendex_test"
)

var archie *Archiver

func TestMain(m *testing.M) {
	UseLogger(dex.StdOutLogger("PG_DB_TEST", dex.LevelDebug))

	// Wrap openDB so that the cleanUp function may be deferred.
	doIt := func() int {
		// Not counted as coverage, must test Archiver constructor explicitly.
		cleanUp, err := openDB()
		defer cleanUp()
		if err != nil {
			panic(fmt.Sprintln("no db for testing:", err))
		}

		return m.Run()
	}

	os.Exit(doIt())
}

func openDB() (func() error, error) {
	dbi := Config{
		Host:         PGTestsHost,
		Port:         PGTestsPort,
		User:         PGTestsUser,
		Pass:         PGTestsPass,
		DBName:       PGTestsDBName,
		HidePGConfig: true,
		QueryTimeout: 0, // zero to use the default
	}
	ctx := context.Background()
	var err error
	archie, err = NewArchiver(ctx, &dbi)
	if archie == nil {
		return func() error { return nil }, err
	}

	closeFn := func() error {
		if err := nukeAll(archie.db); err != nil {
			log.Errorf("nukeAll: %v", err)
		}
		return archie.Close()
	}

	return closeFn, err
}

func nukeAll(db *sql.DB) error {
	// Drop tables in public schema, dependents first.
	for i := len(createPublicTableStatements) - 1; i >= 0; i-- {
		tableName := publicSchema + "." + createPublicTableStatements[i].name
		log.Infof(`Dropping table %s...`, tableName)
		if err := dropTable(db, tableName); err != nil {
			return err
		}
	}
	return nil
}

func cleanTables(db *sql.DB) error {
	if err := nukeAll(db); err != nil {
		return err
	}
	return PrepareTables(db)
}

func Test_checkCurrentTimeZone(t *testing.T) {
	currentTZ, err := checkCurrentTimeZone(archie.db)
	if err != nil {
		t.Fatal(err)
	}
	t.Logf("Set time zone: %v", currentTZ)
}

func Test_retrieveSettings(t *testing.T) {
	ss, err := retrieveSettings(archie.db)
	if err != nil {
		t.Fatalf("Failed to retrieve settings: %v", err)
	}
	if _, found := ss["synchronous_commit"]; !found {
		t.Errorf("synchronous_commit not retrieved")
	}
	t.Logf("\n%v", ss)
}

func Test_retrievePGVersion(t *testing.T) {
	ver, err := retrievePGVersion(archie.db)
	if err != nil {
		t.Errorf("Failed to retrieve postgres version: %v", err)
	}
	t.Logf("\n%s", ver)
}

func TestPrepareTables(t *testing.T) {
	if err := cleanTables(archie.db); err != nil {
		t.Fatalf("cleanTables: %v", err)
	}
	// Idempotent on an existing schema.
	if err := PrepareTables(archie.db); err != nil {
		t.Fatalf("PrepareTables on existing tables: %v", err)
	}
	ver, err := DBVersion(archie.db)
	if err != nil {
		t.Fatalf("DBVersion: %v", err)
	}
	if ver != dbVersion {
		t.Fatalf("schema version %d, expected %d", ver, dbVersion)
	}
}
