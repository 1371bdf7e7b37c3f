// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package pg

import (
	"database/sql"
	"errors"
	"fmt"

	"lendex.org/lendex/server/db/driver/pg/internal"
)

const (
	metaTableName          = "meta"
	accountsTableName      = "accounts"
	entriesTableName       = "entries"
	offersTableName        = "offers"
	matchesTableName       = "matches"
	contributionsTableName = "match_contributions"
	payoutCreditsTableName = "payout_credits"

	// dbVersion is the schema version created by PrepareTables.
	dbVersion = 1
)

type tableStmt struct {
	name string
	stmt string
}

// createPublicTableStatements are in dependency order.
var createPublicTableStatements = []tableStmt{
	{metaTableName, internal.CreateMetaTable},
	{accountsTableName, internal.CreateAccountsTable},
	{entriesTableName, internal.CreateEntriesTable},
	{offersTableName, internal.CreateOffersTable},
	{matchesTableName, internal.CreateMatchesTable},
	{contributionsTableName, internal.CreateContributionsTable},
	{payoutCreditsTableName, internal.CreatePayoutCreditsTable},
}

var createIndexStatements = []string{
	internal.CreateEntriesAccountIndex,
	internal.CreateOffersStatusIndex,
	internal.CreateOffersOwnerIndex,
	internal.CreateMatchesActiveIndex,
	internal.CreateMatchesCounterpartyIndex,
	internal.CreateContributionsOwnerIndex,
}

var tableMap = func() map[string]string {
	m := make(map[string]string, len(createPublicTableStatements))
	for _, pair := range createPublicTableStatements {
		m[pair.name] = pair.stmt
	}
	return m
}()

// CreateTable creates one of the known tables by name. The table will be
// created in the specified schema (schema.tableName). If schema is empty,
// "public" is used.
func CreateTable(db *sql.DB, schema, tableName string) (bool, error) {
	createCommand, tableNameFound := tableMap[tableName]
	if !tableNameFound {
		return false, fmt.Errorf("table name %s unknown", tableName)
	}

	if schema == "" {
		schema = publicSchema
	}
	return createTable(db, createCommand, schema, tableName)
}

// PrepareTables ensures that all tables and indexes are ready, and that the
// schema version is one this code understands.
func PrepareTables(db *sql.DB) error {
	for _, pair := range createPublicTableStatements {
		created, err := CreateTable(db, publicSchema, pair.name)
		if err != nil {
			return fmt.Errorf("failed to create %s table: %w", pair.name, err)
		}
		if created && pair.name == metaTableName {
			if _, err = db.Exec(internal.CreateMetaRow); err != nil {
				return fmt.Errorf("failed to create row for meta table: %w", err)
			}
			if _, err = db.Exec(internal.SetDBVersion, dbVersion); err != nil {
				return fmt.Errorf("failed to set schema version: %w", err)
			}
		}
	}
	for _, stmt := range createIndexStatements {
		if _, err := db.Exec(stmt); err != nil {
			return fmt.Errorf("failed to create index: %w", err)
		}
	}

	ver, err := DBVersion(db)
	if err != nil {
		return err
	}
	if ver > dbVersion {
		return fmt.Errorf("database schema version %d is newer than the supported version %d", ver, dbVersion)
	}
	log.Debugf("Database schema version %d", ver)
	return nil
}

// DBVersion retrieves the schema version from the meta table.
func DBVersion(db *sql.DB) (ver uint32, err error) {
	err = db.QueryRow(internal.SelectDBVersion).Scan(&ver)
	if errors.Is(err, sql.ErrNoRows) {
		err = fmt.Errorf("meta table has no rows")
	}
	return
}
