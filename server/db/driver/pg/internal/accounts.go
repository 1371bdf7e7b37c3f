package internal

const (
	// CreateAccountsTable creates the accounts table. balance and reserved
	// are the materialized sums of the account's ledger entries.
	CreateAccountsTable = `CREATE TABLE IF NOT EXISTS %s (
		account_id BYTEA PRIMARY KEY,  -- UNIQUE INDEX
		balance INT8 NOT NULL DEFAULT 0 CHECK (balance >= 0),
		reserved INT8 NOT NULL DEFAULT 0 CHECK (reserved >= 0 AND reserved <= balance),
		kyc_level INT2 NOT NULL DEFAULT 0,
		last_deposit_at TIMESTAMPTZ,   -- NULL before the first deposit
		created_at TIMESTAMPTZ NOT NULL,
		version INT8 NOT NULL
		);`

	// CreateEntriesTable creates the append-only ledger entries table.
	CreateEntriesTable = `CREATE TABLE IF NOT EXISTS %s (
		entry_id BYTEA PRIMARY KEY,    -- UNIQUE INDEX, the idempotency key
		account_id BYTEA NOT NULL REFERENCES accounts (account_id),
		kind INT2 NOT NULL,
		amount INT8 NOT NULL,
		ref_id TEXT NOT NULL,
		created_at TIMESTAMPTZ NOT NULL
		);`

	// CreateEntriesAccountIndex indexes the entries of each account in time
	// order.
	CreateEntriesAccountIndex = `CREATE INDEX IF NOT EXISTS entries_account_idx
		ON entries (account_id, created_at, entry_id);`

	InsertAccount = `INSERT INTO accounts (account_id, balance, reserved, kyc_level,
			last_deposit_at, created_at, version)
		VALUES ($1, $2, $3, $4, $5, $6, 1)
		ON CONFLICT (account_id) DO NOTHING;`

	selectAccountColumns = `SELECT account_id, balance, reserved, kyc_level, last_deposit_at,
			created_at, version
		FROM accounts`

	// SelectAccount retrieves one account.
	SelectAccount = selectAccountColumns + ` WHERE account_id = $1;`

	// SelectAllAccounts retrieves every account.
	SelectAllAccounts = selectAccountColumns + ` ORDER BY created_at, account_id;`

	// LockAccountVersion retrieves the account version, locking the row until
	// the end of the transaction.
	LockAccountVersion = `SELECT version FROM accounts WHERE account_id = $1 FOR UPDATE;`

	// AccountExists is used to distinguish an unknown account from a version
	// conflict after a conditional update touched no rows.
	AccountExists = `SELECT EXISTS (SELECT 1 FROM accounts WHERE account_id = $1);`

	// UpdateAccount writes the account if the stored version is $6.
	UpdateAccount = `UPDATE accounts
		SET balance = $2, reserved = $3, kyc_level = $4, last_deposit_at = $5,
			version = version + 1
		WHERE account_id = $1 AND version = $6;`

	InsertEntry = `INSERT INTO entries (entry_id, account_id, kind, amount, ref_id, created_at)
		VALUES ($1, $2, $3, $4, $5, $6);`

	EntryExists = `SELECT EXISTS (SELECT 1 FROM entries WHERE entry_id = $1);`

	selectEntryColumns = `SELECT entry_id, account_id, kind, amount, ref_id, created_at FROM entries`

	SelectEntry = selectEntryColumns + ` WHERE entry_id = $1;`

	// SelectEntriesForAccount retrieves the account's entries, oldest first.
	SelectEntriesForAccount = selectEntryColumns + ` WHERE account_id = $1
		ORDER BY created_at, entry_id;`
)
