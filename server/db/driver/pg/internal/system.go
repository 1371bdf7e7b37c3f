package internal

const (
	// RetrieveStoreSettings retrieves the server settings that affect ledger
	// durability and connection capacity.
	RetrieveStoreSettings = `SELECT name, setting, unit
		FROM pg_settings
		WHERE name IN ('fsync', 'full_page_writes', 'synchronous_commit',
			'wal_level', 'default_transaction_isolation', 'max_connections',
			'shared_buffers', 'work_mem', 'lock_timeout',
			'idle_in_transaction_session_timeout');`

	// RetrievePGVersion retrieves the version string from the database process.
	RetrievePGVersion = `SELECT version();`
)
