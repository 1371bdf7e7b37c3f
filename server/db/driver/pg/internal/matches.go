package internal

const (
	// CreateMatchesTable creates the matches table. For a synthetic match,
	// borrower_offer_id is the zero id and synthetic_ref names the injected
	// counterparty. Each attestation is an actor and a time stamp, both NULL
	// until the attestation is made. paid_at is NULL until withdrawal.
	CreateMatchesTable = `CREATE TABLE IF NOT EXISTS %s (
		match_id BYTEA PRIMARY KEY,
		borrower_offer_id BYTEA NOT NULL,
		synthetic BOOL NOT NULL,
		synthetic_ref TEXT NOT NULL,
		counterparty BYTEA NOT NULL,
		total_amount INT8 NOT NULL,
		amount_to_repay INT8 NOT NULL,
		proposed_at TIMESTAMPTZ NOT NULL,
		matched_at TIMESTAMPTZ,
		withdrawal_ready_at TIMESTAMPTZ,
		lender_paid_by BYTEA, lender_paid_at TIMESTAMPTZ,
		received_by BYTEA, received_at TIMESTAMPTZ,
		deposit_by BYTEA, deposit_at TIMESTAMPTZ,
		status INT2 NOT NULL,
		active BOOL NOT NULL,
		paid_at TIMESTAMPTZ,
		payout_total INT8,
		reject_reason TEXT NOT NULL DEFAULT '',
		version INT8 NOT NULL
		);`

	CreateMatchesActiveIndex = `CREATE INDEX IF NOT EXISTS matches_active_idx
		ON matches (active, proposed_at, match_id);`

	CreateMatchesCounterpartyIndex = `CREATE INDEX IF NOT EXISTS matches_counterparty_idx
		ON matches (counterparty);`

	// CreateContributionsTable creates the table of lender offer shares. The
	// rows of a match are written with the match and never change.
	CreateContributionsTable = `CREATE TABLE IF NOT EXISTS %s (
		match_id BYTEA NOT NULL REFERENCES matches (match_id) ON DELETE CASCADE,
		idx INT4 NOT NULL,
		offer_id BYTEA NOT NULL,
		owner BYTEA NOT NULL,
		amount INT8 NOT NULL,
		PRIMARY KEY (match_id, idx)
		);`

	CreateContributionsOwnerIndex = `CREATE INDEX IF NOT EXISTS match_contributions_owner_idx
		ON match_contributions (owner);`

	// CreatePayoutCreditsTable creates the table of per-lender payout credits,
	// written once when the match is withdrawn.
	CreatePayoutCreditsTable = `CREATE TABLE IF NOT EXISTS %s (
		match_id BYTEA NOT NULL REFERENCES matches (match_id) ON DELETE CASCADE,
		idx INT4 NOT NULL,
		account_id BYTEA NOT NULL,
		amount INT8 NOT NULL,
		PRIMARY KEY (match_id, idx)
		);`

	InsertMatch = `INSERT INTO matches (match_id, borrower_offer_id, synthetic, synthetic_ref,
			counterparty, total_amount, amount_to_repay, proposed_at, matched_at,
			withdrawal_ready_at, lender_paid_by, lender_paid_at, received_by, received_at,
			deposit_by, deposit_at, status, active, paid_at, payout_total, reject_reason,
			version)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16,
			$17, $18, $19, $20, $21, 1)
		ON CONFLICT (match_id) DO NOTHING;`

	InsertContribution = `INSERT INTO match_contributions (match_id, idx, offer_id, owner, amount)
		VALUES ($1, $2, $3, $4, $5);`

	InsertPayoutCredit = `INSERT INTO payout_credits (match_id, idx, account_id, amount)
		VALUES ($1, $2, $3, $4);`

	DeletePayoutCredits = `DELETE FROM payout_credits WHERE match_id = $1;`

	selectMatchColumns = `SELECT match_id, borrower_offer_id, synthetic, synthetic_ref,
			counterparty, total_amount, amount_to_repay, proposed_at, matched_at,
			withdrawal_ready_at, lender_paid_by, lender_paid_at, received_by, received_at,
			deposit_by, deposit_at, status, active, paid_at, payout_total, reject_reason,
			version
		FROM matches`

	SelectMatch = selectMatchColumns + ` WHERE match_id = $1;`

	SelectActiveMatches = selectMatchColumns + ` WHERE active
		ORDER BY proposed_at, match_id;`

	// SelectArchivedMatches retrieves archived matches, most recent first. A
	// NULL limit is no limit.
	SelectArchivedMatches = selectMatchColumns + ` WHERE NOT active
		ORDER BY proposed_at DESC, match_id DESC
		LIMIT $1;`

	SelectMatchesForAccount = selectMatchColumns + ` WHERE counterparty = $1
			OR match_id IN (SELECT match_id FROM match_contributions WHERE owner = $1)
		ORDER BY proposed_at, match_id;`

	SelectContributions = `SELECT offer_id, owner, amount FROM match_contributions
		WHERE match_id = $1 ORDER BY idx;`

	SelectPayoutCredits = `SELECT account_id, amount FROM payout_credits
		WHERE match_id = $1 ORDER BY idx;`

	MatchExists = `SELECT EXISTS (SELECT 1 FROM matches WHERE match_id = $1);`

	// UpdateMatch writes the mutable columns if the stored version is $15.
	UpdateMatch = `UPDATE matches
		SET matched_at = $2, withdrawal_ready_at = $3,
			lender_paid_by = $4, lender_paid_at = $5,
			received_by = $6, received_at = $7,
			deposit_by = $8, deposit_at = $9,
			status = $10, active = $11, paid_at = $12, payout_total = $13,
			reject_reason = $14, version = version + 1
		WHERE match_id = $1 AND version = $15;`

	// LockMatchState retrieves the status and version of a match, locking the
	// row until the end of the transaction.
	LockMatchState = `SELECT status, version FROM matches WHERE match_id = $1 FOR UPDATE;`

	// DeleteMatch removes a match. Contributions and credits cascade.
	DeleteMatch = `DELETE FROM matches WHERE match_id = $1;`
)
