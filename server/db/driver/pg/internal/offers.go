package internal

const (
	// CreateOffersTable creates the offers table. match_id is the zero id
	// until the offer is matched.
	CreateOffersTable = `CREATE TABLE IF NOT EXISTS %s (
		offer_id BYTEA PRIMARY KEY,
		owner BYTEA NOT NULL,
		kind INT2 NOT NULL,           -- 1 lend, 2 borrow
		amount INT8 NOT NULL,
		created_at TIMESTAMPTZ NOT NULL,
		matures_at TIMESTAMPTZ NOT NULL,
		status INT2 NOT NULL,         -- 1 pending, 2 matched, 3 cancelled
		match_id BYTEA NOT NULL,
		cancelled_at TIMESTAMPTZ,
		version INT8 NOT NULL
		);`

	// CreateOffersStatusIndex serves the pending offer queues.
	CreateOffersStatusIndex = `CREATE INDEX IF NOT EXISTS offers_status_idx
		ON offers (status, kind, created_at, offer_id);`

	CreateOffersOwnerIndex = `CREATE INDEX IF NOT EXISTS offers_owner_idx
		ON offers (owner, created_at);`

	InsertOffer = `INSERT INTO offers (offer_id, owner, kind, amount, created_at, matures_at,
			status, match_id, cancelled_at, version)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, 1)
		ON CONFLICT (offer_id) DO NOTHING;`

	selectOfferColumns = `SELECT offer_id, owner, kind, amount, created_at, matures_at, status,
			match_id, cancelled_at, version
		FROM offers`

	SelectOffer = selectOfferColumns + ` WHERE offer_id = $1;`

	// SelectOffersByStatus retrieves offers of a status and kind, oldest first
	// with ties broken by id.
	SelectOffersByStatus = selectOfferColumns + ` WHERE status = $1 AND kind = $2
		ORDER BY created_at, offer_id;`

	SelectOffersByOwner = selectOfferColumns + ` WHERE owner = $1
		ORDER BY created_at, offer_id;`

	OfferExists = `SELECT EXISTS (SELECT 1 FROM offers WHERE offer_id = $1);`

	// UpdateOffer writes the mutable columns if the stored version is $5.
	UpdateOffer = `UPDATE offers
		SET status = $2, match_id = $3, cancelled_at = $4, version = version + 1
		WHERE offer_id = $1 AND version = $5;`
)
