package storage

// Migration represents a database migration
type Migration struct {
	Version     string
	Description string
	SQL         string
}

// GetMigrations returns the schema migrations. The DDL sticks to the
// SQL subset shared by SQLite and PostgreSQL.
func GetMigrations() []*Migration {
	return []*Migration{
		{
			Version:     "001",
			Description: "Create event log table",
			SQL: `
				CREATE TABLE IF NOT EXISTS events (
					block_number BIGINT NOT NULL,
					log_index INTEGER NOT NULL,
					kind TEXT NOT NULL,
					contract_address TEXT NOT NULL,
					token_id TEXT NOT NULL,
					seller TEXT NOT NULL DEFAULT '',
					buyer TEXT NOT NULL DEFAULT '',
					offerer TEXT NOT NULL DEFAULT '',
					from_address TEXT NOT NULL DEFAULT '',
					to_address TEXT NOT NULL DEFAULT '',
					price TEXT NOT NULL DEFAULT '',
					block_hash TEXT NOT NULL,
					tx_hash TEXT NOT NULL,
					block_time TIMESTAMP NOT NULL,
					PRIMARY KEY (block_number, log_index)
				);

				CREATE INDEX IF NOT EXISTS idx_events_token ON events(contract_address, token_id);
				CREATE INDEX IF NOT EXISTS idx_events_kind ON events(kind);
			`,
		},
		{
			Version:     "002",
			Description: "Create NFT and collection tables",
			SQL: `
				CREATE TABLE IF NOT EXISTS nfts (
					contract_address TEXT NOT NULL,
					token_id TEXT NOT NULL,
					owner_address TEXT NOT NULL DEFAULT '',
					token_uri TEXT NOT NULL DEFAULT '',
					name TEXT NOT NULL DEFAULT '',
					description TEXT NOT NULL DEFAULT '',
					image TEXT NOT NULL DEFAULT '',
					collection_id TEXT,
					metadata_resolved BOOLEAN NOT NULL DEFAULT FALSE,
					created_at_block BIGINT NOT NULL DEFAULT 0,
					PRIMARY KEY (contract_address, token_id)
				);

				CREATE INDEX IF NOT EXISTS idx_nfts_owner ON nfts(owner_address);
				CREATE INDEX IF NOT EXISTS idx_nfts_collection ON nfts(collection_id);
				CREATE INDEX IF NOT EXISTS idx_nfts_unresolved ON nfts(metadata_resolved);

				CREATE TABLE IF NOT EXISTS collections (
					id TEXT PRIMARY KEY,
					name TEXT NOT NULL
				);

				CREATE TABLE IF NOT EXISTS nft_media (
					contract_address TEXT NOT NULL,
					token_id TEXT NOT NULL,
					url TEXT NOT NULL,
					media_type TEXT NOT NULL,
					sort_order INTEGER NOT NULL DEFAULT 0,
					PRIMARY KEY (contract_address, token_id, url)
				);
			`,
		},
		{
			Version:     "003",
			Description: "Create listing and offer tables",
			SQL: `
				CREATE TABLE IF NOT EXISTS listings (
					contract_address TEXT NOT NULL,
					token_id TEXT NOT NULL,
					seller_address TEXT NOT NULL,
					created_at_block BIGINT NOT NULL,
					price TEXT NOT NULL,
					active BOOLEAN NOT NULL DEFAULT TRUE,
					deactivated_at_block BIGINT,
					PRIMARY KEY (contract_address, token_id, seller_address, created_at_block)
				);

				CREATE INDEX IF NOT EXISTS idx_listings_token_active ON listings(contract_address, token_id, active);
				CREATE INDEX IF NOT EXISTS idx_listings_seller ON listings(seller_address);

				CREATE TABLE IF NOT EXISTS offers (
					contract_address TEXT NOT NULL,
					token_id TEXT NOT NULL,
					offerer_address TEXT NOT NULL,
					created_at_block BIGINT NOT NULL,
					price TEXT NOT NULL,
					active BOOLEAN NOT NULL DEFAULT TRUE,
					deactivated_at_block BIGINT,
					PRIMARY KEY (contract_address, token_id, offerer_address, created_at_block)
				);

				CREATE INDEX IF NOT EXISTS idx_offers_token_active ON offers(contract_address, token_id, active);
				CREATE INDEX IF NOT EXISTS idx_offers_offerer ON offers(offerer_address);
			`,
		},
		{
			Version:     "004",
			Description: "Create history and price point tables",
			SQL: `
				CREATE TABLE IF NOT EXISTS history (
					block_number BIGINT NOT NULL,
					log_index INTEGER NOT NULL,
					contract_address TEXT NOT NULL,
					token_id TEXT NOT NULL,
					type TEXT NOT NULL,
					price TEXT NOT NULL DEFAULT '',
					from_address TEXT NOT NULL DEFAULT '',
					to_address TEXT NOT NULL DEFAULT '',
					tx_hash TEXT NOT NULL,
					created_at TIMESTAMP NOT NULL,
					PRIMARY KEY (block_number, log_index)
				);

				CREATE INDEX IF NOT EXISTS idx_history_token ON history(contract_address, token_id);

				CREATE TABLE IF NOT EXISTS price_points (
					block_number BIGINT NOT NULL,
					log_index INTEGER NOT NULL,
					contract_address TEXT NOT NULL,
					token_id TEXT NOT NULL,
					price TEXT NOT NULL,
					created_at TIMESTAMP NOT NULL,
					PRIMARY KEY (block_number, log_index)
				);

				CREATE INDEX IF NOT EXISTS idx_price_points_token ON price_points(contract_address, token_id);
			`,
		},
		{
			Version:     "005",
			Description: "Create user, cursor and header tables",
			SQL: `
				CREATE TABLE IF NOT EXISTS users (
					address TEXT PRIMARY KEY,
					first_seen_at TIMESTAMP NOT NULL
				);

				CREATE TABLE IF NOT EXISTS ingest_cursor (
					id INTEGER PRIMARY KEY CHECK (id = 1),
					block_number BIGINT NOT NULL,
					block_hash TEXT NOT NULL,
					updated_at TIMESTAMP NOT NULL
				);

				CREATE TABLE IF NOT EXISTS block_headers (
					number BIGINT PRIMARY KEY,
					hash TEXT NOT NULL,
					parent_hash TEXT NOT NULL
				);
			`,
		},
	}
}
