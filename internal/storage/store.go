package storage

import (
	"context"
	"database/sql"
	"fmt"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/openmarket/nft-indexer/internal/config"
	"github.com/openmarket/nft-indexer/internal/models"
	"github.com/openmarket/nft-indexer/pkg/utils"
)

// sqlStore is the shared database/sql implementation behind the SQLite
// and PostgreSQL backends. Statements are written with ? placeholders
// and rebound per dialect.
type sqlStore struct {
	db      *sql.DB
	config  *config.StorageConfig
	logger  *logrus.Logger
	dialect string // "sqlite" or "postgres"
}

// rebind converts ? placeholders to the dialect's form
func (s *sqlStore) rebind(query string) string {
	if s.dialect != "postgres" {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			fmt.Fprintf(&b, "$%d", n)
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (s *sqlStore) exec(ctx context.Context, query string, args ...interface{}) (sql.Result, error) {
	return s.db.ExecContext(ctx, s.rebind(query), args...)
}

func (s *sqlStore) query(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error) {
	return s.db.QueryContext(ctx, s.rebind(query), args...)
}

func (s *sqlStore) queryRow(ctx context.Context, query string, args ...interface{}) *sql.Row {
	return s.db.QueryRowContext(ctx, s.rebind(query), args...)
}

// Close closes the database connection
func (s *sqlStore) Close() error {
	if s.db != nil {
		err := s.db.Close()
		s.db = nil
		s.logger.Info("Database connection closed")
		return err
	}
	return nil
}

// Ping checks database connectivity
func (s *sqlStore) Ping() error {
	if s.db == nil {
		return utils.NewAppError(utils.ErrCodeDatabase, "Database not connected", "")
	}
	return s.db.Ping()
}

// Migrate runs database migrations
func (s *sqlStore) Migrate() error {
	if s.db == nil {
		return utils.NewAppError(utils.ErrCodeDatabase, "Database not connected", "")
	}

	s.logger.Info("Starting database migrations")

	for _, migration := range GetMigrations() {
		s.logger.WithFields(logrus.Fields{
			"version":     migration.Version,
			"description": migration.Description,
		}).Debug("Applying migration")

		if _, err := s.db.Exec(migration.SQL); err != nil {
			return utils.NewAppError(utils.ErrCodeDatabase,
				fmt.Sprintf("Migration %s failed", migration.Version),
				err.Error())
		}
	}

	s.logger.Info("Database migrations completed")
	return nil
}

// BeginBatch opens one projection transaction
func (s *sqlStore) BeginBatch(ctx context.Context) (Batch, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, utils.NewAppError(utils.ErrCodeDatabase, "Failed to begin batch", err.Error())
	}
	return &sqlBatch{tx: tx, store: s, ctx: ctx}, nil
}

// GetCursor returns the watermark, or nil before first projection
func (s *sqlStore) GetCursor(ctx context.Context) (*models.Cursor, error) {
	var c models.Cursor
	err := s.queryRow(ctx, "SELECT block_number, block_hash, updated_at FROM ingest_cursor WHERE id = 1").
		Scan(&c.BlockNumber, &c.BlockHash, &c.UpdatedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, utils.NewAppError(utils.ErrCodeDatabase, "Failed to get cursor", err.Error())
	}
	return &c, nil
}

// GetBlockHeaders returns the most recent confirmed headers, newest first
func (s *sqlStore) GetBlockHeaders(ctx context.Context, limit int) ([]*models.BlockHeader, error) {
	rows, err := s.query(ctx, "SELECT number, hash, parent_hash FROM block_headers ORDER BY number DESC LIMIT ?", limit)
	if err != nil {
		return nil, utils.NewAppError(utils.ErrCodeDatabase, "Failed to query headers", err.Error())
	}
	defer rows.Close()

	var headers []*models.BlockHeader
	for rows.Next() {
		var h models.BlockHeader
		if err := rows.Scan(&h.Number, &h.Hash, &h.ParentHash); err != nil {
			return nil, utils.NewAppError(utils.ErrCodeDatabase, "Failed to scan header", err.Error())
		}
		headers = append(headers, &h)
	}
	return headers, rows.Err()
}

// ApplyMetadata persists resolved token metadata in one transaction
func (s *sqlStore) ApplyMetadata(ctx context.Context, contractAddress, tokenID string, meta *models.Metadata) error {
	contractAddress = utils.NormalizeAddress(contractAddress)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return utils.NewAppError(utils.ErrCodeDatabase, "Failed to begin metadata tx", err.Error())
	}
	defer tx.Rollback()

	var collectionID interface{}
	if meta.Collection != "" {
		slug := utils.CollectionSlug(meta.Collection)
		if _, err := tx.ExecContext(ctx, s.rebind(`
			INSERT INTO collections (id, name) VALUES (?, ?)
			ON CONFLICT (id) DO NOTHING
		`), slug, meta.Collection); err != nil {
			return utils.NewAppError(utils.ErrCodeDatabase, "Failed to upsert collection", err.Error())
		}
		collectionID = slug
	}

	res, err := tx.ExecContext(ctx, s.rebind(`
		UPDATE nfts SET name = ?, description = ?, image = ?, collection_id = ?, metadata_resolved = TRUE
		WHERE contract_address = ? AND token_id = ?
	`), meta.Name, meta.Description, meta.Image, collectionID, contractAddress, tokenID)
	if err != nil {
		return utils.NewAppError(utils.ErrCodeDatabase, "Failed to update NFT metadata", err.Error())
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return utils.NewAppError(utils.ErrCodeNotFound, "NFT not found", utils.TokenKey(contractAddress, tokenID))
	}

	if _, err := tx.ExecContext(ctx, s.rebind(
		"DELETE FROM nft_media WHERE contract_address = ? AND token_id = ?",
	), contractAddress, tokenID); err != nil {
		return utils.NewAppError(utils.ErrCodeDatabase, "Failed to clear media", err.Error())
	}

	for i, m := range meta.Media {
		if _, err := tx.ExecContext(ctx, s.rebind(`
			INSERT INTO nft_media (contract_address, token_id, url, media_type, sort_order)
			VALUES (?, ?, ?, ?, ?)
			ON CONFLICT (contract_address, token_id, url) DO NOTHING
		`), contractAddress, tokenID, m.URL, string(m.Type), i); err != nil {
			return utils.NewAppError(utils.ErrCodeDatabase, "Failed to insert media", err.Error())
		}
	}

	if err := tx.Commit(); err != nil {
		return utils.NewAppError(utils.ErrCodeDatabase, "Failed to commit metadata", err.Error())
	}
	return nil
}

// SetTokenURI records the URI returned by the contract's tokenURI call
func (s *sqlStore) SetTokenURI(ctx context.Context, contractAddress, tokenID, tokenURI string) error {
	_, err := s.exec(ctx, `
		UPDATE nfts SET token_uri = ?
		WHERE contract_address = ? AND token_id = ?
	`, tokenURI, utils.NormalizeAddress(contractAddress), tokenID)
	if err != nil {
		return utils.NewAppError(utils.ErrCodeDatabase, "Failed to set token URI", err.Error())
	}
	return nil
}

// NFTsMissingMetadata lists tokens without resolved metadata. A token
// may still lack its URI here; the resolver fetches it on chain.
func (s *sqlStore) NFTsMissingMetadata(ctx context.Context, limit int) ([]*models.NFT, error) {
	rows, err := s.query(ctx, `
		SELECT contract_address, token_id, owner_address, token_uri, created_at_block
		FROM nfts
		WHERE metadata_resolved = FALSE
		ORDER BY created_at_block ASC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, utils.NewAppError(utils.ErrCodeDatabase, "Failed to query unresolved NFTs", err.Error())
	}
	defer rows.Close()

	var nfts []*models.NFT
	for rows.Next() {
		var n models.NFT
		if err := rows.Scan(&n.ContractAddress, &n.TokenID, &n.OwnerAddress, &n.TokenURI, &n.CreatedAtBlock); err != nil {
			return nil, utils.NewAppError(utils.ErrCodeDatabase, "Failed to scan NFT", err.Error())
		}
		n.ID = utils.TokenKey(n.ContractAddress, n.TokenID)
		nfts = append(nfts, &n)
	}
	return nfts, rows.Err()
}

// GetStats returns storage statistics
func (s *sqlStore) GetStats(ctx context.Context) (*Stats, error) {
	stats := &Stats{EventsByKind: map[string]int64{}}

	counts := []struct {
		query string
		dest  *int64
	}{
		{"SELECT COUNT(*) FROM events", &stats.TotalEvents},
		{"SELECT COUNT(*) FROM nfts", &stats.TotalNFTs},
		{"SELECT COUNT(*) FROM listings WHERE active = TRUE", &stats.ActiveListings},
		{"SELECT COUNT(*) FROM offers WHERE active = TRUE", &stats.ActiveOffers},
		{"SELECT COUNT(*) FROM users", &stats.TotalUsers},
	}
	for _, c := range counts {
		if err := s.queryRow(ctx, c.query).Scan(c.dest); err != nil {
			return nil, utils.NewAppError(utils.ErrCodeDatabase, "Failed to count", err.Error())
		}
	}

	rows, err := s.query(ctx, "SELECT kind, COUNT(*) FROM events GROUP BY kind")
	if err != nil {
		return nil, utils.NewAppError(utils.ErrCodeDatabase, "Failed to count events by kind", err.Error())
	}
	defer rows.Close()
	for rows.Next() {
		var kind string
		var count int64
		if err := rows.Scan(&kind, &count); err != nil {
			return nil, utils.NewAppError(utils.ErrCodeDatabase, "Failed to scan event count", err.Error())
		}
		stats.EventsByKind[kind] = count
	}

	if cursor, err := s.GetCursor(ctx); err == nil && cursor != nil {
		stats.LatestBlock = cursor.BlockNumber
	}

	return stats, nil
}

// GetHealth reports storage health
func (s *sqlStore) GetHealth() *Health {
	return &Health{
		StorageType: s.dialect,
		Healthy:     s.Ping() == nil,
		Details:     map[string]string{"connection_string": redactConnectionString(s.config.ConnectionString)},
		LastPing:    time.Now(),
	}
}

var dsnPassword = regexp.MustCompile(`password=\S+`)

// redactConnectionString masks credentials so the health endpoints can
// echo where the store points without leaking secrets
func redactConnectionString(cs string) string {
	if u, err := url.Parse(cs); err == nil && u.User != nil {
		if _, ok := u.User.Password(); ok {
			u.User = url.UserPassword(u.User.Username(), "xxxxx")
		}
		return u.String()
	}
	return dsnPassword.ReplaceAllString(cs, "password=xxxxx")
}
