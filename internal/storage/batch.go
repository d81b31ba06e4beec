package storage

import (
	"context"
	"database/sql"
	"time"

	"github.com/openmarket/nft-indexer/internal/models"
	"github.com/openmarket/nft-indexer/pkg/utils"
)

// sqlBatch is a projection transaction. Every mutation for one
// ingestion batch goes through a single sqlBatch so the event log,
// derived tables and watermark commit atomically.
type sqlBatch struct {
	tx    *sql.Tx
	store *sqlStore
	ctx   context.Context
}

func (b *sqlBatch) exec(query string, args ...interface{}) (sql.Result, error) {
	return b.tx.ExecContext(b.ctx, b.store.rebind(query), args...)
}

// InsertEvent appends to the event log. Returns false when the event
// was already applied in an earlier committed batch, in which case the
// caller must skip its state transitions.
func (b *sqlBatch) InsertEvent(ev *models.Event) (bool, error) {
	res, err := b.exec(`
		INSERT INTO events (block_number, log_index, kind, contract_address, token_id,
			seller, buyer, offerer, from_address, to_address, price,
			block_hash, tx_hash, block_time)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (block_number, log_index) DO NOTHING
	`, ev.BlockNumber, ev.LogIndex, string(ev.Kind), ev.ContractAddress, ev.TokenID,
		ev.Seller, ev.Buyer, ev.Offerer, ev.From, ev.To, ev.Price,
		ev.BlockHash, ev.TxHash, ev.BlockTime)
	if err != nil {
		return false, utils.NewAppError(utils.ErrCodeDatabase, "Failed to insert event", err.Error())
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, utils.NewAppError(utils.ErrCodeDatabase, "Failed to read insert result", err.Error())
	}
	return n > 0, nil
}

// UpsertNFT records a token with its owner. An empty token URI never
// overwrites a known one, so replays after a tokenURI call keep it.
func (b *sqlBatch) UpsertNFT(contractAddress, tokenID, ownerAddress, tokenURI string, block uint64) error {
	_, err := b.exec(`
		INSERT INTO nfts (contract_address, token_id, owner_address, token_uri, created_at_block)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (contract_address, token_id) DO UPDATE SET
			owner_address = excluded.owner_address,
			token_uri = CASE WHEN excluded.token_uri != '' THEN excluded.token_uri ELSE nfts.token_uri END
	`, contractAddress, tokenID, ownerAddress, tokenURI, block)
	if err != nil {
		return utils.NewAppError(utils.ErrCodeDatabase, "Failed to upsert NFT", err.Error())
	}
	return nil
}

// EnsureNFT creates a placeholder row when a marketplace event arrives
// before the token's mint has been observed
func (b *sqlBatch) EnsureNFT(contractAddress, tokenID string, block uint64) error {
	_, err := b.exec(`
		INSERT INTO nfts (contract_address, token_id, created_at_block)
		VALUES (?, ?, ?)
		ON CONFLICT (contract_address, token_id) DO NOTHING
	`, contractAddress, tokenID, block)
	if err != nil {
		return utils.NewAppError(utils.ErrCodeDatabase, "Failed to ensure NFT", err.Error())
	}
	return nil
}

func (b *sqlBatch) SetNFTOwner(contractAddress, tokenID, ownerAddress string) error {
	_, err := b.exec(`
		UPDATE nfts SET owner_address = ?
		WHERE contract_address = ? AND token_id = ?
	`, ownerAddress, contractAddress, tokenID)
	if err != nil {
		return utils.NewAppError(utils.ErrCodeDatabase, "Failed to set NFT owner", err.Error())
	}
	return nil
}

func (b *sqlBatch) InsertHistory(h *models.HistoryEvent) error {
	_, err := b.exec(`
		INSERT INTO history (block_number, log_index, contract_address, token_id,
			type, price, from_address, to_address, tx_hash, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (block_number, log_index) DO NOTHING
	`, h.BlockNumber, h.LogIndex, h.ContractAddress, h.TokenID,
		string(h.Type), h.Price, h.FromAddress, h.ToAddress, h.TxHash, h.CreatedAt)
	if err != nil {
		return utils.NewAppError(utils.ErrCodeDatabase, "Failed to insert history", err.Error())
	}
	return nil
}

// ReplaceTransferWithSale drops the bare TRANSFER row that the ERC-721
// Transfer of a marketplace purchase produced in the same transaction,
// leaving the SALE row as the single provenance entry.
func (b *sqlBatch) ReplaceTransferWithSale(contractAddress, tokenID, txHash string) error {
	_, err := b.exec(`
		DELETE FROM history
		WHERE contract_address = ? AND token_id = ? AND tx_hash = ? AND type = ?
	`, contractAddress, tokenID, txHash, string(models.HistoryTransfer))
	if err != nil {
		return utils.NewAppError(utils.ErrCodeDatabase, "Failed to replace transfer history", err.Error())
	}
	return nil
}

func (b *sqlBatch) InsertPricePoint(contractAddress, tokenID string, p *models.PricePoint) error {
	_, err := b.exec(`
		INSERT INTO price_points (block_number, log_index, contract_address, token_id, price, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (block_number, log_index) DO NOTHING
	`, p.BlockNumber, p.LogIndex, contractAddress, tokenID, p.Price, p.CreatedAt)
	if err != nil {
		return utils.NewAppError(utils.ErrCodeDatabase, "Failed to insert price point", err.Error())
	}
	return nil
}

func (b *sqlBatch) UpsertListing(l *models.Listing) error {
	_, err := b.exec(`
		INSERT INTO listings (contract_address, token_id, seller_address, created_at_block,
			price, active, deactivated_at_block)
		VALUES (?, ?, ?, ?, ?, TRUE, NULL)
		ON CONFLICT (contract_address, token_id, seller_address, created_at_block) DO UPDATE SET
			price = excluded.price, active = TRUE, deactivated_at_block = NULL
	`, l.ContractAddress, l.TokenID, l.SellerAddress, l.CreatedAtBlock, l.Price)
	if err != nil {
		return utils.NewAppError(utils.ErrCodeDatabase, "Failed to upsert listing", err.Error())
	}
	return nil
}

// DeactivateListings retires every active listing of a token, used when
// it is listed again, cancelled, sold or transferred
func (b *sqlBatch) DeactivateListings(contractAddress, tokenID string, atBlock uint64) error {
	_, err := b.exec(`
		UPDATE listings SET active = FALSE, deactivated_at_block = ?
		WHERE contract_address = ? AND token_id = ? AND active = TRUE
	`, atBlock, contractAddress, tokenID)
	if err != nil {
		return utils.NewAppError(utils.ErrCodeDatabase, "Failed to deactivate listings", err.Error())
	}
	return nil
}

func (b *sqlBatch) UpsertOffer(o *models.Offer) error {
	_, err := b.exec(`
		INSERT INTO offers (contract_address, token_id, offerer_address, created_at_block,
			price, active, deactivated_at_block)
		VALUES (?, ?, ?, ?, ?, TRUE, NULL)
		ON CONFLICT (contract_address, token_id, offerer_address, created_at_block) DO UPDATE SET
			price = excluded.price, active = TRUE, deactivated_at_block = NULL
	`, o.ContractAddress, o.TokenID, o.OffererAddress, o.CreatedAtBlock, o.Price)
	if err != nil {
		return utils.NewAppError(utils.ErrCodeDatabase, "Failed to upsert offer", err.Error())
	}
	return nil
}

func (b *sqlBatch) DeactivateOffer(contractAddress, tokenID, offererAddress string, atBlock uint64) error {
	_, err := b.exec(`
		UPDATE offers SET active = FALSE, deactivated_at_block = ?
		WHERE contract_address = ? AND token_id = ? AND offerer_address = ? AND active = TRUE
	`, atBlock, contractAddress, tokenID, offererAddress)
	if err != nil {
		return utils.NewAppError(utils.ErrCodeDatabase, "Failed to deactivate offer", err.Error())
	}
	return nil
}

func (b *sqlBatch) EnsureUser(address string, seenAt time.Time) error {
	_, err := b.exec(`
		INSERT INTO users (address, first_seen_at) VALUES (?, ?)
		ON CONFLICT (address) DO NOTHING
	`, utils.NormalizeAddress(address), seenAt)
	if err != nil {
		return utils.NewAppError(utils.ErrCodeDatabase, "Failed to ensure user", err.Error())
	}
	return nil
}

func (b *sqlBatch) SaveBlockHeader(h *models.BlockHeader) error {
	_, err := b.exec(`
		INSERT INTO block_headers (number, hash, parent_hash) VALUES (?, ?, ?)
		ON CONFLICT (number) DO UPDATE SET hash = excluded.hash, parent_hash = excluded.parent_hash
	`, h.Number, h.Hash, h.ParentHash)
	if err != nil {
		return utils.NewAppError(utils.ErrCodeDatabase, "Failed to save block header", err.Error())
	}
	return nil
}

// PruneBlockHeaders keeps only the newest headers needed for reorg
// detection
func (b *sqlBatch) PruneBlockHeaders(keep int) error {
	_, err := b.exec(`
		DELETE FROM block_headers
		WHERE number <= (SELECT COALESCE(MAX(number), 0) FROM block_headers) - ?
	`, keep)
	if err != nil {
		return utils.NewAppError(utils.ErrCodeDatabase, "Failed to prune block headers", err.Error())
	}
	return nil
}

func (b *sqlBatch) SetCursor(c *models.Cursor) error {
	updatedAt := c.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = time.Now().UTC()
	}
	_, err := b.exec(`
		INSERT INTO ingest_cursor (id, block_number, block_hash, updated_at) VALUES (1, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET block_number = excluded.block_number,
			block_hash = excluded.block_hash, updated_at = excluded.updated_at
	`, c.BlockNumber, c.BlockHash, updatedAt)
	if err != nil {
		return utils.NewAppError(utils.ErrCodeDatabase, "Failed to set cursor", err.Error())
	}
	return nil
}

// RollbackToBlock discards log entries and headers above the given
// block and resets the watermark to it. Returns the number of events
// removed.
func (b *sqlBatch) RollbackToBlock(blockNumber uint64, blockHash string) (int, error) {
	res, err := b.exec("DELETE FROM events WHERE block_number > ?", blockNumber)
	if err != nil {
		return 0, utils.NewAppError(utils.ErrCodeDatabase, "Failed to delete events", err.Error())
	}
	removed, _ := res.RowsAffected()

	if _, err := b.exec("DELETE FROM block_headers WHERE number > ?", blockNumber); err != nil {
		return 0, utils.NewAppError(utils.ErrCodeDatabase, "Failed to delete headers", err.Error())
	}

	if err := b.SetCursor(&models.Cursor{BlockNumber: blockNumber, BlockHash: blockHash}); err != nil {
		return 0, err
	}
	return int(removed), nil
}

// TruncateDerived clears every table rebuilt from the event log. Users
// survive because explicit onboarding rows are not derivable.
func (b *sqlBatch) TruncateDerived() error {
	for _, table := range []string{"nft_media", "nfts", "collections", "listings", "offers", "history", "price_points"} {
		if _, err := b.exec("DELETE FROM " + table); err != nil {
			return utils.NewAppError(utils.ErrCodeDatabase, "Failed to truncate "+table, err.Error())
		}
	}
	return nil
}

// ReplayEvents feeds the event log through fn in canonical order. The
// log is read into memory before fn runs, so fn can write through this
// transaction and a preceding RollbackToBlock is reflected in what gets
// replayed.
func (b *sqlBatch) ReplayEvents(fn func(*models.Event) error) error {
	rows, err := b.tx.QueryContext(b.ctx, `
		SELECT block_number, log_index, kind, contract_address, token_id,
		       seller, buyer, offerer, from_address, to_address, price,
		       block_hash, tx_hash, block_time
		FROM events
		ORDER BY block_number ASC, log_index ASC
	`)
	if err != nil {
		return utils.NewAppError(utils.ErrCodeDatabase, "Failed to query event log", err.Error())
	}

	var events []*models.Event
	for rows.Next() {
		var ev models.Event
		if err := rows.Scan(&ev.BlockNumber, &ev.LogIndex, &ev.Kind, &ev.ContractAddress,
			&ev.TokenID, &ev.Seller, &ev.Buyer, &ev.Offerer, &ev.From, &ev.To,
			&ev.Price, &ev.BlockHash, &ev.TxHash, &ev.BlockTime); err != nil {
			rows.Close()
			return utils.NewAppError(utils.ErrCodeDatabase, "Failed to scan event", err.Error())
		}
		events = append(events, &ev)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return utils.NewAppError(utils.ErrCodeDatabase, "Failed to read event log", err.Error())
	}
	rows.Close()

	for _, ev := range events {
		if err := fn(ev); err != nil {
			return err
		}
	}
	return nil
}

func (b *sqlBatch) Commit() error {
	if err := b.tx.Commit(); err != nil {
		return utils.NewAppError(utils.ErrCodeDatabase, "Failed to commit batch", err.Error())
	}
	return nil
}

func (b *sqlBatch) Rollback() error {
	return b.tx.Rollback()
}
