package projector

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/openmarket/nft-indexer/internal/models"
	"github.com/openmarket/nft-indexer/internal/storage"
	"github.com/openmarket/nft-indexer/pkg/utils"
)

// MetadataNotifier receives tokens whose metadata should be resolved.
// Notification happens after the owning batch commits, so the resolver
// always sees the NFT row it is asked to enrich.
type MetadataNotifier interface {
	EnqueueToken(contractAddress, tokenID string)
}

// Projector applies decoded chain events to the read model. It is the
// single writer: every derived table and the ingestion watermark are
// mutated only here, inside one transaction per batch.
type Projector struct {
	storage  storage.Storage
	notifier MetadataNotifier
	logger   *logrus.Logger
}

// New creates a projector. notifier may be nil when metadata
// resolution is disabled (rebuilds rely on the resolver sweep instead).
func New(store storage.Storage, notifier MetadataNotifier) *Projector {
	return &Projector{
		storage:  store,
		notifier: notifier,
		logger:   utils.GetLogger(),
	}
}

// ProjectBatch applies one ordered batch of events together with the
// block headers that produced it and the new watermark. Events already
// present in the log are skipped, so resuming after a crash is a no-op
// for applied (blockNumber, logIndex) pairs.
func (p *Projector) ProjectBatch(ctx context.Context, events []*models.Event, headers []*models.BlockHeader, cursor *models.Cursor, keepHeaders int) error {
	batch, err := p.storage.BeginBatch(ctx)
	if err != nil {
		return err
	}
	defer batch.Rollback()

	var minted []*models.Event

	for _, ev := range events {
		inserted, err := batch.InsertEvent(ev)
		if err != nil {
			return err
		}
		if !inserted {
			p.logger.WithField("event", ev.ID()).Debug("Event already applied, skipping")
			continue
		}
		if err := p.apply(batch, ev); err != nil {
			return utils.NewAppError(utils.ErrCodeProjection,
				fmt.Sprintf("Failed to apply %s event %s", ev.Kind, ev.ID()), err.Error())
		}
		if ev.Kind == models.EventMint {
			minted = append(minted, ev)
		}
	}

	for _, h := range headers {
		if err := batch.SaveBlockHeader(h); err != nil {
			return err
		}
	}
	if keepHeaders > 0 {
		if err := batch.PruneBlockHeaders(keepHeaders); err != nil {
			return err
		}
	}

	if err := batch.SetCursor(cursor); err != nil {
		return err
	}
	if err := batch.Commit(); err != nil {
		return err
	}

	if p.notifier != nil {
		for _, ev := range minted {
			p.notifier.EnqueueToken(ev.ContractAddress, ev.TokenID)
		}
	}

	p.logger.WithFields(logrus.Fields{
		"events": len(events),
		"block":  cursor.BlockNumber,
	}).Info("Batch projected")

	return nil
}

// Rebuild drops the derived tables and replays the whole event log
// through the same transition function, all in one transaction. A
// crash mid-rebuild leaves the previous read model visible. The log
// and the watermark are untouched; metadata re-enrichment is picked
// up by the resolver sweep.
func (p *Projector) Rebuild(ctx context.Context) error {
	p.logger.Info("Rebuilding read model from event log")

	batch, err := p.storage.BeginBatch(ctx)
	if err != nil {
		return err
	}
	defer batch.Rollback()

	count, err := p.rebuild(batch)
	if err != nil {
		return err
	}
	if err := batch.Commit(); err != nil {
		return err
	}

	p.logger.WithField("events", count).Info("Read model rebuilt")
	return nil
}

// RollbackAndRebuild discards the event log and headers above the
// divergence block, resets the watermark to it, and rebuilds the read
// model from the surviving log. The whole operation is one
// transaction: either every trace of the orphaned blocks is gone and
// the read model reflects the trimmed log, or nothing changed.
// Returns the number of events removed.
func (p *Projector) RollbackAndRebuild(ctx context.Context, blockNumber uint64, blockHash string) (int, error) {
	p.logger.WithFields(logrus.Fields{
		"block": blockNumber,
		"hash":  blockHash,
	}).Warn("Rolling back event log and rebuilding read model")

	batch, err := p.storage.BeginBatch(ctx)
	if err != nil {
		return 0, err
	}
	defer batch.Rollback()

	removed, err := batch.RollbackToBlock(blockNumber, blockHash)
	if err != nil {
		return 0, err
	}
	count, err := p.rebuild(batch)
	if err != nil {
		return 0, err
	}
	if err := batch.Commit(); err != nil {
		return 0, err
	}

	p.logger.WithFields(logrus.Fields{
		"removed":  removed,
		"replayed": count,
	}).Info("Read model rebuilt after rollback")
	return removed, nil
}

func (p *Projector) rebuild(batch storage.Batch) (int, error) {
	if err := batch.TruncateDerived(); err != nil {
		return 0, err
	}
	count := 0
	err := batch.ReplayEvents(func(ev *models.Event) error {
		count++
		return p.apply(batch, ev)
	})
	return count, err
}

// apply is the transition function: one deterministic case per event
// kind, dispatched in (blockNumber, logIndex) order.
func (p *Projector) apply(batch storage.Batch, ev *models.Event) error {
	switch ev.Kind {
	case models.EventMint:
		return p.applyMint(batch, ev)
	case models.EventTransfer:
		return p.applyTransfer(batch, ev)
	case models.EventItemListed:
		return p.applyItemListed(batch, ev)
	case models.EventItemCanceled:
		return batch.DeactivateListings(ev.ContractAddress, ev.TokenID, ev.BlockNumber)
	case models.EventItemBought:
		return p.applyItemBought(batch, ev)
	case models.EventOfferCreated:
		return p.applyOfferCreated(batch, ev)
	case models.EventOfferAccepted:
		return p.applyOfferAccepted(batch, ev)
	case models.EventOfferCanceled:
		return batch.DeactivateOffer(ev.ContractAddress, ev.TokenID, ev.Offerer, ev.BlockNumber)
	default:
		return utils.NewAppError(utils.ErrCodeProjection, "Unknown event kind", string(ev.Kind))
	}
}

func (p *Projector) applyMint(batch storage.Batch, ev *models.Event) error {
	if err := batch.UpsertNFT(ev.ContractAddress, ev.TokenID, ev.To, "", ev.BlockNumber); err != nil {
		return err
	}
	if err := batch.EnsureUser(ev.To, ev.BlockTime); err != nil {
		return err
	}
	return batch.InsertHistory(&models.HistoryEvent{
		BlockNumber:     ev.BlockNumber,
		LogIndex:        ev.LogIndex,
		ContractAddress: ev.ContractAddress,
		TokenID:         ev.TokenID,
		Type:            models.HistoryMint,
		FromAddress:     ev.From,
		ToAddress:       ev.To,
		TxHash:          ev.TxHash,
		CreatedAt:       ev.BlockTime,
	})
}

func (p *Projector) applyTransfer(batch storage.Batch, ev *models.Event) error {
	if err := batch.EnsureNFT(ev.ContractAddress, ev.TokenID, ev.BlockNumber); err != nil {
		return err
	}
	if err := batch.SetNFTOwner(ev.ContractAddress, ev.TokenID, ev.To); err != nil {
		return err
	}
	if err := batch.EnsureUser(ev.To, ev.BlockTime); err != nil {
		return err
	}
	return batch.InsertHistory(&models.HistoryEvent{
		BlockNumber:     ev.BlockNumber,
		LogIndex:        ev.LogIndex,
		ContractAddress: ev.ContractAddress,
		TokenID:         ev.TokenID,
		Type:            models.HistoryTransfer,
		FromAddress:     ev.From,
		ToAddress:       ev.To,
		TxHash:          ev.TxHash,
		CreatedAt:       ev.BlockTime,
	})
}

func (p *Projector) applyItemListed(batch storage.Batch, ev *models.Event) error {
	if err := batch.EnsureNFT(ev.ContractAddress, ev.TokenID, ev.BlockNumber); err != nil {
		return err
	}
	if err := batch.EnsureUser(ev.Seller, ev.BlockTime); err != nil {
		return err
	}
	// A re-list supersedes any listing still active for the token
	if err := batch.DeactivateListings(ev.ContractAddress, ev.TokenID, ev.BlockNumber); err != nil {
		return err
	}
	return batch.UpsertListing(&models.Listing{
		ContractAddress: ev.ContractAddress,
		TokenID:         ev.TokenID,
		SellerAddress:   ev.Seller,
		CreatedAtBlock:  ev.BlockNumber,
		Price:           ev.Price,
	})
}

func (p *Projector) applyItemBought(batch storage.Batch, ev *models.Event) error {
	if err := batch.EnsureNFT(ev.ContractAddress, ev.TokenID, ev.BlockNumber); err != nil {
		return err
	}
	if err := batch.DeactivateListings(ev.ContractAddress, ev.TokenID, ev.BlockNumber); err != nil {
		return err
	}
	if err := batch.SetNFTOwner(ev.ContractAddress, ev.TokenID, ev.Buyer); err != nil {
		return err
	}
	if err := batch.EnsureUser(ev.Buyer, ev.BlockTime); err != nil {
		return err
	}
	// The purchase also emits an ERC-721 Transfer in the same tx; keep
	// the SALE row as the single provenance entry.
	if err := batch.ReplaceTransferWithSale(ev.ContractAddress, ev.TokenID, ev.TxHash); err != nil {
		return err
	}
	if err := batch.InsertHistory(&models.HistoryEvent{
		BlockNumber:     ev.BlockNumber,
		LogIndex:        ev.LogIndex,
		ContractAddress: ev.ContractAddress,
		TokenID:         ev.TokenID,
		Type:            models.HistorySale,
		Price:           ev.Price,
		FromAddress:     ev.Seller,
		ToAddress:       ev.Buyer,
		TxHash:          ev.TxHash,
		CreatedAt:       ev.BlockTime,
	}); err != nil {
		return err
	}
	return batch.InsertPricePoint(ev.ContractAddress, ev.TokenID, &models.PricePoint{
		BlockNumber: ev.BlockNumber,
		LogIndex:    ev.LogIndex,
		Price:       ev.Price,
		CreatedAt:   ev.BlockTime,
	})
}

func (p *Projector) applyOfferCreated(batch storage.Batch, ev *models.Event) error {
	if err := batch.EnsureNFT(ev.ContractAddress, ev.TokenID, ev.BlockNumber); err != nil {
		return err
	}
	if err := batch.EnsureUser(ev.Offerer, ev.BlockTime); err != nil {
		return err
	}
	return batch.UpsertOffer(&models.Offer{
		ContractAddress: ev.ContractAddress,
		TokenID:         ev.TokenID,
		OffererAddress:  ev.Offerer,
		CreatedAtBlock:  ev.BlockNumber,
		Price:           ev.Price,
	})
}

func (p *Projector) applyOfferAccepted(batch storage.Batch, ev *models.Event) error {
	if err := batch.EnsureNFT(ev.ContractAddress, ev.TokenID, ev.BlockNumber); err != nil {
		return err
	}
	if err := batch.DeactivateOffer(ev.ContractAddress, ev.TokenID, ev.Offerer, ev.BlockNumber); err != nil {
		return err
	}
	// Acceptance supersedes a sale listing still open for the token
	if err := batch.DeactivateListings(ev.ContractAddress, ev.TokenID, ev.BlockNumber); err != nil {
		return err
	}
	if err := batch.SetNFTOwner(ev.ContractAddress, ev.TokenID, ev.Offerer); err != nil {
		return err
	}
	if err := batch.EnsureUser(ev.Offerer, ev.BlockTime); err != nil {
		return err
	}
	if err := batch.ReplaceTransferWithSale(ev.ContractAddress, ev.TokenID, ev.TxHash); err != nil {
		return err
	}
	if err := batch.InsertHistory(&models.HistoryEvent{
		BlockNumber:     ev.BlockNumber,
		LogIndex:        ev.LogIndex,
		ContractAddress: ev.ContractAddress,
		TokenID:         ev.TokenID,
		Type:            models.HistorySale,
		Price:           ev.Price,
		FromAddress:     ev.Seller,
		ToAddress:       ev.Offerer,
		TxHash:          ev.TxHash,
		CreatedAt:       ev.BlockTime,
	}); err != nil {
		return err
	}
	return batch.InsertPricePoint(ev.ContractAddress, ev.TokenID, &models.PricePoint{
		BlockNumber: ev.BlockNumber,
		LogIndex:    ev.LogIndex,
		Price:       ev.Price,
		CreatedAt:   ev.BlockTime,
	})
}
