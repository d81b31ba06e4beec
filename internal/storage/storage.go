package storage

import (
	"context"
	"time"

	"github.com/openmarket/nft-indexer/internal/models"
)

// Storage defines persistence for the read model, the decoded event
// log, and the ingestion watermark. All derived-state writes happen
// through a Batch so a projected batch and its watermark commit
// atomically.
type Storage interface {
	// Connection management
	Connect() error
	Close() error
	Ping() error
	Migrate() error

	// Projection writes (single writer: the ingest pipeline)
	BeginBatch(ctx context.Context) (Batch, error)

	// Cursor and header chain
	GetCursor(ctx context.Context) (*models.Cursor, error)
	GetBlockHeaders(ctx context.Context, limit int) ([]*models.BlockHeader, error)

	// Metadata enrichment (resolver; idempotent per tokenURI)
	SetTokenURI(ctx context.Context, contractAddress, tokenID, tokenURI string) error
	ApplyMetadata(ctx context.Context, contractAddress, tokenID string, meta *models.Metadata) error
	NFTsMissingMetadata(ctx context.Context, limit int) ([]*models.NFT, error)

	// Query reads
	UpsertUser(ctx context.Context, address string) (*models.User, error)
	ListCollections(ctx context.Context) ([]*models.Collection, error)
	ListListings(ctx context.Context, filter ListingFilter) ([]*models.Listing, error)
	ListNFTs(ctx context.Context, filter NFTFilter) ([]*models.NFT, error)
	GetNFT(ctx context.Context, contractAddress, tokenID string) (*models.NFT, error)
	GetHistory(ctx context.Context, contractAddress, tokenID string) ([]*models.HistoryEvent, error)
	GetPriceHistory(ctx context.Context, contractAddress, tokenID string) ([]*models.PricePoint, error)
	OffersReceived(ctx context.Context, ownerAddress string) ([]*models.Offer, error)
	OffersMade(ctx context.Context, offererAddress string) ([]*models.Offer, error)

	// Statistics and monitoring
	GetStats(ctx context.Context) (*Stats, error)
	GetHealth() *Health
}

// Batch is one projection transaction: the effects of an ordered group
// of events plus the advanced watermark, committed atomically.
type Batch interface {
	// InsertEvent appends to the event log. Returns false when the
	// (blockNumber, logIndex) pair is already present, which signals the
	// projector to skip the already-applied transition.
	InsertEvent(ev *models.Event) (bool, error)

	UpsertNFT(contractAddress, tokenID, ownerAddress, tokenURI string, block uint64) error
	EnsureNFT(contractAddress, tokenID string, block uint64) error
	SetNFTOwner(contractAddress, tokenID, ownerAddress string) error

	InsertHistory(h *models.HistoryEvent) error
	ReplaceTransferWithSale(contractAddress, tokenID, txHash string) error
	InsertPricePoint(contractAddress, tokenID string, p *models.PricePoint) error

	UpsertListing(l *models.Listing) error
	DeactivateListings(contractAddress, tokenID string, atBlock uint64) error
	UpsertOffer(o *models.Offer) error
	DeactivateOffer(contractAddress, tokenID, offererAddress string, atBlock uint64) error

	EnsureUser(address string, seenAt time.Time) error

	SaveBlockHeader(h *models.BlockHeader) error
	PruneBlockHeaders(keep int) error
	SetCursor(c *models.Cursor) error

	// Reorg rollback and rebuild. These run inside the same transaction
	// as the derived-table writes that follow them, so an interrupted
	// rebuild never commits a partially emptied read model.
	RollbackToBlock(blockNumber uint64, blockHash string) (int, error)
	TruncateDerived() error
	ReplayEvents(fn func(*models.Event) error) error

	Commit() error
	Rollback() error
}

// ListingFilter narrows GET /listings
type ListingFilter struct {
	CollectionID  *string
	SellerAddress *string
	Limit         int
	Offset        int
}

// NFTFilter narrows GET /nfts
type NFTFilter struct {
	OwnerAddress *string
	Limit        int
	Offset       int
}

// Stats provides storage statistics
type Stats struct {
	TotalEvents    int64            `json:"total_events"`
	TotalNFTs      int64            `json:"total_nfts"`
	ActiveListings int64            `json:"active_listings"`
	ActiveOffers   int64            `json:"active_offers"`
	TotalUsers     int64            `json:"total_users"`
	LatestBlock    uint64           `json:"latest_processed_block"`
	EventsByKind   map[string]int64 `json:"events_by_kind"`
}

// Health provides storage health information
type Health struct {
	StorageType string            `json:"storage_type"`
	Healthy     bool              `json:"healthy"`
	Details     map[string]string `json:"details,omitempty"`
	LastPing    time.Time         `json:"last_ping"`
}
