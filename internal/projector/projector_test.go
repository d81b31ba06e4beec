package projector

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openmarket/nft-indexer/internal/config"
	"github.com/openmarket/nft-indexer/internal/models"
	"github.com/openmarket/nft-indexer/internal/storage"
	"github.com/openmarket/nft-indexer/pkg/utils"
)

const (
	contract = "0x4444444444444444444444444444444444444444"
	minter   = "0xaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa"
	buyer    = "0xbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb"
	offerer  = "0xcccccccccccccccccccccccccccccccccccccccc"
)

func TestMain(m *testing.M) {
	utils.InitLogger("error", "text", "stdout", "")
	os.Exit(m.Run())
}

func newTestStore(t *testing.T) storage.Storage {
	t.Helper()

	store := storage.NewSQLiteStorage(&config.StorageConfig{
		Type:             "sqlite",
		ConnectionString: filepath.Join(t.TempDir(), "test.db"),
		MaxConnections:   4,
		MaxIdleTime:      time.Minute,
	})
	require.NoError(t, store.Connect())
	require.NoError(t, store.Migrate())
	t.Cleanup(func() { store.Close() })
	return store
}

type recordingNotifier struct {
	tokens []string
}

func (n *recordingNotifier) EnqueueToken(contractAddress, tokenID string) {
	n.tokens = append(n.tokens, utils.TokenKey(contractAddress, tokenID))
}

func blockTime(block uint64) time.Time {
	return time.Unix(1700000000+int64(block)*12, 0).UTC()
}

func event(kind models.EventKind, block uint64, logIndex uint) *models.Event {
	return &models.Event{
		Kind:            kind,
		ContractAddress: contract,
		TokenID:         "1",
		BlockNumber:     block,
		BlockHash:       "0xblock",
		TxHash:          "0xtx",
		LogIndex:        logIndex,
		BlockTime:       blockTime(block),
	}
}

func mint(block uint64, logIndex uint, to string) *models.Event {
	ev := event(models.EventMint, block, logIndex)
	ev.From = "0x0000000000000000000000000000000000000000"
	ev.To = to
	return ev
}

func transfer(block uint64, logIndex uint, from, to, txHash string) *models.Event {
	ev := event(models.EventTransfer, block, logIndex)
	ev.From = from
	ev.To = to
	ev.TxHash = txHash
	return ev
}

func listed(block uint64, logIndex uint, seller, price string) *models.Event {
	ev := event(models.EventItemListed, block, logIndex)
	ev.Seller = seller
	ev.Price = price
	return ev
}

func bought(block uint64, logIndex uint, buyerAddr, price, txHash string) *models.Event {
	ev := event(models.EventItemBought, block, logIndex)
	ev.Buyer = buyerAddr
	ev.Price = price
	ev.TxHash = txHash
	return ev
}

func project(t *testing.T, p *Projector, events ...*models.Event) {
	t.Helper()
	last := events[len(events)-1]
	cursor := &models.Cursor{BlockNumber: last.BlockNumber, BlockHash: last.BlockHash}
	require.NoError(t, p.ProjectBatch(context.Background(), events, nil, cursor, 0))
}

func TestMintListBuy(t *testing.T) {
	store := newTestStore(t)
	p := New(store, nil)
	ctx := context.Background()

	project(t, p,
		mint(10, 0, minter),
		listed(11, 0, minter, "100"),
		transfer(12, 0, minter, buyer, "0xsale"),
		bought(12, 1, buyer, "100", "0xsale"),
	)

	nft, err := store.GetNFT(ctx, contract, "1")
	require.NoError(t, err)
	require.NotNil(t, nft)
	assert.Equal(t, buyer, nft.OwnerAddress)

	require.Len(t, nft.Listings, 1)
	assert.False(t, nft.Listings[0].Active)
	require.NotNil(t, nft.Listings[0].DeactivatedAtBlock)
	assert.Equal(t, uint64(12), *nft.Listings[0].DeactivatedAtBlock)

	active, err := store.ListListings(ctx, storage.ListingFilter{Limit: 10})
	require.NoError(t, err)
	assert.Empty(t, active)

	// The same-tx Transfer collapses into the SALE entry.
	history, err := store.GetHistory(ctx, contract, "1")
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, models.HistoryMint, history[0].Type)
	assert.Equal(t, models.HistorySale, history[1].Type)
	assert.Equal(t, "100", history[1].Price)
	assert.Equal(t, minter, history[1].FromAddress)
	assert.Equal(t, buyer, history[1].ToAddress)

	prices, err := store.GetPriceHistory(ctx, contract, "1")
	require.NoError(t, err)
	require.Len(t, prices, 1)
	assert.Equal(t, "100", prices[0].Price)

	cursor, err := store.GetCursor(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(12), cursor.BlockNumber)
}

func TestRelistSupersedes(t *testing.T) {
	store := newTestStore(t)
	p := New(store, nil)
	ctx := context.Background()

	project(t, p,
		mint(10, 0, minter),
		listed(11, 0, minter, "100"),
		listed(12, 0, minter, "80"),
	)

	active, err := store.ListListings(ctx, storage.ListingFilter{Limit: 10})
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, "80", active[0].Price)
	assert.Equal(t, uint64(12), active[0].CreatedAtBlock)

	nft, err := store.GetNFT(ctx, contract, "1")
	require.NoError(t, err)
	assert.Len(t, nft.Listings, 2)
}

func TestOfferCreateAndCancel(t *testing.T) {
	store := newTestStore(t)
	p := New(store, nil)
	ctx := context.Background()

	created := event(models.EventOfferCreated, 11, 0)
	created.Offerer = offerer
	created.Price = "50"
	canceled := event(models.EventOfferCanceled, 12, 0)
	canceled.Offerer = offerer

	project(t, p, mint(10, 0, minter), created, canceled)

	offers, err := store.OffersMade(ctx, offerer)
	require.NoError(t, err)
	assert.Empty(t, offers)

	// Offers leave no provenance.
	history, err := store.GetHistory(ctx, contract, "1")
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, models.HistoryMint, history[0].Type)
}

func TestOfferAccepted(t *testing.T) {
	store := newTestStore(t)
	p := New(store, nil)
	ctx := context.Background()

	created := event(models.EventOfferCreated, 11, 0)
	created.Offerer = offerer
	created.Price = "50"
	accepted := event(models.EventOfferAccepted, 13, 0)
	accepted.Seller = minter
	accepted.Offerer = offerer
	accepted.Price = "50"
	accepted.TxHash = "0xaccept"

	project(t, p,
		mint(10, 0, minter),
		created,
		listed(12, 0, minter, "100"),
		transfer(13, 1, minter, offerer, "0xaccept"),
		accepted,
	)

	nft, err := store.GetNFT(ctx, contract, "1")
	require.NoError(t, err)
	assert.Equal(t, offerer, nft.OwnerAddress)

	offers, err := store.OffersMade(ctx, offerer)
	require.NoError(t, err)
	assert.Empty(t, offers)

	// Acceptance also retires the open listing.
	active, err := store.ListListings(ctx, storage.ListingFilter{Limit: 10})
	require.NoError(t, err)
	assert.Empty(t, active)

	history, err := store.GetHistory(ctx, contract, "1")
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, models.HistorySale, history[1].Type)
	assert.Equal(t, offerer, history[1].ToAddress)
}

func TestProjectBatchIdempotent(t *testing.T) {
	store := newTestStore(t)
	p := New(store, nil)
	ctx := context.Background()

	events := []*models.Event{
		mint(10, 0, minter),
		listed(11, 0, minter, "100"),
	}
	project(t, p, events...)
	project(t, p, events...)

	history, err := store.GetHistory(ctx, contract, "1")
	require.NoError(t, err)
	assert.Len(t, history, 1)

	active, err := store.ListListings(ctx, storage.ListingFilter{Limit: 10})
	require.NoError(t, err)
	assert.Len(t, active, 1)

	stats, err := store.GetStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), stats.TotalEvents)
}

func TestRebuildMatchesIncremental(t *testing.T) {
	store := newTestStore(t)
	p := New(store, nil)
	ctx := context.Background()

	project(t, p,
		mint(10, 0, minter),
		listed(11, 0, minter, "100"),
		transfer(12, 0, minter, buyer, "0xsale"),
		bought(12, 1, buyer, "100", "0xsale"),
	)

	before, err := store.GetNFT(ctx, contract, "1")
	require.NoError(t, err)
	historyBefore, err := store.GetHistory(ctx, contract, "1")
	require.NoError(t, err)

	require.NoError(t, p.Rebuild(ctx))

	after, err := store.GetNFT(ctx, contract, "1")
	require.NoError(t, err)
	require.NotNil(t, after)
	assert.Equal(t, before.OwnerAddress, after.OwnerAddress)
	assert.Equal(t, len(before.Listings), len(after.Listings))

	historyAfter, err := store.GetHistory(ctx, contract, "1")
	require.NoError(t, err)
	require.Equal(t, len(historyBefore), len(historyAfter))
	for i := range historyBefore {
		assert.Equal(t, historyBefore[i].ID, historyAfter[i].ID)
		assert.Equal(t, historyBefore[i].Type, historyAfter[i].Type)
	}

	// The watermark survives a rebuild.
	cursor, err := store.GetCursor(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(12), cursor.BlockNumber)
}

func TestNotifierReceivesMints(t *testing.T) {
	store := newTestStore(t)
	notifier := &recordingNotifier{}
	p := New(store, notifier)

	project(t, p,
		mint(10, 0, minter),
		listed(11, 0, minter, "100"),
	)

	assert.Equal(t, []string{contract + ":1"}, notifier.tokens)

	// Replayed events do not notify again.
	project(t, p, mint(10, 0, minter))
	assert.Len(t, notifier.tokens, 1)
}

func TestProjectBatchSavesHeaders(t *testing.T) {
	store := newTestStore(t)
	p := New(store, nil)
	ctx := context.Background()

	headers := []*models.BlockHeader{
		{Number: 10, Hash: "0xa", ParentHash: "0x9"},
		{Number: 11, Hash: "0xb", ParentHash: "0xa"},
	}
	cursor := &models.Cursor{BlockNumber: 11, BlockHash: "0xb"}
	require.NoError(t, p.ProjectBatch(ctx, []*models.Event{mint(10, 0, minter)}, headers, cursor, 64))

	got, err := store.GetBlockHeaders(ctx, 10)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, uint64(11), got[0].Number)
	assert.Equal(t, "0xb", got[0].Hash)
}

func TestUnknownKindFails(t *testing.T) {
	store := newTestStore(t)
	p := New(store, nil)

	ev := event(models.EventKind("Bogus"), 10, 0)
	err := p.ProjectBatch(context.Background(), []*models.Event{ev}, nil, &models.Cursor{BlockNumber: 10}, 0)
	require.Error(t, err)
	appErr, ok := err.(*utils.AppError)
	require.True(t, ok)
	assert.Equal(t, utils.ErrCodeProjection, appErr.Code)

	// The failed batch must leave nothing behind.
	stats, err := store.GetStats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(0), stats.TotalEvents)
}

func TestInterruptedTruncateKeepsReadModel(t *testing.T) {
	store := newTestStore(t)
	p := New(store, nil)
	ctx := context.Background()

	project(t, p,
		mint(10, 0, minter),
		transfer(11, 0, minter, buyer, "0xmove"),
	)

	// A truncate whose transaction never commits, as when the process
	// dies mid-rebuild, must leave the derived tables untouched.
	batch, err := store.BeginBatch(ctx)
	require.NoError(t, err)
	require.NoError(t, batch.TruncateDerived())
	require.NoError(t, batch.Rollback())

	nft, err := store.GetNFT(ctx, contract, "1")
	require.NoError(t, err)
	require.NotNil(t, nft)
	assert.Equal(t, buyer, nft.OwnerAddress)

	history, err := store.GetHistory(ctx, contract, "1")
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, models.HistoryMint, history[0].Type)

	stats, err := store.GetStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), stats.TotalEvents)

	// A later complete rebuild still works from the intact log
	require.NoError(t, p.Rebuild(ctx))
	nft, err = store.GetNFT(ctx, contract, "1")
	require.NoError(t, err)
	assert.Equal(t, buyer, nft.OwnerAddress)
}

func TestRollbackAndRebuild(t *testing.T) {
	store := newTestStore(t)
	p := New(store, nil)
	ctx := context.Background()

	project(t, p,
		mint(10, 0, minter),
		listed(11, 0, minter, "100"),
		transfer(12, 0, minter, buyer, "0xsale"),
		bought(12, 1, buyer, "100", "0xsale"),
	)

	removed, err := p.RollbackAndRebuild(ctx, 11, "0xblock")
	require.NoError(t, err)
	assert.Equal(t, 2, removed)

	// The sale sat on the orphaned blocks, so ownership reverts and
	// the listing is active again
	nft, err := store.GetNFT(ctx, contract, "1")
	require.NoError(t, err)
	require.NotNil(t, nft)
	assert.Equal(t, minter, nft.OwnerAddress)

	active, err := store.ListListings(ctx, storage.ListingFilter{Limit: 10})
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, "100", active[0].Price)

	history, err := store.GetHistory(ctx, contract, "1")
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, models.HistoryMint, history[0].Type)

	cursor, err := store.GetCursor(ctx)
	require.NoError(t, err)
	require.NotNil(t, cursor)
	assert.Equal(t, uint64(11), cursor.BlockNumber)

	stats, err := store.GetStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), stats.TotalEvents)
}
