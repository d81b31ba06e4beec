package ingest

import (
	"context"
	"errors"
	"math/big"
	"sort"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/sirupsen/logrus"

	"github.com/openmarket/nft-indexer/internal/config"
	"github.com/openmarket/nft-indexer/internal/connection"
	"github.com/openmarket/nft-indexer/internal/decoder"
	"github.com/openmarket/nft-indexer/internal/metrics"
	"github.com/openmarket/nft-indexer/internal/models"
	"github.com/openmarket/nft-indexer/internal/projector"
	"github.com/openmarket/nft-indexer/internal/storage"
	"github.com/openmarket/nft-indexer/pkg/utils"
)

// Cursor drives ingestion: it polls for new confirmed blocks, verifies
// the header chain, feeds decoded logs to the projector in canonical
// order and owns the watermark. Exactly one cursor runs per read model.
type Cursor struct {
	chainCfg  *config.ChainConfig
	cfg       *config.IngestConfig
	conn      connection.Manager
	decoder   *decoder.Decoder
	projector *projector.Projector
	storage   storage.Storage
	metrics   *metrics.Manager
	logger    *logrus.Logger

	addresses []common.Address
	ring      *headRing

	mu            sync.RWMutex
	haveCursor    bool
	lastProcessed uint64
	headBlock     uint64
	halted        bool
	lastError     string

	stopChan chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// Health reports the cursor's view of ingestion progress
type Health struct {
	Healthy            bool   `json:"healthy"`
	Halted             bool   `json:"halted"`
	LastProcessedBlock uint64 `json:"last_processed_block"`
	BlocksBehind       uint64 `json:"blocks_behind"`
	LastError          string `json:"last_error,omitempty"`
}

// New creates a cursor over the marketplace and token contracts
func New(chainCfg *config.ChainConfig, cfg *config.IngestConfig, conn connection.Manager, dec *decoder.Decoder, proj *projector.Projector, store storage.Storage, mm *metrics.Manager) *Cursor {
	return &Cursor{
		chainCfg:  chainCfg,
		cfg:       cfg,
		conn:      conn,
		decoder:   dec,
		projector: proj,
		storage:   store,
		metrics:   mm,
		logger:    utils.GetLogger(),
		addresses: []common.Address{
			common.HexToAddress(chainCfg.MarketplaceAddress),
			common.HexToAddress(chainCfg.NFTAddress),
		},
		ring:     newHeadRing(cfg.MaxReorgDepth),
		stopChan: make(chan struct{}),
	}
}

// Start seeds the cursor from storage and launches the poll loop
func (c *Cursor) Start(ctx context.Context) error {
	cursor, err := c.storage.GetCursor(ctx)
	if err != nil {
		return err
	}
	if cursor != nil {
		c.haveCursor = true
		c.lastProcessed = cursor.BlockNumber
	}

	headers, err := c.storage.GetBlockHeaders(ctx, c.cfg.MaxReorgDepth)
	if err != nil {
		return err
	}
	// Newest first from storage; the ring wants ascending
	for i := len(headers) - 1; i >= 0; i-- {
		c.ring.Push(headers[i])
	}

	c.logger.WithFields(logrus.Fields{
		"last_processed": c.lastProcessed,
		"start_block":    c.cfg.StartBlock,
		"headers":        c.ring.Len(),
	}).Info("Chain cursor starting")

	c.wg.Add(1)
	go c.run(ctx)
	return nil
}

// Stop terminates the poll loop and waits for it to exit
func (c *Cursor) Stop() {
	c.stopOnce.Do(func() { close(c.stopChan) })
	c.wg.Wait()
	c.logger.Info("Chain cursor stopped")
}

func (c *Cursor) run(ctx context.Context) {
	defer c.wg.Done()

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.cfg.PollInterval
	b.MaxInterval = c.cfg.MaxBackoff
	b.MaxElapsedTime = 0

	for {
		wait := c.cfg.PollInterval

		if !c.isHalted() {
			if err := c.processCycle(ctx); err != nil {
				c.setError(err)
				wait = b.NextBackOff()
				c.logger.WithFields(logrus.Fields{
					"error":    err.Error(),
					"retry_in": wait,
				}).Error("Ingestion cycle failed")
			} else {
				b.Reset()
				c.clearError()
			}
		}

		select {
		case <-ctx.Done():
			return
		case <-c.stopChan:
			return
		case <-time.After(wait):
		}
	}
}

// processCycle ingests at most one batch of confirmed blocks
func (c *Cursor) processCycle(ctx context.Context) error {
	client, err := c.conn.GetClientWithContext(ctx)
	if err != nil {
		return err
	}

	head, err := c.conn.GetLatestBlockNumber(ctx)
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.headBlock = head
	c.mu.Unlock()

	if head < uint64(c.cfg.ConfirmationDepth) {
		return nil
	}
	confirmed := head - uint64(c.cfg.ConfirmationDepth)

	c.mu.RLock()
	next := c.cfg.StartBlock
	if c.haveCursor {
		next = c.lastProcessed + 1
	}
	c.mu.RUnlock()

	if next > confirmed {
		// Caught up; still verify the tip we stand on is canonical
		return c.verifyTip(ctx, client)
	}

	to := confirmed
	if max := next + uint64(c.cfg.BatchSize) - 1; to > max {
		to = max
	}

	headers, times, err := c.fetchHeaders(ctx, client, next, to)
	if err != nil {
		if errors.Is(err, errBrokenRange) {
			// The chain moved under the per-block header fetches
			return c.handleReorg(ctx, client)
		}
		return err
	}

	// Parent-hash continuity against the last processed block
	if top := c.ring.Top(); top != nil && top.Number == next-1 && headers[0].ParentHash != top.Hash {
		return c.handleReorg(ctx, client)
	}

	logs, err := client.FilterLogs(ctx, ethereum.FilterQuery{
		FromBlock: new(big.Int).SetUint64(next),
		ToBlock:   new(big.Int).SetUint64(to),
		Addresses: c.addresses,
	})
	if err != nil {
		return utils.NewAppError(utils.ErrCodeRPC, "Failed to filter logs", err.Error())
	}

	events := make([]*models.Event, 0, len(logs))
	for _, l := range logs {
		if l.Removed {
			continue
		}
		ev, err := c.decoder.Decode(l)
		if err != nil {
			if err == decoder.ErrUnknownEvent {
				if c.metrics != nil {
					c.metrics.GetPrometheusMetrics().RecordEventSkipped()
				}
				continue
			}
			c.logger.WithFields(logrus.Fields{
				"tx":    l.TxHash.Hex(),
				"index": l.Index,
				"error": err.Error(),
			}).Warn("Failed to decode log, skipping")
			continue
		}
		ev.BlockTime = times[ev.BlockNumber]
		events = append(events, ev)
	}

	sort.Slice(events, func(i, j int) bool {
		if events[i].BlockNumber != events[j].BlockNumber {
			return events[i].BlockNumber < events[j].BlockNumber
		}
		return events[i].LogIndex < events[j].LogIndex
	})

	cursor := &models.Cursor{
		BlockNumber: to,
		BlockHash:   headers[len(headers)-1].Hash,
		UpdatedAt:   time.Now().UTC(),
	}

	start := time.Now()
	if err := c.projector.ProjectBatch(ctx, events, headers, cursor, c.cfg.MaxReorgDepth); err != nil {
		return err
	}

	for _, h := range headers {
		c.ring.Push(h)
	}
	c.mu.Lock()
	c.haveCursor = true
	c.lastProcessed = to
	c.mu.Unlock()

	if c.metrics != nil {
		pm := c.metrics.GetPrometheusMetrics()
		pm.RecordBlocksProcessed(int(to - next + 1))
		pm.RecordBatchDuration(time.Since(start))
		pm.UpdateLatestProcessedBlock(to)
		pm.UpdateBlocksBehind(head - to)
		for _, ev := range events {
			pm.RecordEventDecoded(string(ev.Kind))
		}
	}

	return nil
}

// verifyTip re-checks the hash of the last processed block so a reorg
// is noticed even while no new confirmed blocks arrive
func (c *Cursor) verifyTip(ctx context.Context, client *ethclient.Client) error {
	top := c.ring.Top()
	if top == nil {
		return nil
	}

	header, err := client.HeaderByNumber(ctx, new(big.Int).SetUint64(top.Number))
	if err != nil {
		return utils.NewAppError(utils.ErrCodeRPC, "Failed to get header", err.Error())
	}
	if header.Hash().Hex() != top.Hash {
		return c.handleReorg(ctx, client)
	}
	return nil
}

func (c *Cursor) fetchHeaders(ctx context.Context, client *ethclient.Client, from, to uint64) ([]*models.BlockHeader, map[uint64]time.Time, error) {
	headers := make([]*models.BlockHeader, 0, to-from+1)
	times := make(map[uint64]time.Time, to-from+1)

	for n := from; n <= to; n++ {
		h, err := client.HeaderByNumber(ctx, new(big.Int).SetUint64(n))
		if err != nil {
			return nil, nil, utils.NewAppError(utils.ErrCodeRPC, "Failed to get header", err.Error())
		}
		headers = append(headers, &models.BlockHeader{
			Number:     n,
			Hash:       h.Hash().Hex(),
			ParentHash: h.ParentHash.Hex(),
		})
		times[n] = time.Unix(int64(h.Time), 0).UTC()
	}
	if !parentLinked(headers) {
		return nil, nil, errBrokenRange
	}
	return headers, times, nil
}

// handleReorg walks the stored header chain back to the divergence
// point, rolls the event log back to it and rebuilds the read model by
// replaying what remains. Reorgs deeper than the retained window halt
// ingestion; the process stays up so the API keeps serving.
func (c *Cursor) handleReorg(ctx context.Context, client *ethclient.Client) error {
	if c.metrics != nil {
		c.metrics.GetPrometheusMetrics().RecordReorgDetected()
	}

	c.mu.RLock()
	last := c.lastProcessed
	c.mu.RUnlock()

	c.logger.WithField("block", last).Warn("Chain reorganization detected")

	var divergence *models.BlockHeader
	for n := last; ; n-- {
		stored := c.ring.Get(n)
		if stored == nil {
			c.halt("Reorganization deeper than retained header window")
			return nil
		}

		header, err := client.HeaderByNumber(ctx, new(big.Int).SetUint64(n))
		if err != nil {
			return utils.NewAppError(utils.ErrCodeRPC, "Failed to get header", err.Error())
		}
		if header.Hash().Hex() == stored.Hash {
			divergence = stored
			break
		}

		if last-n >= uint64(c.cfg.MaxReorgDepth) || n == 0 {
			c.halt("Reorganization exceeds maximum depth")
			return nil
		}
	}

	depth := int(last - divergence.Number)

	removed, err := c.projector.RollbackAndRebuild(ctx, divergence.Number, divergence.Hash)
	if err != nil {
		return err
	}

	c.ring.TruncateAbove(divergence.Number)
	c.mu.Lock()
	c.lastProcessed = divergence.Number
	c.mu.Unlock()

	if c.metrics != nil {
		c.metrics.GetPrometheusMetrics().RecordReorgHandled(depth)
	}

	c.logger.WithFields(logrus.Fields{
		"depth":          depth,
		"events_removed": removed,
		"resume_from":    divergence.Number + 1,
	}).Info("Reorganization handled")

	return nil
}

func (c *Cursor) halt(reason string) {
	c.mu.Lock()
	c.halted = true
	c.lastError = reason
	c.mu.Unlock()

	if c.metrics != nil {
		c.metrics.GetPrometheusMetrics().UpdateComponentHealth("ingest", false)
	}
	c.logger.WithField("reason", reason).Error("Ingestion halted, manual rebuild required")
}

func (c *Cursor) isHalted() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.halted
}

func (c *Cursor) setError(err error) {
	c.mu.Lock()
	c.lastError = err.Error()
	c.mu.Unlock()
}

func (c *Cursor) clearError() {
	c.mu.Lock()
	c.lastError = ""
	c.mu.Unlock()
}

// GetHealth reports ingestion progress and lag
func (c *Cursor) GetHealth() *Health {
	c.mu.RLock()
	defer c.mu.RUnlock()

	behind := uint64(0)
	if c.headBlock > c.lastProcessed {
		behind = c.headBlock - c.lastProcessed
	}

	return &Health{
		Healthy:            !c.halted && c.lastError == "",
		Halted:             c.halted,
		LastProcessedBlock: c.lastProcessed,
		BlocksBehind:       behind,
		LastError:          c.lastError,
	}
}
