package resolver

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/alitto/pond/v2"
	"github.com/cenkalti/backoff/v4"
	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	gocache "github.com/patrickmn/go-cache"
	"github.com/sirupsen/logrus"

	"github.com/openmarket/nft-indexer/internal/config"
	"github.com/openmarket/nft-indexer/internal/connection"
	"github.com/openmarket/nft-indexer/internal/metrics"
	"github.com/openmarket/nft-indexer/internal/models"
	"github.com/openmarket/nft-indexer/internal/storage"
	"github.com/openmarket/nft-indexer/pkg/utils"
)

// Resolver fetches token metadata asynchronously and persists it
// against the NFT rows. It never blocks ingestion: the projector hands
// it tokens after batch commit, and a periodic sweep retries anything
// left unresolved, including tokens created as placeholders during a
// rebuild.
type Resolver struct {
	config   *config.ResolverConfig
	storage  storage.Storage
	conn     connection.Manager
	tokenABI abi.ABI
	metrics  *metrics.Manager
	logger   *logrus.Logger

	pool   pond.Pool
	cache  *gocache.Cache // metadata keyed by tokenURI
	client *http.Client

	mu       sync.Mutex
	inflight map[string]struct{}

	stopChan chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// New creates a resolver. The token ABI must include the
// tokenURI(uint256) view function.
func New(cfg *config.ResolverConfig, store storage.Storage, conn connection.Manager, tokenABI abi.ABI, mm *metrics.Manager) *Resolver {
	return &Resolver{
		config:   cfg,
		storage:  store,
		conn:     conn,
		tokenABI: tokenABI,
		metrics:  mm,
		logger:   utils.GetLogger(),
		cache:    gocache.New(cfg.CacheTTL, cfg.CacheTTL),
		client:   &http.Client{Timeout: cfg.FetchTimeout},
		inflight: map[string]struct{}{},
		stopChan: make(chan struct{}),
	}
}

// Start launches the worker pool and the unresolved-token sweep
func (r *Resolver) Start(ctx context.Context) {
	r.pool = pond.NewPool(
		r.config.Workers,
		pond.WithQueueSize(r.config.QueueSize),
		pond.WithContext(ctx),
	)

	r.wg.Add(1)
	go r.sweepLoop(ctx)

	r.logger.WithFields(logrus.Fields{
		"workers":        r.config.Workers,
		"sweep_interval": r.config.SweepInterval,
	}).Info("Metadata resolver started")
}

// Stop drains the pool and stops the sweep
func (r *Resolver) Stop() {
	r.stopOnce.Do(func() { close(r.stopChan) })
	r.wg.Wait()
	if r.pool != nil {
		r.pool.StopAndWait()
	}
	r.logger.Info("Metadata resolver stopped")
}

// EnqueueToken schedules metadata resolution for one token. Safe to
// call for tokens already queued or resolved; duplicates are dropped.
func (r *Resolver) EnqueueToken(contractAddress, tokenID string) {
	r.enqueue(contractAddress, tokenID, "")
}

func (r *Resolver) enqueue(contractAddress, tokenID, tokenURI string) {
	if r.pool == nil {
		return
	}

	key := utils.TokenKey(contractAddress, tokenID)
	r.mu.Lock()
	if _, busy := r.inflight[key]; busy {
		r.mu.Unlock()
		return
	}
	r.inflight[key] = struct{}{}
	r.mu.Unlock()

	r.pool.Submit(func() {
		defer func() {
			r.mu.Lock()
			delete(r.inflight, key)
			r.mu.Unlock()
		}()

		ctx, cancel := context.WithTimeout(context.Background(), 2*r.config.FetchTimeout)
		defer cancel()

		start := time.Now()
		err := r.resolve(ctx, contractAddress, tokenID, tokenURI)
		if r.metrics != nil {
			status := "success"
			if err != nil {
				status = "failure"
			}
			r.metrics.GetPrometheusMetrics().RecordMetadataResolution(status, time.Since(start))
		}
		if err != nil {
			r.logger.WithFields(logrus.Fields{
				"token": key,
				"error": err.Error(),
			}).Warn("Metadata resolution failed, sweep will retry")
		}
	})
}

// sweepLoop periodically re-queues unresolved tokens
func (r *Resolver) sweepLoop(ctx context.Context) {
	defer r.wg.Done()

	ticker := time.NewTicker(r.config.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-r.stopChan:
			return
		case <-ticker.C:
			r.sweep(ctx)
		}
	}
}

func (r *Resolver) sweep(ctx context.Context) {
	nfts, err := r.storage.NFTsMissingMetadata(ctx, r.config.SweepBatch)
	if err != nil {
		r.logger.WithError(err).Error("Metadata sweep query failed")
		return
	}
	for _, nft := range nfts {
		r.enqueue(nft.ContractAddress, nft.TokenID, nft.TokenURI)
	}
}

func (r *Resolver) resolve(ctx context.Context, contractAddress, tokenID, tokenURI string) error {
	if tokenURI == "" {
		uri, err := r.fetchTokenURI(ctx, contractAddress, tokenID)
		if err != nil {
			return err
		}
		if uri == "" {
			return utils.NewAppError(utils.ErrCodeMetadata, "Token has empty URI", utils.TokenKey(contractAddress, tokenID))
		}
		if err := r.storage.SetTokenURI(ctx, contractAddress, tokenID, uri); err != nil {
			return err
		}
		tokenURI = uri
	}

	if cached, ok := r.cache.Get(tokenURI); ok {
		return r.storage.ApplyMetadata(ctx, contractAddress, tokenID, cached.(*models.Metadata))
	}

	meta, err := r.fetchMetadata(ctx, tokenURI)
	if err != nil {
		return err
	}

	if err := r.storage.ApplyMetadata(ctx, contractAddress, tokenID, meta); err != nil {
		return err
	}
	r.cache.Set(tokenURI, meta, gocache.DefaultExpiration)

	r.logger.WithFields(logrus.Fields{
		"token": utils.TokenKey(contractAddress, tokenID),
		"name":  meta.Name,
	}).Debug("Metadata resolved")
	return nil
}

// fetchTokenURI calls tokenURI(uint256) on the token contract
func (r *Resolver) fetchTokenURI(ctx context.Context, contractAddress, tokenID string) (string, error) {
	client, err := r.conn.GetClientWithContext(ctx)
	if err != nil {
		return "", err
	}

	id, ok := new(big.Int).SetString(tokenID, 10)
	if !ok {
		return "", utils.NewAppError(utils.ErrCodeMetadata, "Invalid token ID", tokenID)
	}

	data, err := r.tokenABI.Pack("tokenURI", id)
	if err != nil {
		return "", utils.NewAppError(utils.ErrCodeMetadata, "Failed to pack tokenURI call", err.Error())
	}

	to := common.HexToAddress(contractAddress)
	var out []byte
	operation := func() error {
		out, err = client.CallContract(ctx, ethereum.CallMsg{To: &to, Data: data}, nil)
		return err
	}
	if err := backoff.Retry(operation, r.newBackoff(ctx)); err != nil {
		return "", utils.NewAppError(utils.ErrCodeRPC, "tokenURI call failed", err.Error())
	}

	results, err := r.tokenABI.Unpack("tokenURI", out)
	if err != nil || len(results) != 1 {
		return "", utils.NewAppError(utils.ErrCodeMetadata, "Failed to unpack tokenURI result", fmt.Sprint(err))
	}
	uri, _ := results[0].(string)
	return uri, nil
}

// fetchMetadata downloads and parses the metadata JSON behind a URI
func (r *Resolver) fetchMetadata(ctx context.Context, tokenURI string) (*models.Metadata, error) {
	url := r.GatewayURL(tokenURI)

	var body []byte
	operation := func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return backoff.Permanent(err)
		}
		req.Header.Set("Accept", "application/json")

		resp, err := r.client.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
			return fmt.Errorf("gateway returned %d", resp.StatusCode)
		}
		if resp.StatusCode != http.StatusOK {
			return backoff.Permanent(fmt.Errorf("gateway returned %d", resp.StatusCode))
		}

		body, err = io.ReadAll(resp.Body)
		return err
	}
	if err := backoff.Retry(operation, r.newBackoff(ctx)); err != nil {
		return nil, utils.NewAppError(utils.ErrCodeMetadata, "Metadata fetch failed", err.Error())
	}

	var raw struct {
		Name        string `json:"name"`
		Description string `json:"description"`
		Image       string `json:"image"`
		Collection  string `json:"collection"`
		Media       []struct {
			URL  string `json:"url"`
			Type string `json:"type"`
		} `json:"media"`
	}
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, utils.NewAppError(utils.ErrCodeMetadata, "Invalid metadata JSON", err.Error())
	}

	meta := &models.Metadata{
		Name:        raw.Name,
		Description: raw.Description,
		Image:       r.GatewayURL(raw.Image),
		Collection:  raw.Collection,
	}
	for _, m := range raw.Media {
		mediaType := models.MediaImage
		if strings.EqualFold(m.Type, string(models.MediaVideo)) {
			mediaType = models.MediaVideo
		}
		meta.Media = append(meta.Media, &models.Media{
			URL:  r.GatewayURL(m.URL),
			Type: mediaType,
		})
	}
	return meta, nil
}

func (r *Resolver) newBackoff(ctx context.Context) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 500 * time.Millisecond
	b.MaxInterval = r.config.FetchTimeout
	return backoff.WithContext(backoff.WithMaxRetries(b, uint64(r.config.MaxRetries)), ctx)
}

// GatewayURL rewrites content-addressed URIs to the configured gateway.
// Plain HTTP URLs pass through untouched.
func (r *Resolver) GatewayURL(uri string) string {
	gateway := strings.TrimSuffix(r.config.IPFSGateway, "/")

	switch {
	case strings.HasPrefix(uri, "ipfs://"):
		return gateway + "/" + strings.TrimPrefix(uri, "ipfs://")
	case strings.Contains(uri, "/ipfs/"):
		parts := strings.SplitN(uri, "/ipfs/", 2)
		return gateway + "/" + parts[1]
	default:
		return uri
	}
}
