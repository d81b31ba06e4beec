package connection

import (
	"context"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/sirupsen/logrus"

	"github.com/openmarket/nft-indexer/internal/config"
	"github.com/openmarket/nft-indexer/internal/metrics"
	"github.com/openmarket/nft-indexer/pkg/utils"
)

// Manager defines the RPC connection manager interface
type Manager interface {
	GetClient() (*ethclient.Client, error)
	GetClientWithContext(ctx context.Context) (*ethclient.Client, error)
	HealthCheck(ctx context.Context) error
	GetLatestBlockNumber(ctx context.Context) (uint64, error)
	IsConnected() bool
	Close() error
	Stats() ConnectionStats
}

// ConnectionManager implements the Manager interface with failover
// across a primary node and optional backups.
type ConnectionManager struct {
	config       *config.ChainConfig
	primaryURL   string
	backupURLs   []string
	currentIndex int
	client       *ethclient.Client
	mu           sync.RWMutex
	logger       *logrus.Logger
	metrics      *metrics.Manager

	stats           ConnectionStats
	lastHealthCheck time.Time
	isHealthy       bool
}

// ConnectionStats holds connection statistics
type ConnectionStats struct {
	TotalRequests   uint64    `json:"total_requests"`
	FailedRequests  uint64    `json:"failed_requests"`
	Reconnects      uint64    `json:"reconnects"`
	CurrentURL      string    `json:"current_url"`
	LastConnectedAt time.Time `json:"last_connected_at"`
	LastHealthCheck time.Time `json:"last_health_check"`
	IsHealthy       bool      `json:"is_healthy"`
	LatestBlock     uint64    `json:"latest_block"`
}

// NewConnectionManager creates a new connection manager. metricsManager
// may be nil when metrics are disabled.
func NewConnectionManager(cfg *config.ChainConfig, metricsManager *metrics.Manager) *ConnectionManager {
	return &ConnectionManager{
		config:     cfg,
		primaryURL: cfg.NodeURL,
		backupURLs: cfg.BackupNodes,
		logger:     utils.GetLogger(),
		metrics:    metricsManager,
		stats: ConnectionStats{
			CurrentURL: cfg.NodeURL,
		},
	}
}

func (cm *ConnectionManager) recordError(endpoint, errorType string) {
	if cm.metrics != nil {
		cm.metrics.GetPrometheusMetrics().RecordConnectionError(endpoint, errorType)
	}
}

func (cm *ConnectionManager) recordRequest(method, status string) {
	if cm.metrics != nil {
		cm.metrics.GetPrometheusMetrics().RecordRPCRequest(method, status)
	}
}

// Connect establishes the initial connection
func (cm *ConnectionManager) Connect() error {
	ctx, cancel := context.WithTimeout(context.Background(), cm.config.RequestTimeout)
	defer cancel()

	_, err := cm.connect(ctx)
	return err
}

// GetClient returns the current client connection
func (cm *ConnectionManager) GetClient() (*ethclient.Client, error) {
	return cm.GetClientWithContext(context.Background())
}

// GetClientWithContext returns the current client, reconnecting if the
// connection has gone stale.
func (cm *ConnectionManager) GetClientWithContext(ctx context.Context) (*ethclient.Client, error) {
	cm.mu.RLock()
	client := cm.client
	lastCheck := cm.lastHealthCheck
	cm.mu.RUnlock()

	if client == nil {
		return cm.connect(ctx)
	}

	if time.Since(lastCheck) > time.Minute {
		if err := cm.quickHealthCheck(ctx, client); err != nil {
			cm.logger.WithError(err).Warn("Client health check failed, reconnecting")
			return cm.reconnect(ctx)
		}
		cm.mu.Lock()
		cm.lastHealthCheck = time.Now()
		cm.mu.Unlock()
	}

	cm.mu.Lock()
	cm.stats.TotalRequests++
	cm.mu.Unlock()
	return client, nil
}

// connect walks primary then backup endpoints until one answers
func (cm *ConnectionManager) connect(ctx context.Context) (*ethclient.Client, error) {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	urls := append([]string{cm.primaryURL}, cm.backupURLs...)

	for attempt := 0; attempt < cm.config.RetryAttempts; attempt++ {
		for i, url := range urls {
			cm.logger.WithFields(logrus.Fields{"url": url, "attempt": attempt + 1}).Info("Attempting RPC connection")

			client, err := cm.dialWithTimeout(ctx, url)
			if err != nil {
				cm.logger.WithError(err).WithField("url", url).Warn("Connection failed")
				cm.stats.FailedRequests++
				cm.recordError(url, "dial")
				continue
			}

			if err := cm.quickHealthCheck(ctx, client); err != nil {
				client.Close()
				cm.logger.WithError(err).WithField("url", url).Warn("Health check failed after connection")
				cm.recordError(url, "health_check")
				continue
			}

			cm.client = client
			cm.currentIndex = i
			cm.stats.CurrentURL = url
			cm.stats.LastConnectedAt = time.Now()
			cm.isHealthy = true
			cm.lastHealthCheck = time.Now()

			cm.logger.WithField("url", url).Info("Connected to chain node")
			return client, nil
		}

		if attempt < cm.config.RetryAttempts-1 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(cm.config.RetryDelay):
			}
		}
	}

	cm.isHealthy = false
	return nil, utils.NewAppError(utils.ErrCodeRPC, "All chain nodes unreachable", cm.primaryURL)
}

// reconnect drops the current client and dials again
func (cm *ConnectionManager) reconnect(ctx context.Context) (*ethclient.Client, error) {
	cm.mu.Lock()
	if cm.client != nil {
		cm.client.Close()
		cm.client = nil
	}
	cm.stats.Reconnects++
	cm.mu.Unlock()

	return cm.connect(ctx)
}

func (cm *ConnectionManager) dialWithTimeout(ctx context.Context, url string) (*ethclient.Client, error) {
	dialCtx, cancel := context.WithTimeout(ctx, cm.config.RequestTimeout)
	defer cancel()
	return ethclient.DialContext(dialCtx, url)
}

// quickHealthCheck verifies the node answers a cheap query
func (cm *ConnectionManager) quickHealthCheck(ctx context.Context, client *ethclient.Client) error {
	checkCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	_, err := client.BlockNumber(checkCtx)
	return err
}

// HealthCheck checks the current connection
func (cm *ConnectionManager) HealthCheck(ctx context.Context) error {
	cm.mu.RLock()
	client := cm.client
	cm.mu.RUnlock()

	if client == nil {
		return utils.NewAppError(utils.ErrCodeRPC, "Not connected", "")
	}

	err := cm.quickHealthCheck(ctx, client)
	if err != nil {
		cm.recordError(cm.stats.CurrentURL, "health_check")
	}

	cm.mu.Lock()
	cm.lastHealthCheck = time.Now()
	cm.isHealthy = err == nil
	cm.stats.LastHealthCheck = cm.lastHealthCheck
	cm.stats.IsHealthy = cm.isHealthy
	cm.mu.Unlock()

	return err
}

// GetLatestBlockNumber returns the chain head number
func (cm *ConnectionManager) GetLatestBlockNumber(ctx context.Context) (uint64, error) {
	client, err := cm.GetClientWithContext(ctx)
	if err != nil {
		return 0, err
	}

	head, err := client.BlockNumber(ctx)
	if err != nil {
		cm.mu.Lock()
		cm.stats.FailedRequests++
		cm.mu.Unlock()
		cm.recordRequest("eth_blockNumber", "error")
		return 0, utils.NewAppError(utils.ErrCodeRPC, "Failed to get latest block number", err.Error())
	}
	cm.recordRequest("eth_blockNumber", "success")

	cm.mu.Lock()
	cm.stats.LatestBlock = head
	cm.mu.Unlock()
	return head, nil
}

// IsConnected reports whether a healthy client is held
func (cm *ConnectionManager) IsConnected() bool {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	return cm.client != nil && cm.isHealthy
}

// Close closes the connection
func (cm *ConnectionManager) Close() error {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	if cm.client != nil {
		cm.client.Close()
		cm.client = nil
	}
	cm.isHealthy = false
	return nil
}

// Stats returns a snapshot of connection statistics
func (cm *ConnectionManager) Stats() ConnectionStats {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	return cm.stats
}
