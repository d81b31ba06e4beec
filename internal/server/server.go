package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/openmarket/nft-indexer/internal/config"
	"github.com/openmarket/nft-indexer/internal/ingest"
	"github.com/openmarket/nft-indexer/internal/metrics"
	"github.com/openmarket/nft-indexer/internal/storage"
	"github.com/openmarket/nft-indexer/pkg/utils"
)

// HTTPServer is the stateless query service over the read model. It
// never mutates derived state; POST /users is the one write and goes
// to a table the projector treats as additive only.
type HTTPServer struct {
	config         *config.ServerConfig
	server         *http.Server
	router         *mux.Router
	storage        storage.Storage
	cursor         *ingest.Cursor
	metricsManager *metrics.Manager
	logger         *logrus.Logger
	stopChan       chan struct{}
	stopOnce       sync.Once
}

// NewHTTPServer creates a new HTTP server
func NewHTTPServer(cfg *config.ServerConfig, store storage.Storage, cursor *ingest.Cursor, metricsManager *metrics.Manager) *HTTPServer {
	s := &HTTPServer{
		config:         cfg,
		storage:        store,
		cursor:         cursor,
		metricsManager: metricsManager,
		logger:         utils.GetLogger(),
		stopChan:       make(chan struct{}),
	}

	s.setupRouter()

	s.server = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler:      s.router,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}

	return s
}

// setupRouter sets up the HTTP routes
func (s *HTTPServer) setupRouter() {
	s.router = mux.NewRouter()

	s.router.Use(s.loggingMiddleware)
	s.router.Use(s.corsMiddleware)
	if s.metricsManager != nil {
		s.router.Use(s.metricsMiddleware)
	}

	// Marketplace API; paths match what the storefront expects
	s.router.HandleFunc("/users", s.createUserHandler).Methods("POST")
	s.router.HandleFunc("/collections", s.listCollectionsHandler).Methods("GET")
	s.router.HandleFunc("/listings", s.listListingsHandler).Methods("GET")
	s.router.HandleFunc("/nfts", s.listNFTsHandler).Methods("GET")
	s.router.HandleFunc("/nfts/{contractAddress}/{tokenId}", s.getNFTHandler).Methods("GET")
	s.router.HandleFunc("/nfts/{contractAddress}/{tokenId}/history", s.getHistoryHandler).Methods("GET")
	s.router.HandleFunc("/nfts/{contractAddress}/{tokenId}/price-history", s.getPriceHistoryHandler).Methods("GET")
	s.router.HandleFunc("/offers/received/{address}", s.offersReceivedHandler).Methods("GET")
	s.router.HandleFunc("/offers/made/{address}", s.offersMadeHandler).Methods("GET")

	// Operational endpoints
	if s.config.EnableHealth {
		s.router.HandleFunc("/health", s.healthHandler).Methods("GET")
		s.router.HandleFunc("/health/detailed", s.detailedHealthHandler).Methods("GET")
	}
	if s.config.EnableMetrics {
		s.router.Handle("/metrics", promhttp.Handler())
		s.router.HandleFunc("/stats", s.statsHandler).Methods("GET")
	}
}

// Start starts the HTTP server
func (s *HTTPServer) Start() error {
	s.logger.WithFields(logrus.Fields{
		"address":         s.server.Addr,
		"metrics_enabled": s.config.EnableMetrics,
	}).Info("Starting HTTP server")

	if s.metricsManager != nil {
		if s.storage != nil {
			s.metricsManager.RegisterHealthCheck("storage", func() bool { return s.storage.GetHealth().Healthy })
		}
		if s.cursor != nil {
			s.metricsManager.RegisterHealthCheck("ingest", func() bool { return s.cursor.GetHealth().Healthy })
		}
		s.metricsManager.UpdateSystemMetrics()
		go s.systemMetricsUpdater()
	}

	errChan := make(chan error, 1)
	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.WithError(err).Error("HTTP server error")
			errChan <- err
		}
	}()

	// Catch immediate binding errors
	select {
	case err := <-errChan:
		return utils.NewAppError(utils.ErrCodeInternal, "Failed to start HTTP server", err.Error())
	case <-time.After(100 * time.Millisecond):
		return nil
	}
}

// systemMetricsUpdater refreshes system and component metrics until
// Stop is called
func (s *HTTPServer) systemMetricsUpdater() {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopChan:
			return
		case <-ticker.C:
			s.metricsManager.UpdateSystemMetrics()
		}
	}
}

// Stop stops the HTTP server
func (s *HTTPServer) Stop() error {
	s.logger.Info("Stopping HTTP server")
	s.stopOnce.Do(func() { close(s.stopChan) })

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	return s.server.Shutdown(ctx)
}

// Router exposes the handler for tests
func (s *HTTPServer) Router() http.Handler {
	return s.router
}

// loggingMiddleware logs HTTP requests
func (s *HTTPServer) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		next.ServeHTTP(w, r)

		s.logger.WithFields(logrus.Fields{
			"method":    r.Method,
			"path":      r.URL.Path,
			"duration":  time.Since(start),
			"remote_ip": r.RemoteAddr,
		}).Debug("HTTP request")
	})
}

// corsMiddleware handles CORS
func (s *HTTPServer) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// writeJSON writes a JSON response
func (s *HTTPServer) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.logger.WithError(err).Error("Failed to encode JSON response")
	}
}

// writeError writes an error response
func (s *HTTPServer) writeError(w http.ResponseWriter, status int, message string, err error) {
	errorResponse := map[string]interface{}{
		"error":     message,
		"status":    status,
		"timestamp": time.Now(),
	}

	if err != nil {
		errorResponse["details"] = err.Error()
		s.logger.WithFields(logrus.Fields{
			"status":  status,
			"message": message,
			"error":   err,
		}).Error("HTTP error")
	}

	s.writeJSON(w, status, errorResponse)
}
