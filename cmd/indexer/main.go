package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/openmarket/nft-indexer/internal/config"
	"github.com/openmarket/nft-indexer/internal/connection"
	"github.com/openmarket/nft-indexer/internal/decoder"
	"github.com/openmarket/nft-indexer/internal/ingest"
	"github.com/openmarket/nft-indexer/internal/metrics"
	"github.com/openmarket/nft-indexer/internal/projector"
	"github.com/openmarket/nft-indexer/internal/resolver"
	"github.com/openmarket/nft-indexer/internal/server"
	"github.com/openmarket/nft-indexer/internal/storage"
	"github.com/openmarket/nft-indexer/pkg/utils"
)

// AppVersion contains the application version
const AppVersion = "1.0.0"

// Application wires the indexer pipeline: connection, storage, decoder,
// projector, resolver, cursor and the query API.
type Application struct {
	config     *config.Config
	logger     *logrus.Logger
	connection *connection.ConnectionManager
	storage    storage.Storage
	decoder    *decoder.Decoder
	projector  *projector.Projector
	resolver   *resolver.Resolver
	cursor     *ingest.Cursor
	server     *server.HTTPServer
	metrics    *metrics.Manager
	ctx        context.Context
	cancel     context.CancelFunc
}

// NewApplication creates a new application instance
func NewApplication(cfg *config.Config) (*Application, error) {
	ctx, cancel := context.WithCancel(context.Background())

	app := &Application{
		config: cfg,
		ctx:    ctx,
		cancel: cancel,
	}

	if err := app.initializeLogger(); err != nil {
		cancel()
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}

	if err := app.initializeComponents(); err != nil {
		cancel()
		return nil, fmt.Errorf("failed to initialize components: %w", err)
	}

	return app, nil
}

func (app *Application) initializeLogger() error {
	logCfg := app.config.Logging

	if err := utils.InitLogger(logCfg.Level, logCfg.Format, logCfg.Output, logCfg.File); err != nil {
		return err
	}

	app.logger = utils.GetLogger()
	app.logger.WithFields(logrus.Fields{
		"level":  logCfg.Level,
		"format": logCfg.Format,
	}).Info("Logger initialized")

	return nil
}

func (app *Application) initializeComponents() error {
	app.logger.Info("Initializing indexer components")

	app.metrics = metrics.NewManager()

	app.connection = connection.NewConnectionManager(&app.config.Chain, app.metrics)
	if err := app.connection.Connect(); err != nil {
		return fmt.Errorf("failed to connect to chain node: %w", err)
	}

	var err error
	app.storage, err = storage.NewStorage(&app.config.Storage)
	if err != nil {
		return fmt.Errorf("failed to create storage: %w", err)
	}
	if err := app.storage.Connect(); err != nil {
		return fmt.Errorf("failed to connect to storage: %w", err)
	}
	if err := app.storage.Migrate(); err != nil {
		return fmt.Errorf("failed to run storage migrations: %w", err)
	}

	app.decoder, err = decoder.New()
	if err != nil {
		return fmt.Errorf("failed to create decoder: %w", err)
	}

	app.resolver = resolver.New(&app.config.Resolver, app.storage, app.connection, app.decoder.TokenURIABI(), app.metrics)
	app.projector = projector.New(app.storage, app.resolver)
	app.cursor = ingest.New(&app.config.Chain, &app.config.Ingest, app.connection, app.decoder, app.projector, app.storage, app.metrics)
	app.server = server.NewHTTPServer(&app.config.Server, app.storage, app.cursor, app.metrics)

	app.logger.Info("All components initialized")
	return nil
}

// Start starts the application
func (app *Application) Start() error {
	app.logger.WithFields(logrus.Fields{
		"version":     AppVersion,
		"environment": app.config.App.Environment,
	}).Info("Starting NFT indexer")

	if err := app.server.Start(); err != nil {
		return fmt.Errorf("failed to start HTTP server: %w", err)
	}

	app.resolver.Start(app.ctx)

	if err := app.cursor.Start(app.ctx); err != nil {
		return fmt.Errorf("failed to start chain cursor: %w", err)
	}

	app.logger.WithFields(logrus.Fields{
		"server_address": fmt.Sprintf("%s:%d", app.config.Server.Host, app.config.Server.Port),
		"node_url":       app.config.Chain.NodeURL,
		"marketplace":    app.config.Chain.MarketplaceAddress,
		"nft_contract":   app.config.Chain.NFTAddress,
	}).Info("NFT indexer started")

	return nil
}

// Stop stops the application gracefully
func (app *Application) Stop() error {
	app.logger.Info("Stopping NFT indexer")

	app.cancel()

	if app.server != nil {
		if err := app.server.Stop(); err != nil {
			app.logger.WithError(err).Error("Failed to stop HTTP server")
		}
	}

	if app.cursor != nil {
		app.cursor.Stop()
	}

	if app.resolver != nil {
		app.resolver.Stop()
	}

	if app.storage != nil {
		if err := app.storage.Close(); err != nil {
			app.logger.WithError(err).Error("Failed to close storage")
		}
	}

	if app.connection != nil {
		if err := app.connection.Close(); err != nil {
			app.logger.WithError(err).Error("Failed to close connection")
		}
	}

	app.logger.Info("NFT indexer stopped")
	return nil
}

// CLI Commands

var rootCmd = &cobra.Command{
	Use:     "nft-indexer",
	Short:   "NFT marketplace chain indexer",
	Long:    `An event-sourced indexer that follows an NFT marketplace on chain, maintains a rebuildable read model and serves the storefront REST API.`,
	Version: AppVersion,
	RunE:    runIndexer,
}

// runIndexer is the main command to run the indexer
func runIndexer(cmd *cobra.Command, args []string) error {
	configPath := viper.GetString("config")
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	app, err := NewApplication(cfg)
	if err != nil {
		return fmt.Errorf("failed to create application: %w", err)
	}

	signalChan := make(chan os.Signal, 1)
	signal.Notify(signalChan, os.Interrupt, syscall.SIGTERM)

	if err := app.Start(); err != nil {
		return fmt.Errorf("failed to start application: %w", err)
	}

	<-signalChan
	fmt.Println("\nReceived shutdown signal, stopping indexer...")

	return app.Stop()
}

// rebuildCmd replays the event log into a fresh read model. Used after
// an operator-resolved deep reorg or a projection code change.
var rebuildCmd = &cobra.Command{
	Use:   "rebuild",
	Short: "Rebuild the read model from the stored event log",
	RunE: func(cmd *cobra.Command, args []string) error {
		configPath := viper.GetString("config")
		cfg, err := config.Load(configPath)
		if err != nil {
			return fmt.Errorf("failed to load configuration: %w", err)
		}

		if err := utils.InitLogger(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.Output, cfg.Logging.File); err != nil {
			return err
		}

		store, err := storage.NewStorage(&cfg.Storage)
		if err != nil {
			return fmt.Errorf("failed to create storage: %w", err)
		}
		if err := store.Connect(); err != nil {
			return fmt.Errorf("failed to connect to storage: %w", err)
		}
		defer store.Close()
		if err := store.Migrate(); err != nil {
			return fmt.Errorf("failed to run storage migrations: %w", err)
		}

		proj := projector.New(store, nil)
		if err := proj.Rebuild(context.Background()); err != nil {
			return fmt.Errorf("rebuild failed: %w", err)
		}

		fmt.Println("Read model rebuilt from event log")
		return nil
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version number",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("NFT Indexer %s\n", AppVersion)
	},
}

// validateConfigCmd validates the configuration
var validateConfigCmd = &cobra.Command{
	Use:   "validate-config",
	Short: "Validate configuration file",
	RunE: func(cmd *cobra.Command, args []string) error {
		configPath := viper.GetString("config")
		cfg, err := config.Load(configPath)
		if err != nil {
			return fmt.Errorf("configuration validation failed: %w", err)
		}
		if err := cfg.Validate(); err != nil {
			return fmt.Errorf("configuration validation failed: %w", err)
		}

		fmt.Println("Configuration is valid!")
		fmt.Printf("Environment: %s\n", cfg.App.Environment)
		fmt.Printf("Chain node: %s\n", cfg.Chain.NodeURL)
		fmt.Printf("Database: %s\n", cfg.Storage.Type)
		fmt.Printf("Marketplace: %s\n", cfg.Chain.MarketplaceAddress)
		fmt.Printf("NFT contract: %s\n", cfg.Chain.NFTAddress)

		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringP("config", "c", "", "config file path")
	viper.BindPFlag("config", rootCmd.PersistentFlags().Lookup("config"))

	rootCmd.AddCommand(rebuildCmd)
	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(validateConfigCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		log.Fatal(err)
	}
}
