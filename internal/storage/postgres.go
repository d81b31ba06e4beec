package storage

import (
	"database/sql"

	_ "github.com/lib/pq"
	"github.com/openmarket/nft-indexer/internal/config"
	"github.com/openmarket/nft-indexer/pkg/utils"
)

// PostgresStorage implements Storage using PostgreSQL
type PostgresStorage struct {
	sqlStore
}

// NewPostgresStorage creates a new PostgreSQL storage instance
func NewPostgresStorage(cfg *config.StorageConfig) *PostgresStorage {
	return &PostgresStorage{sqlStore{
		config:  cfg,
		logger:  utils.GetLogger(),
		dialect: "postgres",
	}}
}

// Connect establishes database connection
func (s *PostgresStorage) Connect() error {
	db, err := sql.Open("postgres", s.config.ConnectionString)
	if err != nil {
		return utils.NewAppError(utils.ErrCodeDatabase, "Failed to open PostgreSQL database", err.Error())
	}

	db.SetMaxOpenConns(s.config.MaxConnections)
	db.SetMaxIdleConns(s.config.MaxConnections / 2)
	db.SetConnMaxLifetime(s.config.MaxIdleTime)

	if err := db.Ping(); err != nil {
		db.Close()
		return utils.NewAppError(utils.ErrCodeDatabase, "Failed to reach PostgreSQL", err.Error())
	}

	s.db = db
	s.logger.Info("PostgreSQL database connected")

	return nil
}
