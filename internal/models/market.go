package models

import "time"

// Listing is an owner's fixed-price sale offer for a token. Identity is
// (ContractAddress, TokenID, SellerAddress, CreatedAtBlock); at most one
// listing per token is active at a time.
type Listing struct {
	ID                 string  `json:"id"`
	ContractAddress    string  `json:"contractAddress"`
	TokenID            string  `json:"tokenId"`
	SellerAddress      string  `json:"sellerAddress"`
	Price              string  `json:"price"`
	Active             bool    `json:"active"`
	CreatedAtBlock     uint64  `json:"-"`
	DeactivatedAtBlock *uint64 `json:"-"`
	NFTID              string  `json:"nftId,omitempty"`
	NFT                *NFT    `json:"nft,omitempty"`
}

// Offer is a non-owner bid for a token. Identity is (ContractAddress,
// TokenID, OffererAddress, CreatedAtBlock); at most one offer per
// (token, offerer) is active at a time.
type Offer struct {
	ID                 string  `json:"id"`
	ContractAddress    string  `json:"contractAddress"`
	TokenID            string  `json:"tokenId"`
	OffererAddress     string  `json:"offererAddress"`
	Price              string  `json:"price"`
	Active             bool    `json:"active"`
	CreatedAtBlock     uint64  `json:"-"`
	DeactivatedAtBlock *uint64 `json:"-"`
	Offerer            *User   `json:"offerer,omitempty"`
	NFT                *NFT    `json:"nft,omitempty"`
}

// HistoryType classifies immutable history entries
type HistoryType string

const (
	HistoryMint     HistoryType = "MINT"
	HistorySale     HistoryType = "SALE"
	HistoryTransfer HistoryType = "TRANSFER"
)

// HistoryEvent is an append-only provenance record for an NFT. Keyed by
// (BlockNumber, LogIndex); committed at most once regardless of replays.
type HistoryEvent struct {
	ID              string      `json:"id"`
	ContractAddress string      `json:"-"`
	TokenID         string      `json:"-"`
	Type            HistoryType `json:"type"`
	Price           string      `json:"price"`
	FromAddress     string      `json:"fromAddress"`
	ToAddress       string      `json:"toAddress"`
	TxHash          string      `json:"txHash"`
	CreatedAt       time.Time   `json:"createdAt"`
	BlockNumber     uint64      `json:"-"`
	LogIndex        uint        `json:"-"`
}

// PricePoint is a SALE-derived sample for trend charts
type PricePoint struct {
	Price       string    `json:"price"`
	CreatedAt   time.Time `json:"createdAt"`
	BlockNumber uint64    `json:"-"`
	LogIndex    uint      `json:"-"`
}
