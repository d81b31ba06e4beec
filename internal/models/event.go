package models

import (
	"fmt"
	"math/big"
	"time"
)

// EventKind identifies a decoded marketplace or token event
type EventKind string

const (
	EventMint          EventKind = "Mint"
	EventTransfer      EventKind = "Transfer"
	EventItemListed    EventKind = "ItemListed"
	EventItemCanceled  EventKind = "ItemCanceled"
	EventItemBought    EventKind = "ItemBought"
	EventOfferCreated  EventKind = "OfferCreated"
	EventOfferAccepted EventKind = "OfferAccepted"
	EventOfferCanceled EventKind = "OfferCanceled"
)

// Event is a decoded domain event in canonical chain order.
// (BlockNumber, LogIndex) is its identity for idempotent replay.
type Event struct {
	Kind            EventKind `json:"kind" db:"kind"`
	ContractAddress string    `json:"contract_address" db:"contract_address"`
	TokenID         string    `json:"token_id" db:"token_id"`

	// Participants; which fields are set depends on Kind.
	Seller  string `json:"seller,omitempty" db:"seller"`
	Buyer   string `json:"buyer,omitempty" db:"buyer"`
	Offerer string `json:"offerer,omitempty" db:"offerer"`
	From    string `json:"from,omitempty" db:"from_address"`
	To      string `json:"to,omitempty" db:"to_address"`

	// Price in wei, decimal string; empty when the event carries none.
	Price string `json:"price,omitempty" db:"price"`

	BlockNumber uint64    `json:"block_number" db:"block_number"`
	BlockHash   string    `json:"block_hash" db:"block_hash"`
	TxHash      string    `json:"tx_hash" db:"tx_hash"`
	LogIndex    uint      `json:"log_index" db:"log_index"`
	BlockTime   time.Time `json:"block_time" db:"block_time"`
}

// ID returns the replay identity of the event
func (e *Event) ID() string {
	return fmt.Sprintf("%d-%d", e.BlockNumber, e.LogIndex)
}

// PriceBig parses the event price; nil when unset
func (e *Event) PriceBig() *big.Int {
	if e.Price == "" {
		return nil
	}
	v, ok := new(big.Int).SetString(e.Price, 10)
	if !ok {
		return nil
	}
	return v
}

// BlockHeader is a confirmed header retained for reorg detection
type BlockHeader struct {
	Number     uint64 `json:"number" db:"number"`
	Hash       string `json:"hash" db:"hash"`
	ParentHash string `json:"parent_hash" db:"parent_hash"`
}

// Cursor is the ingestion watermark: the last block fully projected
type Cursor struct {
	BlockNumber uint64    `json:"block_number" db:"block_number"`
	BlockHash   string    `json:"block_hash" db:"block_hash"`
	UpdatedAt   time.Time `json:"updated_at" db:"updated_at"`
}
