package models

import "time"

// NFT is the current-state read model for a token, keyed by
// (ContractAddress, TokenID). Derived from the event log; rebuildable.
type NFT struct {
	ID              string      `json:"id"`
	ContractAddress string      `json:"contractAddress"`
	TokenID         string      `json:"tokenId"`
	OwnerAddress    string      `json:"ownerAddress"`
	TokenURI        string      `json:"tokenURI"`
	Name            string      `json:"name,omitempty"`
	Description     string      `json:"description,omitempty"`
	Image           string      `json:"image,omitempty"`
	CollectionID    *string     `json:"collectionId,omitempty"`
	Collection      *Collection `json:"collection,omitempty"`
	Owner           *User       `json:"owner,omitempty"`
	Media           []*Media    `json:"media"`
	Listings        []*Listing  `json:"listings,omitempty"`
	Offers          []*Offer    `json:"offers,omitempty"`
	CreatedAtBlock  uint64      `json:"-"`
}

// MediaType distinguishes media entries attached to an NFT
type MediaType string

const (
	MediaImage MediaType = "IMAGE"
	MediaVideo MediaType = "VIDEO"
)

// Media is a resolved media asset from token metadata
type Media struct {
	ID   string    `json:"id"`
	URL  string    `json:"url"`
	Type MediaType `json:"type"`
}

// Collection groups NFTs by the collection named in their metadata
type Collection struct {
	ID    string           `json:"id"`
	Name  string           `json:"name"`
	Count *CollectionCount `json:"_count,omitempty"`
}

// CollectionCount mirrors the aggregate shape the API exposes
type CollectionCount struct {
	NFTs int64 `json:"nfts"`
}

// Metadata is the off-chain JSON resolved from a tokenURI
type Metadata struct {
	Name        string   `json:"name"`
	Description string   `json:"description"`
	Image       string   `json:"image"`
	Collection  string   `json:"collection"`
	Media       []*Media `json:"media"`
}

// User is created lazily on the first event touching an address
type User struct {
	Address     string    `json:"address"`
	FirstSeenAt time.Time `json:"firstSeenAt"`
}
