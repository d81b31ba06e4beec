package utils

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

var collectionSlugPattern = regexp.MustCompile(`[^a-z0-9]+`)

// IsValidAddress checks if a string is a valid Ethereum address
func IsValidAddress(address string) bool {
	return common.IsHexAddress(address)
}

// NormalizeAddress normalizes an address to lowercase with 0x prefix
func NormalizeAddress(address string) string {
	if !strings.HasPrefix(address, "0x") {
		address = "0x" + address
	}
	return strings.ToLower(address)
}

// GetEventSignature returns the keccak256 hash of an event signature
func GetEventSignature(signature string) string {
	hash := crypto.Keccak256Hash([]byte(signature))
	return hash.Hex()
}

// TokenKey builds the canonical identifier for an NFT
func TokenKey(contractAddress, tokenID string) string {
	return fmt.Sprintf("%s:%s", NormalizeAddress(contractAddress), tokenID)
}

// CollectionSlug derives a stable collection id from a collection name
func CollectionSlug(name string) string {
	slug := collectionSlugPattern.ReplaceAllString(strings.ToLower(name), "-")
	return strings.Trim(slug, "-")
}
