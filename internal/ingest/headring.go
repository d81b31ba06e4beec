package ingest

import (
	"errors"

	"github.com/openmarket/nft-indexer/internal/models"
)

// errBrokenRange marks a fetched header range whose parent hashes do
// not chain, meaning the chain reorganized mid-fetch
var errBrokenRange = errors.New("header range is not parent-linked")

// parentLinked reports whether consecutive headers chain by parent hash
func parentLinked(headers []*models.BlockHeader) bool {
	for i := 1; i < len(headers); i++ {
		if headers[i].ParentHash != headers[i-1].Hash {
			return false
		}
	}
	return true
}

// headRing is a bounded in-memory window of recently processed block
// headers, used to verify the parent-hash chain and to locate the
// divergence point during a reorg. The persisted block_headers table
// re-seeds it on restart.
type headRing struct {
	capacity int
	headers  []*models.BlockHeader // ascending by number
}

func newHeadRing(capacity int) *headRing {
	return &headRing{capacity: capacity}
}

// Push appends a header, evicting the oldest once over capacity.
// A header at or below an existing number truncates the tail first,
// which keeps the ring consistent after a rollback.
func (r *headRing) Push(h *models.BlockHeader) {
	for len(r.headers) > 0 && r.headers[len(r.headers)-1].Number >= h.Number {
		r.headers = r.headers[:len(r.headers)-1]
	}
	r.headers = append(r.headers, h)
	if len(r.headers) > r.capacity {
		r.headers = r.headers[len(r.headers)-r.capacity:]
	}
}

// Top returns the newest header, or nil when empty
func (r *headRing) Top() *models.BlockHeader {
	if len(r.headers) == 0 {
		return nil
	}
	return r.headers[len(r.headers)-1]
}

// Get returns the stored header for a block number, or nil
func (r *headRing) Get(number uint64) *models.BlockHeader {
	for i := len(r.headers) - 1; i >= 0; i-- {
		if r.headers[i].Number == number {
			return r.headers[i]
		}
		if r.headers[i].Number < number {
			break
		}
	}
	return nil
}

// TruncateAbove drops headers newer than the given block number
func (r *headRing) TruncateAbove(number uint64) {
	for len(r.headers) > 0 && r.headers[len(r.headers)-1].Number > number {
		r.headers = r.headers[:len(r.headers)-1]
	}
}

func (r *headRing) Len() int {
	return len(r.headers)
}
