package resolver

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openmarket/nft-indexer/internal/config"
	"github.com/openmarket/nft-indexer/internal/models"
	"github.com/openmarket/nft-indexer/internal/storage"
	"github.com/openmarket/nft-indexer/pkg/utils"
)

const testContract = "0x4444444444444444444444444444444444444444"

func TestMain(m *testing.M) {
	utils.InitLogger("error", "text", "stdout", "")
	os.Exit(m.Run())
}

func newTestStore(t *testing.T) storage.Storage {
	t.Helper()

	store := storage.NewSQLiteStorage(&config.StorageConfig{
		Type:             "sqlite",
		ConnectionString: filepath.Join(t.TempDir(), "test.db"),
		MaxConnections:   4,
		MaxIdleTime:      time.Minute,
	})
	require.NoError(t, store.Connect())
	require.NoError(t, store.Migrate())
	t.Cleanup(func() { store.Close() })
	return store
}

func newTestResolver(t *testing.T, store storage.Storage, gateway string) *Resolver {
	t.Helper()

	cfg := &config.ResolverConfig{
		Workers:       2,
		QueueSize:     16,
		FetchTimeout:  2 * time.Second,
		MaxRetries:    2,
		IPFSGateway:   gateway,
		CacheTTL:      time.Minute,
		SweepInterval: time.Hour,
		SweepBatch:    10,
	}
	return New(cfg, store, nil, abi.ABI{}, nil)
}

func seedNFT(t *testing.T, store storage.Storage, tokenID, tokenURI string) {
	t.Helper()

	batch, err := store.BeginBatch(context.Background())
	require.NoError(t, err)
	require.NoError(t, batch.UpsertNFT(testContract, tokenID, "0xaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa", tokenURI, 10))
	require.NoError(t, batch.Commit())
}

func TestGatewayURL(t *testing.T) {
	r := newTestResolver(t, nil, "https://gateway.example/ipfs/")

	cases := []struct {
		uri  string
		want string
	}{
		{"ipfs://QmHash/1.json", "https://gateway.example/ipfs/QmHash/1.json"},
		{"https://gateway.pinata.cloud/ipfs/QmHash", "https://gateway.example/ipfs/QmHash"},
		{"https://example.com/meta/1.json", "https://example.com/meta/1.json"},
		{"", ""},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, r.GatewayURL(tc.uri), tc.uri)
	}
}

func TestResolveAppliesMetadata(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{
			"name": "Sunset",
			"description": "A sunset",
			"image": "ipfs://QmImage",
			"collection": "Landscapes",
			"media": [
				{"url": "ipfs://QmImage", "type": "image"},
				{"url": "ipfs://QmClip", "type": "VIDEO"}
			]
		}`))
	}))
	defer srv.Close()

	store := newTestStore(t)
	r := newTestResolver(t, store, srv.URL+"/gw/")
	seedNFT(t, store, "1", srv.URL+"/meta/1.json")

	require.NoError(t, r.resolve(context.Background(), testContract, "1", srv.URL+"/meta/1.json"))

	nft, err := store.GetNFT(context.Background(), testContract, "1")
	require.NoError(t, err)
	assert.Equal(t, "Sunset", nft.Name)
	assert.Equal(t, srv.URL+"/gw/QmImage", nft.Image)
	require.NotNil(t, nft.Collection)
	assert.Equal(t, "Landscapes", nft.Collection.Name)
	require.Len(t, nft.Media, 2)
	assert.Equal(t, models.MediaImage, nft.Media[0].Type)
	assert.Equal(t, models.MediaVideo, nft.Media[1].Type)
	assert.Equal(t, srv.URL+"/gw/QmClip", nft.Media[1].URL)

	missing, err := store.NFTsMissingMetadata(context.Background(), 10)
	require.NoError(t, err)
	assert.Empty(t, missing)
}

func TestResolveUsesCache(t *testing.T) {
	var hits int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		atomic.AddInt64(&hits, 1)
		w.Write([]byte(`{"name": "Cached"}`))
	}))
	defer srv.Close()

	store := newTestStore(t)
	r := newTestResolver(t, store, srv.URL+"/gw/")
	uri := srv.URL + "/meta/shared.json"
	seedNFT(t, store, "1", uri)
	seedNFT(t, store, "2", uri)

	require.NoError(t, r.resolve(context.Background(), testContract, "1", uri))
	require.NoError(t, r.resolve(context.Background(), testContract, "2", uri))

	assert.Equal(t, int64(1), atomic.LoadInt64(&hits))

	nft, err := store.GetNFT(context.Background(), testContract, "2")
	require.NoError(t, err)
	assert.Equal(t, "Cached", nft.Name)
}

func TestResolveRetriesServerErrors(t *testing.T) {
	var hits int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		if atomic.AddInt64(&hits, 1) == 1 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.Write([]byte(`{"name": "Eventually"}`))
	}))
	defer srv.Close()

	store := newTestStore(t)
	r := newTestResolver(t, store, srv.URL+"/gw/")
	uri := srv.URL + "/meta/1.json"
	seedNFT(t, store, "1", uri)

	require.NoError(t, r.resolve(context.Background(), testContract, "1", uri))
	assert.Equal(t, int64(2), atomic.LoadInt64(&hits))
}

func TestResolveNotFoundIsPermanent(t *testing.T) {
	var hits int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		atomic.AddInt64(&hits, 1)
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	store := newTestStore(t)
	r := newTestResolver(t, store, srv.URL+"/gw/")
	uri := srv.URL + "/meta/1.json"
	seedNFT(t, store, "1", uri)

	err := r.resolve(context.Background(), testContract, "1", uri)
	require.Error(t, err)
	assert.Equal(t, int64(1), atomic.LoadInt64(&hits))

	appErr, ok := err.(*utils.AppError)
	require.True(t, ok)
	assert.Equal(t, utils.ErrCodeMetadata, appErr.Code)
}

func TestResolveInvalidJSON(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		w.Write([]byte("not json"))
	}))
	defer srv.Close()

	store := newTestStore(t)
	r := newTestResolver(t, store, srv.URL+"/gw/")
	uri := srv.URL + "/meta/1.json"
	seedNFT(t, store, "1", uri)

	err := r.resolve(context.Background(), testContract, "1", uri)
	require.Error(t, err)

	// The token stays unresolved for the sweep.
	missing, err := store.NFTsMissingMetadata(context.Background(), 10)
	require.NoError(t, err)
	assert.Len(t, missing, 1)
}
