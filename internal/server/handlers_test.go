package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openmarket/nft-indexer/internal/config"
	"github.com/openmarket/nft-indexer/internal/models"
	"github.com/openmarket/nft-indexer/internal/storage"
	"github.com/openmarket/nft-indexer/pkg/utils"
)

const (
	testContract = "0x4444444444444444444444444444444444444444"
	testOwner    = "0xaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa"
	testOfferer  = "0xcccccccccccccccccccccccccccccccccccccccc"
)

func TestMain(m *testing.M) {
	utils.InitLogger("error", "text", "stdout", "")
	os.Exit(m.Run())
}

func newTestServer(t *testing.T) (*HTTPServer, storage.Storage) {
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

	cfg := &config.ServerConfig{
		Port:         0,
		Host:         "127.0.0.1",
		DefaultLimit: 50,
		MaxLimit:     200,
		EnableHealth: true,
	}
	return NewHTTPServer(cfg, store, nil, nil), store
}

func seedMarket(t *testing.T, store storage.Storage) {
	t.Helper()

	batch, err := store.BeginBatch(context.Background())
	require.NoError(t, err)
	require.NoError(t, batch.UpsertNFT(testContract, "1", testOwner, "ipfs://meta/1", 10))
	require.NoError(t, batch.UpsertNFT(testContract, "2", testOwner, "", 11))
	require.NoError(t, batch.EnsureUser(testOwner, time.Now().UTC()))
	require.NoError(t, batch.UpsertListing(&models.Listing{
		ContractAddress: testContract, TokenID: "1",
		SellerAddress: testOwner, Price: "1000", CreatedAtBlock: 12,
	}))
	require.NoError(t, batch.UpsertOffer(&models.Offer{
		ContractAddress: testContract, TokenID: "1",
		OffererAddress: testOfferer, Price: "900", CreatedAtBlock: 13,
	}))
	require.NoError(t, batch.InsertHistory(&models.HistoryEvent{
		ContractAddress: testContract, TokenID: "1",
		Type: models.HistoryMint, ToAddress: testOwner,
		TxHash: "0xmint", CreatedAt: time.Now().UTC(), BlockNumber: 10, LogIndex: 0,
	}))
	require.NoError(t, batch.Commit())
}

func doRequest(t *testing.T, s *HTTPServer, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()

	req := httptest.NewRequest(method, path, strings.NewReader(body))
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, req)
	return rec
}

func TestCreateUser(t *testing.T) {
	s, _ := newTestServer(t)

	rec := doRequest(t, s, http.MethodPost, "/users", `{"address": "`+testOwner+`"}`)
	require.Equal(t, http.StatusCreated, rec.Code)

	var user models.User
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &user))
	assert.Equal(t, testOwner, user.Address)
	assert.False(t, user.FirstSeenAt.IsZero())

	// Repeating the call returns the same user.
	rec = doRequest(t, s, http.MethodPost, "/users", `{"address": "`+testOwner+`"}`)
	assert.Equal(t, http.StatusCreated, rec.Code)
}

func TestCreateUserRejectsInvalidAddress(t *testing.T) {
	s, _ := newTestServer(t)

	rec := doRequest(t, s, http.MethodPost, "/users", `{"address": "not-an-address"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doRequest(t, s, http.MethodPost, "/users", `{broken`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestListEndpointsReturnEmptyArrays(t *testing.T) {
	s, _ := newTestServer(t)

	for _, path := range []string{
		"/collections",
		"/listings",
		"/nfts",
		"/offers/received/" + testOwner,
		"/offers/made/" + testOwner,
		"/nfts/" + testContract + "/1/history",
		"/nfts/" + testContract + "/1/price-history",
	} {
		rec := doRequest(t, s, http.MethodGet, path, "")
		require.Equal(t, http.StatusOK, rec.Code, path)
		assert.Equal(t, "[]", strings.TrimSpace(rec.Body.String()), path)
	}
}

func TestGetNFT(t *testing.T) {
	s, store := newTestServer(t)
	seedMarket(t, store)

	rec := doRequest(t, s, http.MethodGet, "/nfts/"+testContract+"/1", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var nft models.NFT
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &nft))
	assert.Equal(t, testContract+":1", nft.ID)
	assert.Equal(t, testOwner, nft.OwnerAddress)
	require.NotNil(t, nft.Owner)
	require.Len(t, nft.Listings, 1)
	assert.Equal(t, "1000", nft.Listings[0].Price)
	require.Len(t, nft.Offers, 1)
	assert.Equal(t, "900", nft.Offers[0].Price)
	assert.NotNil(t, nft.Media)
}

func TestGetNFTNotFound(t *testing.T) {
	s, _ := newTestServer(t)

	rec := doRequest(t, s, http.MethodGet, "/nfts/"+testContract+"/999", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestGetNFTValidation(t *testing.T) {
	s, _ := newTestServer(t)

	rec := doRequest(t, s, http.MethodGet, "/nfts/nope/1", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doRequest(t, s, http.MethodGet, "/nfts/"+testContract+"/abc", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	// uint256-sized token IDs are valid.
	rec = doRequest(t, s, http.MethodGet,
		"/nfts/"+testContract+"/115792089237316195423570985008687907853269984665640564039457584007913129639935", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestListListings(t *testing.T) {
	s, store := newTestServer(t)
	seedMarket(t, store)

	rec := doRequest(t, s, http.MethodGet, "/listings", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var listings []*models.Listing
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &listings))
	require.Len(t, listings, 1)
	assert.Equal(t, "1000", listings[0].Price)
	require.NotNil(t, listings[0].NFT)
	assert.Equal(t, testContract+":1", listings[0].NFT.ID)

	rec = doRequest(t, s, http.MethodGet, "/listings?sellerAddress="+testOwner, "")
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doRequest(t, s, http.MethodGet, "/listings?sellerAddress=nope", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestListNFTsPagination(t *testing.T) {
	s, store := newTestServer(t)
	seedMarket(t, store)

	rec := doRequest(t, s, http.MethodGet, "/nfts?limit=1", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var nfts []*models.NFT
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &nfts))
	assert.Len(t, nfts, 1)

	rec = doRequest(t, s, http.MethodGet, "/nfts?ownerAddress="+testOwner, "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &nfts))
	assert.Len(t, nfts, 2)

	rec = doRequest(t, s, http.MethodGet, "/nfts?ownerAddress=nope", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestOffersEndpoints(t *testing.T) {
	s, store := newTestServer(t)
	seedMarket(t, store)

	rec := doRequest(t, s, http.MethodGet, "/offers/received/"+testOwner, "")
	require.Equal(t, http.StatusOK, rec.Code)
	var offers []*models.Offer
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &offers))
	require.Len(t, offers, 1)
	assert.Equal(t, testOfferer, offers[0].OffererAddress)

	rec = doRequest(t, s, http.MethodGet, "/offers/made/"+testOfferer, "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &offers))
	assert.Len(t, offers, 1)

	rec = doRequest(t, s, http.MethodGet, "/offers/received/nope", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHistoryEndpoint(t *testing.T) {
	s, store := newTestServer(t)
	seedMarket(t, store)

	rec := doRequest(t, s, http.MethodGet, "/nfts/"+testContract+"/1/history", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var history []*models.HistoryEvent
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &history))
	require.Len(t, history, 1)
	assert.Equal(t, "10-0", history[0].ID)
	assert.Equal(t, models.HistoryMint, history[0].Type)
}

func TestHealthEndpoints(t *testing.T) {
	s, _ := newTestServer(t)

	rec := doRequest(t, s, http.MethodGet, "/health", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var health map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &health))
	assert.Equal(t, "healthy", health["status"])

	rec = doRequest(t, s, http.MethodGet, "/health/detailed", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &health))
	assert.Equal(t, "healthy", health["status"])
	components, ok := health["components"].(map[string]interface{})
	require.True(t, ok)
	assert.Contains(t, components, "storage")
}

func TestCORSHeaders(t *testing.T) {
	s, _ := newTestServer(t)

	rec := doRequest(t, s, http.MethodGet, "/health", "")
	assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
}
