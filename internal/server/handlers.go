package server

import (
	"encoding/json"
	"math/big"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"github.com/openmarket/nft-indexer/internal/storage"
	"github.com/openmarket/nft-indexer/pkg/utils"
)

// createUserHandler registers an address; repeated calls are no-ops
func (s *HTTPServer) createUserHandler(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Address string `json:"address"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		s.writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	if !utils.IsValidAddress(body.Address) {
		s.writeError(w, http.StatusBadRequest, "Invalid address", nil)
		return
	}

	user, err := s.storage.UpsertUser(r.Context(), body.Address)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "Failed to upsert user", err)
		return
	}
	s.writeJSON(w, http.StatusCreated, user)
}

func (s *HTTPServer) listCollectionsHandler(w http.ResponseWriter, r *http.Request) {
	collections, err := s.storage.ListCollections(r.Context())
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "Failed to list collections", err)
		return
	}
	s.writeJSON(w, http.StatusOK, collections)
}

func (s *HTTPServer) listListingsHandler(w http.ResponseWriter, r *http.Request) {
	filter := storage.ListingFilter{}
	filter.Limit, filter.Offset = s.pagination(r)

	if v := r.URL.Query().Get("collectionId"); v != "" {
		filter.CollectionID = &v
	}
	if v := r.URL.Query().Get("sellerAddress"); v != "" {
		if !utils.IsValidAddress(v) {
			s.writeError(w, http.StatusBadRequest, "Invalid seller address", nil)
			return
		}
		filter.SellerAddress = &v
	}

	listings, err := s.storage.ListListings(r.Context(), filter)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "Failed to list listings", err)
		return
	}
	s.writeJSON(w, http.StatusOK, listings)
}

func (s *HTTPServer) listNFTsHandler(w http.ResponseWriter, r *http.Request) {
	filter := storage.NFTFilter{}
	filter.Limit, filter.Offset = s.pagination(r)

	if v := r.URL.Query().Get("ownerAddress"); v != "" {
		if !utils.IsValidAddress(v) {
			s.writeError(w, http.StatusBadRequest, "Invalid owner address", nil)
			return
		}
		filter.OwnerAddress = &v
	}

	nfts, err := s.storage.ListNFTs(r.Context(), filter)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "Failed to list NFTs", err)
		return
	}
	s.writeJSON(w, http.StatusOK, nfts)
}

func (s *HTTPServer) getNFTHandler(w http.ResponseWriter, r *http.Request) {
	contractAddress, tokenID, ok := s.tokenParams(w, r)
	if !ok {
		return
	}

	nft, err := s.storage.GetNFT(r.Context(), contractAddress, tokenID)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "Failed to get NFT", err)
		return
	}
	if nft == nil {
		s.writeError(w, http.StatusNotFound, "NFT not found", nil)
		return
	}
	s.writeJSON(w, http.StatusOK, nft)
}

func (s *HTTPServer) getHistoryHandler(w http.ResponseWriter, r *http.Request) {
	contractAddress, tokenID, ok := s.tokenParams(w, r)
	if !ok {
		return
	}

	history, err := s.storage.GetHistory(r.Context(), contractAddress, tokenID)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "Failed to get history", err)
		return
	}
	s.writeJSON(w, http.StatusOK, history)
}

func (s *HTTPServer) getPriceHistoryHandler(w http.ResponseWriter, r *http.Request) {
	contractAddress, tokenID, ok := s.tokenParams(w, r)
	if !ok {
		return
	}

	points, err := s.storage.GetPriceHistory(r.Context(), contractAddress, tokenID)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "Failed to get price history", err)
		return
	}
	s.writeJSON(w, http.StatusOK, points)
}

func (s *HTTPServer) offersReceivedHandler(w http.ResponseWriter, r *http.Request) {
	address, ok := s.addressParam(w, r)
	if !ok {
		return
	}

	offers, err := s.storage.OffersReceived(r.Context(), address)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "Failed to get offers", err)
		return
	}
	s.writeJSON(w, http.StatusOK, offers)
}

func (s *HTTPServer) offersMadeHandler(w http.ResponseWriter, r *http.Request) {
	address, ok := s.addressParam(w, r)
	if !ok {
		return
	}

	offers, err := s.storage.OffersMade(r.Context(), address)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "Failed to get offers", err)
		return
	}
	s.writeJSON(w, http.StatusOK, offers)
}

// healthHandler returns basic health status
func (s *HTTPServer) healthHandler(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"status": "healthy",
	})
}

// detailedHealthHandler returns per-component health, including the
// ingestion lag the API contract documents
func (s *HTTPServer) detailedHealthHandler(w http.ResponseWriter, r *http.Request) {
	components := map[string]interface{}{
		"storage": s.storage.GetHealth(),
	}
	status := "healthy"

	if s.cursor != nil {
		health := s.cursor.GetHealth()
		components["ingest"] = health
		if health.Halted {
			status = "degraded"
		}
	}

	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":     status,
		"components": components,
	})
}

// statsHandler returns indexer statistics
func (s *HTTPServer) statsHandler(w http.ResponseWriter, r *http.Request) {
	stats, err := s.storage.GetStats(r.Context())
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "Failed to get stats", err)
		return
	}

	resp := map[string]interface{}{"storage": stats}
	if s.cursor != nil {
		resp["ingest"] = s.cursor.GetHealth()
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *HTTPServer) tokenParams(w http.ResponseWriter, r *http.Request) (string, string, bool) {
	vars := mux.Vars(r)
	contractAddress := vars["contractAddress"]
	tokenID := vars["tokenId"]

	if !utils.IsValidAddress(contractAddress) {
		s.writeError(w, http.StatusBadRequest, "Invalid contract address", nil)
		return "", "", false
	}
	if _, ok := new(big.Int).SetString(tokenID, 10); !ok {
		s.writeError(w, http.StatusBadRequest, "Invalid token ID", nil)
		return "", "", false
	}
	return contractAddress, tokenID, true
}

func (s *HTTPServer) addressParam(w http.ResponseWriter, r *http.Request) (string, bool) {
	address := mux.Vars(r)["address"]
	if !utils.IsValidAddress(address) {
		s.writeError(w, http.StatusBadRequest, "Invalid address", nil)
		return "", false
	}
	return address, true
}

func (s *HTTPServer) pagination(r *http.Request) (int, int) {
	limit := s.config.DefaultLimit
	offset := 0

	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}
	if limit > s.config.MaxLimit {
		limit = s.config.MaxLimit
	}
	if v := r.URL.Query().Get("offset"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			offset = n
		}
	}
	return limit, offset
}
