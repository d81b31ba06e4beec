package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/openmarket/nft-indexer/internal/models"
	"github.com/openmarket/nft-indexer/pkg/utils"
)

// UpsertUser creates the user on first sight and returns the row
func (s *sqlStore) UpsertUser(ctx context.Context, address string) (*models.User, error) {
	address = utils.NormalizeAddress(address)

	if _, err := s.exec(ctx, `
		INSERT INTO users (address, first_seen_at) VALUES (?, ?)
		ON CONFLICT (address) DO NOTHING
	`, address, time.Now().UTC()); err != nil {
		return nil, utils.NewAppError(utils.ErrCodeDatabase, "Failed to upsert user", err.Error())
	}

	var u models.User
	err := s.queryRow(ctx, "SELECT address, first_seen_at FROM users WHERE address = ?", address).
		Scan(&u.Address, &u.FirstSeenAt)
	if err != nil {
		return nil, utils.NewAppError(utils.ErrCodeDatabase, "Failed to get user", err.Error())
	}
	return &u, nil
}

// ListCollections returns collections with derived NFT counts
func (s *sqlStore) ListCollections(ctx context.Context) ([]*models.Collection, error) {
	rows, err := s.query(ctx, `
		SELECT c.id, c.name, COUNT(n.token_id)
		FROM collections c
		LEFT JOIN nfts n ON n.collection_id = c.id
		GROUP BY c.id, c.name
		ORDER BY c.name ASC
	`)
	if err != nil {
		return nil, utils.NewAppError(utils.ErrCodeDatabase, "Failed to query collections", err.Error())
	}
	defer rows.Close()

	collections := []*models.Collection{}
	for rows.Next() {
		var c models.Collection
		var count int64
		if err := rows.Scan(&c.ID, &c.Name, &count); err != nil {
			return nil, utils.NewAppError(utils.ErrCodeDatabase, "Failed to scan collection", err.Error())
		}
		c.Count = &models.CollectionCount{NFTs: count}
		collections = append(collections, &c)
	}
	return collections, rows.Err()
}

// ListListings returns active listings with nested NFT summaries
func (s *sqlStore) ListListings(ctx context.Context, filter ListingFilter) ([]*models.Listing, error) {
	query := `
		SELECT l.contract_address, l.token_id, l.seller_address, l.created_at_block, l.price,
		       n.token_uri, n.name, n.description, n.image, n.collection_id, c.name
		FROM listings l
		JOIN nfts n ON n.contract_address = l.contract_address AND n.token_id = l.token_id
		LEFT JOIN collections c ON c.id = n.collection_id
		WHERE l.active = TRUE
	`
	args := []interface{}{}

	if filter.CollectionID != nil {
		query += " AND n.collection_id = ?"
		args = append(args, *filter.CollectionID)
	}
	if filter.SellerAddress != nil {
		query += " AND l.seller_address = ?"
		args = append(args, utils.NormalizeAddress(*filter.SellerAddress))
	}

	query += " ORDER BY l.created_at_block DESC, l.token_id ASC"
	query, args = paginate(query, args, filter.Limit, filter.Offset)

	rows, err := s.query(ctx, query, args...)
	if err != nil {
		return nil, utils.NewAppError(utils.ErrCodeDatabase, "Failed to query listings", err.Error())
	}
	defer rows.Close()

	listings := []*models.Listing{}
	for rows.Next() {
		var l models.Listing
		var nft models.NFT
		var collectionID, collectionName sql.NullString

		err := rows.Scan(&l.ContractAddress, &l.TokenID, &l.SellerAddress, &l.CreatedAtBlock,
			&l.Price, &nft.TokenURI, &nft.Name, &nft.Description, &nft.Image,
			&collectionID, &collectionName)
		if err != nil {
			return nil, utils.NewAppError(utils.ErrCodeDatabase, "Failed to scan listing", err.Error())
		}

		l.Active = true
		l.ID = listingID(&l)
		nft.ContractAddress = l.ContractAddress
		nft.TokenID = l.TokenID
		nft.ID = utils.TokenKey(nft.ContractAddress, nft.TokenID)
		if collectionName.Valid {
			nft.Collection = &models.Collection{ID: collectionID.String, Name: collectionName.String}
		}
		l.NFTID = nft.ID
		l.NFT = &nft
		listings = append(listings, &l)
	}
	return listings, rows.Err()
}

// ListNFTs returns NFT summaries, optionally filtered by owner
func (s *sqlStore) ListNFTs(ctx context.Context, filter NFTFilter) ([]*models.NFT, error) {
	query := `
		SELECT n.contract_address, n.token_id, n.owner_address, n.token_uri,
		       n.name, n.description, n.image, n.collection_id, c.name
		FROM nfts n
		LEFT JOIN collections c ON c.id = n.collection_id
		WHERE 1=1
	`
	args := []interface{}{}

	if filter.OwnerAddress != nil {
		query += " AND n.owner_address = ?"
		args = append(args, utils.NormalizeAddress(*filter.OwnerAddress))
	}

	query += " ORDER BY n.created_at_block DESC, n.token_id ASC"
	query, args = paginate(query, args, filter.Limit, filter.Offset)

	rows, err := s.query(ctx, query, args...)
	if err != nil {
		return nil, utils.NewAppError(utils.ErrCodeDatabase, "Failed to query NFTs", err.Error())
	}
	defer rows.Close()

	nfts := []*models.NFT{}
	for rows.Next() {
		nft, err := scanNFTRow(rows)
		if err != nil {
			return nil, err
		}
		nfts = append(nfts, nft)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for _, nft := range nfts {
		media, err := s.mediaFor(ctx, nft.ContractAddress, nft.TokenID)
		if err != nil {
			return nil, err
		}
		nft.Media = media
	}
	return nfts, nil
}

// GetNFT assembles the full detail view for one token
func (s *sqlStore) GetNFT(ctx context.Context, contractAddress, tokenID string) (*models.NFT, error) {
	contractAddress = utils.NormalizeAddress(contractAddress)

	row := s.queryRow(ctx, `
		SELECT n.contract_address, n.token_id, n.owner_address, n.token_uri,
		       n.name, n.description, n.image, n.collection_id, c.name
		FROM nfts n
		LEFT JOIN collections c ON c.id = n.collection_id
		WHERE n.contract_address = ? AND n.token_id = ?
	`, contractAddress, tokenID)

	nft, err := scanNFTRow(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}

	nft.Owner = &models.User{Address: nft.OwnerAddress}

	if nft.Media, err = s.mediaFor(ctx, contractAddress, tokenID); err != nil {
		return nil, err
	}
	if nft.Listings, err = s.listingsFor(ctx, contractAddress, tokenID); err != nil {
		return nil, err
	}
	if nft.Offers, err = s.offersFor(ctx, contractAddress, tokenID); err != nil {
		return nil, err
	}
	return nft, nil
}

// GetHistory returns the provenance log, oldest first
func (s *sqlStore) GetHistory(ctx context.Context, contractAddress, tokenID string) ([]*models.HistoryEvent, error) {
	rows, err := s.query(ctx, `
		SELECT block_number, log_index, type, price, from_address, to_address, tx_hash, created_at
		FROM history
		WHERE contract_address = ? AND token_id = ?
		ORDER BY block_number ASC, log_index ASC
	`, utils.NormalizeAddress(contractAddress), tokenID)
	if err != nil {
		return nil, utils.NewAppError(utils.ErrCodeDatabase, "Failed to query history", err.Error())
	}
	defer rows.Close()

	history := []*models.HistoryEvent{}
	for rows.Next() {
		var h models.HistoryEvent
		if err := rows.Scan(&h.BlockNumber, &h.LogIndex, &h.Type, &h.Price,
			&h.FromAddress, &h.ToAddress, &h.TxHash, &h.CreatedAt); err != nil {
			return nil, utils.NewAppError(utils.ErrCodeDatabase, "Failed to scan history", err.Error())
		}
		h.ID = fmt.Sprintf("%d-%d", h.BlockNumber, h.LogIndex)
		history = append(history, &h)
	}
	return history, rows.Err()
}

// GetPriceHistory returns SALE-derived price samples, oldest first
func (s *sqlStore) GetPriceHistory(ctx context.Context, contractAddress, tokenID string) ([]*models.PricePoint, error) {
	rows, err := s.query(ctx, `
		SELECT block_number, log_index, price, created_at
		FROM price_points
		WHERE contract_address = ? AND token_id = ?
		ORDER BY block_number ASC, log_index ASC
	`, utils.NormalizeAddress(contractAddress), tokenID)
	if err != nil {
		return nil, utils.NewAppError(utils.ErrCodeDatabase, "Failed to query price history", err.Error())
	}
	defer rows.Close()

	points := []*models.PricePoint{}
	for rows.Next() {
		var p models.PricePoint
		if err := rows.Scan(&p.BlockNumber, &p.LogIndex, &p.Price, &p.CreatedAt); err != nil {
			return nil, utils.NewAppError(utils.ErrCodeDatabase, "Failed to scan price point", err.Error())
		}
		points = append(points, &p)
	}
	return points, rows.Err()
}

// OffersReceived returns active offers on NFTs owned by the address
func (s *sqlStore) OffersReceived(ctx context.Context, ownerAddress string) ([]*models.Offer, error) {
	return s.queryOffers(ctx, `
		SELECT o.contract_address, o.token_id, o.offerer_address, o.created_at_block, o.price,
		       n.token_uri, n.name, n.description, n.image, n.owner_address
		FROM offers o
		JOIN nfts n ON n.contract_address = o.contract_address AND n.token_id = o.token_id
		WHERE o.active = TRUE AND n.owner_address = ?
		ORDER BY o.created_at_block DESC
	`, utils.NormalizeAddress(ownerAddress))
}

// OffersMade returns active offers placed by the address
func (s *sqlStore) OffersMade(ctx context.Context, offererAddress string) ([]*models.Offer, error) {
	return s.queryOffers(ctx, `
		SELECT o.contract_address, o.token_id, o.offerer_address, o.created_at_block, o.price,
		       n.token_uri, n.name, n.description, n.image, n.owner_address
		FROM offers o
		JOIN nfts n ON n.contract_address = o.contract_address AND n.token_id = o.token_id
		WHERE o.active = TRUE AND o.offerer_address = ?
		ORDER BY o.created_at_block DESC
	`, utils.NormalizeAddress(offererAddress))
}

func (s *sqlStore) queryOffers(ctx context.Context, query string, args ...interface{}) ([]*models.Offer, error) {
	rows, err := s.query(ctx, query, args...)
	if err != nil {
		return nil, utils.NewAppError(utils.ErrCodeDatabase, "Failed to query offers", err.Error())
	}
	defer rows.Close()

	offers := []*models.Offer{}
	for rows.Next() {
		var o models.Offer
		var nft models.NFT
		err := rows.Scan(&o.ContractAddress, &o.TokenID, &o.OffererAddress, &o.CreatedAtBlock,
			&o.Price, &nft.TokenURI, &nft.Name, &nft.Description, &nft.Image, &nft.OwnerAddress)
		if err != nil {
			return nil, utils.NewAppError(utils.ErrCodeDatabase, "Failed to scan offer", err.Error())
		}

		o.Active = true
		o.ID = offerID(&o)
		o.Offerer = &models.User{Address: o.OffererAddress}
		nft.ContractAddress = o.ContractAddress
		nft.TokenID = o.TokenID
		nft.ID = utils.TokenKey(nft.ContractAddress, nft.TokenID)
		o.NFT = &nft
		offers = append(offers, &o)
	}
	return offers, rows.Err()
}

// listingsFor returns every listing for a token, newest first
func (s *sqlStore) listingsFor(ctx context.Context, contractAddress, tokenID string) ([]*models.Listing, error) {
	rows, err := s.query(ctx, `
		SELECT contract_address, token_id, seller_address, created_at_block, price, active, deactivated_at_block
		FROM listings
		WHERE contract_address = ? AND token_id = ?
		ORDER BY created_at_block DESC
	`, contractAddress, tokenID)
	if err != nil {
		return nil, utils.NewAppError(utils.ErrCodeDatabase, "Failed to query token listings", err.Error())
	}
	defer rows.Close()

	listings := []*models.Listing{}
	for rows.Next() {
		var l models.Listing
		var deactivated sql.NullInt64
		if err := rows.Scan(&l.ContractAddress, &l.TokenID, &l.SellerAddress,
			&l.CreatedAtBlock, &l.Price, &l.Active, &deactivated); err != nil {
			return nil, utils.NewAppError(utils.ErrCodeDatabase, "Failed to scan token listing", err.Error())
		}
		if deactivated.Valid {
			block := uint64(deactivated.Int64)
			l.DeactivatedAtBlock = &block
		}
		l.ID = listingID(&l)
		listings = append(listings, &l)
	}
	return listings, rows.Err()
}

// offersFor returns every offer for a token, newest first
func (s *sqlStore) offersFor(ctx context.Context, contractAddress, tokenID string) ([]*models.Offer, error) {
	rows, err := s.query(ctx, `
		SELECT contract_address, token_id, offerer_address, created_at_block, price, active, deactivated_at_block
		FROM offers
		WHERE contract_address = ? AND token_id = ?
		ORDER BY created_at_block DESC
	`, contractAddress, tokenID)
	if err != nil {
		return nil, utils.NewAppError(utils.ErrCodeDatabase, "Failed to query token offers", err.Error())
	}
	defer rows.Close()

	offers := []*models.Offer{}
	for rows.Next() {
		var o models.Offer
		var deactivated sql.NullInt64
		if err := rows.Scan(&o.ContractAddress, &o.TokenID, &o.OffererAddress,
			&o.CreatedAtBlock, &o.Price, &o.Active, &deactivated); err != nil {
			return nil, utils.NewAppError(utils.ErrCodeDatabase, "Failed to scan token offer", err.Error())
		}
		if deactivated.Valid {
			block := uint64(deactivated.Int64)
			o.DeactivatedAtBlock = &block
		}
		o.ID = offerID(&o)
		o.Offerer = &models.User{Address: o.OffererAddress}
		offers = append(offers, &o)
	}
	return offers, rows.Err()
}

func (s *sqlStore) mediaFor(ctx context.Context, contractAddress, tokenID string) ([]*models.Media, error) {
	rows, err := s.query(ctx, `
		SELECT url, media_type, sort_order
		FROM nft_media
		WHERE contract_address = ? AND token_id = ?
		ORDER BY sort_order ASC
	`, contractAddress, tokenID)
	if err != nil {
		return nil, utils.NewAppError(utils.ErrCodeDatabase, "Failed to query media", err.Error())
	}
	defer rows.Close()

	media := []*models.Media{}
	for rows.Next() {
		var m models.Media
		var order int
		if err := rows.Scan(&m.URL, &m.Type, &order); err != nil {
			return nil, utils.NewAppError(utils.ErrCodeDatabase, "Failed to scan media", err.Error())
		}
		m.ID = fmt.Sprintf("%s:%s:%d", utils.TokenKey(contractAddress, tokenID), m.Type, order)
		media = append(media, &m)
	}
	return media, rows.Err()
}

// scanner covers *sql.Row and *sql.Rows
type scanner interface {
	Scan(dest ...interface{}) error
}

func scanNFTRow(row scanner) (*models.NFT, error) {
	var nft models.NFT
	var collectionID, collectionName sql.NullString

	err := row.Scan(&nft.ContractAddress, &nft.TokenID, &nft.OwnerAddress, &nft.TokenURI,
		&nft.Name, &nft.Description, &nft.Image, &collectionID, &collectionName)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, err
		}
		return nil, utils.NewAppError(utils.ErrCodeDatabase, "Failed to scan NFT", err.Error())
	}

	nft.ID = utils.TokenKey(nft.ContractAddress, nft.TokenID)
	if collectionID.Valid {
		id := collectionID.String
		nft.CollectionID = &id
		nft.Collection = &models.Collection{ID: id, Name: collectionName.String}
	}
	nft.Media = []*models.Media{}
	return &nft, nil
}

func listingID(l *models.Listing) string {
	return fmt.Sprintf("%s:%s:%d", utils.TokenKey(l.ContractAddress, l.TokenID), l.SellerAddress, l.CreatedAtBlock)
}

func offerID(o *models.Offer) string {
	return fmt.Sprintf("%s:%s:%d", utils.TokenKey(o.ContractAddress, o.TokenID), o.OffererAddress, o.CreatedAtBlock)
}

func paginate(query string, args []interface{}, limit, offset int) (string, []interface{}) {
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}
	if offset > 0 {
		query += " OFFSET ?"
		args = append(args, offset)
	}
	return query, args
}
