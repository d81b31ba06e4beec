package decoder

import (
	"errors"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/openmarket/nft-indexer/internal/models"
	"github.com/openmarket/nft-indexer/pkg/utils"
)

// ErrUnknownEvent marks logs whose first topic matches no known event
// signature. Such logs are skipped by ingestion, never fatal.
var ErrUnknownEvent = errors.New("unknown event topic")

var zeroAddress = common.Address{}

// Decoder turns raw chain logs into typed domain events. It is pure and
// stateless; ABIs are parsed once at construction.
type Decoder struct {
	marketplace abi.ABI
	token       abi.ABI

	handlers map[common.Hash]func(types.Log) (*models.Event, error)
}

// New builds a decoder for the marketplace and ERC-721 event shapes
func New() (*Decoder, error) {
	marketplace, err := abi.JSON(strings.NewReader(marketplaceABI))
	if err != nil {
		return nil, utils.NewAppError(utils.ErrCodeConfiguration, "Failed to parse marketplace ABI", err.Error())
	}
	token, err := abi.JSON(strings.NewReader(tokenABI))
	if err != nil {
		return nil, utils.NewAppError(utils.ErrCodeConfiguration, "Failed to parse token ABI", err.Error())
	}

	d := &Decoder{
		marketplace: marketplace,
		token:       token,
	}

	d.handlers = map[common.Hash]func(types.Log) (*models.Event, error){
		marketplace.Events["ItemListed"].ID:    d.decodeItemListed,
		marketplace.Events["ItemCanceled"].ID:  d.decodeItemCanceled,
		marketplace.Events["ItemBought"].ID:    d.decodeItemBought,
		marketplace.Events["OfferCreated"].ID:  d.decodeOfferCreated,
		marketplace.Events["OfferAccepted"].ID: d.decodeOfferAccepted,
		marketplace.Events["OfferCanceled"].ID: d.decodeOfferCanceled,
		token.Events["Transfer"].ID:            d.decodeTransfer,
	}

	return d, nil
}

// TokenURIABI exposes the parsed token ABI for the tokenURI view call
func (d *Decoder) TokenURIABI() abi.ABI {
	return d.token
}

// Decode matches a raw log against the known event signatures and
// produces a typed domain event. Returns ErrUnknownEvent for logs from
// other events, or a DECODE_ERROR when a known topic carries a
// malformed payload.
func (d *Decoder) Decode(log types.Log) (*models.Event, error) {
	if len(log.Topics) == 0 {
		return nil, ErrUnknownEvent
	}

	handler, ok := d.handlers[log.Topics[0]]
	if !ok {
		return nil, ErrUnknownEvent
	}

	return handler(log)
}

func (d *Decoder) decodeItemListed(log types.Log) (*models.Event, error) {
	if err := requireTopics(log, 4); err != nil {
		return nil, err
	}
	price, err := d.unpackSingleUint(d.marketplace, "ItemListed", log)
	if err != nil {
		return nil, err
	}

	ev := baseEvent(models.EventItemListed, log)
	ev.Seller = topicAddress(log.Topics[1])
	ev.ContractAddress = topicAddress(log.Topics[2])
	ev.TokenID = topicUint(log.Topics[3])
	ev.Price = price.String()
	return ev, nil
}

func (d *Decoder) decodeItemCanceled(log types.Log) (*models.Event, error) {
	if err := requireTopics(log, 4); err != nil {
		return nil, err
	}

	ev := baseEvent(models.EventItemCanceled, log)
	ev.Seller = topicAddress(log.Topics[1])
	ev.ContractAddress = topicAddress(log.Topics[2])
	ev.TokenID = topicUint(log.Topics[3])
	return ev, nil
}

func (d *Decoder) decodeItemBought(log types.Log) (*models.Event, error) {
	if err := requireTopics(log, 4); err != nil {
		return nil, err
	}
	price, err := d.unpackSingleUint(d.marketplace, "ItemBought", log)
	if err != nil {
		return nil, err
	}

	ev := baseEvent(models.EventItemBought, log)
	ev.Buyer = topicAddress(log.Topics[1])
	ev.ContractAddress = topicAddress(log.Topics[2])
	ev.TokenID = topicUint(log.Topics[3])
	ev.Price = price.String()
	return ev, nil
}

func (d *Decoder) decodeOfferCreated(log types.Log) (*models.Event, error) {
	if err := requireTopics(log, 4); err != nil {
		return nil, err
	}
	price, err := d.unpackSingleUint(d.marketplace, "OfferCreated", log)
	if err != nil {
		return nil, err
	}

	ev := baseEvent(models.EventOfferCreated, log)
	ev.Offerer = topicAddress(log.Topics[1])
	ev.ContractAddress = topicAddress(log.Topics[2])
	ev.TokenID = topicUint(log.Topics[3])
	ev.Price = price.String()
	return ev, nil
}

func (d *Decoder) decodeOfferAccepted(log types.Log) (*models.Event, error) {
	if err := requireTopics(log, 4); err != nil {
		return nil, err
	}

	// tokenId and price are both non-indexed here
	vals, err := d.marketplace.Events["OfferAccepted"].Inputs.NonIndexed().UnpackValues(log.Data)
	if err != nil || len(vals) != 2 {
		return nil, utils.NewAppError(utils.ErrCodeDecode, "Malformed OfferAccepted data", errString(err))
	}
	tokenID, ok1 := vals[0].(*big.Int)
	price, ok2 := vals[1].(*big.Int)
	if !ok1 || !ok2 {
		return nil, utils.NewAppError(utils.ErrCodeDecode, "Unexpected OfferAccepted argument types", "")
	}

	ev := baseEvent(models.EventOfferAccepted, log)
	ev.Seller = topicAddress(log.Topics[1])
	ev.Offerer = topicAddress(log.Topics[2])
	ev.ContractAddress = topicAddress(log.Topics[3])
	ev.TokenID = tokenID.String()
	ev.Price = price.String()
	return ev, nil
}

func (d *Decoder) decodeOfferCanceled(log types.Log) (*models.Event, error) {
	if err := requireTopics(log, 4); err != nil {
		return nil, err
	}

	ev := baseEvent(models.EventOfferCanceled, log)
	ev.Offerer = topicAddress(log.Topics[1])
	ev.ContractAddress = topicAddress(log.Topics[2])
	ev.TokenID = topicUint(log.Topics[3])
	return ev, nil
}

// decodeTransfer handles ERC-721 Transfer. A transfer from the zero
// address is a mint.
func (d *Decoder) decodeTransfer(log types.Log) (*models.Event, error) {
	if err := requireTopics(log, 4); err != nil {
		return nil, err
	}

	from := common.BytesToAddress(log.Topics[1].Bytes())
	to := common.BytesToAddress(log.Topics[2].Bytes())

	kind := models.EventTransfer
	if from == zeroAddress {
		kind = models.EventMint
	}

	ev := baseEvent(kind, log)
	ev.ContractAddress = utils.NormalizeAddress(log.Address.Hex())
	ev.TokenID = topicUint(log.Topics[3])
	ev.From = utils.NormalizeAddress(from.Hex())
	ev.To = utils.NormalizeAddress(to.Hex())
	return ev, nil
}

// unpackSingleUint decodes a single non-indexed uint256 from log data
func (d *Decoder) unpackSingleUint(contractABI abi.ABI, name string, log types.Log) (*big.Int, error) {
	vals, err := contractABI.Events[name].Inputs.NonIndexed().UnpackValues(log.Data)
	if err != nil || len(vals) != 1 {
		return nil, utils.NewAppError(utils.ErrCodeDecode, "Malformed "+name+" data", errString(err))
	}
	v, ok := vals[0].(*big.Int)
	if !ok {
		return nil, utils.NewAppError(utils.ErrCodeDecode, "Unexpected "+name+" argument type", "")
	}
	return v, nil
}

func baseEvent(kind models.EventKind, log types.Log) *models.Event {
	return &models.Event{
		Kind:        kind,
		BlockNumber: log.BlockNumber,
		BlockHash:   log.BlockHash.Hex(),
		TxHash:      log.TxHash.Hex(),
		LogIndex:    uint(log.Index),
	}
}

func requireTopics(log types.Log, n int) error {
	if len(log.Topics) != n {
		return utils.NewAppError(utils.ErrCodeDecode, "Unexpected topic count", log.Topics[0].Hex())
	}
	return nil
}

func topicAddress(topic common.Hash) string {
	return utils.NormalizeAddress(common.BytesToAddress(topic.Bytes()).Hex())
}

func topicUint(topic common.Hash) string {
	return new(big.Int).SetBytes(topic.Bytes()).String()
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
