package decoder

import (
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openmarket/nft-indexer/internal/models"
	"github.com/openmarket/nft-indexer/pkg/utils"
)

var (
	sellerAddr   = "0x1111111111111111111111111111111111111111"
	buyerAddr    = "0x2222222222222222222222222222222222222222"
	offererAddr  = "0x3333333333333333333333333333333333333333"
	nftContract  = "0x4444444444444444444444444444444444444444"
	marketplaceC = "0x5555555555555555555555555555555555555555"
)

func addressTopic(hex string) common.Hash {
	return common.BytesToHash(common.HexToAddress(hex).Bytes())
}

func uintTopic(v int64) common.Hash {
	return common.BigToHash(big.NewInt(v))
}

func uintWord(v int64) []byte {
	return common.BigToHash(big.NewInt(v)).Bytes()
}

func rawLog(topics []common.Hash, data []byte) types.Log {
	return types.Log{
		Address:     common.HexToAddress(marketplaceC),
		Topics:      topics,
		Data:        data,
		BlockNumber: 100,
		BlockHash:   common.HexToHash("0xabc1"),
		TxHash:      common.HexToHash("0xdef1"),
		Index:       3,
	}
}

func TestDecodeItemListed(t *testing.T) {
	d, err := New()
	require.NoError(t, err)

	log := rawLog([]common.Hash{
		d.marketplace.Events["ItemListed"].ID,
		addressTopic(sellerAddr),
		addressTopic(nftContract),
		uintTopic(7),
	}, uintWord(1000000))

	ev, err := d.Decode(log)
	require.NoError(t, err)
	assert.Equal(t, models.EventItemListed, ev.Kind)
	assert.Equal(t, sellerAddr, ev.Seller)
	assert.Equal(t, nftContract, ev.ContractAddress)
	assert.Equal(t, "7", ev.TokenID)
	assert.Equal(t, "1000000", ev.Price)
	assert.Equal(t, uint64(100), ev.BlockNumber)
	assert.Equal(t, uint(3), ev.LogIndex)
}

func TestDecodeItemCanceled(t *testing.T) {
	d, err := New()
	require.NoError(t, err)

	log := rawLog([]common.Hash{
		d.marketplace.Events["ItemCanceled"].ID,
		addressTopic(sellerAddr),
		addressTopic(nftContract),
		uintTopic(7),
	}, nil)

	ev, err := d.Decode(log)
	require.NoError(t, err)
	assert.Equal(t, models.EventItemCanceled, ev.Kind)
	assert.Equal(t, sellerAddr, ev.Seller)
	assert.Equal(t, "7", ev.TokenID)
	assert.Empty(t, ev.Price)
}

func TestDecodeItemBought(t *testing.T) {
	d, err := New()
	require.NoError(t, err)

	log := rawLog([]common.Hash{
		d.marketplace.Events["ItemBought"].ID,
		addressTopic(buyerAddr),
		addressTopic(nftContract),
		uintTopic(42),
	}, uintWord(250))

	ev, err := d.Decode(log)
	require.NoError(t, err)
	assert.Equal(t, models.EventItemBought, ev.Kind)
	assert.Equal(t, buyerAddr, ev.Buyer)
	assert.Equal(t, "42", ev.TokenID)
	assert.Equal(t, "250", ev.Price)
}

func TestDecodeOfferCreated(t *testing.T) {
	d, err := New()
	require.NoError(t, err)

	log := rawLog([]common.Hash{
		d.marketplace.Events["OfferCreated"].ID,
		addressTopic(offererAddr),
		addressTopic(nftContract),
		uintTopic(9),
	}, uintWord(777))

	ev, err := d.Decode(log)
	require.NoError(t, err)
	assert.Equal(t, models.EventOfferCreated, ev.Kind)
	assert.Equal(t, offererAddr, ev.Offerer)
	assert.Equal(t, "9", ev.TokenID)
	assert.Equal(t, "777", ev.Price)
}

func TestDecodeOfferAccepted(t *testing.T) {
	d, err := New()
	require.NoError(t, err)

	data := append(uintWord(9), uintWord(777)...)
	log := rawLog([]common.Hash{
		d.marketplace.Events["OfferAccepted"].ID,
		addressTopic(sellerAddr),
		addressTopic(offererAddr),
		addressTopic(nftContract),
	}, data)

	ev, err := d.Decode(log)
	require.NoError(t, err)
	assert.Equal(t, models.EventOfferAccepted, ev.Kind)
	assert.Equal(t, sellerAddr, ev.Seller)
	assert.Equal(t, offererAddr, ev.Offerer)
	assert.Equal(t, nftContract, ev.ContractAddress)
	assert.Equal(t, "9", ev.TokenID)
	assert.Equal(t, "777", ev.Price)
}

func TestDecodeOfferCanceled(t *testing.T) {
	d, err := New()
	require.NoError(t, err)

	log := rawLog([]common.Hash{
		d.marketplace.Events["OfferCanceled"].ID,
		addressTopic(offererAddr),
		addressTopic(nftContract),
		uintTopic(9),
	}, nil)

	ev, err := d.Decode(log)
	require.NoError(t, err)
	assert.Equal(t, models.EventOfferCanceled, ev.Kind)
	assert.Equal(t, offererAddr, ev.Offerer)
}

func TestDecodeTransfer(t *testing.T) {
	d, err := New()
	require.NoError(t, err)

	log := rawLog([]common.Hash{
		d.token.Events["Transfer"].ID,
		addressTopic(sellerAddr),
		addressTopic(buyerAddr),
		uintTopic(5),
	}, nil)
	log.Address = common.HexToAddress(nftContract)

	ev, err := d.Decode(log)
	require.NoError(t, err)
	assert.Equal(t, models.EventTransfer, ev.Kind)
	assert.Equal(t, sellerAddr, ev.From)
	assert.Equal(t, buyerAddr, ev.To)
	assert.Equal(t, nftContract, ev.ContractAddress)
	assert.Equal(t, "5", ev.TokenID)
}

func TestDecodeTransferFromZeroIsMint(t *testing.T) {
	d, err := New()
	require.NoError(t, err)

	log := rawLog([]common.Hash{
		d.token.Events["Transfer"].ID,
		addressTopic("0x0000000000000000000000000000000000000000"),
		addressTopic(buyerAddr),
		uintTopic(1),
	}, nil)
	log.Address = common.HexToAddress(nftContract)

	ev, err := d.Decode(log)
	require.NoError(t, err)
	assert.Equal(t, models.EventMint, ev.Kind)
	assert.Equal(t, buyerAddr, ev.To)
}

func TestDecodeUnknownTopic(t *testing.T) {
	d, err := New()
	require.NoError(t, err)

	log := rawLog([]common.Hash{common.HexToHash("0xdeadbeef")}, nil)
	_, err = d.Decode(log)
	assert.ErrorIs(t, err, ErrUnknownEvent)

	_, err = d.Decode(types.Log{})
	assert.ErrorIs(t, err, ErrUnknownEvent)
}

func TestDecodeMalformedData(t *testing.T) {
	d, err := New()
	require.NoError(t, err)

	log := rawLog([]common.Hash{
		d.marketplace.Events["ItemListed"].ID,
		addressTopic(sellerAddr),
		addressTopic(nftContract),
		uintTopic(7),
	}, []byte{0x01, 0x02})

	_, err = d.Decode(log)
	require.Error(t, err)
	appErr, ok := err.(*utils.AppError)
	require.True(t, ok)
	assert.Equal(t, utils.ErrCodeDecode, appErr.Code)
}

func TestDecodeWrongTopicCount(t *testing.T) {
	d, err := New()
	require.NoError(t, err)

	log := rawLog([]common.Hash{
		d.marketplace.Events["ItemListed"].ID,
		addressTopic(sellerAddr),
	}, uintWord(1))

	_, err = d.Decode(log)
	require.Error(t, err)
	appErr, ok := err.(*utils.AppError)
	require.True(t, ok)
	assert.Equal(t, utils.ErrCodeDecode, appErr.Code)
}
