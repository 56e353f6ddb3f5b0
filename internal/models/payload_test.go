package models

import (
	"math/big"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPayloadEncoding(t *testing.T) {
	coin := "0x1111111111111111111111111111111111111111"

	t.Run("trade payloads round trip", func(t *testing.T) {
		in := OperationPayload{Trade: &TradePayload{
			CoinAddress: coin,
			TotalWei:    NewWei(big.NewInt(5000)),
			SlippageBps: 300,
			Strategy:    StrategyStaggered,
			Signal:      "momentum 2.10",
		}}
		stored, err := EncodePayload(OpSupportCoin, in)
		require.NoError(t, err)

		out, err := DecodePayload(OpSupportCoin, stored)
		require.NoError(t, err)
		require.NotNil(t, out.Trade)
		assert.Nil(t, out.Funding)
		assert.Equal(t, coin, out.Trade.CoinAddress)
		assert.Equal(t, "5000", out.Trade.TotalWei.String())
		assert.Equal(t, StrategyStaggered, out.Trade.Strategy)
	})

	t.Run("funding payloads round trip", func(t *testing.T) {
		in := OperationPayload{Funding: &FundingPayload{TotalWei: NewWei(big.NewInt(77))}}
		stored, err := EncodePayload(OpFundingRequest, in)
		require.NoError(t, err)

		out, err := DecodePayload(OpFundingRequest, stored)
		require.NoError(t, err)
		require.NotNil(t, out.Funding)
		assert.Equal(t, "77", out.Funding.TotalWei.String())
	})

	t.Run("encoding drops the mismatched variant", func(t *testing.T) {
		in := OperationPayload{
			Funding: &FundingPayload{TotalWei: NewWei(big.NewInt(1))},
			Trade:   &TradePayload{CoinAddress: coin, TotalWei: NewWei(big.NewInt(2)), SlippageBps: 100},
		}
		stored, err := EncodePayload(OpExitCoin, in)
		require.NoError(t, err)

		out, err := DecodePayload(OpExitCoin, stored)
		require.NoError(t, err)
		assert.Nil(t, out.Funding)
		require.NotNil(t, out.Trade)
	})

	t.Run("rejects a missing variant", func(t *testing.T) {
		_, err := EncodePayload(OpFundingRequest, OperationPayload{})
		assert.Error(t, err)

		_, err = EncodePayload(OpSupportCoin, OperationPayload{Funding: &FundingPayload{}})
		assert.Error(t, err)
	})

	t.Run("rejects stored payloads of the wrong variant", func(t *testing.T) {
		stored, err := EncodePayload(OpFundingRequest, OperationPayload{Funding: &FundingPayload{TotalWei: NewWei(big.NewInt(1))}})
		require.NoError(t, err)

		_, err = DecodePayload(OpSupportCoin, stored)
		assert.Error(t, err)
	})

	t.Run("rejects unknown types", func(t *testing.T) {
		_, err := EncodePayload("TELEPORT", OperationPayload{})
		assert.Error(t, err)
	})
}

func TestOperationTypeSide(t *testing.T) {
	assert.Equal(t, SideBuy, OpSupportCoin.Side())
	assert.Equal(t, SideSell, OpExitCoin.Side())
}

func TestOperationStatus(t *testing.T) {
	for _, s := range []OperationStatus{OpPending, OpApproved, OpExecuting} {
		assert.True(t, s.Open(), "%s should be open", s)
		assert.False(t, s.Terminal())
	}
	for _, s := range []OperationStatus{OpComplete, OpFailed} {
		assert.False(t, s.Open())
		assert.True(t, s.Terminal(), "%s should be terminal", s)
	}
}
