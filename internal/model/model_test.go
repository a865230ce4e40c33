package model

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseAssetClass(t *testing.T) {
	c, err := ParseAssetClass(" Crypto ")
	require.NoError(t, err)
	assert.Equal(t, AssetCrypto, c)

	c, err = ParseAssetClass("ETF")
	require.NoError(t, err)
	assert.Equal(t, AssetETF, c)

	c, err = ParseAssetClass("warrant")
	assert.Error(t, err)
	assert.Equal(t, AssetClass("warrant"), c)
}

func TestPortfolioGrossValue(t *testing.T) {
	p := Portfolio{
		UserID: "u1",
		Positions: []Position{
			{Symbol: "BTC-USD", AssetClass: AssetCrypto, Notional: decimal.NewFromInt(100000)},
			{Symbol: "EUR-USD", AssetClass: AssetForex, Notional: decimal.NewFromInt(-500000)},
		},
	}
	assert.True(t, p.GrossValue().Equal(decimal.NewFromInt(600000)))
}

func TestTradeIsSelfMatched(t *testing.T) {
	assert.True(t, Trade{BuyerID: "a", SellerID: "a"}.IsSelfMatched())
	assert.False(t, Trade{BuyerID: "a", SellerID: "b"}.IsSelfMatched())
	assert.False(t, Trade{}.IsSelfMatched())
}

func TestStageTerminal(t *testing.T) {
	assert.True(t, StageResolved.Terminal())
	assert.True(t, StageInsuranceTakeover.Terminal())
	assert.False(t, StageMonitoring.Terminal())
	assert.False(t, StageTWAP.Terminal())
}

func TestCaseCloneIsIndependent(t *testing.T) {
	c := &LiquidationCase{Completed: []Stage{StageCancelOrders}}
	cp := c.Clone()
	cp.Completed[0] = StageTWAP
	assert.True(t, c.HasCompleted(StageCancelOrders))
	assert.False(t, c.HasCompleted(StageTWAP))
}
