package gridmath

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
)

func d(s string) decimal.Decimal {
	v, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return v
}

func TestRoundToTick(t *testing.T) {
	assert.True(t, RoundToTick(d("94123.456"), d("0.01")).Equal(d("94123.45")))
	assert.True(t, RoundToTick(d("94123.45"), d("0.01")).Equal(d("94123.45")))
	// Always rounds down, never up through the tick.
	assert.True(t, RoundToTick(d("94123.459"), d("0.01")).Equal(d("94123.45")))
	// Zero tick passes the price through untouched.
	assert.True(t, RoundToTick(d("94123.456"), decimal.Zero).Equal(d("94123.456")))
}

func TestRoundToLot(t *testing.T) {
	assert.True(t, RoundToLot(d("0.0012349"), d("0.00001")).Equal(d("0.00123")))
	assert.True(t, RoundToLot(d("0.0012349"), decimal.Zero).Equal(d("0.0012349")))
}

func TestClamp(t *testing.T) {
	lo, hi := d("0.5"), d("1.5")
	assert.True(t, Clamp(d("0.3"), lo, hi).Equal(lo))
	assert.True(t, Clamp(d("2"), lo, hi).Equal(hi))
	assert.True(t, Clamp(d("1.1"), lo, hi).Equal(d("1.1")))
}

func TestClampFloat(t *testing.T) {
	assert.Equal(t, 0.5, ClampFloat(0.3, 0.5, 2.0))
	assert.Equal(t, 2.0, ClampFloat(3.0, 0.5, 2.0))
	assert.Equal(t, 1.2, ClampFloat(1.2, 0.5, 2.0))
}

func TestNetProfit(t *testing.T) {
	// 0.001 BTC bought at 94000, sold at 95000, fees on both legs.
	got := NetProfit(d("94000"), d("95000"), d("0.001"), d("0.094"), d("0.095"))
	assert.True(t, got.Equal(d("0.811")), "profit %s", got)

	// A losing round trip goes negative after fees.
	loss := NetProfit(d("96000"), d("95000"), d("0.001"), d("0.096"), d("0.095"))
	assert.True(t, loss.Equal(d("-1.191")), "profit %s", loss)
}

func TestLotStepForPrice(t *testing.T) {
	assert.True(t, LotStepForPrice(d("94000")).Equal(d("0.00001")))
	assert.True(t, LotStepForPrice(d("3500")).Equal(d("0.001")))
	assert.True(t, LotStepForPrice(d("2.5")).Equal(d("0.1")))
	assert.True(t, LotStepForPrice(d("0.08")).Equal(d("1")))
}
