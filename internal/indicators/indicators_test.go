package indicators

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"quantdesk/internal/domain"
)

func TestSMA(t *testing.T) {
	x := []float64{1, 2, 3, 4, 5}

	v, ok := SMA(x, 3)
	require.True(t, ok)
	assert.InDelta(t, 4.0, v, 1e-12)

	_, ok = SMA(x, 6)
	assert.False(t, ok, "warm-up")

	_, ok = SMA(x, 0)
	assert.False(t, ok)
}

func TestEMA(t *testing.T) {
	// Seed = mean(1,2,3) = 2; k = 0.5; 4 -> 3; 5 -> 4.
	v, ok := EMA([]float64{1, 2, 3, 4, 5}, 3)
	require.True(t, ok)
	assert.InDelta(t, 4.0, v, 1e-12)
}

func TestRSI(t *testing.T) {
	up := []float64{1, 2, 3, 4, 5, 6}
	v, ok := RSI(up, 5)
	require.True(t, ok)
	assert.Equal(t, 100.0, v)

	flat := []float64{5, 5, 5, 5}
	v, ok = RSI(flat, 3)
	require.True(t, ok)
	assert.Equal(t, 50.0, v)

	// Equal gains and losses.
	v, ok = RSI([]float64{10, 11, 10, 11, 10}, 4)
	require.True(t, ok)
	assert.InDelta(t, 50.0, v, 1e-9)

	_, ok = RSI(up, 6)
	assert.False(t, ok)
}

func TestHighestLowestStdDev(t *testing.T) {
	x := []float64{3, 9, 1, 4, 4}

	hi, ok := Highest(x, 3)
	require.True(t, ok)
	assert.Equal(t, 4.0, hi)

	lo, ok := Lowest(x, 4)
	require.True(t, ok)
	assert.Equal(t, 1.0, lo)

	sd, ok := StdDev([]float64{2, 4, 4, 4, 5, 5, 7, 9}, 8)
	require.True(t, ok)
	assert.InDelta(t, 2.0, sd, 1e-12)

	v, ok := StdDev(x, 10)
	assert.False(t, ok)
	assert.True(t, math.IsNaN(v))
}

func TestField(t *testing.T) {
	bars := []domain.Bar{{Open: 1, High: 2, Low: 0.5, Close: 1.5, Volume: 100}}

	vol, err := Field(bars, "volume")
	require.NoError(t, err)
	assert.Equal(t, []float64{100}, vol)

	assert.Equal(t, []float64{1.5}, Closes(bars))

	_, err = Field(bars, "vwap")
	assert.Error(t, err)
}
