package strategy

import (
	"auto-trader-go/internal/models"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func bars(closes ...float64) []models.Bar {
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	out := make([]models.Bar, len(closes))
	for i, c := range closes {
		out[i] = models.Bar{Time: start.AddDate(0, 0, i), Open: c, High: c, Low: c, Close: c}
	}
	return out
}

func TestSharesFor(t *testing.T) {
	assert.Equal(t, int64(3), SharesFor(1000, 300))
	assert.Equal(t, int64(10), SharesFor(1000, 100))
	assert.Equal(t, int64(3), SharesFor(0.3, 0.1)) // 浮点误差不能少算一股
	assert.Zero(t, SharesFor(50, 100))
	assert.Zero(t, SharesFor(-1, 100))
	assert.Zero(t, SharesFor(100, 0))
}

func TestSnapshotPrice(t *testing.T) {
	snap := Snapshot{
		Quotes:  map[string]float64{"AAPL": 101},
		History: map[string][]models.Bar{"AAPL": bars(99, 100), "MSFT": bars(400)},
	}
	p, ok := snap.Price("AAPL")
	assert.True(t, ok)
	assert.Equal(t, 101.0, p)
	p, ok = snap.Price("MSFT")
	assert.True(t, ok)
	assert.Equal(t, 400.0, p)
	_, ok = snap.Price("GOOG")
	assert.False(t, ok)
}

func TestRegistry_Build(t *testing.T) {
	r := NewRegistry()
	ss, err := r.Build([]models.StrategyConfig{
		{Name: "fast", Type: "sma", Params: map[string]float64{"period": 3}},
		{Name: "slow", Type: "sma"},
	})
	require.NoError(t, err)
	require.Len(t, ss, 2)
	assert.Equal(t, "fast", ss[0].Name())
	assert.Equal(t, "slow", ss[1].Name())

	_, err = r.Build([]models.StrategyConfig{{Name: "x", Type: "unknown"}})
	assert.Error(t, err)
	_, err = r.Build([]models.StrategyConfig{{Name: "x", Type: "sma"}, {Name: "x", Type: "sma"}})
	assert.Error(t, err)
	_, err = r.Build([]models.StrategyConfig{{Name: "x", Type: "sma", Params: map[string]float64{"period": 1}}})
	assert.Error(t, err)
}

func TestSMA_ExitsAndEntries(t *testing.T) {
	s, err := NewSMA(models.StrategyConfig{Name: "trend", Params: map[string]float64{"period": 3, "max_positions": 2}})
	require.NoError(t, err)

	history := map[string][]models.Bar{
		"AAPL": bars(100, 100, 100), // sma 100
		"MSFT": bars(100, 100, 100),
		"GOOG": bars(100, 100, 100),
		"TSLA": bars(100, 100), // 数据不足
	}
	require.NoError(t, s.ComputeIndicators(history))

	state := &models.StrategyState{Name: "trend", OpenBundles: []*models.Bundle{
		{ID: "b1", Ticker: "AAPL", Shares: 5},
	}}
	snap := Snapshot{
		Quotes:  map[string]float64{"AAPL": 95, "MSFT": 120, "GOOG": 110, "TSLA": 500},
		History: history,
	}

	exits := s.ProposeExits(state, snap)
	assert.Equal(t, []ExitRequest{{BundleID: "b1"}}, exits)

	// 仍持有 AAPL，只剩一个空位，选择强度最大的 MSFT
	entries := s.ProposeEntries(state, snap, 1000)
	assert.Equal(t, []EntryRequest{{Ticker: "MSFT", Shares: 8}}, entries)

	state.OpenBundles = nil
	entries = s.ProposeEntries(state, snap, 1000)
	assert.Equal(t, []EntryRequest{{Ticker: "MSFT", Shares: 4}, {Ticker: "GOOG", Shares: 4}}, entries)

	assert.Empty(t, s.ProposeEntries(state, snap, 0))
}
