package broker

import (
	"auto-trader-go/internal/clock"
	"auto-trader-go/internal/models"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestPaper(t *testing.T, stateFile string) (*Paper, *clock.Simulated) {
	clk := clock.NewSimulated(time.Date(2024, 3, 4, 10, 0, 0, 0, time.UTC)) // 周一
	p, err := NewPaper(PaperOptions{
		InitialCash:        10000,
		CommissionPerShare: 0.01,
		MinCommission:      1,
		SessionOpen:        "09:30",
		SessionClose:       "16:00",
		Location:           time.UTC,
		StateFile:          stateFile,
	}, clk, zap.NewNop())
	require.NoError(t, err)
	require.NoError(t, p.Connect(context.Background()))
	return p, clk
}

func TestIsRecoverable(t *testing.T) {
	assert.True(t, IsRecoverable(&models.BrokerError{Code: 1100}, nil))
	assert.True(t, IsRecoverable(fmt.Errorf("wrapped: %w", &models.BrokerError{Code: 2110}), nil))
	assert.False(t, IsRecoverable(&models.BrokerError{Code: 201}, nil))
	assert.False(t, IsRecoverable(errors.New("boom"), nil))
	assert.True(t, IsRecoverable(&models.BrokerError{Code: 201}, []int{201}))
	assert.False(t, IsRecoverable(&models.BrokerError{Code: 1100}, []int{201}))
}

func TestPaper_BuySellRoundTrip(t *testing.T) {
	p, _ := newTestPaper(t, "")
	ctx := context.Background()
	p.UpdateQuotes(map[string]float64{"AAPL": 100})

	product, err := p.FindProduct(ctx, "AAPL", "STK", "SMART", "USD")
	require.NoError(t, err)

	buy := models.NewMarketOrder(*product, models.Buy, 10)
	require.NoError(t, PlaceAndWait(ctx, p, buy))
	assert.Equal(t, models.StatusFilled, buy.Status)
	assert.Equal(t, 100.0, buy.AvgFillPrice)
	assert.Equal(t, 1.0, buy.Commission) // 最低佣金

	positions, err := p.GetAllPositions(ctx)
	require.NoError(t, err)
	require.Len(t, positions, 1)
	assert.Equal(t, int64(10), positions[0].Size)

	summary, err := p.GetAccountSummary(ctx)
	require.NoError(t, err)
	assert.InDelta(t, 1000, summary.GrossPositionValue, 1e-9)
	assert.InDelta(t, 8999, summary.TotalCashValue, 1e-9)
	assert.InDelta(t, 9999, summary.EquityWithLoanValue, 1e-9)

	p.UpdateQuotes(map[string]float64{"AAPL": 110})
	sell := models.NewMarketOrder(*product, models.Sell, 10)
	require.NoError(t, PlaceAndWait(ctx, p, sell))
	assert.Equal(t, models.StatusFilled, sell.Status)

	positions, err = p.GetAllPositions(ctx)
	require.NoError(t, err)
	assert.Empty(t, positions)
	summary, err = p.GetAccountSummary(ctx)
	require.NoError(t, err)
	assert.InDelta(t, 10098, summary.TotalCashValue, 1e-9)
	assert.Equal(t, 2.0, p.TotalFees())
}

func TestPaper_RejectsWithoutQuoteOrShares(t *testing.T) {
	p, _ := newTestPaper(t, "")
	ctx := context.Background()
	product := models.Product{Symbol: "MSFT"}

	noQuote := models.NewMarketOrder(product, models.Buy, 1)
	require.NoError(t, p.PlaceOrder(ctx, noQuote))
	assert.Equal(t, models.StatusInactive, noQuote.Status)

	p.UpdateQuotes(map[string]float64{"MSFT": 400})
	short := models.NewMarketOrder(product, models.Sell, 1)
	require.NoError(t, p.PlaceOrder(ctx, short))
	assert.Equal(t, models.StatusInactive, short.Status)
}

func TestPaper_DisconnectedCallsAreRecoverable(t *testing.T) {
	p, _ := newTestPaper(t, "")
	ctx := context.Background()
	require.NoError(t, p.Disconnect())

	_, err := p.GetAccountSummary(ctx)
	assert.True(t, IsRecoverable(err, nil))
	_, err = p.GetAllPositions(ctx)
	assert.True(t, IsRecoverable(err, nil))

	require.NoError(t, p.ConnectSafe(ctx))
	assert.True(t, p.IsConnected())
}

func TestPaper_TradingHoursSkipWeekend(t *testing.T) {
	p, clk := newTestPaper(t, "")
	clk.Set(time.Date(2024, 3, 8, 17, 0, 0, 0, time.UTC)) // 周五收盘后

	product, err := p.FindProduct(context.Background(), "SPY", "STK", "SMART", "USD")
	require.NoError(t, err)
	next, ok := product.NextSessionClose(clk.Now())
	require.True(t, ok)
	assert.Equal(t, time.Date(2024, 3, 11, 16, 0, 0, 0, time.UTC), next)
}

func TestPaper_StatePersistsAcrossRestart(t *testing.T) {
	path := filepath.Join(t.TempDir(), "paper.json")
	p, _ := newTestPaper(t, path)
	p.UpdateQuotes(map[string]float64{"AAPL": 100})
	require.NoError(t, p.PlaceOrder(context.Background(), models.NewMarketOrder(models.Product{Symbol: "AAPL"}, models.Buy, 5)))

	restored, _ := newTestPaper(t, path)
	positions, err := restored.GetAllPositions(context.Background())
	require.NoError(t, err)
	require.Len(t, positions, 1)
	assert.Equal(t, int64(5), positions[0].Size)
	summary, err := restored.GetAccountSummary(context.Background())
	require.NoError(t, err)
	assert.InDelta(t, 10000-500-1, summary.TotalCashValue, 1e-9)
}

func TestPaper_RestoresPositionsFromStateFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "paper.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"cash":5000,"positions":{"MSFT":{"size":40,"avg_cost":200}}}`), 0644))

	p, _ := newTestPaper(t, path)
	p.UpdateQuotes(map[string]float64{"MSFT": 210})
	summary, err := p.GetAccountSummary(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 5000.0, summary.TotalCashValue)
	assert.InDelta(t, 8400, summary.GrossPositionValue, 1e-9)
}
