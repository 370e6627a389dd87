package ledger

import (
	"auto-trader-go/internal/clock"
	"auto-trader-go/internal/models"
	"auto-trader-go/internal/persistence"
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func position(symbol string, size int64) models.Position {
	return models.Position{Product: models.Product{Symbol: symbol}, Size: size}
}

func TestReconcile(t *testing.T) {
	tests := []struct {
		name    string
		local   map[string]int64
		broker  []models.Position
		wantErr bool
	}{
		{"both empty", nil, nil, false},
		{"exact match", map[string]int64{"AAPL": 10, "MSFT": 50}, []models.Position{position("MSFT", 50), position("AAPL", 10)}, false},
		{"zero sized entries ignored", map[string]int64{"AAPL": 10, "TSLA": 0}, []models.Position{position("AAPL", 10), position("GOOG", 0)}, false},
		{"case insensitive", map[string]int64{"aapl": 10}, []models.Position{position("AAPL", 10)}, false},
		{"wrong count", map[string]int64{"MSFT": 50}, []models.Position{position("MSFT", 40)}, true},
		{"missing at broker", map[string]int64{"MSFT": 50}, nil, true},
		{"extra at broker", nil, []models.Position{position("GOOG", 3)}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := Reconcile(tt.local, tt.broker)
			if !tt.wantErr {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrReconcileMismatch))
		})
	}
}

func TestReconcile_ReportsEveryMismatch(t *testing.T) {
	err := Reconcile(map[string]int64{"MSFT": 50, "AAPL": 1}, []models.Position{position("MSFT", 40), position("GOOG", 2)})
	var rerr *ReconcileError
	require.True(t, errors.As(err, &rerr))
	assert.Equal(t, []Mismatch{
		{Ticker: "AAPL", Local: 1, Broker: 0},
		{Ticker: "GOOG", Local: 0, Broker: 2},
		{Ticker: "MSFT", Local: 50, Broker: 40},
	}, rerr.Mismatches)
}

func TestSplitCommission(t *testing.T) {
	parts := SplitCommission(1, []int64{1, 1, 1})
	require.Len(t, parts, 3)
	assert.Equal(t, 0.3333, parts[0])
	assert.Equal(t, 0.3333, parts[1])
	assert.InDelta(t, 0.3334, parts[2], 1e-12)

	parts = SplitCommission(3, []int64{10, 20})
	assert.Equal(t, []float64{1, 2}, parts)

	assert.Equal(t, []float64{0, 2.5}, SplitCommission(2.5, []int64{0, 0}))
	assert.Empty(t, SplitCommission(1, nil))
}

type memoryHistory struct {
	appended []*models.Bundle
	err      error
}

func (m *memoryHistory) Append(_ context.Context, bundles []*models.Bundle) error {
	if m.err != nil {
		return m.err
	}
	m.appended = append(m.appended, bundles...)
	return nil
}

func (m *memoryHistory) ReadAll(context.Context) ([]*models.Bundle, error) {
	return m.appended, nil
}

func (m *memoryHistory) Close() error { return nil }

func newTestLedger(t *testing.T) (*Ledger, persistence.StateRepository, *memoryHistory, *clock.Simulated) {
	repo, err := persistence.NewFileRepository(filepath.Join(t.TempDir(), "state.json"))
	require.NoError(t, err)
	hist := &memoryHistory{}
	clk := clock.NewSimulated(time.Date(2024, 3, 4, 15, 50, 0, 0, time.UTC))
	l := New(repo, hist, clk, zap.NewNop())
	require.NoError(t, l.Load([]string{"trend", "meanrev"}))
	return l, repo, hist, clk
}

func TestLedger_LoadCreatesEmptyStrategies(t *testing.T) {
	l, _, _, _ := newTestLedger(t)
	assert.Len(t, l.State().Strategies, 2)
	assert.Empty(t, l.State().OpenBundles())
	assert.NoError(t, l.Reconcile(nil))
}

func TestLedger_OpenCloseLifecycle(t *testing.T) {
	l, repo, hist, clk := newTestLedger(t)
	ctx := context.Background()

	a := &models.Bundle{Ticker: "aapl", Strategy: "trend", OpenTime: clk.Now(), Shares: 10, AccountValueAtOpen: 5000}
	b := &models.Bundle{Ticker: "AAPL", Strategy: "trend", OpenTime: clk.Now(), Shares: 30, AccountValueAtOpen: 5000}
	require.NoError(t, l.RecordOpen(a))
	require.NoError(t, l.RecordOpen(b))
	assert.NotEmpty(t, a.ID)
	assert.Equal(t, "AAPL", a.Ticker)

	l.BackfillOpen([]*models.Bundle{a, b}, 100, 4)
	assert.Equal(t, 100.0, a.OpenPrice)
	assert.Equal(t, 1.0, a.OpenCommission)
	assert.Equal(t, 3.0, b.OpenCommission)
	require.NoError(t, l.Save())
	require.NoError(t, l.Reconcile([]models.Position{position("AAPL", 40)}))

	clk.Advance(24 * time.Hour)
	closed, err := l.RecordClose("trend", "AAPL", []string{a.ID}, clk.Now(), 110)
	require.NoError(t, err)
	require.Len(t, closed, 1)
	require.NoError(t, l.BackfillClose(ctx, "trend", closed, 111, 2))

	assert.Equal(t, 111.0, a.ClosePrice)
	assert.Equal(t, 2.0, a.CloseCommission)
	assert.InDelta(t, 107, a.Profit(), 1e-9)
	require.Len(t, hist.appended, 1)
	assert.Equal(t, a.ID, hist.appended[0].ID)

	saved, err := repo.LoadState()
	require.NoError(t, err)
	require.Len(t, saved.Strategies["trend"].OpenBundles, 1)
	assert.Equal(t, b.ID, saved.Strategies["trend"].OpenBundles[0].ID)
	assert.True(t, clk.Now().Equal(saved.LastUpdateTime))
	assert.NoError(t, l.Reconcile([]models.Position{position("AAPL", 30)}))
}

func TestLedger_RecordCloseAllForTicker(t *testing.T) {
	l, _, _, clk := newTestLedger(t)
	for _, tk := range []string{"MSFT", "MSFT", "GOOG"} {
		require.NoError(t, l.RecordOpen(&models.Bundle{Ticker: tk, Strategy: "meanrev", OpenTime: clk.Now(), Shares: 5}))
	}
	closed, err := l.RecordClose("meanrev", "msft", nil, clk.Now(), 400)
	require.NoError(t, err)
	assert.Len(t, closed, 2)

	_, err = l.RecordClose("meanrev", "GOOG", []string{"missing"}, clk.Now(), 150)
	assert.Error(t, err)
	_, err = l.RecordClose("unknown", "GOOG", nil, clk.Now(), 150)
	assert.Error(t, err)
}

func TestLedger_RecordCloseCountMismatchLeavesBundlesOpen(t *testing.T) {
	l, _, _, clk := newTestLedger(t)
	b := &models.Bundle{Ticker: "GOOG", Strategy: "trend", OpenTime: clk.Now(), Shares: 5}
	require.NoError(t, l.RecordOpen(b))

	closed, err := l.RecordClose("trend", "GOOG", []string{b.ID, "missing"}, clk.Now(), 150)
	require.Error(t, err)
	assert.Empty(t, closed)
	assert.True(t, b.IsOpen())
	assert.Zero(t, b.ClosePrice)

	closed, err = l.RecordClose("trend", "GOOG", nil, clk.Now(), 150)
	require.NoError(t, err)
	assert.Len(t, closed, 1)
}

func TestLedger_SnapshotIsDetached(t *testing.T) {
	l, _, _, clk := newTestLedger(t)
	require.NoError(t, l.RecordOpen(&models.Bundle{Ticker: "AAPL", Strategy: "trend", OpenTime: clk.Now(), Shares: 10}))

	snap := l.Snapshot()
	snap.Strategies["trend"].OpenBundles[0].Shares = 99
	snap.Strategies["trend"].OpenBundles = nil

	require.Len(t, l.State().Strategies["trend"].OpenBundles, 1)
	assert.Equal(t, int64(10), l.State().Strategies["trend"].OpenBundles[0].Shares)
}

func TestLedger_BackfillCloseRequiresRecordedClose(t *testing.T) {
	l, _, _, clk := newTestLedger(t)
	b := &models.Bundle{Ticker: "TSLA", Strategy: "trend", OpenTime: clk.Now(), Shares: 1}
	require.NoError(t, l.RecordOpen(b))
	assert.Error(t, l.BackfillClose(context.Background(), "trend", []*models.Bundle{b}, 200, 1))
}

func TestLedger_HistoryFailureKeepsCheckpoint(t *testing.T) {
	l, repo, hist, clk := newTestLedger(t)
	hist.err = errors.New("disk full")
	b := &models.Bundle{Ticker: "TSLA", Strategy: "trend", OpenTime: clk.Now(), Shares: 1}
	require.NoError(t, l.RecordOpen(b))
	closed, err := l.RecordClose("trend", "TSLA", nil, clk.Now(), 200)
	require.NoError(t, err)

	err = l.BackfillClose(context.Background(), "trend", closed, 200, 1)
	require.Error(t, err)
	saved, err := repo.LoadState()
	require.NoError(t, err)
	assert.Empty(t, saved.Strategies["trend"].OpenBundles)
}

func TestLedger_ReloadMismatchIsFatal(t *testing.T) {
	l, repo, _, clk := newTestLedger(t)
	require.NoError(t, l.RecordOpen(&models.Bundle{Ticker: "MSFT", Strategy: "trend", OpenTime: clk.Now(), Shares: 50}))
	require.NoError(t, l.Save())

	reloaded := New(repo, nil, clk, zap.NewNop())
	require.NoError(t, reloaded.Load([]string{"trend"}))
	err := reloaded.Reconcile([]models.Position{position("MSFT", 40)})
	assert.ErrorIs(t, err, ErrReconcileMismatch)
}

func TestLedger_UpdateDrawdown(t *testing.T) {
	l, _, _, _ := newTestLedger(t)
	st := l.UpdateDrawdown("trend", 10000)
	assert.Equal(t, 10000.0, st.PeakAccountValue)
	assert.Zero(t, st.CurrentDrawdownPct)

	st = l.UpdateDrawdown("trend", 9000)
	assert.InDelta(t, 10, st.CurrentDrawdownPct, 1e-9)
	assert.InDelta(t, 10, st.MaxDrawdownPct, 1e-9)

	st = l.UpdateDrawdown("trend", 9500)
	assert.InDelta(t, 5, st.CurrentDrawdownPct, 1e-9)
	assert.InDelta(t, 10, st.MaxDrawdownPct, 1e-9)

	st = l.UpdateDrawdown("trend", 11000)
	assert.Equal(t, 11000.0, st.PeakAccountValue)
	assert.Zero(t, st.CurrentDrawdownPct)
}
