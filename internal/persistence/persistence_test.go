package persistence

import (
	"auto-trader-go/internal/models"
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleState() *models.State {
	st := models.NewState()
	opened := time.Date(2024, 3, 4, 15, 45, 0, 0, time.UTC)
	trend := st.Strategy("trend")
	trend.PeakAccountValue = 50000
	trend.CurrentDrawdownPct = 2.5
	trend.MaxDrawdownPct = 7.25
	trend.OpenBundles = append(trend.OpenBundles,
		&models.Bundle{ID: "b1", Ticker: "AAPL", Strategy: "trend", OpenTime: opened, OpenPrice: 180.5, Shares: 20, OpenCommission: 1},
		&models.Bundle{ID: "b2", Ticker: "MSFT", Strategy: "trend", OpenTime: opened, OpenPrice: 410, Shares: 5, OpenCommission: 1},
	)
	st.Strategy("meanrev").PeakAccountValue = 25000
	st.LastUpdateTime = opened
	return st
}

func closedBundle(id string, day int) *models.Bundle {
	open := time.Date(2024, 3, day, 15, 45, 0, 0, time.UTC)
	closed := open.Add(24 * time.Hour)
	return &models.Bundle{
		ID: id, Ticker: "AAPL", Strategy: "trend",
		OpenTime: open, CloseTime: &closed,
		OpenPrice: 100, ClosePrice: 110, Shares: 10,
		OpenCommission: 1, CloseCommission: 1,
	}
}

func assertSameState(t *testing.T, want, got *models.State) {
	t.Helper()
	require.NotNil(t, got)
	require.Len(t, got.Strategies, len(want.Strategies))
	for name, ws := range want.Strategies {
		gs := got.Strategies[name]
		require.NotNil(t, gs, name)
		assert.Equal(t, ws.PeakAccountValue, gs.PeakAccountValue)
		assert.Equal(t, ws.CurrentDrawdownPct, gs.CurrentDrawdownPct)
		assert.Equal(t, ws.MaxDrawdownPct, gs.MaxDrawdownPct)
		require.Len(t, gs.OpenBundles, len(ws.OpenBundles))
		for i := range ws.OpenBundles {
			assert.Equal(t, ws.OpenBundles[i].ID, gs.OpenBundles[i].ID)
			assert.Equal(t, ws.OpenBundles[i].Shares, gs.OpenBundles[i].Shares)
			assert.True(t, ws.OpenBundles[i].OpenTime.Equal(gs.OpenBundles[i].OpenTime))
		}
	}
	assert.Equal(t, want.OpenShares(), got.OpenShares())
}

func TestFileRepository_RoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state", "state.json")
	repo, err := NewFileRepository(path)
	require.NoError(t, err)

	loaded, err := repo.LoadState()
	require.NoError(t, err)
	assert.Nil(t, loaded, "missing file means no state")

	want := sampleState()
	require.NoError(t, repo.SaveState(want))
	got, err := repo.LoadState()
	require.NoError(t, err)
	assertSameState(t, want, got)
}

func TestFileRepository_OverwriteLeavesNoTempFiles(t *testing.T) {
	dir := t.TempDir()
	repo, err := NewFileRepository(filepath.Join(dir, "state.json"))
	require.NoError(t, err)

	st := sampleState()
	require.NoError(t, repo.SaveState(st))
	st.Strategy("trend").OpenBundles = st.Strategy("trend").OpenBundles[:1]
	require.NoError(t, repo.SaveState(st))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "state.json", entries[0].Name())

	got, err := repo.LoadState()
	require.NoError(t, err)
	assert.Equal(t, map[string]int64{"AAPL": 20}, got.OpenShares())
}

func TestFileRepository_CorruptFileIsAnError(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0644))
	repo, err := NewFileRepository(path)
	require.NoError(t, err)

	_, err = repo.LoadState()
	assert.Error(t, err)
}

func TestBadgerRepository_RoundTrip(t *testing.T) {
	db, err := OpenBadger(t.TempDir())
	require.NoError(t, err)
	repo := NewBadgerRepository(db)
	defer repo.Close()

	loaded, err := repo.LoadState()
	require.NoError(t, err)
	assert.Nil(t, loaded)

	want := sampleState()
	require.NoError(t, repo.SaveState(want))
	got, err := repo.LoadState()
	require.NoError(t, err)
	assertSameState(t, want, got)
}

func TestFileHistory_AppendNeverRewrites(t *testing.T) {
	path := filepath.Join(t.TempDir(), "closed.jsonl")
	h, err := NewFileHistory(path)
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, h.Append(ctx, []*models.Bundle{closedBundle("a", 1), closedBundle("b", 2)}))
	before, err := os.ReadFile(path)
	require.NoError(t, err)

	require.NoError(t, h.Append(ctx, []*models.Bundle{closedBundle("c", 3)}))
	after, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, before, after[:len(before)], "earlier entries must be byte-identical")
	require.NoError(t, h.Close())

	// 重新打开后继续追加
	h, err = NewFileHistory(path)
	require.NoError(t, err)
	defer h.Close()
	require.NoError(t, h.Append(ctx, nil))
	require.NoError(t, h.Append(ctx, []*models.Bundle{closedBundle("d", 4)}))

	all, err := h.ReadAll(ctx)
	require.NoError(t, err)
	ids := make([]string, 0, len(all))
	for _, b := range all {
		ids = append(ids, b.ID)
	}
	assert.Equal(t, []string{"a", "b", "c", "d"}, ids)
	assert.InDelta(t, 98.0, all[0].Profit(), 1e-9)
}

func TestBadgerHistory_AppendOrderAndSharedDB(t *testing.T) {
	db, err := OpenBadger(t.TempDir())
	require.NoError(t, err)
	repo := NewBadgerRepository(db)
	defer repo.Close()

	h, err := NewBadgerHistory(repo.DB())
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, h.Append(ctx, []*models.Bundle{closedBundle("a", 1), closedBundle("b", 2)}))
	require.NoError(t, repo.SaveState(sampleState()))
	first, err := h.ReadAll(ctx)
	require.NoError(t, err)

	require.NoError(t, h.Append(ctx, []*models.Bundle{closedBundle("c", 3)}))
	all, err := h.ReadAll(ctx)
	require.NoError(t, err)
	require.Len(t, all, 3)
	for i := range first {
		assert.Equal(t, first[i].ID, all[i].ID)
		assert.Equal(t, first[i].ClosePrice, all[i].ClosePrice)
	}
	assert.Equal(t, "c", all[2].ID)
	require.NoError(t, h.Close())

	st, err := repo.LoadState()
	require.NoError(t, err)
	assert.NotNil(t, st)
}

func TestPostgresHistory(t *testing.T) {
	url := os.Getenv("HISTORY_TEST_DATABASE_URL")
	if url == "" {
		t.Skip("HISTORY_TEST_DATABASE_URL not set")
	}
	ctx := context.Background()
	h, err := NewPostgresHistory(ctx, url)
	require.NoError(t, err)
	defer h.Close()

	_, err = h.db.Exec(ctx, "TRUNCATE closed_bundles")
	require.NoError(t, err)

	require.NoError(t, h.Append(ctx, []*models.Bundle{closedBundle("a", 1)}))
	require.NoError(t, h.Append(ctx, []*models.Bundle{closedBundle("a", 1), closedBundle("b", 2)}))
	all, err := h.ReadAll(ctx)
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, "a", all[0].ID)
	assert.Equal(t, "b", all[1].ID)

	open := closedBundle("x", 5)
	open.CloseTime = nil
	assert.Error(t, h.Append(ctx, []*models.Bundle{open}))
}
