package acquisition

import (
	"auto-trader-go/internal/provider"
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// fakeProvider answers after delay with the subset of prices it knows.
type fakeProvider struct {
	name        string
	delay       time.Duration
	prices      map[string]float64
	err         error
	panics      bool
	useCallback bool
	blockForCtx bool

	mu        sync.Mutex
	calls     [][]string
	cancelled chan struct{}
}

func newFake(name string, delay time.Duration, prices map[string]float64) *fakeProvider {
	return &fakeProvider{name: name, delay: delay, prices: prices, cancelled: make(chan struct{})}
}

func (f *fakeProvider) Name() string { return f.name }

func (f *fakeProvider) DownloadRealtime(ctx context.Context, symbols []string, workingDir string, onPriceFound provider.PriceCallback) (map[string]float64, error) {
	f.mu.Lock()
	f.calls = append(f.calls, append([]string(nil), symbols...))
	f.mu.Unlock()

	if f.blockForCtx {
		<-ctx.Done()
		close(f.cancelled)
		return nil, ctx.Err()
	}

	select {
	case <-time.After(f.delay):
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	if f.panics {
		panic("scraper exploded")
	}

	out := make(map[string]float64)
	for _, s := range symbols {
		if v, ok := f.prices[s]; ok {
			if f.useCallback {
				onPriceFound(s, v)
			} else {
				out[s] = v
			}
		}
	}
	return out, f.err
}

func (f *fakeProvider) Calls() [][]string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func newTestEngine(stagger time.Duration, ps ...provider.RealtimeProvider) *Engine {
	return NewEngine(ps, Options{StaggerDelay: stagger, WatchdogWindow: 20 * time.Millisecond, Deadline: 5 * time.Second}, zap.NewNop())
}

func newGraceEngine(stagger, grace time.Duration, ps ...provider.RealtimeProvider) *Engine {
	return NewEngine(ps, Options{StaggerDelay: stagger, WatchdogWindow: 20 * time.Millisecond, Deadline: 5 * time.Second, SettleGrace: grace}, zap.NewNop())
}

func TestAcquire_ReturnsOnceEveryPriceIsKnown(t *testing.T) {
	a := newFake("A", 3*time.Second, nil)
	b := newFake("B", 10*time.Millisecond, map[string]float64{"AAPL": 100})

	start := time.Now()
	res, err := newTestEngine(0, a, b).Acquire(context.Background(), []string{"AAPL"})
	require.NoError(t, err)
	assert.Less(t, time.Since(start), time.Second)
	assert.Equal(t, map[string]float64{"AAPL": 100}, res.Prices)
	assert.Equal(t, "B", res.Sources["AAPL"])
	assert.Empty(t, res.Missing)
}

func TestAcquire_SettleGraceIsBounded(t *testing.T) {
	a := newFake("A", 0, nil)
	a.blockForCtx = true
	b := newFake("B", 0, map[string]float64{"AAPL": 100})

	start := time.Now()
	res, err := newGraceEngine(0, 50*time.Millisecond, a, b).Acquire(context.Background(), []string{"AAPL"})
	require.NoError(t, err)
	elapsed := time.Since(start)
	assert.GreaterOrEqual(t, elapsed, 50*time.Millisecond)
	assert.Less(t, elapsed, time.Second)
	assert.Equal(t, 100.0, res.Prices["AAPL"])
}

func TestAcquire_HigherPriorityWinsRegardlessOfArrival(t *testing.T) {
	for _, stagger := range []time.Duration{0, 5 * time.Millisecond} {
		t.Run(fmt.Sprintf("stagger=%s", stagger), func(t *testing.T) {
			a := newFake("A", 200*time.Millisecond, map[string]float64{"AAPL": 101})
			b := newFake("B", 50*time.Millisecond, map[string]float64{"AAPL": 100})

			res, err := newGraceEngine(stagger, 2*time.Second, a, b).Acquire(context.Background(), []string{"AAPL"})
			require.NoError(t, err)
			assert.Equal(t, 101.0, res.Prices["AAPL"])
			assert.Equal(t, "A", res.Sources["AAPL"])
			assert.Empty(t, res.Missing)
		})
	}
}

func TestAcquire_LateProviderOnlyGetsUnresolvedSymbols(t *testing.T) {
	a := newFake("A", 0, map[string]float64{"AAPL": 190})
	b := newFake("B", 0, map[string]float64{"AAPL": 1, "MSFT": 410})

	res, err := newTestEngine(50*time.Millisecond, a, b).Acquire(context.Background(), []string{"AAPL", "MSFT"})
	require.NoError(t, err)
	assert.Equal(t, map[string]float64{"AAPL": 190, "MSFT": 410}, res.Prices)
	assert.Equal(t, [][]string{{"AAPL", "MSFT"}}, a.Calls())
	assert.Equal(t, [][]string{{"MSFT"}}, b.Calls())
}

func TestAcquire_RemainingLaunchesSkippedOnceComplete(t *testing.T) {
	a := newFake("A", 0, map[string]float64{"AAPL": 190, "MSFT": 410})
	b := newFake("B", 0, map[string]float64{"AAPL": 1})

	res, err := newTestEngine(50*time.Millisecond, a, b).Acquire(context.Background(), []string{"AAPL", "MSFT"})
	require.NoError(t, err)
	assert.Len(t, res.Prices, 2)
	assert.Empty(t, b.Calls())
}

func TestAcquire_ValuesOutsideSnapshotAreIgnored(t *testing.T) {
	a := newFake("A", 0, map[string]float64{"AAPL": 190})
	b := &extraSymbolProvider{}

	res, err := newTestEngine(30*time.Millisecond, a, b).Acquire(context.Background(), []string{"AAPL", "MSFT"})
	require.NoError(t, err)
	assert.Equal(t, 190.0, res.Prices["AAPL"])
	assert.Equal(t, 410.0, res.Prices["MSFT"])
}

type extraSymbolProvider struct{}

func (extraSymbolProvider) Name() string { return "extra" }

func (extraSymbolProvider) DownloadRealtime(ctx context.Context, symbols []string, workingDir string, cb provider.PriceCallback) (map[string]float64, error) {
	return map[string]float64{"AAPL": 1, "MSFT": 410}, nil
}

func TestAcquire_PanicIsIsolated(t *testing.T) {
	a := newFake("A", 0, map[string]float64{"AAPL": 101})
	a.panics = true
	b := newFake("B", 10*time.Millisecond, map[string]float64{"AAPL": 100})

	res, err := newTestEngine(0, a, b).Acquire(context.Background(), []string{"AAPL"})
	require.NoError(t, err)
	assert.Equal(t, 100.0, res.Prices["AAPL"])
	assert.Equal(t, "B", res.Sources["AAPL"])
}

func TestAcquire_ErrorAfterCallbackKeepsReportedValues(t *testing.T) {
	a := newFake("A", 30*time.Millisecond, map[string]float64{"AAPL": 101})
	a.useCallback = true
	a.err = errors.New("connection reset")
	b := newFake("B", 0, map[string]float64{"AAPL": 100})

	res, err := newGraceEngine(0, 2*time.Second, a, b).Acquire(context.Background(), []string{"AAPL"})
	require.NoError(t, err)
	assert.Equal(t, 101.0, res.Prices["AAPL"])
}

func TestAcquire_NoDataDoesNotBlock(t *testing.T) {
	a := newFake("A", 0, nil)
	b := newFake("B", 0, map[string]float64{"AAPL": 100})
	b.err = errors.New("rate limited")

	start := time.Now()
	eng := NewEngine([]provider.RealtimeProvider{a, b}, Options{Deadline: time.Minute}, zap.NewNop())
	res, err := eng.Acquire(context.Background(), []string{"AAPL", "TSLA"})
	require.NoError(t, err)
	assert.Less(t, time.Since(start), 5*time.Second)
	assert.Equal(t, 100.0, res.Prices["AAPL"])
	assert.Equal(t, []string{"TSLA"}, res.Missing)
}

func TestAcquire_DeadlineAndWatchdog(t *testing.T) {
	a := newFake("A", 0, nil)
	a.blockForCtx = true

	eng := NewEngine([]provider.RealtimeProvider{a}, Options{WatchdogWindow: 10 * time.Millisecond, Deadline: 50 * time.Millisecond}, zap.NewNop())
	start := time.Now()
	res, err := eng.Acquire(context.Background(), []string{"AAPL"})
	require.NoError(t, err)
	assert.Less(t, time.Since(start), 2*time.Second)
	assert.Equal(t, []string{"AAPL"}, res.Missing)

	select {
	case <-a.cancelled:
	case <-time.After(2 * time.Second):
		t.Fatal("watchdog did not cancel the provider")
	}
}

func TestAcquire_WatchdogCancelsSlowerLowPriorityProvider(t *testing.T) {
	a := newFake("A", 0, map[string]float64{"AAPL": 101})
	b := newFake("B", 0, nil)
	b.blockForCtx = true

	res, err := newTestEngine(0, a, b).Acquire(context.Background(), []string{"AAPL"})
	require.NoError(t, err)
	assert.Equal(t, 101.0, res.Prices["AAPL"])

	select {
	case <-b.cancelled:
	case <-time.After(2 * time.Second):
		t.Fatal("watchdog did not cancel the provider")
	}
}

func TestAcquire_ContextCancelled(t *testing.T) {
	a := newFake("A", 0, nil)
	a.blockForCtx = true
	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(20*time.Millisecond, cancel)

	_, err := newTestEngine(0, a).Acquire(ctx, []string{"AAPL"})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestAcquire_EmptyInputs(t *testing.T) {
	res, err := newTestEngine(0).Acquire(context.Background(), []string{"AAPL"})
	require.NoError(t, err)
	assert.Equal(t, []string{"AAPL"}, res.Missing)

	res, err = newTestEngine(0, newFake("A", 0, nil)).Acquire(context.Background(), nil)
	require.NoError(t, err)
	assert.Empty(t, res.Prices)
	assert.Empty(t, res.Missing)
}

// With a settle grace and arbitrary arrival orders the kept value is always the one
// from the most trusted provider that had any value.
func TestAcquire_PriorityIndependentOfArrivalOrder(t *testing.T) {
	symbols := []string{"AAPL", "MSFT", "GOOG", "TSLA"}
	for seed := int64(0); seed < 25; seed++ {
		rng := rand.New(rand.NewSource(seed))
		var ps []provider.RealtimeProvider
		expected := map[string]float64{}
		for rank := 0; rank < 3; rank++ {
			prices := map[string]float64{}
			for _, s := range symbols {
				if rng.Intn(2) == 0 {
					prices[s] = float64(100 + rank)
					if _, ok := expected[s]; !ok {
						expected[s] = prices[s]
					}
				}
			}
			f := newFake(fmt.Sprintf("p%d", rank), time.Duration(rng.Intn(20))*time.Millisecond, prices)
			f.useCallback = rng.Intn(2) == 0
			ps = append(ps, f)
		}

		res, err := newGraceEngine(0, 2*time.Second, ps...).Acquire(context.Background(), symbols)
		require.NoError(t, err)
		assert.Equal(t, expected, res.Prices, "seed %d", seed)
		assert.Equal(t, len(symbols)-len(expected), len(res.Missing), "seed %d", seed)
	}
}
