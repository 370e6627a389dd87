// Package acquisition races the configured realtime price providers against
// each other and merges their answers by provider priority.
package acquisition

import (
	"auto-trader-go/internal/metrics"
	"auto-trader-go/internal/provider"
	"context"
	"fmt"
	"math"
	"sort"
	"time"

	"go.uber.org/zap"
)

const (
	DefaultStaggerDelay   = 5 * time.Second
	DefaultWatchdogWindow = 60 * time.Second
	DefaultDeadline       = 10 * time.Minute
)

// Options controls launch pacing and the safety bounds of one acquisition.
type Options struct {
	StaggerDelay   time.Duration // delay between consecutive provider launches
	WatchdogWindow time.Duration // providers still running this long after Acquire returns are cancelled
	Deadline       time.Duration // hard upper bound on a single Acquire call
	SettleGrace    time.Duration // once every symbol is priced, wait up to this long for more trusted providers; 0 disables
	WorkingDir     string        // scratch directory handed to providers
}

func (o Options) withDefaults() Options {
	if o.StaggerDelay < 0 {
		o.StaggerDelay = 0
	}
	if o.WatchdogWindow <= 0 {
		o.WatchdogWindow = DefaultWatchdogWindow
	}
	if o.Deadline <= 0 {
		o.Deadline = DefaultDeadline
	}
	if o.SettleGrace < 0 {
		o.SettleGrace = 0
	}
	return o
}

// Result is the merged outcome of one acquisition.
type Result struct {
	Prices  map[string]float64
	Sources map[string]string // symbol -> name of the provider whose value was kept
	Missing []string          // symbols nobody priced, sorted
	Elapsed time.Duration
}

// Engine owns the ordered provider list. Index 0 is the most trusted provider.
type Engine struct {
	providers []provider.RealtimeProvider
	opts      Options
	logger    *zap.Logger
}

// NewEngine creates an Engine. Providers must be ordered by decreasing priority.
func NewEngine(providers []provider.RealtimeProvider, opts Options, logger *zap.Logger) *Engine {
	return &Engine{
		providers: providers,
		opts:      opts.withDefaults(),
		logger:    logger,
	}
}

// report is the only way provider goroutines talk to the acquisition loop.
// A report with done set closes out the provider identified by rank.
type report struct {
	rank   int
	symbol string
	price  float64
	done   bool
	err    error
}

// run is the per-call state. It is touched only by the goroutine executing Acquire.
type run struct {
	symbols  []string
	prices   map[string]float64
	ranks    map[string]int
	assigned []map[string]bool // per rank, the snapshot it was launched with; nil until launched
	running  []bool
	finished []bool
}

func (r *run) allFinished() bool {
	for _, f := range r.finished {
		if !f {
			return false
		}
	}
	return true
}

// settled reports whether symbol's value can no longer change: it has a value from
// rank k and no more trusted provider that was asked for it is still running.
func (r *run) settled(symbol string) bool {
	k, ok := r.ranks[symbol]
	if !ok {
		return false
	}
	for j := 0; j < k; j++ {
		if r.running[j] && r.assigned[j][symbol] {
			return false
		}
	}
	return true
}

func (r *run) allPriced() bool {
	return len(r.prices) == len(r.symbols)
}

func (r *run) allSettled() bool {
	for _, s := range r.symbols {
		if !r.settled(s) {
			return false
		}
	}
	return true
}

// complete reports whether Acquire may return. Every symbol having a value is
// enough unless a settle grace is still open and a more trusted provider could
// still correct one of them.
func (r *run) complete(graceOpen bool) bool {
	if r.allFinished() {
		return true
	}
	if !r.allPriced() {
		return false
	}
	return !graceOpen || r.allSettled()
}

// unresolved returns the symbols without any value yet.
func (r *run) unresolved() []string {
	var out []string
	for _, s := range r.symbols {
		if _, ok := r.prices[s]; !ok {
			out = append(out, s)
		}
	}
	return out
}

// merge applies the priority rule: write if empty or if the stored value came from a
// less trusted provider.
func (r *run) merge(rep report) bool {
	if !r.assigned[rep.rank][rep.symbol] {
		return false
	}
	if rep.price <= 0 || math.IsNaN(rep.price) || math.IsInf(rep.price, 0) {
		return false
	}
	if k, ok := r.ranks[rep.symbol]; ok && k <= rep.rank {
		return false
	}
	r.prices[rep.symbol] = rep.price
	r.ranks[rep.symbol] = rep.rank
	return true
}

// Acquire returns a best-effort symbol -> price map. It returns once every symbol has
// a price or every provider has finished, whichever comes first, and never later than
// the configured deadline. With SettleGrace set, a fully priced result waits up to that
// long for running, more trusted providers. A cancelled ctx returns the partial result
// with ctx.Err().
func (e *Engine) Acquire(ctx context.Context, symbols []string) (Result, error) {
	start := time.Now()
	r := &run{
		symbols:  dedupe(symbols),
		prices:   make(map[string]float64),
		ranks:    make(map[string]int),
		assigned: make([]map[string]bool, len(e.providers)),
		running:  make([]bool, len(e.providers)),
		finished: make([]bool, len(e.providers)),
	}

	if len(r.symbols) == 0 || len(e.providers) == 0 {
		return e.result(r, start), nil
	}

	providerCtx, cancelProviders := context.WithCancel(ctx)
	reports := make(chan report, 64)
	loopDone := make(chan struct{})
	send := func(rep report) {
		select {
		case reports <- rep:
		case <-loopDone:
		}
	}

	launch := func(rank int) {
		snapshot := r.unresolved()
		p := e.providers[rank]
		if len(snapshot) == 0 {
			r.finished[rank] = true
			metrics.IncProviderResult(p.Name(), "skipped")
			return
		}
		r.assigned[rank] = make(map[string]bool, len(snapshot))
		for _, s := range snapshot {
			r.assigned[rank][s] = true
		}
		r.running[rank] = true
		e.logger.Debug("launching provider", zap.String("provider", p.Name()), zap.Int("rank", rank), zap.Int("symbols", len(snapshot)))
		go e.runProvider(providerCtx, rank, p, snapshot, send)
	}

	next := 1
	var launchTimer *time.Timer
	var launchC <-chan time.Time
	scheduleNext := func() {
		for next < len(e.providers) {
			if e.opts.StaggerDelay > 0 {
				launchTimer = time.NewTimer(e.opts.StaggerDelay)
				launchC = launchTimer.C
				return
			}
			launch(next)
			next++
		}
	}
	launch(0)
	scheduleNext()

	deadline := time.NewTimer(e.opts.Deadline)
	defer deadline.Stop()

	var graceTimer *time.Timer
	var graceC <-chan time.Time
	graceOpen := e.opts.SettleGrace > 0
	defer func() {
		if graceTimer != nil {
			graceTimer.Stop()
		}
	}()

	var err error
loop:
	for !r.complete(graceOpen) {
		if graceOpen && graceTimer == nil && r.allPriced() {
			graceTimer = time.NewTimer(e.opts.SettleGrace)
			graceC = graceTimer.C
		}
		select {
		case rep := <-reports:
			if rep.done {
				if rep.err != nil {
					e.logger.Warn("provider failed", zap.String("provider", e.providers[rep.rank].Name()), zap.Int("rank", rep.rank), zap.Error(rep.err))
				}
				r.running[rep.rank] = false
				r.finished[rep.rank] = true
				continue
			}
			if r.merge(rep) {
				e.logger.Debug("price merged", zap.String("symbol", rep.symbol), zap.Float64("price", rep.price), zap.Int("rank", rep.rank))
			}
		case <-launchC:
			launchTimer, launchC = nil, nil
			launch(next)
			next++
			scheduleNext()
		case <-graceC:
			e.logger.Debug("settle grace expired", zap.Duration("grace", e.opts.SettleGrace))
			graceOpen = false
		case <-deadline.C:
			e.logger.Warn("acquisition deadline reached", zap.Duration("deadline", e.opts.Deadline), zap.Int("unresolved", len(r.unresolved())))
			break loop
		case <-ctx.Done():
			err = ctx.Err()
			break loop
		}
	}
	close(loopDone)
	if launchTimer != nil {
		launchTimer.Stop()
	}
	for ; next < len(e.providers); next++ {
		metrics.IncProviderResult(e.providers[next].Name(), "skipped")
	}

	stillRunning := 0
	for _, running := range r.running {
		if running {
			stillRunning++
		}
	}
	if stillRunning > 0 {
		e.logger.Debug("arming watchdog for providers still running", zap.Int("count", stillRunning), zap.Duration("window", e.opts.WatchdogWindow))
		time.AfterFunc(e.opts.WatchdogWindow, cancelProviders)
	} else {
		cancelProviders()
	}

	res := e.result(r, start)
	metrics.ObserveAcquisition(res.Elapsed, len(res.Missing))
	e.logger.Info("acquisition finished",
		zap.Int("priced", len(res.Prices)),
		zap.Int("missing", len(res.Missing)),
		zap.Duration("elapsed", res.Elapsed))
	return res, err
}

// runProvider executes one provider and always delivers a closing report,
// even when the provider panics.
func (e *Engine) runProvider(ctx context.Context, rank int, p provider.RealtimeProvider, symbols []string, send func(report)) {
	outcome := "ok"
	var runErr error
	defer func() {
		if rec := recover(); rec != nil {
			outcome = "panic"
			runErr = fmt.Errorf("provider panicked: %v", rec)
		}
		metrics.IncProviderResult(p.Name(), outcome)
		send(report{rank: rank, done: true, err: runErr})
	}()

	onPrice := func(symbol string, price float64) {
		send(report{rank: rank, symbol: symbol, price: price})
	}
	prices, err := p.DownloadRealtime(ctx, symbols, e.opts.WorkingDir, onPrice)
	for symbol, price := range prices {
		send(report{rank: rank, symbol: symbol, price: price})
	}
	if err != nil {
		outcome = "error"
		runErr = err
	} else if len(prices) == 0 {
		outcome = "empty"
	}
}

func (e *Engine) result(r *run, start time.Time) Result {
	res := Result{
		Prices:  make(map[string]float64, len(r.prices)),
		Sources: make(map[string]string, len(r.prices)),
		Elapsed: time.Since(start),
	}
	for s, v := range r.prices {
		res.Prices[s] = v
		res.Sources[s] = e.providers[r.ranks[s]].Name()
	}
	res.Missing = r.unresolved()
	sort.Strings(res.Missing)
	return res
}

func dedupe(symbols []string) []string {
	seen := make(map[string]bool, len(symbols))
	out := make([]string, 0, len(symbols))
	for _, s := range symbols {
		if s == "" || seen[s] {
			continue
		}
		seen[s] = true
		out = append(out, s)
	}
	return out
}
