// Package metrics – Prometheus metrics for observability.
//
// Exposes the metrics the trader updates during operation:
//   - trader_acquisition_seconds            – wall time of one quote acquisition
//   - trader_provider_results_total{provider,outcome} – per-provider outcome (ok|empty|error|panic|skipped)
//   - trader_quotes_missing                 – symbols without a quote after the last acquisition
//   - trader_orders_total{action,status}    – orders by side and terminal status
//   - trader_cycles_total{result}           – session cycles (ok|recovered|fatal)
//   - trader_equity                         – last observed equity-with-loan value
//   - trader_drawdown_pct{strategy}         – current drawdown per strategy
//
// Everything is registered on a private registry served by Handler().
package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

var (
	Registry = prometheus.NewRegistry()

	acquisitionSeconds = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "trader_acquisition_seconds",
			Help:    "Wall time of one realtime quote acquisition",
			Buckets: []float64{1, 5, 10, 30, 60, 120, 300, 600},
		},
	)

	providerResults = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "trader_provider_results_total",
			Help: "Realtime provider outcomes",
		},
		[]string{"provider", "outcome"},
	)

	quotesMissing = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "trader_quotes_missing",
			Help: "Symbols without a quote after the last acquisition",
		},
	)

	orders = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "trader_orders_total",
			Help: "Orders submitted, by action and final status",
		},
		[]string{"action", "status"},
	)

	cycles = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "trader_cycles_total",
			Help: "Session cycles by result",
		},
		[]string{"result"},
	)

	equity = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "trader_equity",
			Help: "Last observed equity-with-loan value",
		},
	)

	drawdown = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "trader_drawdown_pct",
			Help: "Current drawdown percentage per strategy",
		},
		[]string{"strategy"},
	)
)

func init() {
	Registry.MustRegister(acquisitionSeconds, providerResults, quotesMissing)
	Registry.MustRegister(orders, cycles, equity, drawdown)
}

func ObserveAcquisition(d time.Duration, missing int) {
	acquisitionSeconds.Observe(d.Seconds())
	quotesMissing.Set(float64(missing))
}

func IncProviderResult(provider, outcome string) {
	providerResults.WithLabelValues(provider, outcome).Inc()
}

func IncOrder(action, status string) { orders.WithLabelValues(action, status).Inc() }
func IncCycle(result string)         { cycles.WithLabelValues(result).Inc() }
func SetEquity(v float64)            { equity.Set(v) }

func SetDrawdown(strategy string, pct float64) {
	drawdown.WithLabelValues(strategy).Set(pct)
}

// Handler 返回 /metrics 的 HTTP handler
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}

// Serve 在 addr 上启动 /metrics 服务，ctx 结束时关闭
func Serve(ctx context.Context, addr string, logger *zap.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	go func() {
		logger.Info("metrics 服务已启动", zap.String("addr", addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics 服务异常退出", zap.Error(err))
		}
	}()
}
