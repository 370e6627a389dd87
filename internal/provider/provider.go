// Package provider 定义了行情数据源的窄接口以及几个具体实现。
// 各数据源的解析细节仅限于各自的文件，上层只依赖这里的接口。
package provider

import (
	"auto-trader-go/internal/models"
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
)

// PriceCallback 在数据源找到某个标的价格时被调用，可能被并发调用
type PriceCallback func(symbol string, price float64)

// RealtimeProvider 获取一组标的的实时价格
type RealtimeProvider interface {
	Name() string
	// DownloadRealtime 返回 symbol -> price。找到价格时可以通过 onPriceFound 提前上报；
	// 返回的 map 与回调上报的内容允许重复。workingDir 供数据源存放临时文件。
	DownloadRealtime(ctx context.Context, symbols []string, workingDir string, onPriceFound PriceCallback) (map[string]float64, error)
}

// SymbolCatalog 获取可交易标的及其成交量
type SymbolCatalog interface {
	FetchSymbols(ctx context.Context) ([]models.Symbol, error)
}

// HistoryProvider 获取日K线历史，返回 [from, to) 区间内按时间升序的K线
type HistoryProvider interface {
	LoadHistory(ctx context.Context, symbol string, from, to time.Time) ([]models.Bar, error)
}

// ConcurrencyLimit 根据标的数量计算对外连接的并发上限，避免压垮传输层
func ConcurrencyLimit(symbolCount int) int {
	limit := symbolCount / 4
	if limit < 2 {
		limit = 2
	}
	if limit > 16 {
		limit = 16
	}
	return limit
}

// toPair 把标的代码映射为交易对, e.g. "BTC" + "USDT" -> "BTCUSDT"
func toPair(ticker, quoteAsset string) string {
	t := strings.ToUpper(ticker)
	q := strings.ToUpper(quoteAsset)
	if q == "" || strings.HasSuffix(t, q) {
		return t
	}
	return t + q
}

// fromPair 是 toPair 的逆映射
func fromPair(pair, quoteAsset string) string {
	p := strings.ToUpper(pair)
	q := strings.ToUpper(quoteAsset)
	if q != "" && strings.HasSuffix(p, q) && len(p) > len(q) {
		return strings.TrimSuffix(p, q)
	}
	return p
}

// NewRealtimeProviders 按配置顺序 (即优先级顺序) 创建实时数据源
func NewRealtimeProviders(cfgs []models.ProviderConfig, logger *zap.Logger) ([]RealtimeProvider, error) {
	providers := make([]RealtimeProvider, 0, len(cfgs))
	for _, c := range cfgs {
		switch c.Type {
		case "binance_rest":
			providers = append(providers, NewBinanceProvider(c.Name, c.BaseURL, c.QuoteAsset, logger))
		case "binance_ws":
			providers = append(providers, NewBinanceStreamProvider(c.Name, c.BaseURL, c.QuoteAsset, logger))
		case "coinbase":
			providers = append(providers, NewCoinbaseProvider(c.Name, c.BaseURL, c.QuoteAsset, logger))
		default:
			return nil, fmt.Errorf("未知的行情数据源类型: %s", c.Type)
		}
	}
	return providers, nil
}

// NewCatalog 按配置创建标的池数据源
func NewCatalog(cfg models.CatalogConfig) (SymbolCatalog, error) {
	switch cfg.Type {
	case "static":
		return NewStaticCatalog(cfg.Symbols), nil
	case "binance":
		return NewBinanceCatalog(cfg.BaseURL, cfg.QuoteAsset), nil
	default:
		return nil, fmt.Errorf("未知的标的池类型: %s", cfg.Type)
	}
}

// StaticCatalog 是固定的标的列表，顺序即流动性排名
type StaticCatalog struct {
	symbols []string
}

func NewStaticCatalog(symbols []string) *StaticCatalog {
	return &StaticCatalog{symbols: symbols}
}

func (c *StaticCatalog) FetchSymbols(ctx context.Context) ([]models.Symbol, error) {
	out := make([]models.Symbol, 0, len(c.symbols))
	n := len(c.symbols)
	for i, s := range c.symbols {
		// 用递减的伪成交量保持配置中的顺序
		out = append(out, models.Symbol{Ticker: strings.ToUpper(s), Volume: float64(n - i)})
	}
	return out, nil
}
