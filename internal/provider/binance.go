package provider

import (
	"auto-trader-go/internal/models"
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/adshao/go-binance/v2"
	"github.com/adshao/go-binance/v2/common"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
)

// 币安错误码: 无效交易对
const binanceInvalidSymbol = -1121

// BinanceProvider 通过币安公共 REST 接口获取最新成交价
type BinanceProvider struct {
	name       string
	client     *binance.Client
	quoteAsset string
	logger     *zap.Logger
}

// NewBinanceProvider 创建币安 REST 数据源，baseURL 为空时使用默认地址
func NewBinanceProvider(name, baseURL, quoteAsset string, logger *zap.Logger) *BinanceProvider {
	client := binance.NewClient("", "") // 公共接口不需要API Key
	if baseURL != "" {
		client.BaseURL = baseURL
	}
	return &BinanceProvider{
		name:       name,
		client:     client,
		quoteAsset: quoteAsset,
		logger:     logger.With(zap.String("provider", name)),
	}
}

func (p *BinanceProvider) Name() string { return p.name }

// DownloadRealtime 先批量查询；如果某个交易对无效导致整批失败，则退化为逐个查询
func (p *BinanceProvider) DownloadRealtime(ctx context.Context, symbols []string, workingDir string, onPriceFound PriceCallback) (map[string]float64, error) {
	pairs := make([]string, 0, len(symbols))
	for _, s := range symbols {
		pairs = append(pairs, toPair(s, p.quoteAsset))
	}

	prices, err := p.client.NewListPricesService().Symbols(pairs).Do(ctx)
	if err == nil {
		return p.collect(prices, onPriceFound), nil
	}

	var apiErr *common.APIError
	if !errors.As(err, &apiErr) || apiErr.Code != binanceInvalidSymbol {
		return nil, fmt.Errorf("批量获取币安价格失败: %w", err)
	}

	p.logger.Warn("批量查询包含无效交易对，改为逐个查询", zap.Error(err))
	return p.downloadOneByOne(ctx, pairs, onPriceFound)
}

func (p *BinanceProvider) downloadOneByOne(ctx context.Context, pairs []string, onPriceFound PriceCallback) (map[string]float64, error) {
	sem := semaphore.NewWeighted(int64(ConcurrencyLimit(len(pairs))))
	var mu sync.Mutex
	var wg sync.WaitGroup
	result := make(map[string]float64)

	for _, pair := range pairs {
		if err := sem.Acquire(ctx, 1); err != nil {
			break
		}
		wg.Add(1)
		go func(pair string) {
			defer wg.Done()
			defer sem.Release(1)
			prices, err := p.client.NewListPricesService().Symbol(pair).Do(ctx)
			if err != nil {
				p.logger.Debug("获取价格失败", zap.String("pair", pair), zap.Error(err))
				return
			}
			found := p.collect(prices, onPriceFound)
			mu.Lock()
			for k, v := range found {
				result[k] = v
			}
			mu.Unlock()
		}(pair)
	}
	wg.Wait()
	return result, ctx.Err()
}

func (p *BinanceProvider) collect(prices []*binance.SymbolPrice, onPriceFound PriceCallback) map[string]float64 {
	result := make(map[string]float64, len(prices))
	for _, sp := range prices {
		price, err := strconv.ParseFloat(sp.Price, 64)
		if err != nil || price <= 0 {
			continue
		}
		ticker := fromPair(sp.Symbol, p.quoteAsset)
		result[ticker] = price
		if onPriceFound != nil {
			onPriceFound(ticker, price)
		}
	}
	return result
}

// BinanceCatalog 以24小时计价成交额作为流动性指标生成标的池
type BinanceCatalog struct {
	client     *binance.Client
	quoteAsset string
}

func NewBinanceCatalog(baseURL, quoteAsset string) *BinanceCatalog {
	client := binance.NewClient("", "")
	if baseURL != "" {
		client.BaseURL = baseURL
	}
	return &BinanceCatalog{client: client, quoteAsset: strings.ToUpper(quoteAsset)}
}

// FetchSymbols 返回按成交额从高到低排序的标的
func (c *BinanceCatalog) FetchSymbols(ctx context.Context) ([]models.Symbol, error) {
	stats, err := c.client.NewListPriceChangeStatsService().Do(ctx)
	if err != nil {
		return nil, fmt.Errorf("获取币安24小时行情失败: %w", err)
	}

	symbols := make([]models.Symbol, 0, len(stats))
	for _, s := range stats {
		if c.quoteAsset != "" && !strings.HasSuffix(s.Symbol, c.quoteAsset) {
			continue
		}
		volume, err := strconv.ParseFloat(s.QuoteVolume, 64)
		if err != nil || volume <= 0 {
			continue
		}
		symbols = append(symbols, models.Symbol{Ticker: fromPair(s.Symbol, c.quoteAsset), Volume: volume})
	}
	sort.SliceStable(symbols, func(i, j int) bool { return symbols[i].Volume > symbols[j].Volume })
	return symbols, nil
}
