package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
)

const defaultCoinbaseURL = "https://api.coinbase.com"

// CoinbaseProvider 通过 Coinbase 公共现货价格接口逐个标的获取价格
type CoinbaseProvider struct {
	name       string
	baseURL    string
	quoteAsset string
	hc         *http.Client
	logger     *zap.Logger
}

func NewCoinbaseProvider(name, baseURL, quoteAsset string, logger *zap.Logger) *CoinbaseProvider {
	if baseURL == "" {
		baseURL = defaultCoinbaseURL
	}
	if quoteAsset == "" {
		quoteAsset = "USD"
	}
	return &CoinbaseProvider{
		name:       name,
		baseURL:    strings.TrimRight(baseURL, "/"),
		quoteAsset: strings.ToUpper(quoteAsset),
		hc:         &http.Client{Timeout: 15 * time.Second},
		logger:     logger.With(zap.String("provider", name)),
	}
}

func (p *CoinbaseProvider) Name() string { return p.name }

type coinbaseSpot struct {
	Data struct {
		Base     string `json:"base"`
		Currency string `json:"currency"`
		Amount   string `json:"amount"`
	} `json:"data"`
}

// DownloadRealtime 并发请求每个标的；并发数与连接数都受 ConcurrencyLimit 约束。
// 单个标的失败只记录日志。
func (p *CoinbaseProvider) DownloadRealtime(ctx context.Context, symbols []string, workingDir string, onPriceFound PriceCallback) (map[string]float64, error) {
	limit := ConcurrencyLimit(len(symbols))
	hc := &http.Client{
		Timeout:   p.hc.Timeout,
		Transport: &http.Transport{MaxConnsPerHost: limit, MaxIdleConnsPerHost: limit},
	}
	defer hc.CloseIdleConnections()

	sem := semaphore.NewWeighted(int64(limit))
	var mu sync.Mutex
	var wg sync.WaitGroup
	result := make(map[string]float64)
	var failures int

	for _, symbol := range symbols {
		if err := sem.Acquire(ctx, 1); err != nil {
			break
		}
		wg.Add(1)
		go func(symbol string) {
			defer wg.Done()
			defer sem.Release(1)

			price, err := p.fetch(ctx, hc, symbol)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				failures++
				p.logger.Debug("获取价格失败", zap.String("symbol", symbol), zap.Error(err))
				return
			}
			result[symbol] = price
			if onPriceFound != nil {
				onPriceFound(symbol, price)
			}
		}(symbol)
	}
	wg.Wait()

	if failures > 0 {
		p.logger.Info("部分标的未获取到价格", zap.Int("failed", failures), zap.Int("total", len(symbols)))
	}
	return result, ctx.Err()
}

func (p *CoinbaseProvider) fetch(ctx context.Context, hc *http.Client, symbol string) (float64, error) {
	product := fmt.Sprintf("%s-%s", strings.ToUpper(symbol), p.quoteAsset)
	u := fmt.Sprintf("%s/v2/prices/%s/spot", p.baseURL, url.PathEscape(product))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return 0, err
	}
	resp, err := hc.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return 0, fmt.Errorf("状态码 %d: %s", resp.StatusCode, string(body))
	}

	var spot coinbaseSpot
	if err := json.NewDecoder(resp.Body).Decode(&spot); err != nil {
		return 0, fmt.Errorf("解析响应失败: %w", err)
	}
	price, err := strconv.ParseFloat(spot.Data.Amount, 64)
	if err != nil || price <= 0 {
		return 0, fmt.Errorf("无效的价格 %q", spot.Data.Amount)
	}
	return price, nil
}
