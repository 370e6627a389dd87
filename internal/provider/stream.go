package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const defaultBinanceStreamURL = "wss://stream.binance.com:9443"

// BinanceStreamProvider 订阅币安 aggTrade 组合流，直到每个标的都收到一笔成交或超时
type BinanceStreamProvider struct {
	name       string
	baseURL    string
	quoteAsset string
	maxWait    time.Duration
	dialer     *websocket.Dialer
	logger     *zap.Logger
}

func NewBinanceStreamProvider(name, baseURL, quoteAsset string, logger *zap.Logger) *BinanceStreamProvider {
	if baseURL == "" {
		baseURL = defaultBinanceStreamURL
	}
	return &BinanceStreamProvider{
		name:       name,
		baseURL:    strings.TrimRight(baseURL, "/"),
		quoteAsset: quoteAsset,
		maxWait:    30 * time.Second,
		dialer:     websocket.DefaultDialer,
		logger:     logger.With(zap.String("provider", name)),
	}
}

func (p *BinanceStreamProvider) Name() string { return p.name }

// streamEnvelope 是组合流的消息外层
type streamEnvelope struct {
	Stream string `json:"stream"`
	Data   struct {
		EventType string      `json:"e"`
		Symbol    string      `json:"s"`
		Price     json.Number `json:"p"`
	} `json:"data"`
}

// DownloadRealtime 在 maxWait 内返回收集到的价格；父 ctx 被取消时返回已收集的部分以及 ctx 错误
func (p *BinanceStreamProvider) DownloadRealtime(ctx context.Context, symbols []string, workingDir string, onPriceFound PriceCallback) (map[string]float64, error) {
	result := make(map[string]float64)
	if len(symbols) == 0 {
		return result, nil
	}

	streams := make([]string, 0, len(symbols))
	for _, s := range symbols {
		streams = append(streams, strings.ToLower(toPair(s, p.quoteAsset))+"@aggTrade")
	}
	wsURL := fmt.Sprintf("%s/stream?streams=%s", p.baseURL, strings.Join(streams, "/"))

	conn, _, err := p.dialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return nil, fmt.Errorf("WebSocket连接失败: %w", err)
	}
	defer conn.Close()

	waitCtx, cancel := context.WithTimeout(ctx, p.maxWait)
	defer cancel()

	// 超时或取消时关闭连接以解除 ReadMessage 的阻塞
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-waitCtx.Done():
			_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			conn.Close()
		case <-stop:
		}
	}()

	for len(result) < len(symbols) {
		_, message, err := conn.ReadMessage()
		if err != nil {
			if waitCtx.Err() != nil {
				break
			}
			return result, fmt.Errorf("读取消息失败: %w", err)
		}

		var env streamEnvelope
		if err := json.Unmarshal(message, &env); err != nil {
			p.logger.Debug("解析价格信息失败", zap.Error(err))
			continue
		}
		if env.Data.EventType != "aggTrade" {
			continue
		}
		price, err := env.Data.Price.Float64()
		if err != nil || price <= 0 {
			continue
		}
		ticker := fromPair(env.Data.Symbol, p.quoteAsset)
		if _, seen := result[ticker]; seen {
			continue
		}
		result[ticker] = price
		if onPriceFound != nil {
			onPriceFound(ticker, price)
		}
	}

	return result, ctx.Err()
}
