package provider

import (
	"auto-trader-go/internal/models"
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/adshao/go-binance/v2"
	"go.uber.org/zap"
)

// KlineHistory 从币安下载日K线并缓存到CSV文件
type KlineHistory struct {
	client     *binance.Client
	quoteAsset string
	cacheDir   string
	pause      time.Duration
	logger     *zap.Logger
}

// NewKlineHistory 创建历史K线加载器，cacheDir 为空时不使用缓存
func NewKlineHistory(baseURL, quoteAsset, cacheDir string, logger *zap.Logger) *KlineHistory {
	client := binance.NewClient("", "") // 公共接口不需要API Key
	if baseURL != "" {
		client.BaseURL = baseURL
	}
	return &KlineHistory{
		client:     client,
		quoteAsset: quoteAsset,
		cacheDir:   cacheDir,
		pause:      200 * time.Millisecond,
		logger:     logger,
	}
}

var csvHeader = []string{"open_time", "open", "high", "low", "close", "volume"}

// LoadHistory 返回 [from, to) 区间内的日K线。缓存文件按交易对和日期范围命名，
// 命中缓存时不访问网络。
func (h *KlineHistory) LoadHistory(ctx context.Context, symbol string, from, to time.Time) ([]models.Bar, error) {
	pair := toPair(symbol, h.quoteAsset)

	var cachePath string
	if h.cacheDir != "" {
		cachePath = filepath.Join(h.cacheDir, "klines",
			fmt.Sprintf("%s_1d_%s_%s.csv", pair, from.UTC().Format("20060102"), to.UTC().Format("20060102")))
		if bars, err := readBarsCSV(cachePath); err == nil {
			h.logger.Debug("从缓存加载K线", zap.String("path", cachePath))
			return bars, nil
		} else if !os.IsNotExist(err) {
			h.logger.Warn("缓存文件损坏，重新下载", zap.String("path", cachePath), zap.Error(err))
		}
	}

	bars, err := h.download(ctx, pair, from, to)
	if err != nil {
		return nil, err
	}

	if cachePath != "" {
		if err := writeBarsCSV(cachePath, bars); err != nil {
			h.logger.Warn("写入K线缓存失败", zap.String("path", cachePath), zap.Error(err))
		}
	}
	return bars, nil
}

func (h *KlineHistory) download(ctx context.Context, pair string, from, to time.Time) ([]models.Bar, error) {
	var bars []models.Bar
	for t := from; t.Before(to); {
		klines, err := h.client.NewKlinesService().
			Symbol(pair).
			Interval("1d").
			StartTime(t.UnixMilli()).
			EndTime(to.UnixMilli() - 1).
			Limit(1000). // 币安单次请求最多1000条
			Do(ctx)
		if err != nil {
			return nil, fmt.Errorf("下载 %s K线数据失败: %w", pair, err)
		}
		if len(klines) == 0 {
			break
		}

		for _, k := range klines {
			bar, err := parseKline(k)
			if err != nil {
				return nil, fmt.Errorf("解析 %s K线失败: %w", pair, err)
			}
			if !bar.Time.Before(to) {
				continue
			}
			bars = append(bars, bar)
		}

		// 更新下一次请求的开始时间
		t = time.UnixMilli(klines[len(klines)-1].CloseTime + 1)
		if len(klines) < 1000 {
			break
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(h.pause): // 避免过于频繁的请求
		}
	}
	return bars, nil
}

func parseKline(k *binance.Kline) (models.Bar, error) {
	var (
		bar models.Bar
		err error
	)
	bar.Time = time.UnixMilli(k.OpenTime).UTC()
	fields := []struct {
		raw string
		dst *float64
	}{
		{k.Open, &bar.Open}, {k.High, &bar.High}, {k.Low, &bar.Low}, {k.Close, &bar.Close}, {k.Volume, &bar.Volume},
	}
	for _, f := range fields {
		if *f.dst, err = strconv.ParseFloat(f.raw, 64); err != nil {
			return models.Bar{}, err
		}
	}
	return bar, nil
}

func writeBarsCSV(path string, bars []models.Bar) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("无法创建目录: %w", err)
	}
	tmp := path + ".tmp"
	file, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("无法创建文件 %s: %w", tmp, err)
	}

	writer := csv.NewWriter(file)
	_ = writer.Write(csvHeader)
	for _, b := range bars {
		record := []string{
			strconv.FormatInt(b.Time.UnixMilli(), 10),
			strconv.FormatFloat(b.Open, 'f', -1, 64),
			strconv.FormatFloat(b.High, 'f', -1, 64),
			strconv.FormatFloat(b.Low, 'f', -1, 64),
			strconv.FormatFloat(b.Close, 'f', -1, 64),
			strconv.FormatFloat(b.Volume, 'f', -1, 64),
		}
		if err := writer.Write(record); err != nil {
			file.Close()
			os.Remove(tmp)
			return fmt.Errorf("写入CSV记录失败: %w", err)
		}
	}
	writer.Flush()
	if err := writer.Error(); err != nil {
		file.Close()
		os.Remove(tmp)
		return err
	}
	if err := file.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, path)
}

func readBarsCSV(path string) ([]models.Bar, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	reader := csv.NewReader(file)
	if _, err := reader.Read(); err != nil { // 跳过表头
		if err == io.EOF {
			return nil, fmt.Errorf("空的缓存文件")
		}
		return nil, err
	}

	var bars []models.Bar
	for {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
		if len(record) != len(csvHeader) {
			return nil, fmt.Errorf("字段数量错误: %d", len(record))
		}
		ms, err := strconv.ParseInt(record[0], 10, 64)
		if err != nil {
			return nil, err
		}
		bar := models.Bar{Time: time.UnixMilli(ms).UTC()}
		vals := []*float64{&bar.Open, &bar.High, &bar.Low, &bar.Close, &bar.Volume}
		for i, dst := range vals {
			if *dst, err = strconv.ParseFloat(record[i+1], 64); err != nil {
				return nil, err
			}
		}
		bars = append(bars, bar)
	}
	return bars, nil
}
