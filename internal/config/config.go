package config

import (
	"auto-trader-go/internal/models"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// 默认值
const (
	DefaultStaggerDelaySec = 5
	DefaultWatchdogSec     = 60
	DefaultDeadlineSec     = 600
)

// DefaultRecoverableCodes 是券商连接类错误码 (连接断开/未连接/网关不可达等)
var DefaultRecoverableCodes = []int{502, 504, 1100, 1101, 1102, 1300, 2110}

// LoadConfig 从指定路径加载JSON配置文件并解析到Config结构体中，
// 然后依次应用默认值、环境变量覆盖和校验。
func LoadConfig(path string) (*models.Config, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	decoder := json.NewDecoder(file)
	cfg := &models.Config{}
	if err := decoder.Decode(cfg); err != nil {
		return nil, fmt.Errorf("解析配置文件 %s 失败: %w", path, err)
	}

	ApplyDefaults(cfg)
	ApplyEnv(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyDefaults 为未设置的字段填充默认值
func ApplyDefaults(cfg *models.Config) {
	if cfg.DataDir == "" {
		cfg.DataDir = "data"
	}
	if cfg.Timezone == "" {
		cfg.Timezone = "America/New_York"
	}
	if cfg.StateBackend == "" {
		cfg.StateBackend = "file"
	}
	if cfg.StateFile == "" {
		cfg.StateFile = filepath.Join(cfg.DataDir, "state.json")
	}
	if cfg.DBPath == "" {
		cfg.DBPath = filepath.Join(cfg.DataDir, "badger")
	}
	if cfg.HistoryBackend == "" {
		cfg.HistoryBackend = "file"
	}
	if cfg.HistoryFile == "" {
		cfg.HistoryFile = filepath.Join(cfg.DataDir, "closed_bundles.jsonl")
	}

	b := &cfg.Broker
	if b.GatewayURL == "" {
		b.GatewayURL = "https://localhost:5000/v1/api"
	}
	if b.RequestTimeoutSec <= 0 {
		b.RequestTimeoutSec = 15
	}
	if b.PollIntervalMs <= 0 {
		b.PollIntervalMs = 1000
	}
	if b.FillTimeoutSec <= 0 {
		b.FillTimeoutSec = 300
	}
	if len(b.RecoverableCodes) == 0 {
		b.RecoverableCodes = append([]int(nil), DefaultRecoverableCodes...)
	}
	if b.ExchangeTimezone == "" {
		b.ExchangeTimezone = cfg.Timezone
	}

	if cfg.Product.SecType == "" {
		cfg.Product.SecType = "STK"
	}
	if cfg.Product.Exchange == "" {
		cfg.Product.Exchange = "SMART"
	}
	if cfg.Product.Currency == "" {
		cfg.Product.Currency = "USD"
	}

	for i := range cfg.Providers {
		p := &cfg.Providers[i]
		if p.Name == "" {
			p.Name = p.Type
		}
		if p.QuoteAsset == "" {
			p.QuoteAsset = "USDT"
		}
	}

	if cfg.Catalog.Type == "" {
		cfg.Catalog.Type = "static"
	}
	if cfg.Catalog.QuoteAsset == "" {
		cfg.Catalog.QuoteAsset = "USDT"
	}
	if cfg.History.QuoteAsset == "" {
		cfg.History.QuoteAsset = "USDT"
	}
	if cfg.History.Days <= 0 {
		cfg.History.Days = 365
	}

	a := &cfg.Acquisition
	if a.StaggerDelaySec <= 0 {
		a.StaggerDelaySec = DefaultStaggerDelaySec
	}
	if a.WatchdogSec <= 0 {
		a.WatchdogSec = DefaultWatchdogSec
	}
	if a.DeadlineSec <= 0 {
		a.DeadlineSec = DefaultDeadlineSec
	}

	s := &cfg.Session
	if s.UniverseSize <= 0 {
		s.UniverseSize = 20
	}
	if s.CalendarSampleSize <= 0 {
		s.CalendarSampleSize = 3
	}
	if s.LeadMinutes <= 0 {
		s.LeadMinutes = 15
	}
	if s.PostBoundaryMinutes <= 0 {
		s.PostBoundaryMinutes = 60
	}
	if s.GrossValueTolerance <= 0 {
		s.GrossValueTolerance = 0.02
	}
	if s.GrossValuePollSec <= 0 {
		s.GrossValuePollSec = 5
	}
	if s.GrossValuePollAttempts <= 0 {
		s.GrossValuePollAttempts = 24
	}
	if s.RecoveryBackoffSec <= 0 {
		s.RecoveryBackoffSec = 120
	}

	for i := range cfg.Strategies {
		st := &cfg.Strategies[i]
		if st.Type == "" {
			st.Type = st.Name
		}
		if st.Leverage <= 0 {
			st.Leverage = 1
		}
	}

	if cfg.Paper.InitialCash <= 0 {
		cfg.Paper.InitialCash = 100000
	}
	if cfg.Paper.SessionOpen == "" {
		cfg.Paper.SessionOpen = "09:30"
	}
	if cfg.Paper.SessionClose == "" {
		cfg.Paper.SessionClose = "16:00"
	}
	if cfg.Notify.QueueSize <= 0 {
		cfg.Notify.QueueSize = 64
	}
	if cfg.LogConfig.Level == "" {
		cfg.LogConfig.Level = "info"
	}
	if cfg.LogConfig.Output == "" {
		cfg.LogConfig.Output = "console"
	}
}

// ApplyEnv 用环境变量覆盖敏感或与部署相关的配置项
func ApplyEnv(cfg *models.Config) {
	if v := strings.TrimSpace(os.Getenv("IBKR_ACCOUNT_ID")); v != "" {
		cfg.Broker.AccountID = v
	}
	if v := strings.TrimSpace(os.Getenv("IBKR_GATEWAY_URL")); v != "" {
		cfg.Broker.GatewayURL = v
	}
	if v := strings.TrimSpace(os.Getenv("NOTIFY_WEBHOOK_URL")); v != "" {
		cfg.Notify.WebhookURL = v
	}
	if v := strings.TrimSpace(os.Getenv("HISTORY_DATABASE_URL")); v != "" {
		cfg.HistoryDatabaseURL = v
	}
}

// Validate 校验配置的一致性
func Validate(cfg *models.Config) error {
	if _, err := time.LoadLocation(cfg.Timezone); err != nil {
		return fmt.Errorf("无效的时区 %q: %w", cfg.Timezone, err)
	}
	if _, err := time.LoadLocation(cfg.Broker.ExchangeTimezone); err != nil {
		return fmt.Errorf("无效的交易所时区 %q: %w", cfg.Broker.ExchangeTimezone, err)
	}
	switch cfg.StateBackend {
	case "file", "badger":
	default:
		return fmt.Errorf("未知的状态存储类型: %s", cfg.StateBackend)
	}
	switch cfg.HistoryBackend {
	case "file", "badger":
	case "postgres":
		if cfg.HistoryDatabaseURL == "" {
			return fmt.Errorf("history_backend 为 postgres 时必须设置 history_database_url 或 HISTORY_DATABASE_URL")
		}
	default:
		return fmt.Errorf("未知的历史成交存储类型: %s", cfg.HistoryBackend)
	}
	if len(cfg.Providers) == 0 {
		return fmt.Errorf("至少需要配置一个实时行情数据源")
	}
	seen := make(map[string]bool)
	for _, p := range cfg.Providers {
		switch p.Type {
		case "binance_rest", "binance_ws", "coinbase":
		default:
			return fmt.Errorf("未知的行情数据源类型: %s", p.Type)
		}
		if seen[p.Name] {
			return fmt.Errorf("行情数据源名称重复: %s", p.Name)
		}
		seen[p.Name] = true
	}
	switch cfg.Catalog.Type {
	case "binance":
	case "static":
		if len(cfg.Catalog.Symbols) == 0 {
			return fmt.Errorf("static 标的池至少需要一个标的")
		}
	default:
		return fmt.Errorf("未知的标的池类型: %s", cfg.Catalog.Type)
	}
	if len(cfg.Strategies) == 0 {
		return fmt.Errorf("至少需要配置一个策略")
	}
	var totalAllocation float64
	names := make(map[string]bool)
	for _, st := range cfg.Strategies {
		if st.Name == "" {
			return fmt.Errorf("策略名称不能为空")
		}
		if names[st.Name] {
			return fmt.Errorf("策略名称重复: %s", st.Name)
		}
		names[st.Name] = true
		if st.Allocation <= 0 || st.Allocation > 1 {
			return fmt.Errorf("策略 %s 的 allocation 必须在 (0, 1] 之间", st.Name)
		}
		if st.DrawdownLimitPct < 0 {
			return fmt.Errorf("策略 %s 的 drawdown_limit_pct 不能为负", st.Name)
		}
		totalAllocation += st.Allocation
	}
	if totalAllocation > 1+1e-9 {
		return fmt.Errorf("所有策略的 allocation 之和 (%.4f) 不能超过 1", totalAllocation)
	}
	if _, err := time.Parse("15:04", cfg.Paper.SessionOpen); err != nil {
		return fmt.Errorf("无效的 paper.session_open: %w", err)
	}
	if _, err := time.Parse("15:04", cfg.Paper.SessionClose); err != nil {
		return fmt.Errorf("无效的 paper.session_close: %w", err)
	}
	return nil
}

// Seconds 把配置中的秒数转换为 time.Duration
func Seconds(n int) time.Duration {
	return time.Duration(n) * time.Second
}
