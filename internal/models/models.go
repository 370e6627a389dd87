package models

// Config 结构体定义了交易程序的所有配置参数
type Config struct {
	DataDir            string `json:"data_dir"`             // 工作目录：历史K线缓存、状态文件等
	Timezone           string `json:"timezone"`             // 时钟所在时区, e.g. "America/New_York"
	StateBackend       string `json:"state_backend"`        // 状态存储: "file" 或 "badger"
	StateFile          string `json:"state_file"`           // file 模式下的状态文件路径
	DBPath             string `json:"db_path"`              // badger 数据库目录
	HistoryBackend     string `json:"history_backend"`      // 历史成交存储: "file", "badger", "postgres"
	HistoryFile        string `json:"history_file"`         // file 模式下的历史成交文件 (JSON lines)
	HistoryDatabaseURL string `json:"history_database_url"` // postgres 连接串 (通常来自环境变量)
	MetricsAddr        string `json:"metrics_addr"`         // Prometheus 监听地址，为空则不启动

	Broker      BrokerConfig      `json:"broker"`
	Product     ProductConfig     `json:"product"`
	Providers   []ProviderConfig  `json:"providers"` // 按优先级从高到低排列
	Catalog     CatalogConfig     `json:"catalog"`
	History     HistoryConfig     `json:"history"`
	Acquisition AcquisitionConfig `json:"acquisition"`
	Session     SessionConfig     `json:"session"`
	Strategies  []StrategyConfig  `json:"strategies"`
	Paper       PaperConfig       `json:"paper"`
	Notify      NotifyConfig      `json:"notify"`
	LogConfig   LogConfig         `json:"log"`
}

// BrokerConfig 券商网关相关配置
type BrokerConfig struct {
	GatewayURL         string `json:"gateway_url"`          // Client Portal 网关地址, e.g. "https://localhost:5000/v1/api"
	AccountID          string `json:"account_id"`           // 账户ID (通常来自环境变量)
	InsecureSkipVerify bool   `json:"insecure_skip_verify"` // 本地网关使用自签名证书
	RequestTimeoutSec  int    `json:"request_timeout_sec"`
	PollIntervalMs     int    `json:"poll_interval_ms"`  // 轮询订单状态的间隔
	FillTimeoutSec     int    `json:"fill_timeout_sec"`  // 等待订单进入终态的最长时间
	RecoverableCodes   []int  `json:"recoverable_codes"` // 可自动恢复的连接类错误码
	ExchangeTimezone   string `json:"exchange_timezone"` // 交易时段所在时区
}

// ProductConfig 定义了下单时查找合约所用的参数
type ProductConfig struct {
	SecType  string `json:"sec_type"` // e.g. "STK", "CRYPTO"
	Exchange string `json:"exchange"` // e.g. "SMART", "PAXOS"
	Currency string `json:"currency"` // e.g. "USD"
}

// ProviderConfig 定义了一个实时行情数据源
type ProviderConfig struct {
	Name       string `json:"name"`
	Type       string `json:"type"`        // "binance_rest", "binance_ws", "coinbase"
	BaseURL    string `json:"base_url"`    // 可选，覆盖默认地址
	QuoteAsset string `json:"quote_asset"` // 代码映射用的计价资产, e.g. "USDT"
}

// CatalogConfig 定义了交易标的池的来源
type CatalogConfig struct {
	Type       string   `json:"type"`        // "binance" 或 "static"
	Symbols    []string `json:"symbols"`     // static 模式下的标的列表 (按流动性从高到低)
	QuoteAsset string   `json:"quote_asset"` // binance 模式下只保留该计价资产的交易对
	BaseURL    string   `json:"base_url"`
}

// HistoryConfig 历史K线数据源配置
type HistoryConfig struct {
	BaseURL    string `json:"base_url"`
	QuoteAsset string `json:"quote_asset"`
	Days       int    `json:"days"` // 回看天数
}

// AcquisitionConfig 行情获取引擎配置
type AcquisitionConfig struct {
	StaggerDelaySec int `json:"stagger_delay_sec"` // 数据源依次启动的间隔，默认 5 秒
	WatchdogSec     int `json:"watchdog_sec"`      // 调用方返回后强制取消残留数据源的窗口，默认 60 秒
	DeadlineSec     int `json:"deadline_sec"`      // 硬性截止时间
	SettleGraceSec  int `json:"settle_grace_sec"`  // 全部标的已有价格后，等待更可信数据源修正的最长时间，0 表示不等待
}

// SessionConfig 交易会话状态机配置
type SessionConfig struct {
	UniverseSize           int     `json:"universe_size"`             // 按流动性取前N个标的
	CalendarSampleSize     int     `json:"calendar_sample_size"`      // 用于确定交易日历的高流动性标的数量
	LeadMinutes            int     `json:"lead_minutes"`              // 在会话边界前多少分钟开始交易
	PostBoundaryMinutes    int     `json:"post_boundary_minutes"`     // 会话边界之后休眠多久
	GrossValueTolerance    float64 `json:"gross_value_tolerance"`     // 持仓总值下降校验的容差 (比例)
	GrossValuePollSec      int     `json:"gross_value_poll_sec"`      // 持仓总值轮询间隔
	GrossValuePollAttempts int     `json:"gross_value_poll_attempts"` // 持仓总值轮询次数
	RecoveryBackoffSec     int     `json:"recovery_backoff_sec"`      // 连接类故障后的固定退避时间
	MaxCycles              int     `json:"max_cycles"`                // 最多运行多少个周期，0 表示不限
}

// StrategyConfig 单个策略的资金与风险参数
type StrategyConfig struct {
	Name             string             `json:"name"`
	Type             string             `json:"type"`               // 策略实现, e.g. "sma"
	Allocation       float64            `json:"allocation"`         // 分配的账户权益比例 (0, 1]
	Leverage         float64            `json:"leverage"`           // 基础杠杆
	DrawdownLimitPct float64            `json:"drawdown_limit_pct"` // 回撤上限，达到后杠杆降为0；0表示不调整
	Params           map[string]float64 `json:"params"`
}

// PaperConfig 模拟券商配置
type PaperConfig struct {
	InitialCash        float64 `json:"initial_cash"`
	CommissionPerShare float64 `json:"commission_per_share"`
	MinCommission      float64 `json:"min_commission"`
	SlippageRate       float64 `json:"slippage_rate"`
	SessionOpen        string  `json:"session_open"`  // "09:30"
	SessionClose       string  `json:"session_close"` // "16:00"
}

// NotifyConfig 通知渠道配置
type NotifyConfig struct {
	WebhookURL string `json:"webhook_url"` // 为空时只写日志
	QueueSize  int    `json:"queue_size"`
}

// LogConfig 定义了日志相关的配置
type LogConfig struct {
	Level      string `json:"level"`       // 日志级别, e.g., "debug", "info", "warn", "error"
	Output     string `json:"output"`      // 输出模式: "console", "file", "both"
	File       string `json:"file"`        // 日志文件路径
	MaxSize    int    `json:"max_size"`    // 单个日志文件的最大大小 (MB)
	MaxBackups int    `json:"max_backups"` // 保留的旧日志文件最大数量
	MaxAge     int    `json:"max_age"`     // 旧日志文件的最大保留天数
	Compress   bool   `json:"compress"`    // 是否压缩旧日志文件
}
