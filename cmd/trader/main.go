package main

import (
	"auto-trader-go/internal/acquisition"
	"auto-trader-go/internal/broker"
	"auto-trader-go/internal/clock"
	"auto-trader-go/internal/config"
	"auto-trader-go/internal/ledger"
	"auto-trader-go/internal/logger"
	"auto-trader-go/internal/metrics"
	"auto-trader-go/internal/models"
	"auto-trader-go/internal/notify"
	"auto-trader-go/internal/persistence"
	"auto-trader-go/internal/provider"
	"auto-trader-go/internal/session"
	"auto-trader-go/internal/strategy"
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/dgraph-io/badger/v3"
	"github.com/joho/godotenv"
)

func main() {
	// --- 命令行参数定义 ---
	configPath := flag.String("config", "config.json", "path to the config file")
	mode := flag.String("mode", "live", "running mode: live or paper")
	once := flag.Bool("once", false, "run a single trading cycle and exit")
	flag.Parse()

	// 先用默认配置初始化日志，以便记录加载配置过程中的问题
	logger.InitLogger(models.LogConfig{Level: "info", Output: "console"})

	// --- 加载 .env 文件 ---
	if err := godotenv.Load(); err != nil {
		logger.S().Info("未找到 .env 文件，将从系统环境变量中读取。")
	} else {
		logger.S().Info("成功从 .env 文件加载配置。")
	}

	// --- 加载 JSON 配置 ---
	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		logger.S().Fatalf("无法加载配置文件: %v", err)
	}
	if *once {
		cfg.Session.MaxCycles = 1
	}

	// --- 使用文件中的配置重新初始化日志 ---
	logger.InitLogger(cfg.LogConfig)
	defer logger.S().Sync()

	if err := run(cfg, *mode); err != nil {
		logger.S().Errorf("交易程序异常退出: %v", err)
		logger.S().Sync()
		os.Exit(1)
	}
	logger.S().Info("交易程序已退出。")
}

func run(cfg *models.Config, mode string) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	log := logger.L()
	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return fmt.Errorf("创建数据目录失败: %w", err)
	}
	loc, err := time.LoadLocation(cfg.Timezone)
	if err != nil {
		return err
	}
	exchangeLoc, err := time.LoadLocation(cfg.Broker.ExchangeTimezone)
	if err != nil {
		return err
	}
	clk := clock.NewReal(loc)

	if cfg.MetricsAddr != "" {
		metrics.Serve(ctx, cfg.MetricsAddr, log)
	}

	// --- 券商 ---
	var brk broker.Brokerage
	switch mode {
	case "live":
		logger.S().Info("--- 启动实盘交易模式 ---")
		brk = broker.NewGateway(broker.GatewayOptions{
			BaseURL:            cfg.Broker.GatewayURL,
			AccountID:          cfg.Broker.AccountID,
			InsecureSkipVerify: cfg.Broker.InsecureSkipVerify,
			RequestTimeout:     config.Seconds(cfg.Broker.RequestTimeoutSec),
			PollInterval:       time.Duration(cfg.Broker.PollIntervalMs) * time.Millisecond,
			FillTimeout:        config.Seconds(cfg.Broker.FillTimeoutSec),
			ExchangeLocation:   exchangeLoc,
		}, log)
	case "paper":
		logger.S().Info("--- 启动模拟交易模式 ---")
		brk, err = broker.NewPaper(broker.PaperOptions{
			InitialCash:        cfg.Paper.InitialCash,
			CommissionPerShare: cfg.Paper.CommissionPerShare,
			MinCommission:      cfg.Paper.MinCommission,
			SlippageRate:       cfg.Paper.SlippageRate,
			SessionOpen:        cfg.Paper.SessionOpen,
			SessionClose:       cfg.Paper.SessionClose,
			Location:           exchangeLoc,
			StateFile:          filepath.Join(cfg.DataDir, "paper_account.json"),
		}, clk, log)
		if err != nil {
			return fmt.Errorf("初始化模拟券商失败: %w", err)
		}
	default:
		return fmt.Errorf("未知的运行模式: %s。请选择 'live' 或 'paper'。", mode)
	}

	// --- 存储 ---
	repo, history, closeStorage, err := openStorage(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeStorage()

	// --- 行情 ---
	providers, err := provider.NewRealtimeProviders(cfg.Providers, log)
	if err != nil {
		return err
	}
	catalog, err := provider.NewCatalog(cfg.Catalog)
	if err != nil {
		return err
	}
	klines := provider.NewKlineHistory(cfg.History.BaseURL, cfg.History.QuoteAsset, cfg.DataDir, log)
	engine := acquisition.NewEngine(providers, acquisition.Options{
		StaggerDelay:   config.Seconds(cfg.Acquisition.StaggerDelaySec),
		WatchdogWindow: config.Seconds(cfg.Acquisition.WatchdogSec),
		Deadline:       config.Seconds(cfg.Acquisition.DeadlineSec),
		SettleGrace:    config.Seconds(cfg.Acquisition.SettleGraceSec),
		WorkingDir:     filepath.Join(cfg.DataDir, "tmp"),
	}, log)

	// --- 策略 ---
	strategies, err := strategy.NewRegistry().Build(cfg.Strategies)
	if err != nil {
		return err
	}
	params := make(map[string]session.StrategyParams, len(cfg.Strategies))
	for _, sc := range cfg.Strategies {
		params[sc.Name] = session.StrategyParams{
			Allocation:       sc.Allocation,
			Leverage:         sc.Leverage,
			DrawdownLimitPct: sc.DrawdownLimitPct,
		}
	}

	// --- 通知 ---
	var notifier notify.Notifier = notify.NewLogNotifier(log)
	if cfg.Notify.WebhookURL != "" {
		notifier = notify.NewWebhookNotifier(cfg.Notify.WebhookURL, "auto-trader ("+mode+")")
	}
	dispatcher := notify.NewDispatcher(notifier, cfg.Notify.QueueSize, log)
	dispatcher.Start()
	defer dispatcher.Stop(30 * time.Second)

	s := cfg.Session
	sess, err := session.New(session.Deps{
		Clock:      clk,
		Broker:     brk,
		Catalog:    catalog,
		History:    klines,
		Quotes:     engine,
		Ledger:     ledger.New(repo, history, clk, log),
		Strategies: strategies,
		Notifier:   dispatcher,
		Logger:     log,
	}, session.Options{
		UniverseSize:           s.UniverseSize,
		CalendarSampleSize:     s.CalendarSampleSize,
		LeadTime:               time.Duration(s.LeadMinutes) * time.Minute,
		PostBoundarySleep:      time.Duration(s.PostBoundaryMinutes) * time.Minute,
		HistoryDays:            cfg.History.Days,
		GrossValueTolerance:    s.GrossValueTolerance,
		GrossValuePollInterval: config.Seconds(s.GrossValuePollSec),
		GrossValuePollAttempts: s.GrossValuePollAttempts,
		RecoveryBackoff:        config.Seconds(s.RecoveryBackoffSec),
		MaxCycles:              s.MaxCycles,
		RecoverableCodes:       cfg.Broker.RecoverableCodes,
		SecType:                cfg.Product.SecType,
		Exchange:               cfg.Product.Exchange,
		Currency:               cfg.Product.Currency,
		Strategies:             params,
	})
	if err != nil {
		return err
	}

	dispatcher.Send(notify.Message{Level: notify.Info, Title: "交易程序启动", Body: "模式: " + mode})
	err = sess.Run(ctx)
	if errors.Is(err, context.Canceled) {
		logger.S().Info("收到退出信号，会话已停止。")
		return nil
	}
	return err
}

// openStorage 按配置打开状态检查点和历史成交存储。badger 数据库在两者之间共享。
func openStorage(ctx context.Context, cfg *models.Config) (persistence.StateRepository, persistence.HistoryLog, func(), error) {
	var db *badger.DB
	openDB := func() (*badger.DB, error) {
		if db != nil {
			return db, nil
		}
		var err error
		db, err = persistence.OpenBadger(cfg.DBPath)
		return db, err
	}

	var repo persistence.StateRepository
	switch cfg.StateBackend {
	case "badger":
		d, err := openDB()
		if err != nil {
			return nil, nil, nil, fmt.Errorf("打开 badger 数据库失败: %w", err)
		}
		repo = persistence.NewBadgerRepository(d)
	default:
		r, err := persistence.NewFileRepository(cfg.StateFile)
		if err != nil {
			return nil, nil, nil, err
		}
		repo = r
	}

	var history persistence.HistoryLog
	var err error
	switch cfg.HistoryBackend {
	case "badger":
		var d *badger.DB
		if d, err = openDB(); err == nil {
			history, err = persistence.NewBadgerHistory(d)
		}
	case "postgres":
		history, err = persistence.NewPostgresHistory(ctx, cfg.HistoryDatabaseURL)
	default:
		history, err = persistence.NewFileHistory(cfg.HistoryFile)
	}
	if err != nil {
		repo.Close()
		if db != nil && cfg.StateBackend != "badger" {
			db.Close()
		}
		return nil, nil, nil, fmt.Errorf("打开历史成交存储失败: %w", err)
	}

	cleanup := func() {
		if err := history.Close(); err != nil {
			logger.S().Warnf("关闭历史成交存储失败: %v", err)
		}
		if err := repo.Close(); err != nil {
			logger.S().Warnf("关闭状态存储失败: %v", err)
		}
		// badger 状态存储关闭时会一并关闭数据库
		if db != nil && cfg.StateBackend != "badger" {
			if err := db.Close(); err != nil {
				logger.S().Warnf("关闭 badger 数据库失败: %v", err)
			}
		}
	}
	return repo, history, cleanup, nil
}
