// Package session 实现交易会话状态机：连接、等待会话边界、准备数据、交易、
// 结算、持久化、休眠，然后循环。所有步骤都在调用方的协程中顺序执行。
package session

import (
	"auto-trader-go/internal/acquisition"
	"auto-trader-go/internal/broker"
	"auto-trader-go/internal/clock"
	"auto-trader-go/internal/ledger"
	"auto-trader-go/internal/metrics"
	"auto-trader-go/internal/models"
	"auto-trader-go/internal/notify"
	"auto-trader-go/internal/provider"
	"auto-trader-go/internal/reporter"
	"auto-trader-go/internal/strategy"
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"
)

var (
	// ErrCalendarMismatch 高流动性标的对下一个会话边界的判断不一致
	ErrCalendarMismatch = errors.New("交易日历不一致")
	// ErrOrderNotFilled 提交的订单没有以 Filled 结束
	ErrOrderNotFilled = errors.New("订单未成交")
	// ErrStalePositionValue 平仓后券商报告的持仓总值始终没有反映预期的下降
	ErrStalePositionValue = errors.New("持仓总值未更新")
)

// QuoteSource 为一组标的获取实时报价
type QuoteSource interface {
	Acquire(ctx context.Context, symbols []string) (acquisition.Result, error)
}

// StrategyParams 是单个策略的资金与风险参数
type StrategyParams struct {
	Allocation       float64
	Leverage         float64
	DrawdownLimitPct float64
}

// Options 会话参数
type Options struct {
	UniverseSize           int
	CalendarSampleSize     int
	LeadTime               time.Duration // 在会话边界前多久开始交易
	PostBoundarySleep      time.Duration // 会话边界之后休眠多久
	HistoryDays            int
	GrossValueTolerance    float64
	GrossValuePollInterval time.Duration
	GrossValuePollAttempts int
	RecoveryBackoff        time.Duration
	MaxCycles              int // 0 表示不限
	RecoverableCodes       []int
	SecType                string
	Exchange               string
	Currency               string
	Strategies             map[string]StrategyParams
	LiquidationTimeout     time.Duration
}

// Deps 会话依赖的协作者
type Deps struct {
	Clock      clock.Clock
	Broker     broker.Brokerage
	Catalog    provider.SymbolCatalog
	History    provider.HistoryProvider
	Quotes     QuoteSource
	Ledger     *ledger.Ledger
	Strategies []strategy.Strategy // 执行顺序
	Notifier   notify.Sender
	Logger     *zap.Logger
}

// Session 是交易会话状态机
type Session struct {
	Deps
	opts Options

	products map[string]*models.Product
}

func New(deps Deps, opts Options) (*Session, error) {
	if deps.Clock == nil || deps.Broker == nil || deps.Catalog == nil || deps.History == nil || deps.Quotes == nil || deps.Ledger == nil {
		return nil, fmt.Errorf("会话缺少必要的依赖")
	}
	if len(deps.Strategies) == 0 {
		return nil, fmt.Errorf("至少需要一个策略")
	}
	for _, s := range deps.Strategies {
		if _, ok := opts.Strategies[s.Name()]; !ok {
			return nil, fmt.Errorf("策略 %s 缺少资金参数", s.Name())
		}
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if opts.CalendarSampleSize <= 0 {
		opts.CalendarSampleSize = 1
	}
	if opts.GrossValuePollAttempts <= 0 {
		opts.GrossValuePollAttempts = 1
	}
	if opts.LiquidationTimeout <= 0 {
		opts.LiquidationTimeout = 5 * time.Minute
	}
	return &Session{Deps: deps, opts: opts}, nil
}

// Run 循环执行交易周期，直到达到最大周期数、上下文取消或发生致命错误。
// 可恢复的券商连接故障会在固定退避后从第一步重新开始。
func (s *Session) Run(ctx context.Context) error {
	cycles := 0
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		err := s.RunCycle(ctx)
		switch {
		case err == nil:
			metrics.IncCycle("ok")
			cycles++
			if s.opts.MaxCycles > 0 && cycles >= s.opts.MaxCycles {
				s.Logger.Info("已达到最大周期数，会话结束", zap.Int("cycles", cycles))
				s.report(ctx)
				return nil
			}
		case ctx.Err() != nil:
			_ = s.Broker.Disconnect()
			return ctx.Err()
		case broker.IsRecoverable(err, s.opts.RecoverableCodes):
			metrics.IncCycle("recovered")
			if rerr := s.recover(ctx, err); rerr != nil {
				return rerr
			}
		default:
			metrics.IncCycle("fatal")
			s.fail(err)
			return err
		}
	}
}

// recover 断开连接、通知操作员，然后退避
func (s *Session) recover(ctx context.Context, cause error) error {
	s.Logger.Warn("券商连接故障，退避后重新开始", zap.Error(cause), zap.Duration("backoff", s.opts.RecoveryBackoff))
	if err := s.Broker.Disconnect(); err != nil {
		s.Logger.Warn("断开券商连接失败", zap.Error(err))
	}
	s.notify(notify.Warning, "券商连接故障", fmt.Sprintf("%v\n%s 后重试", cause, s.opts.RecoveryBackoff))
	return s.Clock.SleepFor(ctx, s.opts.RecoveryBackoff)
}

// fail 处理致命错误：通知、撤单、尽力清仓、输出最终报告
func (s *Session) fail(cause error) {
	s.Logger.Error("发生致命错误，开始清仓", zap.Error(cause))
	s.notify(notify.Critical, "交易会话致命错误", cause.Error())

	ctx, cancel := context.WithTimeout(context.Background(), s.opts.LiquidationTimeout)
	defer cancel()
	if err := s.Broker.ConnectSafe(ctx); err != nil {
		s.Logger.Error("清仓前连接券商失败", zap.Error(err))
	} else {
		if err := s.Broker.CancelAllOrders(ctx); err != nil {
			s.Logger.Error("撤销所有订单失败", zap.Error(err))
		}
		s.liquidate(ctx)
	}
	s.report(ctx)
	if err := s.Broker.Disconnect(); err != nil {
		s.Logger.Warn("断开券商连接失败", zap.Error(err))
	}
}

// liquidate 按账本平掉所有策略的持仓。账本与券商不一致的标的跳过，
// 其余失败只记录日志。
func (s *Session) liquidate(ctx context.Context) {
	available := make(map[string]int64)
	positions, err := s.Broker.GetAllPositions(ctx)
	if err != nil {
		s.Logger.Error("获取持仓失败，无法清仓", zap.Error(err))
		return
	}
	for _, p := range positions {
		available[p.Product.Symbol] += p.Size
	}

	for _, strat := range s.Strategies {
		st := s.Ledger.State().Strategy(strat.Name())
		held := st.OpenShares()
		for _, ticker := range sortedTickers(held) {
			shares := held[ticker]
			if available[ticker] < shares {
				s.Logger.Error("券商持仓不足，跳过清仓",
					zap.String("strategy", strat.Name()),
					zap.String("ticker", ticker),
					zap.Int64("ledger", shares),
					zap.Int64("broker", available[ticker]))
				continue
			}
			order, err := s.placeOrder(ctx, ticker, models.Sell, shares)
			if err != nil {
				s.Logger.Error("清仓下单失败", zap.String("ticker", ticker), zap.Error(err))
				continue
			}
			if order.Status != models.StatusFilled {
				s.Logger.Error("清仓订单未成交", zap.String("order", order.String()))
				continue
			}
			available[ticker] -= shares
			closed, err := s.Ledger.RecordClose(strat.Name(), ticker, nil, s.Clock.Now(), order.AvgFillPrice)
			if err == nil {
				err = s.Ledger.BackfillClose(ctx, strat.Name(), closed, order.AvgFillPrice, order.Commission)
			}
			if err != nil {
				s.Logger.Error("清仓后更新账本失败", zap.String("ticker", ticker), zap.Error(err))
			}
		}
	}
}

// report 输出最终业绩报告
func (s *Session) report(ctx context.Context) {
	closed, err := s.Ledger.Closed(ctx)
	if err != nil {
		s.Logger.Warn("读取历史成交失败，报告只包含当前持仓", zap.Error(err))
	}
	reporter.Log(s.Logger, reporter.Calculate(closed, s.Ledger.Snapshot()))
}

func (s *Session) notify(level notify.Level, title, body string) {
	if s.Notifier == nil {
		return
	}
	s.Notifier.Send(notify.Message{Level: level, Title: title, Body: body, Time: s.Clock.Now()})
}

func sortedTickers(m map[string]int64) []string {
	out := make([]string, 0, len(m))
	for t := range m {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}
