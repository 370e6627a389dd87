package session

import (
	"auto-trader-go/internal/broker"
	"auto-trader-go/internal/metrics"
	"auto-trader-go/internal/models"
	"auto-trader-go/internal/notify"
	"auto-trader-go/internal/strategy"
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"
)

// cycleStats 是一个周期的摘要，用于通知
type cycleStats struct {
	exits   int
	entries int
	equity  float64
}

// RunCycle 执行一个完整的交易周期
func (s *Session) RunCycle(ctx context.Context) error {
	s.products = make(map[string]*models.Product)
	stats := &cycleStats{}

	// 1. 确保券商连接
	if err := s.Broker.ConnectSafe(ctx); err != nil {
		return fmt.Errorf("连接券商失败: %w", err)
	}

	// 2. 加载账本并立即对账
	names := make([]string, 0, len(s.Strategies))
	for _, st := range s.Strategies {
		names = append(names, st.Name())
	}
	if err := s.Ledger.Load(names); err != nil {
		return err
	}
	if err := s.reconcile(ctx); err != nil {
		return err
	}

	// 3. 交易标的池和下一个会话边界
	universe, err := s.buildUniverse(ctx)
	if err != nil {
		return err
	}
	boundary, err := s.sessionBoundary(universe)
	if err != nil {
		return err
	}
	s.Logger.Info("下一个会话边界", zap.Time("boundary", boundary), zap.Int("universe", len(universe)))

	// 4. 等待期间不持有连接
	if err := s.Broker.Disconnect(); err != nil {
		s.Logger.Warn("断开券商连接失败", zap.Error(err))
	}
	if err := s.Clock.SleepUntil(ctx, boundary.Add(-s.opts.LeadTime)); err != nil {
		return err
	}

	// 5. 重新连接，准备数据
	if err := s.Broker.ConnectSafe(ctx); err != nil {
		return fmt.Errorf("重新连接券商失败: %w", err)
	}
	snap, err := s.prepareData(ctx, universe)
	if err != nil {
		return err
	}

	// 6. 平仓
	for _, strat := range s.Strategies {
		n, err := s.runExits(ctx, strat, snap)
		if err != nil {
			return err
		}
		stats.exits += n
	}

	// 7. 用最新权益更新回撤
	summary, err := s.Broker.GetAccountSummary(ctx)
	if err != nil {
		return fmt.Errorf("获取账户快照失败: %w", err)
	}
	stats.equity = summary.EquityWithLoanValue
	s.recordEquity(summary)
	for _, strat := range s.Strategies {
		p := s.opts.Strategies[strat.Name()]
		s.Ledger.UpdateDrawdown(strat.Name(), summary.EquityWithLoanValue*p.Allocation)
	}
	if err := s.Ledger.Save(); err != nil {
		return err
	}

	// 8. 开仓
	for _, strat := range s.Strategies {
		n, err := s.runEntries(ctx, strat, snap, summary.EquityWithLoanValue)
		if err != nil {
			return err
		}
		stats.entries += n
	}

	// 10. 断开连接，休眠到会话边界之后
	if err := s.Broker.Disconnect(); err != nil {
		s.Logger.Warn("断开券商连接失败", zap.Error(err))
	}
	s.notify(notify.Info, "交易周期完成",
		fmt.Sprintf("平仓 %d 笔, 开仓 %d 笔, 账户权益 %.2f", stats.exits, stats.entries, stats.equity))
	return s.Clock.SleepUntil(ctx, boundary.Add(s.opts.PostBoundarySleep))
}

func (s *Session) reconcile(ctx context.Context) error {
	positions, err := s.Broker.GetAllPositions(ctx)
	if err != nil {
		return fmt.Errorf("获取券商持仓失败: %w", err)
	}
	if err := s.Ledger.Reconcile(positions); err != nil {
		return err
	}
	s.Logger.Info("账本与券商持仓一致", zap.Int("positions", len(positions)))
	return nil
}

// buildUniverse 返回按流动性从高到低排列的标的，账本中持有的标的总是包含在内。
// 每个标的都会查到券商合约并缓存。
func (s *Session) buildUniverse(ctx context.Context) ([]string, error) {
	symbols, err := s.Catalog.FetchSymbols(ctx)
	if err != nil {
		return nil, fmt.Errorf("获取标的池失败: %w", err)
	}
	sort.SliceStable(symbols, func(i, j int) bool { return symbols[i].Volume > symbols[j].Volume })

	held := s.Ledger.State().OpenShares()
	var universe []string
	seen := make(map[string]bool)
	add := func(ticker string, required bool) error {
		ticker = strings.ToUpper(ticker)
		if seen[ticker] {
			return nil
		}
		seen[ticker] = true
		product, err := s.Broker.FindProduct(ctx, ticker, s.opts.SecType, s.opts.Exchange, s.opts.Currency)
		if err != nil {
			if required || broker.IsRecoverable(err, s.opts.RecoverableCodes) {
				return fmt.Errorf("查找合约 %s 失败: %w", ticker, err)
			}
			s.Logger.Warn("查找合约失败，跳过该标的", zap.String("ticker", ticker), zap.Error(err))
			return nil
		}
		s.products[ticker] = product
		universe = append(universe, ticker)
		return nil
	}

	for _, sym := range symbols {
		if s.opts.UniverseSize > 0 && len(universe) >= s.opts.UniverseSize {
			break
		}
		if err := add(sym.Ticker, false); err != nil {
			return nil, err
		}
	}
	for _, ticker := range sortedTickers(held) {
		if err := add(ticker, true); err != nil {
			return nil, err
		}
	}
	if len(universe) == 0 {
		return nil, fmt.Errorf("交易标的池为空")
	}
	return universe, nil
}

// sessionBoundary 由流动性最高的若干标的的交易时段确定下一个会话结束时间，
// 它们必须完全一致。
func (s *Session) sessionBoundary(universe []string) (time.Time, error) {
	now := s.Clock.Now()
	n := s.opts.CalendarSampleSize
	if n > len(universe) {
		n = len(universe)
	}

	var boundary time.Time
	for i, ticker := range universe[:n] {
		next, ok := s.products[ticker].NextSessionClose(now)
		if !ok {
			return time.Time{}, fmt.Errorf("%w: %s 没有后续交易时段", ErrCalendarMismatch, ticker)
		}
		if i == 0 {
			boundary = next
			continue
		}
		if !next.Equal(boundary) {
			return time.Time{}, fmt.Errorf("%w: %s 为 %s, %s 为 %s", ErrCalendarMismatch,
				universe[0], boundary.Format(time.RFC3339), ticker, next.Format(time.RFC3339))
		}
	}
	return boundary, nil
}

// prepareData 加载历史K线，获取实时报价并追加为最新一根K线，然后计算所有策略的指标
func (s *Session) prepareData(ctx context.Context, universe []string) (strategy.Snapshot, error) {
	now := s.Clock.Now()
	to := s.Clock.Today()
	from := to.AddDate(0, 0, -s.opts.HistoryDays)

	history := make(map[string][]models.Bar, len(universe))
	for _, ticker := range universe {
		bars, err := s.History.LoadHistory(ctx, ticker, from, to)
		if err != nil {
			if ctx.Err() != nil {
				return strategy.Snapshot{}, ctx.Err()
			}
			s.Logger.Warn("加载历史K线失败", zap.String("ticker", ticker), zap.Error(err))
			continue
		}
		history[ticker] = bars
	}

	result, err := s.Quotes.Acquire(ctx, universe)
	if err != nil {
		return strategy.Snapshot{}, fmt.Errorf("获取实时报价失败: %w", err)
	}
	if len(result.Missing) > 0 {
		s.Logger.Warn("部分标的没有实时报价", zap.Strings("missing", result.Missing))
	}
	if sink, ok := s.Broker.(broker.QuoteSink); ok {
		sink.UpdateQuotes(result.Prices)
	}
	for ticker, price := range result.Prices {
		history[ticker] = append(history[ticker], models.Bar{
			Time: now, Open: price, High: price, Low: price, Close: price,
		})
	}

	for _, strat := range s.Strategies {
		if err := strat.ComputeIndicators(history); err != nil {
			return strategy.Snapshot{}, fmt.Errorf("策略 %s 计算指标失败: %w", strat.Name(), err)
		}
	}
	return strategy.Snapshot{Now: now, Quotes: result.Prices, History: history}, nil
}

func (s *Session) recordEquity(summary *models.AccountSummary) {
	metrics.SetEquity(summary.EquityWithLoanValue)
	s.Logger.Info("账户快照", zap.String("summary", summary.String()))
}
