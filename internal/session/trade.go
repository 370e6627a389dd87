package session

import (
	"auto-trader-go/internal/broker"
	"auto-trader-go/internal/metrics"
	"auto-trader-go/internal/models"
	"auto-trader-go/internal/strategy"
	"context"
	"fmt"
	"math"
	"strings"

	"go.uber.org/zap"
)

// runExits 提交策略的平仓请求，逐个等待成交并结算，最后校验持仓总值
func (s *Session) runExits(ctx context.Context, strat strategy.Strategy, snap strategy.Snapshot) (int, error) {
	name := strat.Name()
	st := s.Ledger.State().Strategy(name)
	requests := strat.ProposeExits(st, snap)
	if len(requests) == 0 {
		return 0, nil
	}

	byID := make(map[string]*models.Bundle, len(st.OpenBundles))
	for _, b := range st.OpenBundles {
		byID[b.ID] = b
	}
	idsByTicker := make(map[string][]string)
	sharesByTicker := make(map[string]int64)
	for _, r := range requests {
		b, ok := byID[r.BundleID]
		if !ok {
			s.Logger.Warn("平仓请求指向未知批次，忽略", zap.String("strategy", name), zap.String("bundle", r.BundleID))
			continue
		}
		delete(byID, r.BundleID)
		idsByTicker[b.Ticker] = append(idsByTicker[b.Ticker], b.ID)
		sharesByTicker[b.Ticker] += b.Shares
	}
	if len(sharesByTicker) == 0 {
		return 0, nil
	}

	before, err := s.Broker.GetAccountSummary(ctx)
	if err != nil {
		return 0, fmt.Errorf("获取账户快照失败: %w", err)
	}

	var soldValue float64
	count := 0
	for _, ticker := range sortedTickers(sharesByTicker) {
		shares := sharesByTicker[ticker]
		order, err := s.placeOrder(ctx, ticker, models.Sell, shares)
		if err != nil {
			return count, err
		}
		if order.Status != models.StatusFilled {
			return count, fmt.Errorf("%w: 策略 %s 平仓 %s", ErrOrderNotFilled, name, order)
		}

		price, ok := snap.Price(ticker)
		if !ok {
			price = order.AvgFillPrice
		}
		closed, err := s.Ledger.RecordClose(name, ticker, idsByTicker[ticker], s.Clock.Now(), price)
		if err != nil {
			return count, err
		}
		if err := s.Ledger.BackfillClose(ctx, name, closed, order.AvgFillPrice, order.Commission); err != nil {
			return count, err
		}
		soldValue += float64(shares) * order.AvgFillPrice
		count += len(closed)
	}

	if err := s.awaitGrossValue(ctx, before.GrossPositionValue, before.GrossPositionValue-soldValue); err != nil {
		return count, err
	}
	return count, nil
}

// awaitGrossValue 轮询账户快照，直到持仓总值反映出预期的下降
func (s *Session) awaitGrossValue(ctx context.Context, previous, expected float64) error {
	limit := expected + s.opts.GrossValueTolerance*math.Max(previous, 1)
	var last float64
	for attempt := 1; attempt <= s.opts.GrossValuePollAttempts; attempt++ {
		summary, err := s.Broker.GetAccountSummary(ctx)
		if err != nil {
			return fmt.Errorf("获取账户快照失败: %w", err)
		}
		last = summary.GrossPositionValue
		if last <= limit {
			return nil
		}
		s.Logger.Debug("持仓总值尚未更新",
			zap.Int("attempt", attempt),
			zap.Float64("gross", last),
			zap.Float64("limit", limit))
		if attempt < s.opts.GrossValuePollAttempts {
			if err := s.Clock.SleepFor(ctx, s.opts.GrossValuePollInterval); err != nil {
				return err
			}
		}
	}
	return fmt.Errorf("%w: 当前 %.2f, 预期不超过 %.2f", ErrStalePositionValue, last, limit)
}

// runEntries 按策略的资金份额和经回撤调整后的杠杆计算预算，提交开仓请求
func (s *Session) runEntries(ctx context.Context, strat strategy.Strategy, snap strategy.Snapshot, equity float64) (int, error) {
	name := strat.Name()
	st := s.Ledger.State().Strategy(name)
	params := s.opts.Strategies[name]

	accountValue := equity * params.Allocation
	leverage := EffectiveLeverage(params.Leverage, st.CurrentDrawdownPct, params.DrawdownLimitPct)
	budget := accountValue*leverage - s.openValue(st, snap)
	s.Logger.Info("开仓预算",
		zap.String("strategy", name),
		zap.Float64("account_value", accountValue),
		zap.Float64("leverage", leverage),
		zap.Float64("budget", budget))
	if budget <= 0 {
		return 0, nil
	}

	count := 0
	for _, req := range strat.ProposeEntries(st, snap, budget) {
		ticker := strings.ToUpper(req.Ticker)
		if req.Shares <= 0 {
			continue
		}
		if _, ok := s.products[ticker]; !ok {
			s.Logger.Warn("开仓请求的标的不在交易标的池中，忽略", zap.String("strategy", name), zap.String("ticker", ticker))
			continue
		}
		order, err := s.placeOrder(ctx, ticker, models.Buy, req.Shares)
		if err != nil {
			return count, err
		}
		// 9. 未成交的订单使整个周期失败
		if order.Status != models.StatusFilled {
			return count, fmt.Errorf("%w: 策略 %s 开仓 %s", ErrOrderNotFilled, name, order)
		}

		b := &models.Bundle{
			Ticker:             ticker,
			Strategy:           name,
			OpenTime:           s.Clock.Now(),
			AccountValueAtOpen: accountValue,
			Shares:             req.Shares,
		}
		if err := s.Ledger.RecordOpen(b); err != nil {
			return count, err
		}
		s.Ledger.BackfillOpen([]*models.Bundle{b}, order.AvgFillPrice, order.Commission)
		if err := s.Ledger.Save(); err != nil {
			return count, err
		}
		count++
	}
	return count, nil
}

// openValue 以快照价格 (缺失时用开仓价) 计算策略现有持仓的市值
func (s *Session) openValue(st *models.StrategyState, snap strategy.Snapshot) float64 {
	var v float64
	for _, b := range st.OpenBundles {
		price, ok := snap.Price(b.Ticker)
		if !ok {
			price = b.OpenPrice
		}
		v += price * float64(b.Shares)
	}
	return v
}

// EffectiveLeverage 随回撤线性降低杠杆，回撤达到上限时为0。limit 为0表示不调整。
func EffectiveLeverage(leverage, drawdownPct, limitPct float64) float64 {
	if limitPct <= 0 {
		return leverage
	}
	return leverage * math.Max(0, 1-drawdownPct/limitPct)
}

// placeOrder 提交市价单并等待终态和成交明细
func (s *Session) placeOrder(ctx context.Context, ticker string, action models.Action, shares int64) (*models.Order, error) {
	product, err := s.product(ctx, ticker)
	if err != nil {
		return nil, err
	}
	order := models.NewMarketOrder(*product, action, shares)
	s.Logger.Info("提交订单", zap.String("order", order.String()))
	if err := broker.PlaceAndWait(ctx, s.Broker, order); err != nil {
		metrics.IncOrder(string(action), "error")
		return nil, fmt.Errorf("订单 %s 执行失败: %w", order, err)
	}
	metrics.IncOrder(string(action), string(order.Status))
	s.Logger.Info("订单结束",
		zap.String("order", order.String()),
		zap.Float64("avg_price", order.AvgFillPrice),
		zap.Float64("commission", order.Commission))
	return order, nil
}

func (s *Session) product(ctx context.Context, ticker string) (*models.Product, error) {
	if s.products == nil {
		s.products = make(map[string]*models.Product)
	}
	if p, ok := s.products[ticker]; ok {
		return p, nil
	}
	p, err := s.Broker.FindProduct(ctx, ticker, s.opts.SecType, s.opts.Exchange, s.opts.Currency)
	if err != nil {
		return nil, fmt.Errorf("查找合约 %s 失败: %w", ticker, err)
	}
	s.products[ticker] = p
	return p, nil
}
