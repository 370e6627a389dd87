// Package ledger 维护每个策略的仓位批次，负责检查点持久化、历史记录追加
// 以及与券商持仓的对账。
package ledger

import (
	"auto-trader-go/internal/clock"
	"auto-trader-go/internal/metrics"
	"auto-trader-go/internal/models"
	"auto-trader-go/internal/persistence"
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Ledger 只由交易会话的控制协程访问，不加锁
type Ledger struct {
	state   *models.State
	repo    persistence.StateRepository
	history persistence.HistoryLog
	clock   clock.Clock
	logger  *zap.Logger
}

func New(repo persistence.StateRepository, history persistence.HistoryLog, clk clock.Clock, logger *zap.Logger) *Ledger {
	return &Ledger{
		state:   models.NewState(),
		repo:    repo,
		history: history,
		clock:   clk,
		logger:  logger,
	}
}

// Load 从检查点恢复状态；没有检查点时创建空状态。strategies 中的策略保证存在。
func (l *Ledger) Load(strategies []string) error {
	st, err := l.repo.LoadState()
	if err != nil {
		return fmt.Errorf("加载账本失败: %w", err)
	}
	if st == nil {
		l.logger.Info("未找到账本检查点，创建新的状态")
		st = models.NewState()
	} else if st.Version > models.StateVersion {
		return fmt.Errorf("账本版本 %d 高于程序支持的版本 %d", st.Version, models.StateVersion)
	}
	for _, name := range strategies {
		st.Strategy(name)
	}
	l.state = st
	l.logger.Info("账本已加载", zap.Int("open_bundles", len(st.OpenBundles())), zap.Time("last_update", st.LastUpdateTime))
	return nil
}

// State 返回当前状态 (非副本)
func (l *Ledger) State() *models.State {
	return l.state
}

// Snapshot 返回当前状态的深拷贝，供报告等只读场景使用
func (l *Ledger) Snapshot() *models.State {
	return l.state.Clone()
}

// Save 把整个状态作为检查点写出
func (l *Ledger) Save() error {
	l.state.Version = models.StateVersion
	l.state.LastUpdateTime = l.clock.Now()
	if err := l.repo.SaveState(l.state); err != nil {
		return fmt.Errorf("保存账本失败: %w", err)
	}
	return nil
}

// Reconcile 用当前账本与券商持仓对账
func (l *Ledger) Reconcile(positions []models.Position) error {
	return Reconcile(l.state.OpenShares(), positions)
}

// RecordOpen 记录一个新开仓的批次
func (l *Ledger) RecordOpen(b *models.Bundle) error {
	if b.Strategy == "" || b.Ticker == "" {
		return fmt.Errorf("批次缺少策略或标的: %+v", b)
	}
	if b.Shares <= 0 {
		return fmt.Errorf("批次股数必须为正: %d", b.Shares)
	}
	if b.ID == "" {
		b.ID = models.NewID()
	}
	b.Ticker = strings.ToUpper(b.Ticker)
	st := l.state.Strategy(b.Strategy)
	st.OpenBundles = append(st.OpenBundles, b)
	return nil
}

// RecordClose 为策略在该标的上的批次写入平仓时间和报价。ids 为空时平掉该标的的全部批次。
func (l *Ledger) RecordClose(strategy, ticker string, ids []string, ts time.Time, price float64) ([]*models.Bundle, error) {
	ticker = strings.ToUpper(ticker)
	st, ok := l.state.Strategies[strategy]
	if !ok {
		return nil, fmt.Errorf("未知策略: %s", strategy)
	}

	want := make(map[string]bool, len(ids))
	for _, id := range ids {
		want[id] = true
	}
	var closed []*models.Bundle
	for _, b := range st.OpenBundles {
		if b.Ticker != ticker || !b.IsOpen() {
			continue
		}
		if len(want) > 0 && !want[b.ID] {
			continue
		}
		closed = append(closed, b)
	}
	// 数量不符时不修改任何批次，避免留下半平仓的记录
	if len(want) > 0 && len(closed) != len(want) {
		return nil, fmt.Errorf("策略 %s 在 %s 上只找到 %d/%d 个待平仓批次", strategy, ticker, len(closed), len(want))
	}
	for _, b := range closed {
		t := ts
		b.CloseTime = &t
		b.ClosePrice = price
	}
	return closed, nil
}

// BackfillOpen 用券商确认的成交价和佣金回填开仓批次
func (l *Ledger) BackfillOpen(bundles []*models.Bundle, fillPrice, commission float64) {
	shares := make([]int64, len(bundles))
	for i, b := range bundles {
		shares[i] = b.Shares
	}
	parts := SplitCommission(commission, shares)
	for i, b := range bundles {
		b.OpenPrice = fillPrice
		b.OpenCommission = parts[i]
	}
}

// BackfillClose 回填平仓成交价和佣金，把批次从策略的持仓中移出，保存检查点，
// 然后把它们追加到历史记录。
func (l *Ledger) BackfillClose(ctx context.Context, strategy string, bundles []*models.Bundle, fillPrice, commission float64) error {
	st, ok := l.state.Strategies[strategy]
	if !ok {
		return fmt.Errorf("未知策略: %s", strategy)
	}
	shares := make([]int64, len(bundles))
	for i, b := range bundles {
		shares[i] = b.Shares
	}
	parts := SplitCommission(commission, shares)

	closing := make(map[string]bool, len(bundles))
	for i, b := range bundles {
		if b.IsOpen() {
			return fmt.Errorf("批次 %s 尚未记录平仓", b.ID)
		}
		b.ClosePrice = fillPrice
		b.CloseCommission = parts[i]
		closing[b.ID] = true
	}

	remaining := st.OpenBundles[:0:0]
	for _, b := range st.OpenBundles {
		if !closing[b.ID] {
			remaining = append(remaining, b)
		}
	}
	st.OpenBundles = remaining

	if err := l.Save(); err != nil {
		return err
	}
	if l.history != nil {
		if err := l.history.Append(ctx, bundles); err != nil {
			return fmt.Errorf("追加历史成交失败: %w", err)
		}
	}
	for _, b := range bundles {
		l.logger.Info("批次已平仓",
			zap.String("strategy", strategy),
			zap.String("ticker", b.Ticker),
			zap.Int64("shares", b.Shares),
			zap.Float64("profit", b.Profit()),
			zap.Float64("return_pct", b.ReturnPct()))
	}
	return nil
}

// UpdateDrawdown 用最新的策略账户价值更新峰值和回撤
func (l *Ledger) UpdateDrawdown(strategy string, accountValue float64) *models.StrategyState {
	st := l.state.Strategy(strategy)
	if accountValue > st.PeakAccountValue {
		st.PeakAccountValue = accountValue
	}
	if st.PeakAccountValue > 0 {
		st.CurrentDrawdownPct = (st.PeakAccountValue - accountValue) / st.PeakAccountValue * 100
	} else {
		st.CurrentDrawdownPct = 0
	}
	if st.CurrentDrawdownPct > st.MaxDrawdownPct {
		st.MaxDrawdownPct = st.CurrentDrawdownPct
	}
	metrics.SetDrawdown(strategy, st.CurrentDrawdownPct)
	return st
}

// Closed 返回历史记录中的全部已平仓批次
func (l *Ledger) Closed(ctx context.Context) ([]*models.Bundle, error) {
	if l.history == nil {
		return nil, nil
	}
	return l.history.ReadAll(ctx)
}

// SplitCommission 按股数比例拆分佣金，结果保留4位小数，余数归入最后一份，
// 保证各份之和等于总额。
func SplitCommission(total float64, shares []int64) []float64 {
	out := make([]float64, len(shares))
	if len(shares) == 0 {
		return out
	}
	var sum int64
	for _, s := range shares {
		sum += s
	}
	t := decimal.NewFromFloat(total)
	if sum <= 0 {
		out[len(out)-1], _ = t.Float64()
		return out
	}

	allocated := decimal.Zero
	for i, s := range shares[:len(shares)-1] {
		part := t.Mul(decimal.NewFromInt(s)).Div(decimal.NewFromInt(sum)).Round(4)
		allocated = allocated.Add(part)
		out[i], _ = part.Float64()
	}
	out[len(out)-1], _ = t.Sub(allocated).Float64()
	return out
}
