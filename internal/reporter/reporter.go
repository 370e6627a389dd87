package reporter

import (
	"auto-trader-go/internal/models"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"
	"go.uber.org/zap"
)

// StrategyMetrics 单个策略的业绩
type StrategyMetrics struct {
	Name               string
	TotalTrades        int
	WinningTrades      int
	TotalProfit        float64
	Commission         float64
	OpenBundles        int
	AvgHold            time.Duration // 已平仓批次的平均持仓时长
	CurrentDrawdownPct float64
	MaxDrawdownPct     float64
}

// Metrics 存储计算出的所有业绩指标
type Metrics struct {
	TotalTrades     int
	WinningTrades   int
	LosingTrades    int
	WinRate         float64
	TotalProfit     float64
	TotalCommission float64
	AvgReturnPct    float64
	AvgProfitLoss   float64 // 平均盈利 / 平均亏损
	ProfitFactor    float64 // 总盈利 / 总亏损
	MaxDrawdown     float64 // 各策略账户价值回撤的最大值 (%)
	RealizedMaxDD   float64 // 按已实现盈亏曲线计算的最大回撤 (%)
	Strategies      []StrategyMetrics
	Open            []*models.Bundle
}

// Calculate 根据历史成交和当前状态计算业绩
func Calculate(closed []*models.Bundle, state *models.State) *Metrics {
	m := &Metrics{}
	perStrategy := make(map[string]*StrategyMetrics)
	get := func(name string) *StrategyMetrics {
		sm, ok := perStrategy[name]
		if !ok {
			sm = &StrategyMetrics{Name: name}
			perStrategy[name] = sm
		}
		return sm
	}

	sorted := make([]*models.Bundle, 0, len(closed))
	for _, b := range closed {
		if !b.IsOpen() {
			sorted = append(sorted, b)
		}
	}
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].CloseTime.Before(*sorted[j].CloseTime) })

	holdTotals := make(map[string]time.Duration)
	var grossWin, grossLoss, sumReturn float64
	var curve []float64
	if len(sorted) > 0 && sorted[0].AccountValueAtOpen > 0 {
		curve = append(curve, sorted[0].AccountValueAtOpen)
	}
	for _, b := range sorted {
		profit := b.Profit()
		m.TotalTrades++
		m.TotalProfit += profit
		m.TotalCommission += b.OpenCommission + b.CloseCommission
		sumReturn += b.ReturnPct()

		sm := get(b.Strategy)
		sm.TotalTrades++
		sm.TotalProfit += profit
		sm.Commission += b.OpenCommission + b.CloseCommission
		holdTotals[b.Strategy] += b.HoldDuration()
		if profit > 0 {
			m.WinningTrades++
			sm.WinningTrades++
			grossWin += profit
		} else {
			m.LosingTrades++
			grossLoss += profit
		}
		if len(curve) > 0 {
			curve = append(curve, curve[len(curve)-1]+profit)
		}
	}

	if m.TotalTrades > 0 {
		m.WinRate = float64(m.WinningTrades) / float64(m.TotalTrades) * 100
		m.AvgReturnPct = sumReturn / float64(m.TotalTrades)
	}
	if m.LosingTrades > 0 && m.WinningTrades > 0 {
		avgWin := grossWin / float64(m.WinningTrades)
		avgLoss := math.Abs(grossLoss / float64(m.LosingTrades))
		if avgLoss > 0 {
			m.AvgProfitLoss = avgWin / avgLoss
		}
	}
	if grossLoss < 0 {
		m.ProfitFactor = grossWin / math.Abs(grossLoss)
	}
	m.RealizedMaxDD = calculateMaxDrawdown(curve) * 100

	if state != nil {
		for name, st := range state.Strategies {
			sm := get(name)
			sm.OpenBundles = len(st.OpenBundles)
			sm.CurrentDrawdownPct = st.CurrentDrawdownPct
			sm.MaxDrawdownPct = st.MaxDrawdownPct
			if st.MaxDrawdownPct > m.MaxDrawdown {
				m.MaxDrawdown = st.MaxDrawdownPct
			}
		}
		m.Open = state.OpenBundles()
	}

	for _, sm := range perStrategy {
		if sm.TotalTrades > 0 {
			sm.AvgHold = holdTotals[sm.Name] / time.Duration(sm.TotalTrades)
		}
		m.Strategies = append(m.Strategies, *sm)
	}
	sort.Slice(m.Strategies, func(i, j int) bool { return m.Strategies[i].Name < m.Strategies[j].Name })
	return m
}

// Render 把业绩报告渲染成文本表格
func Render(m *Metrics) string {
	var sb strings.Builder

	summary := table.NewWriter()
	summary.SetTitle("业绩报告")
	summary.SetStyle(table.StyleLight)
	summary.AppendRows([]table.Row{
		{"总交易次数", m.TotalTrades},
		{"盈利次数", m.WinningTrades},
		{"亏损次数", m.LosingTrades},
		{"胜率", fmt.Sprintf("%.2f%%", m.WinRate)},
		{"总利润", fmt.Sprintf("%.2f", m.TotalProfit)},
		{"总手续费", fmt.Sprintf("%.2f", m.TotalCommission)},
		{"平均收益率", fmt.Sprintf("%.2f%%", m.AvgReturnPct)},
		{"平均盈亏比", fmt.Sprintf("%.2f", m.AvgProfitLoss)},
		{"利润因子", fmt.Sprintf("%.2f", m.ProfitFactor)},
		{"最大回撤", fmt.Sprintf("%.2f%%", m.MaxDrawdown)},
		{"已实现盈亏最大回撤", fmt.Sprintf("%.2f%%", m.RealizedMaxDD)},
	})
	summary.SetColumnConfigs([]table.ColumnConfig{{Number: 2, Align: text.AlignRight}})
	sb.WriteString(summary.Render())
	sb.WriteString("\n")

	if len(m.Strategies) > 0 {
		st := table.NewWriter()
		st.SetTitle("策略明细")
		st.SetStyle(table.StyleLight)
		st.AppendHeader(table.Row{"策略", "交易", "盈利", "利润", "手续费", "持仓批次", "平均持仓", "当前回撤", "最大回撤"})
		for _, s := range m.Strategies {
			st.AppendRow(table.Row{
				s.Name, s.TotalTrades, s.WinningTrades,
				fmt.Sprintf("%.2f", s.TotalProfit),
				fmt.Sprintf("%.2f", s.Commission),
				s.OpenBundles,
				fmt.Sprintf("%.1fh", s.AvgHold.Hours()),
				fmt.Sprintf("%.2f%%", s.CurrentDrawdownPct),
				fmt.Sprintf("%.2f%%", s.MaxDrawdownPct),
			})
		}
		sb.WriteString(st.Render())
		sb.WriteString("\n")
	}

	if len(m.Open) > 0 {
		ot := table.NewWriter()
		ot.SetTitle("未平仓批次")
		ot.SetStyle(table.StyleLight)
		ot.AppendHeader(table.Row{"策略", "标的", "股数", "开仓价", "开仓时间"})
		for _, b := range m.Open {
			ot.AppendRow(table.Row{b.Strategy, b.Ticker, b.Shares, fmt.Sprintf("%.4f", b.OpenPrice), b.OpenTime.Format("2006-01-02 15:04")})
		}
		sb.WriteString(ot.Render())
		sb.WriteString("\n")
	}
	return sb.String()
}

// Log 通过日志输出业绩报告
func Log(logger *zap.Logger, m *Metrics) {
	logger.Info("========== 业绩报告 ==========\n" + Render(m))
}

func calculateMaxDrawdown(equityCurve []float64) float64 {
	if len(equityCurve) < 2 {
		return 0.0
	}
	peak := equityCurve[0]
	maxDrawdown := 0.0

	for _, equity := range equityCurve {
		if equity > peak {
			peak = equity
		}
		if peak <= 0 {
			continue
		}
		drawdown := (peak - equity) / peak
		if drawdown > maxDrawdown {
			maxDrawdown = drawdown
		}
	}
	return maxDrawdown
}
