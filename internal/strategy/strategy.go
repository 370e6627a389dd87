// Package strategy 定义了交易会话与具体策略之间的窄接口。
package strategy

import (
	"auto-trader-go/internal/models"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Snapshot 是一次决策可见的市场数据
type Snapshot struct {
	Now     time.Time
	Quotes  map[string]float64      // 行情获取引擎给出的最新价格，缺失的标的没有条目
	History map[string][]models.Bar // 按时间升序，最后一根包含最新报价
}

// Price 返回标的的最新价格：优先使用实时报价，其次使用最后一根K线的收盘价
func (s Snapshot) Price(ticker string) (float64, bool) {
	if p, ok := s.Quotes[ticker]; ok && p > 0 {
		return p, true
	}
	bars := s.History[ticker]
	if len(bars) == 0 || bars[len(bars)-1].Close <= 0 {
		return 0, false
	}
	return bars[len(bars)-1].Close, true
}

// ExitRequest 请求平掉一个未平仓批次
type ExitRequest struct {
	BundleID string
}

// EntryRequest 请求买入一定股数
type EntryRequest struct {
	Ticker string
	Shares int64
}

// Strategy 是交易策略必须实现的接口。
// 所有方法都在会话的控制协程中被调用，不需要考虑并发。
type Strategy interface {
	Name() string
	// ComputeIndicators 在每个周期用刷新后的历史数据重新计算指标
	ComputeIndicators(history map[string][]models.Bar) error
	// ProposeExits 针对策略自己的未平仓批次给出平仓请求
	ProposeExits(state *models.StrategyState, snap Snapshot) []ExitRequest
	// ProposeEntries 在 budget 资金范围内给出开仓请求
	ProposeEntries(state *models.StrategyState, snap Snapshot, budget float64) []EntryRequest
}

// SharesFor 计算给定资金在该价格下最多能买的整数股数
func SharesFor(budget, price float64) int64 {
	if budget <= 0 || price <= 0 {
		return 0
	}
	return decimal.NewFromFloat(budget).Div(decimal.NewFromFloat(price)).Floor().IntPart()
}

// Factory 根据配置创建策略实例
type Factory func(cfg models.StrategyConfig) (Strategy, error)

// Registry 按类型名登记策略实现
type Registry struct {
	factories map[string]Factory
}

// NewRegistry 创建一个已登记内置策略的注册表
func NewRegistry() *Registry {
	r := &Registry{factories: make(map[string]Factory)}
	r.Register("sma", NewSMA)
	return r
}

func (r *Registry) Register(typ string, f Factory) {
	r.factories[typ] = f
}

// Build 按配置顺序创建策略，顺序即会话中的执行顺序
func (r *Registry) Build(cfgs []models.StrategyConfig) ([]Strategy, error) {
	out := make([]Strategy, 0, len(cfgs))
	seen := make(map[string]bool, len(cfgs))
	for _, c := range cfgs {
		if seen[c.Name] {
			return nil, fmt.Errorf("策略名称重复: %s", c.Name)
		}
		seen[c.Name] = true
		f, ok := r.factories[c.Type]
		if !ok {
			return nil, fmt.Errorf("未知的策略类型: %s", c.Type)
		}
		s, err := f(c)
		if err != nil {
			return nil, fmt.Errorf("创建策略 %s 失败: %w", c.Name, err)
		}
		out = append(out, s)
	}
	return out, nil
}
