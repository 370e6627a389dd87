package models

import (
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/jxskiss/base62"
)

// StateVersion 状态模型的版本号，用于未来迁移
const StateVersion = 1

// NewID 生成一个紧凑的唯一ID (base62 编码的 UUID)，用于仓位批次和客户端订单引用
func NewID() string {
	id := uuid.New()
	return base62.EncodeToString(id[:])
}

// Bundle 代表一个仓位批次：某个策略对某个标的的一次开仓/平仓
// 开仓时创建；平仓时写入一次平仓时间/价格；券商确认成交后再回填一次手续费/成交价。
type Bundle struct {
	ID                 string     `json:"id"`
	Ticker             string     `json:"ticker"`
	Strategy           string     `json:"strategy"`
	OpenTime           time.Time  `json:"open_time"`
	CloseTime          *time.Time `json:"close_time,omitempty"`
	AccountValueAtOpen float64    `json:"account_value_at_open"` // 开仓时策略分配到的账户价值
	OpenPrice          float64    `json:"open_price"`
	ClosePrice         float64    `json:"close_price,omitempty"`
	Shares             int64      `json:"shares"`
	OpenCommission     float64    `json:"open_commission"`
	CloseCommission    float64    `json:"close_commission,omitempty"`
}

// IsOpen 仓位是否尚未平仓
func (b *Bundle) IsOpen() bool {
	return b.CloseTime == nil
}

// Profit 已实现盈亏 (扣除开平仓手续费)，未平仓时为0
func (b *Bundle) Profit() float64 {
	if b.IsOpen() {
		return 0
	}
	return (b.ClosePrice-b.OpenPrice)*float64(b.Shares) - b.OpenCommission - b.CloseCommission
}

// ReturnPct 相对开仓成本的收益率 (%)
func (b *Bundle) ReturnPct() float64 {
	cost := b.OpenPrice * float64(b.Shares)
	if cost == 0 {
		return 0
	}
	return b.Profit() / cost * 100
}

// ReturnOnAccountPct 相对开仓时账户价值的收益率 (%)
func (b *Bundle) ReturnOnAccountPct() float64 {
	if b.AccountValueAtOpen == 0 {
		return 0
	}
	return b.Profit() / b.AccountValueAtOpen * 100
}

// HoldDuration 持仓时长
func (b *Bundle) HoldDuration() time.Duration {
	if b.IsOpen() {
		return 0
	}
	return b.CloseTime.Sub(b.OpenTime)
}

// StrategyState 是单个策略的持久化状态
type StrategyState struct {
	Name               string    `json:"name"`
	OpenBundles        []*Bundle `json:"open_bundles"`
	PeakAccountValue   float64   `json:"peak_account_value"`
	CurrentDrawdownPct float64   `json:"current_drawdown_pct"`
	MaxDrawdownPct     float64   `json:"max_drawdown_pct"`
}

// OpenShares 按标的汇总该策略的持仓股数
func (s *StrategyState) OpenShares() map[string]int64 {
	shares := make(map[string]int64)
	for _, b := range s.OpenBundles {
		shares[b.Ticker] += b.Shares
	}
	return shares
}

// State 是所有策略状态的聚合，作为整体在每次结算后持久化
type State struct {
	Version        int                       `json:"version"`
	Strategies     map[string]*StrategyState `json:"strategies"`
	LastUpdateTime time.Time                 `json:"last_update_time"`
}

// NewState 创建一个空状态
func NewState() *State {
	return &State{
		Version:    StateVersion,
		Strategies: make(map[string]*StrategyState),
	}
}

// Strategy 返回指定策略的状态，不存在则创建
func (s *State) Strategy(name string) *StrategyState {
	if s.Strategies == nil {
		s.Strategies = make(map[string]*StrategyState)
	}
	st, ok := s.Strategies[name]
	if !ok {
		st = &StrategyState{Name: name, OpenBundles: make([]*Bundle, 0)}
		s.Strategies[name] = st
	}
	return st
}

// OpenBundles 返回所有策略的未平仓批次 (按策略名、开仓时间排序)
func (s *State) OpenBundles() []*Bundle {
	names := make([]string, 0, len(s.Strategies))
	for name := range s.Strategies {
		names = append(names, name)
	}
	sort.Strings(names)

	var all []*Bundle
	for _, name := range names {
		all = append(all, s.Strategies[name].OpenBundles...)
	}
	return all
}

// OpenShares 按标的汇总所有策略的持仓股数，用于与券商持仓对账
func (s *State) OpenShares() map[string]int64 {
	shares := make(map[string]int64)
	for _, st := range s.Strategies {
		for _, b := range st.OpenBundles {
			shares[b.Ticker] += b.Shares
		}
	}
	return shares
}

// Clone 创建 State 的深拷贝
func (s *State) Clone() *State {
	if s == nil {
		return nil
	}
	stateCopy := &State{
		Version:        s.Version,
		LastUpdateTime: s.LastUpdateTime,
		Strategies:     make(map[string]*StrategyState, len(s.Strategies)),
	}
	for name, st := range s.Strategies {
		stCopy := *st
		stCopy.OpenBundles = make([]*Bundle, 0, len(st.OpenBundles))
		for _, b := range st.OpenBundles {
			bundleCopy := *b
			if b.CloseTime != nil {
				closeTime := *b.CloseTime
				bundleCopy.CloseTime = &closeTime
			}
			stCopy.OpenBundles = append(stCopy.OpenBundles, &bundleCopy)
		}
		stateCopy.Strategies[name] = &stCopy
	}
	return stateCopy
}
