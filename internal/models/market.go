package models

import (
	"fmt"
	"time"
)

// Symbol 代表一个可交易标的及其代表性成交量 (用于流动性排序)
type Symbol struct {
	Ticker string  `json:"ticker"`
	Volume float64 `json:"volume"`
}

// Quote 是行情获取引擎产出的单个报价
type Quote struct {
	Symbol string  `json:"symbol"`
	Price  float64 `json:"price"`
}

// Bar 是一根日K线
type Bar struct {
	Time   time.Time `json:"time"`
	Open   float64   `json:"open"`
	High   float64   `json:"high"`
	Low    float64   `json:"low"`
	Close  float64   `json:"close"`
	Volume float64   `json:"volume"`
}

// TradingSession 是一个连续的交易时段 [From, To)
type TradingSession struct {
	From time.Time `json:"from"`
	To   time.Time `json:"to"`
}

// Product 是券商侧的合约定义
type Product struct {
	ID           int64            `json:"id"` // 券商合约ID (conid)
	Symbol       string           `json:"symbol"`
	SecType      string           `json:"sec_type"`
	Exchange     string           `json:"exchange"`
	Currency     string           `json:"currency"`
	TradingHours []TradingSession `json:"trading_hours"`
}

// NextSessionClose 返回 now 之后最近的一个交易时段结束时间
func (p *Product) NextSessionClose(now time.Time) (time.Time, bool) {
	var best time.Time
	found := false
	for _, s := range p.TradingHours {
		if !s.To.After(now) {
			continue
		}
		if !found || s.To.Before(best) {
			best = s.To
			found = true
		}
	}
	return best, found
}

// Position 是券商返回的持仓
type Position struct {
	Product  Product `json:"product"`
	Size     int64   `json:"size"`
	UnitCost float64 `json:"unit_cost"`
}

// AccountSummary 是账户快照，只在明确的检查点刷新，不跨检查点缓存
type AccountSummary struct {
	EquityWithLoanValue float64 `json:"equity_with_loan_value"`
	GrossPositionValue  float64 `json:"gross_position_value"`
	TotalCashValue      float64 `json:"total_cash_value"`
}

func (a AccountSummary) String() string {
	return fmt.Sprintf("equity=%.2f gross=%.2f cash=%.2f", a.EquityWithLoanValue, a.GrossPositionValue, a.TotalCashValue)
}
