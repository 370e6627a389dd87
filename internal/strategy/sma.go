package strategy

import (
	"auto-trader-go/internal/models"
	"fmt"
	"sort"
)

// SMA 是一个简单的趋势跟随策略：收盘价站上N日均线时买入，跌破时卖出。
// 同时持有的标的数量有上限，资金在空余仓位间平均分配。
type SMA struct {
	name         string
	period       int
	maxPositions int
	sma          map[string]float64
}

// NewSMA 参数: period (默认 20), max_positions (默认 5)
func NewSMA(cfg models.StrategyConfig) (Strategy, error) {
	s := &SMA{
		name:         cfg.Name,
		period:       20,
		maxPositions: 5,
		sma:          make(map[string]float64),
	}
	if v, ok := cfg.Params["period"]; ok {
		s.period = int(v)
	}
	if v, ok := cfg.Params["max_positions"]; ok {
		s.maxPositions = int(v)
	}
	if s.period < 2 {
		return nil, fmt.Errorf("period 必须不小于 2, 当前为 %d", s.period)
	}
	if s.maxPositions < 1 {
		return nil, fmt.Errorf("max_positions 必须为正, 当前为 %d", s.maxPositions)
	}
	return s, nil
}

func (s *SMA) Name() string { return s.name }

func (s *SMA) ComputeIndicators(history map[string][]models.Bar) error {
	s.sma = make(map[string]float64, len(history))
	for ticker, bars := range history {
		if len(bars) < s.period {
			continue
		}
		var sum float64
		for _, b := range bars[len(bars)-s.period:] {
			sum += b.Close
		}
		s.sma[ticker] = sum / float64(s.period)
	}
	return nil
}

func (s *SMA) ProposeExits(state *models.StrategyState, snap Snapshot) []ExitRequest {
	var exits []ExitRequest
	for _, b := range state.OpenBundles {
		avg, ok := s.sma[b.Ticker]
		if !ok {
			continue
		}
		price, ok := snap.Price(b.Ticker)
		if !ok {
			continue
		}
		if price < avg {
			exits = append(exits, ExitRequest{BundleID: b.ID})
		}
	}
	return exits
}

func (s *SMA) ProposeEntries(state *models.StrategyState, snap Snapshot, budget float64) []EntryRequest {
	held := state.OpenShares()
	slots := s.maxPositions - len(held)
	if slots <= 0 || budget <= 0 {
		return nil
	}

	type candidate struct {
		ticker   string
		price    float64
		strength float64
	}
	var candidates []candidate
	for ticker, avg := range s.sma {
		if _, ok := held[ticker]; ok || avg <= 0 {
			continue
		}
		price, ok := snap.Price(ticker)
		if !ok || price <= avg {
			continue
		}
		candidates = append(candidates, candidate{ticker: ticker, price: price, strength: price/avg - 1})
	}
	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].strength != candidates[j].strength {
			return candidates[i].strength > candidates[j].strength
		}
		return candidates[i].ticker < candidates[j].ticker
	})

	perSlot := budget / float64(slots)
	var entries []EntryRequest
	for _, c := range candidates {
		if len(entries) == slots {
			break
		}
		shares := SharesFor(perSlot, c.price)
		if shares == 0 {
			continue
		}
		entries = append(entries, EntryRequest{Ticker: c.ticker, Shares: shares})
	}
	return entries
}
