package ledger

import (
	"auto-trader-go/internal/models"
	"errors"
	"fmt"
	"sort"
	"strings"
)

// ErrReconcileMismatch 本地账本与券商持仓不一致，这种错误永远不会被自动修复
var ErrReconcileMismatch = errors.New("账本与券商持仓不一致")

// Mismatch 描述一个标的的差异
type Mismatch struct {
	Ticker string
	Local  int64
	Broker int64
}

// ReconcileError 列出全部差异，errors.Is(err, ErrReconcileMismatch) 为真
type ReconcileError struct {
	Mismatches []Mismatch
}

func (e *ReconcileError) Error() string {
	parts := make([]string, 0, len(e.Mismatches))
	for _, m := range e.Mismatches {
		parts = append(parts, fmt.Sprintf("%s: 账本=%d 券商=%d", m.Ticker, m.Local, m.Broker))
	}
	return fmt.Sprintf("%v: %s", ErrReconcileMismatch, strings.Join(parts, ", "))
}

func (e *ReconcileError) Unwrap() error { return ErrReconcileMismatch }

// Reconcile 比较本地每个标的的持仓股数与券商持仓。标的集合和每个标的的股数
// 都必须完全一致；数量为0的条目忽略。
func Reconcile(local map[string]int64, positions []models.Position) error {
	broker := make(map[string]int64)
	for _, p := range positions {
		if p.Size == 0 {
			continue
		}
		broker[strings.ToUpper(p.Product.Symbol)] += p.Size
	}
	mine := make(map[string]int64)
	for t, n := range local {
		if n == 0 {
			continue
		}
		mine[strings.ToUpper(t)] += n
	}

	var mismatches []Mismatch
	for t, n := range mine {
		if broker[t] != n {
			mismatches = append(mismatches, Mismatch{Ticker: t, Local: n, Broker: broker[t]})
		}
	}
	for t, n := range broker {
		if _, ok := mine[t]; !ok {
			mismatches = append(mismatches, Mismatch{Ticker: t, Local: 0, Broker: n})
		}
	}
	if len(mismatches) == 0 {
		return nil
	}
	sort.Slice(mismatches, func(i, j int) bool { return mismatches[i].Ticker < mismatches[j].Ticker })
	return &ReconcileError{Mismatches: mismatches}
}
