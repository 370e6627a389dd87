package broker

import (
	"auto-trader-go/internal/clock"
	"auto-trader-go/internal/models"
	"context"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

// PaperOptions 是模拟券商的参数
type PaperOptions struct {
	InitialCash        float64
	CommissionPerShare float64
	MinCommission      float64
	SlippageRate       float64
	SessionOpen        string // "15:04"
	SessionClose       string
	Location           *time.Location
	StateFile          string // 为空时不落盘
}

type paperPosition struct {
	Size    int64   `json:"size"`
	AvgCost float64 `json:"avg_cost"`
}

// paperSnapshot 是落盘的账户状态
type paperSnapshot struct {
	Cash      float64                   `json:"cash"`
	Positions map[string]*paperPosition `json:"positions"`
}

// Paper 实现了 Brokerage 接口，用于在没有券商网关时模拟下单。
// 市价单按最新报价加滑点立即成交。
type Paper struct {
	opts   PaperOptions
	clock  clock.Clock
	logger *zap.Logger

	mu          sync.Mutex
	connected   bool
	cash        float64
	positions   map[string]*paperPosition
	prices      map[string]float64
	products    map[string]int64
	orders      map[string]*models.Order
	nextOrderID int64
	totalFees   float64
}

// NewPaper 创建模拟券商；若状态文件存在则从中恢复现金和持仓
func NewPaper(opts PaperOptions, clk clock.Clock, logger *zap.Logger) (*Paper, error) {
	if opts.Location == nil {
		opts.Location = time.UTC
	}
	if opts.SessionOpen == "" {
		opts.SessionOpen = "09:30"
	}
	if opts.SessionClose == "" {
		opts.SessionClose = "16:00"
	}
	p := &Paper{
		opts:        opts,
		clock:       clk,
		logger:      logger,
		cash:        opts.InitialCash,
		positions:   make(map[string]*paperPosition),
		prices:      make(map[string]float64),
		products:    make(map[string]int64),
		orders:      make(map[string]*models.Order),
		nextOrderID: 1,
	}
	if opts.StateFile != "" {
		if err := p.load(); err != nil {
			return nil, err
		}
	}
	return p, nil
}

func (p *Paper) load() error {
	data, err := os.ReadFile(p.opts.StateFile)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("读取模拟账户文件失败: %w", err)
	}
	var snap paperSnapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return fmt.Errorf("解析模拟账户文件失败: %w", err)
	}
	p.cash = snap.Cash
	if snap.Positions != nil {
		p.positions = snap.Positions
	}
	p.logger.Info("已恢复模拟账户", zap.Float64("cash", p.cash), zap.Int("positions", len(p.positions)))
	return nil
}

// persist 必须在持有锁的情况下调用
func (p *Paper) persist() {
	if p.opts.StateFile == "" {
		return
	}
	data, err := json.MarshalIndent(paperSnapshot{Cash: p.cash, Positions: p.positions}, "", "  ")
	if err != nil {
		p.logger.Error("序列化模拟账户失败", zap.Error(err))
		return
	}
	if err := os.MkdirAll(filepath.Dir(p.opts.StateFile), 0755); err != nil {
		p.logger.Error("创建模拟账户目录失败", zap.Error(err))
		return
	}
	tmp := p.opts.StateFile + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		p.logger.Error("写入模拟账户失败", zap.Error(err))
		return
	}
	if err := os.Rename(tmp, p.opts.StateFile); err != nil {
		p.logger.Error("替换模拟账户文件失败", zap.Error(err))
	}
}

// UpdateQuotes 更新成交所用的最新报价
func (p *Paper) UpdateQuotes(prices map[string]float64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for s, v := range prices {
		if v > 0 {
			p.prices[strings.ToUpper(s)] = v
		}
	}
}

// --- Brokerage 接口实现 ---

func (p *Paper) Connect(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.connected = true
	return nil
}

func (p *Paper) ConnectSafe(ctx context.Context) error {
	if p.IsConnected() {
		return nil
	}
	return p.Connect(ctx)
}

func (p *Paper) Disconnect() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.connected = false
	return nil
}

func (p *Paper) IsConnected() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.connected
}

func (p *Paper) requireConnectedLocked() error {
	if !p.connected {
		return &models.BrokerError{Code: codeNotConnected, Msg: "模拟券商未连接"}
	}
	return nil
}

// FindProduct 返回一个按会话模板生成未来一周交易时段的合约
func (p *Paper) FindProduct(ctx context.Context, symbol, secType, exchange, currency string) (*models.Product, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.requireConnectedLocked(); err != nil {
		return nil, err
	}
	symbol = strings.ToUpper(symbol)
	id, ok := p.products[symbol]
	if !ok {
		id = int64(len(p.products) + 1)
		p.products[symbol] = id
	}

	openH, openM, err := parseHHMM(p.opts.SessionOpen)
	if err != nil {
		return nil, err
	}
	closeH, closeM, err := parseHHMM(p.opts.SessionClose)
	if err != nil {
		return nil, err
	}

	now := p.clock.Now().In(p.opts.Location)
	var hours []models.TradingSession
	for d := 0; d < 7; d++ {
		day := now.AddDate(0, 0, d)
		if day.Weekday() == time.Saturday || day.Weekday() == time.Sunday {
			continue
		}
		from := time.Date(day.Year(), day.Month(), day.Day(), openH, openM, 0, 0, p.opts.Location)
		to := time.Date(day.Year(), day.Month(), day.Day(), closeH, closeM, 0, 0, p.opts.Location)
		hours = append(hours, models.TradingSession{From: from, To: to})
	}

	return &models.Product{
		ID:           id,
		Symbol:       symbol,
		SecType:      secType,
		Exchange:     exchange,
		Currency:     currency,
		TradingHours: hours,
	}, nil
}

func parseHHMM(s string) (int, int, error) {
	parts := strings.Split(s, ":")
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("无效的时间 %q", s)
	}
	h, err := strconv.Atoi(parts[0])
	if err != nil {
		return 0, 0, err
	}
	m, err := strconv.Atoi(parts[1])
	if err != nil {
		return 0, 0, err
	}
	return h, m, nil
}

// PlaceOrder 以最新报价立即撮合市价单
func (p *Paper) PlaceOrder(ctx context.Context, order *models.Order) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.requireConnectedLocked(); err != nil {
		return err
	}
	if order.Quantity <= 0 {
		return fmt.Errorf("订单数量必须为正: %s", order)
	}

	order.ID = strconv.FormatInt(p.nextOrderID, 10)
	p.nextOrderID++
	order.Status = models.StatusSubmitted
	p.orders[order.ID] = order

	symbol := strings.ToUpper(order.Product.Symbol)
	price, ok := p.prices[symbol]
	if !ok {
		order.Status = models.StatusInactive
		p.logger.Warn("[模拟] 没有报价，订单无法成交", zap.String("order", order.String()))
		return nil
	}

	pos := p.positions[symbol]
	if order.Action == models.Sell && (pos == nil || pos.Size < order.Quantity) {
		order.Status = models.StatusInactive
		p.logger.Warn("[模拟] 持仓不足，拒绝卖出", zap.String("order", order.String()))
		return nil
	}

	p.fillLocked(order, price)
	return nil
}

// fillLocked 处理成交，更新现金、持仓和均价。必须在持有锁的情况下调用。
func (p *Paper) fillLocked(order *models.Order, price float64) {
	symbol := strings.ToUpper(order.Product.Symbol)
	qty := float64(order.Quantity)

	executionPrice := price * (1 + p.opts.SlippageRate)
	if order.Action == models.Sell {
		executionPrice = price * (1 - p.opts.SlippageRate)
	}
	fee := math.Max(p.opts.MinCommission, p.opts.CommissionPerShare*qty)
	p.totalFees += fee
	p.cash -= fee

	pos := p.positions[symbol]
	if order.Action == models.Buy {
		if pos == nil {
			pos = &paperPosition{}
			p.positions[symbol] = pos
		}
		newSize := pos.Size + order.Quantity
		pos.AvgCost = (pos.AvgCost*float64(pos.Size) + executionPrice*qty) / float64(newSize)
		pos.Size = newSize
		p.cash -= executionPrice * qty
	} else {
		pos.Size -= order.Quantity
		p.cash += executionPrice * qty
		if pos.Size == 0 {
			delete(p.positions, symbol)
		}
	}

	order.Status = models.StatusFilled
	order.FilledQuantity = order.Quantity
	order.AvgFillPrice = executionPrice
	order.Commission = fee
	p.persist()

	p.logger.Info("[模拟] 订单成交",
		zap.String("time", p.clock.Now().Format("2006-01-02 15:04:05")),
		zap.String("order", order.String()),
		zap.Float64("price", executionPrice),
		zap.Float64("fee", fee),
		zap.Float64("cash", p.cash))
}

func (p *Paper) WaitTillFinishes(ctx context.Context, order *models.Order) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.orders[order.ID]; !ok {
		return fmt.Errorf("订单 ID %s 未找到", order.ID)
	}
	return nil
}

func (p *Paper) WaitForExecutionDetails(ctx context.Context, order *models.Order) error {
	return p.WaitTillFinishes(ctx, order)
}

func (p *Paper) CancelOrder(ctx context.Context, order *models.Order) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if o, ok := p.orders[order.ID]; ok && !o.Status.IsTerminal() {
		o.Status = models.StatusCancelled
	}
	return nil
}

func (p *Paper) CancelAllOrders(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, o := range p.orders {
		if !o.Status.IsTerminal() {
			o.Status = models.StatusCancelled
		}
	}
	return nil
}

func (p *Paper) GetAllPositions(ctx context.Context) ([]models.Position, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.requireConnectedLocked(); err != nil {
		return nil, err
	}
	symbols := make([]string, 0, len(p.positions))
	for s := range p.positions {
		symbols = append(symbols, s)
	}
	sort.Strings(symbols)

	out := make([]models.Position, 0, len(symbols))
	for _, s := range symbols {
		pos := p.positions[s]
		out = append(out, models.Position{
			Product:  models.Product{ID: p.products[s], Symbol: s},
			Size:     pos.Size,
			UnitCost: pos.AvgCost,
		})
	}
	return out, nil
}

// grossLocked 以最新报价 (无报价时用成本价) 计算持仓总值
func (p *Paper) grossLocked() float64 {
	var gross float64
	for s, pos := range p.positions {
		price, ok := p.prices[s]
		if !ok {
			price = pos.AvgCost
		}
		gross += math.Abs(float64(pos.Size)) * price
	}
	return gross
}

func (p *Paper) GetAccountSummary(ctx context.Context) (*models.AccountSummary, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.requireConnectedLocked(); err != nil {
		return nil, err
	}
	gross := p.grossLocked()
	equity := p.cash + gross
	return &models.AccountSummary{
		EquityWithLoanValue: equity,
		GrossPositionValue:  gross,
		TotalCashValue:      p.cash,
	}, nil
}

// TotalFees 返回累计手续费
func (p *Paper) TotalFees() float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.totalFees
}
