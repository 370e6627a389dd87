package broker

import (
	"auto-trader-go/internal/models"
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

// 网关错误码
const (
	codeGatewayUnreachable = 502
	codeNotConnected       = 504
	codeConnectivityLost   = 1100
)

// GatewayOptions 是 Client Portal 网关客户端的参数
type GatewayOptions struct {
	BaseURL            string
	AccountID          string
	InsecureSkipVerify bool
	RequestTimeout     time.Duration
	PollInterval       time.Duration
	FillTimeout        time.Duration
	ExchangeLocation   *time.Location
}

// Gateway 通过 IB Client Portal Web API 与券商交互。
// 网关进程本身的启动与登录不在这里处理。
type Gateway struct {
	opts       GatewayOptions
	httpClient *http.Client
	logger     *zap.Logger

	mu        sync.Mutex
	connected bool
}

// NewGateway 创建一个新的网关客户端
func NewGateway(opts GatewayOptions, logger *zap.Logger) *Gateway {
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = 15 * time.Second
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = time.Second
	}
	if opts.FillTimeout <= 0 {
		opts.FillTimeout = 5 * time.Minute
	}
	if opts.ExchangeLocation == nil {
		opts.ExchangeLocation = time.UTC
	}
	opts.BaseURL = strings.TrimRight(opts.BaseURL, "/")

	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: opts.InsecureSkipVerify} // 本地网关使用自签名证书
	return &Gateway{
		opts:       opts,
		httpClient: &http.Client{Timeout: opts.RequestTimeout, Transport: transport},
		logger:     logger,
	}
}

// doRequest 是通用的请求处理函数。传输层失败、未认证以及网关返回的错误
// 都被转换为 *models.BrokerError，以便上层按错误码分类。
func (g *Gateway) doRequest(ctx context.Context, method, endpoint string, body interface{}, out interface{}) error {
	fullURL := g.opts.BaseURL + endpoint

	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("序列化请求失败: %w", err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, fullURL, reader)
	if err != nil {
		return fmt.Errorf("创建请求失败: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("User-Agent", "auto-trader-go")

	g.logger.Debug("发送请求", zap.String("method", method), zap.String("endpoint", endpoint))
	resp, err := g.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return &models.BrokerError{Code: codeGatewayUnreachable, Msg: err.Error()}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return &models.BrokerError{Code: codeGatewayUnreachable, Msg: fmt.Sprintf("读取响应体失败: %v", err)}
	}

	if resp.StatusCode == http.StatusUnauthorized {
		g.setConnected(false)
		return &models.BrokerError{Code: codeConnectivityLost, Msg: "网关会话未认证"}
	}

	var gwErr struct {
		Error string `json:"error"`
		Code  int    `json:"code"`
	}
	if len(data) > 0 && data[0] == '{' && json.Unmarshal(data, &gwErr) == nil && gwErr.Error != "" {
		code := gwErr.Code
		if code == 0 {
			code = resp.StatusCode
		}
		return &models.BrokerError{Code: code, Msg: gwErr.Error}
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &models.BrokerError{Code: resp.StatusCode, Msg: fmt.Sprintf("API请求失败, 响应: %s", truncate(string(data), 256))}
	}

	if out != nil && len(data) > 0 {
		if err := json.Unmarshal(data, out); err != nil {
			return fmt.Errorf("解析响应失败 (%s): %w", endpoint, err)
		}
	}
	return nil
}

func (g *Gateway) setConnected(v bool) {
	g.mu.Lock()
	g.connected = v
	g.mu.Unlock()
}

func (g *Gateway) IsConnected() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.connected
}

type authStatus struct {
	Authenticated bool   `json:"authenticated"`
	Connected     bool   `json:"connected"`
	Competing     bool   `json:"competing"`
	Message       string `json:"message"`
}

// Connect 检查网关会话；未认证时尝试一次重新认证
func (g *Gateway) Connect(ctx context.Context) error {
	var status authStatus
	if err := g.doRequest(ctx, http.MethodPost, "/iserver/auth/status", nil, &status); err != nil {
		return err
	}
	if !status.Authenticated || !status.Connected {
		g.logger.Warn("网关会话未认证，尝试重新认证", zap.Bool("authenticated", status.Authenticated), zap.Bool("connected", status.Connected))
		if err := g.doRequest(ctx, http.MethodPost, "/iserver/reauthenticate", nil, nil); err != nil {
			return err
		}
		if err := g.doRequest(ctx, http.MethodPost, "/iserver/auth/status", nil, &status); err != nil {
			return err
		}
		if !status.Authenticated || !status.Connected {
			return &models.BrokerError{Code: codeNotConnected, Msg: "网关未连接到券商服务器"}
		}
	}
	if status.Competing {
		g.logger.Warn("检测到竞争会话")
	}

	// 下单前必须先调用一次账户列表接口
	var accounts struct {
		Accounts []string `json:"accounts"`
	}
	if err := g.doRequest(ctx, http.MethodGet, "/iserver/accounts", nil, &accounts); err != nil {
		return err
	}
	if g.opts.AccountID == "" && len(accounts.Accounts) > 0 {
		g.opts.AccountID = accounts.Accounts[0]
	}
	if g.opts.AccountID == "" {
		return fmt.Errorf("未配置账户ID且网关未返回任何账户")
	}

	g.setConnected(true)
	g.logger.Info("已连接券商网关", zap.String("account", g.opts.AccountID))
	return nil
}

// ConnectSafe 已连接时只发送一次心跳，心跳失败则重新连接
func (g *Gateway) ConnectSafe(ctx context.Context) error {
	if g.IsConnected() {
		if err := g.doRequest(ctx, http.MethodPost, "/tickle", nil, nil); err == nil {
			return nil
		}
		g.setConnected(false)
	}
	return g.Connect(ctx)
}

// Disconnect 只放弃本地会话；注销会使网关需要人工重新登录
func (g *Gateway) Disconnect() error {
	g.setConnected(false)
	return nil
}

func (g *Gateway) requireConnected() error {
	if !g.IsConnected() {
		return &models.BrokerError{Code: codeNotConnected, Msg: "未连接券商网关"}
	}
	return nil
}

// flexInt 兼容网关里数字和字符串两种写法
type flexInt int64

func (f *flexInt) UnmarshalJSON(b []byte) error {
	s := strings.Trim(string(b), `"`)
	if s == "" || s == "null" {
		*f = 0
		return nil
	}
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return err
	}
	*f = flexInt(v)
	return nil
}

// flexFloat 同上，用于数量和价格
type flexFloat float64

func (f *flexFloat) UnmarshalJSON(b []byte) error {
	s := strings.ReplaceAll(strings.Trim(string(b), `"`), ",", "")
	if s == "" || s == "null" {
		*f = 0
		return nil
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return err
	}
	*f = flexFloat(v)
	return nil
}

type secdefResult struct {
	Conid       flexInt `json:"conid"`
	Symbol      string  `json:"symbol"`
	Description string  `json:"description"`
	Sections    []struct {
		SecType  string `json:"secType"`
		Exchange string `json:"exchange"`
	} `json:"sections"`
}

type scheduleResult struct {
	Schedules []struct {
		TradingScheduleDate string `json:"tradingScheduleDate"`
		TradingTimes        []struct {
			OpeningTime string `json:"openingTime"`
			ClosingTime string `json:"closingTime"`
		} `json:"tradingtimes"`
	} `json:"schedules"`
}

// FindProduct 查找合约及其交易时段
func (g *Gateway) FindProduct(ctx context.Context, symbol, secType, exchange, currency string) (*models.Product, error) {
	if err := g.requireConnected(); err != nil {
		return nil, err
	}
	var results []secdefResult
	req := map[string]interface{}{"symbol": symbol, "secType": secType, "name": false}
	if err := g.doRequest(ctx, http.MethodPost, "/iserver/secdef/search", req, &results); err != nil {
		return nil, err
	}

	var match *secdefResult
	for i := range results {
		if !strings.EqualFold(results[i].Symbol, symbol) {
			continue
		}
		for _, s := range results[i].Sections {
			if strings.EqualFold(s.SecType, secType) {
				match = &results[i]
				break
			}
		}
		if match != nil {
			break
		}
	}
	if match == nil || match.Conid == 0 {
		return nil, fmt.Errorf("未找到合约 %s (%s)", symbol, secType)
	}

	product := &models.Product{
		ID:       int64(match.Conid),
		Symbol:   strings.ToUpper(symbol),
		SecType:  secType,
		Exchange: exchange,
		Currency: currency,
	}

	params := url.Values{}
	params.Set("assetClass", secType)
	params.Set("symbol", symbol)
	if exchange != "" && exchange != "SMART" {
		params.Set("exchange", exchange)
	}
	var schedules []scheduleResult
	if err := g.doRequest(ctx, http.MethodGet, "/trsrv/secdef/schedule?"+params.Encode(), nil, &schedules); err != nil {
		return nil, fmt.Errorf("获取 %s 交易时段失败: %w", symbol, err)
	}
	product.TradingHours = g.parseSchedules(schedules)
	return product, nil
}

func (g *Gateway) parseSchedules(results []scheduleResult) []models.TradingSession {
	var sessions []models.TradingSession
	for _, r := range results {
		for _, s := range r.Schedules {
			day, err := time.ParseInLocation("20060102", s.TradingScheduleDate, g.opts.ExchangeLocation)
			if err != nil {
				continue
			}
			for _, tt := range s.TradingTimes {
				from, errFrom := clockOn(day, tt.OpeningTime)
				to, errTo := clockOn(day, tt.ClosingTime)
				if errFrom != nil || errTo != nil {
					continue
				}
				if !to.After(from) {
					to = to.AddDate(0, 0, 1) // 跨午夜的时段
				}
				sessions = append(sessions, models.TradingSession{From: from, To: to})
			}
		}
	}
	return sessions
}

// clockOn 把 "HHMM" 解析为 day 当天的时间点
func clockOn(day time.Time, hhmm string) (time.Time, error) {
	if len(hhmm) != 4 {
		return time.Time{}, fmt.Errorf("无效的时间 %q", hhmm)
	}
	h, err := strconv.Atoi(hhmm[:2])
	if err != nil {
		return time.Time{}, err
	}
	m, err := strconv.Atoi(hhmm[2:])
	if err != nil {
		return time.Time{}, err
	}
	return time.Date(day.Year(), day.Month(), day.Day(), h, m, 0, 0, day.Location()), nil
}

type orderReply struct {
	ID          string   `json:"id"`
	Message     []string `json:"message"`
	OrderID     string   `json:"order_id"`
	OrderStatus string   `json:"order_status"`
	Error       string   `json:"error"`
}

// PlaceOrder 提交市价单；网关返回的确认问题会被自动确认
func (g *Gateway) PlaceOrder(ctx context.Context, order *models.Order) error {
	if err := g.requireConnected(); err != nil {
		return err
	}
	body := map[string]interface{}{
		"orders": []map[string]interface{}{{
			"acctId":    g.opts.AccountID,
			"conid":     order.Product.ID,
			"cOID":      order.Ref,
			"orderType": "MKT",
			"side":      string(order.Action),
			"quantity":  order.Quantity,
			"tif":       "DAY",
		}},
	}

	var replies []orderReply
	if err := g.doRequest(ctx, http.MethodPost, fmt.Sprintf("/iserver/account/%s/orders", g.opts.AccountID), body, &replies); err != nil {
		return err
	}

	for i := 0; i < 5; i++ {
		if len(replies) == 0 {
			return fmt.Errorf("下单无响应: %s", order)
		}
		r := replies[0]
		if r.Error != "" {
			return fmt.Errorf("下单被拒绝: %s", r.Error)
		}
		if r.OrderID != "" {
			order.ID = r.OrderID
			order.Status = mapStatus(r.OrderStatus)
			g.logger.Info("订单已提交", zap.String("order", order.String()))
			return nil
		}
		g.logger.Info("确认下单提示", zap.Strings("message", r.Message))
		replies = nil
		if err := g.doRequest(ctx, http.MethodPost, "/iserver/reply/"+r.ID, map[string]bool{"confirmed": true}, &replies); err != nil {
			return err
		}
	}
	return fmt.Errorf("下单确认次数过多: %s", order)
}

type orderStatusResult struct {
	OrderID      flexInt   `json:"order_id"`
	OrderStatus  string    `json:"order_status"`
	CumFill      flexFloat `json:"cum_fill"`
	AveragePrice flexFloat `json:"average_price"`
}

// WaitTillFinishes 轮询订单状态直到终态或超时
func (g *Gateway) WaitTillFinishes(ctx context.Context, order *models.Order) error {
	if order.ID == "" {
		return fmt.Errorf("订单尚未提交: %s", order)
	}
	deadline := time.Now().Add(g.opts.FillTimeout)
	for {
		var st orderStatusResult
		if err := g.doRequest(ctx, http.MethodGet, "/iserver/account/order/status/"+order.ID, nil, &st); err != nil {
			return err
		}
		order.Status = mapStatus(st.OrderStatus)
		order.FilledQuantity = int64(st.CumFill)
		if st.AveragePrice > 0 {
			order.AvgFillPrice = float64(st.AveragePrice)
		}
		if order.Status.IsTerminal() {
			g.logger.Info("订单进入终态", zap.String("order", order.String()))
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("等待订单终态超时: %s", order)
		}
		if err := sleepCtx(ctx, g.opts.PollInterval); err != nil {
			return err
		}
	}
}

type execution struct {
	ExecutionID string    `json:"execution_id"`
	OrderRef    string    `json:"order_ref"`
	OrderID     flexInt   `json:"order_id"`
	Size        flexFloat `json:"size"`
	Price       flexFloat `json:"price"`
	Commission  flexFloat `json:"commission"`
}

// WaitForExecutionDetails 汇总该订单的全部成交，回填成交均价和佣金
func (g *Gateway) WaitForExecutionDetails(ctx context.Context, order *models.Order) error {
	deadline := time.Now().Add(g.opts.FillTimeout)
	for {
		var execs []execution
		if err := g.doRequest(ctx, http.MethodGet, "/iserver/account/trades", nil, &execs); err != nil {
			return err
		}

		var size, notional, commission float64
		for _, e := range execs {
			if e.OrderRef != order.Ref && strconv.FormatInt(int64(e.OrderID), 10) != order.ID {
				continue
			}
			size += float64(e.Size)
			notional += float64(e.Size) * float64(e.Price)
			commission += float64(e.Commission)
		}
		if size > 0 && int64(size) >= order.Quantity {
			order.FilledQuantity = int64(size)
			order.AvgFillPrice = notional / size
			order.Commission = commission
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("等待成交明细超时: %s (已成交 %.0f)", order, size)
		}
		if err := sleepCtx(ctx, g.opts.PollInterval); err != nil {
			return err
		}
	}
}

func (g *Gateway) CancelOrder(ctx context.Context, order *models.Order) error {
	if order.ID == "" {
		return nil
	}
	return g.doRequest(ctx, http.MethodDelete, fmt.Sprintf("/iserver/account/%s/order/%s", g.opts.AccountID, order.ID), nil, nil)
}

// CancelAllOrders 取消所有未进入终态的订单
func (g *Gateway) CancelAllOrders(ctx context.Context) error {
	var live struct {
		Orders []struct {
			OrderID flexInt `json:"orderId"`
			Status  string  `json:"status"`
		} `json:"orders"`
	}
	if err := g.doRequest(ctx, http.MethodGet, "/iserver/account/orders", nil, &live); err != nil {
		return err
	}
	var firstErr error
	for _, o := range live.Orders {
		if mapStatus(o.Status).IsTerminal() {
			continue
		}
		id := strconv.FormatInt(int64(o.OrderID), 10)
		if err := g.CancelOrder(ctx, &models.Order{ID: id}); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

type gatewayPosition struct {
	Conid        flexInt   `json:"conid"`
	ContractDesc string    `json:"contractDesc"`
	Ticker       string    `json:"ticker"`
	Position     flexFloat `json:"position"`
	AvgCost      flexFloat `json:"avgCost"`
	Currency     string    `json:"currency"`
	AssetClass   string    `json:"assetClass"`
}

// GetAllPositions 分页读取全部持仓
func (g *Gateway) GetAllPositions(ctx context.Context) ([]models.Position, error) {
	if err := g.requireConnected(); err != nil {
		return nil, err
	}
	var positions []models.Position
	for page := 0; page < 50; page++ {
		var batch []gatewayPosition
		if err := g.doRequest(ctx, http.MethodGet, fmt.Sprintf("/portfolio/%s/positions/%d", g.opts.AccountID, page), nil, &batch); err != nil {
			return nil, err
		}
		for _, p := range batch {
			symbol := p.Ticker
			if symbol == "" {
				symbol = p.ContractDesc
			}
			size := float64(p.Position)
			if size != math.Trunc(size) || math.IsInf(size, 0) {
				return nil, fmt.Errorf("持仓 %s 的股数不是整数: %v", strings.ToUpper(symbol), size)
			}
			positions = append(positions, models.Position{
				Product: models.Product{
					ID:       int64(p.Conid),
					Symbol:   strings.ToUpper(symbol),
					SecType:  p.AssetClass,
					Currency: p.Currency,
				},
				Size:     int64(size),
				UnitCost: float64(p.AvgCost),
			})
		}
		if len(batch) < 100 { // 每页最多100条
			break
		}
	}
	return positions, nil
}

type summaryValue struct {
	Amount flexFloat `json:"amount"`
}

func (g *Gateway) GetAccountSummary(ctx context.Context) (*models.AccountSummary, error) {
	if err := g.requireConnected(); err != nil {
		return nil, err
	}
	var summary struct {
		EquityWithLoanValue summaryValue `json:"equitywithloanvalue"`
		GrossPositionValue  summaryValue `json:"grosspositionvalue"`
		TotalCashValue      summaryValue `json:"totalcashvalue"`
	}
	if err := g.doRequest(ctx, http.MethodGet, fmt.Sprintf("/portfolio/%s/summary", g.opts.AccountID), nil, &summary); err != nil {
		return nil, err
	}
	return &models.AccountSummary{
		EquityWithLoanValue: float64(summary.EquityWithLoanValue.Amount),
		GrossPositionValue:  float64(summary.GrossPositionValue.Amount),
		TotalCashValue:      float64(summary.TotalCashValue.Amount),
	}, nil
}

func mapStatus(s string) models.OrderStatus {
	switch strings.ToLower(s) {
	case "pendingsubmit":
		return models.StatusPendingSubmit
	case "presubmitted":
		return models.StatusPreSubmitted
	case "submitted", "pendingcancel":
		return models.StatusSubmitted
	case "filled":
		return models.StatusFilled
	case "cancelled":
		return models.StatusCancelled
	case "apicancelled":
		return models.StatusApiCancelled
	case "inactive":
		return models.StatusInactive
	}
	return models.StatusSubmitted
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
