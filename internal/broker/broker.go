package broker

import (
	"auto-trader-go/internal/models"
	"context"
	"errors"
)

// Brokerage 定义了券商实现必须提供的方法。
// 这使得交易会话可以在真实网关和模拟券商之间切换。
type Brokerage interface {
	Connect(ctx context.Context) error
	// ConnectSafe 在已连接时什么都不做
	ConnectSafe(ctx context.Context) error
	Disconnect() error
	IsConnected() bool

	FindProduct(ctx context.Context, symbol, secType, exchange, currency string) (*models.Product, error)

	PlaceOrder(ctx context.Context, order *models.Order) error
	// WaitTillFinishes 阻塞直到订单进入终态
	WaitTillFinishes(ctx context.Context, order *models.Order) error
	// WaitForExecutionDetails 阻塞直到成交均价和佣金可用，并回填到订单上
	WaitForExecutionDetails(ctx context.Context, order *models.Order) error
	CancelOrder(ctx context.Context, order *models.Order) error
	CancelAllOrders(ctx context.Context) error

	GetAllPositions(ctx context.Context) ([]models.Position, error)
	GetAccountSummary(ctx context.Context) (*models.AccountSummary, error)
}

// QuoteSink 由需要外部报价驱动成交的券商实现 (模拟券商)
type QuoteSink interface {
	UpdateQuotes(prices map[string]float64)
}

// DefaultRecoverableCodes 是连接类错误码：网关不可达、未认证、连接中断与恢复等
var DefaultRecoverableCodes = []int{502, 504, 1100, 1101, 1102, 1300, 2110}

// IsRecoverable 判断错误是否为可通过重连恢复的券商错误
func IsRecoverable(err error, codes []int) bool {
	var brokerErr *models.BrokerError
	if !errors.As(err, &brokerErr) {
		return false
	}
	if len(codes) == 0 {
		codes = DefaultRecoverableCodes
	}
	for _, c := range codes {
		if brokerErr.Code == c {
			return true
		}
	}
	return false
}

// PlaceAndWait 提交订单，等待其进入终态并取得成交明细
func PlaceAndWait(ctx context.Context, b Brokerage, order *models.Order) error {
	if err := b.PlaceOrder(ctx, order); err != nil {
		return err
	}
	if err := b.WaitTillFinishes(ctx, order); err != nil {
		return err
	}
	if order.Status != models.StatusFilled {
		return nil
	}
	return b.WaitForExecutionDetails(ctx, order)
}
