package models

import "fmt"

// Action 定义了交易方向的类型
type Action string

const (
	Buy  Action = "BUY"
	Sell Action = "SELL"
)

// OrderStatus 订单状态
type OrderStatus string

const (
	StatusNotPlaced     OrderStatus = "NotPlaced"
	StatusPendingSubmit OrderStatus = "PendingSubmit"
	StatusPreSubmitted  OrderStatus = "PreSubmitted"
	StatusSubmitted     OrderStatus = "Submitted"
	StatusFilled        OrderStatus = "Filled"
	StatusCancelled     OrderStatus = "Cancelled"
	StatusApiCancelled  OrderStatus = "ApiCancelled"
	StatusInactive      OrderStatus = "Inactive"
)

// IsTerminal 订单是否已进入终态
func (s OrderStatus) IsTerminal() bool {
	switch s {
	case StatusFilled, StatusCancelled, StatusApiCancelled, StatusInactive:
		return true
	}
	return false
}

// Order 定义了一个市价单及其成交回报
type Order struct {
	Ref            string      `json:"ref"` // 本地生成的客户端订单引用
	ID             string      `json:"id"`  // 券商订单ID
	Product        Product     `json:"product"`
	Action         Action      `json:"action"`
	Quantity       int64       `json:"quantity"`
	Status         OrderStatus `json:"status"`
	FilledQuantity int64       `json:"filled_quantity"`
	AvgFillPrice   float64     `json:"avg_fill_price"`
	Commission     float64     `json:"commission"`
}

// NewMarketOrder 创建一个尚未提交的市价单
func NewMarketOrder(product Product, action Action, quantity int64) *Order {
	return &Order{
		Ref:      NewID(),
		Product:  product,
		Action:   action,
		Quantity: quantity,
		Status:   StatusNotPlaced,
	}
}

func (o *Order) String() string {
	return fmt.Sprintf("%s %d %s [ref=%s id=%s status=%s]", o.Action, o.Quantity, o.Product.Symbol, o.Ref, o.ID, o.Status)
}

// BrokerError 定义了券商接口返回的错误信息结构
type BrokerError struct {
	Code int    `json:"code"`
	Msg  string `json:"msg"`
}

// Error 方法使得 BrokerError 实现了 error 接口
func (e *BrokerError) Error() string {
	return fmt.Sprintf("Broker Error: code=%d, msg=%s", e.Code, e.Msg)
}
