package exchange

import (
	"context"
	"fmt"

	"spot-grid-bot/internal/models"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
)

// Client 定义了交易核心依赖的交易所能力。
// 实盘 (BinanceSpot) 与模拟盘 (PaperExchange) 都实现该接口。
type Client interface {
	GetPrice(ctx context.Context, symbol string) (decimal.Decimal, error)
	// PlaceOrder 对同一个 ClientID 是幂等的: 重复提交返回已存在的订单
	PlaceOrder(ctx context.Context, req OrderRequest) (OrderHandle, error)
	GetOrderStatus(ctx context.Context, h OrderHandle) (OrderReport, error)
	CancelOrder(ctx context.Context, h OrderHandle) (bool, error)
	GetBalance(ctx context.Context) (map[string]decimal.Decimal, error)
}

// OrderRequest 下单请求。Price 为零表示市价单。
type OrderRequest struct {
	ClientID string
	Symbol   string
	Side     models.Side
	Price    decimal.Decimal
	Amount   decimal.Decimal
}

// IsMarket 价格为零即为市价单
func (r OrderRequest) IsMarket() bool { return r.Price.IsZero() }

// OrderHandle 标识一个订单, 至少包含客户端订单号
type OrderHandle struct {
	Symbol   string
	ClientID string
	OrderID  string
}

// OrderStatus 订单状态
type OrderStatus string

const (
	StatusOpen     OrderStatus = "OPEN"
	StatusFilled   OrderStatus = "FILLED"
	StatusCanceled OrderStatus = "CANCELED"
	StatusRejected OrderStatus = "REJECTED"
)

// IsFinal 订单是否已不会再变化
func (s OrderStatus) IsFinal() bool { return s != StatusOpen }

// OrderReport 订单查询结果
type OrderReport struct {
	Handle       OrderHandle
	Status       OrderStatus
	FilledAmount decimal.Decimal
	AvgPrice     decimal.Decimal
}

// ErrorKind 交易所错误分类, 供重试策略使用
type ErrorKind string

const (
	KindTransient ErrorKind = "transient" // 超时、限频、5xx
	KindPermanent ErrorKind = "permanent" // 余额不足、价格非法
	KindAuth      ErrorKind = "auth"      // 密钥错误、权限不足
	KindNotFound  ErrorKind = "not_found" // 订单不存在
)

// Error 所有 Client 实现返回的统一错误类型
type Error struct {
	Kind ErrorKind
	Code int
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Code != 0 {
		return fmt.Sprintf("exchange %s error %d: %s", e.Kind, e.Code, e.Msg)
	}
	return fmt.Sprintf("exchange %s error: %s", e.Kind, e.Msg)
}

func (e *Error) Unwrap() error { return e.Err }

// ErrOrderNotFound 可用 errors.Is 匹配所有 not_found 类错误
var ErrOrderNotFound = errors.New("order not found")

func (e *Error) Is(target error) bool {
	return target == ErrOrderNotFound && e.Kind == KindNotFound
}

// NewError 构造 Error
func NewError(kind ErrorKind, code int, msg string, cause error) *Error {
	return &Error{Kind: kind, Code: code, Msg: msg, Err: cause}
}

// KindOf 提取错误分类。未知错误和超时视为临时错误, 取消视为永久错误。
func KindOf(err error) ErrorKind {
	if err == nil {
		return ""
	}
	var xe *Error
	if errors.As(err, &xe) {
		return xe.Kind
	}
	if errors.Is(err, context.Canceled) {
		return KindPermanent
	}
	return KindTransient
}

// IsTransient 错误是否值得重试
func IsTransient(err error) bool { return KindOf(err) == KindTransient }

// IsAuth 是否为认证或权限错误
func IsAuth(err error) bool { return KindOf(err) == KindAuth }
