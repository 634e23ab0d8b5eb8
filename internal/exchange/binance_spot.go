package exchange

import (
	"context"
	"strconv"
	"strings"
	"time"

	"spot-grid-bot/internal/models"

	"github.com/adshao/go-binance/v2"
	"github.com/adshao/go-binance/v2/common"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// 币安错误码, 见 https://developers.binance.com/docs/binance-spot-api-docs/errors
const (
	codeDisconnected      = -1001
	codeUnauthorized      = -1002
	codeTooManyRequests   = -1003
	codeTimeout           = -1007
	codeServerBusy        = -1008
	codeInvalidTimestamp  = -1021
	codeInvalidSignature  = -1022
	codeNewOrderRejected  = -2010
	codeCancelRejected    = -2011
	codeNoSuchOrder       = -2013
	codeBadAPIKeyFormat   = -2014
	codeRejectedMbxKey    = -2015
	codeDuplicateOrderMsg = "Duplicate order sent"
)

// BinanceSpot 基于 go-binance 的现货交易所实现
type BinanceSpot struct {
	client *binance.Client
	symbol string
	base   string
	quote  string
	feed   *PriceFeed
	// feed 中的价格超过该时长未更新则回退到 REST
	maxFeedAge time.Duration
	logger     *zap.Logger
}

// NewBinanceSpot 创建现货客户端。testnet 为 true 时使用币安测试网。
func NewBinanceSpot(cfg *models.Config, logger *zap.Logger) *BinanceSpot {
	binance.UseTestnet = cfg.IsTestnet
	return &BinanceSpot{
		client:     binance.NewClient(cfg.APIKey, cfg.SecretKey),
		symbol:     cfg.Symbol,
		base:       cfg.BaseAsset,
		quote:      cfg.QuoteAsset,
		maxFeedAge: 3 * cfg.CheckInterval(),
		logger:     logger.Named("binance"),
	}
}

// WithPriceFeed 使 GetPrice 优先读取 websocket 推送的价格
func (b *BinanceSpot) WithPriceFeed(feed *PriceFeed) *BinanceSpot {
	b.feed = feed
	return b
}

// SyncTime 校准本地与服务器的时间偏移, 避免 -1021 错误
func (b *BinanceSpot) SyncTime(ctx context.Context) error {
	offset, err := b.client.NewSetServerTimeService().Do(ctx)
	if err != nil {
		return classify(err, "sync server time")
	}
	b.logger.Info("与币安服务器时间同步完成", zap.Int64("timeOffset (ms)", offset))
	return nil
}

func (b *BinanceSpot) GetPrice(ctx context.Context, symbol string) (decimal.Decimal, error) {
	if b.feed != nil && symbol == b.symbol {
		if price, at, ok := b.feed.Latest(); ok && time.Since(at) <= b.maxFeedAge {
			return price, nil
		}
	}
	prices, err := b.client.NewListPricesService().Symbol(symbol).Do(ctx)
	if err != nil {
		return decimal.Zero, classify(err, "get price")
	}
	for _, p := range prices {
		if p.Symbol == symbol {
			price, err := decimal.NewFromString(p.Price)
			if err != nil {
				return decimal.Zero, NewError(KindTransient, 0, "malformed price "+p.Price, err)
			}
			return price, nil
		}
	}
	return decimal.Zero, NewError(KindPermanent, 0, "no price for "+symbol, nil)
}

func (b *BinanceSpot) PlaceOrder(ctx context.Context, req OrderRequest) (OrderHandle, error) {
	side := binance.SideTypeBuy
	if req.Side == models.Sell {
		side = binance.SideTypeSell
	}
	svc := b.client.NewCreateOrderService().
		Symbol(req.Symbol).
		Side(side).
		Quantity(req.Amount.String()).
		NewClientOrderID(req.ClientID)
	if req.IsMarket() {
		svc = svc.Type(binance.OrderTypeMarket)
	} else {
		svc = svc.Type(binance.OrderTypeLimit).
			TimeInForce(binance.TimeInForceTypeGTC).
			Price(req.Price.String())
	}

	b.logger.Info("提交订单",
		zap.String("client_order_id", req.ClientID),
		zap.String("side", string(req.Side)),
		zap.String("price", req.Price.String()),
		zap.String("amount", req.Amount.String()))

	resp, err := svc.Do(ctx)
	if err != nil {
		var apiErr *common.APIError
		if errors.As(err, &apiErr) && strings.Contains(apiErr.Message, codeDuplicateOrderMsg) {
			// 之前的一次提交已被交易所接受, 查询后返回原订单
			return b.lookup(ctx, req.Symbol, req.ClientID)
		}
		return OrderHandle{}, classify(err, "place order")
	}
	return OrderHandle{
		Symbol:   req.Symbol,
		ClientID: resp.ClientOrderID,
		OrderID:  strconv.FormatInt(resp.OrderID, 10),
	}, nil
}

func (b *BinanceSpot) lookup(ctx context.Context, symbol, clientID string) (OrderHandle, error) {
	order, err := b.client.NewGetOrderService().Symbol(symbol).OrigClientOrderID(clientID).Do(ctx)
	if err != nil {
		return OrderHandle{}, classify(err, "lookup duplicate order")
	}
	return OrderHandle{Symbol: symbol, ClientID: clientID, OrderID: strconv.FormatInt(order.OrderID, 10)}, nil
}

func (b *BinanceSpot) GetOrderStatus(ctx context.Context, h OrderHandle) (OrderReport, error) {
	order, err := b.client.NewGetOrderService().Symbol(b.symbolOf(h)).OrigClientOrderID(h.ClientID).Do(ctx)
	if err != nil {
		return OrderReport{}, classify(err, "get order status")
	}
	filled, _ := decimal.NewFromString(order.ExecutedQuantity)
	quoteQty, _ := decimal.NewFromString(order.CummulativeQuoteQuantity)
	report := OrderReport{
		Handle:       OrderHandle{Symbol: order.Symbol, ClientID: order.ClientOrderID, OrderID: strconv.FormatInt(order.OrderID, 10)},
		Status:       mapStatus(order.Status),
		FilledAmount: filled,
	}
	if filled.IsPositive() {
		report.AvgPrice = quoteQty.Div(filled)
	}
	return report, nil
}

func (b *BinanceSpot) CancelOrder(ctx context.Context, h OrderHandle) (bool, error) {
	_, err := b.client.NewCancelOrderService().Symbol(b.symbolOf(h)).OrigClientOrderID(h.ClientID).Do(ctx)
	if err != nil {
		err = classify(err, "cancel order")
		if errors.Is(err, ErrOrderNotFound) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// GetBalance 返回每个资产的总额 (free + locked)
func (b *BinanceSpot) GetBalance(ctx context.Context) (map[string]decimal.Decimal, error) {
	account, err := b.client.NewGetAccountService().Do(ctx)
	if err != nil {
		return nil, classify(err, "get account")
	}
	out := make(map[string]decimal.Decimal, len(account.Balances))
	for _, bal := range account.Balances {
		free, _ := decimal.NewFromString(bal.Free)
		locked, _ := decimal.NewFromString(bal.Locked)
		if total := free.Add(locked); !total.IsZero() {
			out[bal.Asset] = total
		}
	}
	return out, nil
}

func (b *BinanceSpot) symbolOf(h OrderHandle) string {
	if h.Symbol != "" {
		return h.Symbol
	}
	return b.symbol
}

func mapStatus(s binance.OrderStatusType) OrderStatus {
	switch s {
	case binance.OrderStatusTypeFilled:
		return StatusFilled
	case binance.OrderStatusTypeCanceled, binance.OrderStatusTypeExpired:
		return StatusCanceled
	case binance.OrderStatusTypeRejected:
		return StatusRejected
	default:
		// NEW、PARTIALLY_FILLED、PENDING_CANCEL
		return StatusOpen
	}
}

// classify 将 go-binance 的错误映射为 *Error
func classify(err error, op string) error {
	var apiErr *common.APIError
	if !errors.As(err, &apiErr) {
		if errors.Is(err, context.Canceled) {
			return NewError(KindPermanent, 0, op+": canceled", err)
		}
		// 网络错误, 超时, 非 JSON 的 5xx 响应
		return NewError(KindTransient, 0, op+": "+err.Error(), err)
	}
	code := int(apiErr.Code)
	msg := op + ": " + apiErr.Message
	switch code {
	case codeDisconnected, codeTooManyRequests, codeTimeout, codeServerBusy, codeInvalidTimestamp:
		return NewError(KindTransient, code, msg, err)
	case codeUnauthorized, codeInvalidSignature, codeBadAPIKeyFormat, codeRejectedMbxKey:
		return NewError(KindAuth, code, msg, err)
	case codeNoSuchOrder:
		return NewError(KindNotFound, code, msg, err)
	case codeCancelRejected:
		if strings.Contains(apiErr.Message, "Unknown order") {
			return NewError(KindNotFound, code, msg, err)
		}
		return NewError(KindPermanent, code, msg, err)
	case codeNewOrderRejected:
		return NewError(KindPermanent, code, msg, err)
	}
	return NewError(KindPermanent, code, msg, err)
}
