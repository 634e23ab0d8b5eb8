package exchange

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"spot-grid-bot/internal/models"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// PaperExchange 实现了 Client 接口, 在内存中模拟现货交易所, 用于模拟盘和测试。
// 限价单在价格穿越挂单价时按挂单价成交, 市价单按当前价加滑点成交。
type PaperExchange struct {
	mu       sync.Mutex
	symbol   string
	base     string
	quote    string
	logger   *zap.Logger
	feeRate  decimal.Decimal
	slippage decimal.Decimal

	price  decimal.Decimal
	now    time.Time
	free   map[string]decimal.Decimal
	locked map[string]decimal.Decimal
	orders map[string]*paperOrder // 以客户端订单号为键
	seq    []string               // 下单顺序, 成交检查按此顺序进行
	nextID int64
	fills  []PaperFill
	fees   decimal.Decimal
	equity []EquityPoint
	placed int
}

type paperOrder struct {
	handle    OrderHandle
	side      models.Side
	market    bool
	price     decimal.Decimal
	amount    decimal.Decimal
	reserved  decimal.Decimal // 冻结的资金 (买单为计价货币, 卖单为基础货币)
	status    OrderStatus
	avgPrice  decimal.Decimal
	createdAt time.Time
}

// PaperFill 一笔模拟成交
type PaperFill struct {
	ClientID string
	Side     models.Side
	Price    decimal.Decimal
	Amount   decimal.Decimal
	Fee      decimal.Decimal
	Time     time.Time
}

// EquityPoint 权益曲线上的一个点
type EquityPoint struct {
	Time   time.Time
	Equity decimal.Decimal
}

// NewPaperExchange 创建模拟交易所, 初始余额取自 cfg.Paper
func NewPaperExchange(cfg *models.Config, logger *zap.Logger) *PaperExchange {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PaperExchange{
		symbol:   cfg.Symbol,
		base:     cfg.BaseAsset,
		quote:    cfg.QuoteAsset,
		logger:   logger.Named("paper"),
		feeRate:  cfg.Paper.FeeRate,
		slippage: cfg.Paper.SlippageRate,
		free: map[string]decimal.Decimal{
			cfg.BaseAsset:  cfg.Paper.BaseBalance,
			cfg.QuoteAsset: cfg.Paper.QuoteBalance,
		},
		locked: map[string]decimal.Decimal{},
		orders: map[string]*paperOrder{},
		nextID: 1,
	}
}

// SetPrice 更新当前价格并撮合所有被穿越的挂单
func (e *PaperExchange) SetPrice(price decimal.Decimal, at time.Time) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.now = at
	e.matchAt(price)
	e.price = price
	e.recordEquity()
}

// SetKline 按 O->L->H->C 的路径模拟一根K线内的价格变动, 最终价格为收盘价
func (e *PaperExchange) SetKline(k models.Kline) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.now = k.OpenTime
	for _, p := range []decimal.Decimal{k.Open, k.Low, k.High, k.Close} {
		e.matchAt(p)
	}
	e.price = k.Close
	e.recordEquity()
}

// matchAt 检查所有挂单是否可以在指定价格点成交。必须在持有锁的情况下调用。
func (e *PaperExchange) matchAt(price decimal.Decimal) {
	for _, id := range e.seq {
		o := e.orders[id]
		if o.status != StatusOpen || o.market {
			continue
		}
		if (o.side == models.Buy && price.LessThanOrEqual(o.price)) ||
			(o.side == models.Sell && price.GreaterThanOrEqual(o.price)) {
			e.fill(o, o.price)
		}
	}
}

// fill 成交一个订单并更新余额。必须在持有锁的情况下调用。
func (e *PaperExchange) fill(o *paperOrder, price decimal.Decimal) {
	notional := price.Mul(o.amount)
	fee := notional.Mul(e.feeRate)

	if o.side == models.Buy {
		// 手续费从计价货币中扣除, 基础货币数量与订单数量一致
		e.locked[e.quote] = e.locked[e.quote].Sub(o.reserved)
		e.free[e.quote] = e.free[e.quote].Add(o.reserved).Sub(notional).Sub(fee)
		e.free[e.base] = e.free[e.base].Add(o.amount)
	} else {
		e.locked[e.base] = e.locked[e.base].Sub(o.reserved)
		e.free[e.quote] = e.free[e.quote].Add(notional).Sub(fee)
	}
	o.status = StatusFilled
	o.avgPrice = price
	e.fees = e.fees.Add(fee)
	e.fills = append(e.fills, PaperFill{
		ClientID: o.handle.ClientID,
		Side:     o.side,
		Price:    price,
		Amount:   o.amount,
		Fee:      fee,
		Time:     e.now,
	})
	e.logger.Debug("模拟成交",
		zap.String("client_order_id", o.handle.ClientID),
		zap.String("side", string(o.side)),
		zap.String("price", price.String()),
		zap.String("amount", o.amount.String()),
		zap.String("fee", fee.String()))
}

func (e *PaperExchange) recordEquity() {
	e.equity = append(e.equity, EquityPoint{Time: e.now, Equity: e.equityLocked()})
}

func (e *PaperExchange) equityLocked() decimal.Decimal {
	base := e.free[e.base].Add(e.locked[e.base])
	quote := e.free[e.quote].Add(e.locked[e.quote])
	return quote.Add(base.Mul(e.price))
}

// --- Client 接口实现 ---

func (e *PaperExchange) GetPrice(_ context.Context, symbol string) (decimal.Decimal, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if symbol != e.symbol {
		return decimal.Zero, NewError(KindPermanent, 0, "unknown symbol "+symbol, nil)
	}
	if !e.price.IsPositive() {
		return decimal.Zero, NewError(KindTransient, 0, "no market price yet", nil)
	}
	return e.price, nil
}

func (e *PaperExchange) PlaceOrder(_ context.Context, req OrderRequest) (OrderHandle, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if req.ClientID == "" {
		return OrderHandle{}, NewError(KindPermanent, 0, "missing client order id", nil)
	}
	if o, ok := e.orders[req.ClientID]; ok {
		return o.handle, nil
	}
	if req.Symbol != e.symbol {
		return OrderHandle{}, NewError(KindPermanent, 0, "unknown symbol "+req.Symbol, nil)
	}
	if !req.Amount.IsPositive() || req.Price.IsNegative() {
		return OrderHandle{}, NewError(KindPermanent, 0,
			fmt.Sprintf("invalid order %s @ %s", req.Amount, req.Price), nil)
	}

	o := &paperOrder{
		handle:    OrderHandle{Symbol: req.Symbol, ClientID: req.ClientID, OrderID: strconv.FormatInt(e.nextID, 10)},
		side:      req.Side,
		market:    req.IsMarket(),
		price:     req.Price,
		amount:    req.Amount,
		status:    StatusOpen,
		createdAt: e.now,
	}
	if o.market {
		if !e.price.IsPositive() {
			return OrderHandle{}, NewError(KindTransient, 0, "no market price yet", nil)
		}
		o.price = e.marketPrice(req.Side)
	}

	// 冻结资金
	if o.side == models.Buy {
		need := o.price.Mul(o.amount).Mul(decimal.NewFromInt(1).Add(e.feeRate))
		if e.free[e.quote].LessThan(need) {
			return OrderHandle{}, NewError(KindPermanent, 0,
				fmt.Sprintf("insufficient balance: need %s %s, free %s", need, e.quote, e.free[e.quote]), nil)
		}
		o.reserved = need
		e.free[e.quote] = e.free[e.quote].Sub(need)
		e.locked[e.quote] = e.locked[e.quote].Add(need)
	} else {
		if e.free[e.base].LessThan(o.amount) {
			return OrderHandle{}, NewError(KindPermanent, 0,
				fmt.Sprintf("insufficient balance: need %s %s, free %s", o.amount, e.base, e.free[e.base]), nil)
		}
		o.reserved = o.amount
		e.free[e.base] = e.free[e.base].Sub(o.amount)
		e.locked[e.base] = e.locked[e.base].Add(o.amount)
	}

	e.orders[req.ClientID] = o
	e.seq = append(e.seq, req.ClientID)
	e.nextID++
	e.placed++

	switch {
	case o.market:
		e.fill(o, o.price)
	case o.side == models.Buy && e.price.IsPositive() && e.price.LessThanOrEqual(o.price):
		// 可立即成交的限价单按当前价成交
		e.fill(o, e.price)
	case o.side == models.Sell && e.price.IsPositive() && e.price.GreaterThanOrEqual(o.price):
		e.fill(o, e.price)
	}
	return o.handle, nil
}

func (e *PaperExchange) marketPrice(side models.Side) decimal.Decimal {
	one := decimal.NewFromInt(1)
	if side == models.Buy {
		return e.price.Mul(one.Add(e.slippage))
	}
	return e.price.Mul(one.Sub(e.slippage))
}

func (e *PaperExchange) GetOrderStatus(_ context.Context, h OrderHandle) (OrderReport, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	o, ok := e.orders[h.ClientID]
	if !ok {
		return OrderReport{}, NewError(KindNotFound, 0, "order "+h.ClientID+" not found", nil)
	}
	report := OrderReport{Handle: o.handle, Status: o.status}
	if o.status == StatusFilled {
		report.FilledAmount = o.amount
		report.AvgPrice = o.avgPrice
	}
	return report, nil
}

func (e *PaperExchange) CancelOrder(_ context.Context, h OrderHandle) (bool, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	o, ok := e.orders[h.ClientID]
	if !ok || o.status != StatusOpen {
		return false, nil
	}
	asset := e.base
	if o.side == models.Buy {
		asset = e.quote
	}
	e.locked[asset] = e.locked[asset].Sub(o.reserved)
	e.free[asset] = e.free[asset].Add(o.reserved)
	o.status = StatusCanceled
	return true, nil
}

func (e *PaperExchange) GetBalance(_ context.Context) (map[string]decimal.Decimal, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make(map[string]decimal.Decimal, len(e.free))
	for asset, v := range e.free {
		out[asset] = v.Add(e.locked[asset])
	}
	return out, nil
}

// --- 模拟盘报告所需的只读方法 ---

// Fills 返回所有成交记录的副本
func (e *PaperExchange) Fills() []PaperFill {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]PaperFill, len(e.fills))
	copy(out, e.fills)
	return out
}

// EquityCurve 返回权益曲线的副本
func (e *PaperExchange) EquityCurve() []EquityPoint {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]EquityPoint, len(e.equity))
	copy(out, e.equity)
	return out
}

// Equity 以当前价计算的账户总权益 (计价货币)
func (e *PaperExchange) Equity() decimal.Decimal {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.equityLocked()
}

// TotalFees 累积手续费
func (e *PaperExchange) TotalFees() decimal.Decimal {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.fees
}

// OrdersPlaced 返回被接受的订单数 (重复提交不计入)
func (e *PaperExchange) OrdersPlaced() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.placed
}

// OpenOrders 返回仍在挂单中的客户端订单号
func (e *PaperExchange) OpenOrders() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	var out []string
	for _, id := range e.seq {
		if e.orders[id].status == StatusOpen {
			out = append(out, id)
		}
	}
	return out
}

// Now 返回模拟时钟
func (e *PaperExchange) Now() time.Time {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.now
}
