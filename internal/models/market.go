package models

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Indicators 由近期行情计算的指标, 两个字段均为百分比
type Indicators struct {
	TrendScore float64
	Volatility float64
	Samples    int
}

// MarketData 单个 tick 使用的行情快照, 构建后不再修改
type MarketData struct {
	Symbol     string
	Price      decimal.Decimal
	PrevPrice  decimal.Decimal // 第一个 tick 为零
	Timestamp  time.Time
	Volume     *decimal.Decimal
	Indicators *Indicators
}

// Action 信号动作
type Action string

const (
	ActionBuy  Action = "BUY"
	ActionSell Action = "SELL"
	ActionHold Action = "HOLD"
)

// NoLevel 表示信号不对应任何网格档位
const NoLevel = -1

// Signal 策略对单个 tick 给出的操作建议
type Signal struct {
	Action     Action
	Price      decimal.Decimal
	Amount     decimal.Decimal
	Reason     string
	LevelIndex int
	// Liquidate 止损时卖出全部持仓
	Liquidate bool
}

// Hold 构造 HOLD 信号
func Hold(price decimal.Decimal, reason string) Signal {
	return Signal{Action: ActionHold, Price: price, Reason: reason, LevelIndex: NoLevel}
}

// IsHold 信号是否不需要下单
func (s Signal) IsHold() bool {
	return s.Action == ActionHold
}

// Side 将信号动作映射为订单方向
func (s Signal) Side() Side {
	if s.Action == ActionSell {
		return Sell
	}
	return Buy
}

func (s Signal) String() string {
	if s.IsHold() {
		return fmt.Sprintf("HOLD @ %s (%s)", s.Price, s.Reason)
	}
	if s.Liquidate {
		return fmt.Sprintf("SELL-ALL %s @ %s (%s)", s.Amount, s.Price, s.Reason)
	}
	return fmt.Sprintf("%s %s @ %s level=%d (%s)", s.Action, s.Amount, s.Price, s.LevelIndex, s.Reason)
}
