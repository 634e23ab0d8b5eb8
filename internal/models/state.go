package models

import (
	"github.com/shopspring/decimal"
)

// StateSchemaVersion 持久化记录的格式版本，格式变化时递增
const StateSchemaVersion = 2

// RunState 机器人运行状态
type RunState string

const (
	StateIdle    RunState = "IDLE"
	StateRunning RunState = "RUNNING"
	StatePaused  RunState = "PAUSED"
	StateStopped RunState = "STOPPED"
	StateError   RunState = "ERROR"
)

// LevelStatus 网格档位状态
type LevelStatus string

const (
	LevelEmpty       LevelStatus = "EMPTY"
	LevelBuyPending  LevelStatus = "BUY_PENDING"
	LevelHolding     LevelStatus = "HOLDING"
	LevelSellPending LevelStatus = "SELL_PENDING"
)

// IsPending 档位是否有未完成的订单
func (s LevelStatus) IsPending() bool {
	return s == LevelBuyPending || s == LevelSellPending
}

// GridLevel 网格中的一个价格档位。Index 与 Price 在配置时确定，之后只有状态字段会变化。
type GridLevel struct {
	Index         int             `json:"index"`
	Price         decimal.Decimal `json:"price"`
	Status        LevelStatus     `json:"status"`
	ClientOrderID string          `json:"client_order_id,omitempty"` // 当前挂单的客户端订单号
	OrderID       string          `json:"order_id,omitempty"`        // 交易所订单号
	OrderPrice    decimal.Decimal `json:"order_price"`               // 当前挂单价格
	EntryPrice    decimal.Decimal `json:"entry_price"`               // 买入成交均价
	Amount        decimal.Decimal `json:"amount"`                    // 持有数量或挂单数量
	Sequence      uint64          `json:"sequence"`                  // 该档位已提交订单的序号
	Armed         bool            `json:"armed,omitempty"`           // 价格曾位于档位上方, 下穿后才可买入
	UpdatedAt     Timestamp       `json:"updated_at"`
}

// Position 聚合持仓，由档位推导
type Position struct {
	HeldAmount    decimal.Decimal `json:"held_amount"`
	AverageCost   decimal.Decimal `json:"average_cost"`
	RealizedPnL   decimal.Decimal `json:"realized_pnl"`
	UnrealizedPnL decimal.Decimal `json:"unrealized_pnl"`
	GridsHeld     int             `json:"grids_held"` // 非 EMPTY 档位数量
	Exposure      decimal.Decimal `json:"exposure"`   // 所有非 EMPTY 档位的数量之和, 含买单挂单
	LastPrice     decimal.Decimal `json:"last_price"`
}

// RiskState 风控状态
type RiskState struct {
	PeakEquity        decimal.Decimal `json:"peak_equity"`
	DailyPnL          decimal.Decimal `json:"daily_pnl"`
	DailyStartEquity  decimal.Decimal `json:"daily_start_equity"`
	ConsecutiveLosses int             `json:"consecutive_losses"`
	Day               string          `json:"day"` // UTC 日期 2006-01-02
}

// GridSpec 记录生成档位时使用的网格参数，恢复时用于校验配置是否被修改
type GridSpec struct {
	Lower decimal.Decimal `json:"lower"`
	Upper decimal.Decimal `json:"upper"`
	Count int             `json:"count"`
}

// BotState 定义了需要持久化的所有关键数据
type BotState struct {
	SchemaVersion int         `json:"schema_version"` // 记录格式版本
	Version       uint64      `json:"version"`        // 单调递增的写入版本
	BotID         string      `json:"bot_id"`         // Bot的唯一标识符
	Symbol        string      `json:"symbol"`         // 交易对
	RunState      RunState    `json:"run_state"`
	Grid          GridSpec    `json:"grid"`
	GridLevels    []GridLevel `json:"grid_levels"`
	Position      Position    `json:"position"`
	RiskState     RiskState   `json:"risk_state"`
	LastTickAt    Timestamp   `json:"last_tick_at"`
	SavedAt       Timestamp   `json:"saved_at"`
}

// Clone 返回深拷贝
func (s *BotState) Clone() *BotState {
	if s == nil {
		return nil
	}
	c := *s
	if s.GridLevels != nil {
		c.GridLevels = make([]GridLevel, len(s.GridLevels))
		copy(c.GridLevels, s.GridLevels)
	}
	return &c
}
