package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Config 结构体定义了机器人的所有配置参数
type Config struct {
	Symbol           string `json:"symbol"`             // 交易对，如 "ETHUSDT"
	BaseAsset        string `json:"base_asset"`         // 基础货币，如 "ETH"
	QuoteAsset       string `json:"quote_asset"`        // 计价货币，如 "USDT"
	IsTestnet        bool   `json:"is_testnet"`         // 是否使用测试网
	LiveWSURL        string `json:"live_ws_url"`        // 生产网 WebSocket 地址
	TestnetWSURL     string `json:"testnet_ws_url"`     // 测试网 WebSocket 地址
	DBPath           string `json:"db_path"`            // badger 状态目录
	JournalPath      string `json:"journal_path"`       // sqlite 订单日志文件路径, 为空则不记录
	CheckIntervalSec int    `json:"check_interval_sec"` // 主循环间隔(秒)
	StatusEverySec   int    `json:"status_every_sec"`   // 状态表打印间隔(秒)
	StaleAfterSec    int    `json:"stale_after_sec"`    // 持久化状态超过该时长视为过期，恢复时强制全量对账
	AnalyzeOnly      bool   `json:"analyze_only"`       // 只分析不下单
	PriceFromStream  bool   `json:"price_from_stream"`  // 使用 WebSocket 价格流而不是 REST 查询

	Grid     GridConfig      `json:"grid"`
	Risk     RiskConfig      `json:"risk"`
	Smart    SmartGridConfig `json:"smart"`
	Retry    RetryConfig     `json:"retry"`
	Paper    PaperConfig     `json:"paper"`
	Metrics  MetricsConfig   `json:"metrics"`
	Telegram TelegramConfig  `json:"telegram"`

	LogConfig LogConfig `json:"log"` // 日志配置

	// 以下字段由程序从环境变量填充，不从配置文件读取
	APIKey        string `json:"-"`
	SecretKey     string `json:"-"`
	TelegramToken string `json:"-"`
}

// GridConfig 网格参数
type GridConfig struct {
	Lower        decimal.Decimal `json:"lower"`         // 网格下沿
	Upper        decimal.Decimal `json:"upper"`         // 网格上沿
	Count        int             `json:"count"`         // 网格数量, 档位索引为 0..count-1
	Quantity     decimal.Decimal `json:"quantity"`      // 每格下单数量（基础货币）
	QuantityStep decimal.Decimal `json:"quantity_step"` // 数量精度 (LOT_SIZE stepSize)
	PriceTick    decimal.Decimal `json:"price_tick"`    // 价格精度 (PRICE_FILTER tickSize)
	Smart        bool            `json:"smart"`         // 是否启用智能网格
}

// RiskConfig 风控参数
type RiskConfig struct {
	StopLossPrice          decimal.Decimal `json:"stop_loss_price"`          // 止损价, 价格 <= 该值时清仓并停止
	MaxPositionGrids       int             `json:"max_position_grids"`       // 最多同时持仓的格子数
	DailyLossLimit         decimal.Decimal `json:"daily_loss_limit"`         // 单日最大亏损 (计价货币, 正数)
	MaxDrawdown            decimal.Decimal `json:"max_drawdown"`             // 最大回撤比例, 例如 0.2
	ConsecutiveLossLimit   int             `json:"consecutive_loss_limit"`   // 连续亏损次数上限, 0 为不限制
	InitialCapital         decimal.Decimal `json:"initial_capital"`          // 初始资金, 用于计算权益
	FeeRate                decimal.Decimal `json:"fee_rate"`                 // 手续费率, 用于计算净利润
	MaxReconcileMismatches int             `json:"max_reconcile_mismatches"` // 余额对账连续不一致次数上限
	BalanceTolerance       decimal.Decimal `json:"balance_tolerance"`        // 余额对账容差比例
	PriceSpikePercent      decimal.Decimal `json:"price_spike_percent"`      // 相对上一 tick 涨跌超过该百分比时拒绝买入
	PriceDropPercent       decimal.Decimal `json:"price_drop_percent"`       // 相对 price_drop_ticks 个 tick 前下跌超过该百分比时拒绝买入
	PriceDropTicks         int             `json:"price_drop_ticks"`         // 快速下跌的回看 tick 数
}

// SmartGridConfig 智能网格参数
type SmartGridConfig struct {
	ShortWindow              int     `json:"short_window"`               // 短期均线窗口
	LongWindow               int     `json:"long_window"`                // 长期均线窗口
	StrongDowntrendThreshold float64 `json:"strong_downtrend_threshold"` // 趋势分数低于该值时暂停买入 (百分比, 负数)
	StrongUptrendThreshold   float64 `json:"strong_uptrend_threshold"`   // 趋势分数高于该值时放大买入
	UptrendSizeMultiplier    int     `json:"uptrend_size_multiplier"`    // 强上涨时的下单倍数
	MaxVolatility            float64 `json:"max_volatility"`             // 波动率上限 (百分比), 0 为不限制
	MinProfitRate            float64 `json:"min_profit_rate"`            // 卖出最低利润率, 0 为不限制
}

// RetryConfig 交易所调用重试参数
type RetryConfig struct {
	MaxAttempts    int     `json:"max_attempts"`     // 最大尝试次数
	InitialDelayMs int     `json:"initial_delay_ms"` // 初始延迟毫秒数
	MaxDelayMs     int     `json:"max_delay_ms"`     // 单次最大延迟毫秒数
	Factor         float64 `json:"factor"`           // 退避倍数
	MaxTotalMs     int     `json:"max_total_ms"`     // 单个 tick 内重试总时长上限
	CallTimeoutMs  int     `json:"call_timeout_ms"`  // 单次调用超时
}

// PaperConfig 模拟盘参数
type PaperConfig struct {
	QuoteBalance decimal.Decimal `json:"quote_balance"` // 初始计价货币余额
	BaseBalance  decimal.Decimal `json:"base_balance"`  // 初始基础货币余额
	FeeRate      decimal.Decimal `json:"fee_rate"`      // 模拟手续费率
	SlippageRate decimal.Decimal `json:"slippage_rate"` // 模拟滑点率
}

// MetricsConfig Prometheus 指标参数
type MetricsConfig struct {
	Enabled bool   `json:"enabled"`
	Addr    string `json:"addr"` // 监听地址, 例如 ":9108"
}

// TelegramConfig Telegram 通知参数
type TelegramConfig struct {
	Enabled bool  `json:"enabled"`
	ChatID  int64 `json:"chat_id"`
}

// LogConfig 定义了日志相关的配置
type LogConfig struct {
	Level      string `json:"level"`       // 日志级别, e.g., "debug", "info", "warn", "error"
	Output     string `json:"output"`      // 输出模式: "console", "file", "both"
	File       string `json:"file"`        // 日志文件路径
	MaxSize    int    `json:"max_size"`    // 单个日志文件的最大大小 (MB)
	MaxBackups int    `json:"max_backups"` // 保留的旧日志文件最大数量
	MaxAge     int    `json:"max_age"`     // 旧日志文件的最大保留天数
	Compress   bool   `json:"compress"`    // 是否压缩旧日志文件
}

// CheckInterval 返回主循环间隔
func (c *Config) CheckInterval() time.Duration {
	return time.Duration(c.CheckIntervalSec) * time.Second
}

// StaleAfter 返回状态过期阈值
func (c *Config) StaleAfter() time.Duration {
	return time.Duration(c.StaleAfterSec) * time.Second
}

// Kline 一根K线, 用于模拟盘回放和指标预热
type Kline struct {
	OpenTime time.Time
	Open     decimal.Decimal
	High     decimal.Decimal
	Low      decimal.Decimal
	Close    decimal.Decimal
	Volume   decimal.Decimal
}

// Side 定义了交易方向的类型
type Side string

const (
	Buy  Side = "BUY"
	Sell Side = "SELL"
)
