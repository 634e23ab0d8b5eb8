package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"spot-grid-bot/internal/models"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
)

// 环境变量名
const (
	EnvAPIKey        = "BINANCE_API_KEY"
	EnvSecretKey     = "BINANCE_SECRET_KEY"
	EnvTelegramToken = "TELEGRAM_BOT_TOKEN"
)

// ValidationError 汇总配置中的所有问题, 启动时直接退出
type ValidationError struct {
	Problems []string
}

func (e *ValidationError) Error() string {
	return "invalid config: " + strings.Join(e.Problems, "; ")
}

// LoadConfig 从指定路径加载JSON配置文件, 填充默认值并校验
func LoadConfig(path string) (*models.Config, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrap(err, "open config")
	}
	defer file.Close()

	decoder := json.NewDecoder(file)
	decoder.DisallowUnknownFields()
	cfg := &models.Config{}
	if err := decoder.Decode(cfg); err != nil {
		return nil, errors.Wrapf(err, "decode config %s", path)
	}

	ApplyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadSecrets 从环境变量读取密钥 (.env 由 main 预先通过 godotenv 加载)
func LoadSecrets(cfg *models.Config) {
	cfg.APIKey = strings.TrimSpace(os.Getenv(EnvAPIKey))
	cfg.SecretKey = strings.TrimSpace(os.Getenv(EnvSecretKey))
	cfg.TelegramToken = strings.TrimSpace(os.Getenv(EnvTelegramToken))
}

// ApplyDefaults 为未设置的字段填充默认值
func ApplyDefaults(cfg *models.Config) {
	if cfg.CheckIntervalSec <= 0 {
		cfg.CheckIntervalSec = 5
	}
	if cfg.StatusEverySec <= 0 {
		cfg.StatusEverySec = 30
	}
	if cfg.StaleAfterSec <= 0 {
		cfg.StaleAfterSec = 300
	}
	if cfg.DBPath == "" {
		cfg.DBPath = "data/state"
	}
	if cfg.LiveWSURL == "" {
		cfg.LiveWSURL = "wss://stream.binance.com:9443"
	}
	if cfg.TestnetWSURL == "" {
		cfg.TestnetWSURL = "wss://stream.testnet.binance.vision"
	}
	if cfg.Grid.Count == 0 {
		cfg.Grid.Count = 10
	}

	if cfg.Risk.MaxPositionGrids == 0 {
		cfg.Risk.MaxPositionGrids = cfg.Grid.Count
	}
	if cfg.Risk.MaxDrawdown.IsZero() {
		cfg.Risk.MaxDrawdown = decimal.RequireFromString("0.2")
	}
	if cfg.Risk.MaxReconcileMismatches == 0 {
		cfg.Risk.MaxReconcileMismatches = 3
	}
	if cfg.Risk.BalanceTolerance.IsZero() {
		cfg.Risk.BalanceTolerance = decimal.RequireFromString("0.01")
	}
	if cfg.Risk.PriceSpikePercent.IsZero() {
		cfg.Risk.PriceSpikePercent = decimal.NewFromInt(10)
	}
	if cfg.Risk.PriceDropPercent.IsZero() {
		cfg.Risk.PriceDropPercent = decimal.NewFromInt(5)
	}
	if cfg.Risk.PriceDropTicks == 0 {
		cfg.Risk.PriceDropTicks = 5
	}

	if cfg.Smart.ShortWindow == 0 {
		cfg.Smart.ShortWindow = 20
	}
	if cfg.Smart.LongWindow == 0 {
		cfg.Smart.LongWindow = 50
	}
	if cfg.Smart.StrongDowntrendThreshold == 0 {
		cfg.Smart.StrongDowntrendThreshold = -3
	}
	if cfg.Smart.StrongUptrendThreshold == 0 {
		cfg.Smart.StrongUptrendThreshold = 3
	}
	if cfg.Smart.UptrendSizeMultiplier == 0 {
		cfg.Smart.UptrendSizeMultiplier = 1
	}

	if cfg.Retry.MaxAttempts == 0 {
		cfg.Retry.MaxAttempts = 3
	}
	if cfg.Retry.InitialDelayMs == 0 {
		cfg.Retry.InitialDelayMs = 1000
	}
	if cfg.Retry.MaxDelayMs == 0 {
		cfg.Retry.MaxDelayMs = 8000
	}
	if cfg.Retry.Factor == 0 {
		cfg.Retry.Factor = 2
	}
	if cfg.Retry.MaxTotalMs == 0 {
		cfg.Retry.MaxTotalMs = 15000
	}
	if cfg.Retry.CallTimeoutMs == 0 {
		cfg.Retry.CallTimeoutMs = 10000
	}

	if cfg.Paper.QuoteBalance.IsZero() {
		cfg.Paper.QuoteBalance = cfg.Risk.InitialCapital
	}
	if cfg.Paper.FeeRate.IsZero() {
		cfg.Paper.FeeRate = cfg.Risk.FeeRate
	}

	if cfg.Metrics.Enabled && cfg.Metrics.Addr == "" {
		cfg.Metrics.Addr = ":9108"
	}
	if cfg.LogConfig.Level == "" {
		cfg.LogConfig.Level = "info"
	}
	if cfg.LogConfig.Output == "" {
		cfg.LogConfig.Output = "console"
	}
}

// Validate 检查配置的内部一致性
func Validate(cfg *models.Config) error {
	var problems []string
	add := func(format string, args ...interface{}) {
		problems = append(problems, fmt.Sprintf(format, args...))
	}

	if cfg.Symbol == "" {
		add("symbol is required")
	}
	if cfg.BaseAsset == "" || cfg.QuoteAsset == "" {
		add("base_asset and quote_asset are required")
	} else if cfg.Symbol != "" && cfg.Symbol != cfg.BaseAsset+cfg.QuoteAsset {
		add("symbol %s does not match %s%s", cfg.Symbol, cfg.BaseAsset, cfg.QuoteAsset)
	}

	g := cfg.Grid
	if !g.Lower.IsPositive() {
		add("grid.lower must be positive")
	}
	if g.Upper.LessThanOrEqual(g.Lower) {
		add("grid.upper must be greater than grid.lower")
	}
	if g.Count < 2 {
		add("grid.count must be at least 2")
	}
	if !g.Quantity.IsPositive() {
		add("grid.quantity must be positive")
	}
	if g.QuantityStep.IsNegative() || g.PriceTick.IsNegative() {
		add("grid.quantity_step and grid.price_tick must not be negative")
	}

	r := cfg.Risk
	if r.StopLossPrice.IsNegative() {
		add("risk.stop_loss_price must not be negative")
	}
	if r.StopLossPrice.IsPositive() && r.StopLossPrice.GreaterThanOrEqual(g.Lower) {
		add("risk.stop_loss_price must be below grid.lower")
	}
	if r.MaxPositionGrids < 1 || r.MaxPositionGrids > g.Count {
		add("risk.max_position_grids must be in [1, grid.count]")
	}
	if r.DailyLossLimit.IsNegative() {
		add("risk.daily_loss_limit must be a positive amount or 0 to disable")
	}
	if !r.MaxDrawdown.IsPositive() || r.MaxDrawdown.GreaterThan(decimal.NewFromInt(1)) {
		add("risk.max_drawdown must be in (0, 1]")
	}
	if !r.InitialCapital.IsPositive() {
		add("risk.initial_capital must be positive")
	}
	if r.FeeRate.IsNegative() || r.FeeRate.GreaterThanOrEqual(decimal.NewFromInt(1)) {
		add("risk.fee_rate must be in [0, 1)")
	}
	if r.ConsecutiveLossLimit < 0 {
		add("risk.consecutive_loss_limit must not be negative")
	}
	if r.PriceSpikePercent.IsNegative() || r.PriceDropPercent.IsNegative() || r.PriceDropTicks < 0 {
		add("risk.price_spike_percent, risk.price_drop_percent and risk.price_drop_ticks must not be negative")
	}

	s := cfg.Smart
	if g.Smart {
		if s.ShortWindow < 2 || s.LongWindow <= s.ShortWindow {
			add("smart windows must satisfy 2 <= short_window < long_window")
		}
		if s.StrongDowntrendThreshold >= 0 {
			add("smart.strong_downtrend_threshold must be negative")
		}
		if s.StrongUptrendThreshold <= 0 {
			add("smart.strong_uptrend_threshold must be positive")
		}
		if s.UptrendSizeMultiplier < 1 {
			add("smart.uptrend_size_multiplier must be at least 1")
		}
		if s.MaxVolatility < 0 || s.MinProfitRate < 0 {
			add("smart.max_volatility and smart.min_profit_rate must not be negative")
		}
	}

	rt := cfg.Retry
	if rt.MaxAttempts < 1 {
		add("retry.max_attempts must be at least 1")
	}
	if rt.Factor < 1 {
		add("retry.factor must be at least 1")
	}
	if rt.MaxTotalMs < rt.InitialDelayMs {
		add("retry.max_total_ms must be at least retry.initial_delay_ms")
	}

	if cfg.Telegram.Enabled && cfg.Telegram.ChatID == 0 {
		add("telegram.chat_id is required when telegram is enabled")
	}

	if len(problems) > 0 {
		return &ValidationError{Problems: problems}
	}
	return nil
}
