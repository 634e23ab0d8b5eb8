// Package notify 将总线上的关键事件推送到 Telegram
package notify

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"spot-grid-bot/internal/events"
	"spot-grid-bot/internal/models"

	tgbot "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"go.uber.org/zap"
)

// 同一条风控规则在该时间内只通知一次
const defaultRiskQuiet = 10 * time.Minute

// Sender 是 tgbot.BotAPI 中用到的部分
type Sender interface {
	Send(c tgbot.Chattable) (tgbot.Message, error)
}

// Telegram 订阅事件总线并异步发送消息, 不会阻塞交易循环
type Telegram struct {
	sender Sender
	chatID int64
	symbol string
	logger *zap.Logger
	queue  chan string

	mu        sync.Mutex
	lastRisk  map[string]time.Time
	riskQuiet time.Duration
	now       func() time.Time
}

// NewTelegram 使用 bot token 创建通知器
func NewTelegram(token string, chatID int64, symbol string, logger *zap.Logger) (*Telegram, error) {
	b, err := tgbot.NewBotAPI(token)
	if err != nil {
		return nil, err
	}
	return NewWithSender(b, chatID, symbol, logger), nil
}

// NewWithSender 使用任意 Sender 创建通知器
func NewWithSender(s Sender, chatID int64, symbol string, logger *zap.Logger) *Telegram {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Telegram{
		sender:    s,
		chatID:    chatID,
		symbol:    symbol,
		logger:    logger.Named("telegram"),
		queue:     make(chan string, 64),
		lastRisk:  make(map[string]time.Time),
		riskQuiet: defaultRiskQuiet,
		now:       time.Now,
	}
}

// Attach 订阅需要通知的事件
func (t *Telegram) Attach(bus *events.Bus) {
	for _, typ := range []events.Type{events.StateChanged, events.OrderFilled, events.OrderFailed, events.RiskTriggered} {
		bus.Subscribe(typ, t.Handle)
	}
}

// Handle 格式化事件并放入发送队列。队列满时丢弃消息。
func (t *Telegram) Handle(ev events.Event) error {
	msg, ok := t.Format(ev)
	if !ok {
		return nil
	}
	select {
	case t.queue <- msg:
	default:
		t.logger.Warn("notification queue full, message dropped", zap.String("event", string(ev.Type)))
	}
	return nil
}

// Format 把事件转成消息文本, 第二个返回值为 false 表示该事件不需要通知
func (t *Telegram) Format(ev events.Event) (string, bool) {
	switch data := ev.Data.(type) {
	case events.StateChangedData:
		icon := "ℹ️"
		switch data.To {
		case models.StateError:
			icon = "🚨"
		case models.StateStopped:
			icon = "⛔️"
		case models.StatePaused:
			icon = "⏸"
		case models.StateRunning:
			icon = "▶️"
		}
		msg := fmt.Sprintf("%s [%s] 状态 %s → %s", icon, t.symbol, data.From, data.To)
		if data.Reason != "" {
			msg += "\n原因: " + data.Reason
		}
		return msg, true

	case events.OrderData:
		switch ev.Type {
		case events.OrderFilled:
			var b strings.Builder
			fmt.Fprintf(&b, "✅ [%s] %s 成交 %s @ %s", t.symbol, data.Side, data.Amount, data.Price)
			if data.LevelIndex >= 0 {
				fmt.Fprintf(&b, " (档位 %d)", data.LevelIndex)
			}
			if data.RealizedPnL != "" && data.RealizedPnL != "0" {
				fmt.Fprintf(&b, "\n已实现盈亏: %s", data.RealizedPnL)
			}
			return b.String(), true
		case events.OrderFailed:
			// 结果未知的订单会在下一轮对账中处理, 不单独通知
			if data.Status == "UNKNOWN" {
				return "", false
			}
			return fmt.Sprintf("❌ [%s] %s 订单失败 %s (%s)\n原因: %s",
				t.symbol, data.Side, data.ClientOrderID, data.Status, data.Reason), true
		}
		return "", false

	case events.RiskData:
		if !t.allowRisk(data.Rule) {
			return "", false
		}
		return fmt.Sprintf("⚠️ [%s] 风控触发: %s\n%s", t.symbol, data.Rule, data.Reason), true
	}
	return "", false
}

func (t *Telegram) allowRisk(rule string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	now := t.now()
	if last, ok := t.lastRisk[rule]; ok && now.Sub(last) < t.riskQuiet {
		return false
	}
	t.lastRisk[rule] = now
	return true
}

// Run 发送队列中的消息直到 ctx 结束, 结束前尽量发送剩余消息
func (t *Telegram) Run(ctx context.Context) {
	for {
		select {
		case msg := <-t.queue:
			t.send(msg)
		case <-ctx.Done():
			for {
				select {
				case msg := <-t.queue:
					t.send(msg)
				default:
					return
				}
			}
		}
	}
}

func (t *Telegram) send(msg string) {
	if t.sender == nil || t.chatID == 0 {
		return
	}
	if _, err := t.sender.Send(tgbot.NewMessage(t.chatID, msg)); err != nil {
		t.logger.Warn("failed to send telegram message", zap.Error(err))
	}
}
