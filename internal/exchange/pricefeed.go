package exchange

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

const (
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10 // 必须小于 pongWait
	reconnectDelay = 5 * time.Second
)

// PriceFeed 订阅 aggTrade 流并保存最新成交价
type PriceFeed struct {
	url    string
	logger *zap.Logger
	dialer *websocket.Dialer

	mu        sync.RWMutex
	price     decimal.Decimal
	updatedAt time.Time
}

// NewPriceFeed 创建价格流。wsBaseURL 形如 wss://stream.binance.com:9443
func NewPriceFeed(wsBaseURL, symbol string, logger *zap.Logger) *PriceFeed {
	return &PriceFeed{
		url:    fmt.Sprintf("%s/ws/%s@aggTrade", strings.TrimRight(wsBaseURL, "/"), strings.ToLower(symbol)),
		logger: logger.Named("pricefeed"),
		dialer: websocket.DefaultDialer,
	}
}

// Latest 返回最新价格及其时间, 未收到任何价格时 ok 为 false
func (f *PriceFeed) Latest() (decimal.Decimal, time.Time, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.price, f.updatedAt, !f.updatedAt.IsZero()
}

// Run 维持连接并在断开后重连, 直到 ctx 结束
func (f *PriceFeed) Run(ctx context.Context) {
	for {
		conn, _, err := f.dialer.DialContext(ctx, f.url, nil)
		if err != nil {
			f.logger.Warn("WebSocket连接失败, 稍后重试", zap.Error(err), zap.Duration("delay", reconnectDelay))
		} else {
			f.logger.Info("WebSocket连接成功", zap.String("url", f.url))
			if err := f.consume(ctx, conn); err != nil {
				f.logger.Warn("WebSocket连接已断开, 准备重连", zap.Error(err))
			}
			conn.Close()
		}

		select {
		case <-ctx.Done():
			f.logger.Info("WebSocket循环已停止")
			return
		case <-time.After(reconnectDelay):
		}
	}
}

// consume 读取一个已建立连接上的消息, 并负责心跳
func (f *PriceFeed) consume(ctx context.Context, conn *websocket.Conn) error {
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	done := make(chan struct{})
	defer close(done)
	go func() {
		ticker := time.NewTicker(pingPeriod)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(10*time.Second)); err != nil {
					f.logger.Warn("发送Ping失败", zap.Error(err))
					return
				}
			case <-ctx.Done():
				// 优雅关闭, ReadMessage 随后返回错误
				conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
				conn.Close()
				return
			case <-done:
				return
			}
		}
	}()

	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return errors.Wrap(err, "读取消息失败")
		}
		price, err := parseAggTrade(message)
		if err != nil {
			f.logger.Debug("解析价格信息失败", zap.Error(err))
			continue
		}
		f.set(price, time.Now())
	}
}

func (f *PriceFeed) set(price decimal.Decimal, at time.Time) {
	f.mu.Lock()
	f.price = price
	f.updatedAt = at
	f.mu.Unlock()
}

func parseAggTrade(message []byte) (decimal.Decimal, error) {
	var trade struct {
		Price string `json:"p"` // "p"代表价格
	}
	if err := json.Unmarshal(message, &trade); err != nil {
		return decimal.Zero, errors.Wrap(err, "decode aggTrade")
	}
	if trade.Price == "" {
		return decimal.Zero, errors.New("aggTrade without price")
	}
	return decimal.NewFromString(trade.Price)
}
