package reporter

import (
	"context"
	"fmt"
	"math"
	"strings"
	"time"

	"spot-grid-bot/internal/exchange"
	"spot-grid-bot/internal/models"
	"spot-grid-bot/internal/statemachine"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"
	"github.com/shopspring/decimal"
)

// Status 一次状态打印所需的全部数据
type Status struct {
	Time        time.Time
	Symbol      string
	RunState    models.RunState
	Price       decimal.Decimal
	Spacing     decimal.Decimal
	Levels      []models.GridLevel
	Position    models.Position
	Risk        models.RiskState
	Equity      decimal.Decimal
	Drawdown    decimal.Decimal
	Transitions []statemachine.Transition
}

// RenderStatus 渲染网格阶梯、持仓风控摘要和最近的状态变化
func RenderStatus(s Status) string {
	var b strings.Builder
	b.WriteString(renderLadder(s))
	b.WriteString("\n")
	b.WriteString(renderSummary(s))
	if len(s.Transitions) > 0 {
		b.WriteString("\n")
		b.WriteString(renderTransitions(s.Transitions, 5))
	}
	return b.String()
}

// renderLadder 从高到低列出档位, 当前价格插入在对应位置
func renderLadder(s Status) string {
	t := table.NewWriter()
	t.SetStyle(table.StyleLight)
	t.SetTitle(fmt.Sprintf("%s 网格 @ %s  [%s]", s.Symbol, s.Price, s.RunState))
	t.AppendHeader(table.Row{"#", "价格", "状态", "订单号", "挂单价", "数量", "成本", "卖出目标"})
	t.SetColumnConfigs([]table.ColumnConfig{
		{Number: 2, Align: text.AlignRight},
		{Number: 5, Align: text.AlignRight},
		{Number: 6, Align: text.AlignRight},
		{Number: 7, Align: text.AlignRight},
		{Number: 8, Align: text.AlignRight},
	})

	marked := false
	for i := len(s.Levels) - 1; i >= 0; i-- {
		lv := s.Levels[i]
		if !marked && s.Price.GreaterThanOrEqual(lv.Price) {
			t.AppendSeparator()
			t.AppendRow(table.Row{"", "▶ " + s.Price.String(), "当前价格"})
			t.AppendSeparator()
			marked = true
		}
		row := table.Row{lv.Index, lv.Price.String(), string(lv.Status), "", "", "", "", ""}
		if lv.Status.IsPending() {
			row[3] = lv.ClientOrderID
			row[4] = lv.OrderPrice.String()
		}
		if lv.Status != models.LevelEmpty {
			row[5] = lv.Amount.String()
		}
		if lv.Status == models.LevelHolding || lv.Status == models.LevelSellPending {
			row[6] = lv.EntryPrice.StringFixed(2)
			if !s.Spacing.IsZero() {
				row[7] = lv.Price.Add(s.Spacing).String()
			}
		}
		t.AppendRow(row)
	}
	if !marked {
		t.AppendSeparator()
		t.AppendRow(table.Row{"", "▼ " + s.Price.String(), "低于网格"})
	}
	return t.Render() + "\n"
}

func renderSummary(s Status) string {
	t := table.NewWriter()
	t.SetStyle(table.StyleLight)
	t.SetTitle("持仓与风控")
	t.SetColumnConfigs([]table.ColumnConfig{{Number: 2, Align: text.AlignRight}})
	t.AppendRows([]table.Row{
		{"时间", s.Time.UTC().Format("2006-01-02 15:04:05")},
		{"持仓数量", s.Position.HeldAmount.String()},
		{"持仓均价", s.Position.AverageCost.StringFixed(4)},
		{"持仓格数", s.Position.GridsHeld},
		{"已实现盈亏", s.Position.RealizedPnL.StringFixed(4)},
		{"未实现盈亏", s.Position.UnrealizedPnL.StringFixed(4)},
		{"权益", s.Equity.StringFixed(2)},
		{"峰值权益", s.Risk.PeakEquity.StringFixed(2)},
		{"回撤", s.Drawdown.Mul(decimal.NewFromInt(100)).StringFixed(2) + "%"},
		{"当日盈亏", s.Risk.DailyPnL.StringFixed(4)},
		{"连续亏损", s.Risk.ConsecutiveLosses},
	})
	return t.Render() + "\n"
}

// renderTransitions 渲染最近 limit 条状态变化
func renderTransitions(history []statemachine.Transition, limit int) string {
	if limit > 0 && len(history) > limit {
		history = history[len(history)-limit:]
	}
	t := table.NewWriter()
	t.SetStyle(table.StyleLight)
	t.SetTitle("状态变化")
	t.AppendHeader(table.Row{"时间", "从", "到", "原因"})
	for _, tr := range history {
		t.AppendRow(table.Row{tr.At.UTC().Format("2006-01-02 15:04:05"), tr.From, tr.To, tr.Reason})
	}
	return t.Render() + "\n"
}

// Metrics 存储计算出的所有模拟盘性能指标
type Metrics struct {
	Symbol           string
	DataPath         string
	InitialBalance   float64
	FinalBalance     float64
	TotalProfit      float64
	ProfitPercentage float64
	TotalTrades      int // 平仓的网格回合数
	WinningTrades    int
	LosingTrades     int
	WinRate          float64
	AvgProfitLoss    float64
	MaxDrawdown      float64
	TotalFees        float64
	OrdersPlaced     int
	Fills            int
	EndingCash       float64 // 期末现金
	EndingAssetValue float64 // 期末持仓市值
	TotalAssetQty    float64 // 持有资产的总数量
	FinalState       models.RunState
	StartTime        time.Time
	EndTime          time.Time
}

// PaperRun 模拟盘结束时收集的数据
type PaperRun struct {
	Symbol         string
	BaseAsset      string
	QuoteAsset     string
	DataPath       string
	InitialBalance decimal.Decimal // 以初始价格计算的初始权益
	FinalPrice     decimal.Decimal
	Exchange       *exchange.PaperExchange
	ClosedPnL      []decimal.Decimal // 每个已平仓回合的已实现盈亏
	FinalState     models.RunState
	StartTime      time.Time
	EndTime        time.Time
}

// CalculateMetrics 根据模拟交易所的状态计算性能指标
func CalculateMetrics(run PaperRun) (*Metrics, error) {
	m := &Metrics{
		Symbol:     run.Symbol,
		DataPath:   run.DataPath,
		FinalState: run.FinalState,
		StartTime:  run.StartTime,
		EndTime:    run.EndTime,
	}
	m.InitialBalance, _ = run.InitialBalance.Float64()
	m.TotalTrades = len(run.ClosedPnL)

	var totalProfit, totalLoss float64
	for _, pnl := range run.ClosedPnL {
		p, _ := pnl.Float64()
		if p > 0 {
			m.WinningTrades++
			totalProfit += p
		} else {
			m.LosingTrades++
			totalLoss += p
		}
	}
	if m.TotalTrades > 0 {
		m.WinRate = float64(m.WinningTrades) / float64(m.TotalTrades) * 100
	}
	if m.LosingTrades > 0 && m.WinningTrades > 0 {
		avgWin := totalProfit / float64(m.WinningTrades)
		avgLoss := math.Abs(totalLoss / float64(m.LosingTrades))
		m.AvgProfitLoss = avgWin / avgLoss
	}

	ex := run.Exchange
	if ex == nil {
		return m, nil
	}
	balances, err := ex.GetBalance(context.Background())
	if err != nil {
		return nil, err
	}
	m.EndingCash, _ = balances[run.QuoteAsset].Float64()
	m.TotalAssetQty, _ = balances[run.BaseAsset].Float64()
	m.EndingAssetValue, _ = balances[run.BaseAsset].Mul(run.FinalPrice).Float64()
	m.FinalBalance = m.EndingCash + m.EndingAssetValue
	m.TotalFees, _ = ex.TotalFees().Float64()
	m.OrdersPlaced = ex.OrdersPlaced()
	m.Fills = len(ex.Fills())

	m.TotalProfit = m.FinalBalance - m.InitialBalance
	if m.InitialBalance != 0 {
		m.ProfitPercentage = (m.TotalProfit / m.InitialBalance) * 100
	}

	curve := ex.EquityCurve()
	equity := make([]float64, 0, len(curve))
	for _, p := range curve {
		f, _ := p.Equity.Float64()
		equity = append(equity, f)
	}
	m.MaxDrawdown = calculateMaxDrawdown(equity) * 100
	return m, nil
}

// RenderReport 渲染模拟盘结果报告
func RenderReport(m *Metrics) string {
	t := table.NewWriter()
	t.SetStyle(table.StyleLight)
	t.SetTitle("模拟盘结果报告")
	t.SetColumnConfigs([]table.ColumnConfig{{Number: 2, Align: text.AlignRight}})
	t.AppendRows([]table.Row{
		{"数据文件", m.DataPath},
		{"交易对", m.Symbol},
		{"周期", fmt.Sprintf("%s 到 %s", m.StartTime.UTC().Format("2006-01-02 15:04"), m.EndTime.UTC().Format("2006-01-02 15:04"))},
		{"结束状态", m.FinalState},
	})
	t.AppendSeparator()
	t.AppendRows([]table.Row{
		{"初始资金", fmt.Sprintf("%.2f", m.InitialBalance)},
		{"最终资金", fmt.Sprintf("%.2f", m.FinalBalance)},
		{"总利润", fmt.Sprintf("%.2f", m.TotalProfit)},
		{"收益率", fmt.Sprintf("%.2f%%", m.ProfitPercentage)},
		{"最大回撤", fmt.Sprintf("%.2f%%", m.MaxDrawdown)},
		{"手续费", fmt.Sprintf("%.4f", m.TotalFees)},
	})
	t.AppendSeparator()
	t.AppendRows([]table.Row{
		{"下单次数", m.OrdersPlaced},
		{"成交次数", m.Fills},
		{"平仓回合", m.TotalTrades},
		{"盈利次数", m.WinningTrades},
		{"亏损次数", m.LosingTrades},
		{"胜率", fmt.Sprintf("%.2f%%", m.WinRate)},
		{"平均盈亏比", fmt.Sprintf("%.2f", m.AvgProfitLoss)},
	})
	t.AppendSeparator()
	t.AppendRows([]table.Row{
		{"期末现金", fmt.Sprintf("%.2f", m.EndingCash)},
		{"期末持仓市值", fmt.Sprintf("%.2f (共 %.4f)", m.EndingAssetValue, m.TotalAssetQty)},
	})
	return t.Render() + "\n"
}

func calculateMaxDrawdown(equityCurve []float64) float64 {
	if len(equityCurve) < 2 {
		return 0.0
	}
	peak := equityCurve[0]
	maxDrawdown := 0.0

	for _, equity := range equityCurve {
		if equity > peak {
			peak = equity
		}
		if peak <= 0 {
			continue
		}
		drawdown := (peak - equity) / peak
		if drawdown > maxDrawdown {
			maxDrawdown = drawdown
		}
	}
	return maxDrawdown
}
