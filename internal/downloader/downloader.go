package downloader

import (
	"context"
	"encoding/csv"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"spot-grid-bot/internal/models"

	"github.com/adshao/go-binance/v2"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// 币安单次请求最多1000条
const maxKlinesPerRequest = 1000

var csvHeader = []string{"open_time", "open", "high", "low", "close", "volume", "close_time", "quote_asset_volume", "number_of_trades", "taker_buy_base_asset_volume", "taker_buy_quote_asset_volume"}

// KlineDownloader 用于从币安下载K线数据
type KlineDownloader struct {
	client *binance.Client
	logger *zap.Logger
	pause  time.Duration // 分页请求之间的间隔
}

// NewKlineDownloader 创建一个新的下载器实例
func NewKlineDownloader(logger *zap.Logger) *KlineDownloader {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &KlineDownloader{
		client: binance.NewClient("", ""), // 公共接口不需要API Key
		logger: logger.Named("downloader"),
		pause:  200 * time.Millisecond,
	}
}

// DownloadKlines 下载指定交易对和时间范围内的K线数据，并保存到CSV文件
// 如果文件已存在，则会跳过下载，直接使用缓存。
func (d *KlineDownloader) DownloadKlines(ctx context.Context, symbol, interval, filePath string, startTime, endTime time.Time) error {
	// 检查文件是否已存在（缓存）
	if _, err := os.Stat(filePath); !os.IsNotExist(err) {
		d.logger.Info("从缓存加载数据", zap.String("file", filePath))
		return nil
	}

	d.logger.Info("开始下载K线数据",
		zap.String("symbol", symbol),
		zap.String("interval", interval),
		zap.String("start", startTime.Format("2006-01-02")),
		zap.String("end", endTime.Format("2006-01-02")))

	dir := filepath.Dir(filePath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return errors.Wrapf(err, "无法创建目录 %s", dir)
	}

	// 先写临时文件, 中途失败不会留下被当作缓存的半截文件
	tmpPath := filePath + ".part"
	file, err := os.Create(tmpPath)
	if err != nil {
		return errors.Wrapf(err, "无法创建文件 %s", tmpPath)
	}
	defer os.Remove(tmpPath)

	writer := csv.NewWriter(file)
	if err := writer.Write(csvHeader); err != nil {
		file.Close()
		return errors.Wrap(err, "写入CSV表头失败")
	}

	total := 0
	for t := startTime; t.Before(endTime); {
		klines, err := d.client.NewKlinesService().
			Symbol(symbol).
			Interval(interval).
			StartTime(t.UnixMilli()).
			EndTime(endTime.UnixMilli()).
			Limit(maxKlinesPerRequest).
			Do(ctx)
		if err != nil {
			file.Close()
			return errors.Wrap(err, "下载K线数据失败")
		}
		if len(klines) == 0 {
			break
		}

		n, err := writeRecords(writer, klines, endTime)
		if err != nil {
			file.Close()
			return err
		}
		total += n

		// 更新下一次请求的开始时间
		t = time.UnixMilli(klines[len(klines)-1].CloseTime + 1)
		d.logger.Debug("已下载数据", zap.Time("until", t), zap.Int("rows", total))

		select {
		case <-ctx.Done():
			file.Close()
			return ctx.Err()
		case <-time.After(d.pause): // 避免过于频繁的请求
		}
	}

	writer.Flush()
	if err := writer.Error(); err != nil {
		file.Close()
		return errors.Wrap(err, "写入CSV记录失败")
	}
	if err := file.Close(); err != nil {
		return errors.Wrap(err, "关闭文件失败")
	}
	if err := os.Rename(tmpPath, filePath); err != nil {
		return errors.Wrap(err, "保存文件失败")
	}
	d.logger.Info("成功下载K线数据", zap.String("file", filePath), zap.Int("rows", total))
	return nil
}

// FetchRecent 获取最近 limit 根已收盘的K线, 用于启动时预热指标
func (d *KlineDownloader) FetchRecent(ctx context.Context, symbol, interval string, limit int) ([]models.Kline, error) {
	if limit <= 0 {
		return nil, nil
	}
	if limit > maxKlinesPerRequest {
		limit = maxKlinesPerRequest
	}
	klines, err := d.client.NewKlinesService().
		Symbol(symbol).
		Interval(interval).
		Limit(limit + 1). // 最后一根可能尚未收盘
		Do(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "获取最近K线失败")
	}

	now := time.Now().UnixMilli()
	out := make([]models.Kline, 0, len(klines))
	for _, k := range klines {
		if k.CloseTime > now {
			continue
		}
		mk, err := parseRecord([]string{strconv.FormatInt(k.OpenTime, 10), k.Open, k.High, k.Low, k.Close, k.Volume})
		if err != nil {
			return nil, err
		}
		out = append(out, mk)
	}
	if len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, nil
}

func writeRecords(w *csv.Writer, klines []*binance.Kline, endTime time.Time) (int, error) {
	n := 0
	end := endTime.UnixMilli()
	for _, k := range klines {
		if k.OpenTime >= end {
			break
		}
		record := []string{
			strconv.FormatInt(k.OpenTime, 10),
			k.Open,
			k.High,
			k.Low,
			k.Close,
			k.Volume,
			strconv.FormatInt(k.CloseTime, 10),
			k.QuoteAssetVolume,
			strconv.FormatInt(k.TradeNum, 10),
			k.TakerBuyBaseAssetVolume,
			k.TakerBuyQuoteAssetVolume,
		}
		if err := w.Write(record); err != nil {
			return n, errors.Wrap(err, "写入CSV记录失败")
		}
		n++
	}
	return n, nil
}

// LoadCSV 读取 DownloadKlines 生成的CSV文件
func LoadCSV(filePath string) ([]models.Kline, error) {
	file, err := os.Open(filePath)
	if err != nil {
		return nil, errors.Wrapf(err, "无法打开数据文件 %s", filePath)
	}
	defer file.Close()
	return ReadKlines(file)
}

// ReadKlines 解析K线CSV, 第一行为表头
func ReadKlines(r io.Reader) ([]models.Kline, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1

	if _, err := reader.Read(); err != nil {
		if err == io.EOF {
			return nil, nil
		}
		return nil, errors.Wrap(err, "读取CSV表头失败")
	}

	var out []models.Kline
	for line := 2; ; line++ {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, errors.Wrapf(err, "读取CSV第 %d 行失败", line)
		}
		k, err := parseRecord(record)
		if err != nil {
			return nil, errors.Wrapf(err, "解析CSV第 %d 行失败", line)
		}
		out = append(out, k)
	}
	return out, nil
}

// parseRecord 解析前六列: open_time, open, high, low, close, volume
func parseRecord(record []string) (models.Kline, error) {
	if len(record) < 6 {
		return models.Kline{}, errors.Errorf("需要至少6列, 实际 %d 列", len(record))
	}
	ms, err := strconv.ParseInt(record[0], 10, 64)
	if err != nil {
		return models.Kline{}, errors.Wrap(err, "open_time")
	}
	var vals [5]decimal.Decimal
	for i := range vals {
		if vals[i], err = decimal.NewFromString(record[i+1]); err != nil {
			return models.Kline{}, errors.Wrapf(err, "%s", csvHeader[i+1])
		}
	}
	return models.Kline{
		OpenTime: time.UnixMilli(ms).UTC(),
		Open:     vals[0],
		High:     vals[1],
		Low:      vals[2],
		Close:    vals[3],
		Volume:   vals[4],
	}, nil
}
