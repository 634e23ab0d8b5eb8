package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"spot-grid-bot/internal/bot"
	"spot-grid-bot/internal/config"
	"spot-grid-bot/internal/downloader"
	"spot-grid-bot/internal/events"
	"spot-grid-bot/internal/exchange"
	"spot-grid-bot/internal/logger"
	"spot-grid-bot/internal/metrics"
	"spot-grid-bot/internal/models"
	"spot-grid-bot/internal/notify"
	"spot-grid-bot/internal/persistence"
	"spot-grid-bot/internal/reporter"
	"spot-grid-bot/internal/storage"

	"github.com/joho/godotenv"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// extractSymbolFromPath 从数据文件路径中提取交易对名称
// 例如: "data/ETHUSDT-2024-03-01-2024-06-01.csv" -> "ETHUSDT"
func extractSymbolFromPath(path string) string {
	name := strings.TrimSuffix(filepath.Base(path), ".csv")
	return strings.Split(name, "-")[0]
}

func main() {
	// --- 命令行参数定义 ---
	configPath := flag.String("config", "config.json", "path to the config file")
	mode := flag.String("mode", "live", "running mode: live, paper or download")
	dataPath := flag.String("data", "", "path to historical kline file for paper mode")
	symbol := flag.String("symbol", "", "symbol to download (e.g., ETHUSDT)")
	startDate := flag.String("start", "", "start date for download (YYYY-MM-DD)")
	endDate := flag.String("end", "", "end date for download (YYYY-MM-DD)")
	interval := flag.String("interval", "1m", "kline interval for download and warmup")
	reset := flag.Bool("reset", false, "discard grid and risk state and start a new session")
	flag.Parse()

	// 加载配置前先用默认配置初始化日志
	logger.InitLogger(models.LogConfig{Level: "info", Output: "console"})

	// --- 加载 .env 文件 ---
	if err := godotenv.Load(); err != nil {
		logger.S().Info("未找到 .env 文件，将从系统环境变量中读取。")
	} else {
		logger.S().Info("成功从 .env 文件加载配置。")
	}

	// --- 加载 JSON 配置 ---
	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		logger.S().Fatalf("无法加载配置文件: %v", err)
	}
	config.LoadSecrets(cfg)

	// --- 使用文件中的配置重新初始化日志 ---
	logger.InitLogger(cfg.LogConfig)
	defer logger.S().Sync()

	switch *mode {
	case "live":
		err = runLiveMode(cfg, *interval, *reset)
	case "paper":
		var path string
		path, err = resolvePaperData(cfg, *symbol, *startDate, *endDate, *interval, *dataPath)
		if err == nil {
			err = runPaperMode(cfg, path)
		}
	case "download":
		_, err = download(*symbol, *startDate, *endDate, *interval)
	default:
		err = errors.Errorf("未知的运行模式: %s。请选择 'live'、'paper' 或 'download'。", *mode)
	}
	if err != nil {
		logger.S().Fatalf("运行失败: %+v", err)
	}
}

// download 下载K线数据到 data/ 目录并返回文件路径
func download(symbol, startDate, endDate, interval string) (string, error) {
	if symbol == "" || startDate == "" || endDate == "" {
		return "", errors.New("下载需要同时指定 --symbol、--start 和 --end")
	}
	startTime, err1 := time.Parse("2006-01-02", startDate)
	endTime, err2 := time.Parse("2006-01-02", endDate)
	if err1 != nil || err2 != nil {
		return "", errors.Errorf("日期格式错误，请使用 YYYY-MM-DD 格式。start: %v, end: %v", err1, err2)
	}

	fileName := filepath.Join("data", fmt.Sprintf("%s-%s-%s.csv", symbol, startDate, endDate))
	d := downloader.NewKlineDownloader(logger.L())
	if err := d.DownloadKlines(context.Background(), symbol, interval, fileName, startTime, endTime); err != nil {
		return "", err
	}
	return fileName, nil
}

// resolvePaperData 确定模拟盘的数据文件, 指定了下载参数时先下载
func resolvePaperData(cfg *models.Config, symbol, startDate, endDate, interval, dataPath string) (string, error) {
	if symbol != "" && startDate != "" && endDate != "" {
		if symbol != cfg.Symbol {
			return "", errors.Errorf("下载的交易对 %s 与配置的 %s 不一致", symbol, cfg.Symbol)
		}
		return download(symbol, startDate, endDate, interval)
	}
	if dataPath == "" {
		return "", errors.New("模拟盘需要通过 --data 或 --symbol/start/end 参数指定数据源")
	}
	if s := extractSymbolFromPath(dataPath); s != "" && s != cfg.Symbol {
		logger.S().Warnf("数据文件 %s 看起来属于 %s, 配置的交易对为 %s", dataPath, s, cfg.Symbol)
	}
	return dataPath, nil
}

// runLiveMode 运行实时交易机器人, 直到收到 SIGINT/SIGTERM 或进入终止状态
func runLiveMode(cfg *models.Config, interval string, reset bool) error {
	log := logger.L()
	log.Info("--- 启动实时交易模式 ---", zap.Bool("testnet", cfg.IsTestnet), zap.Bool("analyze_only", cfg.AnalyzeOnly))
	if cfg.APIKey == "" || cfg.SecretKey == "" {
		return errors.Errorf("%s 和 %s 环境变量必须被设置", config.EnvAPIKey, config.EnvSecretKey)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	bus := events.NewBus(log)
	defer bus.Close()

	// 初始化交易所
	spot := exchange.NewBinanceSpot(cfg, log)
	if err := spot.SyncTime(ctx); err != nil {
		log.Warn("服务器时间同步失败", zap.Error(err))
	}
	if cfg.PriceFromStream {
		wsURL := cfg.LiveWSURL
		if cfg.IsTestnet {
			wsURL = cfg.TestnetWSURL
		}
		feed := exchange.NewPriceFeed(wsURL, cfg.Symbol, log)
		go feed.Run(ctx)
		spot.WithPriceFeed(feed)
	}

	repo, err := persistence.NewBadgerRepository(cfg.DBPath, log)
	if err != nil {
		return errors.Wrap(err, "打开状态数据库失败")
	}
	defer repo.Close()

	if cfg.JournalPath != "" {
		journal, err := storage.OpenJournal(cfg.JournalPath, log)
		if err != nil {
			return err
		}
		defer journal.Close()
		journal.Attach(bus)
	}

	deps := bot.Deps{Exchange: spot, Repo: repo, Bus: bus, Logger: log, Reset: reset}
	if cfg.Metrics.Enabled {
		collector := metrics.NewCollector(cfg.Symbol, log)
		collector.Attach(bus)
		srv := collector.Serve(cfg.Metrics.Addr)
		defer srv.Shutdown(context.Background())
		deps.Observer = collector
	}

	// 通知在机器人退出后才停止, 以便发出最后的状态变化
	notifyCtx, stopNotify := context.WithCancel(context.Background())
	notifyDone := make(chan struct{})
	close(notifyDone)
	if cfg.Telegram.Enabled {
		if tg, err := notify.NewTelegram(cfg.TelegramToken, cfg.Telegram.ChatID, cfg.Symbol, log); err != nil {
			log.Warn("Telegram 通知不可用", zap.Error(err))
		} else {
			tg.Attach(bus)
			notifyDone = make(chan struct{})
			go func() {
				defer close(notifyDone)
				tg.Run(notifyCtx)
			}()
		}
	}
	defer func() {
		stopNotify()
		<-notifyDone
	}()

	gridBot, err := bot.NewGridTradingBot(cfg, deps)
	if err != nil {
		return err
	}

	if cfg.Grid.Smart {
		d := downloader.NewKlineDownloader(log)
		klines, err := d.FetchRecent(ctx, cfg.Symbol, interval, cfg.Smart.LongWindow+1)
		if err != nil {
			log.Warn("指标预热失败, 将使用实时价格逐步积累", zap.Error(err))
		} else {
			gridBot.Warmup(klines)
		}
	}

	go handleControlSignals(ctx, gridBot)

	if err := gridBot.Run(ctx); err != nil {
		return err
	}
	log.Info("机器人已成功停止，状态已保存。", zap.String("state", string(gridBot.State())))
	return nil
}

// handleControlSignals SIGUSR1 暂停, SIGUSR2 恢复
func handleControlSignals(ctx context.Context, b *bot.GridTradingBot) {
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, syscall.SIGUSR1, syscall.SIGUSR2)
	defer signal.Stop(ch)
	for {
		select {
		case <-ctx.Done():
			return
		case s := <-ch:
			var err error
			if s == syscall.SIGUSR1 {
				err = b.Pause("operator pause")
			} else {
				err = b.Resume("operator resume")
			}
			if err != nil {
				logger.L().Warn("操作员指令被拒绝", zap.String("signal", s.String()), zap.Error(err))
			}
		}
	}
}

// runPaperMode 在模拟交易所上逐根回放K线并打印结果报告
func runPaperMode(cfg *models.Config, dataPath string) error {
	log := logger.L()
	log.Info("--- 启动模拟盘模式 ---", zap.String("data", dataPath))

	klines, err := downloader.LoadCSV(dataPath)
	if err != nil {
		return err
	}
	if len(klines) == 0 {
		return errors.New("历史数据文件为空或只有表头")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	bus := events.NewBus(log)
	defer bus.Close()

	// 模拟盘不写入实盘的状态目录
	repo, err := persistence.NewInMemoryRepository(log)
	if err != nil {
		return err
	}
	defer repo.Close()

	paper := exchange.NewPaperExchange(cfg, log)
	first := klines[0]
	paper.SetPrice(first.Open, first.OpenTime)
	initial := cfg.Paper.QuoteBalance.Add(cfg.Paper.BaseBalance.Mul(first.Open))

	// 模拟盘的资金以模拟余额为准
	cfg.Risk.InitialCapital = initial
	gridBot, err := bot.NewGridTradingBot(cfg, bot.Deps{
		Exchange: paper,
		Repo:     repo,
		Bus:      bus,
		Logger:   log,
		Clock:    paper.Now,
	})
	if err != nil {
		return err
	}
	if cfg.Grid.Smart {
		warm := cfg.Smart.LongWindow + 1
		if warm > len(klines) {
			warm = len(klines)
		}
		gridBot.Warmup(klines[:warm])
		klines = klines[warm:]
	}

	log.Info("开始模拟...", zap.Int("klines", len(klines)))
	runErr := gridBot.RunPaper(ctx, klines, paper)
	log.Info("模拟结束。", zap.String("state", string(gridBot.State())))

	end, finalPrice := first.OpenTime, first.Close
	if len(klines) > 0 {
		last := klines[len(klines)-1]
		end, finalPrice = last.OpenTime, last.Close
	}
	m, err := reporter.CalculateMetrics(reporter.PaperRun{
		Symbol:         cfg.Symbol,
		BaseAsset:      cfg.BaseAsset,
		QuoteAsset:     cfg.QuoteAsset,
		DataPath:       dataPath,
		InitialBalance: initial,
		FinalPrice:     finalPrice,
		Exchange:       paper,
		ClosedPnL:      gridBot.ClosedPnL(),
		FinalState:     gridBot.State(),
		StartTime:      first.OpenTime,
		EndTime:        end,
	})
	if err != nil {
		return err
	}
	fmt.Print(reporter.RenderReport(m))
	return runErr
}
