package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/newplayman/glft-maker/internal/app"
	"github.com/newplayman/glft-maker/internal/calibration"
	"github.com/newplayman/glft-maker/internal/config"
	"github.com/newplayman/glft-maker/internal/engine"
	gateway "github.com/newplayman/glft-maker/internal/exchange"
	"github.com/newplayman/glft-maker/internal/repository"
	"github.com/newplayman/glft-maker/internal/secret"
	"github.com/newplayman/glft-maker/internal/store"
)

const usage = `用法: glftctl [-config config.yaml] <命令> [参数]

命令:
  genkey                      生成 app_encryption_key
  set-keys -key K -pk P -sub S 加密保存 GRVT 凭证
  calibrate                   立即校准 sigma/A/k 并写入数据库
  pnl [-o file]               导出成交盈亏 CSV
  purge [-days N]             清理过期指标、风控事件与告警
  status                      查看仓位、最近告警与风控事件
  cancel <order_id>...        紧急撤单
`

func setupLogger(level string) {
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	switch level {
	case "debug":
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	case "warn":
		zerolog.SetGlobalLevel(zerolog.WarnLevel)
	case "error":
		zerolog.SetGlobalLevel(zerolog.ErrorLevel)
	default:
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}
}

func main() {
	cfgPath := flag.String("config", "config.yaml", "配置文件路径")
	logLevel := flag.String("log", "info", "日志级别 (debug, info, warn, error)")
	flag.Usage = func() { fmt.Fprint(os.Stderr, usage) }
	flag.Parse()
	setupLogger(*logLevel)

	if flag.NArg() == 0 {
		flag.Usage()
		os.Exit(2)
	}
	cmd, args := flag.Arg(0), flag.Args()[1:]

	if cmd == "genkey" {
		key, err := secret.GenerateKey()
		if err != nil {
			log.Fatal().Err(err).Msg("生成密钥失败")
		}
		fmt.Println(key)
		return
	}

	settings, err := config.LoadSettings(*cfgPath)
	if err != nil {
		log.Fatal().Err(err).Msg("加载配置失败")
	}
	repo := openRepo(settings)
	defer repo.Close()
	repo.SetDefaults(settings.App, settings.Strategy, settings.Risk)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
	defer cancel()

	switch cmd {
	case "set-keys":
		err = setKeys(ctx, repo, args)
	case "calibrate":
		err = calibrate(ctx, repo, settings)
	case "pnl":
		err = pnlReport(ctx, repo, args)
	case "purge":
		err = purge(ctx, repo, args)
	case "status":
		err = status(ctx, repo, os.Stdout)
	case "cancel":
		err = cancelOrders(ctx, repo, settings, args)
	default:
		flag.Usage()
		os.Exit(2)
	}
	if err != nil {
		log.Fatal().Err(err).Str("cmd", cmd).Msg("执行失败")
	}
}

func openRepo(settings *config.Settings) *repository.Repository {
	var cipher *secret.Cipher
	if settings.EncryptionKey != "" {
		c, err := secret.NewCipher(settings.EncryptionKey)
		if err != nil {
			log.Fatal().Err(err).Msg("加密密钥无效")
		}
		cipher = c
	}
	repo, err := repository.Open(settings.DatabaseURL, cipher)
	if err != nil {
		log.Fatal().Err(err).Msg("连接数据库失败")
	}
	return repo
}

func setKeys(ctx context.Context, repo *repository.Repository, args []string) error {
	fs := flag.NewFlagSet("set-keys", flag.ExitOnError)
	key := fs.String("key", "", "API key")
	pk := fs.String("pk", "", "签名私钥")
	sub := fs.String("sub", "", "子账户 ID")
	_ = fs.Parse(args)
	if *key == "" || *pk == "" || *sub == "" {
		return fmt.Errorf("-key/-pk/-sub 均不能为空")
	}
	if err := repo.SaveAPIKeys(ctx, config.Credentials{APIKey: *key, PrivateKey: *pk, SubAccountID: *sub}); err != nil {
		return err
	}
	log.Info().Str("sub_account_id", *sub).Msg("凭证已加密保存，运行中的进程收到 SIGHUP 后生效")
	return nil
}

// connect 按数据库配置建立会话并解析交易对
func connect(ctx context.Context, repo *repository.Repository, settings *config.Settings) (*gateway.Gateway, string, config.AppConfig, error) {
	cfg, err := repo.GetOrCreateAppConfig(ctx)
	if err != nil {
		return nil, "", cfg, err
	}
	creds, ok, err := repo.LatestAPIKeys(ctx)
	if err != nil {
		return nil, "", cfg, err
	}
	if !ok {
		creds = settings.GRVT
	}
	client, err := app.GRVTClientFactory(cfg.GrvtEnv, creds)
	if err != nil {
		return nil, "", cfg, err
	}
	gw := gateway.New(client)
	if _, err := gw.LoadInstruments(ctx); err != nil {
		_ = gw.Close()
		return nil, "", cfg, err
	}
	symbol, err := gw.ResolveSymbol(cfg.GrvtSymbol, "BTC")
	if err != nil {
		_ = gw.Close()
		return nil, "", cfg, err
	}
	return gw, symbol, cfg, nil
}

func calibrate(ctx context.Context, repo *repository.Repository, settings *config.Settings) error {
	gw, symbol, cfg, err := connect(ctx, repo, settings)
	if err != nil {
		return err
	}
	defer gw.Close()

	cal := &calibration.Calibrator{
		Source:      gw.Client(),
		Symbol:      symbol,
		WindowDays:  cfg.CalibrationWindowDays,
		Timeframe:   cfg.CalibrationTimeframe,
		TradeSample: cfg.CalibrationTradeSample,
	}
	res, err := cal.Calibrate(ctx)
	if err != nil {
		return err
	}
	p, err := commitCalibration(ctx, repo, symbol, res)
	if err != nil {
		return err
	}
	fmt.Printf("symbol=%s sigma=%.8f A=%.6f k=%.6f gamma=%.4f\n", symbol, p.Sigma, p.A, p.K, p.Gamma)
	log.Info().Str("symbol", symbol).Msg("校准参数已写入数据库，运行中的进程收到 SIGHUP 后生效")
	return nil
}

// commitCalibration 与定时校准走同一提交路径：记录 sigma/A/k 指标并合并进参数行
func commitCalibration(ctx context.Context, repo engine.ParamStore, symbol string, res calibration.Result) (config.StrategyParams, error) {
	book := &store.ParamBook{}
	out := calibration.Outcome{Symbol: symbol, Result: res, At: time.Now().UTC()}
	if err := engine.NewParamCommitter(repo, book).Apply(ctx, out); err != nil {
		return config.StrategyParams{}, err
	}
	snap, _ := book.Load()
	return snap.Params, nil
}

func pnlReport(ctx context.Context, repo *repository.Repository, args []string) error {
	fs := flag.NewFlagSet("pnl", flag.ExitOnError)
	out := fs.String("o", "", "输出文件，为空时写到标准输出")
	_ = fs.Parse(args)

	w := os.Stdout
	if *out != "" {
		f, err := os.Create(*out)
		if err != nil {
			return err
		}
		defer f.Close()
		w = f
	}
	return repo.WritePnLReport(ctx, w)
}

func purge(ctx context.Context, repo *repository.Repository, args []string) error {
	cfg, err := repo.GetOrCreateAppConfig(ctx)
	if err != nil {
		return err
	}
	fs := flag.NewFlagSet("purge", flag.ExitOnError)
	days := fs.Int("days", cfg.LogRetentionDays, "保留天数")
	_ = fs.Parse(args)
	if *days <= 0 {
		return fmt.Errorf("保留天数必须 > 0")
	}

	cutoff := time.Now().Add(-time.Duration(*days) * 24 * time.Hour)
	n, err := repo.PurgeBefore(ctx, cutoff)
	if err != nil {
		return err
	}
	log.Info().Int64("deleted", n).Time("cutoff", cutoff).Msg("过期记录已清理")
	return nil
}

func status(ctx context.Context, repo *repository.Repository, w io.Writer) error {
	cfg, err := repo.GetOrCreateAppConfig(ctx)
	if err != nil {
		return err
	}
	fmt.Fprintf(w, "env=%s symbol=%s quote_interval_ms=%d order_duration_secs=%d\n",
		cfg.GrvtEnv, cfg.GrvtSymbol, cfg.QuoteIntervalMs, cfg.OrderDurationSecs)

	// 引擎可能回退到其他合约，取最近写入的仓位
	if pos, ok, err := repo.LatestPosition(ctx); err != nil {
		return err
	} else if ok {
		fmt.Fprintf(w, "仓位: %s size=%.6f entry=%.2f mark=%.2f upnl=%.4f (%s)\n",
			pos.Symbol, pos.Size, pos.EntryPrice, pos.MarkPrice, pos.UnrealizedPnL, pos.UpdatedAt.Format(time.RFC3339))
	} else {
		fmt.Fprintln(w, "仓位: 无记录")
	}

	if m, ok, err := repo.LatestMetric(ctx, "spread"); err == nil && ok {
		fmt.Fprintf(w, "最近价差: %.4f (%s)\n", m.Value, m.CreatedAt.Format(time.RFC3339))
	}

	alerts, err := repo.RecentAlerts(ctx, 10)
	if err != nil {
		return err
	}
	fmt.Fprintf(w, "最近告警 (%d):\n", len(alerts))
	for _, a := range alerts {
		fmt.Fprintf(w, "  %s [%s] %s\n", a.CreatedAt.Format(time.RFC3339), a.Level, a.Message)
	}

	events, err := repo.RecentRiskEvents(ctx, 10)
	if err != nil {
		return err
	}
	fmt.Fprintf(w, "最近风控事件 (%d):\n", len(events))
	for _, e := range events {
		fmt.Fprintf(w, "  %s [%s] %s %s\n", e.CreatedAt.Format(time.RFC3339), e.Level, e.EventType, e.Message)
	}
	return nil
}

// cancelOrders 紧急撤单；失败的订单继续处理下一个
func cancelOrders(ctx context.Context, repo *repository.Repository, settings *config.Settings, ids []string) error {
	if len(ids) == 0 {
		return fmt.Errorf("至少需要一个订单 ID")
	}
	gw, symbol, _, err := connect(ctx, repo, settings)
	if err != nil {
		return err
	}
	defer gw.Close()

	failed := 0
	for _, id := range ids {
		if err := gw.CancelOrder(ctx, id); err != nil {
			failed++
			log.Error().Err(err).Str("order_id", id).Msg("撤单失败")
			continue
		}
		if err := repo.UpdateOrderStatus(ctx, id, "canceled"); err != nil {
			log.Warn().Err(err).Str("order_id", id).Msg("订单状态更新失败")
		}
		log.Info().Str("order_id", id).Str("symbol", symbol).Msg("已撤单")
	}
	if failed > 0 {
		return fmt.Errorf("%d/%d 个订单撤销失败", failed, len(ids))
	}
	return nil
}
