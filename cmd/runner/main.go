package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/newplayman/glft-maker/internal/alert"
	"github.com/newplayman/glft-maker/internal/app"
	"github.com/newplayman/glft-maker/internal/config"
	"github.com/newplayman/glft-maker/internal/metrics"
	"github.com/newplayman/glft-maker/internal/repository"
	"github.com/newplayman/glft-maker/internal/secret"
	"github.com/newplayman/glft-maker/internal/store"
)

var (
	configFile = flag.String("config", "config.yaml", "配置文件路径")
	logLevel   = flag.String("log", "", "日志级别 (debug, info, warn, error)，为空时取配置文件")
	lockPath   = flag.String("lock", "/tmp/glft_runner.lock", "单实例锁文件")
)

func main() {
	flag.Parse()

	// 单实例锁，防止同一账户被两个进程同时报价
	lock, err := os.OpenFile(*lockPath, os.O_CREATE|os.O_RDWR, 0666)
	if err != nil {
		log.Fatal().Err(err).Msg("创建锁文件失败")
	}
	if err := syscall.Flock(int(lock.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		log.Fatal().Msg("已有一个 GLFT 进程在运行")
	}
	defer func() {
		_ = syscall.Flock(int(lock.Fd()), syscall.LOCK_UN)
		_ = lock.Close()
		_ = os.Remove(*lockPath)
	}()

	settings, err := config.LoadSettings(*configFile)
	if err != nil {
		setupLogger("info")
		log.Fatal().Err(err).Msg("加载配置失败")
	}
	level := settings.LogLevel
	if *logLevel != "" {
		level = *logLevel
	}
	setupLogger(level)

	log.Info().
		Str("env", settings.AppEnv).
		Str("grvt_env", settings.App.GrvtEnv).
		Str("symbol", settings.App.GrvtSymbol).
		Msg("GLFT 做市系统启动中...")

	var cipher *secret.Cipher
	if settings.EncryptionKey != "" {
		if cipher, err = secret.NewCipher(settings.EncryptionKey); err != nil {
			log.Fatal().Err(err).Msg("加密密钥无效")
		}
	} else {
		log.Warn().Msg("未配置 app_encryption_key，数据库凭证与 SMTP 密码不可用")
	}

	repo, err := repository.Open(settings.DatabaseURL, cipher)
	if err != nil {
		log.Fatal().Err(err).Msg("连接数据库失败")
	}
	defer repo.Close()

	st := store.NewStore(settings.SnapshotPath, time.Duration(settings.SnapshotInterval)*time.Second)
	defer st.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	coord := app.New(app.Options{
		Settings: settings,
		Repo:     repo,
		Store:    st,
		Alerts:   alert.NewService(repo, nil, settings.App.AlertRouting()),
	})
	if err := coord.Initialize(ctx); err != nil {
		log.Fatal().Err(err).Msg("服务初始化失败")
	}
	defer coord.Close()

	if _, err := metrics.StartMetricsServer(settings.MetricsPort); err != nil {
		log.Error().Err(err).Msg("启动监控服务器失败")
	}

	// 配置文件变化：日志级别立即生效，其余从数据库重新读取
	config.OnChange(func(s *config.Settings) {
		if *logLevel == "" {
			setupLogger(s.LogLevel)
		}
		if err := coord.Reload(ctx); err != nil {
			log.Error().Err(err).Msg("配置重新加载失败")
		}
	})
	config.Watch()

	if settings.AutoStart {
		if err := coord.StartEngine(); err != nil {
			log.Fatal().Err(err).Msg("启动报价失败")
		}
		log.Info().Msg("GLFT 系统启动完成，开始做市...")
	} else {
		log.Info().Msg("GLFT 系统启动完成，等待启动指令（SIGUSR1 启动 / SIGUSR2 停止）")
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP, syscall.SIGUSR1, syscall.SIGUSR2)

	for sig := range sigCh {
		switch sig {
		case syscall.SIGHUP:
			log.Info().Msg("收到 SIGHUP，重新加载配置")
			if err := coord.Reload(ctx); err != nil {
				log.Error().Err(err).Msg("配置重新加载失败")
			}
		case syscall.SIGUSR1:
			if err := coord.StartEngine(); err != nil {
				log.Error().Err(err).Msg("启动报价失败")
			}
		case syscall.SIGUSR2:
			coord.StopEngine()
		default:
			log.Info().Str("signal", sig.String()).Msg("收到退出信号，正在关闭...")
			coord.StopEngine()
			cancel()
			log.Info().Msg("GLFT 系统已关闭")
			return
		}
	}
}

// setupLogger 设置日志
func setupLogger(level string) {
	log.Logger = log.Output(zerolog.ConsoleWriter{
		Out:        os.Stdout,
		TimeFormat: time.RFC3339,
	})

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
