package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"Teknia-Ledger/internal/anchor"
	"Teknia-Ledger/internal/api"
	"Teknia-Ledger/internal/auth"
	"Teknia-Ledger/internal/config"
	"Teknia-Ledger/internal/distribution"
	"Teknia-Ledger/internal/ledger"
	"Teknia-Ledger/internal/observability/alerting"
	"Teknia-Ledger/internal/policy"
	"Teknia-Ledger/internal/storage/mysql"
	"Teknia-Ledger/pkg/logger"
)

// main 是账本守护进程的入口。
func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		log.Fatalf("tekledgerd 运行失败: %v", err)
	}
}

func run(ctx context.Context) error {
	configPath := flag.String("config", "", "配置文件路径")
	flag.Parse()

	path := *configPath
	if path == "" {
		path = os.Getenv("TEKLEDGER_CONFIG")
	}
	if path == "" {
		path = filepath.Join("configs", "tekledger.json")
	}

	cfg, err := config.Load(path)
	if err != nil {
		return err
	}

	if err := logger.Init(logger.Config{
		Level:       cfg.Logging.Level,
		Format:      cfg.Logging.Format,
		OutputPaths: cfg.Logging.Outputs,
		Audit: logger.AuditConfig{
			Enabled:    cfg.Logging.Audit.Enabled,
			Path:       cfg.Logging.Audit.Path,
			MaxSizeMB:  cfg.Logging.Audit.MaxSizeMB,
			MaxBackups: cfg.Logging.Audit.MaxBackups,
			MaxAgeDays: cfg.Logging.Audit.MaxAgeDays,
		},
	}); err != nil {
		return err
	}
	defer func() {
		_ = logger.Sync()
	}()

	if err := os.MkdirAll(cfg.Runtime.DataDir, 0o755); err != nil {
		return err
	}

	pol, err := policy.LoadFile(cfg.Ledger.PolicyPath)
	if err != nil {
		return err
	}

	var (
		ledgerStore ledger.Store
		sqlStore    *mysql.SQLLedgerStore
	)
	switch cfg.Storage.Driver {
	case "memory":
		ledgerStore = ledger.NewMemoryStore()
	case "journal":
		store, err := ledger.OpenJournalStore(cfg.Storage.JournalPath)
		if err != nil {
			return err
		}
		ledgerStore = store
	case "mysql":
		store, err := mysql.NewSQLLedgerStore(ctx, mysql.Config{
			DSN:             cfg.Storage.MySQL.DSN,
			MaxOpenConns:    cfg.Storage.MySQL.MaxOpenConns,
			MaxIdleConns:    cfg.Storage.MySQL.MaxIdleConns,
			ConnMaxLifetime: time.Duration(cfg.Storage.MySQL.ConnMaxLifetimeSec) * time.Second,
			ConnMaxIdleTime: time.Duration(cfg.Storage.MySQL.ConnMaxIdleTimeSec) * time.Second,
		})
		if err != nil {
			return err
		}
		ledgerStore = store
		sqlStore = store
	default:
		return fmt.Errorf("未知的存储驱动: %s", cfg.Storage.Driver)
	}
	defer func() {
		if err := ledgerStore.Close(); err != nil {
			logger.L().Error("关闭账本存储失败", slog.Any("error", err))
		}
	}()

	led, err := ledger.New(ctx, pol, ledgerStore, ledger.Config{
		TreasuryAccount: cfg.Ledger.TreasuryAccount,
		FeeSinkAccount:  cfg.Ledger.FeeSinkAccount,
		SupplyDeg:       cfg.Ledger.SupplyDeg,
	})
	if err != nil {
		return err
	}

	alerter := buildAlertDispatcher(cfg)
	if alerter != nil {
		led.SetAlertDispatcher(alerter)
	}

	distCfg := &distribution.Config{}
	if cfg.Distribution.ConfigPath != "" {
		distCfg, err = distribution.LoadConfigFile(cfg.Distribution.ConfigPath)
		if err != nil {
			return err
		}
	} else if err := distCfg.Validate(); err != nil {
		return err
	}

	distService, err := distribution.NewService(distCfg, led)
	if err != nil {
		return err
	}

	var queue distribution.Queue
	switch cfg.Queue.Driver {
	case "memory":
		queue = distribution.NewMemoryQueue(cfg.Queue.BufferSize)
	case "redis":
		q, err := distribution.NewRedisQueue(distribution.RedisQueueConfig{
			Address:   cfg.Queue.Redis.Address,
			Password:  cfg.Queue.Redis.Password,
			DB:        cfg.Queue.Redis.DB,
			Queue:     cfg.Queue.Redis.Queue,
			BlockWait: time.Duration(cfg.Queue.Redis.BlockWaitSec) * time.Second,
		})
		if err != nil {
			return err
		}
		queue = q
	case "rabbitmq":
		q, err := distribution.NewRabbitMQQueue(distribution.RabbitMQConfig{
			URL:        cfg.Queue.RabbitMQ.URL,
			Queue:      cfg.Queue.RabbitMQ.Queue,
			Prefetch:   cfg.Queue.RabbitMQ.Prefetch,
			Durable:    cfg.Queue.RabbitMQ.Durable,
			AutoDelete: cfg.Queue.RabbitMQ.AutoDelete,
		})
		if err != nil {
			return err
		}
		queue = q
	default:
		return fmt.Errorf("未知的队列驱动: %s", cfg.Queue.Driver)
	}
	defer func() {
		if err := queue.Close(); err != nil {
			logger.L().Error("关闭分配队列失败", slog.Any("error", err))
		}
	}()

	var runStore distribution.RunStore
	if sqlStore != nil {
		store, err := mysql.NewSQLRunStore(sqlStore.DB())
		if err != nil {
			return err
		}
		runStore = store
	} else {
		runStore = distribution.NewMemoryRunStore()
	}

	enqueuer, err := distribution.NewEnqueuer(runStore, queue)
	if err != nil {
		return err
	}

	processorOpts := []distribution.ProcessorOption{
		distribution.WithWorkerCount(cfg.Distribution.Workers),
		distribution.WithProcessorLogger(logger.Named("distribution")),
		distribution.WithReportDir(cfg.Distribution.ReportDir),
	}
	if alerter != nil {
		processorOpts = append(processorOpts, distribution.WithAlertDispatcher(alerter))
	}
	processor := distribution.NewProcessor(distService, runStore, queue, processorOpts...)

	processorCtx, processorCancel := context.WithCancel(ctx)
	defer processorCancel()
	go func() {
		if err := processor.Start(processorCtx); err != nil && !errors.Is(err, context.Canceled) {
			logger.L().Error("分配处理器异常退出", slog.Any("error", err))
		}
	}()

	if cfg.Anchor.Enabled {
		evm, err := anchor.NewEVMAnchor(ctx, anchor.Config{
			RPCURL:     cfg.Anchor.RPCURL,
			PrivateKey: cfg.Anchor.PrivateKey,
			ChainID:    cfg.Anchor.ChainID,
		})
		if err != nil {
			return err
		}
		defer evm.Close()

		runner := anchor.NewRunner(evm, led, time.Duration(cfg.Anchor.IntervalSec)*time.Second)
		go func() {
			if err := runner.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
				logger.L().Error("锚定循环异常退出", slog.Any("error", err))
			}
		}()
	}

	var authStore auth.Store = auth.NewMemoryStore()
	if sqlStore != nil {
		store, err := mysql.NewSQLAuthStore(sqlStore.DB())
		if err != nil {
			return err
		}
		authStore = store
	}
	authSvc, err := buildAuthService(ctx, cfg, authStore)
	if err != nil {
		return err
	}

	server := api.NewServer(cfg.Server.Address, led, distService, enqueuer, runStore, authSvc)
	logger.L().Info("tekledgerd 已启动",
		slog.String("address", cfg.Server.Address),
		slog.String("storage", cfg.Storage.Driver),
		slog.String("queue", cfg.Queue.Driver),
	)
	return server.Start(ctx)
}

// buildAlertDispatcher 按配置组装告警通道，未启用任何通道时返回 nil。
func buildAlertDispatcher(cfg *config.Config) alerting.Dispatcher {
	if !cfg.Alerting.Enabled {
		return nil
	}
	var notifiers []alerting.Notifier
	if cfg.Alerting.Email.Enabled {
		notifiers = append(notifiers, &alerting.EmailNotifier{
			Sender: &alerting.SMTPSender{
				Addr:     cfg.Alerting.Email.SMTPAddr,
				From:     cfg.Alerting.Email.From,
				Password: cfg.Alerting.Email.Password,
			},
			To:            cfg.Alerting.Email.To,
			SubjectPrefix: cfg.Alerting.Email.SubjectPrefix,
		})
	}
	if cfg.Alerting.DingTalk.Enabled {
		notifiers = append(notifiers, &alerting.DingTalkNotifier{
			Sender: &alerting.DingTalkWebhookSender{WebhookURL: cfg.Alerting.DingTalk.WebhookURL},
		})
	}
	if cfg.Alerting.Slack.Enabled {
		notifiers = append(notifiers, &alerting.SlackNotifier{
			Sender:    &alerting.SlackWebhookSender{WebhookURL: cfg.Alerting.Slack.WebhookURL},
			ChannelID: cfg.Alerting.Slack.Channel,
		})
	}
	if len(notifiers) == 0 {
		return nil
	}
	return alerting.NewFanout(notifiers...)
}

// seedAccount 是种子账户文件中的一条记录。
type seedAccount struct {
	Username    string   `json:"username"`
	Password    string   `json:"password"`
	Roles       []string `json:"roles"`
	Permissions []string `json:"permissions"`
	Disabled    bool     `json:"disabled"`
}

func buildAuthService(ctx context.Context, cfg *config.Config, store auth.Store) (*auth.Service, error) {
	if cfg.Auth.Mode != "jwt" {
		return nil, nil
	}

	var seeds []auth.Seed
	if cfg.Auth.SeedAccounts != "" {
		content, err := os.ReadFile(cfg.Auth.SeedAccounts)
		if err != nil {
			return nil, fmt.Errorf("读取种子账户文件失败: %w", err)
		}
		var accounts []seedAccount
		if err := json.Unmarshal(content, &accounts); err != nil {
			return nil, fmt.Errorf("解析种子账户文件失败: %w", err)
		}
		for _, account := range accounts {
			seeds = append(seeds, auth.Seed{
				Username:    account.Username,
				Password:    account.Password,
				Roles:       account.Roles,
				Permissions: account.Permissions,
				Disabled:    account.Disabled,
			})
		}
	}

	ttl := int64(cfg.Auth.TokenTTLMin) * 60
	return auth.NewService(ctx, auth.Config{
		Mode: auth.ModeJWT,
		JWT: auth.JWTOptions{
			Secret:    cfg.Auth.JWTSecret,
			AccessTTL: ttl,
		},
		Seeds: seeds,
	}, store)
}
