package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"TradeWarden/internal/api"
	"TradeWarden/internal/config"
	xerrors "TradeWarden/internal/errors"
	"TradeWarden/internal/observability/alerting"
	"TradeWarden/internal/offer"
	"TradeWarden/internal/pricing"
	"TradeWarden/internal/redistribute"
	"TradeWarden/internal/session"
	"TradeWarden/internal/steam"
	"TradeWarden/pkg/logger"
)

// main 是 TradeWarden 守护进程的入口。
func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil {
		if xerrors.FatalError(err) {
			log.Fatalf("tradewardend 因致命错误退出: %v", err)
		}
		log.Fatalf("tradewardend 运行失败: %v", err)
	}
}

func run(ctx context.Context) error {
	configPath := os.Getenv("TRADEWARDEN_CONFIG")
	if configPath == "" {
		configPath = filepath.Join("configs", "tradewarden.json")
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	if err := logger.Init(logger.Config{
		Level:       cfg.Logging.Level,
		Format:      cfg.Logging.Format,
		OutputPaths: cfg.Logging.OutputPaths,
		Audit: logger.AuditConfig{
			Enabled: cfg.Logging.AuditPath != "",
			Path:    cfg.Logging.AuditPath,
		},
	}); err != nil {
		return err
	}
	defer logger.Sync()

	// 初始化平台适配器。
	adapter, err := createAdapter(cfg)
	if err != nil {
		return err
	}
	defer adapter.Close()

	// 建立初始会话。时钟偏移或登录失败是致命错误。
	sessions := session.NewManager(adapter, adapter, session.Config{
		AccountName:     cfg.Account.Name,
		Password:        cfg.Account.Password,
		SharedSecret:    cfg.Account.SharedSecret,
		RefreshCoalesce: time.Duration(cfg.Custodian.RefreshCoalesceSeconds) * time.Second,
	})
	if _, err := sessions.Initialize(ctx); err != nil {
		return err
	}

	oracle, err := createOracle(cfg)
	if err != nil {
		return err
	}

	batchStore, err := createBatchStore(cfg)
	if err != nil {
		return err
	}
	defer func() {
		if batchStore != nil {
			_ = batchStore.Close()
		}
	}()

	queue, err := createQueue(cfg)
	if err != nil {
		return err
	}
	defer func() {
		if queue != nil {
			if err := queue.Close(); err != nil {
				logger.L().Error("关闭结算队列失败", slog.Any("error", err))
			}
		}
	}()

	workflow := redistribute.NewWorkflow(adapter, oracle, batchStore, sessions,
		redistribute.Config{
			Destination:    cfg.Custodian.DestinationID,
			ThresholdCents: cfg.Custodian.ThresholdCents,
			Message:        cfg.Custodian.BatchMessage,
			SettleDelay:    time.Duration(cfg.Custodian.SettleDelaySeconds) * time.Second,
			FinalizeDelay:  time.Duration(cfg.Custodian.FinalizeDelaySeconds) * time.Second,
		},
		cfg.Account.IdentitySecret,
	)

	notifiers := []alerting.Notifier{&alerting.LogNotifier{}}
	if cfg.Alerting.WebhookURL != "" {
		notifiers = append(notifiers, &alerting.WebhookNotifier{URL: cfg.Alerting.WebhookURL})
	}
	dispatcher := alerting.NewFanout(notifiers...)

	processor := redistribute.NewProcessor(workflow, queue,
		redistribute.WithWorkerCount(cfg.Queue.Workers),
		redistribute.WithAlertDispatcher(dispatcher),
	)

	processorCtx, processorCancel := context.WithCancel(ctx)
	defer processorCancel()

	go func() {
		if err := processor.Start(processorCtx); err != nil && !errors.Is(err, context.Canceled) {
			logger.L().Error("结算处理器异常退出", slog.Any("error", err))
		}
	}()

	evaluator := offer.NewEvaluator(adapter, sessions,
		offer.DefaultPolicy(cfg.Custodian.PrivilegedID), cfg.Account.IdentitySecret)

	adapter.SetHooks(steam.Hooks{
		NewOffer: func(ctx context.Context, o *offer.Offer) {
			if _, err := evaluator.Evaluate(ctx, o); err != nil {
				logger.L().Error("报价评估失败",
					slog.String("offer_id", o.ID),
					slog.Any("error", err))
			}
		},
		ReceivedOfferChanged: func(ctx context.Context, o *offer.Offer, previous offer.State) {
			logger.L().Info("入站报价状态变化",
				slog.String("offer_id", o.ID),
				slog.String("previous", string(previous)),
				slog.String("state", string(o.State())))
			if !redistribute.ShouldSettle(cfg.Custodian.PrivilegedID, o, previous) {
				return
			}
			if err := queue.Publish(ctx, o.ID); err != nil {
				wrapped := xerrors.Wrap(redistribute.CodeSettlementPublish, err,
					"投递结算作业失败", xerrors.WithMetadata("source_offer_id", o.ID))
				logger.L().Error("投递结算作业失败", slog.Any("error", wrapped))
			}
		},
		SessionExpired: func(ctx context.Context) {
			sessions.HandleExpired(ctx)
		},
	})

	go func() {
		if err := adapter.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.L().Error("平台适配器异常退出", slog.Any("error", err))
		}
	}()

	server := api.NewServer(cfg.Server.Address, batchStore, sessions)
	if err := server.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func createAdapter(cfg *config.Config) (steam.Adapter, error) {
	switch cfg.Platform.Driver {
	case "", "sim":
		return steam.NewSim(cfg.Platform.Fixture)
	default:
		return nil, fmt.Errorf("未知的平台驱动: %s", cfg.Platform.Driver)
	}
}

func createOracle(cfg *config.Config) (pricing.Oracle, error) {
	switch cfg.Pricing.Provider {
	case "", "market":
		return pricing.NewMarketClient(pricing.MarketConfig{
			BaseURL:  cfg.Pricing.BaseURL,
			Currency: cfg.Pricing.Currency,
			Timeout:  time.Duration(cfg.Pricing.TimeoutSeconds) * time.Second,
		}), nil
	case "static":
		return pricing.LoadStaticOracle(cfg.Pricing.Table)
	default:
		return nil, fmt.Errorf("未知的价格数据源: %s", cfg.Pricing.Provider)
	}
}

func createBatchStore(cfg *config.Config) (redistribute.Store, error) {
	switch cfg.BatchStore.Driver {
	case "", "memory":
		return redistribute.NewMemoryStore(), nil
	case "mysql":
		return redistribute.NewMySQLStore(cfg.BatchStore.DSN)
	default:
		return nil, fmt.Errorf("未知的批次存储驱动: %s", cfg.BatchStore.Driver)
	}
}

func createQueue(cfg *config.Config) (redistribute.Queue, error) {
	switch cfg.Queue.Driver {
	case "", "memory":
		return redistribute.NewMemoryQueue(1024), nil
	case "redis":
		return redistribute.NewRedisQueue(redistribute.RedisQueueConfig{
			Address:   cfg.Queue.Redis.Address,
			Password:  cfg.Queue.Redis.Password,
			DB:        cfg.Queue.Redis.DB,
			Queue:     cfg.Queue.Redis.Queue,
			BlockWait: time.Duration(cfg.Queue.Redis.BlockWait) * time.Second,
		})
	case "rabbitmq":
		return redistribute.NewRabbitMQQueue(redistribute.RabbitMQConfig{
			URL:        cfg.Queue.RabbitMQ.URL,
			Queue:      cfg.Queue.RabbitMQ.Queue,
			Prefetch:   cfg.Queue.RabbitMQ.Prefetch,
			Durable:    cfg.Queue.RabbitMQ.Durable,
			AutoDelete: cfg.Queue.RabbitMQ.AutoDelete,
		})
	default:
		return nil, fmt.Errorf("未知的队列驱动: %s", cfg.Queue.Driver)
	}
}
