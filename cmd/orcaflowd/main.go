package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"OrcaFlow/internal/agent"
	"OrcaFlow/internal/api"
	"OrcaFlow/internal/config"
	"OrcaFlow/internal/jobrun/httpagent"
	"OrcaFlow/internal/ledger"
	"OrcaFlow/internal/ledger/provider"
	"OrcaFlow/internal/observability/alerting"
	"OrcaFlow/internal/planner"
	"OrcaFlow/internal/planner/openai"
	"OrcaFlow/internal/storage/mysql"
	"OrcaFlow/internal/workflow"
	"OrcaFlow/pkg/logger"
)

// main 是 OrcaFlow 守护进程的入口。
func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil {
		log.Fatalf("orcaflowd 运行失败: %v", err)
	}
}

func run(ctx context.Context) error {
	configPath := os.Getenv("ORCAFLOW_CONFIG")
	if configPath == "" {
		configPath = filepath.Join("configs", "orcaflow.json")
	}

	cfg, err := config.Load(configPath)
	if err != nil {
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

	var db *sql.DB
	var store workflow.Store
	var directory agent.Directory
	switch cfg.Storage.Driver {
	case "", "memory":
		store = workflow.NewMemoryStore()
		directory = agent.NewMemoryDirectory()
	case "mysql":
		db, err = mysql.Open(ctx, mysql.Config{
			DSN:             cfg.Storage.DSN,
			MaxOpenConns:    cfg.Storage.MaxOpenConns,
			MaxIdleConns:    cfg.Storage.MaxIdleConns,
			ConnMaxLifetime: time.Duration(cfg.Storage.ConnMaxLifetimeSeconds) * time.Second,
			ConnMaxIdleTime: time.Duration(cfg.Storage.ConnMaxIdleTimeSeconds) * time.Second,
		})
		if err != nil {
			return err
		}
		defer db.Close()
		if store, err = workflow.NewMySQLStore(db); err != nil {
			return err
		}
		if directory, err = agent.NewMySQLDirectory(db); err != nil {
			return err
		}
	default:
		return fmt.Errorf("未知的存储驱动: %s", cfg.Storage.Driver)
	}

	if cfg.Storage.AgentsFile != "" {
		records, err := agent.LoadCatalog(cfg.Storage.AgentsFile)
		if err != nil {
			return err
		}
		if err := agent.SeedDirectory(ctx, directory, records); err != nil {
			return err
		}
	}

	var queue workflow.Queue
	switch cfg.Queue.Driver {
	case "", "memory":
		queue = workflow.NewMemoryQueue(1024)
	case "redis":
		queue, err = workflow.NewRedisQueue(workflow.RedisQueueConfig{
			Address:   cfg.Queue.Redis.Address,
			Password:  cfg.Queue.Redis.Password,
			DB:        cfg.Queue.Redis.DB,
			Queue:     cfg.Queue.Redis.Queue,
			BlockWait: time.Duration(cfg.Queue.Redis.BlockWait) * time.Second,
		})
		if err != nil {
			return err
		}
	case "rabbitmq":
		queue, err = workflow.NewRabbitMQQueue(workflow.RabbitMQConfig{
			URL:        cfg.Queue.RabbitMQ.URL,
			Queue:      cfg.Queue.RabbitMQ.Queue,
			Prefetch:   cfg.Queue.RabbitMQ.Prefetch,
			Durable:    cfg.Queue.RabbitMQ.Durable,
			AutoDelete: cfg.Queue.RabbitMQ.AutoDelete,
		})
		if err != nil {
			return err
		}
	default:
		return fmt.Errorf("未知的队列驱动: %s", cfg.Queue.Driver)
	}

	verifier, closeVerifier, err := createVerifier(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeVerifier()

	plannerImpl, err := createPlanner(cfg)
	if err != nil {
		return err
	}

	backend := httpagent.NewClient(httpagent.WithTimeout(cfg.Orchestrator.BackendTimeout()))

	service, err := workflow.NewService(workflow.ServiceConfig{
		Store:              store,
		Directory:          directory,
		Planner:            plannerImpl,
		Backend:            backend,
		Verifier:           verifier,
		Producer:           queue,
		Alerts:             alerting.NewFanout(),
		MaxJobAttempts:     cfg.Orchestrator.MaxJobAttempts,
		MaxPaymentAttempts: cfg.Orchestrator.MaxPaymentAttempts,
	})
	if err != nil {
		return err
	}
	defer service.Close()

	sweeper := workflow.NewSweeper(service, queue,
		workflow.WithSweeperWorkers(cfg.Queue.Workers),
	)

	sweeperCtx, sweeperCancel := context.WithCancel(ctx)
	defer sweeperCancel()

	go func() {
		if err := sweeper.Start(sweeperCtx); err != nil && !errors.Is(err, context.Canceled) {
			log.Printf("对账巡检异常退出: %v", err)
		}
	}()

	server := api.NewServer(cfg.Server.Address, service, directory)
	if err := server.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func createPlanner(cfg *config.Config) (planner.Planner, error) {
	switch cfg.Planner.Provider {
	case "", "static":
		return planner.NewStaticPlanner(), nil
	case "openai":
		apiKey := strings.TrimSpace(cfg.Planner.OpenAI.APIKey)
		if apiKey == "" && cfg.Planner.OpenAI.APIKeyEnv != "" {
			apiKey = strings.TrimSpace(os.Getenv(cfg.Planner.OpenAI.APIKeyEnv))
		}
		if apiKey == "" {
			return nil, errors.New("OpenAI provider 需要配置 api_key 或 api_key_env")
		}
		return openai.NewClient(openai.Config{
			APIKey:  apiKey,
			BaseURL: cfg.Planner.OpenAI.BaseURL,
			Model:   cfg.Planner.OpenAI.Model,
			Timeout: cfg.Planner.OpenAI.Timeout(),
		})
	default:
		return nil, fmt.Errorf("未知的规划器 provider: %s", cfg.Planner.Provider)
	}
}

func createVerifier(ctx context.Context, cfg *config.Config) (ledger.Verifier, func(), error) {
	switch cfg.Ledger.Driver {
	case "", "memory":
		return ledger.NewMemoryLedger(), func() {}, nil
	case "ethereum":
		registry, err := provider.NewRegistry(ctx, cfg.Ledger)
		if err != nil {
			return nil, nil, err
		}
		verifier, err := registry.DefaultVerifier()
		if err != nil {
			registry.Close()
			return nil, nil, err
		}
		return verifier, registry.Close, nil
	default:
		return nil, nil, fmt.Errorf("未知的账本驱动: %s", cfg.Ledger.Driver)
	}
}
