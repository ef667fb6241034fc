package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/xela07ax/stream-agency/internal/chain"
	"github.com/xela07ax/stream-agency/internal/console/handler"
	"github.com/xela07ax/stream-agency/internal/console/server"
	"github.com/xela07ax/stream-agency/internal/console/service"
	"github.com/xela07ax/stream-agency/internal/engine"
	"github.com/xela07ax/stream-agency/internal/infra"
	"github.com/xela07ax/stream-agency/internal/infra/auth"
	"github.com/xela07ax/stream-agency/internal/journal"
	"github.com/xela07ax/stream-agency/internal/repository/postgres"
	"github.com/xela07ax/stream-agency/internal/stream"
)

func main() {
	// 1. Конфигурация и логгер
	cfg, err := infra.LoadConfig()
	if err != nil {
		log.Fatalf("config load failed: %v", err)
	}

	logger, err := infra.NewLogger(cfg.Logger)
	if err != nil {
		log.Fatalf("logger init failed: %v", err)
	}
	defer logger.Sync()

	// Контекст для управления жизненным циклом фоновых горутин
	appCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 2. Инфраструктура и ресурсы
	db, err := postgres.Open(appCtx, cfg.Database)
	if err != nil {
		logger.Fatal("postgres connect failed", zap.Error(err))
	}
	defer db.Close()

	if err := postgres.InitSchema(appCtx, db); err != nil {
		logger.Fatal("schema init failed", zap.Error(err))
	}

	agentRepo := postgres.NewAgentRepo(db)
	windowRepo := postgres.NewWindowRepo(db)
	billingRepo := postgres.NewBillingRepo(db)
	attemptRepo := postgres.NewAttemptRepo(db)

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer rdb.Close()

	// Журнал проб: данные летят в базу пачками, мимо hot path
	jrnl := journal.New(attemptRepo, logger)
	jrnl.Start()
	defer jrnl.Stop()

	// 3. Метрики
	reg := prometheus.NewRegistry()
	metrics := engine.NewMetrics(reg)

	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
		logger.Info("metrics listener started", zap.String("addr", cfg.Metrics.Addr))
		if err := http.ListenAndServe(cfg.Metrics.Addr, mux); err != nil {
			logger.Error("metrics listener failed", zap.Error(err))
		}
	}()

	// Заполненность буфера журнала — дешевый индикатор отставания writer-а
	go func() {
		t := time.NewTicker(5 * time.Second)
		defer t.Stop()
		for {
			select {
			case <-appCtx.Done():
				return
			case <-t.C:
				metrics.JournalBufferFill.Set(float64(jrnl.Fill()))
			}
		}
	}()

	// 4. Внешние сотрудники: эндпоинт стрима и цепочка,
	// обернутые в retry/circuit-breaker
	streamClient := engine.NewReliableStream(
		stream.NewHTTPClient(cfg.Stream.URL, cfg.Stream.Timeout), metrics)

	chainClient := engine.NewReliableChain(
		chain.NewHTTPClient(cfg.Billing.ChainRPC, cfg.Billing.ChainID,
			cfg.Billing.OperatorPEM, cfg.Billing.QueryTimeout), metrics)

	// 5. Control Plane: сигналы отстранения из Redis
	guard := engine.NewStatusGuard(rdb, logger)
	if err := guard.Init(appCtx); err != nil {
		// Redis — ускоритель сигнала, не источник истины: стартуем без него
		logger.Warn("status guard init failed, starting without redis signals", zap.Error(err))
	}
	go guard.StartListener(appCtx)

	// 6. Ядро: планировщик + монитор эпох + мост биллинга
	schedule := engine.SchedulePolicy{
		Lead:   time.Duration(cfg.Scheduler.LeadSeconds) * time.Second,
		Jitter: time.Duration(cfg.Scheduler.JitterSeconds) * time.Second,
		Period: cfg.Scheduler.Period,
	}

	core := engine.New(engine.Deps{
		Agents:  agentRepo,
		Windows: windowRepo,
		Billing: billingRepo,
		Stream:  streamClient,
		Chain:   chainClient,
		Journal: jrnl,
		Guard:   guard,
		Metrics: metrics,
		Logger:  logger,
	}, engine.Params{
		Schedule:        schedule,
		Backoff:         engine.BackoffPolicy{Steps: cfg.Scheduler.BackoffSteps, Cap: cfg.Scheduler.BackoffCap},
		Workers:         cfg.Scheduler.WorkerCount,
		ProbeRate:       rate.Limit(cfg.Scheduler.ProbeRate),
		ProbeBurst:      cfg.Scheduler.ProbeBurst,
		ProbeTimeout:    cfg.Stream.Timeout,
		RewardPerWindow: cfg.Scheduler.RewardPerWindow,
		Billing: engine.BillingParams{
			Enabled:       cfg.Billing.Enabled,
			Contract:      cfg.Billing.EscrowContract,
			GasLimit:      cfg.Billing.GasLimit,
			GasPrice:      cfg.Billing.GasPrice,
			RetryCeiling:  cfg.Billing.RetryCeiling,
			SubmitTimeout: cfg.Billing.SubmitTimeout,
			QueryTimeout:  cfg.Billing.QueryTimeout,
		},
	})

	runner := engine.NewRunner(core)
	go runner.Run(appCtx, cfg.Scheduler.PollInterval)

	// 7. Intake-поверхность
	validator := auth.NewBaseValidator([]byte(cfg.Auth.JWTSecret))
	var tokenValidator auth.TokenValidator
	if cfg.Auth.JWTSecret != "" {
		tokenValidator = validator
	}

	verifier := service.NewProbeVerifier(streamClient, cfg.Stream.IntakeProbe)
	registry := service.NewRegistryService(agentRepo, verifier, schedule, rdb, logger)
	reports := service.NewReportService(agentRepo, windowRepo, attemptRepo, billingRepo,
		cfg.Scheduler.FailureFlag, logger)

	consoleSrv := server.NewConsoleServer(
		cfg, logger, tokenValidator,
		handler.NewAuthHandler(validator, cfg.Auth.OperatorPasswordHash, cfg.Auth.TokenTTL),
		handler.NewAgentHandler(registry, logger),
		handler.NewReportHandler(reports, logger),
		handler.NewTickHandler(runner, logger),
	)

	srv := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      consoleSrv,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	go func() {
		logger.Info("intake API started", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("intake listen failed", zap.Error(err))
		}
	}()

	// 8. Graceful Shutdown
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGINT, syscall.SIGTERM)
	<-stop
	logger.Info("agency stopping")

	cancel() // Останавливаем цикл планировщика и слушателей

	// Даем 5 секунд на завершение запросов
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("intake shutdown failed", zap.Error(err))
	}
	logger.Info("agency exited properly")
}
