package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"orderqueue/internal/api"
	"orderqueue/internal/bot"
	"orderqueue/internal/config"
	"orderqueue/internal/exchange"
	"orderqueue/internal/repository"
	"orderqueue/internal/service"
	"orderqueue/internal/websocket"
	"orderqueue/pkg/crypto"
	"orderqueue/pkg/utils"
)

func main() {
	// Загрузка конфигурации
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	log := utils.InitGlobalLogger(utils.LogConfig{
		Level:       cfg.Logging.Level,
		Format:      cfg.Logging.Format,
		Output:      cfg.Logging.Output,
		Development: cfg.Logging.Development,
	})
	defer log.Sync()

	if err := run(cfg, log); err != nil {
		log.Error("server stopped with error", utils.Err(err))
		log.Sync()
		os.Exit(1)
	}
}

func run(cfg *config.Config, log *utils.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Инициализация базы данных
	startCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	db, err := repository.Open(startCtx, cfg.Database)
	if err == nil {
		err = repository.Migrate(startCtx, db)
	}
	cancel()
	if err != nil {
		return fmt.Errorf("database: %w", err)
	}
	defer db.Close()
	log.Info("connected to database", utils.String("dsn", cfg.Database.DSNWithoutPassword()))

	vault, err := crypto.NewVault([]byte(cfg.Security.EncryptionKey))
	if err != nil {
		return fmt.Errorf("vault: %w", err)
	}

	exch, err := exchange.NewExchange(cfg.Exchange, log)
	if err != nil {
		return err
	}
	defer exchange.CloseGlobalClient()

	// Репозитории
	orderRepo := repository.NewOrderRepository(db)
	credRepo := repository.NewCredentialRepository(db)
	botRepo := repository.NewBotRepository(db)
	notifRepo := repository.NewNotificationRepository(db)

	// WebSocket hub
	hub := websocket.NewHub(cfg.Security.AllowedOrigins, log)
	go hub.Run()
	defer hub.Stop()

	// Сервисы
	queue := service.NewOrderQueue(orderRepo, service.QueueConfigFrom(cfg), log)
	queue.SetWebSocketHub(hub)
	creds := service.NewCredentialService(credRepo, vault, log)
	notifications := service.NewNotificationService(notifRepo, log)
	notifications.SetWebSocketHub(hub)

	// Исполнитель
	breakers := bot.NewBreakerRegistry(bot.BreakerConfigFrom(cfg.Breaker), log)

	recovery := bot.NewRecoveryCoordinator(bot.RecoveryConfig{
		StuckOrderTimeout: cfg.Executor.StuckOrderTimeout,
	}, queue, botRepo, log)
	recovery.SetNotifier(notifications)
	recovery.SetEventBroadcaster(hub)

	executor := bot.NewExecutor(bot.ExecutorConfigFrom(cfg), queue, creds, exch, breakers, recovery, log)
	executor.SetNotifier(notifications)
	executor.SetEventBroadcaster(hub)

	engine := bot.NewEngine(bot.EngineConfigFrom(cfg), executor, breakers, log)
	engine.SetNotifier(notifications)
	engine.SetEventBroadcaster(hub)
	engine.SetNotificationCleaner(notifications)

	router := api.SetupRoutes(&api.Dependencies{
		OrderQueue:          queue,
		CredentialService:   creds,
		NotificationService: notifications,
		Engine:              engine,
		Hub:                 hub,
		DB:                  db,
		AdminTokenHash:      cfg.Security.AdminTokenHash,
		AllowedOrigins:      cfg.Security.AllowedOrigins,
		Log:                 log,
	})

	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		log.Info("starting server",
			utils.String("addr", server.Addr),
			utils.Bool("https", cfg.Server.UseHTTPS),
			utils.Exchange(exch.Name()),
		)
		var err error
		if cfg.Server.UseHTTPS {
			err = server.ListenAndServeTLS(cfg.Server.CertFile, cfg.Server.KeyFile)
		} else {
			err = server.ListenAndServe()
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
		close(serverErr)
	}()

	engineDone := make(chan struct{})
	go func() {
		defer close(engineDone)
		if err := engine.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			log.Error("engine stopped", utils.Err(err))
		}
	}()

	var runErr error
	select {
	case <-ctx.Done():
		log.Info("shutdown signal received")
	case err, ok := <-serverErr:
		if ok {
			runErr = fmt.Errorf("http server: %w", err)
		}
		stop()
	}

	// Graceful shutdown: сначала останавливаем тики, затем HTTP
	<-engineDone

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("server forced to shutdown", utils.Err(err))
	}

	log.Info("server exited")
	return runErr
}
