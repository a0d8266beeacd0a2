package bot

import (
	"context"
	"errors"
	"sync"
	"time"

	"orderqueue/internal/config"
	"orderqueue/pkg/utils"
)

// NotificationCleaner удаляет старые уведомления (service.NotificationService)
type NotificationCleaner interface {
	CleanupOld(ctx context.Context, maxAge time.Duration) (int64, error)
}

// EngineConfig - расписание движка
type EngineConfig struct {
	TickInterval          time.Duration
	CleanupInterval       time.Duration
	NotificationRetention time.Duration
}

// DefaultEngineConfig возвращает расписание по умолчанию
func DefaultEngineConfig() EngineConfig {
	return EngineConfig{
		TickInterval:          time.Minute,
		CleanupInterval:       time.Hour,
		NotificationRetention: 30 * 24 * time.Hour,
	}
}

// EngineConfigFrom собирает расписание из конфигурации приложения
func EngineConfigFrom(cfg *config.Config) EngineConfig {
	c := DefaultEngineConfig()
	c.TickInterval = cfg.Executor.TickInterval
	return c
}

// Engine - планировщик исполнителя.
//
// Поток:
// ticker -> Executor.Run (single-flight) -> Sweep + обработка готовых ордеров
//
// Периодические задачи (не влияют на исполнение): очистка журнала уведомлений.
// Смены состояния выключателей уходят в метрики, журнал и realtime поток.
type Engine struct {
	cfg      EngineConfig
	executor *Executor
	breakers *BreakerRegistry

	notifier Notifier
	events   EventBroadcaster
	cleaner  NotificationCleaner
	log      *utils.Logger

	wg       sync.WaitGroup
	shutdown chan struct{}
}

// NewEngine создает движок и подписывается на смены состояния выключателей
func NewEngine(cfg EngineConfig, executor *Executor, breakers *BreakerRegistry, log *utils.Logger) *Engine {
	def := DefaultEngineConfig()
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = def.TickInterval
	}
	if cfg.CleanupInterval <= 0 {
		cfg.CleanupInterval = def.CleanupInterval
	}
	if cfg.NotificationRetention <= 0 {
		cfg.NotificationRetention = def.NotificationRetention
	}

	e := &Engine{
		cfg:      cfg,
		executor: executor,
		breakers: breakers,
		log:      utils.OrGlobal(log).WithComponent("engine"),
		shutdown: make(chan struct{}),
	}
	breakers.OnStateChange(e.onBreakerStateChange)
	return e
}

// SetNotifier устанавливает журнал уведомлений
func (e *Engine) SetNotifier(n Notifier) {
	e.notifier = n
}

// SetEventBroadcaster устанавливает получателя realtime событий
func (e *Engine) SetEventBroadcaster(b EventBroadcaster) {
	e.events = b
}

// SetNotificationCleaner включает периодическую очистку уведомлений
func (e *Engine) SetNotificationCleaner(c NotificationCleaner) {
	e.cleaner = c
}

// Run запускает тики до отмены ctx.
// Первый тик выполняется сразу: ордера, оставшиеся после рестарта, не ждут интервала.
func (e *Engine) Run(ctx context.Context) error {
	e.log.Info("engine started",
		utils.Duration("tick_interval", e.cfg.TickInterval),
	)

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.periodicTasks(ctx)
	}()

	ticker := time.NewTicker(e.cfg.TickInterval)
	defer ticker.Stop()

	e.tick(ctx)
	for {
		select {
		case <-ctx.Done():
			close(e.shutdown)
			e.wg.Wait()
			e.log.Info("engine stopped")
			return ctx.Err()
		case <-ticker.C:
			e.tick(ctx)
		}
	}
}

// RunOnce выполняет внеочередной тик (административный запуск)
func (e *Engine) RunOnce(ctx context.Context) (TickResult, error) {
	return e.executor.Run(ctx)
}

// Status возвращает состояние исполнителя
func (e *Engine) Status() ExecutorStatus {
	return e.executor.Status()
}

// Breakers возвращает реестр выключателей для API
func (e *Engine) Breakers() *BreakerRegistry {
	return e.breakers
}

func (e *Engine) tick(ctx context.Context) {
	if _, err := e.executor.Run(ctx); err != nil {
		switch {
		case errors.Is(err, ErrTickInProgress):
			e.log.Warn("previous tick still running, skipping")
		case ctx.Err() != nil:
		default:
			e.log.Error("executor tick failed", utils.Err(err))
		}
	}
}

// periodicTasks - периодические задачи (НЕ влияют на исполнение)
func (e *Engine) periodicTasks(ctx context.Context) {
	cleanupTicker := time.NewTicker(e.cfg.CleanupInterval)
	defer cleanupTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-e.shutdown:
			return
		case <-cleanupTicker.C:
			e.cleanupNotifications(ctx)
		}
	}
}

func (e *Engine) cleanupNotifications(ctx context.Context) {
	if e.cleaner == nil {
		return
	}
	n, err := e.cleaner.CleanupOld(ctx, e.cfg.NotificationRetention)
	if err != nil {
		e.log.Warn("notification cleanup failed", utils.Err(err))
		return
	}
	if n > 0 {
		e.log.Info("old notifications removed", utils.Int64("count", n))
	}
}

// onBreakerStateChange вызывается реестром вне блокировки
func (e *Engine) onBreakerStateChange(key string, from, to BreakerState, snap BreakerSnapshot) {
	RecordBreakerState(key, to)

	if e.events != nil {
		e.events.BroadcastBreakerState(snap)
	}

	if to == BreakerOpen && e.notifier != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := e.notifier.NotifyBreakerOpen(ctx, key, snap.FailureCount, e.breakers.ResetTimeout()); err != nil {
			e.log.Warn("failed to record notification", utils.Credential(key), utils.Err(err))
		}
	}
}
