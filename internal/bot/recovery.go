package bot

import (
	"context"
	"errors"
	"fmt"
	"time"

	"orderqueue/internal/models"
	"orderqueue/internal/repository"
	"orderqueue/pkg/utils"
)

// RecoveryCoordinator чинит состояние, которое ордер может оставить за собой.
//
// Функциональность:
// - Сброс ордеров, зависших в PROCESSING (процесс упал между захватом и записью результата)
// - Возврат бота из exiting в active, если ордер выхода брошен защитой от бесконечного цикла
// - Повтор незавершённого восстановления (падение между записью FAILED и переходом бота)
type RecoveryCoordinator struct {
	queue    Queue
	bots     BotStatusStore
	notifier Notifier
	events   EventBroadcaster
	log      *utils.Logger

	stuckTimeout time.Duration
	sweepLimit   int
}

// RecoveryConfig - конфигурация для RecoveryCoordinator
type RecoveryConfig struct {
	// StuckOrderTimeout - сколько ордер может находиться в PROCESSING
	StuckOrderTimeout time.Duration

	// SweepLimit - сколько брошенных выходов обрабатывается за тик
	SweepLimit int
}

// DefaultRecoveryConfig возвращает конфигурацию по умолчанию
func DefaultRecoveryConfig() RecoveryConfig {
	return RecoveryConfig{
		StuckOrderTimeout: 120 * time.Second,
		SweepLimit:        100,
	}
}

// NewRecoveryCoordinator создает координатор восстановления
func NewRecoveryCoordinator(cfg RecoveryConfig, queue Queue, bots BotStatusStore, log *utils.Logger) *RecoveryCoordinator {
	def := DefaultRecoveryConfig()
	if cfg.StuckOrderTimeout <= 0 {
		cfg.StuckOrderTimeout = def.StuckOrderTimeout
	}
	if cfg.SweepLimit <= 0 {
		cfg.SweepLimit = def.SweepLimit
	}

	return &RecoveryCoordinator{
		queue:        queue,
		bots:         bots,
		log:          utils.OrGlobal(log).WithComponent("recovery"),
		stuckTimeout: cfg.StuckOrderTimeout,
		sweepLimit:   cfg.SweepLimit,
	}
}

// SetNotifier устанавливает журнал уведомлений
func (rc *RecoveryCoordinator) SetNotifier(n Notifier) {
	rc.notifier = n
}

// SetEventBroadcaster устанавливает получателя realtime событий
func (rc *RecoveryCoordinator) SetEventBroadcaster(b EventBroadcaster) {
	rc.events = b
}

// SweepResult содержит результаты прохода восстановления
type SweepResult struct {
	StuckReset     int
	ExitsRecovered int
}

// Sweep выполняется в начале каждого тика:
// 1. Сброс зависших PROCESSING ордеров
// 2. Восстановление ботов по брошенным выходам, которые ещё не обработаны
func (rc *RecoveryCoordinator) Sweep(ctx context.Context) (SweepResult, error) {
	var res SweepResult
	var errs []error

	n, err := rc.queue.ResetStuckOrders(ctx, rc.stuckTimeout)
	if err != nil {
		errs = append(errs, fmt.Errorf("reset stuck orders: %w", err))
	} else {
		res.StuckReset = n
		StuckResets.Add(float64(n))
	}

	exits, err := rc.queue.GetUnrecoveredAbandonedExits(ctx, rc.sweepLimit)
	if err != nil {
		errs = append(errs, fmt.Errorf("load abandoned exits: %w", err))
		return res, errors.Join(errs...)
	}

	for _, order := range exits {
		recovered, err := rc.HandleAbandonedExit(ctx, order)
		if err != nil {
			errs = append(errs, fmt.Errorf("order %d: %w", order.ID, err))
			continue
		}
		if recovered {
			res.ExitsRecovered++
		}
	}

	return res, errors.Join(errs...)
}

// HandleAbandonedExit возвращает бота в active, если его ордер выхода брошен.
//
// Идемпотентна: переход бота условный (exiting -> active), а отметка recovered_at
// ставится один раз; повторный вызов ничего не меняет и не создаёт уведомлений.
// Возвращает true, если бот был переведён этим вызовом.
func (rc *RecoveryCoordinator) HandleAbandonedExit(ctx context.Context, order *models.Order) (bool, error) {
	if order.Side != models.SideSell || !order.Abandoned || order.RecoveredAt != nil {
		return false, nil
	}

	log := rc.log.With(utils.OrderID(order.ID), utils.BotID(order.BotID))

	status, err := rc.bots.GetStatus(ctx, order.BotID)
	if err != nil && !errors.Is(err, repository.ErrBotNotFound) {
		return false, fmt.Errorf("get bot status: %w", err)
	}

	transitioned := false
	if err == nil && HasPendingExit(status) && CanTransition(status, models.BotStatusActive) {
		reason := fmt.Sprintf("exit order %s abandoned after %d errors: %s", order.ClientOrderID, order.ErrorCount(), order.LastError)
		transitioned, err = rc.bots.TransitionStatus(ctx, order.BotID, models.BotStatusExiting, models.BotStatusActive, reason)
		if err != nil {
			return false, fmt.Errorf("transition bot status: %w", err)
		}

		if transitioned {
			BotRecoveries.Inc()
			log.Warn("bot returned to active after abandoned exit", utils.String("reason", reason))
			if rc.notifier != nil {
				if err := rc.notifier.NotifyBotRecovered(ctx, order); err != nil {
					log.Warn("failed to record notification", utils.Err(err))
				}
			}
			if rc.events != nil {
				rc.events.BroadcastBotRecovered(order.BotID, order.ID, reason)
			}
		}
	} else {
		log.Info("abandoned exit needs no bot recovery", utils.Status(status))
	}

	// отметка ставится после перехода: при падении между ними Sweep повторит вызов
	if _, err := rc.queue.MarkRecovered(ctx, order.ID); err != nil {
		return transitioned, fmt.Errorf("mark recovered: %w", err)
	}

	return transitioned, nil
}
