package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"orderqueue/internal/config"
	"orderqueue/internal/models"
	"orderqueue/internal/repository"
	"orderqueue/pkg/retry"
	"orderqueue/pkg/utils"
)

// Ошибки очереди ордеров
var (
	ErrInvalidOrder      = errors.New("invalid order")
	ErrBotHasActiveOrder = errors.New("bot already has an active order")
)

// ReasonStuckTimeout - причина, записываемая при сбросе зависшего ордера
const ReasonStuckTimeout = "stuck order timeout"

// clientOrderNamespace - пространство имён UUIDv5 для выводимых ClientOrderID
var clientOrderNamespace = uuid.MustParse("3d5c1f7e-9a42-4b8e-8f61-0c2a7d94e1b3")

// DeriveClientOrderID строит детерминированный ключ идемпотентности из решения стратегии.
// Повтор того же решения (бот, сторона, цикл) даёт тот же ключ.
func DeriveClientOrderID(botID, side string, cycle int64) string {
	return uuid.NewSHA1(clientOrderNamespace, []byte(fmt.Sprintf("%s:%s:%d", botID, side, cycle))).String()
}

// QueueConfig - параметры очереди
type QueueConfig struct {
	MaxAttempts int
	Backoff     retry.Config // расписание повторов ордера
	StoreRetry  retry.Config // повтор записи в хранилище
}

// QueueConfigFrom собирает параметры очереди из конфигурации приложения
func QueueConfigFrom(cfg *config.Config) QueueConfig {
	backoff := retry.OrderBackoff()
	backoff.InitialDelay = cfg.Retry.InitialDelay
	backoff.Multiplier = cfg.Retry.Multiplier
	backoff.MaxDelay = cfg.Retry.MaxDelay
	backoff.MaxRetries = cfg.Retry.MaxAttempts

	return QueueConfig{
		MaxAttempts: cfg.Retry.MaxAttempts,
		Backoff:     backoff,
		StoreRetry:  retry.DefaultConfig(),
	}
}

// Failure описывает неудачную попытку исполнения
type Failure struct {
	Reason            string
	Kind              string
	Credential        string
	Terminal          bool // FAILED без учёта оставшихся попыток
	Abandoned         bool // сработала защита от бесконечного цикла
	ExcludeCredential bool // ключ больше не использовать для этого ордера
}

// OrderQueue - единственная точка изменения ордеров.
//
// Создание идемпотентно по ClientOrderID, переходы статуса выполняются
// условными записями в хранилище и проверяются по графу models.CanTransition.
type OrderQueue struct {
	orders OrderStore
	cfg    QueueConfig
	log    *utils.Logger
	now    func() time.Time

	// WebSocket hub для broadcast изменений
	wsHub OrderBroadcaster
}

// NewOrderQueue создает очередь ордеров
func NewOrderQueue(orders OrderStore, cfg QueueConfig, log *utils.Logger) *OrderQueue {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 5
	}
	if cfg.Backoff.InitialDelay <= 0 {
		cfg.Backoff = retry.OrderBackoff()
	}
	if cfg.StoreRetry.MaxRetries == 0 {
		cfg.StoreRetry = retry.DefaultConfig()
	}

	return &OrderQueue{
		orders: orders,
		cfg:    cfg,
		log:    utils.OrGlobal(log).WithComponent("order_queue"),
		now:    time.Now,
	}
}

// SetWebSocketHub устанавливает hub для broadcast изменений ордеров
func (q *OrderQueue) SetWebSocketHub(hub OrderBroadcaster) {
	q.wsHub = hub
}

// SetClock подменяет источник времени
func (q *OrderQueue) SetClock(now func() time.Time) {
	q.now = now
}

// MaxAttempts возвращает лимит попыток по умолчанию
func (q *OrderQueue) MaxAttempts() int {
	return q.cfg.MaxAttempts
}

// BackoffDelay возвращает задержку повтора после неудачной попытки номер attempts (с единицы)
func (q *OrderQueue) BackoffDelay(attempts int) time.Duration {
	return q.cfg.Backoff.Delay(attempts - 1)
}

func (q *OrderQueue) broadcast(order *models.Order) {
	if q.wsHub != nil && order != nil {
		q.wsHub.BroadcastOrderUpdate(order)
	}
}

// validateSpec проверяет запрос продюсера
func validateSpec(spec *models.OrderSpec) error {
	var verrs utils.ValidationErrors

	verrs.AddError("user_id", utils.ValidateRequired(spec.UserID))
	verrs.AddError("bot_id", utils.ValidateRequired(spec.BotID))
	verrs.AddError("pair", utils.ValidateSymbol(spec.Pair))
	verrs.AddError("side", utils.ValidateSide(spec.Side))
	verrs.AddError("type", utils.ValidateOrderType(spec.Type))
	verrs.AddError("volume", utils.ValidateVolume(spec.Volume))
	verrs.AddError("price", utils.ValidatePrice(spec.Type, spec.Price))
	if spec.MaxAttempts < 0 {
		verrs.Add("max_attempts", "must not be negative")
	}

	if verrs.HasErrors() {
		return fmt.Errorf("%w: %s", ErrInvalidOrder, verrs.Error())
	}
	return nil
}

// CreateOrder ставит ордер в очередь.
//
// Возвращает (ордер, true) для новой записи и (существующий ордер, false),
// если ClientOrderID уже известен. Второй активный ордер бота - ErrBotHasActiveOrder.
func (q *OrderQueue) CreateOrder(ctx context.Context, spec models.OrderSpec) (*models.Order, bool, error) {
	spec.Pair = utils.NormalizeSymbol(spec.Pair)
	if err := validateSpec(&spec); err != nil {
		return nil, false, err
	}

	clientOrderID := spec.ClientOrderID
	if clientOrderID == "" {
		clientOrderID = DeriveClientOrderID(spec.BotID, spec.Side, spec.Cycle)
	}

	existing, err := q.orders.GetByClientOrderID(ctx, clientOrderID)
	if err == nil {
		return existing, false, nil
	}
	if !errors.Is(err, repository.ErrOrderNotFound) {
		return nil, false, err
	}

	executionID := spec.ExecutionID
	if executionID == "" {
		executionID = uuid.NewString()
	}
	maxAttempts := spec.MaxAttempts
	if maxAttempts == 0 {
		maxAttempts = q.cfg.MaxAttempts
	}

	order := &models.Order{
		ClientOrderID: clientOrderID,
		ExecutionID:   executionID,
		UserID:        spec.UserID,
		BotID:         spec.BotID,
		Cycle:         spec.Cycle,
		Pair:          spec.Pair,
		Side:          spec.Side,
		Type:          spec.Type,
		Volume:        spec.Volume,
		Price:         spec.Price,
		Status:        models.OrderStatusPending,
		Attempts:      0,
		MaxAttempts:   maxAttempts,
		NextRetryAt:   q.now(),
	}

	created, err := q.orders.Create(ctx, order)
	if err != nil {
		if errors.Is(err, repository.ErrActiveOrderExists) {
			if active, aerr := q.orders.GetActiveByBot(ctx, spec.BotID); aerr == nil {
				return nil, false, fmt.Errorf("%w: bot %s has order %s (%s)", ErrBotHasActiveOrder, spec.BotID, active.ClientOrderID, active.Status)
			}
			return nil, false, fmt.Errorf("%w: bot %s", ErrBotHasActiveOrder, spec.BotID)
		}
		return nil, false, err
	}
	if !created {
		// параллельный продюсер вставил тот же ключ между чтением и вставкой
		existing, err := q.orders.GetByClientOrderID(ctx, clientOrderID)
		if err != nil {
			return nil, false, err
		}
		return existing, false, nil
	}

	q.log.Info("order enqueued",
		utils.OrderID(order.ID),
		utils.ClientOrderID(order.ClientOrderID),
		utils.BotID(order.BotID),
		utils.Pair(order.Pair),
		utils.Side(order.Side),
	)
	q.broadcast(order)

	return order, true, nil
}

// GetOrder возвращает ордер по ID
func (q *OrderQueue) GetOrder(ctx context.Context, id int64) (*models.Order, error) {
	return q.orders.GetByID(ctx, id)
}

// GetOrdersByUser возвращает ордера пользователя
func (q *OrderQueue) GetOrdersByUser(ctx context.Context, userID string) ([]*models.Order, error) {
	return q.orders.GetByUser(ctx, userID)
}

// GetOrdersEligibleForExecution возвращает PENDING/RETRY ордера, готовые к попытке
func (q *OrderQueue) GetOrdersEligibleForExecution(ctx context.Context, now time.Time, limit int) ([]*models.Order, error) {
	return q.orders.GetEligible(ctx, now, limit)
}

// Claim захватывает ордер для попытки: PENDING/RETRY -> PROCESSING, attempts+1.
// Если ордер уже захвачен другим исполнителем - repository.ErrOrderConflict.
func (q *OrderQueue) Claim(ctx context.Context, order *models.Order, credentialID string) (*models.Order, error) {
	if !models.CanTransition(order.Status, models.OrderStatusProcessing) {
		return nil, fmt.Errorf("%w: %s -> %s", repository.ErrOrderConflict, order.Status, models.OrderStatusProcessing)
	}

	claimed, err := q.orders.Claim(ctx, order.ID, order.Status, credentialID, q.now())
	if err != nil {
		return nil, err
	}

	q.broadcast(claimed)
	return claimed, nil
}

// storeWrite повторяет запись при временных ошибках хранилища.
// Конфликт статуса и отсутствие ордера не повторяются.
func storeWrite[T any](ctx context.Context, cfg retry.Config, op func() (T, error)) (T, error) {
	return retry.DoWithResult(ctx, func() (T, error) {
		v, err := op()
		if err != nil && (errors.Is(err, repository.ErrOrderConflict) || errors.Is(err, repository.ErrOrderNotFound)) {
			return v, retry.Permanent(err)
		}
		return v, err
	}, cfg)
}

// MarkCompleted фиксирует успешное исполнение: PROCESSING -> COMPLETED.
// Повторный вызов для уже завершённого ордера возвращает сохранённую запись.
func (q *OrderQueue) MarkCompleted(ctx context.Context, id int64, result models.OrderResult) (*models.Order, error) {
	order, err := storeWrite(ctx, q.cfg.StoreRetry, func() (*models.Order, error) {
		return q.orders.Complete(ctx, id, result, q.now())
	})
	if err != nil {
		if !errors.Is(err, repository.ErrOrderConflict) {
			return nil, err
		}
		current, getErr := q.orders.GetByID(ctx, id)
		if getErr != nil {
			return nil, getErr
		}
		if current.Status == models.OrderStatusCompleted {
			return current, nil
		}
		return nil, fmt.Errorf("%w: complete order in status %s", repository.ErrOrderConflict, current.Status)
	}

	q.log.Info("order completed",
		utils.OrderID(order.ID),
		utils.ClientOrderID(order.ClientOrderID),
		utils.Attempt(order.Attempts),
		utils.String("exchange_order_id", order.ExchangeOrderID),
	)
	q.broadcast(order)

	return order, nil
}

// MarkFailed записывает неудачную попытку.
// Терминальная ошибка, брошенный ордер или исчерпанные попытки - FAILED, иначе RETRY с backoff.
func (q *OrderQueue) MarkFailed(ctx context.Context, order *models.Order, f Failure) (*models.Order, error) {
	now := q.now()

	status := models.OrderStatusRetry
	nextRetryAt := now.Add(q.BackoffDelay(order.Attempts))
	if f.Terminal || f.Abandoned || order.Attempts >= order.MaxAttempts {
		status = models.OrderStatusFailed
		nextRetryAt = now
	}
	if !models.CanTransition(order.Status, status) {
		return nil, fmt.Errorf("%w: %s -> %s", repository.ErrOrderConflict, order.Status, status)
	}

	upd := repository.FailureUpdate{
		FromStatus: order.Status,
		Status:     status,
		Entry: models.OrderError{
			Timestamp:      now,
			Error:          f.Reason,
			Kind:           f.Kind,
			CredentialUsed: f.Credential,
		},
		NextRetryAt: nextRetryAt,
		Abandoned:   f.Abandoned,
	}
	if f.ExcludeCredential && f.Credential != "" {
		upd.ExcludeCredential = f.Credential
	}

	updated, err := storeWrite(ctx, q.cfg.StoreRetry, func() (*models.Order, error) {
		return q.orders.RecordFailure(ctx, order.ID, upd, now)
	})
	if err != nil {
		return nil, err
	}

	log := q.log.With(
		utils.OrderID(updated.ID),
		utils.ClientOrderID(updated.ClientOrderID),
		utils.Attempt(updated.Attempts),
		utils.ErrorKind(f.Kind),
		utils.Credential(f.Credential),
	)
	if status == models.OrderStatusFailed {
		log.Error("order failed", utils.String("reason", f.Reason), utils.Bool("abandoned", f.Abandoned))
	} else {
		log.Warn("order scheduled for retry", utils.String("reason", f.Reason), utils.Time("next_retry_at", nextRetryAt))
	}
	q.broadcast(updated)

	return updated, nil
}

// Defer откладывает ордер без попытки (нет доступного ключа)
func (q *OrderQueue) Defer(ctx context.Context, order *models.Order, delay time.Duration) (*models.Order, error) {
	if !models.CanTransition(order.Status, models.OrderStatusRetry) {
		return nil, fmt.Errorf("%w: %s -> %s", repository.ErrOrderConflict, order.Status, models.OrderStatusRetry)
	}

	now := q.now()
	deferred, err := q.orders.Defer(ctx, order.ID, order.Status, now.Add(delay), now)
	if err != nil {
		return nil, err
	}

	q.log.Debug("order deferred, no credential available",
		utils.OrderID(deferred.ID),
		utils.Duration("delay", delay),
	)
	return deferred, nil
}

// ResetStuckOrders возвращает в RETRY ордера, зависшие в PROCESSING дольше timeout.
// Ордер на последней попытке переводится в FAILED.
func (q *OrderQueue) ResetStuckOrders(ctx context.Context, timeout time.Duration) (int, error) {
	now := q.now()
	reset, err := q.orders.ResetStuck(ctx, now.Add(-timeout), ReasonStuckTimeout, now)
	if err != nil {
		return 0, err
	}

	for _, o := range reset {
		q.log.Warn("stuck order reset",
			utils.OrderID(o.ID),
			utils.ClientOrderID(o.ClientOrderID),
			utils.Status(o.Status),
			utils.Attempt(o.Attempts),
			utils.Duration("timeout", timeout),
		)
		q.broadcast(o)
	}

	return len(reset), nil
}

// ResetAllProcessing сбрасывает все PROCESSING ордера независимо от времени захвата.
// Административная операция; повторная отправка защищена ClientOrderID.
func (q *OrderQueue) ResetAllProcessing(ctx context.Context) (int, error) {
	// отрицательный таймаут захватывает и ордера, взятые в эту же секунду
	return q.ResetStuckOrders(ctx, -time.Second)
}

// ClearFailedCredentials очищает список исключённых ключей ордера
func (q *OrderQueue) ClearFailedCredentials(ctx context.Context, id int64) error {
	if err := q.orders.ClearFailedCredentials(ctx, id); err != nil {
		return err
	}
	q.log.Info("failed credentials cleared", utils.OrderID(id))
	return nil
}

// ClearAllFailedCredentials очищает списки исключённых ключей у всех ордеров
func (q *OrderQueue) ClearAllFailedCredentials(ctx context.Context) (int64, error) {
	n, err := q.orders.ClearAllFailedCredentials(ctx)
	if err != nil {
		return 0, err
	}
	q.log.Info("failed credentials cleared for all orders", utils.Int64("orders", n))
	return n, nil
}

// DeleteOrdersByUser удаляет ордера пользователя кроме PROCESSING
func (q *OrderQueue) DeleteOrdersByUser(ctx context.Context, userID string) (int64, error) {
	n, err := q.orders.DeleteByUser(ctx, userID)
	if err != nil {
		return 0, err
	}
	q.log.Info("orders deleted", utils.UserID(userID), utils.Int64("deleted", n))
	return n, nil
}

// MarkRecovered отмечает восстановление брошенного ордера; true только для первого вызова
func (q *OrderQueue) MarkRecovered(ctx context.Context, id int64) (bool, error) {
	return q.orders.MarkRecovered(ctx, id, q.now())
}

// GetUnrecoveredAbandonedExits возвращает брошенные sell ордера, ожидающие восстановления бота
func (q *OrderQueue) GetUnrecoveredAbandonedExits(ctx context.Context, limit int) ([]*models.Order, error) {
	return q.orders.GetUnrecoveredAbandonedExits(ctx, limit)
}

// Depth возвращает количество ордеров по статусам
func (q *OrderQueue) Depth(ctx context.Context) (map[string]int, error) {
	return q.orders.CountByStatus(ctx)
}
