package bot

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"orderqueue/internal/config"
	"orderqueue/internal/exchange"
	"orderqueue/internal/models"
	"orderqueue/internal/repository"
	"orderqueue/internal/service"
	"orderqueue/pkg/ratelimit"
	"orderqueue/pkg/utils"
)

// ErrTickInProgress - предыдущий тик ещё выполняется
var ErrTickInProgress = errors.New("executor tick already in progress")

// Исходы обработки ордера за тик
const (
	OutcomeCompleted = "completed"
	OutcomeRetry     = "retry"
	OutcomeFailed    = "failed"
	OutcomeAbandoned = "abandoned"
	OutcomeDeferred  = "deferred"
	OutcomeSkipped   = "skipped"  // нет свободного слота или сбой хранилища, ждёт следующего тика
	OutcomeConflict  = "conflict" // ордер захвачен другим исполнителем
)

// ExecutorConfig - параметры исполнителя
type ExecutorConfig struct {
	MaxConcurrentOrders        int
	MaxConcurrentPerKey        int
	OrdersPerSecond            float64
	ExchangeTimeout            time.Duration
	CredentialUnavailableDelay time.Duration
	AbandonThreshold           int
	InsufficientFundsTerminal  bool
	CountRateLimit             bool // RateLimit ошибки размыкают выключатель
}

// DefaultExecutorConfig возвращает параметры по умолчанию
func DefaultExecutorConfig() ExecutorConfig {
	return ExecutorConfig{
		MaxConcurrentOrders:        10,
		MaxConcurrentPerKey:        2,
		OrdersPerSecond:            5,
		ExchangeTimeout:            15 * time.Second,
		CredentialUnavailableDelay: 30 * time.Second,
		AbandonThreshold:           50,
	}
}

// ExecutorConfigFrom собирает параметры из конфигурации приложения
func ExecutorConfigFrom(cfg *config.Config) ExecutorConfig {
	return ExecutorConfig{
		MaxConcurrentOrders:        cfg.Executor.MaxConcurrentOrders,
		MaxConcurrentPerKey:        cfg.Executor.MaxConcurrentPerAPIKey,
		OrdersPerSecond:            cfg.Executor.OrdersPerSecond,
		ExchangeTimeout:            cfg.Executor.ExchangeTimeout,
		CredentialUnavailableDelay: cfg.Executor.CredentialUnavailableDelay,
		AbandonThreshold:           cfg.Executor.AbandonThreshold,
		InsufficientFundsTerminal:  cfg.Executor.InsufficientFundsTerminal,
		CountRateLimit:             cfg.Breaker.CountRateLimit,
	}
}

// TickResult - итог одного тика
type TickResult struct {
	StartedAt      time.Time     `json:"started_at"`
	Duration       time.Duration `json:"duration"`
	StuckReset     int           `json:"stuck_reset"`
	ExitsRecovered int           `json:"exits_recovered"`
	Eligible       int           `json:"eligible"`
	Completed      int           `json:"completed"`
	Retried        int           `json:"retried"`
	Failed         int           `json:"failed"`
	Abandoned      int           `json:"abandoned"`
	Deferred       int           `json:"deferred"`
	Skipped        int           `json:"skipped"`
}

func (r *TickResult) add(outcome string) {
	switch outcome {
	case OutcomeCompleted:
		r.Completed++
	case OutcomeRetry:
		r.Retried++
	case OutcomeFailed:
		r.Failed++
	case OutcomeAbandoned:
		r.Abandoned++
	case OutcomeDeferred:
		r.Deferred++
	default:
		r.Skipped++
	}
}

// Executor - планируемый драйвер очереди.
//
// За тик: восстановление зависших ордеров, выборка готовых к попытке,
// параллельная обработка с ограничением по общему числу и по ключу.
// Ошибки отдельных ордеров не возвращаются из Run, а логируются и считаются в метриках.
type Executor struct {
	cfg      ExecutorConfig
	queue    Queue
	creds    CredentialSource
	exch     exchange.Exchange
	breakers *BreakerRegistry
	recovery *RecoveryCoordinator
	gate     *ratelimit.Gate
	limiter  *ratelimit.RateLimiter

	notifier Notifier
	events   EventBroadcaster
	log      *utils.Logger
	now      func() time.Time

	// single-flight: одновременно выполняется не больше одного тика
	running atomic.Bool

	// ордера, обрабатываемые в этом процессе
	inProcess sync.Map
}

// NewExecutor создает исполнитель
func NewExecutor(
	cfg ExecutorConfig,
	queue Queue,
	creds CredentialSource,
	exch exchange.Exchange,
	breakers *BreakerRegistry,
	recovery *RecoveryCoordinator,
	log *utils.Logger,
) *Executor {
	def := DefaultExecutorConfig()
	if cfg.MaxConcurrentOrders <= 0 {
		cfg.MaxConcurrentOrders = def.MaxConcurrentOrders
	}
	if cfg.MaxConcurrentPerKey <= 0 {
		cfg.MaxConcurrentPerKey = def.MaxConcurrentPerKey
	}
	if cfg.OrdersPerSecond <= 0 {
		cfg.OrdersPerSecond = def.OrdersPerSecond
	}
	if cfg.ExchangeTimeout <= 0 {
		cfg.ExchangeTimeout = def.ExchangeTimeout
	}
	if cfg.CredentialUnavailableDelay <= 0 {
		cfg.CredentialUnavailableDelay = def.CredentialUnavailableDelay
	}
	if cfg.AbandonThreshold <= 0 {
		cfg.AbandonThreshold = def.AbandonThreshold
	}

	return &Executor{
		cfg:      cfg,
		queue:    queue,
		creds:    creds,
		exch:     exch,
		breakers: breakers,
		recovery: recovery,
		gate:     ratelimit.NewGate(cfg.MaxConcurrentOrders, cfg.MaxConcurrentPerKey),
		limiter:  ratelimit.NewRateLimiter(cfg.OrdersPerSecond, cfg.OrdersPerSecond),
		log:      utils.OrGlobal(log).WithComponent("executor"),
		now:      time.Now,
	}
}

// SetNotifier устанавливает журнал уведомлений
func (e *Executor) SetNotifier(n Notifier) {
	e.notifier = n
}

// SetEventBroadcaster устанавливает получателя realtime событий
func (e *Executor) SetEventBroadcaster(b EventBroadcaster) {
	e.events = b
}

// SetClock подменяет источник времени
func (e *Executor) SetClock(now func() time.Time) {
	e.now = now
}

// ExecutorStatus - текущее состояние исполнителя для администратора
type ExecutorStatus struct {
	Running  bool `json:"running"`
	InFlight int  `json:"in_flight"`
}

// Status сообщает, идёт ли тик и сколько ордеров сейчас занимают слоты отправки
func (e *Executor) Status() ExecutorStatus {
	return ExecutorStatus{
		Running:  e.running.Load(),
		InFlight: e.gate.InFlight(),
	}
}

// Run выполняет один тик. Если предыдущий тик не завершён - ErrTickInProgress.
func (e *Executor) Run(ctx context.Context) (TickResult, error) {
	if !e.running.CompareAndSwap(false, true) {
		Ticks.WithLabelValues("skipped").Inc()
		return TickResult{}, ErrTickInProgress
	}
	defer e.running.Store(false)
	Ticks.WithLabelValues("run").Inc()

	res := TickResult{StartedAt: e.now()}
	started := time.Now()

	if e.recovery != nil {
		sweep, err := e.recovery.Sweep(ctx)
		if err != nil {
			e.log.Error("recovery sweep failed", utils.Err(err))
		}
		res.StuckReset = sweep.StuckReset
		res.ExitsRecovered = sweep.ExitsRecovered
	}

	orders, err := e.queue.GetOrdersEligibleForExecution(ctx, e.now(), e.cfg.MaxConcurrentOrders)
	if err != nil {
		return res, fmt.Errorf("fetch eligible orders: %w", err)
	}
	res.Eligible = len(orders)

	var (
		wg sync.WaitGroup
		mu sync.Mutex
	)
	for _, order := range orders {
		if ctx.Err() != nil {
			break
		}
		if _, busy := e.inProcess.LoadOrStore(order.ID, struct{}{}); busy {
			continue
		}

		wg.Add(1)
		go func(o *models.Order) {
			defer wg.Done()
			defer e.inProcess.Delete(o.ID)

			outcome := e.safeProcess(ctx, o)
			RecordOutcome(outcome)

			mu.Lock()
			res.add(outcome)
			mu.Unlock()
		}(order)
	}
	wg.Wait()

	res.Duration = time.Since(started)
	TickDuration.Observe(res.Duration.Seconds())

	if depth, err := e.queue.Depth(ctx); err == nil {
		UpdateQueueDepth(depth, []string{
			models.OrderStatusPending, models.OrderStatusProcessing, models.OrderStatusRetry,
			models.OrderStatusCompleted, models.OrderStatusFailed,
		})
	}

	if res.Eligible > 0 || res.StuckReset > 0 || res.ExitsRecovered > 0 {
		e.log.Info("executor tick finished",
			utils.Int("eligible", res.Eligible),
			utils.Int("completed", res.Completed),
			utils.Int("retried", res.Retried),
			utils.Int("failed", res.Failed),
			utils.Int("abandoned", res.Abandoned),
			utils.Int("deferred", res.Deferred),
			utils.Int("skipped", res.Skipped),
			utils.Int("stuck_reset", res.StuckReset),
			utils.Duration("duration", res.Duration),
		)
	}
	if e.events != nil {
		e.events.BroadcastTickSummary(res)
	}

	return res, nil
}

// attemptState - что успело произойти с ордером к моменту паники
type attemptState struct {
	credential string
	claimed    *models.Order // захвачен и ещё не записан исход
	settled    bool          // выключатель уже получил исход пробы
}

// safeProcess не даёт панике одного ордера уронить тик.
// Захваченный ордер записывается как неудача класса Unknown и не остаётся в PROCESSING.
func (e *Executor) safeProcess(ctx context.Context, order *models.Order) (outcome string) {
	st := &attemptState{}
	defer func() {
		if r := recover(); r != nil {
			e.log.Error("panic while processing order",
				utils.OrderID(order.ID),
				utils.Any("panic", r),
			)
			outcome = OutcomeSkipped
			if st.claimed != nil {
				outcome = e.failAfterPanic(ctx, st, r)
			}
		}
	}()
	return e.processOrder(ctx, order, st)
}

// failAfterPanic записывает панику как ошибку Unknown: RETRY с backoff или FAILED на последней попытке
func (e *Executor) failAfterPanic(ctx context.Context, st *attemptState, cause interface{}) (outcome string) {
	order := st.claimed
	log := e.log.With(utils.OrderID(order.ID), utils.ClientOrderID(order.ClientOrderID), utils.BotID(order.BotID))

	defer func() {
		if r := recover(); r != nil {
			// ордер вернёт сброс зависших
			log.Error("panic while recording failure", utils.Any("panic", r))
			outcome = OutcomeSkipped
		}
	}()

	return e.finishFailed(context.WithoutCancel(ctx), log, st, order, service.Failure{
		Reason:     fmt.Sprintf("panic while processing order: %v", cause),
		Kind:       string(exchange.KindUnknown),
		Credential: st.credential,
		Abandoned:  order.ErrorCount()+1 > e.cfg.AbandonThreshold,
	})
}

func (e *Executor) processOrder(ctx context.Context, order *models.Order, st *attemptState) string {
	log := e.log.With(utils.OrderID(order.ID), utils.ClientOrderID(order.ClientOrderID), utils.BotID(order.BotID))

	// защита от бесконечного цикла до новой попытки
	if order.ErrorCount() > e.cfg.AbandonThreshold {
		return e.finishFailed(ctx, log, nil, order, service.Failure{
			Reason:    fmt.Sprintf("abandoned after %d errors", order.ErrorCount()),
			Kind:      string(exchange.KindUnknown),
			Abandoned: true,
		})
	}

	cred, release, status := e.selectCredential(ctx, log, order)
	switch status {
	case selectBusy, selectError:
		return OutcomeSkipped
	case selectNone:
		if _, err := e.queue.Defer(ctx, order, e.cfg.CredentialUnavailableDelay); err != nil {
			if errors.Is(err, repository.ErrOrderConflict) {
				return OutcomeConflict
			}
			log.Error("failed to defer order", utils.Err(err))
			return OutcomeSkipped
		}
		return OutcomeDeferred
	}
	defer release()

	// пробный слот HALF_OPEN возвращается на любом пути без исхода, в том числе при панике
	st.credential = cred.ID
	defer func() {
		if !st.settled {
			e.breakers.Release(cred.ID)
		}
	}()

	if err := e.limiter.Wait(ctx); err != nil {
		return OutcomeSkipped
	}

	claimed, err := e.queue.Claim(ctx, order, cred.ID)
	if err != nil {
		if errors.Is(err, repository.ErrOrderConflict) {
			log.Debug("order claimed elsewhere")
			return OutcomeConflict
		}
		log.Error("failed to claim order", utils.Err(err))
		return OutcomeSkipped
	}
	st.claimed = claimed

	start := time.Now()
	fill, subErr := e.submit(ctx, claimed, cred)
	latency := float64(time.Since(start).Milliseconds())

	// результат биржи уже получен: запись не должна прерываться отменой тика
	writeCtx := context.WithoutCancel(ctx)

	if subErr == nil {
		RecordSubmit("ok", latency)
		e.breakers.RecordSuccess(cred.ID)
		st.settled = true

		if _, err := e.queue.MarkCompleted(writeCtx, claimed.ID, models.OrderResult{
			ExchangeOrderID: fill.ExchangeOrderID,
			ExecutedPrice:   fill.ExecutedPrice,
			ExecutedVolume:  fill.ExecutedVolume,
		}); err != nil {
			// ордер останется в PROCESSING; повторная отправка после сброса идемпотентна по ClientOrderID
			st.claimed = nil
			log.Error("failed to record completed order", utils.String("exchange_order_id", fill.ExchangeOrderID), utils.Err(err))
			return OutcomeSkipped
		}
		st.claimed = nil
		return OutcomeCompleted
	}

	// отправку прервала остановка движка: это не отказ ключа и не попытка по вине биржи.
	// Результат неизвестен, ордер вернёт сброс зависших (повтор идемпотентен по ClientOrderID).
	if ctx.Err() != nil {
		st.claimed = nil
		log.Warn("order submission interrupted by shutdown", utils.Credential(cred.ID), utils.Err(subErr))
		return OutcomeSkipped
	}

	kind := exchange.Classify(subErr)
	RecordSubmit(string(kind), latency)
	if kind.CountsForBreaker(e.cfg.CountRateLimit) {
		e.breakers.RecordFailure(cred.ID)
		st.settled = true
	}

	log.Warn("order submission failed",
		utils.Credential(cred.ID),
		utils.ErrorKind(string(kind)),
		utils.Attempt(claimed.Attempts),
		utils.Err(subErr),
	)

	failure := service.Failure{
		Reason:            subErr.Error(),
		Kind:              string(kind),
		Credential:        cred.ID,
		ExcludeCredential: kind.ExcludesCredential(),
		Terminal:          kind == exchange.KindInsufficientFunds && e.cfg.InsufficientFundsTerminal,
		Abandoned:         claimed.ErrorCount()+1 > e.cfg.AbandonThreshold,
	}
	return e.finishFailed(writeCtx, log, st, claimed, failure)
}

// finishFailed записывает неудачу и обрабатывает терминальный исход.
// st == nil для ордера, который не захватывался.
func (e *Executor) finishFailed(ctx context.Context, log *utils.Logger, st *attemptState, order *models.Order, f service.Failure) string {
	updated, err := e.queue.MarkFailed(ctx, order, f)
	if st != nil {
		// после ответа хранилища (успешного или нет) повторная запись не нужна
		st.claimed = nil
	}
	if err != nil {
		if errors.Is(err, repository.ErrOrderConflict) {
			return OutcomeConflict
		}
		log.Error("failed to record order failure", utils.Err(err))
		return OutcomeSkipped
	}

	if updated.Status != models.OrderStatusFailed {
		return OutcomeRetry
	}

	if updated.Abandoned {
		log.Error("order abandoned", utils.Int("errors", updated.ErrorCount()), utils.Side(updated.Side))
		e.notify(log, func() error { return e.notifier.NotifyOrderAbandoned(ctx, updated) })
		if updated.Side == models.SideSell && e.recovery != nil {
			if _, err := e.recovery.HandleAbandonedExit(ctx, updated); err != nil {
				// повторится в Sweep следующего тика
				log.Error("abandoned exit recovery failed", utils.Err(err))
			}
		}
		return OutcomeAbandoned
	}

	e.notify(log, func() error { return e.notifier.NotifyOrderFailed(ctx, updated) })
	return OutcomeFailed
}

func (e *Executor) notify(log *utils.Logger, fn func() error) {
	if e.notifier == nil {
		return
	}
	if err := fn(); err != nil {
		log.Warn("failed to record notification", utils.Err(err))
	}
}

type selectStatus int

const (
	selectOK    selectStatus = iota
	selectNone               // нет ключа: все исключены или выключатели разомкнуты
	selectBusy               // ключ есть, но нет свободного слота
	selectError              // не удалось прочитать ключи
)

// selectCredential выбирает первый по приоритету ключ, не исключённый для ордера,
// с замкнутым выключателем и свободным слотом.
func (e *Executor) selectCredential(ctx context.Context, log *utils.Logger, order *models.Order) (exchange.Credential, func(), selectStatus) {
	creds, err := e.creds.ListUsable(ctx, order.UserID)
	if err != nil {
		log.Error("failed to load credentials", utils.UserID(order.UserID), utils.Err(err))
		return exchange.Credential{}, nil, selectError
	}

	busy := false
	for _, c := range creds {
		if order.HasFailedCredential(c.ID) {
			continue
		}
		if !e.breakers.Allow(c.ID) {
			continue
		}
		release, ok := e.gate.TryAcquire(c.ID)
		if !ok {
			e.breakers.Release(c.ID)
			busy = true
			continue
		}
		return c, release, selectOK
	}

	if busy {
		return exchange.Credential{}, nil, selectBusy
	}
	return exchange.Credential{}, nil, selectNone
}

// submit отправляет ордер на биржу с таймаутом.
// Паника клиента биржи превращается в ошибку класса Unknown.
func (e *Executor) submit(ctx context.Context, order *models.Order, cred exchange.Credential) (fill *exchange.Fill, err error) {
	ctx, cancel := context.WithTimeout(ctx, e.cfg.ExchangeTimeout)
	defer cancel()

	InFlight.Inc()
	defer InFlight.Dec()

	defer func() {
		if r := recover(); r != nil {
			fill = nil
			err = exchange.NewError(e.exch.Name(), exchange.KindUnknown, "panic", fmt.Sprintf("panic during submit: %v", r))
		}
	}()

	fill, err = e.exch.Submit(ctx, exchange.SubmitRequest{
		ClientOrderID: order.ClientOrderID,
		Pair:          order.Pair,
		Side:          order.Side,
		Type:          order.Type,
		Volume:        order.Volume,
		Price:         order.Price,
	}, cred)
	if err == nil && fill == nil {
		err = exchange.NewError(e.exch.Name(), exchange.KindUnknown, "", "empty fill")
	}
	return fill, err
}
