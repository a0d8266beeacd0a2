package bot

import (
	"sort"
	"sync"
	"time"

	"orderqueue/internal/config"
	"orderqueue/pkg/utils"
)

// BreakerState - состояние автоматического выключателя ключа
type BreakerState string

const (
	BreakerClosed   BreakerState = "CLOSED"    // ключ используется
	BreakerOpen     BreakerState = "OPEN"      // ключ исключён из выбора
	BreakerHalfOpen BreakerState = "HALF_OPEN" // пропускается одна пробная заявка
)

// BreakerConfig - параметры выключателя
type BreakerConfig struct {
	FailureThreshold int           // ошибок в окне до размыкания
	FailureWindow    time.Duration // окно подсчёта ошибок
	ResetTimeout     time.Duration // время в OPEN до пробной заявки
}

// DefaultBreakerConfig возвращает параметры по умолчанию: 3 ошибки за 5 минут, пауза 5 минут
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		FailureThreshold: 3,
		FailureWindow:    300 * time.Second,
		ResetTimeout:     300 * time.Second,
	}
}

// BreakerConfigFrom собирает параметры из конфигурации приложения
func BreakerConfigFrom(cfg config.BreakerConfig) BreakerConfig {
	return BreakerConfig{
		FailureThreshold: cfg.FailureThreshold,
		FailureWindow:    cfg.FailureWindow,
		ResetTimeout:     cfg.ResetTimeout,
	}
}

// BreakerSnapshot - состояние выключателя для API и метрик
type BreakerSnapshot struct {
	Key             string       `json:"key"`
	State           BreakerState `json:"state"`
	FailureCount    int          `json:"failure_count"`
	LastFailureTime *time.Time   `json:"last_failure_time,omitempty"`
	OpenedAt        *time.Time   `json:"opened_at,omitempty"`
	LastSuccessTime *time.Time   `json:"last_success_time,omitempty"`
	TrialInFlight   bool         `json:"trial_in_flight"`
}

// BreakerStateChange - колбэк смены состояния; вызывается вне блокировки
type BreakerStateChange func(key string, from, to BreakerState, snap BreakerSnapshot)

type breaker struct {
	state         BreakerState
	failures      []time.Time // моменты ошибок в пределах окна
	lastFailure   time.Time
	openedAt      time.Time
	lastSuccess   time.Time
	trialInFlight bool
}

type transition struct {
	key      string
	from, to BreakerState
	snap     BreakerSnapshot
}

// BreakerRegistry хранит выключатели всех ключей.
//
// Один экземпляр разделяется всеми воркерами тика; все изменения под mu.
type BreakerRegistry struct {
	mu       sync.Mutex
	cfg      BreakerConfig
	breakers map[string]*breaker
	now      func() time.Time
	onChange BreakerStateChange
	log      *utils.Logger
}

// NewBreakerRegistry создает реестр выключателей
func NewBreakerRegistry(cfg BreakerConfig, log *utils.Logger) *BreakerRegistry {
	def := DefaultBreakerConfig()
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = def.FailureThreshold
	}
	if cfg.FailureWindow <= 0 {
		cfg.FailureWindow = def.FailureWindow
	}
	if cfg.ResetTimeout <= 0 {
		cfg.ResetTimeout = def.ResetTimeout
	}

	return &BreakerRegistry{
		cfg:      cfg,
		breakers: make(map[string]*breaker),
		now:      time.Now,
		log:      utils.OrGlobal(log).WithComponent("breaker"),
	}
}

// SetClock подменяет источник времени
func (r *BreakerRegistry) SetClock(now func() time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.now = now
}

// OnStateChange регистрирует колбэк смены состояния
func (r *BreakerRegistry) OnStateChange(fn BreakerStateChange) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onChange = fn
}

// get возвращает выключатель ключа, создавая закрытый; вызывается под mu
func (r *BreakerRegistry) get(key string) *breaker {
	b, ok := r.breakers[key]
	if !ok {
		b = &breaker{state: BreakerClosed}
		r.breakers[key] = b
	}
	return b
}

// prune отбрасывает ошибки за пределами окна; вызывается под mu
func (r *BreakerRegistry) prune(b *breaker, now time.Time) {
	cutoff := now.Add(-r.cfg.FailureWindow)
	i := 0
	for i < len(b.failures) && !b.failures[i].After(cutoff) {
		i++
	}
	if i > 0 {
		b.failures = append(b.failures[:0], b.failures[i:]...)
	}
}

func snapshotOf(key string, b *breaker) BreakerSnapshot {
	s := BreakerSnapshot{
		Key:           key,
		State:         b.state,
		FailureCount:  len(b.failures),
		TrialInFlight: b.trialInFlight,
	}
	if !b.lastFailure.IsZero() {
		t := b.lastFailure
		s.LastFailureTime = &t
	}
	if !b.openedAt.IsZero() && b.state != BreakerClosed {
		t := b.openedAt
		s.OpenedAt = &t
	}
	if !b.lastSuccess.IsZero() {
		t := b.lastSuccess
		s.LastSuccessTime = &t
	}
	return s
}

// setState меняет состояние и возвращает переход для колбэка; вызывается под mu
func (r *BreakerRegistry) setState(key string, b *breaker, to BreakerState) *transition {
	if b.state == to {
		return nil
	}
	from := b.state
	b.state = to
	return &transition{key: key, from: from, to: to, snap: snapshotOf(key, b)}
}

// emit логирует переход и вызывает колбэк вне блокировки
func (r *BreakerRegistry) emit(tr *transition, cb BreakerStateChange) {
	if tr == nil {
		return
	}

	log := r.log.With(utils.Credential(tr.key), utils.String("from", string(tr.from)), utils.BreakerState(string(tr.to)))
	switch tr.to {
	case BreakerOpen:
		log.Warn("circuit breaker opened", utils.Int("failures", tr.snap.FailureCount))
	case BreakerHalfOpen:
		log.Info("circuit breaker half-open, trial admitted")
	case BreakerClosed:
		log.Info("circuit breaker closed")
	}

	if cb != nil {
		cb(tr.key, tr.from, tr.to, tr.snap)
	}
}

// Allow сообщает, можно ли использовать ключ.
//
// OPEN после ResetTimeout переходит в HALF_OPEN и пропускает ровно одну пробную заявку;
// пока проба не завершена, остальные получают false.
func (r *BreakerRegistry) Allow(key string) bool {
	r.mu.Lock()
	b := r.get(key)
	now := r.now()

	var tr *transition
	allowed := false
	switch b.state {
	case BreakerClosed:
		allowed = true
	case BreakerOpen:
		if now.Sub(b.openedAt) >= r.cfg.ResetTimeout {
			b.trialInFlight = true
			tr = r.setState(key, b, BreakerHalfOpen)
			allowed = true
		}
	case BreakerHalfOpen:
		if !b.trialInFlight {
			b.trialInFlight = true
			allowed = true
		}
	}
	cb := r.onChange
	r.mu.Unlock()

	r.emit(tr, cb)
	return allowed
}

// Release возвращает пробный слот HALF_OPEN, если заявка не дошла до биржи
func (r *BreakerRegistry) Release(key string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if b, ok := r.breakers[key]; ok && b.state == BreakerHalfOpen {
		b.trialInFlight = false
	}
}

// RecordSuccess сбрасывает счётчик ошибок; HALF_OPEN закрывается
func (r *BreakerRegistry) RecordSuccess(key string) {
	r.mu.Lock()
	b := r.get(key)
	b.lastSuccess = r.now()
	b.failures = b.failures[:0]
	b.trialInFlight = false

	var tr *transition
	if b.state == BreakerHalfOpen {
		tr = r.setState(key, b, BreakerClosed)
	}
	cb := r.onChange
	r.mu.Unlock()

	r.emit(tr, cb)
}

// RecordFailure учитывает ошибку ключа.
// CLOSED размыкается при FailureThreshold ошибках в окне, HALF_OPEN возвращается в OPEN.
func (r *BreakerRegistry) RecordFailure(key string) {
	r.mu.Lock()
	b := r.get(key)
	now := r.now()

	b.lastFailure = now
	b.failures = append(b.failures, now)
	r.prune(b, now)

	var tr *transition
	switch b.state {
	case BreakerClosed:
		if len(b.failures) >= r.cfg.FailureThreshold {
			b.openedAt = now
			tr = r.setState(key, b, BreakerOpen)
		}
	case BreakerHalfOpen:
		b.openedAt = now
		b.trialInFlight = false
		tr = r.setState(key, b, BreakerOpen)
	case BreakerOpen:
		// ответ заявки, начатой до размыкания
	}
	cb := r.onChange
	r.mu.Unlock()

	r.emit(tr, cb)
}

// State возвращает текущее состояние ключа без перехода OPEN -> HALF_OPEN
func (r *BreakerRegistry) State(key string) BreakerState {
	r.mu.Lock()
	defer r.mu.Unlock()
	if b, ok := r.breakers[key]; ok {
		return b.state
	}
	return BreakerClosed
}

// Snapshot возвращает состояние всех известных ключей, отсортированное по ключу
func (r *BreakerRegistry) Snapshot() []BreakerSnapshot {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	out := make([]BreakerSnapshot, 0, len(r.breakers))
	for key, b := range r.breakers {
		r.prune(b, now)
		out = append(out, snapshotOf(key, b))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

// Reset принудительно закрывает выключатель (администрирование)
func (r *BreakerRegistry) Reset(key string) bool {
	r.mu.Lock()
	b, ok := r.breakers[key]
	if !ok {
		r.mu.Unlock()
		return false
	}
	b.failures = b.failures[:0]
	b.trialInFlight = false
	b.openedAt = time.Time{}
	tr := r.setState(key, b, BreakerClosed)
	cb := r.onChange
	r.mu.Unlock()

	r.emit(tr, cb)
	return true
}

// ResetTimeout возвращает паузу OPEN до пробной заявки
func (r *BreakerRegistry) ResetTimeout() time.Duration {
	return r.cfg.ResetTimeout
}
