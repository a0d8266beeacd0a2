// Package repotest содержит in-memory реализации хранилищ для тестов.
//
// Семантика совпадает с SQL репозиториями: условные переходы статуса,
// уникальность client_order_id, один активный ордер на бота.
//
// Пакет импортируется только из _test.go файлов и в сервер не попадает,
// по аналогии с net/http/httptest.
package repotest

import (
	"context"
	"sort"
	"sync"
	"time"

	"orderqueue/internal/models"
	"orderqueue/internal/repository"
)

// OrderStore - in-memory аналог repository.OrderRepository
type OrderStore struct {
	mu     sync.Mutex
	orders map[int64]*models.Order
	nextID int64

	// Ошибки для имитации сбоев хранилища; FailNext срабатывает один раз
	Err      error
	FailNext error

	Calls map[string]int
}

func NewOrderStore() *OrderStore {
	return &OrderStore{
		orders: make(map[int64]*models.Order),
		nextID: 1,
		Calls:  make(map[string]int),
	}
}

// fail учитывает вызов и возвращает подставленную ошибку; вызывается под mu
func (s *OrderStore) fail(method string) error {
	s.Calls[method]++
	if s.FailNext != nil {
		err := s.FailNext
		s.FailNext = nil
		return err
	}
	return s.Err
}

func clone(o *models.Order) *models.Order {
	c := *o
	c.Errors = append([]models.OrderError{}, o.Errors...)
	c.FailedCredentials = append([]string{}, o.FailedCredentials...)
	return &c
}

// Put кладёт ордер как есть (подготовка состояния в тестах)
func (s *OrderStore) Put(o *models.Order) *models.Order {
	s.mu.Lock()
	defer s.mu.Unlock()
	if o.ID == 0 {
		o.ID = s.nextID
	}
	if o.ID >= s.nextID {
		s.nextID = o.ID + 1
	}
	if o.Errors == nil {
		o.Errors = []models.OrderError{}
	}
	if o.FailedCredentials == nil {
		o.FailedCredentials = []string{}
	}
	s.orders[o.ID] = clone(o)
	return clone(o)
}

// Get возвращает копию ордера без учёта вызова
func (s *OrderStore) Get(id int64) *models.Order {
	s.mu.Lock()
	defer s.mu.Unlock()
	if o, ok := s.orders[id]; ok {
		return clone(o)
	}
	return nil
}

// All возвращает все ордера по возрастанию ID
func (s *OrderStore) All() []*models.Order {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*models.Order, 0, len(s.orders))
	for _, o := range s.orders {
		out = append(out, clone(o))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Update меняет ордер напрямую (например, сдвигает last_attempt_at в прошлое)
func (s *OrderStore) Update(id int64, fn func(o *models.Order)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if o, ok := s.orders[id]; ok {
		fn(o)
	}
}

func isActive(status string) bool {
	return status == models.OrderStatusPending || status == models.OrderStatusProcessing || status == models.OrderStatusRetry
}

func (s *OrderStore) Create(_ context.Context, order *models.Order) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fail("Create"); err != nil {
		return false, err
	}

	for _, o := range s.orders {
		if o.ClientOrderID == order.ClientOrderID {
			return false, nil
		}
	}
	for _, o := range s.orders {
		if o.BotID == order.BotID && isActive(o.Status) {
			return false, repository.ErrActiveOrderExists
		}
	}

	now := time.Now()
	order.ID = s.nextID
	s.nextID++
	order.CreatedAt = now
	order.UpdatedAt = now
	if order.Errors == nil {
		order.Errors = []models.OrderError{}
	}
	if order.FailedCredentials == nil {
		order.FailedCredentials = []string{}
	}
	s.orders[order.ID] = clone(order)
	return true, nil
}

func (s *OrderStore) GetByID(_ context.Context, id int64) (*models.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fail("GetByID"); err != nil {
		return nil, err
	}
	o, ok := s.orders[id]
	if !ok {
		return nil, repository.ErrOrderNotFound
	}
	return clone(o), nil
}

func (s *OrderStore) GetByClientOrderID(_ context.Context, clientOrderID string) (*models.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fail("GetByClientOrderID"); err != nil {
		return nil, err
	}
	for _, o := range s.orders {
		if o.ClientOrderID == clientOrderID {
			return clone(o), nil
		}
	}
	return nil, repository.ErrOrderNotFound
}

func (s *OrderStore) GetByUser(_ context.Context, userID string) ([]*models.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fail("GetByUser"); err != nil {
		return nil, err
	}
	out := make([]*models.Order, 0)
	for _, o := range s.orders {
		if o.UserID == userID {
			out = append(out, clone(o))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID > out[j].ID })
	return out, nil
}

func (s *OrderStore) GetActiveByBot(_ context.Context, botID string) (*models.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fail("GetActiveByBot"); err != nil {
		return nil, err
	}
	for _, o := range s.orders {
		if o.BotID == botID && isActive(o.Status) {
			return clone(o), nil
		}
	}
	return nil, repository.ErrOrderNotFound
}

func (s *OrderStore) GetEligible(_ context.Context, now time.Time, limit int) ([]*models.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fail("GetEligible"); err != nil {
		return nil, err
	}
	out := make([]*models.Order, 0)
	for _, o := range s.orders {
		if (o.Status == models.OrderStatusPending || o.Status == models.OrderStatusRetry) && !o.NextRetryAt.After(now) {
			out = append(out, clone(o))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].NextRetryAt.Equal(out[j].NextRetryAt) {
			return out[i].NextRetryAt.Before(out[j].NextRetryAt)
		}
		return out[i].ID < out[j].ID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// transition выполняет условный переход; вызывается под mu
func (s *OrderStore) transition(id int64, from string, fn func(o *models.Order)) (*models.Order, error) {
	o, ok := s.orders[id]
	if !ok || o.Status != from {
		return nil, repository.ErrOrderConflict
	}
	fn(o)
	return clone(o), nil
}

func (s *OrderStore) Claim(_ context.Context, id int64, fromStatus, credentialID string, now time.Time) (*models.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fail("Claim"); err != nil {
		return nil, err
	}
	return s.transition(id, fromStatus, func(o *models.Order) {
		o.Status = models.OrderStatusProcessing
		o.Attempts++
		t := now
		o.LastAttemptAt = &t
		o.CredentialUsed = credentialID
		o.UpdatedAt = now
	})
}

func (s *OrderStore) Complete(_ context.Context, id int64, result models.OrderResult, now time.Time) (*models.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fail("Complete"); err != nil {
		return nil, err
	}
	return s.transition(id, models.OrderStatusProcessing, func(o *models.Order) {
		o.Status = models.OrderStatusCompleted
		o.ExchangeOrderID = result.ExchangeOrderID
		o.ExecutedPrice = result.ExecutedPrice
		o.ExecutedVolume = result.ExecutedVolume
		t := now
		o.CompletedAt = &t
		o.UpdatedAt = now
	})
}

func (s *OrderStore) RecordFailure(_ context.Context, id int64, upd repository.FailureUpdate, now time.Time) (*models.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fail("RecordFailure"); err != nil {
		return nil, err
	}
	return s.transition(id, upd.FromStatus, func(o *models.Order) {
		o.Status = upd.Status
		o.Errors = append(o.Errors, upd.Entry)
		o.LastError = upd.Entry.Error
		o.NextRetryAt = upd.NextRetryAt
		if upd.ExcludeCredential != "" && !o.HasFailedCredential(upd.ExcludeCredential) {
			o.FailedCredentials = append(o.FailedCredentials, upd.ExcludeCredential)
		}
		o.Abandoned = o.Abandoned || upd.Abandoned
		if models.IsTerminalStatus(upd.Status) {
			t := now
			o.CompletedAt = &t
		}
		o.UpdatedAt = now
	})
}

func (s *OrderStore) Defer(_ context.Context, id int64, fromStatus string, nextRetryAt, now time.Time) (*models.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fail("Defer"); err != nil {
		return nil, err
	}
	return s.transition(id, fromStatus, func(o *models.Order) {
		o.Status = models.OrderStatusRetry
		o.NextRetryAt = nextRetryAt
		o.UpdatedAt = now
	})
}

func (s *OrderStore) ResetStuck(_ context.Context, cutoff time.Time, reason string, now time.Time) ([]*models.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fail("ResetStuck"); err != nil {
		return nil, err
	}
	out := make([]*models.Order, 0)
	for _, o := range s.orders {
		if o.Status != models.OrderStatusProcessing || o.LastAttemptAt == nil || !o.LastAttemptAt.Before(cutoff) {
			continue
		}
		if o.Attempts >= o.MaxAttempts {
			o.Status = models.OrderStatusFailed
			t := now
			o.CompletedAt = &t
		} else {
			o.Status = models.OrderStatusRetry
		}
		o.Errors = append(o.Errors, models.OrderError{Timestamp: now, Error: reason})
		o.LastError = reason
		o.NextRetryAt = now
		o.UpdatedAt = now
		out = append(out, clone(o))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *OrderStore) ClearFailedCredentials(_ context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fail("ClearFailedCredentials"); err != nil {
		return err
	}
	o, ok := s.orders[id]
	if !ok {
		return repository.ErrOrderNotFound
	}
	o.FailedCredentials = []string{}
	return nil
}

func (s *OrderStore) ClearAllFailedCredentials(_ context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fail("ClearAllFailedCredentials"); err != nil {
		return 0, err
	}
	var n int64
	for _, o := range s.orders {
		if len(o.FailedCredentials) > 0 {
			o.FailedCredentials = []string{}
			n++
		}
	}
	return n, nil
}

func (s *OrderStore) MarkRecovered(_ context.Context, id int64, now time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fail("MarkRecovered"); err != nil {
		return false, err
	}
	o, ok := s.orders[id]
	if !ok || !o.Abandoned || o.RecoveredAt != nil {
		return false, nil
	}
	t := now
	o.RecoveredAt = &t
	return true, nil
}

func (s *OrderStore) GetUnrecoveredAbandonedExits(_ context.Context, limit int) ([]*models.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fail("GetUnrecoveredAbandonedExits"); err != nil {
		return nil, err
	}
	out := make([]*models.Order, 0)
	for _, o := range s.orders {
		if o.Abandoned && o.Side == models.SideSell && o.RecoveredAt == nil {
			out = append(out, clone(o))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *OrderStore) DeleteByUser(_ context.Context, userID string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fail("DeleteByUser"); err != nil {
		return 0, err
	}
	var n int64
	for id, o := range s.orders {
		if o.UserID == userID && o.Status != models.OrderStatusProcessing {
			delete(s.orders, id)
			n++
		}
	}
	return n, nil
}

func (s *OrderStore) CountByStatus(_ context.Context) (map[string]int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fail("CountByStatus"); err != nil {
		return nil, err
	}
	counts := make(map[string]int)
	for _, o := range s.orders {
		counts[o.Status]++
	}
	return counts, nil
}

// ============================================================
// Ключи, боты, уведомления
// ============================================================

// CredentialStore - in-memory аналог repository.CredentialRepository
type CredentialStore struct {
	mu    sync.Mutex
	creds map[string]*models.ExchangeCredential
	Err   error
}

func NewCredentialStore() *CredentialStore {
	return &CredentialStore{creds: make(map[string]*models.ExchangeCredential)}
}

func (s *CredentialStore) Create(_ context.Context, cred *models.ExchangeCredential) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return s.Err
	}
	if _, ok := s.creds[cred.ID]; ok {
		return repository.ErrCredentialExists
	}
	c := *cred
	s.creds[cred.ID] = &c
	return nil
}

func (s *CredentialStore) GetByID(_ context.Context, id string) (*models.ExchangeCredential, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.creds[id]
	if !ok {
		return nil, repository.ErrCredentialNotFound
	}
	cp := *c
	return &cp, nil
}

func (s *CredentialStore) ListEnabledByUser(_ context.Context, userID string) ([]*models.ExchangeCredential, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return nil, s.Err
	}
	out := make([]*models.ExchangeCredential, 0)
	for _, c := range s.creds {
		if c.UserID == userID && c.Enabled {
			cp := *c
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority < out[j].Priority
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (s *CredentialStore) SetEnabled(_ context.Context, id string, enabled bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.creds[id]
	if !ok {
		return repository.ErrCredentialNotFound
	}
	c.Enabled = enabled
	return nil
}

func (s *CredentialStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.creds[id]; !ok {
		return repository.ErrCredentialNotFound
	}
	delete(s.creds, id)
	return nil
}

// BotStore - in-memory аналог repository.BotRepository
type BotStore struct {
	mu   sync.Mutex
	bots map[string]*models.Bot
	Err  error

	Transitions int
}

func NewBotStore() *BotStore {
	return &BotStore{bots: make(map[string]*models.Bot)}
}

func (s *BotStore) Upsert(_ context.Context, bot *models.Bot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return s.Err
	}
	b := *bot
	s.bots[bot.ID] = &b
	return nil
}

func (s *BotStore) GetByID(_ context.Context, id string) (*models.Bot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.bots[id]
	if !ok {
		return nil, repository.ErrBotNotFound
	}
	cp := *b
	return &cp, nil
}

func (s *BotStore) GetStatus(_ context.Context, id string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return "", s.Err
	}
	b, ok := s.bots[id]
	if !ok {
		return "", repository.ErrBotNotFound
	}
	return b.Status, nil
}

func (s *BotStore) TransitionStatus(_ context.Context, id, from, to, reason string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return false, s.Err
	}
	b, ok := s.bots[id]
	if !ok || b.Status != from {
		return false, nil
	}
	b.Status = to
	b.StatusReason = reason
	b.UpdatedAt = time.Now()
	s.Transitions++
	return true, nil
}

// NotificationStore - in-memory аналог repository.NotificationRepository
type NotificationStore struct {
	mu     sync.Mutex
	items  []*models.Notification
	nextID int64
	Err    error
}

func NewNotificationStore() *NotificationStore {
	return &NotificationStore{nextID: 1}
}

func (s *NotificationStore) Create(_ context.Context, n *models.Notification) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return s.Err
	}
	n.ID = s.nextID
	s.nextID++
	if n.Timestamp.IsZero() {
		n.Timestamp = time.Now()
	}
	cp := *n
	s.items = append(s.items, &cp)
	return nil
}

func (s *NotificationStore) GetRecent(_ context.Context, limit int) ([]*models.Notification, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return nil, s.Err
	}
	out := make([]*models.Notification, 0, len(s.items))
	for i := len(s.items) - 1; i >= 0 && (limit <= 0 || len(out) < limit); i-- {
		cp := *s.items[i]
		out = append(out, &cp)
	}
	return out, nil
}

func (s *NotificationStore) DeleteOlderThan(_ context.Context, ts time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	kept := s.items[:0]
	var n int64
	for _, it := range s.items {
		if it.Timestamp.Before(ts) {
			n++
			continue
		}
		kept = append(kept, it)
	}
	s.items = kept
	return n, nil
}

// ByType возвращает уведомления указанного типа
func (s *NotificationStore) ByType(t string) []*models.Notification {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*models.Notification, 0)
	for _, it := range s.items {
		if it.Type == t {
			cp := *it
			out = append(out, &cp)
		}
	}
	return out
}
