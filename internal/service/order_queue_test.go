package service

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"orderqueue/internal/config"
	"orderqueue/internal/models"
	"orderqueue/internal/repository"
	"orderqueue/internal/repository/repotest"
	"orderqueue/pkg/retry"
	"orderqueue/pkg/utils"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func testQueueConfig() QueueConfig {
	store := retry.DefaultConfig()
	store.InitialDelay = time.Millisecond
	store.MaxDelay = 5 * time.Millisecond
	return QueueConfig{
		MaxAttempts: 5,
		Backoff:     retry.OrderBackoff(),
		StoreRetry:  store,
	}
}

func newTestQueue(t *testing.T) (*OrderQueue, *repotest.OrderStore, *testClock, *MockWebSocketBroadcaster) {
	t.Helper()
	store := repotest.NewOrderStore()
	clock := newTestClock()
	hub := NewMockWebSocketBroadcaster()

	q := NewOrderQueue(store, testQueueConfig(), utils.NewNop())
	q.SetClock(clock.Now)
	q.SetWebSocketHub(hub)
	return q, store, clock, hub
}

func buySpec(botID string, cycle int64) models.OrderSpec {
	return models.OrderSpec{
		UserID: "user-1",
		BotID:  botID,
		Cycle:  cycle,
		Pair:   "btcusdt",
		Side:   models.SideBuy,
		Type:   models.OrderTypeMarket,
		Volume: decimal.RequireFromString("0.01"),
	}
}

func claim(t *testing.T, q *OrderQueue, order *models.Order, cred string) *models.Order {
	t.Helper()
	claimed, err := q.Claim(context.Background(), order, cred)
	if err != nil {
		t.Fatalf("Claim() error = %v", err)
	}
	return claimed
}

func TestDeriveClientOrderID(t *testing.T) {
	a := DeriveClientOrderID("bot-1", models.SideBuy, 7)
	b := DeriveClientOrderID("bot-1", models.SideBuy, 7)
	if a != b {
		t.Errorf("same decision gave different ids: %s != %s", a, b)
	}

	others := []string{
		DeriveClientOrderID("bot-1", models.SideSell, 7),
		DeriveClientOrderID("bot-1", models.SideBuy, 8),
		DeriveClientOrderID("bot-2", models.SideBuy, 7),
	}
	for _, o := range others {
		if o == a {
			t.Errorf("different decision collided with %s", a)
		}
	}
}

func TestOrderQueue_CreateOrder_Validation(t *testing.T) {
	tests := []struct {
		name   string
		modify func(*models.OrderSpec)
	}{
		{"пустой user_id", func(s *models.OrderSpec) { s.UserID = "" }},
		{"пустой bot_id", func(s *models.OrderSpec) { s.BotID = " " }},
		{"неверная пара", func(s *models.OrderSpec) { s.Pair = "b$" }},
		{"неверная сторона", func(s *models.OrderSpec) { s.Side = "hold" }},
		{"неверный тип", func(s *models.OrderSpec) { s.Type = "stop" }},
		{"нулевой объем", func(s *models.OrderSpec) { s.Volume = decimal.Zero }},
		{"limit без цены", func(s *models.OrderSpec) { s.Type = models.OrderTypeLimit }},
		{"market с ценой", func(s *models.OrderSpec) { s.Price = decimal.NewNullDecimal(decimal.NewFromInt(100)) }},
		{"отрицательный лимит попыток", func(s *models.OrderSpec) { s.MaxAttempts = -1 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			q, store, _, _ := newTestQueue(t)
			spec := buySpec("bot-1", 1)
			tt.modify(&spec)

			_, _, err := q.CreateOrder(context.Background(), spec)
			if !errors.Is(err, ErrInvalidOrder) {
				t.Fatalf("CreateOrder() error = %v, want ErrInvalidOrder", err)
			}
			if len(store.All()) != 0 {
				t.Error("invalid order must not be stored")
			}
		})
	}
}

func TestOrderQueue_CreateOrder(t *testing.T) {
	q, store, clock, hub := newTestQueue(t)

	order, created, err := q.CreateOrder(context.Background(), buySpec("bot-1", 1))
	if err != nil {
		t.Fatalf("CreateOrder() error = %v", err)
	}
	if !created {
		t.Fatal("expected created = true")
	}
	if order.Status != models.OrderStatusPending {
		t.Errorf("status = %s, want PENDING", order.Status)
	}
	if order.Pair != "BTCUSDT" {
		t.Errorf("pair = %s, want normalized BTCUSDT", order.Pair)
	}
	if order.Attempts != 0 || order.MaxAttempts != 5 {
		t.Errorf("attempts = %d/%d, want 0/5", order.Attempts, order.MaxAttempts)
	}
	if order.ClientOrderID != DeriveClientOrderID("bot-1", models.SideBuy, 1) {
		t.Errorf("client_order_id = %s, want derived", order.ClientOrderID)
	}
	if order.ExecutionID == "" {
		t.Error("execution_id should be generated")
	}
	if !order.NextRetryAt.Equal(clock.Now()) {
		t.Errorf("next_retry_at = %v, want now", order.NextRetryAt)
	}
	if len(store.All()) != 1 {
		t.Errorf("stored orders = %d, want 1", len(store.All()))
	}
	if got := hub.orderStatuses(); len(got) != 1 || got[0] != models.OrderStatusPending {
		t.Errorf("broadcasts = %v", got)
	}
}

func TestOrderQueue_CreateOrder_Idempotent(t *testing.T) {
	q, store, _, _ := newTestQueue(t)
	ctx := context.Background()

	first, created, err := q.CreateOrder(ctx, buySpec("bot-1", 3))
	if err != nil || !created {
		t.Fatalf("first CreateOrder() = %v, %v", created, err)
	}

	second, created, err := q.CreateOrder(ctx, buySpec("bot-1", 3))
	if err != nil {
		t.Fatalf("second CreateOrder() error = %v", err)
	}
	if created {
		t.Error("duplicate submission must not create a new order")
	}
	if second.ID != first.ID {
		t.Errorf("second id = %d, want %d", second.ID, first.ID)
	}
	if len(store.All()) != 1 {
		t.Errorf("stored orders = %d, want 1", len(store.All()))
	}
}

func TestOrderQueue_CreateOrder_ExplicitClientOrderID(t *testing.T) {
	q, _, _, _ := newTestQueue(t)
	spec := buySpec("bot-1", 1)
	spec.ClientOrderID = "my-key-1"
	spec.MaxAttempts = 2

	order, _, err := q.CreateOrder(context.Background(), spec)
	if err != nil {
		t.Fatalf("CreateOrder() error = %v", err)
	}
	if order.ClientOrderID != "my-key-1" {
		t.Errorf("client_order_id = %s", order.ClientOrderID)
	}
	if order.MaxAttempts != 2 {
		t.Errorf("max_attempts = %d, want 2", order.MaxAttempts)
	}
}

func TestOrderQueue_CreateOrder_OneActivePerBot(t *testing.T) {
	q, _, _, _ := newTestQueue(t)
	ctx := context.Background()

	first, _, err := q.CreateOrder(ctx, buySpec("bot-1", 1))
	if err != nil {
		t.Fatalf("CreateOrder() error = %v", err)
	}

	_, _, err = q.CreateOrder(ctx, buySpec("bot-1", 2))
	if !errors.Is(err, ErrBotHasActiveOrder) {
		t.Fatalf("second active order error = %v, want ErrBotHasActiveOrder", err)
	}
	if !strings.Contains(err.Error(), first.ClientOrderID) {
		t.Errorf("error %q does not name blocking order %s", err, first.ClientOrderID)
	}

	// другой бот не затронут
	if _, _, err := q.CreateOrder(ctx, buySpec("bot-2", 1)); err != nil {
		t.Fatalf("other bot CreateOrder() error = %v", err)
	}

	claimed := claim(t, q, first, "cred-a")
	if _, err := q.MarkCompleted(ctx, claimed.ID, models.OrderResult{ExchangeOrderID: "ex-1"}); err != nil {
		t.Fatalf("MarkCompleted() error = %v", err)
	}

	if _, created, err := q.CreateOrder(ctx, buySpec("bot-1", 2)); err != nil || !created {
		t.Fatalf("after completion CreateOrder() = %v, %v", created, err)
	}
}

func TestOrderQueue_CreateOrder_StoreError(t *testing.T) {
	q, store, _, _ := newTestQueue(t)
	store.Err = errors.New("db down")

	if _, _, err := q.CreateOrder(context.Background(), buySpec("bot-1", 1)); err == nil {
		t.Fatal("expected store error")
	}
}

func TestOrderQueue_Claim(t *testing.T) {
	q, _, clock, _ := newTestQueue(t)
	ctx := context.Background()

	order, _, _ := q.CreateOrder(ctx, buySpec("bot-1", 1))
	claimed := claim(t, q, order, "cred-a")

	if claimed.Status != models.OrderStatusProcessing {
		t.Errorf("status = %s, want PROCESSING", claimed.Status)
	}
	if claimed.Attempts != 1 {
		t.Errorf("attempts = %d, want 1", claimed.Attempts)
	}
	if claimed.CredentialUsed != "cred-a" {
		t.Errorf("credential_used = %s", claimed.CredentialUsed)
	}
	if claimed.LastAttemptAt == nil || !claimed.LastAttemptAt.Equal(clock.Now()) {
		t.Errorf("last_attempt_at = %v", claimed.LastAttemptAt)
	}

	// второй исполнитель со старым снимком проигрывает
	if _, err := q.Claim(ctx, order, "cred-b"); !errors.Is(err, repository.ErrOrderConflict) {
		t.Errorf("second Claim() error = %v, want ErrOrderConflict", err)
	}

	// PROCESSING нельзя захватить повторно
	if _, err := q.Claim(ctx, claimed, "cred-b"); !errors.Is(err, repository.ErrOrderConflict) {
		t.Errorf("Claim(PROCESSING) error = %v, want ErrOrderConflict", err)
	}
}

func TestOrderQueue_MarkFailed_Backoff(t *testing.T) {
	q, _, clock, _ := newTestQueue(t)
	ctx := context.Background()

	spec := buySpec("bot-1", 1)
	spec.MaxAttempts = 6
	order, _, _ := q.CreateOrder(ctx, spec)

	want := []time.Duration{10 * time.Second, 20 * time.Second, 40 * time.Second, 80 * time.Second, 160 * time.Second}
	for i, delay := range want {
		claimed := claim(t, q, order, "cred-a")
		failed, err := q.MarkFailed(ctx, claimed, Failure{Reason: "timeout", Kind: "network", Credential: "cred-a"})
		if err != nil {
			t.Fatalf("MarkFailed() attempt %d error = %v", i+1, err)
		}
		if failed.Status != models.OrderStatusRetry {
			t.Fatalf("attempt %d status = %s, want RETRY", i+1, failed.Status)
		}
		if got := failed.NextRetryAt.Sub(clock.Now()); got != delay {
			t.Errorf("attempt %d delay = %v, want %v", i+1, got, delay)
		}
		if len(failed.Errors) != i+1 {
			t.Errorf("attempt %d errors = %d, want %d", i+1, len(failed.Errors), i+1)
		}
		if failed.Errors[i].CredentialUsed != "cred-a" || failed.Errors[i].Kind != "network" {
			t.Errorf("error entry = %+v", failed.Errors[i])
		}
		order = failed
		clock.Advance(delay)
	}
}

func TestOrderQueue_MarkFailed_AttemptsExhausted(t *testing.T) {
	q, store, _, _ := newTestQueue(t)
	ctx := context.Background()

	spec := buySpec("bot-1", 1)
	spec.MaxAttempts = 2
	order, _, _ := q.CreateOrder(ctx, spec)

	for i := 0; i < 2; i++ {
		claimed := claim(t, q, order, "cred-a")
		var err error
		order, err = q.MarkFailed(ctx, claimed, Failure{Reason: "502", Kind: "network"})
		if err != nil {
			t.Fatalf("MarkFailed() error = %v", err)
		}
	}

	if order.Status != models.OrderStatusFailed {
		t.Fatalf("status = %s, want FAILED", order.Status)
	}
	if order.Attempts != 2 {
		t.Errorf("attempts = %d, want 2", order.Attempts)
	}
	if order.CompletedAt == nil {
		t.Error("completed_at must be set for FAILED")
	}

	// FAILED терминален
	if _, err := q.Claim(ctx, order, "cred-a"); !errors.Is(err, repository.ErrOrderConflict) {
		t.Errorf("Claim(FAILED) error = %v", err)
	}
	if stored := store.Get(order.ID); stored.Attempts > stored.MaxAttempts {
		t.Errorf("attempts %d exceed max %d", stored.Attempts, stored.MaxAttempts)
	}
}

func TestOrderQueue_MarkFailed_TerminalAndExclusion(t *testing.T) {
	tests := []struct {
		name          string
		failure       Failure
		wantStatus    string
		wantExcluded  bool
		wantAbandoned bool
	}{
		{
			name:       "временная ошибка",
			failure:    Failure{Reason: "timeout", Kind: "network", Credential: "cred-a"},
			wantStatus: models.OrderStatusRetry,
		},
		{
			name:         "ошибка ключа исключает ключ",
			failure:      Failure{Reason: "invalid api key", Kind: "auth", Credential: "cred-a", ExcludeCredential: true},
			wantStatus:   models.OrderStatusRetry,
			wantExcluded: true,
		},
		{
			name:       "терминальная ошибка",
			failure:    Failure{Reason: "insufficient balance", Kind: "insufficient_funds", Credential: "cred-a", Terminal: true},
			wantStatus: models.OrderStatusFailed,
		},
		{
			name:          "брошенный ордер",
			failure:       Failure{Reason: "too many errors", Credential: "cred-a", Abandoned: true},
			wantStatus:    models.OrderStatusFailed,
			wantAbandoned: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			q, _, _, _ := newTestQueue(t)
			ctx := context.Background()

			order, _, _ := q.CreateOrder(ctx, buySpec("bot-1", 1))
			claimed := claim(t, q, order, "cred-a")

			got, err := q.MarkFailed(ctx, claimed, tt.failure)
			if err != nil {
				t.Fatalf("MarkFailed() error = %v", err)
			}
			if got.Status != tt.wantStatus {
				t.Errorf("status = %s, want %s", got.Status, tt.wantStatus)
			}
			if got.HasFailedCredential("cred-a") != tt.wantExcluded {
				t.Errorf("failed_credentials = %v", got.FailedCredentials)
			}
			if got.Abandoned != tt.wantAbandoned {
				t.Errorf("abandoned = %v, want %v", got.Abandoned, tt.wantAbandoned)
			}
			if got.LastError != tt.failure.Reason {
				t.Errorf("last_error = %q", got.LastError)
			}
		})
	}
}

func TestOrderQueue_MarkFailed_NotProcessing(t *testing.T) {
	q, _, _, _ := newTestQueue(t)
	ctx := context.Background()

	order, _, _ := q.CreateOrder(ctx, buySpec("bot-1", 1))
	claimed := claim(t, q, order, "cred-a")
	if _, err := q.MarkCompleted(ctx, claimed.ID, models.OrderResult{}); err != nil {
		t.Fatalf("MarkCompleted() error = %v", err)
	}

	// снимок PROCESSING устарел - запись неудачи не должна перезаписать COMPLETED
	if _, err := q.MarkFailed(ctx, claimed, Failure{Reason: "late"}); !errors.Is(err, repository.ErrOrderConflict) {
		t.Errorf("MarkFailed() on completed order error = %v, want ErrOrderConflict", err)
	}
}

func TestOrderQueue_MarkCompleted(t *testing.T) {
	q, store, _, hub := newTestQueue(t)
	ctx := context.Background()

	order, _, _ := q.CreateOrder(ctx, buySpec("bot-1", 1))
	claimed := claim(t, q, order, "cred-a")

	result := models.OrderResult{
		ExchangeOrderID: "ex-42",
		ExecutedPrice:   decimal.NewFromInt(60000),
		ExecutedVolume:  decimal.RequireFromString("0.01"),
	}
	done, err := q.MarkCompleted(ctx, claimed.ID, result)
	if err != nil {
		t.Fatalf("MarkCompleted() error = %v", err)
	}
	if done.Status != models.OrderStatusCompleted || done.ExchangeOrderID != "ex-42" {
		t.Errorf("completed order = %+v", done)
	}
	if !done.ExecutedPrice.Equal(result.ExecutedPrice) {
		t.Errorf("executed_price = %s", done.ExecutedPrice)
	}

	// повторный вызов возвращает сохранённую запись
	again, err := q.MarkCompleted(ctx, claimed.ID, models.OrderResult{ExchangeOrderID: "other"})
	if err != nil {
		t.Fatalf("repeated MarkCompleted() error = %v", err)
	}
	if again.ExchangeOrderID != "ex-42" {
		t.Errorf("repeated MarkCompleted() overwrote result: %s", again.ExchangeOrderID)
	}
	if store.Calls["Complete"] != 2 {
		t.Errorf("Complete calls = %d, want 2", store.Calls["Complete"])
	}

	statuses := hub.orderStatuses()
	if statuses[len(statuses)-1] != models.OrderStatusCompleted {
		t.Errorf("last broadcast = %v", statuses)
	}
}

func TestOrderQueue_MarkCompleted_TransientStoreError(t *testing.T) {
	q, store, _, _ := newTestQueue(t)
	ctx := context.Background()

	order, _, _ := q.CreateOrder(ctx, buySpec("bot-1", 1))
	claimed := claim(t, q, order, "cred-a")

	store.FailNext = errors.New("connection reset")
	done, err := q.MarkCompleted(ctx, claimed.ID, models.OrderResult{ExchangeOrderID: "ex-1"})
	if err != nil {
		t.Fatalf("MarkCompleted() error = %v", err)
	}
	if done.Status != models.OrderStatusCompleted {
		t.Errorf("status = %s", done.Status)
	}
	if store.Calls["Complete"] != 2 {
		t.Errorf("Complete calls = %d, want 2 (one retry)", store.Calls["Complete"])
	}
}

func TestOrderQueue_MarkCompleted_WrongStatus(t *testing.T) {
	q, _, _, _ := newTestQueue(t)
	ctx := context.Background()

	order, _, _ := q.CreateOrder(ctx, buySpec("bot-1", 1))
	if _, err := q.MarkCompleted(ctx, order.ID, models.OrderResult{}); !errors.Is(err, repository.ErrOrderConflict) {
		t.Errorf("MarkCompleted(PENDING) error = %v, want ErrOrderConflict", err)
	}
	if _, err := q.MarkCompleted(ctx, 999, models.OrderResult{}); !errors.Is(err, repository.ErrOrderNotFound) {
		t.Errorf("MarkCompleted(missing) error = %v, want ErrOrderNotFound", err)
	}
}

func TestOrderQueue_Defer(t *testing.T) {
	q, _, clock, _ := newTestQueue(t)
	ctx := context.Background()

	order, _, _ := q.CreateOrder(ctx, buySpec("bot-1", 1))
	deferred, err := q.Defer(ctx, order, time.Minute)
	if err != nil {
		t.Fatalf("Defer() error = %v", err)
	}
	if deferred.Status != models.OrderStatusRetry {
		t.Errorf("status = %s, want RETRY", deferred.Status)
	}
	if deferred.Attempts != 0 {
		t.Errorf("attempts = %d, deferral must not count as attempt", deferred.Attempts)
	}
	if !deferred.NextRetryAt.Equal(clock.Now().Add(time.Minute)) {
		t.Errorf("next_retry_at = %v", deferred.NextRetryAt)
	}

	eligible, _ := q.GetOrdersEligibleForExecution(ctx, clock.Now(), 10)
	if len(eligible) != 0 {
		t.Errorf("deferred order is eligible too early")
	}
	eligible, _ = q.GetOrdersEligibleForExecution(ctx, clock.Now().Add(time.Minute), 10)
	if len(eligible) != 1 {
		t.Errorf("deferred order not eligible after delay")
	}
}

func TestOrderQueue_ResetStuckOrders(t *testing.T) {
	q, _, clock, _ := newTestQueue(t)
	ctx := context.Background()

	order, _, _ := q.CreateOrder(ctx, buySpec("bot-1", 1))
	claimed := claim(t, q, order, "cred-a")

	// ещё не завис
	clock.Advance(2 * time.Minute)
	n, err := q.ResetStuckOrders(ctx, 5*time.Minute)
	if err != nil || n != 0 {
		t.Fatalf("ResetStuckOrders() = %d, %v; want 0", n, err)
	}

	clock.Advance(4 * time.Minute)
	n, err = q.ResetStuckOrders(ctx, 5*time.Minute)
	if err != nil || n != 1 {
		t.Fatalf("ResetStuckOrders() = %d, %v; want 1", n, err)
	}

	reset, _ := q.GetOrder(ctx, claimed.ID)
	if reset.Status != models.OrderStatusRetry {
		t.Errorf("status = %s, want RETRY", reset.Status)
	}
	if len(reset.Errors) != 1 || reset.Errors[0].Error != ReasonStuckTimeout {
		t.Errorf("errors = %+v", reset.Errors)
	}
	if reset.Attempts != 1 {
		t.Errorf("attempts = %d, reset must not add an attempt", reset.Attempts)
	}

	// повторный проход не трогает ордер
	n, _ = q.ResetStuckOrders(ctx, 5*time.Minute)
	if n != 0 {
		t.Errorf("second reset = %d, want 0", n)
	}
	again, _ := q.GetOrder(ctx, claimed.ID)
	if len(again.Errors) != 1 {
		t.Errorf("order reset twice: %d errors", len(again.Errors))
	}
}

func TestOrderQueue_ResetStuckOrders_LastAttempt(t *testing.T) {
	q, _, clock, _ := newTestQueue(t)
	ctx := context.Background()

	spec := buySpec("bot-1", 1)
	spec.MaxAttempts = 1
	order, _, _ := q.CreateOrder(ctx, spec)
	claimed := claim(t, q, order, "cred-a")

	clock.Advance(10 * time.Minute)
	if n, err := q.ResetStuckOrders(ctx, 5*time.Minute); err != nil || n != 1 {
		t.Fatalf("ResetStuckOrders() = %d, %v", n, err)
	}

	got, _ := q.GetOrder(ctx, claimed.ID)
	if got.Status != models.OrderStatusFailed {
		t.Errorf("status = %s, want FAILED", got.Status)
	}
}

func TestOrderQueue_ResetAllProcessing(t *testing.T) {
	q, _, _, _ := newTestQueue(t)
	ctx := context.Background()

	a, _, _ := q.CreateOrder(ctx, buySpec("bot-1", 1))
	b, _, _ := q.CreateOrder(ctx, buySpec("bot-2", 1))
	claim(t, q, a, "cred-a")
	claim(t, q, b, "cred-a")

	n, err := q.ResetAllProcessing(ctx)
	if err != nil {
		t.Fatalf("ResetAllProcessing() error = %v", err)
	}
	if n != 2 {
		t.Errorf("reset = %d, want 2", n)
	}
}

func TestOrderQueue_FailedCredentials(t *testing.T) {
	q, _, _, _ := newTestQueue(t)
	ctx := context.Background()

	order, _, _ := q.CreateOrder(ctx, buySpec("bot-1", 1))
	claimed := claim(t, q, order, "cred-a")
	failed, _ := q.MarkFailed(ctx, claimed, Failure{Reason: "bad key", Kind: "auth", Credential: "cred-a", ExcludeCredential: true})
	if !failed.HasFailedCredential("cred-a") {
		t.Fatalf("credential not excluded: %v", failed.FailedCredentials)
	}

	if err := q.ClearFailedCredentials(ctx, order.ID); err != nil {
		t.Fatalf("ClearFailedCredentials() error = %v", err)
	}
	got, _ := q.GetOrder(ctx, order.ID)
	if len(got.FailedCredentials) != 0 {
		t.Errorf("failed_credentials = %v", got.FailedCredentials)
	}

	claimed = claim(t, q, got, "cred-a")
	q.MarkFailed(ctx, claimed, Failure{Reason: "bad key", Kind: "auth", Credential: "cred-a", ExcludeCredential: true})
	n, err := q.ClearAllFailedCredentials(ctx)
	if err != nil || n != 1 {
		t.Errorf("ClearAllFailedCredentials() = %d, %v; want 1", n, err)
	}
}

func TestOrderQueue_DeleteOrdersByUser(t *testing.T) {
	q, store, _, _ := newTestQueue(t)
	ctx := context.Background()

	a, _, _ := q.CreateOrder(ctx, buySpec("bot-1", 1))
	q.CreateOrder(ctx, buySpec("bot-2", 1))
	claim(t, q, a, "cred-a")

	n, err := q.DeleteOrdersByUser(ctx, "user-1")
	if err != nil {
		t.Fatalf("DeleteOrdersByUser() error = %v", err)
	}
	if n != 1 {
		t.Errorf("deleted = %d, want 1 (PROCESSING kept)", n)
	}
	if left := store.All(); len(left) != 1 || left[0].Status != models.OrderStatusProcessing {
		t.Errorf("remaining = %+v", left)
	}
}

func TestOrderQueue_MarkRecovered(t *testing.T) {
	q, store, _, _ := newTestQueue(t)
	ctx := context.Background()

	exit := store.Put(&models.Order{
		ClientOrderID: "exit-1",
		UserID:        "user-1",
		BotID:         "bot-1",
		Side:          models.SideSell,
		Status:        models.OrderStatusFailed,
		Abandoned:     true,
	})

	pending, err := q.GetUnrecoveredAbandonedExits(ctx, 10)
	if err != nil || len(pending) != 1 {
		t.Fatalf("GetUnrecoveredAbandonedExits() = %d, %v", len(pending), err)
	}

	first, err := q.MarkRecovered(ctx, exit.ID)
	if err != nil || !first {
		t.Fatalf("first MarkRecovered() = %v, %v", first, err)
	}
	second, err := q.MarkRecovered(ctx, exit.ID)
	if err != nil || second {
		t.Errorf("second MarkRecovered() = %v, %v; want false", second, err)
	}

	pending, _ = q.GetUnrecoveredAbandonedExits(ctx, 10)
	if len(pending) != 0 {
		t.Errorf("recovered exit still listed")
	}
}

func TestOrderQueue_Depth(t *testing.T) {
	q, _, _, _ := newTestQueue(t)
	ctx := context.Background()

	a, _, _ := q.CreateOrder(ctx, buySpec("bot-1", 1))
	q.CreateOrder(ctx, buySpec("bot-2", 1))
	claim(t, q, a, "cred-a")

	depth, err := q.Depth(ctx)
	if err != nil {
		t.Fatalf("Depth() error = %v", err)
	}
	if depth[models.OrderStatusPending] != 1 || depth[models.OrderStatusProcessing] != 1 {
		t.Errorf("depth = %v", depth)
	}
}

func TestNewOrderQueue_Defaults(t *testing.T) {
	q := NewOrderQueue(repotest.NewOrderStore(), QueueConfig{}, utils.NewNop())
	if q.MaxAttempts() != 5 {
		t.Errorf("default MaxAttempts = %d", q.MaxAttempts())
	}
	if q.BackoffDelay(1) != 10*time.Second || q.BackoffDelay(3) != 40*time.Second {
		t.Errorf("default backoff = %v, %v", q.BackoffDelay(1), q.BackoffDelay(3))
	}
}

func TestQueueConfigFrom(t *testing.T) {
	cfg := config.Default()
	cfg.Retry.InitialDelay = 2 * time.Second
	cfg.Retry.MaxAttempts = 7

	qc := QueueConfigFrom(cfg)
	if qc.MaxAttempts != 7 {
		t.Errorf("MaxAttempts = %d, want 7", qc.MaxAttempts)
	}
	if qc.Backoff.Delay(2) != 8*time.Second {
		t.Errorf("Backoff.Delay(2) = %v, want 8s", qc.Backoff.Delay(2))
	}
	if qc.StoreRetry.MaxRetries != retry.DefaultConfig().MaxRetries {
		t.Errorf("StoreRetry = %+v", qc.StoreRetry)
	}
}
