package websocket

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"

	"orderqueue/internal/bot"
	"orderqueue/internal/models"
	"orderqueue/pkg/utils"
)

// ============================================================
// Unit Tests
// ============================================================

func TestNewHub(t *testing.T) {
	hub := NewHub(nil, utils.NewNop())

	if hub.ClientCount() != 0 {
		t.Errorf("expected 0 clients, got %d", hub.ClientCount())
	}
	if hub.DroppedMessages() != 0 {
		t.Errorf("expected 0 dropped messages, got %d", hub.DroppedMessages())
	}
}

func TestOriginChecker_Check(t *testing.T) {
	checker := NewOriginChecker([]string{"http://localhost:3000", " https://example.com "})

	tests := []struct {
		origin string
		want   bool
	}{
		{"", true},                       // не браузерный клиент
		{"http://localhost:3000", true},  // разрешён
		{"https://example.com", true},    // разрешён, пробелы обрезаны
		{"http://evil.com", false},       // не в списке
		{"http://localhost:8080", false}, // не в списке
	}

	for _, tt := range tests {
		if got := checker.Check(tt.origin); got != tt.want {
			t.Errorf("Check(%q) = %v, want %v", tt.origin, got, tt.want)
		}
	}
}

func TestOriginChecker_AllowAll(t *testing.T) {
	for _, origins := range [][]string{nil, {"*"}, {"", " "}} {
		checker := NewOriginChecker(origins)
		if !checker.Check("https://anything.example.org") {
			t.Errorf("origins %q must allow all", origins)
		}
	}
}

func TestHub_BroadcastNonBlocking(t *testing.T) {
	hub := NewHub(nil, utils.NewNop())
	// Run не запущен: очередь заполняется и лишние сообщения отбрасываются

	done := make(chan struct{})
	go func() {
		for i := 0; i < 300; i++ {
			hub.Broadcast(map[string]int{"i": i})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Broadcast blocked on a full queue")
	}
	if got := hub.DroppedMessages(); got != 300-256 {
		t.Errorf("dropped = %d, want %d", got, 300-256)
	}
}

func TestHub_Stop(t *testing.T) {
	hub := NewHub(nil, utils.NewNop())

	done := make(chan struct{})
	go func() {
		hub.Run()
		close(done)
	}()

	hub.Stop()
	hub.Stop()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Error("Hub.Run() did not exit after Stop()")
	}
}

func TestMessages_Encoding(t *testing.T) {
	order := &models.Order{
		ID:            7,
		ClientOrderID: "cid-7",
		BotID:         "bot-1",
		Status:        models.OrderStatusRetry,
		Attempts:      2,
		Errors:        []models.OrderError{{Error: "a"}, {Error: "b"}},
		LastError:     "b",
		ExecutedPrice: decimal.RequireFromString("50000.5"),
	}

	tests := []struct {
		name     string
		msg      interface{}
		contains []string
	}{
		{
			name:     "orderUpdate",
			msg:      NewOrderUpdateMessage(order),
			contains: []string{`"type":"orderUpdate"`, `"client_order_id":"cid-7"`, `"error_count":2`, `"executed_price":"50000.5"`},
		},
		{
			name:     "breakerState",
			msg:      NewBreakerStateMessage(bot.BreakerSnapshot{Key: "k1", State: bot.BreakerOpen, FailureCount: 3}),
			contains: []string{`"type":"breakerState"`, `"key":"k1"`, `"state":"OPEN"`},
		},
		{
			name:     "botRecovered",
			msg:      NewBotRecoveredMessage("bot-1", 7, "abandoned"),
			contains: []string{`"type":"botRecovered"`, `"bot_id":"bot-1"`, `"order_id":7`},
		},
		{
			name:     "tickSummary",
			msg:      NewTickSummaryMessage(bot.TickResult{Eligible: 4, Completed: 3}),
			contains: []string{`"type":"tickSummary"`, `"eligible":4`, `"completed":3`},
		},
		{
			name:     "notification",
			msg:      NewNotificationMessage(&models.Notification{Type: models.NotificationTypeBreakerOpen, Message: "k1"}),
			contains: []string{`"type":"notification"`, `"BREAKER_OPEN"`},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data, err := json.Marshal(tt.msg)
			if err != nil {
				t.Fatalf("Marshal() error = %v", err)
			}
			for _, s := range tt.contains {
				if !bytes.Contains(data, []byte(s)) {
					t.Errorf("%s missing %s", data, s)
				}
			}
		})
	}
}

// ============================================================
// End-to-end через httptest
// ============================================================

func dial(t *testing.T, hub *Hub) *websocket.Conn {
	t.Helper()
	return dialQuery(t, hub, "")
}

func dialQuery(t *testing.T, hub *Hub, query string) *websocket.Conn {
	t.Helper()
	before := hub.ClientCount()

	srv := httptest.NewServer(httpHandler(hub))
	t.Cleanup(srv.Close)

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + query
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	t.Cleanup(func() { conn.Close() })

	deadline := time.Now().Add(time.Second)
	for hub.ClientCount() == before {
		if time.Now().After(deadline) {
			t.Fatal("client was not registered")
		}
		time.Sleep(time.Millisecond)
	}
	return conn
}

func TestHub_DeliversEventsToClient(t *testing.T) {
	hub := NewHub(nil, utils.NewNop())
	go hub.Run()
	defer hub.Stop()

	conn := dial(t, hub)

	hub.BroadcastOrderUpdate(&models.Order{ID: 1, ClientOrderID: "cid-1", Status: models.OrderStatusCompleted})
	hub.BroadcastTickSummary(bot.TickResult{Completed: 1})

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var types []string
	for len(types) < 2 {
		_, data, err := conn.ReadMessage()
		if err != nil {
			t.Fatalf("ReadMessage() error = %v", err)
		}
		// несколько сообщений могут прийти в одном frame через '\n'
		for _, line := range bytes.Split(data, []byte{'\n'}) {
			var base BaseMessage
			if err := json.Unmarshal(line, &base); err != nil {
				t.Fatalf("Unmarshal(%s) error = %v", line, err)
			}
			types = append(types, string(base.Type))
		}
	}

	if types[0] != string(MessageTypeOrderUpdate) || types[1] != string(MessageTypeTickSummary) {
		t.Errorf("message types = %v", types)
	}
}

// readOrderUsers читает n сообщений и возвращает user_id ордеров ("" для системных событий)
func readOrderUsers(t *testing.T, conn *websocket.Conn, n int) []string {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))

	var users []string
	for len(users) < n {
		_, data, err := conn.ReadMessage()
		if err != nil {
			t.Fatalf("ReadMessage() error = %v", err)
		}
		for _, line := range bytes.Split(data, []byte{'\n'}) {
			var msg struct {
				Type MessageType `json:"type"`
				Data struct {
					UserID string `json:"user_id"`
				} `json:"data"`
			}
			if err := json.Unmarshal(line, &msg); err != nil {
				t.Fatalf("Unmarshal(%s) error = %v", line, err)
			}
			users = append(users, msg.Data.UserID)
		}
	}
	return users
}

func TestHub_FiltersByUser(t *testing.T) {
	hub := NewHub(nil, utils.NewNop())
	go hub.Run()
	defer hub.Stop()

	alice := dialQuery(t, hub, "?user_id=alice")
	all := dialQuery(t, hub, "")

	hub.BroadcastOrderUpdate(&models.Order{ID: 1, UserID: "bob", Status: models.OrderStatusPending})
	hub.BroadcastOrderUpdate(&models.Order{ID: 2, UserID: "alice", Status: models.OrderStatusPending})
	hub.BroadcastTickSummary(bot.TickResult{})

	got := readOrderUsers(t, alice, 2)
	if got[0] != "alice" || got[1] != "" {
		t.Errorf("alice stream = %q, want [alice, system]", got)
	}

	got = readOrderUsers(t, all, 3)
	if got[0] != "bob" || got[1] != "alice" || got[2] != "" {
		t.Errorf("unfiltered stream = %q", got)
	}
}

func TestHub_RejectsForeignOrigin(t *testing.T) {
	hub := NewHub([]string{"https://admin.example.com"}, utils.NewNop())
	go hub.Run()
	defer hub.Stop()

	srv := httptest.NewServer(httpHandler(hub))
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	header := http.Header{"Origin": {"https://evil.example.com"}}
	if _, _, err := websocket.DefaultDialer.Dial(url, header); err == nil {
		t.Fatal("Dial() succeeded for foreign origin")
	}
	if hub.ClientCount() != 0 {
		t.Errorf("clients = %d, want 0", hub.ClientCount())
	}
}

func TestHub_ClientDisconnect(t *testing.T) {
	hub := NewHub(nil, utils.NewNop())
	go hub.Run()
	defer hub.Stop()

	conn := dial(t, hub)
	conn.Close()

	deadline := time.Now().Add(2 * time.Second)
	for hub.ClientCount() != 0 {
		if time.Now().After(deadline) {
			t.Fatal("client was not unregistered")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

// ============================================================
// Parallel Stress Test
// ============================================================

func TestHub_ConcurrentOperations(t *testing.T) {
	hub := NewHub(nil, utils.NewNop())
	go hub.Run()
	defer hub.Stop()

	var wg sync.WaitGroup
	const goroutines = 10
	const operations = 1000

	for i := 0; i < goroutines; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			for j := 0; j < operations; j++ {
				hub.BroadcastOrderUpdate(&models.Order{ID: int64(id*operations + j)})
			}
		}(i)
	}

	for i := 0; i < goroutines; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < operations; j++ {
				_ = hub.ClientCount()
			}
		}()
	}

	wg.Wait()
}

// ============================================================
// Benchmarks
// ============================================================

func BenchmarkHub_BroadcastOrderUpdate(b *testing.B) {
	hub := NewHub(nil, utils.NewNop())
	go hub.Run()
	defer hub.Stop()

	order := &models.Order{ID: 1, ClientOrderID: "cid", Status: models.OrderStatusPending}
	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		hub.BroadcastOrderUpdate(order)
	}
}

func BenchmarkOriginChecker_Check(b *testing.B) {
	checker := NewOriginChecker([]string{"http://localhost:3000"})
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		checker.Check("http://localhost:3000")
	}
}

func httpHandler(hub *Hub) http.Handler {
	return http.HandlerFunc(hub.ServeWS)
}
