//go:build integration

// Package integration contains integration tests for the order execution queue.
//
// These tests verify the interaction between components against a real PostgreSQL:
// - API tests: full HTTP request cycle through routes, middleware and services
// - WebSocket tests: order and tick events reach subscribers
// - Database tests: migrations, uniqueness and conditional transitions
//
// Run with: go test -tags=integration ./tests/integration/...
package integration

import (
	"bytes"
	"context"
	"database/sql"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"strconv"
	"testing"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/shopspring/decimal"
	"golang.org/x/crypto/bcrypt"

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

var json = jsoniter.ConfigCompatibleWithStandardLibrary

const testAdminToken = "integration-admin-token"

// TestServer encapsulates all components needed for integration testing
type TestServer struct {
	DB       *sql.DB
	Server   *httptest.Server
	Hub      *websocket.Hub
	Repos    *TestRepositories
	Queue    *service.OrderQueue
	Creds    *service.CredentialService
	Notes    *service.NotificationService
	Engine   *bot.Engine
	Exchange *exchange.Paper
	Cleanup  func()
}

// TestRepositories contains all repository instances for testing
type TestRepositories struct {
	Order        *repository.OrderRepository
	Credential   *repository.CredentialRepository
	Bot          *repository.BotRepository
	Notification *repository.NotificationRepository
}

// getTestDBConfig returns configuration from environment variables or defaults
func getTestDBConfig() config.DatabaseConfig {
	port, _ := strconv.Atoi(getEnv("TEST_DB_PORT", "5432"))
	return config.DatabaseConfig{
		Driver:       getEnv("TEST_DB_DRIVER", "postgres"),
		Host:         getEnv("TEST_DB_HOST", "localhost"),
		Port:         port,
		Name:         getEnv("TEST_DB_NAME", "orderqueue_test"),
		User:         getEnv("TEST_DB_USER", "postgres"),
		Password:     getEnv("TEST_DB_PASSWORD", "postgres"),
		SSLMode:      getEnv("TEST_DB_SSLMODE", "disable"),
		MaxOpenConns: 5,
		MaxIdleConns: 2,
		ConnMaxLife:  5 * time.Minute,
	}
}

// getEnv returns environment variable value or default
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// SetupTestDB opens a migrated, empty test database or skips the test
func SetupTestDB(t *testing.T) *sql.DB {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	db, err := repository.Open(ctx, getTestDBConfig())
	if err != nil {
		t.Skipf("Skipping integration test: cannot connect to database: %v", err)
	}
	if err := repository.Migrate(ctx, db); err != nil {
		db.Close()
		t.Skipf("Skipping integration test: cannot migrate: %v", err)
	}
	cleanupTestTables(t, db)

	t.Cleanup(func() {
		cleanupTestTables(t, db)
		db.Close()
	})
	return db
}

// cleanupTestTables removes all rows between tests
func cleanupTestTables(t *testing.T, db *sql.DB) {
	t.Helper()
	for _, table := range []string{"orders", "exchange_credentials", "bots", "notifications"} {
		if _, err := db.Exec("TRUNCATE TABLE " + table + " RESTART IDENTITY CASCADE"); err != nil {
			t.Logf("failed to truncate %s: %v", table, err)
		}
	}
}

// SetupTestServer creates a complete test server with all components
func SetupTestServer(t *testing.T) *TestServer {
	t.Helper()
	db := SetupTestDB(t)
	log := utils.NewNop()

	hash, err := crypto.HashToken(testAdminToken, bcrypt.MinCost)
	if err != nil {
		t.Fatalf("HashToken: %v", err)
	}
	key, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	vault, err := crypto.NewVault(key)
	if err != nil {
		t.Fatalf("NewVault: %v", err)
	}

	repos := &TestRepositories{
		Order:        repository.NewOrderRepository(db),
		Credential:   repository.NewCredentialRepository(db),
		Bot:          repository.NewBotRepository(db),
		Notification: repository.NewNotificationRepository(db),
	}

	hub := websocket.NewHub(nil, log)
	go hub.Run()

	queue := service.NewOrderQueue(repos.Order, service.QueueConfig{MaxAttempts: 3}, log)
	queue.SetWebSocketHub(hub)
	creds := service.NewCredentialService(repos.Credential, vault, log)
	notes := service.NewNotificationService(repos.Notification, log)
	notes.SetWebSocketHub(hub)

	paper := exchange.NewPaper(map[string]decimal.Decimal{
		"BTCUSDT": decimal.NewFromInt(60000),
	})

	breakers := bot.NewBreakerRegistry(bot.DefaultBreakerConfig(), log)
	recovery := bot.NewRecoveryCoordinator(bot.DefaultRecoveryConfig(), queue, repos.Bot, log)
	recovery.SetNotifier(notes)
	recovery.SetEventBroadcaster(hub)

	execCfg := bot.DefaultExecutorConfig()
	execCfg.OrdersPerSecond = 100
	execCfg.MaxConcurrentPerKey = 5
	executor := bot.NewExecutor(execCfg, queue, creds, paper, breakers, recovery, log)
	executor.SetNotifier(notes)
	executor.SetEventBroadcaster(hub)

	engine := bot.NewEngine(bot.DefaultEngineConfig(), executor, breakers, log)
	engine.SetNotifier(notes)
	engine.SetEventBroadcaster(hub)
	engine.SetNotificationCleaner(notes)

	router := api.SetupRoutes(&api.Dependencies{
		OrderQueue:          queue,
		CredentialService:   creds,
		NotificationService: notes,
		Engine:              engine,
		Hub:                 hub,
		DB:                  db,
		AdminTokenHash:      hash,
		Log:                 log,
	})
	server := httptest.NewServer(router)

	ts := &TestServer{
		DB:       db,
		Server:   server,
		Hub:      hub,
		Repos:    repos,
		Queue:    queue,
		Creds:    creds,
		Notes:    notes,
		Engine:   engine,
		Exchange: paper,
	}
	ts.Cleanup = func() {
		server.Close()
		hub.Stop()
	}
	t.Cleanup(ts.Cleanup)
	return ts
}

// Do sends an authenticated JSON request and returns status and body
func (ts *TestServer) Do(t *testing.T, method, path string, body interface{}) (int, []byte) {
	t.Helper()
	return ts.DoWithToken(t, method, path, body, testAdminToken)
}

// DoWithToken sends a JSON request with the given admin token
func (ts *TestServer) DoWithToken(t *testing.T, method, path string, body interface{}, token string) (int, []byte) {
	t.Helper()

	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(b)
	}

	req, err := http.NewRequest(method, ts.Server.URL+path, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return resp.StatusCode, data
}

// AddCredential registers a paper credential for the user through the API
func (ts *TestServer) AddCredential(t *testing.T, userID, label string, priority int) string {
	t.Helper()
	status, body := ts.Do(t, http.MethodPost, "/api/v1/admin/users/"+userID+"/credentials", map[string]interface{}{
		"exchange": "paper",
		"label":    label,
		"api_key":  "key-" + label,
		"secret":   "secret-" + label,
		"priority": priority,
	})
	if status != http.StatusCreated {
		t.Fatalf("add credential: status %d: %s", status, body)
	}
	var cred struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(body, &cred); err != nil {
		t.Fatalf("decode credential: %v", err)
	}
	return cred.ID
}

// orderBody returns a valid market order request
func orderBody(userID, botID, side string, cycle int64) map[string]interface{} {
	return map[string]interface{}{
		"user_id": userID,
		"bot_id":  botID,
		"cycle":   cycle,
		"pair":    "BTCUSDT",
		"side":    side,
		"type":    "market",
		"volume":  "0.01",
	}
}

func mustDecode(t *testing.T, data []byte, v interface{}) {
	t.Helper()
	if err := json.Unmarshal(data, v); err != nil {
		t.Fatalf("decode %s: %v", data, err)
	}
}

func itoa(id int64) string {
	return fmt.Sprintf("%d", id)
}
