package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config содержит всю конфигурацию приложения
//
// Порядок применения: значения по умолчанию -> YAML файл (CONFIG_FILE) ->
// .env -> переменные окружения. Каждый следующий слой переопределяет предыдущий.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Database DatabaseConfig `yaml:"database"`
	Security SecurityConfig `yaml:"security"`
	Executor ExecutorConfig `yaml:"executor"`
	Retry    RetryConfig    `yaml:"retry"`
	Breaker  BreakerConfig  `yaml:"breaker"`
	Exchange ExchangeConfig `yaml:"exchange"`
	Logging  LoggingConfig  `yaml:"logging"`
}

// ServerConfig - настройки HTTP сервера (API администрирования и продюсера)
type ServerConfig struct {
	Port     int    `yaml:"port"`
	Host     string `yaml:"host"`
	UseHTTPS bool   `yaml:"use_https"`
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
}

// DatabaseConfig - настройки подключения к БД
type DatabaseConfig struct {
	Driver       string        `yaml:"driver"`
	Host         string        `yaml:"host"`
	Port         int           `yaml:"port"`
	Name         string        `yaml:"name"`
	User         string        `yaml:"user"`
	Password     string        `yaml:"password"`
	SSLMode      string        `yaml:"ssl_mode"`
	MaxOpenConns int           `yaml:"max_open_conns"`
	MaxIdleConns int           `yaml:"max_idle_conns"`
	ConnMaxLife  time.Duration `yaml:"conn_max_lifetime"`
}

// SecurityConfig - настройки безопасности
type SecurityConfig struct {
	AdminTokenHash string   `yaml:"admin_token_hash"` // bcrypt хеш токена администратора
	EncryptionKey  string   `yaml:"encryption_key"`   // AES-256 ключ для секретов бирж
	AllowedOrigins []string `yaml:"allowed_origins"`  // для websocket
}

// ExecutorConfig - расписание и параллелизм исполнителя
type ExecutorConfig struct {
	TickInterval               time.Duration `yaml:"tick_interval"`
	MaxConcurrentOrders        int           `yaml:"max_concurrent_orders"`
	MaxConcurrentPerAPIKey     int           `yaml:"max_concurrent_per_api_key"`
	OrdersPerSecond            float64       `yaml:"orders_per_second"`
	ExchangeTimeout            time.Duration `yaml:"exchange_timeout"`
	StuckOrderTimeout          time.Duration `yaml:"stuck_order_timeout"`
	CredentialUnavailableDelay time.Duration `yaml:"credential_unavailable_delay"`
	AbandonThreshold           int           `yaml:"abandon_threshold"`
	InsufficientFundsTerminal  bool          `yaml:"insufficient_funds_terminal"`
}

// RetryConfig - backoff повторов ордера
type RetryConfig struct {
	InitialDelay time.Duration `yaml:"initial_delay"`
	Multiplier   float64       `yaml:"multiplier"`
	MaxDelay     time.Duration `yaml:"max_delay"`
	MaxAttempts  int           `yaml:"max_attempts"`
}

// BreakerConfig - circuit breaker на API ключ
type BreakerConfig struct {
	FailureThreshold int           `yaml:"failure_threshold"`
	FailureWindow    time.Duration `yaml:"failure_window"`
	ResetTimeout     time.Duration `yaml:"reset_timeout"`
	CountRateLimit   bool          `yaml:"count_rate_limit"` // считать ли RateLimit ошибки отказом ключа
}

// ExchangeConfig - внешняя биржа
type ExchangeConfig struct {
	Name       string        `yaml:"name"`     // bybit, paper
	BaseURL    string        `yaml:"base_url"` // пусто = mainnet или testnet по флагу
	RecvWindow time.Duration `yaml:"recv_window"`
	Testnet    bool          `yaml:"testnet"`
}

// LoggingConfig - настройки логирования
type LoggingConfig struct {
	Level       string `yaml:"level"`
	Format      string `yaml:"format"`
	Output      string `yaml:"output"`
	Development bool   `yaml:"development"`
}

// Default возвращает конфигурацию по умолчанию
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Port: 8080,
			Host: "0.0.0.0",
		},
		Database: DatabaseConfig{
			Driver:       "postgres",
			Host:         "localhost",
			Port:         5432,
			Name:         "orderqueue",
			User:         "orderqueue",
			Password:     "password",
			SSLMode:      "disable",
			MaxOpenConns: 25,
			MaxIdleConns: 5,
			ConnMaxLife:  5 * time.Minute,
		},
		Executor: ExecutorConfig{
			TickInterval:               time.Minute,
			MaxConcurrentOrders:        10,
			MaxConcurrentPerAPIKey:     2,
			OrdersPerSecond:            5,
			ExchangeTimeout:            15 * time.Second,
			StuckOrderTimeout:          120 * time.Second,
			CredentialUnavailableDelay: 30 * time.Second,
			AbandonThreshold:           50,
		},
		Retry: RetryConfig{
			InitialDelay: 10 * time.Second,
			Multiplier:   2,
			MaxDelay:     3600 * time.Second,
			MaxAttempts:  5,
		},
		Breaker: BreakerConfig{
			FailureThreshold: 3,
			FailureWindow:    300 * time.Second,
			ResetTimeout:     300 * time.Second,
		},
		Exchange: ExchangeConfig{
			Name:       "paper",
			RecvWindow: 5 * time.Second,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// Load загружает конфигурацию
func Load() (*Config, error) {
	// .env не обязателен, переменные могут прийти из окружения контейнера
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	cfg := Default()

	if path := os.Getenv("CONFIG_FILE"); path != "" {
		if err := cfg.loadFile(path); err != nil {
			return nil, err
		}
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// loadFile накладывает YAML файл поверх текущих значений
func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}
	return nil
}

// applyEnv переопределяет значения переменными окружения
func (c *Config) applyEnv() {
	c.Server.Port = getEnvAsInt("SERVER_PORT", c.Server.Port)
	c.Server.Host = getEnv("SERVER_HOST", c.Server.Host)
	c.Server.UseHTTPS = getEnvAsBool("USE_HTTPS", c.Server.UseHTTPS)
	c.Server.CertFile = getEnv("CERT_FILE", c.Server.CertFile)
	c.Server.KeyFile = getEnv("KEY_FILE", c.Server.KeyFile)

	c.Database.Driver = getEnv("DB_DRIVER", c.Database.Driver)
	c.Database.Host = getEnv("DB_HOST", c.Database.Host)
	c.Database.Port = getEnvAsInt("DB_PORT", c.Database.Port)
	c.Database.Name = getEnv("DB_NAME", c.Database.Name)
	c.Database.User = getEnv("DB_USER", c.Database.User)
	c.Database.Password = getEnv("DB_PASSWORD", c.Database.Password)
	c.Database.SSLMode = getEnv("DB_SSL_MODE", c.Database.SSLMode)
	c.Database.MaxOpenConns = getEnvAsInt("DB_MAX_OPEN_CONNS", c.Database.MaxOpenConns)
	c.Database.MaxIdleConns = getEnvAsInt("DB_MAX_IDLE_CONNS", c.Database.MaxIdleConns)

	c.Security.AdminTokenHash = getEnv("ADMIN_TOKEN_HASH", c.Security.AdminTokenHash)
	c.Security.EncryptionKey = getEnv("ENCRYPTION_KEY", c.Security.EncryptionKey)
	c.Security.AllowedOrigins = getEnvAsSlice("SECURITY_ALLOWED_ORIGINS", c.Security.AllowedOrigins)

	c.Executor.TickInterval = getEnvAsDuration("EXECUTOR_TICK_INTERVAL", c.Executor.TickInterval)
	c.Executor.MaxConcurrentOrders = getEnvAsInt("MAX_CONCURRENT_ORDERS", c.Executor.MaxConcurrentOrders)
	c.Executor.MaxConcurrentPerAPIKey = getEnvAsInt("MAX_CONCURRENT_PER_API_KEY", c.Executor.MaxConcurrentPerAPIKey)
	c.Executor.OrdersPerSecond = getEnvAsFloat("ORDERS_PER_SECOND", c.Executor.OrdersPerSecond)
	c.Executor.ExchangeTimeout = getEnvAsDuration("EXCHANGE_TIMEOUT", c.Executor.ExchangeTimeout)
	c.Executor.StuckOrderTimeout = getEnvAsDuration("STUCK_ORDER_TIMEOUT", c.Executor.StuckOrderTimeout)
	c.Executor.CredentialUnavailableDelay = getEnvAsDuration("CREDENTIAL_UNAVAILABLE_DELAY", c.Executor.CredentialUnavailableDelay)
	c.Executor.AbandonThreshold = getEnvAsInt("ABANDON_THRESHOLD", c.Executor.AbandonThreshold)
	c.Executor.InsufficientFundsTerminal = getEnvAsBool("INSUFFICIENT_FUNDS_TERMINAL", c.Executor.InsufficientFundsTerminal)

	c.Retry.InitialDelay = getEnvAsDuration("RETRY_INITIAL_DELAY", c.Retry.InitialDelay)
	c.Retry.Multiplier = getEnvAsFloat("RETRY_MULTIPLIER", c.Retry.Multiplier)
	c.Retry.MaxDelay = getEnvAsDuration("RETRY_MAX_DELAY", c.Retry.MaxDelay)
	c.Retry.MaxAttempts = getEnvAsInt("RETRY_MAX_ATTEMPTS", c.Retry.MaxAttempts)

	c.Breaker.FailureThreshold = getEnvAsInt("BREAKER_FAILURE_THRESHOLD", c.Breaker.FailureThreshold)
	c.Breaker.FailureWindow = getEnvAsDuration("BREAKER_FAILURE_WINDOW", c.Breaker.FailureWindow)
	c.Breaker.ResetTimeout = getEnvAsDuration("BREAKER_RESET_TIMEOUT", c.Breaker.ResetTimeout)
	c.Breaker.CountRateLimit = getEnvAsBool("BREAKER_COUNT_RATE_LIMIT", c.Breaker.CountRateLimit)

	c.Exchange.Name = getEnv("EXCHANGE_NAME", c.Exchange.Name)
	c.Exchange.BaseURL = getEnv("EXCHANGE_BASE_URL", c.Exchange.BaseURL)
	c.Exchange.RecvWindow = getEnvAsDuration("EXCHANGE_RECV_WINDOW", c.Exchange.RecvWindow)
	c.Exchange.Testnet = getEnvAsBool("EXCHANGE_TESTNET", c.Exchange.Testnet)

	c.Logging.Level = getEnv("LOG_LEVEL", c.Logging.Level)
	c.Logging.Format = getEnv("LOG_FORMAT", c.Logging.Format)
	c.Logging.Output = getEnv("LOG_OUTPUT", c.Logging.Output)
	c.Logging.Development = getEnvAsBool("LOG_DEVELOPMENT", c.Logging.Development)
}

// Validate проверяет безопасность и диапазоны
func (c *Config) Validate() error {
	if err := c.validateSecurity(); err != nil {
		return err
	}
	return c.validateRanges()
}

// validateSecurity проверяет параметры безопасности
func (c *Config) validateSecurity() error {
	// ENCRYPTION_KEY обязателен для расшифровки API ключей бирж
	if c.Security.EncryptionKey == "" {
		return fmt.Errorf("ENCRYPTION_KEY is required for decrypting exchange credentials")
	}
	if len(c.Security.EncryptionKey) != 32 {
		return fmt.Errorf("ENCRYPTION_KEY must be exactly 32 bytes for AES-256")
	}

	if c.Security.AdminTokenHash == "" {
		return fmt.Errorf("ADMIN_TOKEN_HASH is required for the administrative API")
	}
	return nil
}

// validateRanges проверяет числовые диапазоны параметров
func (c *Config) validateRanges() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("SERVER_PORT must be between 1 and 65535, got %d", c.Server.Port)
	}
	if c.Database.Port < 1 || c.Database.Port > 65535 {
		return fmt.Errorf("DB_PORT must be between 1 and 65535, got %d", c.Database.Port)
	}

	e := c.Executor
	if e.TickInterval <= 0 {
		return fmt.Errorf("EXECUTOR_TICK_INTERVAL must be positive, got %v", e.TickInterval)
	}
	if e.MaxConcurrentOrders < 1 {
		return fmt.Errorf("MAX_CONCURRENT_ORDERS must be at least 1, got %d", e.MaxConcurrentOrders)
	}
	if e.MaxConcurrentPerAPIKey < 1 {
		return fmt.Errorf("MAX_CONCURRENT_PER_API_KEY must be at least 1, got %d", e.MaxConcurrentPerAPIKey)
	}
	if e.OrdersPerSecond <= 0 {
		return fmt.Errorf("ORDERS_PER_SECOND must be positive, got %v", e.OrdersPerSecond)
	}
	if e.ExchangeTimeout <= 0 {
		return fmt.Errorf("EXCHANGE_TIMEOUT must be positive, got %v", e.ExchangeTimeout)
	}
	// Таймаут зависания должен превышать таймаут биржи, иначе живой запрос будет сброшен
	if e.StuckOrderTimeout <= e.ExchangeTimeout {
		return fmt.Errorf("STUCK_ORDER_TIMEOUT (%v) must exceed EXCHANGE_TIMEOUT (%v)", e.StuckOrderTimeout, e.ExchangeTimeout)
	}
	if e.AbandonThreshold < 1 {
		return fmt.Errorf("ABANDON_THRESHOLD must be at least 1, got %d", e.AbandonThreshold)
	}

	if c.Retry.InitialDelay <= 0 || c.Retry.MaxDelay < c.Retry.InitialDelay {
		return fmt.Errorf("RETRY_INITIAL_DELAY must be positive and not exceed RETRY_MAX_DELAY")
	}
	if c.Retry.Multiplier < 1 {
		return fmt.Errorf("RETRY_MULTIPLIER must be at least 1, got %v", c.Retry.Multiplier)
	}
	if c.Retry.MaxAttempts < 1 {
		return fmt.Errorf("RETRY_MAX_ATTEMPTS must be at least 1, got %d", c.Retry.MaxAttempts)
	}

	if c.Breaker.FailureThreshold < 1 {
		return fmt.Errorf("BREAKER_FAILURE_THRESHOLD must be at least 1, got %d", c.Breaker.FailureThreshold)
	}
	if c.Breaker.FailureWindow <= 0 || c.Breaker.ResetTimeout <= 0 {
		return fmt.Errorf("BREAKER_FAILURE_WINDOW and BREAKER_RESET_TIMEOUT must be positive")
	}

	switch c.Exchange.Name {
	case "bybit", "paper":
	default:
		return fmt.Errorf("EXCHANGE_NAME must be bybit or paper, got %q", c.Exchange.Name)
	}
	return nil
}

// DSN возвращает строку подключения к базе данных
func (d DatabaseConfig) DSN() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		d.Host, d.Port, d.User, d.Password, d.Name, d.SSLMode)
}

// DSNWithoutPassword возвращает строку подключения без пароля (для логирования)
func (d DatabaseConfig) DSNWithoutPassword() string {
	return fmt.Sprintf("host=%s port=%d user=%s dbname=%s sslmode=%s",
		d.Host, d.Port, d.User, d.Name, d.SSLMode)
}

// Вспомогательные функции для чтения переменных окружения

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsFloat(key string, defaultValue float64) float64 {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseFloat(valueStr, 64)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseBool(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

// getEnvAsSlice читает список через запятую; пустые элементы отбрасываются
func getEnvAsSlice(key string, defaultValue []string) []string {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	var out []string
	for _, part := range strings.Split(valueStr, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := time.ParseDuration(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}
