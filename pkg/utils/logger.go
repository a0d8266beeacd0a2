package utils

import (
	"os"
	"strings"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// LogConfig параметры логгера
type LogConfig struct {
	Level       string // debug, info, warn, error
	Format      string // json или text
	Output      string // путь к файлу; пусто = stderr
	Development bool
}

// Logger - обёртка над zap.Logger с доменными хелперами очереди ордеров
type Logger struct {
	*zap.Logger
}

var (
	globalLogger *Logger
	globalMu     sync.RWMutex
)

// InitLogger создаёт логгер по конфигурации.
// При ошибке открытия файла пишет в stderr, паники нет.
func InitLogger(cfg LogConfig) *Logger {
	level := parseLevel(cfg.Level)

	encCfg := zap.NewProductionEncoderConfig()
	encCfg.TimeKey = "ts"
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	if cfg.Development {
		encCfg = zap.NewDevelopmentEncoderConfig()
	}

	var encoder zapcore.Encoder
	if strings.ToLower(cfg.Format) == "text" {
		encCfg.EncodeLevel = zapcore.CapitalLevelEncoder
		encoder = zapcore.NewConsoleEncoder(encCfg)
	} else {
		encoder = zapcore.NewJSONEncoder(encCfg)
	}

	sink := zapcore.Lock(os.Stderr)
	if cfg.Output != "" && cfg.Output != "stderr" {
		if cfg.Output == "stdout" {
			sink = zapcore.Lock(os.Stdout)
		} else if f, err := os.OpenFile(cfg.Output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644); err == nil {
			sink = zapcore.AddSync(f)
		}
	}

	opts := []zap.Option{zap.AddCaller(), zap.AddStacktrace(zapcore.ErrorLevel)}
	if cfg.Development {
		opts = append(opts, zap.Development())
	}

	z := zap.New(zapcore.NewCore(encoder, sink, level), opts...)
	return &Logger{Logger: z}
}

// parseLevel переводит строку в уровень zap, по умолчанию info
func parseLevel(level string) zapcore.Level {
	switch strings.ToLower(level) {
	case "debug":
		return zapcore.DebugLevel
	case "info":
		return zapcore.InfoLevel
	case "warn", "warning":
		return zapcore.WarnLevel
	case "error":
		return zapcore.ErrorLevel
	case "fatal":
		return zapcore.FatalLevel
	default:
		return zapcore.InfoLevel
	}
}

// ============================================================
// Глобальный логгер
// ============================================================

// GetGlobalLogger возвращает глобальный логгер, создавая дефолтный при первом вызове
func GetGlobalLogger() *Logger {
	globalMu.RLock()
	l := globalLogger
	globalMu.RUnlock()
	if l != nil {
		return l
	}

	globalMu.Lock()
	defer globalMu.Unlock()
	if globalLogger == nil {
		globalLogger = InitLogger(LogConfig{Level: "info", Format: "json"})
	}
	return globalLogger
}

// L - короткий алиас GetGlobalLogger
func L() *Logger {
	return GetGlobalLogger()
}

// InitGlobalLogger создаёт логгер и делает его глобальным
func InitGlobalLogger(cfg LogConfig) *Logger {
	l := InitLogger(cfg)
	SetGlobalLogger(l)
	return l
}

// SetGlobalLogger подменяет глобальный логгер (используется в тестах)
func SetGlobalLogger(l *Logger) {
	globalMu.Lock()
	globalLogger = l
	globalMu.Unlock()
}

// OrGlobal возвращает l, либо глобальный логгер если l == nil
func OrGlobal(l *Logger) *Logger {
	if l != nil {
		return l
	}
	return L()
}

// NewNop - логгер, который ничего не пишет
func NewNop() *Logger {
	z := zap.NewNop()
	return &Logger{Logger: z}
}

// With возвращает дочерний логгер с полями
func (l *Logger) With(fields ...zap.Field) *Logger {
	z := l.Logger.With(fields...)
	return &Logger{Logger: z}
}

// WithComponent - дочерний логгер компонента (executor, recovery, hub...)
func (l *Logger) WithComponent(name string) *Logger {
	return l.With(Component(name))
}

// ============================================================
// Конструкторы доменных полей
// ============================================================

func OrderID(id int64) zap.Field { return zap.Int64("order_id", id) }
func ClientOrderID(id string) zap.Field { return zap.String("client_order_id", id) }
func BotID(id string) zap.Field { return zap.String("bot_id", id) }
func UserID(id string) zap.Field { return zap.String("user_id", id) }
func Credential(id string) zap.Field { return zap.String("credential", id) }
func Exchange(name string) zap.Field { return zap.String("exchange", name) }
func Pair(pair string) zap.Field { return zap.String("pair", pair) }
func Side(side string) zap.Field { return zap.String("side", side) }
func Status(status string) zap.Field { return zap.String("status", status) }
func Attempt(n int) zap.Field { return zap.Int("attempt", n) }
func ErrorKind(kind string) zap.Field { return zap.String("error_kind", kind) }
func BreakerState(state string) zap.Field { return zap.String("breaker_state", state) }
func Component(name string) zap.Field { return zap.String("component", name) }
func RequestID(id string) zap.Field { return zap.String("request_id", id) }

// Field - поле структурированного лога
type Field = zap.Field

// Переэкспорт базовых конструкторов zap, чтобы пакеты не импортировали zap напрямую
var (
	String   = zap.String
	Int      = zap.Int
	Int64    = zap.Int64
	Float64  = zap.Float64
	Bool     = zap.Bool
	Duration = zap.Duration
	Time     = zap.Time
	Err      = zap.Error
	Any      = zap.Any
)
