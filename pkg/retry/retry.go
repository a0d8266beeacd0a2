package retry

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"time"
)

// Config - расписание повторов.
//
// Задержка после попытки n (с нуля):
//
//	min(InitialDelay * Multiplier^n, MaxDelay) +- JitterFactor
//
// Используется в двух местах: как расписание повторов ордера в очереди
// (OrderBackoff, без jitter) и как повтор записи в хранилище (DefaultConfig).
type Config struct {
	// MaxRetries - число попыток, включая первую; <= 0 - без ограничения
	MaxRetries int

	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64

	// JitterFactor - доля случайного отклонения задержки, 0..1
	JitterFactor float64

	// RetryIf решает, повторять ли ошибку; nil - повторять все
	RetryIf func(error) bool

	// OnRetry вызывается перед ожиданием, attempt - номер следующей попытки
	OnRetry func(attempt int, err error, delay time.Duration)
}

// DefaultConfig - повтор записи в хранилище после ответа биржи.
// Результат исполнения уже получен: 4 попытки, 100ms, 200ms, 400ms.
func DefaultConfig() Config {
	return Config{
		MaxRetries:   4,
		InitialDelay: 100 * time.Millisecond,
		MaxDelay:     5 * time.Second,
		Multiplier:   2.0,
		JitterFactor: 0.1,
		RetryIf:      IsRetryable,
	}
}

// OrderBackoff - расписание повторов ордера: 10s, 20s, 40s, 80s, 160s, не больше часа
func OrderBackoff() Config {
	return Config{
		MaxRetries:   5,
		InitialDelay: 10 * time.Second,
		MaxDelay:     time.Hour,
		Multiplier:   2.0,
	}
}

func (c *Config) normalize() {
	if c.InitialDelay <= 0 {
		c.InitialDelay = 100 * time.Millisecond
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = 30 * time.Second
	}
	if c.Multiplier <= 0 {
		c.Multiplier = 2.0
	}
	c.JitterFactor = math.Max(0, math.Min(1, c.JitterFactor))
}

// Delay возвращает задержку после попытки attempt (с нуля)
func (c Config) Delay(attempt int) time.Duration {
	c.normalize()
	if attempt < 0 {
		attempt = 0
	}
	return c.delay(attempt)
}

func (c *Config) delay(attempt int) time.Duration {
	d := math.Min(float64(c.InitialDelay)*math.Pow(c.Multiplier, float64(attempt)), float64(c.MaxDelay))
	if c.JitterFactor > 0 {
		d += d * c.JitterFactor * (rand.Float64()*2 - 1)
	}
	return time.Duration(math.Max(d, 0))
}

// Do выполняет op до успеха, постоянной ошибки или исчерпания попыток.
// Возвращает последнюю ошибку op; ошибку контекста - только если op ни разу не вызывалась.
func Do(ctx context.Context, op func() error, cfg Config) error {
	_, err := DoWithResult(ctx, func() (struct{}, error) {
		return struct{}{}, op()
	}, cfg)
	return err
}

// DoWithResult - Do для операций, возвращающих значение.
//
//	order, err := retry.DoWithResult(ctx, func() (*models.Order, error) {
//	    return repo.Complete(ctx, id, result)
//	}, retry.DefaultConfig())
func DoWithResult[T any](ctx context.Context, op func() (T, error), cfg Config) (T, error) {
	cfg.normalize()

	var zero T
	var lastErr error

	for attempt := 0; cfg.MaxRetries <= 0 || attempt < cfg.MaxRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			if lastErr != nil {
				return zero, lastErr
			}
			return zero, err
		}

		v, err := op()
		if err == nil {
			return v, nil
		}
		lastErr = err

		if cfg.RetryIf != nil && !cfg.RetryIf(err) {
			return zero, err
		}
		if cfg.MaxRetries > 0 && attempt == cfg.MaxRetries-1 {
			break
		}

		d := cfg.delay(attempt)
		if cfg.OnRetry != nil {
			cfg.OnRetry(attempt+1, err, d)
		}

		t := time.NewTimer(d)
		select {
		case <-t.C:
		case <-ctx.Done():
			t.Stop()
			return zero, lastErr
		}
	}

	return zero, lastErr
}

// RetryableError - ошибка, которая сама сообщает, стоит ли её повторять
type RetryableError interface {
	error
	Retryable() bool
}

// IsRetryable: ошибки контекста и Permanent не повторяются,
// RetryableError решает сама, остальное повторяется.
func IsRetryable(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}

	var re RetryableError
	if errors.As(err, &re) {
		return re.Retryable()
	}
	return true
}

type markedError struct {
	err       error
	retryable bool
}

func (e *markedError) Error() string   { return e.err.Error() }
func (e *markedError) Unwrap() error   { return e.err }
func (e *markedError) Retryable() bool { return e.retryable }

// Permanent помечает ошибку как неповторяемую
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &markedError{err: err, retryable: false}
}

// Temporary помечает ошибку как повторяемую
func Temporary(err error) error {
	if err == nil {
		return nil
	}
	return &markedError{err: err, retryable: true}
}
