package ratelimit

import (
	"context"

	"golang.org/x/time/rate"
)

// RateLimiter ограничивает число отправок ордеров на биржу в секунду.
// Одна отправка - один токен; ведро пополняется со скоростью rate до burst.
//
//	limiter := NewRateLimiter(5, 5)
//	if err := limiter.Wait(ctx); err != nil { ... }
type RateLimiter struct {
	lim *rate.Limiter
}

// NewRateLimiter создаёт limiter; rate <= 0 - 5 в секунду, burst <= 0 - 2*rate
func NewRateLimiter(perSecond, burst float64) *RateLimiter {
	if perSecond <= 0 {
		perSecond = 5
	}
	if burst <= 0 {
		burst = perSecond * 2
	}
	if burst < perSecond {
		burst = perSecond
	}
	if burst < 1 {
		burst = 1
	}

	return &RateLimiter{lim: rate.NewLimiter(rate.Limit(perSecond), int(burst))}
}

// Wait блокирует до получения токена. Если токен не успеет появиться до
// дедлайна контекста, ошибка возвращается сразу.
func (rl *RateLimiter) Wait(ctx context.Context) error {
	return rl.lim.Wait(ctx)
}
