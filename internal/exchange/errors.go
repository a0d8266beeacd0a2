package exchange

import (
	"context"
	"errors"
	"io"
	"net"
	"net/url"
)

// ErrorKind - закрытый набор классов ошибок биржи.
// Политика повторов определяется только классом, а не текстом ошибки.
type ErrorKind string

const (
	KindAuth              ErrorKind = "auth"
	KindRateLimit         ErrorKind = "rate_limit"
	KindInsufficientFunds ErrorKind = "insufficient_funds"
	KindNetwork           ErrorKind = "network"
	KindUnknown           ErrorKind = "unknown"
)

// AllKinds - для метрик и тестов
var AllKinds = []ErrorKind{KindAuth, KindRateLimit, KindInsufficientFunds, KindNetwork, KindUnknown}

// ExcludesCredential - ключ больше не используется для этого ордера
func (k ErrorKind) ExcludesCredential() bool {
	return k == KindAuth
}

// CountsForBreaker - засчитывается ли ошибка как отказ ключа.
// RateLimit считается только если это включено в конфигурации.
func (k ErrorKind) CountsForBreaker(countRateLimit bool) bool {
	switch k {
	case KindAuth, KindNetwork, KindUnknown:
		return true
	case KindRateLimit:
		return countRateLimit
	default:
		return false
	}
}

// ExchangeError представляет ошибку от биржи
type ExchangeError struct {
	Exchange string
	Kind     ErrorKind
	Code     string
	Message  string
	Original error
}

func (e *ExchangeError) Error() string {
	msg := e.Exchange + ": " + e.Message
	if e.Code != "" {
		msg += " (code " + e.Code + ")"
	}
	return msg
}

// Unwrap возвращает оригинальную ошибку для поддержки errors.Is() и errors.As()
func (e *ExchangeError) Unwrap() error {
	return e.Original
}

// NewError создаёт классифицированную ошибку
func NewError(exchange string, kind ErrorKind, code, message string) *ExchangeError {
	return &ExchangeError{Exchange: exchange, Kind: kind, Code: code, Message: message}
}

// Classify определяет класс ошибки.
// Таймаут и отмена контекста - сетевая ошибка: результат неизвестен, можно повторить
// (ClientOrderID защищает от двойного исполнения).
func Classify(err error) ErrorKind {
	if err == nil {
		return ""
	}

	var exErr *ExchangeError
	if errors.As(err, &exErr) && exErr.Kind != "" {
		return exErr.Kind
	}

	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return KindNetwork
	}
	if errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF) {
		return KindNetwork
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return KindNetwork
	}
	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		return KindNetwork
	}

	return KindUnknown
}
