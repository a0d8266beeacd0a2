package exchange

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// Exchange - внешняя биржа, куда очередь отправляет ордера
//
// Ключ передаётся в каждый вызов: у пользователя может быть несколько ключей,
// и исполнитель выбирает их по очереди при отказах.
type Exchange interface {
	// Name возвращает имя биржи
	Name() string

	// Submit размещает ордер. ClientOrderID передаётся бирже как ключ идемпотентности,
	// повторная отправка того же ордера возвращает исходное исполнение.
	Submit(ctx context.Context, req SubmitRequest, cred Credential) (*Fill, error)

	// GetBalance и GetTicker используются продюсером, не исполнителем
	GetBalance(ctx context.Context, cred Credential, coin string) (decimal.Decimal, error)
	GetTicker(ctx context.Context, pair string) (*Ticker, error)
}

// Credential - расшифрованный ключ для одного вызова
type Credential struct {
	ID     string
	APIKey string
	Secret string
}

// SubmitRequest - параметры ордера для биржи
type SubmitRequest struct {
	ClientOrderID string
	Pair          string
	Side          string // buy, sell
	Type          string // market, limit
	Volume        decimal.Decimal
	Price         decimal.NullDecimal
}

// Fill - результат исполнения
type Fill struct {
	ExchangeOrderID string
	ExecutedPrice   decimal.Decimal
	ExecutedVolume  decimal.Decimal
}

// Ticker содержит информацию о текущей цене
type Ticker struct {
	Pair      string          `json:"pair"`
	Bid       decimal.Decimal `json:"bid"`
	Ask       decimal.Decimal `json:"ask"`
	Last      decimal.Decimal `json:"last"`
	Timestamp time.Time       `json:"timestamp"`
}

// Стороны ордера
const (
	SideBuy  = "buy"
	SideSell = "sell"
)

// Типы ордера
const (
	TypeMarket = "market"
	TypeLimit  = "limit"
)
