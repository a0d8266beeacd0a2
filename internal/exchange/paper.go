package exchange

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Paper - симулятор биржи для dev окружения и тестов.
//
// Исполняет market ордера по ask/bid, limit ордера по своей цене.
// Повторная отправка того же ClientOrderID возвращает исходное исполнение.
// Балансы учитываются только для ключей, которым они явно заданы.
type Paper struct {
	mu       sync.Mutex
	prices   map[string]decimal.Decimal            // pair -> mid
	spread   decimal.Decimal                       // доля от mid, например 0.001
	balances map[string]map[string]decimal.Decimal // credential -> coin -> amount
	fills    map[string]*Fill                      // clientOrderID -> fill
	keys     map[string]string                     // credential id -> api key
}

// NewPaper создаёт симулятор с заданными ценами
func NewPaper(prices map[string]decimal.Decimal) *Paper {
	p := &Paper{
		prices:   make(map[string]decimal.Decimal),
		spread:   decimal.RequireFromString("0.001"),
		balances: make(map[string]map[string]decimal.Decimal),
		fills:    make(map[string]*Fill),
		keys:     make(map[string]string),
	}
	for pair, price := range prices {
		p.prices[pair] = price
	}
	return p
}

func (p *Paper) Name() string {
	return "paper"
}

// SetPrice задаёт mid цену пары
func (p *Paper) SetPrice(pair string, price decimal.Decimal) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.prices[pair] = price
}

// SetBalance включает учёт баланса монеты для ключа
func (p *Paper) SetBalance(credentialID, coin string, amount decimal.Decimal) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.balances[credentialID] == nil {
		p.balances[credentialID] = make(map[string]decimal.Decimal)
	}
	p.balances[credentialID][coin] = amount
}

// RequireAPIKey заставляет симулятор отклонять ключ с другим APIKey как auth ошибку
func (p *Paper) RequireAPIKey(credentialID, apiKey string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.keys[credentialID] = apiKey
}

func (p *Paper) Submit(ctx context.Context, req SubmitRequest, cred Credential) (*Fill, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if fill, ok := p.fills[req.ClientOrderID]; ok {
		return fill, nil
	}

	if want, ok := p.keys[cred.ID]; ok && want != cred.APIKey {
		return nil, NewError("paper", KindAuth, "10003", "API key is invalid")
	}

	mid, ok := p.prices[req.Pair]
	if !ok {
		return nil, NewError("paper", KindUnknown, "10001", fmt.Sprintf("symbol %s not found", req.Pair))
	}

	half := mid.Mul(p.spread).Div(decimal.NewFromInt(2))
	price := mid.Add(half)
	if req.Side == SideSell {
		price = mid.Sub(half)
	}
	if req.Type == TypeLimit && req.Price.Valid {
		price = req.Price.Decimal
	}

	base, quote := splitPair(req.Pair)
	if err := p.settle(cred.ID, req.Side, base, quote, req.Volume, price); err != nil {
		return nil, err
	}

	fill := &Fill{
		ExchangeOrderID: uuid.NewString(),
		ExecutedPrice:   price,
		ExecutedVolume:  req.Volume,
	}
	p.fills[req.ClientOrderID] = fill
	return fill, nil
}

// settle списывает и зачисляет балансы; вызывается под mu
func (p *Paper) settle(credID, side, base, quote string, volume, price decimal.Decimal) error {
	bal, tracked := p.balances[credID]
	if !tracked {
		return nil
	}

	cost := volume.Mul(price)
	if side == SideBuy {
		if bal[quote].LessThan(cost) {
			return NewError("paper", KindInsufficientFunds, "170131", "insufficient balance")
		}
		bal[quote] = bal[quote].Sub(cost)
		bal[base] = bal[base].Add(volume)
		return nil
	}

	if bal[base].LessThan(volume) {
		return NewError("paper", KindInsufficientFunds, "170131", "insufficient balance")
	}
	bal[base] = bal[base].Sub(volume)
	bal[quote] = bal[quote].Add(cost)
	return nil
}

func (p *Paper) GetBalance(_ context.Context, cred Credential, coin string) (decimal.Decimal, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.balances[cred.ID][coin], nil
}

func (p *Paper) GetTicker(_ context.Context, pair string) (*Ticker, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	mid, ok := p.prices[pair]
	if !ok {
		return nil, fmt.Errorf("ticker not found for %s", pair)
	}
	half := mid.Mul(p.spread).Div(decimal.NewFromInt(2))
	return &Ticker{Pair: pair, Bid: mid.Sub(half), Ask: mid.Add(half), Last: mid, Timestamp: time.Now()}, nil
}

// splitPair делит BTCUSDT на BTC и USDT по известным quote валютам
func splitPair(pair string) (base, quote string) {
	for _, q := range []string{"USDT", "USDC", "BTC", "ETH", "EUR"} {
		if strings.HasSuffix(pair, q) && len(pair) > len(q) {
			return strings.TrimSuffix(pair, q), q
		}
	}
	return pair, ""
}
