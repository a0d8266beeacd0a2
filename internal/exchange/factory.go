package exchange

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"orderqueue/internal/config"
	"orderqueue/pkg/utils"
)

// SupportedExchanges - список поддерживаемых бирж
var SupportedExchanges = []string{
	"bybit",
	"paper",
}

// NewExchange создает клиент биржи по конфигурации
func NewExchange(cfg config.ExchangeConfig, log *utils.Logger) (Exchange, error) {
	switch strings.ToLower(cfg.Name) {
	case "bybit":
		return NewBybit(BybitConfig{
			BaseURL:    cfg.BaseURL,
			Testnet:    cfg.Testnet,
			RecvWindow: cfg.RecvWindow,
		}, log), nil
	case "paper":
		return NewPaper(map[string]decimal.Decimal{
			"BTCUSDT": decimal.NewFromInt(60000),
			"ETHUSDT": decimal.NewFromInt(3000),
		}), nil
	default:
		return nil, fmt.Errorf("unsupported exchange: %s", cfg.Name)
	}
}

// IsSupported проверяет, поддерживается ли биржа
func IsSupported(name string) bool {
	name = strings.ToLower(name)
	for _, supported := range SupportedExchanges {
		if name == supported {
			return true
		}
	}
	return false
}
