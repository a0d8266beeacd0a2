package utils

import (
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/shopspring/decimal"
)

// Ошибки валидации параметров ордера
var (
	ErrInvalidSymbol    = errors.New("symbol must be 2-30 characters: letters, digits, '-', '_' or '/'")
	ErrInvalidSide      = errors.New("side must be buy or sell")
	ErrInvalidOrderType = errors.New("type must be market or limit")
	ErrInvalidVolume    = errors.New("volume must be positive")
	ErrPriceRequired    = errors.New("limit order requires a positive price")
	ErrPriceForbidden   = errors.New("market order must not carry a price")
	ErrEmptyField       = errors.New("value is required")
)

var symbolRe = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_/\-]{1,29}$`)

// ValidateSymbol проверяет формат торговой пары (BTCUSDT, BTC-USDT, BTC/USDT)
func ValidateSymbol(symbol string) error {
	if !symbolRe.MatchString(symbol) {
		return ErrInvalidSymbol
	}
	return nil
}

// NormalizeSymbol приводит пару к виду BTCUSDT
func NormalizeSymbol(symbol string) string {
	r := strings.NewReplacer("-", "", "_", "", "/", "")
	return strings.ToUpper(r.Replace(strings.TrimSpace(symbol)))
}

// ValidateSide - buy или sell
func ValidateSide(side string) error {
	switch side {
	case "buy", "sell":
		return nil
	}
	return ErrInvalidSide
}

// ValidateOrderType - market или limit
func ValidateOrderType(orderType string) error {
	switch orderType {
	case "market", "limit":
		return nil
	}
	return ErrInvalidOrderType
}

// ValidateVolume - объём строго больше нуля
func ValidateVolume(volume decimal.Decimal) error {
	if !volume.IsPositive() {
		return ErrInvalidVolume
	}
	return nil
}

// ValidatePrice проверяет согласованность типа ордера и цены
func ValidatePrice(orderType string, price decimal.NullDecimal) error {
	switch orderType {
	case "limit":
		if !price.Valid || !price.Decimal.IsPositive() {
			return ErrPriceRequired
		}
	case "market":
		if price.Valid {
			return ErrPriceForbidden
		}
	}
	return nil
}

// ValidateRequired - непустая строка
func ValidateRequired(value string) error {
	if strings.TrimSpace(value) == "" {
		return ErrEmptyField
	}
	return nil
}

// ============================================================
// ValidationErrors
// ============================================================

// ValidationError - ошибка конкретного поля
type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// ValidationErrors собирает ошибки всех полей запроса
type ValidationErrors []ValidationError

// Add добавляет ошибку поля
func (v *ValidationErrors) Add(field, message string) {
	*v = append(*v, ValidationError{Field: field, Message: message})
}

// AddError добавляет err, если он не nil
func (v *ValidationErrors) AddError(field string, err error) {
	if err != nil {
		v.Add(field, err.Error())
	}
}

// HasErrors - есть ли хотя бы одна ошибка
func (v ValidationErrors) HasErrors() bool {
	return len(v) > 0
}

func (v ValidationErrors) Error() string {
	parts := make([]string, 0, len(v))
	for _, e := range v {
		parts = append(parts, fmt.Sprintf("%s: %s", e.Field, e.Message))
	}
	return strings.Join(parts, "; ")
}
