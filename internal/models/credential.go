package models

import "time"

// ExchangeCredential - набор API ключей пользователя на бирже.
// У пользователя может быть несколько ключей для fallback, порядок задаёт Priority.
type ExchangeCredential struct {
	ID        string    `json:"id" db:"id"`
	UserID    string    `json:"user_id" db:"user_id"`
	Exchange  string    `json:"exchange" db:"exchange"` // bybit, paper
	Label     string    `json:"label" db:"label"`
	APIKey    string    `json:"-" db:"api_key"`    // зашифрован
	SecretKey string    `json:"-" db:"secret_key"` // зашифрован
	Priority  int       `json:"priority" db:"priority"`
	Enabled   bool      `json:"enabled" db:"enabled"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}
