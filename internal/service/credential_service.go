package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"orderqueue/internal/exchange"
	"orderqueue/internal/models"
	"orderqueue/pkg/crypto"
	"orderqueue/pkg/utils"
)

// Ошибки сервиса ключей
var (
	ErrUnsupportedExchange = errors.New("unsupported exchange")
	ErrInvalidCredential   = errors.New("invalid credential")
)

// CredentialService хранит API ключи пользователей в зашифрованном виде
// и выдаёт исполнителю расшифрованные ключи в порядке приоритета.
type CredentialService struct {
	creds CredentialStore
	vault *crypto.Vault
	log   *utils.Logger
}

// NewCredentialService создает сервис ключей
func NewCredentialService(creds CredentialStore, vault *crypto.Vault, log *utils.Logger) *CredentialService {
	return &CredentialService{
		creds: creds,
		vault: vault,
		log:   utils.OrGlobal(log).WithComponent("credentials"),
	}
}

// AddCredential шифрует и сохраняет новый ключ пользователя
func (s *CredentialService) AddCredential(ctx context.Context, userID, exchangeName, label, apiKey, secret string, priority int) (*models.ExchangeCredential, error) {
	exchangeName = strings.ToLower(strings.TrimSpace(exchangeName))
	if !exchange.IsSupported(exchangeName) {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedExchange, exchangeName)
	}

	var verrs utils.ValidationErrors
	verrs.AddError("user_id", utils.ValidateRequired(userID))
	verrs.AddError("api_key", utils.ValidateRequired(apiKey))
	verrs.AddError("secret", utils.ValidateRequired(secret))
	if verrs.HasErrors() {
		return nil, fmt.Errorf("%w: %s", ErrInvalidCredential, verrs.Error())
	}

	encKey, err := s.vault.Seal(apiKey)
	if err != nil {
		return nil, fmt.Errorf("failed to encrypt api key: %w", err)
	}
	encSecret, err := s.vault.Seal(secret)
	if err != nil {
		return nil, fmt.Errorf("failed to encrypt secret: %w", err)
	}

	now := time.Now()
	cred := &models.ExchangeCredential{
		ID:        uuid.NewString(),
		UserID:    userID,
		Exchange:  exchangeName,
		Label:     label,
		APIKey:    encKey,
		SecretKey: encSecret,
		Priority:  priority,
		Enabled:   true,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.creds.Create(ctx, cred); err != nil {
		return nil, err
	}

	s.log.Info("credential added",
		utils.UserID(userID),
		utils.Credential(cred.ID),
		utils.Exchange(exchangeName),
		utils.Int("priority", priority),
	)
	return cred, nil
}

// ListUsable возвращает включённые ключи пользователя по приоритету.
// Ключ, который не удалось расшифровать, пропускается.
func (s *CredentialService) ListUsable(ctx context.Context, userID string) ([]exchange.Credential, error) {
	stored, err := s.creds.ListEnabledByUser(ctx, userID)
	if err != nil {
		return nil, err
	}

	out := make([]exchange.Credential, 0, len(stored))
	for _, c := range stored {
		apiKey, err := s.vault.Open(c.APIKey)
		if err != nil {
			s.log.Error("failed to decrypt api key", utils.Credential(c.ID), utils.Err(err))
			continue
		}
		secret, err := s.vault.Open(c.SecretKey)
		if err != nil {
			s.log.Error("failed to decrypt secret", utils.Credential(c.ID), utils.Err(err))
			continue
		}
		out = append(out, exchange.Credential{ID: c.ID, APIKey: apiKey, Secret: secret})
	}

	return out, nil
}

// SetEnabled включает или выключает ключ
func (s *CredentialService) SetEnabled(ctx context.Context, id string, enabled bool) error {
	if err := s.creds.SetEnabled(ctx, id, enabled); err != nil {
		return err
	}
	s.log.Info("credential updated", utils.Credential(id), utils.Bool("enabled", enabled))
	return nil
}

// Delete удаляет ключ
func (s *CredentialService) Delete(ctx context.Context, id string) error {
	if err := s.creds.Delete(ctx, id); err != nil {
		return err
	}
	s.log.Info("credential deleted", utils.Credential(id))
	return nil
}
