package repository

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"

	"orderqueue/internal/models"
)

// Ошибки репозитория ключей
var (
	ErrCredentialNotFound = errors.New("credential not found")
	ErrCredentialExists   = errors.New("credential already exists")
)

const credentialColumns = `id, user_id, exchange, label, api_key, secret_key, priority, enabled, created_at, updated_at`

// CredentialRepository - работа с таблицей exchange_credentials.
// Ключи хранятся зашифрованными, расшифровка - на уровне сервиса.
type CredentialRepository struct {
	db *sql.DB
}

// NewCredentialRepository создает новый экземпляр репозитория
func NewCredentialRepository(db *sql.DB) *CredentialRepository {
	return &CredentialRepository{db: db}
}

func scanCredential(row rowScanner) (*models.ExchangeCredential, error) {
	c := &models.ExchangeCredential{}
	err := row.Scan(
		&c.ID,
		&c.UserID,
		&c.Exchange,
		&c.Label,
		&c.APIKey,
		&c.SecretKey,
		&c.Priority,
		&c.Enabled,
		&c.CreatedAt,
		&c.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return c, nil
}

// Create сохраняет ключ; пустой ID генерируется
func (r *CredentialRepository) Create(ctx context.Context, cred *models.ExchangeCredential) error {
	query := `
		INSERT INTO exchange_credentials (` + credentialColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`

	if cred.ID == "" {
		cred.ID = uuid.NewString()
	}
	now := time.Now()
	cred.CreatedAt = now
	cred.UpdatedAt = now

	_, err := r.db.ExecContext(
		ctx,
		query,
		cred.ID,
		cred.UserID,
		cred.Exchange,
		cred.Label,
		cred.APIKey,
		cred.SecretKey,
		cred.Priority,
		cred.Enabled,
		cred.CreatedAt,
		cred.UpdatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrCredentialExists
		}
		return err
	}

	return nil
}

// GetByID возвращает ключ по ID
func (r *CredentialRepository) GetByID(ctx context.Context, id string) (*models.ExchangeCredential, error) {
	query := `SELECT ` + credentialColumns + ` FROM exchange_credentials WHERE id = $1`

	cred, err := scanCredential(r.db.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrCredentialNotFound
		}
		return nil, err
	}
	return cred, nil
}

// ListEnabledByUser возвращает включённые ключи пользователя в порядке приоритета
func (r *CredentialRepository) ListEnabledByUser(ctx context.Context, userID string) ([]*models.ExchangeCredential, error) {
	query := `SELECT ` + credentialColumns + ` FROM exchange_credentials
		WHERE user_id = $1 AND enabled
		ORDER BY priority, id`

	rows, err := r.db.QueryContext(ctx, query, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	creds := make([]*models.ExchangeCredential, 0)
	for rows.Next() {
		cred, err := scanCredential(rows)
		if err != nil {
			return nil, err
		}
		creds = append(creds, cred)
	}

	if err = rows.Err(); err != nil {
		return nil, err
	}

	return creds, nil
}

// SetEnabled включает или выключает ключ
func (r *CredentialRepository) SetEnabled(ctx context.Context, id string, enabled bool) error {
	query := `UPDATE exchange_credentials SET enabled = $1, updated_at = $2 WHERE id = $3`

	result, err := r.db.ExecContext(ctx, query, enabled, time.Now(), id)
	if err != nil {
		return err
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return err
	}

	if rowsAffected == 0 {
		return ErrCredentialNotFound
	}

	return nil
}

// Delete удаляет ключ
func (r *CredentialRepository) Delete(ctx context.Context, id string) error {
	query := `DELETE FROM exchange_credentials WHERE id = $1`

	result, err := r.db.ExecContext(ctx, query, id)
	if err != nil {
		return err
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return err
	}

	if rowsAffected == 0 {
		return ErrCredentialNotFound
	}

	return nil
}
