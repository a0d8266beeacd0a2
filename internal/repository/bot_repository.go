package repository

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"orderqueue/internal/models"
)

// ErrBotNotFound - бот не найден
var ErrBotNotFound = errors.New("bot not found")

// BotRepository - доступ к состоянию ботов.
// Очередь читает статус и выполняет только условные переходы.
type BotRepository struct {
	db *sql.DB
}

// NewBotRepository создает новый экземпляр репозитория
func NewBotRepository(db *sql.DB) *BotRepository {
	return &BotRepository{db: db}
}

// Upsert создает бота или обновляет его статус
func (r *BotRepository) Upsert(ctx context.Context, bot *models.Bot) error {
	query := `
		INSERT INTO bots (id, user_id, status, status_reason, updated_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (id) DO UPDATE
		SET user_id = EXCLUDED.user_id, status = EXCLUDED.status,
			status_reason = EXCLUDED.status_reason, updated_at = EXCLUDED.updated_at`

	bot.UpdatedAt = time.Now()

	_, err := r.db.ExecContext(ctx, query, bot.ID, bot.UserID, bot.Status, bot.StatusReason, bot.UpdatedAt)
	return err
}

// GetByID возвращает бота
func (r *BotRepository) GetByID(ctx context.Context, id string) (*models.Bot, error) {
	query := `SELECT id, user_id, status, status_reason, updated_at FROM bots WHERE id = $1`

	bot := &models.Bot{}
	err := r.db.QueryRowContext(ctx, query, id).Scan(
		&bot.ID,
		&bot.UserID,
		&bot.Status,
		&bot.StatusReason,
		&bot.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrBotNotFound
		}
		return nil, err
	}

	return bot, nil
}

// GetStatus возвращает текущий статус бота
func (r *BotRepository) GetStatus(ctx context.Context, id string) (string, error) {
	query := `SELECT status FROM bots WHERE id = $1`

	var status string
	err := r.db.QueryRowContext(ctx, query, id).Scan(&status)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", ErrBotNotFound
		}
		return "", err
	}

	return status, nil
}

// TransitionStatus переводит бота from -> to.
// Возвращает false, если бот уже не в статусе from.
func (r *BotRepository) TransitionStatus(ctx context.Context, id, from, to, reason string) (bool, error) {
	query := `
		UPDATE bots
		SET status = $1, status_reason = $2, updated_at = $3
		WHERE id = $4 AND status = $5`

	result, err := r.db.ExecContext(ctx, query, to, reason, time.Now(), id, from)
	if err != nil {
		return false, err
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return false, err
	}

	return rowsAffected == 1, nil
}
