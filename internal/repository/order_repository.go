package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"orderqueue/internal/models"
)

// Ошибки репозитория ордеров
var (
	ErrOrderNotFound = errors.New("order not found")
	// ErrOrderConflict - ордер не в ожидаемом статусе (другой исполнитель успел раньше)
	ErrOrderConflict = errors.New("order status conflict")
	// ErrActiveOrderExists - у бота уже есть нетерминальный ордер
	ErrActiveOrderExists = errors.New("bot already has an active order")
)

const orderColumns = `id, client_order_id, execution_id, user_id, bot_id, cycle, pair, side, type, volume, price,
	status, attempts, max_attempts, next_retry_at, last_attempt_at, errors, last_error,
	credential_used, failed_credentials, exchange_order_id, executed_price, executed_volume,
	abandoned, recovered_at, created_at, updated_at, completed_at`

// OrderRepository - работа с таблицей orders.
//
// Все переходы статуса - условные UPDATE ... WHERE status = $expected,
// при промахе возвращается ErrOrderConflict.
type OrderRepository struct {
	db *sql.DB
}

// NewOrderRepository создает новый экземпляр репозитория
func NewOrderRepository(db *sql.DB) *OrderRepository {
	return &OrderRepository{db: db}
}

// FailureUpdate - параметры записи неудачной попытки
type FailureUpdate struct {
	FromStatus        string
	Status            string // RETRY или FAILED
	Entry             models.OrderError
	NextRetryAt       time.Time
	ExcludeCredential string // непусто - добавить ключ в failed_credentials
	Abandoned         bool
}

// scanOrder читает строку в models.Order
func scanOrder(row rowScanner) (*models.Order, error) {
	o := &models.Order{}
	var errorsJSON []byte

	err := row.Scan(
		&o.ID,
		&o.ClientOrderID,
		&o.ExecutionID,
		&o.UserID,
		&o.BotID,
		&o.Cycle,
		&o.Pair,
		&o.Side,
		&o.Type,
		&o.Volume,
		&o.Price,
		&o.Status,
		&o.Attempts,
		&o.MaxAttempts,
		&o.NextRetryAt,
		&o.LastAttemptAt,
		&errorsJSON,
		&o.LastError,
		&o.CredentialUsed,
		pq.Array(&o.FailedCredentials),
		&o.ExchangeOrderID,
		&o.ExecutedPrice,
		&o.ExecutedVolume,
		&o.Abandoned,
		&o.RecoveredAt,
		&o.CreatedAt,
		&o.UpdatedAt,
		&o.CompletedAt,
	)
	if err != nil {
		return nil, err
	}

	if len(errorsJSON) > 0 {
		if err := json.Unmarshal(errorsJSON, &o.Errors); err != nil {
			return nil, fmt.Errorf("decode order errors: %w", err)
		}
	}
	if o.Errors == nil {
		o.Errors = []models.OrderError{}
	}
	if o.FailedCredentials == nil {
		o.FailedCredentials = []string{}
	}

	return o, nil
}

// queryOne выполняет запрос, возвращающий одну строку ордера.
// sql.ErrNoRows заменяется на notFound.
func (r *OrderRepository) queryOne(ctx context.Context, notFound error, query string, args ...interface{}) (*models.Order, error) {
	order, err := scanOrder(r.db.QueryRowContext(ctx, query, args...))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, notFound
		}
		return nil, err
	}
	return order, nil
}

func (r *OrderRepository) queryMany(ctx context.Context, query string, args ...interface{}) ([]*models.Order, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	orders := make([]*models.Order, 0)
	for rows.Next() {
		order, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		orders = append(orders, order)
	}

	if err = rows.Err(); err != nil {
		return nil, err
	}

	return orders, nil
}

// Create вставляет ордер. Если client_order_id уже существует, вставка пропускается
// и возвращается created=false. Второй активный ордер бота - ErrActiveOrderExists.
func (r *OrderRepository) Create(ctx context.Context, order *models.Order) (bool, error) {
	query := `
		INSERT INTO orders (client_order_id, execution_id, user_id, bot_id, cycle, pair, side, type, volume, price,
			status, attempts, max_attempts, next_retry_at, errors, failed_credentials, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, '[]', '{}', $15, $16)
		ON CONFLICT (client_order_id) DO NOTHING
		RETURNING id`

	now := time.Now()
	order.CreatedAt = now
	order.UpdatedAt = now

	err := r.db.QueryRowContext(
		ctx,
		query,
		order.ClientOrderID,
		order.ExecutionID,
		order.UserID,
		order.BotID,
		order.Cycle,
		order.Pair,
		order.Side,
		order.Type,
		order.Volume,
		order.Price,
		order.Status,
		order.Attempts,
		order.MaxAttempts,
		order.NextRetryAt,
		order.CreatedAt,
		order.UpdatedAt,
	).Scan(&order.ID)

	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, nil
		}
		if isUniqueViolation(err) {
			return false, ErrActiveOrderExists
		}
		return false, err
	}

	if order.Errors == nil {
		order.Errors = []models.OrderError{}
	}
	if order.FailedCredentials == nil {
		order.FailedCredentials = []string{}
	}
	return true, nil
}

// GetByID возвращает ордер по ID
func (r *OrderRepository) GetByID(ctx context.Context, id int64) (*models.Order, error) {
	query := `SELECT ` + orderColumns + ` FROM orders WHERE id = $1`
	return r.queryOne(ctx, ErrOrderNotFound, query, id)
}

// GetByClientOrderID возвращает ордер по ключу идемпотентности
func (r *OrderRepository) GetByClientOrderID(ctx context.Context, clientOrderID string) (*models.Order, error) {
	query := `SELECT ` + orderColumns + ` FROM orders WHERE client_order_id = $1`
	return r.queryOne(ctx, ErrOrderNotFound, query, clientOrderID)
}

// GetByUser возвращает ордера пользователя, новые первыми
func (r *OrderRepository) GetByUser(ctx context.Context, userID string) ([]*models.Order, error) {
	query := `SELECT ` + orderColumns + ` FROM orders WHERE user_id = $1 ORDER BY created_at DESC, id DESC`
	return r.queryMany(ctx, query, userID)
}

// GetActiveByBot возвращает нетерминальный ордер бота
func (r *OrderRepository) GetActiveByBot(ctx context.Context, botID string) (*models.Order, error) {
	query := `SELECT ` + orderColumns + ` FROM orders
		WHERE bot_id = $1 AND status = ANY($2)
		LIMIT 1`
	return r.queryOne(ctx, ErrOrderNotFound, query, botID, pq.Array(models.ActiveStatuses))
}

// GetEligible возвращает PENDING/RETRY ордера, время повтора которых наступило
func (r *OrderRepository) GetEligible(ctx context.Context, now time.Time, limit int) ([]*models.Order, error) {
	query := `SELECT ` + orderColumns + ` FROM orders
		WHERE status IN ($1, $2) AND next_retry_at <= $3
		ORDER BY next_retry_at, id
		LIMIT $4`
	return r.queryMany(ctx, query, models.OrderStatusPending, models.OrderStatusRetry, now, limit)
}

// Claim переводит ордер fromStatus -> PROCESSING и увеличивает attempts
func (r *OrderRepository) Claim(ctx context.Context, id int64, fromStatus, credentialID string, now time.Time) (*models.Order, error) {
	query := `
		UPDATE orders
		SET status = $1, attempts = attempts + 1, last_attempt_at = $2, credential_used = $3, updated_at = $2
		WHERE id = $4 AND status = $5
		RETURNING ` + orderColumns

	return r.queryOne(ctx, ErrOrderConflict, query, models.OrderStatusProcessing, now, credentialID, id, fromStatus)
}

// Complete переводит PROCESSING -> COMPLETED с результатом исполнения
func (r *OrderRepository) Complete(ctx context.Context, id int64, result models.OrderResult, now time.Time) (*models.Order, error) {
	query := `
		UPDATE orders
		SET status = $1, exchange_order_id = $2, executed_price = $3, executed_volume = $4,
			completed_at = $5, updated_at = $5
		WHERE id = $6 AND status = $7
		RETURNING ` + orderColumns

	return r.queryOne(ctx, ErrOrderConflict, query,
		models.OrderStatusCompleted,
		result.ExchangeOrderID,
		result.ExecutedPrice,
		result.ExecutedVolume,
		now,
		id,
		models.OrderStatusProcessing,
	)
}

// RecordFailure дописывает запись в историю ошибок и переводит ордер в RETRY или FAILED.
// Ключ добавляется в failed_credentials не более одного раза.
func (r *OrderRepository) RecordFailure(ctx context.Context, id int64, upd FailureUpdate, now time.Time) (*models.Order, error) {
	entry, err := json.Marshal([]models.OrderError{upd.Entry})
	if err != nil {
		return nil, fmt.Errorf("encode order error: %w", err)
	}

	var completedAt *time.Time
	if models.IsTerminalStatus(upd.Status) {
		completedAt = &now
	}

	query := `
		UPDATE orders
		SET status = $1,
			errors = errors || $2::jsonb,
			last_error = $3,
			next_retry_at = $4,
			failed_credentials = CASE
				WHEN $5 <> '' AND NOT ($5 = ANY(failed_credentials)) THEN array_append(failed_credentials, $5)
				ELSE failed_credentials
			END,
			abandoned = abandoned OR $6,
			completed_at = COALESCE($7, completed_at),
			updated_at = $8
		WHERE id = $9 AND status = $10
		RETURNING ` + orderColumns

	return r.queryOne(ctx, ErrOrderConflict, query,
		upd.Status,
		string(entry),
		upd.Entry.Error,
		upd.NextRetryAt,
		upd.ExcludeCredential,
		upd.Abandoned,
		completedAt,
		now,
		id,
		upd.FromStatus,
	)
}

// Defer откладывает ордер в RETRY без записи попытки и ошибки
func (r *OrderRepository) Defer(ctx context.Context, id int64, fromStatus string, nextRetryAt, now time.Time) (*models.Order, error) {
	query := `
		UPDATE orders
		SET status = $1, next_retry_at = $2, updated_at = $3
		WHERE id = $4 AND status = $5
		RETURNING ` + orderColumns

	return r.queryOne(ctx, ErrOrderConflict, query, models.OrderStatusRetry, nextRetryAt, now, id, fromStatus)
}

// ResetStuck одним UPDATE возвращает в RETRY ордера, зависшие в PROCESSING дольше cutoff.
// Ордер, у которого это была последняя попытка, переводится в FAILED.
// Повторный вызов не находит уже сброшенные ордера.
func (r *OrderRepository) ResetStuck(ctx context.Context, cutoff time.Time, reason string, now time.Time) ([]*models.Order, error) {
	entry, err := json.Marshal([]models.OrderError{{Timestamp: now, Error: reason}})
	if err != nil {
		return nil, fmt.Errorf("encode order error: %w", err)
	}

	query := `
		UPDATE orders
		SET status = CASE WHEN attempts >= max_attempts THEN $1 ELSE $2 END,
			completed_at = CASE WHEN attempts >= max_attempts THEN $3 ELSE completed_at END,
			errors = errors || $4::jsonb,
			last_error = $5,
			next_retry_at = $3,
			updated_at = $3
		WHERE status = $6 AND last_attempt_at < $7
		RETURNING ` + orderColumns

	return r.queryMany(ctx, query,
		models.OrderStatusFailed,
		models.OrderStatusRetry,
		now,
		string(entry),
		reason,
		models.OrderStatusProcessing,
		cutoff,
	)
}

// ClearFailedCredentials очищает список исключённых ключей ордера
func (r *OrderRepository) ClearFailedCredentials(ctx context.Context, id int64) error {
	query := `UPDATE orders SET failed_credentials = '{}', updated_at = $1 WHERE id = $2`

	result, err := r.db.ExecContext(ctx, query, time.Now(), id)
	if err != nil {
		return err
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return err
	}

	if rowsAffected == 0 {
		return ErrOrderNotFound
	}

	return nil
}

// ClearAllFailedCredentials очищает списки исключённых ключей у всех ордеров
func (r *OrderRepository) ClearAllFailedCredentials(ctx context.Context) (int64, error) {
	query := `UPDATE orders SET failed_credentials = '{}', updated_at = $1 WHERE cardinality(failed_credentials) > 0`

	result, err := r.db.ExecContext(ctx, query, time.Now())
	if err != nil {
		return 0, err
	}

	return result.RowsAffected()
}

// MarkRecovered отмечает брошенный ордер как восстановленный.
// Возвращает false, если восстановление уже выполнено ранее.
func (r *OrderRepository) MarkRecovered(ctx context.Context, id int64, now time.Time) (bool, error) {
	query := `UPDATE orders SET recovered_at = $1, updated_at = $1 WHERE id = $2 AND abandoned AND recovered_at IS NULL`

	result, err := r.db.ExecContext(ctx, query, now, id)
	if err != nil {
		return false, err
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return false, err
	}

	return rowsAffected == 1, nil
}

// GetUnrecoveredAbandonedExits возвращает брошенные sell ордера без завершённого восстановления
func (r *OrderRepository) GetUnrecoveredAbandonedExits(ctx context.Context, limit int) ([]*models.Order, error) {
	query := `SELECT ` + orderColumns + ` FROM orders
		WHERE abandoned AND side = $1 AND recovered_at IS NULL
		ORDER BY id
		LIMIT $2`
	return r.queryMany(ctx, query, models.SideSell, limit)
}

// DeleteByUser удаляет ордера пользователя, кроме находящихся в PROCESSING
func (r *OrderRepository) DeleteByUser(ctx context.Context, userID string) (int64, error) {
	query := `DELETE FROM orders WHERE user_id = $1 AND status <> $2`

	result, err := r.db.ExecContext(ctx, query, userID, models.OrderStatusProcessing)
	if err != nil {
		return 0, err
	}

	return result.RowsAffected()
}

// CountByStatus возвращает количество ордеров по статусам
func (r *OrderRepository) CountByStatus(ctx context.Context) (map[string]int, error) {
	query := `SELECT status, COUNT(*) FROM orders GROUP BY status`

	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, err
		}
		counts[status] = count
	}

	if err = rows.Err(); err != nil {
		return nil, err
	}

	return counts, nil
}
