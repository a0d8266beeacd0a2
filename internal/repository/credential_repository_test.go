package repository

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"

	"orderqueue/internal/models"
)

var credentialColumnNames = []string{"id", "user_id", "exchange", "label", "api_key", "secret_key", "priority", "enabled", "created_at", "updated_at"}

func TestCredentialRepositoryCreate(t *testing.T) {
	tests := []struct {
		name        string
		mockSetup   func(mock sqlmock.Sqlmock)
		expectError error
	}{
		{
			name: "success",
			mockSetup: func(mock sqlmock.Sqlmock) {
				mock.ExpectExec(`INSERT INTO exchange_credentials`).
					WithArgs(sqlmock.AnyArg(), "user-1", "bybit", "main", "enc-key", "enc-secret", 0, true, sqlmock.AnyArg(), sqlmock.AnyArg()).
					WillReturnResult(sqlmock.NewResult(0, 1))
			},
		},
		{
			name: "duplicate",
			mockSetup: func(mock sqlmock.Sqlmock) {
				mock.ExpectExec(`INSERT INTO exchange_credentials`).
					WillReturnError(&pq.Error{Code: "23505"})
			},
			expectError: ErrCredentialExists,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			db, mock, err := sqlmock.New()
			if err != nil {
				t.Fatalf("failed to create mock: %v", err)
			}
			defer db.Close()

			tt.mockSetup(mock)

			cred := &models.ExchangeCredential{
				UserID:    "user-1",
				Exchange:  "bybit",
				Label:     "main",
				APIKey:    "enc-key",
				SecretKey: "enc-secret",
				Enabled:   true,
			}
			err = NewCredentialRepository(db).Create(context.Background(), cred)

			if tt.expectError != nil {
				if !errors.Is(err, tt.expectError) {
					t.Errorf("expected %v, got %v", tt.expectError, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if cred.ID == "" {
				t.Error("ID must be generated")
			}
			if err := mock.ExpectationsWereMet(); err != nil {
				t.Errorf("unfulfilled expectations: %v", err)
			}
		})
	}
}

func TestCredentialRepositoryListEnabledByUser(t *testing.T) {
	now := time.Now()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to create mock: %v", err)
	}
	defer db.Close()

	mock.ExpectQuery(`SELECT .+ FROM exchange_credentials\s+WHERE user_id = \$1 AND enabled\s+ORDER BY priority, id`).
		WithArgs("user-1").
		WillReturnRows(sqlmock.NewRows(credentialColumnNames).
			AddRow("k1", "user-1", "bybit", "main", "a", "b", 0, true, now, now).
			AddRow("k2", "user-1", "bybit", "backup", "c", "d", 1, true, now, now))

	creds, err := NewCredentialRepository(db).ListEnabledByUser(context.Background(), "user-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(creds) != 2 || creds[0].ID != "k1" || creds[1].Priority != 1 {
		t.Errorf("unexpected credentials: %+v", creds)
	}
}

func TestCredentialRepositoryGetByID(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to create mock: %v", err)
	}
	defer db.Close()

	mock.ExpectQuery(`SELECT .+ FROM exchange_credentials WHERE id = \$1`).
		WithArgs("missing").
		WillReturnRows(sqlmock.NewRows(credentialColumnNames))

	_, err = NewCredentialRepository(db).GetByID(context.Background(), "missing")
	if !errors.Is(err, ErrCredentialNotFound) {
		t.Errorf("expected ErrCredentialNotFound, got %v", err)
	}
}

func TestCredentialRepositorySetEnabledAndDelete(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to create mock: %v", err)
	}
	defer db.Close()

	mock.ExpectExec(`UPDATE exchange_credentials SET enabled = \$1`).
		WithArgs(false, sqlmock.AnyArg(), "k1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`DELETE FROM exchange_credentials WHERE id = \$1`).
		WithArgs("k1").
		WillReturnResult(sqlmock.NewResult(0, 0))

	repo := NewCredentialRepository(db)
	if err := repo.SetEnabled(context.Background(), "k1", false); err != nil {
		t.Errorf("SetEnabled: %v", err)
	}
	if err := repo.Delete(context.Background(), "k1"); !errors.Is(err, ErrCredentialNotFound) {
		t.Errorf("expected ErrCredentialNotFound, got %v", err)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unfulfilled expectations: %v", err)
	}
}
