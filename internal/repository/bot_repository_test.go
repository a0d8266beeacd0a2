package repository

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"

	"orderqueue/internal/models"
)

func TestBotRepositoryGetStatus(t *testing.T) {
	tests := []struct {
		name        string
		mockSetup   func(mock sqlmock.Sqlmock)
		want        string
		expectError error
	}{
		{
			name: "success",
			mockSetup: func(mock sqlmock.Sqlmock) {
				mock.ExpectQuery(`SELECT status FROM bots WHERE id = \$1`).
					WithArgs("bot-1").
					WillReturnRows(sqlmock.NewRows([]string{"status"}).AddRow(models.BotStatusExiting))
			},
			want: models.BotStatusExiting,
		},
		{
			name: "not found",
			mockSetup: func(mock sqlmock.Sqlmock) {
				mock.ExpectQuery(`SELECT status FROM bots WHERE id = \$1`).
					WithArgs("bot-1").
					WillReturnRows(sqlmock.NewRows([]string{"status"}))
			},
			expectError: ErrBotNotFound,
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

			status, err := NewBotRepository(db).GetStatus(context.Background(), "bot-1")
			if tt.expectError != nil {
				if !errors.Is(err, tt.expectError) {
					t.Errorf("expected %v, got %v", tt.expectError, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if status != tt.want {
				t.Errorf("status = %s, want %s", status, tt.want)
			}
		})
	}
}

func TestBotRepositoryTransitionStatus(t *testing.T) {
	tests := []struct {
		name     string
		affected int64
		want     bool
	}{
		{"transitioned", 1, true},
		{"status already changed", 0, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			db, mock, err := sqlmock.New()
			if err != nil {
				t.Fatalf("failed to create mock: %v", err)
			}
			defer db.Close()

			mock.ExpectExec(`UPDATE bots\s+SET status = \$1, status_reason = \$2, updated_at = \$3\s+WHERE id = \$4 AND status = \$5`).
				WithArgs(models.BotStatusActive, "exit abandoned", sqlmock.AnyArg(), "bot-1", models.BotStatusExiting).
				WillReturnResult(sqlmock.NewResult(0, tt.affected))

			ok, err := NewBotRepository(db).TransitionStatus(context.Background(), "bot-1",
				models.BotStatusExiting, models.BotStatusActive, "exit abandoned")
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if ok != tt.want {
				t.Errorf("TransitionStatus = %v, want %v", ok, tt.want)
			}
		})
	}
}

func TestBotRepositoryUpsertAndGet(t *testing.T) {
	now := time.Now()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to create mock: %v", err)
	}
	defer db.Close()

	mock.ExpectExec(`INSERT INTO bots .+ ON CONFLICT \(id\) DO UPDATE`).
		WithArgs("bot-1", "user-1", models.BotStatusActive, "", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery(`SELECT id, user_id, status, status_reason, updated_at FROM bots WHERE id = \$1`).
		WithArgs("bot-1").
		WillReturnRows(sqlmock.NewRows([]string{"id", "user_id", "status", "status_reason", "updated_at"}).
			AddRow("bot-1", "user-1", models.BotStatusActive, "", now))

	repo := NewBotRepository(db)
	if err := repo.Upsert(context.Background(), &models.Bot{ID: "bot-1", UserID: "user-1", Status: models.BotStatusActive}); err != nil {
		t.Fatalf("Upsert: %v", err)
	}
	bot, err := repo.GetByID(context.Background(), "bot-1")
	if err != nil {
		t.Fatalf("GetByID: %v", err)
	}
	if bot.UserID != "user-1" {
		t.Errorf("UserID = %s", bot.UserID)
	}
}
