//go:build integration

package integration

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"orderqueue/internal/models"
	"orderqueue/internal/repository"
)

func newOrder(clientOrderID, botID string) *models.Order {
	return &models.Order{
		ClientOrderID: clientOrderID,
		UserID:        "user-1",
		BotID:         botID,
		Pair:          "BTCUSDT",
		Side:          models.SideBuy,
		Type:          models.OrderTypeMarket,
		Volume:        decimal.RequireFromString("0.01"),
		Status:        models.OrderStatusPending,
		MaxAttempts:   3,
		NextRetryAt:   time.Now(),
	}
}

func TestDatabase_MigrateIsIdempotent_Integration(t *testing.T) {
	db := SetupTestDB(t)

	if err := repository.Migrate(context.Background(), db); err != nil {
		t.Fatalf("second Migrate: %v", err)
	}
}

func TestDatabase_OrderUniqueness_Integration(t *testing.T) {
	db := SetupTestDB(t)
	repo := repository.NewOrderRepository(db)
	ctx := context.Background()

	t.Run("duplicate client_order_id is not inserted", func(t *testing.T) {
		created, err := repo.Create(ctx, newOrder("coid-1", "bot-a"))
		if err != nil || !created {
			t.Fatalf("first Create: created=%v err=%v", created, err)
		}

		created, err = repo.Create(ctx, newOrder("coid-1", "bot-a"))
		if err != nil {
			t.Fatalf("duplicate Create: %v", err)
		}
		if created {
			t.Error("duplicate should not be created")
		}
	})

	t.Run("second active order for bot violates index", func(t *testing.T) {
		_, err := repo.Create(ctx, newOrder("coid-2", "bot-a"))
		if !errors.Is(err, repository.ErrActiveOrderExists) {
			t.Errorf("expected ErrActiveOrderExists, got %v", err)
		}
	})

	t.Run("terminal order frees the bot", func(t *testing.T) {
		order, err := repo.GetByClientOrderID(ctx, "coid-1")
		if err != nil {
			t.Fatalf("GetByClientOrderID: %v", err)
		}
		if _, err := repo.Claim(ctx, order.ID, models.OrderStatusPending, "cred-1", time.Now()); err != nil {
			t.Fatalf("Claim: %v", err)
		}
		result := models.OrderResult{
			ExchangeOrderID: "ex-1",
			ExecutedPrice:   decimal.NewFromInt(60000),
			ExecutedVolume:  decimal.RequireFromString("0.01"),
		}
		if _, err := repo.Complete(ctx, order.ID, result, time.Now()); err != nil {
			t.Fatalf("Complete: %v", err)
		}

		created, err := repo.Create(ctx, newOrder("coid-3", "bot-a"))
		if err != nil || !created {
			t.Errorf("Create after completion: created=%v err=%v", created, err)
		}
	})
}

func TestDatabase_ConditionalTransitions_Integration(t *testing.T) {
	db := SetupTestDB(t)
	repo := repository.NewOrderRepository(db)
	ctx := context.Background()

	order := newOrder("coid-claim", "bot-b")
	if _, err := repo.Create(ctx, order); err != nil {
		t.Fatalf("Create: %v", err)
	}

	claimed, err := repo.Claim(ctx, order.ID, models.OrderStatusPending, "cred-1", time.Now())
	if err != nil {
		t.Fatalf("first Claim: %v", err)
	}
	if claimed.Attempts != 1 || claimed.Status != models.OrderStatusProcessing {
		t.Errorf("unexpected claimed order: %+v", claimed)
	}

	if _, err := repo.Claim(ctx, order.ID, models.OrderStatusPending, "cred-2", time.Now()); !errors.Is(err, repository.ErrOrderConflict) {
		t.Errorf("second Claim: expected ErrOrderConflict, got %v", err)
	}

	t.Run("stuck reset returns order to RETRY with error entry", func(t *testing.T) {
		reset, err := repo.ResetStuck(ctx, time.Now().Add(time.Second), "stuck order timeout", time.Now())
		if err != nil {
			t.Fatalf("ResetStuck: %v", err)
		}
		if len(reset) != 1 || reset[0].Status != models.OrderStatusRetry || reset[0].ErrorCount() != 1 {
			t.Fatalf("unexpected reset result: %+v", reset)
		}
	})
}

func TestDatabase_BotTransition_Integration(t *testing.T) {
	db := SetupTestDB(t)
	repo := repository.NewBotRepository(db)
	ctx := context.Background()

	if err := repo.Upsert(ctx, &models.Bot{ID: "bot-x", UserID: "user-1", Status: models.BotStatusExiting}); err != nil {
		t.Fatalf("Upsert: %v", err)
	}

	ok, err := repo.TransitionStatus(ctx, "bot-x", models.BotStatusExiting, models.BotStatusActive, "exit abandoned")
	if err != nil || !ok {
		t.Fatalf("first transition: ok=%v err=%v", ok, err)
	}

	ok, err = repo.TransitionStatus(ctx, "bot-x", models.BotStatusExiting, models.BotStatusActive, "exit abandoned")
	if err != nil {
		t.Fatalf("second transition: %v", err)
	}
	if ok {
		t.Error("second transition must not apply")
	}

	bot, err := repo.GetByID(ctx, "bot-x")
	if err != nil {
		t.Fatalf("GetByID: %v", err)
	}
	if bot.Status != models.BotStatusActive || bot.StatusReason != "exit abandoned" {
		t.Errorf("unexpected bot: %+v", bot)
	}
}
