package history

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/fraudwatch/kestrel/internal/cache"
	"github.com/fraudwatch/kestrel/internal/domain"
	"github.com/fraudwatch/kestrel/internal/repository"
)

func TestWindowService(t *testing.T) {
	repo, err := repository.New(domain.RepositoryConfig{
		Driver:     "sqlite",
		SQLitePath: filepath.Join(t.TempDir(), "history-test.db"),
	})
	if err != nil {
		t.Fatalf("failed to create repository: %v", err)
	}
	defer repo.Close()

	lru := cache.NewLRUCache(100)
	defer lru.Close()

	svc := NewService(repo, lru)

	ctx := context.Background()
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	// Five transactions for acc-001 inside the hour, one outside.
	for i := 0; i < 5; i++ {
		tx := &domain.Transaction{
			ID:        fmt.Sprintf("tx-%d", i),
			AccountID: "acc-001",
			Amount:    100.0,
			Currency:  "USD",
			Timestamp: now.Add(-time.Duration(i*5) * time.Minute),
		}
		if err := repo.SaveTransaction(ctx, tx); err != nil {
			t.Fatalf("failed to save transaction: %v", err)
		}
	}
	old := &domain.Transaction{
		ID:        "tx-old",
		AccountID: "acc-001",
		Amount:    100.0,
		Currency:  "USD",
		Timestamp: now.Add(-2 * time.Hour),
	}
	if err := repo.SaveTransaction(ctx, old); err != nil {
		t.Fatalf("failed to save transaction: %v", err)
	}

	t.Run("WindowBounds", func(t *testing.T) {
		txs, err := svc.Window(ctx, "account_id", "acc-001", time.Hour, now)
		if err != nil {
			t.Fatalf("Window failed: %v", err)
		}
		if len(txs) != 5 {
			t.Errorf("expected 5 transactions in window, got %d", len(txs))
		}
		for _, tx := range txs {
			if tx.ID == "tx-old" {
				t.Error("transaction outside the window was included")
			}
		}
	})

	t.Run("UnknownEntity", func(t *testing.T) {
		txs, err := svc.Window(ctx, "account_id", "acc-unknown", time.Hour, now)
		if err != nil {
			t.Fatalf("Window failed: %v", err)
		}
		if len(txs) != 0 {
			t.Errorf("expected empty window for unknown account, got %d", len(txs))
		}
	})

	t.Run("CachedFetch", func(t *testing.T) {
		// Second fetch with identical bounds is served from cache; a row
		// inserted in between must not appear.
		if _, err := svc.Window(ctx, "account_id", "acc-002", time.Hour, now); err != nil {
			t.Fatalf("Window failed: %v", err)
		}

		tx := &domain.Transaction{
			ID:        "tx-late",
			AccountID: "acc-002",
			Amount:    50.0,
			Currency:  "USD",
			Timestamp: now.Add(-time.Minute),
		}
		if err := repo.SaveTransaction(ctx, tx); err != nil {
			t.Fatalf("failed to save transaction: %v", err)
		}

		txs, err := svc.Window(ctx, "account_id", "acc-002", time.Hour, now)
		if err != nil {
			t.Fatalf("Window failed: %v", err)
		}
		if len(txs) != 0 {
			t.Errorf("expected cached empty window, got %d transactions", len(txs))
		}

		// A different end time is a different key and sees the new row.
		txs, err = svc.Window(ctx, "account_id", "acc-002", time.Hour, now.Add(time.Second))
		if err != nil {
			t.Fatalf("Window failed: %v", err)
		}
		if len(txs) != 1 {
			t.Errorf("expected 1 transaction for fresh window, got %d", len(txs))
		}
	})

	t.Run("RequiresKey", func(t *testing.T) {
		if _, err := svc.Window(ctx, "", "acc-001", time.Hour, now); err == nil {
			t.Error("expected error for empty keyField")
		}
		if _, err := svc.Window(ctx, "account_id", "", time.Hour, now); err == nil {
			t.Error("expected error for empty value")
		}
		if _, err := svc.Window(ctx, "account_id", "acc-001", 0, now); err == nil {
			t.Error("expected error for zero window")
		}
	})

	t.Run("Track", func(t *testing.T) {
		for want := int64(1); want <= 3; want++ {
			got, err := svc.Track(ctx, "account_id", "acc-001", time.Hour)
			if err != nil {
				t.Fatalf("Track failed: %v", err)
			}
			if got != want {
				t.Errorf("expected counter %d, got %d", want, got)
			}
		}
	})
}

func TestWindowWithoutCache(t *testing.T) {
	repo, err := repository.New(domain.RepositoryConfig{
		Driver:     "sqlite",
		SQLitePath: filepath.Join(t.TempDir(), "history-test.db"),
	})
	if err != nil {
		t.Fatalf("failed to create repository: %v", err)
	}
	defer repo.Close()

	svc := NewService(repo, nil)
	ctx := context.Background()

	txs, err := svc.Window(ctx, "merchant", "ACME", time.Hour, time.Now().UTC())
	if err != nil {
		t.Fatalf("Window failed: %v", err)
	}
	if len(txs) != 0 {
		t.Errorf("expected empty window, got %d", len(txs))
	}

	// Track is a no-op without a cache.
	count, err := svc.Track(ctx, "account_id", "acc-001", time.Hour)
	if err != nil {
		t.Fatalf("Track failed: %v", err)
	}
	if count != 0 {
		t.Errorf("expected 0 from cacheless Track, got %d", count)
	}
}
