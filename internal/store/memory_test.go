package store_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/stocksim/portfolio-engine/internal/model"
	"github.com/stocksim/portfolio-engine/internal/store"
)

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func seedUser(t *testing.T, s *store.MemoryStore, id string, cash string) {
	t.Helper()
	err := s.CreateUser(context.Background(), &model.User{
		ID:          id,
		Username:    "user-" + id,
		Email:       id + "@example.com",
		CashBalance: d(cash),
		CreatedAt:   time.Now().UTC(),
	})
	if err != nil {
		t.Fatalf("failed to seed user: %v", err)
	}
}

func TestCreateUser_Conflict(t *testing.T) {
	s := store.NewMemoryStore()
	seedUser(t, s, "u1", "100")

	err := s.CreateUser(context.Background(), &model.User{
		ID: "u2", Username: "user-u1", Email: "other@example.com",
	})
	if !errors.Is(err, store.ErrConflict) {
		t.Errorf("expected ErrConflict, got %v", err)
	}
}

func TestGetUser_NotFound(t *testing.T) {
	s := store.NewMemoryStore()
	if _, err := s.GetUser(context.Background(), "ghost"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestInTx_CommitAppliesAllWrites(t *testing.T) {
	s := store.NewMemoryStore()
	seedUser(t, s, "u1", "1000")
	ctx := context.Background()

	err := s.InTx(ctx, func(tx store.Tx) error {
		if _, err := tx.LockUser(ctx, "u1"); err != nil {
			return err
		}
		if err := tx.SetCashBalance(ctx, "u1", d("900")); err != nil {
			return err
		}
		if err := tx.InsertHolding(ctx, &model.Holding{
			ID: "h1", UserID: "u1", Symbol: "AAPL", Quantity: 1,
			AverageCost: d("100"), TotalInvested: d("100"),
		}); err != nil {
			return err
		}
		return tx.InsertTransaction(ctx, &model.Transaction{
			ID: "t1", UserID: "u1", Symbol: "AAPL", Type: model.TxBuy,
			Quantity: 1, Price: d("100"), TotalAmount: d("100"), Timestamp: time.Now(),
		})
	})
	if err != nil {
		t.Fatalf("InTx failed: %v", err)
	}

	u, _ := s.GetUser(ctx, "u1")
	if !u.CashBalance.Equal(d("900")) {
		t.Errorf("expected cash 900, got %s", u.CashBalance)
	}
	holdings, _ := s.ListHoldings(ctx, "u1")
	if len(holdings) != 1 {
		t.Fatalf("expected 1 holding, got %d", len(holdings))
	}
	txs, _ := s.ListTransactions(ctx, "u1", model.TxFilter{})
	if len(txs) != 1 {
		t.Fatalf("expected 1 transaction, got %d", len(txs))
	}
}

func TestInTx_ErrorDiscardsAllWrites(t *testing.T) {
	s := store.NewMemoryStore()
	seedUser(t, s, "u1", "1000")
	ctx := context.Background()
	boom := errors.New("boom")

	err := s.InTx(ctx, func(tx store.Tx) error {
		tx.LockUser(ctx, "u1")
		tx.SetCashBalance(ctx, "u1", d("1"))
		tx.InsertHolding(ctx, &model.Holding{ID: "h1", UserID: "u1", Symbol: "AAPL", Quantity: 1})
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}

	u, _ := s.GetUser(ctx, "u1")
	if !u.CashBalance.Equal(d("1000")) {
		t.Errorf("cash should be untouched, got %s", u.CashBalance)
	}
	if holdings, _ := s.ListHoldings(ctx, "u1"); len(holdings) != 0 {
		t.Errorf("expected no holdings after rollback, got %d", len(holdings))
	}
}

func TestInTx_WritesRequireUserLock(t *testing.T) {
	s := store.NewMemoryStore()
	seedUser(t, s, "u1", "1000")
	ctx := context.Background()

	err := s.InTx(ctx, func(tx store.Tx) error {
		return tx.SetCashBalance(ctx, "u1", d("5"))
	})
	if err == nil {
		t.Fatal("expected error writing an unlocked user")
	}
}

func TestInTx_StagedReadsSeeOwnWrites(t *testing.T) {
	s := store.NewMemoryStore()
	seedUser(t, s, "u1", "1000")
	ctx := context.Background()

	err := s.InTx(ctx, func(tx store.Tx) error {
		tx.LockUser(ctx, "u1")
		tx.SetCashBalance(ctx, "u1", d("10"))
		u, err := tx.LockUser(ctx, "u1")
		if err != nil {
			return err
		}
		if !u.CashBalance.Equal(d("10")) {
			t.Errorf("expected staged cash 10, got %s", u.CashBalance)
		}

		tx.InsertHolding(ctx, &model.Holding{ID: "h1", UserID: "u1", Symbol: "MSFT", Quantity: 3})
		h, err := tx.LockHoldingBySymbol(ctx, "u1", "MSFT")
		if err != nil {
			return err
		}
		if h.Quantity != 3 {
			t.Errorf("expected staged quantity 3, got %d", h.Quantity)
		}

		if err := tx.DeleteHolding(ctx, "h1"); err != nil {
			return err
		}
		if _, err := tx.LockHolding(ctx, "u1", "h1"); !errors.Is(err, store.ErrNotFound) {
			t.Errorf("expected deleted holding to be not found, got %v", err)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("InTx failed: %v", err)
	}
}

func TestInTx_SameUserWaitsAndTimesOut(t *testing.T) {
	s := store.NewMemoryStore()
	seedUser(t, s, "u1", "1000")

	locked := make(chan struct{})
	done := make(chan struct{})
	go func() {
		s.InTx(context.Background(), func(tx store.Tx) error {
			tx.LockUser(context.Background(), "u1")
			close(locked)
			<-done
			return nil
		})
	}()
	<-locked
	defer close(done)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err := s.InTx(ctx, func(tx store.Tx) error {
		_, err := tx.LockUser(ctx, "u1")
		return err
	})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("expected deadline exceeded waiting for lock, got %v", err)
	}
}

func TestInTx_DifferentUsersDoNotContend(t *testing.T) {
	s := store.NewMemoryStore()
	seedUser(t, s, "u1", "1000")
	seedUser(t, s, "u2", "1000")

	locked := make(chan struct{})
	done := make(chan struct{})
	go func() {
		s.InTx(context.Background(), func(tx store.Tx) error {
			tx.LockUser(context.Background(), "u1")
			close(locked)
			<-done
			return nil
		})
	}()
	<-locked
	defer close(done)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	err := s.InTx(ctx, func(tx store.Tx) error {
		if _, err := tx.LockUser(ctx, "u2"); err != nil {
			return err
		}
		return tx.SetCashBalance(ctx, "u2", d("1"))
	})
	if err != nil {
		t.Fatalf("u2 should not wait on u1: %v", err)
	}
}

func TestInTx_ExpiredContextRollsBack(t *testing.T) {
	s := store.NewMemoryStore()
	seedUser(t, s, "u1", "1000")

	ctx, cancel := context.WithCancel(context.Background())
	err := s.InTx(ctx, func(tx store.Tx) error {
		tx.LockUser(ctx, "u1")
		tx.SetCashBalance(ctx, "u1", d("0"))
		cancel()
		return nil
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected canceled commit, got %v", err)
	}
	u, _ := s.GetUser(context.Background(), "u1")
	if !u.CashBalance.Equal(d("1000")) {
		t.Errorf("cash should be untouched, got %s", u.CashBalance)
	}
}

func TestListTransactions_OrderFilterLimit(t *testing.T) {
	s := store.NewMemoryStore()
	seedUser(t, s, "u1", "1000")
	ctx := context.Background()
	base := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

	err := s.InTx(ctx, func(tx store.Tx) error {
		tx.LockUser(ctx, "u1")
		for i, typ := range []model.TxType{model.TxBuy, model.TxSell, model.TxBuy, model.TxDeposit} {
			tx.InsertTransaction(ctx, &model.Transaction{
				ID: string(rune('a' + i)), UserID: "u1", Symbol: "AAPL", Type: typ,
				Timestamp: base.Add(time.Duration(i) * time.Hour),
			})
		}
		return nil
	})
	if err != nil {
		t.Fatalf("seed failed: %v", err)
	}

	all, _ := s.ListTransactions(ctx, "u1", model.TxFilter{})
	if len(all) != 4 || all[0].ID != "d" || all[3].ID != "a" {
		t.Fatalf("expected newest first, got %+v", all)
	}

	buys, _ := s.ListTransactions(ctx, "u1", model.TxFilter{Type: model.TxBuy})
	if len(buys) != 2 {
		t.Errorf("expected 2 buys, got %d", len(buys))
	}

	limited, _ := s.ListTransactions(ctx, "u1", model.TxFilter{Limit: 1})
	if len(limited) != 1 || limited[0].ID != "d" {
		t.Errorf("expected only newest, got %+v", limited)
	}
}

func TestHistoryLimit(t *testing.T) {
	if store.HistoryLimit(0) != store.DefaultHistoryLimit {
		t.Error("zero should map to default")
	}
	if store.HistoryLimit(10000) != store.MaxHistoryLimit {
		t.Error("large values should clamp to max")
	}
	if store.HistoryLimit(7) != 7 {
		t.Error("in-range values should pass through")
	}
}

func TestLoadPortfolio_NeverStraddlesCommit(t *testing.T) {
	s := store.NewMemoryStore()
	seedUser(t, s, "u1", "1000")
	ctx := context.Background()

	h := &model.Holding{ID: "h1", UserID: "u1", Symbol: "AAPL", Quantity: 1, AverageCost: d("0"), TotalInvested: d("0")}
	err := s.InTx(ctx, func(tx store.Tx) error {
		if _, err := tx.LockUser(ctx, "u1"); err != nil {
			return err
		}
		return tx.InsertHolding(ctx, h)
	})
	if err != nil {
		t.Fatal(err)
	}

	// Each write moves one unit from cash into the holding.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 500; i++ {
			err := s.InTx(ctx, func(tx store.Tx) error {
				u, err := tx.LockUser(ctx, "u1")
				if err != nil {
					return err
				}
				h, err := tx.LockHolding(ctx, "u1", "h1")
				if err != nil {
					return err
				}
				h.TotalInvested = h.TotalInvested.Add(d("1"))
				if err := tx.UpdateHolding(ctx, h); err != nil {
					return err
				}
				return tx.SetCashBalance(ctx, "u1", u.CashBalance.Sub(d("1")))
			})
			if err != nil {
				t.Errorf("write %d: %v", i, err)
				return
			}
		}
	}()

	for {
		select {
		case <-done:
			return
		default:
		}
		u, holdings, err := s.LoadPortfolio(ctx, "u1")
		if err != nil {
			t.Error(err)
			<-done
			return
		}
		total := u.CashBalance
		for _, h := range holdings {
			total = total.Add(h.TotalInvested)
		}
		if !total.Equal(d("1000")) {
			t.Errorf("cash and holdings from different states: total %s", total)
			<-done
			return
		}
	}
}

func TestLoadPortfolio_UnknownUser(t *testing.T) {
	s := store.NewMemoryStore()
	if _, _, err := s.LoadPortfolio(context.Background(), "ghost"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestResetToken_SingleUse(t *testing.T) {
	s := store.NewMemoryStore()
	seedUser(t, s, "u1", "100")
	ctx := context.Background()
	expires := time.Now().Add(time.Hour)

	if err := s.SetResetToken(ctx, "u1", "hash-1", expires); err != nil {
		t.Fatal(err)
	}
	u, err := s.GetUserByResetToken(ctx, "hash-1")
	if err != nil {
		t.Fatal(err)
	}
	if u.ID != "u1" || u.ResetExpires == nil || !u.ResetExpires.Equal(expires) {
		t.Errorf("unexpected user %+v", u)
	}
	if err := s.ResetPassword(ctx, "u1", "wrong", "new-hash"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("wrong token: expected ErrNotFound, got %v", err)
	}

	if err := s.ResetPassword(ctx, "u1", "hash-1", "new-hash"); err != nil {
		t.Fatal(err)
	}
	u, _ = s.GetUser(ctx, "u1")
	if u.PasswordHash != "new-hash" || u.ResetTokenHash != "" || u.ResetExpires != nil {
		t.Errorf("reset not applied: %+v", u)
	}
	if err := s.ResetPassword(ctx, "u1", "hash-1", "other"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("reused token: expected ErrNotFound, got %v", err)
	}
	if _, err := s.GetUserByResetToken(ctx, "hash-1"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("consumed token still resolves: %v", err)
	}
}

func TestUpdatePassword_DiscardsResetToken(t *testing.T) {
	s := store.NewMemoryStore()
	seedUser(t, s, "u1", "100")
	ctx := context.Background()

	if err := s.SetResetToken(ctx, "u1", "hash-1", time.Now().Add(time.Hour)); err != nil {
		t.Fatal(err)
	}
	if err := s.UpdatePassword(ctx, "u1", "changed"); err != nil {
		t.Fatal(err)
	}
	if _, err := s.GetUserByResetToken(ctx, "hash-1"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("token should be discarded, got %v", err)
	}
}
