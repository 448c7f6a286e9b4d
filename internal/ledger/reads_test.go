package ledger_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stocksim/portfolio-engine/internal/ledger"
	"github.com/stocksim/portfolio-engine/internal/model"
)

func TestPortfolioSnapshot(t *testing.T) {
	f := setup(t, "10000")
	ctx := context.Background()

	f.prices.set("AAPL", "100")
	f.prices.set("MSFT", "50")
	if _, err := f.engine.Buy(ctx, "alice", "AAPL", 10); err != nil {
		t.Fatal(err)
	}
	if _, err := f.engine.Buy(ctx, "alice", "MSFT", 20); err != nil {
		t.Fatal(err)
	}
	f.prices.set("AAPL", "110")
	f.prices.set("MSFT", "45")

	snap, err := f.engine.PortfolioSnapshot(ctx, "alice")
	if err != nil {
		t.Fatal(err)
	}
	if snap.Degraded {
		t.Error("snapshot should not be degraded")
	}
	if snap.HoldingCount != 2 || snap.Holdings[0].Symbol != "AAPL" || snap.Holdings[1].Symbol != "MSFT" {
		t.Fatalf("unexpected holdings %+v", snap.Holdings)
	}
	checks := []struct {
		name      string
		got, want string
	}{
		{"cash", snap.CashBalance.String(), "8000"},
		{"invested", snap.TotalInvested.String(), "2000"},
		{"current value", snap.CurrentValue.String(), "2000"},
		{"total value", snap.TotalValue.String(), "10000"},
		{"gain", snap.TotalGainLoss.String(), "0"},
		{"AAPL value", snap.Holdings[0].CurrentValue.String(), "1100"},
		{"AAPL gain", snap.Holdings[0].GainLoss.String(), "100"},
		{"AAPL gain %", snap.Holdings[0].GainLossPercent.String(), "10"},
		{"MSFT gain", snap.Holdings[1].GainLoss.String(), "-100"},
		{"MSFT gain %", snap.Holdings[1].GainLossPercent.String(), "-10"},
	}
	for _, c := range checks {
		if !d(c.got).Equal(d(c.want)) {
			t.Errorf("%s: expected %s, got %s", c.name, c.want, c.got)
		}
	}
}

func TestPortfolioSnapshot_ConsistentDuringBuys(t *testing.T) {
	f := setup(t, "10000")
	ctx := context.Background()
	f.prices.set("AAPL", "10")
	f.prices.set("MSFT", "20")

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 100; i++ {
			sym := "AAPL"
			if i%2 == 1 {
				sym = "MSFT"
			}
			if _, err := f.engine.Buy(ctx, "alice", sym, 1); err != nil {
				t.Errorf("buy %d: %v", i, err)
				return
			}
		}
	}()

	// Prices never move, so cash plus cost basis is always the opening cash.
	for {
		select {
		case <-done:
			return
		default:
		}
		snap, err := f.engine.PortfolioSnapshot(ctx, "alice")
		if err != nil {
			t.Error(err)
			<-done
			return
		}
		if total := snap.CashBalance.Add(snap.TotalInvested); !total.Equal(d("10000")) {
			t.Errorf("snapshot mixes states: cash %s + invested %s", snap.CashBalance, snap.TotalInvested)
			<-done
			return
		}
		if !snap.TotalValue.Equal(d("10000")) {
			t.Errorf("total value %s, expected 10000", snap.TotalValue)
			<-done
			return
		}
	}
}

func TestPortfolioSnapshot_DegradesOnQuoteFailure(t *testing.T) {
	f := setup(t, "10000")
	ctx := context.Background()

	f.prices.set("AAPL", "100")
	f.prices.set("TSLA", "200")
	f.engine.Buy(ctx, "alice", "AAPL", 3)
	f.engine.Buy(ctx, "alice", "TSLA", 2)
	f.prices.set("AAPL", "120")
	f.prices.drop("TSLA")

	snap, err := f.engine.PortfolioSnapshot(ctx, "alice")
	if err != nil {
		t.Fatalf("snapshot must not fail on a quote error: %v", err)
	}
	if !snap.Degraded {
		t.Error("snapshot should be flagged degraded")
	}
	for _, h := range snap.Holdings {
		switch h.Symbol {
		case "AAPL":
			if h.Degraded || !h.CurrentPrice.Equal(d("120")) {
				t.Errorf("AAPL should be live-priced: %+v", h)
			}
		case "TSLA":
			if !h.Degraded || !h.CurrentPrice.Equal(d("200")) || !h.GainLoss.IsZero() {
				t.Errorf("TSLA should fall back to average cost: %+v", h)
			}
		}
	}
	if !snap.CurrentValue.Equal(d("760")) {
		t.Errorf("expected current value 360+400=760, got %s", snap.CurrentValue)
	}
}

func TestPortfolioSnapshot_Empty(t *testing.T) {
	f := setup(t, "10000")
	snap, err := f.engine.PortfolioSnapshot(context.Background(), "alice")
	if err != nil {
		t.Fatal(err)
	}
	if snap.Holdings == nil || len(snap.Holdings) != 0 {
		t.Errorf("expected empty non-nil holdings, got %#v", snap.Holdings)
	}
	if !snap.TotalValue.Equal(d("10000")) || !snap.TotalGainLossPercent.IsZero() {
		t.Errorf("unexpected empty snapshot %+v", snap)
	}

	if _, err := f.engine.PortfolioSnapshot(context.Background(), "ghost"); !errors.Is(err, ledger.ErrUserNotFound) {
		t.Errorf("expected ErrUserNotFound, got %v", err)
	}
}

func TestHoldingAndCashReads(t *testing.T) {
	f := setup(t, "1000")
	ctx := context.Background()
	f.prices.set("AAPL", "10")
	buy, _ := f.engine.Buy(ctx, "alice", "AAPL", 4)
	f.prices.set("AAPL", "12.5")

	h, err := f.engine.Holding(ctx, "alice", buy.Holding.ID)
	if err != nil {
		t.Fatal(err)
	}
	if !h.CurrentValue.Equal(d("50")) || !h.GainLoss.Equal(d("10")) || !h.GainLossPercent.Equal(d("25")) {
		t.Errorf("unexpected valued holding %+v", h)
	}
	if _, err := f.engine.Holding(ctx, "alice", "missing"); !errors.Is(err, ledger.ErrHoldingNotFound) {
		t.Errorf("expected ErrHoldingNotFound, got %v", err)
	}

	cash, err := f.engine.CashBalance(ctx, "alice")
	if err != nil || !cash.Equal(d("960")) {
		t.Errorf("expected cash 960, got %s (%v)", cash, err)
	}

	net, err := f.engine.NetInvestment(ctx, "alice")
	if err != nil {
		t.Fatal(err)
	}
	if !net.NetInvestment.Equal(d("40")) || net.TotalInvestments != 1 {
		t.Errorf("unexpected net investment %+v", net)
	}

	flow, err := f.engine.CashFlow(ctx, "alice")
	if err != nil {
		t.Fatal(err)
	}
	if !flow.Inflow.Equal(d("50")) || !flow.Outflow.Equal(d("40")) || !flow.NetCashFlow.Equal(d("10")) {
		t.Errorf("unexpected cash flow %+v", flow)
	}
}

func TestTransactionHistory_Filters(t *testing.T) {
	base := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	now := base
	f := setup(t, "10000")
	f.engine = ledger.New(f.store, f.prices, ledger.WithClock(func() time.Time {
		now = now.Add(time.Minute)
		return now
	}))
	ctx := context.Background()

	f.prices.set("AAPL", "10")
	f.prices.set("MSFT", "20")
	f.engine.Buy(ctx, "alice", "AAPL", 1)      // +1m
	f.engine.Buy(ctx, "alice", "MSFT", 1)      // +2m
	f.engine.DepositCash(ctx, "alice", d("5")) // +3m
	f.engine.Buy(ctx, "alice", "AAPL", 2)      // +4m

	all, err := f.engine.TransactionHistory(ctx, "alice", model.TxFilter{})
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 4 || all[0].Quantity != 2 || all[3].Symbol != "AAPL" {
		t.Fatalf("expected newest first, got %+v", all)
	}

	aapl, _ := f.engine.TransactionHistory(ctx, "alice", model.TxFilter{Symbol: "aapl"})
	if len(aapl) != 2 {
		t.Errorf("expected 2 AAPL rows, got %d", len(aapl))
	}

	window, _ := f.engine.TransactionHistory(ctx, "alice", model.TxFilter{
		From: base.Add(2 * time.Minute),
		To:   base.Add(3 * time.Minute),
	})
	if len(window) != 2 {
		t.Errorf("expected 2 rows in window, got %d", len(window))
	}

	limited, _ := f.engine.TransactionHistory(ctx, "alice", model.TxFilter{Limit: 1})
	if len(limited) != 1 {
		t.Errorf("expected 1 row, got %d", len(limited))
	}

	bad := []model.TxFilter{
		{Type: "REFUND"},
		{Symbol: "NOT VALID"},
		{From: base.Add(time.Hour), To: base},
		{Limit: -1},
	}
	for _, filter := range bad {
		if _, err := f.engine.TransactionHistory(ctx, "alice", filter); !errors.Is(err, ledger.ErrValidation) {
			t.Errorf("filter %+v: expected ErrValidation, got %v", filter, err)
		}
	}

	if _, err := f.engine.TransactionHistory(ctx, "ghost", model.TxFilter{}); !errors.Is(err, ledger.ErrUserNotFound) {
		t.Errorf("expected ErrUserNotFound, got %v", err)
	}
}
