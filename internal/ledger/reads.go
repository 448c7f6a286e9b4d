package ledger

import (
	"context"
	"log/slog"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"github.com/stocksim/portfolio-engine/internal/metrics"
	"github.com/stocksim/portfolio-engine/internal/model"
	"github.com/stocksim/portfolio-engine/internal/quote"
	"github.com/stocksim/portfolio-engine/internal/store"
)

// PortfolioSnapshot values every holding at its current quote. A symbol
// whose quote fails is valued at average cost and flagged degraded; the
// snapshot itself still succeeds. Cash and holdings come from the same
// committed state.
func (e *Engine) PortfolioSnapshot(ctx context.Context, userID string) (*model.Snapshot, error) {
	u, holdings, err := e.portfolio(ctx, userID)
	if err != nil {
		return nil, err
	}

	values := e.valueAll(ctx, holdings)

	snap := &model.Snapshot{
		UserID:        userID,
		CashBalance:   u.CashBalance,
		TotalInvested: decimal.Zero,
		CurrentValue:  decimal.Zero,
		HoldingCount:  len(values),
		Holdings:      values,
		AsOf:          e.now().UTC(),
	}
	for _, v := range values {
		snap.TotalInvested = snap.TotalInvested.Add(v.TotalInvested)
		snap.CurrentValue = snap.CurrentValue.Add(v.CurrentValue)
		snap.Degraded = snap.Degraded || v.Degraded
	}
	snap.TotalValue = snap.CurrentValue.Add(snap.CashBalance)
	snap.TotalGainLoss = snap.CurrentValue.Sub(snap.TotalInvested)
	snap.TotalGainLossPercent = model.Percent(snap.TotalGainLoss, snap.TotalInvested)

	if snap.Degraded {
		metrics.DegradedSnapshots.Inc()
	}
	return snap, nil
}

// Holding returns one of the user's holdings valued at the current quote.
// A holding owned by someone else is reported as not found.
func (e *Engine) Holding(ctx context.Context, userID, holdingID string) (*model.HoldingValue, error) {
	if userID == "" || holdingID == "" {
		return nil, invalid("user id and holding id are required")
	}
	h, err := e.store.GetHolding(ctx, userID, holdingID)
	if err != nil {
		return nil, classify(holdingErr(err, holdingID))
	}
	v := e.value(ctx, *h)
	return &v, nil
}

// CashBalance returns the user's committed cash balance.
func (e *Engine) CashBalance(ctx context.Context, userID string) (decimal.Decimal, error) {
	u, err := e.user(ctx, userID)
	if err != nil {
		return decimal.Zero, err
	}
	return u.CashBalance, nil
}

// NetInvestment is the cost basis of all open holdings.
type NetInvestment struct {
	NetInvestment    decimal.Decimal `json:"net_investment"`
	TotalInvestments int             `json:"total_investments"`
}

// NetInvestment sums the cost basis of the user's open holdings.
func (e *Engine) NetInvestment(ctx context.Context, userID string) (*NetInvestment, error) {
	_, holdings, err := e.portfolio(ctx, userID)
	if err != nil {
		return nil, err
	}
	res := &NetInvestment{NetInvestment: decimal.Zero, TotalInvestments: len(holdings)}
	for _, h := range holdings {
		res.NetInvestment = res.NetInvestment.Add(h.TotalInvested)
	}
	return res, nil
}

// CashFlow compares what open holdings are worth now (inflow) with what
// was paid for them (outflow).
type CashFlow struct {
	Inflow      decimal.Decimal `json:"inflow"`
	Outflow     decimal.Decimal `json:"outflow"`
	NetCashFlow decimal.Decimal `json:"net_cash_flow"`
	Degraded    bool            `json:"degraded,omitempty"`
}

func (e *Engine) CashFlow(ctx context.Context, userID string) (*CashFlow, error) {
	snap, err := e.PortfolioSnapshot(ctx, userID)
	if err != nil {
		return nil, err
	}
	return &CashFlow{
		Inflow:      snap.CurrentValue,
		Outflow:     snap.TotalInvested,
		NetCashFlow: snap.TotalGainLoss,
		Degraded:    snap.Degraded,
	}, nil
}

// TransactionHistory returns the user's transactions matching f, newest
// first. A zero Limit means the default page size; larger values are
// capped.
func (e *Engine) TransactionHistory(ctx context.Context, userID string, f model.TxFilter) ([]model.Transaction, error) {
	if f.Type != "" && !f.Type.Valid() {
		return nil, invalid("unknown transaction type %q", f.Type)
	}
	if f.Symbol != "" {
		sym, err := quote.NormalizeSymbol(f.Symbol)
		if err != nil {
			return nil, invalid("%v", err)
		}
		f.Symbol = sym
	}
	if !f.From.IsZero() && !f.To.IsZero() && f.To.Before(f.From) {
		return nil, invalid("'to' is before 'from'")
	}
	if f.Limit < 0 {
		return nil, invalid("limit must not be negative")
	}
	f.Limit = store.HistoryLimit(f.Limit)

	if _, err := e.user(ctx, userID); err != nil {
		return nil, err
	}
	txs, err := e.store.ListTransactions(ctx, userID, f)
	if err != nil {
		return nil, classify(err)
	}
	if txs == nil {
		txs = []model.Transaction{}
	}
	return txs, nil
}

func (e *Engine) user(ctx context.Context, userID string) (*model.User, error) {
	if userID == "" {
		return nil, invalid("user id is required")
	}
	u, err := e.store.GetUser(ctx, userID)
	if err != nil {
		return nil, classify(userErr(err, userID))
	}
	return u, nil
}

func (e *Engine) portfolio(ctx context.Context, userID string) (*model.User, []model.Holding, error) {
	if userID == "" {
		return nil, nil, invalid("user id is required")
	}
	u, holdings, err := e.store.LoadPortfolio(ctx, userID)
	if err != nil {
		return nil, nil, classify(userErr(err, userID))
	}
	return u, holdings, nil
}

// valueAll prices holdings concurrently, keeping their order.
func (e *Engine) valueAll(ctx context.Context, holdings []model.Holding) []model.HoldingValue {
	values := make([]model.HoldingValue, len(holdings))
	var g errgroup.Group
	g.SetLimit(e.quoteWorkers)
	for i, h := range holdings {
		g.Go(func() error {
			values[i] = e.value(ctx, h)
			return nil
		})
	}
	g.Wait()
	return values
}

// value marks h to market, falling back to its average cost.
func (e *Engine) value(ctx context.Context, h model.Holding) model.HoldingValue {
	v := model.HoldingValue{Holding: h}
	q, err := e.price(ctx, h.Symbol)
	if err != nil {
		slog.Warn("valuing holding at cost", "user", h.UserID, "symbol", h.Symbol, "err", err)
		v.CurrentPrice = h.AverageCost
		v.Degraded = true
	} else {
		v.CurrentPrice = q.Price
	}
	v.CurrentValue = model.Cash(v.CurrentPrice.Mul(decimal.NewFromInt(h.Quantity)))
	if v.Degraded {
		// Valued at cost: no gain by definition.
		v.CurrentValue = h.TotalInvested
	}
	v.GainLoss = v.CurrentValue.Sub(h.TotalInvested)
	v.GainLossPercent = model.Percent(v.GainLoss, h.TotalInvested)
	return v
}
