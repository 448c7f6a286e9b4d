package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/stocksim/portfolio-engine/internal/model"
)

// MemoryStore implements Store with in-memory maps. Used for testing
// and development. Not suitable for production (no persistence).
//
// Row locking is emulated with one lock per user: every row a transaction
// touches belongs to a user, so holding that user's lock excludes all
// concurrent writers to the same cash balance and holdings while leaving
// other users untouched.
type MemoryStore struct {
	mu           sync.RWMutex
	users        map[string]*model.User
	holdings     map[string]*model.Holding
	transactions []model.Transaction
	locks        *userLocks
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		users:    make(map[string]*model.User),
		holdings: make(map[string]*model.Holding),
		locks:    &userLocks{m: make(map[string]chan struct{})},
	}
}

func (s *MemoryStore) CreateUser(_ context.Context, u *model.User) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, existing := range s.users {
		if existing.Username == u.Username || existing.Email == u.Email {
			return fmt.Errorf("%w: user %s already exists", ErrConflict, u.Username)
		}
	}

	// Store a copy to avoid external mutation.
	copy := *u
	s.users[u.ID] = &copy
	return nil
}

func (s *MemoryStore) GetUser(_ context.Context, id string) (*model.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	u, ok := s.users[id]
	if !ok {
		return nil, fmt.Errorf("%w: user %s", ErrNotFound, id)
	}
	copy := *u
	return &copy, nil
}

func (s *MemoryStore) GetUserByEmail(_ context.Context, email string) (*model.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, u := range s.users {
		if u.Email == email {
			copy := *u
			return &copy, nil
		}
	}
	return nil, fmt.Errorf("%w: user with email %s", ErrNotFound, email)
}

func (s *MemoryStore) UpdatePassword(_ context.Context, userID, hash string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	u, ok := s.users[userID]
	if !ok {
		return fmt.Errorf("%w: user %s", ErrNotFound, userID)
	}
	u.PasswordHash = hash
	u.ResetTokenHash, u.ResetExpires = "", nil
	return nil
}

func (s *MemoryStore) SetResetToken(_ context.Context, userID, tokenHash string, expires time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	u, ok := s.users[userID]
	if !ok {
		return fmt.Errorf("%w: user %s", ErrNotFound, userID)
	}
	exp := expires.UTC()
	u.ResetTokenHash, u.ResetExpires = tokenHash, &exp
	return nil
}

func (s *MemoryStore) GetUserByResetToken(_ context.Context, tokenHash string) (*model.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if tokenHash != "" {
		for _, u := range s.users {
			if u.ResetTokenHash == tokenHash {
				copy := *u
				return &copy, nil
			}
		}
	}
	return nil, fmt.Errorf("%w: reset token", ErrNotFound)
}

func (s *MemoryStore) ResetPassword(_ context.Context, userID, tokenHash, hash string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	u, ok := s.users[userID]
	if !ok || tokenHash == "" || u.ResetTokenHash != tokenHash {
		return fmt.Errorf("%w: reset token for user %s", ErrNotFound, userID)
	}
	u.PasswordHash = hash
	u.ResetTokenHash, u.ResetExpires = "", nil
	return nil
}

func (s *MemoryStore) TouchLogin(_ context.Context, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	u, ok := s.users[userID]
	if !ok {
		return fmt.Errorf("%w: user %s", ErrNotFound, userID)
	}
	now := time.Now().UTC()
	u.LastLoginAt = &now
	return nil
}

func (s *MemoryStore) GetHolding(_ context.Context, userID, holdingID string) (*model.Holding, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	h, ok := s.holdings[holdingID]
	if !ok || h.UserID != userID {
		return nil, fmt.Errorf("%w: holding %s", ErrNotFound, holdingID)
	}
	copy := *h
	return &copy, nil
}

func (s *MemoryStore) ListHoldings(_ context.Context, userID string) ([]model.Holding, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.holdingsOf(userID), nil
}

// LoadPortfolio reads under one read lock. Transactions apply their writes
// under the write lock, so the pair never straddles a commit.
func (s *MemoryStore) LoadPortfolio(_ context.Context, userID string) (*model.User, []model.Holding, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	u, ok := s.users[userID]
	if !ok {
		return nil, nil, fmt.Errorf("%w: user %s", ErrNotFound, userID)
	}
	copy := *u
	return &copy, s.holdingsOf(userID), nil
}

// holdingsOf returns copies of a user's holdings ordered by symbol. Caller
// holds mu.
func (s *MemoryStore) holdingsOf(userID string) []model.Holding {
	var result []model.Holding
	for _, h := range s.holdings {
		if h.UserID == userID {
			result = append(result, *h)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Symbol < result[j].Symbol })
	return result
}

func (s *MemoryStore) ListTransactions(_ context.Context, userID string, f model.TxFilter) ([]model.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.Transaction
	// Walk backwards so equal timestamps keep newest-inserted first.
	for i := len(s.transactions) - 1; i >= 0; i-- {
		t := s.transactions[i]
		if t.UserID == userID && f.Match(t) {
			result = append(result, t)
		}
	}
	sort.SliceStable(result, func(i, j int) bool { return result[i].Timestamp.After(result[j].Timestamp) })

	if limit := HistoryLimit(f.Limit); len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

// InTx runs fn against a staging transaction. Writes become visible only
// after fn returns nil and the context is still live; otherwise they are
// discarded. User locks are released when InTx returns.
func (s *MemoryStore) InTx(ctx context.Context, fn func(tx Tx) error) error {
	tx := &memTx{
		s:        s,
		held:     make(map[string]bool),
		cash:     make(map[string]decimal.Decimal),
		holdings: make(map[string]*model.Holding),
	}
	defer tx.release()

	if err := fn(tx); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("store: commit aborted: %w", err)
	}
	tx.commit()
	return nil
}

// --- transaction ---

type memTx struct {
	s    *MemoryStore
	held map[string]bool

	// Staged writes. A nil holding marks a deletion.
	cash     map[string]decimal.Decimal
	holdings map[string]*model.Holding
	inserted []model.Transaction
}

func (t *memTx) lockUser(ctx context.Context, userID string) error {
	if t.held[userID] {
		return nil
	}
	if err := t.s.locks.acquire(ctx, userID); err != nil {
		return fmt.Errorf("store: lock user %s: %w", userID, err)
	}
	t.held[userID] = true
	return nil
}

func (t *memTx) release() {
	for id := range t.held {
		t.s.locks.release(id)
	}
	t.held = nil
}

func (t *memTx) requireLock(userID string) error {
	if !t.held[userID] {
		return fmt.Errorf("store: user %s is not locked in this transaction", userID)
	}
	return nil
}

func (t *memTx) LockUser(ctx context.Context, userID string) (*model.User, error) {
	if err := t.lockUser(ctx, userID); err != nil {
		return nil, err
	}

	t.s.mu.RLock()
	u, ok := t.s.users[userID]
	var copy model.User
	if ok {
		copy = *u
	}
	t.s.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("%w: user %s", ErrNotFound, userID)
	}
	if bal, staged := t.cash[userID]; staged {
		copy.CashBalance = bal
	}
	return &copy, nil
}

// holding returns the staged view of a holding, or nil.
func (t *memTx) holding(id string) *model.Holding {
	if h, staged := t.holdings[id]; staged {
		if h == nil {
			return nil
		}
		copy := *h
		return &copy
	}
	t.s.mu.RLock()
	defer t.s.mu.RUnlock()
	if h, ok := t.s.holdings[id]; ok {
		copy := *h
		return &copy
	}
	return nil
}

func (t *memTx) LockHoldingBySymbol(ctx context.Context, userID, symbol string) (*model.Holding, error) {
	if err := t.lockUser(ctx, userID); err != nil {
		return nil, err
	}

	for _, h := range t.holdings {
		if h != nil && h.UserID == userID && h.Symbol == symbol {
			copy := *h
			return &copy, nil
		}
	}

	t.s.mu.RLock()
	defer t.s.mu.RUnlock()
	for id, h := range t.s.holdings {
		if _, staged := t.holdings[id]; staged {
			continue
		}
		if h.UserID == userID && h.Symbol == symbol {
			copy := *h
			return &copy, nil
		}
	}
	return nil, fmt.Errorf("%w: holding %s for user %s", ErrNotFound, symbol, userID)
}

func (t *memTx) LockHolding(ctx context.Context, userID, holdingID string) (*model.Holding, error) {
	if err := t.lockUser(ctx, userID); err != nil {
		return nil, err
	}
	h := t.holding(holdingID)
	if h == nil || h.UserID != userID {
		return nil, fmt.Errorf("%w: holding %s", ErrNotFound, holdingID)
	}
	return h, nil
}

func (t *memTx) SetCashBalance(_ context.Context, userID string, balance decimal.Decimal) error {
	if err := t.requireLock(userID); err != nil {
		return err
	}
	if balance.IsNegative() {
		return fmt.Errorf("store: negative cash balance %s for user %s", balance, userID)
	}
	t.cash[userID] = balance
	return nil
}

func (t *memTx) InsertHolding(ctx context.Context, h *model.Holding) error {
	if err := t.requireLock(h.UserID); err != nil {
		return err
	}
	if _, err := t.LockHoldingBySymbol(ctx, h.UserID, h.Symbol); err == nil {
		return fmt.Errorf("%w: holding %s for user %s", ErrConflict, h.Symbol, h.UserID)
	}
	copy := *h
	t.holdings[h.ID] = &copy
	return nil
}

func (t *memTx) UpdateHolding(_ context.Context, h *model.Holding) error {
	if err := t.requireLock(h.UserID); err != nil {
		return err
	}
	if t.holding(h.ID) == nil {
		return fmt.Errorf("%w: holding %s", ErrNotFound, h.ID)
	}
	copy := *h
	t.holdings[h.ID] = &copy
	return nil
}

func (t *memTx) DeleteHolding(_ context.Context, holdingID string) error {
	h := t.holding(holdingID)
	if h == nil {
		return fmt.Errorf("%w: holding %s", ErrNotFound, holdingID)
	}
	if err := t.requireLock(h.UserID); err != nil {
		return err
	}
	t.holdings[holdingID] = nil
	return nil
}

func (t *memTx) InsertTransaction(_ context.Context, tr *model.Transaction) error {
	if err := t.requireLock(tr.UserID); err != nil {
		return err
	}
	t.inserted = append(t.inserted, *tr)
	return nil
}

func (t *memTx) commit() {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()

	for id, bal := range t.cash {
		if u, ok := t.s.users[id]; ok {
			u.CashBalance = bal
		}
	}
	for id, h := range t.holdings {
		if h == nil {
			delete(t.s.holdings, id)
			continue
		}
		t.s.holdings[id] = h
	}
	t.s.transactions = append(t.s.transactions, t.inserted...)
}

// --- per-user locks ---

// userLocks hands out one binary semaphore per user. Channels rather than
// sync.Mutex so that waiting honours context cancellation.
type userLocks struct {
	mu sync.Mutex
	m  map[string]chan struct{}
}

func (l *userLocks) acquire(ctx context.Context, userID string) error {
	l.mu.Lock()
	ch, ok := l.m[userID]
	if !ok {
		ch = make(chan struct{}, 1)
		l.m[userID] = ch
	}
	l.mu.Unlock()

	select {
	case ch <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (l *userLocks) release(userID string) {
	l.mu.Lock()
	ch := l.m[userID]
	l.mu.Unlock()

	if ch != nil {
		<-ch
	}
}
