package ledger

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/shopspring/decimal"
)

var (
	ErrInsufficientFunds = errors.New("insufficient funds")
	ErrMissingEntry      = errors.New("ledger entry missing")
	ErrNegativeBalance   = errors.New("balance would go negative")
	ErrInvalidAmount     = errors.New("amount must be positive")
)

// Balance is one user's holding of one asset.
type Balance struct {
	Available decimal.Decimal `json:"available"`
	Locked    decimal.Decimal `json:"locked"`
}

// Total returns available + locked.
func (b Balance) Total() decimal.Decimal {
	return b.Available.Add(b.Locked)
}

// Posting is a signed change to one (user, asset) balance. A settlement is
// a set of postings that Apply commits together or not at all.
type Posting struct {
	UserID    string
	Asset     string
	Available decimal.Decimal
	Locked    decimal.Decimal
}

// Ledger tracks available/locked balances per user per asset.
// Entries are created on first credit and never deleted.
type Ledger struct {
	mu       sync.RWMutex
	balances map[string]map[string]*Balance // user -> asset -> balance
}

func New() *Ledger {
	return &Ledger{balances: make(map[string]map[string]*Balance)}
}

// entryLocked returns the balance for (user, asset), creating it if create is set.
// Caller must hold mu.
func (l *Ledger) entryLocked(userID, asset string, create bool) *Balance {
	assets, ok := l.balances[userID]
	if !ok {
		if !create {
			return nil
		}
		assets = make(map[string]*Balance)
		l.balances[userID] = assets
	}
	b, ok := assets[asset]
	if !ok {
		if !create {
			return nil
		}
		b = &Balance{}
		assets[asset] = b
	}
	return b
}

// Deposit credits amount to the user's available balance.
func (l *Ledger) Deposit(userID, asset string, amount decimal.Decimal) error {
	if !amount.IsPositive() {
		return fmt.Errorf("deposit %s %s: %w", amount, asset, ErrInvalidAmount)
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	b := l.entryLocked(userID, asset, true)
	b.Available = b.Available.Add(amount)
	return nil
}

// Lock moves amount from available to locked.
// Returns ErrInsufficientFunds when available is short or the entry does not exist.
func (l *Ledger) Lock(userID, asset string, amount decimal.Decimal) error {
	if amount.IsNegative() {
		return fmt.Errorf("lock %s %s: %w", amount, asset, ErrInvalidAmount)
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	b := l.entryLocked(userID, asset, false)
	if b == nil || b.Available.LessThan(amount) {
		have := decimal.Zero
		if b != nil {
			have = b.Available
		}
		return fmt.Errorf("lock %s for user %s: have %s, need %s: %w", asset, userID, have, amount, ErrInsufficientFunds)
	}
	b.Available = b.Available.Sub(amount)
	b.Locked = b.Locked.Add(amount)
	return nil
}

// Unlock moves amount from locked back to available.
func (l *Ledger) Unlock(userID, asset string, amount decimal.Decimal) error {
	return l.Apply(Posting{UserID: userID, Asset: asset, Available: amount, Locked: amount.Neg()})
}

type key struct{ user, asset string }

// Apply commits all postings atomically. Every posting that debits must
// target an existing entry, and no resulting balance may be negative;
// otherwise nothing is changed.
func (l *Ledger) Apply(postings ...Posting) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	next := make(map[key]Balance, len(postings))
	for _, p := range postings {
		k := key{p.UserID, p.Asset}
		cur, seen := next[k]
		if !seen {
			b := l.entryLocked(p.UserID, p.Asset, false)
			if b == nil && (p.Available.IsNegative() || p.Locked.IsNegative()) {
				return fmt.Errorf("debit %s for user %s: %w", p.Asset, p.UserID, ErrMissingEntry)
			}
			if b != nil {
				cur = *b
			}
		}
		cur.Available = cur.Available.Add(p.Available)
		cur.Locked = cur.Locked.Add(p.Locked)
		if cur.Available.IsNegative() || cur.Locked.IsNegative() {
			return fmt.Errorf("%s for user %s: available=%s locked=%s: %w",
				p.Asset, p.UserID, cur.Available, cur.Locked, ErrNegativeBalance)
		}
		next[k] = cur
	}

	for k, v := range next {
		b := l.entryLocked(k.user, k.asset, true)
		*b = v
	}
	return nil
}

// Get returns the balance for (user, asset).
func (l *Ledger) Get(userID, asset string) (Balance, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	b := l.entryLocked(userID, asset, false)
	if b == nil {
		return Balance{}, false
	}
	return *b, true
}

// Available returns the available balance, zero for unknown entries.
func (l *Ledger) Available(userID, asset string) decimal.Decimal {
	b, _ := l.Get(userID, asset)
	return b.Available
}

// Balances returns a copy of every asset balance held by userID.
func (l *Ledger) Balances(userID string) map[string]Balance {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make(map[string]Balance, len(l.balances[userID]))
	for asset, b := range l.balances[userID] {
		out[asset] = *b
	}
	return out
}

// Total sums available + locked of asset across all users.
func (l *Ledger) Total(asset string) decimal.Decimal {
	l.mu.RLock()
	defer l.mu.RUnlock()
	sum := decimal.Zero
	for _, assets := range l.balances {
		if b, ok := assets[asset]; ok {
			sum = sum.Add(b.Total())
		}
	}
	return sum
}

// Users returns all user IDs with a ledger entry, sorted.
func (l *Ledger) Users() []string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	users := make([]string, 0, len(l.balances))
	for u := range l.balances {
		users = append(users, u)
	}
	sort.Strings(users)
	return users
}
