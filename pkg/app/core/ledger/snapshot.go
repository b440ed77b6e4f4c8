package ledger

import (
	"encoding/json"
	"fmt"
)

// Entry is one user's balances in snapshot form. It encodes as the pair
// [userId, {asset: {available, locked}}].
type Entry struct {
	UserID string
	Assets map[string]Balance
}

func (e Entry) MarshalJSON() ([]byte, error) {
	assets := e.Assets
	if assets == nil {
		assets = map[string]Balance{}
	}
	return json.Marshal([]any{e.UserID, assets})
}

func (e *Entry) UnmarshalJSON(b []byte) error {
	var pair []json.RawMessage
	if err := json.Unmarshal(b, &pair); err != nil {
		return err
	}
	if len(pair) != 2 {
		return fmt.Errorf("ledger entry: want [userId, balances], got %d elements", len(pair))
	}
	if err := json.Unmarshal(pair[0], &e.UserID); err != nil {
		return fmt.Errorf("ledger entry user: %w", err)
	}
	if err := json.Unmarshal(pair[1], &e.Assets); err != nil {
		return fmt.Errorf("ledger entry %s balances: %w", e.UserID, err)
	}
	return nil
}

// Snapshot copies the whole ledger, users sorted by ID.
func (l *Ledger) Snapshot() []Entry {
	users := l.Users()
	out := make([]Entry, 0, len(users))
	for _, u := range users {
		out = append(out, Entry{UserID: u, Assets: l.Balances(u)})
	}
	return out
}

// Restore builds a ledger from snapshot entries.
func Restore(entries []Entry) (*Ledger, error) {
	l := New()
	for _, e := range entries {
		if _, dup := l.balances[e.UserID]; dup {
			return nil, fmt.Errorf("duplicate ledger user %s", e.UserID)
		}
		assets := make(map[string]*Balance, len(e.Assets))
		for asset, b := range e.Assets {
			if b.Available.IsNegative() || b.Locked.IsNegative() {
				return nil, fmt.Errorf("user %s asset %s: %w", e.UserID, asset, ErrNegativeBalance)
			}
			bal := b
			assets[asset] = &bal
		}
		l.balances[e.UserID] = assets
	}
	return l, nil
}
