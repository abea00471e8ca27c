// Package ledger holds the engine's two keyed stores: collateral deposited
// per (user, token) and synthetic debt minted per user. Balances never go
// negative; a decrement larger than the balance fails instead of wrapping.
package ledger

import (
	"errors"
	"fmt"
	"sort"

	"github.com/holiman/uint256"

	"github.com/atmx/synth-engine/internal/journal"
)

var (
	ErrInsufficientCollateral = errors.New("ledger: insufficient collateral")
	ErrInsufficientDebt       = errors.New("ledger: burn amount exceeds debt")
	ErrOverflow               = errors.New("ledger: balance overflow")
)

// Ledger is not safe for concurrent use; the engine serializes access.
type Ledger struct {
	collateral map[string]map[string]*uint256.Int // user → token → amount
	debt       map[string]*uint256.Int            // user → minted
	journal    journal.Journal
}

// New creates an empty ledger.
func New() *Ledger {
	return &Ledger{
		collateral: make(map[string]map[string]*uint256.Int),
		debt:       make(map[string]*uint256.Int),
	}
}

// --- Collateral ---

// Collateral returns the amount of token deposited by user.
func (l *Ledger) Collateral(user, token string) *uint256.Int {
	if v, ok := l.collateral[user][token]; ok {
		return v.Clone()
	}
	return new(uint256.Int)
}

// AddCollateral credits user's position in token.
func (l *Ledger) AddCollateral(user, token string, amount *uint256.Int) error {
	next, overflow := new(uint256.Int).AddOverflow(l.Collateral(user, token), amount)
	if overflow {
		return fmt.Errorf("%w: %s/%s", ErrOverflow, user, token)
	}
	l.setCollateral(user, token, next)
	return nil
}

// SubCollateral debits user's position in token.
func (l *Ledger) SubCollateral(user, token string, amount *uint256.Int) error {
	cur := l.Collateral(user, token)
	next, underflow := new(uint256.Int).SubOverflow(cur, amount)
	if underflow {
		return fmt.Errorf("%w: %s holds %s %s, needs %s", ErrInsufficientCollateral, user, cur.Dec(), token, amount.Dec())
	}
	l.setCollateral(user, token, next)
	return nil
}

// TotalCollateral sums every user's deposit of token.
func (l *Ledger) TotalCollateral(token string) *uint256.Int {
	total := new(uint256.Int)
	for _, positions := range l.collateral {
		if v, ok := positions[token]; ok {
			total.Add(total, v)
		}
	}
	return total
}

// --- Debt ---

// Debt returns the synthetic amount minted by user.
func (l *Ledger) Debt(user string) *uint256.Int {
	if v, ok := l.debt[user]; ok {
		return v.Clone()
	}
	return new(uint256.Int)
}

// AddDebt increases user's minted amount.
func (l *Ledger) AddDebt(user string, amount *uint256.Int) error {
	next, overflow := new(uint256.Int).AddOverflow(l.Debt(user), amount)
	if overflow {
		return fmt.Errorf("%w: debt of %s", ErrOverflow, user)
	}
	l.setDebt(user, next)
	return nil
}

// SubDebt decreases user's minted amount.
func (l *Ledger) SubDebt(user string, amount *uint256.Int) error {
	cur := l.Debt(user)
	next, underflow := new(uint256.Int).SubOverflow(cur, amount)
	if underflow {
		return fmt.Errorf("%w: %s owes %s, burning %s", ErrInsufficientDebt, user, cur.Dec(), amount.Dec())
	}
	l.setDebt(user, next)
	return nil
}

// TotalDebt sums every user's minted amount.
func (l *Ledger) TotalDebt() *uint256.Int {
	total := new(uint256.Int)
	for _, v := range l.debt {
		total.Add(total, v)
	}
	return total
}

// Users returns every user that ever held a position, sorted.
func (l *Ledger) Users() []string {
	seen := make(map[string]struct{}, len(l.collateral)+len(l.debt))
	for u := range l.collateral {
		seen[u] = struct{}{}
	}
	for u := range l.debt {
		seen[u] = struct{}{}
	}
	users := make([]string, 0, len(seen))
	for u := range seen {
		users = append(users, u)
	}
	sort.Strings(users)
	return users
}

// --- Journal ---

func (l *Ledger) Snapshot() int           { return l.journal.Snapshot() }
func (l *Ledger) RevertToSnapshot(id int) { l.journal.Revert(id) }
func (l *Ledger) Commit(id int)           { l.journal.Commit(id) }

func (l *Ledger) setCollateral(user, token string, v *uint256.Int) {
	positions, ok := l.collateral[user]
	if !ok {
		positions = make(map[string]*uint256.Int)
		l.collateral[user] = positions
	}
	prev, existed := positions[token]
	positions[token] = v
	l.journal.Record(func() {
		if existed {
			positions[token] = prev
			return
		}
		delete(positions, token)
		if len(positions) == 0 {
			delete(l.collateral, user)
		}
	})
}

func (l *Ledger) setDebt(user string, v *uint256.Int) {
	prev, existed := l.debt[user]
	l.debt[user] = v
	l.journal.Record(func() {
		if existed {
			l.debt[user] = prev
		} else {
			delete(l.debt, user)
		}
	})
}
