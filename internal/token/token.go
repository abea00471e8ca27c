// Package token provides the fungible-token collaborators the engine moves
// custody through: whitelisted collateral tokens and the pegged synthetic
// token, which only its owner (the engine) may mint or burn.
//
// Ledger is an in-process implementation used by the server and by tests. It
// keeps an undo journal so custody movements can be rolled back together with
// the engine's own bookkeeping.
package token

import (
	"errors"
	"fmt"

	"github.com/holiman/uint256"

	"github.com/atmx/synth-engine/internal/journal"
)

var (
	ErrZeroAmount          = errors.New("token: amount must be more than zero")
	ErrZeroAddress         = errors.New("token: null account")
	ErrInsufficientBalance = errors.New("token: transfer amount exceeds balance")
	ErrInsufficientAllowed = errors.New("token: transfer amount exceeds allowance")
	ErrBurnExceedsBalance  = errors.New("token: burn amount exceeds balance")
	ErrNotOwner            = errors.New("token: caller is not the owner")
)

// Token is the custody surface of a fungible asset.
type Token interface {
	ID() string
	Symbol() string
	BalanceOf(account string) *uint256.Int
	Allowance(owner, spender string) *uint256.Int
	Approve(owner, spender string, amount *uint256.Int) error
	Transfer(from, to string, amount *uint256.Int) error
	TransferFrom(spender, from, to string, amount *uint256.Int) error
}

// Synthetic is the pegged token the engine issues debt in.
type Synthetic interface {
	Token
	// Owner is the only account allowed to mint and burn.
	Owner() string
	// Mint creates amount for to. Only the owner may call it.
	Mint(caller, to string, amount *uint256.Int) error
	// Burn destroys amount from the caller's own balance. Only the owner may
	// call it.
	Burn(caller string, amount *uint256.Int) error
}

// ReceiveHook is invoked after an account is credited. A non-nil error fails
// the transfer that triggered it.
type ReceiveHook func(tokenID, from, to string, amount *uint256.Int) error

// Ledger is a journaled in-memory token. It is not safe for concurrent use.
type Ledger struct {
	id          string
	symbol      string
	owner       string
	balances    map[string]*uint256.Int
	allowances  map[string]map[string]*uint256.Int
	totalSupply *uint256.Int
	hook        ReceiveHook
	journal     journal.Journal
}

// NewLedger creates a token. owner is the only account allowed to mint and
// burn; an empty owner makes minting impossible except through Faucet.
func NewLedger(id, symbol, owner string) *Ledger {
	return &Ledger{
		id:          id,
		symbol:      symbol,
		owner:       owner,
		balances:    make(map[string]*uint256.Int),
		allowances:  make(map[string]map[string]*uint256.Int),
		totalSupply: new(uint256.Int),
	}
}

func (l *Ledger) ID() string     { return l.id }
func (l *Ledger) Symbol() string { return l.symbol }
func (l *Ledger) Owner() string { return l.owner }

// SetReceiveHook installs a callback fired after every credit.
func (l *Ledger) SetReceiveHook(h ReceiveHook) { l.hook = h }

// TotalSupply returns the circulating supply.
func (l *Ledger) TotalSupply() *uint256.Int { return l.totalSupply.Clone() }

// BalanceOf returns a copy of the account balance.
func (l *Ledger) BalanceOf(account string) *uint256.Int {
	if b, ok := l.balances[account]; ok {
		return b.Clone()
	}
	return new(uint256.Int)
}

// Allowance returns how much spender may still move on behalf of owner.
func (l *Ledger) Allowance(owner, spender string) *uint256.Int {
	if a, ok := l.allowances[owner][spender]; ok {
		return a.Clone()
	}
	return new(uint256.Int)
}

// Approve sets the allowance of spender over owner's balance.
func (l *Ledger) Approve(owner, spender string, amount *uint256.Int) error {
	if owner == "" || spender == "" {
		return ErrZeroAddress
	}
	l.setAllowance(owner, spender, amount.Clone())
	return nil
}

// Transfer moves amount from one account to another.
func (l *Ledger) Transfer(from, to string, amount *uint256.Int) error {
	if from == "" || to == "" {
		return ErrZeroAddress
	}
	if amount.Gt(l.balanceRef(from)) {
		return fmt.Errorf("%w: %s has %s, needs %s", ErrInsufficientBalance, from, l.balanceRef(from).Dec(), amount.Dec())
	}
	l.setBalance(from, new(uint256.Int).Sub(l.balanceRef(from), amount))
	l.setBalance(to, new(uint256.Int).Add(l.balanceRef(to), amount))
	return l.notify(from, to, amount)
}

// TransferFrom moves amount out of from's balance using spender's allowance.
func (l *Ledger) TransferFrom(spender, from, to string, amount *uint256.Int) error {
	if spender != from {
		allowed := l.Allowance(from, spender)
		if amount.Gt(allowed) {
			return fmt.Errorf("%w: %s may move %s of %s, needs %s",
				ErrInsufficientAllowed, spender, allowed.Dec(), from, amount.Dec())
		}
		l.setAllowance(from, spender, new(uint256.Int).Sub(allowed, amount))
	}
	return l.Transfer(from, to, amount)
}

// Mint creates amount for to. Only the owner may mint.
func (l *Ledger) Mint(caller, to string, amount *uint256.Int) error {
	if caller == "" || caller != l.owner {
		return ErrNotOwner
	}
	return l.mint(to, amount)
}

// Burn destroys amount from the caller's balance. Only the owner may burn.
func (l *Ledger) Burn(caller string, amount *uint256.Int) error {
	if caller == "" || caller != l.owner {
		return ErrNotOwner
	}
	if amount.IsZero() {
		return ErrZeroAmount
	}
	if amount.Gt(l.balanceRef(caller)) {
		return ErrBurnExceedsBalance
	}
	l.setBalance(caller, new(uint256.Int).Sub(l.balanceRef(caller), amount))
	l.setSupply(new(uint256.Int).Sub(l.totalSupply, amount))
	return nil
}

// Faucet credits an account without owner checks. Development servers and
// tests use it to fund collateral balances.
func (l *Ledger) Faucet(to string, amount *uint256.Int) error {
	return l.mint(to, amount)
}

func (l *Ledger) mint(to string, amount *uint256.Int) error {
	if to == "" {
		return ErrZeroAddress
	}
	if amount.IsZero() {
		return ErrZeroAmount
	}
	supply, overflow := new(uint256.Int).AddOverflow(l.totalSupply, amount)
	if overflow {
		return fmt.Errorf("token: %s supply overflow", l.id)
	}
	l.setSupply(supply)
	l.setBalance(to, new(uint256.Int).Add(l.balanceRef(to), amount))
	return l.notify("", to, amount)
}

func (l *Ledger) notify(from, to string, amount *uint256.Int) error {
	if l.hook == nil {
		return nil
	}
	return l.hook(l.id, from, to, amount.Clone())
}

// --- Journal ---

// Snapshot opens a revision covering every subsequent mutation.
func (l *Ledger) Snapshot() int { return l.journal.Snapshot() }

// RevertToSnapshot undoes every mutation since the revision was opened.
func (l *Ledger) RevertToSnapshot(id int) { l.journal.Revert(id) }

// Commit keeps the mutations of the revision.
func (l *Ledger) Commit(id int) { l.journal.Commit(id) }

func (l *Ledger) balanceRef(account string) *uint256.Int {
	if b, ok := l.balances[account]; ok {
		return b
	}
	return new(uint256.Int)
}

func (l *Ledger) setBalance(account string, v *uint256.Int) {
	prev, existed := l.balances[account]
	l.balances[account] = v
	l.journal.Record(func() {
		if existed {
			l.balances[account] = prev
		} else {
			delete(l.balances, account)
		}
	})
}

func (l *Ledger) setSupply(v *uint256.Int) {
	prev := l.totalSupply
	l.totalSupply = v
	l.journal.Record(func() { l.totalSupply = prev })
}

func (l *Ledger) setAllowance(owner, spender string, v *uint256.Int) {
	m, ok := l.allowances[owner]
	if !ok {
		m = make(map[string]*uint256.Int)
		l.allowances[owner] = m
	}
	prev, existed := m[spender]
	m[spender] = v
	l.journal.Record(func() {
		if existed {
			m[spender] = prev
		} else {
			delete(m, spender)
		}
	})
}
