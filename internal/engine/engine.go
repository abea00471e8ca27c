// Package engine implements the over-collateralized synthetic-asset engine.
//
// Users lock whitelisted collateral tokens and mint a USD-pegged synthetic
// token against them. Every position must stay at a health factor of at least
// 1.0 (collateral valued at 50% against debt); positions that fall below may be
// liquidated by any third party for a 10% collateral bonus.
//
// Every state-changing operation is all-or-nothing: ledger rows, custody
// movements on journaled tokens and the persisted event batch either all
// commit or all revert. The engine itself is not safe for concurrent use;
// callers serialize operations.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/holiman/uint256"
	"github.com/shopspring/decimal"

	"github.com/atmx/synth-engine/internal/fixed"
	"github.com/atmx/synth-engine/internal/ledger"
	"github.com/atmx/synth-engine/internal/metrics"
	"github.com/atmx/synth-engine/internal/model"
	"github.com/atmx/synth-engine/internal/oracle"
	"github.com/atmx/synth-engine/internal/token"
)

// Protocol constants.
const (
	LiquidationThreshold = 50  // percent of collateral value counted toward solvency
	LiquidationBonus     = 10  // percent of seized collateral paid on top
	LiquidationPrecision = 100 // denominator of the two above
)

var (
	// MinHealthFactor is 1.0; positions below it are liquidatable.
	MinHealthFactor = fixed.Precision
	// MaxHealthFactor is reported for accounts without debt.
	MaxHealthFactor = fixed.Max
)

// Operation names used for logs and metrics.
const (
	OpDeposit        = "deposit_collateral"
	OpDepositAndMint = "deposit_collateral_and_mint"
	OpRedeem         = "redeem_collateral"
	OpRedeemForDebt  = "redeem_collateral_for_debt"
	OpMint           = "mint"
	OpBurn           = "burn"
	OpLiquidate      = "liquidate"
	outcomeOK        = "ok"
)

// Config names the engine's collaborators. CollateralTokens and PriceFeeds
// are paired by index.
type Config struct {
	Address          string
	CollateralTokens []string
	PriceFeeds       []string
	Synthetic        string
}

// Deps supplies the implementations behind the identifiers in Config.
type Deps struct {
	Tokens    []token.Token
	Synthetic token.Synthetic
	Oracle    *oracle.Gateway
	Ledger    *ledger.Ledger // optional
}

// Recorder persists the events and account projections of a committed
// operation. A Recorder error reverts the operation.
type Recorder interface {
	Apply(ctx context.Context, batch model.Batch) error
}

// Listener is told about every event after its operation commits.
type Listener func(model.Event)

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) {
		if l != nil {
			e.logger = l
		}
	}
}

// WithRecorder persists every committed operation.
func WithRecorder(r Recorder) Option {
	return func(e *Engine) { e.recorder = r }
}

// WithListener registers a post-commit event listener.
func WithListener(l Listener) Option {
	return func(e *Engine) {
		if l != nil {
			e.listeners = append(e.listeners, l)
		}
	}
}

// WithClock overrides the event timestamp source.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		if now != nil {
			e.now = now
		}
	}
}

// Engine owns the collateral and debt ledgers.
type Engine struct {
	address   string
	order     []string // whitelist in configuration order
	tokens    map[string]token.Token
	feeds     map[string]string
	synthetic token.Synthetic
	oracle    *oracle.Gateway
	ledger    *ledger.Ledger

	recorder  Recorder
	listeners []Listener
	logger    *slog.Logger
	now       func() time.Time

	entered bool
	tx      *txn
}

// New validates cfg against deps and builds an engine.
func New(cfg Config, deps Deps, opts ...Option) (*Engine, error) {
	if len(cfg.CollateralTokens) != len(cfg.PriceFeeds) {
		return nil, fmt.Errorf("%w: %d tokens, %d feeds",
			ErrConfigLengthMismatch, len(cfg.CollateralTokens), len(cfg.PriceFeeds))
	}
	if cfg.Address == "" {
		return nil, fmt.Errorf("%w: engine address", ErrInvalidAddress)
	}
	if deps.Oracle == nil {
		return nil, fmt.Errorf("engine: oracle gateway is required")
	}
	if deps.Synthetic == nil || deps.Synthetic.ID() != cfg.Synthetic {
		return nil, fmt.Errorf("%w: want %q", ErrSyntheticMismatch, cfg.Synthetic)
	}
	if owner := deps.Synthetic.Owner(); owner != cfg.Address {
		return nil, fmt.Errorf("%w: %s is owned by %q, not the engine", ErrSyntheticMismatch, cfg.Synthetic, owner)
	}

	available := make(map[string]token.Token, len(deps.Tokens))
	for _, t := range deps.Tokens {
		available[t.ID()] = t
	}

	e := &Engine{
		address:   cfg.Address,
		order:     make([]string, 0, len(cfg.CollateralTokens)),
		tokens:    make(map[string]token.Token, len(cfg.CollateralTokens)),
		feeds:     make(map[string]string, len(cfg.CollateralTokens)),
		synthetic: deps.Synthetic,
		oracle:    deps.Oracle,
		ledger:    deps.Ledger,
		logger:    slog.Default(),
		now:       time.Now,
	}
	if e.ledger == nil {
		e.ledger = ledger.New()
	}

	for i, id := range cfg.CollateralTokens {
		if _, dup := e.tokens[id]; dup {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateToken, id)
		}
		t, ok := available[id]
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrUnknownToken, id)
		}
		e.order = append(e.order, id)
		e.tokens[id] = t
		e.feeds[id] = cfg.PriceFeeds[i]
	}

	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// --- Getters ---

func (e *Engine) Address() string { return e.address }

// CollateralTokens returns the whitelist in configuration order.
func (e *Engine) CollateralTokens() []model.CollateralToken {
	out := make([]model.CollateralToken, 0, len(e.order))
	for _, id := range e.order {
		out = append(out, model.CollateralToken{Token: id, Symbol: e.tokens[id].Symbol(), Feed: e.feeds[id]})
	}
	return out
}

// PriceFeed returns the feed paired with token.
func (e *Engine) PriceFeed(tokenID string) (string, bool) {
	f, ok := e.feeds[tokenID]
	return f, ok
}

func (e *Engine) Synthetic() string { return e.synthetic.ID() }

// CollateralBalance returns how much of token user has deposited.
func (e *Engine) CollateralBalance(user, tokenID string) *uint256.Int {
	return e.ledger.Collateral(user, tokenID)
}

// Debt returns how much synthetic user has minted.
func (e *Engine) Debt(user string) *uint256.Int { return e.ledger.Debt(user) }

// --- Atomic scope ---

// snapshotter is implemented by every participant that can roll back.
type snapshotter interface {
	Snapshot() int
	RevertToSnapshot(id int)
	Commit(id int)
}

type txn struct {
	participants []snapshotter
	revisions    []int
	events       []model.Event
	touched      []string
	seen         map[string]struct{}
	done         bool
}

func (e *Engine) begin() *txn {
	tx := &txn{seen: make(map[string]struct{})}
	add := func(v any) {
		if s, ok := v.(snapshotter); ok {
			tx.participants = append(tx.participants, s)
			tx.revisions = append(tx.revisions, s.Snapshot())
		}
	}
	add(e.ledger)
	add(e.synthetic)
	for _, id := range e.order {
		add(e.tokens[id])
	}
	return tx
}

func (tx *txn) revert() {
	if tx.done {
		return
	}
	tx.done = true
	for i := len(tx.participants) - 1; i >= 0; i-- {
		tx.participants[i].RevertToSnapshot(tx.revisions[i])
	}
}

func (tx *txn) commit() {
	tx.done = true
	for i, p := range tx.participants {
		p.Commit(tx.revisions[i])
	}
}

func (tx *txn) touch(users ...string) {
	for _, u := range users {
		if _, ok := tx.seen[u]; !ok {
			tx.seen[u] = struct{}{}
			tx.touched = append(tx.touched, u)
		}
	}
}

// atomically runs fn as one operation. A reentrant call is rejected before
// anything is touched. Any failure, including a panic or a recorder error,
// restores the state held before the call.
func (e *Engine) atomically(ctx context.Context, op string, fn func() error) (err error) {
	start := time.Now()
	if e.entered {
		metrics.ObserveOperation(op, ClassReentrant, start)
		return ErrReentrantCall
	}
	e.entered = true
	tx := e.begin()
	e.tx = tx
	defer func() {
		tx.revert()
		e.tx = nil
		e.entered = false
	}()
	defer func() {
		if err != nil {
			class := Classify(err)
			metrics.ObserveOperation(op, class, start)
			e.logger.Warn("operation rejected", "op", op, "class", class, "err", err)
		}
	}()

	if err = fn(); err != nil {
		return err
	}

	if e.recorder != nil && len(tx.events) > 0 {
		if rerr := e.recorder.Apply(ctx, e.batch(tx)); rerr != nil {
			err = fmt.Errorf("%w: %w", ErrRecordFailed, rerr)
			return err
		}
	}
	tx.commit()

	metrics.ObserveOperation(op, outcomeOK, start)
	metrics.TotalDebt.Set(fixed.ToUnits(e.ledger.TotalDebt()).InexactFloat64())
	for _, ev := range tx.events {
		for _, l := range e.listeners {
			l(ev)
		}
	}
	return nil
}

func (e *Engine) emit(ev model.Event) {
	ev.ID = uuid.New().String()
	ev.Timestamp = e.now().UTC()
	e.tx.events = append(e.tx.events, ev)
	e.tx.touch(ev.User)
}

func (e *Engine) batch(tx *txn) model.Batch {
	b := model.Batch{Events: tx.events}
	now := e.now().UTC()
	for _, u := range tx.touched {
		b.Accounts = append(b.Accounts, e.snapshotAccount(u, now))
	}
	return b
}

func (e *Engine) snapshotAccount(user string, now time.Time) model.AccountSnapshot {
	s := model.AccountSnapshot{
		User:       user,
		Debt:       fixed.ToDecimal(e.ledger.Debt(user)),
		Collateral: make(map[string]decimal.Decimal, len(e.order)),
		UpdatedAt:  now,
	}
	for _, id := range e.order {
		s.Collateral[id] = fixed.ToDecimal(e.ledger.Collateral(user, id))
	}
	return s
}

func (e *Engine) requireAllowed(tokenID string) (token.Token, error) {
	t, ok := e.tokens[tokenID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrTokenNotAllowed, tokenID)
	}
	return t, nil
}

func requirePositive(amount *uint256.Int) error {
	if amount == nil || amount.IsZero() {
		return ErrNeedsMoreThanZero
	}
	return nil
}

func requireAccount(users ...string) error {
	for _, u := range users {
		if u == "" {
			return ErrInvalidAddress
		}
	}
	return nil
}
