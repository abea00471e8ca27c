// Package oracle wraps an external price source and refuses to hand out a
// price it cannot trust. A quote older than the staleness bound, an incomplete
// round, or a non-positive answer fails the lookup; no default or cached value
// is ever substituted.
package oracle

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/holiman/uint256"
)

// DefaultTimeout is the maximum age of a usable quote.
const DefaultTimeout = 3 * time.Hour

var (
	// ErrStalePrice is returned when the latest quote is too old or its round
	// never completed.
	ErrStalePrice = errors.New("oracle: stale price")

	// ErrPriceUnavailable is returned when the source cannot produce a usable
	// quote at all.
	ErrPriceUnavailable = errors.New("oracle: price unavailable")
)

// Quote is the raw answer of a price source. Answer is USD per unit scaled by
// 1e8 and is signed, as reported upstream.
type Quote struct {
	RoundID         uint64
	Answer          *big.Int
	StartedAt       time.Time
	UpdatedAt       time.Time
	AnsweredInRound uint64
}

// PriceSource reads the latest quote of a feed.
type PriceSource interface {
	LatestQuote(ctx context.Context, feedID string) (Quote, error)
}

// Price is a validated quote.
type Price struct {
	Value *uint256.Int // USD per unit, 1e8
	AsOf  time.Time
}

// Gateway enforces the staleness bound on top of a PriceSource.
type Gateway struct {
	source  PriceSource
	timeout time.Duration
	now     func() time.Time
}

// Option configures a Gateway.
type Option func(*Gateway)

// WithTimeout overrides the staleness bound.
func WithTimeout(d time.Duration) Option {
	return func(g *Gateway) {
		if d > 0 {
			g.timeout = d
		}
	}
}

// WithClock overrides the time source used to age quotes.
func WithClock(now func() time.Time) Option {
	return func(g *Gateway) {
		if now != nil {
			g.now = now
		}
	}
}

// NewGateway wraps source.
func NewGateway(source PriceSource, opts ...Option) *Gateway {
	g := &Gateway{
		source:  source,
		timeout: DefaultTimeout,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Timeout returns the staleness bound.
func (g *Gateway) Timeout() time.Duration { return g.timeout }

// Price returns the trusted price of feedID or fails.
func (g *Gateway) Price(ctx context.Context, feedID string) (Price, error) {
	q, err := g.source.LatestQuote(ctx, feedID)
	if err != nil {
		return Price{}, fmt.Errorf("%w: feed %s: %v", ErrPriceUnavailable, feedID, err)
	}

	if q.UpdatedAt.IsZero() || q.AnsweredInRound < q.RoundID {
		return Price{}, fmt.Errorf("%w: feed %s round %d incomplete", ErrStalePrice, feedID, q.RoundID)
	}
	if age := g.now().Sub(q.UpdatedAt); age > g.timeout {
		return Price{}, fmt.Errorf("%w: feed %s is %s old (max %s)", ErrStalePrice, feedID, age, g.timeout)
	}

	if q.Answer == nil || q.Answer.Sign() <= 0 {
		return Price{}, fmt.Errorf("%w: feed %s answered %v", ErrPriceUnavailable, feedID, q.Answer)
	}
	value, overflow := uint256.FromBig(q.Answer)
	if overflow {
		return Price{}, fmt.Errorf("%w: feed %s answer out of range", ErrPriceUnavailable, feedID)
	}

	return Price{Value: value, AsOf: q.UpdatedAt}, nil
}
