package oracle

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"time"
)

// ErrUnknownFeed is returned by Feed for an unregistered feed.
var ErrUnknownFeed = errors.New("oracle: unknown feed")

// Feed is an in-memory price source with aggregator-style rounds. Used by the
// development server and tests.
type Feed struct {
	mu     sync.RWMutex
	quotes map[string]Quote
	now    func() time.Time
}

// NewFeed creates an empty feed registry. A nil clock means time.Now.
func NewFeed(now func() time.Time) *Feed {
	if now == nil {
		now = time.Now
	}
	return &Feed{
		quotes: make(map[string]Quote),
		now:    now,
	}
}

// SetPrice publishes a new round for feedID, stamped with the feed's clock.
// answer is USD per unit scaled by 1e8.
func (f *Feed) SetPrice(feedID string, answer int64) {
	f.mu.Lock()
	defer f.mu.Unlock()

	round := f.quotes[feedID].RoundID + 1
	ts := f.now()
	f.quotes[feedID] = Quote{
		RoundID:         round,
		Answer:          big.NewInt(answer),
		StartedAt:       ts,
		UpdatedAt:       ts,
		AnsweredInRound: round,
	}
}

// SetQuote stores a raw quote as-is.
func (f *Feed) SetQuote(feedID string, q Quote) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.quotes[feedID] = q
}

// LatestQuote implements PriceSource.
func (f *Feed) LatestQuote(_ context.Context, feedID string) (Quote, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	q, ok := f.quotes[feedID]
	if !ok {
		return Quote{}, ErrUnknownFeed
	}
	if q.Answer != nil {
		q.Answer = new(big.Int).Set(q.Answer)
	}
	return q, nil
}
