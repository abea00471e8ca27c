package oracle

import (
	"context"
	"fmt"
	"math/big"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisSource reads quotes an external feeder publishes as Redis hashes under
// synth:feed:<feedID>. Fields: round_id, answer (1e8), started_at, updated_at
// (unix seconds) and answered_in_round. The Gateway still applies the
// staleness bound; RedisSource only decodes.
type RedisSource struct {
	rdb redis.Cmdable
}

// NewRedisSource creates a price source over rdb.
func NewRedisSource(rdb redis.Cmdable) *RedisSource {
	return &RedisSource{rdb: rdb}
}

// LatestQuote implements PriceSource.
func (s *RedisSource) LatestQuote(ctx context.Context, feedID string) (Quote, error) {
	fields, err := s.rdb.HGetAll(ctx, feedKey(feedID)).Result()
	if err != nil {
		return Quote{}, fmt.Errorf("oracle: read feed %s: %w", feedID, err)
	}
	if len(fields) == 0 {
		return Quote{}, ErrUnknownFeed
	}

	var q Quote
	if q.RoundID, err = parseUint(fields, "round_id"); err != nil {
		return Quote{}, err
	}
	if q.AnsweredInRound, err = parseUint(fields, "answered_in_round"); err != nil {
		return Quote{}, err
	}
	if q.StartedAt, err = parseUnix(fields, "started_at"); err != nil {
		return Quote{}, err
	}
	if q.UpdatedAt, err = parseUnix(fields, "updated_at"); err != nil {
		return Quote{}, err
	}
	answer, ok := new(big.Int).SetString(fields["answer"], 10)
	if !ok {
		return Quote{}, fmt.Errorf("oracle: feed %s: malformed answer %q", feedID, fields["answer"])
	}
	q.Answer = answer
	return q, nil
}

// PublishQuote writes q for feedID in the layout RedisSource reads.
func PublishQuote(ctx context.Context, rdb redis.Cmdable, feedID string, q Quote) error {
	answer := "0"
	if q.Answer != nil {
		answer = q.Answer.String()
	}
	return rdb.HSet(ctx, feedKey(feedID), map[string]any{
		"round_id":          strconv.FormatUint(q.RoundID, 10),
		"answer":            answer,
		"started_at":        formatUnix(q.StartedAt),
		"updated_at":        formatUnix(q.UpdatedAt),
		"answered_in_round": strconv.FormatUint(q.AnsweredInRound, 10),
	}).Err()
}

func feedKey(feedID string) string { return "synth:feed:" + feedID }

func parseUint(fields map[string]string, name string) (uint64, error) {
	raw, ok := fields[name]
	if !ok {
		return 0, nil
	}
	v, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("oracle: field %s: %w", name, err)
	}
	return v, nil
}

// parseUnix maps a missing or zero field to the zero time, which the Gateway
// treats as an incomplete round.
func parseUnix(fields map[string]string, name string) (time.Time, error) {
	raw, ok := fields[name]
	if !ok || raw == "0" {
		return time.Time{}, nil
	}
	secs, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return time.Time{}, fmt.Errorf("oracle: field %s: %w", name, err)
	}
	return time.Unix(secs, 0).UTC(), nil
}

func formatUnix(t time.Time) string {
	if t.IsZero() {
		return "0"
	}
	return strconv.FormatInt(t.Unix(), 10)
}
