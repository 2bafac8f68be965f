package stream

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Dedupe is the short-lived seen-set used to collapse webhook replays. The
// first claim for an event id wins and stores an in-progress marker; the
// winner later records its result so replays can return the same response.
type Dedupe struct {
	client *Client
	prefix string
	ttl    time.Duration
}

const inProgressMarker = "__in_progress__"

// ErrInProgress signals that another task holds the event and has not yet
// produced a result; the caller should wait and re-check.
var ErrInProgress = errors.New("event is being processed")

// NewDedupe creates a seen-set with the given TTL. The TTL must exceed the
// provider's webhook retry window.
func NewDedupe(client *Client, prefix string, ttl time.Duration) *Dedupe {
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &Dedupe{client: client, prefix: prefix, ttl: ttl}
}

func (d *Dedupe) key(eventID string) string {
	return d.prefix + ":" + eventID
}

// Claim attempts to take ownership of eventID. It returns (true, "", nil)
// when this caller is first, (false, result, nil) when a prior result is
// available, and (false, "", ErrInProgress) while the owner is still working.
func (d *Dedupe) Claim(ctx context.Context, eventID string) (bool, string, error) {
	ok, err := d.client.rdb.SetNX(ctx, d.key(eventID), inProgressMarker, d.ttl).Result()
	if err != nil {
		return false, "", fmt.Errorf("dedupe claim: %w", err)
	}
	if ok {
		return true, "", nil
	}
	value, err := d.client.rdb.Get(ctx, d.key(eventID)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			// Marker expired between SetNX and Get; treat as fresh.
			return d.Claim(ctx, eventID)
		}
		return false, "", fmt.Errorf("dedupe read: %w", err)
	}
	if value == inProgressMarker {
		return false, "", ErrInProgress
	}
	return false, value, nil
}

// Complete records the result produced for eventID so replays short-circuit.
func (d *Dedupe) Complete(ctx context.Context, eventID, result string) error {
	return d.client.rdb.Set(ctx, d.key(eventID), result, d.ttl).Err()
}

// Release drops the claim after a retryable failure so the provider's next
// retry can run the pipeline again.
func (d *Dedupe) Release(ctx context.Context, eventID string) error {
	return d.client.rdb.Del(ctx, d.key(eventID)).Err()
}
