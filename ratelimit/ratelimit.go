// Package ratelimit implements fixed-window request limiting keyed by client
// identity and route category.
//
// A Limiter owns the policy per category and delegates the counting to a
// Store. Every Store performs the window reset and increment as one atomic
// step, so concurrent bursts from one client never admit more than the limit.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Category names a group of routes sharing one policy.
type Category string

const (
	CategoryAuthorize Category = "authorize"
	CategoryCallback  Category = "callback"
)

// Key identifies a bucket.
type Key struct {
	Client   string
	Category Category
}

func (k Key) String() string {
	return string(k.Category) + "|" + k.Client
}

// Policy is a fixed-window limit.
type Policy struct {
	Limit  int
	Window time.Duration
}

// DefaultPolicies returns the stock policies: 10 authorize and 20 callback
// requests per client per 15 minutes.
func DefaultPolicies() map[Category]Policy {
	return map[Category]Policy{
		CategoryAuthorize: {Limit: 10, Window: 15 * time.Minute},
		CategoryCallback:  {Limit: 20, Window: 15 * time.Minute},
	}
}

// ErrLimitExceeded matches any *ExceededError via errors.Is.
var ErrLimitExceeded = errors.New("rate limit exceeded")

// ErrUnknownCategory is returned by Check for a category without a policy.
var ErrUnknownCategory = errors.New("ratelimit: no policy for category")

// ExceededError reports a rejected request.
type ExceededError struct {
	Key        Key
	RetryAfter time.Duration
}

func (e *ExceededError) Error() string {
	return fmt.Sprintf("rate limit exceeded for %s, retry after %s", e.Key.Category, e.RetryAfter)
}

func (e *ExceededError) Is(target error) bool {
	return target == ErrLimitExceeded
}

// Decision is the outcome of a Check. The metadata is populated for admitted
// and rejected requests alike.
type Decision struct {
	Admitted  bool
	Limit     int
	Remaining int
	ResetAt   time.Time
	// RetryAfter is zero for admitted requests.
	RetryAfter time.Duration
}

// Err returns an *ExceededError for rejected decisions and nil otherwise.
func (d Decision) Err(key Key) error {
	if d.Admitted {
		return nil
	}
	return &ExceededError{Key: key, RetryAfter: d.RetryAfter}
}

// Store counts requests per bucket.
type Store interface {
	// Increment atomically resets the bucket for key if its window has
	// elapsed at now, then increments it. It returns the post-increment count
	// and the start of the bucket's current window.
	Increment(ctx context.Context, key string, window time.Duration, now time.Time) (count int64, windowStart time.Time, err error)
}

// Limiter applies per-category policies over a Store.
type Limiter struct {
	store    Store
	policies map[Category]Policy
	now      func() time.Time
}

// Option configures a Limiter.
type Option func(*Limiter)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(l *Limiter) {
		l.now = now
	}
}

// WithPolicy sets the policy for one category.
func WithPolicy(c Category, p Policy) Option {
	return func(l *Limiter) {
		l.policies[c] = p
	}
}

// New creates a Limiter. policies may be nil to use DefaultPolicies.
func New(store Store, policies map[Category]Policy, opts ...Option) (*Limiter, error) {
	if store == nil {
		return nil, errors.New("ratelimit: nil store")
	}
	l := &Limiter{
		store:    store,
		policies: make(map[Category]Policy),
		now:      time.Now,
	}
	if policies == nil {
		policies = DefaultPolicies()
	}
	for c, p := range policies {
		l.policies[c] = p
	}
	for _, opt := range opts {
		opt(l)
	}
	for c, p := range l.policies {
		if p.Limit <= 0 || p.Window <= 0 {
			return nil, fmt.Errorf("ratelimit: invalid policy for %q: limit %d window %s", c, p.Limit, p.Window)
		}
	}
	return l, nil
}

// Policy returns the policy for c.
func (l *Limiter) Policy(c Category) (Policy, bool) {
	p, ok := l.policies[c]
	return p, ok
}

// Check counts one request against key and reports whether it is admitted.
// Rejected requests are still counted.
func (l *Limiter) Check(ctx context.Context, key Key) (Decision, error) {
	p, ok := l.policies[key.Category]
	if !ok {
		return Decision{}, fmt.Errorf("%w %q", ErrUnknownCategory, key.Category)
	}

	now := l.now()
	count, windowStart, err := l.store.Increment(ctx, key.String(), p.Window, now)
	if err != nil {
		return Decision{}, fmt.Errorf("ratelimit: incrementing %s: %w", key.Category, err)
	}

	d := Decision{
		Admitted: count <= int64(p.Limit),
		Limit:    p.Limit,
		ResetAt:  windowStart.Add(p.Window),
	}
	if remaining := int64(p.Limit) - count; remaining > 0 {
		d.Remaining = int(remaining)
	}
	if !d.Admitted {
		d.RetryAfter = d.ResetAt.Sub(now)
		if d.RetryAfter < time.Second {
			d.RetryAfter = time.Second
		}
	}
	return d, nil
}
