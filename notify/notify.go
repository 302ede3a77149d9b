// Package notify delivers OAuth flow events to an external agent, such as a
// browser extension relay or an internal webhook.
//
// Delivery is best effort. Wrap a Notifier in Async so that a slow or failing
// agent never delays or alters the callback it was triggered by.
package notify

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Event types.
const (
	EventConnectorLinked = "connector.linked"
	EventAuthSession     = "auth.session"
)

// Event is the payload delivered to the external agent. It never carries
// authorization codes, state values or provider tokens. SessionToken is set
// only on auth.session events, for the companion agent to pick up.
type Event struct {
	ID           string    `json:"id"`
	Type         string    `json:"type"`
	Time         time.Time `json:"time"`
	UserID       string    `json:"userId,omitempty"`
	Platform     string    `json:"platform"`
	IsNewUser    bool      `json:"isNewUser,omitempty"`
	SessionToken string    `json:"token,omitempty"`
}

// Notifier delivers events.
type Notifier interface {
	Notify(ctx context.Context, ev Event) error
}

// Func adapts a function to a Notifier.
type Func func(ctx context.Context, ev Event) error

func (f Func) Notify(ctx context.Context, ev Event) error {
	return f(ctx, ev)
}

// Nop discards every event.
var Nop Notifier = Func(func(context.Context, Event) error { return nil })

// DefaultTimeout bounds one asynchronous delivery.
const DefaultTimeout = 5 * time.Second

// Async delivers events on their own goroutines. Notify returns immediately
// and always returns nil; delivery errors and panics are logged and dropped.
type Async struct {
	next    Notifier
	timeout time.Duration
	logger  *zap.Logger

	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup
}

// AsyncOption configures an Async.
type AsyncOption func(*Async)

// WithTimeout sets the per-delivery timeout.
func WithTimeout(d time.Duration) AsyncOption {
	return func(a *Async) {
		if d > 0 {
			a.timeout = d
		}
	}
}

// WithLogger sets the logger for delivery failures.
func WithLogger(l *zap.Logger) AsyncOption {
	return func(a *Async) {
		if l != nil {
			a.logger = l
		}
	}
}

// NewAsync wraps next.
func NewAsync(next Notifier, opts ...AsyncOption) *Async {
	a := &Async{
		next:    next,
		timeout: DefaultTimeout,
		logger:  zap.NewNop(),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Notify schedules delivery of ev. The delivery outlives ctx's cancellation
// but keeps its values. Events arriving after Wait has been called are
// dropped.
func (a *Async) Notify(ctx context.Context, ev Event) error {
	if a.next == nil {
		return nil
	}
	ctx = context.WithoutCancel(ctx)

	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		a.logger.Debug("notifier closed, dropping event",
			zap.String("event_type", ev.Type),
			zap.String("event_id", ev.ID))
		return nil
	}
	a.wg.Add(1)
	a.mu.Unlock()

	go func() {
		defer a.wg.Done()
		defer func() {
			if r := recover(); r != nil {
				a.logger.Error("notifier panicked",
					zap.String("event_type", ev.Type),
					zap.String("event_id", ev.ID),
					zap.String("panic", fmt.Sprint(r)),
					zap.ByteString("stack", debug.Stack()))
			}
		}()

		ctx, cancel := context.WithTimeout(ctx, a.timeout)
		defer cancel()
		if err := a.next.Notify(ctx, ev); err != nil {
			a.logger.Warn("notification failed",
				zap.String("event_type", ev.Type),
				zap.String("event_id", ev.ID),
				zap.String("platform", ev.Platform),
				zap.Error(err))
		}
	}()
	return nil
}

// Wait stops accepting events and blocks until every scheduled delivery has
// finished. It is safe to call concurrently with Notify and more than once.
func (a *Async) Wait() {
	a.mu.Lock()
	a.closed = true
	a.mu.Unlock()
	a.wg.Wait()
}

var _ Notifier = (*Async)(nil)
