package flow

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/mnehpets/linkgate/notify"
	"github.com/mnehpets/linkgate/state"
	"go.uber.org/zap"
)

// DefaultExchangeTimeout bounds the token exchange.
const DefaultExchangeTimeout = 10 * time.Second

// Disambiguator resolves callbacks. It is safe for concurrent use.
type Disambiguator struct {
	decoder         StateDecoder
	exchanger       Exchanger
	notifier        notify.Notifier
	logger          *zap.Logger
	now             func() time.Time
	newID           func() string
	exchangeTimeout time.Duration
	stateMaxAge     time.Duration
	shapeInference  bool
	connectors      map[string]bool
}

// Option configures a Disambiguator.
type Option func(*Disambiguator)

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(d *Disambiguator) {
		if l != nil {
			d.logger = l
		}
	}
}

// WithNotifier sets where auth.session and connector.linked events go. The
// notifier is called synchronously; wrap it in notify.Async for
// fire-and-forget delivery. Its errors never change an Outcome.
func WithNotifier(n notify.Notifier) Option {
	return func(d *Disambiguator) {
		if n != nil {
			d.notifier = n
		}
	}
}

// WithExchangeTimeout sets the token exchange timeout.
func WithExchangeTimeout(t time.Duration) Option {
	return func(d *Disambiguator) {
		if t > 0 {
			d.exchangeTimeout = t
		}
	}
}

// WithStateMaxAge sets the maximum state age. Zero uses the decoder default.
func WithStateMaxAge(t time.Duration) Option {
	return func(d *Disambiguator) {
		d.stateMaxAge = t
	}
}

// WithKnownConnectors lists the platforms that are connectors. Only consulted
// for envelopes that carry no flow discriminant.
func WithKnownConnectors(platforms ...string) Option {
	return func(d *Disambiguator) {
		for _, p := range platforms {
			d.connectors[p] = true
		}
	}
}

// WithShapeInference lets ambiguous callbacks proceed to the exchange and be
// classified by the shape of its response: a session token and user mean
// AuthFlow, a provider or connected flag means ConnectorFlow. Without it an
// ambiguous callback fails before the exchange.
//
// Only enable this while states issued without a flow discriminant may still
// be in flight.
func WithShapeInference() Option {
	return func(d *Disambiguator) {
		d.shapeInference = true
	}
}

// WithClock overrides the time source for event timestamps.
func WithClock(now func() time.Time) Option {
	return func(d *Disambiguator) {
		if now != nil {
			d.now = now
		}
	}
}

// NewDisambiguator creates a Disambiguator.
func NewDisambiguator(decoder StateDecoder, exchanger Exchanger, opts ...Option) (*Disambiguator, error) {
	if decoder == nil {
		return nil, errors.New("flow: nil state decoder")
	}
	if exchanger == nil {
		return nil, errors.New("flow: nil exchanger")
	}
	d := &Disambiguator{
		decoder:         decoder,
		exchanger:       exchanger,
		notifier:        notify.Nop,
		logger:          zap.NewNop(),
		now:             time.Now,
		newID:           uuid.NewString,
		exchangeTimeout: DefaultExchangeTimeout,
		connectors:      make(map[string]bool),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d, nil
}

// Resolve runs the callback state machine. It never returns nil.
//
// Rules, in order:
//  1. a provider error fails with provider_error; the state is not decoded
//  2. a missing code fails with missing_code
//  3. a state that does not decrypt, has expired, or was issued for another
//     platform fails with state_rejected
//  4. the envelope's flow discriminant classifies the callback; envelopes
//     without one are connector flows when they name a user or a known
//     connector, and ambiguous otherwise
//  5. ambiguous callbacks fail with ambiguous_flow unless shape inference
//     is enabled
//  6. the code is exchanged once under a timeout; an error, or a response
//     that does not fit the flow, fails with exchange_rejected
func (d *Disambiguator) Resolve(ctx context.Context, cb Callback) *Outcome {
	out := &Outcome{Platform: cb.Platform}

	if cb.Error != "" {
		return d.fail(out, ReasonProviderError, &ProviderError{Code: cb.Error, Description: cb.ErrorDescription})
	}
	if cb.Code == "" {
		return d.fail(out, ReasonMissingCode, ErrMissingCode)
	}

	env, err := d.decoder.Decrypt(cb.State, d.stateMaxAge)
	if err != nil {
		return d.fail(out, ReasonStateRejected, err)
	}
	if env.Platform != cb.Platform {
		return d.fail(out, ReasonStateRejected,
			fmt.Errorf("%w: issued for %q", ErrPlatformMismatch, env.Platform))
	}
	out.UserID = env.UserID
	out.NextURL = env.NextURL

	out.Classification = d.classify(env)
	if out.Classification == Ambiguous && !d.shapeInference {
		return d.fail(out, ReasonAmbiguousFlow, ErrAmbiguousFlow)
	}

	resp, err := d.exchange(ctx, cb, env, out.Classification)
	if err != nil {
		return d.fail(out, ReasonExchangeRejected, fmt.Errorf("%w: %w", ErrExchangeRejected, err))
	}

	if out.Classification == Ambiguous {
		switch {
		case resp.isAuth():
			out.Classification = AuthFlow
		case resp.isConnector():
			out.Classification = ConnectorFlow
		default:
			return d.fail(out, ReasonExchangeRejected,
				fmt.Errorf("%w: response matches no flow", ErrExchangeRejected))
		}
		out.Inferred = true
	}

	switch out.Classification {
	case AuthFlow:
		if !resp.isAuth() {
			return d.fail(out, ReasonExchangeRejected,
				fmt.Errorf("%w: sign-in response without session", ErrExchangeRejected))
		}
		d.succeedAuth(ctx, out, resp)
	case ConnectorFlow:
		if !resp.isConnector() {
			return d.fail(out, ReasonExchangeRejected,
				fmt.Errorf("%w: connector response without provider", ErrExchangeRejected))
		}
		d.succeedConnector(ctx, out, resp)
	}
	return out
}

func (d *Disambiguator) classify(env state.Envelope) Classification {
	switch env.Flow {
	case state.FlowAuth:
		return AuthFlow
	case state.FlowConnector:
		return ConnectorFlow
	}
	if env.UserID != "" || d.connectors[env.Platform] {
		return ConnectorFlow
	}
	return Ambiguous
}

func (d *Disambiguator) exchange(ctx context.Context, cb Callback, env state.Envelope, c Classification) (*ExchangeResponse, error) {
	ctx, cancel := context.WithTimeout(ctx, d.exchangeTimeout)
	defer cancel()

	resp, err := d.exchanger.Exchange(ctx, ExchangeRequest{
		Platform:     cb.Platform,
		Code:         cb.Code,
		CodeVerifier: env.CodeVerifier,
		Nonce:        env.Nonce,
		Flow:         c,
		UserID:       env.UserID,
	})
	if err != nil {
		return nil, err
	}
	if resp == nil {
		return nil, errors.New("empty exchange response")
	}
	return resp, nil
}

func (d *Disambiguator) succeedAuth(ctx context.Context, out *Outcome, resp *ExchangeResponse) {
	out.Success = true
	out.SessionToken = resp.SessionToken
	out.User = resp.User
	out.IsNewUser = resp.IsNewUser
	if out.UserID == "" {
		out.UserID = resp.User.ID
	}

	d.logger.Info("sign-in completed",
		zap.String("platform", out.Platform),
		zap.Bool("new_user", resp.IsNewUser),
		zap.Bool("inferred", out.Inferred))

	d.notify(ctx, notify.Event{
		ID:           d.newID(),
		Type:         notify.EventAuthSession,
		Time:         d.now(),
		UserID:       resp.User.ID,
		Platform:     out.Platform,
		IsNewUser:    resp.IsNewUser,
		SessionToken: resp.SessionToken,
	})
}

func (d *Disambiguator) succeedConnector(ctx context.Context, out *Outcome, resp *ExchangeResponse) {
	out.Success = true
	out.Provider = resp.Provider
	if out.Provider == "" {
		out.Provider = out.Platform
	}
	out.Connected = true
	out.Linked = &LinkedEvent{
		ID:       d.newID(),
		UserID:   out.UserID,
		Platform: out.Platform,
		LinkedAt: d.now(),
	}

	d.logger.Info("connector linked",
		zap.String("platform", out.Platform),
		zap.String("event_id", out.Linked.ID),
		zap.Bool("inferred", out.Inferred))

	d.notify(ctx, out.Linked.event())
}

func (d *Disambiguator) notify(ctx context.Context, ev notify.Event) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("notifier panicked",
				zap.String("event_type", ev.Type),
				zap.String("panic", fmt.Sprint(r)))
		}
	}()
	if err := d.notifier.Notify(ctx, ev); err != nil {
		d.logger.Warn("notification failed",
			zap.String("event_type", ev.Type),
			zap.String("event_id", ev.ID),
			zap.Error(err))
	}
}

func (d *Disambiguator) fail(out *Outcome, reason Reason, err error) *Outcome {
	out.Success = false
	out.Reason = reason
	out.Err = err
	d.logger.Warn("callback rejected",
		zap.String("platform", out.Platform),
		zap.String("flow", out.Classification.String()),
		zap.String("reason", string(reason)),
		zap.Error(err))
	return out
}
