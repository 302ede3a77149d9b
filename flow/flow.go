// Package flow resolves OAuth callbacks.
//
// A callback is either the end of a primary sign-in (AuthFlow) or the end of
// linking a third-party platform to an existing user (ConnectorFlow). The
// Disambiguator decides which from the decrypted state envelope, drives the
// single token exchange for it, and reports the result as an Outcome.
package flow

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/mnehpets/linkgate/notify"
	"github.com/mnehpets/linkgate/state"
)

// Classification is the kind of round-trip a callback completes.
type Classification int

const (
	Ambiguous Classification = iota
	AuthFlow
	ConnectorFlow
)

func (c Classification) String() string {
	switch c {
	case AuthFlow:
		return "auth"
	case ConnectorFlow:
		return "connector"
	default:
		return "ambiguous"
	}
}

// Reason names why a callback failed. Reasons are safe to log and to report
// to metrics, not to show to users.
type Reason string

const (
	ReasonProviderError    Reason = "provider_error"
	ReasonMissingCode      Reason = "missing_code"
	ReasonStateRejected    Reason = "state_rejected"
	ReasonAmbiguousFlow    Reason = "ambiguous_flow"
	ReasonExchangeRejected Reason = "exchange_rejected"
)

var (
	ErrMissingCode      = errors.New("callback has no authorization code")
	ErrExchangeRejected = errors.New("token exchange rejected")
	ErrAmbiguousFlow    = errors.New("state does not identify the flow")
	ErrPlatformMismatch = errors.New("state was issued for a different platform")
)

// ProviderError is an error reported by the provider on the redirect.
type ProviderError struct {
	Code        string
	Description string
}

func (e *ProviderError) Error() string {
	if e.Description == "" {
		return "provider error: " + e.Code
	}
	return fmt.Sprintf("provider error: %s: %s", e.Code, e.Description)
}

// Callback holds the parameters of a provider redirect.
type Callback struct {
	// Platform is taken from the callback route.
	Platform         string
	Code             string
	State            string
	Error            string
	ErrorDescription string
}

// StateDecoder decrypts and validates state values. *state.Codec implements it.
type StateDecoder interface {
	Decrypt(s string, maxAge time.Duration) (state.Envelope, error)
}

// User is the signed-in user as reported by the session issuer.
type User struct {
	ID    string `json:"id"`
	Email string `json:"email,omitempty"`
	Name  string `json:"name,omitempty"`
}

// ExchangeRequest is passed to the Exchanger.
type ExchangeRequest struct {
	Platform     string
	Code         string
	CodeVerifier string
	Nonce        string
	// Flow is Ambiguous only when shape inference is enabled.
	Flow   Classification
	UserID string
}

// ExchangeResponse is what the Exchanger reports back.
//
// A sign-in response sets SessionToken and User. A connector response sets
// Provider and/or Connected.
type ExchangeResponse struct {
	SessionToken string
	User         *User
	IsNewUser    bool
	Provider     string
	Connected    bool
}

func (r *ExchangeResponse) isAuth() bool {
	return r != nil && r.SessionToken != "" && r.User != nil
}

func (r *ExchangeResponse) isConnector() bool {
	return r != nil && (r.Provider != "" || r.Connected)
}

// Exchanger redeems an authorization code. It is called at most once per
// callback and must not retry: codes are single use.
type Exchanger interface {
	Exchange(ctx context.Context, req ExchangeRequest) (*ExchangeResponse, error)
}

// ExchangerFunc adapts a function to an Exchanger.
type ExchangerFunc func(ctx context.Context, req ExchangeRequest) (*ExchangeResponse, error)

func (f ExchangerFunc) Exchange(ctx context.Context, req ExchangeRequest) (*ExchangeResponse, error) {
	return f(ctx, req)
}

// LinkedEvent records a connector linked to a user.
type LinkedEvent struct {
	ID       string
	UserID   string
	Platform string
	LinkedAt time.Time
}

func (e *LinkedEvent) event() notify.Event {
	return notify.Event{
		ID:       e.ID,
		Type:     notify.EventConnectorLinked,
		Time:     e.LinkedAt,
		UserID:   e.UserID,
		Platform: e.Platform,
	}
}

// PublicFailureMessage is the only failure text shown to end users.
const PublicFailureMessage = "authentication failed, please try again"

// Outcome is the result of resolving a callback.
type Outcome struct {
	Success        bool
	Classification Classification
	// Inferred is set when the classification came from the exchange
	// response rather than the state envelope.
	Inferred bool
	Platform string

	// Reason and Err describe a failure. Err is for logs only.
	Reason Reason
	Err    error

	// Envelope routing data, set once the state has been accepted.
	UserID  string
	NextURL string

	// AuthFlow results.
	SessionToken string
	User         *User
	IsNewUser    bool

	// ConnectorFlow results.
	Provider  string
	Connected bool
	Linked    *LinkedEvent
}

// PublicMessage returns the text safe to show the user.
func (o *Outcome) PublicMessage() string {
	if o.Success {
		return ""
	}
	return PublicFailureMessage
}
