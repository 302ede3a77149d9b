package auth

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"

	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/mnehpets/linkgate/flow"
	"golang.org/x/oauth2"
)

// Identity is what a sign-in provider asserted about the user.
type Identity struct {
	Provider string
	// StableID is "provider:subject" for OIDC providers, empty otherwise.
	StableID string
	// Email is set only when the provider marked it verified.
	Email   string
	Token   *oauth2.Token
	IDToken *oidc.IDToken
}

// Session is an issued application session.
type Session struct {
	Token     string
	User      flow.User
	IsNewUser bool
}

// SessionIssuer turns a provider identity into an application session.
type SessionIssuer interface {
	IssueSession(ctx context.Context, id Identity) (*Session, error)
}

// SessionIssuerFunc adapts a function to a SessionIssuer.
type SessionIssuerFunc func(ctx context.Context, id Identity) (*Session, error)

func (f SessionIssuerFunc) IssueSession(ctx context.Context, id Identity) (*Session, error) {
	return f(ctx, id)
}

// ConnectorLinker persists a connector token for a user.
type ConnectorLinker interface {
	LinkConnector(ctx context.Context, userID, platform string, token *oauth2.Token) error
}

// ConnectorLinkerFunc adapts a function to a ConnectorLinker.
type ConnectorLinkerFunc func(ctx context.Context, userID, platform string, token *oauth2.Token) error

func (f ConnectorLinkerFunc) LinkConnector(ctx context.Context, userID, platform string, token *oauth2.Token) error {
	return f(ctx, userID, platform, token)
}

var (
	ErrNoIDToken     = errors.New("no id_token returned")
	ErrNonceMismatch = errors.New("nonce mismatch")
	ErrFlowMismatch  = errors.New("flow does not match provider kind")
	ErrNoUser        = errors.New("connector flow without user")
)

// Exchanger redeems authorization codes against registered providers and
// hands the result to the session issuer or connector linker. It implements
// flow.Exchanger.
type Exchanger struct {
	registry    *Registry
	callbackURL func(platform string) string
	sessions    SessionIssuer
	linker      ConnectorLinker
}

// NewExchanger creates an Exchanger. callbackURL must return the same
// redirect URL that was used to build the authorization URL.
func NewExchanger(registry *Registry, callbackURL func(platform string) string, sessions SessionIssuer, linker ConnectorLinker) *Exchanger {
	return &Exchanger{
		registry:    registry,
		callbackURL: callbackURL,
		sessions:    sessions,
		linker:      linker,
	}
}

// Exchange implements flow.Exchanger. An ambiguous request is routed by the
// provider's kind.
func (e *Exchanger) Exchange(ctx context.Context, req flow.ExchangeRequest) (*flow.ExchangeResponse, error) {
	p, err := e.registry.Get(ctx, req.Platform)
	if err != nil {
		return nil, err
	}

	kind := p.Kind()
	switch {
	case req.Flow == flow.AuthFlow && kind != KindAuth,
		req.Flow == flow.ConnectorFlow && kind != KindConnector:
		return nil, fmt.Errorf("%w: %s flow for %s provider %q", ErrFlowMismatch, req.Flow, kind, p.ID())
	}
	if kind == KindConnector && req.UserID == "" {
		return nil, ErrNoUser
	}
	if kind == KindAuth && e.sessions == nil {
		return nil, errors.New("no session issuer configured")
	}
	if kind == KindConnector && e.linker == nil {
		return nil, errors.New("no connector linker configured")
	}

	var opts []oauth2.AuthCodeOption
	if req.CodeVerifier != "" {
		opts = append(opts, oauth2.VerifierOption(req.CodeVerifier))
	}
	conf := p.configFor(e.callbackURL(p.ID()))
	token, err := conf.Exchange(ctx, req.Code, opts...)
	if err != nil {
		return nil, fmt.Errorf("token exchange: %w", err)
	}

	var idToken *oidc.IDToken
	if p.IsOIDC() {
		if idToken, err = verifyIDToken(ctx, p, token, req.Nonce); err != nil {
			return nil, err
		}
	}

	if kind == KindConnector {
		if err := e.linker.LinkConnector(ctx, req.UserID, p.ID(), token); err != nil {
			return nil, fmt.Errorf("linking connector: %w", err)
		}
		return &flow.ExchangeResponse{Provider: p.ID(), Connected: true}, nil
	}

	id := Identity{
		Provider: p.ID(),
		StableID: GetStableID(idToken, p.ID()),
		Token:    token,
		IDToken:  idToken,
	}
	id.Email, _ = GetVerifiedEmail(idToken)

	s, err := e.sessions.IssueSession(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("issuing session: %w", err)
	}
	if s == nil || s.Token == "" {
		return nil, errors.New("issuing session: empty session")
	}
	user := s.User
	return &flow.ExchangeResponse{
		SessionToken: s.Token,
		User:         &user,
		IsNewUser:    s.IsNewUser,
	}, nil
}

func verifyIDToken(ctx context.Context, p *Provider, token *oauth2.Token, nonce string) (*oidc.IDToken, error) {
	rawIDToken, ok := token.Extra("id_token").(string)
	if !ok {
		return nil, ErrNoIDToken
	}
	idToken, err := p.Verifier().Verify(ctx, rawIDToken)
	if err != nil {
		return nil, fmt.Errorf("id_token verification failed: %w", err)
	}
	// Every authorization request to an OIDC provider carries a nonce.
	if nonce == "" || subtle.ConstantTimeCompare([]byte(idToken.Nonce), []byte(nonce)) != 1 {
		return nil, ErrNonceMismatch
	}
	return idToken, nil
}

var _ flow.Exchanger = (*Exchanger)(nil)
