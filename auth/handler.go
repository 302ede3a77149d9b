package auth

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"path"
	"strings"

	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/mnehpets/linkgate/endpoint"
	"github.com/mnehpets/linkgate/flow"
	"github.com/mnehpets/linkgate/pkce"
	"github.com/mnehpets/linkgate/state"
	"go.uber.org/zap"
	"golang.org/x/oauth2"
)

// AuthorizeParams are the inputs of the authorize endpoints. GET reads the
// query; POST also accepts a form or a JSON body ({"userId", "nextUrl"}).
type AuthorizeParams struct {
	Platform string `path:"platform"`
	UserID   string `query:"user_id" form:"user_id" json:"userId" maxLength:"256"`
	NextURL  string `query:"next_url" form:"next_url" json:"nextUrl" maxLength:"2048"`
}

// CallbackParams are the provider redirect parameters. POST supports the
// form_post response mode.
type CallbackParams struct {
	Platform  string `path:"platform"`
	State     string `query:"state" form:"state" maxLength:"4096"`
	Code      string `query:"code" form:"code" maxLength:"4096"`
	Error     string `query:"error" form:"error" maxLength:"256"`
	ErrorDesc string `query:"error_description" form:"error_description" maxLength:"1024"`
}

// PreAuthorizeHook runs before an authorization URL is built. It may rewrite
// the params, for example to take UserID from the caller's session rather
// than from the request, or reject the request with an error.
type PreAuthorizeHook func(ctx context.Context, r *http.Request, params AuthorizeParams) (AuthorizeParams, error)

// defaultPreAuthorizeHook ensures the NextURL is a safe relative path to
// prevent open redirects.
func defaultPreAuthorizeHook(_ context.Context, _ *http.Request, params AuthorizeParams) (AuthorizeParams, error) {
	params.NextURL = ValidateNextURLIsLocal(params.NextURL)
	return params, nil
}

// ResultEndpoint renders the outcome of a callback, for both success and
// failure.
type ResultEndpoint endpoint.EndpointFunc[*flow.Outcome]

// Resolver resolves callbacks. *flow.Disambiguator implements it.
type Resolver interface {
	Resolve(ctx context.Context, cb flow.Callback) *flow.Outcome
}

// StateEncoder seals state envelopes. *state.Codec implements it.
type StateEncoder interface {
	Encrypt(env state.Envelope) (string, error)
}

// AuthHandler serves the authorize and callback endpoints:
//
//	GET  {base}/authorize/{platform}  302 to the provider
//	POST {base}/authorize/{platform}  200 {"authUrl": ...}
//	GET  {base}/callback/{platform}   result endpoint
//	POST {base}/callback/{platform}   result endpoint
type AuthHandler struct {
	mux       *http.ServeMux
	registry  *Registry
	states    StateEncoder
	resolver  Resolver
	publicURL string
	basePath  string

	preAuth PreAuthorizeHook
	result  ResultEndpoint
	logger  *zap.Logger

	authorizeProcessors []endpoint.Processor
	callbackProcessors  []endpoint.Processor
}

// Option configures the AuthHandler.
type Option func(*AuthHandler)

// WithProcessors adds middleware processors to all endpoints.
func WithProcessors(p ...endpoint.Processor) Option {
	return func(ah *AuthHandler) {
		ah.authorizeProcessors = append(ah.authorizeProcessors, p...)
		ah.callbackProcessors = append(ah.callbackProcessors, p...)
	}
}

// WithAuthorizeProcessors adds processors to the authorize endpoints only.
func WithAuthorizeProcessors(p ...endpoint.Processor) Option {
	return func(ah *AuthHandler) {
		ah.authorizeProcessors = append(ah.authorizeProcessors, p...)
	}
}

// WithCallbackProcessors adds processors to the callback endpoints only.
func WithCallbackProcessors(p ...endpoint.Processor) Option {
	return func(ah *AuthHandler) {
		ah.callbackProcessors = append(ah.callbackProcessors, p...)
	}
}

// WithPreAuthorizeHook sets the PreAuthorizeHook.
func WithPreAuthorizeHook(h PreAuthorizeHook) Option {
	return func(ah *AuthHandler) {
		ah.preAuth = h
	}
}

// WithResultEndpoint sets the ResultEndpoint. The default is JSONResultEndpoint.
func WithResultEndpoint(h ResultEndpoint) Option {
	return func(ah *AuthHandler) {
		ah.result = h
	}
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(ah *AuthHandler) {
		if l != nil {
			ah.logger = l
		}
	}
}

// NewHandler creates a new AuthHandler.
// publicURL should be the base public URL of the application (e.g., "https://example.com").
// basePath is the path where this handler is mounted (e.g., "/oauth").
func NewHandler(registry *Registry, states StateEncoder, resolver Resolver, publicURL, basePath string, opts ...Option) (*AuthHandler, error) {
	if registry == nil || states == nil || resolver == nil {
		return nil, errors.New("auth: registry, state encoder and resolver are required")
	}
	if _, err := url.Parse(publicURL); err != nil {
		return nil, err
	}
	// Ensure leading slash for basePath
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}

	h := &AuthHandler{
		mux:       http.NewServeMux(),
		registry:  registry,
		states:    states,
		resolver:  resolver,
		publicURL: strings.TrimRight(publicURL, "/"),
		basePath:  basePath,
		preAuth:   defaultPreAuthorizeHook,
		result:    JSONResultEndpoint,
		logger:    zap.NewNop(),
	}
	for _, opt := range opts {
		opt(h)
	}

	authorizePath := path.Join(basePath, "authorize", "{platform}")
	callbackPath := path.Join(basePath, "callback", "{platform}")

	h.mux.HandleFunc("GET "+authorizePath, endpoint.HandleFunc(func(w http.ResponseWriter, r *http.Request, params AuthorizeParams) (endpoint.Renderer, error) {
		authURL, err := h.authorizeURL(r, params)
		if err != nil {
			return nil, err
		}
		return &endpoint.RedirectRenderer{URL: authURL, Status: http.StatusFound}, nil
	}, h.authorizeProcessors...))

	h.mux.HandleFunc("POST "+authorizePath, endpoint.HandleFunc(func(w http.ResponseWriter, r *http.Request, params AuthorizeParams) (endpoint.Renderer, error) {
		authURL, err := h.authorizeURL(r, params)
		if err != nil {
			return nil, err
		}
		return &endpoint.JSONRenderer{Value: AuthorizeResponse{AuthURL: authURL}}, nil
	}, h.authorizeProcessors...))

	callback := endpoint.HandleFunc(func(w http.ResponseWriter, r *http.Request, params CallbackParams) (endpoint.Renderer, error) {
		out := h.resolver.Resolve(r.Context(), flow.Callback{
			Platform:         params.Platform,
			Code:             params.Code,
			State:            params.State,
			Error:            params.Error,
			ErrorDescription: params.ErrorDesc,
		})
		return h.result(w, r, out)
	}, h.callbackProcessors...)
	h.mux.HandleFunc("GET "+callbackPath, callback)
	h.mux.HandleFunc("POST "+callbackPath, callback)

	return h, nil
}

func (h *AuthHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mux.ServeHTTP(w, r)
}

// AuthorizeResponse is the body of POST {base}/authorize/{platform}.
type AuthorizeResponse struct {
	AuthURL string `json:"authUrl"`
}

// authorizeURL builds the provider authorization URL with a fresh PKCE pair
// and an encrypted state carrying the verifier.
func (h *AuthHandler) authorizeURL(r *http.Request, params AuthorizeParams) (string, error) {
	ctx := r.Context()

	p, err := h.registry.Get(ctx, params.Platform)
	if errors.Is(err, ErrUnknownProvider) {
		return "", endpoint.Error(http.StatusNotFound, "provider not found", err)
	}
	if err != nil {
		h.logger.Error("provider unavailable", zap.String("platform", params.Platform), zap.Error(err))
		return "", endpoint.Error(http.StatusBadGateway, "provider unavailable", err)
	}

	params, err = h.preAuth(ctx, r, params)
	if err != nil {
		return "", endpoint.Error(http.StatusBadRequest, "authorization request rejected", err)
	}

	env := state.Envelope{
		Platform: p.ID(),
		NextURL:  params.NextURL,
	}
	switch p.Kind() {
	case KindConnector:
		if params.UserID == "" {
			return "", endpoint.Error(http.StatusBadRequest, "user_id is required", nil)
		}
		env.Flow = state.FlowConnector
		env.UserID = params.UserID
	default:
		env.Flow = state.FlowAuth
	}

	pair, err := pkce.NewPair()
	if err != nil {
		return "", endpoint.Error(http.StatusInternalServerError, "", err)
	}
	env.CodeVerifier = pair.Verifier

	opts := []oauth2.AuthCodeOption{
		oauth2.SetAuthURLParam("code_challenge", pair.Challenge),
		oauth2.SetAuthURLParam("code_challenge_method", pair.Method),
	}
	if p.IsOIDC() {
		if env.Nonce, err = generateNonce(); err != nil {
			return "", endpoint.Error(http.StatusInternalServerError, "", err)
		}
		opts = append(opts, oidc.Nonce(env.Nonce))
	}

	s, err := h.states.Encrypt(env)
	if err != nil {
		return "", endpoint.Error(http.StatusInternalServerError, "", err)
	}

	h.logger.Debug("authorization started",
		zap.String("platform", p.ID()),
		zap.String("flow", env.Flow.String()))
	return p.configFor(h.CallbackURL(p.ID())).AuthCodeURL(s, opts...), nil
}

// CallbackURL returns the redirect URL registered for platform.
func (h *AuthHandler) CallbackURL(platform string) string {
	u, err := url.Parse(h.publicURL)
	if err != nil {
		// Fallback, though this shouldn't happen if publicURL is valid
		return h.publicURL + path.Join(h.basePath, "callback", platform)
	}
	u.Path = path.Join(u.Path, h.basePath, "callback", platform)
	return u.String()
}

// CallbackURLFunc returns the function an Exchanger needs to rebuild redirect
// URLs for a handler mounted at basePath under publicURL.
func CallbackURLFunc(publicURL, basePath string) func(platform string) string {
	h := &AuthHandler{publicURL: strings.TrimRight(publicURL, "/"), basePath: "/" + strings.TrimPrefix(basePath, "/")}
	return h.CallbackURL
}
