package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path"
	"strings"
	"syscall"
	"time"

	"github.com/mnehpets/linkgate/auth"
	"github.com/mnehpets/linkgate/config"
	"github.com/mnehpets/linkgate/endpoint"
	"github.com/mnehpets/linkgate/flow"
	"github.com/mnehpets/linkgate/logging"
	"github.com/mnehpets/linkgate/middleware"
	"github.com/mnehpets/linkgate/notify"
	"github.com/mnehpets/linkgate/ratelimit"
	"github.com/mnehpets/linkgate/state"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/oauth2"
	"golang.org/x/sync/errgroup"
)

func newServeCmd() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the OAuth gateway",
		Long: `Run the OAuth gateway.

Configuration is read from --config (YAML, JSON or TOML), a .env file in the
working directory and LINKGATE_* environment variables, e.g.
LINKGATE_SERVER_ADDR=:8080 or LINKGATE_STATE_KEY=$(linkgate keygen).`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context(), configPath)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "config file path")
	return cmd
}

func runServe(ctx context.Context, configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	logger, err := logging.New(cfg.Log)
	if err != nil {
		return err
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	gw, err := newGateway(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer gw.Close()

	srv := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           gw,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("listening", zap.String("addr", cfg.Server.Addr), zap.String("public_url", cfg.Server.PublicURL))
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	if gw.sweeper != nil {
		g.Go(func() error {
			return gw.sweeper.Run(gctx)
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		err := srv.Shutdown(shutdownCtx)
		// Deliver notifications for callbacks that completed before shutdown.
		gw.notifier.Wait()
		return err
	})
	return g.Wait()
}

// gateway is the assembled HTTP surface and the components it owns.
type gateway struct {
	mux       *http.ServeMux
	directory *directory
	notifier  *notify.Async
	sweeper   *ratelimit.MemoryStore
	closers   []func() error
}

func (gw *gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	gw.mux.ServeHTTP(w, r)
}

// Close releases external connections.
func (gw *gateway) Close() error {
	var errs []error
	for _, c := range gw.closers {
		errs = append(errs, c())
	}
	return errors.Join(errs...)
}

func newGateway(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*gateway, error) {
	gw := &gateway{
		mux:       http.NewServeMux(),
		directory: newDirectory(logger.Named("directory")),
	}

	registry, err := newRegistry(ctx, cfg.Providers)
	if err != nil {
		return nil, err
	}

	key, fallbacks, err := cfg.State.Keys()
	if err != nil {
		return nil, err
	}
	codec, err := state.New(key, state.WithFallbackKeys(fallbacks...), state.WithMaxAge(cfg.State.MaxAge))
	if err != nil {
		return nil, err
	}

	var store ratelimit.Store
	switch cfg.RateLimit.Store {
	case config.StoreRedis:
		rs, client, err := ratelimit.NewRedisStore(ctx, ratelimit.RedisStoreConfig{
			Addr:     cfg.RateLimit.Redis.Addr,
			Password: cfg.RateLimit.Redis.Password,
			DB:       cfg.RateLimit.Redis.DB,
			Prefix:   cfg.RateLimit.Redis.Prefix,
		})
		if err != nil {
			return nil, err
		}
		gw.closers = append(gw.closers, client.Close)
		store = rs
	default:
		gw.sweeper = ratelimit.NewMemoryStore()
		store = gw.sweeper
	}
	limiter, err := ratelimit.New(store, cfg.RateLimit.Policies())
	if err != nil {
		return nil, err
	}

	var sink notify.Notifier = notify.Nop
	if cfg.Notify.WebhookURL != "" {
		var opts []notify.WebhookOption
		if cfg.Notify.Secret != "" {
			opts = append(opts, notify.WithSecret([]byte(cfg.Notify.Secret)))
		}
		if sink, err = notify.NewWebhook(cfg.Notify.WebhookURL, opts...); err != nil {
			return nil, err
		}
	}
	gw.notifier = notify.NewAsync(sink,
		notify.WithTimeout(cfg.Notify.Timeout),
		notify.WithLogger(logger.Named("notify")))

	exchanger := auth.NewExchanger(registry,
		auth.CallbackURLFunc(cfg.Server.PublicURL, cfg.Server.BasePath),
		gw.directory, gw.directory)

	flowOpts := []flow.Option{
		flow.WithLogger(logger.Named("flow")),
		flow.WithNotifier(gw.notifier),
		flow.WithExchangeTimeout(cfg.Exchange.Timeout),
		flow.WithStateMaxAge(cfg.State.MaxAge),
		flow.WithKnownConnectors(registry.IDs(auth.KindConnector)...),
	}
	if cfg.Exchange.ShapeInference {
		flowOpts = append(flowOpts, flow.WithShapeInference())
	}
	resolver, err := flow.NewDisambiguator(codec, exchanger, flowOpts...)
	if err != nil {
		return nil, err
	}

	result, err := newResultEndpoint(cfg.Server)
	if err != nil {
		return nil, err
	}

	rlOpts := []middleware.RateLimitOption{middleware.WithLogger(logger.Named("ratelimit"))}
	if cfg.Server.TrustedProxies > 0 {
		rlOpts = append(rlOpts, middleware.WithTrustedProxies(cfg.Server.TrustedProxies))
	}
	handler, err := auth.NewHandler(registry, codec, resolver, cfg.Server.PublicURL, cfg.Server.BasePath,
		auth.WithLogger(logger.Named("auth")),
		auth.WithProcessors(middleware.NewNoStoreProcessor()),
		auth.WithAuthorizeProcessors(middleware.NewRateLimitProcessor(limiter, ratelimit.CategoryAuthorize, rlOpts...)),
		auth.WithCallbackProcessors(middleware.NewRateLimitProcessor(limiter, ratelimit.CategoryCallback, rlOpts...)),
		auth.WithResultEndpoint(result),
	)
	if err != nil {
		return nil, err
	}

	base := path.Join("/", cfg.Server.BasePath)
	gw.mux.Handle(strings.TrimSuffix(base, "/")+"/", handler)
	gw.mux.HandleFunc("GET /healthz", endpoint.HandleFunc(func(_ http.ResponseWriter, _ *http.Request, _ struct{}) (endpoint.Renderer, error) {
		return &endpoint.StringRenderer{Body: "ok"}, nil
	}))
	gw.mux.HandleFunc("GET "+path.Join(base, "session"), endpoint.HandleFunc(gw.session, middleware.NewNoStoreProcessor()))

	for _, kind := range []auth.Kind{auth.KindAuth, auth.KindConnector} {
		logger.Info("providers registered", zap.String("kind", kind.String()), zap.Strings("ids", registry.IDs(kind)))
	}
	return gw, nil
}

type sessionParams struct {
	Authorization string `header:"Authorization" maxLength:"512"`
}

type sessionResponse struct {
	User       flow.User `json:"user"`
	Connectors []string  `json:"connectors"`
}

// session reports the user behind a bearer session token and the
// connectors linked to them.
func (gw *gateway) session(_ http.ResponseWriter, _ *http.Request, p sessionParams) (endpoint.Renderer, error) {
	token, ok := strings.CutPrefix(p.Authorization, "Bearer ")
	if !ok || token == "" {
		return nil, endpoint.Error(http.StatusUnauthorized, "missing bearer token", nil)
	}
	user, ok := gw.directory.userForSession(token)
	if !ok {
		return nil, endpoint.Error(http.StatusUnauthorized, "unknown session", nil)
	}
	return &endpoint.JSONRenderer{Value: sessionResponse{User: user, Connectors: gw.directory.linked(user.ID)}}, nil
}

func newRegistry(ctx context.Context, providers []config.ProviderConfig) (*auth.Registry, error) {
	registry := auth.NewRegistry()
	for _, p := range providers {
		kind := auth.KindAuth
		if p.Kind == config.KindConnector {
			kind = auth.KindConnector
		}

		if !p.IsOIDC() {
			registry.RegisterOAuth2Provider(p.ID, kind, &oauth2.Config{
				ClientID:     p.ClientID,
				ClientSecret: p.ClientSecret,
				Endpoint:     oauth2.Endpoint{AuthURL: p.AuthURL, TokenURL: p.TokenURL},
				Scopes:       p.Scopes,
			})
			continue
		}

		oc := auth.OIDCConfig{
			Issuer:       p.Issuer,
			ClientID:     p.ClientID,
			ClientSecret: p.ClientSecret,
			Scopes:       p.Scopes,
			Kind:         kind,
		}
		if p.SkipIssuerCheck {
			oc.Options = append(oc.Options, auth.WithSkipIssuerCheck())
		}
		if p.Lazy {
			registry.RegisterLazyOIDCProvider(p.ID, oc)
			continue
		}
		if err := registry.RegisterOIDCProvider(ctx, p.ID, oc); err != nil {
			return nil, fmt.Errorf("provider %q: %w", p.ID, err)
		}
	}
	return registry, nil
}

func newResultEndpoint(cfg config.ServerConfig) (auth.ResultEndpoint, error) {
	switch cfg.Result {
	case config.ResultRedirect:
		return auth.RedirectResultEndpoint(cfg.FailureURL)
	case config.ResultPopup:
		return auth.PopupResultEndpoint(cfg.PopupOrigin)
	default:
		return auth.JSONResultEndpoint, nil
	}
}
