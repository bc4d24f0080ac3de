// ABOUTME: Gateway orchestrator that wires the webhook, coalescer, and delivery clients
// ABOUTME: Manages the HTTP server, optional tailscale listener, and shutdown ordering

package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"tailscale.com/tsnet"

	"github.com/2389/coven-messenger/internal/agent"
	"github.com/2389/coven-messenger/internal/auth"
	"github.com/2389/coven-messenger/internal/config"
	"github.com/2389/coven-messenger/internal/debounce"
	"github.com/2389/coven-messenger/internal/dedupe"
	"github.com/2389/coven-messenger/internal/messenger"
	"github.com/2389/coven-messenger/internal/store"
	"github.com/2389/coven-messenger/internal/webhook"
)

// shutdownTimeout bounds the final flush of open buffers on exit.
const shutdownTimeout = 15 * time.Second

// Gateway orchestrates the coven-messenger server components.
type Gateway struct {
	config      *config.Config
	httpServer  *http.Server
	tsnetServer *tsnet.Server
	logger      *slog.Logger

	// store is nil when no database path is configured
	store store.TurnStore

	attachments *messenger.AttachmentMap
	dedupe      *dedupe.Cache
	coalescer   *debounce.Coalescer
	webhook     *webhook.Handler

	// stopWatch cancels the attachment map watcher
	stopWatch context.CancelFunc
	watchDone chan struct{}
}

// Option customizes a Gateway at construction.
type Option func(*options)

type options struct {
	agent    debounce.Agent
	delivery debounce.Delivery
	store    store.TurnStore
}

// WithAgent replaces the HTTP agent client.
func WithAgent(a debounce.Agent) Option {
	return func(o *options) { o.agent = a }
}

// WithDelivery replaces the Send API client.
func WithDelivery(d debounce.Delivery) Option {
	return func(o *options) { o.delivery = d }
}

// WithStore replaces the SQLite turn ledger.
func WithStore(s store.TurnStore) Option {
	return func(o *options) { o.store = s }
}

// initStore opens the turn ledger, or returns nil when it is disabled.
func initStore(cfg *config.Config) (store.TurnStore, error) {
	if cfg.Database.Path == "" {
		return nil, nil
	}
	s, err := store.NewSQLiteStore(cfg.Database.Path)
	if err != nil {
		return nil, fmt.Errorf("creating store: %w", err)
	}
	return s, nil
}

// New creates a new Gateway instance with the given configuration.
func New(cfg *config.Config, logger *slog.Logger, opts ...Option) (*Gateway, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	attachments, err := messenger.LoadAttachmentMap(cfg.Messenger.AttachmentsFile, logger)
	if err != nil {
		return nil, fmt.Errorf("loading attachment map: %w", err)
	}

	if o.delivery == nil {
		client, err := messenger.NewClient(messenger.ClientConfig{
			GraphAPIURL:     cfg.Messenger.GraphAPIURL,
			PageAccessToken: cfg.Messenger.PageAccessToken,
			SendRate:        cfg.Messenger.SendRate,
			SendBurst:       cfg.Messenger.SendBurst,
			SendTimeout:     cfg.Messenger.SendTimeout,
			TypingTimeout:   cfg.Messenger.TypingTimeout,
		}, attachments, logger)
		if err != nil {
			return nil, fmt.Errorf("creating messenger client: %w", err)
		}
		o.delivery = client
	}

	if o.agent == nil {
		client, err := agent.NewClient(cfg.Agent.URL, cfg.Agent.Timeout)
		if err != nil {
			return nil, fmt.Errorf("creating agent client: %w", err)
		}
		o.agent = client
	}

	if o.store == nil {
		if o.store, err = initStore(cfg); err != nil {
			return nil, err
		}
	}

	dedupeCache := dedupe.New(cfg.Dedupe.TTL, cfg.Dedupe.CleanupWatermark)

	coalescerOpts := []debounce.Option{debounce.WithDeduper(dedupeCache)}
	if o.store != nil {
		coalescerOpts = append(coalescerOpts, debounce.WithRecorder(o.store))
	}
	coalescer := debounce.New(debounce.Config{
		Delay:          cfg.Debounce.Delay,
		MaxWait:        cfg.Debounce.MaxWait,
		MaxBufferSize:  cfg.Debounce.MaxBufferSize,
		MaxBufferChars: cfg.Debounce.MaxBufferChars,
		FallbackReply:  cfg.Agent.FallbackReply,
	}, o.agent, o.delivery, logger, coalescerOpts...)

	gw := &Gateway{
		config:      cfg,
		logger:      logger.With("component", "gateway"),
		store:       o.store,
		attachments: attachments,
		dedupe:      dedupeCache,
		coalescer:   coalescer,
		webhook: webhook.NewHandler(webhook.Config{
			VerifyToken: cfg.Messenger.VerifyToken,
			AppSecret:   cfg.Messenger.AppSecret,
		}, coalescer, logger),
	}

	if cfg.Messenger.AppSecret == "" {
		gw.logger.Warn("messenger.app_secret not set, webhook signatures will not be verified")
	}

	mux := http.NewServeMux()

	// Health endpoints - no auth required
	mux.HandleFunc("GET /health", gw.handleHealth)
	mux.HandleFunc("GET /health/ready", gw.handleReady)

	mux.Handle("/webhook", gw.webhook)

	if err := gw.registerHTTPAPIRoutes(mux); err != nil {
		gw.closeStore()
		return nil, err
	}

	gw.httpServer = &http.Server{
		Addr:              cfg.Server.HTTPAddr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	return gw, nil
}

// registerHTTPAPIRoutes mounts the turns API, behind JWT auth when a secret is configured.
func (g *Gateway) registerHTTPAPIRoutes(mux *http.ServeMux) error {
	var handler http.Handler = http.HandlerFunc(g.handleListTurns)

	if secret := g.config.Auth.JWTSecret; secret != "" {
		verifier, err := auth.NewJWTVerifier([]byte(secret))
		if err != nil {
			return fmt.Errorf("creating JWT verifier: %w", err)
		}
		handler = auth.HTTPAuthMiddleware(verifier)(handler)
		g.logger.Info("turns API enabled with JWT auth")
	} else if g.store != nil {
		g.logger.Warn("turns API enabled without auth (auth.jwt_secret not set)")
	}

	mux.Handle("GET /api/turns", handler)
	return nil
}

// Handler returns the HTTP handler serving every route.
func (g *Gateway) Handler() http.Handler {
	return g.httpServer.Handler
}

// Coalescer exposes the debounce engine, for status reporting.
func (g *Gateway) Coalescer() *debounce.Coalescer {
	return g.coalescer
}

// setupTCPListener creates a standard TCP listener for HTTP.
func (g *Gateway) setupTCPListener() (net.Listener, error) {
	g.logger.Info("starting gateway", "http_addr", g.config.Server.HTTPAddr)

	ln, err := net.Listen("tcp", g.config.Server.HTTPAddr)
	if err != nil {
		return nil, fmt.Errorf("listening on HTTP address: %w", err)
	}
	return ln, nil
}

// setupListener creates the listener based on configuration (Tailscale or TCP).
func (g *Gateway) setupListener(ctx context.Context) (net.Listener, error) {
	if g.config.Tailscale.Enabled {
		if g.config.Server.HTTPAddr != "" {
			g.logger.Warn("server.http_addr is ignored when tailscale is enabled", "http_addr", g.config.Server.HTTPAddr)
		}
		return g.setupTailscaleListener(ctx)
	}
	return g.setupTCPListener()
}

// startWatcher hot-reloads the attachment map until Shutdown.
func (g *Gateway) startWatcher() {
	ctx, cancel := context.WithCancel(context.Background())
	g.stopWatch = cancel
	g.watchDone = make(chan struct{})

	go func() {
		defer close(g.watchDone)
		if err := g.attachments.Watch(ctx); err != nil {
			g.logger.Error("attachment map watcher stopped", "error", err)
		}
	}()
}

// Run starts the HTTP server and blocks until the context is canceled.
// Returns nil on graceful shutdown, or an error if the server fails.
func (g *Gateway) Run(ctx context.Context) error {
	ln, err := g.setupListener(ctx)
	if err != nil {
		g.closeStore()
		return err
	}

	g.startWatcher()

	errCh := make(chan error, 1)
	go func() {
		g.logger.Info("HTTP server listening", "addr", ln.Addr().String())
		if err := g.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("HTTP server: %w", err)
		}
	}()

	var serverErr error
	select {
	case <-ctx.Done():
		g.logger.Info("context canceled, initiating shutdown")
	case serverErr = <-errCh:
		g.logger.Error("server error", "error", serverErr)
	}

	shutdownErr := g.gracefulShutdown()

	if serverErr != nil {
		return serverErr
	}
	return shutdownErr
}

// gracefulShutdown performs shutdown with a fresh context since the
// original one is already canceled.
func (g *Gateway) gracefulShutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return g.Shutdown(ctx)
}

// appendCloseError appends an error with label if err is non-nil.
func appendCloseError(errs []error, label string, err error) []error {
	if err != nil {
		return append(errs, fmt.Errorf("%s: %w", label, err))
	}
	return errs
}

func (g *Gateway) closeStore() {
	if g.store != nil {
		_ = g.store.Close()
	}
}

// Shutdown stops accepting webhooks, flushes every open sender buffer, and
// releases resources. The order matters: the HTTP server stops first so no
// new events arrive, in-flight dispatches finish, then the coalescer drains
// into the still-open store.
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.logger.Info("shutting down gateway", "pending_senders", g.coalescer.Pending())

	var errs []error
	errs = appendCloseError(errs, "HTTP shutdown", g.httpServer.Shutdown(ctx))
	errs = appendCloseError(errs, "webhook drain", g.webhook.Drain(ctx))
	errs = appendCloseError(errs, "coalescer close", g.coalescer.Close(ctx))

	if g.stopWatch != nil {
		g.stopWatch()
		<-g.watchDone
	}

	if g.tsnetServer != nil {
		errs = appendCloseError(errs, "tailscale shutdown", g.tsnetServer.Close())
	}
	if g.store != nil {
		errs = appendCloseError(errs, "store close", g.store.Close())
	}

	if len(errs) > 0 {
		return fmt.Errorf("shutdown errors: %w", errors.Join(errs...))
	}
	return nil
}

// handleHealth returns 200 OK if the server is alive.
func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// handleReady reports readiness along with how many senders have open buffers
// and how many message ids the dedupe cache is tracking.
func (g *Gateway) handleReady(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = fmt.Fprintf(w, "ready (%d active senders, %d tracked message ids)", g.coalescer.Pending(), g.dedupe.Len())
}
