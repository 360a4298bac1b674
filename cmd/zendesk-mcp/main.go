package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/mark3labs/mcp-go/server"

	"github.com/stackdesk/zendesk-mcp/internal/audit"
	"github.com/stackdesk/zendesk-mcp/internal/cache"
	"github.com/stackdesk/zendesk-mcp/internal/config"
	"github.com/stackdesk/zendesk-mcp/internal/oauth"
	"github.com/stackdesk/zendesk-mcp/internal/tools"
	"github.com/stackdesk/zendesk-mcp/internal/zendesk"
)

const (
	serverName    = "zendesk-mcp"
	serverVersion = "1.0.0"
	sweepInterval = time.Minute
)

func main() {
	bootstrapLogger := slog.New(slog.NewJSONHandler(os.Stderr, nil))
	config.LoadEnv(".env", bootstrapLogger)

	cfg, err := config.Load(bootstrapLogger)
	if err != nil {
		bootstrapLogger.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: cfg.SlogLevel()}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("server exited", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	auditor, err := buildAuditor(cfg, logger)
	if err != nil {
		return err
	}
	defer auditor.Close()

	keys, err := buildKeys(cfg, logger)
	if err != nil {
		return err
	}

	storeOpts := []oauth.MemoryStoreOption{
		oauth.WithTokenIssuer(oauth.NewJWTIssuer(keys, cfg.PublicURL, cfg.PublicURL)),
		oauth.WithStoreLogger(logger),
	}
	if cfg.LocalTokenTTL > 0 {
		storeOpts = append(storeOpts, oauth.WithLocalTokenTTL(cfg.LocalTokenTTL))
	}
	if cfg.PendingTTL > 0 {
		storeOpts = append(storeOpts, oauth.WithPendingTTL(cfg.PendingTTL))
	}
	store := oauth.NewMemoryStore(storeOpts...)

	registry, err := buildRegistry(cfg, logger)
	if err != nil {
		return err
	}

	var responseCache cache.Cache
	if cfg.RedisURL != "" {
		rc, err := cache.NewRedisCache(ctx, cfg.RedisURL)
		if err != nil {
			logger.Warn("redis unavailable, falling back to in-memory cache", "error", err)
			responseCache = cache.NewMemoryCache()
		} else {
			defer rc.Close()
			responseCache = rc
		}
	} else {
		responseCache = cache.NewMemoryCache()
	}

	pool := zendesk.NewPool(cfg.ZendeskSubdomain,
		zendesk.WithResponseCache(responseCache, cfg.CacheTTL))

	upstream, upstreamErr := oauth.NewUpstreamClient(oauth.UpstreamConfig{
		Subdomain:    cfg.ZendeskSubdomain,
		ClientID:     cfg.ZendeskClientID,
		ClientSecret: cfg.ZendeskClientSecret,
		RedirectURI:  cfg.ZendeskRedirectURI,
		Scopes:       cfg.ZendeskScopes,
	})
	if upstreamErr != nil {
		// The server still comes up so discovery and registration work;
		// the authorize endpoint reports the misconfiguration.
		logger.Error("upstream OAuth client not configured", "error", upstreamErr)
	}

	var refresher *oauth.Refresher
	if upstream != nil {
		refreshOpts := []oauth.RefresherOption{
			oauth.WithRefresherLogger(logger),
			oauth.WithAuditor(auditor),
			oauth.OnTokensUpdated(pool.UpdateToken),
			oauth.OnSessionRevoked(pool.Remove),
		}
		if cfg.RefreshBuffer > 0 {
			refreshOpts = append(refreshOpts, oauth.WithRefreshBuffer(cfg.RefreshBuffer))
		}
		refresher = oauth.NewRefresher(store, upstream, refreshOpts...)
	}

	authServer := oauth.NewServer(
		oauth.ServerConfig{Issuer: cfg.PublicURL},
		store, registry, upstreamOrNil(upstream),
		oauth.WithKeyManager(keys),
		oauth.WithServerLogger(logger),
		oauth.WithServerAuditor(auditor),
		oauth.WithUpstreamError(upstreamErr),
	)

	gate := oauth.NewGate(store, refresher, authServer.ResourceMetadataURL(),
		oauth.WithGateLogger(logger),
		oauth.WithGateAuditor(auditor),
		oauth.WithGateRevoke(pool.Remove),
		oauth.WithBind(func(ctx context.Context, s *oauth.Session) context.Context {
			client := pool.Get(s.ID, s.Upstream().AccessToken)
			return zendesk.WithClient(ctx, client)
		}),
	)

	mcpServer := server.NewMCPServer(serverName, serverVersion,
		server.WithToolCapabilities(true))
	tools.Register(mcpServer, logger)

	streamable := server.NewStreamableHTTPServer(mcpServer,
		server.WithEndpointPath("/mcp"),
		server.WithHTTPContextFunc(func(ctx context.Context, r *http.Request) context.Context {
			if client, ok := zendesk.FromContext(r.Context()); ok {
				return zendesk.WithClient(ctx, client)
			}
			return ctx
		}),
	)

	mux := http.NewServeMux()
	authServer.Routes(mux)
	mux.Handle("/mcp", gate.Wrap(streamable))

	go sweepExpired(ctx, store, pool.Remove, responseCache, logger)

	httpServer := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("listening", "addr", cfg.ListenAddr, "issuer", cfg.PublicURL)
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return httpServer.Shutdown(shutdownCtx)
}

func buildAuditor(cfg *config.Config, logger *slog.Logger) (*audit.Auditor, error) {
	if cfg.AMQPURL == "" {
		return audit.New(logger, nil), nil
	}
	publisher, err := audit.NewAMQPPublisher(cfg.AMQPURL, "oauth.audit")
	if err != nil {
		logger.Warn("audit publisher unavailable, logging only", "error", err)
		return audit.New(logger, nil), nil
	}
	return audit.New(logger, publisher), nil
}

func buildKeys(cfg *config.Config, logger *slog.Logger) (*oauth.KeyManager, error) {
	if cfg.SigningKeyPath != "" {
		keys, err := oauth.LoadKeyManagerFromFile(cfg.SigningKeyPath)
		if err != nil {
			return nil, err
		}
		logger.Info("loaded signing key", "path", cfg.SigningKeyPath, "kid", keys.KID())
		return keys, nil
	}
	keys, err := oauth.GenerateKeyManager()
	if err != nil {
		return nil, err
	}
	logger.Warn("using ephemeral signing key; tokens will not survive a restart", "kid", keys.KID())
	return keys, nil
}

func buildRegistry(cfg *config.Config, logger *slog.Logger) (oauth.ClientRegistry, error) {
	if cfg.DatabaseURL == "" {
		return oauth.NewMemoryRegistry(), nil
	}
	registry, err := oauth.NewPostgresRegistry(cfg.DatabaseURL)
	if err != nil {
		logger.Warn("postgres registry unavailable, using in-memory registry", "error", err)
		return oauth.NewMemoryRegistry(), nil
	}
	logger.Info("client registrations persisted to postgres")
	return registry, nil
}

// upstreamOrNil avoids a typed-nil interface when construction failed.
func upstreamOrNil(u *oauth.UpstreamClient) oauth.UpstreamExchanger {
	if u == nil {
		return nil
	}
	return u
}

func sweepExpired(ctx context.Context, store oauth.SessionStore, releaseSession func(sessionID string), responseCache cache.Cache, logger *slog.Logger) {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			now := time.Now()
			removed, sessionIDs := store.Sweep(now)
			for _, id := range sessionIDs {
				releaseSession(id)
			}
			if mc, ok := responseCache.(*cache.MemoryCache); ok {
				mc.Sweep(now)
			}
			if removed > 0 {
				logger.Debug("swept expired state", "removed", removed)
			}
		}
	}
}
