package main

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/alecthomas/kong"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/fx"
	"golang.org/x/time/rate"

	"bridge-proxy-go/internal/bridge"
	"bridge-proxy-go/internal/client"
	"bridge-proxy-go/internal/config"
	"bridge-proxy-go/internal/delegate"
	"bridge-proxy-go/internal/handler"
	"bridge-proxy-go/internal/metrics"
	"bridge-proxy-go/internal/middleware"
	"bridge-proxy-go/internal/relay"
	"bridge-proxy-go/internal/rewrite"
	"bridge-proxy-go/internal/service"
	"bridge-proxy-go/internal/shim"
)

// Set by goreleaser ldflags.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	var cli config.CLI
	kong.Parse(&cli,
		kong.Name("bridge-proxy"),
		kong.Description("Embeddable web-content bridge proxy."),
		kong.Vars{"version": fmt.Sprintf("%s (%s, %s)", version, commit, date)},
	)

	fx.New(
		fx.Provide(
			func() *config.CLI { return &cli },
			func() handler.Version { return handler.Version(version) },
			config.Load,
			newLogger,
			newEcho,
			metrics.New,
			newCodec,
			client.NewOriginClient,
			relay.New,
			delegate.NewRegistry,
			delegate.NewHub,
			newDelegate,
			newBridgeService,
			handler.NewBridgeHandler,
			newDelegateHandler,
			handler.NewHealthHandler,
		),
		fx.Invoke(handler.RegisterRoutes, registerMetricsRoute, warnConfigPermissions, startServer),
	).Run()
}

func newLogger(cfg *config.Config) *slog.Logger {
	level := slog.LevelInfo
	switch strings.ToLower(cfg.Log.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	opts := &slog.HandlerOptions{Level: level}

	var h slog.Handler
	switch strings.ToLower(cfg.Log.Format) {
	case "text":
		h = slog.NewTextHandler(os.Stdout, opts)
	default:
		h = slog.NewJSONHandler(os.Stdout, opts)
	}

	return slog.New(h)
}

func newCodec(cfg *config.Config) *bridge.Codec {
	return bridge.NewCodec(cfg.Bridge.Prefix)
}

func newDelegate(cfg *config.Config, registry *delegate.Registry, hub *delegate.Hub, logger *slog.Logger) *delegate.Delegate {
	timeout := time.Duration(cfg.Bridge.PortTimeoutSeconds) * time.Second
	return delegate.New(registry, hub, timeout, logger)
}

func newBridgeService(cfg *config.Config, codec *bridge.Codec, oc *client.OriginClient, d *delegate.Delegate, m *metrics.Metrics, logger *slog.Logger) *service.BridgeService {
	rw := rewrite.NewTextRewriter(codec, shim.NewGenerator(cfg.Bridge.Prefix), m)
	backend := service.SelectBackend(cfg, service.NewDirectBackend(oc), service.NewDelegateBackend(d))
	logger.Info("bridge backend selected", "backend", backend.Name())
	return service.NewBridgeService(codec, rw, backend, logger)
}

// newDelegateHandler wires the delegate-prefix pipeline. Unlike the main
// bridge service its backend is always the delegated transport.
func newDelegateHandler(cfg *config.Config, registry *delegate.Registry, hub *delegate.Hub, d *delegate.Delegate, rl *relay.Relay, m *metrics.Metrics, logger *slog.Logger) *handler.DelegateHandler {
	codec := bridge.NewCodec(cfg.Bridge.DelegatePrefix)
	rw := rewrite.NewTextRewriter(codec, shim.NewGenerator(cfg.Bridge.DelegatePrefix), m)
	svc := service.NewBridgeService(codec, rw, service.NewDelegateBackend(d), logger)
	return handler.NewDelegateHandler(svc, codec, registry, hub, rl, logger)
}

func newEcho(cfg *config.Config, logger *slog.Logger, m *metrics.Metrics) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	// Inbound timeouts to mitigate slow-client attacks.
	e.Server.ReadTimeout = 30 * time.Second
	// WriteTimeout is disabled (0) to avoid cutting off valid long-running
	// bridged media responses and relay sessions. Protection is provided by
	// the origin client timeout, ReadTimeout, and IdleTimeout.
	e.Server.WriteTimeout = 0
	e.Server.IdleTimeout = 120 * time.Second
	e.Server.ReadHeaderTimeout = 10 * time.Second

	// Registered as pre-routing middleware so they also cover the bridge and
	// delegate ingress, which intercepts requests before the router runs.
	e.Pre(echomw.Recover())
	e.Pre(echomw.RequestID())
	e.Pre(middleware.RequestLogger(logger))
	e.Pre(middleware.MetricsMiddleware(m))
	e.Pre(echomw.BodyLimit(fmt.Sprintf("%dB", cfg.Server.BodyMaxBytes)))
	e.Pre(middleware.SecurityHeaders())

	if cfg.Server.RateLimit.Enabled {
		store := echomw.NewRateLimiterMemoryStore(rate.Limit(cfg.Server.RateLimit.RequestsPerSecond))
		e.Pre(echomw.RateLimiter(store))
		logger.Info("rate limiter enabled", "rps", cfg.Server.RateLimit.RequestsPerSecond)
	}

	return e
}

func registerMetricsRoute(e *echo.Echo, cfg *config.Config, m *metrics.Metrics) {
	if !cfg.Metrics.Enabled {
		return
	}
	e.GET(cfg.Metrics.Path, echo.WrapHandler(promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{})))
}

func warnConfigPermissions(cfg *config.Config, logger *slog.Logger) {
	cfg.WarnPermissions(logger)
}

func startServer(lc fx.Lifecycle, e *echo.Echo, cfg *config.Config, logger *slog.Logger) {
	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			addr := cfg.Server.Addr()
			ln, err := net.Listen("tcp", addr)
			if err != nil {
				return fmt.Errorf("bind %s: %w", addr, err)
			}
			logger.Info("starting server",
				"addr", addr,
				"prefix", cfg.Bridge.Prefix,
				"delegate_prefix", cfg.Bridge.DelegatePrefix,
			)
			go func() {
				if err := e.Server.Serve(ln); err != nil && err != http.ErrServerClosed {
					logger.Error("server error", "err", err)
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			logger.Info("shutting down server")
			return e.Shutdown(ctx)
		},
	})
}
