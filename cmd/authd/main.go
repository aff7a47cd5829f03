// Command authd serves the authcore HTTP API, and optionally a gRPC port
// guarded by the same access tokens.
package main

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	ac "github.com/panyam/authcore"
	authgrpc "github.com/panyam/authcore/grpc"
	"github.com/panyam/authcore/oauth2"
)

const (
	defaultCleanupInterval = 10 * time.Minute
	shutdownTimeout        = 10 * time.Second
)

func main() {
	cfg, err := ac.LoadConfig()
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	logger := ac.NewLogger(os.Stdout, cfg.LogLevel)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("authd failed", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *ac.Config, logger *slog.Logger) error {
	shutdownTracing, err := setupTracing(ctx, cfg.OTLPEndpoint)
	if err != nil {
		return err
	}
	defer shutdownTracing(context.Background())

	be, err := openBackend(ctx, cfg.DatabaseURL, logger)
	if err != nil {
		return err
	}
	defer be.close()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	svcCfg := cfg.ServiceConfig(ac.NewMetrics(reg))
	svcCfg.Session.Store = be.sessions
	mailer, closeMailer := newMailer(cfg, logger)
	defer closeMailer()

	svc, err := ac.NewService(be.users, mailer, svcCfg)
	if err != nil {
		return err
	}

	trusted, err := ac.ParseTrustedProxies(cfg.TrustedProxies)
	if err != nil {
		return err
	}
	hcfg := ac.HandlerConfig{
		Providers:      providers(cfg),
		SecureCookies:  cfg.SecureCookies(),
		Gatherer:       reg,
		TrustedProxies: trusted,
	}
	if cfg.LoginRatePerMin > 0 {
		limiter := ac.NewKeyedRateLimiter(cfg.LoginRatePerMin, cfg.LoginRatePerMin)
		hcfg.Limiter = limiter
		go limiter.Run(ctx, time.Minute)
	}
	handlers := ac.NewHandlers(svc, hcfg)

	go svc.RunSweeper(ctx, cfg.SweepInterval, logger)
	go be.run(ctx)

	errc := make(chan error, 2)
	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           handlers.Router(logger),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		logger.Info("http listening", "addr", cfg.Addr, "database", redact(cfg.DatabaseURL))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- err
		}
	}()

	var grpcServer *grpc.Server
	if cfg.GRPCAddr != "" {
		grpcServer, err = serveGRPC(cfg.GRPCAddr, svc.Tokens, logger, errc)
		if err != nil {
			return err
		}
	}

	select {
	case <-ctx.Done():
	case err := <-errc:
		return err
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if grpcServer != nil {
		grpcServer.GracefulStop()
	}
	return srv.Shutdown(shutdownCtx)
}

// serveGRPC starts a gRPC server whose every method except the health
// check needs a valid access token.
func serveGRPC(addr string, tokens *ac.TokenIssuer, logger *slog.Logger, errc chan<- error) (*grpc.Server, error) {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	icfg := authgrpc.NewInterceptorConfig(tokens,
		"/grpc.health.v1.Health/Check",
		"/grpc.health.v1.Health/Watch",
	)
	server := grpc.NewServer(
		grpc.ChainUnaryInterceptor(authgrpc.UnaryAuthInterceptor(icfg)),
		grpc.ChainStreamInterceptor(authgrpc.StreamAuthInterceptor(icfg)),
	)
	healthpb.RegisterHealthServer(server, health.NewServer())
	go func() {
		logger.Info("grpc listening", "addr", addr)
		if err := server.Serve(lis); err != nil {
			errc <- err
		}
	}()
	return server, nil
}

// newMailer returns the configured mailer and a func releasing it.
func newMailer(cfg *ac.Config, logger *slog.Logger) (ac.Mailer, func() error) {
	noop := func() error { return nil }
	if cfg.SMTP.Host == "" {
		return &ac.ConsoleMailer{Logger: logger}, noop
	}
	smtpMailer, err := ac.NewSMTPMailer(cfg.SMTP)
	if err != nil {
		logger.Warn("smtp disabled, logging emails instead", "error", err)
		return &ac.ConsoleMailer{Logger: logger}, noop
	}
	return &ac.RetryingMailer{Next: smtpMailer}, smtpMailer.Close
}

func providers(cfg *ac.Config) []ac.OAuthProvider {
	var out []ac.OAuthProvider
	if cfg.Google.Enabled() {
		out = append(out, oauth2.NewGoogle(oauth2.Config{
			ClientID:     cfg.Google.ClientID,
			ClientSecret: cfg.Google.ClientSecret,
			CallbackURL:  cfg.BaseURL + "/auth/google/callback",
		}))
	}
	if cfg.GitHub.Enabled() {
		out = append(out, oauth2.NewGitHub(oauth2.Config{
			ClientID:     cfg.GitHub.ClientID,
			ClientSecret: cfg.GitHub.ClientSecret,
			CallbackURL:  cfg.BaseURL + "/auth/github/callback",
		}))
	}
	return out
}

// redact hides credentials embedded in a database URL.
func redact(dsn string) string {
	scheme, rest, ok := strings.Cut(dsn, "://")
	if !ok {
		return dsn
	}
	if at := strings.LastIndex(rest, "@"); at >= 0 {
		return scheme + "://***@" + rest[at+1:]
	}
	return dsn
}
