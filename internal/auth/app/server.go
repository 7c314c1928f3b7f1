// Package app assembles and runs the auth service.
package app

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/latchkey/latchkey/internal/auth/api/web"
	"github.com/latchkey/latchkey/internal/auth/notify"
	"github.com/latchkey/latchkey/internal/auth/otp"
	"github.com/latchkey/latchkey/internal/auth/passkey"
	"github.com/latchkey/latchkey/internal/auth/ratelimit"
	"github.com/latchkey/latchkey/internal/auth/session"
	authsqlite "github.com/latchkey/latchkey/internal/auth/storage/sqlite"
	"github.com/latchkey/latchkey/internal/auth/token"
	"github.com/latchkey/latchkey/internal/platform/config"
	platformotel "github.com/latchkey/latchkey/internal/platform/otel"
)

type envConfig struct {
	DBPath string `env:"LATCHKEY_AUTH_DB_PATH,required"`
}

// Server hosts the auth HTTP service.
type Server struct {
	listener   net.Listener
	httpServer *http.Server
	store      *authsqlite.Store
}

// New creates a configured auth server listening on addr. The signing
// secret, database path, and relying-party settings all come from the
// environment and are validated before anything listens.
func New(addr string) (*Server, error) {
	if strings.TrimSpace(addr) == "" {
		return nil, fmt.Errorf("http address is required")
	}

	var cfg envConfig
	if err := config.ParseEnv(&cfg); err != nil {
		return nil, err
	}
	secret, err := token.LoadSecretFromEnv()
	if err != nil {
		return nil, err
	}
	tokens, err := token.NewService(secret)
	if err != nil {
		return nil, err
	}
	passkeyConfig, err := passkey.LoadConfigFromEnv()
	if err != nil {
		return nil, err
	}
	provider, err := passkey.NewProvider(passkeyConfig)
	if err != nil {
		return nil, fmt.Errorf("configure webauthn: %w", err)
	}

	store, err := authsqlite.Open(cfg.DBPath)
	if err != nil {
		return nil, err
	}

	limiter := ratelimit.New(store)
	otpService := otp.NewService(store, store, tokens, limiter, notify.Console{})
	passkeyService := passkey.NewService(store, store, tokens, limiter, provider)
	sessions := session.NewManager(tokens)

	mux := http.NewServeMux()
	web.NewServer(otpService, passkeyService, sessions, store).RegisterRoutes(mux)

	listener, err := net.Listen("tcp", addr)
	if err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("listen on %s: %w", addr, err)
	}

	return &Server{
		listener:   listener,
		httpServer: &http.Server{Handler: otelhttp.NewHandler(mux, "auth")},
		store:      store,
	}, nil
}

// Addr returns the listener address for the auth server.
func (s *Server) Addr() string {
	if s == nil || s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Run creates and serves an auth server until the context ends.
func Run(ctx context.Context, addr string) error {
	server, err := New(addr)
	if err != nil {
		return err
	}
	return server.Serve(ctx)
}

// Serve starts the auth server and blocks until it stops or the context ends.
func (s *Server) Serve(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	defer func() {
		if err := s.store.Close(); err != nil {
			log.Printf("close store: %v", err)
		}
	}()

	otelShutdown, err := platformotel.Setup(ctx, "auth")
	if err != nil {
		return fmt.Errorf("setup tracing: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := otelShutdown(shutdownCtx); err != nil {
			log.Printf("shutdown tracing: %v", err)
		}
	}()

	log.Printf("auth server listening at %v", s.listener.Addr())
	serveErr := make(chan error, 1)
	go func() {
		serveErr <- s.httpServer.Serve(s.listener)
	}()

	select {
	case err := <-serveErr:
		if err == nil || errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("serve http: %w", err)
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutdown http: %w", err)
		}
		<-serveErr
		return nil
	}
}
