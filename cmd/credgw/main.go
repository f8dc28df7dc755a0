// Package main runs credgw, the credential broker and admin server.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	credgateway "github.com/ferro-labs/credential-gateway"
	"github.com/ferro-labs/credential-gateway/internal/admin"
	"github.com/ferro-labs/credential-gateway/internal/logging"
	"github.com/ferro-labs/credential-gateway/internal/version"
)

const defaultAddr = ":8090"

func main() {
	if err := run(); err != nil {
		logging.Logger.Error("credgw exited", "error", err)
		os.Exit(1)
	}
}

func run() error {
	cfg := credgateway.Config{}
	if path := os.Getenv("CREDGW_CONFIG"); path != "" {
		loaded, err := credgateway.LoadConfig(path)
		if err != nil {
			return err
		}
		cfg = *loaded
		logging.Logger.Info("config loaded", "path", path, "strategy", cfg.Strategy, "pools", len(cfg.Pools))
	}

	tokens := admin.Tokens{
		Admin:    os.Getenv("CREDGW_ADMIN_TOKEN"),
		ReadOnly: os.Getenv("CREDGW_READONLY_TOKEN"),
	}
	if tokens.Admin == "" && tokens.ReadOnly == "" {
		logging.Logger.Warn("no CREDGW_ADMIN_TOKEN or CREDGW_READONLY_TOKEN set; /admin will reject every request")
	}

	gw, err := credgateway.New(cfg)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	loaded, err := gw.LoadPlugins(ctx)
	if err != nil {
		return err
	}
	logging.Logger.Info("plugins loaded", "count", len(loaded), "ids", loaded)

	if err := gw.Start(ctx); err != nil {
		return err
	}

	addr := defaultAddr
	if a := os.Getenv("CREDGW_ADDR"); a != "" {
		addr = a
	}
	srv := &http.Server{
		Addr:         addr,
		Handler:      newRouter(gw, tokens),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		<-ctx.Done()
		logging.Logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logging.Logger.Error("shutdown error", "error", err)
		}
		if err := gw.Close(shutdownCtx); err != nil {
			logging.Logger.Error("gateway close error", "error", err)
		}
	}()

	logging.Logger.Info("credgw listening", "version", version.Short(), "addr", addr, "providers", gw.Manager().Providers())
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		stop()
		return err
	}
	<-ctx.Done()
	return nil
}

// newRouter mounts health, metrics and the token-protected admin API.
func newRouter(gw *credgateway.Gateway, tokens admin.Tokens) http.Handler {
	r := chi.NewRouter()
	r.Use(logging.Middleware)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RealIP)

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})
	r.Handle("/metrics", promhttp.Handler())

	h := &admin.Handlers{Manager: gw.Manager(), Plugins: gw}
	r.Route("/admin", func(r chi.Router) {
		r.Use(admin.AuthMiddleware(tokens))
		r.Mount("/", h.Routes())
	})
	return r
}
