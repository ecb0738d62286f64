package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/mstolt/vane"
	"github.com/mstolt/vane/servers/weather"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "vaned:", err)
		os.Exit(1)
	}
}

func run() error {
	configPath := flag.String("config", "", "path to TOML config file")
	stdio := flag.Bool("stdio", false, "serve a single session over stdin/stdout instead of HTTP")
	flag.Parse()

	cfg, err := loadConfig(*configPath)
	if err != nil {
		return err
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: cfg.LogLevel,
	}))

	weatherOpts := []weather.Option{
		weather.WithLogger(logger),
		weather.WithUserAgent(cfg.WeatherUserAgent),
	}
	if cfg.WeatherBaseURL != "" {
		weatherOpts = append(weatherOpts, weather.WithBaseURL(cfg.WeatherBaseURL))
	}
	provider := weather.NewServer(weatherOpts...)

	srvOpts := []vane.ServerOption{vane.WithLogger(logger)}
	if cfg.KeepAlive > 0 {
		srvOpts = append(srvOpts, vane.WithKeepAliveInterval(cfg.KeepAlive))
	}
	srv := vane.NewServer(vane.Info{
		Name:    cfg.ServerName,
		Version: cfg.ServerVersion,
	}, provider, srvOpts...)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if *stdio {
		return srv.ServeStdio(ctx, os.Stdin, os.Stdout)
	}

	messageURL := "/message"
	if cfg.PublicURL != "" {
		messageURL = cfg.PublicURL + "/message"
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/sse", srv.HandleStream(messageURL).ServeHTTP)
	r.Handle("/message", srv.HandleMessage())
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	httpSrv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("listening", "addr", cfg.Addr)
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down", "drainTimeout", cfg.DrainTimeout)

	drainCtx, cancel := context.WithTimeout(context.Background(), cfg.DrainTimeout)
	defer cancel()

	if err := srv.Shutdown(drainCtx); err != nil {
		logger.Warn("session drain incomplete", "err", err)
	}
	if err := httpSrv.Shutdown(drainCtx); err != nil {
		logger.Warn("http shutdown incomplete", "err", err)
	}
	return nil
}
