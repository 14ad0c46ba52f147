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

	"github.com/awnumar/memguard"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/zhouzirui/draft-dashboard/backend/internal/config"
	"github.com/zhouzirui/draft-dashboard/backend/internal/handler"
	"github.com/zhouzirui/draft-dashboard/backend/internal/logging"
	"github.com/zhouzirui/draft-dashboard/backend/internal/service/browserbase"
	"github.com/zhouzirui/draft-dashboard/backend/internal/service/capture"
	"github.com/zhouzirui/draft-dashboard/backend/internal/service/league"
)

func main() {
	err := run()
	// 进程退出前擦除加密内存中的 token
	memguard.Purge()
	if err != nil {
		slog.Error("server exited", "error", err)
		os.Exit(1)
	}
}

func run() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 加载 .env 文件
	if err := godotenv.Load(); err != nil {
		slog.Info("no .env file loaded, continuing with system environment variables only", "reason", err)
	}

	cfg, err := config.Load()
	if err != nil {
		return err
	}

	logger := logging.New(cfg.Log.Level, cfg.Log.Format)
	slog.SetDefault(logger)

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	provider := browserbase.NewClient(browserbase.Config{
		APIKey:         cfg.Browser.APIKey,
		ProjectID:      cfg.Browser.ProjectID,
		BaseURL:        cfg.Browser.BaseURL,
		Region:         cfg.Browser.Region,
		KeepAlive:      cfg.Browser.KeepAlive,
		SessionTimeout: cfg.Browser.SessionTimeout,
		ViewportWidth:  cfg.Browser.ViewportWidth,
		ViewportHeight: cfg.Browser.ViewportHeight,
		RequestTimeout: cfg.Browser.RequestTimeout,
	}, browserbase.WithLogger(logger))
	if !cfg.Browser.Configured() {
		logger.Warn("Browserbase 凭证未配置，start-session 将返回配置错误")
	}

	captureSvc := capture.NewService(capture.Config{
		LoginURL:        cfg.Capture.LoginURL,
		APIMatch:        cfg.Capture.APIMatch,
		HeaderName:      cfg.Capture.HeaderName,
		StaleAfter:      cfg.Capture.StaleAfter,
		SweepInterval:   cfg.Capture.SweepInterval,
		NavigateTimeout: cfg.Capture.NavigateTimeout,
	}, provider, capture.NewRemoteConnector(logger),
		capture.WithLogger(logger),
		capture.WithMetrics(capture.NewMetrics(registry)),
	)
	defer captureSvc.Close()

	leagueClient := league.NewClient(league.Config{
		BaseURL:   cfg.League.BaseURL,
		RateLimit: cfg.League.RateLimit,
		Burst:     cfg.League.Burst,
		Timeout:   cfg.League.Timeout,
	}, league.WithLogger(logger))

	router := handler.NewRouter(handler.Dependencies{
		Capture:        captureSvc,
		League:         leagueClient,
		Gatherer:       registry,
		Logger:         logger,
		PollInterval:   cfg.Capture.PollInterval,
		AllowedOrigins: cfg.Server.AllowedOrigins,
	})

	srv := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	logger.Info("draft dashboard backend listening", "addr", cfg.Server.Addr)
	return runServer(ctx, srv)
}

func runServer(ctx context.Context, srv *http.Server) error {
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		err := <-errCh
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
