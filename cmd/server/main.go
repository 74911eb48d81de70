package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	slogecho "github.com/samber/slog-echo"

	"autoqual/internal/browser"
	"autoqual/internal/config"
	"autoqual/internal/database"
	"autoqual/internal/handlers"
	"autoqual/internal/orchestrator"
	"autoqual/internal/pool"
	"autoqual/internal/stage"
	"autoqual/internal/store"
	"autoqual/internal/twofa"
)

func main() {
	logger := slog.New(slog.NewTextHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	cfg, err := config.LoadConfig()
	if err != nil {
		logger.Error("failed to load config", "err", err)
		os.Exit(1)
	}

	db, err := database.Open(cfg.DatabasePath)
	if err != nil {
		logger.Error("failed to open database", "path", cfg.DatabasePath, "err", err)
		os.Exit(1)
	}

	st := store.New(db, logger)
	mirror := store.NewMirror(cfg.MirrorPath, cfg.Delimiter, st, logger)
	mirror.Start()
	mirror.Notify()

	proxies := pool.NewProxyPool(db, logger)
	cards := pool.NewCardPool(db, logger)
	// Assignments surviving from a previous process belong to no one.
	if err := proxies.ReleaseAll(); err != nil {
		logger.Warn("proxy recovery failed", "err", err)
	}
	if err := cards.ReleaseAll(); err != nil {
		logger.Warn("card recovery failed", "err", err)
	}

	browserAPI := browser.NewClient(cfg.BrowserAPIURL, logger)
	if err := browserAPI.Health(context.Background()); err != nil {
		logger.Warn("browser API unreachable, stages will fail until it is up", "url", cfg.BrowserAPIURL, "err", err)
	}

	codes := twofa.New(cfg.TOTPDigits, cfg.TOTPPeriod)
	executors := stage.BrowserExecutors(browserAPI, codes, logger)

	orch := orchestrator.New(st, proxies, cards, executors, orchestrator.Config{
		Concurrency:        cfg.Concurrency,
		MaxRetries:         cfg.MaxRetries,
		RetryBackoff:       cfg.RetryBackoff(),
		RetryBackoffMax:    cfg.RetryBackoffMax(),
		StageTimeout:       cfg.StageTimeout(),
		MaxDeferrals:       cfg.MaxDeferrals,
		FreshProxyPerRetry: cfg.FreshProxyPerRetry,
		ProgressBuffer:     cfg.ProgressBuffer,
	}, logger)

	// settings persisted through the API override the boot configuration
	if settings, err := st.AllSettings(); err == nil {
		ocfg := orch.Config()
		for k, v := range settings {
			next, runtime, err := ocfg.WithSetting(k, v)
			if err != nil {
				logger.Warn("ignoring persisted setting", "key", k, "err", err)
				continue
			}
			if runtime {
				ocfg = next
			}
		}
		orch.UpdateConfig(ocfg)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	orch.Start(ctx)

	progressLog := logger.With("component", "progress")
	if err := orch.Progress().Subscribe(func(ev orchestrator.Event) {
		attrs := []any{"email", ev.Email, "stage", ev.Stage}
		if ev.NewStatus != "" {
			attrs = append(attrs, "status", ev.NewStatus)
		}
		switch ev.Level {
		case orchestrator.LevelError:
			progressLog.Error(ev.Message, attrs...)
		case orchestrator.LevelWarn:
			progressLog.Warn(ev.Message, attrs...)
		default:
			progressLog.Info(ev.Message, attrs...)
		}
	}); err != nil {
		logger.Error("failed to attach progress sink", "err", err)
		os.Exit(1)
	}

	e := echo.New()
	e.HideBanner = true
	e.Use(slogecho.New(logger))
	e.Use(middleware.Recover())
	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	api := e.Group("/api")
	handlers.RegisterRoutes(api, st, proxies, cards, orch, browserAPI, cfg.Delimiter)

	go func() {
		logger.Info("autoqual starting", "addr", cfg.ListenAddr)
		if err := e.Start(cfg.ListenAddr); err != nil && err != http.ErrServerClosed {
			logger.Error("server stopped", "err", err)
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown failed", "err", err)
	}
	orch.Stop()
	mirror.Close()
}
