package main

import (
	"context"
	"log"
	"net/http"
	"net/http/pprof"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/shiftwise/billing/app"
	"github.com/shiftwise/billing/billing"
	"github.com/shiftwise/billing/config"

	"github.com/go-chi/chi"
	"github.com/go-chi/chi/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"
)

func main() {
	// Load configurations from dotFile
	cfg, err := config.Load(config.DotFile(os.Getenv("BILLING_ENV")))
	if err != nil {
		log.Fatalf("Cannot load configuration: %v\n", err)
	}

	logger, flush, err := app.NewLogger(cfg, "api")
	if err != nil {
		log.Fatalf("Cannot initialize logger: %v\n", err)
	}
	defer flush()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a, err := app.New(ctx, app.Options{
		Config: cfg,
		Logger: logger,
	})
	if err != nil {
		logger.Fatal("Cannot initialize billing engine",
			zap.Error(err),
		)
	}
	defer a.Close()

	billingRouter, err := billing.NewService(billing.ServiceOptions{
		Pricing:   a.Pricing,
		Usage:     a.Usage,
		Accounts:  a.Accounts,
		Processor: a.Processor,
		Logger:    logger,
	})
	if err != nil {
		logger.Fatal("Cannot initialize Billing Service Router",
			zap.Error(err),
		)
	}

	rootRouter := chi.NewRouter()
	rootRouter.Use(middleware.RequestID)
	rootRouter.Use(middleware.Recoverer)
	rootRouter.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "PUT", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type", "X-Request-ID"},
		MaxAge:         300,
	}))
	rootRouter.Use(a.Metrics.Middleware)

	rootRouter.Mount("/", billingRouter.Router())
	rootRouter.Method(http.MethodGet, "/metrics", a.Metrics.Handler())

	rootRouter.HandleFunc("/pprof/*", pprof.Index)
	rootRouter.HandleFunc("/pprof/cmdline", pprof.Cmdline)
	rootRouter.HandleFunc("/pprof/profile", pprof.Profile)
	rootRouter.HandleFunc("/pprof/symbol", pprof.Symbol)
	rootRouter.HandleFunc("/pprof/trace", pprof.Trace)

	srv := &http.Server{
		Handler:           rootRouter,
		Addr:              cfg.HTTPAddr,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info("Billing API listening", zap.String("Addr", cfg.HTTPAddr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("HTTP server failed",
				zap.Error(err),
			)
		}
	}()

	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGINT, syscall.SIGTERM)
	<-c

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP server did not shut down cleanly",
			zap.Error(err),
		)
	}
	logger.Info("Billing API stopped")
}
