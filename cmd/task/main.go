package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/shiftwise/billing/app"
	"github.com/shiftwise/billing/config"
	"github.com/shiftwise/billing/task"

	"github.com/go-redis/redis/v7"
	"go.uber.org/zap"
)

func main() {
	once := flag.Bool("once", false, "run a single billing pass and exit")
	flag.Parse()

	// Load configurations from dotFile
	cfg, err := config.Load(config.DotFile(os.Getenv("BILLING_ENV")))
	if err != nil {
		log.Fatalf("Cannot load configuration: %v\n", err)
	}

	logger, flush, err := app.NewLogger(cfg, "task")
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

	var locker task.Locker
	if len(cfg.RedisURI) > 0 {
		rdb := redis.NewUniversalClient(&redis.UniversalOptions{
			Addrs:    []string{cfg.RedisURI},
			Password: cfg.RedisPW,
			DB:       0,
		})
		if _, err := rdb.Ping().Result(); err != nil {
			logger.Fatal("Cannot connect to Redis",
				zap.Error(err),
			)
		}
		defer rdb.Close()

		locker, err = task.NewRedisLocker(task.RedisLockerOptions{
			Redis: rdb,
		})
		if err != nil {
			logger.Fatal("Cannot initialize RedisLocker",
				zap.Error(err),
			)
		}
	} else {
		logger.Warn("REDIS_URI not set, run a single task instance only")
	}

	scheduler, err := task.NewScheduler(task.SchedulerOptions{
		Lifecycle:    a.Lifecycle,
		Cycle:        a.Processor,
		Locker:       locker,
		Logger:       logger,
		Interval:     cfg.Interval,
		InitialDelay: cfg.InitialDelay,
		LockTTL:      cfg.LockTTL,
	})
	if err != nil {
		logger.Fatal("Cannot initialize Scheduler",
			zap.Error(err),
		)
	}

	if *once {
		report, err := scheduler.RunOnce(ctx)
		if err != nil {
			logger.Fatal("Billing pass failed",
				zap.Error(err),
			)
		}
		logger.Info("Billing pass finished",
			zap.Bool("Skipped", report.Skipped),
			zap.Int("Due", report.Billing.Due),
			zap.Int("Billed", report.Billing.Billed),
			zap.Int("Failed", report.Billing.Failed),
		)
		return
	}

	if err := scheduler.Start(ctx); err != nil {
		logger.Fatal("Cannot start Scheduler",
			zap.Error(err),
		)
	}

	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGINT, syscall.SIGTERM)
	<-c

	if err := scheduler.Stop(); err != nil {
		logger.Error("Cannot stop Scheduler",
			zap.Error(err),
		)
	}
	logger.Info("Billing task stopped")
}
