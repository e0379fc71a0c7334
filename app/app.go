// Package app wires the billing engine's components from a Config. Both binaries share it.
package app

import (
	"context"
	"fmt"

	"github.com/shiftwise/billing/billing"
	"github.com/shiftwise/billing/broker"
	"github.com/shiftwise/billing/config"
	"github.com/shiftwise/billing/db"
	"github.com/shiftwise/billing/external"
	"github.com/shiftwise/billing/metrics"
	"github.com/shiftwise/billing/organization"
	"github.com/shiftwise/billing/plan"
	"github.com/shiftwise/billing/pricing"
	"github.com/shiftwise/billing/subscription"
	"github.com/shiftwise/billing/usage"

	extErrors "github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Options struct {
	Config  *config.Config
	Logger  *zap.Logger
	DB      *gorm.DB         // optional, opened from Config.PostgresURI when nil
	Gateway external.Gateway // optional, Stripe when nil
}

// App holds every long lived component
type App struct {
	Options

	Registry      *prometheus.Registry
	Metrics       *metrics.Billing
	Publisher     broker.Publisher
	Plans         *plan.Manager
	Organizations *organization.Manager
	Subscriptions *subscription.Manager
	Usage         *usage.Manager
	Records       *billing.RecordManager
	Pricing       *pricing.Engine
	Processor     *billing.Processor
	Accounts      *billing.Accounts
	Lifecycle     *subscription.Lifecycle
}

func New(ctx context.Context, option Options) (*App, error) {
	if option.Config == nil {
		return nil, fmt.Errorf("nil Config is invalid")
	}
	if option.Logger == nil {
		return nil, fmt.Errorf("nil Logger is invalid")
	}
	cfg := option.Config
	logger := option.Logger

	a := &App{
		Options:   option,
		Registry:  prometheus.NewRegistry(),
		Publisher: broker.NopPublisher{},
	}
	a.Registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	a.Metrics = metrics.New(a.Registry)

	var err error
	if a.DB == nil {
		a.DB, err = db.New(db.Options{
			URI:    cfg.PostgresURI,
			Logger: logger,
		})
		if err != nil {
			return nil, extErrors.Wrap(err, "Cannot connect to Postgres")
		}
	}

	if a.Gateway == nil {
		a.Gateway, err = external.NewStripeGateway(external.StripeOptions{
			Client: external.NewStripeClient(cfg.StripeKey, nil),
			Logger: logger,
		})
		if err != nil {
			return nil, extErrors.Wrap(err, "Cannot initialize StripeGateway")
		}
	}

	if len(cfg.AMQPURI) > 0 {
		amqpBroker, err := broker.NewAMQPBroker(cfg.AMQPURI)
		if err != nil {
			return nil, err
		}
		a.Publisher = amqpBroker
	} else {
		logger.Info("AMQP_URI not set, billing events will not be published")
	}

	if err := a.managers(logger); err != nil {
		a.Close()
		return nil, err
	}

	if len(cfg.PlansFile) > 0 {
		defs, err := plan.LoadDefinitions(cfg.PlansFile)
		if err != nil {
			a.Close()
			return nil, err
		}
		if err := a.Plans.EnsurePlans(ctx, defs); err != nil {
			a.Close()
			return nil, extErrors.Wrap(err, "Cannot seed pricing plans")
		}
		logger.Info("Pricing plans seeded", zap.Int("Plans", len(defs)))
	}

	return a, nil
}

func (a *App) managers(logger *zap.Logger) error {
	cfg := a.Config
	var err error

	a.Plans, err = plan.NewManager(plan.ManagerOptions{
		DB:     a.DB,
		Logger: logger,
	})
	if err != nil {
		return extErrors.Wrap(err, "Cannot initialize PlanManager")
	}

	a.Organizations, err = organization.NewManager(organization.ManagerOptions{
		DB:     a.DB,
		Logger: logger,
	})
	if err != nil {
		return extErrors.Wrap(err, "Cannot initialize OrganizationManager")
	}

	a.Subscriptions, err = subscription.NewManager(subscription.ManagerOptions{
		DB:        a.DB,
		Logger:    logger,
		Publisher: a.Publisher,
		Metrics:   a.Metrics,
	})
	if err != nil {
		return extErrors.Wrap(err, "Cannot initialize SubscriptionManager")
	}

	a.Usage, err = usage.NewManager(usage.ManagerOptions{
		DB:            a.DB,
		Subscriptions: a.Subscriptions,
		Logger:        logger,
		Metrics:       a.Metrics,
	})
	if err != nil {
		return extErrors.Wrap(err, "Cannot initialize UsageManager")
	}

	a.Records, err = billing.NewRecordManager(billing.RecordManagerOptions{
		DB:     a.DB,
		Logger: logger,
	})
	if err != nil {
		return extErrors.Wrap(err, "Cannot initialize RecordManager")
	}

	a.Pricing, err = pricing.NewEngine(pricing.EngineOptions{
		Plans:         a.Plans,
		Organizations: a.Organizations,
		Subscriptions: a.Subscriptions,
		Logger:        logger,
	})
	if err != nil {
		return extErrors.Wrap(err, "Cannot initialize PricingEngine")
	}

	a.Processor, err = billing.NewProcessor(billing.ProcessorOptions{
		Subscriptions: a.Subscriptions,
		Records:       a.Records,
		Pricing:       a.Pricing,
		Usage:         a.Usage,
		Organizations: a.Organizations,
		Gateway:       a.Gateway,
		Publisher:     a.Publisher,
		Metrics:       a.Metrics,
		Logger:        logger,
		Settings:      cfg.BillingSettings(),
	})
	if err != nil {
		return extErrors.Wrap(err, "Cannot initialize BillingProcessor")
	}

	a.Accounts, err = billing.NewAccounts(billing.AccountsOptions{
		Plans:         a.Plans,
		Organizations: a.Organizations,
		Subscriptions: a.Subscriptions,
		Usage:         a.Usage,
		Processor:     a.Processor,
		Gateway:       a.Gateway,
		Logger:        logger,
	})
	if err != nil {
		return extErrors.Wrap(err, "Cannot initialize Accounts")
	}

	a.Lifecycle, err = subscription.NewLifecycle(subscription.LifecycleOptions{
		Subscriptions:   a.Subscriptions,
		Biller:          a.Processor,
		Logger:          logger,
		FirstPeriod:     cfg.TrialPeriod,
		SuspensionGrace: cfg.SuspensionGrace,
		RenewalHorizon:  cfg.RenewalHorizon,
	})
	if err != nil {
		return extErrors.Wrap(err, "Cannot initialize Lifecycle")
	}
	return nil
}

// Close releases the broker and database connections
func (a *App) Close() {
	a.Publisher.Close()
	if pool, err := a.DB.DB(); err == nil {
		pool.Close()
	}
}
