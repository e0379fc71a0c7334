// Package config reads the billing engine's settings from the environment.
package config

import (
	"os"
	"strconv"
	"time"

	"github.com/shiftwise/billing/billing"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	extErrors "github.com/pkg/errors"
	"github.com/shopspring/decimal"
)

var validate = validator.New()

type Environment string

const (
	EnvDevelopment Environment = "development"
	EnvProduction  Environment = "production"
)

type Config struct {
	Env         Environment `validate:"oneof=development production"`
	HTTPAddr    string      `validate:"required"`
	PostgresURI string      `validate:"required"`
	StripeKey   string      `validate:"required"`
	RedisURI    string
	RedisPW     string
	AMQPURI     string
	SentryDSN   string
	PlansFile   string

	Currency           string        `validate:"required,len=3"`
	Interval           time.Duration `validate:"gte=1000000000"`
	InitialDelay       time.Duration `validate:"gte=0"`
	SuspensionGrace    time.Duration `validate:"gt=0"`
	RenewalHorizon     time.Duration `validate:"gt=0"`
	TrialPeriod        time.Duration `validate:"gt=0"`
	GatewayTimeout     time.Duration `validate:"gt=0"`
	LockTTL            time.Duration `validate:"gt=0"`
	ProrationDays      int           `validate:"gt=0"`
	ProrationBasis     string        `validate:"oneof=per_seat_price seat_charge"`
	TaxRate            decimal.Decimal
	ProrationThreshold decimal.Decimal
	OverageThreshold   decimal.Decimal
}

// Production reports whether BILLING_ENV asks for production logging
func (c *Config) Production() bool {
	return c.Env == EnvProduction
}

// DotFile is the .env file read for env
func DotFile(env string) string {
	if env == string(EnvProduction) {
		return ".env.production"
	}
	return ".env.development"
}

// Load reads dotFile, when it exists, into the process environment and builds the Config from it
func Load(dotFile string) (*Config, error) {
	if err := godotenv.Load(dotFile); err != nil && !os.IsNotExist(err) {
		return nil, extErrors.Wrap(err, "Cannot load configurations from .env")
	}
	return FromEnv(os.LookupEnv)
}

type reader struct {
	lookup func(string) (string, bool)
	err    error
}

func (r *reader) str(key, def string) string {
	if v, ok := r.lookup(key); ok && len(v) > 0 {
		return v
	}
	return def
}

func (r *reader) duration(key string, def time.Duration) time.Duration {
	v := r.str(key, "")
	if len(v) == 0 || r.err != nil {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		r.err = extErrors.Wrapf(err, "Invalid %s", key)
		return def
	}
	return d
}

func (r *reader) integer(key string, def int) int {
	v := r.str(key, "")
	if len(v) == 0 || r.err != nil {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		r.err = extErrors.Wrapf(err, "Invalid %s", key)
		return def
	}
	return n
}

func (r *reader) decimal(key string, def decimal.Decimal) decimal.Decimal {
	v := r.str(key, "")
	if len(v) == 0 || r.err != nil {
		return def
	}
	d, err := decimal.NewFromString(v)
	if err != nil {
		r.err = extErrors.Wrapf(err, "Invalid %s", key)
		return def
	}
	if d.IsNegative() {
		r.err = extErrors.Errorf("Invalid %s: must not be negative", key)
		return def
	}
	return d
}

// FromEnv builds the Config from lookup, usually os.LookupEnv
func FromEnv(lookup func(string) (string, bool)) (*Config, error) {
	def := billing.DefaultSettings()
	r := &reader{lookup: lookup}

	cfg := &Config{
		Env:         Environment(r.str("BILLING_ENV", string(EnvDevelopment))),
		HTTPAddr:    r.str("HTTP_ADDR", ":42069"),
		PostgresURI: r.str("POSTGRES_URI", ""),
		StripeKey:   r.str("STRIPE_KEY", ""),
		RedisURI:    r.str("REDIS_URI", ""),
		RedisPW:     r.str("REDIS_PW", ""),
		AMQPURI:     r.str("AMQP_URI", ""),
		SentryDSN:   r.str("SENTRY_DSN", ""),
		PlansFile:   r.str("PLANS_FILE", ""),

		Currency:           r.str("BILLING_CURRENCY", def.Currency),
		Interval:           r.duration("BILLING_INTERVAL", time.Hour),
		InitialDelay:       r.duration("BILLING_INITIAL_DELAY", 10*time.Second),
		SuspensionGrace:    r.duration("BILLING_SUSPENSION_GRACE", 72*time.Hour),
		RenewalHorizon:     r.duration("BILLING_RENEWAL_HORIZON", 24*time.Hour),
		TrialPeriod:        r.duration("BILLING_TRIAL_PERIOD", 30*24*time.Hour),
		GatewayTimeout:     r.duration("BILLING_GATEWAY_TIMEOUT", def.GatewayTimeout),
		LockTTL:            r.duration("BILLING_LOCK_TTL", 55*time.Minute),
		ProrationDays:      r.integer("BILLING_PRORATION_DAYS", def.ProrationDays),
		ProrationBasis:     r.str("BILLING_PRORATION_BASIS", string(def.ProrationBasis)),
		TaxRate:            r.decimal("BILLING_TAX_RATE", def.TaxRate),
		ProrationThreshold: r.decimal("BILLING_PRORATION_THRESHOLD", def.ProrationThreshold),
		OverageThreshold:   r.decimal("BILLING_OVERAGE_THRESHOLD", def.OverageThreshold),
	}
	if r.err != nil {
		return nil, r.err
	}
	if err := validate.Struct(cfg); err != nil {
		return nil, extErrors.Wrap(err, "Invalid configuration")
	}
	return cfg, nil
}

// BillingSettings applies the configured overrides to the default billing settings
func (c *Config) BillingSettings() billing.Settings {
	s := billing.DefaultSettings()
	s.Currency = c.Currency
	s.TaxRate = c.TaxRate
	s.ProrationThreshold = c.ProrationThreshold
	s.ProrationDays = c.ProrationDays
	s.ProrationBasis = billing.ProrationBasis(c.ProrationBasis)
	s.OverageThreshold = c.OverageThreshold
	s.GatewayTimeout = c.GatewayTimeout
	return s
}
