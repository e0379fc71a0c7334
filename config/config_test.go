package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/shiftwise/billing/billing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func env(m map[string]string) func(string) (string, bool) {
	return func(k string) (string, bool) {
		v, ok := m[k]
		return v, ok
	}
}

func TestFromEnvDefaults(t *testing.T) {
	cfg, err := FromEnv(env(map[string]string{
		"POSTGRES_URI": "postgres://localhost/billing",
		"STRIPE_KEY":   "sk_test_123",
	}))
	require.NoError(t, err)
	assert.False(t, cfg.Production())
	assert.Equal(t, ":42069", cfg.HTTPAddr)
	assert.Equal(t, time.Hour, cfg.Interval)
	assert.Equal(t, 10*time.Second, cfg.InitialDelay)
	assert.Equal(t, 72*time.Hour, cfg.SuspensionGrace)
	assert.Equal(t, 720*time.Hour, cfg.TrialPeriod)
	assert.Equal(t, 55*time.Minute, cfg.LockTTL)

	s := cfg.BillingSettings()
	assert.Equal(t, "gbp", s.Currency)
	assert.Equal(t, "0.20", s.TaxRate.StringFixed(2))
	assert.Equal(t, 30, s.ProrationDays)
	assert.Equal(t, billing.ProrationPerSeatPrice, s.ProrationBasis)
	assert.Equal(t, "5", s.OverageThreshold.String())
	assert.Len(t, s.OverageTiers, 3)
}

func TestFromEnvOverrides(t *testing.T) {
	cfg, err := FromEnv(env(map[string]string{
		"BILLING_ENV":                 "production",
		"POSTGRES_URI":                "postgres://db/billing",
		"STRIPE_KEY":                  "sk_live_123",
		"BILLING_CURRENCY":            "eur",
		"BILLING_INTERVAL":            "15m",
		"BILLING_TAX_RATE":            "0.21",
		"BILLING_PRORATION_DAYS":      "31",
		"BILLING_PRORATION_THRESHOLD": "0.1",
		"BILLING_PRORATION_BASIS":     "seat_charge",
	}))
	require.NoError(t, err)
	assert.True(t, cfg.Production())
	assert.Equal(t, 15*time.Minute, cfg.Interval)

	s := cfg.BillingSettings()
	assert.Equal(t, "eur", s.Currency)
	assert.Equal(t, "0.21", s.TaxRate.StringFixed(2))
	assert.Equal(t, 31, s.ProrationDays)
	assert.Equal(t, "0.1", s.ProrationThreshold.String())
	assert.Equal(t, billing.ProrationSeatCharge, s.ProrationBasis)
}

func TestFromEnvRejects(t *testing.T) {
	base := func() map[string]string {
		return map[string]string{
			"POSTGRES_URI": "postgres://localhost/billing",
			"STRIPE_KEY":   "sk_test_123",
		}
	}
	cases := map[string]func(m map[string]string){
		"missing postgres": func(m map[string]string) { delete(m, "POSTGRES_URI") },
		"missing stripe":   func(m map[string]string) { delete(m, "STRIPE_KEY") },
		"bad duration":     func(m map[string]string) { m["BILLING_INTERVAL"] = "hourly" },
		"short interval":   func(m map[string]string) { m["BILLING_INTERVAL"] = "10ms" },
		"bad tax":          func(m map[string]string) { m["BILLING_TAX_RATE"] = "twenty" },
		"negative tax":     func(m map[string]string) { m["BILLING_TAX_RATE"] = "-0.2" },
		"bad days":         func(m map[string]string) { m["BILLING_PRORATION_DAYS"] = "0" },
		"unknown env":      func(m map[string]string) { m["BILLING_ENV"] = "staging" },
		"unknown basis":    func(m map[string]string) { m["BILLING_PRORATION_BASIS"] = "daily" },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			m := base()
			mutate(m)
			_, err := FromEnv(env(m))
			assert.Error(t, err)
		})
	}
}

func TestLoad(t *testing.T) {
	dir := t.TempDir()
	dotFile := filepath.Join(dir, ".env.development")
	require.NoError(t, os.WriteFile(dotFile, []byte("POSTGRES_URI=postgres://from-file/billing\nSTRIPE_KEY=sk_file\n"), 0o600))

	// godotenv never overrides variables already set
	t.Setenv("STRIPE_KEY", "sk_env")
	t.Setenv("POSTGRES_URI", "")
	os.Unsetenv("POSTGRES_URI")

	cfg, err := Load(dotFile)
	require.NoError(t, err)
	assert.Equal(t, "postgres://from-file/billing", cfg.PostgresURI)
	assert.Equal(t, "sk_env", cfg.StripeKey)

	_, err = Load(filepath.Join(dir, "missing.env"))
	assert.NoError(t, err)
}
