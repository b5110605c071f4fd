package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/MarkoPoloResearchLab/mailcredits/pkg/ledger"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/require"
)

const sampleConfig = `
database_url: postgres://ledger@localhost/mailcredits
store_driver: PGX
allowed_origins: ["https://app.example.com", " https://admin.example.com "]
stripe_webhook_secret: whsec_file
session:
  signing_key: file-key
  admin_role: operator
sweep:
  interval: 15m
  redis_url: redis://localhost:6379/0
plans:
  - id: monthly
    duration_months: 1
    free_credits_per_month: 5
    bonus_credits_per_month: 20
    price_ids: [price_monthly]
  - id: annual
    duration_months: 12
    free_credits_per_month: 5
    bonus_credits_per_month: 30
    price_ids: [price_annual]
packages:
  - id: credits_5
    credits: 5
    price_cents: 500
prices:
  scan: 2
  delivery: 3
free_tier:
  credits: 5
`

func TestValidateFillsDefaults(t *testing.T) {
	cfg := Config{}
	require.NoError(t, cfg.Validate())

	require.Equal(t, defaultDatabaseURL, cfg.DatabaseURL)
	require.Equal(t, StoreDriverGorm, cfg.StoreDriver)
	require.Equal(t, []string{defaultAllowedOrigin}, cfg.AllowedOrigins)
	require.Equal(t, ledger.DefaultMaxAttempts, cfg.RetryMaxAttempts)
	require.Equal(t, 30*24*time.Hour, cfg.GrantCadence)
	require.Equal(t, defaultAdminRole, cfg.Session.AdminRole)
	require.Len(t, cfg.Plans, 3)
	require.Len(t, cfg.Packages, 3)
	require.Equal(t, PricesConfig{Scan: 1, Delivery: 2}, cfg.Prices)
	require.Equal(t, int64(0), cfg.FreeTier.Credits)

	catalog, err := cfg.PlanCatalog()
	require.NoError(t, err)
	annualID, err := ledger.NewPlanID("annual")
	require.NoError(t, err)
	annual, err := catalog.Lookup(annualID)
	require.NoError(t, err)
	require.Equal(t, ledger.Credits(35), annual.TotalCreditsPerMonth())
}

func TestValidateRejectsBadValues(t *testing.T) {
	testCases := []struct {
		name   string
		mutate func(*Config)
	}{
		{name: "unknown driver", mutate: func(cfg *Config) { cfg.StoreDriver = "mysql" }},
		{name: "negative price", mutate: func(cfg *Config) { cfg.Prices.Scan = -1 }},
		{name: "negative free tier", mutate: func(cfg *Config) { cfg.FreeTier.Credits = -5 }},
		{name: "duplicate package price", mutate: func(cfg *Config) {
			cfg.Packages = []PackageConfig{{ID: "a", Credits: 5, PriceCents: 500}, {ID: "b", Credits: 6, PriceCents: 500}}
		}},
		{name: "blank plan id", mutate: func(cfg *Config) {
			cfg.Plans = []PlanConfig{{ID: " ", DurationMonths: 1, FreeCreditsPerMonth: 5}}
		}},
	}
	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			cfg := Config{}
			testCase.mutate(&cfg)
			require.ErrorIs(t, cfg.Validate(), ErrInvalidConfig)
		})
	}
}

func TestValidateServeRequiresSecrets(t *testing.T) {
	cfg := Config{}
	require.NoError(t, cfg.Validate())
	require.ErrorIs(t, cfg.ValidateServe(), ErrInvalidConfig)

	cfg.Session.SigningKey = "key"
	require.ErrorIs(t, cfg.ValidateServe(), ErrInvalidConfig)

	cfg.StripeWebhookSecret = "whsec"
	require.NoError(t, cfg.ValidateServe())
}

func TestLoadReadsFileAndEnvironment(t *testing.T) {
	path := filepath.Join(t.TempDir(), "creditd.yaml")
	require.NoError(t, os.WriteFile(path, []byte(sampleConfig), 0o600))
	t.Setenv("CREDITD_STRIPE_WEBHOOK_SECRET", "whsec_env")
	t.Setenv("CREDITD_SESSION_SIGNING_KEY", "env-signing-key")

	cfg, err := Load(viper.New(), path)
	require.NoError(t, err)

	require.Equal(t, StoreDriverPgx, cfg.StoreDriver)
	require.Equal(t, "whsec_env", cfg.StripeWebhookSecret)
	require.Equal(t, []string{"https://app.example.com", "https://admin.example.com"}, cfg.AllowedOrigins)
	require.Equal(t, "operator", cfg.Session.AdminRole)
	require.Equal(t, "env-signing-key", cfg.Session.SigningKey)
	require.Equal(t, 15*time.Minute, cfg.Sweep.Interval)
	require.Equal(t, "redis://localhost:6379/0", cfg.Sweep.RedisURL)
	require.Len(t, cfg.Plans, 2)
	require.Equal(t, []string{"price_monthly"}, cfg.Plans[0].PriceIDs)
	require.Equal(t, PricesConfig{Scan: 2, Delivery: 3}, cfg.Prices)

	catalog, err := cfg.PlanCatalog()
	require.NoError(t, err)
	plan, err := catalog.LookupByPrice("price_annual")
	require.NoError(t, err)
	require.Equal(t, 12, plan.DurationMonths)

	options, err := cfg.ServiceOptions()
	require.NoError(t, err)
	require.Len(t, options, 6)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(viper.New(), filepath.Join(t.TempDir(), "absent.yaml"))
	require.Error(t, err)
}

func TestParseAllowedOrigins(t *testing.T) {
	require.Equal(t, []string{}, ParseAllowedOrigins("  "))
	require.Equal(t, []string{"a", "b"}, ParseAllowedOrigins("a, ,b"))
}
