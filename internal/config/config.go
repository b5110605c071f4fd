// Package config loads creditd settings from flags, environment and an optional YAML file.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/MarkoPoloResearchLab/mailcredits/pkg/ledger"
	"github.com/spf13/viper"
)

const (
	// EnvPrefix namespaces environment overrides, e.g. CREDITD_DATABASE_URL.
	EnvPrefix = "CREDITD"

	StoreDriverGorm = "gorm"
	StoreDriverPgx  = "pgx"

	defaultDatabaseURL       = "sqlite:///tmp/mailcredits.db"
	defaultHTTPListenAddr    = ":8080"
	defaultGRPCListenAddr    = ":7000"
	defaultAllowedOrigin     = "http://localhost:8000"
	defaultSessionIssuer     = "tauth"
	defaultSessionCookie     = "app_session"
	defaultAdminRole         = "admin"
	defaultRequestTimeout    = 5 * time.Second
	defaultSweepConcurrency  = 4
	defaultSweepLeaseTTL     = 10 * time.Minute
	defaultRetryMaxAttempts  = ledger.DefaultMaxAttempts
	defaultRetryInterval     = 25 * time.Millisecond
	defaultFreeTierEligibleD = 30
	defaultScanCredits       = 1
	defaultDeliveryCredits   = 2
	hoursPerDay              = 24
)

// environmentKeys are the scalar settings that may come from the environment.
// Viper only consults the environment for keys it already knows about.
var environmentKeys = []string{
	"database_url", "store_driver", "http_listen_addr", "grpc_listen_addr",
	"allowed_origins", "request_timeout", "stripe_webhook_secret",
	"retry_max_attempts", "retry_interval", "grant_cadence",
	"session.signing_key", "session.issuer", "session.cookie_name", "session.admin_role",
	"sweep.interval", "sweep.concurrency", "sweep.redis_url", "sweep.lease_ttl",
	"prices.scan", "prices.delivery",
	"free_tier.credits", "free_tier.eligibility_days",
}

// ErrInvalidConfig wraps every validation failure.
var ErrInvalidConfig = errors.New("invalid config")

// PlanConfig is one subscription plan in the catalog.
type PlanConfig struct {
	ID                   string   `mapstructure:"id"`
	DurationMonths       int      `mapstructure:"duration_months"`
	FreeCreditsPerMonth  int64    `mapstructure:"free_credits_per_month"`
	BonusCreditsPerMonth int64    `mapstructure:"bonus_credits_per_month"`
	PriceIDs             []string `mapstructure:"price_ids"`
}

// PackageConfig is one one-off credit package.
type PackageConfig struct {
	ID         string `mapstructure:"id"`
	Credits    int64  `mapstructure:"credits"`
	PriceCents int64  `mapstructure:"price_cents"`
}

// PricesConfig is the credit cost of each mail service.
type PricesConfig struct {
	Scan     int64 `mapstructure:"scan"`
	Delivery int64 `mapstructure:"delivery"`
}

// FreeTierConfig controls the free-tier monthly grant. Zero credits disables it.
type FreeTierConfig struct {
	Credits         int64 `mapstructure:"credits"`
	EligibilityDays int   `mapstructure:"eligibility_days"`
}

// SessionConfig configures tauth session validation.
type SessionConfig struct {
	SigningKey string `mapstructure:"signing_key"`
	Issuer     string `mapstructure:"issuer"`
	CookieName string `mapstructure:"cookie_name"`
	AdminRole  string `mapstructure:"admin_role"`
}

// SweepConfig controls scheduled grant sweeps.
type SweepConfig struct {
	Interval    time.Duration `mapstructure:"interval"`
	Concurrency int           `mapstructure:"concurrency"`
	RedisURL    string        `mapstructure:"redis_url"`
	LeaseTTL    time.Duration `mapstructure:"lease_ttl"`
}

// Config aggregates runtime settings for creditd.
type Config struct {
	DatabaseURL         string          `mapstructure:"database_url"`
	StoreDriver         string          `mapstructure:"store_driver"`
	HTTPListenAddr      string          `mapstructure:"http_listen_addr"`
	GRPCListenAddr      string          `mapstructure:"grpc_listen_addr"`
	AllowedOrigins      []string        `mapstructure:"allowed_origins"`
	RequestTimeout      time.Duration   `mapstructure:"request_timeout"`
	StripeWebhookSecret string          `mapstructure:"stripe_webhook_secret"`
	RetryMaxAttempts    int             `mapstructure:"retry_max_attempts"`
	RetryInterval       time.Duration   `mapstructure:"retry_interval"`
	GrantCadence        time.Duration   `mapstructure:"grant_cadence"`
	Session             SessionConfig   `mapstructure:"session"`
	Sweep               SweepConfig     `mapstructure:"sweep"`
	Plans               []PlanConfig    `mapstructure:"plans"`
	Packages            []PackageConfig `mapstructure:"packages"`
	Prices              PricesConfig    `mapstructure:"prices"`
	FreeTier            FreeTierConfig  `mapstructure:"free_tier"`
}

// DefaultPlans is the catalog used when the config file names none.
func DefaultPlans() []PlanConfig {
	return []PlanConfig{
		{ID: "monthly", DurationMonths: 1, FreeCreditsPerMonth: 5, BonusCreditsPerMonth: 20},
		{ID: "semiannual", DurationMonths: 6, FreeCreditsPerMonth: 5, BonusCreditsPerMonth: 25},
		{ID: "annual", DurationMonths: 12, FreeCreditsPerMonth: 5, BonusCreditsPerMonth: 30},
	}
}

// DefaultPackages is the credit package table used when the config file names none.
func DefaultPackages() []PackageConfig {
	return []PackageConfig{
		{ID: "credits_5", Credits: 5, PriceCents: 500},
		{ID: "credits_10", Credits: 10, PriceCents: 900},
		{ID: "credits_25", Credits: 25, PriceCents: 2000},
	}
}

// Load reads configuration from the viper instance. A non-empty configFile is
// read first; environment variables and bound flags override it.
func Load(source *viper.Viper, configFile string) (Config, error) {
	source.SetEnvPrefix(EnvPrefix)
	source.SetEnvKeyReplacer(strings.NewReplacer("-", "_", ".", "_"))
	source.AutomaticEnv()
	for _, key := range environmentKeys {
		if err := source.BindEnv(key); err != nil {
			return Config{}, fmt.Errorf("bind env %s: %w", key, err)
		}
	}
	if strings.TrimSpace(configFile) != "" {
		source.SetConfigFile(configFile)
		if err := source.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", configFile, err)
		}
	}
	var cfg Config
	if err := source.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	cfg.AllowedOrigins = ParseAllowedOrigins(strings.Join(cfg.AllowedOrigins, ","))
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate fills defaults and rejects values the service cannot run with.
func (cfg *Config) Validate() error {
	cfg.DatabaseURL = defaultIfEmpty(cfg.DatabaseURL, defaultDatabaseURL)
	cfg.StoreDriver = strings.ToLower(defaultIfEmpty(cfg.StoreDriver, StoreDriverGorm))
	cfg.HTTPListenAddr = defaultIfEmpty(cfg.HTTPListenAddr, defaultHTTPListenAddr)
	cfg.GRPCListenAddr = defaultIfEmpty(cfg.GRPCListenAddr, defaultGRPCListenAddr)
	if len(cfg.AllowedOrigins) == 0 {
		cfg.AllowedOrigins = []string{defaultAllowedOrigin}
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = defaultRequestTimeout
	}
	if cfg.RetryMaxAttempts <= 0 {
		cfg.RetryMaxAttempts = defaultRetryMaxAttempts
	}
	if cfg.RetryInterval <= 0 {
		cfg.RetryInterval = defaultRetryInterval
	}
	if cfg.GrantCadence <= 0 {
		cfg.GrantCadence = time.Duration(ledger.DefaultGrantCadenceSeconds) * time.Second
	}
	cfg.Session.Issuer = defaultIfEmpty(cfg.Session.Issuer, defaultSessionIssuer)
	cfg.Session.CookieName = defaultIfEmpty(cfg.Session.CookieName, defaultSessionCookie)
	cfg.Session.AdminRole = defaultIfEmpty(cfg.Session.AdminRole, defaultAdminRole)
	if cfg.Sweep.Concurrency <= 0 {
		cfg.Sweep.Concurrency = defaultSweepConcurrency
	}
	if cfg.Sweep.LeaseTTL <= 0 {
		cfg.Sweep.LeaseTTL = defaultSweepLeaseTTL
	}
	if len(cfg.Plans) == 0 {
		cfg.Plans = DefaultPlans()
	}
	if len(cfg.Packages) == 0 {
		cfg.Packages = DefaultPackages()
	}
	if cfg.Prices.Scan == 0 {
		cfg.Prices.Scan = defaultScanCredits
	}
	if cfg.Prices.Delivery == 0 {
		cfg.Prices.Delivery = defaultDeliveryCredits
	}
	if cfg.FreeTier.EligibilityDays <= 0 {
		cfg.FreeTier.EligibilityDays = defaultFreeTierEligibleD
	}

	if cfg.StoreDriver != StoreDriverGorm && cfg.StoreDriver != StoreDriverPgx {
		return fmt.Errorf("%w: store driver %q must be %s or %s", ErrInvalidConfig, cfg.StoreDriver, StoreDriverGorm, StoreDriverPgx)
	}
	if cfg.Prices.Scan < 0 || cfg.Prices.Delivery < 0 {
		return fmt.Errorf("%w: service prices must be positive", ErrInvalidConfig)
	}
	if cfg.FreeTier.Credits < 0 {
		return fmt.Errorf("%w: free tier credits must be zero or greater", ErrInvalidConfig)
	}
	if cfg.Sweep.Interval < 0 {
		return fmt.Errorf("%w: sweep interval must be zero or greater", ErrInvalidConfig)
	}
	if _, err := cfg.PlanCatalog(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	if _, err := cfg.PackageCatalog(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	return nil
}

// ValidateServe applies the extra requirements of the serve command.
func (cfg *Config) ValidateServe() error {
	if len(strings.TrimSpace(cfg.Session.SigningKey)) == 0 {
		return fmt.Errorf("%w: session signing key is required", ErrInvalidConfig)
	}
	if strings.TrimSpace(cfg.StripeWebhookSecret) == "" {
		return fmt.Errorf("%w: stripe webhook secret is required", ErrInvalidConfig)
	}
	return nil
}

// PlanCatalog builds the immutable plan catalog.
func (cfg Config) PlanCatalog() (*ledger.PlanCatalog, error) {
	plans := make([]ledger.PlanDefinition, 0, len(cfg.Plans))
	for _, plan := range cfg.Plans {
		planID, err := ledger.NewPlanID(plan.ID)
		if err != nil {
			return nil, err
		}
		freeCredits, err := ledger.NewCredits(plan.FreeCreditsPerMonth)
		if err != nil {
			return nil, fmt.Errorf("plan %s: %w", plan.ID, err)
		}
		bonusCredits, err := ledger.NewCredits(plan.BonusCreditsPerMonth)
		if err != nil {
			return nil, fmt.Errorf("plan %s: %w", plan.ID, err)
		}
		plans = append(plans, ledger.PlanDefinition{
			PlanID:               planID,
			DurationMonths:       plan.DurationMonths,
			FreeCreditsPerMonth:  freeCredits,
			BonusCreditsPerMonth: bonusCredits,
			PriceIDs:             plan.PriceIDs,
		})
	}
	return ledger.NewPlanCatalog(plans...)
}

// PackageCatalog builds the credit package table.
func (cfg Config) PackageCatalog() (*ledger.PackageCatalog, error) {
	packages := make([]ledger.CreditPackage, 0, len(cfg.Packages))
	for _, creditPackage := range cfg.Packages {
		credits, err := ledger.NewPositiveCredits(creditPackage.Credits)
		if err != nil {
			return nil, fmt.Errorf("package %s: %w", creditPackage.ID, err)
		}
		packages = append(packages, ledger.CreditPackage{
			PackageID:  creditPackage.ID,
			Credits:    credits,
			PriceCents: creditPackage.PriceCents,
		})
	}
	return ledger.NewPackageCatalog(packages...)
}

// ServiceOptions translates the ledger-related settings into service options.
func (cfg Config) ServiceOptions() ([]ledger.ServiceOption, error) {
	packages, err := cfg.PackageCatalog()
	if err != nil {
		return nil, err
	}
	scan, err := ledger.NewPositiveCredits(cfg.Prices.Scan)
	if err != nil {
		return nil, fmt.Errorf("scan price: %w", err)
	}
	delivery, err := ledger.NewPositiveCredits(cfg.Prices.Delivery)
	if err != nil {
		return nil, fmt.Errorf("delivery price: %w", err)
	}
	freeCredits, err := ledger.NewCredits(cfg.FreeTier.Credits)
	if err != nil {
		return nil, fmt.Errorf("free tier credits: %w", err)
	}
	return []ledger.ServiceOption{
		ledger.WithPackageCatalog(packages),
		ledger.WithServicePrices(ledger.ServicePrices{Scan: scan, Delivery: delivery}),
		ledger.WithFreeTierPolicy(ledger.FreeTierPolicy{
			Credits:            freeCredits,
			EligibilitySeconds: int64(cfg.FreeTier.EligibilityDays) * hoursPerDay * int64(time.Hour/time.Second),
		}),
		ledger.WithGrantCadence(cfg.GrantCadence),
		ledger.WithRetryPolicy(cfg.RetryMaxAttempts, cfg.RetryInterval),
		ledger.WithSweepConcurrency(cfg.Sweep.Concurrency),
	}, nil
}

func defaultIfEmpty(value string, fallback string) string {
	if strings.TrimSpace(value) == "" {
		return fallback
	}
	return strings.TrimSpace(value)
}

// ParseAllowedOrigins splits comma-delimited origins into a slice.
func ParseAllowedOrigins(raw string) []string {
	if strings.TrimSpace(raw) == "" {
		return []string{}
	}
	parts := strings.Split(raw, ",")
	normalized := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed == "" {
			continue
		}
		normalized = append(normalized, trimmed)
	}
	return normalized
}
