// Package config holds the riskd configuration: a TOML file merged over
// Defaults, then RISKD_* environment overrides.
package config

import (
	"errors"
	"fmt"
	"reflect"
	"sort"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"

	"github.com/atmx/risk-engine/internal/gateway"
	"github.com/atmx/risk-engine/internal/liquidation"
	"github.com/atmx/risk-engine/internal/margin"
	"github.com/atmx/risk-engine/internal/model"
	"github.com/atmx/risk-engine/internal/surveillance"
)

// Config is the top-level configuration.
type Config struct {
	LogLevel     string             `toml:"log_level" validate:"oneof=debug info warn error"`
	Server       ServerConfig       `toml:"server"`
	Database     DatabaseConfig     `toml:"database"`
	Redis        RedisConfig        `toml:"redis"`
	Kafka        KafkaConfig        `toml:"kafka"`
	S3           S3Config           `toml:"s3"`
	Gateway      GatewayConfig      `toml:"gateway"`
	Margin       MarginConfig       `toml:"margin"`
	VaR          VaRConfig          `toml:"var"`
	Panic        PanicConfig        `toml:"panic"`
	Surveillance SurveillanceConfig `toml:"surveillance"`
	Insurance    InsuranceConfig    `toml:"insurance"`
	Loop         LoopConfig         `toml:"loop"`
	Retry        RetryConfig        `toml:"retry"`
}

// duration wraps time.Duration so TOML can hold strings like "2s".
type duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

// MarshalText implements encoding.TextMarshaler.
func (d duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// ServerConfig holds HTTP server parameters.
type ServerConfig struct {
	Port            int      `toml:"port" validate:"min=1,max=65535"`
	ShutdownTimeout duration `toml:"shutdown_timeout" validate:"gt=0"`
}

// DatabaseConfig selects Postgres. An empty DSN runs on the in-memory store.
type DatabaseConfig struct {
	DSN     string `toml:"dsn"`
	Migrate bool   `toml:"migrate"`
}

// RedisConfig enables the portfolio cache, the cross-replica liquidation
// lease and the halt mirror. An empty URL disables all three.
type RedisConfig struct {
	URL      string   `toml:"url"`
	CacheTTL duration `toml:"cache_ttl" validate:"gte=0"`
	LeaseTTL duration `toml:"lease_ttl" validate:"gte=0"` // renewed at each waterfall stage
}

// KafkaConfig selects the Kafka trade feed. No brokers runs on the in-memory
// feed.
type KafkaConfig struct {
	Brokers     []string `toml:"brokers"`
	Topic       string   `toml:"topic" validate:"required_with=Brokers"`
	GroupID     string   `toml:"group_id" validate:"required_with=Brokers"`
	PollTimeout duration `toml:"poll_timeout" validate:"gte=0"`
	BatchSize   int      `toml:"batch_size" validate:"min=1"`
}

// S3Config enables archiving terminal cases to object storage.
type S3Config struct {
	Bucket         string `toml:"bucket"`
	Region         string `toml:"region" validate:"required_with=Bucket"`
	Endpoint       string `toml:"endpoint"`
	AccessKey      string `toml:"access_key"`
	SecretKey      string `toml:"secret_key"`
	ForcePathStyle bool   `toml:"force_path_style"`
	Prefix         string `toml:"prefix"`
}

// GatewayConfig points at the matching engine. An empty BaseURL runs the
// in-process simulator.
type GatewayConfig struct {
	BaseURL string   `toml:"base_url" validate:"omitempty,url"`
	Token   string   `toml:"token"`
	Timeout duration `toml:"timeout" validate:"gt=0"`

	CancelRelief float64 `toml:"sim_cancel_relief" validate:"gte=0"`
	TWAPRelief   float64 `toml:"sim_twap_relief" validate:"gte=0"`
	TWAPFraction float64 `toml:"sim_twap_fraction" validate:"gte=0,lte=1"`
}

// RateConfig is one row of the margin table.
type RateConfig struct {
	Initial     float64 `toml:"initial"`
	Maintenance float64 `toml:"maintenance"`
}

// MarginConfig holds the per-class margin rates.
type MarginConfig struct {
	Fallback string                `toml:"fallback" validate:"required"`
	Rates    map[string]RateConfig `toml:"rates" validate:"required,min=1"`
}

// VaRConfig parameterizes the Monte-Carlo estimate.
type VaRConfig struct {
	Confidence float64 `toml:"confidence" validate:"gt=0,lt=1"`
	Iterations int     `toml:"iterations" validate:"min=1"`
	Volatility float64 `toml:"volatility" validate:"gte=0"`
	Workers    int     `toml:"workers" validate:"gte=0"`
	Seed       uint64  `toml:"seed"`
}

// PanicConfig names the single identity allowed to operate the kill switch.
type PanicConfig struct {
	AuthorizedIdentity string `toml:"authorized_identity" validate:"required"`
}

// SurveillanceConfig controls the wash-trade rule.
type SurveillanceConfig struct {
	WashThreshold int    `toml:"wash_threshold" validate:"gte=0"` // 0 escalates on any wash trade
	AutoHalt      bool   `toml:"auto_halt"`
	HaltIdentity  string `toml:"halt_identity"`
}

// InsuranceConfig seeds the insurance fund.
type InsuranceConfig struct {
	InitialBalance float64 `toml:"initial_balance" validate:"gte=0"`
	LossFraction   float64 `toml:"loss_fraction" validate:"gt=0,lte=1"`
	MaxDeficit     float64 `toml:"max_deficit" validate:"gte=0"` // how far below zero takeovers may go
}

// LoopConfig controls the risk control loop.
type LoopConfig struct {
	TickInterval duration `toml:"tick_interval" validate:"gt=0"`
	Concurrency  int      `toml:"concurrency" validate:"min=1"`
	CallTimeout  duration `toml:"call_timeout" validate:"gt=0"`
}

// RetryConfig bounds collaborator retries.
type RetryConfig struct {
	MaxTries        int      `toml:"max_tries" validate:"min=1"`
	InitialInterval duration `toml:"initial_interval" validate:"gt=0"`
	MaxInterval     duration `toml:"max_interval" validate:"gt=0"`
	AttemptTimeout  duration `toml:"attempt_timeout" validate:"gt=0"`
}

// Defaults returns the built-in configuration.
func Defaults() Config {
	rates := make(map[string]RateConfig)
	for class, r := range margin.DefaultRates() {
		rates[string(class)] = RateConfig{
			Initial:     r.Initial.InexactFloat64(),
			Maintenance: r.Maintenance.InexactFloat64(),
		}
	}
	retry := liquidation.DefaultRetryPolicy()

	return Config{
		LogLevel: "info",
		Server: ServerConfig{
			Port:            8090,
			ShutdownTimeout: duration{15 * time.Second},
		},
		Redis: RedisConfig{
			CacheTTL: duration{5 * time.Second},
			LeaseTTL: duration{10 * time.Minute},
		},
		Kafka: KafkaConfig{
			Topic:       "trades",
			GroupID:     "riskd",
			PollTimeout: duration{250 * time.Millisecond},
			BatchSize:   500,
		},
		S3: S3Config{
			Region: "us-east-1",
			Prefix: "cases",
		},
		Gateway: GatewayConfig{
			Timeout:      duration{5 * time.Second},
			CancelRelief: 1000,
			TWAPRelief:   5000,
			TWAPFraction: 0.5,
		},
		Margin: MarginConfig{
			Fallback: string(model.AssetCrypto),
			Rates:    rates,
		},
		VaR: VaRConfig{
			Confidence: 0.99,
			Iterations: 10000,
			Volatility: 0.05,
		},
		Surveillance: SurveillanceConfig{
			WashThreshold: surveillance.DefaultThreshold,
		},
		Insurance: InsuranceConfig{
			InitialBalance: 10_000_000,
			LossFraction:   0.10,
			MaxDeficit:     1_000_000,
		},
		Loop: LoopConfig{
			TickInterval: duration{2 * time.Second},
			Concurrency:  8,
			CallTimeout:  duration{3 * time.Second},
		},
		Retry: RetryConfig{
			MaxTries:        int(retry.MaxTries),
			InitialInterval: duration{retry.InitialInterval},
			MaxInterval:     duration{retry.MaxInterval},
			AttemptTimeout:  duration{retry.AttemptTimeout},
		},
	}
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	// Validate duration fields as time.Duration so gt=0 works.
	v.RegisterCustomTypeFunc(func(f reflect.Value) interface{} {
		if d, ok := f.Interface().(duration); ok {
			return d.Duration
		}
		return nil
	}, duration{})
	return v
}

// Validate checks the configuration for errors that would prevent the
// engine from starting. All problems are reported together.
func (c *Config) Validate() error {
	var errs []string

	if err := validate.Struct(c); err != nil {
		var fieldErrs validator.ValidationErrors
		if !errors.As(err, &fieldErrs) {
			return fmt.Errorf("config: %w", err)
		}
		for _, fe := range fieldErrs {
			errs = append(errs, fmt.Sprintf("%s: failed %q (%s)", strings.TrimPrefix(fe.Namespace(), "Config."), fe.Tag(), fe.Param()))
		}
	}

	if _, err := c.RateTable(); err != nil {
		errs = append(errs, err.Error())
	}
	if c.Surveillance.AutoHalt && c.Surveillance.HaltIdentity == "" {
		errs = append(errs, "surveillance: halt_identity is required when auto_halt is set")
	}
	if c.Retry.MaxInterval.Duration < c.Retry.InitialInterval.Duration {
		errs = append(errs, "retry: max_interval must not be below initial_interval")
	}
	if c.S3.Endpoint != "" && c.S3.Bucket == "" {
		errs = append(errs, "s3: bucket is required when endpoint is set")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

// RateTable builds the margin table from the configured rates.
func (c *Config) RateTable() (*margin.RateTable, error) {
	names := make([]string, 0, len(c.Margin.Rates))
	for name := range c.Margin.Rates {
		names = append(names, name)
	}
	sort.Strings(names)

	rates := make(map[model.AssetClass]margin.Rate, len(names))
	for _, name := range names {
		class, err := model.ParseAssetClass(name)
		if err != nil {
			return nil, fmt.Errorf("margin.rates: %w", err)
		}
		r := c.Margin.Rates[name]
		rates[class] = margin.Rate{
			Initial:     decimal.NewFromFloat(r.Initial),
			Maintenance: decimal.NewFromFloat(r.Maintenance),
		}
	}
	fallback, err := model.ParseAssetClass(c.Margin.Fallback)
	if err != nil {
		return nil, fmt.Errorf("margin.fallback: %w", err)
	}
	table, err := margin.NewRateTable(rates, fallback)
	if err != nil {
		return nil, fmt.Errorf("margin: %w", err)
	}
	return table, nil
}

// RetryPolicy converts the retry section for the liquidation package.
func (c *Config) RetryPolicy() liquidation.RetryPolicy {
	return liquidation.RetryPolicy{
		MaxTries:        uint(c.Retry.MaxTries),
		InitialInterval: c.Retry.InitialInterval.Duration,
		MaxInterval:     c.Retry.MaxInterval.Duration,
		AttemptTimeout:  c.Retry.AttemptTimeout.Duration,
	}
}

// SimulatorConfig converts the gateway simulator knobs.
func (c *Config) SimulatorConfig() gateway.SimulatorConfig {
	return gateway.SimulatorConfig{
		CancelRelief: decimal.NewFromFloat(c.Gateway.CancelRelief),
		TWAPRelief:   decimal.NewFromFloat(c.Gateway.TWAPRelief),
		TWAPFraction: decimal.NewFromFloat(c.Gateway.TWAPFraction),
	}
}
