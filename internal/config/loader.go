package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// Load reads the TOML file at path over Defaults and applies RISKD_*
// environment overrides. An empty path skips the file. The result is not
// validated; call Validate.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if path != "" {
		md, err := toml.DecodeFile(path, &cfg)
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				return nil, fmt.Errorf("config: %s not found", path)
			}
			return nil, fmt.Errorf("config: decode %s: %w", path, err)
		}
		if undec := md.Undecoded(); len(undec) > 0 {
			keys := make([]string, len(undec))
			for i, k := range undec {
				keys[i] = k.String()
			}
			return nil, fmt.Errorf("config: unknown keys in %s: %s", path, strings.Join(keys, ", "))
		}
	}

	// .env is optional.
	_ = godotenv.Load()

	applyEnvOverrides(&cfg)
	return &cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	setStr(&cfg.LogLevel, "RISKD_LOG_LEVEL")

	// ── Server ──
	setInt(&cfg.Server.Port, "RISKD_SERVER_PORT")
	setInt(&cfg.Server.Port, "PORT") // compatibility alias
	setDuration(&cfg.Server.ShutdownTimeout, "RISKD_SERVER_SHUTDOWN_TIMEOUT")

	// ── Database ──
	setStr(&cfg.Database.DSN, "RISKD_DATABASE_DSN")
	setStr(&cfg.Database.DSN, "DATABASE_URL") // compatibility alias
	setBool(&cfg.Database.Migrate, "RISKD_DATABASE_MIGRATE")

	// ── Redis ──
	setStr(&cfg.Redis.URL, "RISKD_REDIS_URL")
	setStr(&cfg.Redis.URL, "REDIS_URL") // compatibility alias
	setDuration(&cfg.Redis.CacheTTL, "RISKD_REDIS_CACHE_TTL")
	setDuration(&cfg.Redis.LeaseTTL, "RISKD_REDIS_LEASE_TTL")

	// ── Kafka ──
	setStringSlice(&cfg.Kafka.Brokers, "RISKD_KAFKA_BROKERS")
	setStr(&cfg.Kafka.Topic, "RISKD_KAFKA_TOPIC")
	setStr(&cfg.Kafka.GroupID, "RISKD_KAFKA_GROUP_ID")
	setDuration(&cfg.Kafka.PollTimeout, "RISKD_KAFKA_POLL_TIMEOUT")
	setInt(&cfg.Kafka.BatchSize, "RISKD_KAFKA_BATCH_SIZE")

	// ── S3 ──
	setStr(&cfg.S3.Bucket, "RISKD_S3_BUCKET")
	setStr(&cfg.S3.Region, "RISKD_S3_REGION")
	setStr(&cfg.S3.Endpoint, "RISKD_S3_ENDPOINT")
	setStr(&cfg.S3.AccessKey, "RISKD_S3_ACCESS_KEY")
	setStr(&cfg.S3.SecretKey, "RISKD_S3_SECRET_KEY")
	setBool(&cfg.S3.ForcePathStyle, "RISKD_S3_FORCE_PATH_STYLE")
	setStr(&cfg.S3.Prefix, "RISKD_S3_PREFIX")

	// ── Gateway ──
	setStr(&cfg.Gateway.BaseURL, "RISKD_GATEWAY_BASE_URL")
	setStr(&cfg.Gateway.Token, "RISKD_GATEWAY_TOKEN")
	setDuration(&cfg.Gateway.Timeout, "RISKD_GATEWAY_TIMEOUT")

	// ── Margin ──
	setStr(&cfg.Margin.Fallback, "RISKD_MARGIN_FALLBACK")

	// ── VaR ──
	setFloat64(&cfg.VaR.Confidence, "RISKD_VAR_CONFIDENCE")
	setInt(&cfg.VaR.Iterations, "RISKD_VAR_ITERATIONS")
	setFloat64(&cfg.VaR.Volatility, "RISKD_VAR_VOLATILITY")
	setInt(&cfg.VaR.Workers, "RISKD_VAR_WORKERS")
	setUint64(&cfg.VaR.Seed, "RISKD_VAR_SEED")

	// ── Panic ──
	setStr(&cfg.Panic.AuthorizedIdentity, "RISKD_PANIC_AUTHORIZED_IDENTITY")

	// ── Surveillance ──
	setInt(&cfg.Surveillance.WashThreshold, "RISKD_SURVEILLANCE_WASH_THRESHOLD")
	setBool(&cfg.Surveillance.AutoHalt, "RISKD_SURVEILLANCE_AUTO_HALT")
	setStr(&cfg.Surveillance.HaltIdentity, "RISKD_SURVEILLANCE_HALT_IDENTITY")

	// ── Insurance ──
	setFloat64(&cfg.Insurance.InitialBalance, "RISKD_INSURANCE_INITIAL_BALANCE")
	setFloat64(&cfg.Insurance.LossFraction, "RISKD_INSURANCE_LOSS_FRACTION")
	setFloat64(&cfg.Insurance.MaxDeficit, "RISKD_INSURANCE_MAX_DEFICIT")

	// ── Loop ──
	setDuration(&cfg.Loop.TickInterval, "RISKD_LOOP_TICK_INTERVAL")
	setInt(&cfg.Loop.Concurrency, "RISKD_LOOP_CONCURRENCY")
	setDuration(&cfg.Loop.CallTimeout, "RISKD_LOOP_CALL_TIMEOUT")

	// ── Retry ──
	setInt(&cfg.Retry.MaxTries, "RISKD_RETRY_MAX_TRIES")
	setDuration(&cfg.Retry.InitialInterval, "RISKD_RETRY_INITIAL_INTERVAL")
	setDuration(&cfg.Retry.MaxInterval, "RISKD_RETRY_MAX_INTERVAL")
	setDuration(&cfg.Retry.AttemptTimeout, "RISKD_RETRY_ATTEMPT_TIMEOUT")
}

func setStr(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setUint64(dst *uint64, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseUint(v, 10, 64); err == nil {
			*dst = n
		}
	}
}

func setFloat64(dst *float64, key string) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setDuration(dst *duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			dst.Duration = d
		}
	}
}

func setStringSlice(dst *[]string, key string) {
	if v := os.Getenv(key); v != "" {
		parts := strings.Split(v, ",")
		cleaned := make([]string, 0, len(parts))
		for _, p := range parts {
			p = strings.TrimSpace(p)
			if p != "" {
				cleaned = append(cleaned, p)
			}
		}
		if len(cleaned) > 0 {
			*dst = cleaned
		}
	}
}
