package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Port                    string        `mapstructure:"PORT"`
	Env                     string        `mapstructure:"ENV"`
	LogLevel                string        `mapstructure:"LOG_LEVEL"`
	DatabaseURL             string        `mapstructure:"DATABASE_URL"`
	DBMaxConns              int32         `mapstructure:"DB_MAX_CONNS"`
	DBMinConns              int32         `mapstructure:"DB_MIN_CONNS"`
	SettingsFile            string        `mapstructure:"SETTINGS_FILE"`
	ResultCacheTTL          time.Duration `mapstructure:"RESULT_CACHE_TTL"`
	TerminologyCacheTTL     time.Duration `mapstructure:"TERMINOLOGY_CACHE_TTL"`
	BreakerFailureThreshold int           `mapstructure:"BREAKER_FAILURE_THRESHOLD"`
	BreakerResetTimeout     time.Duration `mapstructure:"BREAKER_RESET_TIMEOUT"`
	StructuralValidatorCmd  string        `mapstructure:"STRUCTURAL_VALIDATOR_CMD"`
	ProfileDir              string        `mapstructure:"PROFILE_DIR"`
	PackageRegistryURL      string        `mapstructure:"PACKAGE_REGISTRY_URL"`
	ResourceServers         string        `mapstructure:"RESOURCE_SERVERS"`
	AuditWebhookURL         string        `mapstructure:"AUDIT_WEBHOOK_URL"`
	AuditWebhookSecret      string        `mapstructure:"AUDIT_WEBHOOK_SECRET"`
	CORSOrigins             []string      `mapstructure:"CORS_ORIGINS"`
	RequestTimeout          time.Duration `mapstructure:"REQUEST_TIMEOUT"`
	BodyLimit               string        `mapstructure:"BODY_LIMIT"`
	RateLimitRPS            float64       `mapstructure:"RATE_LIMIT_RPS"`
	RateLimitBurst          int           `mapstructure:"RATE_LIMIT_BURST"`
	EngineVersion           string        `mapstructure:"ENGINE_VERSION"`
}

var keys = []string{
	"PORT", "ENV", "LOG_LEVEL", "DATABASE_URL", "DB_MAX_CONNS", "DB_MIN_CONNS",
	"SETTINGS_FILE", "RESULT_CACHE_TTL", "TERMINOLOGY_CACHE_TTL",
	"BREAKER_FAILURE_THRESHOLD", "BREAKER_RESET_TIMEOUT", "STRUCTURAL_VALIDATOR_CMD",
	"PROFILE_DIR", "PACKAGE_REGISTRY_URL", "RESOURCE_SERVERS", "AUDIT_WEBHOOK_URL",
	"AUDIT_WEBHOOK_SECRET", "CORS_ORIGINS", "REQUEST_TIMEOUT", "BODY_LIMIT",
	"RATE_LIMIT_RPS", "RATE_LIMIT_BURST", "ENGINE_VERSION",
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.SetConfigType("env")
	v.AutomaticEnv()

	v.SetDefault("PORT", "8000")
	v.SetDefault("ENV", "development")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("DB_MAX_CONNS", 20)
	v.SetDefault("DB_MIN_CONNS", 2)
	v.SetDefault("RESULT_CACHE_TTL", "1h")
	v.SetDefault("TERMINOLOGY_CACHE_TTL", "24h")
	v.SetDefault("BREAKER_FAILURE_THRESHOLD", 3)
	v.SetDefault("BREAKER_RESET_TIMEOUT", "30s")
	v.SetDefault("PACKAGE_REGISTRY_URL", "https://packages.fhir.org")
	v.SetDefault("CORS_ORIGINS", "http://localhost:3000")
	v.SetDefault("REQUEST_TIMEOUT", "60s")
	v.SetDefault("BODY_LIMIT", "10M")
	v.SetDefault("RATE_LIMIT_RPS", 50)
	v.SetDefault("RATE_LIMIT_BURST", 100)
	v.SetDefault("ENGINE_VERSION", "1.0.0")

	// Unmarshal only sees env vars that are bound.
	for _, k := range keys {
		_ = v.BindEnv(k)
	}

	// .env is optional.
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	cfg.CORSOrigins = splitList(strings.Join(cfg.CORSOrigins, ","))
	return cfg, nil
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// Validate rejects configurations the server cannot start with.
func (c *Config) Validate() error {
	if c.Port == "" {
		return fmt.Errorf("PORT is required")
	}
	if c.DBMinConns > c.DBMaxConns {
		return fmt.Errorf("DB_MIN_CONNS (%d) exceeds DB_MAX_CONNS (%d)", c.DBMinConns, c.DBMaxConns)
	}
	if c.ResultCacheTTL <= 0 || c.TerminologyCacheTTL <= 0 {
		return fmt.Errorf("RESULT_CACHE_TTL and TERMINOLOGY_CACHE_TTL must be positive")
	}
	if c.BreakerFailureThreshold < 1 {
		return fmt.Errorf("BREAKER_FAILURE_THRESHOLD must be at least 1, got %d", c.BreakerFailureThreshold)
	}
	if _, err := c.ResourceServerMap(); err != nil {
		return err
	}
	if c.AuditWebhookURL != "" {
		if err := checkURL("AUDIT_WEBHOOK_URL", c.AuditWebhookURL); err != nil {
			return err
		}
		if c.AuditWebhookSecret == "" {
			return fmt.Errorf("AUDIT_WEBHOOK_SECRET is required when AUDIT_WEBHOOK_URL is set")
		}
	}
	if c.PackageRegistryURL != "" {
		if err := checkURL("PACKAGE_REGISTRY_URL", c.PackageRegistryURL); err != nil {
			return err
		}
	}
	return nil
}

// ResourceServerMap parses RESOURCE_SERVERS ("id=url,id=url") into the base
// URL of each FHIR server that references are resolved against.
func (c *Config) ResourceServerMap() (map[string]string, error) {
	out := make(map[string]string)
	for _, item := range splitList(c.ResourceServers) {
		id, base, ok := strings.Cut(item, "=")
		id, base = strings.TrimSpace(id), strings.TrimSpace(base)
		if !ok || id == "" || base == "" {
			return nil, fmt.Errorf("RESOURCE_SERVERS entry %q must be id=url", item)
		}
		if err := checkURL("RESOURCE_SERVERS["+id+"]", base); err != nil {
			return nil, err
		}
		if _, dup := out[id]; dup {
			return nil, fmt.Errorf("RESOURCE_SERVERS lists %q twice", id)
		}
		out[id] = base
	}
	return out, nil
}

func checkURL(key, raw string) error {
	u, err := url.Parse(raw)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("%s must be an http(s) URL, got %q", key, raw)
	}
	return nil
}

func splitList(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
