package config

import (
	"fmt"
	"log"
	"net"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Port                string        `mapstructure:"PORT"`
	Env                 string        `mapstructure:"ENV"`
	DatabaseURL         string        `mapstructure:"DATABASE_URL"`
	DBMaxConns          int32         `mapstructure:"DB_MAX_CONNS"`
	DBMinConns          int32         `mapstructure:"DB_MIN_CONNS"`
	RedisURL            string        `mapstructure:"REDIS_URL"`
	BaseURL             string        `mapstructure:"BASE_URL"`
	AssetPublicBase     string        `mapstructure:"ASSET_PUBLIC_BASE"`
	CountryHeader       string        `mapstructure:"COUNTRY_HEADER"`
	RateLimitFailOpen   bool          `mapstructure:"RATE_LIMIT_FAIL_OPEN"`
	EmergencyRateLimit  int           `mapstructure:"EMERGENCY_RATE_LIMIT"`
	EmergencyRateWindow time.Duration `mapstructure:"EMERGENCY_RATE_WINDOW"`
	ScanLogWait         time.Duration `mapstructure:"SCAN_LOG_WAIT"`
	ScanWriteTimeout    time.Duration `mapstructure:"SCAN_WRITE_TIMEOUT"`
	RequestTimeout      time.Duration `mapstructure:"REQUEST_TIMEOUT"`
	MaxActiveTags       int           `mapstructure:"MAX_ACTIVE_TAGS"`
	NoLogAllowed        *bool         `mapstructure:"NO_LOG_ALLOWED"`
	AuthSecret          string        `mapstructure:"AUTH_SECRET"`
	AuthIssuer          string        `mapstructure:"AUTH_ISSUER"`
	AuthAudience        string        `mapstructure:"AUTH_AUDIENCE"`
	CORSOrigins         []string      `mapstructure:"CORS_ORIGINS"`
	TrustedProxies      []string      `mapstructure:"TRUSTED_PROXIES"`
	HashKey             string        `mapstructure:"HASH_KEY"`
	SentryDSN           string        `mapstructure:"SENTRY_DSN"`
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("PORT", "8000")
	v.SetDefault("ENV", "development")
	v.SetDefault("DB_MAX_CONNS", 20)
	v.SetDefault("DB_MIN_CONNS", 2)
	v.SetDefault("REDIS_URL", "redis://localhost:6379/0")
	v.SetDefault("BASE_URL", "http://localhost:3000")
	v.SetDefault("ASSET_PUBLIC_BASE", "http://localhost:9000/vitaltags")
	v.SetDefault("COUNTRY_HEADER", "CF-IPCountry")
	v.SetDefault("RATE_LIMIT_FAIL_OPEN", true)
	v.SetDefault("EMERGENCY_RATE_LIMIT", 60)
	v.SetDefault("EMERGENCY_RATE_WINDOW", "60s")
	v.SetDefault("SCAN_LOG_WAIT", "150ms")
	v.SetDefault("SCAN_WRITE_TIMEOUT", "2s")
	v.SetDefault("REQUEST_TIMEOUT", "10s")
	v.SetDefault("MAX_ACTIVE_TAGS", 3)
	v.SetDefault("CORS_ORIGINS", "http://localhost:3000")

	for _, key := range []string{
		"PORT", "ENV", "DATABASE_URL", "DB_MAX_CONNS", "DB_MIN_CONNS", "REDIS_URL",
		"BASE_URL", "ASSET_PUBLIC_BASE", "COUNTRY_HEADER", "RATE_LIMIT_FAIL_OPEN",
		"EMERGENCY_RATE_LIMIT", "EMERGENCY_RATE_WINDOW", "SCAN_LOG_WAIT",
		"SCAN_WRITE_TIMEOUT", "REQUEST_TIMEOUT", "MAX_ACTIVE_TAGS", "NO_LOG_ALLOWED",
		"AUTH_SECRET", "AUTH_ISSUER", "AUTH_AUDIENCE", "CORS_ORIGINS", "SENTRY_DSN",
		"TRUSTED_PROXIES", "HASH_KEY",
	} {
		v.BindEnv(key)
	}

	// Try reading .env file, but don't fail if missing
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if len(cfg.CORSOrigins) <= 1 {
		origins := v.GetString("CORS_ORIGINS")
		if origins != "" {
			cfg.CORSOrigins = strings.Split(origins, ",")
		}
	}
	cfg.TrustedProxies = splitList(v.GetString("TRUSTED_PROXIES"))
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	cfg.AssetPublicBase = strings.TrimRight(cfg.AssetPublicBase, "/")

	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}

	if cfg.IsDev() {
		log.Println("WARNING: running in DEVELOPMENT mode (ENV=development); no_log is honoured for every caller.")
	}

	return cfg, nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// TrustedProxyNets parses TRUSTED_PROXIES. A bare address is taken as a
// single-host range.
func (c *Config) TrustedProxyNets() ([]*net.IPNet, error) {
	nets := make([]*net.IPNet, 0, len(c.TrustedProxies))
	for _, entry := range c.TrustedProxies {
		if !strings.Contains(entry, "/") {
			ip := net.ParseIP(entry)
			if ip == nil {
				return nil, fmt.Errorf("TRUSTED_PROXIES: invalid address %q", entry)
			}
			bits := 8 * net.IPv6len
			if ip.To4() != nil {
				ip, bits = ip.To4(), 8*net.IPv4len
			}
			nets = append(nets, &net.IPNet{IP: ip, Mask: net.CIDRMask(bits, bits)})
			continue
		}
		_, n, err := net.ParseCIDR(entry)
		if err != nil {
			return nil, fmt.Errorf("TRUSTED_PROXIES: %w", err)
		}
		nets = append(nets, n)
	}
	return nets, nil
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// IsProduction returns true when the server is configured for production mode.
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// AllowNoLog reports whether the public no_log query flag is honoured. An
// explicit NO_LOG_ALLOWED wins; otherwise only development honours it.
func (c *Config) AllowNoLog() bool {
	if c.NoLogAllowed != nil {
		return *c.NoLogAllowed
	}
	return c.IsDev()
}

// Validate checks that the configuration is safe to run.
func (c *Config) Validate() error {
	if !c.IsDev() && c.AuthSecret == "" {
		return fmt.Errorf("AUTH_SECRET is required outside development (current ENV=%q)", c.Env)
	}
	if c.AuthSecret != "" && len(c.AuthSecret) < 32 {
		return fmt.Errorf("AUTH_SECRET must be at least 32 characters, got %d", len(c.AuthSecret))
	}
	if !c.IsDev() && c.HashKey == "" {
		return fmt.Errorf("HASH_KEY is required outside development (current ENV=%q)", c.Env)
	}
	if c.HashKey != "" && len(c.HashKey) < 32 {
		return fmt.Errorf("HASH_KEY must be at least 32 characters, got %d", len(c.HashKey))
	}
	if _, err := c.TrustedProxyNets(); err != nil {
		return err
	}
	if c.EmergencyRateLimit <= 0 {
		return fmt.Errorf("EMERGENCY_RATE_LIMIT must be positive, got %d", c.EmergencyRateLimit)
	}
	if c.EmergencyRateWindow < time.Second {
		return fmt.Errorf("EMERGENCY_RATE_WINDOW must be at least 1s, got %s", c.EmergencyRateWindow)
	}
	// SCAN_LOG_WAIT=0 responds without waiting for the scan write.
	if c.ScanLogWait < 0 || c.ScanWriteTimeout <= 0 {
		return fmt.Errorf("SCAN_LOG_WAIT must be >= 0 and SCAN_WRITE_TIMEOUT > 0")
	}
	if c.MaxActiveTags <= 0 {
		return fmt.Errorf("MAX_ACTIVE_TAGS must be positive, got %d", c.MaxActiveTags)
	}
	if c.BaseURL == "" {
		return fmt.Errorf("BASE_URL is required")
	}
	return nil
}
