// Package config assembles the service configuration from defaults, an
// optional YAML file, APIKEYD_* environment variables and command flags.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/apikeyd/apikeyd/internal/counter"
	"github.com/apikeyd/apikeyd/internal/ipallow"
	"github.com/apikeyd/apikeyd/internal/keycache"
	"github.com/apikeyd/apikeyd/internal/logging"
	"github.com/apikeyd/apikeyd/internal/service"
	"github.com/apikeyd/apikeyd/internal/store"
	"github.com/apikeyd/apikeyd/internal/usage"
)

// EnvPrefix namespaces environment overrides: server.port is read from
// APIKEYD_SERVER_PORT.
const EnvPrefix = "APIKEYD"

// Counter backends.
const (
	CounterMemory = "memory"
	CounterRedis  = "redis"
)

// Config is the complete service configuration.
type Config struct {
	Server  ServerConfig   `mapstructure:"server" yaml:"server"`
	Store   store.Config   `mapstructure:"store" yaml:"store"`
	Counter CounterConfig  `mapstructure:"counter" yaml:"counter"`
	Cache   CacheConfig    `mapstructure:"cache" yaml:"cache"`
	Auth    AuthConfig     `mapstructure:"auth" yaml:"auth"`
	Logging logging.Config `mapstructure:"logging" yaml:"logging"`
	Usage   usage.Config   `mapstructure:"usage" yaml:"usage"`
	Limits  service.Limits `mapstructure:"limits" yaml:"limits"`
}

// ServerConfig controls the HTTP server.
type ServerConfig struct {
	Host            string        `mapstructure:"host" yaml:"host"`
	Port            int           `mapstructure:"port" yaml:"port"`
	MaxBodyBytes    int64         `mapstructure:"max_body_bytes" yaml:"max_body_bytes"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout" yaml:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout" yaml:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" yaml:"shutdown_timeout"`
	// VerifyRatePerMinute caps verification calls per client IP, ahead of
	// the per-key limits. Zero disables it.
	VerifyRatePerMinute int `mapstructure:"verify_rate_per_minute" yaml:"verify_rate_per_minute"`
	// RatePerMinute caps all requests per client IP. Zero disables it.
	RatePerMinute int `mapstructure:"rate_per_minute" yaml:"rate_per_minute"`
	// TrustedProxies lists the addresses and CIDR ranges whose
	// X-Forwarded-For, X-Real-IP and X-Forwarded-Proto headers are believed.
	// Empty means forwarding headers are ignored.
	TrustedProxies []string   `mapstructure:"trusted_proxies" yaml:"trusted_proxies"`
	CORS           CORSConfig `mapstructure:"cors" yaml:"cors"`
	TLS            TLSConfig  `mapstructure:"tls" yaml:"tls"`
}

// CORSConfig controls cross-origin resource sharing.
type CORSConfig struct {
	Origins []string `mapstructure:"origins" yaml:"origins"`
	Methods []string `mapstructure:"methods" yaml:"methods"`
}

// TLSConfig enables TLS termination in the server.
type TLSConfig struct {
	Enabled  bool   `mapstructure:"enabled" yaml:"enabled"`
	CertFile string `mapstructure:"cert_file" yaml:"cert_file,omitempty"`
	KeyFile  string `mapstructure:"key_file" yaml:"key_file,omitempty"`
}

// CounterConfig selects the rate-limit and quota counter backend.
type CounterConfig struct {
	Backend       string                `mapstructure:"backend" yaml:"backend"`
	SweepInterval time.Duration         `mapstructure:"sweep_interval" yaml:"sweep_interval"`
	Redis         counter.RedisConfig   `mapstructure:"redis" yaml:"redis"`
	Breaker       counter.BreakerConfig `mapstructure:"breaker" yaml:"breaker"`
}

// CacheConfig sizes the key lookup cache. A zero TTL disables it.
type CacheConfig struct {
	TTL  time.Duration `mapstructure:"ttl" yaml:"ttl"`
	Size int           `mapstructure:"size" yaml:"size"`
}

// AuthConfig controls management API authentication.
type AuthConfig struct {
	JWTSecret string `mapstructure:"jwt_secret" yaml:"jwt_secret"`
	// APIKeyHeader is where gateway middleware and /verify read the key.
	APIKeyHeader string `mapstructure:"api_key_header" yaml:"api_key_header"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Server: ServerConfig{
			Host:                "0.0.0.0",
			Port:                8080,
			MaxBodyBytes:        1 << 20,
			ReadTimeout:         15 * time.Second,
			WriteTimeout:        30 * time.Second,
			ShutdownTimeout:     30 * time.Second,
			VerifyRatePerMinute: 600,
			TrustedProxies:      []string{},
			CORS: CORSConfig{
				Origins: []string{"*"},
				Methods: []string{"GET", "POST", "PATCH", "DELETE"},
			},
		},
		Store: store.Config{
			Driver:       store.DriverSQLite,
			MaxOpenConns: 10,
			MaxIdleConns: 5,
			ConnMaxLife:  5 * time.Minute,
		},
		Counter: CounterConfig{
			Backend:       CounterMemory,
			SweepInterval: time.Minute,
			Redis:         counter.DefaultRedisConfig(),
			Breaker: counter.BreakerConfig{
				Threshold:    10,
				FailureRatio: 0.5,
				OpenTimeout:  5 * time.Second,
			},
		},
		Cache: CacheConfig{
			TTL:  2 * time.Second,
			Size: 10000,
		},
		Auth: AuthConfig{
			APIKeyHeader: "X-API-Key",
		},
		Logging: logging.DefaultConfig(),
		Usage:   usage.DefaultConfig(),
		Limits:  service.DefaultLimits(),
	}
}

// SetDefaults registers every default on v. Viper only binds environment
// variables for keys it knows, so this must run before Load.
func SetDefaults(v *viper.Viper) error {
	data, err := yaml.Marshal(Default())
	if err != nil {
		return fmt.Errorf("encode defaults: %w", err)
	}
	var tree map[string]any
	if err := yaml.Unmarshal(data, &tree); err != nil {
		return fmt.Errorf("decode defaults: %w", err)
	}
	setTree(v, "", tree)
	// Keys omitted from the YAML form when empty still need env binding.
	for _, k := range []string{"store.dsn", "counter.redis.password", "server.tls.cert_file", "server.tls.key_file"} {
		v.SetDefault(k, "")
	}
	return nil
}

func setTree(v *viper.Viper, prefix string, tree map[string]any) {
	for k, val := range tree {
		key := k
		if prefix != "" {
			key = prefix + "." + k
		}
		if sub, ok := val.(map[string]any); ok {
			setTree(v, key, sub)
			continue
		}
		v.SetDefault(key, val)
	}
}

// NewViper returns a viper instance with defaults and environment binding.
// A non-empty file is read as YAML; a missing default file is not an error.
func NewViper(file, dataDir string) (*viper.Viper, error) {
	v := viper.New()
	if err := SetDefaults(v); err != nil {
		return nil, err
	}
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if file != "" {
		v.SetConfigFile(file)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", file, err)
		}
		return v, nil
	}

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	if dataDir != "" {
		v.AddConfigPath(dataDir)
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}
	return v, nil
}

// Load decodes v into a Config and validates it.
func Load(v *viper.Viper) (*Config, error) {
	cfg := Default()
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate reports every invalid setting at once.
func (c *Config) Validate() error {
	var errs []error
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port %d out of range", c.Server.Port))
	}
	if c.Server.TLS.Enabled && (c.Server.TLS.CertFile == "" || c.Server.TLS.KeyFile == "") {
		errs = append(errs, errors.New("server.tls requires cert_file and key_file"))
	}
	if err := ipallow.ValidateAllowList(c.Server.TrustedProxies); err != nil {
		errs = append(errs, fmt.Errorf("server.trusted_proxies: %w", err))
	}
	switch c.Store.Driver {
	case store.DriverSQLite:
	case store.DriverPostgres, store.DriverMySQL:
		if c.Store.DSN == "" {
			errs = append(errs, fmt.Errorf("store.dsn is required for %s", c.Store.Driver))
		}
	default:
		errs = append(errs, fmt.Errorf("store.driver %q: want sqlite, postgres or mysql", c.Store.Driver))
	}
	switch c.Counter.Backend {
	case CounterMemory:
	case CounterRedis:
		if c.Counter.Redis.Address == "" {
			errs = append(errs, errors.New("counter.redis.address is required"))
		}
	default:
		errs = append(errs, fmt.Errorf("counter.backend %q: want memory or redis", c.Counter.Backend))
	}
	if c.Cache.TTL < 0 || c.Cache.TTL > keycache.MaxTTL {
		errs = append(errs, fmt.Errorf("cache.ttl %s: must be between 0 and %s", c.Cache.TTL, keycache.MaxTTL))
	}
	if c.Limits.MaxKeysPerOwner < 1 {
		errs = append(errs, errors.New("limits.max_keys_per_owner must be positive"))
	}
	if c.Usage.RetentionDays < 0 {
		errs = append(errs, errors.New("usage.retention_days must not be negative"))
	}
	return errors.Join(errs...)
}

// WriteDefault writes the default configuration as YAML. An existing file is
// left alone.
func WriteDefault(path string) error {
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("%s already exists", path)
	}
	data, err := yaml.Marshal(Default())
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o600)
}
