package config

import (
	"fmt"
	"net/netip"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// Settings is the top-level keygate configuration. It is read through viper
// (file, KEYGATE_* environment, flags) and written as YAML by config init.
type Settings struct {
	Server  ServerConfig  `yaml:"server" mapstructure:"server"`
	Store   StoreConfig   `yaml:"store" mapstructure:"store"`
	Redis   RedisConfig   `yaml:"redis" mapstructure:"redis"`
	Auth    AuthConfig    `yaml:"auth" mapstructure:"auth"`
	Keys    KeysConfig    `yaml:"keys" mapstructure:"keys"`
	Logging LoggingConfig `yaml:"logging" mapstructure:"logging"`
}

// ServerConfig controls the HTTP server behavior.
type ServerConfig struct {
	Host            string        `yaml:"host" mapstructure:"host"`
	Port            int           `yaml:"port" mapstructure:"port"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" mapstructure:"shutdown_timeout"`
	// ManagementRate is the per-IP request budget per minute on the key
	// management API.
	ManagementRate int `yaml:"management_rate" mapstructure:"management_rate"`
	// TrustedProxies lists proxy CIDRs or addresses allowed to set
	// X-Forwarded-For and X-Real-IP. Empty trusts no one.
	TrustedProxies []string   `yaml:"trusted_proxies" mapstructure:"trusted_proxies"`
	CORS           CORSConfig `yaml:"cors" mapstructure:"cors"`
}

// CORSConfig controls cross-origin resource sharing on the management API.
type CORSConfig struct {
	Origins []string `yaml:"origins" mapstructure:"origins"`
}

// StoreConfig selects the Key Store database.
type StoreConfig struct {
	Driver  string `yaml:"driver" mapstructure:"driver"` // sqlite, postgres, mysql
	DSN     string `yaml:"dsn" mapstructure:"dsn"`
	DataDir string `yaml:"data_dir" mapstructure:"data_dir"` // sqlite only
}

// RedisConfig points at the Counter Store. An empty address selects the
// in-process counter, which is only correct for a single instance.
type RedisConfig struct {
	Addr     string        `yaml:"addr" mapstructure:"addr"`
	Password string        `yaml:"password" mapstructure:"password"`
	DB       int           `yaml:"db" mapstructure:"db"`
	Timeout  time.Duration `yaml:"timeout" mapstructure:"timeout"`
}

// AuthConfig controls owner JWT validation and key lookups.
type AuthConfig struct {
	JWTSecret     string        `yaml:"jwt_secret" mapstructure:"jwt_secret"`
	JWTExpiry     time.Duration `yaml:"jwt_expiry" mapstructure:"jwt_expiry"`
	LookupTimeout time.Duration `yaml:"lookup_timeout" mapstructure:"lookup_timeout"`
}

// KeysConfig holds key lifecycle defaults.
type KeysConfig struct {
	GracePeriod         time.Duration `yaml:"grace_period" mapstructure:"grace_period"`
	DefaultRateLimit    int           `yaml:"default_rate_limit" mapstructure:"default_rate_limit"`
	DefaultMonthlyLimit int64         `yaml:"default_monthly_limit" mapstructure:"default_monthly_limit"`
	SweepInterval       time.Duration `yaml:"sweep_interval" mapstructure:"sweep_interval"`
	ResetCheckInterval  time.Duration `yaml:"reset_check_interval" mapstructure:"reset_check_interval"`
}

// LoggingConfig controls log output.
type LoggingConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// DefaultSettings returns a configuration with sensible defaults.
func DefaultSettings() Settings {
	return Settings{
		Server: ServerConfig{
			Host:            "0.0.0.0",
			Port:            8080,
			ShutdownTimeout: 30 * time.Second,
			ManagementRate:  120,
			TrustedProxies:  []string{},
			CORS:            CORSConfig{Origins: []string{"*"}},
		},
		Store: StoreConfig{
			Driver: DriverSQLite,
		},
		Redis: RedisConfig{
			Timeout: 250 * time.Millisecond,
		},
		Auth: AuthConfig{
			JWTExpiry:     24 * time.Hour,
			LookupTimeout: 2 * time.Second,
		},
		Keys: KeysConfig{
			GracePeriod:         5 * time.Minute,
			DefaultRateLimit:    60,
			DefaultMonthlyLimit: 100000,
			SweepInterval:       30 * time.Second,
			ResetCheckInterval:  time.Hour,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// SetDefaults registers every default with v so that environment
// variables are picked up for keys absent from the config file.
func SetDefaults(v *viper.Viper) {
	d := DefaultSettings()
	v.SetDefault("server.host", d.Server.Host)
	v.SetDefault("server.port", d.Server.Port)
	v.SetDefault("server.shutdown_timeout", d.Server.ShutdownTimeout)
	v.SetDefault("server.management_rate", d.Server.ManagementRate)
	v.SetDefault("server.trusted_proxies", d.Server.TrustedProxies)
	v.SetDefault("server.cors.origins", d.Server.CORS.Origins)
	v.SetDefault("store.driver", d.Store.Driver)
	v.SetDefault("store.dsn", d.Store.DSN)
	v.SetDefault("store.data_dir", d.Store.DataDir)
	v.SetDefault("redis.addr", d.Redis.Addr)
	v.SetDefault("redis.password", d.Redis.Password)
	v.SetDefault("redis.db", d.Redis.DB)
	v.SetDefault("redis.timeout", d.Redis.Timeout)
	v.SetDefault("auth.jwt_secret", d.Auth.JWTSecret)
	v.SetDefault("auth.jwt_expiry", d.Auth.JWTExpiry)
	v.SetDefault("auth.lookup_timeout", d.Auth.LookupTimeout)
	v.SetDefault("keys.grace_period", d.Keys.GracePeriod)
	v.SetDefault("keys.default_rate_limit", d.Keys.DefaultRateLimit)
	v.SetDefault("keys.default_monthly_limit", d.Keys.DefaultMonthlyLimit)
	v.SetDefault("keys.sweep_interval", d.Keys.SweepInterval)
	v.SetDefault("keys.reset_check_interval", d.Keys.ResetCheckInterval)
	v.SetDefault("logging.level", d.Logging.Level)
	v.SetDefault("logging.format", d.Logging.Format)
}

// LoadSettings decodes v into Settings and validates the result.
func LoadSettings(v *viper.Viper) (*Settings, error) {
	SetDefaults(v)
	var s Settings
	if err := v.Unmarshal(&s); err != nil {
		return nil, fmt.Errorf("decode settings: %w", err)
	}
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return &s, nil
}

// Validate rejects settings the service cannot run with.
func (s *Settings) Validate() error {
	if _, ok := dialects[s.Store.Driver]; !ok {
		return fmt.Errorf("%w: %q", ErrUnsupportedDriver, s.Store.Driver)
	}
	if s.Store.Driver != DriverSQLite && s.Store.DSN == "" {
		return fmt.Errorf("store.dsn is required for driver %q", s.Store.Driver)
	}
	for _, p := range s.Server.TrustedProxies {
		if !validProxy(p) {
			return fmt.Errorf("server.trusted_proxies: %q is not an IP address or CIDR", p)
		}
	}
	if s.Keys.GracePeriod <= 0 {
		return fmt.Errorf("keys.grace_period must be positive")
	}
	if s.Keys.DefaultRateLimit <= 0 {
		return fmt.Errorf("keys.default_rate_limit must be positive")
	}
	if s.Keys.DefaultMonthlyLimit <= 0 {
		return fmt.Errorf("keys.default_monthly_limit must be positive")
	}
	if s.Keys.SweepInterval <= 0 || s.Keys.ResetCheckInterval <= 0 {
		return fmt.Errorf("keys sweep intervals must be positive")
	}
	return nil
}

func validProxy(entry string) bool {
	entry = strings.TrimSpace(entry)
	if _, err := netip.ParsePrefix(entry); err == nil {
		return true
	}
	_, err := netip.ParseAddr(entry)
	return err == nil
}

// OpenStore opens the Key Store described by s.
func (s StoreConfig) OpenStore() (*Store, error) {
	if s.Driver == "" || s.Driver == DriverSQLite {
		if s.DSN != "" {
			return Open(DriverSQLite, s.DSN)
		}
		return NewStore(s.DataDir)
	}
	return Open(s.Driver, s.DSN)
}

// WriteDefaultConfig writes the default configuration to a YAML file.
func WriteDefaultConfig(path string) error {
	data, err := yaml.Marshal(DefaultSettings())
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0600)
}
