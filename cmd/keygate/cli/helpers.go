package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"

	"github.com/keygate/keygate/internal/config"
	"github.com/keygate/keygate/internal/counter"
	"github.com/keygate/keygate/internal/ratelimit"
	"github.com/keygate/keygate/internal/service"
	"github.com/keygate/keygate/internal/telemetry"
)

// loadSettings decodes the effective configuration from viper.
func loadSettings() (*config.Settings, error) {
	settings, err := config.LoadSettings(viper.GetViper())
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return settings, nil
}

// resolveDataDir returns the SQLite data directory, defaulting to
// ~/.keygate so CLI commands and serve share one key store.
func resolveDataDir(s *config.Settings) string {
	if s.Store.DataDir != "" {
		return s.Store.DataDir
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".keygate")
}

// openKeyStore opens the configured key store.
func openKeyStore(s *config.Settings) (*config.Store, error) {
	sc := s.Store
	if (sc.Driver == "" || sc.Driver == config.DriverSQLite) && sc.DSN == "" {
		sc.DataDir = resolveDataDir(s)
	}
	store, err := sc.OpenStore()
	if err != nil {
		return nil, fmt.Errorf("open key store: %w", err)
	}
	return store, nil
}

// newLogger builds the process logger from the logging settings. dev
// forces debug level.
func newLogger(s *config.Settings, dev bool, w io.Writer) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(s.Logging.Level)); err != nil {
		level = slog.LevelInfo
	}
	if dev {
		level = slog.LevelDebug
	}
	opts := &slog.HandlerOptions{Level: level}
	if strings.EqualFold(s.Logging.Format, "json") {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

// newCounterStore returns the Redis counter store behind a circuit breaker,
// or the in-process store when no Redis address is configured.
func newCounterStore(s *config.Settings, logger *slog.Logger) counter.Store {
	if s.Redis.Addr == "" {
		logger.Warn("redis.addr not set, using in-process rate limit counters (single instance only)")
		return counter.NewMemoryStore()
	}
	redisStore := counter.NewRedisStore(counter.RedisConfig{
		Address:  s.Redis.Addr,
		Password: s.Redis.Password,
		DB:       s.Redis.DB,
		Prefix:   "keygate:",
		Timeout:  s.Redis.Timeout,
		Logger:   logger,
	})
	return counter.NewBreakerStore(redisStore, counter.BreakerConfig{Logger: logger})
}

// newKeyService wires a KeyService from settings. limiter and metrics may
// be nil.
func newKeyService(s *config.Settings, store *config.Store, limiter *ratelimit.Limiter, metrics *telemetry.Metrics, logger *slog.Logger) *service.KeyService {
	return service.NewKeyService(store, service.KeyServiceConfig{
		GracePeriod:         s.Keys.GracePeriod,
		DefaultRateLimit:    s.Keys.DefaultRateLimit,
		DefaultMonthlyLimit: s.Keys.DefaultMonthlyLimit,
	},
		service.WithLimiter(limiter),
		service.WithMetrics(metrics),
		service.WithLogger(logger),
	)
}

// cliLogger is used by one-shot commands; it only reports warnings.
func cliLogger(s *config.Settings) *slog.Logger {
	l := *s
	l.Logging.Level = "warn"
	return newLogger(&l, false, os.Stderr)
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// versionString returns a display version string.
func versionString() string {
	if appVersion == "" || appVersion == "dev" {
		return "dev"
	}
	if strings.HasPrefix(appVersion, "v") {
		return appVersion
	}
	return "v" + appVersion
}
