package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/keygate/keygate/internal/ratelimit"
	"github.com/keygate/keygate/internal/server"
	"github.com/keygate/keygate/internal/service"
	"github.com/keygate/keygate/internal/telemetry"
)

const banner = `
 _  _______   _____   _  _____ ___
| |/ / __\ \ / / __| /_\|_   _| __|
| ' <| _| \ V / (_ |/ _ \ | | | _|
|_|\_\___| |_| \___/_/ \_\|_| |___|
`

// devJWTSecret is only accepted with --dev.
const devJWTSecret = "keygate-dev-secret-change-me"

func newServeCmd() *cobra.Command {
	var dev bool

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the Keygate API server",
		Long:  "Start the HTTP server exposing the key management API, the guarded storefront routes, health checks and metrics.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), dev)
		},
	}

	cmd.Flags().IntP("port", "p", 8080, "HTTP listen port")
	cmd.Flags().String("host", "0.0.0.0", "HTTP listen host")
	cmd.Flags().String("redis", "", "Redis address for rate limit counters (empty: in-process)")
	cmd.Flags().BoolVar(&dev, "dev", false, "Enable development mode (debug logging, fallback JWT secret)")

	viper.BindPFlag("server.port", cmd.Flags().Lookup("port"))
	viper.BindPFlag("server.host", cmd.Flags().Lookup("host"))
	viper.BindPFlag("redis.addr", cmd.Flags().Lookup("redis"))

	return cmd
}

func runServe(ctx context.Context, dev bool) error {
	if ctx == nil {
		ctx = context.Background()
	}
	settings, err := loadSettings()
	if err != nil {
		return err
	}

	fmt.Print(banner)
	fmt.Println()

	logger := newLogger(settings, dev, os.Stderr)

	jwtSecret := settings.Auth.JWTSecret
	if jwtSecret == "" {
		if !dev {
			return fmt.Errorf("auth.jwt_secret is required (set KEYGATE_AUTH_JWT_SECRET or use --dev)")
		}
		logger.Warn("auth.jwt_secret not set, using the development secret")
		jwtSecret = devJWTSecret
	}

	// 1. Key store
	store, err := openKeyStore(settings)
	if err != nil {
		return err
	}
	defer store.Close()
	logger.Info("key store initialized", "driver", store.Driver())

	// 2. Counter store and rate limiter
	counters := newCounterStore(settings, logger)
	defer counters.Close()
	limiter := ratelimit.New(counters,
		ratelimit.WithTimeout(settings.Redis.Timeout),
		ratelimit.WithLogger(logger),
	)

	// 3. Services
	metrics := telemetry.New()
	keys := newKeyService(settings, store, limiter, metrics, logger)
	defer keys.Close()

	authn := service.NewAuthenticator(store, limiter,
		service.WithLookupTimeout(settings.Auth.LookupTimeout),
		service.WithAuthMetrics(metrics),
		service.WithAuthLogger(logger),
	)
	defer authn.Wait()

	authSvc := service.NewAuthService(jwtSecret)

	// 4. Rotation and monthly reset sweeps
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	sched := service.NewScheduler(keys, store, settings.Keys.SweepInterval, settings.Keys.ResetCheckInterval, logger)
	sched.Start(ctx)
	defer sched.Stop()

	// 5. HTTP server
	srvCfg := server.ConfigFromSettings(settings)
	srvCfg.Version = versionString()
	srv := server.New(srvCfg, server.Deps{
		Store:         store,
		Counter:       counters,
		Keys:          keys,
		Authenticator: authn,
		AuthSvc:       authSvc,
		Metrics:       metrics,
		Logger:        logger,
	})

	fmt.Printf("→ Keygate %s\n", versionString())
	fmt.Printf("→ Listening on http://%s:%d\n", srvCfg.Host, srvCfg.Port)
	fmt.Printf("→ Keys API:   http://%s:%d/api/v1/keys\n", srvCfg.Host, srvCfg.Port)
	fmt.Printf("→ OpenAPI:    http://%s:%d/openapi.json\n", srvCfg.Host, srvCfg.Port)
	fmt.Printf("→ Health:     http://%s:%d/healthz\n", srvCfg.Host, srvCfg.Port)
	fmt.Println()

	return srv.ListenAndServe(ctx)
}
