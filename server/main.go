// Command server hosts the session registry, the rendezvous relay and the
// reference-time endpoint that agents synchronize against.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"beatsync/api"
	"beatsync/config"
	"beatsync/registry"
	"beatsync/relay"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	var (
		configPath string
		listen     string
		store      string
		logLevel   string
	)
	cmd := &cobra.Command{
		Use:           "server",
		Short:         "Serve the beatsync registry, relay and timesync API",
		SilenceUsage:  true,
		SilenceErrors: false,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("listen") {
				cfg.Listen = listen
			}
			if cmd.Flags().Changed("store") {
				cfg.Store = store
			}
			if cmd.Flags().Changed("log-level") {
				cfg.LogLevel = logLevel
			}
			// Pick the backend from the environment when none was chosen.
			if !cmd.Flags().Changed("store") && cfg.Store == config.StoreMemory {
				switch {
				case cfg.DatabaseURL != "":
					cfg.Store = config.StorePostgres
				case cfg.RedisAddr != "":
					cfg.Store = config.StoreRedis
				}
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return run(ctx, cfg)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", os.Getenv("BEATSYNC_CONFIG"), "YAML config file")
	cmd.Flags().StringVar(&listen, "listen", "", "HTTP listen address (default :8080, env LISTEN_ADDR)")
	cmd.Flags().StringVar(&store, "store", "", "session store: memory, redis or postgres")
	cmd.Flags().StringVar(&logLevel, "log-level", "", "log level")
	return cmd
}

func run(ctx context.Context, cfg config.Config) error {
	log := cfg.Logger()

	sessions, signals, closeStores, err := openStores(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer closeStores()

	srv := api.New(registry.New(sessions, log), relay.New(signals, log), log)
	httpSrv := &http.Server{
		Addr:              cfg.Listen,
		Handler:           srv.Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errc := make(chan error, 1)
	go func() {
		log.WithFields(logrus.Fields{"addr": cfg.Listen, "store": cfg.Store}).Info("beatsync server starting")
		errc <- httpSrv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		return errors.Wrap(err, "serving http")
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	log.Info("shutting down")
	return httpSrv.Shutdown(shutdownCtx)
}

// openStores connects the configured backend. Sessions may live in
// Postgres; relay descriptors use Redis when it is configured and memory
// otherwise.
func openStores(ctx context.Context, cfg config.Config, log logrus.FieldLogger) (registry.Store, relay.Store, func(), error) {
	var (
		sessions registry.Store
		signals  relay.Store = relay.NewMemoryStore()
		closers  []func()
	)
	closeAll := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	if cfg.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		if _, err := rdb.Ping(ctx).Result(); err != nil {
			rdb.Close()
			return nil, nil, nil, errors.Wrap(err, "connecting to redis")
		}
		log.WithField("addr", cfg.RedisAddr).Info("connected to redis")
		closers = append(closers, func() { rdb.Close() })
		signals = relay.NewRedisStore(rdb)
		if cfg.Store == config.StoreRedis {
			sessions = registry.NewRedisStore(rdb)
		}
	}

	if cfg.Store == config.StorePostgres {
		pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
		if err != nil {
			closeAll()
			return nil, nil, nil, errors.Wrap(err, "connecting to postgres")
		}
		closers = append(closers, pool.Close)
		ps, err := registry.NewPostgresStore(ctx, pool)
		if err != nil {
			closeAll()
			return nil, nil, nil, err
		}
		log.Info("connected to postgres")
		sessions = ps
	}

	if sessions == nil {
		sessions = registry.NewMemoryStore()
	}
	return sessions, signals, closeAll, nil
}
