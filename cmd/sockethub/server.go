package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sockethub/sockethub/internal/auth"
	"github.com/sockethub/sockethub/internal/config"
	"github.com/sockethub/sockethub/internal/dispatch"
	"github.com/sockethub/sockethub/internal/logging"
	"github.com/sockethub/sockethub/internal/platform"
	"github.com/sockethub/sockethub/internal/platform/dummy"
	"github.com/sockethub/sockethub/internal/queue"
	"github.com/sockethub/sockethub/internal/ratelimit"
	"github.com/sockethub/sockethub/internal/server"
	"github.com/sockethub/sockethub/internal/sockets"
	"github.com/sockethub/sockethub/internal/store"
)

var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "Run the gateway (session transport, admin API, resource manager)",
	Long: `Run the gateway process.

The session transport accepts client sessions and messages. The admin API
lists platform instances and enabled platforms and requires the admin key.
If no admin key is configured one is generated and printed once.

Every flag can also be set in the config file or as a SOCKETHUB_* env var,
e.g. store.url or SOCKETHUB_STORE_URL.

Spawners:
  inprocess  platform instances run as goroutines of the server
  exec       each instance runs as a "sockethub worker" child process`,
	RunE: runServer,
}

func init() {
	rootCmd.AddCommand(serverCmd)

	d := config.Default()
	f := serverCmd.Flags()
	f.String("store", d.StoreURL, "shared store URL (sqlite://path or postgres://...)")
	f.String("listen", d.ListenAddr, "session transport listen address")
	f.String("admin-listen", d.AdminAddr, "admin API listen address")
	f.String("admin-key", "", "admin API key (generated when empty)")
	f.String("spawner", d.Spawner, "platform instance spawner (inprocess|exec)")
	f.StringSlice("platforms", d.Platforms, "enabled platforms")
	f.Int("rate-limit", d.RequestLimit, "messages allowed per socket per window")
	f.Duration("sweep-interval", d.SweepInterval, "resource manager sweep interval")

	bindFlag(serverCmd, config.KeyStoreURL, "store")
	bindFlag(serverCmd, config.KeyListenAddr, "listen")
	bindFlag(serverCmd, config.KeyAdminAddr, "admin-listen")
	bindFlag(serverCmd, config.KeyAdminKey, "admin-key")
	bindFlag(serverCmd, config.KeySpawner, "spawner")
	bindFlag(serverCmd, config.KeyPlatforms, "platforms")
	bindFlag(serverCmd, config.KeyRequestLimit, "rate-limit")
	bindFlag(serverCmd, config.KeySweepInterval, "sweep-interval")
}

// newCatalog returns every platform compiled into this binary.
func newCatalog() (*platform.Catalog, error) {
	cat := platform.NewCatalog()
	if err := cat.Register(dummy.Name, dummy.New); err != nil {
		return nil, err
	}
	return cat, nil
}

func runServer(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(v, cfgFile)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st, err := store.Open(ctx, store.Config{
		URL:               cfg.StoreURL,
		ConnectTimeout:    cfg.ConnectTimeout,
		DisconnectTimeout: cfg.DisconnectTimeout,
		RetryAttempts:     cfg.RetryAttempts,
		RetryBackoff:      cfg.RetryBackoff,
		Logger:            logger.Named("store"),
	})
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	catalog, err := newCatalog()
	if err != nil {
		return err
	}
	for _, name := range cfg.Platforms {
		if _, ok := catalog.Lookup(name); !ok {
			return fmt.Errorf("%w: %q is enabled but not compiled in", platform.ErrUnknownPlatform, name)
		}
	}

	opts := queue.Options{PollInterval: cfg.PollInterval, Logger: logger.Named("queue")}

	var spawner platform.Spawner
	switch cfg.Spawner {
	case config.SpawnerExec:
		spawner = &platform.ExecSpawner{
			StoreURL:    cfg.StoreURL,
			ConfigFile:  cfgFile,
			StopTimeout: cfg.CleanupTimeout,
			Logger:      logger.Named("spawner"),
		}
	default:
		spawner = &platform.InProcessSpawner{
			Catalog: catalog,
			Backend: st,
			Options: opts,
			Logger:  logger.Named("platform"),
		}
	}

	adminKey := cfg.AdminKey
	if adminKey == "" {
		key, err := auth.GenerateKey()
		if err != nil {
			return fmt.Errorf("generate API key: %w", err)
		}
		adminKey = key.String()
		fmt.Println("=============================================================")
		fmt.Println("ADMIN API KEY (set admin.key to keep it across restarts):")
		fmt.Println(adminKey)
		fmt.Println("=============================================================")
	}
	verifier, err := auth.NewVerifier(adminKey)
	if err != nil {
		return fmt.Errorf("admin key: %w", err)
	}

	limiter := ratelimit.New(ratelimit.Config{
		RequestLimit:  cfg.RequestLimit,
		Window:        cfg.Window,
		BlockDuration: cfg.BlockDuration,
	}, nil)
	socks := sockets.NewRegistry()

	d := dispatch.New(dispatch.Config{
		ParentID:     cfg.ParentID,
		ParentSecret: cfg.ParentSecret,
		Platforms:    cfg.Platforms,
		Schemas:      catalog.Schemas(),
		QueueOptions: opts,
	}, st, socks, limiter, spawner, logger.Named("dispatch"))

	manager := platform.NewManager(d.Registry(), socks, platform.ManagerConfig{
		SweepInterval:  cfg.SweepInterval,
		CleanupTimeout: cfg.CleanupTimeout,
	}, logger.Named("manager"))
	manager.Start(ctx)

	connectLimiter := ratelimit.New(ratelimit.Config{
		RequestLimit:  cfg.SessionLimit,
		Window:        time.Minute,
		BlockDuration: cfg.BlockDuration,
	}, nil)

	go sweepLimiter(ctx, limiter, cfg.Window)
	go sweepLimiter(ctx, connectLimiter, time.Minute)

	sessions := server.NewSessionServer(d, server.SessionConfig{ConnectLimiter: connectLimiter}, logger.Named("sessions"))
	sessionsDone := make(chan struct{})
	go func() {
		defer close(sessionsDone)
		sessions.Run(ctx)
	}()

	admin := &server.AdminServer{
		Registry: d.Registry(),
		Sockets:  socks,
		Catalog:  catalog,
		Store:    st,
		Verifier: verifier,
		Logger:   logger.Named("admin"),
	}

	public := server.NewManagedServer("sessions", server.DefaultServerConfig(cfg.ListenAddr, sessions.Handler(), logger.Named("http")))
	adminSrv := server.NewManagedServer("admin", server.DefaultServerConfig(cfg.AdminAddr, admin.Handler(), logger.Named("admin")))
	if err := public.Start(); err != nil {
		return err
	}
	if err := adminSrv.Start(); err != nil {
		public.Shutdown(context.Background())
		return err
	}

	logger.Info("gateway started",
		zap.String("parent_id", cfg.ParentID),
		logging.Driver(st.Driver()),
		zap.String("spawner", cfg.Spawner),
		zap.Strings("platforms", cfg.Platforms))

	var runErr error
	select {
	case <-ctx.Done():
	case err := <-public.Err():
		runErr = err
	case err := <-adminSrv.Err():
		runErr = err
	}
	stop()

	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	public.Shutdown(shutdownCtx)
	adminSrv.Shutdown(shutdownCtx)
	<-sessionsDone
	manager.Stop()
	d.Shutdown(shutdownCtx, cfg.CleanupTimeout)

	return runErr
}

func sweepLimiter(ctx context.Context, l *ratelimit.Limiter, window time.Duration) {
	interval := 10 * window
	if interval < time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.Sweep()
		}
	}
}
