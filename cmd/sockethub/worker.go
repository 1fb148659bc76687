package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/sockethub/sockethub/internal/config"
	"github.com/sockethub/sockethub/internal/credentials"
	"github.com/sockethub/sockethub/internal/logging"
	"github.com/sockethub/sockethub/internal/models"
	"github.com/sockethub/sockethub/internal/platform"
	"github.com/sockethub/sockethub/internal/queue"
	"github.com/sockethub/sockethub/internal/store"
)

var workerFlags struct {
	platform      string
	actorInstance string
	queueInstance string
	parentID      string
}

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Run one platform instance against the shared store",
	Long: `Run a single platform instance as its own process.

The server starts workers itself when the exec spawner is configured. The
queue secret is read from SOCKETHUB_WORKER_SECRET and the store from
SOCKETHUB_STORE_URL (or store.url in the config file). Secrets are never
accepted as flags.`,
	Hidden: true,
	RunE:   runWorker,
}

func init() {
	rootCmd.AddCommand(workerCmd)

	workerCmd.Flags().StringVar(&workerFlags.platform, "platform", "", "platform name")
	workerCmd.Flags().StringVar(&workerFlags.actorInstance, "actor-instance", "", "platform instance id")
	workerCmd.Flags().StringVar(&workerFlags.queueInstance, "queue-instance", "", "queue instance suffix")
	workerCmd.Flags().StringVar(&workerFlags.parentID, "parent-id", "", "parent gateway id")
	for _, name := range []string{"platform", "actor-instance", "queue-instance", "parent-id"} {
		_ = workerCmd.MarkFlagRequired(name)
	}
}

func runWorker(cmd *cobra.Command, args []string) error {
	secret := os.Getenv(platform.EnvWorkerSecret)
	if secret == "" {
		return fmt.Errorf("%s is required", platform.EnvWorkerSecret)
	}
	cfg, err := config.Load(v, cfgFile)
	if err != nil {
		return err
	}

	catalog, err := newCatalog()
	if err != nil {
		return err
	}
	ctor, ok := catalog.Lookup(workerFlags.platform)
	if !ok {
		return fmt.Errorf("%w: %q", platform.ErrUnknownPlatform, workerFlags.platform)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	log := logger.With(
		logging.Platform(workerFlags.platform),
		logging.InstanceID(workerFlags.actorInstance),
		logging.Component("worker"),
	)

	st, err := store.Open(ctx, store.Config{
		URL:               cfg.StoreURL,
		ConnectTimeout:    cfg.ConnectTimeout,
		DisconnectTimeout: cfg.DisconnectTimeout,
		RetryAttempts:     cfg.RetryAttempts,
		RetryBackoff:      cfg.RetryBackoff,
		Logger:            log.Named("store"),
	})
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	id := queue.Identity{
		ParentID: workerFlags.parentID,
		Platform: workerFlags.platform,
		Instance: workerFlags.queueInstance,
	}
	sess := &platform.Session{
		ParentID:   workerFlags.parentID,
		Platform:   workerFlags.platform,
		InstanceID: workerFlags.actorInstance,
		Logger:     log,
		// Records are keyed by the session secret, which is the queue
		// secret of the session that created this instance.
		Credentials: func(ctx context.Context, sessionID, actorID, hash string) (*models.Credentials, error) {
			return credentials.New(st, workerFlags.parentID, sessionID, secret, log).Get(ctx, actorID, hash)
		},
	}
	w, err := platform.StartWorker(ctx, ctor(), sess, st, id, secret, queue.Options{PollInterval: cfg.PollInterval})
	if err != nil {
		return err
	}
	log.Info("worker started", logging.Queue(id.Name()))

	<-ctx.Done()
	log.Info("worker stopping")

	cleanupCtx, cancel := context.WithTimeout(context.Background(), cfg.CleanupTimeout+time.Second)
	defer cancel()
	if err := w.Cleanup(cleanupCtx); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("cleanup: %w", err)
	}
	return nil
}
