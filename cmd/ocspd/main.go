// Command ocspd watches a set of directories for certificate files, keeps an
// OCSP staple fresh for each eligible certificate, and serves a read-only
// admin/status surface.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/KimMachineGun/automemlimit/memlimit"
	"github.com/spf13/cobra"
	"go.uber.org/automaxprocs/maxprocs"
	"go.uber.org/zap"
	"go.uber.org/zap/exp/zapslog"
	"golang.org/x/time/rate"

	"ocspd"
	"ocspd/acquirer"
	"ocspd/internal/adminapi"
	"ocspd/internal/config"
	"ocspd/internal/metrics"
	"ocspd/internal/watch"
	"ocspd/pipeline"
	"ocspd/scheduler"
	"ocspd/validate"
)

// version is overwritten at build time via -ldflags.
var version = "dev"

// shutdownGrace bounds how long the admin surface gets to finish in-flight
// requests once the daemon starts shutting down.
const shutdownGrace = 5 * time.Second

func main() {
	if err := newRootCommand().Execute(); err != nil {
		var exitErr *exitError
		if errors.As(err, &exitErr) {
			os.Exit(exitErr.code)
		}
		os.Exit(1)
	}
}

// exitError carries a specific process exit code out of a cobra RunE.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string { return e.err.Error() }
func (e *exitError) Unwrap() error { return e.err }

func newRootCommand() *cobra.Command {
	var configPath string
	cfg := config.Default()

	root := &cobra.Command{
		Use:          "ocspd",
		Short:        "Keeps OCSP staples fresh for watched certificate files",
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to a TOML config file")

	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Run the daemon in the foreground",
		RunE: func(cmd *cobra.Command, args []string) error {
			// cfg already carries whatever flags the user set (cobra parsed
			// them against the pointers BindFlags registered below, using
			// config.Default() as the fallback). Load the file and use it
			// only to fill in the flags the user left untouched.
			fileCfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			cfg.ApplyFileDefaults(fileCfg, cmd.Flags())
			return runDaemon(cfg)
		},
	}
	cfg.BindFlags(runCmd.Flags())
	root.AddCommand(runCmd)

	root.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print the version and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Println(version)
			return nil
		},
	})

	return root
}

func runDaemon(cfg config.Config) error {
	log, err := ocspd.NewLogger(cfg)
	if err != nil {
		return fmt.Errorf("ocspd: building logger: %w", err)
	}
	defer log.Sync() //nolint:errcheck

	undo, err := maxprocs.Set(maxprocs.Logger(log.Sugar().Infof))
	defer undo()
	if err != nil {
		log.Warn("failed to set GOMAXPROCS", zap.Error(err))
	}

	// Match the process's memory limit to the container cgroup quota (or
	// system memory as a fallback), so the GC reacts to the same constraint
	// the scheduler sees instead of running unbounded.
	_, _ = memlimit.SetGoMemLimitWithOpts(
		memlimit.WithLogger(slog.New(zapslog.NewHandler(log.Core()))),
		memlimit.WithProvider(
			memlimit.ApplyFallback(
				memlimit.FromCgroup,
				memlimit.FromSystem,
			),
		),
	)

	if cfg.TrustStorePath != "" {
		bundle, err := os.ReadFile(cfg.TrustStorePath)
		if err != nil {
			return fmt.Errorf("ocspd: reading trust store %s: %w", cfg.TrustStorePath, err)
		}
		if err := validate.SetTrustStore(bundle); err != nil {
			return fmt.Errorf("ocspd: loading trust store %s: %w", cfg.TrustStorePath, err)
		}
	}

	m := metrics.New()

	acq := acquirer.New(acquirer.Options{
		RetryMax:           cfg.RetryMax,
		BackoffStep:        cfg.RetryBackoffStep(),
		ResponderRateLimit: rate.Limit(cfg.ResponderRateLimit),
		Logger:             log.Named("acquirer"),
		Metrics:            m,
	})

	sched := scheduler.New(log.Named("scheduler"))

	watcher := watch.New(watch.Options{
		RefreshInterval: cfg.RefreshInterval(),
		Logger:          log.Named("watch"),
	})

	orch := pipeline.New(sched, acq, watcher, pipeline.Options{
		ParserWorkers:      cfg.ParserWorkers,
		RenewerWorkers:     cfg.RenewerWorkers,
		MaxThreadRestarts:  cfg.MaxThreadRestarts,
		MaxAcquireFailures: cfg.MaxAcquireFailures,
		Roots:              cfg.WatchRoots,
		Extensions:         cfg.Extensions,
		Logger:             log.Named("pipeline"),
		Metrics:            m,
	})

	var admin *adminapi.Server
	if cfg.AdminListen != "" {
		admin = adminapi.New(cfg.AdminListen, orch, orch, m, log.Named("adminapi"))
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var adminErrCh chan error
	if admin != nil {
		adminErrCh = make(chan error, 1)
		go func() { adminErrCh <- admin.Start() }()
	}

	runErr := orch.Run(ctx)

	if admin != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		if err := admin.Shutdown(shutdownCtx); err != nil {
			log.Warn("admin surface did not shut down cleanly", zap.Error(err))
		}
		if err := <-adminErrCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Warn("admin surface exited with error", zap.Error(err))
		}
	}

	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		log.Error("daemon exited with error", zap.Error(runErr))
		if errors.Is(runErr, pipeline.ErrPoolExhausted) {
			return &exitError{code: 2, err: runErr}
		}
		return &exitError{code: 1, err: runErr}
	}

	log.Info("shutdown complete")
	return nil
}
