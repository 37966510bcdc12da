// Package main provides bvcd, the long-running daemon that wires C7's
// filesystem watcher, C8's commit orchestrator, and C9's power-event
// handler together for every bundle passed on the command line.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/go-logr/logr"
	flag "github.com/spf13/pflag"

	"github.com/bvc-project/bvc/internal/backend"
	"github.com/bvc-project/bvc/internal/config"
	"github.com/bvc-project/bvc/internal/errs"
	"github.com/bvc-project/bvc/internal/lockservice"
	"github.com/bvc-project/bvc/internal/logging"
	"github.com/bvc-project/bvc/internal/metrics"
	"github.com/bvc-project/bvc/internal/orchestrator"
	"github.com/bvc-project/bvc/internal/power"
	"github.com/bvc-project/bvc/internal/project"
	"github.com/bvc-project/bvc/internal/queue"
	"github.com/bvc-project/bvc/internal/watcher"
)

func main() {
	fs := flag.NewFlagSet("bvcd", flag.ExitOnError)
	cwd := fs.StringP("cwd", "C", "", "Run as if started in `dir`")
	configPath := fs.StringP("config", "c", "", "Use specified config `file`")
	fs.Parse(os.Args[1:])

	roots := fs.Args()
	if len(roots) == 0 {
		wd, err := os.Getwd()
		if err != nil {
			fmt.Fprintln(os.Stderr, "bvcd:", err)
			os.Exit(1)
		}

		roots = []string{wd}
	}

	environ := os.Environ()
	env := make(map[string]string, len(environ))

	for _, e := range environ {
		if k, v, ok := strings.Cut(e, "="); ok {
			env[k] = v
		}
	}

	cfg, err := config.Load(config.LoadInput{WorkDirOverride: *cwd, ConfigPath: *configPath, Env: env})
	if err != nil {
		fmt.Fprintln(os.Stderr, "bvcd:", err)
		os.Exit(1)
	}

	log, closeLog, err := logging.New(logging.Options{Level: cfg.Log.Level, File: cfg.Log.File, JSON: true})
	if err != nil {
		fmt.Fprintln(os.Stderr, "bvcd:", err)
		os.Exit(1)
	}
	defer closeLog()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	go func() {
		<-sigCh
		log.Info("shutting down")
		cancel()
	}()

	if cfg.Metrics.Addr != "" {
		go func() {
			if err := metrics.Serve(ctx, cfg.Metrics.Addr, log); err != nil {
				log.Error(err, "metrics server exited")
			}
		}()
	}

	if err := run(ctx, cfg, env, log, roots); err != nil {
		log.Error(err, "bvcd exiting with error")
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.Config, env map[string]string, log logr.Logger, roots []string) error {
	reg, err := project.NewRegistry()
	if err != nil {
		return err
	}

	inv := backend.New(cfg.BackendPath, 8, log)

	if err := inv.VerifyBackendVersion(ctx); err != nil {
		return err
	}

	q, err := queue.New(cfg.QueueDir(env))
	if err != nil {
		return err
	}

	lockCheckoutDir := filepath.Join(filepath.Dir(cfg.QueueDir(env)), "locks-checkout")

	locks := lockservice.New(inv, cfg.Remote, lockCheckoutDir,
		cfg.Lock.VerificationWindow.Duration(), cfg.Lock.StaleThreshold.Duration(), log)

	if err := locks.EnsureLocksBranch(ctx); err != nil {
		return err
	}

	if active, err := locks.ListRecords(ctx); err != nil {
		log.Error(err, "listing active locks at startup")
	} else {
		for _, rec := range active {
			log.Info("lock already held at startup", "project", rec.ProjectPath, "holder", rec.Holder, "expires_at", rec.ExpiresAt)
		}
	}

	orch := orchestrator.New(inv, locks, q, log)

	host, err := os.Hostname()
	if err != nil {
		host = "unknown"
	}

	holder := env["USER"] + "@" + host

	w, err := watcher.New(orch.OnSettled, log)
	if err != nil {
		return err
	}
	defer w.Close()

	for _, root := range roots {
		absRoot, err := filepath.Abs(root)
		if err != nil {
			return err
		}

		kind, err := reg.Detect(absRoot)
		if err != nil {
			if !errs.Is(err, errs.ErrNotABundle) {
				return err
			}

			kind = project.KindGeneric
		}

		orch.RegisterBundle(orchestrator.BundleConfig{
			Root:        absRoot,
			ProjectPath: absRoot,
			Remote:      cfg.Remote,
			Holder:      holder,
		})

		if err := w.RegisterBundle(absRoot, cfg.Debounce.Default.Duration(), reg.TrackedPaths(kind), reg.IgnorePatterns(kind)); err != nil {
			return err
		}

		log.Info("watching bundle", "root", absRoot, "kind", kind)
	}

	powerHandler := power.New(orch, log)

	go drainQueuePeriodically(ctx, q, inv, log)

	if err := w.Run(ctx); err != nil && ctx.Err() == nil {
		return err
	}

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancelShutdown()

	powerHandler.Handle(shutdownCtx, power.PreShutdown)

	return nil
}

// drainQueuePeriodically retries deferred pushes and pulls every minute, the
// offline-recovery half of C5 that the CLI's `bvc queue sync` otherwise only
// runs on demand. Any other entry type (including lock operations) is
// reported as unsupported and stays pending.
func drainQueuePeriodically(ctx context.Context, q *queue.Queue, inv *backend.Invoker, log logr.Logger) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	dispatch := func(ctx context.Context, entry queue.QueueEntry) error {
		p := entry.Operation.Params

		switch entry.Operation.Type {
		case queue.OpPushCommits:
			return inv.Push(ctx, p["root"], p["remote"], p["branch"])
		case queue.OpPullCommits:
			return inv.Pull(ctx, p["root"], p["remote"], p["branch"])
		default:
			return errs.Wrapf(errs.ErrUnsupportedOperation, "queue entry type %s", entry.Operation.Type)
		}
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if report, err := q.SyncAll(ctx, dispatch); err != nil {
				log.Error(err, "periodic queue sync failed")
			} else if report.Total > 0 {
				log.Info("periodic queue sync", "total", report.Total, "succeeded", len(report.Succeeded), "failed", len(report.Failed))
			}
		}
	}
}
