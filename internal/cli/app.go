package cli

import (
	"context"

	"github.com/go-logr/logr"

	"github.com/bvc-project/bvc/internal/backend"
	"github.com/bvc-project/bvc/internal/config"
	"github.com/bvc-project/bvc/internal/lockservice"
	"github.com/bvc-project/bvc/internal/netpolicy"
	"github.com/bvc-project/bvc/internal/orchestrator"
	"github.com/bvc-project/bvc/internal/project"
	"github.com/bvc-project/bvc/internal/queue"
)

// App bundles every collaborator a command needs, built once per invocation
// in Run and threaded into each Cmd constructor - the equivalent of the
// teacher's *ticket.Config argument, generalized to bvc's wider set of
// subsystems.
type App struct {
	Cfg      config.Config
	Env      map[string]string
	Inv      *backend.Invoker
	Registry *project.Registry
	Locks    *lockservice.Service
	Queue    *queue.Queue
	Probe    *netpolicy.ConnectivityProbe
	Orch     *orchestrator.Orchestrator
	Log      logr.Logger
}

// NewApp wires the collaborators for cfg. Locks is scoped to cfg.RepoRoot:
// one backend checkout doubles as both the bundle's working tree and the
// locks-branch staging area, per spec.md §4.6.
func NewApp(cfg config.Config, env map[string]string, log logr.Logger) (*App, error) {
	reg, err := project.NewRegistry()
	if err != nil {
		return nil, err
	}

	inv := backend.New(cfg.BackendPath, 4, log)

	locks := lockservice.New(inv, cfg.Remote, cfg.RepoRoot,
		cfg.Lock.VerificationWindow.Duration(), cfg.Lock.StaleThreshold.Duration(), log)

	q, err := queue.New(cfg.QueueDir(env))
	if err != nil {
		return nil, err
	}

	probe := netpolicy.NewConnectivityProbe("remote-fetch", func(ctx context.Context) error {
		return inv.Fetch(ctx, cfg.RepoRoot, cfg.Remote)
	})

	holder, _ := holderIdentity(env)

	orch := orchestrator.New(inv, locks, q, log)
	orch.RegisterBundle(orchestrator.BundleConfig{
		Root:        cfg.RepoRoot,
		ProjectPath: cfg.RepoRoot,
		Remote:      cfg.Remote,
		Holder:      holder,
	})

	return &App{
		Cfg:      cfg,
		Env:      env,
		Inv:      inv,
		Registry: reg,
		Locks:    locks,
		Queue:    q,
		Probe:    probe,
		Orch:     orch,
		Log:      log,
	}, nil
}
