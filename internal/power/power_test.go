package power_test

import (
	"context"
	"testing"
	"time"

	"github.com/go-logr/logr"
	"github.com/stretchr/testify/require"

	"github.com/bvc-project/bvc/internal/backend"
	"github.com/bvc-project/bvc/internal/lockservice"
	"github.com/bvc-project/bvc/internal/orchestrator"
	"github.com/bvc-project/bvc/internal/power"
	"github.com/bvc-project/bvc/internal/queue"
)

type scriptedRunner struct {
	statusOut   string
	commitOut   string
	commitCalls int
}

func (r *scriptedRunner) Run(ctx context.Context, dir string, args []string) (string, string, int, error) {
	if len(args) == 0 {
		return "", "", 0, nil
	}

	switch args[0] {
	case "status":
		return r.statusOut, "", 0, nil
	case "commit":
		r.commitCalls++
		return r.commitOut, "", 0, nil
	default:
		return "", "", 0, nil
	}
}

func newHandler(t *testing.T, runner *scriptedRunner, opts ...power.Option) *power.Handler {
	t.Helper()

	inv := backend.NewWithRunner(runner, logr.Discard())

	lockInv := backend.NewWithRunner(&scriptedRunner{}, logr.Discard())
	locks := lockservice.New(lockInv, "origin", t.TempDir(), time.Millisecond, lockservice.DefaultStaleThreshold, logr.Discard())

	q, err := queue.New(t.TempDir())
	require.NoError(t, err)

	orch := orchestrator.New(inv, locks, q, logr.Discard())
	orch.RegisterBundle(orchestrator.BundleConfig{Root: "/bundle", ProjectPath: "proj", Remote: "origin", Holder: "alice@laptop"})

	return power.New(orch, logr.Discard(), opts...)
}

type fakeLoad struct{ value float64 }

func (f fakeLoad) Average(ctx context.Context) (float64, error) { return f.value, nil }

type fakeBattery struct{ state power.BatteryState }

func (f fakeBattery) Status(ctx context.Context) (power.BatteryState, error) { return f.state, nil }

func TestHandle_CommitsDirtyBundle_OnPreSleep(t *testing.T) {
	t.Parallel()

	runner := &scriptedRunner{statusOut: "take1.wav\n", commitOut: "commit: abc\nauthor: alice\n"}
	h := newHandler(t, runner, power.WithLoadReader(fakeLoad{value: 0.1}))

	h.Handle(context.Background(), power.PreSleep)

	require.Equal(t, 1, runner.commitCalls)
}

func TestHandle_SkipsAllBundles_WhenLoadExceedsThreshold(t *testing.T) {
	t.Parallel()

	runner := &scriptedRunner{statusOut: "take1.wav\n", commitOut: "commit: abc\nauthor: alice\n"}
	h := newHandler(t, runner, power.WithLoadReader(fakeLoad{value: 99}))

	h.Handle(context.Background(), power.PreSleep)

	require.Zero(t, runner.commitCalls, "high system load must suppress emergency commits")
}

func TestHandle_SkipsOnPreSleep_WhenBatteryCritical(t *testing.T) {
	t.Parallel()

	runner := &scriptedRunner{statusOut: "take1.wav\n", commitOut: "commit: abc\nauthor: alice\n"}
	h := newHandler(t, runner,
		power.WithLoadReader(fakeLoad{value: 0.1}),
		power.WithBatteryReader(fakeBattery{state: power.BatteryState{Present: true, Charging: false, PercentRemaining: 3}}),
	)

	h.Handle(context.Background(), power.PreSleep)

	require.Zero(t, runner.commitCalls, "critical battery before sleep must suppress emergency commits")
}

func TestHandle_IgnoresBatteryCritical_OnPreShutdown(t *testing.T) {
	t.Parallel()

	runner := &scriptedRunner{statusOut: "take1.wav\n", commitOut: "commit: abc\nauthor: alice\n"}
	h := newHandler(t, runner,
		power.WithLoadReader(fakeLoad{value: 0.1}),
		power.WithBatteryReader(fakeBattery{state: power.BatteryState{Present: true, Charging: false, PercentRemaining: 3}}),
	)

	h.Handle(context.Background(), power.PreShutdown)

	require.Equal(t, 1, runner.commitCalls, "the battery heuristic only applies to pre-sleep, not shutdown")
}

func TestHandle_AcquiresAndReleasesAssertion(t *testing.T) {
	t.Parallel()

	var acquired, released bool

	assertion := assertionFunc{
		acquire: func(reason string) (func(), error) {
			acquired = true
			return func() { released = true }, nil
		},
	}

	runner := &scriptedRunner{statusOut: ""}
	h := newHandler(t, runner, power.WithLoadReader(fakeLoad{value: 0.1}), power.WithAssertion(assertion))

	h.Handle(context.Background(), power.PreSleep)

	require.True(t, acquired)
	require.True(t, released)
}

type assertionFunc struct {
	acquire func(reason string) (func(), error)
}

func (a assertionFunc) Acquire(reason string) (func(), error) { return a.acquire(reason) }
