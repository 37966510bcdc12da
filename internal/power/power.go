// Package power implements C9: reacting to platform sleep/shutdown/
// low-battery notifications by emergency-committing every dirty bundle
// before the grace window expires.
package power

import (
	"context"

	"github.com/go-logr/logr"
	"github.com/shirou/gopsutil/v3/load"

	"github.com/bvc-project/bvc/internal/errs"
	"github.com/bvc-project/bvc/internal/orchestrator"
)

// Trigger is the platform event that invoked Handle.
type Trigger int

const (
	PreSleep Trigger = iota
	PreShutdown
	LowBattery
)

func (t Trigger) String() string {
	switch t {
	case PreShutdown:
		return "pre-shutdown"
	case LowBattery:
		return "low-battery"
	default:
		return "pre-sleep"
	}
}

// Default thresholds for the two skip heuristics of spec.md §4.9.
const (
	defaultCriticalBatteryPercent = 10.0
	defaultLoadThreshold          = 8.0
)

// BatteryState is a snapshot of the local battery, if any.
type BatteryState struct {
	PercentRemaining float64
	Charging         bool
	Present          bool
}

// BatteryReader reports the local battery's state. No portable, dependency
// -free way to read battery state exists across macOS/Windows/Linux without
// cgo or platform build tags, so the shipped default is a no-op that always
// reports no battery present. This package ships no platform-specific
// reader.
type BatteryReader interface {
	Status(ctx context.Context) (BatteryState, error)
}

type noBattery struct{}

func (noBattery) Status(ctx context.Context) (BatteryState, error) {
	return BatteryState{Present: false}, nil
}

// LoadReader reports 1-minute system load average.
type LoadReader interface {
	Average(ctx context.Context) (float64, error)
}

// gopsutilLoad wraps gopsutil's portable /proc (and platform-equivalent)
// load sampling.
type gopsutilLoad struct{}

func (gopsutilLoad) Average(ctx context.Context) (float64, error) {
	stat, err := load.AvgWithContext(ctx)
	if err != nil {
		return 0, errs.Wrap(err, "power: reading system load average")
	}

	return stat.Load1, nil
}

// Assertion prevents the OS from sleeping/shutting down while held.
// Release must be safe to call even if Acquire's effect already expired.
// The portable default is a no-op; real assertions (IOKit power assertions
// on macOS, SetThreadExecutionState on Windows, systemd-inhibit on Linux)
// are platform-specific follow-ups.
type Assertion interface {
	Acquire(reason string) (release func(), err error)
}

type noAssertion struct{}

func (noAssertion) Acquire(reason string) (func(), error) {
	return func() {}, nil
}

// Handler is C9.
type Handler struct {
	orch                   *orchestrator.Orchestrator
	battery                BatteryReader
	loadReader             LoadReader
	assertion              Assertion
	criticalBatteryPercent float64
	loadThreshold          float64
	log                    logr.Logger
}

// Option configures a Handler at construction time.
type Option func(*Handler)

// WithBatteryReader overrides the default no-op battery reader.
func WithBatteryReader(r BatteryReader) Option { return func(h *Handler) { h.battery = r } }

// WithLoadReader overrides the default gopsutil-backed load reader.
func WithLoadReader(r LoadReader) Option { return func(h *Handler) { h.loadReader = r } }

// WithAssertion overrides the default no-op sleep-prevention assertion.
func WithAssertion(a Assertion) Option { return func(h *Handler) { h.assertion = a } }

// WithLoadThreshold overrides the default load1 ceiling.
func WithLoadThreshold(threshold float64) Option {
	return func(h *Handler) { h.loadThreshold = threshold }
}

// New builds a Handler wired to orch, with portable no-op defaults for the
// platform-specific collaborators.
func New(orch *orchestrator.Orchestrator, log logr.Logger, opts ...Option) *Handler {
	h := &Handler{
		orch:                   orch,
		battery:                noBattery{},
		loadReader:             gopsutilLoad{},
		assertion:              noAssertion{},
		criticalBatteryPercent: defaultCriticalBatteryPercent,
		loadThreshold:          defaultLoadThreshold,
		log:                    log.WithName("power"),
	}

	for _, opt := range opts {
		opt(h)
	}

	return h
}

// Handle runs spec.md §4.9's procedure for trigger: acquire a
// sleep-prevention assertion, apply the two skip heuristics, then
// emergency-commit every registered bundle (commitOnce's own NoOp check
// filters out bundles with nothing to save, so no separate Dirty bookkeeping
// is needed here).
func (h *Handler) Handle(ctx context.Context, trigger Trigger) {
	release, err := h.assertion.Acquire(trigger.String())
	if err != nil {
		h.log.Info("failed to acquire sleep-prevention assertion", "err", err, "trigger", trigger.String())
	}

	defer func() {
		if release != nil {
			release()
		}
	}()

	if trigger == PreSleep {
		battery, err := h.battery.Status(ctx)
		if err == nil && battery.Present && !battery.Charging && battery.PercentRemaining <= h.criticalBatteryPercent {
			h.log.Info("skipping emergency commits: battery critical before sleep", "percent", battery.PercentRemaining)
			return
		}
	}

	if avg, err := h.loadReader.Average(ctx); err == nil && avg > h.loadThreshold {
		h.log.Info("skipping emergency commits: system load too high", "load1", avg, "threshold", h.loadThreshold)
		return
	}

	for _, root := range h.orch.Roots() {
		outcome, err := h.orch.Commit(ctx, root, orchestrator.Emergency, "", nil)
		h.report(root, trigger, outcome, err)
	}
}

func (h *Handler) report(root string, trigger Trigger, outcome orchestrator.CommitOutcome, err error) {
	if err != nil {
		if errs.Is(err, errs.ErrNoOp) || errs.Is(err, errs.ErrPaused) || errs.Is(err, errs.ErrAlreadyLocked) {
			h.log.V(1).Info("emergency commit skipped", "root", root, "trigger", trigger.String(), "reason", err.Error())
			return
		}

		h.log.Error(err, "emergency commit failed", "root", root, "trigger", trigger.String())

		return
	}

	h.log.Info("emergency commit completed",
		"root", root, "trigger", trigger.String(), "branch", outcome.Branch, "pushed", outcome.Pushed, "queued", outcome.Queued)
}
