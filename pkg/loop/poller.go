// Package loop drives the vault: a fixed-interval poller that claims and
// dispatches actionable tasks, plus the housekeeping tickers (approval
// sweeping and stale-claim reclamation). One iteration can fail; the loop
// cannot.
package loop

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/castellan-labs/castellan/pkg/vault"
)

// Processor handles one claimed task. Implemented by dispatch.Orchestrator.
type Processor interface {
	Process(ctx context.Context, ref vault.Ref) error
}

// Sweeper expires stale pending approvals. Implemented by approval.Gate.
type Sweeper interface {
	Sweep() (int, error)
}

// Config holds the poller timings.
type Config struct {
	Interval   time.Duration // scan interval
	Cooldown   time.Duration // sleep after a failed iteration
	ReclaimTTL time.Duration // In_Progress age before a claim is reclaimed
}

// DefaultConfig returns the production timings.
func DefaultConfig() Config {
	return Config{
		Interval:   10 * time.Second,
		Cooldown:   60 * time.Second,
		ReclaimTTL: 30 * time.Minute,
	}
}

// Poller owns the main worker loop.
type Poller struct {
	store   *vault.Store
	proc    Processor
	sweeper Sweeper
	cfg     Config
	log     *slog.Logger
}

// New creates a poller. sweeper may be nil.
func New(store *vault.Store, proc Processor, sweeper Sweeper, cfg Config) *Poller {
	return &Poller{
		store:   store,
		proc:    proc,
		sweeper: sweeper,
		cfg:     cfg,
		log:     slog.Default().With("component", "loop"),
	}
}

// Run polls until the context is cancelled. Errors inside an iteration are
// logged and answered with a cooldown sleep, never propagated.
func (p *Poller) Run(ctx context.Context) error {
	p.log.Info("poller starting", "interval", p.cfg.Interval, "worker", p.store.Layout().WorkerClass)
	for {
		delay := p.cfg.Interval
		if err := p.iterate(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			p.log.Error("iteration failed, cooling down", "error", err, "cooldown", p.cfg.Cooldown)
			delay = p.cfg.Cooldown
		}
		select {
		case <-ctx.Done():
			p.log.Info("poller stopping")
			return ctx.Err()
		case <-time.After(delay):
		}
	}
}

// iterate runs one full scan: housekeeping, then claim and dispatch every
// actionable task.
func (p *Poller) iterate(ctx context.Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("iteration panic: %v", r)
		}
	}()

	if p.store.Layout().StopRequested() {
		p.log.Warn("emergency stop active, skipping scan")
		return nil
	}

	if reclaimed, rErr := p.store.ReclaimStale(p.cfg.ReclaimTTL); rErr != nil {
		p.log.Error("reclaim failed", "error", rErr)
	} else if len(reclaimed) > 0 {
		p.log.Info("reclaimed orphaned claims", "count", len(reclaimed))
	}
	if p.sweeper != nil {
		if expired, sErr := p.sweeper.Sweep(); sErr != nil {
			p.log.Error("approval sweep failed", "error", sErr)
		} else if expired > 0 {
			p.log.Info("expired pending approvals", "count", expired)
		}
	}

	refs, err := p.store.ListActionable()
	if err != nil {
		return fmt.Errorf("list actionable: %w", err)
	}

	for _, ref := range refs {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		claimed, ok, cErr := p.store.Claim(ref)
		if cErr != nil {
			p.log.Error("claim failed", "task", ref.Name, "error", cErr)
			continue
		}
		if !ok {
			// Another worker won the rename race.
			continue
		}
		if pErr := p.processOne(ctx, claimed); pErr != nil {
			p.log.Error("task failed", "task", claimed.Name, "error", pErr)
			// A failed task goes back to the queue rather than wedging
			// In_Progress until the reclaim TTL.
			if _, tErr := p.store.Transition(claimed, vault.StateNeedsAction); tErr != nil {
				p.log.Error("requeue failed", "task", claimed.Name, "error", tErr)
			}
		}
	}
	return nil
}

// processOne isolates a single task: its panic is its own failure.
func (p *Poller) processOne(ctx context.Context, ref vault.Ref) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("task panic: %v", r)
		}
	}()
	return p.proc.Process(ctx, ref)
}
