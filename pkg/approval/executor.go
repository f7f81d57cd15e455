package approval

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/castellan-labs/castellan/pkg/audit"
	"github.com/castellan-labs/castellan/pkg/vault"
)

// Handler executes one approved action. The returned value is logged but
// otherwise discarded; an error moves the record to Rejected.
type Handler func(ctx context.Context, rec *Record) (any, error)

// Executor drains records that a human has moved into Approved, runs the
// approved action, and archives the record so it can never run twice.
// It is the unattended counterpart of Gate: the gate waits on a decision
// from inside a running task, the executor picks up decisions that arrive
// after the requesting process is gone.
type Executor struct {
	layout   *vault.Layout
	auditor  *audit.Logger
	handler  Handler
	interval time.Duration
	now      func() time.Time
}

// NewExecutor creates an executor scanning Approved at the given interval.
func NewExecutor(layout *vault.Layout, auditor *audit.Logger, handler Handler) *Executor {
	return &Executor{
		layout:   layout,
		auditor:  auditor,
		handler:  handler,
		interval: 10 * time.Second,
		now:      time.Now,
	}
}

// WithInterval overrides the scan interval.
func (e *Executor) WithInterval(d time.Duration) *Executor {
	e.interval = d
	return e
}

// WithClock overrides the clock for deterministic testing.
func (e *Executor) WithClock(now func() time.Time) *Executor {
	e.now = now
	return e
}

// Run scans until the context is cancelled.
func (e *Executor) Run(ctx context.Context) error {
	ticker := time.NewTicker(e.interval)
	defer ticker.Stop()
	for {
		if _, err := e.Scan(ctx); err != nil {
			e.logError("scan approved records", err)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Scan processes every unarchived record currently in Approved and returns
// how many were executed.
func (e *Executor) Scan(ctx context.Context) (int, error) {
	entries, err := os.ReadDir(e.layout.Approved())
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("read approved dir: %w", err)
	}

	executed := 0
	for _, ent := range entries {
		if ent.IsDir() || !strings.HasPrefix(ent.Name(), "APPROVAL_") {
			continue
		}
		if err := e.process(ctx, filepath.Join(e.layout.Approved(), ent.Name())); err != nil {
			e.logError("execute approved record", err)
			continue
		}
		executed++
	}
	return executed, nil
}

func (e *Executor) process(ctx context.Context, path string) error {
	rec, err := ParseRecord(path)
	if err != nil {
		// Unreadable records are quarantined to Rejected rather than looping
		// forever in Approved.
		e.reject(path)
		return err
	}

	start := e.now()
	_, actErr := e.handler(ctx, rec)
	if actErr != nil {
		e.reject(path)
		if e.auditor != nil {
			e.auditor.Log(audit.ActorOrchestrator, audit.ActionApproval, false, map[string]any{
				"event":  "approved_action_failed",
				"action": rec.Action,
				"token":  rec.TokenPrefix(),
			}, actErr.Error(), "")
		}
		return fmt.Errorf("approved action %s: %w", rec.Action, actErr)
	}

	e.archive(path)
	if e.auditor != nil {
		e.auditor.Log(audit.ActorOrchestrator, audit.ActionApproval, true, map[string]any{
			"event":       "approved_action_executed",
			"action":      rec.Action,
			"token":       rec.TokenPrefix(),
			"duration_ms": e.now().Sub(start).Milliseconds(),
		}, "", "")
	}
	return nil
}

// archive moves an executed record into Approved/archived under an
// executed_ prefix. Removal is the fallback so the record cannot rerun.
func (e *Executor) archive(path string) {
	dst := filepath.Join(e.layout.ApprovedArchive(),
		fmt.Sprintf("executed_%s_%s", e.now().Format("20060102_150405"), filepath.Base(path)))
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err == nil {
		if err := os.Rename(path, dst); err == nil {
			return
		}
	}
	_ = os.Remove(path)
}

// reject moves a failed record into Rejected under an error_ prefix so a
// human can inspect what went wrong.
func (e *Executor) reject(path string) {
	dst := filepath.Join(e.layout.Rejected(),
		fmt.Sprintf("error_%s_%s", e.now().Format("20060102_150405"), filepath.Base(path)))
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err == nil {
		if err := os.Rename(path, dst); err == nil {
			return
		}
	}
	_ = os.Remove(path)
}

func (e *Executor) logError(op string, err error) {
	if e.auditor == nil {
		return
	}
	e.auditor.LogError("approval_executor", fmt.Sprintf("%s: %v", op, err), nil, "error")
}
