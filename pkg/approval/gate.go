package approval

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/castellan-labs/castellan/pkg/audit"
	"github.com/castellan-labs/castellan/pkg/vault"
)

// Mode selects how approval decisions are obtained.
type Mode string

const (
	// ModeInteractive prompts a local operator YES/NO on the gate's
	// reader/writer pair and acts immediately on the answer.
	ModeInteractive Mode = "interactive"
	// ModeUnattended persists a pending record and polls for a human to
	// relocate it into Approved or Rejected.
	ModeUnattended Mode = "unattended"
)

// Result of a gated invocation.
type Result struct {
	Status  string // approved / rejected / timeout / cancelled
	Value   any    // return value of the action, when it ran
	Receipt *Receipt
}

// ErrNotDecided is returned internally while a record is still pending.
var errNotDecided = errors.New("approval not decided")

// Gate intercepts sensitive actions and blocks them on human sign-off.
type Gate struct {
	layout       *vault.Layout
	auditor      *audit.Logger
	mode         Mode
	pollInterval time.Duration
	timeout      time.Duration
	now          func() time.Time
	in           io.Reader
	out          io.Writer
}

// NewGate creates a gate over the vault layout. auditor may be nil.
func NewGate(layout *vault.Layout, auditor *audit.Logger, mode Mode) *Gate {
	return &Gate{
		layout:       layout,
		auditor:      auditor,
		mode:         mode,
		pollInterval: 5 * time.Second,
		timeout:      time.Hour,
		now:          time.Now,
		in:           os.Stdin,
		out:          os.Stdout,
	}
}

// WithPrompt overrides the interactive reader/writer.
func (g *Gate) WithPrompt(in io.Reader, out io.Writer) *Gate {
	g.in, g.out = in, out
	return g
}

// WithTiming overrides the unattended poll interval and timeout.
func (g *Gate) WithTiming(poll, timeout time.Duration) *Gate {
	g.pollInterval, g.timeout = poll, timeout
	return g
}

// WithClock overrides the clock for deterministic testing.
func (g *Gate) WithClock(now func() time.Time) *Gate {
	g.now = now
	return g
}

// CreateRequest persists a pending approval record and returns it with its
// on-disk path.
func (g *Gate) CreateRequest(action string, details map[string]string, sourceTask string) (*Record, string, error) {
	rec := NewRecord(action, details, sourceTask, g.now())
	data, err := rec.Render()
	if err != nil {
		return nil, "", err
	}
	path := filepath.Join(g.layout.PendingApproval(), rec.Filename())
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, "", err
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return nil, "", fmt.Errorf("persist approval record: %w", err)
	}
	g.audit("approval_requested", rec, true, "")
	return rec, path, nil
}

// Invoke gates action behind human approval. The action is invoked at most
// once, and only after an approval signal.
func (g *Gate) Invoke(ctx context.Context, name string, details map[string]string, sourceTask string, action func() (any, error)) (*Result, error) {
	if g.mode == ModeInteractive {
		return g.invokeInteractive(name, details, action)
	}
	return g.invokeUnattended(ctx, name, details, sourceTask, action)
}

func (g *Gate) invokeInteractive(name string, details map[string]string, action func() (any, error)) (*Result, error) {
	fmt.Fprintf(g.out, "\n--- HUMAN APPROVAL REQUIRED ---\n")
	fmt.Fprintf(g.out, "Action: %s\n", name)
	for k, v := range details {
		fmt.Fprintf(g.out, "  %s: %s\n", k, v)
	}

	scanner := bufio.NewScanner(g.in)
	for {
		fmt.Fprint(g.out, "Approve this action? (YES/NO): ")
		if !scanner.Scan() {
			return &Result{Status: StatusRejected}, nil
		}
		switch strings.ToUpper(strings.TrimSpace(scanner.Text())) {
		case "YES", "Y":
			value, err := action()
			if err != nil {
				return nil, err
			}
			return &Result{Status: StatusApproved, Value: value}, nil
		case "NO", "N":
			fmt.Fprintln(g.out, "Action cancelled by operator.")
			return &Result{Status: StatusRejected}, nil
		default:
			fmt.Fprintln(g.out, "Please respond with YES or NO.")
		}
	}
}

func (g *Gate) invokeUnattended(ctx context.Context, name string, details map[string]string, sourceTask string, action func() (any, error)) (*Result, error) {
	rec, pendingPath, err := g.CreateRequest(name, details, sourceTask)
	if err != nil {
		return nil, err
	}

	deadline := g.now().Add(g.timeout)
	for {
		outcome, decidedPath, err := g.checkDecision(rec, pendingPath)
		if err == nil {
			switch outcome {
			case StatusApproved:
				value, actErr := action()
				// The decided record is consumed exactly once.
				g.archive(decidedPath)
				receipt := newReceipt(rec, StatusApproved, g.now())
				g.audit("approval_granted", rec, actErr == nil, errString(actErr))
				if actErr != nil {
					return &Result{Status: StatusApproved, Receipt: receipt}, actErr
				}
				return &Result{Status: StatusApproved, Value: value, Receipt: receipt}, nil
			case StatusRejected:
				_ = os.Remove(decidedPath)
				g.audit("approval_rejected", rec, true, "")
				return &Result{Status: StatusRejected, Receipt: newReceipt(rec, StatusRejected, g.now())}, nil
			}
		} else if !errors.Is(err, errNotDecided) {
			return nil, err
		}

		if g.now().After(deadline) {
			_ = os.Remove(pendingPath)
			g.audit("approval_timeout", rec, false, "timeout waiting for approval")
			return &Result{Status: StatusTimedOut, Receipt: newReceipt(rec, StatusTimedOut, g.now())}, nil
		}
		if err := sleepCtx(ctx, g.pollInterval); err != nil {
			return nil, err
		}
	}
}

// checkDecision looks for the record in its pending, approved, and rejected
// locations. A record that is still pending (or whose directories vanished)
// yields errNotDecided so the caller keeps polling.
func (g *Gate) checkDecision(rec *Record, pendingPath string) (string, string, error) {
	if _, err := os.Stat(pendingPath); err == nil {
		return "", "", errNotDecided
	}
	if path, ok := findByToken(g.layout.Approved(), rec); ok {
		return StatusApproved, path, nil
	}
	if path, ok := findByToken(g.layout.Rejected(), rec); ok {
		return StatusRejected, path, nil
	}
	// Moved somewhere we cannot see yet, or directories missing: treat as
	// still pending.
	return "", "", errNotDecided
}

func findByToken(dir string, rec *Record) (string, bool) {
	pattern := filepath.Join(dir, fmt.Sprintf("APPROVAL_%s_%s*", rec.Action, rec.TokenPrefix()))
	matches, err := filepath.Glob(pattern)
	if err != nil || len(matches) == 0 {
		return "", false
	}
	return matches[0], true
}

// archive relocates an executed approval record under Approved/archived with
// a timestamped name, preserving the at-most-once execution invariant.
func (g *Gate) archive(path string) {
	archived := filepath.Join(g.layout.ApprovedArchive(),
		fmt.Sprintf("executed_%s_%s", g.now().Format("20060102_150405"), filepath.Base(path)))
	if err := os.Rename(path, archived); err != nil {
		// Removal is the fallback; the record must not be executable twice.
		_ = os.Remove(path)
	}
}

// Sweep expires pending records older than the gate timeout, treating each
// as an implicit rejection. Returns the number of expired records.
func (g *Gate) Sweep() (int, error) {
	entries, err := os.ReadDir(g.layout.PendingApproval())
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, err
	}

	expired := 0
	cutoff := g.now().Add(-g.timeout)
	for _, e := range entries {
		if e.IsDir() || !strings.HasPrefix(e.Name(), "APPROVAL_") {
			continue
		}
		path := filepath.Join(g.layout.PendingApproval(), e.Name())
		rec, err := ParseRecord(path)
		if err != nil {
			continue
		}
		if rec.Timestamp.Before(cutoff) {
			if err := os.Remove(path); err == nil {
				expired++
				g.audit("approval_expired", rec, false, "expired without decision")
			}
		}
	}
	return expired, nil
}

// Reconcile lists pending records left behind by a previous process, so a
// restarted worker can resume waiting on them instead of orphaning them.
func (g *Gate) Reconcile() ([]*Record, error) {
	entries, err := os.ReadDir(g.layout.PendingApproval())
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var records []*Record
	for _, e := range entries {
		if e.IsDir() || !strings.HasPrefix(e.Name(), "APPROVAL_") {
			continue
		}
		rec, err := ParseRecord(filepath.Join(g.layout.PendingApproval(), e.Name()))
		if err != nil {
			continue
		}
		records = append(records, rec)
	}
	return records, nil
}

// AwaitExisting resumes waiting on a reconciled record.
func (g *Gate) AwaitExisting(ctx context.Context, rec *Record, action func() (any, error)) (*Result, error) {
	pendingPath := filepath.Join(g.layout.PendingApproval(), rec.Filename())
	deadline := rec.Timestamp.Add(g.timeout)
	for {
		outcome, decidedPath, err := g.checkDecision(rec, pendingPath)
		if err == nil {
			switch outcome {
			case StatusApproved:
				value, actErr := action()
				g.archive(decidedPath)
				if actErr != nil {
					return &Result{Status: StatusApproved, Receipt: newReceipt(rec, StatusApproved, g.now())}, actErr
				}
				return &Result{Status: StatusApproved, Value: value, Receipt: newReceipt(rec, StatusApproved, g.now())}, nil
			case StatusRejected:
				_ = os.Remove(decidedPath)
				return &Result{Status: StatusRejected, Receipt: newReceipt(rec, StatusRejected, g.now())}, nil
			}
		} else if !errors.Is(err, errNotDecided) {
			return nil, err
		}
		if g.now().After(deadline) {
			_ = os.Remove(pendingPath)
			return &Result{Status: StatusTimedOut, Receipt: newReceipt(rec, StatusTimedOut, g.now())}, nil
		}
		if err := sleepCtx(ctx, g.pollInterval); err != nil {
			return nil, err
		}
	}
}

func (g *Gate) audit(event string, rec *Record, success bool, errMsg string) {
	if g.auditor == nil {
		return
	}
	g.auditor.Log(audit.ActorOrchestrator, audit.ActionApproval, success, map[string]any{
		"event":       event,
		"action":      rec.Action,
		"token":       rec.TokenPrefix(),
		"source_task": rec.SourceTask,
	}, errMsg, "")
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
