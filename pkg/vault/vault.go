// Package vault models the on-disk task vault: a fixed tree of state
// directories in which a task's status is positional (the directory that
// currently holds its file). The package owns the directory layout, the
// atomic-rename claim protocol, and state transitions; the durable record
// of transitions lives in pkg/journal.
package vault

import (
	"fmt"
	"os"
	"path/filepath"
)

// State is the explicit task state. Directories are the presentation of
// this enum, not the other way around.
type State string

const (
	StateInbox           State = "inbox"
	StateNeedsAction     State = "needs_action"
	StateInProgress      State = "in_progress"
	StateDone            State = "done"
	StatePendingApproval State = "pending_approval"
	StateApproved        State = "approved"
	StateRejected        State = "rejected"
)

// Directory names inside the vault root.
const (
	DirInbox           = "Inbox"
	DirNeedsAction     = "Needs_Action"
	DirInProgress      = "In_Progress"
	DirDone            = "Done"
	DirPendingApproval = "Pending_Approval"
	DirApproved        = "Approved"
	DirRejected        = "Rejected"
	DirPlans           = "Plans"
	DirLogs            = "Logs"
	DirUpdates         = "Updates"
	DirSignals         = "Signals"
)

// ArchivedSubdir holds executed approval records under Approved/.
const ArchivedSubdir = "archived"

// StopSentinel is the emergency-stop file checked by iterative loops.
const StopSentinel = "EMERGENCY_STOP"

// Layout is a handle over a vault root directory.
type Layout struct {
	Root        string
	WorkerClass string // "cloud" or "local"; scopes In_Progress and Pending_Approval
}

// NewLayout returns a Layout rooted at root for the given worker class.
func NewLayout(root, workerClass string) *Layout {
	return &Layout{Root: root, WorkerClass: workerClass}
}

// Init creates every vault directory, including worker-scoped subdirectories.
func (l *Layout) Init() error {
	dirs := []string{
		l.Inbox(), l.NeedsAction(), l.InProgress(), l.Done(),
		l.PendingApproval(), l.Approved(), l.ApprovedArchive(), l.Rejected(),
		l.Plans(), l.Logs(), l.Updates(), l.Signals(),
	}
	for _, d := range dirs {
		if err := os.MkdirAll(d, 0o755); err != nil {
			return fmt.Errorf("create vault dir %s: %w", d, err)
		}
	}
	return nil
}

func (l *Layout) Inbox() string       { return filepath.Join(l.Root, DirInbox) }
func (l *Layout) NeedsAction() string { return filepath.Join(l.Root, DirNeedsAction) }
func (l *Layout) Done() string        { return filepath.Join(l.Root, DirDone) }
func (l *Layout) Approved() string    { return filepath.Join(l.Root, DirApproved) }
func (l *Layout) Rejected() string    { return filepath.Join(l.Root, DirRejected) }
func (l *Layout) Plans() string       { return filepath.Join(l.Root, DirPlans) }
func (l *Layout) Logs() string        { return filepath.Join(l.Root, DirLogs) }
func (l *Layout) Updates() string     { return filepath.Join(l.Root, DirUpdates) }
func (l *Layout) Signals() string     { return filepath.Join(l.Root, DirSignals) }

// InProgress is scoped per worker class so cloud and local workers never
// observe each other's claims.
func (l *Layout) InProgress() string {
	return filepath.Join(l.Root, DirInProgress, l.WorkerClass)
}

// PendingApproval is scoped per worker class, matching In_Progress.
func (l *Layout) PendingApproval() string {
	return filepath.Join(l.Root, DirPendingApproval, l.WorkerClass)
}

// ApprovedArchive holds approval records that have already been executed.
func (l *Layout) ApprovedArchive() string {
	return filepath.Join(l.Approved(), ArchivedSubdir)
}

// StateDir maps a state to its directory for this layout.
func (l *Layout) StateDir(s State) (string, error) {
	switch s {
	case StateInbox:
		return l.Inbox(), nil
	case StateNeedsAction:
		return l.NeedsAction(), nil
	case StateInProgress:
		return l.InProgress(), nil
	case StateDone:
		return l.Done(), nil
	case StatePendingApproval:
		return l.PendingApproval(), nil
	case StateApproved:
		return l.Approved(), nil
	case StateRejected:
		return l.Rejected(), nil
	}
	return "", fmt.Errorf("unknown vault state %q", s)
}

// StopRequested reports whether the emergency-stop sentinel exists.
func (l *Layout) StopRequested() bool {
	_, err := os.Stat(filepath.Join(l.Signals(), StopSentinel))
	return err == nil
}

// RequestStop creates the emergency-stop sentinel.
func (l *Layout) RequestStop(reason string) error {
	path := filepath.Join(l.Signals(), StopSentinel)
	return os.WriteFile(path, []byte(reason+"\n"), 0o644)
}

// ClearStop removes the emergency-stop sentinel if present.
func (l *Layout) ClearStop() error {
	err := os.Remove(filepath.Join(l.Signals(), StopSentinel))
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}
