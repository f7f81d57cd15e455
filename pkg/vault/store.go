package vault

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

// Ref points at a task file in a specific state directory.
type Ref struct {
	Name  string // filename including extension
	State State
	path  string
}

// Path returns the current on-disk location of the reference.
func (r Ref) Path() string { return r.path }

// ID returns the task id (filename stem).
func (r Ref) ID() string {
	return strings.TrimSuffix(r.Name, filepath.Ext(r.Name))
}

// Journal receives every transition the store performs. Implemented by
// pkg/journal; a nil journal disables durable recording.
type Journal interface {
	RecordTransition(taskID, from, to, worker string) error
}

// Store exposes the only two operations workers consume: list actionable
// tasks and move a task between states. Claiming relies entirely on the
// atomicity of os.Rename on the underlying filesystem.
type Store struct {
	layout  *Layout
	journal Journal
	now     func() time.Time
}

// NewStore creates a Store over the given layout. journal may be nil.
func NewStore(layout *Layout, journal Journal) *Store {
	return &Store{layout: layout, journal: journal, now: time.Now}
}

// Layout returns the store's vault layout.
func (s *Store) Layout() *Layout { return s.layout }

// taskExts are the file types treated as tasks.
var taskExts = map[string]bool{".md": true, ".json": true}

// ListActionable lists task files in the Needs_Action directory, excluding
// any file already present in this worker class's In_Progress directory.
// Results are sorted by name; directory order is not otherwise guaranteed.
func (s *Store) ListActionable() ([]Ref, error) {
	entries, err := os.ReadDir(s.layout.NeedsAction())
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("list %s: %w", s.layout.NeedsAction(), err)
	}

	claimed := map[string]bool{}
	if inProg, err := os.ReadDir(s.layout.InProgress()); err == nil {
		for _, e := range inProg {
			claimed[e.Name()] = true
		}
	}

	var refs []Ref
	for _, e := range entries {
		if e.IsDir() || !taskExts[strings.ToLower(filepath.Ext(e.Name()))] {
			continue
		}
		if claimed[e.Name()] {
			continue
		}
		refs = append(refs, Ref{
			Name:  e.Name(),
			State: StateNeedsAction,
			path:  filepath.Join(s.layout.NeedsAction(), e.Name()),
		})
	}
	sort.Slice(refs, func(i, j int) bool { return refs[i].Name < refs[j].Name })
	return refs, nil
}

// Claim atomically moves a task into this worker's In_Progress directory.
// A lost race (the file no longer exists) returns ok=false and no error;
// the racing winner owns the task.
func (s *Store) Claim(ref Ref) (Ref, bool, error) {
	dst := filepath.Join(s.layout.InProgress(), ref.Name)
	if err := os.Rename(ref.path, dst); err != nil {
		if os.IsNotExist(err) {
			return Ref{}, false, nil
		}
		return Ref{}, false, fmt.Errorf("claim %s: %w", ref.Name, err)
	}
	s.record(ref.ID(), ref.State, StateInProgress)
	return Ref{Name: ref.Name, State: StateInProgress, path: dst}, true, nil
}

// Transition moves a claimed task into a terminal state directory.
func (s *Store) Transition(ref Ref, target State) (Ref, error) {
	dir, err := s.layout.StateDir(target)
	if err != nil {
		return Ref{}, err
	}
	dst := filepath.Join(dir, ref.Name)
	if err := os.Rename(ref.path, dst); err != nil {
		return Ref{}, fmt.Errorf("transition %s to %s: %w", ref.Name, target, err)
	}
	s.record(ref.ID(), ref.State, target)
	return Ref{Name: ref.Name, State: target, path: dst}, nil
}

// Put writes a new task file into a state directory. Used by producers and
// by handlers that materialize derived artifacts.
func (s *Store) Put(name string, state State, data []byte) (Ref, error) {
	dir, err := s.layout.StateDir(state)
	if err != nil {
		return Ref{}, err
	}
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return Ref{}, fmt.Errorf("write task %s: %w", name, err)
	}
	s.record(strings.TrimSuffix(name, filepath.Ext(name)), "", state)
	return Ref{Name: name, State: state, path: path}, nil
}

// ReclaimStale requeues tasks that have sat in In_Progress longer than ttl,
// recovering claims orphaned by a crashed worker. Returns the requeued refs.
func (s *Store) ReclaimStale(ttl time.Duration) ([]Ref, error) {
	entries, err := os.ReadDir(s.layout.InProgress())
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("list %s: %w", s.layout.InProgress(), err)
	}

	cutoff := s.now().Add(-ttl)
	var requeued []Ref
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		info, err := e.Info()
		if err != nil || info.ModTime().After(cutoff) {
			continue
		}
		src := filepath.Join(s.layout.InProgress(), e.Name())
		dst := filepath.Join(s.layout.NeedsAction(), e.Name())
		if err := os.Rename(src, dst); err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return requeued, fmt.Errorf("requeue %s: %w", e.Name(), err)
		}
		s.record(strings.TrimSuffix(e.Name(), filepath.Ext(e.Name())), StateInProgress, StateNeedsAction)
		requeued = append(requeued, Ref{Name: e.Name(), State: StateNeedsAction, path: dst})
	}
	return requeued, nil
}

func (s *Store) record(taskID string, from, to State) {
	if s.journal == nil {
		return
	}
	// A failed journal write must not block the state machine.
	_ = s.journal.RecordTransition(taskID, string(from), string(to), s.layout.WorkerClass)
}
