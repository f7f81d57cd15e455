package vault

import (
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/require"
)

func testStore(t *testing.T) *Store {
	t.Helper()
	layout := NewLayout(t.TempDir(), "cloud")
	require.NoError(t, layout.Init())
	return NewStore(layout, nil)
}

func writeTask(t *testing.T, s *Store, name, content string) Ref {
	t.Helper()
	ref, err := s.Put(name, StateNeedsAction, []byte(content))
	require.NoError(t, err)
	return ref
}

func TestListActionableExcludesClaimed(t *testing.T) {
	s := testStore(t)
	writeTask(t, s, "a.md", "task a")
	b := writeTask(t, s, "b.md", "task b")

	refs, err := s.ListActionable()
	require.NoError(t, err)
	require.Len(t, refs, 2)

	_, ok, err := s.Claim(b)
	require.NoError(t, err)
	require.True(t, ok)

	refs, err = s.ListActionable()
	require.NoError(t, err)
	require.Len(t, refs, 1)
	require.Equal(t, "a.md", refs[0].Name)
}

func TestListActionableIgnoresNonTaskFiles(t *testing.T) {
	s := testStore(t)
	writeTask(t, s, "a.md", "task a")
	require.NoError(t, os.WriteFile(filepath.Join(s.Layout().NeedsAction(), "notes.txt"), []byte("x"), 0o644))

	refs, err := s.ListActionable()
	require.NoError(t, err)
	require.Len(t, refs, 1)
}

func TestClaimLostRaceIsSilent(t *testing.T) {
	s := testStore(t)
	ref := writeTask(t, s, "a.md", "task a")

	_, ok, err := s.Claim(ref)
	require.NoError(t, err)
	require.True(t, ok)

	// Second claim of the same reference observes no file.
	_, ok, err = s.Claim(ref)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestConcurrentClaimExactlyOneWins(t *testing.T) {
	s := testStore(t)
	ref := writeTask(t, s, "contested.md", "task")

	const workers = 8
	var wg sync.WaitGroup
	wins := make(chan Ref, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if claimed, ok, err := s.Claim(ref); err == nil && ok {
				wins <- claimed
			}
		}()
	}
	wg.Wait()
	close(wins)

	var count int
	for range wins {
		count++
	}
	require.Equal(t, 1, count)
}

func TestTransitionMovesExactlyOnce(t *testing.T) {
	s := testStore(t)
	ref := writeTask(t, s, "a.md", "task a")

	claimed, ok, err := s.Claim(ref)
	require.NoError(t, err)
	require.True(t, ok)

	done, err := s.Transition(claimed, StateDone)
	require.NoError(t, err)
	require.FileExists(t, done.Path())
	require.NoFileExists(t, claimed.Path())

	// Moving the stale reference again fails; the file is elsewhere.
	_, err = s.Transition(claimed, StateRejected)
	require.Error(t, err)
}

func TestReclaimStaleRequeuesOrphans(t *testing.T) {
	s := testStore(t)
	ref := writeTask(t, s, "orphan.md", "task")
	claimed, ok, err := s.Claim(ref)
	require.NoError(t, err)
	require.True(t, ok)

	old := time.Now().Add(-2 * time.Hour)
	require.NoError(t, os.Chtimes(claimed.Path(), old, old))

	requeued, err := s.ReclaimStale(time.Hour)
	require.NoError(t, err)
	require.Len(t, requeued, 1)
	require.Equal(t, StateNeedsAction, requeued[0].State)

	refs, err := s.ListActionable()
	require.NoError(t, err)
	require.Len(t, refs, 1)
}

func TestReclaimStaleKeepsFreshClaims(t *testing.T) {
	s := testStore(t)
	ref := writeTask(t, s, "fresh.md", "task")
	_, ok, err := s.Claim(ref)
	require.NoError(t, err)
	require.True(t, ok)

	requeued, err := s.ReclaimStale(time.Hour)
	require.NoError(t, err)
	require.Empty(t, requeued)
}

// Property: for any batch of tasks raced over by several claimers, every task
// is claimed exactly once and nothing is lost or duplicated.
func TestClaimExclusivityProperty(t *testing.T) {
	params := gopter.DefaultTestParameters()
	params.MinSuccessfulTests = 20

	properties := gopter.NewProperties(params)
	properties.Property("each task claimed exactly once", prop.ForAll(
		func(taskCount int, claimers int) bool {
			layout := NewLayout(t.TempDir(), "cloud")
			if err := layout.Init(); err != nil {
				return false
			}
			s := NewStore(layout, nil)

			refs := make([]Ref, taskCount)
			for i := range refs {
				ref, err := s.Put(taskName(i), StateNeedsAction, []byte("t"))
				if err != nil {
					return false
				}
				refs[i] = ref
			}

			var wg sync.WaitGroup
			total := make(chan int, claimers)
			for w := 0; w < claimers; w++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					n := 0
					for _, ref := range refs {
						if _, ok, err := s.Claim(ref); err == nil && ok {
							n++
						}
					}
					total <- n
				}()
			}
			wg.Wait()
			close(total)

			sum := 0
			for n := range total {
				sum += n
			}
			return sum == taskCount
		},
		gen.IntRange(1, 12),
		gen.IntRange(2, 5),
	))
	properties.TestingRun(t)
}

func taskName(i int) string {
	return "task_" + string(rune('a'+i)) + ".md"
}

func TestStopSentinel(t *testing.T) {
	layout := NewLayout(t.TempDir(), "local")
	require.NoError(t, layout.Init())

	require.False(t, layout.StopRequested())
	require.NoError(t, layout.RequestStop("halt"))
	require.True(t, layout.StopRequested())
	require.NoError(t, layout.ClearStop())
	require.False(t, layout.StopRequested())
	require.NoError(t, layout.ClearStop())
}
