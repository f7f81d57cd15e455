package loop

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/castellan-labs/castellan/pkg/vault"
)

type recordingProcessor struct {
	mu        sync.Mutex
	processed []string
	fail      map[string]error
	panicOn   string
}

func (r *recordingProcessor) Process(ctx context.Context, ref vault.Ref) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if ref.Name == r.panicOn {
		panic("handler exploded")
	}
	r.processed = append(r.processed, ref.Name)
	if err, ok := r.fail[ref.Name]; ok {
		return err
	}
	return nil
}

func (r *recordingProcessor) names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.processed...)
}

func newPollerFixture(t *testing.T, proc Processor) (*vault.Store, *Poller) {
	t.Helper()
	layout := vault.NewLayout(t.TempDir(), "local")
	require.NoError(t, layout.Init())
	store := vault.NewStore(layout, nil)
	cfg := Config{Interval: 5 * time.Millisecond, Cooldown: 5 * time.Millisecond, ReclaimTTL: time.Hour}
	return store, New(store, proc, nil, cfg)
}

func put(t *testing.T, store *vault.Store, name string) {
	t.Helper()
	_, err := store.Put(name, vault.StateNeedsAction, []byte("---\ntype: email\n---\n\nbody"))
	require.NoError(t, err)
}

func TestPollerProcessesQueuedTasks(t *testing.T) {
	proc := &recordingProcessor{}
	store, poller := newPollerFixture(t, proc)
	put(t, store, "a.md")
	put(t, store, "b.md")

	require.NoError(t, poller.iterate(context.Background()))
	require.Equal(t, []string{"a.md", "b.md"}, proc.names())
}

func TestPollerRequeuesFailedTask(t *testing.T) {
	proc := &recordingProcessor{fail: map[string]error{"bad.md": errors.New("boom")}}
	store, poller := newPollerFixture(t, proc)
	put(t, store, "bad.md")

	require.NoError(t, poller.iterate(context.Background()))

	refs, err := store.ListActionable()
	require.NoError(t, err)
	require.Len(t, refs, 1)
	require.Equal(t, "bad.md", refs[0].Name)
}

func TestPollerSurvivesHandlerPanic(t *testing.T) {
	proc := &recordingProcessor{panicOn: "evil.md"}
	store, poller := newPollerFixture(t, proc)
	put(t, store, "evil.md")
	put(t, store, "fine.md")

	require.NoError(t, poller.iterate(context.Background()))
	// The panicking task is requeued; the healthy one still ran.
	require.Equal(t, []string{"fine.md"}, proc.names())
	refs, err := store.ListActionable()
	require.NoError(t, err)
	require.Len(t, refs, 1)
	require.Equal(t, "evil.md", refs[0].Name)
}

func TestPollerHonorsEmergencyStop(t *testing.T) {
	proc := &recordingProcessor{}
	store, poller := newPollerFixture(t, proc)
	put(t, store, "a.md")
	require.NoError(t, store.Layout().RequestStop("halt"))

	require.NoError(t, poller.iterate(context.Background()))
	require.Empty(t, proc.names())
}

type countingSweeper struct{ calls int }

func (c *countingSweeper) Sweep() (int, error) {
	c.calls++
	return 0, nil
}

func TestPollerDrivesSweeper(t *testing.T) {
	proc := &recordingProcessor{}
	layout := vault.NewLayout(t.TempDir(), "local")
	require.NoError(t, layout.Init())
	store := vault.NewStore(layout, nil)
	sweeper := &countingSweeper{}
	poller := New(store, proc, sweeper, DefaultConfig())

	require.NoError(t, poller.iterate(context.Background()))
	require.Equal(t, 1, sweeper.calls)
}

func TestPollerRunStopsOnCancel(t *testing.T) {
	proc := &recordingProcessor{}
	store, poller := newPollerFixture(t, proc)
	put(t, store, "a.md")

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- poller.Run(ctx) }()

	require.Eventually(t, func() bool {
		return len(proc.names()) == 1
	}, 2*time.Second, 5*time.Millisecond)
	cancel()

	select {
	case err := <-done:
		require.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("poller did not stop on cancel")
	}
}
