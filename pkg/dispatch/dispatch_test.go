package dispatch

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/castellan-labs/castellan/pkg/approval"
	"github.com/castellan-labs/castellan/pkg/classify"
	"github.com/castellan-labs/castellan/pkg/llm"
	"github.com/castellan-labs/castellan/pkg/reason"
	"github.com/castellan-labs/castellan/pkg/vault"
)

type fixture struct {
	layout *vault.Layout
	store  *vault.Store
	orch   *Orchestrator
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	layout := vault.NewLayout(t.TempDir(), "local")
	require.NoError(t, layout.Init())
	store := vault.NewStore(layout, nil)
	sens, err := classify.NewSensitivity(nil)
	require.NoError(t, err)
	gate := approval.NewGate(layout, nil, approval.ModeUnattended)
	return &fixture{
		layout: layout,
		store:  store,
		orch:   New(store, sens, gate, nil),
	}
}

// enqueue writes a task into Needs_Action and claims it.
func (f *fixture) enqueue(t *testing.T, name, typeTag, content string) vault.Ref {
	t.Helper()
	task := &vault.Task{Meta: vault.FrontMatter{Type: typeTag}, Content: content}
	data, err := task.Render()
	require.NoError(t, err)
	ref, err := f.store.Put(name, vault.StateNeedsAction, data)
	require.NoError(t, err)
	claimed, ok, err := f.store.Claim(ref)
	require.NoError(t, err)
	require.True(t, ok)
	return claimed
}

func dirNames(t *testing.T, dir string) []string {
	t.Helper()
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return nil
	}
	require.NoError(t, err)
	var names []string
	for _, e := range entries {
		if !e.IsDir() {
			names = append(names, e.Name())
		}
	}
	return names
}

func TestBenignTaskFinishesWithPlan(t *testing.T) {
	f := newFixture(t)
	ref := f.enqueue(t, "summary.md", "email", "Summarize this newsletter for the weekly digest.")

	require.NoError(t, f.orch.Process(context.Background(), ref))

	require.Contains(t, dirNames(t, f.layout.Done()), "summary.md")
	require.Empty(t, dirNames(t, f.layout.PendingApproval()))

	plans := dirNames(t, f.layout.Plans())
	require.Len(t, plans, 1)
	require.True(t, strings.HasPrefix(plans[0], "PLAN_summary_"))
}

func TestInvoiceTaskParksBehindApproval(t *testing.T) {
	f := newFixture(t)
	ref := f.enqueue(t, "acme.md", "", "Create an invoice for ACME Corp, 1200 EUR, net 30.")

	require.NoError(t, f.orch.Process(context.Background(), ref))

	require.Contains(t, dirNames(t, f.layout.PendingApproval()), "acme.md")
	require.Empty(t, dirNames(t, f.layout.Done()))

	var recName string
	for _, name := range dirNames(t, f.layout.PendingApproval()) {
		if strings.HasPrefix(name, "APPROVAL_") {
			recName = name
		}
	}
	require.NotEmpty(t, recName, "approval record must exist next to the parked task")

	rec, err := approval.ParseRecord(filepath.Join(f.layout.PendingApproval(), recName))
	require.NoError(t, err)
	require.NotEmpty(t, rec.Action)
	require.Equal(t, approval.StatusPending, rec.Status)
	require.NotEmpty(t, rec.Details["reason"])
}

func TestApprovalDetailsCarryActionPayload(t *testing.T) {
	f := newFixture(t)
	f.orch.WithDrafter(&cannedDrafter{content: "Invoice ACME Corp for 1200 EUR, net 30."})
	ref := f.enqueue(t, "acme.md", "", "Create an invoice for ACME Corp, 1200 EUR, net 30.")

	require.NoError(t, f.orch.Process(context.Background(), ref))

	var rec *approval.Record
	for _, name := range dirNames(t, f.layout.PendingApproval()) {
		if strings.HasPrefix(name, "APPROVAL_") {
			parsed, err := approval.ParseRecord(filepath.Join(f.layout.PendingApproval(), name))
			require.NoError(t, err)
			rec = parsed
		}
	}
	require.NotNil(t, rec)
	require.Equal(t, "create_invoice", rec.Action)
	require.Equal(t, "acme.md", rec.Details["task"])
	require.Equal(t, "erp", rec.Details["kind"])
	require.Equal(t, "Invoice ACME Corp for 1200 EUR, net 30.", rec.Details["body"])
}

func TestUnclassifiableTaskAlwaysRequestsApproval(t *testing.T) {
	f := newFixture(t)
	ref := f.enqueue(t, "odd.md", "", "Water the office plants on level 3.")

	require.NoError(t, f.orch.Process(context.Background(), ref))

	require.Contains(t, dirNames(t, f.layout.PendingApproval()), "odd.md")

	found := false
	for _, name := range dirNames(t, f.layout.PendingApproval()) {
		if strings.HasPrefix(name, "APPROVAL_manual_review_") {
			found = true
		}
	}
	require.True(t, found, "unknown tasks fall back to a manual_review approval")
}

func TestExplicitSensitiveActionGated(t *testing.T) {
	f := newFixture(t)
	task := &vault.Task{
		Meta:    vault.FrontMatter{Type: "email", Action: "send_email"},
		Content: "Say thanks to the customer.",
	}
	data, err := task.Render()
	require.NoError(t, err)
	ref, err := f.store.Put("thanks.md", vault.StateNeedsAction, data)
	require.NoError(t, err)
	claimed, ok, err := f.store.Claim(ref)
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, f.orch.Process(context.Background(), claimed))
	require.Contains(t, dirNames(t, f.layout.PendingApproval()), "thanks.md")
}

type cannedDrafter struct{ content string }

func (c *cannedDrafter) Chat(ctx context.Context, messages []llm.Message, tools []llm.ToolDefinition, options *llm.SamplingOptions) (*llm.Response, error) {
	return &llm.Response{Content: c.content}, nil
}

func TestDrafterContentLandsInPlan(t *testing.T) {
	f := newFixture(t)
	f.orch.WithDrafter(&cannedDrafter{content: "Dear customer, thanks for reaching out."})
	ref := f.enqueue(t, "reply.md", "email", "Customer asked about opening hours, please respond.")

	require.NoError(t, f.orch.Process(context.Background(), ref))

	plans := dirNames(t, f.layout.Plans())
	require.Len(t, plans, 1)
	body, err := os.ReadFile(filepath.Join(f.layout.Plans(), plans[0]))
	require.NoError(t, err)
	require.Contains(t, string(body), "Dear customer, thanks for reaching out.")
}

func TestPersistenceModeMapsOutcomes(t *testing.T) {
	cases := []struct {
		name    string
		signal  string
		wantDir func(f *fixture) string
	}{
		{"done", `{"signal":"DONE","summary":"handled"}`, func(f *fixture) string { return f.layout.Done() }},
		{"failed", `{"signal":"FAILED","summary":"impossible"}`, func(f *fixture) string { return f.layout.Rejected() }},
		{"needs-human", `{"signal":"NEEDS_HUMAN","summary":"too risky"}`, func(f *fixture) string { return f.layout.PendingApproval() }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(t)
			client := &cannedDrafter{content: tc.signal}
			gate := approval.NewGate(f.layout, nil, approval.ModeUnattended)
			loop := reason.NewLoop(client, reason.NewToolbox(nil), f.layout, gate, nil)
			f.orch.WithLoop(loop)

			ref := f.enqueue(t, "task.md", "email", "reply to the customer")
			require.NoError(t, f.orch.Process(context.Background(), ref))
			require.Contains(t, dirNames(t, tc.wantDir(f)), "task.md")
		})
	}
}

func TestPersistenceModeStopRequeues(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.layout.RequestStop("halt"))
	client := &cannedDrafter{content: `{"signal":"DONE"}`}
	loop := reason.NewLoop(client, reason.NewToolbox(nil), f.layout, nil, nil)
	f.orch.WithLoop(loop)

	ref := f.enqueue(t, "task.md", "email", "reply")
	require.NoError(t, f.orch.Process(context.Background(), ref))
	require.Contains(t, dirNames(t, f.layout.NeedsAction()), "task.md")
}
