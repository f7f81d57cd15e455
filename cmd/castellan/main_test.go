package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/castellan-labs/castellan/pkg/approval"
	"github.com/castellan-labs/castellan/pkg/classify"
	"github.com/castellan-labs/castellan/pkg/dispatch"
	"github.com/castellan-labs/castellan/pkg/mcp"
	"github.com/castellan-labs/castellan/pkg/vault"
)

func runCmd(t *testing.T, vaultRoot string, args ...string) (int, string, string) {
	t.Helper()
	t.Setenv("CASTELLAN_VAULT", vaultRoot)
	t.Setenv("CASTELLAN_WORKER_CLASS", "local")
	var stdout, stderr bytes.Buffer
	code := Run(append([]string{"castellan"}, args...), &stdout, &stderr)
	return code, stdout.String(), stderr.String()
}

func TestInitCreatesVaultTree(t *testing.T) {
	root := t.TempDir()
	code, out, _ := runCmd(t, root, "init")
	require.Zero(t, code)
	require.Contains(t, out, "vault initialized")

	for _, dir := range []string{"Inbox", "Needs_Action", "Done", "Pending_Approval", "Approved", "Rejected", "Plans", "Logs", "Updates", "Signals"} {
		info, err := os.Stat(filepath.Join(root, dir))
		require.NoError(t, err, dir)
		require.True(t, info.IsDir())
	}
}

func TestStatusCountsQueues(t *testing.T) {
	root := t.TempDir()
	code, _, _ := runCmd(t, root, "init")
	require.Zero(t, code)
	require.NoError(t, os.WriteFile(filepath.Join(root, "Needs_Action", "a.md"), []byte("x"), 0o644))

	code, out, _ := runCmd(t, root, "status")
	require.Zero(t, code)
	require.Contains(t, out, "Needs_Action")

	for _, line := range strings.Split(out, "\n") {
		if strings.HasPrefix(line, "Needs_Action") {
			require.True(t, strings.HasSuffix(strings.TrimSpace(line), "1"), line)
		}
	}
}

func TestStopAndResume(t *testing.T) {
	root := t.TempDir()
	code, _, _ := runCmd(t, root, "init")
	require.Zero(t, code)

	code, out, _ := runCmd(t, root, "stop", "maintenance", "window")
	require.Zero(t, code)
	require.Contains(t, out, "emergency stop requested")

	sentinel := filepath.Join(root, "Signals", "EMERGENCY_STOP")
	data, err := os.ReadFile(sentinel)
	require.NoError(t, err)
	require.Contains(t, string(data), "maintenance window")

	code, _, out2 := runCmd(t, root, "status")
	_ = out2
	require.Zero(t, code)

	code, out, _ = runCmd(t, root, "resume")
	require.Zero(t, code)
	require.Contains(t, out, "cleared")
	_, err = os.Stat(sentinel)
	require.True(t, os.IsNotExist(err))
}

func TestApproveMovesRecord(t *testing.T) {
	root := t.TempDir()
	code, _, _ := runCmd(t, root, "init")
	require.Zero(t, code)

	name := "APPROVAL_send_email_deadbeef_20260101_000000.md"
	pending := filepath.Join(root, "Pending_Approval", "local", name)
	require.NoError(t, os.WriteFile(pending, []byte("---\naction: send_email\n---\n"), 0o644))

	code, out, _ := runCmd(t, root, "approve", name)
	require.Zero(t, code)
	require.Contains(t, out, "Approved")

	_, err := os.Stat(filepath.Join(root, "Approved", name))
	require.NoError(t, err)
}

func TestRejectUnknownRecordFails(t *testing.T) {
	root := t.TempDir()
	code, _, _ := runCmd(t, root, "init")
	require.Zero(t, code)

	code, _, errOut := runCmd(t, root, "reject", "no-such-record.md")
	require.Equal(t, 1, code)
	require.Contains(t, errOut, "record not found")
}

// TestApprovalRoundTripExecutesAction walks the full path a gated task
// takes in production: dispatch parks it behind an approval record, a human
// moves the record to Approved, and the executor routes the bare action
// name through the registry, posts the record details, and archives the
// record.
func TestApprovalRoundTripExecutesAction(t *testing.T) {
	layout := vault.NewLayout(t.TempDir(), "local")
	require.NoError(t, layout.Init())
	store := vault.NewStore(layout, nil)
	sens, err := classify.NewSensitivity(nil)
	require.NoError(t, err)
	gate := approval.NewGate(layout, nil, approval.ModeUnattended)
	orch := dispatch.New(store, sens, gate, nil)

	var gotPath string
	var gotBody map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))
		_ = json.NewEncoder(w).Encode(map[string]any{"status": "created"})
	}))
	defer srv.Close()

	registry, err := mcp.ParseRegistry([]byte(fmt.Sprintf(`
services:
  odoo:
    url: %q
    endpoints:
      create_invoice: /create_invoice
`, srv.URL)))
	require.NoError(t, err)
	client := mcp.NewClient(registry, nil)

	task := &vault.Task{Content: "Create an invoice for ACME Corp, 1200 EUR, net 30."}
	data, err := task.Render()
	require.NoError(t, err)
	ref, err := store.Put("acme.md", vault.StateNeedsAction, data)
	require.NoError(t, err)
	claimed, ok, err := store.Claim(ref)
	require.NoError(t, err)
	require.True(t, ok)
	require.NoError(t, orch.Process(context.Background(), claimed))

	var recName string
	entries, err := os.ReadDir(layout.PendingApproval())
	require.NoError(t, err)
	for _, e := range entries {
		if strings.HasPrefix(e.Name(), "APPROVAL_") {
			recName = e.Name()
		}
	}
	require.NotEmpty(t, recName)
	require.NoError(t, os.Rename(
		filepath.Join(layout.PendingApproval(), recName),
		filepath.Join(layout.Approved(), recName)))

	executor := approval.NewExecutor(layout, nil, actionHandler(client))
	executed, err := executor.Scan(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, executed)

	require.Equal(t, "/create_invoice", gotPath)
	require.Equal(t, "acme.md", gotBody["task"])
	require.Contains(t, gotBody["body"], "ACME Corp")

	// The record left Approved for the archive and cannot run again.
	entries, err = os.ReadDir(layout.Approved())
	require.NoError(t, err)
	for _, e := range entries {
		require.True(t, e.IsDir(), "no record may remain in Approved: %s", e.Name())
	}
	archived, err := os.ReadDir(layout.ApprovedArchive())
	require.NoError(t, err)
	require.Len(t, archived, 1)
	require.True(t, strings.HasPrefix(archived[0].Name(), "executed_"))
}

func TestApprovedManualReviewNeedsNoRegistry(t *testing.T) {
	layout := vault.NewLayout(t.TempDir(), "local")
	require.NoError(t, layout.Init())

	rec := approval.NewRecord(approval.ActionManualReview, map[string]string{"reason": "unclassifiable"}, "", time.Now())
	data, err := rec.Render()
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(layout.Approved(), rec.Filename()), data, 0o644))

	executor := approval.NewExecutor(layout, nil, actionHandler(nil))
	executed, err := executor.Scan(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, executed)

	archived, err := os.ReadDir(layout.ApprovedArchive())
	require.NoError(t, err)
	require.Len(t, archived, 1)
	require.True(t, strings.HasPrefix(archived[0].Name(), "executed_"))
}

func TestUnknownCommand(t *testing.T) {
	code, _, errOut := runCmd(t, t.TempDir(), "frobnicate")
	require.Equal(t, 2, code)
	require.Contains(t, errOut, "unknown command")
}

func TestUsageWithoutArgs(t *testing.T) {
	t.Setenv("CASTELLAN_VAULT", t.TempDir())
	var stdout, stderr bytes.Buffer
	code := Run([]string{"castellan"}, &stdout, &stderr)
	require.Equal(t, 2, code)
	require.Contains(t, stderr.String(), "Usage")
}
