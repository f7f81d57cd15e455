package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/castellan-labs/castellan/pkg/approval"
	"github.com/castellan-labs/castellan/pkg/audit"
	"github.com/castellan-labs/castellan/pkg/classify"
	"github.com/castellan-labs/castellan/pkg/config"
	"github.com/castellan-labs/castellan/pkg/dispatch"
	"github.com/castellan-labs/castellan/pkg/journal"
	"github.com/castellan-labs/castellan/pkg/llm"
	"github.com/castellan-labs/castellan/pkg/loop"
	"github.com/castellan-labs/castellan/pkg/mcp"
	"github.com/castellan-labs/castellan/pkg/observability"
	"github.com/castellan-labs/castellan/pkg/reason"
	"github.com/castellan-labs/castellan/pkg/vault"
	"github.com/castellan-labs/castellan/pkg/watchdog"
)

func main() {
	os.Exit(Run(os.Args, os.Stdout, os.Stderr))
}

// Run is the entrypoint, separated for testing.
func Run(args []string, stdout, stderr io.Writer) int {
	if len(args) < 2 {
		printUsage(stderr)
		return 2
	}

	cfg := config.Load()
	profile, err := config.LoadProfile(filepath.Join(cfg.VaultRoot, "castellan.yaml"))
	if err != nil {
		fmt.Fprintf(stderr, "bad vault profile: %v\n", err)
		return 1
	}
	profile.Apply(cfg)
	layout := vault.NewLayout(cfg.VaultRoot, cfg.WorkerClass)

	switch args[1] {
	case "init":
		return runInit(layout, stdout, stderr)
	case "run":
		return runWorker(cfg, profile, layout, stdout, stderr)
	case "approve":
		return runDecision(layout, layout.Approved(), args[2:], stdout, stderr)
	case "reject":
		return runDecision(layout, layout.Rejected(), args[2:], stdout, stderr)
	case "status":
		return runStatus(layout, stdout, stderr)
	case "stop":
		why := "operator stop"
		if len(args) > 2 {
			why = strings.Join(args[2:], " ")
		}
		if err := layout.RequestStop(why); err != nil {
			fmt.Fprintf(stderr, "stop: %v\n", err)
			return 1
		}
		fmt.Fprintln(stdout, "emergency stop requested")
		return 0
	case "resume":
		if err := layout.ClearStop(); err != nil {
			fmt.Fprintf(stderr, "resume: %v\n", err)
			return 1
		}
		fmt.Fprintln(stdout, "emergency stop cleared")
		return 0
	case "help", "--help", "-h":
		printUsage(stdout)
		return 0
	default:
		fmt.Fprintf(stderr, "unknown command: %s\n", args[1])
		printUsage(stderr)
		return 2
	}
}

func runInit(layout *vault.Layout, stdout, stderr io.Writer) int {
	if err := layout.Init(); err != nil {
		fmt.Fprintf(stderr, "init: %v\n", err)
		return 1
	}
	fmt.Fprintf(stdout, "vault initialized at %s (worker class %s)\n", layout.Root, layout.WorkerClass)
	return 0
}

func runWorker(cfg *config.Config, profile *config.Profile, layout *vault.Layout, stdout, stderr io.Writer) int {
	setupLogging(cfg.LogLevel)
	log := slog.Default().With("component", "main")

	if err := layout.Init(); err != nil {
		fmt.Fprintf(stderr, "init vault: %v\n", err)
		return 1
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	obs, err := observability.New(ctx, &observability.Config{
		ServiceName:  "castellan",
		Enabled:      cfg.Observability,
		OTLPEndpoint: "localhost:4317",
		Insecure:     true,
	})
	if err != nil {
		fmt.Fprintf(stderr, "observability: %v\n", err)
		return 1
	}
	defer func() { _ = obs.Shutdown(context.Background()) }()

	jnl, err := journal.Open(cfg.JournalPath)
	if err != nil {
		fmt.Fprintf(stderr, "open journal: %v\n", err)
		return 1
	}
	defer func() { _ = jnl.Close() }()

	auditor := audit.NewLogger(layout.Logs())
	store := vault.NewStore(layout, jnl)

	sens, err := classify.NewSensitivity(profile.SensitivityRules)
	if err != nil {
		fmt.Fprintf(stderr, "sensitivity rules: %v\n", err)
		return 1
	}

	gate := approval.NewGate(layout, auditor, approval.ModeUnattended).
		WithTiming(10*time.Second, cfg.ApprovalTimeout)

	var registryClient *mcp.Client
	if cfg.RegistryPath != "" {
		registry, err := mcp.LoadRegistry(cfg.RegistryPath)
		if err != nil {
			fmt.Fprintf(stderr, "action registry: %v\n", err)
			return 1
		}
		registryClient = mcp.NewClient(registry, auditor)
		log.Info("action registry loaded", "tools", len(registry.Tools()))
	}

	llmClient := llm.NewOpenAIClient(cfg.LLMBaseURL, cfg.LLMAPIKey, cfg.LLMModel).WithAuditor(auditor)

	orch := dispatch.New(store, sens, gate, auditor).WithDrafter(llmClient).WithObservability(obs)
	if cfg.Persistence {
		var caller reason.ActionCaller
		if registryClient != nil {
			caller = registryClient
		}
		toolbox := reason.NewToolbox(caller)
		orch.WithLoop(reason.NewLoop(llmClient, toolbox, layout, gate, auditor))
		log.Info("persistence mode enabled")
	}

	// Re-adopt approval requests orphaned by a previous process.
	if orphans, err := gate.Reconcile(); err != nil {
		log.Error("approval reconciliation failed", "error", err)
	} else if len(orphans) > 0 {
		log.Info("pending approvals carried over", "count", len(orphans))
	}

	executor := approval.NewExecutor(layout, auditor, actionHandler(registryClient))

	poller := loop.New(store, orch, gate, loop.Config{
		Interval:   cfg.PollInterval,
		Cooldown:   cfg.Cooldown,
		ReclaimTTL: cfg.ReclaimTTL,
	})

	go func() {
		if err := executor.Run(ctx); err != nil && ctx.Err() == nil {
			log.Error("approval executor stopped", "error", err)
		}
	}()

	if registryClient != nil {
		wd := watchdog.New(layout, auditor, 3)
		go func() {
			ticker := time.NewTicker(time.Minute)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
					wd.Observe(registryClient.Health(ctx))
				}
			}
		}()
	}

	fmt.Fprintf(stdout, "castellan worker running (vault %s, class %s)\n", layout.Root, layout.WorkerClass)
	if err := poller.Run(ctx); err != nil && ctx.Err() == nil {
		fmt.Fprintf(stderr, "worker: %v\n", err)
		return 1
	}
	return 0
}

// actionHandler executes an approved record. Approval records carry bare
// action names (send_email, create_invoice), so the registry routes them to
// the service exposing that endpoint; the record's details travel as the
// request payload. A manual_review record has no endpoint behind it: the
// approval itself was the action.
func actionHandler(client *mcp.Client) approval.Handler {
	return func(ctx context.Context, rec *approval.Record) (any, error) {
		if rec.Action == approval.ActionManualReview {
			return map[string]any{"reviewed": true}, nil
		}
		if client == nil {
			return nil, fmt.Errorf("no action registry configured for %s", rec.Action)
		}
		payload := make(map[string]any, len(rec.Details))
		for k, v := range rec.Details {
			payload[k] = v
		}
		return client.CallAction(ctx, rec.Action, payload)
	}
}

// runDecision relocates an approval record into Approved or Rejected on
// behalf of the operator.
func runDecision(layout *vault.Layout, dstDir string, args []string, stdout, stderr io.Writer) int {
	if len(args) < 1 {
		fmt.Fprintln(stderr, "usage: castellan approve|reject <record-file>")
		return 2
	}
	name := filepath.Base(args[0])
	src := filepath.Join(layout.PendingApproval(), name)
	if _, err := os.Stat(src); err != nil {
		fmt.Fprintf(stderr, "record not found: %s\n", src)
		return 1
	}
	if err := os.MkdirAll(dstDir, 0o755); err != nil {
		fmt.Fprintf(stderr, "decide: %v\n", err)
		return 1
	}
	if err := os.Rename(src, filepath.Join(dstDir, name)); err != nil {
		fmt.Fprintf(stderr, "decide: %v\n", err)
		return 1
	}
	fmt.Fprintf(stdout, "%s -> %s\n", name, filepath.Base(dstDir))
	return 0
}

func runStatus(layout *vault.Layout, stdout, stderr io.Writer) int {
	dirs := map[string]string{
		"Inbox":            layout.Inbox(),
		"Needs_Action":     layout.NeedsAction(),
		"In_Progress":      layout.InProgress(),
		"Pending_Approval": layout.PendingApproval(),
		"Approved":         layout.Approved(),
		"Rejected":         layout.Rejected(),
		"Done":             layout.Done(),
	}
	names := make([]string, 0, len(dirs))
	for name := range dirs {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		entries, err := os.ReadDir(dirs[name])
		if err != nil && !os.IsNotExist(err) {
			fmt.Fprintf(stderr, "status: %v\n", err)
			return 1
		}
		count := 0
		for _, e := range entries {
			if !e.IsDir() {
				count++
			}
		}
		fmt.Fprintf(stdout, "%-18s %d\n", name, count)
	}
	if layout.StopRequested() {
		fmt.Fprintln(stdout, "\nEMERGENCY STOP is active")
	}
	return 0
}

func setupLogging(level string) {
	var lvl slog.Level
	switch strings.ToUpper(level) {
	case "DEBUG":
		lvl = slog.LevelDebug
	case "WARN":
		lvl = slog.LevelWarn
	case "ERROR":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl})))
}

func printUsage(w io.Writer) {
	fmt.Fprintln(w, "castellan — file-vault task worker")
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "Usage:")
	fmt.Fprintln(w, "  castellan init                create the vault directory tree")
	fmt.Fprintln(w, "  castellan run                 run the worker, approval executor, and sweepers")
	fmt.Fprintln(w, "  castellan approve <record>    approve a pending request")
	fmt.Fprintln(w, "  castellan reject <record>     reject a pending request")
	fmt.Fprintln(w, "  castellan status              show queue depths")
	fmt.Fprintln(w, "  castellan stop [reason]       raise the emergency stop sentinel")
	fmt.Fprintln(w, "  castellan resume              clear the emergency stop sentinel")
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "Configuration via CASTELLAN_* environment variables and <vault>/castellan.yaml.")
}
