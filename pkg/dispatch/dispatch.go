// Package dispatch turns a claimed task into an outcome: classify it, draft
// a plan artifact, and either finish the task or park it behind the human
// approval gate.
package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/castellan-labs/castellan/pkg/approval"
	"github.com/castellan-labs/castellan/pkg/audit"
	"github.com/castellan-labs/castellan/pkg/classify"
	"github.com/castellan-labs/castellan/pkg/llm"
	"github.com/castellan-labs/castellan/pkg/observability"
	"github.com/castellan-labs/castellan/pkg/reason"
	"github.com/castellan-labs/castellan/pkg/vault"
)

// Orchestrator processes claimed tasks one at a time.
type Orchestrator struct {
	store   *vault.Store
	sens    *classify.Sensitivity
	gate    *approval.Gate
	auditor *audit.Logger
	drafter llm.Client              // optional: model-written drafts
	loop    *reason.Loop            // optional: persistence mode
	obs     *observability.Provider // optional: spans and RED metrics
	now     func() time.Time
	log     *slog.Logger
}

// New assembles an orchestrator. auditor and drafter may be nil.
func New(store *vault.Store, sens *classify.Sensitivity, gate *approval.Gate, auditor *audit.Logger) *Orchestrator {
	return &Orchestrator{
		store:   store,
		sens:    sens,
		gate:    gate,
		auditor: auditor,
		now:     time.Now,
		log:     slog.Default().With("component", "dispatch"),
	}
}

// WithDrafter lets handlers ask a model for draft bodies.
func (o *Orchestrator) WithDrafter(c llm.Client) *Orchestrator {
	o.drafter = c
	return o
}

// WithLoop switches the orchestrator into persistence mode: tasks run the
// iterative loop instead of the single-shot handlers.
func (o *Orchestrator) WithLoop(l *reason.Loop) *Orchestrator {
	o.loop = l
	return o
}

// WithObservability attaches span and metric instrumentation.
func (o *Orchestrator) WithObservability(p *observability.Provider) *Orchestrator {
	o.obs = p
	return o
}

// WithClock overrides the clock for deterministic testing.
func (o *Orchestrator) WithClock(now func() time.Time) *Orchestrator {
	o.now = now
	return o
}

// Process handles one claimed task. Every path leaves the task in a state
// directory; nothing is ever silently dropped.
func (o *Orchestrator) Process(ctx context.Context, ref vault.Ref) error {
	start := o.now()
	task, err := vault.ParseTask(ref.Path())
	if err != nil {
		return fmt.Errorf("parse task %s: %w", ref.Name, err)
	}

	kind := classify.Classify(task.Meta.Type, task.Content)
	o.log.Info("processing task", "task", ref.Name, "kind", kind)

	if o.obs != nil {
		var finish func(error)
		ctx, finish = o.obs.TrackDispatch(ctx, ref.ID(), string(kind))
		defer func() { finish(err) }()
	}

	var outcome string
	if o.loop != nil {
		outcome, err = o.runLoop(ctx, ref, task)
	} else {
		outcome, err = o.runHandler(ctx, ref, task, kind)
	}

	if o.auditor != nil {
		errMsg := ""
		if err != nil {
			errMsg = err.Error()
		}
		o.auditor.LogTaskProcessed(ref.ID(), string(kind), o.now().Sub(start), err == nil, errMsg, "")
	}
	if err != nil {
		return err
	}
	o.log.Info("task processed", "task", ref.Name, "outcome", outcome)
	return nil
}

// runHandler is the single-shot path: one plan, one decision.
func (o *Orchestrator) runHandler(ctx context.Context, ref vault.Ref, task *vault.Task, kind classify.Kind) (string, error) {
	sensitive, why := o.sens.Check(kind, task.Meta.Action, task.Content)

	draft := o.draft(ctx, kind, task)
	planPath, err := o.writePlan(ref, kind, draft, sensitive, why)
	if err != nil {
		return "", err
	}

	if !sensitive {
		if _, err := o.store.Transition(ref, vault.StateDone); err != nil {
			return "", err
		}
		return "done", nil
	}

	action := task.Meta.Action
	if action == "" {
		action = defaultAction(kind)
	}
	// details is the payload the approval executor posts to the action
	// endpoint once a human approves, so it carries the drafted body and
	// source task alongside the review metadata.
	details := map[string]string{
		"reason": why,
		"kind":   string(kind),
		"task":   ref.Name,
		"body":   draft,
		"plan":   filepath.Base(planPath),
	}
	if _, _, err := o.gate.CreateRequest(action, details, ref.Path()); err != nil {
		return "", fmt.Errorf("request approval for %s: %w", ref.Name, err)
	}
	if _, err := o.store.Transition(ref, vault.StatePendingApproval); err != nil {
		return "", err
	}
	return "pending_approval", nil
}

// runLoop is persistence mode: the iterative loop decides, the orchestrator
// maps its outcome onto the state machine.
func (o *Orchestrator) runLoop(ctx context.Context, ref vault.Ref, task *vault.Task) (string, error) {
	out, err := o.loop.Run(ctx, task)
	if err != nil {
		return "", fmt.Errorf("reasoning loop for %s: %w", ref.Name, err)
	}
	var target vault.State
	switch out.Status {
	case reason.OutcomeDone:
		target = vault.StateDone
	case reason.OutcomeNeedsHuman:
		target = vault.StatePendingApproval
	case reason.OutcomeFailed:
		target = vault.StateRejected
	default:
		// Stopped or exhausted: hand the task back for a later attempt.
		target = vault.StateNeedsAction
	}
	if _, err := o.store.Transition(ref, target); err != nil {
		return "", err
	}
	return out.Status, nil
}

// draft produces the plan body: a model draft when a drafter is wired, a
// deterministic template otherwise or when the model call fails.
func (o *Orchestrator) draft(ctx context.Context, kind classify.Kind, task *vault.Task) string {
	if o.drafter != nil {
		resp, err := o.drafter.Chat(ctx, []llm.Message{
			{Role: "system", Content: draftPrompt(kind)},
			{Role: "user", Content: task.Content},
		}, nil, nil)
		if err == nil && strings.TrimSpace(resp.Content) != "" {
			return resp.Content
		}
		o.log.Warn("draft generation failed, using template", "task", task.ID, "error", err)
	}
	return templateDraft(kind, task)
}

func draftPrompt(kind classify.Kind) string {
	switch kind {
	case classify.KindEmail:
		return "Draft a short, professional reply to the email described below. Output only the draft body."
	case classify.KindSocial:
		return "Draft a short social media post for the request below. Output only the post text."
	case classify.KindERP:
		return "Summarize the business-record change requested below as a short action plan. Output only the plan."
	case classify.KindMessaging:
		return "Draft a short chat message for the request below. Output only the message."
	}
	return "Summarize the request below as a short action plan. Output only the plan."
}

func templateDraft(kind classify.Kind, task *vault.Task) string {
	head := map[classify.Kind]string{
		classify.KindEmail:     "Draft reply",
		classify.KindSocial:    "Draft post",
		classify.KindERP:       "Proposed record change",
		classify.KindMessaging: "Draft message",
		classify.KindUnknown:   "Review required",
	}[kind]
	return fmt.Sprintf("%s for %s:\n\n%s\n", head, task.ID, strings.TrimSpace(task.Content))
}

// writePlan materializes the plan artifact under Plans/.
func (o *Orchestrator) writePlan(ref vault.Ref, kind classify.Kind, draft string, sensitive bool, why string) (string, error) {
	status := "auto"
	if sensitive {
		status = "awaiting approval (" + why + ")"
	}
	body := fmt.Sprintf("# Plan: %s\n\n- task: %s\n- kind: %s\n- status: %s\n- created: %s\n\n## Draft\n\n%s\n",
		ref.ID(), ref.Name, kind, status, o.now().Format(time.RFC3339), draft)

	name := fmt.Sprintf("PLAN_%s_%s.md", ref.ID(), o.now().Format("20060102_150405"))
	path := filepath.Join(o.store.Layout().Plans(), name)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", err
	}
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		return "", fmt.Errorf("write plan for %s: %w", ref.Name, err)
	}
	return path, nil
}

func defaultAction(kind classify.Kind) string {
	switch kind {
	case classify.KindEmail:
		return "send_email"
	case classify.KindSocial:
		return "post_social"
	case classify.KindERP:
		return "create_invoice"
	case classify.KindMessaging:
		return "send_message"
	}
	return approval.ActionManualReview
}
