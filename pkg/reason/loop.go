package reason

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/castellan-labs/castellan/pkg/approval"
	"github.com/castellan-labs/castellan/pkg/audit"
	"github.com/castellan-labs/castellan/pkg/llm"
	"github.com/castellan-labs/castellan/pkg/vault"
)

// Outcome statuses of a finished loop.
const (
	OutcomeDone       = "done"
	OutcomeFailed     = "failed"
	OutcomeNeedsHuman = "needs_human"
	OutcomeStopped    = "stopped"
	OutcomeExhausted  = "exhausted"
)

// Outcome is the terminal result of one loop run.
type Outcome struct {
	Status     string
	Summary    string
	Iterations int
}

// Config bounds one loop run.
type Config struct {
	MaxIterations int
	MaxWall       time.Duration
}

// DefaultConfig returns the production bounds.
func DefaultConfig() Config {
	return Config{MaxIterations: 15, MaxWall: 30 * time.Minute}
}

const systemPrompt = `You process one task at a time for a file-based work vault.
Respond with exactly one JSON object per turn:
  {"signal": "DONE" | "CONTINUE" | "FAILED" | "NEEDS_HUMAN",
   "summary": "<one line>",
   "tool_calls": [{"tool": "<name>", "args": {...}}]}
Use CONTINUE with tool_calls to act, DONE when the task is complete,
FAILED when it cannot be completed, NEEDS_HUMAN when the action requires
human sign-off.`

// Loop drives a task to completion through repeated model decisions.
type Loop struct {
	client  llm.Client
	tools   *Toolbox
	layout  *vault.Layout
	gate    *approval.Gate
	auditor *audit.Logger
	cfg     Config
	now     func() time.Time
	log     *slog.Logger
}

// NewLoop assembles a loop. gate and auditor may be nil.
func NewLoop(client llm.Client, tools *Toolbox, layout *vault.Layout, gate *approval.Gate, auditor *audit.Logger) *Loop {
	return &Loop{
		client:  client,
		tools:   tools,
		layout:  layout,
		gate:    gate,
		auditor: auditor,
		cfg:     DefaultConfig(),
		now:     time.Now,
		log:     slog.Default().With("component", "reason"),
	}
}

// WithConfig overrides the loop bounds.
func (l *Loop) WithConfig(cfg Config) *Loop {
	l.cfg = cfg
	return l
}

// WithClock overrides the clock for deterministic testing.
func (l *Loop) WithClock(now func() time.Time) *Loop {
	l.now = now
	return l
}

// Run processes one task. The returned error is reserved for infrastructure
// failures; a task that fails or exhausts its bounds is a normal Outcome.
func (l *Loop) Run(ctx context.Context, task *vault.Task) (*Outcome, error) {
	messages := []llm.Message{
		{Role: "system", Content: systemPrompt},
		{Role: "user", Content: fmt.Sprintf("Task %s:\n%s", task.ID, task.Content)},
	}

	deadline := l.now().Add(l.cfg.MaxWall)
	failedParses := 0

	for iteration := 1; iteration <= l.cfg.MaxIterations; iteration++ {
		if l.layout.StopRequested() {
			l.log.Warn("emergency stop requested, abandoning task", "task", task.ID, "iteration", iteration)
			return &Outcome{Status: OutcomeStopped, Summary: "emergency stop", Iterations: iteration - 1}, nil
		}
		if l.now().After(deadline) {
			return &Outcome{Status: OutcomeExhausted, Summary: "wall-clock budget exhausted", Iterations: iteration - 1}, nil
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		resp, err := l.client.Chat(ctx, messages, nil, nil)
		if err != nil {
			return nil, fmt.Errorf("iteration %d: %w", iteration, err)
		}

		sig, err := ParseSignal(resp.Content)
		if err != nil {
			// Invalid output is a failed iteration, not a crash. Tell the
			// model what went wrong and let it retry within its budget.
			failedParses++
			l.log.Warn("unparseable model signal", "task", task.ID, "iteration", iteration, "error", err)
			if failedParses >= 3 {
				return &Outcome{Status: OutcomeFailed, Summary: "model output never validated", Iterations: iteration}, nil
			}
			messages = append(messages,
				llm.Message{Role: "assistant", Content: resp.Content},
				llm.Message{Role: "user", Content: fmt.Sprintf("Your last response was invalid (%v). Respond with one valid JSON signal object.", err)})
			continue
		}
		failedParses = 0
		messages = append(messages, llm.Message{Role: "assistant", Content: resp.Content})

		switch sig.Signal {
		case SignalDone:
			l.audit(task, true, iteration, sig.Summary)
			return &Outcome{Status: OutcomeDone, Summary: sig.Summary, Iterations: iteration}, nil
		case SignalFailed:
			l.audit(task, false, iteration, sig.Summary)
			return &Outcome{Status: OutcomeFailed, Summary: sig.Summary, Iterations: iteration}, nil
		case SignalNeedsHuman:
			if l.gate != nil {
				action := task.Meta.Action
				if action == "" {
					action = approval.ActionManualReview
				}
				details := map[string]string{"summary": sig.Summary}
				if _, _, err := l.gate.CreateRequest(action, details, task.Path); err != nil {
					return nil, fmt.Errorf("create approval request: %w", err)
				}
			}
			l.audit(task, true, iteration, "suspended for human approval")
			return &Outcome{Status: OutcomeNeedsHuman, Summary: sig.Summary, Iterations: iteration}, nil
		case SignalContinue:
			messages = append(messages, l.runTools(ctx, task, sig.ToolCalls)...)
		}
	}

	return &Outcome{Status: OutcomeExhausted, Summary: "iteration budget exhausted", Iterations: l.cfg.MaxIterations}, nil
}

// runTools executes the requested calls and renders their results as the
// next user turn. A failed tool becomes an error result the model can see.
func (l *Loop) runTools(ctx context.Context, task *vault.Task, calls []SignalCall) []llm.Message {
	if len(calls) == 0 {
		return []llm.Message{{Role: "user", Content: "No tool calls were given. Continue or finish."}}
	}
	results := make([]map[string]any, 0, len(calls))
	for _, call := range calls {
		value, err := l.tools.Invoke(ctx, call)
		result := map[string]any{"tool": call.Tool}
		if err != nil {
			result["error"] = err.Error()
			l.log.Warn("tool call failed", "task", task.ID, "tool", call.Tool, "error", err)
		} else {
			result["result"] = value
		}
		results = append(results, result)
	}
	rendered, err := json.Marshal(results)
	if err != nil {
		rendered = []byte(`[{"error":"results could not be serialized"}]`)
	}
	return []llm.Message{{Role: "user", Content: "Tool results:\n" + string(rendered)}}
}

func (l *Loop) audit(task *vault.Task, success bool, iterations int, summary string) {
	if l.auditor == nil {
		return
	}
	l.auditor.Log(audit.ActorAgent, audit.ActionTaskProcessed, success, map[string]any{
		"task_id":    task.ID,
		"iterations": iterations,
		"summary":    summary,
		"mode":       "persistence",
	}, "", "")
}
