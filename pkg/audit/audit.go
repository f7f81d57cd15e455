// Package audit provides the append-only JSON-lines audit trail: one entry
// per external call, state transition, or error, one file per calendar day.
package audit

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Actor identifies the subsystem that produced an entry.
type Actor string

const (
	ActorWatcher       Actor = "watcher"
	ActorClaude        Actor = "claude"
	ActorMCP           Actor = "mcp"
	ActorOrchestrator  Actor = "orchestrator"
	ActorScheduler     Actor = "scheduler"
	ActorAgent         Actor = "agent"
	ActorErrorDetector Actor = "error_detector"
)

// Action categorizes an audit entry.
type Action string

const (
	ActionMCPCall       Action = "mcp_call"
	ActionLLMRequest    Action = "claude_request"
	ActionWatcherEvent  Action = "watcher_event"
	ActionTaskProcessed Action = "task_processed"
	ActionScheduledJob  Action = "scheduled_job"
	ActionFileOperation Action = "file_operation"
	ActionError         Action = "error_occurred"
	ActionSystemStatus  Action = "system_status"
	ActionApproval      Action = "approval_event"
)

// Entry is one immutable audit record, serialized as a single JSON line.
type Entry struct {
	Timestamp string         `json:"timestamp"`
	Actor     Actor          `json:"actor"`
	Action    Action         `json:"action"`
	Success   bool           `json:"success"`
	Details   map[string]any `json:"details"`
	Error     string         `json:"error,omitempty"`
	SessionID string         `json:"session_id,omitempty"`
}

// Logger writes entries to Logs/audit_<YYYY-MM-DD>.log. A single mutex
// serializes writers within the process; files are opened in append mode so
// line-oriented writes from cooperating processes stay whole on most
// filesystems.
type Logger struct {
	mu      sync.Mutex
	logsDir string
	now     func() time.Time
	slog    *slog.Logger
}

// NewLogger creates a Logger writing day files under logsDir.
func NewLogger(logsDir string) *Logger {
	return &Logger{
		logsDir: logsDir,
		now:     time.Now,
		slog:    slog.Default().With("component", "audit"),
	}
}

// WithClock overrides the clock for deterministic testing.
func (l *Logger) WithClock(now func() time.Time) *Logger {
	l.now = now
	return l
}

// File returns the path of the current day's log file.
func (l *Logger) File() string {
	return filepath.Join(l.logsDir, fmt.Sprintf("audit_%s.log", l.now().Format("2006-01-02")))
}

// Log appends one entry. It never returns an error: a serialization or I/O
// failure degrades to a best-effort fallback entry so caller flow is never
// broken by the logging subsystem.
func (l *Logger) Log(actor Actor, action Action, success bool, details map[string]any, errMsg, sessionID string) {
	entry := Entry{
		Timestamp: l.now().Format(time.RFC3339Nano),
		Actor:     actor,
		Action:    action,
		Success:   success,
		Details:   SafeSummaryMap(details),
		Error:     errMsg,
		SessionID: sessionID,
	}
	l.append(entry)
}

func (l *Logger) append(entry Entry) {
	l.mu.Lock()
	defer l.mu.Unlock()

	line, err := json.Marshal(entry)
	if err != nil {
		fallback := Entry{
			Timestamp: l.now().Format(time.RFC3339Nano),
			Actor:     ActorOrchestrator,
			Action:    ActionError,
			Success:   false,
			Details:   map[string]any{"original_entry": fmt.Sprintf("%+v", entry)},
			Error:     fmt.Sprintf("failed to serialize audit entry: %v", err),
		}
		line, err = json.Marshal(fallback)
		if err != nil {
			return
		}
	}

	if err := l.write(line); err != nil {
		l.slog.Warn("audit write failed", "file", l.File(), "error", err)
	}
}

func (l *Logger) write(line []byte) error {
	if err := os.MkdirAll(l.logsDir, 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(l.File(), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	defer func() { _ = f.Close() }()
	_, err = f.Write(append(line, '\n'))
	return err
}

// LogMCPCall records a call through the MCP registry.
func (l *Logger) LogMCPCall(service, endpoint string, request map[string]any, success bool, response any, errMsg, sessionID string) {
	l.Log(ActorMCP, ActionMCPCall, success, map[string]any{
		"service":          service,
		"endpoint":         endpoint,
		"request_data":     request,
		"response_summary": SafeSummary(response),
	}, errMsg, sessionID)
}

// LogLLMRequest records a completion call without the payload bodies.
func (l *Logger) LogLLMRequest(model string, promptLen, responseLen int, success bool, errMsg, sessionID string) {
	l.Log(ActorClaude, ActionLLMRequest, success, map[string]any{
		"model":           model,
		"prompt_length":   promptLen,
		"response_length": responseLen,
	}, errMsg, sessionID)
}

// LogTaskProcessed records the outcome of one dispatched task.
func (l *Logger) LogTaskProcessed(taskID, taskType string, duration time.Duration, success bool, errMsg, sessionID string) {
	l.Log(ActorOrchestrator, ActionTaskProcessed, success, map[string]any{
		"task_id":         taskID,
		"task_type":       taskType,
		"processing_time": duration.Seconds(),
	}, errMsg, sessionID)
}

// LogError records a local failure with context.
func (l *Logger) LogError(errorType, message string, context map[string]any, severity string) {
	details := map[string]any{
		"error_type": errorType,
		"context":    context,
		"severity":   severity,
	}
	l.Log(ActorOrchestrator, ActionError, false, details, message, "")
}

const (
	maxSummaryKeys  = 10
	maxSummaryItems = 10
	sampleSize      = 5
)

// SafeSummary bounds the size of arbitrary payloads before they reach the
// log: large maps and slices are replaced by a count plus a sample.
func SafeSummary(v any) any {
	switch val := v.(type) {
	case nil:
		return nil
	case string, bool, int, int64, float64, json.Number:
		return val
	case map[string]any:
		return SafeSummaryMap(val)
	case []any:
		if len(val) > maxSummaryItems {
			return map[string]any{
				"summary":      fmt.Sprintf("list with %d items", len(val)),
				"sample_items": summarizeSlice(val[:sampleSize]),
			}
		}
		return summarizeSlice(val)
	default:
		// Other types pass through; if one cannot be marshaled the append
		// path degrades to the fallback entry.
		return val
	}
}

// SafeSummaryMap applies SafeSummary to each value of a map, truncating
// oversized maps to a key sample.
func SafeSummaryMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	if len(m) > maxSummaryKeys {
		keys := make([]string, 0, sampleSize)
		for k := range m {
			keys = append(keys, k)
			if len(keys) == sampleSize {
				break
			}
		}
		return map[string]any{
			"summary":     fmt.Sprintf("map with %d keys", len(m)),
			"sample_keys": keys,
		}
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = SafeSummary(v)
	}
	return out
}

func summarizeSlice(items []any) []any {
	out := make([]any, len(items))
	for i, item := range items {
		out[i] = SafeSummary(item)
	}
	return out
}
