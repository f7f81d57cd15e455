// Package reason runs the iterative task loop: the model is asked for one
// structured decision per iteration and the loop acts on it, until the task
// signals completion or a safety bound trips.
package reason

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// Signals a model may emit per iteration.
const (
	SignalDone       = "DONE"
	SignalContinue   = "CONTINUE"
	SignalFailed     = "FAILED"
	SignalNeedsHuman = "NEEDS_HUMAN"
)

// Signal is the validated per-iteration decision.
type Signal struct {
	Signal    string         `json:"signal"`
	Summary   string         `json:"summary,omitempty"`
	ToolCalls []SignalCall   `json:"tool_calls,omitempty"`
	Details   map[string]any `json:"details,omitempty"`
}

// SignalCall names one tool invocation requested by the model.
type SignalCall struct {
	Tool string         `json:"tool"`
	Args map[string]any `json:"args,omitempty"`
}

const signalSchemaJSON = `{
  "type": "object",
  "required": ["signal"],
  "properties": {
    "signal": {"enum": ["DONE", "CONTINUE", "FAILED", "NEEDS_HUMAN"]},
    "summary": {"type": "string"},
    "tool_calls": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["tool"],
        "properties": {
          "tool": {"type": "string", "minLength": 1},
          "args": {"type": "object"}
        }
      }
    },
    "details": {"type": "object"}
  }
}`

var signalSchema = jsonschema.MustCompileString("signal.json", signalSchemaJSON)

// ParseSignal extracts and validates the decision object from raw model
// output. Models wrap JSON in prose or fences more often than not, so the
// first balanced top-level object is taken.
func ParseSignal(raw string) (*Signal, error) {
	obj := extractObject(raw)
	if obj == "" {
		return nil, fmt.Errorf("no JSON object in model output")
	}

	var generic any
	if err := json.Unmarshal([]byte(obj), &generic); err != nil {
		return nil, fmt.Errorf("decode signal: %w", err)
	}
	if err := signalSchema.Validate(generic); err != nil {
		return nil, fmt.Errorf("invalid signal: %w", err)
	}

	sig := &Signal{}
	if err := json.Unmarshal([]byte(obj), sig); err != nil {
		return nil, fmt.Errorf("decode signal: %w", err)
	}
	return sig, nil
}

// extractObject returns the first balanced {...} in s, respecting strings.
func extractObject(s string) string {
	start := strings.IndexByte(s, '{')
	if start < 0 {
		return ""
	}
	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(s); i++ {
		c := s[i]
		if escaped {
			escaped = false
			continue
		}
		switch c {
		case '\\':
			if inString {
				escaped = true
			}
		case '"':
			inString = !inString
		case '{':
			if !inString {
				depth++
			}
		case '}':
			if !inString {
				depth--
				if depth == 0 {
					return s[start : i+1]
				}
			}
		}
	}
	return ""
}
