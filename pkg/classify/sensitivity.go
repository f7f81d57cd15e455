package classify

import (
	"fmt"
	"sync"

	"github.com/google/cel-go/cel"
)

// Sensitivity combines the built-in keyword gate and operation allow-list
// with optional operator-supplied CEL rules evaluated over
// {kind, action, content}. Any single positive signal gates the task.
type Sensitivity struct {
	env   *cel.Env
	mu    sync.RWMutex
	cache map[string]cel.Program
	rules []string
}

// NewSensitivity compiles a CEL environment for the rule inputs.
func NewSensitivity(rules []string) (*Sensitivity, error) {
	env, err := cel.NewEnv(
		cel.Variable("kind", cel.StringType),
		cel.Variable("action", cel.StringType),
		cel.Variable("content", cel.StringType),
	)
	if err != nil {
		return nil, fmt.Errorf("create CEL env: %w", err)
	}
	s := &Sensitivity{
		env:   env,
		cache: make(map[string]cel.Program),
		rules: rules,
	}
	// Compile eagerly so a bad rule fails at startup, not mid-dispatch.
	for _, rule := range rules {
		if _, err := s.program(rule); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// Check reports whether the task is sensitive, with a human-readable reason.
// Unknown kinds are always sensitive: an unclassifiable task must never
// execute without sign-off.
func (s *Sensitivity) Check(kind Kind, action, content string) (bool, string) {
	if kind == KindUnknown {
		return true, "unrecognized task type"
	}
	if action != "" && IsSensitiveOp(action) {
		return true, fmt.Sprintf("operation %q requires approval", action)
	}
	if ContainsSensitiveKeyword(content) {
		return true, "content matches sensitive keyword"
	}
	for _, rule := range s.rules {
		match, err := s.eval(rule, kind, action, content)
		if err != nil {
			// A broken rule gates rather than waves through.
			return true, fmt.Sprintf("sensitivity rule error: %v", err)
		}
		if match {
			return true, fmt.Sprintf("matched rule %q", rule)
		}
	}
	return false, ""
}

func (s *Sensitivity) eval(rule string, kind Kind, action, content string) (bool, error) {
	prg, err := s.program(rule)
	if err != nil {
		return false, err
	}
	out, _, err := prg.Eval(map[string]any{
		"kind":    string(kind),
		"action":  action,
		"content": content,
	})
	if err != nil {
		return false, fmt.Errorf("CEL eval error: %w", err)
	}
	matched, ok := out.Value().(bool)
	if !ok {
		return false, fmt.Errorf("rule %q did not return bool", rule)
	}
	return matched, nil
}

func (s *Sensitivity) program(rule string) (cel.Program, error) {
	s.mu.RLock()
	prg, hit := s.cache[rule]
	s.mu.RUnlock()
	if hit {
		return prg, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if prg, hit = s.cache[rule]; hit {
		return prg, nil
	}
	ast, issues := s.env.Compile(rule)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("CEL compile error in %q: %w", rule, issues.Err())
	}
	p, err := s.env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("CEL program error in %q: %w", rule, err)
	}
	s.cache[rule] = p
	return p, nil
}
