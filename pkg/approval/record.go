// Package approval implements the human-in-the-loop gate for sensitive
// actions. A pending request is persisted as a Markdown record under
// Pending_Approval; a human decides by relocating the file to Approved or
// Rejected, or an operator answers an interactive prompt. The gated action
// runs at most once, and only after an explicit approval signal.
package approval

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"
)

// ActionManualReview marks a request with no automated action behind it:
// the human decision is the whole action, so executing an approved record
// of this kind is a no-op.
const ActionManualReview = "manual_review"

// Status of an approval record.
const (
	StatusPending  = "pending"
	StatusApproved = "approved"
	StatusRejected = "rejected"
	StatusTimedOut = "timed_out"
)

// Record is the persisted approval request.
type Record struct {
	Timestamp  time.Time         `yaml:"created"`
	Action     string            `yaml:"action"`
	Details    map[string]string `yaml:"details,omitempty"`
	Status     string            `yaml:"status"`
	Approved   bool              `yaml:"approved"`
	Token      string            `yaml:"token"`
	SourceTask string            `yaml:"source_task,omitempty"`
}

// Filename returns the canonical record filename. The token prefix lets the
// waiter find the record after a human relocates it.
func (r *Record) Filename() string {
	return fmt.Sprintf("APPROVAL_%s_%s_%s.md", r.Action, r.TokenPrefix(), r.Timestamp.Format("20060102_150405"))
}

// TokenPrefix is the short form of the token used in filenames.
func (r *Record) TokenPrefix() string {
	if len(r.Token) >= 8 {
		return r.Token[:8]
	}
	return r.Token
}

// NewRecord creates a pending record for an action.
func NewRecord(action string, details map[string]string, sourceTask string, now time.Time) *Record {
	return &Record{
		Timestamp:  now,
		Action:     action,
		Details:    details,
		Status:     StatusPending,
		Token:      uuid.New().String(),
		SourceTask: sourceTask,
	}
}

// Render serializes the record as front-matter Markdown, including the
// operator instructions block.
func (r *Record) Render() ([]byte, error) {
	var sb strings.Builder
	sb.WriteString("---\n")
	sb.WriteString("type: approval_request\n")
	head, err := yaml.Marshal(r)
	if err != nil {
		return nil, fmt.Errorf("encode approval record: %w", err)
	}
	sb.Write(head)
	sb.WriteString("---\n\n")
	fmt.Fprintf(&sb, "# Approval Request: %s\n\n", r.Action)
	if r.SourceTask != "" {
		fmt.Fprintf(&sb, "## Original Task\nFile: %s\n\n", r.SourceTask)
	}
	sb.WriteString("## Request Details\n")
	for k, v := range r.Details {
		fmt.Fprintf(&sb, "- %s: %s\n", k, v)
	}
	sb.WriteString("\n## Action Required\n")
	sb.WriteString("To approve: move this file to the Approved folder.\n")
	sb.WriteString("To reject: move this file to the Rejected folder.\n")
	return []byte(sb.String()), nil
}

// ParseRecord reads a record file back.
func ParseRecord(path string) (*Record, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read approval record: %w", err)
	}
	meta, ok := frontMatterBlock(raw)
	if !ok {
		return nil, fmt.Errorf("approval record %s has no front-matter", filepath.Base(path))
	}
	rec := &Record{}
	if err := yaml.Unmarshal(meta, rec); err != nil {
		return nil, fmt.Errorf("parse approval record %s: %w", filepath.Base(path), err)
	}
	return rec, nil
}

func frontMatterBlock(raw []byte) ([]byte, bool) {
	s := string(raw)
	s = strings.TrimLeft(s, "\r\n")
	if !strings.HasPrefix(s, "---") {
		return nil, false
	}
	rest := s[3:]
	end := strings.Index(rest, "\n---")
	if end < 0 {
		return nil, false
	}
	return []byte(rest[:end]), true
}
