// Package classify turns free-text task content into a closed routing enum
// and decides whether an action is sensitive enough to require human
// approval. Classification is deliberately coarse keyword containment; the
// point is that it happens in exactly one testable place.
package classify

import (
	"strings"
)

// Kind is the closed set of task categories the dispatcher routes on.
type Kind string

const (
	KindEmail     Kind = "email"
	KindSocial    Kind = "social"
	KindERP       Kind = "erp"
	KindMessaging Kind = "messaging"
	KindUnknown   Kind = "unknown"
)

var kindKeywords = []struct {
	kind     Kind
	keywords []string
}{
	{KindEmail, []string{"email", "gmail", "inbox reply", "mail to"}},
	{KindSocial, []string{"facebook", "instagram", "twitter", "linkedin", "social", " post "}},
	{KindERP, []string{"invoice", "odoo", "customer", "erp", "purchase order"}},
	{KindMessaging, []string{"whatsapp", "sms", "text message"}},
}

// Classify maps task content (and an optional explicit type tag from
// front-matter) to a Kind. An explicit tag wins over keyword matching.
func Classify(typeTag, content string) Kind {
	switch Kind(strings.ToLower(typeTag)) {
	case KindEmail, KindSocial, KindERP, KindMessaging:
		return Kind(strings.ToLower(typeTag))
	}

	lower := " " + strings.ToLower(content) + " "
	for _, kk := range kindKeywords {
		for _, kw := range kk.keywords {
			if strings.Contains(lower, kw) {
				return kk.kind
			}
		}
	}
	return KindUnknown
}

// sensitiveKeywords gate content that touches money, legal commitments, or
// outward-facing communication. Over-gating is preferred to under-gating.
var sensitiveKeywords = []string{
	"payment", "invoice", "pay", "purchase", "order", "buy",
	"contract", "agreement", "legal", "billing", "financial",
	"facebook", "instagram", "twitter", "linkedin", "whatsapp",
	"send email", "post",
}

// sensitiveOps is the fixed allow-list of operation names that always
// require approval regardless of content.
var sensitiveOps = map[string]bool{
	"send_email":         true,
	"create_invoice":     true,
	"create_customer":    true,
	"post_social":        true,
	"send_message":       true,
	"linkedin_auto_post": true,
	"delete_file":        true,
	"modify_config":      true,
	"access_credentials": true,
}

// IsSensitiveOp reports whether an operation name is on the allow-list.
func IsSensitiveOp(op string) bool {
	return sensitiveOps[strings.ToLower(op)]
}

// ContainsSensitiveKeyword reports whether content matches the keyword gate.
func ContainsSensitiveKeyword(content string) bool {
	lower := strings.ToLower(content)
	for _, kw := range sensitiveKeywords {
		if strings.Contains(lower, kw) {
			return true
		}
	}
	return false
}
