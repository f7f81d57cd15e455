package approval

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/gowebpki/jcs"
)

// Receipt is the immutable outcome of one approval request.
type Receipt struct {
	ReceiptID   string    `json:"receipt_id"`
	Token       string    `json:"token"`
	Action      string    `json:"action"`
	Outcome     string    `json:"outcome"`
	ResolvedAt  time.Time `json:"resolved_at"`
	DurationMs  int64     `json:"duration_ms"`
	ContentHash string    `json:"content_hash"`
}

// newReceipt builds a receipt with a content hash over the canonical JSON
// of its identifying fields, so two parties can compare outcomes.
func newReceipt(rec *Record, outcome string, resolvedAt time.Time) *Receipt {
	r := &Receipt{
		ReceiptID:  uuid.New().String(),
		Token:      rec.Token,
		Action:     rec.Action,
		Outcome:    outcome,
		ResolvedAt: resolvedAt,
		DurationMs: resolvedAt.Sub(rec.Timestamp).Milliseconds(),
	}
	hashable := struct {
		Token   string `json:"token"`
		Action  string `json:"action"`
		Outcome string `json:"outcome"`
	}{rec.Token, rec.Action, outcome}

	data, err := json.Marshal(hashable)
	if err == nil {
		if canonical, cErr := jcs.Transform(data); cErr == nil {
			data = canonical
		}
		sum := sha256.Sum256(data)
		r.ContentHash = "sha256:" + hex.EncodeToString(sum[:])
	}
	return r
}
