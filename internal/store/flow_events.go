package store

import (
	"crypto/sha256"
	"fmt"
	"time"
)

// FlowEvent is one immutable record in a patient's movement audit trail.
// Events are hash-chained per patient so tampering with the trail is
// detectable.
type FlowEvent struct {
	PatientID string    `json:"patient_id"`
	Seq       int       `json:"seq"`
	FromRoom  *string   `json:"from_room,omitempty"`
	ToRoom    *string   `json:"to_room,omitempty"`
	Status    string    `json:"status"`
	Notes     string    `json:"notes,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	PrevHash  string    `json:"prev_hash"`
	Hash      string    `json:"hash"`
}

func ComputeFlowEventHash(prevHash, patientID, fromRoom, toRoom, status, notes string, createdAt time.Time, seq int) string {
	raw := fmt.Sprintf("%s|%s|%s|%s|%s|%s|%s|%d", prevHash, patientID, fromRoom, toRoom, status, notes, createdAt.UTC().Format(time.RFC3339Nano), seq)
	sum := sha256.Sum256([]byte(raw))
	return fmt.Sprintf("%x", sum)
}

// VerifyFlowChain recomputes every hash in a patient's event trail and
// reports the first break, if any. Events must be in sequence order.
func VerifyFlowChain(events []FlowEvent) error {
	prev := ""
	for i, event := range events {
		if event.Seq != i+1 {
			return fmt.Errorf("flow event %d: expected seq %d, got %d", i, i+1, event.Seq)
		}
		if event.PrevHash != prev {
			return fmt.Errorf("flow event seq %d: prev hash mismatch", event.Seq)
		}
		expected := ComputeFlowEventHash(prev, event.PatientID, deref(event.FromRoom), deref(event.ToRoom), event.Status, event.Notes, event.CreatedAt, event.Seq)
		if event.Hash != expected {
			return fmt.Errorf("flow event seq %d: hash mismatch", event.Seq)
		}
		prev = event.Hash
	}
	return nil
}

func deref(value *string) string {
	if value == nil {
		return ""
	}
	return *value
}
