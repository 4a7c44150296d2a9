package model

import (
	"encoding/json"
	"time"
)

type PendingOpKind string

const (
	OpShareProfile PendingOpKind = "share_profile"
	OpConnect      PendingOpKind = "connect"
	OpDisconnect   PendingOpKind = "disconnect"
)

// PendingOp is a server write that could not be delivered yet.
type PendingOp struct {
	ID            string          `json:"id"`
	Kind          PendingOpKind   `json:"kind"`
	SourceEmail   string          `json:"sourceEmail"`
	TargetEmail   string          `json:"targetEmail"`
	Payload       json.RawMessage `json:"payload,omitempty"`
	CreatedAt     time.Time       `json:"createdAt"`
	Attempts      int             `json:"attempts"`
	LastError     string          `json:"lastError,omitempty"`
	LastAttemptAt *time.Time      `json:"lastAttemptAt,omitempty"`
}

// SameTarget reports whether two ops address the same subject pair.
func (op *PendingOp) SameTarget(other *PendingOp) bool {
	return op.SourceEmail == other.SourceEmail && op.TargetEmail == other.TargetEmail
}

// Opposes reports whether other cancels op (connect vs disconnect of one pair).
func (op *PendingOp) Opposes(other *PendingOp) bool {
	if !op.SameTarget(other) {
		return false
	}
	return (op.Kind == OpConnect && other.Kind == OpDisconnect) ||
		(op.Kind == OpDisconnect && other.Kind == OpConnect)
}

// ConnectPayload is the body of connect and disconnect calls.
type ConnectPayload struct {
	CaregiverID  string `json:"caregiverId"`
	PatientEmail string `json:"patientEmail"`
}
