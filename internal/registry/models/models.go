package models

import (
	"bytes"
	"encoding/json"
	"time"

	dErrors "github.com/eduabjr/cartorio-sub002/pkg/domain-errors"
)

// MaxPayloadBytes bounds a single accepted payload.
const MaxPayloadBytes = 1 << 20

// Record is a registry entry accepted from a capture client.
type Record struct {
	ID         string          `json:"id"`
	Kind       string          `json:"kind"`
	Payload    json.RawMessage `json:"payload"`
	CapturedAt time.Time       `json:"capturedAt"`
	ReceivedAt time.Time       `json:"receivedAt"`
	Source     string          `json:"source,omitempty"`
	Digest     string          `json:"-"`
}

// AcceptRequest is the wire body of the accept-record operation, shared by
// the HTTP and Kafka bindings.
type AcceptRequest struct {
	ID         string          `json:"id"`
	Kind       string          `json:"kind"`
	Payload    json.RawMessage `json:"payload"`
	CapturedAt time.Time       `json:"capturedAt"`
}

// Validate checks the fields the registry relies on.
func (r *AcceptRequest) Validate() error {
	if r.ID == "" {
		return dErrors.New(dErrors.CodeValidation, "id is required")
	}
	if len(r.ID) > 128 {
		return dErrors.New(dErrors.CodeValidation, "id is too long")
	}
	payload := bytes.TrimSpace(r.Payload)
	if len(payload) == 0 || payload[0] != '{' || !json.Valid(payload) {
		return dErrors.New(dErrors.CodeValidation, "payload must be a JSON object")
	}
	if len(payload) > MaxPayloadBytes {
		return dErrors.New(dErrors.CodeValidation, "payload is too large")
	}
	if r.CapturedAt.IsZero() {
		return dErrors.New(dErrors.CodeValidation, "capturedAt is required")
	}
	return nil
}

// AcceptResult reports whether the record was new.
type AcceptResult struct {
	ID      string `json:"id"`
	Created bool   `json:"created"`
}
