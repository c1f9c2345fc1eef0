// Package span defines the immutable timeline record and its draft form,
// plus canonical hashing and signing.
package span

import (
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/danvoulez/logline-motor/pkg/motorerr"
)

// Span is an atomic, immutable event on the timeline. It is created by the
// admission path on Accept and never mutated or deleted afterwards;
// tombstoning, if ever needed, is itself a new span.
type Span struct {
	ID               string    `json:"id"`
	TimelinePosition uint64    `json:"timeline_position"`
	ActorID          string    `json:"actor_id"`
	Kind             string    `json:"kind"`
	Payload          *Payload  `json:"payload"`
	ParentSpanID     string    `json:"parent_span_id,omitempty"`
	Timestamp        time.Time `json:"timestamp"`
	Signature        string    `json:"signature,omitempty"`
}

// Draft is a span candidate before admission. Structural validation happens
// at the transport edge; semantic validation (parentage, ordering) happens
// in the store and the admission path.
type Draft struct {
	ID           string    `json:"id"`
	ActorID      string    `json:"actor_id"`
	Kind         string    `json:"kind"`
	Payload      *Payload  `json:"payload"`
	ParentSpanID string    `json:"parent_span_id,omitempty"`
	Timestamp    time.Time `json:"timestamp"`
	// Signature, when set, is carried verbatim onto the appended span.
	Signature string `json:"signature,omitempty"`
}

// NewDraft creates a draft with a generated id and the given timestamp.
func NewDraft(actorID, kind string, payload *Payload, ts time.Time) Draft {
	if payload == nil {
		payload = NewPayload()
	}
	return Draft{
		ID:        uuid.New().String(),
		ActorID:   actorID,
		Kind:      kind,
		Payload:   payload,
		Timestamp: ts.UTC(),
	}
}

// Validate checks the draft for malformed fields.
func (d Draft) Validate() error {
	switch {
	case strings.TrimSpace(d.ID) == "":
		return motorerr.New(motorerr.KindValidation, "draft id is empty")
	case strings.TrimSpace(d.ActorID) == "":
		return motorerr.New(motorerr.KindValidation, "draft actor_id is empty").With("span_id", d.ID)
	case strings.TrimSpace(d.Kind) == "":
		return motorerr.New(motorerr.KindValidation, "draft kind is empty").With("span_id", d.ID)
	case d.Timestamp.IsZero():
		return motorerr.New(motorerr.KindValidation, "draft timestamp is zero").With("span_id", d.ID)
	}
	return nil
}

// WithPayload returns a copy of the draft carrying the given payload.
// Used by Transform verdicts: the draft itself is never mutated.
func (d Draft) WithPayload(p *Payload) Draft {
	d.Payload = p
	return d
}
