// Package envelope defines the framed wire format shared by the relay and all
// endpoints. Every frame on a stream carries exactly one envelope, which is
// either a request or a response correlated to a request by ID.
//
// Requests may be issued by either side of a connection at any time. A
// response echoes the request's ID and carries a success flag; on failure the
// payload may carry an application-level failure description.
package envelope

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
)

// Envelope type discriminators. Any frame whose type is not TypeResponse is
// handed to the application as a request by the receive loop.
const (
	TypeRequest  = "request"
	TypeResponse = "response"
)

// Envelope is one framed message. Correlation between a request and its
// response is by ID: the requester generates a fresh UUID and the responder
// echoes it back. Success is only present on responses.
type Envelope struct {
	ID      string          `json:"id"`
	Type    string          `json:"type"`
	Success *bool           `json:"success,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// NewRequest creates a request envelope with a fresh lowercase hyphenated
// v4 UUID and the JSON-marshaled payload.
func NewRequest(payload interface{}) (*Envelope, error) {
	body, err := marshalPayload(payload)
	if err != nil {
		return nil, err
	}
	return &Envelope{
		ID:      uuid.New().String(),
		Type:    TypeRequest,
		Payload: body,
	}, nil
}

// NewResponse creates a response envelope for the request identified by
// requestID. A nil payload is encoded as an absent payload on the wire.
func NewResponse(requestID string, success bool, payload interface{}) (*Envelope, error) {
	body, err := marshalPayload(payload)
	if err != nil {
		return nil, err
	}
	return &Envelope{
		ID:      requestID,
		Type:    TypeResponse,
		Success: &success,
		Payload: body,
	}, nil
}

func marshalPayload(payload interface{}) (json.RawMessage, error) {
	if payload == nil {
		return nil, nil
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal payload: %w", err)
	}
	return body, nil
}

// IsResponse reports whether the envelope is a response frame.
func (e *Envelope) IsResponse() bool {
	return e.Type == TypeResponse
}

// OK reports whether the envelope is a response carrying success=true.
func (e *Envelope) OK() bool {
	return e.Success != nil && *e.Success
}

// UnmarshalPayload unmarshals the payload into the provided value.
func (e *Envelope) UnmarshalPayload(v interface{}) error {
	if len(e.Payload) == 0 {
		return fmt.Errorf("envelope %s has no payload", e.ID)
	}
	return json.Unmarshal(e.Payload, v)
}

// PayloadString decodes the payload as a JSON string. Used for payloads that
// carry opaque ciphertext or key material.
func (e *Envelope) PayloadString() (string, error) {
	var s string
	if err := e.UnmarshalPayload(&s); err != nil {
		return "", err
	}
	return s, nil
}

// Encode serializes the envelope for the wire.
func (e *Envelope) Encode() ([]byte, error) {
	return json.Marshal(e)
}

// Decode parses one frame into an envelope.
func Decode(data []byte) (*Envelope, error) {
	var e Envelope
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, fmt.Errorf("malformed envelope: %w", err)
	}
	if err := e.Validate(); err != nil {
		return nil, err
	}
	return &e, nil
}

// Validate checks the fields every envelope must carry.
func (e *Envelope) Validate() error {
	if e.ID == "" {
		return &ValidationError{Field: "id", Message: "envelope ID is required"}
	}
	if e.Type == "" {
		return &ValidationError{Field: "type", Message: "envelope type is required"}
	}
	if e.Type == TypeResponse && e.Success == nil {
		return &ValidationError{Field: "success", Message: "responses must carry a success flag"}
	}
	return nil
}

// ValidationError reports a missing or invalid envelope field.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return e.Field + ": " + e.Message
}
