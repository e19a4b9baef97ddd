// Package ipc implements the control-port protocol: the message envelope,
// wire framing, the coordinator that owns the port, the shutdown request
// client, and the startup bind resolver.
package ipc

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/rbright/portguard/internal/session"
)

const (
	TagShutdownRequest  = "Remote shutdown"
	TagShutdownResponse = "Remote shutdown response"
)

var ErrInvalidEnvelope = errors.New("invalid envelope")

// Envelope is one message exchanged between instances.
//
// Decision is only set on shutdown responses and carries the decision code
// so peers never have to match on human-readable text.
type Envelope struct {
	Message   string `json:"message"`
	Content   string `json:"content"`
	SessionID string `json:"session_id"`
	Decision  string `json:"decision,omitempty"`
}

// NewEnvelope builds a validated envelope.
func NewEnvelope(message, content string, sessionID session.Identity) (Envelope, error) {
	env := Envelope{Message: message, Content: content, SessionID: sessionID.String()}
	if err := env.Validate(); err != nil {
		return Envelope{}, err
	}
	return env, nil
}

// NewResponse builds the shutdown response envelope for decision.
func NewResponse(decision Decision, sessionID session.Identity) Envelope {
	return Envelope{
		Message:   TagShutdownResponse,
		Content:   decision.Message(),
		SessionID: sessionID.String(),
		Decision:  decision.Code(),
	}
}

// Validate enforces that every required field is present and non-empty.
func (e Envelope) Validate() error {
	switch {
	case e.Message == "":
		return fmt.Errorf("%w: message must not be empty", ErrInvalidEnvelope)
	case e.Content == "":
		return fmt.Errorf("%w: content must not be empty", ErrInvalidEnvelope)
	case e.SessionID == "":
		return fmt.Errorf("%w: session_id must not be empty", ErrInvalidEnvelope)
	}
	return nil
}

func (e Envelope) String() string {
	if e.Decision == "" {
		return fmt.Sprintf("Envelope{message=%q, content=%q, session_id=%q}", e.Message, e.Content, e.SessionID)
	}
	return fmt.Sprintf("Envelope{message=%q, content=%q, session_id=%q, decision=%q}", e.Message, e.Content, e.SessionID, e.Decision)
}

// Marshal renders the envelope as single-line JSON.
func (e Envelope) Marshal() ([]byte, error) {
	if err := e.Validate(); err != nil {
		return nil, err
	}
	return json.Marshal(e)
}

// UnmarshalEnvelope parses and validates a serialized envelope.
func UnmarshalEnvelope(data []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrInvalidEnvelope, err)
	}
	if err := env.Validate(); err != nil {
		return Envelope{}, err
	}
	return env, nil
}
