// Package messaging implements the host-application message protocol
// over a websocket.
//
// Hosts send PossumMessage envelopes and receive PossumReturnMessage
// envelopes. Inbound envelopes are validated against an embedded JSON
// schema before they are handled.
package messaging

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/santhosh-tekuri/jsonschema/v5"

	"possum/internal/registry"
)

// Envelope kinds.
const (
	PossumMessage       = "PossumMessage"
	PossumReturnMessage = "PossumReturnMessage"
)

// Message types carried in the MsgType field.
const (
	MsgType          = "MsgType"
	Learning         = "toggleLearning"
	RequestDetectors = "requestDetectors"
	Detectors        = "detectors"
	DetectorsStatus  = "detectorsStatus"
	PossumTrust      = "PossumTrust"
	Error            = "error"
)

// ErrInvalidMessage wraps schema and decoding failures of inbound messages.
var ErrInvalidMessage = errors.New("messaging: invalid message")

//go:embed envelope.schema.json
var envelopeSchema []byte

const schemaURL = "envelope.schema.json"

// Envelope is the wire form of every message.
type Envelope struct {
	Kind      string          `json:"kind"`
	MsgType   string          `json:"MsgType"`
	RequestID string          `json:"requestId,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// LearningPayload is the payload of toggleLearning.
type LearningPayload struct {
	Learning bool `json:"learning"`
}

// DetectorsPayload is the payload of detectors and detectorsStatus.
type DetectorsPayload struct {
	Learning  bool              `json:"learning"`
	Detectors []registry.Status `json:"detectors"`
}

// ErrorPayload is the payload of error replies.
type ErrorPayload struct {
	Message string `json:"message"`
}

// Validator checks inbound envelopes against the embedded schema.
type Validator struct {
	schema *jsonschema.Schema
}

// NewValidator compiles the embedded envelope schema.
func NewValidator() (*Validator, error) {
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource(schemaURL, bytes.NewReader(envelopeSchema)); err != nil {
		return nil, fmt.Errorf("add schema resource: %w", err)
	}
	schema, err := compiler.Compile(schemaURL)
	if err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}
	return &Validator{schema: schema}, nil
}

// Decode validates raw and decodes it into an Envelope.
func (v *Validator) Decode(raw []byte) (*Envelope, error) {
	var instance any
	if err := json.Unmarshal(raw, &instance); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}
	if err := v.schema.Validate(instance); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}
	return &env, nil
}

// reply builds a PossumReturnMessage. An empty requestID gets a new one.
func reply(msgType, requestID string, payload any) ([]byte, error) {
	if requestID == "" {
		requestID = uuid.NewString()
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode payload: %w", err)
	}
	return json.Marshal(Envelope{
		Kind:      PossumReturnMessage,
		MsgType:   msgType,
		RequestID: requestID,
		Payload:   body,
	})
}
