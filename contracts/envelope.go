package contracts

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Header keys carried next to the broker message properties
const (
	HeaderMethod = "x-rpc-method"
	HeaderError  = "x-rpc-error"
)

// RequestEnvelope wraps one outbound call for transport
type RequestEnvelope struct {
	ID            string                 `json:"id"`
	Method        string                 `json:"method"`
	CorrelationID string                 `json:"correlationId"`
	ReplyTo       string                 `json:"replyTo"`
	Timestamp     time.Time              `json:"timestamp"`
	Headers       map[string]interface{} `json:"headers,omitempty"`
	Body          json.RawMessage        `json:"body"`
}

// NewRequestEnvelope creates an envelope with a generated message ID and current timestamp
func NewRequestEnvelope(method, correlationID, replyTo string, body []byte) *RequestEnvelope {
	return &RequestEnvelope{
		ID:            uuid.New().String(),
		Method:        method,
		CorrelationID: correlationID,
		ReplyTo:       replyTo,
		Timestamp:     time.Now().UTC(),
		Headers: map[string]interface{}{
			HeaderMethod: method,
		},
		Body: body,
	}
}

// Validate checks that the envelope can be routed and answered
func (e *RequestEnvelope) Validate() error {
	switch {
	case e == nil:
		return fmt.Errorf("%w: envelope is nil", ErrInvalidEnvelope)
	case e.Method == "":
		return fmt.Errorf("%w: method is required", ErrInvalidEnvelope)
	case e.CorrelationID == "":
		return fmt.Errorf("%w: correlation ID is required", ErrInvalidEnvelope)
	case e.ReplyTo == "":
		return fmt.Errorf("%w: reply destination is required", ErrInvalidEnvelope)
	}
	return nil
}

// ReplyEnvelope is a reply received on the reply queue
type ReplyEnvelope struct {
	CorrelationID string
	Body          json.RawMessage
	// Error is set when the responder or the broker flagged the reply as a transport failure
	Error string
}

// NewReplyEnvelope builds a reply from the raw delivery parts.
func NewReplyEnvelope(correlationID string, body []byte, headers map[string]interface{}) *ReplyEnvelope {
	reply := &ReplyEnvelope{
		CorrelationID: correlationID,
		Body:          body,
	}
	if v, ok := headers[HeaderError]; ok {
		switch errValue := v.(type) {
		case string:
			reply.Error = errValue
		case []byte:
			reply.Error = string(errValue)
		default:
			reply.Error = fmt.Sprint(errValue)
		}
	}
	return reply
}

// HasError reports whether the reply carries a transport-level error indicator
func (r *ReplyEnvelope) HasError() bool {
	return r.Error != ""
}

// ParseCorrelationID validates the correlation ID of the reply
func (r *ReplyEnvelope) ParseCorrelationID() (string, error) {
	if r.CorrelationID == "" {
		return "", ErrMissingCorrelationID
	}
	id, err := uuid.Parse(r.CorrelationID)
	if err != nil {
		return "", fmt.Errorf("%w: %q: %v", ErrInvalidCorrelationID, r.CorrelationID, err)
	}
	return id.String(), nil
}
