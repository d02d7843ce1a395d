// Package protocol defines the message envelope exchanged with the broker
// and the payload shapes for every message kind the agent consumes or
// emits. Framing and transport live in the broker package; this package is
// pure data.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// Message types understood by the agent. Requests arrive with one of the
// two request types; everything else is emitted by the agent.
const (
	BlockingRequestType     = "warden.rpc.blocking_request"
	NonBlockingRequestType  = "warden.rpc.non_blocking_request"
	ProvisionalResponseType = "warden.rpc.provisional_response"
	BlockingResponseType    = "warden.rpc.blocking_response"
	NonBlockingResponseType = "warden.rpc.non_blocking_response"
	RPCErrorType            = "warden.rpc.error"
	TransportErrorType      = "warden.transport.error"
)

// ErrInvalidEnvelope indicates a frame that cannot be interpreted as an
// envelope at all (not JSON, or missing the id field).
var ErrInvalidEnvelope = errors.New("protocol: invalid envelope")

// Envelope is the outer frame of every broker message.
type Envelope struct {
	ID          string            `json:"id"`
	MessageType string            `json:"message_type"`
	Sender      string            `json:"sender,omitempty"`
	Targets     []string          `json:"targets,omitempty"`
	Data        json.RawMessage   `json:"data,omitempty"`
	Debug       []json.RawMessage `json:"debug,omitempty"`
}

// ParsedChunks is an inbound envelope after debug-chunk screening: Debug
// holds the entries that parsed as JSON objects, NumInvalidDebug counts the
// ones that did not.
type ParsedChunks struct {
	Envelope        Envelope
	Debug           []json.RawMessage
	NumInvalidDebug int
}

// ParseFrame interprets one wire frame as an envelope and screens its
// debug chunks. Frames without an id are rejected outright; an unknown
// message type is left for the request processor to handle.
func ParseFrame(raw []byte) (ParsedChunks, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return ParsedChunks{}, fmt.Errorf("%w: %v", ErrInvalidEnvelope, err)
	}
	if strings.TrimSpace(env.ID) == "" {
		return ParsedChunks{}, fmt.Errorf("%w: missing id", ErrInvalidEnvelope)
	}

	chunks := ParsedChunks{Envelope: env}
	for _, entry := range env.Debug {
		if isJSONObject(entry) {
			chunks.Debug = append(chunks.Debug, entry)
		} else {
			chunks.NumInvalidDebug++
		}
	}
	chunks.Envelope.Debug = nil
	return chunks, nil
}

func isJSONObject(raw json.RawMessage) bool {
	var doc map[string]json.RawMessage
	return json.Unmarshal(raw, &doc) == nil && doc != nil
}

// RequestData is the payload of both request message types.
type RequestData struct {
	TransactionID string          `json:"transaction_id"`
	Module        string          `json:"module"`
	Action        string          `json:"action"`
	Params        json.RawMessage `json:"params,omitempty"`
}

// ProvisionalResponseData acknowledges acceptance of a non-blocking request.
type ProvisionalResponseData struct {
	TransactionID string `json:"transaction_id"`
}

// BlockingResponseData carries the results of a blocking action.
type BlockingResponseData struct {
	TransactionID string          `json:"transaction_id"`
	Results       json.RawMessage `json:"results"`
}

// NonBlockingResponseData carries the results of a completed non-blocking
// action together with the agent-assigned job id.
type NonBlockingResponseData struct {
	TransactionID string          `json:"transaction_id"`
	JobID         string          `json:"job_id"`
	Results       json.RawMessage `json:"results"`
}

// RPCErrorData is the application-level error reply.
type RPCErrorData struct {
	TransactionID string `json:"transaction_id"`
	ID            string `json:"id"`
	Description   string `json:"description"`
}

// TransportErrorData is the transport-level error reply; it refers only to
// the offending message id.
type TransportErrorData struct {
	ID          string `json:"id"`
	Description string `json:"description"`
}
