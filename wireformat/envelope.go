package wireformat

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/go-playground/validator/v10"
)

// Origin tags distinguish guest-initiated from host-initiated traffic so a
// context can ignore its own echoes on a shared transport.
type Origin string

const (
	OriginApplication Origin = "application"
	OriginHost        Origin = "host"
)

// StreamState is the state carried by a stream frame.
type StreamState string

const (
	StreamData   StreamState = "data"
	StreamError  StreamState = "error"
	StreamClosed StreamState = "closed"
)

// Reserved operation names.
const (
	// OpMetadata is the host-to-guest handshake carrying entities.Metadata.
	OpMetadata = "metadata"
	// OpCancelStream asks the host to stop a stream; it reuses the stream's correlation id.
	OpCancelStream = "cancel-stream"
)

// Envelope is the only unit ever placed on the transport. Field names are part
// of the interoperability contract between independently built hosts and guests.
type Envelope struct {
	CorrelationID string          `json:"correlationId" validate:"required" jsonschema:"minLength=1"`
	Origin        Origin          `json:"origin" validate:"required,oneof=application host" jsonschema:"enum=application,enum=host"`
	Operation     string          `json:"operation,omitempty"`
	Params        json.RawMessage `json:"params,omitempty"`
	Response      json.RawMessage `json:"response,omitempty"`
	StreamState   StreamState     `json:"streamState,omitempty" validate:"omitempty,oneof=data error closed" jsonschema:"enum=data,enum=error,enum=closed"`
	Payload       json.RawMessage `json:"payload,omitempty"`
	Error         json.RawMessage `json:"error,omitempty"`
}

// Kind classifies a well-formed envelope by its shape.
type Kind int

const (
	KindInvalid Kind = iota
	KindRequest
	KindResponse
	KindFrame
)

func (k Kind) String() string {
	switch k {
	case KindRequest:
		return "request"
	case KindResponse:
		return "response"
	case KindFrame:
		return "frame"
	default:
		return "invalid"
	}
}

// ErrShape reports an envelope that does not carry exactly one of
// operation, response or stream frame.
var ErrShape = errors.New("envelope must carry exactly one of operation, response or stream frame")

var validate = validator.New()

// Kind returns the shape of the envelope without validating the other fields.
func (e *Envelope) Kind() Kind {
	n := 0
	kind := KindInvalid
	if e.Operation != "" {
		n++
		kind = KindRequest
	}
	if e.Response != nil {
		n++
		kind = KindResponse
	}
	if e.StreamState != "" {
		n++
		kind = KindFrame
	}
	if n != 1 {
		return KindInvalid
	}
	return kind
}

// Validate reports whether the envelope is well-formed.
func (e *Envelope) Validate() error {
	if err := validate.Struct(e); err != nil {
		return fmt.Errorf("invalid envelope: %w", err)
	}
	switch e.Kind() {
	case KindInvalid:
		return ErrShape
	case KindFrame:
		switch e.StreamState {
		case StreamData:
			if e.Payload == nil {
				return errors.New("data frame without payload")
			}
		case StreamError:
			if e.Error == nil {
				return errors.New("error frame without error")
			}
		}
	}
	return nil
}

// Decode parses and validates raw transport bytes. Anything that is not a
// well-formed envelope yields an error; receivers drop such traffic.
func Decode(data []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Envelope{}, fmt.Errorf("decode envelope: %w", err)
	}
	if err := env.Validate(); err != nil {
		return Envelope{}, err
	}
	return env, nil
}

// Encode validates and serializes an envelope for the transport.
func Encode(env Envelope) ([]byte, error) {
	if err := env.Validate(); err != nil {
		return nil, err
	}
	return json.Marshal(env)
}

// NewRequest builds a request (or stream-open) envelope.
func NewRequest(id string, origin Origin, operation string, params json.RawMessage) Envelope {
	return Envelope{CorrelationID: id, Origin: origin, Operation: operation, Params: params}
}

// NewResponse builds a terminal one-shot response envelope. A nil response
// is encoded as JSON null so the field is still present on the wire.
func NewResponse(id string, origin Origin, response json.RawMessage) Envelope {
	if response == nil {
		response = json.RawMessage("null")
	}
	return Envelope{CorrelationID: id, Origin: origin, Response: response}
}

// NewData builds a data frame.
func NewData(id string, origin Origin, payload json.RawMessage) Envelope {
	if payload == nil {
		payload = json.RawMessage("null")
	}
	return Envelope{CorrelationID: id, Origin: origin, StreamState: StreamData, Payload: payload}
}

// NewError builds an error frame.
func NewError(id string, origin Origin, detail json.RawMessage) Envelope {
	if detail == nil {
		detail = json.RawMessage("null")
	}
	return Envelope{CorrelationID: id, Origin: origin, StreamState: StreamError, Error: detail}
}

// NewClosed builds a closed frame.
func NewClosed(id string, origin Origin) Envelope {
	return Envelope{CorrelationID: id, Origin: origin, StreamState: StreamClosed}
}

// Frame is the stream portion of an envelope, handed to stream registries.
type Frame struct {
	State   StreamState
	Payload json.RawMessage
	Error   json.RawMessage
}

// Frame extracts the stream frame carried by the envelope.
func (e *Envelope) Frame() Frame {
	return Frame{State: e.StreamState, Payload: e.Payload, Error: e.Error}
}
