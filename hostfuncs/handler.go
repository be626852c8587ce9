package hostfuncs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"

	"github.com/go-playground/validator/v10"
)

var validate = validator.New()

// HostFunc is a typed one-shot operation.
type HostFunc[Req any, Resp any] func(context.Context, Req) (Resp, error)

// StreamFunc is a typed stream operation. It calls emit once per item and
// returns when the stream is over: nil closes the stream, an error fails it.
// emit returns an error once the consumer has cancelled.
type StreamFunc[Req any, Item any] func(ctx context.Context, req Req, emit func(Item) error) error

// ByteHandler accepts raw JSON params and returns the raw JSON response.
type ByteHandler func(context.Context, []byte) ([]byte, error)

// ByteStreamHandler accepts raw JSON params and emits raw JSON payloads on sink.
type ByteStreamHandler func(ctx context.Context, params []byte, sink Sink) error

// Sink receives the data frames of one stream production.
type Sink interface {
	// Send emits one data frame. It fails after the stream was cancelled.
	Send(payload []byte) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(payload []byte) error

// Send implements Sink.
func (f SinkFunc) Send(payload []byte) error { return f(payload) }

// NewJSONHandler wraps a typed HostFunc into a ByteHandler. Params are decoded
// and validated with `validate` struct tags before fn runs; absent params
// decode to the zero Req.
//
// Usage:
//
//	echo := hostfuncs.NewJSONHandler(func(ctx context.Context, req EchoRequest) (EchoResponse, error) {
//	    return EchoResponse{Text: req.Text}, nil
//	})
func NewJSONHandler[Req any, Resp any](fn HostFunc[Req, Resp]) ByteHandler {
	return func(ctx context.Context, payload []byte) ([]byte, error) {
		req, err := decodeParams[Req](payload)
		if err != nil {
			return nil, err
		}

		resp, err := fn(ctx, req)
		if err != nil {
			return nil, err
		}

		respBytes, err := json.Marshal(resp)
		if err != nil {
			return nil, NewInternalError(fmt.Sprintf("failed to marshal response: %v", err))
		}
		return respBytes, nil
	}
}

// NewJSONStreamHandler wraps a typed StreamFunc into a ByteStreamHandler.
func NewJSONStreamHandler[Req any, Item any](fn StreamFunc[Req, Item]) ByteStreamHandler {
	return func(ctx context.Context, params []byte, sink Sink) error {
		req, err := decodeParams[Req](params)
		if err != nil {
			return err
		}

		return fn(ctx, req, func(item Item) error {
			payload, err := json.Marshal(item)
			if err != nil {
				return NewInternalError(fmt.Sprintf("failed to marshal stream item: %v", err))
			}
			return sink.Send(payload)
		})
	}
}

func decodeParams[Req any](payload []byte) (Req, error) {
	var req Req
	if len(payload) > 0 && string(payload) != "null" {
		if err := json.Unmarshal(payload, &req); err != nil {
			return req, NewValidationError(fmt.Sprintf("failed to unmarshal params: %v", err))
		}
	}
	if err := validateParams(req); err != nil {
		return req, err
	}
	return req, nil
}

func validateParams(req any) error {
	v := reflect.ValueOf(req)
	if v.Kind() == reflect.Pointer {
		if v.IsNil() {
			return nil
		}
		v = v.Elem()
	}
	if v.Kind() != reflect.Struct {
		return nil
	}

	err := validate.Struct(req)
	var invalid *validator.InvalidValidationError
	if err == nil || errors.As(err, &invalid) {
		return nil
	}
	return NewValidationError(err.Error())
}
