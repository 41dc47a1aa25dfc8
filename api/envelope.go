package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
)

// Envelope is the uniform response body. Success is authoritative: a 2xx
// response may still carry Success == false.
type Envelope[T any] struct {
	Success bool                `json:"success"`
	Data    T                   `json:"data,omitempty"`
	Message string              `json:"message,omitempty"`
	Error   string              `json:"error,omitempty"`
	Errors  map[string][]string `json:"errors,omitempty"`

	// Status is the HTTP status the envelope arrived with.
	Status int `json:"-"`
	// Raw is the whole response body.
	Raw json.RawMessage `json:"-"`
}

// Text returns the envelope's message, then its error string.
func (e *Envelope[T]) Text() string {
	if e.Message != "" {
		return e.Message
	}
	return e.Error
}

// ErrMalformedEnvelope is wrapped by INVALID_RESPONSE errors.
var ErrMalformedEnvelope = errors.New("malformed response envelope")

// parseEnvelope reads a response body into an envelope. An empty body is a
// success without data; a JSON body lacking a "success" key is a success whose
// data is the whole body.
func parseEnvelope(status int, body []byte) (*Envelope[json.RawMessage], error) {
	env := &Envelope[json.RawMessage]{Status: status}

	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 {
		env.Success = true
		return env, nil
	}
	if !json.Valid(trimmed) {
		return nil, ErrMalformedEnvelope
	}
	env.Raw = json.RawMessage(trimmed)

	var fields map[string]json.RawMessage
	if trimmed[0] != '{' || json.Unmarshal(trimmed, &fields) != nil {
		env.Success = true
		env.Data = env.Raw
		return env, nil
	}

	rawSuccess, ok := fields["success"]
	if !ok {
		env.Success = true
		env.Data = env.Raw
		return env, nil
	}
	if err := json.Unmarshal(rawSuccess, &env.Success); err != nil {
		return nil, fmt.Errorf("%w: success is not a boolean", ErrMalformedEnvelope)
	}

	if data, ok := fields["data"]; ok && !bytes.Equal(data, []byte("null")) {
		env.Data = data
	}
	if msg, ok := fields["message"]; ok {
		_ = json.Unmarshal(msg, &env.Message)
	}
	env.Error = errorString(fields["error"])
	if errs, ok := fields["errors"]; ok {
		_ = json.Unmarshal(errs, &env.Errors)
	}
	return env, nil
}

// Decode converts an envelope's raw data into T.
func Decode[T any](env *Envelope[json.RawMessage]) (*Envelope[T], error) {
	out := &Envelope[T]{
		Success: env.Success,
		Message: env.Message,
		Error:   env.Error,
		Errors:  env.Errors,
		Status:  env.Status,
		Raw:     env.Raw,
	}
	if len(env.Data) == 0 {
		return out, nil
	}
	if err := json.Unmarshal(env.Data, &out.Data); err != nil {
		return nil, &Error{
			Message: "The server sent an unexpected response.",
			Code:    CodeInvalidResponse,
			Status:  env.Status,
			Err:     fmt.Errorf("failed to decode data: %w", err),
		}
	}
	return out, nil
}

// Call issues a request and decodes the envelope's data into T.
func Call[T any](
	ctx context.Context,
	c *Client,
	method, path string,
	body any,
	opts ...CallOption,
) (*Envelope[T], error) {
	env, err := c.Do(ctx, method, path, body, opts...)
	if err != nil {
		return nil, err
	}
	return Decode[T](env)
}
