package embedclient

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"strings"
)

// Result is the single shape every API call returns, whatever the body
// looked like on the wire.
type Result[T any] struct {
	OK    bool
	Value T
	Err   error
}

func okResult[T any](v T) Result[T] { return Result[T]{OK: true, Value: v} }

func failed[T any](err error) Result[T] { return Result[T]{Err: err} }

// Unwrap returns the value and the error in Go's usual order.
func (r Result[T]) Unwrap() (T, error) {
	if !r.OK {
		return r.Value, r.Err
	}
	return r.Value, nil
}

// APIError is a non-success answer from the server.
type APIError struct {
	Status  int
	Code    int
	Message string
	Fields  map[string]string
}

func (e *APIError) Error() string {
	msg := e.Message
	if msg == "" {
		msg = http.StatusText(e.Status)
	}
	if len(e.Fields) == 0 {
		return fmt.Sprintf("api error %d (code %d): %s", e.Status, e.Code, msg)
	}
	keys := make([]string, 0, len(e.Fields))
	for k := range e.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+": "+e.Fields[k])
	}
	return fmt.Sprintf("api error %d (code %d): %s (%s)", e.Status, e.Code, msg, strings.Join(parts, "; "))
}

// Unauthorized reports a refused credential.
func (e *APIError) Unauthorized() bool {
	return e.Status == http.StatusUnauthorized || e.Status == http.StatusForbidden
}

// envelope covers both wrapped shapes the server family emits:
// {code, message, data} and {success, data, error}.
type envelope struct {
	Code    *int            `json:"code"`
	Success *bool           `json:"success"`
	Message string          `json:"message"`
	Error   json.RawMessage `json:"error"`
	Data    json.RawMessage `json:"data"`
}

// decodeResult normalizes a response body into a Result.
func decodeResult[T any](status int, body []byte) Result[T] {
	var zero T
	trimmed := bytes.TrimSpace(body)

	var env envelope
	if len(trimmed) > 0 && trimmed[0] == '{' && json.Unmarshal(trimmed, &env) == nil && (env.Code != nil || env.Success != nil) {
		good := status < 400
		code := 0
		if env.Code != nil {
			code = *env.Code
			good = good && code == 0
		}
		if env.Success != nil {
			good = good && *env.Success
		}
		if !good {
			return failed[T](envelopeError(status, code, env))
		}
		if len(env.Data) == 0 || string(env.Data) == "null" {
			return okResult(zero)
		}
		var v T
		if err := json.Unmarshal(env.Data, &v); err != nil {
			return failed[T](fmt.Errorf("decode data: %w", err))
		}
		return okResult(v)
	}

	// raw body
	if status >= 400 {
		return failed[T](&APIError{Status: status, Message: strings.TrimSpace(string(trimmed))})
	}
	if len(trimmed) == 0 {
		return okResult(zero)
	}
	var v T
	if err := json.Unmarshal(trimmed, &v); err != nil {
		return failed[T](fmt.Errorf("decode body: %w", err))
	}
	return okResult(v)
}

func envelopeError(status, code int, env envelope) *APIError {
	e := &APIError{Status: status, Code: code, Message: env.Message}
	if len(env.Error) > 0 {
		var s string
		if json.Unmarshal(env.Error, &s) == nil {
			if e.Message == "" {
				e.Message = s
			}
		} else {
			var obj struct {
				Message string `json:"message"`
			}
			if json.Unmarshal(env.Error, &obj) == nil && e.Message == "" {
				e.Message = obj.Message
			}
		}
	}
	var detail struct {
		Fields map[string]string `json:"fields"`
	}
	if len(env.Data) > 0 && json.Unmarshal(env.Data, &detail) == nil {
		e.Fields = detail.Fields
	}
	return e
}
