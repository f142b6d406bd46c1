// Package response turns engine results into HTTP responses with uniform headers.
package response

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/mihaisavezi/claude-relay/internal/transformers"
)

// Response is a fully built HTTP answer. Body is streamed as is; when it is an io.Closer it is
// closed once written.
type Response struct {
	Status int
	Header http.Header
	Body   io.Reader
}

// IsStream reports whether the body is an event stream.
func (r *Response) IsStream() bool {
	return r.Header.Get("Content-Type") == "text/event-stream"
}

// APIError is the error object of the {"type":"error","error":{...}} envelope.
type APIError struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

type errorEnvelope struct {
	Type  string   `json:"type"`
	Error APIError `json:"error"`
}

// SetCORS attaches the CORS headers every response carries.
func SetCORS(h http.Header) {
	h.Set("Access-Control-Allow-Origin", "*")
	h.Set("Access-Control-Allow-Methods", "POST, OPTIONS")
	h.Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
}

// Wrap builds a response for v. An existing *Response is returned unchanged; a stream (an
// io.Reader or a streaming transformer result) becomes an event stream; anything else is
// encoded as JSON.
func Wrap(v any) *Response {
	switch r := v.(type) {
	case *Response:
		return r
	case *transformers.Result:
		if r.IsStream() {
			return Stream(r.Stream)
		}
		return JSON(http.StatusOK, r.Message)
	case io.Reader:
		return Stream(r)
	}
	return JSON(http.StatusOK, v)
}

// Stream wraps an SSE body.
func Stream(body io.Reader) *Response {
	h := make(http.Header)
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	SetCORS(h)

	return &Response{Status: http.StatusOK, Header: h, Body: body}
}

// JSON encodes v with the given status.
func JSON(status int, v any) *Response {
	data, err := json.Marshal(v)
	if err != nil {
		return Error(err, http.StatusInternalServerError)
	}

	h := make(http.Header)
	h.Set("Content-Type", "application/json")
	SetCORS(h)

	return &Response{Status: status, Header: h, Body: bytes.NewReader(data)}
}

// Error builds the error envelope. A status of 0 means 500. The error type is derived from the
// status unless err carries a TypedError.
func Error(err error, status int) *Response {
	if status == 0 {
		status = http.StatusInternalServerError
	}

	errType := TypeForStatus(status)
	var typed *TypedError
	if errors.As(err, &typed) {
		errType = typed.Type
	}

	msg := "unknown error"
	if err != nil {
		msg = err.Error()
	}

	data, _ := json.Marshal(errorEnvelope{
		Type:  "error",
		Error: APIError{Type: errType, Message: msg},
	})

	h := make(http.Header)
	h.Set("Content-Type", "application/json")
	SetCORS(h)

	return &Response{Status: status, Header: h, Body: bytes.NewReader(data)}
}

// TypedError pins the envelope's error type.
type TypedError struct {
	Type string
	Err  error
}

func (e *TypedError) Error() string { return e.Err.Error() }
func (e *TypedError) Unwrap() error { return e.Err }

// WithType pins err's envelope type.
func WithType(errType string, err error) error {
	return &TypedError{Type: errType, Err: err}
}

// TypeForStatus maps an HTTP status to an Anthropic error type.
func TypeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest, http.StatusUnprocessableEntity:
		return "invalid_request_error"
	case http.StatusUnauthorized:
		return "authentication_error"
	case http.StatusPaymentRequired:
		return "billing_error"
	case http.StatusForbidden:
		return "permission_error"
	case http.StatusNotFound:
		return "not_found_error"
	case http.StatusRequestEntityTooLarge:
		return "request_too_large"
	case http.StatusTooManyRequests:
		return "rate_limit_error"
	case http.StatusGatewayTimeout:
		return "timeout_error"
	case http.StatusServiceUnavailable, 529:
		return "overloaded_error"
	}
	return "api_error"
}

// Write copies r to w. Streams are flushed after every read and abandoned as soon as the
// client's request context is done; the body is closed either way.
func Write(w http.ResponseWriter, req *http.Request, r *Response, logger *slog.Logger) {
	if closer, ok := r.Body.(io.Closer); ok {
		defer closer.Close()
	}

	for k, vs := range r.Header {
		for _, v := range vs {
			w.Header().Add(k, v)
		}
	}
	w.WriteHeader(r.Status)

	if r.Body == nil {
		return
	}

	flusher, canFlush := w.(http.Flusher)
	if !r.IsStream() || !canFlush {
		if _, err := io.Copy(w, r.Body); err != nil {
			logger.Debug("Failed to write response body", "error", err)
		}
		return
	}

	ctx := req.Context()
	buf := make([]byte, 32*1024)
	for {
		if ctx.Err() != nil {
			logger.Debug("Client disconnected during stream")
			return
		}

		n, err := r.Body.Read(buf)
		if n > 0 {
			if _, werr := w.Write(buf[:n]); werr != nil {
				logger.Debug("Failed to write stream chunk", "error", werr)
				return
			}
			flusher.Flush()
		}
		if err != nil {
			if !errors.Is(err, io.EOF) {
				logger.Warn("Stream ended with error", "error", err)
			}
			return
		}
	}
}
