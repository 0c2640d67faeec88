package middleware

import (
	"bytes"
	"net/http"
)

// StatusRecorder wraps http.ResponseWriter to capture the response status code.
// Only the first WriteHeader call takes effect.
type StatusRecorder struct {
	http.ResponseWriter
	StatusCode int
	written    bool
}

// NewStatusRecorder creates a new StatusRecorder with a default status of 200 OK.
func NewStatusRecorder(w http.ResponseWriter) *StatusRecorder {
	return &StatusRecorder{
		ResponseWriter: w,
		StatusCode:     http.StatusOK,
	}
}

func (r *StatusRecorder) WriteHeader(code int) {
	if r.written {
		return
	}
	r.StatusCode = code
	r.written = true
	r.ResponseWriter.WriteHeader(code)
}

func (r *StatusRecorder) Write(b []byte) (int, error) {
	if !r.written {
		r.WriteHeader(http.StatusOK)
	}
	return r.ResponseWriter.Write(b)
}

// ResponseRecorder also keeps a copy of the body and the headers as they
// were when the status was written, so idempotent responses can be replayed.
type ResponseRecorder struct {
	*StatusRecorder
	Body    *bytes.Buffer
	Headers http.Header
}

// NewResponseRecorder creates a new ResponseRecorder.
func NewResponseRecorder(w http.ResponseWriter) *ResponseRecorder {
	return &ResponseRecorder{
		StatusRecorder: NewStatusRecorder(w),
		Body:           &bytes.Buffer{},
		Headers:        make(http.Header),
	}
}

func (r *ResponseRecorder) WriteHeader(code int) {
	if !r.written {
		r.Headers = r.ResponseWriter.Header().Clone()
	}
	r.StatusRecorder.WriteHeader(code)
}

func (r *ResponseRecorder) Write(b []byte) (int, error) {
	if !r.written {
		r.WriteHeader(http.StatusOK)
	}
	r.Body.Write(b)
	return r.ResponseWriter.Write(b)
}
