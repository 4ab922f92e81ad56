package s3

import (
	"io"
	"net/http"
	"sync"
)

// Response is a streaming response handle. The body is a single-pass byte
// stream: it may be taken exactly once with Body, and Close releases the
// underlying connection. Close is idempotent and safe on every exit path.
type Response struct {
	StatusCode int
	Header     http.Header

	mu       sync.Mutex
	body     io.ReadCloser
	consumed bool
	closed   bool
}

func newResponse(resp *http.Response) *Response {
	return &Response{
		StatusCode: resp.StatusCode,
		Header:     resp.Header,
		body:       resp.Body,
	}
}

// Body hands the caller the response stream. It may be called exactly once;
// a second call, or a call after Close, returns ErrResponseConsumed. The
// returned reader is backed by the live connection, so the caller must
// close the Response when finished with it.
func (r *Response) Body() (io.Reader, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.consumed || r.closed {
		return nil, ErrResponseConsumed
	}
	r.consumed = true
	return r.body, nil
}

// Close drains nothing and releases the underlying connection. Calling it
// more than once is harmless.
func (r *Response) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil
	}
	r.closed = true
	return r.body.Close()
}

// readAll consumes the entire body and closes the response. Used internally
// where the full payload is needed before any decision is made, e.g. the
// multipart completion document, which must never be judged from a partial
// read.
func (r *Response) readAll() ([]byte, error) {
	body, err := r.Body()
	if err != nil {
		return nil, err
	}
	defer r.Close()
	b, err := io.ReadAll(body)
	if err != nil {
		return nil, err
	}
	return b, nil
}
