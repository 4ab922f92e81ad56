// Package s3 is a minimal client for the S3 HTTP API. It signs requests with
// Signature Version 4, dispatches them over an injected HTTP transport, and
// returns streaming responses. Convenience operations cover single and
// multipart object upload, download, stat, delete, and paginated listing.
//
// The client performs no retries, no credential refresh, and no connection
// management beyond what the injected http.Client provides.
package s3

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/diafygi/barebones-s3/sigv4"
)

const (
	// defaultMultipartThreshold is the object size at or above which
	// PutObject switches to a multipart upload.
	defaultMultipartThreshold = 10_000_000

	// defaultPartSize is the chunk size used for multipart uploads.
	defaultPartSize = 10_000_000

	// defaultPartConcurrency bounds how many parts upload in parallel.
	defaultPartConcurrency = 4
)

// Config holds the required settings for a Client. Every field is
// mandatory and validated by New; optional knobs are set with Options.
type Config struct {
	Bucket      string
	Credentials sigv4.Credentials
}

// Option adjusts optional client behavior.
type Option func(*Client)

// WithEndpoint overrides the default AWS endpoint with a base URL such as
// "http://127.0.0.1:9000". The bucket is addressed path-style against it.
// Intended for S3-compatible services and tests.
func WithEndpoint(endpoint string) Option {
	return func(c *Client) {
		c.endpoint = endpoint
	}
}

// WithHTTPClient injects the HTTP transport used to dispatch requests.
// TLS, timeouts, and proxying are entirely its concern.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		c.httpClient = hc
	}
}

// WithLogger sets the logger. The default is slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(c *Client) {
		c.log = l
	}
}

// WithPartSize sets the multipart chunk size in bytes.
func WithPartSize(n int64) Option {
	return func(c *Client) {
		c.partSize = n
	}
}

// WithMultipartThreshold sets the object size at which PutObject switches
// to multipart upload.
func WithMultipartThreshold(n int64) Option {
	return func(c *Client) {
		c.multipartThreshold = n
	}
}

// WithPartConcurrency bounds how many parts PutObject uploads in parallel.
func WithPartConcurrency(n int) Option {
	return func(c *Client) {
		c.partConcurrency = n
	}
}

// Client issues signed requests against one bucket. It is immutable after
// New and safe for concurrent use; every request is signed independently
// from the same credential material.
type Client struct {
	bucket   string
	creds    sigv4.Credentials
	signer   *sigv4.Signer
	endpoint string

	scheme string
	host   string

	// pathStyle prefixes the bucket onto request paths. Set whenever an
	// endpoint override is in use, since the override host carries no
	// bucket of its own.
	pathStyle bool

	httpClient *http.Client
	log        *slog.Logger

	multipartThreshold int64
	partSize           int64
	partConcurrency    int

	now func() time.Time
}

// New validates cfg and returns a Client for the configured bucket.
// Without an endpoint override, requests go to
// https://<bucket>.s3.<region>.amazonaws.com.
func New(cfg Config, opts ...Option) (*Client, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("s3: bucket is required")
	}
	signer, err := sigv4.NewSigner(cfg.Credentials)
	if err != nil {
		return nil, err
	}

	c := &Client{
		bucket:             cfg.Bucket,
		creds:              cfg.Credentials,
		signer:             signer,
		httpClient:         http.DefaultClient,
		multipartThreshold: defaultMultipartThreshold,
		partSize:           defaultPartSize,
		partConcurrency:    defaultPartConcurrency,
		now:                time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.log == nil {
		c.log = slog.Default()
	}
	if c.partSize < MinPartSize {
		return nil, fmt.Errorf("s3: part size %d below the %d byte minimum", c.partSize, MinPartSize)
	}
	if c.partConcurrency < 1 {
		return nil, fmt.Errorf("s3: part concurrency must be at least 1")
	}

	if c.endpoint != "" {
		u, err := url.Parse(c.endpoint)
		if err != nil {
			return nil, fmt.Errorf("s3: parse endpoint: %w", err)
		}
		if u.Scheme == "" || u.Host == "" {
			return nil, fmt.Errorf("s3: endpoint must include scheme and host")
		}
		c.scheme = u.Scheme
		c.host = u.Host
		c.pathStyle = true
	} else {
		c.scheme = "https"
		c.host = fmt.Sprintf("%s.s3.%s.amazonaws.com", cfg.Bucket, cfg.Credentials.Region)
	}

	return c, nil
}

// Request describes one S3 API call before signing. Path must be absolute.
// Body is optional; if it implements io.Seeker its exact SHA-256 is signed,
// otherwise the unsigned-payload sentinel is used and ContentLength (when
// non-zero) sizes the transfer.
type Request struct {
	Method        string
	Path          string
	Query         map[string]string
	Headers       map[string]string
	Body          io.Reader
	ContentLength int64
}

// payloadInfo resolves the payload hash and length for a request body.
// Seekable bodies are hashed in full and rewound, matching what will be
// sent on the wire; anything else is declared unsigned.
func payloadInfo(body io.Reader, declaredLen int64) (hash string, length int64, err error) {
	if body == nil {
		return sigv4.EmptyPayloadHash, 0, nil
	}
	if seeker, ok := body.(io.ReadSeeker); ok {
		if _, err := seeker.Seek(0, io.SeekStart); err != nil {
			return "", 0, fmt.Errorf("s3: rewind body: %w", err)
		}
		h := sha256.New()
		n, err := io.Copy(h, seeker)
		if err != nil {
			return "", 0, fmt.Errorf("s3: hash body: %w", err)
		}
		if _, err := seeker.Seek(0, io.SeekStart); err != nil {
			return "", 0, fmt.Errorf("s3: rewind body: %w", err)
		}
		return hex.EncodeToString(h.Sum(nil)), n, nil
	}
	return sigv4.UnsignedPayload, declaredLen, nil
}

// Do assembles, signs, and dispatches one request, returning a streaming
// response handle. The caller owns the response and must close it on every
// exit path; an unread body holds the underlying connection open.
func (c *Client) Do(ctx context.Context, req Request) (*Response, error) {
	if req.Path == "" || !strings.HasPrefix(req.Path, "/") {
		return nil, fmt.Errorf("s3: path must be absolute, got %q", req.Path)
	}

	// With an endpoint override the bucket is a path segment, not a host
	// label; the prefixed path is both signed and dispatched.
	path := req.Path
	if c.pathStyle {
		path = "/" + c.bucket + req.Path
	}

	payloadHash, length, err := payloadInfo(req.Body, req.ContentLength)
	if err != nil {
		return nil, err
	}

	now := c.now().UTC()

	headers := make(map[string]string, len(req.Headers)+4)
	for k, v := range req.Headers {
		name := strings.ToLower(strings.TrimSpace(k))
		if _, ok := headers[name]; ok {
			return nil, fmt.Errorf("s3: header %q: %w", k, sigv4.ErrDuplicateHeader)
		}
		headers[name] = v
	}
	headers["host"] = c.host
	headers["x-amz-content-sha256"] = payloadHash
	headers["x-amz-date"] = now.Format(sigv4.TimeFormat)
	if c.creds.SessionToken != "" {
		headers["x-amz-security-token"] = c.creds.SessionToken
	}

	auth, err := c.signer.Sign(req.Method, path, req.Query, headers, payloadHash, now)
	if err != nil {
		return nil, err
	}

	u := &url.URL{
		Scheme:   c.scheme,
		Host:     c.host,
		Path:     path,
		RawPath:  sigv4.CanonicalPath(path),
		RawQuery: sigv4.CanonicalQuery(req.Query),
	}

	httpReq, err := http.NewRequestWithContext(ctx, strings.ToUpper(req.Method), u.String(), req.Body)
	if err != nil {
		return nil, fmt.Errorf("s3: build request: %w", err)
	}
	for k, v := range headers {
		if k == "host" {
			continue
		}
		httpReq.Header.Set(k, v)
	}
	httpReq.Header.Set("Authorization", auth)
	httpReq.Host = c.host
	httpReq.ContentLength = length

	c.log.Debug("dispatching request",
		"method", httpReq.Method,
		"path", path,
		"query", u.RawQuery,
		"payload_hash", payloadHash,
	)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("s3: %s %s: %w", req.Method, req.Path, err)
	}

	return newResponse(resp), nil
}

// objectPath maps an object key to its request path.
func objectPath(key string) string {
	return "/" + strings.TrimPrefix(key, "/")
}
