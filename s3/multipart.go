package s3

import (
	"bytes"
	"context"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"
	"sync"

	"golang.org/x/sync/errgroup"
)

const (
	// MinPartSize is the service minimum for every part except the last.
	MinPartSize = 5 << 20

	// maxPartNumber is the highest part number the service accepts.
	maxPartNumber = 10000
)

// ErrUploadClosed is returned when a part upload or completion is attempted
// on an upload that has already been completed or aborted.
var ErrUploadClosed = errors.New("s3: multipart upload already completed or aborted")

type uploadState int

const (
	uploadActive uploadState = iota
	uploadCompleted
	uploadAborted
)

type uploadedPart struct {
	etag string
	size int64
}

// Upload is an in-progress multipart upload session. Parts may be uploaded
// from multiple goroutines; the recorded part list is guarded internally.
// Re-uploading a part number overwrites the previous entry for it.
//
// An Upload that will not be completed must be aborted, or the service
// keeps billing for the uploaded parts.
type Upload struct {
	c   *Client
	key string
	id  string

	mu    sync.Mutex
	state uploadState
	parts map[int]uploadedPart
}

// CreateMultipartUpload initiates a multipart upload for key and returns
// the session holding the server-issued upload identifier.
func (c *Client) CreateMultipartUpload(ctx context.Context, key string, opts PutOptions) (*Upload, error) {
	resp, err := c.Do(ctx, Request{
		Method:  http.MethodPost,
		Path:    objectPath(key),
		Query:   map[string]string{"uploads": ""},
		Headers: opts.headers(),
	})
	if err != nil {
		return nil, err
	}
	if err := checkStatus(resp); err != nil {
		return nil, fmt.Errorf("s3: initiate multipart upload %q: %w", key, err)
	}

	b, err := resp.readAll()
	if err != nil {
		return nil, fmt.Errorf("s3: initiate multipart upload %q: %w", key, err)
	}
	var result initiateMultipartUploadResult
	if err := xml.Unmarshal(b, &result); err != nil {
		return nil, fmt.Errorf("s3: initiate multipart upload %q: decode response: %w", key, err)
	}
	if result.UploadID == "" {
		return nil, fmt.Errorf("s3: initiate multipart upload %q: response missing upload id", key)
	}

	c.log.Debug("initiated multipart upload", "key", key, "upload_id", result.UploadID)

	return &Upload{
		c:     c,
		key:   key,
		id:    result.UploadID,
		parts: make(map[int]uploadedPart),
	}, nil
}

// ID returns the server-issued upload identifier.
func (u *Upload) ID() string {
	return u.id
}

// UploadPart uploads one part as an independently signed PUT and records
// the entity tag the service returned for it. Part numbers start at 1 and
// must be contiguous by completion time, though parts may arrive in any
// order. The body must be seekable so its exact bytes can be hashed for
// signing.
func (u *Upload) UploadPart(ctx context.Context, partNumber int, body io.ReadSeeker) (string, error) {
	if partNumber < 1 || partNumber > maxPartNumber {
		return "", fmt.Errorf("s3: part number %d out of range [1, %d]", partNumber, maxPartNumber)
	}

	u.mu.Lock()
	if u.state != uploadActive {
		u.mu.Unlock()
		return "", ErrUploadClosed
	}
	u.mu.Unlock()

	size, err := body.Seek(0, io.SeekEnd)
	if err != nil {
		return "", fmt.Errorf("s3: upload part %d: measure body: %w", partNumber, err)
	}
	if _, err := body.Seek(0, io.SeekStart); err != nil {
		return "", fmt.Errorf("s3: upload part %d: rewind body: %w", partNumber, err)
	}

	resp, err := u.c.Do(ctx, Request{
		Method: http.MethodPut,
		Path:   objectPath(u.key),
		Query: map[string]string{
			"partNumber": fmt.Sprintf("%d", partNumber),
			"uploadId":   u.id,
		},
		Body: body,
	})
	if err != nil {
		return "", err
	}
	defer resp.Close()
	if err := checkStatus(resp); err != nil {
		return "", fmt.Errorf("s3: upload part %d: %w", partNumber, err)
	}

	etag := resp.Header.Get("ETag")
	if etag == "" {
		return "", fmt.Errorf("s3: upload part %d: response missing ETag", partNumber)
	}

	// Recording is tolerated even if an abort raced this part; the
	// service discards parts of an aborted upload on its own.
	u.mu.Lock()
	u.parts[partNumber] = uploadedPart{etag: etag, size: size}
	u.mu.Unlock()

	u.c.log.Debug("uploaded part", "key", u.key, "upload_id", u.id, "part", partNumber, "size", size, "etag", etag)

	return etag, nil
}

// Complete finishes the upload by sending every recorded part in ascending
// part-number order. Part numbers must be contiguous from 1, and every part
// except the last must meet MinPartSize; both are checked locally before
// the round-trip. Success requires the full completion document with a
// Location element, since the service can report errors inside a 200
// response. The object's entity tag is returned.
func (u *Upload) Complete(ctx context.Context) (string, error) {
	u.mu.Lock()
	if u.state != uploadActive {
		u.mu.Unlock()
		return "", ErrUploadClosed
	}
	numbers := make([]int, 0, len(u.parts))
	for n := range u.parts {
		numbers = append(numbers, n)
	}
	sort.Ints(numbers)

	doc := completeMultipartUpload{XMLNS: s3XMLNamespace}
	for i, n := range numbers {
		part := u.parts[n]
		if n != i+1 {
			u.mu.Unlock()
			return "", fmt.Errorf("s3: complete upload %q: part numbers not contiguous, missing part %d", u.id, i+1)
		}
		if i < len(numbers)-1 && part.size < MinPartSize {
			u.mu.Unlock()
			return "", fmt.Errorf("s3: complete upload %q: part %d (%d bytes): %w", u.id, n, part.size, ErrPartTooSmall)
		}
		doc.Parts = append(doc.Parts, completedPart{ETag: part.etag, PartNumber: n})
	}
	u.mu.Unlock()

	if len(doc.Parts) == 0 {
		return "", fmt.Errorf("s3: complete upload %q: no parts uploaded", u.id)
	}

	body, err := xml.Marshal(doc)
	if err != nil {
		return "", fmt.Errorf("s3: complete upload %q: encode request: %w", u.id, err)
	}
	body = append([]byte(xml.Header), body...)

	resp, err := u.c.Do(ctx, Request{
		Method: http.MethodPost,
		Path:   objectPath(u.key),
		Query:  map[string]string{"uploadId": u.id},
		Body:   bytes.NewReader(body),
	})
	if err != nil {
		return "", err
	}
	if err := checkStatus(resp); err != nil {
		return "", fmt.Errorf("s3: complete upload %q: %w", u.id, err)
	}

	respBody, err := resp.readAll()
	if err != nil {
		return "", fmt.Errorf("s3: complete upload %q: read response: %w", u.id, err)
	}
	var result completeMultipartUploadResult
	if err := xml.Unmarshal(respBody, &result); err != nil {
		return "", fmt.Errorf("s3: complete upload %q: decode response: %w", u.id, err)
	}
	if result.Location == "" {
		// A 200 with no Location is an in-band error document.
		var remote errorResponse
		if xml.Unmarshal(respBody, &remote) == nil && remote.Code != "" {
			return "", fmt.Errorf("s3: complete upload %q: %w", u.id,
				&APIError{StatusCode: resp.StatusCode, Code: remote.Code, Message: remote.Message, Resource: remote.Resource})
		}
		return "", fmt.Errorf("s3: complete upload %q: completion response missing Location", u.id)
	}

	u.mu.Lock()
	u.state = uploadCompleted
	u.mu.Unlock()

	u.c.log.Debug("completed multipart upload", "key", u.key, "upload_id", u.id, "parts", len(doc.Parts), "etag", result.ETag)

	return result.ETag, nil
}

// Abort cancels the upload and releases the parts held by the service. It
// is safe to call while part uploads are still in flight and is idempotent
// once the upload is aborted; aborting a completed upload is an error. An
// abort that fails is reported to the caller, because an unaborted upload
// keeps costing storage on the remote side.
func (u *Upload) Abort(ctx context.Context) error {
	u.mu.Lock()
	switch u.state {
	case uploadCompleted:
		u.mu.Unlock()
		return ErrUploadClosed
	case uploadAborted:
		u.mu.Unlock()
		return nil
	}
	u.mu.Unlock()

	resp, err := u.c.Do(ctx, Request{
		Method: http.MethodDelete,
		Path:   objectPath(u.key),
		Query:  map[string]string{"uploadId": u.id},
	})
	if err != nil {
		return fmt.Errorf("s3: abort upload %q: %w", u.id, err)
	}
	defer resp.Close()

	// 404 means the upload is already gone, which is the state we want.
	if err := checkStatus(resp); err != nil && resp.StatusCode != http.StatusNotFound {
		return fmt.Errorf("s3: abort upload %q: %w", u.id, err)
	}

	u.mu.Lock()
	u.state = uploadAborted
	u.mu.Unlock()

	u.c.log.Debug("aborted multipart upload", "key", u.key, "upload_id", u.id)

	return nil
}

// putMultipart streams body into fixed-size chunks and uploads them as
// parts with bounded concurrency. Any failure aborts the upload; if the
// abort itself fails, both errors are returned.
func (c *Client) putMultipart(ctx context.Context, key string, body io.Reader, opts PutOptions) error {
	u, err := c.CreateMultipartUpload(ctx, key, opts)
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.partConcurrency)

	partNumber := 0
	var readErr error
	for {
		buf := make([]byte, c.partSize)
		n, err := io.ReadFull(body, buf)
		if n > 0 {
			partNumber++
			pn := partNumber
			data := buf[:n]
			g.Go(func() error {
				_, err := u.UploadPart(gctx, pn, bytes.NewReader(data))
				return err
			})
		}
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			break
		}
		if err != nil {
			readErr = fmt.Errorf("s3: put %q: read body: %w", key, err)
			break
		}
	}

	if err := g.Wait(); err != nil || readErr != nil {
		if readErr != nil {
			err = readErr
		}
		// The parent context may already be canceled; the abort still
		// has to go out.
		return errors.Join(err, u.Abort(context.WithoutCancel(ctx)))
	}

	if _, err := u.Complete(ctx); err != nil {
		return errors.Join(err, u.Abort(context.WithoutCancel(ctx)))
	}
	return nil
}
