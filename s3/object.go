package s3

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"
)

// PutOptions carries optional settings for object uploads.
type PutOptions struct {
	ContentType string
}

func (o PutOptions) headers() map[string]string {
	if o.ContentType == "" {
		return nil
	}
	return map[string]string{"content-type": o.ContentType}
}

// ObjectInfo describes an object without its payload.
type ObjectInfo struct {
	Key          string
	Size         int64
	ETag         string
	LastModified time.Time
}

// PutObject uploads an object. Objects at or above the multipart threshold
// are uploaded in parts; smaller ones in a single signed PUT. size is the
// total payload length and must be accurate, since it selects the upload
// strategy and sizes the transfer.
func (c *Client) PutObject(ctx context.Context, key string, body io.Reader, size int64, opts PutOptions) error {
	if size < 0 {
		return fmt.Errorf("s3: put %q: negative size", key)
	}
	if size >= c.multipartThreshold {
		return c.putMultipart(ctx, key, body, opts)
	}

	// A non-seekable body cannot be hashed without draining it, so buffer
	// small payloads up front.
	seeker, ok := body.(io.ReadSeeker)
	if !ok {
		b := make([]byte, 0, size)
		buf := bytes.NewBuffer(b)
		if _, err := io.CopyN(buf, body, size); err != nil && err != io.EOF {
			return fmt.Errorf("s3: put %q: read body: %w", key, err)
		}
		seeker = bytes.NewReader(buf.Bytes())
	}

	resp, err := c.Do(ctx, Request{
		Method:  http.MethodPut,
		Path:    objectPath(key),
		Headers: opts.headers(),
		Body:    seeker,
	})
	if err != nil {
		return err
	}
	defer resp.Close()
	return checkStatus(resp)
}

// GetObject fetches an object as a streaming response. The caller owns the
// response and must close it.
func (c *Client) GetObject(ctx context.Context, key string) (*Response, error) {
	resp, err := c.Do(ctx, Request{
		Method: http.MethodGet,
		Path:   objectPath(key),
	})
	if err != nil {
		return nil, err
	}
	if err := checkStatus(resp); err != nil {
		return nil, err
	}
	return resp, nil
}

// StatObject returns object metadata via a HEAD request.
func (c *Client) StatObject(ctx context.Context, key string) (ObjectInfo, error) {
	resp, err := c.Do(ctx, Request{
		Method: http.MethodHead,
		Path:   objectPath(key),
	})
	if err != nil {
		return ObjectInfo{}, err
	}
	defer resp.Close()
	if err := checkStatus(resp); err != nil {
		return ObjectInfo{}, err
	}

	info := ObjectInfo{
		Key:  key,
		ETag: resp.Header.Get("ETag"),
	}
	if v := resp.Header.Get("Content-Length"); v != "" {
		info.Size, _ = strconv.ParseInt(v, 10, 64)
	}
	if v := resp.Header.Get("Last-Modified"); v != "" {
		info.LastModified, _ = time.Parse(http.TimeFormat, v)
	}
	return info, nil
}

// Exists reports whether an object exists. Statuses other than 200 and 404
// are surfaced as errors.
func (c *Client) Exists(ctx context.Context, key string) (bool, error) {
	_, err := c.StatObject(ctx, key)
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, ErrObjectNotFound):
		return false, nil
	default:
		return false, err
	}
}

// DeleteObject removes an object. Deleting a missing key is not an error
// on the service side; the usual response is 204.
func (c *Client) DeleteObject(ctx context.Context, key string) error {
	resp, err := c.Do(ctx, Request{
		Method: http.MethodDelete,
		Path:   objectPath(key),
	})
	if err != nil {
		return err
	}
	defer resp.Close()
	return checkStatus(resp)
}
