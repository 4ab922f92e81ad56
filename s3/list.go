package s3

import (
	"context"
	"encoding/xml"
	"fmt"
	"net/http"
	"strings"
)

// ObjectPage is one page of listing results.
type ObjectPage struct {
	Objects []ObjectSummary
	// CommonPrefixes are the "directories" rolled up under the delimiter.
	CommonPrefixes []string
}

// ObjectIterator walks a bucket listing one signed request at a time,
// threading the continuation token from each page into the next. It is
// single-pass and not restartable. Pages are independent requests; if the
// bucket mutates during the walk there is no cross-page consistency.
type ObjectIterator struct {
	c         *Client
	prefix    string
	delimiter string

	token string
	page  *ObjectPage
	done  bool
	begun bool
	err   error
}

// ListObjects returns an iterator over the bucket's contents under prefix.
// A non-empty delimiter groups keys into common prefixes. No request is
// issued until the first Next call.
func (c *Client) ListObjects(prefix, delimiter string) *ObjectIterator {
	return &ObjectIterator{c: c, prefix: prefix, delimiter: delimiter}
}

// Next fetches the next page. It returns false when the listing is
// exhausted or a request failed; Err distinguishes the two.
func (it *ObjectIterator) Next(ctx context.Context) bool {
	if it.done || it.err != nil {
		return false
	}
	if it.begun && it.token == "" {
		it.done = true
		return false
	}
	it.begun = true

	query := map[string]string{"list-type": "2"}
	if it.prefix != "" {
		query["prefix"] = it.prefix
	}
	if it.delimiter != "" {
		query["delimiter"] = it.delimiter
	}
	if it.token != "" {
		// The token is opaque and goes back exactly as received.
		query["continuation-token"] = it.token
	}

	resp, err := it.c.Do(ctx, Request{
		Method: http.MethodGet,
		Path:   "/",
		Query:  query,
	})
	if err != nil {
		it.err = err
		return false
	}
	if err := checkStatus(resp); err != nil {
		it.err = fmt.Errorf("s3: list objects: %w", err)
		return false
	}

	body, err := resp.readAll()
	if err != nil {
		it.err = fmt.Errorf("s3: list objects: read response: %w", err)
		return false
	}
	var result listBucketResult
	if err := xml.Unmarshal(body, &result); err != nil {
		it.err = fmt.Errorf("s3: list objects: decode response: %w", err)
		return false
	}

	page := &ObjectPage{Objects: result.Contents}
	for _, p := range result.CommonPrefixes {
		page.CommonPrefixes = append(page.CommonPrefixes, p.Prefix)
	}
	it.page = page
	it.token = result.NextContinuationToken
	return true
}

// Page returns the page fetched by the last successful Next call.
func (it *ObjectIterator) Page() *ObjectPage {
	return it.page
}

// Err returns the first error the iterator hit, if any.
func (it *ObjectIterator) Err() error {
	return it.err
}

// Close stops the walk; further Next calls return false. Each page is
// fully drained when it is fetched, so there is no connection to release.
// Close is idempotent and safe on an exhausted iterator.
func (it *ObjectIterator) Close() error {
	it.done = true
	return nil
}

// ListDir lists the immediate children of a "directory", using "/" as the
// delimiter. It walks every page and returns subdirectory names (without
// trailing slash) and file names, both relative to path.
func (c *Client) ListDir(ctx context.Context, path string) (dirs, files []string, err error) {
	if path != "" && !strings.HasSuffix(path, "/") {
		path += "/"
	}

	it := c.ListObjects(path, "/")
	for it.Next(ctx) {
		page := it.Page()
		for _, obj := range page.Objects {
			files = append(files, strings.TrimPrefix(obj.Key, path))
		}
		for _, p := range page.CommonPrefixes {
			dirs = append(dirs, strings.TrimSuffix(strings.TrimPrefix(p, path), "/"))
		}
	}
	if err := it.Err(); err != nil {
		return nil, nil, err
	}
	return dirs, files, nil
}
