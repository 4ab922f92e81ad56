package s3

import (
	"crypto/hmac"
	"crypto/md5"
	"crypto/sha256"
	"encoding/hex"
	"encoding/xml"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"sync"
	"testing"

	"github.com/diafygi/barebones-s3/sigv4"

	"github.com/stretchr/testify/require"
)

var fakeCreds = sigv4.Credentials{
	AccessKeyID:     "AKIDEXAMPLE",
	SecretAccessKey: "wJalrXUtnFEMI/K7MDENG+bPxRfiCYEXAMPLEKEY",
	Region:          "us-east-1",
}

type recordedRequest struct {
	Method   string
	Path     string
	RawQuery string
	Query    url.Values
}

type fakeUpload struct {
	key   string
	parts map[int][]byte
	etags map[int]string
}

// fakeS3 is an in-memory S3 endpoint for client tests. Every request is
// verified with an independent server-side SigV4 reconstruction before it
// is served, so a client canonicalization bug fails loudly here.
type fakeS3 struct {
	mu           sync.Mutex
	objects      map[string][]byte
	uploads      map[string]*fakeUpload
	requests     []recordedRequest
	completeBody []byte
	nextUpload   int

	// maxKeys forces listing pagination when small.
	maxKeys int
}

func newFakeS3(t *testing.T) (*fakeS3, *httptest.Server) {
	t.Helper()
	f := &fakeS3{
		objects: make(map[string][]byte),
		uploads: make(map[string]*fakeUpload),
		maxKeys: 1000,
	}
	srv := httptest.NewServer(f)
	t.Cleanup(srv.Close)
	return f, srv
}

// newTestClient wires a Client against the fake endpoint.
func newTestClient(t *testing.T, srv *httptest.Server, opts ...Option) *Client {
	t.Helper()
	opts = append([]Option{
		WithEndpoint(srv.URL),
		WithHTTPClient(srv.Client()),
	}, opts...)
	c, err := New(Config{Bucket: "examplebucket", Credentials: fakeCreds}, opts...)
	require.NoError(t, err)
	return c
}

func (f *fakeS3) recorded() []recordedRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]recordedRequest(nil), f.requests...)
}

func (f *fakeS3) lastCompleteBody() []byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]byte(nil), f.completeBody...)
}

func (f *fakeS3) object(key string) ([]byte, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	b, ok := f.objects[key]
	return b, ok
}

func (f *fakeS3) putObjectDirect(key string, data []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.objects[key] = data
}

func quotedMD5(b []byte) string {
	sum := md5.Sum(b)
	return `"` + hex.EncodeToString(sum[:]) + `"`
}

func writeFakeError(w http.ResponseWriter, status int, code, message, resource string) {
	w.Header().Set("Content-Type", "application/xml")
	w.WriteHeader(status)
	_ = xml.NewEncoder(w).Encode(errorResponse{Code: code, Message: message, Resource: resource})
}

func (f *fakeS3) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeFakeError(w, http.StatusBadRequest, "IncompleteBody", err.Error(), r.URL.Path)
		return
	}

	if err := verifySigV4(r, fakeCreds, body); err != nil {
		writeFakeError(w, http.StatusForbidden, "SignatureDoesNotMatch", err.Error(), r.URL.Path)
		return
	}

	// The endpoint is path-style: every request must carry the bucket as
	// its first path segment, like MinIO would demand.
	path := strings.TrimPrefix(r.URL.Path, "/examplebucket")
	if path == r.URL.Path || !strings.HasPrefix(path, "/") {
		writeFakeError(w, http.StatusNotFound, "NoSuchBucket", "bucket does not exist", r.URL.Path)
		return
	}

	f.mu.Lock()
	f.requests = append(f.requests, recordedRequest{
		Method:   r.Method,
		Path:     path,
		RawQuery: r.URL.RawQuery,
		Query:    r.URL.Query(),
	})
	f.mu.Unlock()

	key := strings.TrimPrefix(path, "/")
	query := r.URL.Query()

	switch {
	case r.Method == http.MethodPost && query.Has("uploads"):
		f.handleInitiate(w, key)
	case r.Method == http.MethodPut && query.Has("partNumber"):
		f.handleUploadPart(w, r, query, body)
	case r.Method == http.MethodPost && query.Has("uploadId"):
		f.handleComplete(w, r, query, body)
	case r.Method == http.MethodDelete && query.Has("uploadId"):
		f.handleAbort(w, query)
	case r.Method == http.MethodPut:
		f.mu.Lock()
		f.objects[key] = body
		f.mu.Unlock()
		w.Header().Set("ETag", quotedMD5(body))
		w.WriteHeader(http.StatusOK)
	case r.Method == http.MethodGet && path == "/":
		f.handleList(w, query)
	case r.Method == http.MethodGet:
		f.mu.Lock()
		data, ok := f.objects[key]
		f.mu.Unlock()
		if !ok {
			writeFakeError(w, http.StatusNotFound, "NoSuchKey", "key does not exist", r.URL.Path)
			return
		}
		w.Header().Set("ETag", quotedMD5(data))
		w.Header().Set("Content-Length", strconv.Itoa(len(data)))
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(data)
	case r.Method == http.MethodHead:
		f.mu.Lock()
		data, ok := f.objects[key]
		f.mu.Unlock()
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.Header().Set("ETag", quotedMD5(data))
		w.Header().Set("Content-Length", strconv.Itoa(len(data)))
		w.WriteHeader(http.StatusOK)
	case r.Method == http.MethodDelete:
		f.mu.Lock()
		delete(f.objects, key)
		f.mu.Unlock()
		w.WriteHeader(http.StatusNoContent)
	default:
		writeFakeError(w, http.StatusMethodNotAllowed, "MethodNotAllowed", "unsupported operation", r.URL.Path)
	}
}

func (f *fakeS3) handleInitiate(w http.ResponseWriter, key string) {
	f.mu.Lock()
	f.nextUpload++
	id := fmt.Sprintf("upload-%04d", f.nextUpload)
	f.uploads[id] = &fakeUpload{
		key:   key,
		parts: make(map[int][]byte),
		etags: make(map[int]string),
	}
	f.mu.Unlock()

	w.WriteHeader(http.StatusOK)
	_ = xml.NewEncoder(w).Encode(initiateMultipartUploadResult{
		Bucket:   "examplebucket",
		Key:      key,
		UploadID: id,
	})
}

func (f *fakeS3) handleUploadPart(w http.ResponseWriter, r *http.Request, query url.Values, body []byte) {
	partNumber, err := strconv.Atoi(query.Get("partNumber"))
	if err != nil || partNumber < 1 {
		writeFakeError(w, http.StatusBadRequest, "InvalidArgument", "bad part number", r.URL.Path)
		return
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	up, ok := f.uploads[query.Get("uploadId")]
	if !ok {
		writeFakeError(w, http.StatusNotFound, "NoSuchUpload", "upload does not exist", r.URL.Path)
		return
	}
	etag := quotedMD5(body)
	up.parts[partNumber] = body
	up.etags[partNumber] = etag
	w.Header().Set("ETag", etag)
	w.WriteHeader(http.StatusOK)
}

func (f *fakeS3) handleComplete(w http.ResponseWriter, r *http.Request, query url.Values, body []byte) {
	var req completeMultipartUpload
	if err := xml.Unmarshal(body, &req); err != nil {
		writeFakeError(w, http.StatusBadRequest, "MalformedXML", err.Error(), r.URL.Path)
		return
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.completeBody = body

	id := query.Get("uploadId")
	up, ok := f.uploads[id]
	if !ok {
		writeFakeError(w, http.StatusNotFound, "NoSuchUpload", "upload does not exist", r.URL.Path)
		return
	}

	var assembled []byte
	prev := 0
	for _, part := range req.Parts {
		if part.PartNumber <= prev {
			writeFakeError(w, http.StatusBadRequest, "InvalidPartOrder", "parts not ascending", r.URL.Path)
			return
		}
		prev = part.PartNumber
		data, ok := up.parts[part.PartNumber]
		if !ok || up.etags[part.PartNumber] != part.ETag {
			writeFakeError(w, http.StatusBadRequest, "InvalidPart", "unknown part or etag mismatch", r.URL.Path)
			return
		}
		assembled = append(assembled, data...)
	}

	f.objects[up.key] = assembled
	delete(f.uploads, id)

	w.WriteHeader(http.StatusOK)
	_ = xml.NewEncoder(w).Encode(completeMultipartUploadResult{
		Location: "http://examplebucket.s3.us-east-1.amazonaws.com/" + up.key,
		Bucket:   "examplebucket",
		Key:      up.key,
		ETag:     quotedMD5(assembled),
	})
}

func (f *fakeS3) handleAbort(w http.ResponseWriter, query url.Values) {
	f.mu.Lock()
	defer f.mu.Unlock()
	id := query.Get("uploadId")
	if _, ok := f.uploads[id]; !ok {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	delete(f.uploads, id)
	w.WriteHeader(http.StatusNoContent)
}

// listEntry is either an object or a rolled-up common prefix; pagination
// counts both, like the real service.
type listEntry struct {
	key      string
	isPrefix bool
	size     int64
	etag     string
}

func (f *fakeS3) handleList(w http.ResponseWriter, query url.Values) {
	if query.Get("list-type") != "2" {
		writeFakeError(w, http.StatusBadRequest, "InvalidArgument", "only list-type=2 is supported", "/")
		return
	}
	prefix := query.Get("prefix")
	delimiter := query.Get("delimiter")

	f.mu.Lock()
	keys := make([]string, 0, len(f.objects))
	for k := range f.objects {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	sizes := make(map[string]int, len(keys))
	etags := make(map[string]string, len(keys))
	for _, k := range keys {
		sizes[k] = len(f.objects[k])
		etags[k] = quotedMD5(f.objects[k])
	}
	f.mu.Unlock()
	sort.Strings(keys)

	var entries []listEntry
	seenPrefix := map[string]bool{}
	for _, k := range keys {
		rest := strings.TrimPrefix(k, prefix)
		if delimiter != "" {
			if idx := strings.Index(rest, delimiter); idx >= 0 {
				p := prefix + rest[:idx+len(delimiter)]
				if !seenPrefix[p] {
					seenPrefix[p] = true
					entries = append(entries, listEntry{key: p, isPrefix: true})
				}
				continue
			}
		}
		entries = append(entries, listEntry{key: k, size: int64(sizes[k]), etag: etags[k]})
	}

	start := 0
	if token := query.Get("continuation-token"); token != "" {
		n, err := strconv.Atoi(token)
		if err != nil {
			writeFakeError(w, http.StatusBadRequest, "InvalidArgument", "bad continuation token", "/")
			return
		}
		start = n
	}
	end := start + f.maxKeys
	truncated := end < len(entries)
	if end > len(entries) {
		end = len(entries)
	}

	result := listBucketResult{Name: "examplebucket", Prefix: prefix}
	for _, e := range entries[start:end] {
		if e.isPrefix {
			result.CommonPrefixes = append(result.CommonPrefixes, commonPrefix{Prefix: e.key})
			continue
		}
		result.Contents = append(result.Contents, ObjectSummary{
			Key:          e.key,
			ETag:         e.etag,
			Size:         e.size,
			StorageClass: "STANDARD",
		})
	}
	result.IsTruncated = truncated
	if truncated {
		result.NextContinuationToken = strconv.Itoa(end)
	}

	w.WriteHeader(http.StatusOK)
	_ = xml.NewEncoder(w).Encode(result)
}

// --- server-side signature verification -------------------------------

func testHMAC(key []byte, data string) []byte {
	h := hmac.New(sha256.New, key)
	h.Write([]byte(data))
	return h.Sum(nil)
}

func testURLEncode(s string) string {
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		c := s[i]
		if (c >= 'A' && c <= 'Z') || (c >= 'a' && c <= 'z') || (c >= '0' && c <= '9') || c == '-' || c == '_' || c == '.' || c == '~' {
			b.WriteByte(c)
			continue
		}
		b.WriteString("%")
		b.WriteString(strings.ToUpper(hex.EncodeToString([]byte{c})))
	}
	return b.String()
}

// verifySigV4 recomputes the signature on the server side from the request
// as received, the way a real verifier would, and compares it with the one
// the client sent. It also checks that the declared payload hash matches
// the body that actually arrived.
func verifySigV4(r *http.Request, creds sigv4.Credentials, body []byte) error {
	const prefix = "AWS4-HMAC-SHA256 "
	auth := r.Header.Get("Authorization")
	if !strings.HasPrefix(auth, prefix) {
		return fmt.Errorf("missing or malformed Authorization header %q", auth)
	}

	kv := map[string]string{}
	for _, p := range strings.Split(strings.TrimPrefix(auth, prefix), ",") {
		p = strings.TrimSpace(p)
		idx := strings.IndexByte(p, '=')
		if idx <= 0 {
			continue
		}
		kv[p[:idx]] = p[idx+1:]
	}

	credParts := strings.Split(kv["Credential"], "/")
	if len(credParts) != 5 || credParts[4] != "aws4_request" || credParts[3] != "s3" {
		return fmt.Errorf("malformed credential scope %q", kv["Credential"])
	}
	if credParts[0] != creds.AccessKeyID {
		return fmt.Errorf("unknown access key %q", credParts[0])
	}
	if credParts[2] != creds.Region {
		return fmt.Errorf("wrong region %q", credParts[2])
	}
	dateStamp := credParts[1]

	amzDate := r.Header.Get("X-Amz-Date")
	if amzDate == "" {
		return fmt.Errorf("missing X-Amz-Date")
	}
	if !strings.HasPrefix(amzDate, dateStamp) {
		return fmt.Errorf("X-Amz-Date %q does not match scope date %q", amzDate, dateStamp)
	}

	payloadHash := r.Header.Get("X-Amz-Content-Sha256")
	if payloadHash == "" {
		return fmt.Errorf("missing X-Amz-Content-Sha256")
	}
	if payloadHash != sigv4.UnsignedPayload {
		sum := sha256.Sum256(body)
		if hex.EncodeToString(sum[:]) != payloadHash {
			return fmt.Errorf("payload hash does not match body")
		}
	}

	// Canonical query from the received URL, names sorted, re-encoded.
	var qparts []string
	values := r.URL.Query()
	names := make([]string, 0, len(values))
	for k := range values {
		names = append(names, k)
	}
	sort.Strings(names)
	for _, k := range names {
		qparts = append(qparts, testURLEncode(k)+"="+testURLEncode(values.Get(k)))
	}

	// Canonical headers from the signed header list.
	var hdr strings.Builder
	signedNames := strings.Split(kv["SignedHeaders"], ";")
	for _, name := range signedNames {
		var value string
		if name == "host" {
			value = r.Host
		} else {
			value = r.Header.Get(name)
		}
		hdr.WriteString(name)
		hdr.WriteString(":")
		hdr.WriteString(strings.Join(strings.Fields(strings.TrimSpace(value)), " "))
		hdr.WriteString("\n")
	}

	canonical := strings.Join([]string{
		r.Method,
		r.URL.EscapedPath(),
		strings.Join(qparts, "&"),
		hdr.String(),
		kv["SignedHeaders"],
		payloadHash,
	}, "\n")

	crSum := sha256.Sum256([]byte(canonical))
	stringToSign := strings.Join([]string{
		"AWS4-HMAC-SHA256",
		amzDate,
		strings.Join(credParts[1:], "/"),
		hex.EncodeToString(crSum[:]),
	}, "\n")

	key := testHMAC([]byte("AWS4"+creds.SecretAccessKey), dateStamp)
	key = testHMAC(key, creds.Region)
	key = testHMAC(key, "s3")
	key = testHMAC(key, "aws4_request")
	want := testHMAC(key, stringToSign)

	got, err := hex.DecodeString(kv["Signature"])
	if err != nil {
		return fmt.Errorf("undecodable signature %q", kv["Signature"])
	}
	if !hmac.Equal(want, got) {
		return fmt.Errorf("signature mismatch for %s %s", r.Method, r.URL.Path)
	}
	return nil
}

// drainBody is a test helper that reads an object response fully.
func drainBody(t *testing.T, resp *Response) []byte {
	t.Helper()
	body, err := resp.Body()
	require.NoError(t, err)
	defer resp.Close()
	b, err := io.ReadAll(body)
	require.NoError(t, err)
	return b
}
