// Package sigv4 implements AWS Signature Version 4 request signing for the
// S3 service. It is purely textual: given a method, path, query parameters,
// headers, and a payload hash it produces the canonical request, the string
// to sign, and the Authorization header value. It performs no I/O.
package sigv4

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
)

const (
	// Algorithm is the SigV4 signing algorithm identifier.
	Algorithm = "AWS4-HMAC-SHA256"

	// ServiceS3 is the service name used in the credential scope.
	ServiceS3 = "s3"

	// EmptyPayloadHash is the hex encoded SHA-256 of zero bytes, used as
	// the payload hash for requests with no body.
	EmptyPayloadHash = "e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855"

	// UnsignedPayload is the sentinel payload hash for streaming bodies
	// whose length is not known up front.
	UnsignedPayload = "UNSIGNED-PAYLOAD"

	// TimeFormat is the X-Amz-Date timestamp layout (UTC, second precision).
	TimeFormat = "20060102T150405Z"

	// DateFormat is the credential scope date layout.
	DateFormat = "20060102"
)

var (
	// ErrUnsupportedMethod is returned for methods outside
	// GET, PUT, POST, DELETE, and HEAD.
	ErrUnsupportedMethod = errors.New("sigv4: unsupported method")

	// ErrDuplicateHeader is returned when two header names are equal
	// after lower-casing. The signing protocol gives no defined merge
	// order for duplicates, so they are rejected rather than combined.
	ErrDuplicateHeader = errors.New("sigv4: duplicate header name")

	// ErrInvalidCredentials is returned when the access key ID, secret
	// key, or region is empty.
	ErrInvalidCredentials = errors.New("sigv4: invalid credentials")

	// ErrMissingRequiredHeader is returned when the header set to sign
	// lacks host or x-amz-content-sha256. A signature without them does
	// not bind the request to an endpoint or a payload.
	ErrMissingRequiredHeader = errors.New("sigv4: header set missing host or x-amz-content-sha256")
)

// Credentials holds the immutable signing material for one principal.
// SessionToken is optional and only set when using temporary credentials.
type Credentials struct {
	AccessKeyID     string
	SecretAccessKey string
	Region          string
	SessionToken    string
}

// Validate reports whether the credentials are usable for signing.
func (c Credentials) Validate() error {
	if c.AccessKeyID == "" || c.SecretAccessKey == "" || c.Region == "" {
		return ErrInvalidCredentials
	}
	return nil
}

// HashPayload returns the hex encoded SHA-256 of b, suitable for the
// x-amz-content-sha256 header.
func HashPayload(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}
