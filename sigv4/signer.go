package sigv4

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"time"
)

// Signer computes SigV4 signatures for one set of credentials. It holds no
// mutable state and is safe for concurrent use.
type Signer struct {
	creds Credentials
}

// NewSigner validates creds and returns a Signer for them.
func NewSigner(creds Credentials) (*Signer, error) {
	if err := creds.Validate(); err != nil {
		return nil, err
	}
	return &Signer{creds: creds}, nil
}

// Scope returns the credential scope (date/region/s3/aws4_request) for t.
func (s *Signer) Scope(t time.Time) string {
	return strings.Join([]string{
		t.UTC().Format(DateFormat),
		s.creds.Region,
		ServiceS3,
		scopeTerminator,
	}, "/")
}

// StringToSign builds the intermediate signing input from the timestamp,
// credential scope, and the hex SHA-256 of the canonical request.
func (s *Signer) StringToSign(t time.Time, canonicalRequest string) string {
	sum := sha256.Sum256([]byte(canonicalRequest))
	return strings.Join([]string{
		Algorithm,
		t.UTC().Format(TimeFormat),
		s.Scope(t),
		hex.EncodeToString(sum[:]),
	}, "\n")
}

// Sign canonicalizes the request, derives the date-scoped signing key, and
// returns the Authorization header value. The headers map must already
// contain every header that is to be signed, including host,
// x-amz-content-sha256, and x-amz-date; the x-amz-date value and t must
// agree or the remote verifier will reject the signature.
func (s *Signer) Sign(method, path string, query, headers map[string]string, payloadHash string, t time.Time) (string, error) {
	if err := s.creds.Validate(); err != nil {
		return "", err
	}

	canonical, signedList, err := CanonicalRequest(method, path, query, headers, payloadHash)
	if err != nil {
		return "", err
	}

	key := signingKey(s.creds.SecretAccessKey, t.UTC().Format(DateFormat), s.creds.Region)
	signature := hex.EncodeToString(hmacSHA256(key, s.StringToSign(t, canonical)))

	var b strings.Builder
	b.WriteString(Algorithm)
	b.WriteString(" Credential=")
	b.WriteString(s.creds.AccessKeyID)
	b.WriteString("/")
	b.WriteString(s.Scope(t))
	b.WriteString(", SignedHeaders=")
	b.WriteString(signedList)
	b.WriteString(", Signature=")
	b.WriteString(signature)
	return b.String(), nil
}
