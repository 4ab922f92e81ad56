package sigv4

import (
	"crypto/hmac"
	"crypto/sha256"
)

const scopeTerminator = "aws4_request"

func hmacSHA256(key []byte, data string) []byte {
	h := hmac.New(sha256.New, key)
	h.Write([]byte(data))
	return h.Sum(nil)
}

// signingKey derives the date-scoped signing key by chained HMAC-SHA256:
//
//	kDate    = HMAC("AWS4"+secret, date)
//	kRegion  = HMAC(kDate, region)
//	kService = HMAC(kRegion, "s3")
//	kSigning = HMAC(kService, "aws4_request")
//
// The result is only valid for a single date, region, and service.
func signingKey(secret, date, region string) []byte {
	k := hmacSHA256([]byte("AWS4"+secret), date)
	k = hmacSHA256(k, region)
	k = hmacSHA256(k, ServiceS3)
	return hmacSHA256(k, scopeTerminator)
}
