package sigv4

import (
	"encoding/hex"
	"slices"
	"sort"
	"strings"
)

var supportedMethods = map[string]struct{}{
	"GET":    {},
	"PUT":    {},
	"POST":   {},
	"DELETE": {},
	"HEAD":   {},
}

// uriEncode percent-encodes s per the SigV4 rules: unreserved characters
// (letters, digits, '-', '_', '.', '~') pass through, everything else is
// encoded as an upper-case %XX triplet. When encodeSlash is false, '/' is
// preserved so object key paths keep their segment separators.
func uriEncode(s string, encodeSlash bool) string {
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		c := s[i]
		if (c >= 'A' && c <= 'Z') || (c >= 'a' && c <= 'z') || (c >= '0' && c <= '9') || c == '-' || c == '_' || c == '.' || c == '~' {
			b.WriteByte(c)
			continue
		}
		if c == '/' && !encodeSlash {
			b.WriteByte(c)
			continue
		}
		b.WriteString("%")
		b.WriteString(strings.ToUpper(hex.EncodeToString([]byte{c})))
	}
	return b.String()
}

// CanonicalPath returns the canonical URI for path. The empty path is "/";
// each segment is percent-encoded with '/' preserved.
func CanonicalPath(path string) string {
	if path == "" {
		return "/"
	}
	return uriEncode(path, false)
}

// CanonicalQuery renders query parameters sorted byte-wise by name, each
// name and value independently percent-encoded. A parameter with an empty
// value still renders a trailing '='.
func CanonicalQuery(query map[string]string) string {
	if len(query) == 0 {
		return ""
	}
	names := make([]string, 0, len(query))
	for k := range query {
		names = append(names, k)
	}
	sort.Strings(names)

	parts := make([]string, 0, len(names))
	for _, k := range names {
		parts = append(parts, uriEncode(k, true)+"="+uriEncode(query[k], true))
	}
	return strings.Join(parts, "&")
}

// canonicalHeaderValue trims leading and trailing whitespace and collapses
// internal runs of whitespace to a single space.
func canonicalHeaderValue(v string) string {
	v = strings.TrimSpace(v)
	if v == "" {
		return ""
	}
	return strings.Join(strings.Fields(v), " ")
}

// CanonicalHeaders lower-cases and sorts header names, normalizes values,
// and returns the canonical headers block (each line name:value terminated
// by a newline) together with the semicolon-joined signed header list.
// Header names that collide after lower-casing are rejected.
func CanonicalHeaders(headers map[string]string) (block, signedList string, err error) {
	lowered := make(map[string]string, len(headers))
	names := make([]string, 0, len(headers))
	for k, v := range headers {
		name := strings.ToLower(strings.TrimSpace(k))
		if _, ok := lowered[name]; ok {
			return "", "", ErrDuplicateHeader
		}
		lowered[name] = canonicalHeaderValue(v)
		names = append(names, name)
	}
	sort.Strings(names)

	var b strings.Builder
	for _, name := range names {
		b.WriteString(name)
		b.WriteString(":")
		b.WriteString(lowered[name])
		b.WriteString("\n")
	}
	return b.String(), strings.Join(names, ";"), nil
}

// CanonicalRequest builds the canonical request text for signing. It is a
// pure function of its inputs: identical inputs always produce identical
// output. The headers must include host and x-amz-content-sha256; the
// returned signed header list is the sorted, semicolon-joined set of
// lower-cased header names covered by the signature.
func CanonicalRequest(method, path string, query, headers map[string]string, payloadHash string) (canonical, signedList string, err error) {
	method = strings.ToUpper(method)
	if _, ok := supportedMethods[method]; !ok {
		return "", "", ErrUnsupportedMethod
	}

	headerBlock, signedList, err := CanonicalHeaders(headers)
	if err != nil {
		return "", "", err
	}
	signed := strings.Split(signedList, ";")
	if !slices.Contains(signed, "host") || !slices.Contains(signed, "x-amz-content-sha256") {
		return "", "", ErrMissingRequiredHeader
	}

	var b strings.Builder
	b.WriteString(method)
	b.WriteString("\n")
	b.WriteString(CanonicalPath(path))
	b.WriteString("\n")
	b.WriteString(CanonicalQuery(query))
	b.WriteString("\n")
	b.WriteString(headerBlock)
	b.WriteString("\n")
	b.WriteString(signedList)
	b.WriteString("\n")
	b.WriteString(payloadHash)
	return b.String(), signedList, nil
}
