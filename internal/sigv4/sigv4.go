// Package sigv4 signs outbound HTTP requests with AWS Signature Version 4.
//
// The signer covers the subset of the protocol the relay needs: header-based
// signatures over host, content-type and every x-amz-* header, with the
// payload hash computed from the exact bytes that will be sent.
package sigv4

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/nulpointcorp/llm-relay/pkg/apierr"
)

const (
	Algorithm = "AWS4-HMAC-SHA256"

	amzDateFormat   = "20060102T150405Z"
	shortDateFormat = "20060102"
	scopeTerminator = "aws4_request"
)

// Credentials is an AWS access key pair with an optional STS session token.
type Credentials struct {
	AccessKeyID     string
	SecretAccessKey string
	SessionToken    string
}

// Valid reports whether both halves of the key pair are present.
func (c Credentials) Valid() bool {
	return c.AccessKeyID != "" && c.SecretAccessKey != ""
}

// Signer signs requests for one region/service pair.
type Signer struct {
	Region  string
	Service string

	// Now is the signing clock. Defaults to time.Now.
	Now func() time.Time
}

// New returns a Signer for region and service.
func New(region, service string) *Signer {
	return &Signer{Region: region, Service: service, Now: time.Now}
}

// Sign sets X-Amz-Date, X-Amz-Security-Token (when creds carry one) and
// Authorization on req. payload must be the exact request body.
func (s *Signer) Sign(req *http.Request, payload []byte, creds Credentials) error {
	if s.Region == "" || s.Service == "" {
		return apierr.New(apierr.KindSigningParams, "sigv4: region and service are required")
	}
	if !creds.Valid() {
		return apierr.New(apierr.KindSigningParams, "sigv4: access key id and secret access key are required")
	}
	if req.URL == nil {
		return apierr.New(apierr.KindSigning, "sigv4: request has no URL")
	}

	now := time.Now
	if s.Now != nil {
		now = s.Now
	}
	t := now().UTC()
	amzDate := t.Format(amzDateFormat)
	date := t.Format(shortDateFormat)

	req.Header.Set("X-Amz-Date", amzDate)
	if creds.SessionToken != "" {
		req.Header.Set("X-Amz-Security-Token", creds.SessionToken)
	}

	canonical, signedHeaders := canonicalRequest(req, sha256Hex(payload))
	scope := strings.Join([]string{date, s.Region, s.Service, scopeTerminator}, "/")

	stringToSign := strings.Join([]string{
		Algorithm,
		amzDate,
		scope,
		sha256Hex([]byte(canonical)),
	}, "\n")

	key := DeriveSigningKey(creds.SecretAccessKey, date, s.Region, s.Service)
	signature := hex.EncodeToString(hmacSHA256(key, stringToSign))

	req.Header.Set("Authorization",
		Algorithm+" Credential="+creds.AccessKeyID+"/"+scope+
			", SignedHeaders="+signedHeaders+
			", Signature="+signature)
	return nil
}

// canonicalRequest builds the canonical request string and the signed
// header list for req.
func canonicalRequest(req *http.Request, payloadHash string) (string, string) {
	host := req.Host
	if host == "" {
		host = req.URL.Host
	}

	values := map[string]string{"host": host}
	for name, vals := range req.Header {
		lower := strings.ToLower(name)
		if lower == "content-type" || strings.HasPrefix(lower, "x-amz-") {
			trimmed := make([]string, len(vals))
			for i, v := range vals {
				trimmed[i] = collapseSpaces(v)
			}
			values[lower] = strings.Join(trimmed, ",")
		}
	}

	names := make([]string, 0, len(values))
	for n := range values {
		names = append(names, n)
	}
	sort.Strings(names)

	var headers strings.Builder
	for _, n := range names {
		headers.WriteString(n)
		headers.WriteByte(':')
		headers.WriteString(values[n])
		headers.WriteByte('\n')
	}
	signedHeaders := strings.Join(names, ";")

	method := req.Method
	if method == "" {
		method = http.MethodGet
	}

	return strings.Join([]string{
		method,
		canonicalURI(req.URL),
		canonicalQuery(req.URL.RawQuery),
		headers.String(),
		signedHeaders,
		payloadHash,
	}, "\n"), signedHeaders
}

// canonicalURI encodes each segment of the escaped path again, as AWS does
// for every service except S3.
func canonicalURI(u *url.URL) string {
	p := u.EscapedPath()
	if p == "" {
		return "/"
	}
	segments := strings.Split(p, "/")
	for i, seg := range segments {
		segments[i] = escape(seg)
	}
	return strings.Join(segments, "/")
}

func canonicalQuery(raw string) string {
	if raw == "" {
		return ""
	}
	q, err := url.ParseQuery(raw)
	if err != nil {
		return ""
	}
	keys := make([]string, 0, len(q))
	for k := range q {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		vals := append([]string(nil), q[k]...)
		sort.Strings(vals)
		for _, v := range vals {
			parts = append(parts, escape(k)+"="+escape(v))
		}
	}
	return strings.Join(parts, "&")
}

// escape percent-encodes everything outside the RFC 3986 unreserved set.
func escape(s string) string {
	const hexUpper = "0123456789ABCDEF"
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		c := s[i]
		if isUnreserved(c) {
			b.WriteByte(c)
			continue
		}
		b.WriteByte('%')
		b.WriteByte(hexUpper[c>>4])
		b.WriteByte(hexUpper[c&0x0f])
	}
	return b.String()
}

func isUnreserved(c byte) bool {
	return (c >= 'A' && c <= 'Z') || (c >= 'a' && c <= 'z') || (c >= '0' && c <= '9') ||
		c == '-' || c == '_' || c == '.' || c == '~'
}

func collapseSpaces(v string) string {
	return strings.Join(strings.Fields(v), " ")
}

// DeriveSigningKey computes the SigV4 signing key for the given scope.
func DeriveSigningKey(secretKey, date, region, service string) []byte {
	kDate := hmacSHA256([]byte("AWS4"+secretKey), date)
	kRegion := hmacSHA256(kDate, region)
	kService := hmacSHA256(kRegion, service)
	return hmacSHA256(kService, scopeTerminator)
}

func hmacSHA256(key []byte, data string) []byte {
	h := hmac.New(sha256.New, key)
	h.Write([]byte(data))
	return h.Sum(nil)
}

func sha256Hex(data []byte) string {
	h := sha256.Sum256(data)
	return hex.EncodeToString(h[:])
}
