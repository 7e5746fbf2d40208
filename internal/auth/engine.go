// Package auth verifies the request signing schemes accepted by the
// gateway: the legacy header signature, the SigV4 header signature, the
// expiring query-string signature, and the browser form-POST policy.
// Verification is stateless against a single owner credential and fails
// closed on any malformed input.
package auth

import (
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"net/http"
	"strings"
)

// Denial messages surfaced in the gateway's error response.
const (
	MsgAuthorizationFailed = "Authorization failed"
	MsgPolicyExpired       = "Policy expired"
)

// Credentials is the single owner credential all schemes verify against.
type Credentials struct {
	AccessKeyID     string
	SecretAccessKey string
}

// Engine verifies request signatures.
type Engine struct {
	creds Credentials
}

// NewEngine creates an Engine for the given credentials.
func NewEngine(creds Credentials) *Engine {
	return &Engine{creds: creds}
}

// AuthorizeRequest checks r against the header signature schemes and,
// failing those, the expiring query-string signature. bucket and key are
// the decoded path components of the request. The returned message is
// meaningful only when ok is false.
func (e *Engine) AuthorizeRequest(r *http.Request, bucket, key string) (ok bool, message string) {
	if auth := r.Header.Get("Authorization"); auth != "" {
		switch {
		case strings.HasPrefix(auth, sigV4Prefix):
			if e.verifySigV4(r, auth) {
				return true, ""
			}
		case strings.HasPrefix(auth, legacyPrefix):
			if e.verifyLegacy(r, auth) {
				return true, ""
			}
		}
	}

	// A failed header check still falls through to the query-string
	// scheme, so presigned links work on clients that also send an
	// Authorization header.
	if r.URL.Query().Get("Signature") != "" {
		return e.verifyQuerySignature(r, bucket, key)
	}

	return false, MsgAuthorizationFailed
}

func hmacSHA1Base64(secret, data string) string {
	h := hmac.New(sha1.New, []byte(secret))
	h.Write([]byte(data))
	return base64.StdEncoding.EncodeToString(h.Sum(nil))
}
