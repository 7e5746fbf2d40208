package auth

import (
	"crypto/hmac"
	"encoding/hex"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// uriEncode mirrors JavaScript's encodeURIComponent, which is what
// browser clients use to build the signed resource path of a presigned
// link.
func uriEncode(s string) string {
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		c := s[i]
		if (c >= 'A' && c <= 'Z') || (c >= 'a' && c <= 'z') || (c >= '0' && c <= '9') ||
			c == '-' || c == '_' || c == '.' || c == '!' || c == '~' || c == '*' || c == '\'' || c == '(' || c == ')' {
			b.WriteByte(c)
			continue
		}
		b.WriteString("%")
		b.WriteString(strings.ToUpper(hex.EncodeToString([]byte{c})))
	}
	return b.String()
}

// verifyQuerySignature checks an expiring presigned link: Expires and
// Signature query params over a fixed GET-shaped string-to-sign. An
// unparseable or past Expires denies with MsgPolicyExpired before any
// signature math runs.
func (e *Engine) verifyQuerySignature(r *http.Request, bucket, key string) (bool, string) {
	query := r.URL.Query()

	expires := query.Get("Expires")
	expiry, err := strconv.ParseFloat(expires, 64)
	if err != nil || math.IsNaN(expiry) || math.IsInf(expiry, 0) ||
		float64(time.Now().UnixMilli())/1000 > expiry {
		return false, MsgPolicyExpired
	}

	policy := "GET\n\n\n" + expires + "\n/" + bucket + "/" + uriEncode(key)
	if cd := query.Get("response-content-disposition"); cd != "" {
		policy += "?response-content-disposition=" + cd
	}

	expected := hmacSHA1Base64(e.creds.SecretAccessKey, policy)
	if hmac.Equal([]byte(query.Get("Signature")), []byte(expected)) {
		return true, ""
	}
	return false, MsgAuthorizationFailed
}
