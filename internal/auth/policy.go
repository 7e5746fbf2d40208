package auth

import (
	"crypto/hmac"
	"encoding/base64"
	"encoding/json"
	"time"
)

// AuthorizePostPolicy checks a browser form upload against its signed
// policy document. form holds the upload's form fields; bucket is the
// decoded bucket name from the request path. The signature covers the
// base64 policy exactly as transmitted. Any malformed or mismatched input
// denies the upload.
func (e *Engine) AuthorizePostPolicy(form map[string]string, bucket string) bool {
	rawPolicy := form["policy"]
	decoded, err := base64.StdEncoding.DecodeString(rawPolicy)
	if err != nil {
		return false
	}

	var policy struct {
		Expiration string            `json:"expiration"`
		Conditions []json.RawMessage `json:"conditions"`
	}
	if err := json.Unmarshal(decoded, &policy); err != nil {
		return false
	}

	expiration, err := time.Parse(time.RFC3339, policy.Expiration)
	if err != nil || !expiration.After(time.Now()) {
		return false
	}

	if form["AWSAccessKeyId"] != e.creds.AccessKeyID {
		return false
	}

	if len(policy.Conditions) < 2 {
		return false
	}

	var bucketCond struct {
		Bucket string `json:"bucket"`
	}
	if err := json.Unmarshal(policy.Conditions[0], &bucketCond); err != nil || bucketCond.Bucket != bucket {
		return false
	}

	var keyCond []string
	if err := json.Unmarshal(policy.Conditions[1], &keyCond); err != nil || len(keyCond) < 3 || keyCond[2] != form["key"] {
		return false
	}

	expected := hmacSHA1Base64(e.creds.SecretAccessKey, rawPolicy)
	return hmac.Equal([]byte(form["signature"]), []byte(expected))
}
