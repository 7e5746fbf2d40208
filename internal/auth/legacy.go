package auth

import (
	"crypto/hmac"
	"net/http"
	"net/url"
	"sort"
	"strings"
)

const legacyPrefix = "AWS "

// subResources are query params included in the canonicalized resource
// with their raw (non-decoded) values.
var subResources = map[string]struct{}{
	"acl":            {},
	"cors":           {},
	"lifecycle":      {},
	"delete":         {},
	"location":       {},
	"logging":        {},
	"notification":   {},
	"partNumber":     {},
	"policy":         {},
	"requestPayment": {},
	"restore":        {},
	"tagging":        {},
	"torrent":        {},
	"uploadId":       {},
	"uploads":        {},
	"versionId":      {},
	"versioning":     {},
	"versions":       {},
	"website":        {},
}

// responseOverrides are query params included in the canonicalized
// resource with their decoded values.
var responseOverrides = map[string]struct{}{
	"response-content-type":        {},
	"response-content-language":    {},
	"response-expires":             {},
	"response-cache-control":       {},
	"response-content-disposition": {},
	"response-content-encoding":    {},
}

// verifyLegacy checks an "AWS <accessKeyId>:<signature>" Authorization
// header: a base64 HMAC-SHA1 over the legacy string-to-sign.
func (e *Engine) verifyLegacy(r *http.Request, auth string) bool {
	rest := strings.TrimPrefix(auth, legacyPrefix)
	accessKeyID, signature, found := strings.Cut(rest, ":")
	if !found || accessKeyID != e.creds.AccessKeyID {
		return false
	}

	expected := hmacSHA1Base64(e.creds.SecretAccessKey, legacyStringToSign(r))
	return hmac.Equal([]byte(signature), []byte(expected))
}

func legacyStringToSign(r *http.Request) string {
	parts := []string{
		r.Method,
		r.Header.Get("Content-Md5"),
		r.Header.Get("Content-Type"),
		// The scheme's Date line. Clients that move the real date into
		// X-Amz-Date leave this empty.
		r.Header.Get("Presigned-Expires"),
	}

	if headers := canonicalizedAmzHeaders(r.Header); headers != "" {
		parts = append(parts, headers)
	}
	parts = append(parts, canonicalizedResource(r.URL))

	return strings.Join(parts, "\n")
}

func canonicalizedAmzHeaders(h http.Header) string {
	var names []string
	for name := range h {
		if strings.HasPrefix(strings.ToLower(name), "x-amz-") {
			names = append(names, name)
		}
	}
	sort.Slice(names, func(i, j int) bool {
		return strings.ToLower(names[i]) < strings.ToLower(names[j])
	})

	parts := make([]string, 0, len(names))
	for _, name := range names {
		parts = append(parts, strings.ToLower(name)+":"+h.Get(name))
	}
	return strings.Join(parts, "\n")
}

func canonicalizedResource(u *url.URL) string {
	resource := u.EscapedPath()
	if u.RawQuery == "" {
		return resource
	}

	type queryParam struct {
		name     string
		value    string
		hasValue bool
	}

	var signed []queryParam
	for _, raw := range strings.Split(u.RawQuery, "&") {
		name, value, hasValue := strings.Cut(raw, "=")
		if _, ok := subResources[name]; ok {
			signed = append(signed, queryParam{name, value, hasValue})
			continue
		}
		if _, ok := responseOverrides[name]; ok {
			decoded, err := url.QueryUnescape(value)
			if err != nil {
				decoded = value
			}
			signed = append(signed, queryParam{name, decoded, hasValue})
		}
	}
	if len(signed) == 0 {
		return resource
	}

	sort.Slice(signed, func(i, j int) bool { return signed[i].name < signed[j].name })

	parts := make([]string, 0, len(signed))
	for _, p := range signed {
		if p.hasValue {
			parts = append(parts, p.name+"="+p.value)
		} else {
			parts = append(parts, p.name)
		}
	}
	return resource + "?" + strings.Join(parts, "&")
}
