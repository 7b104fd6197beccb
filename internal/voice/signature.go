// ABOUTME: Voice webhook signature validation
// ABOUTME: HMAC-SHA1 over the full URL plus sorted form parameters, base64-encoded

package voice

import (
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"net/url"
	"sort"
	"strings"
)

// ValidateSignature checks the provider's request signature: HMAC-SHA1 over
// the request URL concatenated with each form key+value in sorted key order,
// base64-encoded. Comparison is constant-time; an empty secret fails closed.
func ValidateSignature(requestURL string, form url.Values, signature, secret string) bool {
	if secret == "" || signature == "" {
		return false
	}

	keys := make([]string, 0, len(form))
	for k := range form {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	b.WriteString(requestURL)
	for _, k := range keys {
		for _, v := range form[k] {
			b.WriteString(k)
			b.WriteString(v)
		}
	}

	mac := hmac.New(sha1.New, []byte(secret))
	mac.Write([]byte(b.String()))
	want := base64.StdEncoding.EncodeToString(mac.Sum(nil))

	return hmac.Equal([]byte(want), []byte(signature))
}
