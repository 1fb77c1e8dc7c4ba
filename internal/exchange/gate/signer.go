package gate

import (
	"crypto/hmac"
	"crypto/sha512"
	"encoding/hex"
	"fmt"
	"net/http"
	"time"

	"scalper/internal/config"
)

// signer produces the Gate.io v4 authentication headers.
type signer struct {
	creds config.Credentials
	// now is injectable for deterministic signature tests.
	now func() time.Time
}

func newSigner(creds config.Credentials) *signer {
	return &signer{creds: creds, now: time.Now}
}

// signature computes HMAC-SHA512 over the canonical request string
// METHOD\nPATH\nQUERY\nSHA512(body)\ntimestamp.
func (s *signer) signature(method, urlPath, queryString, body string, timestamp int64) string {
	hasher := sha512.New()
	hasher.Write([]byte(body))
	bodyHash := hex.EncodeToString(hasher.Sum(nil))

	message := fmt.Sprintf("%s\n%s\n%s\n%s\n%d",
		method,
		urlPath,
		queryString,
		bodyHash,
		timestamp,
	)

	mac := hmac.New(sha512.New, []byte(s.creds.SecretKey))
	mac.Write([]byte(message))
	return hex.EncodeToString(mac.Sum(nil))
}

// apply signs the request in place with the KEY, Timestamp and SIGN headers.
func (s *signer) apply(req *http.Request, body []byte) {
	timestamp := s.now().Unix()
	sign := s.signature(req.Method, req.URL.Path, req.URL.RawQuery, string(body), timestamp)

	req.Header.Set("KEY", string(s.creds.APIKey))
	req.Header.Set("Timestamp", fmt.Sprintf("%d", timestamp))
	req.Header.Set("SIGN", sign)
}
