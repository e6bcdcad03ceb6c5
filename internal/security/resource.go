package security

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"strconv"
	"strings"
	"time"
)

var (
	ErrSignatureExpired = errors.New("signature expired")
	ErrSignatureInvalid = errors.New("signature invalid")
)

// SignResource returns an HMAC over parts joined with ':'.
func SignResource(secret string, parts ...string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(strings.Join(parts, ":")))
	return base64.RawURLEncoding.EncodeToString(mac.Sum(nil))
}

// DownloadSigner issues and checks expiring download grants for one
// generated image.
type DownloadSigner struct {
	secret string
	now    func() time.Time
}

func NewDownloadSigner(secret string) *DownloadSigner {
	return &DownloadSigner{secret: secret, now: time.Now}
}

// Sign returns the expiry (unix seconds) and signature granting access to
// the device image of jobID for ttl.
func (s *DownloadSigner) Sign(jobID, device string, ttl time.Duration) (expires string, signature string) {
	expires = strconv.FormatInt(s.now().Add(ttl).Unix(), 10)
	return expires, SignResource(s.secret, "download", jobID, device, expires)
}

func (s *DownloadSigner) Verify(jobID, device, expires, signature string) error {
	if s.secret == "" || signature == "" {
		return ErrSignatureInvalid
	}
	unix, err := strconv.ParseInt(expires, 10, 64)
	if err != nil {
		return ErrSignatureInvalid
	}
	expected := SignResource(s.secret, "download", jobID, device, expires)
	if !hmac.Equal([]byte(expected), []byte(signature)) {
		return ErrSignatureInvalid
	}
	if s.now().Unix() > unix {
		return ErrSignatureExpired
	}
	return nil
}
