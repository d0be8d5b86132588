package hmacauth

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"
)

const (
	HeaderSignature = "X-Request-Signature"
	HeaderTimestamp = "X-Request-Timestamp"
)

var (
	ErrMissingSignature = errors.New("missing request signature")
	ErrMissingTimestamp = errors.New("missing request timestamp")
	ErrStaleTimestamp   = errors.New("stale request timestamp")
	ErrInvalidSignature = errors.New("invalid request signature")
)

// Verifier checks HMAC-SHA256(timestamp || body) on inbound requests.
// An empty Secret disables verification.
type Verifier struct {
	Secret          string
	MaxSkew         time.Duration
	Now             func() time.Time
	SignatureHeader string
	TimestampHeader string
}

func (v *Verifier) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := v.verify(r); err != nil {
			http.Error(w, err.Error(), http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (v *Verifier) verify(r *http.Request) error {
	if v.Secret == "" {
		return nil
	}

	sig := r.Header.Get(orDefault(v.SignatureHeader, HeaderSignature))
	if sig == "" {
		return ErrMissingSignature
	}
	tsHeader := r.Header.Get(orDefault(v.TimestampHeader, HeaderTimestamp))
	if tsHeader == "" {
		return ErrMissingTimestamp
	}
	ts, err := strconv.ParseInt(tsHeader, 10, 64)
	if err != nil {
		return ErrMissingTimestamp
	}

	now := time.Now()
	if v.Now != nil {
		now = v.Now()
	}

	reqTime := time.Unix(ts, 0)
	if now.Sub(reqTime) > v.MaxSkew || reqTime.Sub(now) > v.MaxSkew {
		return ErrStaleTimestamp
	}

	bodyBytes, err := readBody(r)
	if err != nil {
		return err
	}

	expected := ComputeSignature(v.Secret, tsHeader, bodyBytes)
	if !hmac.Equal([]byte(expected), []byte(strings.ToLower(sig))) {
		return ErrInvalidSignature
	}
	return nil
}

// Signer stamps outbound requests so a Verifier with the same secret accepts them.
// Empty header names fall back to HeaderSignature and HeaderTimestamp.
type Signer struct {
	Secret          string
	Now             func() time.Time
	SignatureHeader string
	TimestampHeader string
}

// Sign sets the timestamp and signature headers for body. No-op without a secret.
func (s *Signer) Sign(r *http.Request, body []byte) {
	if s == nil || s.Secret == "" {
		return
	}
	now := time.Now()
	if s.Now != nil {
		now = s.Now()
	}
	ts := strconv.FormatInt(now.Unix(), 10)
	r.Header.Set(orDefault(s.TimestampHeader, HeaderTimestamp), ts)
	r.Header.Set(orDefault(s.SignatureHeader, HeaderSignature), ComputeSignature(s.Secret, ts, body))
}

// ComputeSignature returns the lowercase hex HMAC-SHA256 of timestamp followed by body.
func ComputeSignature(secret, timestamp string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(timestamp))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

func readBody(r *http.Request) ([]byte, error) {
	if r.Body == nil {
		return []byte{}, nil
	}
	defer r.Body.Close()
	body, err := io.ReadAll(r.Body)
	if err != nil {
		return nil, err
	}
	r.Body = io.NopCloser(bytes.NewReader(body))
	return body, nil
}

func orDefault(v, fallback string) string {
	if v == "" {
		return fallback
	}
	return v
}
