// Package qrtoken builds and validates the signed, time-bounded payloads
// rendered as QR codes. Tokens are stateless: nothing is persisted per token,
// the HMAC signature plus the embedded expiry carry all the trust.
package qrtoken

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/url"
	"time"
)

// Token type discriminators.
const (
	TypeSubject = "subject_attendance"
	TypeCampus  = "campus_attendance"
)

// SubjectPayload is the signed body of a per-session QR token. Field order is
// the canonical serialization order; both signer and verifier marshal this
// struct, so the HMAC input is deterministic.
type SubjectPayload struct {
	SessionID string `json:"session_id"`
	Subject   string `json:"subject"`
	Faculty   string `json:"faculty"`
	Timestamp int64  `json:"timestamp"`
	Expiry    int64  `json:"expiry"`
	Type      string `json:"type"`
}

// CampusPayload is the signed body of the campus-wide QR token. It is
// identified by date rather than a per-scan expiry: the campus QR hangs on a
// lobby display all day and the one-mark-per-day constraint is the guard.
type CampusPayload struct {
	Type      string `json:"type"`
	Date      string `json:"date"`
	Timestamp int64  `json:"timestamp"`
}

// Envelope is the wire form scanned by students: the payload plus its
// hex-encoded HMAC-SHA256 signature.
type Envelope struct {
	Data      json.RawMessage `json:"data"`
	Signature string          `json:"signature"`
}

// Sign computes the hex HMAC-SHA256 of the payload's canonical serialization.
func Sign(payload any, secret string) (string, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return "", err
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(data)
	return hex.EncodeToString(mac.Sum(nil)), nil
}

// Verify recomputes the signature and compares in constant time. It returns
// false on any failure, including malformed input; it never distinguishes why.
func Verify(payload any, signature, secret string) bool {
	want, err := Sign(payload, secret)
	if err != nil {
		return false
	}
	// Compare hex strings of equal length; ConstantTimeCompare rejects
	// length mismatches without a data-dependent branch on content.
	if len(want) != len(signature) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(want), []byte(signature)) == 1
}

// IsExpired reports whether now is past expiry plus the grace window. The
// grace absorbs clock skew and render-to-scan latency: a token scanned at the
// exact boundary is still good, one second past grace is not.
func IsExpired(expiry int64, grace time.Duration, now time.Time) bool {
	return now.Unix() > expiry+int64(grace.Seconds())
}

// IssueSubject mints a signed subject-attendance token valid for ttl.
func IssueSubject(sessionID, subjectName, facultyName, secret string, ttl time.Duration, now time.Time) (string, error) {
	payload := SubjectPayload{
		SessionID: sessionID,
		Subject:   subjectName,
		Faculty:   facultyName,
		Timestamp: now.Unix(),
		Expiry:    now.Add(ttl).Unix(),
		Type:      TypeSubject,
	}
	return seal(payload, secret)
}

// IssueCampus mints the signed campus-attendance token for the given date
// (YYYY-MM-DD), signed with the system-wide secret.
func IssueCampus(date, secret string, now time.Time) (string, error) {
	payload := CampusPayload{
		Type:      TypeCampus,
		Date:      date,
		Timestamp: now.Unix(),
	}
	return seal(payload, secret)
}

func seal(payload any, secret string) (string, error) {
	sig, err := Sign(payload, secret)
	if err != nil {
		return "", err
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return "", err
	}
	out, err := json.Marshal(Envelope{Data: data, Signature: sig})
	if err != nil {
		return "", err
	}
	return string(out), nil
}

// Decode parses a raw token into its envelope and type discriminator.
// A missing payload, signature, or type is an error; the caller decides how
// to surface it.
func Decode(raw string) (Envelope, string, error) {
	var env Envelope
	if err := json.Unmarshal([]byte(raw), &env); err != nil {
		return Envelope{}, "", fmt.Errorf("malformed token: %w", err)
	}
	if len(env.Data) == 0 || env.Signature == "" {
		return Envelope{}, "", fmt.Errorf("token missing payload or signature")
	}
	var probe struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(env.Data, &probe); err != nil {
		return Envelope{}, "", fmt.Errorf("malformed token payload: %w", err)
	}
	if probe.Type == "" {
		return Envelope{}, "", fmt.Errorf("token type not specified")
	}
	return env, probe.Type, nil
}

// ImageURL returns a render hint for the token using an external QR image
// API. Rendering is not this service's concern; callers may ignore it.
func ImageURL(data string, size int) string {
	if size <= 0 {
		size = 300
	}
	return fmt.Sprintf("https://api.qrserver.com/v1/create-qr-code/?size=%dx%d&data=%s", size, size, url.QueryEscape(data))
}
