// Package signer authenticates segment records between the monitoring engine
// and the verification service with HMAC-SHA256. Both ends hold the session
// key handed out at session init; the MAC key is derived from it with HKDF,
// salted by the session ID, so a key leaked from one session's logs cannot
// forge another's records.
package signer

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strconv"

	"golang.org/x/crypto/hkdf"

	"github.com/hazyhaar/ppah/horosafe"
)

const hkdfInfo = "ppah segment signing v1"

// ErrMissingSecret is returned when no session key is configured.
var ErrMissingSecret = errors.New("signer: missing session key")

// Signer produces and checks segment signatures.
type Signer interface {
	Sign(m Message) string
	Verify(m Message, signature string) bool
}

// Message is the signed portion of a segment record.
type Message struct {
	SessionID  string
	SegmentID  uint64
	DigestHex  string
	TrustScore int
}

// Canonical is the byte string that gets MACed:
// "sessionID|segmentID|digestHex|trustScore".
func (m Message) Canonical() []byte {
	b := make([]byte, 0, len(m.SessionID)+len(m.DigestHex)+32)
	b = append(b, m.SessionID...)
	b = append(b, '|')
	b = strconv.AppendUint(b, m.SegmentID, 10)
	b = append(b, '|')
	b = append(b, m.DigestHex...)
	b = append(b, '|')
	b = strconv.AppendInt(b, int64(m.TrustScore), 10)
	return b
}

// HMAC is the HMAC-SHA256 Signer.
type HMAC struct {
	key []byte
}

// NewHMAC derives the MAC key for sessionID from sessionKey. sessionKey
// must be at least horosafe.MinSecretLen bytes.
func NewHMAC(sessionID string, sessionKey []byte) (*HMAC, error) {
	if len(sessionKey) == 0 {
		return nil, ErrMissingSecret
	}
	if err := horosafe.ValidateSecret(sessionKey); err != nil {
		return nil, fmt.Errorf("signer: %w", err)
	}
	key := make([]byte, sha256.Size)
	r := hkdf.New(sha256.New, sessionKey, []byte(sessionID), []byte(hkdfInfo))
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, fmt.Errorf("signer: derive key: %w", err)
	}
	return &HMAC{key: key}, nil
}

// Sign returns the hex-encoded MAC of m.
func (s *HMAC) Sign(m Message) string {
	mac := hmac.New(sha256.New, s.key)
	mac.Write(m.Canonical())
	return hex.EncodeToString(mac.Sum(nil))
}

// Verify reports whether signature is the MAC of m, in constant time.
func (s *HMAC) Verify(m Message, signature string) bool {
	got, err := hex.DecodeString(signature)
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, s.key)
	mac.Write(m.Canonical())
	return hmac.Equal(mac.Sum(nil), got)
}
