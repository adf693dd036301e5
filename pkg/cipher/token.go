package cipher

import (
	"crypto/hmac"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Payload is the decrypted contents of a token, per spec.md §3.
type Payload struct {
	AgentID     string    `json:"agent_id"`
	AgentName   string    `json:"agent_name"`
	Tools       []string  `json:"tools"`
	Permissions []string  `json:"permissions"`
	ExpiresAt   time.Time `json:"expires_at"`
	Nonce       string    `json:"nonce"`
	IssuedAt    time.Time `json:"issued_at"`
}

// ValidationError carries a stable machine reason string for token
// validation failures (spec.md §4.1, §7).
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string { return e.Reason }

// Reason constants match spec.md's error taxonomy exactly.
const (
	ReasonMalformed       = "invalid_token"
	ReasonInvalidSignature = "invalid_signature"
	ReasonExpired         = "expired"
)

// Codec encrypts and HMAC-signs token payloads, and validates them back.
// The signing path accepts a primary and an optional previous secret so
// rotation can happen without downtime (spec.md §9).
type Codec struct {
	gatewayPub  *rsa.PublicKey
	gatewayPriv *rsa.PrivateKey
	primary     []byte
	previous    []byte // may be nil
}

// NewCodec builds a Codec around the gateway's own keypair and signing
// secret(s).
func NewCodec(gatewayPriv *rsa.PrivateKey, primarySigningSecret, previousSigningSecret string) *Codec {
	c := &Codec{
		gatewayPub:  &gatewayPriv.PublicKey,
		gatewayPriv: gatewayPriv,
		primary:     []byte(primarySigningSecret),
	}
	if previousSigningSecret != "" {
		c.previous = []byte(previousSigningSecret)
	}
	return c
}

// Issue encrypts payload under the gateway's public key, signs the
// ciphertext with the primary secret, and returns the wire-format token:
// base64url(ciphertext) "." hex(hmac_sha256(signing_secret, ciphertext)).
func (c *Codec) Issue(p Payload) (string, error) {
	if p.Nonce == "" {
		p.Nonce = uuid.NewString()
	}
	raw, err := json.Marshal(p)
	if err != nil {
		return "", fmt.Errorf("cipher: marshal payload: %w", err)
	}
	ciphertext, err := Encrypt(c.gatewayPub, raw)
	if err != nil {
		return "", err
	}
	mac := hmac.New(sha256.New, c.primary)
	mac.Write(ciphertext)
	sig := mac.Sum(nil)

	return base64.URLEncoding.EncodeToString(ciphertext) + "." + hex.EncodeToString(sig), nil
}

// Validate performs steps (1)-(5) of spec.md §4.1: split, verify HMAC,
// decrypt, parse, and check expiry. Agent-existence/status checks (6) are
// the caller's responsibility since they require a store lookup.
func (c *Codec) Validate(token string, now time.Time) (*Payload, error) {
	idx := strings.LastIndex(token, ".")
	if idx < 0 {
		return nil, &ValidationError{Reason: ReasonMalformed}
	}
	encCiphertext, sigHex := token[:idx], token[idx+1:]

	ciphertext, err := base64.URLEncoding.DecodeString(encCiphertext)
	if err != nil {
		return nil, &ValidationError{Reason: ReasonMalformed}
	}
	sig, err := hex.DecodeString(sigHex)
	if err != nil {
		return nil, &ValidationError{Reason: ReasonMalformed}
	}

	if !c.verifyHMAC(ciphertext, sig) {
		return nil, &ValidationError{Reason: ReasonInvalidSignature}
	}

	plaintext, err := Decrypt(c.gatewayPriv, ciphertext)
	if err != nil {
		return nil, &ValidationError{Reason: ReasonMalformed}
	}

	var p Payload
	if err := json.Unmarshal(plaintext, &p); err != nil {
		return nil, &ValidationError{Reason: ReasonMalformed}
	}
	if p.AgentID == "" || p.ExpiresAt.IsZero() {
		return nil, &ValidationError{Reason: ReasonMalformed}
	}

	if !now.Before(p.ExpiresAt) {
		return nil, &ValidationError{Reason: ReasonExpired}
	}

	return &p, nil
}

// verifyHMAC checks the signature against the primary secret first, then
// (if set) the previous secret, both in constant time.
func (c *Codec) verifyHMAC(ciphertext, sig []byte) bool {
	if checkHMAC(c.primary, ciphertext, sig) {
		return true
	}
	if len(c.previous) > 0 && checkHMAC(c.previous, ciphertext, sig) {
		return true
	}
	return false
}

func checkHMAC(secret, ciphertext, sig []byte) bool {
	mac := hmac.New(sha256.New, secret)
	mac.Write(ciphertext)
	expected := mac.Sum(nil)
	return hmac.Equal(expected, sig)
}
