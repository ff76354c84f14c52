// Package token issues and verifies the encrypted, signed payloads embedded in
// attendee check-in QR codes.
//
// A token is base64url(AES-256-GCM(JSON(claim))) where the claim carries an
// HMAC-SHA256 signature over its own canonical JSON. Both keys are derived from
// the per-event shared secret with HKDF. Verification is stateless and checks,
// in order: decryption, signature, expiry, then optional device/network binding.
package token

import (
	"crypto/hmac"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// DefaultTTL is the validity window used when Options.ExpiresIn is not positive.
const DefaultTTL = 15 * time.Minute

// Verification failure kinds.
var (
	ErrCorruptedToken  = errors.New("corrupted or tampered token")
	ErrTamperedToken   = errors.New("tampered")
	ErrExpiredToken    = errors.New("expired")
	ErrBindingMismatch = errors.New("binding mismatch")
)

// Reasons reported to scanning clients.
const (
	ReasonCorrupted       = "corrupted or tampered token"
	ReasonTampered        = "tampered"
	ReasonExpired         = "expired"
	ReasonDeviceMismatch  = "device binding mismatch"
	ReasonNetworkMismatch = "network binding mismatch"
)

var encoding = base64.RawURLEncoding

// Claim is the structure sealed inside a token.
type Claim struct {
	ID    string `json:"id"`
	Exp   int64  `json:"exp"`
	Nonce string `json:"nonce"`
	Env   string `json:"env,omitempty"`
	IP    string `json:"ip,omitempty"`
	Sig   string `json:"sig"`
}

// signedFields fixes the canonical field order of the signed payload.
type signedFields struct {
	ID    string `json:"id"`
	Exp   int64  `json:"exp"`
	Nonce string `json:"nonce"`
	Env   string `json:"env,omitempty"`
	IP    string `json:"ip,omitempty"`
}

func (c Claim) canonical() ([]byte, error) {
	return json.Marshal(signedFields{ID: c.ID, Exp: c.Exp, Nonce: c.Nonce, Env: c.Env, IP: c.IP})
}

// Options tune issuance and verification. ClientIP and DeviceInfo are hashed
// into the claim at issuance; at verification they are only compared when set.
type Options struct {
	ExpiresIn  time.Duration
	ClientIP   string
	DeviceInfo string
}

// Result is the outcome of Verify. Failures never surface as panics or
// aborting errors; Err holds one of the package sentinel errors.
type Result struct {
	Valid      bool
	AttendeeID string
	Reason     string
	Err        error
	Nonce      string
	ExpiresAt  time.Time
}

// Codec builds and verifies tokens. The zero value uses the wall clock and DefaultTTL.
type Codec struct {
	TTL time.Duration
	Now func() time.Time
}

func (c Codec) now() time.Time {
	if c.Now != nil {
		return c.Now()
	}
	return time.Now()
}

func (c Codec) ttl(requested time.Duration) time.Duration {
	if requested > 0 {
		return requested
	}
	if c.TTL > 0 {
		return c.TTL
	}
	return DefaultTTL
}

// Issued is a freshly built token with its expiration instant.
type Issued struct {
	Token     string
	ExpiresAt time.Time
}

// Build issues a token for attendeeID.
func (c Codec) Build(attendeeID, secret string, opts Options) (string, error) {
	issued, err := c.Issue(attendeeID, secret, opts)
	if err != nil {
		return "", err
	}
	return issued.Token, nil
}

// Issue is Build that also reports when the token stops verifying.
func (c Codec) Issue(attendeeID, secret string, opts Options) (Issued, error) {
	if attendeeID == "" {
		return Issued{}, errors.New("attendee id required")
	}
	k, err := deriveKeys(secret)
	if err != nil {
		return Issued{}, err
	}
	nonce, err := randomNonce()
	if err != nil {
		return Issued{}, fmt.Errorf("generate nonce: %w", err)
	}
	claim := Claim{
		ID:    attendeeID,
		Exp:   c.now().Add(c.ttl(opts.ExpiresIn)).UnixMilli(),
		Nonce: nonce,
	}
	if opts.DeviceInfo != "" {
		claim.Env = bindingHash(opts.DeviceInfo)
	}
	if opts.ClientIP != "" {
		claim.IP = bindingHash(opts.ClientIP)
	}
	tok, err := c.seal(k, claim)
	if err != nil {
		return Issued{}, err
	}
	return Issued{Token: tok, ExpiresAt: time.UnixMilli(claim.Exp)}, nil
}

func (c Codec) seal(k keys, claim Claim) (string, error) {
	payload, err := claim.canonical()
	if err != nil {
		return "", err
	}
	claim.Sig = k.sign(payload)
	plaintext, err := json.Marshal(claim)
	if err != nil {
		return "", err
	}
	blob, err := k.seal(plaintext)
	if err != nil {
		return "", err
	}
	return encoding.EncodeToString(blob), nil
}

// Verify checks a scanned token. Checks run strictly in the order decrypt,
// signature, expiry, binding; the first failure decides the reason.
func (c Codec) Verify(tok, secret string, opts Options) Result {
	k, err := deriveKeys(secret)
	if err != nil {
		return fail(ErrCorruptedToken, ReasonCorrupted)
	}
	blob, err := encoding.DecodeString(tok)
	if err != nil {
		return fail(ErrCorruptedToken, ReasonCorrupted)
	}
	plaintext, err := k.open(blob)
	if err != nil {
		return fail(ErrCorruptedToken, ReasonCorrupted)
	}
	var claim Claim
	if err := json.Unmarshal(plaintext, &claim); err != nil {
		return fail(ErrCorruptedToken, ReasonCorrupted)
	}

	payload, err := claim.canonical()
	if err != nil || claim.Sig == "" || !hmac.Equal([]byte(k.sign(payload)), []byte(claim.Sig)) {
		return fail(ErrTamperedToken, ReasonTampered)
	}

	if c.now().UnixMilli() >= claim.Exp {
		return fail(ErrExpiredToken, ReasonExpired)
	}

	if opts.DeviceInfo != "" && claim.Env != "" && bindingHash(opts.DeviceInfo) != claim.Env {
		return fail(ErrBindingMismatch, ReasonDeviceMismatch)
	}
	if opts.ClientIP != "" && claim.IP != "" && bindingHash(opts.ClientIP) != claim.IP {
		return fail(ErrBindingMismatch, ReasonNetworkMismatch)
	}

	return Result{
		Valid:      true,
		AttendeeID: claim.ID,
		Nonce:      claim.Nonce,
		ExpiresAt:  time.UnixMilli(claim.Exp),
	}
}

func fail(err error, reason string) Result {
	return Result{Err: err, Reason: reason}
}

// Build issues a token with the default codec.
func Build(attendeeID, secret string, opts Options) (string, error) {
	return Codec{}.Build(attendeeID, secret, opts)
}

// Verify checks a token with the default codec.
func Verify(tok, secret string, opts Options) Result {
	return Codec{}.Verify(tok, secret, opts)
}
