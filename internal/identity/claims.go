package identity

import (
	"crypto/ed25519"
	"errors"
	"fmt"
	"strings"
	"time"

	"aim-chat/invite-registry/pkg/models"
)

type ClaimKind string

const (
	ClaimIdentity ClaimKind = "identity"
	ClaimInvite   ClaimKind = "invite"
)

var (
	ErrInvalidClaim     = errors.New("invalid claim")
	ErrInvalidSignature = errors.New("invalid claim signature")
	ErrClaimExpired     = errors.New("claim issued-at outside accepted window")
)

// Claim is the statement an account holder signs to bind a key to the account.
type Claim struct {
	Kind      ClaimKind      `cbor:"kind" json:"kind"`
	Audience  string         `cbor:"aud" json:"aud"`
	Account   models.Account `cbor:"account" json:"account"`
	PublicKey []byte         `cbor:"pub" json:"pub"`
	IssuedAt  int64          `cbor:"iat" json:"iat"`
}

type SignedClaim struct {
	Claim     Claim                         `cbor:"claim" json:"claim"`
	Signature models.AuthorizationSignature `cbor:"sig" json:"sig"`
}

// Statement is the exact text handed to the signing callback.
func (c Claim) Statement() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s wants you to register an %s key for your account:\n", c.Audience, c.Kind)
	b.WriteString(c.Account.String())
	b.WriteString("\n\n")
	fmt.Fprintf(&b, "Key: %s\n", c.keyString())
	fmt.Fprintf(&b, "Issued At: %s", time.Unix(c.IssuedAt, 0).UTC().Format(time.RFC3339))
	return b.String()
}

func (c Claim) keyString() string {
	if c.Kind == ClaimIdentity {
		return models.IdentityPublicKey(c.PublicKey).DIDKey()
	}
	return models.InvitePublicKey(c.PublicKey).Hex()
}

func (c Claim) Validate() error {
	if c.Kind != ClaimIdentity && c.Kind != ClaimInvite {
		return fmt.Errorf("%w: unknown kind %q", ErrInvalidClaim, c.Kind)
	}
	if err := c.Account.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidClaim, err)
	}
	if len(c.PublicKey) != 32 {
		return fmt.Errorf("%w: public key must be 32 bytes, got %d", ErrInvalidClaim, len(c.PublicKey))
	}
	if c.IssuedAt <= 0 {
		return fmt.Errorf("%w: missing issued-at", ErrInvalidClaim)
	}
	return nil
}

// VerifySignedClaim checks the claim shape, freshness and ed25519 signature.
func VerifySignedClaim(sc SignedClaim, now time.Time, maxSkew time.Duration) error {
	if err := sc.Claim.Validate(); err != nil {
		return err
	}
	if maxSkew > 0 {
		issued := time.Unix(sc.Claim.IssuedAt, 0)
		if issued.Before(now.Add(-maxSkew)) || issued.After(now.Add(maxSkew)) {
			return ErrClaimExpired
		}
	}
	sig := sc.Signature
	if sig.Type != SignatureTypeEd25519 {
		return fmt.Errorf("%w: unsupported type %q", ErrInvalidSignature, sig.Type)
	}
	if len(sig.Signer) != ed25519.PublicKeySize || len(sig.Signature) != ed25519.SignatureSize {
		return ErrInvalidSignature
	}
	if !ed25519.Verify(ed25519.PublicKey(sig.Signer), []byte(sc.Claim.Statement()), sig.Signature) {
		return ErrInvalidSignature
	}
	return nil
}
