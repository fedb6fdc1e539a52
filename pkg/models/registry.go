package models

import (
	"crypto/ed25519"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/mr-tron/base58/base58"
)

const maxAccountLength = 256

var (
	ErrInvalidAccount     = errors.New("invalid account")
	ErrInvalidIdentityKey = errors.New("invalid identity public key")
	ErrInvalidDIDKey      = errors.New("invalid did:key")
)

// Account identifies a user identity, e.g. "eip155:1:0xab16a96d359ec26a11e2c2b3d8f8b8942d5bfcdb".
// Any printable UTF-8 string without whitespace is accepted; the CAIP-10 layout
// is conventional, not enforced.
type Account string

func ParseAccount(raw string) (Account, error) {
	a := Account(strings.TrimSpace(raw))
	if err := a.Validate(); err != nil {
		return "", err
	}
	return a, nil
}

func (a Account) Validate() error {
	s := string(a)
	if s == "" {
		return fmt.Errorf("%w: empty", ErrInvalidAccount)
	}
	if len(s) > maxAccountLength {
		return fmt.Errorf("%w: longer than %d bytes", ErrInvalidAccount, maxAccountLength)
	}
	if !utf8.ValidString(s) {
		return fmt.Errorf("%w: not valid UTF-8", ErrInvalidAccount)
	}
	for _, r := range s {
		if unicode.IsSpace(r) || !unicode.IsPrint(r) {
			return fmt.Errorf("%w: contains whitespace or control characters", ErrInvalidAccount)
		}
	}
	return nil
}

func (a Account) String() string {
	return string(a)
}

// IdentityPublicKey is the ed25519 key bound to an account by identity registration.
type IdentityPublicKey []byte

// ed25519-pub multicodec, varint encoded.
var ed25519Multicodec = []byte{0xed, 0x01}

const didKeyPrefix = "did:key:z"

// DIDKey renders the key as a did:key with base58btc multibase encoding.
func (k IdentityPublicKey) DIDKey() string {
	buf := make([]byte, 0, len(ed25519Multicodec)+len(k))
	buf = append(buf, ed25519Multicodec...)
	buf = append(buf, k...)
	return didKeyPrefix + base58.Encode(buf)
}

func (k IdentityPublicKey) String() string {
	return k.DIDKey()
}

func ParseDIDKey(did string) (IdentityPublicKey, error) {
	did = strings.TrimSpace(did)
	if !strings.HasPrefix(did, didKeyPrefix) {
		return nil, ErrInvalidDIDKey
	}
	raw, err := base58.Decode(strings.TrimPrefix(did, didKeyPrefix))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidDIDKey, err)
	}
	if len(raw) != len(ed25519Multicodec)+ed25519.PublicKeySize ||
		raw[0] != ed25519Multicodec[0] || raw[1] != ed25519Multicodec[1] {
		return nil, ErrInvalidDIDKey
	}
	return IdentityPublicKey(append([]byte(nil), raw[len(ed25519Multicodec):]...)), nil
}

// InvitePublicKey is the X25519 key other parties use to encrypt invitations to an account.
type InvitePublicKey []byte

func (k InvitePublicKey) Bytes() []byte {
	return append([]byte(nil), k...)
}

func (k InvitePublicKey) Hex() string {
	return hex.EncodeToString(k)
}

func (k InvitePublicKey) String() string {
	return k.Hex()
}

func ParseInvitePublicKey(s string) (InvitePublicKey, error) {
	raw, err := hex.DecodeString(strings.TrimSpace(s))
	if err != nil {
		return nil, err
	}
	return InvitePublicKey(raw), nil
}

// ChannelID is the transport topic and keystore lookup key derived from an invite key.
type ChannelID string

func (c ChannelID) String() string {
	return string(c)
}

// AuthorizationSignature is produced by the caller's signing callback over a claim statement.
type AuthorizationSignature struct {
	Type      string `json:"t" cbor:"t"`
	Signer    []byte `json:"signer" cbor:"signer"`
	Signature []byte `json:"s" cbor:"s"`
}

// RegistryRecord is the published pairing other parties resolve an account through.
type RegistryRecord struct {
	Account Account `json:"account" cbor:"account"`
	PubKey  string  `json:"pubKey" cbor:"pubKey"`
}
