package identity

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"io"

	"aim-chat/invite-registry/pkg/models"

	"github.com/mr-tron/base58/base58"
	"golang.org/x/crypto/blake2b"
	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"
)

const (
	hkdfInfoAccountSigning = "aim/registry/account-signing/v1"

	accountNamespace = "aim:1:"
	addressPrefix    = "aim1"
)

// DeriveAccountKey expands seed material into the ed25519 key that signs claims for an account.
func DeriveAccountKey(seedBytes []byte) (ed25519.PrivateKey, error) {
	signingSeed, err := hkdfExpand(seedBytes, hkdfInfoAccountSigning, ed25519.SeedSize)
	if err != nil {
		return nil, err
	}
	return ed25519.NewKeyFromSeed(signingSeed), nil
}

// AccountForKey returns the CAIP-10 style account owned by an ed25519 signer key.
func AccountForKey(pub ed25519.PublicKey) (models.Account, error) {
	if len(pub) != ed25519.PublicKeySize {
		return "", fmt.Errorf("invalid signer public key size: %d", len(pub))
	}
	h := blake2b.Sum256(pub)
	return models.Account(accountNamespace + addressPrefix + base58.Encode(h[:])), nil
}

func GenerateIdentityKey() (models.IdentityPublicKey, ed25519.PrivateKey, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, nil, err
	}
	return models.IdentityPublicKey(pub), priv, nil
}

// GenerateInviteKeyPair creates the X25519 agreement key pair published for invitations.
func GenerateInviteKeyPair() (models.InvitePublicKey, []byte, error) {
	priv := make([]byte, curve25519.ScalarSize)
	if _, err := rand.Read(priv); err != nil {
		return nil, nil, err
	}
	pub, err := curve25519.X25519(priv, curve25519.Basepoint)
	if err != nil {
		zeroBytes(priv)
		return nil, nil, err
	}
	return models.InvitePublicKey(pub), priv, nil
}

func hkdfExpand(seed []byte, info string, outLen int) ([]byte, error) {
	reader := hkdf.New(sha256.New, seed, nil, []byte(info))
	out := make([]byte, outLen)
	if _, err := io.ReadFull(reader, out); err != nil {
		return nil, err
	}
	return out, nil
}

func zeroBytes(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
