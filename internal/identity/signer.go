package identity

import (
	"crypto/ed25519"
	"errors"
	"strings"

	"aim-chat/invite-registry/internal/registry"
	"aim-chat/invite-registry/pkg/models"

	"github.com/tyler-smith/go-bip39"
)

const SignatureTypeEd25519 = "ed25519"

var (
	ErrInvalidMnemonic  = errors.New("invalid mnemonic")
	ErrMnemonicRequired = errors.New("mnemonic is required")
)

// Signer holds the account key a user authorizes registrations with.
type Signer struct {
	account models.Account
	priv    ed25519.PrivateKey
}

func NewMnemonic() (string, error) {
	entropy, err := bip39.NewEntropy(256)
	if err != nil {
		return "", err
	}
	return bip39.NewMnemonic(entropy)
}

func SignerFromMnemonic(mnemonic, passphrase string) (*Signer, error) {
	mnemonic = strings.TrimSpace(mnemonic)
	if mnemonic == "" {
		return nil, ErrMnemonicRequired
	}
	if !bip39.IsMnemonicValid(mnemonic) {
		return nil, ErrInvalidMnemonic
	}
	seed := bip39.NewSeed(mnemonic, passphrase)
	defer zeroBytes(seed)
	priv, err := DeriveAccountKey(seed)
	if err != nil {
		return nil, err
	}
	return NewSigner(priv)
}

func NewSigner(priv ed25519.PrivateKey) (*Signer, error) {
	if len(priv) != ed25519.PrivateKeySize {
		return nil, errors.New("invalid account private key size")
	}
	account, err := AccountForKey(priv.Public().(ed25519.PublicKey))
	if err != nil {
		return nil, err
	}
	return &Signer{account: account, priv: append(ed25519.PrivateKey(nil), priv...)}, nil
}

func (s *Signer) Account() models.Account {
	return s.account
}

func (s *Signer) PublicKey() ed25519.PublicKey {
	return append(ed25519.PublicKey(nil), s.priv.Public().(ed25519.PublicKey)...)
}

func (s *Signer) Sign(message string) (models.AuthorizationSignature, error) {
	if s == nil || len(s.priv) != ed25519.PrivateKeySize {
		return models.AuthorizationSignature{}, errors.New("signer is not initialized")
	}
	return models.AuthorizationSignature{
		Type:      SignatureTypeEd25519,
		Signer:    s.PublicKey(),
		Signature: ed25519.Sign(s.priv, []byte(message)),
	}, nil
}

// SignFunc adapts the signer to the registration callback shape.
func (s *Signer) SignFunc() registry.SignFunc {
	return s.Sign
}
