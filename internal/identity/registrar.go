package identity

import (
	"context"
	"crypto/ed25519"
	"errors"
	"log/slog"
	"strings"
	"time"

	"aim-chat/invite-registry/internal/registry"
	"aim-chat/invite-registry/pkg/models"
)

const DefaultAudience = "aim-registry"

// Directory is the authority that records signed claims and answers invite lookups.
type Directory interface {
	SubmitIdentity(ctx context.Context, claim SignedClaim) error
	SubmitInvite(ctx context.Context, claim SignedClaim) error
	LookupInvite(ctx context.Context, account models.Account) (models.RegistryRecord, error)
}

// KeyVault keeps the private halves of keys the registrar generates.
type KeyVault interface {
	IdentityKey(account models.Account) (ed25519.PrivateKey, bool)
	SetIdentityKey(ctx context.Context, account models.Account, key ed25519.PrivateKey) error
	DeleteIdentityKey(ctx context.Context, account models.Account) error
	SetAgreementKey(ctx context.Context, pub models.InvitePublicKey, priv []byte) error
}

type Registrar struct {
	directory Directory
	vault     KeyVault
	audience  string
	now       func() time.Time
	logger    *slog.Logger
}

func NewRegistrar(directory Directory, vault KeyVault, audience string, logger *slog.Logger) *Registrar {
	audience = strings.TrimSpace(audience)
	if audience == "" {
		audience = DefaultAudience
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Registrar{
		directory: directory,
		vault:     vault,
		audience:  audience,
		now:       time.Now,
		logger:    logger,
	}
}

// RegisterIdentity returns the account's identity key, generating, signing and
// submitting a new one only if none is stored yet.
func (r *Registrar) RegisterIdentity(ctx context.Context, account models.Account, onSign registry.SignFunc) (models.IdentityPublicKey, error) {
	if existing, ok := r.vault.IdentityKey(account); ok {
		return models.IdentityPublicKey(append([]byte(nil), existing.Public().(ed25519.PublicKey)...)), nil
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	pub, priv, err := GenerateIdentityKey()
	if err != nil {
		return nil, registry.Fail(registry.ErrStorageFailure, "generate identity key", err)
	}
	signed, err := r.signClaim(ClaimIdentity, account, pub, onSign)
	if err != nil {
		return nil, err
	}
	// The key is kept before the directory learns it and dropped again if the
	// submission fails, so neither side ends up holding a half of it.
	if err := r.vault.SetIdentityKey(ctx, account, priv); err != nil {
		return nil, registry.Fail(registry.ErrStorageFailure, "store identity key", err)
	}
	if err := r.directory.SubmitIdentity(ctx, signed); err != nil {
		if delErr := r.vault.DeleteIdentityKey(context.WithoutCancel(ctx), account); delErr != nil {
			r.logger.Warn("identity key rollback failed", "component", "identity", "account", account.String(), "error", delErr.Error())
		}
		return nil, registry.Fail(registry.ErrSubmissionFailure, "submit identity claim", err)
	}
	r.logger.Debug("identity key registered", "component", "identity", "account", account.String())
	return pub, nil
}

// RegisterInvite generates a fresh agreement key pair, keeps its private half and
// publishes the public half for account.
func (r *Registrar) RegisterInvite(ctx context.Context, account models.Account, onSign registry.SignFunc) (models.InvitePublicKey, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	pub, priv, err := GenerateInviteKeyPair()
	if err != nil {
		return nil, registry.Fail(registry.ErrStorageFailure, "generate invite key", err)
	}
	defer zeroBytes(priv)

	signed, err := r.signClaim(ClaimInvite, account, pub, onSign)
	if err != nil {
		return nil, err
	}
	if err := r.vault.SetAgreementKey(ctx, pub, priv); err != nil {
		return nil, registry.Fail(registry.ErrStorageFailure, "store invite agreement key", err)
	}
	if err := r.directory.SubmitInvite(ctx, signed); err != nil {
		return nil, registry.Fail(registry.ErrSubmissionFailure, "submit invite claim", err)
	}
	return pub, nil
}

func (r *Registrar) ResolveInvite(ctx context.Context, account models.Account) (string, error) {
	record, err := r.directory.LookupInvite(ctx, account)
	if err != nil {
		if errors.Is(err, registry.ErrNotFound) {
			return "", err
		}
		return "", registry.Fail(registry.ErrLookupFailure, "lookup invite", err)
	}
	return record.PubKey, nil
}

func (r *Registrar) signClaim(kind ClaimKind, account models.Account, pub []byte, onSign registry.SignFunc) (SignedClaim, error) {
	claim := Claim{
		Kind:      kind,
		Audience:  r.audience,
		Account:   account,
		PublicKey: append([]byte(nil), pub...),
		IssuedAt:  r.now().Unix(),
	}
	if onSign == nil {
		return SignedClaim{}, registry.Fail(registry.ErrSigningFailure, "sign "+string(kind)+" claim", errors.New("sign callback is required"))
	}
	sig, err := onSign(claim.Statement())
	if err != nil {
		return SignedClaim{}, registry.Fail(registry.ErrSigningFailure, "sign "+string(kind)+" claim", err)
	}
	return SignedClaim{Claim: claim, Signature: sig}, nil
}
