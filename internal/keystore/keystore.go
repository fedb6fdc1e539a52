package keystore

import (
	"context"
	"crypto/ed25519"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"aim-chat/invite-registry/internal/registry"
	"aim-chat/invite-registry/internal/securestore"
	"aim-chat/invite-registry/pkg/models"
)

var ErrInvalidKey = errors.New("invalid key material")

// Store keeps invite public keys by channel and the private keys needed to
// open traffic on those channels. With a snapshot file configured every write
// is persisted before it becomes visible.
type Store struct {
	mu        sync.RWMutex
	channels  map[models.ChannelID]models.InvitePublicKey
	agreement map[string][]byte
	identity  map[models.Account]ed25519.PrivateKey
	owners    map[models.ChannelID]models.Account
	active    models.Account
	snapshot  *securestore.File
	logger    *slog.Logger
}

type snapshotState struct {
	Channels  map[string]string `json:"channels"`
	Agreement map[string]string `json:"agreement"`
	Identity  map[string]string `json:"identity"`
	Owners    map[string]string `json:"owners,omitempty"`
	Active    string            `json:"active,omitempty"`
}

func New(logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		channels:  make(map[models.ChannelID]models.InvitePublicKey),
		agreement: make(map[string][]byte),
		identity:  make(map[models.Account]ed25519.PrivateKey),
		owners:    make(map[models.ChannelID]models.Account),
		logger:    logger,
	}
}

// Open returns a store backed by an encrypted snapshot, loading existing content.
func Open(path, secret string, logger *slog.Logger) (*Store, error) {
	s := New(logger)
	file := securestore.NewFile(path, secret)
	if !file.Configured() {
		return nil, errors.New("keystore snapshot requires path and secret")
	}
	var state snapshotState
	found, err := file.Load(&state)
	if err != nil {
		return nil, fmt.Errorf("load keystore snapshot: %w", err)
	}
	if found {
		if err := s.restore(state); err != nil {
			return nil, fmt.Errorf("restore keystore snapshot: %w", err)
		}
	}
	s.snapshot = file
	s.logger.Info("keystore opened", "component", "keystore", "channels", len(s.channels), "persistent", true)
	return s, nil
}

func (s *Store) SetPublicKey(ctx context.Context, key models.InvitePublicKey, channel models.ChannelID) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if len(key) == 0 || channel == "" {
		return registry.Fail(registry.ErrStorageFailure, "set public key", ErrInvalidKey)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	prev, had := s.channels[channel]
	s.channels[channel] = append(models.InvitePublicKey(nil), key...)
	if err := s.persistLocked(); err != nil {
		if had {
			s.channels[channel] = prev
		} else {
			delete(s.channels, channel)
		}
		return registry.Fail(registry.ErrStorageFailure, "set public key", err)
	}
	return nil
}

func (s *Store) PublicKey(channel models.ChannelID) (models.InvitePublicKey, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	key, ok := s.channels[channel]
	if !ok {
		return nil, false
	}
	return append(models.InvitePublicKey(nil), key...), true
}

func (s *Store) Channels() []models.ChannelID {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]models.ChannelID, 0, len(s.channels))
	for channel := range s.channels {
		out = append(out, channel)
	}
	return out
}

func (s *Store) SetAgreementKey(ctx context.Context, pub models.InvitePublicKey, priv []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if len(pub) == 0 || len(priv) == 0 {
		return registry.Fail(registry.ErrStorageFailure, "set agreement key", ErrInvalidKey)
	}
	id := pub.Hex()
	s.mu.Lock()
	defer s.mu.Unlock()
	prev, had := s.agreement[id]
	s.agreement[id] = append([]byte(nil), priv...)
	if err := s.persistLocked(); err != nil {
		if had {
			s.agreement[id] = prev
		} else {
			delete(s.agreement, id)
		}
		return registry.Fail(registry.ErrStorageFailure, "set agreement key", err)
	}
	return nil
}

// AgreementKey returns the private key that opens traffic sent to pub.
func (s *Store) AgreementKey(pub models.InvitePublicKey) ([]byte, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	priv, ok := s.agreement[pub.Hex()]
	if !ok {
		return nil, false
	}
	return append([]byte(nil), priv...), true
}

func (s *Store) IdentityKey(account models.Account) (ed25519.PrivateKey, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	key, ok := s.identity[account]
	if !ok {
		return nil, false
	}
	return append(ed25519.PrivateKey(nil), key...), true
}

func (s *Store) SetIdentityKey(ctx context.Context, account models.Account, key ed25519.PrivateKey) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if len(key) != ed25519.PrivateKeySize {
		return registry.Fail(registry.ErrStorageFailure, "set identity key", ErrInvalidKey)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	prev, had := s.identity[account]
	s.identity[account] = append(ed25519.PrivateKey(nil), key...)
	if err := s.persistLocked(); err != nil {
		if had {
			s.identity[account] = prev
		} else {
			delete(s.identity, account)
		}
		return registry.Fail(registry.ErrStorageFailure, "set identity key", err)
	}
	return nil
}

// DeleteIdentityKey drops the identity key of account. A missing key is not an error.
func (s *Store) DeleteIdentityKey(ctx context.Context, account models.Account) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	prev, had := s.identity[account]
	if !had {
		return nil
	}
	delete(s.identity, account)
	if err := s.persistLocked(); err != nil {
		s.identity[account] = prev
		return registry.Fail(registry.ErrStorageFailure, "delete identity key", err)
	}
	return nil
}

// SetActiveAccount records account as the active one and as the owner of channels.
func (s *Store) SetActiveAccount(ctx context.Context, account models.Account, channels []models.ChannelID) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := account.Validate(); err != nil {
		return registry.Fail(registry.ErrStorageFailure, "set active account", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	prevActive := s.active
	prevOwners := make(map[models.ChannelID]models.Account, len(channels))
	for _, channel := range channels {
		if owner, ok := s.owners[channel]; ok {
			prevOwners[channel] = owner
		}
		s.owners[channel] = account
	}
	s.active = account
	if err := s.persistLocked(); err != nil {
		s.active = prevActive
		for _, channel := range channels {
			if owner, ok := prevOwners[channel]; ok {
				s.owners[channel] = owner
			} else {
				delete(s.owners, channel)
			}
		}
		return registry.Fail(registry.ErrStorageFailure, "set active account", err)
	}
	return nil
}

// ActiveAccount returns the account recorded by the last SetActiveAccount.
func (s *Store) ActiveAccount() (models.Account, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.active, s.active != ""
}

// ChannelOwners maps every channel with a recorded owner to that account.
func (s *Store) ChannelOwners() map[models.ChannelID]models.Account {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[models.ChannelID]models.Account, len(s.owners))
	for channel, owner := range s.owners {
		out[channel] = owner
	}
	return out
}

func (s *Store) persistLocked() error {
	if s.snapshot == nil {
		return nil
	}
	state := snapshotState{
		Channels:  make(map[string]string, len(s.channels)),
		Agreement: make(map[string]string, len(s.agreement)),
		Identity:  make(map[string]string, len(s.identity)),
		Owners:    make(map[string]string, len(s.owners)),
		Active:    s.active.String(),
	}
	for channel, key := range s.channels {
		state.Channels[channel.String()] = key.Hex()
	}
	for id, priv := range s.agreement {
		state.Agreement[id] = hex.EncodeToString(priv)
	}
	for account, priv := range s.identity {
		state.Identity[account.String()] = hex.EncodeToString(priv)
	}
	for channel, owner := range s.owners {
		state.Owners[channel.String()] = owner.String()
	}
	return s.snapshot.Save(state)
}

func (s *Store) restore(state snapshotState) error {
	for channel, keyHex := range state.Channels {
		key, err := models.ParseInvitePublicKey(keyHex)
		if err != nil {
			return err
		}
		s.channels[models.ChannelID(channel)] = key
	}
	for id, privHex := range state.Agreement {
		priv, err := hex.DecodeString(privHex)
		if err != nil {
			return err
		}
		s.agreement[id] = priv
	}
	for account, privHex := range state.Identity {
		priv, err := hex.DecodeString(privHex)
		if err != nil {
			return err
		}
		if len(priv) != ed25519.PrivateKeySize {
			return ErrInvalidKey
		}
		s.identity[models.Account(account)] = ed25519.PrivateKey(priv)
	}
	for channel, owner := range state.Owners {
		s.owners[models.ChannelID(channel)] = models.Account(owner)
	}
	s.active = models.Account(state.Active)
	return nil
}
