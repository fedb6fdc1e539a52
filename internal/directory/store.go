package directory

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/dgraph-io/badger/v4"

	"aim-chat/invite-registry/internal/identity"
	"aim-chat/invite-registry/pkg/models"
)

const (
	bindingPrefix  = "bind:"
	identityPrefix = "identity:"
	invitePrefix   = "invite:"
)

var (
	ErrSignerMismatch   = errors.New("claim signer is not bound to account")
	ErrIdentityRequired = errors.New("identity key must be registered before an invite")
)

// StoreOptions selects where the directory keeps its records.
type StoreOptions struct {
	Path     string
	InMemory bool
}

type identityEntry struct {
	Claim    identity.SignedClaim `cbor:"claim"`
	StoredAt int64                `cbor:"storedAt"`
}

type inviteEntry struct {
	Record   models.RegistryRecord `cbor:"record"`
	Claim    identity.SignedClaim  `cbor:"claim"`
	StoredAt int64                 `cbor:"storedAt"`
}

// Store persists signer bindings, identity claims and invite records in badger.
type Store struct {
	db *badger.DB
}

func OpenStore(opts StoreOptions) (*Store, error) {
	var bopts badger.Options
	switch {
	case opts.InMemory:
		bopts = badger.DefaultOptions("").WithInMemory(true)
	case strings.TrimSpace(opts.Path) != "":
		bopts = badger.DefaultOptions(opts.Path)
	default:
		return nil, errors.New("directory store path is required unless in-memory")
	}
	db, err := badger.Open(bopts.WithLogger(nil))
	if err != nil {
		return nil, fmt.Errorf("open directory store: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// putIdentity binds the signer on first use and records the identity claim.
func (s *Store) putIdentity(claim identity.SignedClaim, now time.Time) error {
	account := claim.Claim.Account
	data, err := marshal(identityEntry{Claim: claim, StoredAt: now.Unix()})
	if err != nil {
		return fmt.Errorf("marshal identity entry: %w", err)
	}
	return s.db.Update(func(txn *badger.Txn) error {
		if err := bindSigner(txn, account, claim.Signature.Signer); err != nil {
			return err
		}
		return txn.Set(key(identityPrefix, account), data)
	})
}

// putInvite replaces the account's invite record. The signer must already be
// bound and an identity claim must exist.
func (s *Store) putInvite(claim identity.SignedClaim, now time.Time) error {
	account := claim.Claim.Account
	entry := inviteEntry{
		Record: models.RegistryRecord{
			Account: account,
			PubKey:  models.InvitePublicKey(claim.Claim.PublicKey).Hex(),
		},
		Claim:    claim,
		StoredAt: now.Unix(),
	}
	data, err := marshal(entry)
	if err != nil {
		return fmt.Errorf("marshal invite entry: %w", err)
	}
	return s.db.Update(func(txn *badger.Txn) error {
		bound, err := boundSigner(txn, account)
		if errors.Is(err, badger.ErrKeyNotFound) {
			return ErrIdentityRequired
		}
		if err != nil {
			return err
		}
		if string(bound) != string(claim.Signature.Signer) {
			return ErrSignerMismatch
		}
		if _, err := txn.Get(key(identityPrefix, account)); err != nil {
			if errors.Is(err, badger.ErrKeyNotFound) {
				return ErrIdentityRequired
			}
			return err
		}
		return txn.Set(key(invitePrefix, account), data)
	})
}

// invite returns badger.ErrKeyNotFound when nothing is published for account.
func (s *Store) invite(account models.Account) (models.RegistryRecord, error) {
	var entry inviteEntry
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(key(invitePrefix, account))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return unmarshal(val, &entry)
		})
	})
	if err != nil {
		return models.RegistryRecord{}, err
	}
	return entry.Record, nil
}

func (s *Store) identityKey(account models.Account) (models.IdentityPublicKey, error) {
	var entry identityEntry
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(key(identityPrefix, account))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return unmarshal(val, &entry)
		})
	})
	if err != nil {
		return nil, err
	}
	return models.IdentityPublicKey(entry.Claim.Claim.PublicKey), nil
}

func bindSigner(txn *badger.Txn, account models.Account, signer []byte) error {
	bound, err := boundSigner(txn, account)
	switch {
	case errors.Is(err, badger.ErrKeyNotFound):
		return txn.Set(key(bindingPrefix, account), append([]byte(nil), signer...))
	case err != nil:
		return err
	case string(bound) != string(signer):
		return ErrSignerMismatch
	}
	return nil
}

func boundSigner(txn *badger.Txn, account models.Account) ([]byte, error) {
	item, err := txn.Get(key(bindingPrefix, account))
	if err != nil {
		return nil, err
	}
	return item.ValueCopy(nil)
}

func key(prefix string, account models.Account) []byte {
	return []byte(prefix + account.String())
}
