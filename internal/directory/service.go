package directory

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/dgraph-io/badger/v4"

	"aim-chat/invite-registry/internal/identity"
	"aim-chat/invite-registry/internal/platform/ratelimiter"
	"aim-chat/invite-registry/internal/registry"
	"aim-chat/invite-registry/pkg/models"
)

const (
	OutcomeAccepted = "accepted"
	OutcomeRejected = "rejected"
	OutcomeLimited  = "rate_limited"
)

var (
	ErrRateLimited      = errors.New("too many submissions for account")
	ErrAudienceMismatch = errors.New("claim audience does not match directory")
	ErrWrongClaimKind   = errors.New("unexpected claim kind")
)

// SubmissionRecorder counts submissions by claim kind and outcome.
type SubmissionRecorder interface {
	RecordSubmission(kind, outcome string)
}

type Options struct {
	Audience     string
	MaxClockSkew time.Duration
	RateRPS      float64
	RateBurst    int
	Recorder     SubmissionRecorder
	Logger       *slog.Logger
}

// Service is the registry authority: it verifies signed claims and answers
// invite lookups from its store.
type Service struct {
	store    *Store
	audience string
	maxSkew  time.Duration
	limiter  *ratelimiter.KeyedLimiter[models.Account]
	recorder SubmissionRecorder
	logger   *slog.Logger
	now      func() time.Time
}

func NewService(store *Store, opts Options) *Service {
	audience := strings.TrimSpace(opts.Audience)
	if audience == "" {
		audience = identity.DefaultAudience
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store:    store,
		audience: audience,
		maxSkew:  opts.MaxClockSkew,
		limiter:  ratelimiter.New[models.Account](opts.RateRPS, opts.RateBurst, 0),
		recorder: opts.Recorder,
		logger:   logger,
		now:      time.Now,
	}
}

func (s *Service) SubmitIdentity(ctx context.Context, claim identity.SignedClaim) error {
	return s.submit(ctx, identity.ClaimIdentity, claim, s.store.putIdentity)
}

func (s *Service) SubmitInvite(ctx context.Context, claim identity.SignedClaim) error {
	return s.submit(ctx, identity.ClaimInvite, claim, s.store.putInvite)
}

func (s *Service) submit(ctx context.Context, kind identity.ClaimKind, claim identity.SignedClaim, put func(identity.SignedClaim, time.Time) error) error {
	op := "submit " + string(kind)
	if err := ctx.Err(); err != nil {
		return err
	}
	now := s.now()
	if !s.limiter.Allow(claim.Claim.Account, now) {
		s.record(kind, OutcomeLimited)
		return registry.Fail(registry.ErrSubmissionFailure, op, ErrRateLimited)
	}
	if err := s.check(kind, claim, now); err != nil {
		s.record(kind, OutcomeRejected)
		s.logger.Warn("claim rejected", "component", "directory", "operation", op, "account", claim.Claim.Account.String(), "error", err.Error())
		return registry.Fail(registry.ErrSubmissionFailure, op, err)
	}
	if err := put(claim, now); err != nil {
		s.record(kind, OutcomeRejected)
		if errors.Is(err, ErrSignerMismatch) || errors.Is(err, ErrIdentityRequired) {
			return registry.Fail(registry.ErrSubmissionFailure, op, err)
		}
		return registry.Fail(registry.ErrSubmissionFailure, op, fmt.Errorf("store claim: %w", err))
	}
	s.record(kind, OutcomeAccepted)
	s.logger.Debug("claim accepted", "component", "directory", "operation", op, "account", claim.Claim.Account.String())
	return nil
}

func (s *Service) check(kind identity.ClaimKind, claim identity.SignedClaim, now time.Time) error {
	if claim.Claim.Kind != kind {
		return fmt.Errorf("%w: %q", ErrWrongClaimKind, claim.Claim.Kind)
	}
	if claim.Claim.Audience != s.audience {
		return ErrAudienceMismatch
	}
	return identity.VerifySignedClaim(claim, now, s.maxSkew)
}

func (s *Service) LookupInvite(ctx context.Context, account models.Account) (models.RegistryRecord, error) {
	if err := ctx.Err(); err != nil {
		return models.RegistryRecord{}, err
	}
	record, err := s.store.invite(account)
	if errors.Is(err, badger.ErrKeyNotFound) {
		return models.RegistryRecord{}, registry.Fail(registry.ErrNotFound, "lookup invite", fmt.Errorf("no invite for %s", account))
	}
	if err != nil {
		return models.RegistryRecord{}, registry.Fail(registry.ErrLookupFailure, "lookup invite", err)
	}
	return record, nil
}

// LookupIdentity returns the identity key registered for account.
func (s *Service) LookupIdentity(ctx context.Context, account models.Account) (models.IdentityPublicKey, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	key, err := s.store.identityKey(account)
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, registry.Fail(registry.ErrNotFound, "lookup identity", fmt.Errorf("no identity for %s", account))
	}
	if err != nil {
		return nil, registry.Fail(registry.ErrLookupFailure, "lookup identity", err)
	}
	return key, nil
}

func (s *Service) record(kind identity.ClaimKind, outcome string) {
	if s.recorder != nil {
		s.recorder.RecordSubmission(string(kind), outcome)
	}
}
