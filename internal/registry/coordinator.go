package registry

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"aim-chat/invite-registry/pkg/models"

	"github.com/google/uuid"
)

const componentName = "registry"

const (
	opRegister = "register"
	opGoPublic = "go_public"
	opResolve  = "resolve"
)

var ErrInvalidRequest = errors.New("invalid registration request")

type Deps struct {
	Registrar IdentityRegistrar
	KeyStore  KeyStore
	Transport Transport
	Active    ActiveAccountStore
	Migrator  SubscriptionMigrator
	Tracker   ChannelTracker
	Observer  OperationObserver
	Logger    *slog.Logger
}

// Coordinator drives account registration and invite publication.
// Register and GoPublic run one at a time; Resolve never waits on them.
type Coordinator struct {
	// writeSlot is a one-token semaphore so waiting callers can give up on ctx.
	writeSlot chan struct{}
	registrar IdentityRegistrar
	keys      KeyStore
	transport Transport
	active    ActiveAccountStore
	migrator  SubscriptionMigrator
	tracker   ChannelTracker
	observer  OperationObserver
	logger    *slog.Logger
	newID     func() string
}

func NewCoordinator(deps Deps) (*Coordinator, error) {
	if deps.Registrar == nil || deps.KeyStore == nil || deps.Transport == nil || deps.Active == nil || deps.Migrator == nil {
		return nil, errors.New("registry coordinator requires registrar, keystore, transport, active account store and migrator")
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Coordinator{
		writeSlot: make(chan struct{}, 1),
		registrar: deps.Registrar,
		keys:      deps.KeyStore,
		transport: deps.Transport,
		active:    deps.Active,
		migrator:  deps.Migrator,
		tracker:   deps.Tracker,
		observer:  deps.Observer,
		logger:    logger,
		newID:     func() string { return uuid.NewString() },
	}, nil
}

// Register binds an identity key to account and, unless isPrivate, publishes an
// invite key for it. The returned key is always the identity key.
func (c *Coordinator) Register(ctx context.Context, account models.Account, isPrivate bool, onSign SignFunc) (key models.IdentityPublicKey, err error) {
	correlationID := c.newID()
	defer c.observe(opRegister, correlationID, time.Now(), &err)

	if err := validateRequest(account, onSign); err != nil {
		return nil, err
	}
	if err := c.acquire(ctx); err != nil {
		return nil, err
	}
	defer c.release()

	key, err = c.registrar.RegisterIdentity(ctx, account, onSign)
	if err != nil {
		return nil, err
	}
	if isPrivate {
		c.logDebug(opRegister, correlationID, "registered private identity", "account", account.String())
		return key, nil
	}
	if err := c.goPublicLocked(ctx, account, onSign, correlationID); err != nil {
		return nil, err
	}
	return key, nil
}

// GoPublic publishes an invite key for account and makes it the active account.
// The steps are not transactional: a failure leaves earlier steps applied and the
// caller is expected to invoke GoPublic again.
func (c *Coordinator) GoPublic(ctx context.Context, account models.Account, onSign SignFunc) (err error) {
	correlationID := c.newID()
	defer c.observe(opGoPublic, correlationID, time.Now(), &err)

	if err := validateRequest(account, onSign); err != nil {
		return err
	}
	if err := c.acquire(ctx); err != nil {
		return err
	}
	defer c.release()
	return c.goPublicLocked(ctx, account, onSign, correlationID)
}

func (c *Coordinator) goPublicLocked(ctx context.Context, account models.Account, onSign SignFunc, correlationID string) error {
	inviteKey, err := c.registrar.RegisterInvite(ctx, account, onSign)
	if err != nil {
		return err
	}

	channel := DeriveChannelID(inviteKey)
	// The key must be stored before subscribing so nothing arrives on the
	// channel without a way to open it.
	if err := c.keys.SetPublicKey(ctx, inviteKey, channel); err != nil {
		return err
	}
	if err := c.transport.Subscribe(ctx, channel); err != nil {
		return err
	}
	if c.tracker != nil {
		c.tracker.Track(account, channel)
	}

	var previous *models.Account
	if current, ok := c.active.Current(); ok {
		previous = &current
	}
	if err := c.migrator.Unsubscribe(ctx, previous); err != nil {
		return err
	}
	c.active.Set(account)
	if err := c.migrator.Resubscribe(ctx, account); err != nil {
		return err
	}

	c.logDebug(opGoPublic, correlationID, "registered account and subscribed to invite channel",
		"account", account.String(),
		"channel", channel.String(),
		"previous_account_set", previous != nil,
	)
	return nil
}

// Resolve returns the published invite key of account as a hex string.
func (c *Coordinator) Resolve(ctx context.Context, account models.Account) (pubKey string, err error) {
	correlationID := c.newID()
	defer c.observe(opResolve, correlationID, time.Now(), &err)

	if err := account.Validate(); err != nil {
		return "", Fail(ErrInvalidRequest, opResolve, err)
	}
	return c.registrar.ResolveInvite(ctx, account)
}

// Active reports the account invites are currently received for.
func (c *Coordinator) Active() (models.Account, bool) {
	return c.active.Current()
}

func (c *Coordinator) acquire(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	select {
	case c.writeSlot <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Coordinator) release() {
	<-c.writeSlot
}

func validateRequest(account models.Account, onSign SignFunc) error {
	if err := account.Validate(); err != nil {
		return Fail(ErrInvalidRequest, "validate", err)
	}
	if onSign == nil {
		return Fail(ErrSigningFailure, "validate", errors.New("sign callback is required"))
	}
	return nil
}

func (c *Coordinator) observe(operation, correlationID string, started time.Time, errp *error) {
	var err error
	if errp != nil {
		err = *errp
	}
	if c.observer != nil {
		c.observer.ObserveOperation(operation, time.Since(started), err)
	}
	if err == nil {
		return
	}
	level := slog.LevelError
	if KindOf(err) == KindNotFound || KindOf(err) == KindCanceled {
		level = slog.LevelWarn
	}
	c.logger.Log(context.Background(), level, "registry operation failed",
		"component", componentName,
		"operation", operation,
		"correlation_id", strings.TrimSpace(correlationID),
		"category", KindOf(err),
		"error", err.Error(),
	)
}

func (c *Coordinator) logDebug(operation, correlationID, message string, attrs ...any) {
	base := []any{
		"component", componentName,
		"operation", operation,
		"correlation_id", strings.TrimSpace(correlationID),
	}
	c.logger.Debug(message, append(base, attrs...)...)
}
