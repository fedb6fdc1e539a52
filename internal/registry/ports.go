package registry

import (
	"context"
	"time"

	"aim-chat/invite-registry/pkg/models"
)

// SignFunc produces an authorization signature over the exact message text.
type SignFunc func(message string) (models.AuthorizationSignature, error)

type IdentityRegistrar interface {
	RegisterIdentity(ctx context.Context, account models.Account, onSign SignFunc) (models.IdentityPublicKey, error)
	RegisterInvite(ctx context.Context, account models.Account, onSign SignFunc) (models.InvitePublicKey, error)
	ResolveInvite(ctx context.Context, account models.Account) (string, error)
}

type KeyStore interface {
	SetPublicKey(ctx context.Context, key models.InvitePublicKey, channel models.ChannelID) error
}

type Transport interface {
	Subscribe(ctx context.Context, channel models.ChannelID) error
}

type ActiveAccountStore interface {
	Current() (models.Account, bool)
	Set(account models.Account)
}

// SubscriptionMigrator tears down and rebuilds the conversation subscriptions of an account.
// Unsubscribe(nil) means there was no previous account and must succeed without effect.
type SubscriptionMigrator interface {
	Unsubscribe(ctx context.Context, account *models.Account) error
	Resubscribe(ctx context.Context, account models.Account) error
}

// ChannelTracker learns which invite channels belong to which account.
type ChannelTracker interface {
	Track(account models.Account, channel models.ChannelID)
}

type OperationObserver interface {
	ObserveOperation(operation string, elapsed time.Duration, err error)
}
