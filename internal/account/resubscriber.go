package account

import (
	"context"
	"log/slog"
	"sort"
	"sync"

	"aim-chat/invite-registry/internal/registry"
	"aim-chat/invite-registry/pkg/models"
)

// ChannelTransport is the subset of the transport the resubscriber drives.
type ChannelTransport interface {
	Subscribe(ctx context.Context, channel models.ChannelID) error
	Unsubscribe(ctx context.Context, channel models.ChannelID) error
}

// Ledger persists the active account together with the channels it owns.
type Ledger interface {
	SetActiveAccount(ctx context.Context, account models.Account, channels []models.ChannelID) error
}

// Resubscriber remembers which channels belong to which account and moves the
// node's subscriptions when the active account changes.
type Resubscriber struct {
	transport ChannelTransport
	ledger    Ledger
	logger    *slog.Logger

	mu       sync.Mutex
	channels map[models.Account]map[models.ChannelID]struct{}
}

// NewResubscriber returns a resubscriber over transport. ledger may be nil, in
// which case ownership only lives in memory.
func NewResubscriber(transport ChannelTransport, ledger Ledger, logger *slog.Logger) *Resubscriber {
	if logger == nil {
		logger = slog.Default()
	}
	return &Resubscriber{
		transport: transport,
		ledger:    ledger,
		logger:    logger,
		channels:  make(map[models.Account]map[models.ChannelID]struct{}),
	}
}

// Track records channel as owned by account.
func (r *Resubscriber) Track(account models.Account, channel models.ChannelID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	set, ok := r.channels[account]
	if !ok {
		set = make(map[models.ChannelID]struct{})
		r.channels[account] = set
	}
	set[channel] = struct{}{}
}

func (r *Resubscriber) Forget(account models.Account) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.channels, account)
}

// Channels lists account's tracked channels in sorted order.
func (r *Resubscriber) Channels(account models.Account) []models.ChannelID {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]models.ChannelID, 0, len(r.channels[account]))
	for channel := range r.channels[account] {
		out = append(out, channel)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Unsubscribe drops the subscriptions of the outgoing account. A nil account
// means there was none.
func (r *Resubscriber) Unsubscribe(ctx context.Context, previous *models.Account) error {
	if previous == nil {
		return nil
	}
	for _, channel := range r.Channels(*previous) {
		if err := r.transport.Unsubscribe(ctx, channel); err != nil {
			return registry.Fail(registry.ErrTransportFailure, "unsubscribe previous account", err)
		}
	}
	r.logger.Debug("previous account unsubscribed", "component", "account", "previous_account", previous.String())
	return nil
}

// Resubscribe makes sure every channel of the incoming account is subscribed
// and records the account as active in the ledger.
func (r *Resubscriber) Resubscribe(ctx context.Context, account models.Account) error {
	channels := r.Channels(account)
	if err := r.subscribeAll(ctx, channels); err != nil {
		return registry.Fail(registry.ErrTransportFailure, "resubscribe account", err)
	}
	if r.ledger != nil {
		if err := r.ledger.SetActiveAccount(ctx, account, channels); err != nil {
			return registry.Fail(registry.ErrStorageFailure, "record active account", err)
		}
	}
	return nil
}

// Restore re-tracks persisted channel owners and subscribes only the channels of
// active. Channels of other accounts stay tracked but silent, so the next swap
// away from active tears down everything it listens on.
func (r *Resubscriber) Restore(ctx context.Context, owners map[models.ChannelID]models.Account, active *models.Account) error {
	for channel, owner := range owners {
		r.Track(owner, channel)
	}
	if active == nil {
		return nil
	}
	if err := r.subscribeAll(ctx, r.Channels(*active)); err != nil {
		return registry.Fail(registry.ErrTransportFailure, "restore active account", err)
	}
	r.logger.Debug("active account restored", "component", "account", "account", active.String(), "tracked_channels", len(owners))
	return nil
}

func (r *Resubscriber) subscribeAll(ctx context.Context, channels []models.ChannelID) error {
	for _, channel := range channels {
		if err := r.transport.Subscribe(ctx, channel); err != nil {
			return err
		}
	}
	return nil
}
