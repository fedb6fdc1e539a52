package registrynode

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"aim-chat/invite-registry/internal/account"
	"aim-chat/invite-registry/internal/config"
	"aim-chat/invite-registry/internal/directory"
	"aim-chat/invite-registry/internal/identity"
	"aim-chat/invite-registry/internal/keystore"
	"aim-chat/invite-registry/internal/platform/metrics"
	"aim-chat/invite-registry/internal/platform/privacylog"
	"aim-chat/invite-registry/internal/registry"
	"aim-chat/invite-registry/internal/waku"
	"aim-chat/invite-registry/pkg/models"
)

const componentName = "registrynode"

// InboundInvite is a message received on a channel the node holds an invite key for.
type InboundInvite struct {
	Channel    models.ChannelID
	InviteKey  models.InvitePublicKey
	Payload    []byte
	ReceivedAt time.Time
}

// Node owns every collaborator of the coordinator and their lifecycle.
type Node struct {
	Coordinator *registry.Coordinator
	Directory   *directory.Service
	Keys        *keystore.Store
	Transport   *waku.Node
	Active      *account.ActiveStore
	Migrator    *account.Resubscriber
	Metrics     *metrics.Registry
	Logger      *slog.Logger

	dirStore *directory.Store

	mu       sync.RWMutex
	onInvite func(InboundInvite)
	dropped  int
}

// NewLogger builds the root logger with identifiers fingerprinted.
func NewLogger(cfg config.LogConfig, w io.Writer) (*slog.Logger, error) {
	level, err := config.Config{Log: cfg}.SlogLevel()
	if err != nil {
		return nil, err
	}
	opts := &slog.HandlerOptions{Level: level}
	var base slog.Handler
	if cfg.Format == "json" {
		base = slog.NewJSONHandler(w, opts)
	} else {
		base = slog.NewTextHandler(w, opts)
	}
	return slog.New(privacylog.WrapHandler(base)), nil
}

func Build(cfg config.Config, logger *slog.Logger) (*Node, error) {
	if logger == nil {
		logger = slog.Default()
	}

	keys, err := openKeyStore(cfg.KeyStore, logger)
	if err != nil {
		return nil, err
	}
	dirStore, err := directory.OpenStore(directory.StoreOptions{Path: cfg.Directory.Path, InMemory: cfg.Directory.InMemory})
	if err != nil {
		return nil, err
	}

	reg := metrics.New()
	dir := directory.NewService(dirStore, directory.Options{
		Audience:     cfg.Audience,
		MaxClockSkew: cfg.Directory.MaxClockSkew,
		RateRPS:      cfg.Directory.RateRPS,
		RateBurst:    cfg.Directory.RateBurst,
		Recorder:     reg,
		Logger:       logger,
	})
	transport := waku.NewNode(cfg.Network)
	active := account.NewActiveStore()
	migrator := account.NewResubscriber(transport, keys, logger)

	coord, err := registry.NewCoordinator(registry.Deps{
		Registrar: identity.NewRegistrar(dir, keys, cfg.Audience, logger),
		KeyStore:  keys,
		Transport: transport,
		Active:    active,
		Migrator:  migrator,
		Tracker:   migrator,
		Observer:  reg,
		Logger:    logger,
	})
	if err != nil {
		_ = dirStore.Close()
		return nil, err
	}

	n := &Node{
		Coordinator: coord,
		Directory:   dir,
		Keys:        keys,
		Transport:   transport,
		Active:      active,
		Migrator:    migrator,
		Metrics:     reg,
		Logger:      logger,
		dirStore:    dirStore,
	}
	transport.SetHandler(n.handleEnvelope)
	return n, nil
}

func openKeyStore(cfg config.KeyStoreConfig, logger *slog.Logger) (*keystore.Store, error) {
	if cfg.Path == "" {
		return keystore.New(logger), nil
	}
	return keystore.Open(cfg.Path, cfg.Secret, logger)
}

func (n *Node) Start(ctx context.Context) error {
	if err := n.Transport.Start(ctx); err != nil {
		return fmt.Errorf("start transport: %w", err)
	}
	// Only the active account listens again; the other accounts' channels are
	// tracked so a later swap still tears down everything.
	var active *models.Account
	if current, ok := n.Keys.ActiveAccount(); ok {
		active = &current
		n.Active.Set(current)
	}
	if err := n.Migrator.Restore(ctx, n.Keys.ChannelOwners(), active); err != nil {
		return fmt.Errorf("restore subscriptions: %w", err)
	}
	n.Logger.Info("registry node started", "component", componentName,
		"channels", len(n.Keys.Channels()),
		"subscribed", len(n.Transport.Subscriptions()),
		"active_account_set", active != nil,
	)
	return nil
}

func (n *Node) Close(ctx context.Context) error {
	return errors.Join(n.Transport.Stop(ctx), n.dirStore.Close())
}

// OnInvite installs the receiver for inbound invites.
func (n *Node) OnInvite(handler func(InboundInvite)) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.onInvite = handler
}

// Dropped counts envelopes that arrived on a channel without a stored key.
func (n *Node) Dropped() int {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.dropped
}

func (n *Node) handleEnvelope(env waku.Envelope) {
	key, ok := n.Keys.PublicKey(env.Channel)
	if !ok {
		n.mu.Lock()
		n.dropped++
		n.mu.Unlock()
		n.Logger.Warn("envelope on channel without invite key", "component", componentName, "channel", env.Channel.String())
		return
	}
	n.mu.RLock()
	handler := n.onInvite
	n.mu.RUnlock()
	n.Logger.Debug("invite received", "component", componentName, "channel", env.Channel.String(), "bytes", len(env.Payload))
	if handler != nil {
		handler(InboundInvite{Channel: env.Channel, InviteKey: key, Payload: env.Payload, ReceivedAt: env.Timestamp})
	}
}
