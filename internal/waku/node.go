package waku

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"aim-chat/invite-registry/internal/registry"
	"aim-chat/invite-registry/pkg/models"
)

const (
	TransportMock   = "mock"
	TransportGoWaku = "go-waku"

	StateDisconnected = "disconnected"
	StateConnecting   = "connecting"
	StateConnected    = "connected"
	StateDegraded     = "degraded"

	DefaultPubsubTopic = "/waku/2/default-waku/proto"
	contentTopicPrefix = "/aim-invite/1/"
	contentTopicSuffix = "/proto"
)

var (
	ErrNotConnected   = errors.New("waku not connected")
	ErrChannelMissing = errors.New("channel is required")
)

var runtimeStatusPollInterval = 1 * time.Second

type Config struct {
	Transport           string        `yaml:"transport"`
	Port                int           `yaml:"port"`
	PubsubTopic         string        `yaml:"pubsubTopic"`
	EnableRelay         bool          `yaml:"enableRelay"`
	EnableStore         bool          `yaml:"enableStore"`
	EnableFilter        bool          `yaml:"enableFilter"`
	EnableLightPush     bool          `yaml:"enableLightPush"`
	BootstrapNodes      []string      `yaml:"bootstrapNodes"`
	MinPeers            int           `yaml:"minPeers"`
	ReconnectInterval   time.Duration `yaml:"reconnectInterval"`
	ReconnectBackoffMax time.Duration `yaml:"reconnectBackoffMax"`
}

type Status struct {
	State         string
	PeerCount     int
	LastSync      time.Time
	Subscriptions int
}

// Envelope is one message received on or published to a channel.
type Envelope struct {
	Channel   models.ChannelID
	Payload   []byte
	Timestamp time.Time
}

// Node subscribes to invite channels on the pub/sub network.
type Node struct {
	mu            sync.RWMutex
	cfg           Config
	status        Status
	busID         uint64
	handler       func(Envelope)
	subscriptions map[models.ChannelID]struct{}
	pending       map[models.ChannelID]chan struct{}
	gw            goWakuBackend

	monitorCancel    context.CancelFunc
	monitorWG        sync.WaitGroup
	stateTransitions int
	subscribeCalls   int
	unsubscribeCalls int
}

type goWakuBackend interface {
	Start(ctx context.Context, cfg Config) error
	Stop()
	PeerCount() int
	NetworkMetrics() map[string]int
	ListenAddresses() []string
	Subscribe(ctx context.Context, contentTopic string, deliver func(payload []byte, ts time.Time)) error
	Unsubscribe(ctx context.Context, contentTopic string) error
	Publish(ctx context.Context, contentTopic string, payload []byte) error
}

func DefaultConfig() Config {
	return Config{
		Transport:           TransportMock,
		Port:                60000,
		PubsubTopic:         DefaultPubsubTopic,
		EnableRelay:         true,
		EnableStore:         true,
		EnableFilter:        true,
		EnableLightPush:     true,
		MinPeers:            2,
		ReconnectInterval:   1 * time.Second,
		ReconnectBackoffMax: 30 * time.Second,
	}
}

func NewNode(cfg Config) *Node {
	cfg = NormalizeConfig(cfg)
	return &Node{
		cfg:           cfg,
		busID:         globalBus.register(),
		subscriptions: make(map[models.ChannelID]struct{}),
		pending:       make(map[models.ChannelID]chan struct{}),
		status:        Status{State: StateDisconnected},
	}
}

// NormalizeConfig fills defaults and clamps out-of-range values.
func NormalizeConfig(cfg Config) Config {
	def := DefaultConfig()
	cfg.Transport = strings.TrimSpace(cfg.Transport)
	if cfg.Transport == "" {
		cfg.Transport = def.Transport
	}
	if strings.TrimSpace(cfg.PubsubTopic) == "" {
		cfg.PubsubTopic = def.PubsubTopic
	}
	if cfg.ReconnectInterval <= 0 {
		cfg.ReconnectInterval = def.ReconnectInterval
	}
	if cfg.ReconnectBackoffMax <= 0 {
		cfg.ReconnectBackoffMax = def.ReconnectBackoffMax
	}
	if cfg.ReconnectBackoffMax < cfg.ReconnectInterval {
		cfg.ReconnectBackoffMax = cfg.ReconnectInterval
	}
	if cfg.MinPeers < 0 {
		cfg.MinPeers = 0
	}
	return cfg
}

// ContentTopic is the waku content topic carrying a channel's traffic.
func ContentTopic(channel models.ChannelID) string {
	return contentTopicPrefix + channel.String() + contentTopicSuffix
}

func (n *Node) Start(ctx context.Context) error {
	n.mu.Lock()
	n.transitionStateLocked(StateConnecting)
	n.status.LastSync = time.Now()
	n.mu.Unlock()

	if n.cfg.Transport == TransportGoWaku {
		backend := newGoWakuBackend()
		if backend == nil {
			n.setDisconnected()
			return errors.New("go-waku backend is not available in this build")
		}
		if err := backend.Start(ctx, n.cfg); err != nil {
			n.setDisconnected()
			return err
		}
		peerCount, err := waitForStartupPeerCount(ctx, backend, n.cfg)
		if err != nil {
			backend.Stop()
			n.setDisconnected()
			return err
		}
		n.mu.Lock()
		n.gw = backend
		n.transitionStateLocked(startupStateFromPeerCount(peerCount, n.cfg))
		n.status.PeerCount = peerCount
		n.status.LastSync = time.Now()
		n.mu.Unlock()
		n.startRuntimeMonitor()
		return nil
	}

	select {
	case <-ctx.Done():
		n.setDisconnected()
		return ctx.Err()
	case <-time.After(10 * time.Millisecond):
	}

	n.mu.Lock()
	n.transitionStateLocked(StateConnected)
	n.status.PeerCount = estimatedPeers(n.cfg)
	n.status.LastSync = time.Now()
	n.mu.Unlock()
	return nil
}

func (n *Node) Stop(_ context.Context) error {
	n.stopRuntimeMonitor()

	n.mu.Lock()
	defer n.mu.Unlock()

	if n.gw != nil {
		n.gw.Stop()
		n.gw = nil
	} else {
		for channel := range n.subscriptions {
			globalBus.unsubscribe(channel, n.busID)
		}
	}
	n.subscriptions = make(map[models.ChannelID]struct{})
	n.transitionStateLocked(StateDisconnected)
	n.status.PeerCount = 0
	n.status.LastSync = time.Now()
	return nil
}

func (n *Node) Status() Status {
	n.mu.RLock()
	defer n.mu.RUnlock()
	s := n.status
	if n.gw != nil {
		s.PeerCount = n.gw.PeerCount()
	}
	s.Subscriptions = len(n.subscriptions)
	return s
}

// SetHandler installs the receiver for messages on every subscribed channel.
func (n *Node) SetHandler(handler func(Envelope)) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.handler = handler
}

// Subscribe starts receiving traffic on channel. Subscribing twice is a no-op.
func (n *Node) Subscribe(ctx context.Context, channel models.ChannelID) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if channel == "" {
		return registry.Fail(registry.ErrTransportFailure, "subscribe", ErrChannelMissing)
	}
	n.mu.Lock()
	n.subscribeCalls++
	state := n.status.State
	gw := n.gw
	n.mu.Unlock()

	if state != StateConnected && state != StateDegraded {
		return registry.Fail(registry.ErrTransportFailure, "subscribe", ErrNotConnected)
	}

	release, err := n.reserve(ctx, channel)
	if err != nil {
		return err
	}
	defer release()
	if n.IsSubscribed(channel) {
		return nil
	}

	if gw != nil {
		err := gw.Subscribe(ctx, ContentTopic(channel), func(payload []byte, ts time.Time) {
			n.deliver(Envelope{Channel: channel, Payload: payload, Timestamp: ts})
		})
		if err != nil {
			return registry.Fail(registry.ErrTransportFailure, "subscribe", err)
		}
	}

	n.mu.Lock()
	n.subscriptions[channel] = struct{}{}
	n.mu.Unlock()

	if gw == nil {
		globalBus.subscribe(channel, n.busID, n.deliver)
	}
	return nil
}

// Unsubscribe stops receiving traffic on channel. Unknown channels are ignored.
func (n *Node) Unsubscribe(ctx context.Context, channel models.ChannelID) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	n.mu.Lock()
	n.unsubscribeCalls++
	gw := n.gw
	n.mu.Unlock()

	release, err := n.reserve(ctx, channel)
	if err != nil {
		return err
	}
	defer release()
	if !n.IsSubscribed(channel) {
		return nil
	}

	if gw != nil {
		if err := gw.Unsubscribe(ctx, ContentTopic(channel)); err != nil {
			return registry.Fail(registry.ErrTransportFailure, "unsubscribe", err)
		}
	} else {
		globalBus.unsubscribe(channel, n.busID)
	}

	n.mu.Lock()
	delete(n.subscriptions, channel)
	n.mu.Unlock()
	return nil
}

// reserve claims channel for one subscription change at a time. A second caller
// for the same channel waits until the first releases it or ctx ends.
func (n *Node) reserve(ctx context.Context, channel models.ChannelID) (func(), error) {
	n.mu.Lock()
	for {
		wait, busy := n.pending[channel]
		if !busy {
			break
		}
		n.mu.Unlock()
		select {
		case <-wait:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		n.mu.Lock()
	}
	if n.pending == nil {
		n.pending = make(map[models.ChannelID]chan struct{})
	}
	done := make(chan struct{})
	n.pending[channel] = done
	n.mu.Unlock()

	return func() {
		n.mu.Lock()
		delete(n.pending, channel)
		n.mu.Unlock()
		close(done)
	}, nil
}

func (n *Node) Publish(ctx context.Context, channel models.ChannelID, payload []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if channel == "" {
		return registry.Fail(registry.ErrTransportFailure, "publish", ErrChannelMissing)
	}
	n.mu.RLock()
	state := n.status.State
	gw := n.gw
	n.mu.RUnlock()
	if state != StateConnected && state != StateDegraded {
		return registry.Fail(registry.ErrTransportFailure, "publish", ErrNotConnected)
	}
	if gw != nil {
		if err := gw.Publish(ctx, ContentTopic(channel), payload); err != nil {
			return registry.Fail(registry.ErrTransportFailure, "publish", err)
		}
		return nil
	}
	globalBus.publish(Envelope{Channel: channel, Payload: append([]byte(nil), payload...), Timestamp: time.Now()})
	return nil
}

func (n *Node) IsSubscribed(channel models.ChannelID) bool {
	n.mu.RLock()
	defer n.mu.RUnlock()
	_, ok := n.subscriptions[channel]
	return ok
}

func (n *Node) Subscriptions() []models.ChannelID {
	n.mu.RLock()
	defer n.mu.RUnlock()
	out := make([]models.ChannelID, 0, len(n.subscriptions))
	for channel := range n.subscriptions {
		out = append(out, channel)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func (n *Node) ListenAddresses() []string {
	n.mu.RLock()
	defer n.mu.RUnlock()
	if n.gw == nil {
		return nil
	}
	return append([]string(nil), n.gw.ListenAddresses()...)
}

func (n *Node) deliver(env Envelope) {
	n.mu.RLock()
	handler := n.handler
	_, subscribed := n.subscriptions[env.Channel]
	n.mu.RUnlock()
	if handler == nil || !subscribed {
		return
	}
	handler(env)
}

func (n *Node) setDisconnected() {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.transitionStateLocked(StateDisconnected)
	n.status.PeerCount = 0
	n.status.LastSync = time.Now()
}

func (n *Node) startRuntimeMonitor() {
	n.mu.Lock()
	if n.monitorCancel != nil {
		n.monitorCancel()
		n.monitorCancel = nil
	}
	monitorCtx, cancel := context.WithCancel(context.Background())
	n.monitorCancel = cancel
	n.monitorWG.Add(1)
	n.mu.Unlock()

	go func() {
		defer n.monitorWG.Done()
		ticker := time.NewTicker(runtimeStatusPollInterval)
		defer ticker.Stop()

		n.refreshRuntimeStatus()
		for {
			select {
			case <-monitorCtx.Done():
				return
			case <-ticker.C:
				n.refreshRuntimeStatus()
			}
		}
	}()
}

func (n *Node) stopRuntimeMonitor() {
	n.mu.Lock()
	cancel := n.monitorCancel
	n.monitorCancel = nil
	n.mu.Unlock()
	if cancel != nil {
		cancel()
		n.monitorWG.Wait()
	}
}

func (n *Node) refreshRuntimeStatus() {
	n.mu.RLock()
	gw := n.gw
	n.mu.RUnlock()
	if gw == nil {
		return
	}
	peerCount := gw.PeerCount()
	nextState := StateConnected
	if peerCount <= 0 {
		nextState = StateDegraded
	}

	n.mu.Lock()
	defer n.mu.Unlock()
	if n.status.State == StateDisconnected {
		return
	}
	if n.status.State != nextState || n.status.PeerCount != peerCount {
		n.transitionStateLocked(nextState)
		n.status.PeerCount = peerCount
		n.status.LastSync = time.Now()
	}
}

func (n *Node) NetworkMetrics() map[string]int {
	n.mu.RLock()
	out := map[string]int{
		"network_state_transitions": n.stateTransitions,
		"subscribe_calls":           n.subscribeCalls,
		"unsubscribe_calls":         n.unsubscribeCalls,
		"subscriptions":             len(n.subscriptions),
	}
	gw := n.gw
	n.mu.RUnlock()
	if gw != nil {
		for k, v := range gw.NetworkMetrics() {
			out[k] = v
		}
	}
	return out
}

func (n *Node) transitionStateLocked(next string) {
	if next == "" {
		return
	}
	if n.status.State != next {
		n.stateTransitions++
		n.status.State = next
	}
}

func estimatedPeers(cfg Config) int {
	if len(cfg.BootstrapNodes) == 0 {
		return 1
	}
	if len(cfg.BootstrapNodes) > 12 {
		return 12
	}
	return len(cfg.BootstrapNodes)
}

func waitForStartupPeerCount(ctx context.Context, backend goWakuBackend, cfg Config) (int, error) {
	target := startupPeerTarget(cfg)
	peerCount := backend.PeerCount()
	if peerCount >= target {
		return peerCount, nil
	}

	timer := time.NewTimer(startupHandshakeTimeout(cfg))
	defer timer.Stop()
	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return backend.PeerCount(), ctx.Err()
		case <-timer.C:
			return backend.PeerCount(), nil
		case <-ticker.C:
			peerCount = backend.PeerCount()
			if peerCount >= target {
				return peerCount, nil
			}
		}
	}
}

func startupStateFromPeerCount(peerCount int, cfg Config) string {
	if peerCount >= startupPeerTarget(cfg) {
		return StateConnected
	}
	return StateDegraded
}

func startupPeerTarget(cfg Config) int {
	target := cfg.MinPeers
	if len(cfg.BootstrapNodes) > 0 && target > len(cfg.BootstrapNodes) {
		target = len(cfg.BootstrapNodes)
	}
	if target < 1 {
		target = 1
	}
	return target
}

func startupHandshakeTimeout(cfg Config) time.Duration {
	timeout := cfg.ReconnectInterval * 5
	if timeout < 2*time.Second {
		timeout = 2 * time.Second
	}
	if cfg.ReconnectBackoffMax > 0 && timeout > cfg.ReconnectBackoffMax {
		timeout = cfg.ReconnectBackoffMax
	}
	return timeout
}
