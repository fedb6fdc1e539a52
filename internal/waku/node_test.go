package waku

import (
	"context"
	"errors"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"aim-chat/invite-registry/internal/registry"
	"aim-chat/invite-registry/pkg/models"
)

func TestNodeLifecycle(t *testing.T) {
	n := NewNode(DefaultConfig())
	initial := n.Status()
	if initial.State != StateDisconnected {
		t.Fatalf("expected disconnected initially, got %s", initial.State)
	}

	if err := n.Start(context.Background()); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	started := n.Status()
	if started.State != StateConnected {
		t.Fatalf("expected connected after start, got %s", started.State)
	}
	if started.PeerCount <= 0 {
		t.Fatalf("expected peer count > 0, got %d", started.PeerCount)
	}

	if err := n.Stop(context.Background()); err != nil {
		t.Fatalf("stop failed: %v", err)
	}
	stopped := n.Status()
	if stopped.State != StateDisconnected {
		t.Fatalf("expected disconnected after stop, got %s", stopped.State)
	}
}

func TestNodeLifecycleGoWaku(t *testing.T) {
	if os.Getenv("AIM_RUN_REAL_WAKU_TESTS") != "true" {
		t.Skip("set AIM_RUN_REAL_WAKU_TESTS=true to run go-waku lifecycle test")
	}
	if newGoWakuBackend() == nil {
		t.Skip("go-waku backend is not enabled in this build")
	}

	cfg := DefaultConfig()
	cfg.Transport = TransportGoWaku
	cfg.Port = 0
	cfg.BootstrapNodes = nil

	n := NewNode(cfg)
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := n.Start(ctx); err != nil {
		t.Fatalf("go-waku start failed: %v", err)
	}
	started := n.Status()
	if started.State != StateConnected && started.State != StateDegraded {
		t.Fatalf("expected connected/degraded after go-waku start, got %s", started.State)
	}
	if err := n.Stop(context.Background()); err != nil {
		t.Fatalf("go-waku stop failed: %v", err)
	}
}

func TestSubscribeRequiresStartedNode(t *testing.T) {
	n := NewNode(DefaultConfig())
	err := n.Subscribe(context.Background(), "c1")
	if !errors.Is(err, registry.ErrTransportFailure) || !errors.Is(err, ErrNotConnected) {
		t.Fatalf("expected transport failure wrapping not connected, got %v", err)
	}
	if n.IsSubscribed("c1") {
		t.Fatal("failed subscribe must not be recorded")
	}
}

func TestSubscribeRejectsEmptyChannel(t *testing.T) {
	n := startMockNode(t)
	if err := n.Subscribe(context.Background(), ""); !errors.Is(err, ErrChannelMissing) {
		t.Fatalf("expected channel missing, got %v", err)
	}
}

func TestPublishedEnvelopeReachesSubscriber(t *testing.T) {
	sender := startMockNode(t)
	receiver := startMockNode(t)
	channel := uniqueChannel(t)

	got := make(chan Envelope, 1)
	receiver.SetHandler(func(env Envelope) { got <- env })
	if err := receiver.Subscribe(context.Background(), channel); err != nil {
		t.Fatalf("subscribe failed: %v", err)
	}
	if err := sender.Publish(context.Background(), channel, []byte("invite")); err != nil {
		t.Fatalf("publish failed: %v", err)
	}

	select {
	case env := <-got:
		if env.Channel != channel || string(env.Payload) != "invite" {
			t.Fatalf("unexpected envelope: %+v", env)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for envelope")
	}
}

func TestSubscribeDrainsMessagesPublishedBeforehand(t *testing.T) {
	sender := startMockNode(t)
	receiver := startMockNode(t)
	channel := uniqueChannel(t)

	if err := sender.Publish(context.Background(), channel, []byte("early")); err != nil {
		t.Fatalf("publish failed: %v", err)
	}

	var (
		mu       sync.Mutex
		received []string
	)
	receiver.SetHandler(func(env Envelope) {
		mu.Lock()
		received = append(received, string(env.Payload))
		mu.Unlock()
	})
	if err := receiver.Subscribe(context.Background(), channel); err != nil {
		t.Fatalf("subscribe failed: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(received) != 1 || received[0] != "early" {
		t.Fatalf("queued message must be delivered on subscribe, got %v", received)
	}
}

func TestSubscribeIsIdempotentAndUnsubscribeStopsDelivery(t *testing.T) {
	sender := startMockNode(t)
	receiver := startMockNode(t)
	channel := uniqueChannel(t)

	got := make(chan Envelope, 4)
	receiver.SetHandler(func(env Envelope) { got <- env })
	for i := 0; i < 2; i++ {
		if err := receiver.Subscribe(context.Background(), channel); err != nil {
			t.Fatalf("subscribe %d failed: %v", i, err)
		}
	}
	if subs := receiver.Subscriptions(); len(subs) != 1 || subs[0] != channel {
		t.Fatalf("expected a single subscription, got %v", subs)
	}

	if err := receiver.Unsubscribe(context.Background(), channel); err != nil {
		t.Fatalf("unsubscribe failed: %v", err)
	}
	if receiver.IsSubscribed(channel) {
		t.Fatal("channel must be dropped after unsubscribe")
	}
	if err := receiver.Unsubscribe(context.Background(), channel); err != nil {
		t.Fatalf("unsubscribing an unknown channel must be a no-op, got %v", err)
	}

	if err := sender.Publish(context.Background(), channel, []byte("late")); err != nil {
		t.Fatalf("publish failed: %v", err)
	}
	select {
	case env := <-got:
		t.Fatalf("unsubscribed node must not receive, got %+v", env)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestNodeRoutesThroughGoWakuBackend(t *testing.T) {
	backend := newFakeGoWakuBackend(2)
	n := nodeWithBackend(backend)
	channel := models.ChannelID("abc")

	got := make(chan Envelope, 1)
	n.SetHandler(func(env Envelope) { got <- env })
	if err := n.Subscribe(context.Background(), channel); err != nil {
		t.Fatalf("subscribe failed: %v", err)
	}
	if !backend.hasTopic(ContentTopic(channel)) {
		t.Fatalf("backend must be subscribed to %s", ContentTopic(channel))
	}

	if err := n.Publish(context.Background(), channel, []byte("hello")); err != nil {
		t.Fatalf("publish failed: %v", err)
	}
	select {
	case env := <-got:
		if env.Channel != channel || string(env.Payload) != "hello" {
			t.Fatalf("unexpected envelope: %+v", env)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for backend delivery")
	}

	if err := n.Unsubscribe(context.Background(), channel); err != nil {
		t.Fatalf("unsubscribe failed: %v", err)
	}
	if backend.hasTopic(ContentTopic(channel)) {
		t.Fatal("backend topic must be released")
	}
}

func TestBackendSubscribeErrorIsTransportFailure(t *testing.T) {
	backend := newFakeGoWakuBackend(1)
	backend.subscribeErr = errors.New("relay down")
	n := nodeWithBackend(backend)

	err := n.Subscribe(context.Background(), "abc")
	if !errors.Is(err, registry.ErrTransportFailure) {
		t.Fatalf("expected transport failure, got %v", err)
	}
	if n.IsSubscribed("abc") {
		t.Fatal("failed backend subscribe must not be recorded")
	}
}

func TestConcurrentSubscribeReachesBackendOnce(t *testing.T) {
	backend := newFakeGoWakuBackend(2)
	backend.entered = make(chan struct{}, 2)
	backend.gate = make(chan struct{})
	n := nodeWithBackend(backend)

	errs := make(chan error, 2)
	for i := 0; i < 2; i++ {
		go func() { errs <- n.Subscribe(context.Background(), "abc") }()
	}
	<-backend.entered
	select {
	case <-backend.entered:
		t.Fatal("second subscribe must wait for the first to finish")
	case <-time.After(50 * time.Millisecond):
	}
	close(backend.gate)
	for i := 0; i < 2; i++ {
		if err := <-errs; err != nil {
			t.Fatalf("subscribe failed: %v", err)
		}
	}

	backend.mu.RLock()
	calls := backend.subscribeCalls
	backend.mu.RUnlock()
	if calls != 1 {
		t.Fatalf("expected one backend subscribe, got %d", calls)
	}
	if !n.IsSubscribed("abc") {
		t.Fatal("channel must be subscribed")
	}
}

func TestWaitingSubscribeHonoursContext(t *testing.T) {
	backend := newFakeGoWakuBackend(2)
	backend.entered = make(chan struct{}, 1)
	backend.gate = make(chan struct{})
	n := nodeWithBackend(backend)

	first := make(chan error, 1)
	go func() { first <- n.Subscribe(context.Background(), "abc") }()
	<-backend.entered

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := n.Subscribe(ctx, "abc"); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded while waiting, got %v", err)
	}
	close(backend.gate)
	if err := <-first; err != nil {
		t.Fatalf("first subscribe failed: %v", err)
	}
}

func TestSubscribeHonoursCanceledContext(t *testing.T) {
	n := startMockNode(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := n.Subscribe(ctx, uniqueChannel(t)); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected canceled, got %v", err)
	}
}

func TestContentTopicEmbedsChannel(t *testing.T) {
	topic := ContentTopic("deadbeef")
	if topic != "/aim-invite/1/deadbeef/proto" {
		t.Fatalf("unexpected content topic %q", topic)
	}
}

func TestNodeRuntimeStateTransitionsByPeerCount(t *testing.T) {
	prevInterval := runtimeStatusPollInterval
	runtimeStatusPollInterval = 20 * time.Millisecond
	defer func() { runtimeStatusPollInterval = prevInterval }()

	backend := newFakeGoWakuBackend(1)
	n := nodeWithBackend(backend)
	n.startRuntimeMonitor()
	defer n.stopRuntimeMonitor()

	waitForState(t, n, StateConnected, 300*time.Millisecond)
	backend.setPeerCount(0)
	waitForState(t, n, StateDegraded, 500*time.Millisecond)
	backend.setPeerCount(2)
	waitForState(t, n, StateConnected, 500*time.Millisecond)
}

func TestNormalizeConfigAppliesSafeDefaults(t *testing.T) {
	cfg := NormalizeConfig(Config{
		Transport:           "  ",
		MinPeers:            -1,
		ReconnectInterval:   0,
		ReconnectBackoffMax: 10 * time.Millisecond,
	})

	if cfg.Transport != TransportMock {
		t.Fatalf("transport must default to mock, got %q", cfg.Transport)
	}
	if cfg.PubsubTopic != DefaultPubsubTopic {
		t.Fatalf("pubsub topic must be defaulted, got %q", cfg.PubsubTopic)
	}
	if cfg.MinPeers != 0 {
		t.Fatalf("expected negative minPeers to clamp to 0, got %d", cfg.MinPeers)
	}
	if cfg.ReconnectInterval <= 0 {
		t.Fatalf("reconnectInterval must be > 0, got %s", cfg.ReconnectInterval)
	}
	if cfg.ReconnectBackoffMax < cfg.ReconnectInterval {
		t.Fatalf("reconnectBackoffMax must be >= reconnectInterval, got max=%s interval=%s", cfg.ReconnectBackoffMax, cfg.ReconnectInterval)
	}
}

func TestStartupStateFromPeerCount(t *testing.T) {
	cfg := Config{MinPeers: 2}
	if got := startupStateFromPeerCount(2, cfg); got != StateConnected {
		t.Fatalf("expected connected, got %s", got)
	}
	if got := startupStateFromPeerCount(0, cfg); got != StateDegraded {
		t.Fatalf("expected degraded, got %s", got)
	}
}

func TestStartupPeerTarget(t *testing.T) {
	if got := startupPeerTarget(Config{}); got != 1 {
		t.Fatalf("expected default startup target=1, got %d", got)
	}
	if got := startupPeerTarget(Config{MinPeers: 3, BootstrapNodes: []string{"a", "b"}}); got != 2 {
		t.Fatalf("expected target capped by bootstrap size to 2, got %d", got)
	}
}

func TestWaitForStartupPeerCountTimeoutReturnsDegradedCount(t *testing.T) {
	backend := newFakeGoWakuBackend(0)
	ctx, cancel := context.WithTimeout(context.Background(), 350*time.Millisecond)
	defer cancel()

	cfg := Config{
		MinPeers:            2,
		ReconnectInterval:   50 * time.Millisecond,
		ReconnectBackoffMax: 200 * time.Millisecond,
	}
	got, err := waitForStartupPeerCount(ctx, backend, cfg)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != 0 {
		t.Fatalf("expected peer count=0 after timeout, got %d", got)
	}
}

func startMockNode(t *testing.T) *Node {
	t.Helper()
	n := NewNode(DefaultConfig())
	if err := n.Start(context.Background()); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	t.Cleanup(func() { _ = n.Stop(context.Background()) })
	return n
}

func nodeWithBackend(backend *fakeGoWakuBackend) *Node {
	n := NewNode(Config{Transport: TransportGoWaku})
	n.mu.Lock()
	n.gw = backend
	n.status.State = StateConnected
	n.status.PeerCount = backend.PeerCount()
	n.status.LastSync = time.Now()
	n.mu.Unlock()
	return n
}

func uniqueChannel(t *testing.T) models.ChannelID {
	return models.ChannelID(strings.ReplaceAll(t.Name(), "/", "_") + "-" + time.Now().Format("150405.000000000"))
}

func waitForState(t *testing.T, n *Node, expected string, timeout time.Duration) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for {
		if n.Status().State == expected {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for state=%s, got=%s", expected, n.Status().State)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

type fakeGoWakuBackend struct {
	mu           sync.RWMutex
	peerCount    int
	topics       map[string]func(payload []byte, ts time.Time)
	subscribeErr error

	subscribeCalls int
	// When set, Subscribe signals entered and then blocks until gate is closed.
	entered chan struct{}
	gate    chan struct{}
}

func newFakeGoWakuBackend(peers int) *fakeGoWakuBackend {
	return &fakeGoWakuBackend{peerCount: peers, topics: make(map[string]func([]byte, time.Time))}
}

func (f *fakeGoWakuBackend) Start(_ context.Context, _ Config) error { return nil }
func (f *fakeGoWakuBackend) Stop()                                   {}
func (f *fakeGoWakuBackend) NetworkMetrics() map[string]int          { return map[string]int{} }
func (f *fakeGoWakuBackend) ListenAddresses() []string               { return nil }

func (f *fakeGoWakuBackend) Subscribe(_ context.Context, topic string, deliver func([]byte, time.Time)) error {
	if f.gate != nil {
		f.entered <- struct{}{}
		<-f.gate
	}
	f.mu.Lock()
	f.subscribeCalls++
	defer f.mu.Unlock()
	if f.subscribeErr != nil {
		return f.subscribeErr
	}
	f.topics[topic] = deliver
	return nil
}

func (f *fakeGoWakuBackend) Unsubscribe(_ context.Context, topic string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.topics, topic)
	return nil
}

func (f *fakeGoWakuBackend) Publish(_ context.Context, topic string, payload []byte) error {
	f.mu.RLock()
	deliver := f.topics[topic]
	f.mu.RUnlock()
	if deliver != nil {
		go deliver(append([]byte(nil), payload...), time.Now())
	}
	return nil
}

func (f *fakeGoWakuBackend) hasTopic(topic string) bool {
	f.mu.RLock()
	defer f.mu.RUnlock()
	_, ok := f.topics[topic]
	return ok
}

func (f *fakeGoWakuBackend) PeerCount() int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.peerCount
}

func (f *fakeGoWakuBackend) setPeerCount(v int) {
	f.mu.Lock()
	f.peerCount = v
	f.mu.Unlock()
}
