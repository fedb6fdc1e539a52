//go:build real_waku

package waku

import (
	"context"
	"errors"
	"log/slog"
	"math/rand"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	ma "github.com/multiformats/go-multiaddr"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/waku-org/go-waku/waku/persistence"
	"github.com/waku-org/go-waku/waku/persistence/sqlite"
	wakuNode "github.com/waku-org/go-waku/waku/v2/node"
	"github.com/waku-org/go-waku/waku/v2/protocol"
	wpb "github.com/waku-org/go-waku/waku/v2/protocol/pb"
	"github.com/waku-org/go-waku/waku/v2/protocol/relay"
	"github.com/waku-org/go-waku/waku/v2/utils"
)

type goWakuNode struct {
	mu             sync.RWMutex
	node           *wakuNode.WakuNode
	cfg            Config
	bootstrapNodes []ma.Multiaddr
	topics         map[string]context.CancelFunc
	maintainCancel context.CancelFunc
	maintainWG     sync.WaitGroup
	metrics        goWakuMetrics
}

type goWakuMetrics struct {
	DialAttempts int
	DialSuccess  int
	DialFailures int
	Published    int
	Received     int
}

func newGoWakuBackend() goWakuBackend {
	return &goWakuNode{topics: make(map[string]context.CancelFunc)}
}

func (g *goWakuNode) Start(ctx context.Context, cfg Config) error {
	hostAddr, err := net.ResolveTCPAddr("tcp", net.JoinHostPort("0.0.0.0", strconv.Itoa(cfg.Port)))
	if err != nil {
		return err
	}
	opts := []wakuNode.WakuNodeOption{wakuNode.WithHostAddress(hostAddr)}
	if cfg.EnableRelay {
		opts = append(opts, wakuNode.WithWakuRelay())
	}
	if cfg.EnableStore {
		provider, err := newInMemoryMessageProvider()
		if err != nil {
			return err
		}
		opts = append(opts, wakuNode.WithMessageProvider(provider), wakuNode.WithWakuStore())
	}
	if cfg.EnableFilter {
		opts = append(opts, wakuNode.WithWakuFilterLightNode(), wakuNode.WithWakuFilterFullNode())
	}
	if cfg.EnableLightPush {
		opts = append(opts, wakuNode.WithLightPush())
	}

	node, err := wakuNode.New(opts...)
	if err != nil {
		return err
	}
	if err := node.Start(ctx); err != nil {
		return err
	}

	bootstrap := parseBootstrapAddrs(cfg.BootstrapNodes)
	for _, addr := range bootstrap {
		_ = node.DialPeerWithMultiAddress(ctx, addr)
	}

	g.mu.Lock()
	g.node = node
	g.cfg = cfg
	g.bootstrapNodes = bootstrap
	g.mu.Unlock()
	g.startPeerMaintenance()
	return nil
}

func (g *goWakuNode) Stop() {
	g.stopPeerMaintenance()

	g.mu.Lock()
	defer g.mu.Unlock()
	for topic, cancel := range g.topics {
		cancel()
		delete(g.topics, topic)
	}
	if g.node != nil {
		g.node.Stop()
		g.node = nil
	}
}

func (g *goWakuNode) PeerCount() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	if g.node == nil {
		return 0
	}
	return g.node.PeerCount()
}

func (g *goWakuNode) NetworkMetrics() map[string]int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return map[string]int{
		"dial_attempts":     g.metrics.DialAttempts,
		"dial_success":      g.metrics.DialSuccess,
		"dial_failures":     g.metrics.DialFailures,
		"messages_sent":     g.metrics.Published,
		"messages_received": g.metrics.Received,
	}
}

func (g *goWakuNode) ListenAddresses() []string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	if g.node == nil {
		return nil
	}
	addrs := g.node.ListenAddresses()
	out := make([]string, 0, len(addrs))
	for _, addr := range addrs {
		out = append(out, addr.String())
	}
	return out
}

func (g *goWakuNode) Subscribe(ctx context.Context, contentTopic string, deliver func(payload []byte, ts time.Time)) error {
	g.mu.RLock()
	node := g.node
	pubsubTopic := g.cfg.PubsubTopic
	g.mu.RUnlock()
	if node == nil {
		return errors.New("go-waku node is nil")
	}

	filter := protocol.NewContentFilter(pubsubTopic, contentTopic)
	subs, err := node.Relay().Subscribe(ctx, filter)
	if err != nil {
		return err
	}

	readCtx, cancel := context.WithCancel(context.Background())
	g.mu.Lock()
	if prev, ok := g.topics[contentTopic]; ok {
		prev()
	}
	g.topics[contentTopic] = cancel
	g.mu.Unlock()

	for _, sub := range subs {
		go func(subscription *relay.Subscription) {
			for {
				select {
				case <-readCtx.Done():
					return
				case env, ok := <-subscription.Ch:
					if !ok {
						return
					}
					if env == nil || env.Message() == nil {
						continue
					}
					g.recordReceived()
					deliver(env.Message().Payload, time.Unix(0, env.Message().GetTimestamp()))
				}
			}
		}(sub)
	}
	return nil
}

func (g *goWakuNode) Unsubscribe(ctx context.Context, contentTopic string) error {
	g.mu.Lock()
	node := g.node
	pubsubTopic := g.cfg.PubsubTopic
	cancel, ok := g.topics[contentTopic]
	delete(g.topics, contentTopic)
	g.mu.Unlock()
	if node == nil {
		return errors.New("go-waku node is nil")
	}
	if ok {
		cancel()
	}
	return node.Relay().Unsubscribe(ctx, protocol.NewContentFilter(pubsubTopic, contentTopic))
}

func (g *goWakuNode) Publish(ctx context.Context, contentTopic string, payload []byte) error {
	g.mu.RLock()
	node := g.node
	pubsubTopic := g.cfg.PubsubTopic
	g.mu.RUnlock()
	if node == nil {
		return errors.New("go-waku node is nil")
	}
	ts := time.Now().UnixNano()
	wm := &wpb.WakuMessage{
		Payload:      payload,
		ContentTopic: contentTopic,
		Timestamp:    &ts,
	}
	if _, err := node.Relay().Publish(ctx, wm, relay.WithPubSubTopic(pubsubTopic)); err != nil {
		return err
	}
	g.mu.Lock()
	g.metrics.Published++
	g.mu.Unlock()
	return nil
}

func (g *goWakuNode) startPeerMaintenance() {
	g.mu.Lock()
	if g.maintainCancel != nil {
		g.maintainCancel()
		g.maintainCancel = nil
	}
	if len(g.bootstrapNodes) == 0 || g.node == nil {
		g.mu.Unlock()
		return
	}
	maintainCtx, cancel := context.WithCancel(context.Background())
	g.maintainCancel = cancel
	g.maintainWG.Add(1)
	cfg := g.cfg
	g.mu.Unlock()

	go func() {
		defer g.maintainWG.Done()
		ticker := time.NewTicker(cfg.ReconnectInterval)
		defer ticker.Stop()

		backoff := cfg.ReconnectInterval
		nextAttemptAt := time.Now()
		rnd := rand.New(rand.NewSource(time.Now().UnixNano()))

		for {
			select {
			case <-maintainCtx.Done():
				return
			case <-ticker.C:
				if time.Now().Before(nextAttemptAt) || !g.needMorePeers() {
					continue
				}
				if g.redialBootstrapPeers(maintainCtx, rnd) {
					backoff = cfg.ReconnectInterval
					nextAttemptAt = time.Now()
					continue
				}
				backoff *= 2
				if backoff > cfg.ReconnectBackoffMax {
					backoff = cfg.ReconnectBackoffMax
				}
				jitter := time.Duration(rnd.Int63n(int64(backoff/2) + 1))
				nextAttemptAt = time.Now().Add(backoff + jitter)
			}
		}
	}()
}

func (g *goWakuNode) stopPeerMaintenance() {
	g.mu.Lock()
	cancel := g.maintainCancel
	g.maintainCancel = nil
	g.mu.Unlock()
	if cancel != nil {
		cancel()
		g.maintainWG.Wait()
	}
}

func (g *goWakuNode) needMorePeers() bool {
	g.mu.RLock()
	node := g.node
	target := startupPeerTarget(Config{MinPeers: g.cfg.MinPeers, BootstrapNodes: make([]string, len(g.bootstrapNodes))})
	g.mu.RUnlock()
	if node == nil {
		return false
	}
	return node.PeerCount() < target
}

func (g *goWakuNode) redialBootstrapPeers(ctx context.Context, rnd *rand.Rand) bool {
	g.mu.RLock()
	node := g.node
	bootstrap := append([]ma.Multiaddr(nil), g.bootstrapNodes...)
	g.mu.RUnlock()
	if node == nil || len(bootstrap) == 0 {
		return false
	}
	rnd.Shuffle(len(bootstrap), func(i, j int) {
		bootstrap[i], bootstrap[j] = bootstrap[j], bootstrap[i]
	})

	success := false
	for i, addr := range bootstrap {
		g.mu.Lock()
		g.metrics.DialAttempts++
		g.mu.Unlock()
		if err := node.DialPeerWithMultiAddress(ctx, addr); err != nil {
			g.mu.Lock()
			g.metrics.DialFailures++
			g.mu.Unlock()
			slog.Warn("peer redial failed", "component", "waku", "peer_addr", addr.String(), "attempt", i+1, "reason", err.Error())
			continue
		}
		g.mu.Lock()
		g.metrics.DialSuccess++
		g.mu.Unlock()
		success = true
	}
	return success
}

func (g *goWakuNode) recordReceived() {
	g.mu.Lock()
	g.metrics.Received++
	g.mu.Unlock()
}

func parseBootstrapAddrs(raw []string) []ma.Multiaddr {
	out := make([]ma.Multiaddr, 0, len(raw))
	for _, addr := range raw {
		addr = strings.TrimSpace(addr)
		if addr == "" {
			continue
		}
		parsed, err := ma.NewMultiaddr(addr)
		if err != nil {
			slog.Warn("skipping invalid bootstrap address", "component", "waku", "peer_addr", addr, "reason", err.Error())
			continue
		}
		out = append(out, parsed)
	}
	return out
}

func newInMemoryMessageProvider() (*persistence.DBStore, error) {
	db, err := sqlite.NewDB(":memory:", utils.Logger())
	if err != nil {
		return nil, err
	}
	return persistence.NewDBStore(
		prometheus.NewRegistry(),
		utils.Logger(),
		persistence.WithDB(db),
		persistence.WithMigrations(sqlite.Migrations),
	)
}
