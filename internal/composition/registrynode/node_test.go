package registrynode

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"aim-chat/invite-registry/internal/config"
	"aim-chat/invite-registry/internal/identity"
	"aim-chat/invite-registry/internal/registry"
	"aim-chat/invite-registry/internal/waku"
	"aim-chat/invite-registry/pkg/models"
)

func newTestNode(t *testing.T, cfg config.Config) *Node {
	t.Helper()
	n, err := Build(cfg, nil)
	if err != nil {
		t.Fatalf("build failed: %v", err)
	}
	if err := n.Start(context.Background()); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	t.Cleanup(func() { _ = n.Close(context.Background()) })
	return n
}

func newTestSigner(t *testing.T) *identity.Signer {
	t.Helper()
	mnemonic, err := identity.NewMnemonic()
	if err != nil {
		t.Fatalf("mnemonic: %v", err)
	}
	signer, err := identity.SignerFromMnemonic(mnemonic, "")
	if err != nil {
		t.Fatalf("signer: %v", err)
	}
	return signer
}

func onlyChannel(t *testing.T, n *Node) models.ChannelID {
	t.Helper()
	channels := n.Keys.Channels()
	if len(channels) != 1 {
		t.Fatalf("expected exactly one stored channel, got %v", channels)
	}
	return channels[0]
}

func TestPrivateRegistrationIsNotResolvable(t *testing.T) {
	n := newTestNode(t, config.Default())
	signer := newTestSigner(t)

	key, err := n.Coordinator.Register(context.Background(), "0xABC", true, signer.SignFunc())
	if err != nil {
		t.Fatalf("register failed: %v", err)
	}
	if len(key) != 32 {
		t.Fatalf("expected 32-byte identity key, got %d", len(key))
	}
	if _, err := n.Coordinator.Resolve(context.Background(), "0xABC"); !errors.Is(err, registry.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	if len(n.Keys.Channels()) != 0 || len(n.Transport.Subscriptions()) != 0 {
		t.Fatal("private registration must not store or subscribe a channel")
	}
	if _, ok := n.Active.Current(); ok {
		t.Fatal("private registration must not set the active account")
	}
}

func TestPublicRegistrationPublishesAndSubscribes(t *testing.T) {
	n := newTestNode(t, config.Default())
	signer := newTestSigner(t)

	identityKey, err := n.Coordinator.Register(context.Background(), "0xABC", false, signer.SignFunc())
	if err != nil {
		t.Fatalf("register failed: %v", err)
	}
	published, err := n.Directory.LookupIdentity(context.Background(), "0xABC")
	if err != nil || !bytes.Equal(published, identityKey) {
		t.Fatalf("register must return the published identity key (err=%v)", err)
	}

	channel := onlyChannel(t, n)
	inviteKey, _ := n.Keys.PublicKey(channel)
	sum := sha256.Sum256(inviteKey.Bytes())
	if channel.String() != hex.EncodeToString(sum[:]) {
		t.Fatal("channel must be the sha256 hex of the invite key")
	}
	if !n.Transport.IsSubscribed(channel) {
		t.Fatal("node must be subscribed to the invite channel")
	}
	if _, ok := n.Keys.AgreementKey(inviteKey); !ok {
		t.Fatal("invite agreement key must be kept")
	}

	resolved, err := n.Coordinator.Resolve(context.Background(), "0xABC")
	if err != nil {
		t.Fatalf("resolve failed: %v", err)
	}
	if resolved != inviteKey.Hex() {
		t.Fatalf("resolved %s want %s", resolved, inviteKey.Hex())
	}
	if active, ok := n.Active.Current(); !ok || active != "0xABC" {
		t.Fatalf("expected 0xABC active, got %q", active)
	}
}

func TestSwitchingAccountsMovesSubscriptions(t *testing.T) {
	n := newTestNode(t, config.Default())
	ctx := context.Background()

	if err := n.Coordinator.GoPublic(ctx, "0xABC", newTestSigner(t).SignFunc()); err == nil {
		t.Fatal("invite without identity registration must be rejected by the directory")
	} else if !errors.Is(err, registry.ErrSubmissionFailure) {
		t.Fatalf("expected submission failure, got %v", err)
	}

	if _, err := n.Coordinator.Register(ctx, "0xABC", false, newTestSigner(t).SignFunc()); err != nil {
		t.Fatalf("register 0xABC failed: %v", err)
	}
	abcChannels := n.Migrator.Channels("0xABC")
	if len(abcChannels) != 1 {
		t.Fatalf("expected one tracked channel for 0xABC, got %v", abcChannels)
	}

	if _, err := n.Coordinator.Register(ctx, "0xDEF", false, newTestSigner(t).SignFunc()); err != nil {
		t.Fatalf("register 0xDEF failed: %v", err)
	}
	defChannels := n.Migrator.Channels("0xDEF")
	if len(defChannels) != 1 {
		t.Fatalf("expected one tracked channel for 0xDEF, got %v", defChannels)
	}

	if active, _ := n.Active.Current(); active != "0xDEF" {
		t.Fatalf("expected 0xDEF active, got %q", active)
	}
	if n.Transport.IsSubscribed(abcChannels[0]) {
		t.Fatal("previous account's channel must be unsubscribed")
	}
	if !n.Transport.IsSubscribed(defChannels[0]) {
		t.Fatal("new account's channel must be subscribed")
	}
	if _, ok := n.Keys.PublicKey(abcChannels[0]); !ok {
		t.Fatal("previous invite key stays in the keystore")
	}
}

func TestInviteOnChannelIsDeliveredWithKey(t *testing.T) {
	n := newTestNode(t, config.Default())
	got := make(chan InboundInvite, 1)
	n.OnInvite(func(inv InboundInvite) { got <- inv })

	if _, err := n.Coordinator.Register(context.Background(), "0xABC", false, newTestSigner(t).SignFunc()); err != nil {
		t.Fatalf("register failed: %v", err)
	}
	channel := onlyChannel(t, n)

	sender := waku.NewNode(waku.DefaultConfig())
	if err := sender.Start(context.Background()); err != nil {
		t.Fatalf("sender start: %v", err)
	}
	defer sender.Stop(context.Background())
	if err := sender.Publish(context.Background(), channel, []byte("hello")); err != nil {
		t.Fatalf("publish: %v", err)
	}

	select {
	case inv := <-got:
		want, _ := n.Keys.PublicKey(channel)
		if inv.Channel != channel || !bytes.Equal(inv.InviteKey, want) || string(inv.Payload) != "hello" {
			t.Fatalf("unexpected invite %+v", inv)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for invite")
	}
	if n.Dropped() != 0 {
		t.Fatalf("no envelope may be dropped, got %d", n.Dropped())
	}
}

func TestMetricsObserveCoordinatorOperations(t *testing.T) {
	n := newTestNode(t, config.Default())
	_, _ = n.Coordinator.Resolve(context.Background(), "0xNONE")
	_, _ = n.Coordinator.Register(context.Background(), "0xABC", true, newTestSigner(t).SignFunc())

	snap := n.Metrics.Snapshot()
	if snap["resolve"].Count != 1 || snap["resolve"].Errors != 1 {
		t.Fatalf("unexpected resolve stats %+v", snap["resolve"])
	}
	if snap["register"].Count != 1 || snap["register"].Errors != 0 {
		t.Fatalf("unexpected register stats %+v", snap["register"])
	}
}

func TestRestartRestoresKeysAndSubscriptions(t *testing.T) {
	dir := t.TempDir()
	cfg := config.Default()
	cfg.KeyStore = config.KeyStoreConfig{Path: filepath.Join(dir, "keys.enc"), Secret: "correct horse"}
	cfg.Directory = config.DirectoryConfig{Path: filepath.Join(dir, "directory"), MaxClockSkew: time.Minute}

	first, err := Build(cfg, nil)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if err := first.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	signer := newTestSigner(t)
	if _, err := first.Coordinator.Register(context.Background(), "0xABC", false, signer.SignFunc()); err != nil {
		t.Fatalf("register: %v", err)
	}
	channel := onlyChannel(t, first)
	if err := first.Close(context.Background()); err != nil {
		t.Fatalf("close: %v", err)
	}

	second := newTestNode(t, cfg)
	if !second.Transport.IsSubscribed(channel) {
		t.Fatal("restored channel must be subscribed on start")
	}
	if active, ok := second.Active.Current(); !ok || active != "0xABC" {
		t.Fatalf("active account must be restored, got %q", active)
	}
	if _, err := second.Coordinator.Resolve(context.Background(), "0xABC"); err != nil {
		t.Fatalf("directory record must survive restart: %v", err)
	}
	again, err := second.Coordinator.Register(context.Background(), "0xABC", true, signer.SignFunc())
	if err != nil {
		t.Fatalf("re-register: %v", err)
	}
	if stored, _ := second.Directory.LookupIdentity(context.Background(), "0xABC"); !bytes.Equal(stored, again) {
		t.Fatal("stored identity key must be reused after restart")
	}
}

func persistentConfig(t *testing.T) config.Config {
	t.Helper()
	dir := t.TempDir()
	cfg := config.Default()
	cfg.KeyStore = config.KeyStoreConfig{Path: filepath.Join(dir, "keys.enc"), Secret: "correct horse"}
	cfg.Directory = config.DirectoryConfig{Path: filepath.Join(dir, "directory"), MaxClockSkew: time.Minute}
	return cfg
}

func TestRestartAfterSwapKeepsPreviousAccountSilent(t *testing.T) {
	cfg := persistentConfig(t)
	ctx := context.Background()

	first, err := Build(cfg, nil)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if err := first.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	for _, acct := range []models.Account{"0xABC", "0xDEF"} {
		if _, err := first.Coordinator.Register(ctx, acct, false, newTestSigner(t).SignFunc()); err != nil {
			t.Fatalf("register %s: %v", acct, err)
		}
	}
	abc := first.Migrator.Channels("0xABC")
	def := first.Migrator.Channels("0xDEF")
	if len(abc) != 1 || len(def) != 1 {
		t.Fatalf("expected one channel per account, got %v and %v", abc, def)
	}
	if err := first.Close(ctx); err != nil {
		t.Fatalf("close: %v", err)
	}

	second := newTestNode(t, cfg)
	if second.Transport.IsSubscribed(abc[0]) {
		t.Fatal("swapped-out account must not be resubscribed on start")
	}
	if !second.Transport.IsSubscribed(def[0]) {
		t.Fatal("active account must be resubscribed on start")
	}
	if active, ok := second.Active.Current(); !ok || active != "0xDEF" {
		t.Fatalf("expected 0xDEF active after restart, got %q", active)
	}
	if got := second.Migrator.Channels("0xABC"); len(got) != 1 || got[0] != abc[0] {
		t.Fatalf("swapped-out account's channel must stay tracked, got %v", got)
	}

	if _, err := second.Coordinator.Register(ctx, "0xGHI", false, newTestSigner(t).SignFunc()); err != nil {
		t.Fatalf("register 0xGHI: %v", err)
	}
	if second.Transport.IsSubscribed(abc[0]) || second.Transport.IsSubscribed(def[0]) {
		t.Fatal("earlier accounts must not receive after swapping to 0xGHI")
	}
	ghi := second.Migrator.Channels("0xGHI")
	if subs := second.Transport.Subscriptions(); len(subs) != 1 || len(ghi) != 1 || subs[0] != ghi[0] {
		t.Fatalf("only 0xGHI's channel may be subscribed, got %v", subs)
	}
}

func TestNewLoggerFingerprintsAccounts(t *testing.T) {
	var buf bytes.Buffer
	logger, err := NewLogger(config.LogConfig{Level: "debug", Format: "json"}, &buf)
	if err != nil {
		t.Fatalf("logger: %v", err)
	}
	logger.Debug("probe", "account", "0xABC")

	var line map[string]any
	if err := json.Unmarshal(buf.Bytes(), &line); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if _, ok := line["account"]; ok {
		t.Fatal("account must be fingerprinted")
	}
	if _, ok := line["account_fp"]; !ok {
		t.Fatal("expected account_fp attribute")
	}
	if _, err := NewLogger(config.LogConfig{Level: "loud"}, &buf); err == nil {
		t.Fatal("expected error for unknown level")
	}
}
