package registry

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"aim-chat/invite-registry/pkg/models"
)

// callLog records collaborator calls in the order they happen across all fakes.
type callLog struct {
	mu    sync.Mutex
	calls []string
	fail  map[string]error
}

func newCallLog() *callLog {
	return &callLog{fail: make(map[string]error)}
}

func (l *callLog) record(call string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.calls = append(l.calls, call)
	return l.fail[call]
}

func (l *callLog) failOn(call string, err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.fail[call] = err
}

func (l *callLog) snapshot() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.calls...)
}

func (l *callLog) index(call string) int {
	for i, c := range l.snapshot() {
		if c == call {
			return i
		}
	}
	return -1
}

func (l *callLog) count(prefix string) int {
	n := 0
	for _, c := range l.snapshot() {
		if len(c) >= len(prefix) && c[:len(prefix)] == prefix {
			n++
		}
	}
	return n
}

type fakeRegistrar struct {
	log         *callLog
	identityKey models.IdentityPublicKey
	inviteKey   models.InvitePublicKey
	published   map[models.Account]string
	block       chan struct{}
	mu          sync.Mutex
}

func (r *fakeRegistrar) RegisterIdentity(ctx context.Context, account models.Account, onSign SignFunc) (models.IdentityPublicKey, error) {
	if r.block != nil {
		select {
		case <-r.block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err := r.log.record("registerIdentity:" + account.String()); err != nil {
		return nil, err
	}
	if _, err := onSign("identity:" + account.String()); err != nil {
		return nil, Fail(ErrSigningFailure, "register identity", err)
	}
	return r.identityKey, nil
}

func (r *fakeRegistrar) RegisterInvite(ctx context.Context, account models.Account, onSign SignFunc) (models.InvitePublicKey, error) {
	if err := r.log.record("registerInvite:" + account.String()); err != nil {
		return nil, err
	}
	if _, err := onSign("invite:" + account.String()); err != nil {
		return nil, Fail(ErrSigningFailure, "register invite", err)
	}
	r.mu.Lock()
	if r.published == nil {
		r.published = make(map[models.Account]string)
	}
	r.published[account] = r.inviteKey.Hex()
	r.mu.Unlock()
	return r.inviteKey, nil
}

func (r *fakeRegistrar) ResolveInvite(_ context.Context, account models.Account) (string, error) {
	if err := r.log.record("resolveInvite:" + account.String()); err != nil {
		return "", err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	key, ok := r.published[account]
	if !ok {
		return "", Fail(ErrNotFound, "resolve invite", fmt.Errorf("no invite record for %s", account))
	}
	return key, nil
}

type fakeKeyStore struct {
	log  *callLog
	mu   sync.Mutex
	keys map[models.ChannelID]models.InvitePublicKey
}

func (k *fakeKeyStore) SetPublicKey(_ context.Context, key models.InvitePublicKey, channel models.ChannelID) error {
	if err := k.log.record("setPublicKey:" + channel.String()); err != nil {
		return err
	}
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.keys == nil {
		k.keys = make(map[models.ChannelID]models.InvitePublicKey)
	}
	k.keys[channel] = key
	return nil
}

func (k *fakeKeyStore) has(channel models.ChannelID) bool {
	k.mu.Lock()
	defer k.mu.Unlock()
	_, ok := k.keys[channel]
	return ok
}

type fakeTransport struct {
	log      *callLog
	keys     *fakeKeyStore
	keyReady map[models.ChannelID]bool
	// When block is set, Subscribe signals entered and waits for block or ctx.
	entered chan struct{}
	block   chan struct{}
}

func (t *fakeTransport) Subscribe(ctx context.Context, channel models.ChannelID) error {
	if t.keyReady == nil {
		t.keyReady = make(map[models.ChannelID]bool)
	}
	t.keyReady[channel] = t.keys.has(channel)
	if err := t.log.record("subscribe:" + channel.String()); err != nil {
		return err
	}
	if t.block != nil {
		t.entered <- struct{}{}
		select {
		case <-t.block:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

type fakeActiveStore struct {
	log     *callLog
	mu      sync.Mutex
	current models.Account
	set     bool
}

func (a *fakeActiveStore) Current() (models.Account, bool) {
	_ = a.log.record("current")
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.current, a.set
}

func (a *fakeActiveStore) Set(account models.Account) {
	_ = a.log.record("setActive:" + account.String())
	a.mu.Lock()
	defer a.mu.Unlock()
	a.current = account
	a.set = true
}

func (a *fakeActiveStore) get() (models.Account, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.current, a.set
}

type fakeMigrator struct {
	log *callLog
}

func (m *fakeMigrator) Unsubscribe(_ context.Context, account *models.Account) error {
	if account == nil {
		return m.log.record("unsubscribe:<none>")
	}
	return m.log.record("unsubscribe:" + account.String())
}

func (m *fakeMigrator) Resubscribe(_ context.Context, account models.Account) error {
	return m.log.record("resubscribe:" + account.String())
}

type recordingObserver struct {
	mu     sync.Mutex
	ops    []string
	errors []error
}

func (o *recordingObserver) ObserveOperation(operation string, _ time.Duration, err error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.ops = append(o.ops, operation)
	o.errors = append(o.errors, err)
}

type harness struct {
	log       *callLog
	registrar *fakeRegistrar
	keys      *fakeKeyStore
	transport *fakeTransport
	active    *fakeActiveStore
	migrator  *fakeMigrator
	coord     *Coordinator
}

var (
	testIdentityKey = models.IdentityPublicKey([]byte("identity-key-0123456789abcdef012"))
	testInviteKey   = models.InvitePublicKey([]byte("invite-key-0123456789abcdef01234"))
	errInjected     = errors.New("injected failure")
)

func newHarness() *harness {
	log := newCallLog()
	keys := &fakeKeyStore{log: log}
	h := &harness{
		log:       log,
		registrar: &fakeRegistrar{log: log, identityKey: testIdentityKey, inviteKey: testInviteKey},
		keys:      keys,
		transport: &fakeTransport{log: log, keys: keys},
		active:    &fakeActiveStore{log: log},
		migrator:  &fakeMigrator{log: log},
	}
	coord, err := NewCoordinator(Deps{
		Registrar: h.registrar,
		KeyStore:  h.keys,
		Transport: h.transport,
		Active:    h.active,
		Migrator:  h.migrator,
	})
	if err != nil {
		panic(err)
	}
	h.coord = coord
	return h
}

func okSigner(message string) (models.AuthorizationSignature, error) {
	return models.AuthorizationSignature{Type: "test", Signature: []byte(message)}, nil
}
