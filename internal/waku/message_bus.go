package waku

import (
	"sync"

	"aim-chat/invite-registry/pkg/models"
)

const mailboxLimitPerChannel = 256

// messageBus is the in-process network used by the mock transport.
type messageBus struct {
	mu          sync.Mutex
	nextID      uint64
	subscribers map[models.ChannelID]map[uint64]func(Envelope)
	mailbox     map[models.ChannelID][]Envelope
}

var globalBus = newMessageBus()

func newMessageBus() *messageBus {
	return &messageBus{
		subscribers: make(map[models.ChannelID]map[uint64]func(Envelope)),
		mailbox:     make(map[models.ChannelID][]Envelope),
	}
}

func (b *messageBus) register() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	return b.nextID
}

func (b *messageBus) publish(env Envelope) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if subs := b.subscribers[env.Channel]; len(subs) > 0 {
		for _, handler := range subs {
			go handler(env)
		}
		return
	}
	queued := append(b.mailbox[env.Channel], env)
	if len(queued) > mailboxLimitPerChannel {
		queued = queued[len(queued)-mailboxLimitPerChannel:]
	}
	b.mailbox[env.Channel] = queued
}

// subscribe attaches a handler and hands it anything published while nobody listened.
func (b *messageBus) subscribe(channel models.ChannelID, id uint64, handler func(Envelope)) {
	b.mu.Lock()
	subs, ok := b.subscribers[channel]
	if !ok {
		subs = make(map[uint64]func(Envelope))
		b.subscribers[channel] = subs
	}
	subs[id] = handler
	pending := append([]Envelope(nil), b.mailbox[channel]...)
	delete(b.mailbox, channel)
	b.mu.Unlock()

	for _, env := range pending {
		handler(env)
	}
}

func (b *messageBus) unsubscribe(channel models.ChannelID, id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	subs, ok := b.subscribers[channel]
	if !ok {
		return
	}
	delete(subs, id)
	if len(subs) == 0 {
		delete(b.subscribers, channel)
	}
}
