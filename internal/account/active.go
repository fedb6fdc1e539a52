package account

import (
	"sync"

	"aim-chat/invite-registry/pkg/models"
)

// ActiveStore holds the one account the node currently acts for.
type ActiveStore struct {
	mu      sync.RWMutex
	account models.Account
	set     bool
}

func NewActiveStore() *ActiveStore {
	return &ActiveStore{}
}

func (s *ActiveStore) Current() (models.Account, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.account, s.set
}

func (s *ActiveStore) Set(account models.Account) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.account = account
	s.set = true
}
