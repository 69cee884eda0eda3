package proxy

import (
	"sort"
	"strings"
	"sync"

	kuproxy "github.com/JellyTony/kuproxy"
	"github.com/JellyTony/kuproxy/protocol"
	"github.com/pkg/errors"
)

// AuthorizationManager keeps the local ban lists.
type AuthorizationManager struct {
	mu        sync.RWMutex
	users     map[string]struct{}
	addresses map[string]struct{}
}

func NewAuthorizationManager() *AuthorizationManager {
	return &AuthorizationManager{users: make(map[string]struct{}), addresses: make(map[string]struct{})}
}

func (a *AuthorizationManager) Check(conn kuproxy.WorkerConnection, req *protocol.AuthorizeParams) error {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if _, banned := a.users[req.Username]; banned {
		return errors.Wrapf(kuproxy.ErrAuthorization, "user %s is banned", req.Username)
	}
	if _, banned := a.addresses[conn.RemoteAddress()]; banned {
		return errors.Wrapf(kuproxy.ErrAuthorization, "address %s is banned", conn.RemoteAddress())
	}
	return nil
}

func (a *AuthorizationManager) BanUser(name string) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return errors.Wrap(kuproxy.ErrBadParameter, "empty user name")
	}
	a.mu.Lock()
	a.users[name] = struct{}{}
	a.mu.Unlock()
	return nil
}

func (a *AuthorizationManager) UnbanUser(name string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, ok := a.users[name]; !ok {
		return errors.Wrapf(kuproxy.ErrBadParameter, "user %s is not banned", name)
	}
	delete(a.users, name)
	return nil
}

func (a *AuthorizationManager) BanAddress(address string) error {
	address = strings.TrimSpace(address)
	if address == "" {
		return errors.Wrap(kuproxy.ErrBadParameter, "empty address")
	}
	a.mu.Lock()
	a.addresses[address] = struct{}{}
	a.mu.Unlock()
	return nil
}

func (a *AuthorizationManager) UnbanAddress(address string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, ok := a.addresses[address]; !ok {
		return errors.Wrapf(kuproxy.ErrBadParameter, "address %s is not banned", address)
	}
	delete(a.addresses, address)
	return nil
}

func (a *AuthorizationManager) BannedUsers() []string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return sortedKeys(a.users)
}

func (a *AuthorizationManager) BannedAddresses() []string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return sortedKeys(a.addresses)
}

func sortedKeys(m map[string]struct{}) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
