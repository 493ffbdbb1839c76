// Package accounts tracks the fixed set of replicated brokerage accounts and
// their activation state. Index 1 is the master; children follow. The registry
// is pure state: authentication is delegated to the account's gateway and
// retried by the caller, never here.
package accounts

import (
	"context"
	"errors"
	"sort"
	"sync"

	"mirror-core/pkg/broker"
)

// MasterIndex is the account whose feed drives quotes and exit monitoring.
const MasterIndex = 1

var (
	ErrNotFound       = errors.New("account not found")
	ErrMasterInactive = errors.New("master account not active")
)

// Account is one configured brokerage login.
type Account struct {
	Index       int
	DisplayName string
	Gateway     broker.Gateway
	Credentials broker.Credentials

	active     bool
	clientName string
}

// Registry holds every configured account for the process lifetime. Accounts
// are created at startup and never destroyed; only the active flag changes.
type Registry struct {
	mu       sync.RWMutex
	accounts map[int]*Account
}

// NewRegistry builds a registry from the configured accounts.
func NewRegistry(accs []*Account) *Registry {
	m := make(map[int]*Account, len(accs))
	for _, a := range accs {
		m[a.Index] = a
	}
	return &Registry{accounts: m}
}

// Activate authenticates the account through its gateway and, on success,
// flips it active. On failure the account stays (or becomes) inactive; other
// accounts are unaffected.
func (r *Registry) Activate(ctx context.Context, index int) (broker.SessionIdentity, error) {
	r.mu.RLock()
	acc, ok := r.accounts[index]
	r.mu.RUnlock()
	if !ok {
		return broker.SessionIdentity{}, ErrNotFound
	}

	identity, err := acc.Gateway.Authenticate(ctx, acc.Credentials)
	r.mu.Lock()
	defer r.mu.Unlock()
	if err != nil {
		acc.active = false
		return broker.SessionIdentity{}, err
	}
	acc.active = true
	acc.clientName = identity.ClientName
	return identity, nil
}

// Deactivate marks the account inactive. Unknown indexes are ignored.
func (r *Registry) Deactivate(index int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if acc, ok := r.accounts[index]; ok {
		acc.active = false
	}
}

// Active returns the sorted indexes of currently active accounts. Each
// dispatch call re-reads this at call time and snapshots it for the duration
// of its own fan-out.
func (r *Registry) Active() []int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]int, 0, len(r.accounts))
	for idx, acc := range r.accounts {
		if acc.active {
			out = append(out, idx)
		}
	}
	sort.Ints(out)
	return out
}

// IsActive reports whether one account is active.
func (r *Registry) IsActive(index int) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	acc, ok := r.accounts[index]
	return ok && acc.active
}

// Master returns the master account's gateway. Children never substitute for
// the master: when it is missing or logged out, quote-driven monitoring is
// unavailable rather than silently following another account's feed.
func (r *Registry) Master() (broker.Gateway, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	acc, ok := r.accounts[MasterIndex]
	if !ok {
		return nil, ErrNotFound
	}
	if !acc.active {
		return nil, ErrMasterInactive
	}
	return acc.Gateway, nil
}

// Handle returns the account's gateway.
func (r *Registry) Handle(index int) (broker.Gateway, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	acc, ok := r.accounts[index]
	if !ok {
		return nil, ErrNotFound
	}
	return acc.Gateway, nil
}

// DisplayName returns the configured name for an account, falling back to the
// broker-reported client name once authenticated.
func (r *Registry) DisplayName(index int) string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	acc, ok := r.accounts[index]
	if !ok {
		return ""
	}
	if acc.DisplayName != "" {
		return acc.DisplayName
	}
	return acc.clientName
}

// Indexes returns every configured account index, sorted, active or not.
func (r *Registry) Indexes() []int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]int, 0, len(r.accounts))
	for idx := range r.accounts {
		out = append(out, idx)
	}
	sort.Ints(out)
	return out
}
