package broker

import (
	"sort"
	"sync"

	"tradesim/internal/errors"
)

// Registry holds the named engines and accounts of a process. It is built
// by the composition root and passed to whatever needs lookups.
type Registry struct {
	mu       sync.RWMutex
	engines  map[string]*Engine
	accounts map[string]Account
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		engines:  make(map[string]*Engine),
		accounts: make(map[string]Account),
	}
}

// RegisterEngine adds an engine under name.
func (r *Registry) RegisterEngine(name string, engine *Engine) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.engines[name]; ok {
		return errors.Wrapf(errors.ErrAlreadyRegistered, "engine %s", name)
	}
	r.engines[name] = engine
	return nil
}

// Engine returns the engine registered under name.
func (r *Registry) Engine(name string) (*Engine, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	engine, ok := r.engines[name]
	return engine, ok
}

// EngineOrCreate returns the engine registered under name, creating it with
// cfg on first use.
func (r *Registry) EngineOrCreate(name string, cfg EngineConfig) *Engine {
	r.mu.RLock()
	if engine, ok := r.engines[name]; ok {
		r.mu.RUnlock()
		return engine
	}
	r.mu.RUnlock()

	r.mu.Lock()
	defer r.mu.Unlock()

	// Double-check after acquiring write lock
	if engine, ok := r.engines[name]; ok {
		return engine
	}

	engine := NewEngine(cfg)
	r.engines[name] = engine
	return engine
}

// RegisterAccount adds an account under its id.
func (r *Registry) RegisterAccount(account Account) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.accounts[account.ID()]; ok {
		return errors.Wrapf(errors.ErrAlreadyRegistered, "account %s", account.ID())
	}
	r.accounts[account.ID()] = account
	return nil
}

// Account returns the account registered under id.
func (r *Registry) Account(id string) (Account, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	account, ok := r.accounts[id]
	if !ok {
		return nil, errors.Wrapf(errors.ErrAccountNotFound, "account %s", id)
	}
	return account, nil
}

// Accounts returns every registered account sorted by id.
func (r *Registry) Accounts() []Account {
	r.mu.RLock()
	defer r.mu.RUnlock()

	accounts := make([]Account, 0, len(r.accounts))
	for _, a := range r.accounts {
		accounts = append(accounts, a)
	}
	sort.Slice(accounts, func(i, j int) bool {
		return accounts[i].ID() < accounts[j].ID()
	})
	return accounts
}
