// Package identity provides resolution of the locally authenticated identity.
//
// Every storage and vault operation in this module is scoped to exactly one
// identity. Rather than reading ambient global state inside storage
// internals, callers resolve the identity once at the call boundary through
// a Resolver and pass it down explicitly.
package identity

import (
	"errors"
	"strings"
	"sync"
)

// ErrNoAuthenticatedIdentity indicates no identity is currently resolvable,
// for example during an account-switch transition. All storage operations
// fail fast on this rather than proceeding under a stale identity.
var ErrNoAuthenticatedIdentity = errors.New("no authenticated identity")

// Identity is the opaque identifier of a locally authenticated user.
type Identity string

// String returns the identity as a plain string.
func (id Identity) String() string {
	return string(id)
}

// Valid reports whether the identity is non-empty after trimming whitespace.
// An empty identity must never reach a store or vault.
func (id Identity) Valid() bool {
	return strings.TrimSpace(string(id)) != ""
}

// Resolver returns the currently authenticated identity.
//
// Implementations must return ErrNoAuthenticatedIdentity while no user is
// signed in or while a switch between accounts is in progress.
type Resolver interface {
	Current() (Identity, error)
}

// StaticResolver always resolves to a fixed identity. Intended for tests
// and single-account tooling.
type StaticResolver struct {
	ID Identity
}

// Current implements Resolver.
func (r StaticResolver) Current() (Identity, error) {
	if !r.ID.Valid() {
		return "", ErrNoAuthenticatedIdentity
	}
	return r.ID, nil
}

// SwitchableResolver holds the active identity behind a mutex so that
// sign-in, sign-out and account switches can be observed safely from any
// goroutine.
type SwitchableResolver struct {
	mu     sync.RWMutex
	active Identity
	set    bool
}

// NewSwitchableResolver creates a resolver with no signed-in identity.
func NewSwitchableResolver() *SwitchableResolver {
	return &SwitchableResolver{}
}

// Current implements Resolver.
func (r *SwitchableResolver) Current() (Identity, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if !r.set || !r.active.Valid() {
		return "", ErrNoAuthenticatedIdentity
	}
	return r.active, nil
}

// SignIn installs id as the active identity.
func (r *SwitchableResolver) SignIn(id Identity) error {
	if !id.Valid() {
		return ErrNoAuthenticatedIdentity
	}

	r.mu.Lock()
	r.active = id
	r.set = true
	r.mu.Unlock()
	return nil
}

// SignOut clears the active identity. Calls to Current fail until the next
// SignIn completes.
func (r *SwitchableResolver) SignOut() {
	r.mu.Lock()
	r.active = ""
	r.set = false
	r.mu.Unlock()
}
