// Package bridge adapts the asynchronous encrypted store to the
// synchronous storage callbacks of the external cryptographic engine.
//
// The engine persists and fetches per-epoch secrets through a synchronous
// calling convention, invoked from its own worker threads. The store is
// asynchronous and serialized per identity. The bridge resolves the
// mismatch with an explicit blocking hand-off: each synchronous call
// submits a job to a dedicated background worker pool and blocks on a
// one-shot result channel until the store operation completes.
//
// This is a boundary adapter, not a general async-to-sync pattern. The
// blocking hand-off must never run on a UI or event-loop goroutine, and
// the engine must never invoke these callbacks from the store's own write
// path (reentrancy would deadlock the single-writer queue).
package bridge

import (
	"context"
	"encoding/hex"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/opmsg/groupstore/identity"
	"github.com/opmsg/groupstore/storage"
)

// EpochSecretCallbacks is the synchronous contract consumed by the
// cryptographic engine. Implementations may be called from any thread.
// Failures collapse to the boolean/nil result; no error or panic ever
// crosses this boundary back into the engine.
type EpochSecretCallbacks interface {
	// StoreEpochSecret persists the secret for (conversationKey, epoch),
	// returning false on any failure.
	StoreEpochSecret(conversationKey string, epoch uint64, secret []byte) bool
	// GetEpochSecret returns the stored secret, or nil when absent or on
	// failure.
	GetEpochSecret(conversationKey string, epoch uint64) []byte
	// DeleteEpochSecret records deletion intent for the secret, returning
	// false on any failure.
	DeleteEpochSecret(conversationKey string, epoch uint64) bool
}

// Bridge implements EpochSecretCallbacks on top of the per-identity store
// manager. The identity is resolved fresh on every call so an account
// switch mid-session fails closed instead of writing under a stale
// identity.
type Bridge struct {
	stores   *storage.Manager
	resolver identity.Resolver

	jobs     chan func()
	stopOnce sync.Once
	done     chan struct{}
	wg       sync.WaitGroup
}

// New starts a bridge with the given worker pool size. Workers is clamped
// to at least one.
func New(stores *storage.Manager, resolver identity.Resolver, workers int) *Bridge {
	if workers < 1 {
		workers = 1
	}

	b := &Bridge{
		stores:   stores,
		resolver: resolver,
		jobs:     make(chan func()),
		done:     make(chan struct{}),
	}

	b.wg.Add(workers)
	for i := 0; i < workers; i++ {
		go b.worker()
	}

	return b
}

// Close stops the worker pool. Calls arriving after Close fail (false/nil)
// without blocking.
func (b *Bridge) Close() {
	b.stopOnce.Do(func() {
		close(b.done)
	})
	b.wg.Wait()
}

// worker services hand-off jobs. A panicking job is contained here; the
// calling thread belongs to the foreign engine and must never unwind.
func (b *Bridge) worker() {
	defer b.wg.Done()
	for {
		select {
		case <-b.done:
			return
		case job := <-b.jobs:
			func() {
				defer func() {
					if r := recover(); r != nil {
						logrus.WithFields(logrus.Fields{
							"function": "worker",
							"package":  "bridge",
							"panic":    r,
						}).Error("Recovered panic in bridge worker")
					}
				}()
				job()
			}()
		}
	}
}

// run executes fn on the worker pool and blocks the calling thread until
// it completes. Returns false if the pool is shut down.
func (b *Bridge) run(fn func()) bool {
	finished := make(chan struct{})
	job := func() {
		defer close(finished)
		fn()
	}

	select {
	case b.jobs <- job:
	case <-b.done:
		return false
	}

	// The store never abandons a dispatched write, so this wait is bounded
	// by the database's own busy timeout.
	<-finished
	return true
}

// StoreEpochSecret implements EpochSecretCallbacks. The conversation row is
// ensured before the secret write, in that order; the engine may export a
// secret for a group the store has never seen.
func (b *Bridge) StoreEpochSecret(conversationKey string, epoch uint64, secret []byte) bool {
	var ok bool
	submitted := b.run(func() {
		store, err := b.stores.Resolve(b.resolver)
		if err != nil {
			b.logFailure("StoreEpochSecret", conversationKey, epoch, err)
			return
		}

		ctx := context.Background()
		if err := store.EnsureConversationExists(ctx, conversationKey, groupIDFromKey(conversationKey)); err != nil {
			b.logFailure("StoreEpochSecret", conversationKey, epoch, err)
			return
		}
		if err := store.SaveEpochSecret(ctx, conversationKey, epoch, secret); err != nil {
			b.logFailure("StoreEpochSecret", conversationKey, epoch, err)
			return
		}
		ok = true
	})
	return submitted && ok
}

// GetEpochSecret implements EpochSecretCallbacks.
func (b *Bridge) GetEpochSecret(conversationKey string, epoch uint64) []byte {
	var secret []byte
	b.run(func() {
		store, err := b.stores.Resolve(b.resolver)
		if err != nil {
			b.logFailure("GetEpochSecret", conversationKey, epoch, err)
			return
		}

		secret, err = store.GetEpochSecret(context.Background(), conversationKey, epoch)
		if err != nil {
			b.logFailure("GetEpochSecret", conversationKey, epoch, err)
			secret = nil
		}
	})
	return secret
}

// DeleteEpochSecret implements EpochSecretCallbacks.
func (b *Bridge) DeleteEpochSecret(conversationKey string, epoch uint64) bool {
	var ok bool
	submitted := b.run(func() {
		store, err := b.stores.Resolve(b.resolver)
		if err != nil {
			b.logFailure("DeleteEpochSecret", conversationKey, epoch, err)
			return
		}

		if err := store.DeleteEpochSecret(context.Background(), conversationKey, epoch); err != nil {
			b.logFailure("DeleteEpochSecret", conversationKey, epoch, err)
			return
		}
		ok = true
	})
	return submitted && ok
}

func (b *Bridge) logFailure(operation, conversationKey string, epoch uint64, err error) {
	logrus.WithFields(logrus.Fields{
		"function":     operation,
		"package":      "bridge",
		"conversation": conversationKey,
		"epoch":        epoch,
		"error":        err.Error(),
	}).Warn("Bridge operation failed")
}

// groupIDFromKey recovers raw protocol group identifier bytes from the key
// string the engine passes. The engine encodes the group identifier as
// hex; a non-hex key is carried through as raw bytes.
func groupIDFromKey(conversationKey string) []byte {
	if raw, err := hex.DecodeString(conversationKey); err == nil && len(raw) > 0 {
		return raw
	}
	return []byte(conversationKey)
}
