package vault

import "errors"

var (
	// ErrStoreFailed indicates the secure backend rejected a write.
	ErrStoreFailed = errors.New("vault store failed")
	// ErrRetrieveFailed indicates a read from the secure backend failed
	// for a reason other than the key being absent.
	ErrRetrieveFailed = errors.New("vault retrieve failed")
	// ErrDeleteFailed indicates the secure backend rejected a deletion.
	ErrDeleteFailed = errors.New("vault delete failed")
	// ErrKeyNotFound indicates no value is stored under the requested key.
	ErrKeyNotFound = errors.New("vault key not found")
	// ErrRandomGenerationFailed indicates the platform RNG did not deliver
	// the requested number of bytes.
	ErrRandomGenerationFailed = errors.New("secure random generation failed")
	// ErrAccessVerificationFailed indicates the startup round-trip
	// self-test could not write, read back and delete a probe value.
	ErrAccessVerificationFailed = errors.New("vault access verification failed")
	// ErrLocked indicates an item gated on AccessWhenUnlocked was requested
	// while the vault is locked.
	ErrLocked = errors.New("vault is locked")
)
