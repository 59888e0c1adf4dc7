package storage

import "errors"

var (
	// ErrConversationNotFound indicates no conversation row exists for the
	// requested identifier.
	ErrConversationNotFound = errors.New("conversation not found")
	// ErrMemberNotFound indicates no member row exists for the requested
	// identifier.
	ErrMemberNotFound = errors.New("member not found")
	// ErrMessageNotFound indicates no message row exists for the requested
	// identifier.
	ErrMessageNotFound = errors.New("message not found")
	// ErrEpochKeyNotFound indicates no epoch key row exists for the
	// requested (conversation, epoch) pair, not even a soft-deleted one.
	ErrEpochKeyNotFound = errors.New("epoch key not found")
	// ErrKeyPackageNotFound indicates no key package row exists for the
	// requested identifier.
	ErrKeyPackageNotFound = errors.New("key package not found")
	// ErrKeyPackageUsed indicates an attempt to consume a key package that
	// has already transitioned to used.
	ErrKeyPackageUsed = errors.New("key package already used")
	// ErrInvalidGroupID indicates an empty or malformed protocol group
	// identifier.
	ErrInvalidGroupID = errors.New("invalid group identifier")
	// ErrReferentialIntegrity indicates a write referenced a conversation
	// that does not exist. This signals an ordering bug in the caller
	// (conversation creation must precede dependent writes) and is always
	// surfaced loudly, never silently retried.
	ErrReferentialIntegrity = errors.New("referential integrity violation")
	// ErrEpochRegression indicates an attempt to move a conversation's
	// epoch backwards. Epochs are monotonically non-decreasing.
	ErrEpochRegression = errors.New("epoch regression")
	// ErrLeafIndexInUse indicates the leaf index is already held by an
	// active member of the conversation.
	ErrLeafIndexInUse = errors.New("leaf index already in use")
)
