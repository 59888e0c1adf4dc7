package storage

import "time"

// Conversation is the metadata row for one encrypted group conversation.
// The epoch is monotonically non-decreasing and MemberCount always equals
// the number of active member rows.
type Conversation struct {
	ConversationID string
	GroupID        []byte
	Epoch          uint64
	CreatedAt      time.Time
	UpdatedAt      time.Time
	LastMessageAt  *time.Time
	Title          string
	IsActive       bool
	MemberCount    int
}

// Member is one participant of a conversation. Removal is always a soft
// delete: IsActive flips to false and RemovedAt is set, the row is retained
// for audit.
type Member struct {
	MemberID       string
	ConversationID string
	IdentityRef    string
	LeafIndex      uint32
	Role           string
	IsActive       bool
	AddedAt        time.Time
	RemovedAt      *time.Time
}

// Member roles.
const (
	RoleMember = "member"
	RoleAdmin  = "admin"
)

// Message is one message row. WireFormat holds raw ciphertext until the
// plaintext cache is populated; Plaintext, once set, is cleared only by the
// explicit expiry sweep. (Epoch, SequenceNumber) orders messages within a
// conversation; gaps are legal.
type Message struct {
	MessageID      string
	ConversationID string
	SenderRef      string
	WireFormat     []byte
	Plaintext      []byte
	EmbedData      []byte
	Epoch          uint64
	SequenceNumber uint64
	IsDelivered    bool
	IsRead         bool
	IsSent         bool
	SendAttempts   int
	LastError      string
	CreatedAt      time.Time
}

// EpochKey is the stored secret for one (conversation, epoch) pair.
// DeletedAt set with IsActive false marks the first phase of the two-phase
// forward-secrecy delete; the maintenance sweep performs the hard purge.
type EpochKey struct {
	ConversationID string
	Epoch          uint64
	KeyMaterial    []byte
	CreatedAt      time.Time
	DeletedAt      *time.Time
	IsActive       bool
}

// KeyPackage is a pre-published single-use credential bundle. IsUsed
// transitions false to true exactly once.
type KeyPackage struct {
	KeyPackageID   string
	KeyPackageData []byte
	CipherSuite    uint16
	OwnerRef       string
	CreatedAt      time.Time
	ExpiresAt      *time.Time
	IsUsed         bool
	UsedAt         *time.Time
	ConversationID string
}

// Report is a moderation report scoped to one conversation.
type Report struct {
	ReportID       string
	ConversationID string
	ReporterRef    string
	SubjectRef     string
	Reason         string
	Detail         string
	CreatedAt      time.Time
}

// AdminRoster is the versioned membership-authority blob for a
// conversation. Writes are last-version-wins upserts.
type AdminRoster struct {
	ConversationID string
	Version        uint64
	RosterHash     []byte
	Payload        []byte
	UpdatedAt      time.Time
}
