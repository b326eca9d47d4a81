package store

import (
	"time"

	"github.com/parley-chat/parley/internal/llm"
)

// Visibility of a chat.
type Visibility string

const (
	VisibilityPrivate Visibility = "private"
	VisibilityPublic  Visibility = "public"
)

// Chat is a conversation container. Messages within it form a tree;
// regenerations and edits branch via ParentMessageID.
type Chat struct {
	ID         string
	UserID     string
	Title      string
	Visibility Visibility
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// Message is a persisted chat message. ParentMessageID points at the
// message this one replies to; an empty value marks a root.
type Message struct {
	ID              string
	ChatID          string
	ParentMessageID string
	Role            llm.Role
	Model           string
	Parts           []llm.Part
	IsPartial       bool
	InputTokens     int64
	OutputTokens    int64
	CreatedAt       time.Time
}

// DocumentKind selects how a document's streamed updates compose.
type DocumentKind string

const (
	DocumentText  DocumentKind = "text"
	DocumentCode  DocumentKind = "code"
	DocumentSheet DocumentKind = "sheet"
)

// Document is an artifact created during a chat. Content lives in
// versions; the document row is identity and metadata.
type Document struct {
	ID        string
	ChatID    string
	Title     string
	Kind      DocumentKind
	CreatedAt time.Time
}

// DocumentVersion is one saved revision of a document.
type DocumentVersion struct {
	DocumentID string
	Version    int
	Content    string
	CreatedAt  time.Time
}

// ReservationStatus tracks the lifecycle of a credit hold.
type ReservationStatus string

const (
	ReservationActive    ReservationStatus = "active"
	ReservationFinalized ReservationStatus = "finalized"
	ReservationReleased  ReservationStatus = "released"
)

// Reservation is a hold against an owner's credit balance. Exactly one
// terminal transition applies: finalize (debit actual cost) or release
// (return the hold untouched).
type Reservation struct {
	ID        string
	Owner     string
	Amount    int64
	Actual    int64
	Status    ReservationStatus
	CreatedAt time.Time
	UpdatedAt time.Time
}
