package store

import (
	"context"
	"errors"
)

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("not found")

// Store is the persistence surface for chats, messages, documents and
// credits.
type Store interface {
	ChatStore
	MessageStore
	DocumentStore
	CreditStore

	Close() error
}

type ChatStore interface {
	CreateChat(ctx context.Context, chat Chat) error
	GetChat(ctx context.Context, id string) (Chat, error)
	UpdateChatTitle(ctx context.Context, id, title string) error
	ListChats(ctx context.Context, userID string, limit int) ([]Chat, error)
	DeleteChat(ctx context.Context, id string) error
}

type MessageStore interface {
	// UpsertMessage inserts the message, or replaces its content,
	// partial flag and token counts when the ID already exists.
	// Replays of a finished turn therefore converge on one row.
	UpsertMessage(ctx context.Context, msg Message) error
	GetMessage(ctx context.Context, id string) (Message, error)
	ListMessages(ctx context.Context, chatID string) ([]Message, error)
	// LatestAssistantMessage returns the most recent assistant message
	// in the chat, or ErrNotFound.
	LatestAssistantMessage(ctx context.Context, chatID string) (Message, error)
}

type DocumentStore interface {
	CreateDocument(ctx context.Context, doc Document) error
	GetDocument(ctx context.Context, id string) (Document, error)
	// SaveDocumentVersion appends a new revision and returns its
	// version number.
	SaveDocumentVersion(ctx context.Context, documentID, content string) (int, error)
	LatestDocumentVersion(ctx context.Context, documentID string) (DocumentVersion, error)
	ListDocumentVersions(ctx context.Context, documentID string) ([]DocumentVersion, error)
}

type CreditStore interface {
	// EnsureAccount creates the owner's account with the given balance
	// if it does not exist yet.
	EnsureAccount(ctx context.Context, owner string, initial int64) error
	// AvailableCredits is the balance minus all active reservations.
	AvailableCredits(ctx context.Context, owner string) (int64, error)
	// InsertReservation atomically checks available credits and
	// records the hold.
	InsertReservation(ctx context.Context, r Reservation) error
	GetReservation(ctx context.Context, id string) (Reservation, error)
	// FinalizeReservation debits the actual cost and marks the
	// reservation finalized. Returns false without error when the
	// reservation is already terminal.
	FinalizeReservation(ctx context.Context, id string, actual int64) (bool, error)
	// ReleaseReservation returns the hold. Returns false without error
	// when the reservation is already terminal.
	ReleaseReservation(ctx context.Context, id string) (bool, error)
}
