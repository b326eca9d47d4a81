package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// ErrInsufficientCredits is returned by InsertReservation when the
// owner's available balance cannot cover the hold.
var ErrInsufficientCredits = errors.New("insufficient credits")

// SQLiteStore implements Store on a single SQLite database file.
type SQLiteStore struct {
	db *sql.DB
}

// Open opens (creating if needed) the database at path and applies
// pending migrations.
func Open(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path+"?_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// modernc sqlite is happiest with a single writer connection.
	db.SetMaxOpenConns(1)

	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) Close() error { return s.db.Close() }

const schema = `
CREATE TABLE IF NOT EXISTS chats (
	id          TEXT PRIMARY KEY,
	user_id     TEXT NOT NULL,
	title       TEXT NOT NULL DEFAULT '',
	visibility  TEXT NOT NULL DEFAULT 'private',
	created_at  TIMESTAMP NOT NULL,
	updated_at  TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_chats_user ON chats(user_id, updated_at);

CREATE TABLE IF NOT EXISTS messages (
	id                 TEXT PRIMARY KEY,
	chat_id            TEXT NOT NULL REFERENCES chats(id) ON DELETE CASCADE,
	parent_message_id  TEXT NOT NULL DEFAULT '',
	role               TEXT NOT NULL,
	model              TEXT NOT NULL DEFAULT '',
	parts              TEXT NOT NULL DEFAULT '[]',
	is_partial         INTEGER NOT NULL DEFAULT 0,
	input_tokens       INTEGER NOT NULL DEFAULT 0,
	output_tokens      INTEGER NOT NULL DEFAULT 0,
	created_at         TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_messages_chat ON messages(chat_id, created_at);

CREATE TABLE IF NOT EXISTS documents (
	id          TEXT PRIMARY KEY,
	chat_id     TEXT NOT NULL,
	title       TEXT NOT NULL,
	kind        TEXT NOT NULL,
	created_at  TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS document_versions (
	document_id  TEXT NOT NULL REFERENCES documents(id) ON DELETE CASCADE,
	version      INTEGER NOT NULL,
	content      TEXT NOT NULL,
	created_at   TIMESTAMP NOT NULL,
	PRIMARY KEY (document_id, version)
);

CREATE TABLE IF NOT EXISTS credit_accounts (
	owner       TEXT PRIMARY KEY,
	balance     INTEGER NOT NULL,
	updated_at  TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS credit_reservations (
	id          TEXT PRIMARY KEY,
	owner       TEXT NOT NULL REFERENCES credit_accounts(owner),
	amount      INTEGER NOT NULL,
	actual      INTEGER NOT NULL DEFAULT 0,
	status      TEXT NOT NULL DEFAULT 'active',
	created_at  TIMESTAMP NOT NULL,
	updated_at  TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_reservations_owner ON credit_reservations(owner, status);
`

type migration struct {
	version     int
	description string
	up          string
}

var migrations = []migration{}

func (s *SQLiteStore) migrate() error {
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	var version int
	if err := s.db.QueryRow("PRAGMA user_version").Scan(&version); err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}
	for _, m := range migrations {
		if m.version <= version {
			continue
		}
		if _, err := s.db.Exec(m.up); err != nil {
			return fmt.Errorf("migration %d (%s): %w", m.version, m.description, err)
		}
		if _, err := s.db.Exec(fmt.Sprintf("PRAGMA user_version = %d", m.version)); err != nil {
			return fmt.Errorf("bump schema version: %w", err)
		}
	}
	return nil
}

func (s *SQLiteStore) CreateChat(ctx context.Context, chat Chat) error {
	if chat.Visibility == "" {
		chat.Visibility = VisibilityPrivate
	}
	now := time.Now().UTC()
	if chat.CreatedAt.IsZero() {
		chat.CreatedAt = now
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO chats (id, user_id, title, visibility, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		chat.ID, chat.UserID, chat.Title, chat.Visibility, chat.CreatedAt, now)
	return err
}

func (s *SQLiteStore) GetChat(ctx context.Context, id string) (Chat, error) {
	var chat Chat
	err := s.db.QueryRowContext(ctx,
		`SELECT id, user_id, title, visibility, created_at, updated_at FROM chats WHERE id = ?`, id).
		Scan(&chat.ID, &chat.UserID, &chat.Title, &chat.Visibility, &chat.CreatedAt, &chat.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Chat{}, ErrNotFound
	}
	return chat, err
}

func (s *SQLiteStore) UpdateChatTitle(ctx context.Context, id, title string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE chats SET title = ?, updated_at = ? WHERE id = ?`, title, time.Now().UTC(), id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLiteStore) ListChats(ctx context.Context, userID string, limit int) ([]Chat, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, user_id, title, visibility, created_at, updated_at
		 FROM chats WHERE user_id = ? ORDER BY updated_at DESC LIMIT ?`, userID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var chats []Chat
	for rows.Next() {
		var chat Chat
		if err := rows.Scan(&chat.ID, &chat.UserID, &chat.Title, &chat.Visibility, &chat.CreatedAt, &chat.UpdatedAt); err != nil {
			return nil, err
		}
		chats = append(chats, chat)
	}
	return chats, rows.Err()
}

func (s *SQLiteStore) DeleteChat(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM chats WHERE id = ?`, id)
	return err
}

func (s *SQLiteStore) UpsertMessage(ctx context.Context, msg Message) error {
	parts, err := json.Marshal(msg.Parts)
	if err != nil {
		return fmt.Errorf("encode parts: %w", err)
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now().UTC()
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO messages (id, chat_id, parent_message_id, role, model, parts, is_partial, input_tokens, output_tokens, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
			parts = excluded.parts,
			is_partial = excluded.is_partial,
			input_tokens = excluded.input_tokens,
			output_tokens = excluded.output_tokens`,
		msg.ID, msg.ChatID, msg.ParentMessageID, msg.Role, msg.Model, string(parts),
		msg.IsPartial, msg.InputTokens, msg.OutputTokens, msg.CreatedAt)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `UPDATE chats SET updated_at = ? WHERE id = ?`, time.Now().UTC(), msg.ChatID)
	return err
}

const messageColumns = `id, chat_id, parent_message_id, role, model, parts, is_partial, input_tokens, output_tokens, created_at`

func scanMessage(row interface{ Scan(...any) error }) (Message, error) {
	var msg Message
	var parts string
	err := row.Scan(&msg.ID, &msg.ChatID, &msg.ParentMessageID, &msg.Role, &msg.Model,
		&parts, &msg.IsPartial, &msg.InputTokens, &msg.OutputTokens, &msg.CreatedAt)
	if err != nil {
		return Message{}, err
	}
	if err := json.Unmarshal([]byte(parts), &msg.Parts); err != nil {
		return Message{}, fmt.Errorf("decode parts of %s: %w", msg.ID, err)
	}
	return msg, nil
}

func (s *SQLiteStore) GetMessage(ctx context.Context, id string) (Message, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+messageColumns+` FROM messages WHERE id = ?`, id)
	msg, err := scanMessage(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Message{}, ErrNotFound
	}
	return msg, err
}

func (s *SQLiteStore) ListMessages(ctx context.Context, chatID string) ([]Message, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+messageColumns+` FROM messages WHERE chat_id = ? ORDER BY created_at, id`, chatID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Message
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, msg)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) LatestAssistantMessage(ctx context.Context, chatID string) (Message, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+messageColumns+` FROM messages
		 WHERE chat_id = ? AND role = 'assistant'
		 ORDER BY created_at DESC, id DESC LIMIT 1`, chatID)
	msg, err := scanMessage(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Message{}, ErrNotFound
	}
	return msg, err
}

func (s *SQLiteStore) CreateDocument(ctx context.Context, doc Document) error {
	if doc.CreatedAt.IsZero() {
		doc.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO documents (id, chat_id, title, kind, created_at) VALUES (?, ?, ?, ?, ?)`,
		doc.ID, doc.ChatID, doc.Title, doc.Kind, doc.CreatedAt)
	return err
}

func (s *SQLiteStore) GetDocument(ctx context.Context, id string) (Document, error) {
	var doc Document
	err := s.db.QueryRowContext(ctx,
		`SELECT id, chat_id, title, kind, created_at FROM documents WHERE id = ?`, id).
		Scan(&doc.ID, &doc.ChatID, &doc.Title, &doc.Kind, &doc.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Document{}, ErrNotFound
	}
	return doc, err
}

func (s *SQLiteStore) SaveDocumentVersion(ctx context.Context, documentID, content string) (int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	var exists int
	if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM documents WHERE id = ?`, documentID).Scan(&exists); err != nil {
		return 0, err
	}
	if exists == 0 {
		return 0, ErrNotFound
	}

	var version int
	if err := tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(version), 0) + 1 FROM document_versions WHERE document_id = ?`, documentID).
		Scan(&version); err != nil {
		return 0, err
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO document_versions (document_id, version, content, created_at) VALUES (?, ?, ?, ?)`,
		documentID, version, content, time.Now().UTC()); err != nil {
		return 0, err
	}
	return version, tx.Commit()
}

func (s *SQLiteStore) LatestDocumentVersion(ctx context.Context, documentID string) (DocumentVersion, error) {
	var v DocumentVersion
	err := s.db.QueryRowContext(ctx,
		`SELECT document_id, version, content, created_at FROM document_versions
		 WHERE document_id = ? ORDER BY version DESC LIMIT 1`, documentID).
		Scan(&v.DocumentID, &v.Version, &v.Content, &v.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return DocumentVersion{}, ErrNotFound
	}
	return v, err
}

func (s *SQLiteStore) ListDocumentVersions(ctx context.Context, documentID string) ([]DocumentVersion, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT document_id, version, content, created_at FROM document_versions
		 WHERE document_id = ? ORDER BY version`, documentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []DocumentVersion
	for rows.Next() {
		var v DocumentVersion
		if err := rows.Scan(&v.DocumentID, &v.Version, &v.Content, &v.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) EnsureAccount(ctx context.Context, owner string, initial int64) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO credit_accounts (owner, balance, updated_at) VALUES (?, ?, ?)
		 ON CONFLICT(owner) DO NOTHING`,
		owner, initial, time.Now().UTC())
	return err
}

func (s *SQLiteStore) AvailableCredits(ctx context.Context, owner string) (int64, error) {
	var balance int64
	err := s.db.QueryRowContext(ctx, `SELECT balance FROM credit_accounts WHERE owner = ?`, owner).Scan(&balance)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, ErrNotFound
	}
	if err != nil {
		return 0, err
	}
	var held int64
	err = s.db.QueryRowContext(ctx,
		`SELECT COALESCE(SUM(amount), 0) FROM credit_reservations WHERE owner = ? AND status = 'active'`, owner).
		Scan(&held)
	if err != nil {
		return 0, err
	}
	return balance - held, nil
}

func (s *SQLiteStore) InsertReservation(ctx context.Context, r Reservation) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var balance int64
	err = tx.QueryRowContext(ctx, `SELECT balance FROM credit_accounts WHERE owner = ?`, r.Owner).Scan(&balance)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return err
	}
	var held int64
	if err := tx.QueryRowContext(ctx,
		`SELECT COALESCE(SUM(amount), 0) FROM credit_reservations WHERE owner = ? AND status = 'active'`, r.Owner).
		Scan(&held); err != nil {
		return err
	}
	if balance-held < r.Amount {
		return ErrInsufficientCredits
	}

	now := time.Now().UTC()
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO credit_reservations (id, owner, amount, status, created_at, updated_at)
		 VALUES (?, ?, ?, 'active', ?, ?)`,
		r.ID, r.Owner, r.Amount, now, now); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *SQLiteStore) GetReservation(ctx context.Context, id string) (Reservation, error) {
	var r Reservation
	err := s.db.QueryRowContext(ctx,
		`SELECT id, owner, amount, actual, status, created_at, updated_at
		 FROM credit_reservations WHERE id = ?`, id).
		Scan(&r.ID, &r.Owner, &r.Amount, &r.Actual, &r.Status, &r.CreatedAt, &r.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Reservation{}, ErrNotFound
	}
	return r, err
}

func (s *SQLiteStore) FinalizeReservation(ctx context.Context, id string, actual int64) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx,
		`UPDATE credit_reservations SET status = 'finalized', actual = ?, updated_at = ?
		 WHERE id = ? AND status = 'active'`,
		actual, time.Now().UTC(), id)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if n == 0 {
		// Already terminal, or unknown. Distinguish for callers.
		var status string
		err := tx.QueryRowContext(ctx, `SELECT status FROM credit_reservations WHERE id = ?`, id).Scan(&status)
		if errors.Is(err, sql.ErrNoRows) {
			return false, ErrNotFound
		}
		return false, err
	}
	var owner string
	if err := tx.QueryRowContext(ctx, `SELECT owner FROM credit_reservations WHERE id = ?`, id).Scan(&owner); err != nil {
		return false, err
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE credit_accounts SET balance = balance - ?, updated_at = ? WHERE owner = ?`,
		actual, time.Now().UTC(), owner); err != nil {
		return false, err
	}
	return true, tx.Commit()
}

func (s *SQLiteStore) ReleaseReservation(ctx context.Context, id string) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE credit_reservations SET status = 'released', updated_at = ?
		 WHERE id = ? AND status = 'active'`,
		time.Now().UTC(), id)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if n == 0 {
		var status string
		err := s.db.QueryRowContext(ctx, `SELECT status FROM credit_reservations WHERE id = ?`, id).Scan(&status)
		if errors.Is(err, sql.ErrNoRows) {
			return false, ErrNotFound
		}
		return false, err
	}
	return true, nil
}

var _ Store = (*SQLiteStore)(nil)
