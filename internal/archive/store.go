// Package archive mirrors reconciled messages into PostgreSQL so history
// survives restarts and can be searched without the server.
package archive

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/lib/pq"

	"github.com/whisper/workchat/internal/chat"
)

//go:embed migrations/*.sql
var migrations embed.FS

// DefaultSearchLimit caps search results when the caller passes no limit.
const DefaultSearchLimit = 50

// Store persists archived messages.
type Store struct {
	db *sql.DB
}

// Open connects to PostgreSQL, verifies the connection and applies pending
// schema migrations.
func Open(ctx context.Context, dsn string) (*Store, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("archive: open: %w", err)
	}
	db.SetMaxOpenConns(4)
	db.SetConnMaxIdleTime(5 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("archive: postgres connection failed: %w", err)
	}
	if err := migrateUp(db); err != nil {
		db.Close()
		return nil, err
	}
	return NewStore(db), nil
}

// NewStore wraps an open database whose schema is already migrated.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

func migrateUp(db *sql.DB) error {
	src, err := iofs.New(migrations, "migrations")
	if err != nil {
		return fmt.Errorf("archive: load migrations: %w", err)
	}
	driver, err := postgres.WithInstance(db, &postgres.Config{})
	if err != nil {
		return fmt.Errorf("archive: migration driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "postgres", driver)
	if err != nil {
		return fmt.Errorf("archive: migrate: %w", err)
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("archive: migrate up: %w", err)
	}
	return nil
}

// Close closes the database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// Upsert inserts or refreshes a message. A row already marked deleted stays
// deleted with its placeholder content.
func (s *Store) Upsert(ctx context.Context, m chat.Message) error {
	var attachments []byte
	if len(m.Attachments) > 0 {
		var err error
		attachments, err = json.Marshal(m.Attachments)
		if err != nil {
			return fmt.Errorf("archive: marshal attachments: %w", err)
		}
	}

	const query = `
		INSERT INTO archived_messages
			(id, client_id, conversation_id, sender_id, sender_name, content, type, status, pinned, edited_at, deleted, attachments, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		ON CONFLICT (id) DO UPDATE SET
			content     = CASE WHEN archived_messages.deleted THEN archived_messages.content ELSE EXCLUDED.content END,
			attachments = CASE WHEN archived_messages.deleted THEN NULL ELSE EXCLUDED.attachments END,
			deleted     = archived_messages.deleted OR EXCLUDED.deleted,
			status      = EXCLUDED.status,
			pinned      = EXCLUDED.pinned,
			edited_at   = EXCLUDED.edited_at,
			archived_at = now()`

	_, err := s.db.ExecContext(ctx, query,
		m.ID,
		m.ClientID,
		m.ConversationID,
		m.Sender.ID,
		m.Sender.Name,
		m.Content,
		string(m.Type),
		string(m.Status),
		m.Pinned,
		m.EditedAt,
		m.Deletion == chat.DeletedForEveryone,
		attachments,
		m.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("archive: upsert %s: %w", m.ID, err)
	}
	return nil
}

// Tombstone marks a message deleted for everyone. Unknown ids are ignored;
// the row arrives already deleted when its page is fetched.
func (s *Store) Tombstone(ctx context.Context, messageID string) error {
	const query = `
		UPDATE archived_messages
		SET deleted = TRUE, content = $2, attachments = NULL, pinned = FALSE, archived_at = now()
		WHERE id = $1`
	if _, err := s.db.ExecContext(ctx, query, messageID, chat.DeletedPlaceholder); err != nil {
		return fmt.Errorf("archive: tombstone %s: %w", messageID, err)
	}
	return nil
}

// Remove deletes a message hidden by the local user.
func (s *Store) Remove(ctx context.Context, messageID string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM archived_messages WHERE id = $1`, messageID); err != nil {
		return fmt.Errorf("archive: remove %s: %w", messageID, err)
	}
	return nil
}

// Search returns non-deleted messages whose content contains query, newest
// first. conversationID may be empty to search everything.
func (s *Store) Search(ctx context.Context, query, conversationID string, limit int) ([]chat.Message, error) {
	if strings.TrimSpace(query) == "" {
		return nil, nil
	}
	if limit <= 0 {
		limit = DefaultSearchLimit
	}

	const q = `
		SELECT id, client_id, conversation_id, sender_id, sender_name, content, type, status, pinned, edited_at, deleted, attachments, created_at
		FROM archived_messages
		WHERE deleted = FALSE
		  AND content ILIKE '%' || $1::text || '%'
		  AND ($2::text = '' OR conversation_id = $2)
		ORDER BY created_at DESC, id DESC
		LIMIT $3`
	return s.query(ctx, q, escapeLike(query), conversationID, limit)
}

// Thread returns up to limit of a conversation's newest archived messages in
// display order.
func (s *Store) Thread(ctx context.Context, conversationID string, limit int) ([]chat.Message, error) {
	if limit <= 0 {
		limit = DefaultSearchLimit
	}
	const q = `
		SELECT id, client_id, conversation_id, sender_id, sender_name, content, type, status, pinned, edited_at, deleted, attachments, created_at
		FROM (
			SELECT * FROM archived_messages
			WHERE conversation_id = $1
			ORDER BY created_at DESC, id DESC
			LIMIT $2
		) newest
		ORDER BY created_at ASC, id ASC`
	return s.query(ctx, q, conversationID, limit)
}

func (s *Store) query(ctx context.Context, q string, args ...interface{}) ([]chat.Message, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("archive: query: %w", err)
	}
	defer rows.Close()

	var out []chat.Message
	for rows.Next() {
		var (
			m           chat.Message
			msgType     string
			status      string
			editedAt    sql.NullTime
			deleted     bool
			attachments []byte
		)
		if err := rows.Scan(&m.ID, &m.ClientID, &m.ConversationID, &m.Sender.ID, &m.Sender.Name,
			&m.Content, &msgType, &status, &m.Pinned, &editedAt, &deleted, &attachments, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("archive: scan: %w", err)
		}
		m.Type = chat.MessageType(msgType)
		m.Status = chat.Status(status)
		if editedAt.Valid {
			t := editedAt.Time
			m.EditedAt = &t
			m.Edited = true
		}
		if deleted {
			m.Deletion = chat.DeletedForEveryone
		}
		if len(attachments) > 0 {
			if err := json.Unmarshal(attachments, &m.Attachments); err != nil {
				return nil, fmt.Errorf("archive: unmarshal attachments: %w", err)
			}
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// escapeLike makes s match literally inside an ILIKE pattern.
func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}
