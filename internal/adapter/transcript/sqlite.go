package transcript

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	_ "modernc.org/sqlite"

	"scribe-ai/internal/domain"
)

// SQLiteStore implements domain.TranscriptStore and domain.SideChannel on a
// local SQLite database. Meant for development and tests: side-channel
// events are persisted for inspection instead of being pushed to observers.
type SQLiteStore struct {
	db *sql.DB

	entropyMu sync.Mutex
	entropy   *ulid.MonotonicEntropy
}

// NewSQLiteStore opens (or creates) a SQLite database at dbPath and runs
// the schema migration.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open transcript db: %w", err)
	}
	// WAL mode for better concurrent reads.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}
	if err := migrate(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate transcript db: %w", err)
	}
	return &SQLiteStore{
		db:      db,
		entropy: ulid.Monotonic(rand.Reader, 0),
	}, nil
}

func migrate(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS messages (
			id              TEXT PRIMARY KEY,
			conversation_id TEXT NOT NULL,
			sender_id       TEXT NOT NULL DEFAULT '',
			text            TEXT NOT NULL DEFAULT '',
			ai_generated    INTEGER NOT NULL DEFAULT 0,
			generating      INTEGER NOT NULL DEFAULT 0,
			custom          TEXT NOT NULL DEFAULT '{}',
			created_at      TEXT NOT NULL,
			updated_at      TEXT NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_messages_conversation
			ON messages (conversation_id, created_at);
		CREATE TABLE IF NOT EXISTS channel_events (
			id              INTEGER PRIMARY KEY AUTOINCREMENT,
			conversation_id TEXT NOT NULL,
			type            TEXT NOT NULL,
			message_id      TEXT NOT NULL DEFAULT '',
			ai_state        TEXT NOT NULL DEFAULT '',
			created_at      TEXT NOT NULL
		)
	`)
	return err
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) newID() string {
	s.entropyMu.Lock()
	defer s.entropyMu.Unlock()
	return ulid.MustNew(ulid.Timestamp(time.Now()), s.entropy).String()
}

// SendMessage implements domain.TranscriptStore.
func (s *SQLiteStore) SendMessage(ctx context.Context, msg domain.ChannelMessage) (*domain.ChannelMessage, error) {
	if msg.ID == "" {
		msg.ID = s.newID()
	}
	now := time.Now().UTC()
	msg.CreatedAt = now
	msg.UpdatedAt = now

	custom, err := json.Marshal(msg.Custom)
	if err != nil {
		return nil, fmt.Errorf("marshal custom fields: %w", err)
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO messages (id, conversation_id, sender_id, text, ai_generated, generating, custom, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		msg.ID, msg.ConversationID, msg.SenderID, msg.Text,
		boolToInt(msg.AIGenerated), boolToInt(msg.Generating), string(custom),
		now.Format(time.RFC3339Nano), now.Format(time.RFC3339Nano),
	)
	if err != nil {
		return nil, fmt.Errorf("insert message: %w", err)
	}
	return &msg, nil
}

// PartialUpdateMessage implements domain.TranscriptStore.
func (s *SQLiteStore) PartialUpdateMessage(ctx context.Context, messageID string, update domain.TranscriptUpdate) error {
	now := time.Now().UTC().Format(time.RFC3339Nano)

	var res sql.Result
	var err error
	if update.SetText != nil {
		res, err = s.db.ExecContext(ctx,
			"UPDATE messages SET text = ?, generating = ?, updated_at = ? WHERE id = ?",
			*update.SetText, boolToInt(update.Generating), now, messageID,
		)
	} else {
		res, err = s.db.ExecContext(ctx,
			"UPDATE messages SET generating = ?, updated_at = ? WHERE id = ?",
			boolToInt(update.Generating), now, messageID,
		)
	}
	if err != nil {
		return fmt.Errorf("update message: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("%w: %s", domain.ErrMessageNotFound, messageID)
	}
	return nil
}

// GetMessage implements domain.TranscriptStore.
func (s *SQLiteStore) GetMessage(ctx context.Context, messageID string) (*domain.ChannelMessage, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, conversation_id, sender_id, text, ai_generated, generating, custom, created_at, updated_at
		 FROM messages WHERE id = ?`, messageID,
	)

	var msg domain.ChannelMessage
	var aiGenerated, generating int
	var custom, createdAt, updatedAt string
	err := row.Scan(&msg.ID, &msg.ConversationID, &msg.SenderID, &msg.Text,
		&aiGenerated, &generating, &custom, &createdAt, &updatedAt)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: %s", domain.ErrMessageNotFound, messageID)
	}
	if err != nil {
		return nil, fmt.Errorf("scan message: %w", err)
	}

	msg.AIGenerated = aiGenerated != 0
	msg.Generating = generating != 0
	if custom != "" && custom != "null" {
		if err := json.Unmarshal([]byte(custom), &msg.Custom); err != nil {
			return nil, fmt.Errorf("unmarshal custom fields: %w", err)
		}
	}
	if msg.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAt); err != nil {
		return nil, fmt.Errorf("parse created_at: %w", err)
	}
	if msg.UpdatedAt, err = time.Parse(time.RFC3339Nano, updatedAt); err != nil {
		return nil, fmt.Errorf("parse updated_at: %w", err)
	}
	return &msg, nil
}

// SendEvent implements domain.SideChannel. Events are recorded, not pushed.
func (s *SQLiteStore) SendEvent(ctx context.Context, conversationID string, event domain.ChannelEvent) error {
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO channel_events (conversation_id, type, message_id, ai_state, created_at) VALUES (?, ?, ?, ?, ?)",
		conversationID, event.Type, event.MessageID, string(event.State),
		time.Now().UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("insert channel event: %w", err)
	}
	return nil
}

// Events returns all recorded side-channel events for a conversation in
// insertion order.
func (s *SQLiteStore) Events(ctx context.Context, conversationID string) ([]domain.ChannelEvent, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT type, message_id, ai_state FROM channel_events WHERE conversation_id = ? ORDER BY id",
		conversationID,
	)
	if err != nil {
		return nil, fmt.Errorf("query channel events: %w", err)
	}
	defer rows.Close()

	var events []domain.ChannelEvent
	for rows.Next() {
		var event domain.ChannelEvent
		var state string
		if err := rows.Scan(&event.Type, &event.MessageID, &state); err != nil {
			return nil, fmt.Errorf("scan channel event: %w", err)
		}
		event.State = domain.IndicatorState(state)
		events = append(events, event)
	}
	return events, rows.Err()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

var (
	_ domain.TranscriptStore = (*SQLiteStore)(nil)
	_ domain.SideChannel     = (*SQLiteStore)(nil)
)
