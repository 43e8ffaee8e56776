package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/reflectt/boardserver/internal/apierr"
)

// ChatStore is the append-only message log with edit/delete-by-author,
// reactions, and SQLite indexes on (channel, timestamp) and thread;
// mentions are recorded as mention_ack rows (spec §4.6).
type ChatStore struct {
	db       *sql.DB
	mu       sync.Mutex
	Sink     EventSink
	Now      func() int64
	Mentions *MentionAckStore
}

func (s *ChatStore) sink() EventSink {
	if s.Sink != nil {
		return s.Sink
	}
	return noopSink{}
}

func (s *ChatStore) now() int64 {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now().UnixMilli()
}

// PostMessage appends a message and publishes message_posted.
func (s *ChatStore) PostMessage(from, content, channel, threadID, replyTo string, metadata map[string]any) (*Message, *apierr.Error) {
	if strings.TrimSpace(from) == "" || strings.TrimSpace(content) == "" {
		return nil, apierr.Validation("from and content are required",
			apierr.Field{Path: "from", Message: "required"},
			apierr.Field{Path: "content", Message: "required"})
	}
	if channel == "" {
		channel = "general"
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	m := &Message{
		ID:        fmt.Sprintf("msg-%d-%s", now, randomSuffix(6)),
		From:      from,
		Content:   content,
		Channel:   channel,
		Timestamp: now,
		ThreadID:  threadID,
		ReplyTo:   replyTo,
		Metadata:  metadata,
	}

	metaJSON, _ := json.Marshal(m.Metadata)
	if _, err := s.db.Exec(`INSERT INTO messages (id, from_agent, content, channel, timestamp, thread_id, reply_to, metadata) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		m.ID, m.From, m.Content, m.Channel, m.Timestamp, nullable(m.ThreadID), nullable(m.ReplyTo), string(metaJSON)); err != nil {
		return nil, apierr.Internal(err)
	}

	if names := extractMentions(content); len(names) > 0 && s.Mentions != nil {
		s.Mentions.RecordMentions(m.ID, from, m.Channel, names, now)
	}

	s.sink().Publish("message_posted", from, "", map[string]any{"message": m})
	return m, nil
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// EditMessage updates content if author is the original author, bumping
// metadata.editedAt.
func (s *ChatStore) EditMessage(id, author, newContent string, now int64) (*Message, *apierr.Error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, aerr := s.getMessageLocked(id)
	if aerr != nil {
		return nil, aerr
	}
	if !strings.EqualFold(m.From, author) {
		return nil, apierr.Forbidden("only the original author may edit this message")
	}

	m.Content = newContent
	if m.Metadata == nil {
		m.Metadata = map[string]any{}
	}
	m.Metadata["editedAt"] = now

	metaJSON, _ := json.Marshal(m.Metadata)
	if _, err := s.db.Exec(`UPDATE messages SET content = ?, metadata = ? WHERE id = ?`, m.Content, string(metaJSON), id); err != nil {
		return nil, apierr.Internal(err)
	}
	return m, nil
}

// DeleteMessage soft-deletes a message if author is the original author.
func (s *ChatStore) DeleteMessage(id, author string) *apierr.Error {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, aerr := s.getMessageLocked(id)
	if aerr != nil {
		return aerr
	}
	if !strings.EqualFold(m.From, author) {
		return apierr.Forbidden("only the original author may delete this message")
	}
	if _, err := s.db.Exec(`UPDATE messages SET deleted = 1 WHERE id = ?`, id); err != nil {
		return apierr.Internal(err)
	}
	return nil
}

func (s *ChatStore) getMessageLocked(id string) (*Message, *apierr.Error) {
	row := s.db.QueryRow(`SELECT id, from_agent, content, channel, timestamp, thread_id, reply_to, deleted, metadata FROM messages WHERE id = ?`, id)
	var m Message
	var threadID, replyTo sql.NullString
	var metadata string
	var deleted int
	if err := row.Scan(&m.ID, &m.From, &m.Content, &m.Channel, &m.Timestamp, &threadID, &replyTo, &deleted, &metadata); err != nil {
		if err == sql.ErrNoRows {
			return nil, apierr.NotFound("message not found: " + id)
		}
		return nil, apierr.Internal(err)
	}
	m.ThreadID = threadID.String
	m.ReplyTo = replyTo.String
	m.Deleted = deleted != 0
	m.Metadata = map[string]any{}
	_ = json.Unmarshal([]byte(metadata), &m.Metadata)
	return &m, nil
}

// React toggles agent's emoji reaction on a message.
func (s *ChatStore) React(messageID, emoji, agent string) *apierr.Error {
	var exists int
	row := s.db.QueryRow(`SELECT COUNT(*) FROM reactions WHERE message_id = ? AND emoji = ? AND agent = ?`, messageID, emoji, agent)
	if err := row.Scan(&exists); err != nil {
		return apierr.Internal(err)
	}
	if exists > 0 {
		_, err := s.db.Exec(`DELETE FROM reactions WHERE message_id = ? AND emoji = ? AND agent = ?`, messageID, emoji, agent)
		if err != nil {
			return apierr.Internal(err)
		}
		return nil
	}
	_, err := s.db.Exec(`INSERT INTO reactions (message_id, emoji, agent) VALUES (?, ?, ?)`, messageID, emoji, agent)
	if err != nil {
		return apierr.Internal(err)
	}
	return nil
}

// Reactions returns {emoji -> agents} for a message.
func (s *ChatStore) Reactions(messageID string) (map[string][]string, *apierr.Error) {
	rows, err := s.db.Query(`SELECT emoji, agent FROM reactions WHERE message_id = ?`, messageID)
	if err != nil {
		return nil, apierr.Internal(err)
	}
	defer rows.Close()
	out := map[string][]string{}
	for rows.Next() {
		var emoji, agent string
		if err := rows.Scan(&emoji, &agent); err != nil {
			return nil, apierr.Internal(err)
		}
		out[emoji] = append(out[emoji], agent)
	}
	return out, nil
}

// ChannelFilter narrows ListMessages.
type ChannelFilter struct {
	Channel  string
	ThreadID string
	Limit    int
}

// ListMessages returns non-deleted messages for a channel/thread, oldest
// first.
func (s *ChatStore) ListMessages(f ChannelFilter) ([]*Message, *apierr.Error) {
	var where []string
	var args []any
	where = append(where, "deleted = 0")
	if f.Channel != "" {
		where = append(where, "channel = ?")
		args = append(args, f.Channel)
	}
	if f.ThreadID != "" {
		where = append(where, "thread_id = ?")
		args = append(args, f.ThreadID)
	}
	query := `SELECT id, from_agent, content, channel, timestamp, thread_id, reply_to, deleted, metadata FROM messages WHERE ` + strings.Join(where, " AND ") + ` ORDER BY timestamp ASC`
	if f.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", f.Limit)
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, apierr.Internal(err)
	}
	defer rows.Close()

	var out []*Message
	for rows.Next() {
		var m Message
		var threadID, replyTo sql.NullString
		var metadata string
		var deleted int
		if err := rows.Scan(&m.ID, &m.From, &m.Content, &m.Channel, &m.Timestamp, &threadID, &replyTo, &deleted, &metadata); err != nil {
			return nil, apierr.Internal(err)
		}
		m.ThreadID = threadID.String
		m.ReplyTo = replyTo.String
		m.Metadata = map[string]any{}
		_ = json.Unmarshal([]byte(metadata), &m.Metadata)
		out = append(out, &m)
	}
	return out, nil
}

// Channels returns the distinct set of channels with any message.
func (s *ChatStore) Channels() ([]string, *apierr.Error) {
	rows, err := s.db.Query(`SELECT DISTINCT channel FROM messages WHERE deleted = 0 ORDER BY channel`)
	if err != nil {
		return nil, apierr.Internal(err)
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var c string
		if err := rows.Scan(&c); err != nil {
			return nil, apierr.Internal(err)
		}
		out = append(out, c)
	}
	return out, nil
}

// Search does a simple substring search over message content.
func (s *ChatStore) Search(q string, limit int) ([]*Message, *apierr.Error) {
	query := `SELECT id, from_agent, content, channel, timestamp, thread_id, reply_to, deleted, metadata FROM messages WHERE deleted = 0 AND content LIKE ? ORDER BY timestamp DESC`
	if limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", limit)
	}
	rows, err := s.db.Query(query, "%"+q+"%")
	if err != nil {
		return nil, apierr.Internal(err)
	}
	defer rows.Close()

	var out []*Message
	for rows.Next() {
		var m Message
		var threadID, replyTo sql.NullString
		var metadata string
		var deleted int
		if err := rows.Scan(&m.ID, &m.From, &m.Content, &m.Channel, &m.Timestamp, &threadID, &replyTo, &deleted, &metadata); err != nil {
			return nil, apierr.Internal(err)
		}
		m.ThreadID = threadID.String
		m.ReplyTo = replyTo.String
		m.Metadata = map[string]any{}
		_ = json.Unmarshal([]byte(metadata), &m.Metadata)
		out = append(out, &m)
	}
	return out, nil
}
