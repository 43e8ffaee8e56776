package store

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/reflectt/boardserver/internal/apierr"
)

// MentionAckStore tracks per-mention acknowledgement rows (spec §3.1 /
// §4.7).
type MentionAckStore struct {
	db *sql.DB
}

// RecordMentions inserts one ack row per unique @name found in a
// message, called whenever ChatStore.PostMessage succeeds.
func (s *MentionAckStore) RecordMentions(messageID, mentionedBy, channel string, names []string, createdAt int64) *apierr.Error {
	for _, name := range names {
		id := fmt.Sprintf("mack-%d-%s", createdAt, randomSuffix(4))
		if _, err := s.db.Exec(`INSERT INTO mention_ack (id, agent, message_id, mentioned_by, channel, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
			id, name, messageID, mentionedBy, channel, createdAt); err != nil {
			return apierr.Internal(err)
		}
	}
	return nil
}

// AckForAgentInChannel marks every unacked row for agent in channel as
// acked at ackedAt. Called when the mentioned agent posts a subsequent
// message in the same channel.
func (s *MentionAckStore) AckForAgentInChannel(agent, channel string, ackedAt int64) *apierr.Error {
	_, err := s.db.Exec(`UPDATE mention_ack SET acked_at = ? WHERE agent = ? AND channel = ? AND acked_at IS NULL`, ackedAt, agent, channel)
	if err != nil {
		return apierr.Internal(err)
	}
	return nil
}

// AckForTaskReference marks unacked rows acked when the mentioned agent
// edits or comments on a referenced task.
func (s *MentionAckStore) AckForTaskReference(agent string, ackedAt int64) *apierr.Error {
	_, err := s.db.Exec(`UPDATE mention_ack SET acked_at = ? WHERE agent = ? AND acked_at IS NULL`, ackedAt, agent)
	if err != nil {
		return apierr.Internal(err)
	}
	return nil
}

// Unacked returns rows for agent (or all agents if agent=="") older than
// olderThan that remain unacked, used by the mention-rescue sweep.
func (s *MentionAckStore) Unacked(agent string, olderThan int64) ([]*MentionAck, *apierr.Error) {
	query := `SELECT id, agent, message_id, mentioned_by, channel, created_at, acked_at FROM mention_ack WHERE acked_at IS NULL AND created_at < ?`
	args := []any{olderThan}
	if agent != "" {
		query += " AND agent = ?"
		args = append(args, agent)
	}
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, apierr.Internal(err)
	}
	defer rows.Close()

	var out []*MentionAck
	for rows.Next() {
		var m MentionAck
		var ackedAt sql.NullInt64
		if err := rows.Scan(&m.ID, &m.Agent, &m.MessageID, &m.MentionedBy, &m.Channel, &m.CreatedAt, &ackedAt); err != nil {
			return nil, apierr.Internal(err)
		}
		m.AckedAt = ackedAt.Int64
		out = append(out, &m)
	}
	return out, nil
}

// ForAgent returns every ack row naming agent, newest first.
func (s *MentionAckStore) ForAgent(agent string) ([]*MentionAck, *apierr.Error) {
	rows, err := s.db.Query(`SELECT id, agent, message_id, mentioned_by, channel, created_at, acked_at FROM mention_ack WHERE agent = ? ORDER BY created_at DESC`, agent)
	if err != nil {
		return nil, apierr.Internal(err)
	}
	defer rows.Close()

	var out []*MentionAck
	for rows.Next() {
		var m MentionAck
		var ackedAt sql.NullInt64
		if err := rows.Scan(&m.ID, &m.Agent, &m.MessageID, &m.MentionedBy, &m.Channel, &m.CreatedAt, &ackedAt); err != nil {
			return nil, apierr.Internal(err)
		}
		m.AckedAt = ackedAt.Int64
		out = append(out, &m)
	}
	return out, nil
}

// nowMsFromTime is a small convenience used outside TaskStore's receiver-bound
// clock.
func nowMsFromTime() int64 { return time.Now().UnixMilli() }
