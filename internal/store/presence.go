package store

import (
	"database/sql"
	"encoding/json"
	"time"

	"github.com/reflectt/boardserver/internal/apierr"
)

// PresenceStore tracks per-agent liveness (spec §4.7).
type PresenceStore struct {
	db   *sql.DB
	Sink EventSink
}

func (s *PresenceStore) sink() EventSink {
	if s.Sink != nil {
		return s.Sink
	}
	return noopSink{}
}

// UpdatePresence overwrites the row for agent.
func (s *PresenceStore) UpdatePresence(agent string, status PresenceStatus, currentTask string, since int64) (*Presence, *apierr.Error) {
	if since == 0 {
		since = time.Now().UnixMilli()
	}
	now := time.Now().UnixMilli()

	p := &Presence{Agent: agent, Status: status, Since: since, LastUpdate: now, CurrentTask: currentTask}
	if err := s.upsert(p); err != nil {
		return nil, apierr.Internal(err)
	}
	s.sink().Publish("presence_updated", agent, "", map[string]any{"presence": p})
	return p, nil
}

// RecordActivity bumps lastUpdate without changing status; if no row
// exists yet, one is created with status=working.
func (s *PresenceStore) RecordActivity(agent, kind string) *apierr.Error {
	now := time.Now().UnixMilli()
	if _, err := s.db.Exec(`INSERT INTO agent_activity (agent, kind, timestamp) VALUES (?, ?, ?)`, agent, kind, now); err != nil {
		return apierr.Internal(err)
	}

	existing, aerr := s.Get(agent)
	if aerr != nil {
		return aerr
	}
	if existing == nil {
		_, uerr := s.UpdatePresence(agent, PresenceWorking, "", now)
		return uerr
	}
	existing.LastUpdate = now
	if err := s.upsert(existing); err != nil {
		return apierr.Internal(err)
	}
	return nil
}

// SetFocus sets or clears a presence row's focus override.
func (s *PresenceStore) SetFocus(agent string, focus *Focus) *apierr.Error {
	p, aerr := s.Get(agent)
	if aerr != nil {
		return aerr
	}
	if p == nil {
		p = &Presence{Agent: agent, Status: PresenceIdle, Since: time.Now().UnixMilli(), LastUpdate: time.Now().UnixMilli()}
	}
	p.Focus = focus
	if err := s.upsert(p); err != nil {
		return apierr.Internal(err)
	}
	return nil
}

func (s *PresenceStore) upsert(p *Presence) error {
	focusJSON, _ := json.Marshal(p.Focus)
	_, err := s.db.Exec(`INSERT INTO presence (agent, status, since, last_update, current_task, focus)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(agent) DO UPDATE SET status=excluded.status, since=excluded.since, last_update=excluded.last_update, current_task=excluded.current_task, focus=excluded.focus`,
		p.Agent, string(p.Status), p.Since, p.LastUpdate, nullable(p.CurrentTask), string(focusJSON))
	return err
}

// Get returns the explicit presence row for agent, or nil if none exists.
func (s *PresenceStore) Get(agent string) (*Presence, *apierr.Error) {
	row := s.db.QueryRow(`SELECT agent, status, since, last_update, current_task, focus FROM presence WHERE agent = ?`, agent)
	var p Presence
	var currentTask sql.NullString
	var focusJSON string
	if err := row.Scan(&p.Agent, &p.Status, &p.Since, &p.LastUpdate, &currentTask, &focusJSON); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, apierr.Internal(err)
	}
	p.CurrentTask = currentTask.String
	if focusJSON != "" && focusJSON != "null" {
		var f Focus
		if json.Unmarshal([]byte(focusJSON), &f) == nil {
			p.Focus = &f
		}
	}
	return &p, nil
}

// ListAll returns every explicit presence row.
func (s *PresenceStore) ListAll() ([]*Presence, *apierr.Error) {
	rows, err := s.db.Query(`SELECT agent, status, since, last_update, current_task, focus FROM presence`)
	if err != nil {
		return nil, apierr.Internal(err)
	}
	defer rows.Close()
	var out []*Presence
	for rows.Next() {
		var p Presence
		var currentTask sql.NullString
		var focusJSON string
		if err := rows.Scan(&p.Agent, &p.Status, &p.Since, &p.LastUpdate, &currentTask, &focusJSON); err != nil {
			return nil, apierr.Internal(err)
		}
		p.CurrentTask = currentTask.String
		if focusJSON != "" && focusJSON != "null" {
			var f Focus
			if json.Unmarshal([]byte(focusJSON), &f) == nil {
				p.Focus = &f
			}
		}
		out = append(out, &p)
	}
	return out, nil
}

// LastActivity returns the timestamp of agent's most recent activity
// row, or 0 if none.
func (s *PresenceStore) LastActivity(agent string) (int64, *apierr.Error) {
	row := s.db.QueryRow(`SELECT MAX(timestamp) FROM agent_activity WHERE agent = ?`, agent)
	var ts sql.NullInt64
	if err := row.Scan(&ts); err != nil {
		return 0, apierr.Internal(err)
	}
	return ts.Int64, nil
}

// TasksCompletedToday counts agent_activity rows of kind
// "task_completed" since local midnight, used by presence inference.
func (s *PresenceStore) TasksCompletedToday(agent string, sinceMidnightMs int64) (int, *apierr.Error) {
	row := s.db.QueryRow(`SELECT COUNT(*) FROM agent_activity WHERE agent = ? AND kind = 'task_completed' AND timestamp >= ?`, agent, sinceMidnightMs)
	var n int
	if err := row.Scan(&n); err != nil {
		return 0, apierr.Internal(err)
	}
	return n, nil
}

// InferPresence synthesizes a presence snapshot for an agent with no
// explicit row but recent activity (spec §4.7). Returns nil if the agent
// has no activity at all.
func (s *PresenceStore) InferPresence(agent string, now time.Time) (*Presence, *apierr.Error) {
	last, aerr := s.LastActivity(agent)
	if aerr != nil {
		return nil, aerr
	}
	if last == 0 {
		return nil, nil
	}

	midnight := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location()).UnixMilli()
	completedToday, aerr := s.TasksCompletedToday(agent, midnight)
	if aerr != nil {
		return nil, aerr
	}

	status := PresenceIdle
	if completedToday > 0 {
		status = PresenceWorking
	}
	if now.UnixMilli()-last > 10*time.Minute.Milliseconds() {
		status = PresenceOffline
	}

	return &Presence{Agent: agent, Status: status, Since: last, LastUpdate: last}, nil
}
