package store

import (
	"database/sql"
	"encoding/json"
	"time"

	"github.com/reflectt/boardserver/internal/apierr"
)

// policyActionRetentionMs is how long audit rows are kept before lazy
// pruning (spec §3.1: "Retention: 7 days in memory, pruned lazily").
const policyActionRetentionMs = 7 * 24 * int64(time.Hour/time.Millisecond)

// PolicyActionStore is the watchdog audit log with rollback support
// (spec §3.1 / §4.2).
type PolicyActionStore struct {
	db *sql.DB
}

// Append records a new PolicyAction and opportunistically prunes rows
// past retention.
func (s *PolicyActionStore) Append(a *PolicyAction) *apierr.Error {
	if a.ID == "" {
		a.ID = "pa-" + randomSuffix(10)
	}
	if a.AppliedAt == 0 {
		a.AppliedAt = time.Now().UnixMilli()
	}
	prevJSON, _ := json.Marshal(a.PreviousState)

	_, err := s.db.Exec(`INSERT INTO policy_actions (id, kind, task_id, agent, description, previous_state, applied_at, rolled_back)
		VALUES (?, ?, ?, ?, ?, ?, ?, 0)`,
		a.ID, a.Kind, nullable(a.TaskID), nullable(a.Agent), a.Description, string(prevJSON), a.AppliedAt)
	if err != nil {
		return apierr.Internal(err)
	}

	s.prune()
	return nil
}

func (s *PolicyActionStore) prune() {
	cutoff := time.Now().UnixMilli() - policyActionRetentionMs
	s.db.Exec(`DELETE FROM policy_actions WHERE applied_at < ?`, cutoff)
}

// Get fetches a policy action by id.
func (s *PolicyActionStore) Get(id string) (*PolicyAction, *apierr.Error) {
	row := s.db.QueryRow(`SELECT id, kind, task_id, agent, description, previous_state, applied_at, rolled_back, rolled_back_at, rollback_by FROM policy_actions WHERE id = ?`, id)
	a, err := scanPolicyAction(row)
	if err == sql.ErrNoRows {
		return nil, apierr.NotFound("policy action not found: " + id)
	}
	if err != nil {
		return nil, apierr.Internal(err)
	}
	return a, nil
}

func scanPolicyAction(row interface{ Scan(dest ...any) error }) (*PolicyAction, error) {
	var a PolicyAction
	var taskID, agent, rollbackBy sql.NullString
	var prevState sql.NullString
	var rolledBackAt sql.NullInt64
	var rolledBack int
	if err := row.Scan(&a.ID, &a.Kind, &taskID, &agent, &a.Description, &prevState, &a.AppliedAt, &rolledBack, &rolledBackAt, &rollbackBy); err != nil {
		return nil, err
	}
	a.TaskID = taskID.String
	a.Agent = agent.String
	a.RolledBack = rolledBack != 0
	a.RolledBackAt = rolledBackAt.Int64
	a.RollbackBy = rollbackBy.String
	if prevState.Valid && prevState.String != "" && prevState.String != "null" {
		a.PreviousState = map[string]any{}
		_ = json.Unmarshal([]byte(prevState.String), &a.PreviousState)
	}
	return &a, nil
}

// MarkRolledBack records that actionID was reversed by actor.
func (s *PolicyActionStore) MarkRolledBack(actionID, actor string, when int64) *apierr.Error {
	_, err := s.db.Exec(`UPDATE policy_actions SET rolled_back = 1, rolled_back_at = ?, rollback_by = ? WHERE id = ?`, when, actor, actionID)
	if err != nil {
		return apierr.Internal(err)
	}
	return nil
}

// ListForTask returns every policy action recorded against taskID,
// newest first.
func (s *PolicyActionStore) ListForTask(taskID string) ([]*PolicyAction, *apierr.Error) {
	rows, err := s.db.Query(`SELECT id, kind, task_id, agent, description, previous_state, applied_at, rolled_back, rolled_back_at, rollback_by FROM policy_actions WHERE task_id = ? ORDER BY applied_at DESC`, taskID)
	if err != nil {
		return nil, apierr.Internal(err)
	}
	defer rows.Close()

	var out []*PolicyAction
	for rows.Next() {
		a, err := scanPolicyAction(rows)
		if err != nil {
			return nil, apierr.Internal(err)
		}
		out = append(out, a)
	}
	return out, nil
}

// CountSince returns how many actions of kind have been applied against
// taskID (or, if taskID=="", any task) since since.
func (s *PolicyActionStore) CountSince(kind, taskID string, since int64) (int, *apierr.Error) {
	query := `SELECT COUNT(*) FROM policy_actions WHERE kind = ? AND applied_at >= ?`
	args := []any{kind, since}
	if taskID != "" {
		query += " AND task_id = ?"
		args = append(args, taskID)
	}
	row := s.db.QueryRow(query, args...)
	var n int
	if err := row.Scan(&n); err != nil {
		return 0, apierr.Internal(err)
	}
	return n, nil
}

// RecordLoopTick upserts the durable "last tick" marker for a watchdog
// loop, proving liveness for /health/system (spec §1 / §4.2).
func (s *PolicyActionStore) RecordLoopTick(loopName string, at int64, actionsApplied int, inQuietHours bool) *apierr.Error {
	quiet := 0
	if inQuietHours {
		quiet = 1
	}
	_, err := s.db.Exec(`INSERT INTO system_loop_ticks (loop_name, last_tick_at, actions_applied, in_quiet_hours)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(loop_name) DO UPDATE SET last_tick_at=excluded.last_tick_at, actions_applied=excluded.actions_applied, in_quiet_hours=excluded.in_quiet_hours`,
		loopName, at, actionsApplied, quiet)
	if err != nil {
		return apierr.Internal(err)
	}
	return nil
}

// LoopTick is a durable liveness marker row.
type LoopTick struct {
	LoopName       string `json:"loopName"`
	LastTickAt     int64  `json:"lastTickAt"`
	ActionsApplied int    `json:"actionsApplied"`
	InQuietHours   bool   `json:"inQuietHours"`
}

// AllLoopTicks returns every recorded loop's last-tick marker, for the
// /health/system snapshot assembler.
func (s *PolicyActionStore) AllLoopTicks() ([]*LoopTick, *apierr.Error) {
	rows, err := s.db.Query(`SELECT loop_name, last_tick_at, actions_applied, in_quiet_hours FROM system_loop_ticks`)
	if err != nil {
		return nil, apierr.Internal(err)
	}
	defer rows.Close()

	var out []*LoopTick
	for rows.Next() {
		var t LoopTick
		var quiet int
		if err := rows.Scan(&t.LoopName, &t.LastTickAt, &t.ActionsApplied, &quiet); err != nil {
			return nil, apierr.Internal(err)
		}
		t.InQuietHours = quiet != 0
		out = append(out, &t)
	}
	return out, nil
}

// RecordCooldownMirror write-behinds a loop's per-key cooldown timestamp
// into the debug mirror table (spec SPEC_FULL §3.5). The in-memory
// cooldown map owned by the loop remains authoritative.
func (s *PolicyActionStore) RecordCooldownMirror(loopName, key string, lastFiredAt int64) *apierr.Error {
	_, err := s.db.Exec(`INSERT INTO loop_cooldowns (loop_name, cooldown_key, last_fired_at) VALUES (?, ?, ?)
		ON CONFLICT(loop_name, cooldown_key) DO UPDATE SET last_fired_at=excluded.last_fired_at`,
		loopName, key, lastFiredAt)
	if err != nil {
		return apierr.Internal(err)
	}
	return nil
}
