package store

import (
	"database/sql"
	"encoding/json"
	"time"

	"github.com/reflectt/boardserver/internal/apierr"
)

// InsightStore persists insights produced by the upstream
// reflection/clustering pipeline (spec §3.1 / §4.3).
type InsightStore struct {
	db *sql.DB
}

// Get fetches an insight by id.
func (s *InsightStore) Get(id string) (*Insight, *apierr.Error) {
	row := s.db.QueryRow(`SELECT id, title, cluster_key, failure_family, impacted_unit, severity_max, priority, status, promotion_readiness, reflection_ids, authors, evidence_refs, task_id, updated_at FROM insights WHERE id = ?`, id)
	i, err := scanInsight(row)
	if err == sql.ErrNoRows {
		return nil, apierr.NotFound("insight not found: " + id)
	}
	if err != nil {
		return nil, apierr.Internal(err)
	}
	return i, nil
}

func scanInsight(row interface{ Scan(dest ...any) error }) (*Insight, error) {
	var i Insight
	var reflectionIDs, authors, evidenceRefs string
	if err := row.Scan(&i.ID, &i.Title, &i.ClusterKey, &i.FailureFamily, &i.ImpactedUnit, &i.SeverityMax, &i.Priority,
		&i.Status, &i.PromotionReadiness, &reflectionIDs, &authors, &evidenceRefs, &i.TaskID, &i.UpdatedAt); err != nil {
		return nil, err
	}
	_ = json.Unmarshal([]byte(reflectionIDs), &i.ReflectionIDs)
	_ = json.Unmarshal([]byte(authors), &i.Authors)
	_ = json.Unmarshal([]byte(evidenceRefs), &i.EvidenceRefs)
	return &i, nil
}

// Upsert inserts or replaces an insight row.
func (s *InsightStore) Upsert(i *Insight) *apierr.Error {
	if i.UpdatedAt == 0 {
		i.UpdatedAt = time.Now().UnixMilli()
	}
	reflectionIDs, _ := json.Marshal(i.ReflectionIDs)
	authors, _ := json.Marshal(i.Authors)
	evidenceRefs, _ := json.Marshal(i.EvidenceRefs)

	_, err := s.db.Exec(`INSERT INTO insights
		(id, title, cluster_key, failure_family, impacted_unit, severity_max, priority, status, promotion_readiness, reflection_ids, authors, evidence_refs, task_id, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			title=excluded.title, cluster_key=excluded.cluster_key, failure_family=excluded.failure_family,
			impacted_unit=excluded.impacted_unit, severity_max=excluded.severity_max, priority=excluded.priority,
			status=excluded.status, promotion_readiness=excluded.promotion_readiness, reflection_ids=excluded.reflection_ids,
			authors=excluded.authors, evidence_refs=excluded.evidence_refs, task_id=excluded.task_id, updated_at=excluded.updated_at`,
		i.ID, i.Title, i.ClusterKey, i.FailureFamily, i.ImpactedUnit, i.SeverityMax, i.Priority, i.Status,
		i.PromotionReadiness, string(reflectionIDs), string(authors), string(evidenceRefs), i.TaskID, i.UpdatedAt)
	if err != nil {
		return apierr.Internal(err)
	}
	return nil
}

// SetTaskLink links insight id to taskID and sets status (spec §4.3 step
// 2/3/7).
func (s *InsightStore) SetTaskLink(id, taskID, status string) *apierr.Error {
	_, err := s.db.Exec(`UPDATE insights SET task_id = ?, status = ?, updated_at = ? WHERE id = ?`, taskID, status, time.Now().UnixMilli(), id)
	if err != nil {
		return apierr.Internal(err)
	}
	return nil
}

// SetStatus updates only the status column.
func (s *InsightStore) SetStatus(id, status string) *apierr.Error {
	_, err := s.db.Exec(`UPDATE insights SET status = ?, updated_at = ? WHERE id = ?`, status, time.Now().UnixMilli(), id)
	if err != nil {
		return apierr.Internal(err)
	}
	return nil
}

// ListByStatus returns every insight with the given status.
func (s *InsightStore) ListByStatus(status string) ([]*Insight, *apierr.Error) {
	rows, err := s.db.Query(`SELECT id, title, cluster_key, failure_family, impacted_unit, severity_max, priority, status, promotion_readiness, reflection_ids, authors, evidence_refs, task_id, updated_at FROM insights WHERE status = ?`, status)
	if err != nil {
		return nil, apierr.Internal(err)
	}
	defer rows.Close()

	var out []*Insight
	for rows.Next() {
		i, err := scanInsight(rows)
		if err != nil {
			return nil, apierr.Internal(err)
		}
		out = append(out, i)
	}
	return out, nil
}

// FindByClusterKey returns insights sharing clusterKey, used by the
// bridge's already-addressed matching (spec §4.3 step 2b).
func (s *InsightStore) FindByClusterKey(clusterKey string) ([]*Insight, *apierr.Error) {
	rows, err := s.db.Query(`SELECT id, title, cluster_key, failure_family, impacted_unit, severity_max, priority, status, promotion_readiness, reflection_ids, authors, evidence_refs, task_id, updated_at FROM insights WHERE cluster_key = ?`, clusterKey)
	if err != nil {
		return nil, apierr.Internal(err)
	}
	defer rows.Close()

	var out []*Insight
	for rows.Next() {
		i, err := scanInsight(rows)
		if err != nil {
			return nil, apierr.Internal(err)
		}
		out = append(out, i)
	}
	return out, nil
}

// TriageStore is the append-only audit of human triage decisions (spec
// §4.3).
type TriageStore struct {
	db *sql.DB
}

// Append records a new TriageDecision.
func (s *TriageStore) Append(d *TriageDecision) *apierr.Error {
	if d.ID == "" {
		d.ID = "triage-" + randomSuffix(10)
	}
	if d.Timestamp == 0 {
		d.Timestamp = time.Now().UnixMilli()
	}
	_, err := s.db.Exec(`INSERT INTO triage_audit (id, insight_id, action, reviewer, rationale, outcome_task_id, previous_status, new_status, timestamp)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		d.ID, d.InsightID, d.Action, d.Reviewer, d.Rationale, d.OutcomeTaskID, d.PreviousStatus, d.NewStatus, d.Timestamp)
	if err != nil {
		return apierr.Internal(err)
	}
	return nil
}

// ForInsight returns every triage decision recorded for insightID.
func (s *TriageStore) ForInsight(insightID string) ([]*TriageDecision, *apierr.Error) {
	rows, err := s.db.Query(`SELECT id, insight_id, action, reviewer, rationale, outcome_task_id, previous_status, new_status, timestamp FROM triage_audit WHERE insight_id = ? ORDER BY timestamp ASC`, insightID)
	if err != nil {
		return nil, apierr.Internal(err)
	}
	defer rows.Close()

	var out []*TriageDecision
	for rows.Next() {
		var d TriageDecision
		if err := rows.Scan(&d.ID, &d.InsightID, &d.Action, &d.Reviewer, &d.Rationale, &d.OutcomeTaskID, &d.PreviousStatus, &d.NewStatus, &d.Timestamp); err != nil {
			return nil, apierr.Internal(err)
		}
		out = append(out, &d)
	}
	return out, nil
}
