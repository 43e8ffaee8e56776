package store

// Typed views over Task.Metadata for every key spec §3.2 names as
// recognized. Metadata itself stays map[string]any at rest; gate checks
// and other consumers parse through these views. Unrecognized keys pass
// through untouched on merge (see applyPatch in update.go).

// QaBundle is metadata.qa_bundle.
type QaBundle struct {
	Summary        string   `json:"summary"`
	ArtifactLinks  []string `json:"artifact_links"`
	Checks         []string `json:"checks"`
	ReviewerNotes  string   `json:"reviewer_notes,omitempty"`
}

// ReviewerDecision is metadata.reviewer_decision.
type ReviewerDecision struct {
	Decision   string `json:"decision"`
	Reviewer   string `json:"reviewer"`
	Comment    string `json:"comment,omitempty"`
	DecidedAt  int64  `json:"decidedAt"`
	Source     string `json:"source,omitempty"`
	Resolution string `json:"resolution,omitempty"`
}

// OutcomeCheckpoint is metadata.outcome_checkpoint.
type OutcomeCheckpoint struct {
	Verdict    string `json:"verdict,omitempty"`
	Notes      string `json:"notes,omitempty"`
	CapturedAt int64  `json:"capturedAt,omitempty"`
	CapturedBy string `json:"capturedBy,omitempty"`
	DueAt      int64  `json:"dueAt,omitempty"`
	Status     string `json:"status"`
}

// AssignmentDecision is metadata.assignment_decision.
type AssignmentDecision struct {
	Reason               string   `json:"reason"`
	GuardrailApplied     bool     `json:"guardrail_applied"`
	SoleAuthorFallback   bool     `json:"sole_author_fallback"`
	CandidatesConsidered []string `json:"candidates_considered,omitempty"`
	InsightAuthors       []string `json:"insight_authors,omitempty"`
}

// LastTransition is metadata.last_transition.
type LastTransition struct {
	Actor     string `json:"actor"`
	Type      string `json:"type"`
	Timestamp int64  `json:"timestamp"`
}

func asMap(v any) (map[string]any, bool) {
	m, ok := v.(map[string]any)
	return m, ok
}

func asStringSlice(v any) []string {
	switch t := v.(type) {
	case []string:
		return t
	case []any:
		out := make([]string, 0, len(t))
		for _, e := range t {
			if s, ok := e.(string); ok {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}

func asString(v any) string {
	s, _ := v.(string)
	return s
}

func asBool(v any) bool {
	b, _ := v.(bool)
	return b
}

func asInt64(v any) int64 {
	switch t := v.(type) {
	case int64:
		return t
	case int:
		return int64(t)
	case float64:
		return int64(t)
	}
	return 0
}

// GetQaBundle parses metadata["qa_bundle"], returning ok=false if absent
// or malformed.
func GetQaBundle(md map[string]any) (QaBundle, bool) {
	raw, ok := md["qa_bundle"]
	if !ok {
		return QaBundle{}, false
	}
	m, ok := asMap(raw)
	if !ok {
		return QaBundle{}, false
	}
	return QaBundle{
		Summary:       asString(m["summary"]),
		ArtifactLinks: asStringSlice(m["artifact_links"]),
		Checks:        asStringSlice(m["checks"]),
		ReviewerNotes: asString(m["reviewer_notes"]),
	}, true
}

// PutQaBundle writes b into metadata["qa_bundle"].
func PutQaBundle(md map[string]any, b QaBundle) {
	md["qa_bundle"] = map[string]any{
		"summary":         b.Summary,
		"artifact_links":  b.ArtifactLinks,
		"checks":          b.Checks,
		"reviewer_notes":  b.ReviewerNotes,
	}
}

// GetReviewerDecision parses metadata["reviewer_decision"].
func GetReviewerDecision(md map[string]any) (ReviewerDecision, bool) {
	raw, ok := md["reviewer_decision"]
	if !ok {
		return ReviewerDecision{}, false
	}
	m, ok := asMap(raw)
	if !ok {
		return ReviewerDecision{}, false
	}
	return ReviewerDecision{
		Decision:   asString(m["decision"]),
		Reviewer:   asString(m["reviewer"]),
		Comment:    asString(m["comment"]),
		DecidedAt:  asInt64(m["decidedAt"]),
		Source:     asString(m["source"]),
		Resolution: asString(m["resolution"]),
	}, true
}

// PutReviewerDecision writes d into metadata["reviewer_decision"].
func PutReviewerDecision(md map[string]any, d ReviewerDecision) {
	md["reviewer_decision"] = map[string]any{
		"decision":   d.Decision,
		"reviewer":   d.Reviewer,
		"comment":    d.Comment,
		"decidedAt":  d.DecidedAt,
		"source":     d.Source,
		"resolution": d.Resolution,
	}
}

// GetOutcomeCheckpoint parses metadata["outcome_checkpoint"].
func GetOutcomeCheckpoint(md map[string]any) (OutcomeCheckpoint, bool) {
	raw, ok := md["outcome_checkpoint"]
	if !ok {
		return OutcomeCheckpoint{}, false
	}
	m, ok := asMap(raw)
	if !ok {
		return OutcomeCheckpoint{}, false
	}
	return OutcomeCheckpoint{
		Verdict:    asString(m["verdict"]),
		Notes:      asString(m["notes"]),
		CapturedAt: asInt64(m["capturedAt"]),
		CapturedBy: asString(m["capturedBy"]),
		DueAt:      asInt64(m["dueAt"]),
		Status:     asString(m["status"]),
	}, true
}

// PutOutcomeCheckpoint writes c into metadata["outcome_checkpoint"].
func PutOutcomeCheckpoint(md map[string]any, c OutcomeCheckpoint) {
	md["outcome_checkpoint"] = map[string]any{
		"verdict":    c.Verdict,
		"notes":      c.Notes,
		"capturedAt": c.CapturedAt,
		"capturedBy": c.CapturedBy,
		"dueAt":      c.DueAt,
		"status":     c.Status,
	}
}

// GetAssignmentDecision parses metadata["assignment_decision"].
func GetAssignmentDecision(md map[string]any) (AssignmentDecision, bool) {
	raw, ok := md["assignment_decision"]
	if !ok {
		return AssignmentDecision{}, false
	}
	m, ok := asMap(raw)
	if !ok {
		return AssignmentDecision{}, false
	}
	return AssignmentDecision{
		Reason:               asString(m["reason"]),
		GuardrailApplied:     asBool(m["guardrail_applied"]),
		SoleAuthorFallback:   asBool(m["sole_author_fallback"]),
		CandidatesConsidered: asStringSlice(m["candidates_considered"]),
		InsightAuthors:       asStringSlice(m["insight_authors"]),
	}, true
}

// PutAssignmentDecision writes d into metadata["assignment_decision"].
func PutAssignmentDecision(md map[string]any, d AssignmentDecision) {
	md["assignment_decision"] = map[string]any{
		"reason":                 d.Reason,
		"guardrail_applied":      d.GuardrailApplied,
		"sole_author_fallback":   d.SoleAuthorFallback,
		"candidates_considered":  d.CandidatesConsidered,
		"insight_authors":        d.InsightAuthors,
	}
}

// GetLastTransition parses metadata["last_transition"].
func GetLastTransition(md map[string]any) (LastTransition, bool) {
	raw, ok := md["last_transition"]
	if !ok {
		return LastTransition{}, false
	}
	m, ok := asMap(raw)
	if !ok {
		return LastTransition{}, false
	}
	return LastTransition{
		Actor:     asString(m["actor"]),
		Type:      asString(m["type"]),
		Timestamp: asInt64(m["timestamp"]),
	}, true
}

// PutLastTransition writes t into metadata["last_transition"].
func PutLastTransition(md map[string]any, t LastTransition) {
	md["last_transition"] = map[string]any{
		"actor":     t.Actor,
		"type":      t.Type,
		"timestamp": t.Timestamp,
	}
}

// ArtifactsNonEmpty reports whether metadata["artifacts"] is a non-empty
// list, used by the task-close gate.
func ArtifactsNonEmpty(md map[string]any) bool {
	return len(asStringSlice(md["artifacts"])) > 0
}

// ReviewerApproved reports metadata["reviewer_approved"] as a bool.
func ReviewerApproved(md map[string]any) bool {
	return asBool(md["reviewer_approved"])
}
