// Package bridge translates promoted insights into tasks (spec §4.3),
// grounded on the teacher's DecisionEngine scoring flow but retargeted
// from incident-report analysis onto insight-to-task routing, with the
// author-exclusion guardrail delegated to internal/assignment.
package bridge

import (
	"fmt"
	"strings"

	"github.com/reflectt/boardserver/internal/apierr"
	"github.com/reflectt/boardserver/internal/assignment"
	"github.com/reflectt/boardserver/internal/config"
	"github.com/reflectt/boardserver/internal/store"
)

// Bridge wires the insight, task, and triage stores together with the
// assignment policy.
type Bridge struct {
	Insights *store.InsightStore
	Tasks    *store.TaskStore
	Triage   *store.TriageStore
	Policy   *config.Policy
	Now      func() int64
}

func (b *Bridge) now() int64 {
	if b.Now != nil {
		return b.Now()
	}
	return 0
}

func (b *Bridge) policy() *config.Policy {
	if b.Policy != nil {
		return b.Policy
	}
	return config.Default()
}

// Outcome reports what ProcessInsight did, for callers that want to
// tally duplicatesSkipped / tasksCreated / pendingTriage across a batch.
type Outcome struct {
	InsightID string
	Action    string // "skipped_duplicate", "linked_existing", "pending_triage", "task_created"
	TaskID    string
}

// ProcessInsight runs the full insight->task flow for one insight (spec
// §4.3 steps 1-7). It is safe to call repeatedly: once an insight is
// linked to a task it is always skipped on subsequent calls.
func (b *Bridge) ProcessInsight(insightID string) (Outcome, *apierr.Error) {
	insight, aerr := b.Insights.Get(insightID)
	if aerr != nil {
		return Outcome{}, aerr
	}

	// Step 1: idempotency.
	if insight.TaskID != "" {
		return Outcome{InsightID: insightID, Action: "skipped_duplicate"}, nil
	}

	// Step 2/3: already-addressed / evidence dedup.
	if existing, ok := b.findAlreadyAddressed(insight); ok {
		if aerr := b.linkExisting(insight, existing); aerr != nil {
			return Outcome{}, aerr
		}
		return Outcome{InsightID: insightID, Action: "linked_existing", TaskID: existing.ID}, nil
	}

	// Step 4: feature gate.
	if containsFold(b.policy().FeatureFamilies, insight.FailureFamily) {
		if aerr := b.Insights.SetStatus(insightID, "pending_triage"); aerr != nil {
			return Outcome{}, aerr
		}
		return Outcome{InsightID: insightID, Action: "pending_triage"}, nil
	}

	// Step 5: severity gate.
	if !containsFold(b.policy().AutoCreateSeverities, insight.SeverityMax) {
		if aerr := b.Insights.SetStatus(insightID, "pending_triage"); aerr != nil {
			return Outcome{}, aerr
		}
		return Outcome{InsightID: insightID, Action: "pending_triage"}, nil
	}

	// Step 6: assignment resolution.
	spec := assignment.CandidateSpec{
		Title:         insight.Title,
		ClusterKey:    insight.ClusterKey,
		FailureFamily: insight.FailureFamily,
	}
	result := assignment.ResolveAssignment(spec, insight.Authors, b.policy().Agents, WIPCounts(b.Tasks))
	reviewer := assignment.ResolveReviewer(spec, result.Assignee, insight.Authors, result.SoleAuthorFallback, b.policy(), WIPCounts(b.Tasks))

	// Step 7: create task.
	task, aerr := b.createTask(insight, result, reviewer)
	if aerr != nil {
		return Outcome{}, aerr
	}
	if aerr := b.Insights.SetTaskLink(insightID, task.ID, "task_created"); aerr != nil {
		return Outcome{}, aerr
	}
	return Outcome{InsightID: insightID, Action: "task_created", TaskID: task.ID}, nil
}

// ScanPending runs ProcessInsight over every insight not yet linked to a
// task, for the one-shot catch-up scan at startup (spec §4.3 "Flow").
func (b *Bridge) ScanPending(statuses []string) ([]Outcome, *apierr.Error) {
	var outcomes []Outcome
	for _, status := range statuses {
		insights, aerr := b.Insights.ListByStatus(status)
		if aerr != nil {
			return nil, aerr
		}
		for _, i := range insights {
			o, aerr := b.ProcessInsight(i.ID)
			if aerr != nil {
				return nil, aerr
			}
			outcomes = append(outcomes, o)
		}
	}
	return outcomes, nil
}

// findAlreadyAddressed implements the match precedence of spec §4.3
// step 2: (a) direct insight_id/source_insight metadata match; (b)
// source=insight-task-bridge tasks sharing cluster_key; (c) same
// source_reflection; (d) exact title match. Step 3 (evidence-ref task/PR
// id matching) is folded in as an extra pass.
func (b *Bridge) findAlreadyAddressed(insight *store.Insight) (*store.Task, bool) {
	all, aerr := b.Tasks.ListTasks(store.TaskFilter{})
	if aerr != nil {
		return nil, false
	}

	// (a) direct insight_id / source_insight match.
	for _, t := range all {
		if t.Metadata == nil {
			continue
		}
		if asStr(t.Metadata["insight_id"]) == insight.ID || asStr(t.Metadata["source_insight"]) == insight.ID {
			return t, true
		}
	}

	// (b) same cluster_key, scoped to bridge-created tasks.
	if insight.ClusterKey != "" {
		for _, t := range all {
			if t.Metadata == nil || asStr(t.Metadata["source"]) != "insight-task-bridge" {
				continue
			}
			if asStr(t.Metadata["cluster_key"]) == insight.ClusterKey {
				return t, true
			}
		}
	}

	// (c) same source_reflection.
	if len(insight.ReflectionIDs) > 0 {
		first := insight.ReflectionIDs[0]
		for _, t := range all {
			if t.Metadata == nil {
				continue
			}
			if asStr(t.Metadata["source_reflection"]) == first {
				return t, true
			}
		}
	}

	// (d) exact title match.
	wantTitle := insightTaskTitle(insight)
	for _, t := range all {
		if t.Title == wantTitle {
			return t, true
		}
	}

	// Step 3: evidence dedup against task ids / PR URLs.
	for _, ref := range insight.EvidenceRefs {
		for _, t := range all {
			if t.ID == ref {
				return t, true
			}
			if t.Metadata != nil && asStr(t.Metadata["pr_url"]) == ref {
				return t, true
			}
		}
	}

	return nil, false
}

func (b *Bridge) linkExisting(insight *store.Insight, task *store.Task) *apierr.Error {
	if task.Status == store.StatusDone || task.Status == store.StatusValidating {
		return b.Insights.SetTaskLink(insight.ID, task.ID, "task_created")
	}
	return b.Insights.SetTaskLink(insight.ID, task.ID, insight.Status)
}

func (b *Bridge) createTask(insight *store.Insight, result assignment.AssignmentResult, reviewer string) (*store.Task, *apierr.Error) {
	md := map[string]any{
		"insight_id":     insight.ID,
		"source_insight": insight.ID,
		"severity":       insight.SeverityMax,
		"source":         "insight-task-bridge",
		"cluster_key":    insight.ClusterKey,
		"failure_family": insight.FailureFamily,
	}
	if len(insight.ReflectionIDs) > 0 {
		md["source_reflection"] = insight.ReflectionIDs[0]
	}
	store.PutAssignmentDecision(md, store.AssignmentDecision{
		Reason:               result.Reason,
		GuardrailApplied:     result.GuardrailApplied,
		SoleAuthorFallback:   result.SoleAuthorFallback,
		CandidatesConsidered: result.CandidatesConsidered,
		InsightAuthors:       insight.Authors,
	})

	draft := store.TaskDraft{
		Title:       insightTaskTitle(insight),
		Description: describeInsight(insight),
		Assignee:    result.Assignee,
		Reviewer:    reviewer,
		Priority:    severityPriority(insight.SeverityMax),
		DoneCriteria: []string{
			"Root cause addressed or mitigated",
			fmt.Sprintf("Evidence from insight %s validated", insight.ID),
			"Follow-up reflection submitted confirming fix",
		},
		CreatedBy: "insight-task-bridge",
		Metadata:  md,
	}
	return b.Tasks.CreateTask(draft)
}

func insightTaskTitle(i *store.Insight) string {
	return "[Insight] " + i.Title
}

func describeInsight(i *store.Insight) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Auto-created from insight %s.\n\n", i.ID)
	fmt.Fprintf(&b, "Cluster: %s\n", i.ClusterKey)
	fmt.Fprintf(&b, "Severity: %s\n", i.SeverityMax)
	fmt.Fprintf(&b, "Failure family: %s\n", i.FailureFamily)
	fmt.Fprintf(&b, "Reflections folded in: %d\n", len(i.ReflectionIDs))
	if len(i.Authors) > 0 {
		fmt.Fprintf(&b, "Authors: %s\n", strings.Join(i.Authors, ", "))
	}
	if len(i.EvidenceRefs) > 0 {
		fmt.Fprintf(&b, "Evidence: %s\n", strings.Join(i.EvidenceRefs, ", "))
	}
	return b.String()
}

func severityPriority(severity string) store.Priority {
	switch strings.ToLower(severity) {
	case "critical":
		return store.P0
	case "high":
		return store.P1
	case "medium":
		return store.P2
	default:
		return store.P3
	}
}

// WIPCounts tallies current doing-status tasks by assignee, the input
// assignment.Score needs for wipPenalty/overCap.
func WIPCounts(tasks *store.TaskStore) assignment.WIPCounts {
	counts := assignment.WIPCounts{}
	doing, aerr := tasks.ListTasks(store.TaskFilter{Status: store.StatusDoing})
	if aerr != nil {
		return counts
	}
	for _, t := range doing {
		if t.Assignee == "" {
			continue
		}
		counts[strings.ToLower(t.Assignee)]++
	}
	return counts
}

func containsFold(list []string, want string) bool {
	for _, v := range list {
		if strings.EqualFold(v, want) {
			return true
		}
	}
	return false
}

func asStr(v any) string {
	s, _ := v.(string)
	return s
}
