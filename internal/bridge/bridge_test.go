package bridge

import (
	"testing"

	"github.com/reflectt/boardserver/internal/config"
	"github.com/reflectt/boardserver/internal/store"
)

func newBridge(t *testing.T) (*Bridge, *store.DB) {
	t.Helper()
	db, err := store.Open(":memory:")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	policy := config.Default()
	policy.Agents = []config.AgentRole{
		{Name: "link", Role: "engineering", Tags: []string{"backend", "runtime"}, WIPCap: 3},
		{Name: "kai", Role: "lead", Tags: []string{"runtime", "crash"}, WIPCap: 3},
	}
	db.Tasks.Policy = policy

	b := &Bridge{Insights: db.Insights, Tasks: db.Tasks, Triage: db.Triage, Policy: policy}
	return b, db
}

func TestProcessInsight_AuthorExclusionGuardrail(t *testing.T) {
	b, db := newBridge(t)

	insight := &store.Insight{
		ID:            "insight-1",
		Title:         "worker crash loop",
		ClusterKey:    "runtime::crash::worker",
		FailureFamily: "crash",
		SeverityMax:   "high",
		Authors:       []string{"link"},
	}
	if aerr := db.Insights.Upsert(insight); aerr != nil {
		t.Fatalf("upsert insight: %v", aerr)
	}

	outcome, aerr := b.ProcessInsight(insight.ID)
	if aerr != nil {
		t.Fatalf("process insight: %v", aerr)
	}
	if outcome.Action != "task_created" {
		t.Fatalf("expected task_created, got %s", outcome.Action)
	}

	task, aerr := db.Tasks.GetTask(outcome.TaskID)
	if aerr != nil {
		t.Fatalf("get task: %v", aerr)
	}
	if task.Assignee != "kai" {
		t.Errorf("expected kai assigned, got %s", task.Assignee)
	}
	if task.Reviewer == "link" {
		t.Errorf("reviewer must not be the sole author")
	}

	decision, ok := store.GetAssignmentDecision(task.Metadata)
	if !ok || !decision.GuardrailApplied {
		t.Errorf("expected guardrail_applied=true, got %+v ok=%v", decision, ok)
	}
	if decision.SoleAuthorFallback {
		t.Errorf("expected sole_author_fallback=false")
	}

	linked, aerr := db.Insights.Get(insight.ID)
	if aerr != nil {
		t.Fatalf("get insight: %v", aerr)
	}
	if linked.TaskID != task.ID {
		t.Errorf("expected insight linked to %s, got %s", task.ID, linked.TaskID)
	}
}

func TestProcessInsight_IdempotentWhenAlreadyLinked(t *testing.T) {
	b, db := newBridge(t)

	insight := &store.Insight{ID: "insight-2", Title: "x", SeverityMax: "high", TaskID: "task-already-linked"}
	if aerr := db.Insights.Upsert(insight); aerr != nil {
		t.Fatalf("upsert insight: %v", aerr)
	}

	outcome, aerr := b.ProcessInsight(insight.ID)
	if aerr != nil {
		t.Fatalf("process insight: %v", aerr)
	}
	if outcome.Action != "skipped_duplicate" {
		t.Errorf("expected skipped_duplicate, got %s", outcome.Action)
	}
}

func TestProcessInsight_FeatureFamilyGoesPendingTriage(t *testing.T) {
	b, db := newBridge(t)

	insight := &store.Insight{
		ID: "insight-3", Title: "burn rate drift", FailureFamily: "burn-rate", SeverityMax: "critical",
	}
	if aerr := db.Insights.Upsert(insight); aerr != nil {
		t.Fatalf("upsert insight: %v", aerr)
	}

	outcome, aerr := b.ProcessInsight(insight.ID)
	if aerr != nil {
		t.Fatalf("process insight: %v", aerr)
	}
	if outcome.Action != "pending_triage" {
		t.Errorf("expected pending_triage for a feature-family insight, got %s", outcome.Action)
	}
}

func TestProcessInsight_LowSeverityGoesPendingTriage(t *testing.T) {
	b, db := newBridge(t)

	insight := &store.Insight{ID: "insight-4", Title: "minor flake", SeverityMax: "low"}
	if aerr := db.Insights.Upsert(insight); aerr != nil {
		t.Fatalf("upsert insight: %v", aerr)
	}

	outcome, aerr := b.ProcessInsight(insight.ID)
	if aerr != nil {
		t.Fatalf("process insight: %v", aerr)
	}
	if outcome.Action != "pending_triage" {
		t.Errorf("expected pending_triage for low severity, got %s", outcome.Action)
	}
}
