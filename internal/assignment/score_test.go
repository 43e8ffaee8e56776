package assignment

import (
	"testing"

	"github.com/reflectt/boardserver/internal/config"
)

func registry() []config.AgentRole {
	return []config.AgentRole{
		{Name: "link", Role: "engineering", Tags: []string{"backend", "runtime"}, WIPCap: 3},
		{Name: "kai", Role: "lead", Tags: []string{"runtime", "crash"}, WIPCap: 3},
		{Name: "sage", Role: "engineering", Tags: []string{"frontend"}, WIPCap: 3},
	}
}

func TestScore_OrdersByAffinityDescending(t *testing.T) {
	spec := CandidateSpec{Title: "worker crash", ClusterKey: "runtime::crash::worker", FailureFamily: "crash"}
	s := Score(spec, registry(), WIPCounts{})
	if len(s.Ranked) != 3 {
		t.Fatalf("expected 3 ranked agents, got %d", len(s.Ranked))
	}
	if s.Ranked[0].Agent != "kai" {
		t.Errorf("expected kai top-ranked for a runtime/crash task, got %s", s.Ranked[0].Agent)
	}
}

func TestScore_TiesBreakByNameAscending(t *testing.T) {
	spec := CandidateSpec{Title: "unrelated chore"}
	s := Score(spec, registry(), WIPCounts{})
	for i := 1; i < len(s.Ranked); i++ {
		if s.Ranked[i-1].Score == s.Ranked[i].Score && s.Ranked[i-1].Agent > s.Ranked[i].Agent {
			t.Errorf("tie-break order violated: %s before %s", s.Ranked[i-1].Agent, s.Ranked[i].Agent)
		}
	}
}

func TestScore_OverCapFlagsWhenAtCap(t *testing.T) {
	spec := CandidateSpec{Title: "anything"}
	s := Score(spec, registry(), WIPCounts{"link": 3})
	got, ok := ScoreFor(s.Ranked, "link")
	if !ok {
		t.Fatal("link missing from ranked output")
	}
	if !got.OverCap {
		t.Errorf("expected link to be flagged overCap at wip==cap")
	}
}

func TestResolveAssignment_MultiAuthorUsesNormalScoring(t *testing.T) {
	spec := CandidateSpec{Title: "worker crash", ClusterKey: "runtime::crash::worker", FailureFamily: "crash"}
	res := ResolveAssignment(spec, []string{"link", "sage"}, registry(), WIPCounts{})
	if res.GuardrailApplied {
		t.Errorf("guardrail should not apply for multi-author insights")
	}
	if res.Assignee != "kai" {
		t.Errorf("expected kai assigned by plain scoring, got %s", res.Assignee)
	}
}

func TestResolveAssignment_AuthorExclusionGuardrail(t *testing.T) {
	// Scenario B: single-author insight authored by link, whose own
	// affinity for a runtime/crash cluster should lose to kai (lead,
	// tagged runtime+crash) without dominating by the 1.5x/0.2 margin.
	spec := CandidateSpec{Title: "worker crash", ClusterKey: "runtime::crash::worker", FailureFamily: "crash"}
	res := ResolveAssignment(spec, []string{"link"}, registry(), WIPCounts{})

	if res.Assignee != "kai" {
		t.Fatalf("expected kai assigned, got %s", res.Assignee)
	}
	if !res.GuardrailApplied {
		t.Errorf("expected guardrail_applied=true")
	}
	if res.SoleAuthorFallback {
		t.Errorf("expected sole_author_fallback=false when a non-author outranks the author")
	}
}

func TestResolveAssignment_SoleAuthorFallbackWhenDominant(t *testing.T) {
	spec := CandidateSpec{Title: "backend runtime refactor", Tags: []string{"backend", "runtime"}}
	onlyAuthor := []config.AgentRole{
		{Name: "link", Role: "engineering", Tags: []string{"backend", "runtime"}, WIPCap: 3},
		{Name: "sage", Role: "engineering", Tags: []string{"frontend"}, WIPCap: 3},
	}
	res := ResolveAssignment(spec, []string{"link"}, onlyAuthor, WIPCounts{})
	if res.Assignee != "link" {
		t.Fatalf("expected author kept as assignee, got %s", res.Assignee)
	}
	if !res.SoleAuthorFallback {
		t.Errorf("expected sole_author_fallback=true when author affinity dominates")
	}
}

func TestResolveReviewer_ExcludesAssigneeAndAuthorsUnderFallback(t *testing.T) {
	policy := config.Default()
	policy.Agents = registry()
	policy.RequireNonAuthorReviewer = true

	spec := CandidateSpec{Title: "worker crash"}
	reviewer := ResolveReviewer(spec, "link", []string{"link"}, true, policy, WIPCounts{})
	if reviewer == "link" {
		t.Errorf("reviewer must not be the assignee")
	}
}

type fakeActive map[string]bool

func (f fakeActive) IsActive(agent string) bool { return f[agent] }

func TestResolveReassignment_SkipsCurrentReviewerAssigneeAndEscalation(t *testing.T) {
	policy := config.Default()
	policy.Agents = append(registry(), config.AgentRole{Name: "pixel", Role: "engineering", WIPCap: 3})
	spec := CandidateSpec{Title: "review this"}

	active := fakeActive{"kai": true, "sage": true, "link": true, "pixel": true}
	newReviewer, escalate := ResolveReassignment(spec, "sage", "link", "kai", active, policy, WIPCounts{})
	if escalate {
		t.Fatalf("expected a candidate to be found")
	}
	if newReviewer == "sage" || newReviewer == "link" || newReviewer == "kai" {
		t.Errorf("reassignment picked an excluded agent: %s", newReviewer)
	}
}

func TestResolveReassignment_EscalatesWhenNoneActive(t *testing.T) {
	policy := config.Default()
	policy.Agents = registry()
	spec := CandidateSpec{Title: "review this"}

	active := fakeActive{}
	_, escalate := ResolveReassignment(spec, "sage", "link", "kai", active, policy, WIPCounts{})
	if !escalate {
		t.Errorf("expected escalation when no candidate is presence-active")
	}
}
