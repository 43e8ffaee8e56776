package watchdog

import (
	"testing"
	"time"

	"github.com/reflectt/boardserver/internal/config"
	"github.com/reflectt/boardserver/internal/store"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time { return c.t }
func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newHarness(t *testing.T) (*Scheduler, *store.DB, *fakeClock) {
	t.Helper()
	db, err := store.Open(":memory:")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	clock := &fakeClock{t: time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)}
	policy := config.Default()
	policy.StaleDoingThresholdMin = 240
	policy.RollbackWindowMs = int(time.Hour.Milliseconds())
	policy.CooldownMin = 0
	policy.MaxActionsPerTick = 5
	policy.Agents = []config.AgentRole{
		{Name: "link", Role: "engineering", WIPCap: 3},
		{Name: "sage", Role: "engineering", WIPCap: 3},
		{Name: "kai", Role: "lead", WIPCap: 3},
	}
	policy.EscalationAgent = "kai"
	policy.ReviewSlaThresholdMin = 480

	db.Tasks.Policy = policy
	db.Tasks.Now = clock.now

	sc := New(Services{
		Tasks: db.Tasks, Chat: db.Chat, Presence: db.Presence,
		Mentions: db.Mentions, Insights: db.Insights, Audit: db.Policy,
		Policy: policy, Now: clock.now,
	})
	return sc, db, clock
}

func TestAutoBlockStale_BlocksAndRollsBack(t *testing.T) {
	sc, db, clock := newHarness(t)

	task, aerr := db.Tasks.CreateTask(store.TaskDraft{
		Title: "Ship X", Assignee: "link", Reviewer: "sage",
		DoneCriteria: []string{"build green"}, CreatedBy: "link",
	})
	if aerr != nil {
		t.Fatalf("create task: %v", aerr)
	}
	doing := store.StatusDoing
	task, aerr = db.Tasks.UpdateTask(task.ID, store.TaskPatch{Status: &doing, Actor: "link"})
	if aerr != nil {
		t.Fatalf("enter doing: %v", aerr)
	}

	clock.advance(5 * time.Hour)
	sc.doAutoBlockStale()

	got, aerr := db.Tasks.GetTask(task.ID)
	if aerr != nil {
		t.Fatalf("get task: %v", aerr)
	}
	if got.Status != store.StatusBlocked {
		t.Fatalf("expected task auto-blocked, got status=%s", got.Status)
	}

	actions, aerr := db.Policy.ListForTask(task.ID)
	if aerr != nil || len(actions) != 1 {
		t.Fatalf("expected exactly one policy action, got %d (err=%v)", len(actions), aerr)
	}
	action := actions[0]
	if action.Kind != "auto-block-stale" {
		t.Errorf("expected kind=auto-block-stale, got %s", action.Kind)
	}

	clock.advance(10 * time.Minute)
	if err := sc.Rollback(action.ID, "link"); err != nil {
		t.Fatalf("rollback: %v", err)
	}

	restored, aerr := db.Tasks.GetTask(task.ID)
	if aerr != nil {
		t.Fatalf("get task after rollback: %v", aerr)
	}
	if restored.Status != store.StatusDoing {
		t.Errorf("expected status restored to doing, got %s", restored.Status)
	}
}

func TestAutoBlockStale_RollbackOutsideWindowFails(t *testing.T) {
	sc, db, clock := newHarness(t)

	task, _ := db.Tasks.CreateTask(store.TaskDraft{
		Title: "Ship X", Assignee: "link", Reviewer: "sage",
		DoneCriteria: []string{"build green"}, CreatedBy: "link",
	})
	doing := store.StatusDoing
	db.Tasks.UpdateTask(task.ID, store.TaskPatch{Status: &doing, Actor: "link"})

	clock.advance(5 * time.Hour)
	sc.doAutoBlockStale()

	actions, _ := db.Policy.ListForTask(task.ID)
	if len(actions) != 1 {
		t.Fatalf("expected one action, got %d", len(actions))
	}

	clock.advance(2 * time.Hour)
	if err := sc.Rollback(actions[0].ID, "link"); err == nil {
		t.Errorf("expected rollback to fail outside the rollback window")
	}
}

func TestReviewReassign_SelectsActiveNonExcludedReviewer(t *testing.T) {
	sc, db, clock := newHarness(t)

	task, _ := db.Tasks.CreateTask(store.TaskDraft{
		Title: "Ship Y", Assignee: "link", Reviewer: "kai",
		DoneCriteria: []string{"build green"}, CreatedBy: "link",
	})
	doing := store.StatusDoing
	db.Tasks.UpdateTask(task.ID, store.TaskPatch{Status: &doing, Actor: "link"})
	validating := store.StatusValidating
	md := map[string]any{}
	store.PutQaBundle(md, store.QaBundle{Summary: "s", ArtifactLinks: []string{"https://x/pull/1"}, Checks: []string{"build"}})
	task, _ = db.Tasks.UpdateTask(task.ID, store.TaskPatch{Status: &validating, Metadata: md, Actor: "link"})

	db.Presence.UpdatePresence("sage", store.PresenceIdle, "", clock.now().UnixMilli())
	db.Presence.UpdatePresence("link", store.PresenceIdle, "", clock.now().UnixMilli())

	clock.advance(9 * time.Hour)
	sc.doReviewReassign()

	got, aerr := db.Tasks.GetTask(task.ID)
	if aerr != nil {
		t.Fatalf("get task: %v", aerr)
	}
	if got.Reviewer == "kai" {
		t.Errorf("expected reviewer reassigned away from stale kai")
	}
	if got.Reviewer == "link" {
		t.Errorf("reviewer must not become the assignee")
	}
}

func TestReviewReassign_EscalatesWhenNoActiveCandidate(t *testing.T) {
	sc, db, clock := newHarness(t)

	task, _ := db.Tasks.CreateTask(store.TaskDraft{
		Title: "Ship Z", Assignee: "link", Reviewer: "kai",
		DoneCriteria: []string{"build green"}, CreatedBy: "link",
	})
	doing := store.StatusDoing
	db.Tasks.UpdateTask(task.ID, store.TaskPatch{Status: &doing, Actor: "link"})
	validating := store.StatusValidating
	md := map[string]any{}
	store.PutQaBundle(md, store.QaBundle{Summary: "s", ArtifactLinks: []string{"https://x/pull/1"}, Checks: []string{"build"}})
	db.Tasks.UpdateTask(task.ID, store.TaskPatch{Status: &validating, Metadata: md, Actor: "link"})

	clock.advance(9 * time.Hour)
	sc.doReviewReassign()

	got, aerr := db.Tasks.GetTask(task.ID)
	if aerr != nil {
		t.Fatalf("get task: %v", aerr)
	}
	if got.Reviewer != "kai" {
		t.Errorf("expected reviewer unchanged on escalation, got %s", got.Reviewer)
	}
}

func TestDigest_RespectsCooldown(t *testing.T) {
	sc, _, _ := newHarness(t)
	sc.svc.Policy.CooldownMin = 60

	sc.doDigest(false)
	before, _ := sc.svc.Chat.ListMessages(store.ChannelFilter{})
	sc.doDigest(false)
	after, _ := sc.svc.Chat.ListMessages(store.ChannelFilter{})
	if len(after) != len(before) {
		t.Errorf("expected second digest within cooldown to be a no-op, before=%d after=%d", len(before), len(after))
	}
}
