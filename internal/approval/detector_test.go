package approval

import (
	"testing"

	"github.com/reflectt/boardserver/internal/store"
)

func newTestStore(t *testing.T) *store.DB {
	t.Helper()
	db, err := store.Open(":memory:")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func validatingTask(t *testing.T, db *store.DB, reviewer string) *store.Task {
	t.Helper()
	task, aerr := db.Tasks.CreateTask(store.TaskDraft{
		Title: "Ship X", Assignee: "link", Reviewer: reviewer,
		DoneCriteria: []string{"build green"}, CreatedBy: "link",
	})
	if aerr != nil {
		t.Fatalf("create task: %v", aerr)
	}
	md := map[string]any{}
	store.PutQaBundle(md, store.QaBundle{Summary: "s", ArtifactLinks: []string{"https://x/pull/1"}, Checks: []string{"build"}})
	status := store.StatusValidating
	updated, aerr := db.Tasks.UpdateTask(task.ID, store.TaskPatch{Status: &status, Metadata: md, Actor: "link"})
	if aerr != nil {
		t.Fatalf("enter validating: %v", aerr)
	}
	return updated
}

func TestDetect_SoleValidatingApproval(t *testing.T) {
	db := newTestStore(t)
	task := validatingTask(t, db, "sage")

	reason, taskID := Detect(db.Tasks, "sage", "LGTM, nice work", 1000)
	if reason != ReasonApplied {
		t.Fatalf("expected applied, got %s", reason)
	}
	if taskID != task.ID {
		t.Fatalf("expected task %s, got %s", task.ID, taskID)
	}

	got, aerr := db.Tasks.GetTask(task.ID)
	if aerr != nil {
		t.Fatalf("get task: %v", aerr)
	}
	if !store.ReviewerApproved(got.Metadata) {
		t.Errorf("expected reviewer_approved=true")
	}
	decision, ok := store.GetReviewerDecision(got.Metadata)
	if !ok || decision.Resolution != "sole_validating" {
		t.Errorf("expected resolution=sole_validating, got %+v ok=%v", decision, ok)
	}
}

func TestDetect_ExplicitReference(t *testing.T) {
	db := newTestStore(t)
	task := validatingTask(t, db, "sage")

	reason, taskID := Detect(db.Tasks, "sage", "approved "+task.ID, 2000)
	if reason != ReasonApplied || taskID != task.ID {
		t.Fatalf("expected applied on %s, got %s/%s", task.ID, reason, taskID)
	}
}

func TestDetect_RejectionSignalSkips(t *testing.T) {
	db := newTestStore(t)
	validatingTask(t, db, "sage")

	reason, _ := Detect(db.Tasks, "sage", "looks good but needs a fix first", 3000)
	if reason != ReasonRejectionSignal {
		t.Errorf("expected rejection_signal, got %s", reason)
	}
}

func TestDetect_NoApprovalLanguageSkips(t *testing.T) {
	db := newTestStore(t)
	validatingTask(t, db, "sage")

	reason, _ := Detect(db.Tasks, "sage", "still working on this", 4000)
	if reason != ReasonNoApprovalLanguage {
		t.Errorf("expected no_approval_language, got %s", reason)
	}
}

func TestDetect_IdempotentOnRepeatMessage(t *testing.T) {
	db := newTestStore(t)
	task := validatingTask(t, db, "sage")

	Detect(db.Tasks, "sage", "LGTM", 5000)
	reason, _ := Detect(db.Tasks, "sage", "LGTM", 6000)
	if reason != ReasonAlreadyApproved && reason != ReasonNoValidatingTasks {
		t.Errorf("expected idempotent no-op on second approval, got %s", reason)
	}

	comments, aerr := db.Tasks.GetTaskComments(task.ID)
	if aerr != nil {
		t.Fatalf("get comments: %v", aerr)
	}
	systemComments := 0
	for _, c := range comments {
		if c.Author == "system" {
			systemComments++
		}
	}
	if systemComments != 1 {
		t.Errorf("expected exactly one system auto-approval comment, got %d", systemComments)
	}
}
