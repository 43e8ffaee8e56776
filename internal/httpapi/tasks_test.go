package httpapi

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/reflectt/boardserver/internal/artifacts"
	"github.com/reflectt/boardserver/internal/bridge"
	"github.com/reflectt/boardserver/internal/config"
	"github.com/reflectt/boardserver/internal/events"
	"github.com/reflectt/boardserver/internal/store"
	"github.com/reflectt/boardserver/internal/watchdog"
)

func newTestServer(t *testing.T) *Server {
	t.Helper()
	db, err := store.Open(":memory:")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	policy := config.Default()
	db.Tasks.Policy = policy

	bus := events.NewBus()
	sc := watchdog.New(watchdog.Services{
		Tasks: db.Tasks, Chat: db.Chat, Presence: db.Presence,
		Mentions: db.Mentions, Insights: db.Insights, Audit: db.Policy,
		Policy: policy,
	})
	br := &bridge.Bridge{
		Insights: db.Insights, Tasks: db.Tasks, Triage: db.Triage,
		Policy: policy, Now: func() int64 { return 1700000000000 },
	}
	return New(db, bus, sc, br, policy, artifacts.NewHTTPFetcher(""))
}

func TestHandleCreateAndListTasks(t *testing.T) {
	s := newTestServer(t)

	body := bytes.NewBufferString(`{"Title":"Ship the thing","Description":"desc","CreatedBy":"nova","Assignee":"vega","Reviewer":"nova","DoneCriteria":["merged"],"Priority":"P2"}`)
	req := httptest.NewRequest(http.MethodPost, "/tasks", body)
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)

	if w.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", w.Code, w.Body.String())
	}
	var created store.Task
	if err := json.NewDecoder(w.Body).Decode(&created); err != nil {
		t.Fatalf("decode created task: %v", err)
	}
	if created.Status != store.StatusTodo {
		t.Errorf("expected new task in todo, got %s", created.Status)
	}

	listReq := httptest.NewRequest(http.MethodGet, "/tasks", nil)
	listW := httptest.NewRecorder()
	s.Handler().ServeHTTP(listW, listReq)

	if listW.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", listW.Code)
	}
	var listResp struct {
		Tasks []*store.Task `json:"tasks"`
		Total int           `json:"total"`
	}
	json.NewDecoder(listW.Body).Decode(&listResp)
	if listResp.Total != 1 {
		t.Errorf("expected 1 task, got %d", listResp.Total)
	}
}

func TestHandleGetTaskNotFound(t *testing.T) {
	s := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/tasks/does-not-exist", nil)
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)

	if w.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d: %s", w.Code, w.Body.String())
	}
}

func TestHandleClaimAssignsAndMovesToDoing(t *testing.T) {
	s := newTestServer(t)

	task, aerr := s.DB.Tasks.CreateTask(store.TaskDraft{
		Title: "Review the docs", CreatedBy: "nova", Priority: store.P2,
		Assignee: "nova", Reviewer: "atlas", DoneCriteria: []string{"reviewed"},
	})
	if aerr != nil {
		t.Fatalf("create task: %v", aerr)
	}

	body := bytes.NewBufferString(`{"agent":"vega"}`)
	req := httptest.NewRequest(http.MethodPost, "/tasks/"+task.ID+"/claim", body)
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var updated store.Task
	json.NewDecoder(w.Body).Decode(&updated)
	if updated.Assignee != "vega" || updated.Status != store.StatusDoing {
		t.Errorf("expected vega/doing, got %s/%s", updated.Assignee, updated.Status)
	}
}

func TestHandleListTasksConditionalNotModified(t *testing.T) {
	s := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/tasks", nil)
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)
	etag := w.Header().Get("ETag")
	if etag == "" {
		t.Fatal("expected an ETag header on the list response")
	}

	req2 := httptest.NewRequest(http.MethodGet, "/tasks", nil)
	req2.Header.Set("If-None-Match", etag)
	w2 := httptest.NewRecorder()
	s.Handler().ServeHTTP(w2, req2)
	if w2.Code != http.StatusNotModified {
		t.Errorf("expected 304, got %d", w2.Code)
	}
}
