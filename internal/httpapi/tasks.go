package httpapi

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"github.com/reflectt/boardserver/internal/apierr"
	"github.com/reflectt/boardserver/internal/artifacts"
	"github.com/reflectt/boardserver/internal/store"
)

func (s *Server) registerTaskRoutes() {
	r := s.router
	r.HandleFunc("/tasks", s.handleListTasks).Methods(http.MethodGet)
	r.HandleFunc("/tasks", s.handleCreateTask).Methods(http.MethodPost)
	r.HandleFunc("/tasks/backlog", s.handleBacklog).Methods(http.MethodGet)
	r.HandleFunc("/tasks/next", s.handleNextTask).Methods(http.MethodGet)
	r.HandleFunc("/tasks/search", s.handleSearchTasks).Methods(http.MethodGet)
	r.HandleFunc("/tasks/batch-create", s.handleBatchCreate).Methods(http.MethodPost)
	r.HandleFunc("/tasks/{id}", s.handleGetTask).Methods(http.MethodGet)
	r.HandleFunc("/tasks/{id}", s.handlePatchTask).Methods(http.MethodPatch)
	r.HandleFunc("/tasks/{id}", s.handleDeleteTask).Methods(http.MethodDelete)
	r.HandleFunc("/tasks/{id}/history", s.handleTaskHistory).Methods(http.MethodGet)
	r.HandleFunc("/tasks/{id}/comments", s.handleListComments).Methods(http.MethodGet)
	r.HandleFunc("/tasks/{id}/comments", s.handleAddComment).Methods(http.MethodPost)
	r.HandleFunc("/tasks/{id}/outcome", s.handlePostOutcome).Methods(http.MethodPost)
	r.HandleFunc("/tasks/{id}/review", s.handlePostReview).Methods(http.MethodPost)
	r.HandleFunc("/tasks/{id}/review-bundle", s.handlePostReviewBundle).Methods(http.MethodPost)
	r.HandleFunc("/tasks/{id}/claim", s.handlePostClaim).Methods(http.MethodPost)
}

// resolveTask looks up the :id path var against the prefix-tolerant
// resolver, rendering the ambiguous/not-found envelopes spec §8 requires.
func (s *Server) resolveTask(w http.ResponseWriter, r *http.Request) (*store.Task, bool) {
	id := mux.Vars(r)["id"]
	res, aerr := s.DB.Tasks.ResolveTaskID(id)
	if aerr != nil {
		respondError(w, aerr)
		return nil, false
	}
	switch res.MatchType {
	case store.MatchAmbiguous:
		aerr := apierr.ConflictErr("ambiguous task id prefix")
		aerr.Details = map[string]any{"suggestions": res.Suggestions}
		respondError(w, aerr)
		return nil, false
	case store.MatchNone:
		respondError(w, apierr.NotFound("no task matches id "+id))
		return nil, false
	}
	return res.Task, true
}

func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := store.TaskFilter{
		Status:    store.TaskStatus(q.Get("status")),
		Assignee:  q.Get("assignee"),
		CreatedBy: q.Get("createdBy"),
		Priority:  store.Priority(q.Get("priority")),
		Limit:     queryInt(r, "limit", 0),
	}
	if tags := q.Get("tags"); tags != "" {
		filter.Tags = strings.Split(tags, ",")
	}
	if since := q.Get("updatedSince"); since != "" {
		if ms, err := time.Parse(time.RFC3339, since); err == nil {
			filter.UpdatedSince = ms.UnixMilli()
		}
	}
	tasks, aerr := s.DB.Tasks.ListTasks(filter)
	if aerr != nil {
		respondError(w, aerr)
		return
	}
	etag := etagFor(tasks)
	if checkConditional(w, r, etag, latestUpdatedAt(tasks)) {
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"tasks": tasks, "total": len(tasks)})
}

func (s *Server) handleCreateTask(w http.ResponseWriter, r *http.Request) {
	var draft store.TaskDraft
	if aerr := decodeJSON(r, &draft); aerr != nil {
		respondError(w, aerr)
		return
	}
	task, aerr := s.DB.Tasks.CreateTask(draft)
	if aerr != nil {
		respondError(w, aerr)
		return
	}
	respondJSON(w, http.StatusCreated, task)
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	task, ok := s.resolveTask(w, r)
	if !ok {
		return
	}
	respondJSON(w, http.StatusOK, task)
}

func (s *Server) handlePatchTask(w http.ResponseWriter, r *http.Request) {
	task, ok := s.resolveTask(w, r)
	if !ok {
		return
	}
	var patch store.TaskPatch
	if aerr := decodeJSON(r, &patch); aerr != nil {
		respondError(w, aerr)
		return
	}
	if patch.Actor == "" {
		patch.Actor = r.Header.Get("X-Agent")
	}
	updated, aerr := s.DB.Tasks.UpdateTask(task.ID, patch)
	if aerr != nil {
		respondError(w, aerr)
		return
	}
	s.DB.Presence.RecordActivity(patch.Actor, "task_update")
	respondJSON(w, http.StatusOK, updated)
}

func (s *Server) handleDeleteTask(w http.ResponseWriter, r *http.Request) {
	task, ok := s.resolveTask(w, r)
	if !ok {
		return
	}
	if _, aerr := s.DB.Tasks.DeleteTask(task.ID); aerr != nil {
		respondError(w, aerr)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleTaskHistory(w http.ResponseWriter, r *http.Request) {
	task, ok := s.resolveTask(w, r)
	if !ok {
		return
	}
	events, aerr := s.DB.Tasks.GetTaskHistory(task.ID)
	if aerr != nil {
		respondError(w, aerr)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"events": events})
}

func (s *Server) handleListComments(w http.ResponseWriter, r *http.Request) {
	task, ok := s.resolveTask(w, r)
	if !ok {
		return
	}
	comments, aerr := s.DB.Tasks.GetTaskComments(task.ID)
	if aerr != nil {
		respondError(w, aerr)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"comments": comments})
}

func (s *Server) handleAddComment(w http.ResponseWriter, r *http.Request) {
	task, ok := s.resolveTask(w, r)
	if !ok {
		return
	}
	var body struct {
		Author  string `json:"author"`
		Content string `json:"content"`
	}
	if aerr := decodeJSON(r, &body); aerr != nil {
		respondError(w, aerr)
		return
	}
	comment, aerr := s.DB.Tasks.AddTaskComment(task.ID, body.Author, body.Content, time.Now().UnixMilli())
	if aerr != nil {
		respondError(w, aerr)
		return
	}
	s.DB.Presence.RecordActivity(body.Author, "comment")
	respondJSON(w, http.StatusCreated, comment)
}

func (s *Server) handlePostOutcome(w http.ResponseWriter, r *http.Request) {
	task, ok := s.resolveTask(w, r)
	if !ok {
		return
	}
	var body struct {
		Verdict    string `json:"verdict"`
		Notes      string `json:"notes"`
		CapturedBy string `json:"capturedBy"`
	}
	if aerr := decodeJSON(r, &body); aerr != nil {
		respondError(w, aerr)
		return
	}
	md := task.Metadata
	if md == nil {
		md = map[string]any{}
	}
	now := time.Now().UnixMilli()
	store.PutOutcomeCheckpoint(md, store.OutcomeCheckpoint{
		Verdict: body.Verdict, Notes: body.Notes, CapturedAt: now,
		CapturedBy: body.CapturedBy, Status: "captured",
	})
	updated, aerr := s.DB.Tasks.UpdateTask(task.ID, store.TaskPatch{Metadata: md, Actor: body.CapturedBy})
	if aerr != nil {
		respondError(w, aerr)
		return
	}
	respondJSON(w, http.StatusOK, updated)
}

func (s *Server) handlePostReview(w http.ResponseWriter, r *http.Request) {
	task, ok := s.resolveTask(w, r)
	if !ok {
		return
	}
	var body struct {
		Decision string `json:"decision"`
		Reviewer string `json:"reviewer"`
		Comment  string `json:"comment"`
	}
	if aerr := decodeJSON(r, &body); aerr != nil {
		respondError(w, aerr)
		return
	}
	if task.Reviewer != "" && body.Reviewer != task.Reviewer {
		respondError(w, apierr.Forbidden("only the assigned reviewer may decide this task"))
		return
	}
	md := task.Metadata
	if md == nil {
		md = map[string]any{}
	}
	now := time.Now().UnixMilli()
	store.PutReviewerDecision(md, store.ReviewerDecision{
		Decision: body.Decision, Reviewer: body.Reviewer, Comment: body.Comment,
		DecidedAt: now, Source: "manual-review-endpoint",
	})
	if body.Decision == "approved" {
		md["reviewer_approved"] = true
	}
	updated, aerr := s.DB.Tasks.UpdateTask(task.ID, store.TaskPatch{Metadata: md, Actor: body.Reviewer})
	if aerr != nil {
		respondError(w, aerr)
		return
	}
	respondJSON(w, http.StatusOK, updated)
}

func (s *Server) handlePostReviewBundle(w http.ResponseWriter, r *http.Request) {
	task, ok := s.resolveTask(w, r)
	if !ok {
		return
	}
	var body struct {
		Strict bool `json:"strict"`
	}
	decodeJSON(r, &body)

	roots := artifacts.Roots(s.Policy.StateDir, s.Policy.WorkspaceOverride, task.Assignee)
	ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
	defer cancel()
	bundle, aerr := artifacts.BuildReviewBundle(ctx, s.Fetcher, task, body.Strict, roots)
	if aerr != nil {
		respondError(w, aerr)
		return
	}
	s.DB.Tasks.AddTaskComment(task.ID, "system", artifacts.SummaryComment(bundle), time.Now().UnixMilli())
	respondJSON(w, http.StatusOK, bundle)
}

func (s *Server) handleBacklog(w http.ResponseWriter, r *http.Request) {
	tasks, aerr := s.DB.Tasks.ListTasks(store.TaskFilter{Status: store.StatusTodo})
	if aerr != nil {
		respondError(w, aerr)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"tasks": tasks, "total": len(tasks)})
}

func (s *Server) handleNextTask(w http.ResponseWriter, r *http.Request) {
	agent := r.URL.Query().Get("agent")
	if agent == "" {
		respondError(w, apierr.Validation("agent query parameter is required"))
		return
	}
	task, aerr := s.DB.Tasks.GetNextTask(agent)
	if aerr != nil {
		respondError(w, aerr)
		return
	}
	respondJSON(w, http.StatusOK, task)
}

func (s *Server) handleSearchTasks(w http.ResponseWriter, r *http.Request) {
	q := strings.ToLower(r.URL.Query().Get("q"))
	if q == "" {
		respondJSON(w, http.StatusOK, map[string]any{"tasks": []*store.Task{}, "total": 0})
		return
	}
	all, aerr := s.DB.Tasks.ListTasks(store.TaskFilter{})
	if aerr != nil {
		respondError(w, aerr)
		return
	}
	var matched []*store.Task
	for _, t := range all {
		if strings.Contains(strings.ToLower(t.Title), q) || strings.Contains(strings.ToLower(t.Description), q) {
			matched = append(matched, t)
		}
	}
	respondJSON(w, http.StatusOK, map[string]any{"tasks": matched, "total": len(matched)})
}

func (s *Server) handleBatchCreate(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Tasks []store.TaskDraft `json:"tasks"`
	}
	if aerr := decodeJSON(r, &body); aerr != nil {
		respondError(w, aerr)
		return
	}
	created := make([]*store.Task, 0, len(body.Tasks))
	var failures []map[string]any
	for i, draft := range body.Tasks {
		task, aerr := s.DB.Tasks.CreateTask(draft)
		if aerr != nil {
			failures = append(failures, map[string]any{"index": i, "error": aerr.Message})
			continue
		}
		created = append(created, task)
	}
	respondJSON(w, http.StatusCreated, map[string]any{"created": created, "failures": failures})
}

func (s *Server) handlePostClaim(w http.ResponseWriter, r *http.Request) {
	task, ok := s.resolveTask(w, r)
	if !ok {
		return
	}
	var body struct {
		Agent string `json:"agent"`
	}
	if aerr := decodeJSON(r, &body); aerr != nil {
		respondError(w, aerr)
		return
	}
	if body.Agent == "" {
		respondError(w, apierr.Validation("agent is required"))
		return
	}
	doing := store.StatusDoing
	updated, aerr := s.DB.Tasks.UpdateTask(task.ID, store.TaskPatch{
		Assignee: &body.Agent, Status: &doing, Actor: body.Agent,
	})
	if aerr != nil {
		respondError(w, aerr)
		return
	}
	s.DB.Presence.UpdatePresence(body.Agent, store.PresenceWorking, updated.ID, time.Now().UnixMilli())
	respondJSON(w, http.StatusOK, updated)
}
