package store

import (
	"crypto/rand"
	"database/sql"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/reflectt/boardserver/internal/apierr"
	"github.com/reflectt/boardserver/internal/config"
)

// TaskStore persists tasks and comments, enforces the gated update path,
// resolves ids, and serves delta queries (spec §4.1). Writes are
// serialized with a single mutex; reads go straight to SQLite, which
// handles its own concurrent-reader locking.
type TaskStore struct {
	db     *sql.DB
	mu     sync.Mutex
	Policy *config.Policy
	Sink   EventSink
	Now    func() time.Time
}

func (s *TaskStore) policy() *config.Policy {
	if s.Policy != nil {
		return s.Policy
	}
	return config.Default()
}

func (s *TaskStore) sink() EventSink {
	if s.Sink != nil {
		return s.Sink
	}
	return noopSink{}
}

func (s *TaskStore) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

func nowMs(t time.Time) int64 { return t.UnixMilli() }

func randomSuffix(n int) string {
	const alphabet = "abcdefghijklmnopqrstuvwxyz0123456789"
	b := make([]byte, n)
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		// crypto/rand failure is effectively unrecoverable on this host;
		// fall back to a fixed pattern rather than panic.
		for i := range b {
			b[i] = alphabet[i%len(alphabet)]
		}
		return string(b)
	}
	for i, v := range buf {
		b[i] = alphabet[int(v)%len(alphabet)]
	}
	return string(b)
}

func newTaskID(now time.Time) string {
	return fmt.Sprintf("task-%d-%s", now.UnixMilli(), randomSuffix(6))
}

func shortID(id string) string {
	parts := strings.SplitN(id, "-", 3)
	if len(parts) == 3 {
		return parts[2]
	}
	return id
}

// TaskDraft is the input to CreateTask.
type TaskDraft struct {
	Title        string
	Description  string
	Assignee     string
	Reviewer     string
	Priority     Priority
	DoneCriteria []string
	Tags         []string
	BlockedBy    []string
	CreatedBy    string
	Metadata     map[string]any
}

// CreateTask validates draft and inserts a new task in status=todo
// (spec §4.1).
func (s *TaskStore) CreateTask(draft TaskDraft) (*Task, *apierr.Error) {
	var fields []apierr.Field
	if strings.TrimSpace(draft.Title) == "" {
		fields = append(fields, apierr.Field{Path: "title", Message: "required"})
	}
	if strings.TrimSpace(draft.Assignee) == "" {
		fields = append(fields, apierr.Field{Path: "assignee", Message: "required"})
	}
	if strings.TrimSpace(draft.Reviewer) == "" {
		fields = append(fields, apierr.Field{Path: "reviewer", Message: "required"})
	}
	if len(draft.DoneCriteria) == 0 {
		fields = append(fields, apierr.Field{Path: "done_criteria", Message: "must be non-empty"})
	}
	if strings.TrimSpace(draft.CreatedBy) == "" {
		fields = append(fields, apierr.Field{Path: "createdBy", Message: "required"})
	}
	if len(fields) > 0 {
		return nil, apierr.Validation("invalid task draft", fields...)
	}
	if s.policy().Production && strings.HasPrefix(draft.Title, "TEST:") {
		return nil, apierr.TestTaskRejectedErr()
	}

	priority := draft.Priority
	if priority == "" {
		priority = P2
	}

	now := s.now()
	t := &Task{
		ID:           newTaskID(now),
		Title:        draft.Title,
		Description:  draft.Description,
		Status:       StatusTodo,
		Assignee:     draft.Assignee,
		Reviewer:     draft.Reviewer,
		Priority:     priority,
		DoneCriteria: draft.DoneCriteria,
		Tags:         draft.Tags,
		BlockedBy:    draft.BlockedBy,
		CreatedBy:    draft.CreatedBy,
		CreatedAt:    nowMs(now),
		UpdatedAt:    nowMs(now),
		Metadata:     draft.Metadata,
	}
	if t.Metadata == nil {
		t.Metadata = map[string]any{}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.insert(t); err != nil {
		return nil, apierr.Internal(err)
	}

	s.sink().Publish("task_created", t.CreatedBy, t.ID, map[string]any{"task": t})
	return t, nil
}

func (s *TaskStore) insert(t *Task) error {
	doneCriteria, _ := json.Marshal(t.DoneCriteria)
	tags, _ := json.Marshal(t.Tags)
	blockedBy, _ := json.Marshal(t.BlockedBy)
	metadata, _ := json.Marshal(t.Metadata)

	_, err := s.db.Exec(`INSERT INTO tasks
		(id, title, description, status, assignee, reviewer, priority, done_criteria, tags, blocked_by, created_by, created_at, updated_at, comment_count, metadata)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.Title, t.Description, string(t.Status), t.Assignee, t.Reviewer, string(t.Priority),
		string(doneCriteria), string(tags), string(blockedBy), t.CreatedBy, t.CreatedAt, t.UpdatedAt, t.CommentCount, string(metadata))
	return err
}

func scanTask(row interface {
	Scan(dest ...any) error
}) (*Task, error) {
	var t Task
	var status, priority, doneCriteria, tags, blockedBy, metadata string
	if err := row.Scan(&t.ID, &t.Title, &t.Description, &status, &t.Assignee, &t.Reviewer, &priority,
		&doneCriteria, &tags, &blockedBy, &t.CreatedBy, &t.CreatedAt, &t.UpdatedAt, &t.CommentCount, &metadata); err != nil {
		return nil, err
	}
	t.Status = TaskStatus(status)
	t.Priority = Priority(priority)
	_ = json.Unmarshal([]byte(doneCriteria), &t.DoneCriteria)
	_ = json.Unmarshal([]byte(tags), &t.Tags)
	_ = json.Unmarshal([]byte(blockedBy), &t.BlockedBy)
	t.Metadata = map[string]any{}
	_ = json.Unmarshal([]byte(metadata), &t.Metadata)
	return &t, nil
}

const taskColumns = `id, title, description, status, assignee, reviewer, priority, done_criteria, tags, blocked_by, created_by, created_at, updated_at, comment_count, metadata`

// GetTask fetches a task by exact id.
func (s *TaskStore) GetTask(id string) (*Task, *apierr.Error) {
	row := s.db.QueryRow(`SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id)
	t, err := scanTask(row)
	if err == sql.ErrNoRows {
		return nil, apierr.NotFound("task not found: " + id)
	}
	if err != nil {
		return nil, apierr.Internal(err)
	}
	return t, nil
}

// MatchType is the result kind of ResolveTaskID.
type MatchType string

const (
	MatchExact     MatchType = "exact"
	MatchPrefix    MatchType = "prefix"
	MatchAmbiguous MatchType = "ambiguous"
	MatchNone      MatchType = "none"
)

// ResolveResult is the return value of ResolveTaskID (spec §4.1).
type ResolveResult struct {
	Task        *Task
	ResolvedID  string
	MatchType   MatchType
	Suggestions []string
}

const minPrefixLen = 6
const maxSuggestions = 5

// ResolveTaskID resolves an exact id or unambiguous prefix.
func (s *TaskStore) ResolveTaskID(input string) (ResolveResult, *apierr.Error) {
	if t, err := s.GetTask(input); err == nil {
		return ResolveResult{Task: t, ResolvedID: t.ID, MatchType: MatchExact}, nil
	}

	if len(input) < minPrefixLen {
		return ResolveResult{MatchType: MatchNone}, nil
	}

	rows, err := s.db.Query(`SELECT `+taskColumns+` FROM tasks WHERE id LIKE ? ORDER BY id`, input+"%")
	if err != nil {
		return ResolveResult{}, apierr.Internal(err)
	}
	defer rows.Close()

	var matches []*Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return ResolveResult{}, apierr.Internal(err)
		}
		matches = append(matches, t)
	}

	switch len(matches) {
	case 0:
		return ResolveResult{MatchType: MatchNone}, nil
	case 1:
		return ResolveResult{Task: matches[0], ResolvedID: matches[0].ID, MatchType: MatchPrefix}, nil
	default:
		ids := make([]string, 0, len(matches))
		for _, t := range matches {
			ids = append(ids, t.ID)
		}
		if len(ids) > maxSuggestions {
			ids = ids[:maxSuggestions]
		}
		return ResolveResult{MatchType: MatchAmbiguous, Suggestions: ids}, nil
	}
}

// TaskFilter narrows ListTasks (spec §4.1 / §6.1).
type TaskFilter struct {
	Status       TaskStatus
	Assignee     string
	CreatedBy    string
	Priority     Priority
	Tags         []string
	UpdatedSince int64
	Limit        int
}

// ListTasks returns tasks matching filter, ordered by updatedAt desc by
// default.
func (s *TaskStore) ListTasks(f TaskFilter) ([]*Task, *apierr.Error) {
	var where []string
	var args []any

	if f.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(f.Status))
	}
	if f.Assignee != "" {
		where = append(where, "LOWER(assignee) = LOWER(?)")
		args = append(args, f.Assignee)
	}
	if f.CreatedBy != "" {
		where = append(where, "created_by = ?")
		args = append(args, f.CreatedBy)
	}
	if f.Priority != "" {
		where = append(where, "priority = ?")
		args = append(args, string(f.Priority))
	}
	if f.UpdatedSince > 0 {
		where = append(where, "updated_at >= ?")
		args = append(args, f.UpdatedSince)
	}

	query := `SELECT ` + taskColumns + ` FROM tasks`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY updated_at DESC"
	if f.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", f.Limit)
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, apierr.Internal(err)
	}
	defer rows.Close()

	var out []*Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, apierr.Internal(err)
		}
		if len(f.Tags) > 0 && !hasAllTags(t.Tags, f.Tags) {
			continue
		}
		out = append(out, t)
	}
	return out, nil
}

func hasAllTags(have, want []string) bool {
	set := make(map[string]bool, len(have))
	for _, t := range have {
		set[strings.ToLower(t)] = true
	}
	for _, w := range want {
		if !set[strings.ToLower(w)] {
			return false
		}
	}
	return true
}

// GetNextTask returns the highest-priority unblocked todo task,
// preferring one already assigned to agent, else unassigned, else any
// (spec §4.1).
func (s *TaskStore) GetNextTask(agent string) (*Task, *apierr.Error) {
	tasks, aerr := s.ListTasks(TaskFilter{Status: StatusTodo})
	if aerr != nil {
		return nil, aerr
	}

	doneSet, aerr := s.doneTaskIDSet()
	if aerr != nil {
		return nil, aerr
	}

	var unblocked []*Task
	for _, t := range tasks {
		if isBlocked(t, doneSet) {
			continue
		}
		unblocked = append(unblocked, t)
	}

	priorityRank := map[Priority]int{P0: 0, P1: 1, P2: 2, P3: 3}
	sort.SliceStable(unblocked, func(i, j int) bool {
		return priorityRank[unblocked[i].Priority] < priorityRank[unblocked[j].Priority]
	})

	pick := func(pred func(*Task) bool) *Task {
		for _, t := range unblocked {
			if pred(t) {
				return t
			}
		}
		return nil
	}

	if agent != "" {
		if t := pick(func(t *Task) bool { return strings.EqualFold(t.Assignee, agent) }); t != nil {
			return t, nil
		}
	}
	if t := pick(func(t *Task) bool { return t.Assignee == "" }); t != nil {
		return t, nil
	}
	if len(unblocked) > 0 {
		return unblocked[0], nil
	}
	return nil, nil
}

func isBlocked(t *Task, doneSet map[string]bool) bool {
	for _, b := range t.BlockedBy {
		if !doneSet[b] {
			return true
		}
	}
	return false
}

func (s *TaskStore) doneTaskIDSet() (map[string]bool, *apierr.Error) {
	rows, err := s.db.Query(`SELECT id FROM tasks WHERE status = ?`, string(StatusDone))
	if err != nil {
		return nil, apierr.Internal(err)
	}
	defer rows.Close()
	set := map[string]bool{}
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, apierr.Internal(err)
		}
		set[id] = true
	}
	return set, nil
}

// DeleteTask removes a task record. Audit entries referencing it (policy
// actions, triage decisions) are left in place per spec §3.1.
func (s *TaskStore) DeleteTask(id string) (bool, *apierr.Error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec(`DELETE FROM tasks WHERE id = ?`, id)
	if err != nil {
		return false, apierr.Internal(err)
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		s.db.Exec(`DELETE FROM task_comments WHERE task_id = ?`, id)
		s.sink().Publish("task_deleted", "", id, nil)
	}
	return n > 0, nil
}

// GetTaskHistory returns the recorded task_events rows, oldest first.
func (s *TaskStore) GetTaskHistory(id string) ([]*TaskEvent, *apierr.Error) {
	rows, err := s.db.Query(`SELECT id, task_id, kind, actor, detail, timestamp FROM task_events WHERE task_id = ? ORDER BY timestamp ASC`, id)
	if err != nil {
		return nil, apierr.Internal(err)
	}
	defer rows.Close()

	var out []*TaskEvent
	for rows.Next() {
		var e TaskEvent
		var detail string
		if err := rows.Scan(&e.ID, &e.TaskID, &e.Kind, &e.Actor, &detail, &e.Timestamp); err != nil {
			return nil, apierr.Internal(err)
		}
		e.Detail = map[string]any{}
		_ = json.Unmarshal([]byte(detail), &e.Detail)
		out = append(out, &e)
	}
	return out, nil
}

func (s *TaskStore) recordEvent(taskID, kind, actor string, detail map[string]any, when int64) {
	detailJSON, _ := json.Marshal(detail)
	id := fmt.Sprintf("tev-%d-%s", when, randomSuffix(4))
	s.db.Exec(`INSERT INTO task_events (id, task_id, kind, actor, detail, timestamp) VALUES (?, ?, ?, ?, ?, ?)`,
		id, taskID, kind, actor, string(detailJSON), when)
}
