// Package watchdog runs the closed set of periodic reconciliation loops
// against the task board (spec §4.2): auto-block-stale, suggest-close,
// digest-emitted, ready-queue-warning/idle-queue-escalation,
// review-reassign, continuity-replenish, idle-nudge, cadence, and
// mention-rescue. There is no separate ready-queue-replenish sweeper;
// continuity-replenish only records promoted insights that still have no
// task. Grounded on the teacher's
// supervisor decision-loop scheduling (one goroutine per loop, a single
// parent context, cooperative ticks) but retargeted from incident
// analysis onto board hygiene.
package watchdog

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/reflectt/boardserver/internal/assignment"
	"github.com/reflectt/boardserver/internal/config"
	"github.com/reflectt/boardserver/internal/router"
	"github.com/reflectt/boardserver/internal/store"
)

// Services bundles every store the scheduler's loops read and write,
// injected rather than constructed internally so tests can swap in a
// fresh in-memory database per case (spec §9 design notes).
type Services struct {
	Tasks    *store.TaskStore
	Chat     *store.ChatStore
	Presence *store.PresenceStore
	Mentions *store.MentionAckStore
	Insights *store.InsightStore
	Audit    *store.PolicyActionStore
	Policy   *config.Policy
	Now      func() time.Time
}

func (s *Services) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

// loop describes one scheduled reconciliation loop.
type loop struct {
	name     string
	interval time.Duration
	run      func(s *Scheduler)
}

// Scheduler drives every loop in the closed set, each on its own
// goroutine and its own ticker so a slow loop never delays another, but
// serialized with itself since a single goroutine processes its ticks
// one at a time (spec §5: "each loop is serialized with itself... but
// loops run in parallel with each other").
type Scheduler struct {
	svc Services

	mu              sync.Mutex
	cooldowns       map[string]map[string]int64 // loopName -> key -> lastFiredAtMs
	fingerprints    map[string]string           // loopName::agent -> fingerprint
	idleSince       map[string]int64            // agent -> first-observed-idle timestamp
	actionsThisTick int                         // cumulative action count; runOne diffs before/after a tick

	loops []loop
}

// New builds a scheduler over svc with the standard loop set at their
// spec-default cadences.
func New(svc Services) *Scheduler {
	s := &Scheduler{
		svc:          svc,
		cooldowns:    map[string]map[string]int64{},
		fingerprints: map[string]string{},
		idleSince:    map[string]int64{},
	}
	interval := time.Duration(svc.Policy.IntervalMs) * time.Millisecond
	if interval <= 0 {
		interval = time.Minute
	}
	fine := 45 * time.Second

	s.loops = []loop{
		{"auto-block-stale", interval, (*Scheduler).doAutoBlockStale},
		{"suggest-close", interval, (*Scheduler).doSuggestClose},
		{"digest-emitted", time.Duration(svc.Policy.DigestIntervalMs) * time.Millisecond, func(sc *Scheduler) { sc.doDigest(false) }},
		{"ready-queue-warning", interval, (*Scheduler).doReadyQueue},
		{"review-reassign", interval, (*Scheduler).doReviewReassign},
		{"continuity-replenish", interval, (*Scheduler).doContinuityReplenish},
		{"idle-nudge", fine, (*Scheduler).doIdleNudge},
		{"cadence", fine, (*Scheduler).doCadence},
		{"mention-rescue", fine, (*Scheduler).doMentionRescue},
	}
	return s
}

// Run starts every loop under ctx and blocks until ctx is cancelled
// (spec §9: "async control flow via goroutines/channels under a single
// parent context").
func (s *Scheduler) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for _, l := range s.loops {
		l := l
		if l.interval <= 0 {
			continue
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			ticker := time.NewTicker(l.interval)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
					s.runOne(l)
				}
			}
		}()
	}
	wg.Wait()
}

// RunLoopOnce executes one named loop immediately, used by the
// POST /health/<loop>/tick endpoints (spec §6.1) and by tests.
func (s *Scheduler) RunLoopOnce(ctx context.Context, name string) bool {
	for _, l := range s.loops {
		if l.name == name {
			s.runOne(l)
			return true
		}
	}
	return false
}

func (s *Scheduler) runOne(l loop) {
	defer func() {
		if r := recover(); r != nil {
			// A misbehaving loop must not take down the scheduler or
			// block other loops (spec §7).
		}
	}()

	inQuiet := s.svc.Policy.InQuietHours(s.svc.now())
	s.mu.Lock()
	before := s.actionsThisTick
	s.mu.Unlock()

	if !inQuiet {
		l.run(s)
	}

	s.mu.Lock()
	applied := s.actionsThisTick - before
	s.mu.Unlock()
	s.svc.Audit.RecordLoopTick(l.name, s.svc.now().UnixMilli(), applied, inQuiet)
}

func (s *Scheduler) recordAction() {
	s.mu.Lock()
	s.actionsThisTick++
	s.mu.Unlock()
}

// cooldownOK reports whether key is past its cooldown window for
// loopName, and mirrors the firing into the debug table (spec §4.2
// "Cooldown").
func (s *Scheduler) cooldownOK(loopName, key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	m := s.cooldowns[loopName]
	if m == nil {
		m = map[string]int64{}
		s.cooldowns[loopName] = m
	}
	last := m[key]
	now := s.svc.now().UnixMilli()
	cooldownMs := int64(s.svc.Policy.CooldownMin) * 60 * 1000
	if now-last < cooldownMs {
		return false
	}
	m[key] = now
	s.svc.Audit.RecordCooldownMirror(loopName, key, now)
	return true
}

// fingerprintChanged reports whether fp differs from the last recorded
// fingerprint for loopName/agent, updating it as a side effect (spec
// §4.2 "State-fingerprint debounce").
func (s *Scheduler) fingerprintChanged(loopName, agent, fp string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := loopName + "::" + agent
	if s.fingerprints[key] == fp {
		return false
	}
	s.fingerprints[key] = fp
	return true
}

// sanitizeTimestamp applies spec §4.2's timestamp-sanity edge case:
// reject negatives, clamp > now+60s to now, and flag stale-for->30-days
// activity as likely-bug (caller should skip the task on ok=false).
func sanitizeTimestamp(ts int64, now time.Time) (sanitized int64, ok bool) {
	if ts < 0 {
		return 0, false
	}
	nowMs := now.UnixMilli()
	if ts > nowMs+60_000 {
		return nowMs, true
	}
	if nowMs-ts > 30*24*time.Hour.Milliseconds() {
		return 0, false
	}
	return ts, true
}

func (s *Scheduler) notify(category router.Category, content string, mentions []string, forceChannel string) {
	routed := router.Route(router.Request{From: "watchdog", Content: content, Category: category, Mentions: mentions, ForceChannel: forceChannel})
	s.svc.Chat.PostMessage("watchdog", routed.Content, routed.Channel, "", "", nil)
}

func minutes(n int) time.Duration { return time.Duration(n) * time.Minute }

// --- auto-block-stale ---------------------------------------------------

func (s *Scheduler) doAutoBlockStale() {
	doing, aerr := s.svc.Tasks.ListTasks(store.TaskFilter{Status: store.StatusDoing})
	if aerr != nil {
		return
	}
	threshold := minutes(s.svc.Policy.StaleDoingThresholdMin)
	applied := 0
	for _, t := range doing {
		if applied >= s.svc.Policy.MaxActionsPerTick {
			break
		}
		ts, ok := sanitizeTimestamp(t.UpdatedAt, s.svc.now())
		if !ok {
			continue
		}
		if s.svc.now().Sub(time.UnixMilli(ts)) <= threshold {
			continue
		}
		if !s.cooldownOK("auto-block-stale", t.ID) {
			continue
		}

		// Race guard: re-read before mutating.
		fresh, aerr := s.svc.Tasks.GetTask(t.ID)
		if aerr != nil || fresh.Status != store.StatusDoing {
			continue
		}

		prev := fresh.Clone()
		md := map[string]any{}
		for k, v := range fresh.Metadata {
			md[k] = v
		}
		md["board_health_blocked_at"] = s.svc.now().UnixMilli()
		md["board_health_reason"] = "auto-block-stale"
		status := store.StatusBlocked
		updated, aerr := s.svc.Tasks.UpdateTask(t.ID, store.TaskPatch{Status: &status, Metadata: md, Actor: "watchdog"})
		if aerr != nil {
			continue
		}

		s.svc.Audit.Append(&store.PolicyAction{
			Kind: "auto-block-stale", TaskID: t.ID, Agent: t.Assignee,
			Description:   fmt.Sprintf("blocked %s after %d min without activity", t.ID, s.svc.Policy.StaleDoingThresholdMin),
			PreviousState: map[string]any{"status": string(prev.Status), "metadata": prev.Metadata},
		})
		applied++
		s.recordAction()
		s.notify(router.CategoryWatchdogAlert, fmt.Sprintf("%s auto-blocked: no activity for over %d minutes", updated.ID, s.svc.Policy.StaleDoingThresholdMin), []string{t.Assignee}, "")
	}
}

// --- suggest-close -------------------------------------------------------

func (s *Scheduler) doSuggestClose() {
	blocked, _ := s.svc.Tasks.ListTasks(store.TaskFilter{Status: store.StatusBlocked})
	todo, _ := s.svc.Tasks.ListTasks(store.TaskFilter{Status: store.StatusTodo})
	candidates := append(blocked, todo...)
	threshold := minutes(s.svc.Policy.SuggestCloseThresholdMin)
	applied := 0
	for _, t := range candidates {
		if applied >= s.svc.Policy.MaxActionsPerTick {
			break
		}
		ts, ok := sanitizeTimestamp(t.UpdatedAt, s.svc.now())
		if !ok || s.svc.now().Sub(time.UnixMilli(ts)) <= threshold {
			continue
		}
		if !s.cooldownOK("suggest-close", t.ID) {
			continue
		}
		s.svc.Tasks.AddTaskComment(t.ID, "system", fmt.Sprintf("[watchdog] no activity for over %d minutes — consider closing or re-scoping", s.svc.Policy.SuggestCloseThresholdMin), s.svc.now().UnixMilli())
		s.svc.Audit.Append(&store.PolicyAction{Kind: "suggest-close", TaskID: t.ID, Description: "suggested closing stale task"})
		applied++
		s.recordAction()
	}
}

// --- digest-emitted --------------------------------------------------------

func (s *Scheduler) doDigest(force bool) {
	if !s.cooldownOK("digest-emitted", "global") && !force {
		return
	}
	todo, _ := s.svc.Tasks.ListTasks(store.TaskFilter{Status: store.StatusTodo})
	doing, _ := s.svc.Tasks.ListTasks(store.TaskFilter{Status: store.StatusDoing})
	validating, _ := s.svc.Tasks.ListTasks(store.TaskFilter{Status: store.StatusValidating})
	blocked, _ := s.svc.Tasks.ListTasks(store.TaskFilter{Status: store.StatusBlocked})

	content := fmt.Sprintf("board digest: todo=%d doing=%d validating=%d blocked=%d", len(todo), len(doing), len(validating), len(blocked))
	s.notify(router.CategoryDigest, content, nil, s.svc.Policy.DigestChannel)
	s.svc.Audit.Append(&store.PolicyAction{Kind: "digest-emitted", Description: content})
	s.recordAction()
}

// --- ready-queue-warning / idle-queue-escalation -------------------------

type agentQueueState struct {
	readyCount      int
	todoCount       int
	doingCount      int
	validatingCount int
	blockedIDs      []string
}

func (st agentQueueState) fingerprint() string {
	ids := append([]string(nil), st.blockedIDs...)
	sort.Strings(ids)
	return fmt.Sprintf("%d|%d|%s|%d|%d", st.readyCount, st.todoCount, strings.Join(ids, ","), st.doingCount, st.validatingCount)
}

func (s *Scheduler) doReadyQueue() {
	all, aerr := s.svc.Tasks.ListTasks(store.TaskFilter{})
	if aerr != nil {
		return
	}
	known := s.knownAgents()
	byAgent := map[string]agentQueueState{}
	for _, t := range all {
		a := strings.ToLower(t.Assignee)
		if a == "" || !known[a] {
			continue
		}
		st := byAgent[a]
		switch t.Status {
		case store.StatusTodo:
			st.todoCount++
			if len(t.BlockedBy) == 0 {
				st.readyCount++
			}
		case store.StatusDoing:
			st.doingCount++
		case store.StatusValidating:
			st.validatingCount++
		case store.StatusBlocked:
			st.blockedIDs = append(st.blockedIDs, t.ID)
		}
		byAgent[a] = st
	}

	applied := 0
	for agent, st := range byAgent {
		if applied >= s.svc.Policy.MaxActionsPerTick {
			break
		}
		if st.readyCount >= s.svc.Policy.ReadyFloor {
			delete(s.idleSince, agent)
			continue
		}
		if !s.fingerprintChanged("ready-queue-warning", agent, st.fingerprint()) {
			continue
		}
		if !s.cooldownOK("ready-queue-warning", agent) {
			continue
		}

		idle := st.doingCount == 0 && st.validatingCount == 0 && st.readyCount == 0
		if idle {
			s.mu.Lock()
			if s.idleSince[agent] == 0 {
				s.idleSince[agent] = s.svc.now().UnixMilli()
			}
			since := s.idleSince[agent]
			s.mu.Unlock()
			if s.svc.now().UnixMilli()-since > minutes(s.svc.Policy.EscalateAfterMin).Milliseconds() {
				s.notify(router.CategoryEscalation, fmt.Sprintf("%s has had an empty queue for over %d minutes", agent, s.svc.Policy.EscalateAfterMin), []string{s.svc.Policy.EscalationAgent}, "")
				s.svc.Audit.Append(&store.PolicyAction{Kind: "idle-queue-escalation", Agent: agent, Description: "escalated continuous idle agent"})
				applied++
				s.recordAction()
				continue
			}
		}

		s.notify(router.CategoryWatchdogAlert, fmt.Sprintf("%s's ready queue is below floor (%d < %d)", agent, st.readyCount, s.svc.Policy.ReadyFloor), []string{agent}, "")
		s.svc.Audit.Append(&store.PolicyAction{Kind: "ready-queue-warning", Agent: agent, Description: "ready queue below floor"})
		applied++
		s.recordAction()
	}
}

func (s *Scheduler) knownAgents() map[string]bool {
	known := map[string]bool{}
	rows, _ := s.svc.Presence.ListAll()
	for _, p := range rows {
		known[strings.ToLower(p.Agent)] = true
	}
	for _, a := range s.svc.Policy.Agents {
		known[strings.ToLower(a.Name)] = true
	}
	return known
}

// --- review-reassign -------------------------------------------------------

func (s *Scheduler) doReviewReassign() {
	validating, aerr := s.svc.Tasks.ListTasks(store.TaskFilter{Status: store.StatusValidating})
	if aerr != nil {
		return
	}
	threshold := minutes(s.svc.Policy.ReviewSlaThresholdMin)
	applied := 0
	for _, t := range validating {
		if applied >= s.svc.Policy.MaxActionsPerTick {
			break
		}
		if t.Reviewer == "" {
			continue
		}
		lastActivity, ok := decisionActivityAt(t)
		if !ok {
			lastActivity = t.UpdatedAt
		}
		ts, ok := sanitizeTimestamp(lastActivity, s.svc.now())
		if !ok || s.svc.now().Sub(time.UnixMilli(ts)) <= threshold {
			continue
		}
		if !s.cooldownOK("review-reassign", t.ID) {
			continue
		}

		fresh, aerr := s.svc.Tasks.GetTask(t.ID)
		if aerr != nil || fresh.Status != store.StatusValidating {
			continue
		}

		spec := assignment.CandidateSpec{Title: fresh.Title, Tags: fresh.Tags}
		active := presenceActive{presence: s.svc.Presence, now: s.svc.now()}
		newReviewer, escalate := assignment.ResolveReassignment(spec, fresh.Reviewer, fresh.Assignee, s.svc.Policy.EscalationAgent, active, s.svc.Policy, assignment.WIPCounts{})
		if escalate {
			s.notify(router.CategoryEscalation, fmt.Sprintf("no active reviewer candidate for %s; escalating", fresh.ID), []string{s.svc.Policy.EscalationAgent}, "")
			continue
		}

		oldReviewer := fresh.Reviewer
		_, aerr = s.svc.Tasks.UpdateTask(fresh.ID, store.TaskPatch{Reviewer: &newReviewer, Actor: "watchdog"})
		if aerr != nil {
			continue
		}
		s.svc.Audit.Append(&store.PolicyAction{Kind: "review-reassign", TaskID: fresh.ID, Description: fmt.Sprintf("reviewer reassigned from %s to %s", oldReviewer, newReviewer)})
		applied++
		s.recordAction()
		s.notify(router.CategoryWatchdogAlert, fmt.Sprintf("%s reviewer reassigned from @%s to @%s (SLA exceeded)", fresh.ID, oldReviewer, newReviewer), []string{oldReviewer, newReviewer}, "")
	}
}

// decisionActivityAt resolves review_last_activity_at, tolerating both
// seconds and milliseconds encodings: any value under 10^11 is assumed
// to be seconds and is scaled up (spec §9 open question).
func decisionActivityAt(t *store.Task) (int64, bool) {
	raw, ok := t.Metadata["review_last_activity_at"]
	if !ok {
		return 0, false
	}
	var v int64
	switch n := raw.(type) {
	case float64:
		v = int64(n)
	case int64:
		v = n
	case int:
		v = int64(n)
	default:
		return 0, false
	}
	if v < 100_000_000_000 {
		v *= 1000
	}
	return v, true
}

type presenceActive struct {
	presence *store.PresenceStore
	now      time.Time
}

func (p presenceActive) IsActive(agent string) bool {
	row, aerr := p.presence.Get(agent)
	if aerr != nil || row == nil {
		return false
	}
	return p.now.UnixMilli()-row.LastUpdate <= time.Hour.Milliseconds()
}

// --- continuity-replenish ------------------------------------------------

func (s *Scheduler) doContinuityReplenish() {
	promoted, aerr := s.svc.Insights.ListByStatus("promoted")
	if aerr != nil {
		return
	}
	var unlinked []string
	for _, i := range promoted {
		if i.TaskID == "" {
			unlinked = append(unlinked, i.ID)
		}
	}
	if len(unlinked) == 0 {
		return
	}
	if !s.cooldownOK("continuity-replenish", "global") {
		return
	}
	// Informational only: record what would be replenished, create no
	// placeholder tasks (spec §9 open question, resolved explicitly).
	s.svc.Audit.Append(&store.PolicyAction{Kind: "continuity-replenish", Description: fmt.Sprintf("%d promoted insight(s) await task creation: %s", len(unlinked), strings.Join(unlinked, ","))})
	s.recordAction()
}

// --- idle-nudge / cadence / mention-rescue --------------------------------

func (s *Scheduler) doIdleNudge() {
	for agent := range s.knownAgents() {
		last, aerr := s.svc.Presence.LastActivity(agent)
		if aerr != nil || last == 0 {
			continue
		}
		if s.svc.now().UnixMilli()-last < minutes(10).Milliseconds() {
			continue // recent-activity-suppressed
		}
		doing, _ := s.svc.Tasks.ListTasks(store.TaskFilter{Status: store.StatusDoing, Assignee: agent})
		if len(doing) == 0 {
			continue // missing-active-task
		}
		if !s.cooldownOK("idle-nudge", agent) {
			continue
		}
		s.notify(router.CategoryStatusUpdate, fmt.Sprintf("@%s any update on %s?", agent, doing[0].ID), []string{agent}, "")
		s.recordAction()
	}
}

func (s *Scheduler) doCadence() {
	doing, _ := s.svc.Tasks.ListTasks(store.TaskFilter{Status: store.StatusDoing})
	for _, t := range doing {
		if t.Assignee == "" {
			continue
		}
		last, aerr := s.svc.Presence.LastActivity(t.Assignee)
		if aerr != nil || last == 0 {
			continue
		}
		if s.svc.now().UnixMilli()-last < minutes(30).Milliseconds() {
			continue // recent-activity-suppressed
		}
		if !s.cooldownOK("cadence", t.ID) {
			continue // cooldown-suppressed
		}
		s.notify(router.CategoryStatusUpdate, fmt.Sprintf("@%s checking in on %s — still moving?", t.Assignee, t.ID), []string{t.Assignee}, "")
		s.recordAction()
	}
}

func (s *Scheduler) doMentionRescue() {
	olderThan := s.svc.now().Add(-minutes(s.svc.Policy.MentionAckTimeoutMin)).UnixMilli()
	unacked, aerr := s.svc.Mentions.Unacked("", olderThan)
	if aerr != nil {
		return
	}
	applied := 0
	for _, m := range unacked {
		if applied >= s.svc.Policy.MaxActionsPerTick {
			break
		}
		if !s.cooldownOK("mention-rescue", m.ID) {
			continue
		}
		s.notify(router.CategoryEscalation, fmt.Sprintf("@%s hasn't acknowledged a mention in #%s from over %d minutes ago", m.Agent, m.Channel, s.svc.Policy.MentionAckTimeoutMin), []string{m.Agent}, m.Channel)
		applied++
		s.recordAction()
	}
}

// Rollback reverses a PolicyAction within its rollback window, restoring
// previousState verbatim (spec §4.2 "Rollback").
func (s *Scheduler) Rollback(actionID, actor string) error {
	a, aerr := s.svc.Audit.Get(actionID)
	if aerr != nil {
		return fmt.Errorf("rollback: %s", aerr.Message)
	}
	if a.RolledBack {
		return fmt.Errorf("rollback: action %s already rolled back", actionID)
	}
	window := time.Duration(s.svc.Policy.RollbackWindowMs) * time.Millisecond
	if s.svc.now().Sub(time.UnixMilli(a.AppliedAt)) > window {
		return fmt.Errorf("rollback: action %s outside rollback window", actionID)
	}
	if a.PreviousState == nil {
		return fmt.Errorf("rollback: action %s is not rollbackable", actionID)
	}

	if rawStatus, ok := a.PreviousState["status"]; ok {
		status := store.TaskStatus(fmt.Sprint(rawStatus))
		md, _ := a.PreviousState["metadata"].(map[string]any)
		if _, aerr := s.svc.Tasks.UpdateTask(a.TaskID, store.TaskPatch{Status: &status, Metadata: md, Actor: actor}); aerr != nil {
			return fmt.Errorf("rollback: %s", aerr.Message)
		}
	}

	if aerr := s.svc.Audit.MarkRolledBack(actionID, actor, s.svc.now().UnixMilli()); aerr != nil {
		return fmt.Errorf("rollback: %s", aerr.Message)
	}
	s.notify(router.CategorySystemInfo, fmt.Sprintf("action %s (%s) rolled back by @%s", actionID, a.Kind, actor), nil, "")
	return nil
}
