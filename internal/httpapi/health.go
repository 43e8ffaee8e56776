package httpapi

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"github.com/reflectt/boardserver/internal/apierr"
	"github.com/reflectt/boardserver/internal/assignment"
	"github.com/reflectt/boardserver/internal/store"
)

// buildVersion is a plain package variable that no build step in this
// module overrides, so /health/build reports "dev"; the teacher's corpus
// has no build-info wiring, so this is the stdlib fallback (see DESIGN.md).
var buildVersion = "dev"

func (s *Server) registerHealthRoutes() {
	r := s.router
	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/health/team", s.handleHealthTeam).Methods(http.MethodGet)
	r.HandleFunc("/health/agents", s.handleHealthAgents).Methods(http.MethodGet)
	r.HandleFunc("/health/workflow", s.handleHealthWorkflow).Methods(http.MethodGet)
	r.HandleFunc("/health/compliance", s.handleHealthCompliance).Methods(http.MethodGet)
	r.HandleFunc("/health/system", s.handleHealthSystem).Methods(http.MethodGet)
	r.HandleFunc("/health/build", s.handleHealthBuild).Methods(http.MethodGet)
	r.HandleFunc("/health/{loop}/tick", s.handleHealthTick).Methods(http.MethodPost)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"ok":        true,
		"uptimeSec": int(time.Since(s.StartedAt).Seconds()),
	})
}

func (s *Server) handleHealthTeam(w http.ResponseWriter, r *http.Request) {
	presences, aerr := s.DB.Presence.ListAll()
	if aerr != nil {
		respondError(w, aerr)
		return
	}
	active := 0
	for _, p := range presences {
		if p.Status != store.PresenceOffline {
			active++
		}
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"totalAgents":  len(s.Policy.Agents),
		"activeAgents": active,
		"presence":     presences,
	})
}

func (s *Server) handleHealthAgents(w http.ResponseWriter, r *http.Request) {
	doing, aerr := s.DB.Tasks.ListTasks(store.TaskFilter{Status: store.StatusDoing})
	if aerr != nil {
		respondError(w, aerr)
		return
	}
	wip := assignment.WIPCounts{}
	for _, t := range doing {
		if t.Assignee != "" {
			wip[strings.ToLower(t.Assignee)]++
		}
	}
	type agentHealth struct {
		Name       string `json:"name"`
		Role       string `json:"role"`
		WIPCap     int    `json:"wipCap"`
		WIPCurrent int    `json:"wipCurrent"`
	}
	out := make([]agentHealth, 0, len(s.Policy.Agents))
	for _, a := range s.Policy.Agents {
		out = append(out, agentHealth{
			Name: a.Name, Role: a.Role, WIPCap: s.Policy.WIPCapFor(a.Name),
			WIPCurrent: wip[strings.ToLower(a.Name)],
		})
	}
	respondJSON(w, http.StatusOK, map[string]any{"agents": out})
}

func (s *Server) handleHealthWorkflow(w http.ResponseWriter, r *http.Request) {
	counts := map[string]int{}
	for _, status := range []store.TaskStatus{store.StatusTodo, store.StatusDoing, store.StatusBlocked, store.StatusValidating, store.StatusDone} {
		tasks, aerr := s.DB.Tasks.ListTasks(store.TaskFilter{Status: status})
		if aerr != nil {
			respondError(w, aerr)
			return
		}
		counts[string(status)] = len(tasks)
	}
	respondJSON(w, http.StatusOK, map[string]any{"byStatus": counts})
}

func (s *Server) handleHealthCompliance(w http.ResponseWriter, r *http.Request) {
	validating, aerr := s.DB.Tasks.ListTasks(store.TaskFilter{Status: store.StatusValidating})
	if aerr != nil {
		respondError(w, aerr)
		return
	}
	missingQA := 0
	for _, t := range validating {
		if _, ok := store.GetQaBundle(t.Metadata); !ok {
			missingQA++
		}
	}
	done, aerr := s.DB.Tasks.ListTasks(store.TaskFilter{Status: store.StatusDone})
	if aerr != nil {
		respondError(w, aerr)
		return
	}
	unsigned := 0
	for _, t := range done {
		if !store.ReviewerApproved(t.Metadata) {
			unsigned++
		}
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"validatingMissingQaBundle":  missingQA,
		"doneMissingReviewerSignoff": unsigned,
	})
}

func (s *Server) handleHealthSystem(w http.ResponseWriter, r *http.Request) {
	ticks, aerr := s.DB.Policy.AllLoopTicks()
	if aerr != nil {
		respondError(w, aerr)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"loops":     ticks,
		"uptimeSec": int(time.Since(s.StartedAt).Seconds()),
		"dryRun":    s.Policy.DryRun,
	})
}

func (s *Server) handleHealthBuild(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{"version": buildVersion})
}

// tickLoopNames maps the URL's watchdog segment to the Scheduler's
// internal loop name; "cadence-watchdog" in the route spells the loop
// the scheduler registers simply as "cadence".
var tickLoopNames = map[string]string{
	"idle-nudge":       "idle-nudge",
	"cadence-watchdog": "cadence",
	"mention-rescue":   "mention-rescue",
}

func (s *Server) handleHealthTick(w http.ResponseWriter, r *http.Request) {
	seg := mux.Vars(r)["loop"]
	loopName, ok := tickLoopNames[seg]
	if !ok {
		respondError(w, apierr.NotFound("no such watchdog loop: "+seg))
		return
	}
	ran := s.Scheduler.RunLoopOnce(r.Context(), loopName)
	if !ran {
		respondError(w, apierr.Internal(errors.New("loop did not run")))
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"ran": loopName})
}
