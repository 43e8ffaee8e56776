package httpapi

import (
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/reflectt/boardserver/internal/apierr"
	"github.com/reflectt/boardserver/internal/store"
)

func (s *Server) registerPresenceRoutes() {
	r := s.router
	r.HandleFunc("/inbox/{agent}", s.handleInbox).Methods(http.MethodGet)
	r.HandleFunc("/inbox/{agent}/ack", s.handleInboxAck).Methods(http.MethodPost)
	r.HandleFunc("/inbox/{agent}/mentions", s.handleInboxMentions).Methods(http.MethodGet)
	r.HandleFunc("/presence", s.handleListPresence).Methods(http.MethodGet)
	r.HandleFunc("/presence/{agent}", s.handleUpdatePresence).Methods(http.MethodPost)
	r.HandleFunc("/presence/{agent}/focus", s.handleSetFocus).Methods(http.MethodPost)
}

// handleInbox aggregates what an agent needs to act on: unacked
// mentions and tasks currently assigned to them.
func (s *Server) handleInbox(w http.ResponseWriter, r *http.Request) {
	agent := mux.Vars(r)["agent"]
	mentions, aerr := s.DB.Mentions.Unacked(agent, time.Now().UnixMilli())
	if aerr != nil {
		respondError(w, aerr)
		return
	}
	tasks, aerr := s.DB.Tasks.ListTasks(store.TaskFilter{Assignee: agent})
	if aerr != nil {
		respondError(w, aerr)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"agent":           agent,
		"unackedMentions": mentions,
		"assignedTasks":   tasks,
		"unackedCount":    len(mentions),
	})
}

func (s *Server) handleInboxAck(w http.ResponseWriter, r *http.Request) {
	agent := mux.Vars(r)["agent"]
	var body struct {
		Channel string `json:"channel"`
	}
	decodeJSON(r, &body)
	now := time.Now().UnixMilli()
	var aerr *apierr.Error
	if body.Channel != "" {
		aerr = s.DB.Mentions.AckForAgentInChannel(agent, body.Channel, now)
	} else {
		aerr = s.DB.Mentions.AckForTaskReference(agent, now)
	}
	if aerr != nil {
		respondError(w, aerr)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"acked": true})
}

func (s *Server) handleInboxMentions(w http.ResponseWriter, r *http.Request) {
	agent := mux.Vars(r)["agent"]
	mentions, aerr := s.DB.Mentions.ForAgent(agent)
	if aerr != nil {
		respondError(w, aerr)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"mentions": mentions})
}

func (s *Server) handleListPresence(w http.ResponseWriter, r *http.Request) {
	all, aerr := s.DB.Presence.ListAll()
	if aerr != nil {
		respondError(w, aerr)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"presence": all})
}

func (s *Server) handleUpdatePresence(w http.ResponseWriter, r *http.Request) {
	agent := mux.Vars(r)["agent"]
	var body struct {
		Status      string `json:"status"`
		CurrentTask string `json:"currentTask"`
		Since       int64  `json:"since"`
	}
	if aerr := decodeJSON(r, &body); aerr != nil {
		respondError(w, aerr)
		return
	}
	since := body.Since
	if since == 0 {
		since = time.Now().UnixMilli()
	}
	p, aerr := s.DB.Presence.UpdatePresence(agent, store.PresenceStatus(body.Status), body.CurrentTask, since)
	if aerr != nil {
		respondError(w, aerr)
		return
	}
	respondJSON(w, http.StatusOK, p)
}

func (s *Server) handleSetFocus(w http.ResponseWriter, r *http.Request) {
	agent := mux.Vars(r)["agent"]
	var focus store.Focus
	if aerr := decodeJSON(r, &focus); aerr != nil {
		respondError(w, aerr)
		return
	}
	if aerr := s.DB.Presence.SetFocus(agent, &focus); aerr != nil {
		respondError(w, aerr)
		return
	}
	p, aerr := s.DB.Presence.Get(agent)
	if aerr != nil {
		respondError(w, aerr)
		return
	}
	respondJSON(w, http.StatusOK, p)
}
