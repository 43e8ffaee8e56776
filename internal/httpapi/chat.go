package httpapi

import (
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/reflectt/boardserver/internal/apierr"
	"github.com/reflectt/boardserver/internal/store"
)

func (s *Server) registerChatRoutes() {
	r := s.router
	r.HandleFunc("/chat/messages", s.handleListMessages).Methods(http.MethodGet)
	r.HandleFunc("/chat/messages", s.handlePostMessage).Methods(http.MethodPost)
	r.HandleFunc("/chat/messages/{id}", s.handleEditMessage).Methods(http.MethodPatch)
	r.HandleFunc("/chat/messages/{id}", s.handleDeleteMessage).Methods(http.MethodDelete)
	r.HandleFunc("/chat/messages/{id}/react", s.handleReactMessage).Methods(http.MethodPost)
	r.HandleFunc("/chat/messages/{id}/thread", s.handleMessageThread).Methods(http.MethodGet)
	r.HandleFunc("/chat/channels", s.handleChannels).Methods(http.MethodGet)
	r.HandleFunc("/chat/search", s.handleChatSearch).Methods(http.MethodGet)
}

func (s *Server) handleListMessages(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := store.ChannelFilter{
		Channel:  q.Get("channel"),
		ThreadID: q.Get("threadId"),
		Limit:    queryInt(r, "limit", 0),
	}
	msgs, aerr := s.DB.Chat.ListMessages(filter)
	if aerr != nil {
		respondError(w, aerr)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"messages": msgs, "total": len(msgs)})
}

func (s *Server) handlePostMessage(w http.ResponseWriter, r *http.Request) {
	var body struct {
		From     string         `json:"from"`
		Content  string         `json:"content"`
		Channel  string         `json:"channel"`
		ThreadID string         `json:"threadId"`
		ReplyTo  string         `json:"replyTo"`
		Metadata map[string]any `json:"metadata"`
	}
	if aerr := decodeJSON(r, &body); aerr != nil {
		respondError(w, aerr)
		return
	}
	msg, aerr := s.DB.Chat.PostMessage(body.From, body.Content, body.Channel, body.ThreadID, body.ReplyTo, body.Metadata)
	if aerr != nil {
		respondError(w, aerr)
		return
	}
	s.DB.Presence.UpdatePresence(body.From, store.PresenceWorking, "", time.Now().UnixMilli())
	respondJSON(w, http.StatusCreated, msg)
}

func (s *Server) handleEditMessage(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	var body struct {
		Author  string `json:"author"`
		Content string `json:"content"`
	}
	if aerr := decodeJSON(r, &body); aerr != nil {
		respondError(w, aerr)
		return
	}
	msg, aerr := s.DB.Chat.EditMessage(id, body.Author, body.Content, time.Now().UnixMilli())
	if aerr != nil {
		respondError(w, aerr)
		return
	}
	respondJSON(w, http.StatusOK, msg)
}

func (s *Server) handleDeleteMessage(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	author := r.URL.Query().Get("author")
	if aerr := s.DB.Chat.DeleteMessage(id, author); aerr != nil {
		respondError(w, aerr)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleReactMessage(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	var body struct {
		Emoji string `json:"emoji"`
		Agent string `json:"agent"`
	}
	if aerr := decodeJSON(r, &body); aerr != nil {
		respondError(w, aerr)
		return
	}
	if aerr := s.DB.Chat.React(id, body.Emoji, body.Agent); aerr != nil {
		respondError(w, aerr)
		return
	}
	reactions, aerr := s.DB.Chat.Reactions(id)
	if aerr != nil {
		respondError(w, aerr)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"reactions": reactions})
}

func (s *Server) handleMessageThread(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	msgs, aerr := s.DB.Chat.ListMessages(store.ChannelFilter{ThreadID: id})
	if aerr != nil {
		respondError(w, aerr)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"messages": msgs, "total": len(msgs)})
}

func (s *Server) handleChannels(w http.ResponseWriter, r *http.Request) {
	channels, aerr := s.DB.Chat.Channels()
	if aerr != nil {
		respondError(w, aerr)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"channels": channels})
}

func (s *Server) handleChatSearch(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query().Get("q")
	if q == "" {
		respondError(w, apierr.Validation("q query parameter is required"))
		return
	}
	limit := queryInt(r, "limit", 50)
	msgs, aerr := s.DB.Chat.Search(q, limit)
	if aerr != nil {
		respondError(w, aerr)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"messages": msgs, "total": len(msgs)})
}
