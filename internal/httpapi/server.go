// Package httpapi exposes the board's task/chat/presence/health surface
// over HTTP, grounded on the teacher's internal/server package: a
// gorilla/mux router, per-domain handler structs registered against it,
// and the same respondJSON/respondError helper shape, retargeted from
// the teacher's envelope onto the apierr.Error envelope this module
// uses everywhere else.
package httpapi

import (
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"github.com/reflectt/boardserver/internal/apierr"
	"github.com/reflectt/boardserver/internal/artifacts"
	"github.com/reflectt/boardserver/internal/bridge"
	"github.com/reflectt/boardserver/internal/config"
	"github.com/reflectt/boardserver/internal/events"
	"github.com/reflectt/boardserver/internal/store"
	"github.com/reflectt/boardserver/internal/watchdog"
)

// Server holds every dependency the route handlers need and owns the
// gorilla/mux router. Routes are mounted at the literal paths spec'd in
// §6.1, with no /api prefix.
type Server struct {
	router *mux.Router

	DB        *store.DB
	Bus       *events.Bus
	Scheduler *watchdog.Scheduler
	Bridge    *bridge.Bridge
	Policy    *config.Policy
	Fetcher   artifacts.Fetcher
	Hub       *Hub

	StartedAt time.Time
}

// New builds the router and registers every domain's routes.
func New(db *store.DB, bus *events.Bus, sc *watchdog.Scheduler, br *bridge.Bridge, policy *config.Policy, fetcher artifacts.Fetcher) *Server {
	s := &Server{
		DB:        db,
		Bus:       bus,
		Scheduler: sc,
		Bridge:    br,
		Policy:    policy,
		Fetcher:   fetcher,
		Hub:       NewHub(),
		StartedAt: time.Now(),
	}
	s.router = mux.NewRouter()
	s.registerTaskRoutes()
	s.registerChatRoutes()
	s.registerPresenceRoutes()
	s.registerHealthRoutes()
	s.registerEventRoutes()
	go s.Hub.Run()
	return s
}

func (s *Server) Handler() http.Handler { return s.router }

// respondJSON writes data as a 200 (or the given status) JSON body.
func respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data != nil {
		json.NewEncoder(w).Encode(data)
	}
}

// respondError renders an *apierr.Error through the shared envelope
// (spec §6.1/§7): {success, error, code, status, hint?, fields?, details?, gate?}.
func respondError(w http.ResponseWriter, aerr *apierr.Error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(aerr.Status)
	json.NewEncoder(w).Encode(aerr)
}

func decodeJSON(r *http.Request, v any) *apierr.Error {
	defer r.Body.Close()
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return apierr.Validation("invalid request body: " + err.Error())
	}
	return nil
}

func queryInt(r *http.Request, key string, def int) int {
	v := r.URL.Query().Get(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

// etagFor returns a weak ETag over an arbitrary JSON-able payload, per
// spec §6.1's conditional caching requirement on list endpoints.
func etagFor(v any) string {
	b, _ := json.Marshal(v)
	sum := sha1.Sum(b)
	return `W/"` + hex.EncodeToString(sum[:]) + `"`
}

// checkConditional applies If-None-Match / If-Modified-Since against a
// computed etag/lastModified pair, writing 304 and returning true if the
// request should stop here.
func checkConditional(w http.ResponseWriter, r *http.Request, etag string, lastModified time.Time) bool {
	w.Header().Set("ETag", etag)
	w.Header().Set("Last-Modified", lastModified.UTC().Format(http.TimeFormat))
	if inm := r.Header.Get("If-None-Match"); inm != "" && inm == etag {
		w.WriteHeader(http.StatusNotModified)
		return true
	}
	if ims := r.Header.Get("If-Modified-Since"); ims != "" {
		if t, err := time.Parse(http.TimeFormat, ims); err == nil && !lastModified.After(t) {
			w.WriteHeader(http.StatusNotModified)
			return true
		}
	}
	return false
}

func latestUpdatedAt(tasks []*store.Task) time.Time {
	var max int64
	for _, t := range tasks {
		if t.UpdatedAt > max {
			max = t.UpdatedAt
		}
	}
	if max == 0 {
		return time.Unix(0, 0)
	}
	return time.UnixMilli(max)
}
