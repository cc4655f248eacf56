// Package apitest provides a scriptable in-process stand-in for the SAIS
// backend, used by package tests across the client subsystem.
package apitest

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"github.com/sais-dev/sais/go/pkg/thread"
)

// Frame is one event to emit on a streaming endpoint.
type Frame struct {
	Event string
	Data  string
	ID    string
}

// Server is a mock backend. Populate the script fields before issuing
// requests; recorded fields fill in as handlers run.
type Server struct {
	URL string

	mu sync.Mutex

	// script
	Cookie     string // when set, requests without it get a 401
	RunID      string // advertised via Content-Location on run start
	RunFrames  []Frame
	RunStatus  int // non-zero forces this status on run start
	JoinFrames []Frame
	JoinStatus int // non-zero forces this status on rejoin
	State      *thread.StateSnapshot
	History    []thread.StateSnapshot
	Info       map[string]any

	// recorded
	LastEventID     string
	CreatedThreads  []map[string]any
	RunRequests     []map[string]any
	HistoryRequests []map[string]any
	StateRequests   int
	StateQueries    []string

	srv *httptest.Server
}

// NewServer starts a mock backend that shuts down with the test.
func NewServer(t *testing.T) *Server {
	t.Helper()
	s := &Server{}

	r := mux.NewRouter()
	r.Use(s.requireCookie)
	r.HandleFunc("/info", s.handleInfo).Methods(http.MethodGet)
	r.HandleFunc("/threads", s.handleCreateThread).Methods(http.MethodPost)
	r.HandleFunc("/threads/{id}/state", s.handleState).Methods(http.MethodGet)
	r.HandleFunc("/threads/{id}/history", s.handleHistory).Methods(http.MethodPost)
	r.HandleFunc("/threads/{id}/runs/stream", s.handleRunStream).Methods(http.MethodPost)
	r.HandleFunc("/threads/{id}/runs/{run}/stream", s.handleJoinStream).Methods(http.MethodGet)

	s.srv = httptest.NewServer(r)
	s.URL = s.srv.URL
	t.Cleanup(s.srv.Close)
	return s
}

func (s *Server) requireCookie(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		cookie := s.Cookie
		s.mu.Unlock()
		if cookie != "" && r.Header.Get("Cookie") != cookie {
			http.Error(w, "missing session credential", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleInfo(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	info := s.Info
	s.mu.Unlock()
	if info == nil {
		info = map[string]any{"ok": true}
	}
	writeJSON(w, info)
}

func (s *Server) handleCreateThread(w http.ResponseWriter, r *http.Request) {
	var body map[string]any
	_ = json.NewDecoder(r.Body).Decode(&body)

	s.mu.Lock()
	s.CreatedThreads = append(s.CreatedThreads, body)
	s.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	_ = json.NewEncoder(w).Encode(thread.Thread{ThreadID: uuid.NewString()})
}

func (s *Server) handleState(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	s.StateRequests++
	s.StateQueries = append(s.StateQueries, r.URL.RawQuery)
	state := s.State
	s.mu.Unlock()
	if state == nil {
		http.Error(w, "thread not found", http.StatusNotFound)
		return
	}
	writeJSON(w, state)
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	var body map[string]any
	_ = json.NewDecoder(r.Body).Decode(&body)

	s.mu.Lock()
	s.HistoryRequests = append(s.HistoryRequests, body)
	history := s.History
	s.mu.Unlock()
	if history == nil {
		history = []thread.StateSnapshot{}
	}
	writeJSON(w, history)
}

func (s *Server) handleRunStream(w http.ResponseWriter, r *http.Request) {
	var body map[string]any
	_ = json.NewDecoder(r.Body).Decode(&body)

	s.mu.Lock()
	s.RunRequests = append(s.RunRequests, body)
	runID := s.RunID
	frames := s.RunFrames
	status := s.RunStatus
	s.mu.Unlock()

	if status != 0 {
		http.Error(w, "run rejected", status)
		return
	}
	if runID != "" {
		w.Header().Set("Content-Location",
			fmt.Sprintf("/threads/%s/runs/%s", mux.Vars(r)["id"], runID))
	}
	writeFrames(w, frames)
}

func (s *Server) handleJoinStream(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	s.LastEventID = r.Header.Get("Last-Event-ID")
	status := s.JoinStatus
	frames := s.JoinFrames
	s.mu.Unlock()

	if status != 0 {
		http.Error(w, http.StatusText(status), status)
		return
	}
	writeFrames(w, frames)
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func writeFrames(w http.ResponseWriter, frames []Frame) {
	w.Header().Set("Content-Type", "text/event-stream")
	flusher, _ := w.(http.Flusher)
	for _, frame := range frames {
		if frame.ID != "" {
			fmt.Fprintf(w, "id: %s\n", frame.ID)
		}
		if frame.Event != "" {
			fmt.Fprintf(w, "event: %s\n", frame.Event)
		}
		for _, line := range strings.Split(frame.Data, "\n") {
			fmt.Fprintf(w, "data: %s\n", line)
		}
		fmt.Fprint(w, "\n")
		if flusher != nil {
			flusher.Flush()
		}
	}
}

// ValuesFrame builds a values frame from a payload object.
func ValuesFrame(values map[string]any) Frame {
	data, _ := json.Marshal(values)
	return Frame{Event: "values", Data: string(data)}
}
