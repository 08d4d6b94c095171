package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/csheth/kbchat/internal/api"
)

// fakeService is an in-memory stand-in for the knowledge-base backend.
type fakeService struct {
	t     *testing.T
	token string

	mu             sync.Mutex
	progress       []api.ProgressSnapshot
	progressCalls  int
	rejectProgress bool
	signups        []api.SignupRequest
	messages       []api.Message
}

func newFakeService(t *testing.T) (*fakeService, *httptest.Server) {
	t.Helper()
	svc := &fakeService{t: t, token: signedToken(t, "u1")}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, api.Health{Status: "healthy"})
	})
	mux.HandleFunc("POST /login", svc.login)
	mux.HandleFunc("POST /users/", svc.signup)
	mux.HandleFunc("GET /users/me", svc.authed(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, api.User{ID: "u1", Name: "Alice", Username: "alice", Email: "alice@example.com"})
	}))
	mux.HandleFunc("GET /projects", svc.authed(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, []api.Project{{ID: "p1", UserID: "u1", Name: "Research", Status: api.ProjectReady}})
	}))
	mux.HandleFunc("GET /projects/{id}/documents", svc.authed(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, []api.Document{{
			ID: "d1", ProjectID: r.PathValue("id"), Filename: "handbook.pdf", Status: api.DocumentReady,
			TotalChunks: 3, ChunksSummarized: 3, ChunksEmbedded: 3,
		}})
	}))
	mux.HandleFunc("GET /projects/{id}/progress", svc.authed(svc.nextProgress))
	mux.HandleFunc("GET /projects/{id}/messages", svc.authed(func(w http.ResponseWriter, r *http.Request) {
		svc.mu.Lock()
		defer svc.mu.Unlock()
		messages := append([]api.Message{}, svc.messages...)
		writeJSON(w, http.StatusOK, messages)
	}))
	mux.HandleFunc("POST /projects/{id}/messages", svc.authed(svc.answer))

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return svc, srv
}

func signedToken(t *testing.T, subject string) string {
	t.Helper()
	claims := jwt.RegisteredClaims{
		Subject:   subject,
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("test-secret"))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return token
}

func (s *fakeService) authed(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer "+s.token {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"detail": "Could not validate credentials"})
			return
		}
		next(w, r)
	}
}

func (s *fakeService) login(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"detail": err.Error()})
		return
	}
	if r.PostForm.Get("username") != "alice" || r.PostForm.Get("password") != "secret" {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"detail": "Incorrect username or password"})
		return
	}
	writeJSON(w, http.StatusOK, api.Token{AccessToken: s.token, TokenType: "bearer"})
}

func (s *fakeService) signup(w http.ResponseWriter, r *http.Request) {
	var req api.SignupRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusUnprocessableEntity, map[string]string{"detail": err.Error()})
		return
	}
	s.mu.Lock()
	s.signups = append(s.signups, req)
	s.mu.Unlock()
	writeJSON(w, http.StatusCreated, api.User{ID: "u2", Name: req.Name, Username: req.Username, Email: req.Email})
}

func (s *fakeService) nextProgress(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.rejectProgress {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"detail": "Token expired"})
		return
	}
	if len(s.progress) == 0 {
		writeJSON(w, http.StatusNotFound, map[string]string{"detail": "Project not found"})
		return
	}
	idx := s.progressCalls
	if idx >= len(s.progress) {
		idx = len(s.progress) - 1
	}
	s.progressCalls++
	writeJSON(w, http.StatusOK, s.progress[idx])
}

func (s *fakeService) answer(w http.ResponseWriter, r *http.Request) {
	var req api.MessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusUnprocessableEntity, map[string]string{"detail": err.Error()})
		return
	}
	// The transcript is stored before streaming so a refresh after the last
	// chunk already sees the answer.
	s.mu.Lock()
	n := len(s.messages)
	s.messages = append(s.messages,
		api.Message{ID: fmt.Sprintf("m%d", n+1), ProjectID: r.PathValue("id"), Role: api.RoleUser, Content: req.Content},
		api.Message{ID: fmt.Sprintf("m%d", n+2), ProjectID: r.PathValue("id"), Role: api.RoleAssistant, Content: "Hello from the handbook"},
	)
	s.mu.Unlock()

	flusher, ok := w.(http.Flusher)
	if !ok {
		s.t.Errorf("response writer cannot flush")
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.WriteHeader(http.StatusOK)
	for _, chunk := range []string{
		`data: {"content":"Hello from ","done":false}`,
		`data: {"content":"the handbook","done":true}`,
	} {
		fmt.Fprintf(w, "%s\n\n", chunk)
		flusher.Flush()
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
