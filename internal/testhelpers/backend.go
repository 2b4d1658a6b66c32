package testhelpers

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/Tyrowin/chatrelay/internal/auth"
)

// Backend is an in-process stand-in for the external auth API. It serves
// GET /auth/me and GET /conversations/{id}/verify-access.
type Backend struct {
	*httptest.Server

	mu      sync.Mutex
	users   map[string]auth.User
	access  map[auth.ID]map[string]bool
	failing map[string]bool

	MeCalls     atomic.Int64
	AccessCalls atomic.Int64
}

// NewBackend starts a Backend that is closed when the test ends.
func NewBackend(t *testing.T) *Backend {
	t.Helper()

	b := &Backend{
		users:   make(map[string]auth.User),
		access:  make(map[auth.ID]map[string]bool),
		failing: make(map[string]bool),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /auth/me", b.handleMe)
	mux.HandleFunc("GET /conversations/{id}/verify-access", b.handleVerifyAccess)
	b.Server = httptest.NewServer(mux)
	t.Cleanup(b.Close)
	return b
}

// AddUser makes token resolve to user.
func (b *Backend) AddUser(token string, user auth.User) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.users[token] = user
}

// Grant lets userID access the given conversations.
func (b *Backend) Grant(userID auth.ID, conversationIDs ...string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.access[userID] == nil {
		b.access[userID] = make(map[string]bool)
	}
	for _, id := range conversationIDs {
		b.access[userID][id] = true
	}
}

// FailConversation makes access checks for id answer 500.
func (b *Backend) FailConversation(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failing[id] = true
}

func (b *Backend) userFor(r *http.Request) (auth.User, bool) {
	token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
	if !ok {
		return auth.User{}, false
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	user, ok := b.users[token]
	return user, ok
}

func (b *Backend) handleMe(w http.ResponseWriter, r *http.Request) {
	b.MeCalls.Add(1)
	user, ok := b.userFor(r)
	if !ok {
		writeJSON(w, http.StatusUnauthorized, map[string]any{"success": false, "message": "Unauthenticated."})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "user": user})
}

func (b *Backend) handleVerifyAccess(w http.ResponseWriter, r *http.Request) {
	b.AccessCalls.Add(1)
	user, ok := b.userFor(r)
	if !ok {
		writeJSON(w, http.StatusUnauthorized, map[string]any{"message": "Unauthenticated."})
		return
	}

	id := r.PathValue("id")
	b.mu.Lock()
	failing := b.failing[id]
	granted := b.access[user.ID][id]
	b.mu.Unlock()

	if failing {
		writeJSON(w, http.StatusInternalServerError, map[string]any{"message": "Server Error"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"hasAccess": granted})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
