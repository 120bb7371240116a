// Copyright © 2026 Groups.io, Inc.
// SPDX-License-Identifier: Apache-2.0

package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/reporefine/refine/internal/api"
	"github.com/reporefine/refine/internal/session"
	"github.com/reporefine/refine/internal/stream"
)

var (
	repoAlpha = session.Repository{ID: 1, Name: "alpha", FullName: "octo/alpha"}
	repoBeta  = session.Repository{ID: 2, Name: "beta", FullName: "octo/beta", Private: true}
)

// fakeBackend serves the REST endpoints and the stream endpoint from one
// server, scripted per test.
type fakeBackend struct {
	t   *testing.T
	srv *httptest.Server

	mu           sync.Mutex
	authOK       bool
	token        string
	repos        []session.Repository
	cloneDetail  string // non-empty fails clone requests with this detail
	rejectStream bool   // refuse stream upgrades with a 500
	nextSession  int
	conns        []*websocket.Conn
	reviews      map[string]session.Review

	prompts     chan string
	reviewCalls chan string
}

func newBackend(t *testing.T) *fakeBackend {
	t.Helper()
	b := &fakeBackend{
		t:           t,
		authOK:      true,
		token:       "tok-123",
		repos:       []session.Repository{repoAlpha, repoBeta},
		reviews:     make(map[string]session.Review),
		prompts:     make(chan string, 16),
		reviewCalls: make(chan string, 16),
	}

	r := mux.NewRouter()
	r.HandleFunc("/api/auth/me", b.handleAuthMe).Methods(http.MethodGet)
	r.HandleFunc("/api/user/repos", b.handleRepos).Methods(http.MethodGet)
	r.HandleFunc("/api/user/repos/clone", b.handleClone).Methods(http.MethodPost)
	r.HandleFunc("/api/agent/review/{review_id}", b.handleReview).Methods(http.MethodGet)
	r.HandleFunc("/agent/stream/{session_id}", b.handleStream)

	b.srv = httptest.NewServer(r)
	t.Cleanup(b.shutdown)
	return b
}

// shutdown closes the server and any upgraded stream connections. Close alone
// does not tear down hijacked connections.
func (b *fakeBackend) shutdown() {
	b.srv.Close()
	b.dropConns()
}

// dropConns severs every live stream connection, simulating network loss.
func (b *fakeBackend) dropConns() {
	b.mu.Lock()
	conns := b.conns
	b.conns = nil
	b.mu.Unlock()
	for _, c := range conns {
		c.Close()
	}
}

// push writes one frame to the most recent stream connection.
func (b *fakeBackend) push(frame string) {
	b.mu.Lock()
	var c *websocket.Conn
	if len(b.conns) > 0 {
		c = b.conns[len(b.conns)-1]
	}
	b.mu.Unlock()
	require.NotNil(b.t, c, "no stream connection to push to")
	require.NoError(b.t, c.WriteMessage(websocket.TextMessage, []byte(frame)))
}

func (b *fakeBackend) setCloneDetail(detail string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.cloneDetail = detail
}

func (b *fakeBackend) setRejectStream(v bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.rejectStream = v
}

func (b *fakeBackend) addReview(rev session.Review) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.reviews[rev.ID] = rev
}

func (b *fakeBackend) handleAuthMe(w http.ResponseWriter, r *http.Request) {
	b.mu.Lock()
	ok, token := b.authOK, b.token
	b.mu.Unlock()
	if !ok {
		w.WriteHeader(http.StatusUnauthorized)
		json.NewEncoder(w).Encode(map[string]string{"detail": "Not authenticated"})
		return
	}
	json.NewEncoder(w).Encode(map[string]string{
		"username":   "octo",
		"avatar_url": "https://avatars.example.com/octo",
		"token":      token,
	})
}

func (b *fakeBackend) handleRepos(w http.ResponseWriter, r *http.Request) {
	b.mu.Lock()
	repos := b.repos
	b.mu.Unlock()
	json.NewEncoder(w).Encode(map[string]any{"repos": repos})
}

func (b *fakeBackend) handleClone(w http.ResponseWriter, r *http.Request) {
	b.mu.Lock()
	detail := b.cloneDetail
	b.nextSession++
	sid := fmt.Sprintf("sess-%d", b.nextSession)
	b.mu.Unlock()

	if detail != "" {
		w.WriteHeader(http.StatusConflict)
		json.NewEncoder(w).Encode(map[string]string{"detail": detail})
		return
	}
	json.NewEncoder(w).Encode(map[string]string{"session_id": sid})
}

func (b *fakeBackend) handleReview(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["review_id"]
	select {
	case b.reviewCalls <- id:
	default:
	}
	b.mu.Lock()
	rev, ok := b.reviews[id]
	b.mu.Unlock()
	if !ok {
		w.WriteHeader(http.StatusNotFound)
		json.NewEncoder(w).Encode(map[string]string{"detail": "Review not found"})
		return
	}
	json.NewEncoder(w).Encode(rev)
}

func (b *fakeBackend) handleStream(w http.ResponseWriter, r *http.Request) {
	b.mu.Lock()
	reject := b.rejectStream
	b.mu.Unlock()
	if reject {
		http.Error(w, "stream unavailable", http.StatusInternalServerError)
		return
	}

	up := websocket.Upgrader{}
	c, err := up.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	b.mu.Lock()
	b.conns = append(b.conns, c)
	b.mu.Unlock()

	c.WriteMessage(websocket.TextMessage, []byte(`{"type":"connected","message":"ready"}`))

	for {
		_, data, err := c.ReadMessage()
		if err != nil {
			return
		}
		var in struct {
			Prompt string `json:"prompt"`
		}
		if json.Unmarshal(data, &in) == nil && in.Prompt != "" {
			b.prompts <- in.Prompt
		}
	}
}

func newTestOrchestrator(t *testing.T, b *fakeBackend, cfg stream.Config) *Orchestrator {
	t.Helper()
	o := New(
		api.New(b.srv.URL),
		stream.NewManager(b.srv.URL, cfg),
		session.NewStore(session.Policy{ClearHistoryOnClose: true}),
	)
	t.Cleanup(o.Stop)
	o.Start(context.Background())
	return o
}

func fastStreamConfig() stream.Config {
	return stream.Config{ReconnectAttempts: 1, ReconnectInterval: 20 * time.Millisecond}
}

// waitFor polls the snapshot until cond holds or the deadline passes.
func waitFor(t *testing.T, o *Orchestrator, desc string, cond func(session.State) bool) session.State {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		st := o.State()
		if cond(st) {
			return st
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", desc)
	return session.State{}
}

func waitPrompt(t *testing.T, b *fakeBackend) string {
	t.Helper()
	select {
	case p := <-b.prompts:
		return p
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for prompt")
		return ""
	}
}

// openSession drives auth, selection, and clone through to a connected stream.
func openSession(t *testing.T, o *Orchestrator, repo session.Repository) session.State {
	t.Helper()
	waitFor(t, o, "repositories", func(st session.State) bool {
		return st.Phase == session.PhaseAuthenticated && len(st.Repositories) > 0
	})
	o.SelectRepository(repo)
	o.ConfirmClone()
	return waitFor(t, o, "stream connected", func(st session.State) bool {
		return st.Conn == session.ConnConnected
	})
}

func TestOrchestrator_StartAuthenticatesAndFetchesRepos(t *testing.T) {
	b := newBackend(t)
	o := newTestOrchestrator(t, b, fastStreamConfig())

	st := waitFor(t, o, "auth and repos", func(st session.State) bool {
		return st.Phase == session.PhaseAuthenticated && len(st.Repositories) == 2
	})
	assert.True(t, st.Identity.Authenticated)
	assert.Equal(t, "octo", st.Identity.Username)
	assert.Equal(t, "tok-123", st.Identity.Token)
	assert.Equal(t, []session.Repository{repoAlpha, repoBeta}, st.Repositories)
}

func TestOrchestrator_StartUnauthenticated(t *testing.T) {
	b := newBackend(t)
	b.mu.Lock()
	b.authOK = false
	b.mu.Unlock()
	o := newTestOrchestrator(t, b, fastStreamConfig())

	time.Sleep(100 * time.Millisecond)
	st := o.State()
	assert.Equal(t, session.PhaseUnauthenticated, st.Phase)
	assert.False(t, st.Identity.Authenticated)
	assert.Empty(t, st.Repositories)

	assert.Equal(t, b.srv.URL+"/api/auth/github", o.Login())

	// Credential exchange completed out of band; the re-check picks it up.
	b.mu.Lock()
	b.authOK = true
	b.mu.Unlock()
	o.CheckAuth(context.Background())
	waitFor(t, o, "authenticated after re-check", func(st session.State) bool {
		return st.Phase == session.PhaseAuthenticated && len(st.Repositories) == 2
	})
}

func TestOrchestrator_CloneOpensStream(t *testing.T) {
	b := newBackend(t)
	o := newTestOrchestrator(t, b, fastStreamConfig())

	st := openSession(t, o, repoAlpha)
	require.NotNil(t, st.Session)
	assert.Equal(t, "sess-1", st.Session.SessionID)
	assert.Equal(t, repoAlpha, st.Session.Repository)
	assert.Equal(t, session.CloneActive, st.Session.Status)
	assert.Equal(t, session.PhaseSessionActive, st.Phase)
	assert.Nil(t, st.Selected, "selection consumed by the clone")
	assert.False(t, st.Cloning)
}

func TestOrchestrator_HappyPathTurn(t *testing.T) {
	b := newBackend(t)
	o := newTestOrchestrator(t, b, fastStreamConfig())
	openSession(t, o, repoAlpha)

	o.SendMessage("fix bug")
	assert.Equal(t, "fix bug", waitPrompt(t, b))

	st := waitFor(t, o, "user entry committed", func(st session.State) bool {
		return len(st.Conversation) == 1
	})
	assert.Equal(t, session.RoleUser, st.Conversation[0].Role)
	assert.Equal(t, "fix bug", st.Conversation[0].Content)
	assert.NotEmpty(t, st.Conversation[0].ID)

	b.push(`{"type":"agent_started"}`)
	waitFor(t, o, "turn in flight", func(st session.State) bool {
		return st.TurnInFlight
	})

	b.push(`{"agent_responses":["Reading code..."]}`)
	waitFor(t, o, "first partial", func(st session.State) bool {
		return st.Turn == "Reading code..."
	})

	// Partials replace wholesale, they never append.
	b.push(`{"agent_responses":["Reading code...","Editing main.go"]}`)
	waitFor(t, o, "second partial", func(st session.State) bool {
		return st.Turn == "Reading code...\n\nEditing main.go"
	})

	b.push(`{"status":"completed","agent_responses":["Done."]}`)
	st = waitFor(t, o, "turn completed", func(st session.State) bool {
		return len(st.Conversation) == 2
	})
	assert.Equal(t, session.RoleAssistant, st.Conversation[1].Role)
	assert.Equal(t, "Done.", st.Conversation[1].Content)
	assert.Empty(t, st.Turn, "accumulator clears on terminal")
	assert.False(t, st.TurnInFlight)
	assert.Equal(t, st.Conversation, st.History)
}

func TestOrchestrator_SendValidationOrder(t *testing.T) {
	b := newBackend(t)
	o := newTestOrchestrator(t, b, fastStreamConfig())
	waitFor(t, o, "authenticated", func(st session.State) bool {
		return st.Phase == session.PhaseAuthenticated
	})

	// Emptiness wins over connectivity.
	o.SendMessage("   ")
	waitFor(t, o, "empty message error", func(st session.State) bool {
		return st.LastError == "Please enter a message"
	})

	o.SendMessage("hello")
	st := waitFor(t, o, "not connected error", func(st session.State) bool {
		return st.LastError == "Not connected to agent. Please wait..."
	})
	assert.Empty(t, st.Conversation, "rejected sends commit nothing")

	// Emptiness still wins once connected.
	openSession(t, o, repoAlpha)
	o.SendMessage("")
	waitFor(t, o, "empty message error while connected", func(st session.State) bool {
		return st.LastError == "Please enter a message"
	})
}

func TestOrchestrator_CloneFailureSurfacesDetail(t *testing.T) {
	b := newBackend(t)
	b.setCloneDetail("Repository already cloned")
	o := newTestOrchestrator(t, b, fastStreamConfig())
	waitFor(t, o, "repositories", func(st session.State) bool {
		return len(st.Repositories) > 0
	})

	o.SelectRepository(repoAlpha)
	o.ConfirmClone()
	st := waitFor(t, o, "clone error", func(st session.State) bool {
		return st.LastError == "Repository already cloned"
	})
	assert.False(t, st.Cloning)
	assert.Nil(t, st.Session)
	assert.Equal(t, session.PhaseAuthenticated, st.Phase)
}

func TestOrchestrator_ConfirmWithoutSelectionIgnored(t *testing.T) {
	b := newBackend(t)
	o := newTestOrchestrator(t, b, fastStreamConfig())
	waitFor(t, o, "authenticated", func(st session.State) bool {
		return st.Phase == session.PhaseAuthenticated
	})

	o.ConfirmClone()
	time.Sleep(100 * time.Millisecond)
	st := o.State()
	assert.Nil(t, st.Session)
	assert.False(t, st.Cloning)
	assert.Empty(t, st.LastError)
}

func TestOrchestrator_TurnError(t *testing.T) {
	b := newBackend(t)
	o := newTestOrchestrator(t, b, fastStreamConfig())
	openSession(t, o, repoAlpha)

	o.SendMessage("break things")
	waitPrompt(t, b)
	b.push(`{"type":"agent_started"}`)
	b.push(`{"status":"error","message":"Boom","agent_responses":["partial work"]}`)

	st := waitFor(t, o, "turn failed", func(st session.State) bool {
		return st.LastError == "Boom"
	})
	assert.False(t, st.TurnInFlight)
	assert.Equal(t, "partial work", st.Turn, "partial output stays visible")
	require.Len(t, st.Conversation, 1, "failed output never joins the transcript")
	assert.Equal(t, session.RoleUser, st.Conversation[0].Role)
}

func TestOrchestrator_MaxIterations(t *testing.T) {
	b := newBackend(t)
	o := newTestOrchestrator(t, b, fastStreamConfig())
	openSession(t, o, repoAlpha)

	o.SendMessage("loop forever")
	waitPrompt(t, b)
	b.push(`{"type":"agent_started"}`)
	b.push(`{"status":"max_iterations_reached"}`)

	st := waitFor(t, o, "turn aborted", func(st session.State) bool {
		return st.LastError == "Agent reached maximum iterations"
	})
	assert.False(t, st.TurnInFlight)
}

func TestOrchestrator_ReviewLifecycle(t *testing.T) {
	b := newBackend(t)
	b.addReview(session.Review{
		ID:      "rev-1",
		Changes: session.ReviewChanges{Modified: []string{"main.go"}},
	})
	o := newTestOrchestrator(t, b, fastStreamConfig())
	openSession(t, o, repoAlpha)

	o.SendMessage("fix bug")
	waitPrompt(t, b)
	b.push(`{"status":"completed","agent_responses":["Done."],"review_id":"rev-1"}`)

	st := waitFor(t, o, "review pending", func(st session.State) bool {
		return st.ReviewPending
	})
	require.NotNil(t, st.Review)
	assert.Equal(t, "rev-1", st.Review.ID)
	assert.Equal(t, []string{"main.go"}, st.Review.Changes.Modified)

	o.OpenReview()
	st = waitFor(t, o, "review opened", func(st session.State) bool {
		return !st.ReviewPending
	})
	require.NotNil(t, st.Review, "opening keeps the review available")
}

func TestOrchestrator_EmptyReviewNeverPends(t *testing.T) {
	b := newBackend(t)
	b.addReview(session.Review{ID: "rev-empty"})
	o := newTestOrchestrator(t, b, fastStreamConfig())
	openSession(t, o, repoAlpha)

	o.SendMessage("noop change")
	waitPrompt(t, b)
	b.push(`{"status":"completed","agent_responses":["Nothing to do."],"review_id":"rev-empty"}`)

	select {
	case id := <-b.reviewCalls:
		assert.Equal(t, "rev-empty", id)
	case <-time.After(3 * time.Second):
		t.Fatal("review endpoint was never called")
	}
	// Let the fetch result flow through the loop before asserting.
	time.Sleep(150 * time.Millisecond)
	st := o.State()
	assert.False(t, st.ReviewPending)
	assert.Nil(t, st.Review)
}

func TestOrchestrator_OpenReviewWithoutReviewIsNoOp(t *testing.T) {
	b := newBackend(t)
	o := newTestOrchestrator(t, b, fastStreamConfig())
	openSession(t, o, repoAlpha)

	o.OpenReview()
	time.Sleep(50 * time.Millisecond)
	st := o.State()
	assert.False(t, st.ReviewPending)
	assert.Nil(t, st.Review)
}

func TestOrchestrator_CloseSessionTearsDown(t *testing.T) {
	b := newBackend(t)
	o := newTestOrchestrator(t, b, fastStreamConfig())
	openSession(t, o, repoAlpha)

	o.SendMessage("fix bug")
	waitPrompt(t, b)
	b.push(`{"status":"completed","agent_responses":["Done."]}`)
	waitFor(t, o, "turn completed", func(st session.State) bool {
		return len(st.Conversation) == 2
	})

	o.CloseSession()
	st := waitFor(t, o, "session closed", func(st session.State) bool {
		return st.Session == nil && st.Conn == session.ConnClosed
	})
	assert.Empty(t, st.Conversation)
	assert.Equal(t, session.PhaseAuthenticated, st.Phase)

	// The stream is gone, so sends are rejected again.
	o.SendMessage("anyone there?")
	waitFor(t, o, "not connected after close", func(st session.State) bool {
		return st.LastError == "Not connected to agent. Please wait..."
	})
}

func TestOrchestrator_NewSessionDisplacesOld(t *testing.T) {
	b := newBackend(t)
	o := newTestOrchestrator(t, b, fastStreamConfig())
	openSession(t, o, repoAlpha)

	o.SendMessage("fix bug")
	waitPrompt(t, b)
	b.push(`{"status":"completed","agent_responses":["Done."]}`)
	waitFor(t, o, "first session transcript", func(st session.State) bool {
		return len(st.Conversation) == 2
	})

	o.SelectRepository(repoBeta)
	o.ConfirmClone()
	st := waitFor(t, o, "second session connected", func(st session.State) bool {
		return st.Session != nil && st.Session.SessionID == "sess-2" &&
			st.Conn == session.ConnConnected
	})
	assert.Equal(t, repoBeta, st.Session.Repository)
	assert.Empty(t, st.Conversation, "transcripts never leak across sessions")
	assert.Empty(t, st.Turn)
	assert.Nil(t, st.Review)
}

func TestOrchestrator_StreamLossAfterRetries(t *testing.T) {
	b := newBackend(t)
	o := newTestOrchestrator(t, b, stream.Config{
		ReconnectAttempts: 1,
		ReconnectInterval: 200 * time.Millisecond,
	})
	openSession(t, o, repoAlpha)

	b.setRejectStream(true)
	b.dropConns()

	waitFor(t, o, "reconnecting", func(st session.State) bool {
		return st.Conn == session.ConnReconnecting
	})
	st := waitFor(t, o, "disconnected", func(st session.State) bool {
		return st.Conn == session.ConnDisconnected
	})
	assert.Equal(t, "Disconnected from agent", st.LastError)
	assert.False(t, st.TurnInFlight)
}

func TestOrchestrator_Subscribe(t *testing.T) {
	b := newBackend(t)
	o := newTestOrchestrator(t, b, fastStreamConfig())

	ch, cancel := o.Subscribe()
	defer cancel()

	o.CheckAuth(context.Background())
	deadline := time.After(3 * time.Second)
	for {
		select {
		case st, ok := <-ch:
			require.True(t, ok)
			if st.Phase == session.PhaseAuthenticated {
				cancel()
				cancel() // idempotent
				return
			}
		case <-deadline:
			t.Fatal("never observed an authenticated snapshot")
		}
	}
}
