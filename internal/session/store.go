// Copyright © 2026 Groups.io, Inc.
// SPDX-License-Identifier: Apache-2.0

package session

import (
	"log"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
)

// State is the full client-side session state. Snapshot returns a deep copy so
// readers never observe a partially-applied transition.
type State struct {
	Phase        Phase
	Identity     Identity
	Repositories []Repository

	// Selected is the repository awaiting clone confirmation, if any.
	Selected *Repository
	// Cloning is true while a clone request is outstanding. Re-entrant
	// confirms are ignored while set.
	Cloning bool

	Session *CloneSession
	Conn    ConnState

	// Conversation is the current-conversation view for the active session.
	// History is the full-history log. Both receive every entry in order.
	Conversation []ChatEntry
	History      []ChatEntry

	// Turn is the in-flight turn accumulator: the latest joined partial
	// output, replaced wholesale on each update, cleared on terminal events.
	Turn         string
	TurnInFlight bool

	Review        *Review
	ReviewPending bool

	// LastError is the most recent user-visible error, empty when none.
	LastError string
}

// Policy configures store behavior that varies across deployments.
type Policy struct {
	// ClearHistoryOnClose clears the full-history log when a session is
	// explicitly closed. The current-conversation view is always cleared.
	ClearHistoryOnClose bool

	// HistoryDir, when non-empty, enables per-session JSONL persistence of
	// the full-history log.
	HistoryDir string
}

// Store is the session state container. Only the orchestrator mutates it; each
// mutation is one whole-state transition under the lock.
type Store struct {
	mu     sync.RWMutex
	policy Policy
	st     State

	historyFile string // per-session JSONL path, empty when persistence is off
}

// NewStore creates a store in the unauthenticated phase.
func NewStore(policy Policy) *Store {
	return &Store{
		policy: policy,
		st: State{
			Phase: PhaseUnauthenticated,
			Conn:  ConnDisconnected,
		},
	}
}

// Snapshot returns a consistent deep copy of the current state.
func (s *Store) Snapshot() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.st.clone()
}

func (st State) clone() State {
	out := st
	out.Repositories = append([]Repository(nil), st.Repositories...)
	out.Conversation = append([]ChatEntry(nil), st.Conversation...)
	out.History = append([]ChatEntry(nil), st.History...)
	if st.Selected != nil {
		sel := *st.Selected
		out.Selected = &sel
	}
	if st.Session != nil {
		sess := *st.Session
		out.Session = &sess
	}
	if st.Review != nil {
		rev := *st.Review
		rev.Changes.Added = append([]string(nil), st.Review.Changes.Added...)
		rev.Changes.Modified = append([]string(nil), st.Review.Changes.Modified...)
		rev.Changes.Deleted = append([]string(nil), st.Review.Changes.Deleted...)
		out.Review = &rev
	}
	return out
}

// SetIdentity records a successful auth check and enters the authenticated
// phase.
func (s *Store) SetIdentity(id Identity) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id.Authenticated = true
	s.st.Identity = id
	s.st.Phase = PhaseAuthenticated
	s.st.LastError = ""
}

// ClearIdentity records a failed auth check and returns to the unauthenticated
// phase.
func (s *Store) ClearIdentity() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.st.Identity = Identity{}
	s.st.Phase = PhaseUnauthenticated
}

// SetRepositories stores the fetched repository list, preserving server order.
func (s *Store) SetRepositories(repos []Repository) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.st.Repositories = append([]Repository(nil), repos...)
}

// SelectRepository records a selection awaiting clone confirmation.
func (s *Store) SelectRepository(repo Repository) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.st.Selected = &repo
	s.st.LastError = ""
}

// ClearSelection discards the pending selection.
func (s *Store) ClearSelection() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.st.Selected = nil
	s.st.LastError = ""
}

// SetCloning marks whether a clone request is outstanding.
func (s *Store) SetCloning(v bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.st.Cloning = v
}

// Cloning reports whether a clone request is outstanding.
func (s *Store) Cloning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.st.Cloning
}

// BeginSession installs a new pending clone session with the connection in
// the connecting state; the session-active phase waits for the stream. Any
// transcript left over from a previous session's current-conversation view is
// discarded; the accumulator never survives into the next session.
func (s *Store) BeginSession(sessionID string, repo Repository) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.st.Session = &CloneSession{
		SessionID:  sessionID,
		Repository: repo,
		Status:     ClonePending,
	}
	s.st.Phase = PhaseSessionPending
	s.st.Conn = ConnConnecting
	s.st.Selected = nil
	s.st.Conversation = nil
	s.st.Turn = ""
	s.st.TurnInFlight = false
	s.st.Review = nil
	s.st.ReviewPending = false
	s.st.LastError = ""

	s.historyFile = ""
	if s.policy.HistoryDir != "" {
		s.historyFile = filepath.Join(s.policy.HistoryDir, sessionID+".jsonl")
		if entries, err := loadEntries(s.historyFile); err != nil {
			log.Printf("session: failed to load history for %s: %v", sessionID, err)
		} else if len(entries) > 0 {
			s.st.History = append(s.st.History, entries...)
		}
	}
}

// StreamOpened marks the stream handshake complete: the clone session becomes
// active and the connection connected.
func (s *Store) StreamOpened() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.st.Session == nil {
		return
	}
	s.st.Session.Status = CloneActive
	s.st.Conn = ConnConnected
	s.st.Phase = PhaseSessionActive
}

// StreamReconnecting marks an unexpected closure with retries still pending.
func (s *Store) StreamReconnecting() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.st.Session == nil {
		return
	}
	s.st.Conn = ConnReconnecting
}

// StreamLost marks the terminal disconnected condition after retries are
// exhausted. The session must be reopened by the user.
func (s *Store) StreamLost() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.st.Conn = ConnDisconnected
	s.st.TurnInFlight = false
	s.st.LastError = "Disconnected from agent"
}

// AppendEntry appends one committed chat entry to both transcript views and,
// when persistence is enabled, to the per-session history file.
func (s *Store) AppendEntry(role Role, content string) ChatEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry := ChatEntry{
		ID:        uuid.New().String(),
		Role:      role,
		Content:   content,
		Timestamp: time.Now(),
	}
	s.st.Conversation = append(s.st.Conversation, entry)
	s.st.History = append(s.st.History, entry)
	if s.historyFile != "" {
		if err := appendEntry(s.historyFile, entry); err != nil {
			log.Printf("session: failed to persist history entry: %v", err)
		}
	}
	return entry
}

// BeginTurn resets the accumulator for a newly started turn.
func (s *Store) BeginTurn() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.st.Turn = ""
	s.st.TurnInFlight = true
	s.st.LastError = ""
}

// SetTurn replaces the accumulator with the latest cumulative snapshot.
func (s *Store) SetTurn(text string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.st.Turn = text
}

// ClearTurn discards the accumulator and any previous turn's display content.
// Called when the user sends a new message.
func (s *Store) ClearTurn() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.st.Turn = ""
	s.st.LastError = ""
}

// CompleteTurn folds a successful terminal event: non-empty content is
// committed as an assistant entry and the accumulator is cleared.
func (s *Store) CompleteTurn(content string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.st.Turn = ""
	s.st.TurnInFlight = false
	if content == "" {
		return
	}
	entry := ChatEntry{
		ID:        uuid.New().String(),
		Role:      RoleAssistant,
		Content:   content,
		Timestamp: time.Now(),
	}
	s.st.Conversation = append(s.st.Conversation, entry)
	s.st.History = append(s.st.History, entry)
	if s.historyFile != "" {
		if err := appendEntry(s.historyFile, entry); err != nil {
			log.Printf("session: failed to persist history entry: %v", err)
		}
	}
}

// FailTurn folds a failed or aborted terminal event: the message becomes the
// surfaced error, and any partial output stays visible in the accumulator but
// is not committed to the transcript.
func (s *Store) FailTurn(message, partial string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.st.LastError = message
	s.st.Turn = partial
	s.st.TurnInFlight = false
}

// SetReview stores a fetched non-empty review and marks it pending.
func (s *Store) SetReview(r Review) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.st.Review = &r
	s.st.ReviewPending = true
}

// OpenReview clears the pending flag. No-op when no review is stored.
// Returns the review being opened, or nil.
func (s *Store) OpenReview() *Review {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.st.Review == nil {
		return nil
	}
	s.st.ReviewPending = false
	rev := *s.st.Review
	return &rev
}

// CloseSession tears down the session state and returns to the authenticated
// phase. The current-conversation view, accumulator, and review always clear;
// the full-history log clears per policy.
func (s *Store) CloseSession() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.st.Session != nil {
		s.st.Session.Status = CloneClosed
	}
	s.st.Session = nil
	s.st.Conn = ConnClosed
	s.st.Conversation = nil
	s.st.Turn = ""
	s.st.TurnInFlight = false
	s.st.Review = nil
	s.st.ReviewPending = false
	s.st.Selected = nil
	if s.st.Phase == PhaseSessionActive || s.st.Phase == PhaseSessionPending {
		s.st.Phase = PhaseAuthenticated
	}
	if s.policy.ClearHistoryOnClose {
		s.st.History = nil
		if s.historyFile != "" {
			removeHistory(s.historyFile)
		}
	}
	s.historyFile = ""
}

// SetError surfaces a user-visible error message.
func (s *Store) SetError(msg string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.st.LastError = msg
}

// ClearError clears any surfaced error.
func (s *Store) ClearError() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.st.LastError = ""
}
