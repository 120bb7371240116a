// Copyright © 2026 Groups.io, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package session holds the client-side session state: who is logged in, which
// repository is selected, the active clone session, the chat transcript, and
// the pending review. The Store applies whole-state transitions driven by the
// orchestrator; everything else reads consistent snapshots.
package session

import (
	"encoding/json"
	"time"
)

// Role identifies who authored a chat entry.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Identity is the authenticated user, as reported by the auth check.
// Token, when present, is the only credential the stream may use.
type Identity struct {
	Authenticated bool   `json:"-"`
	Username      string `json:"username"`
	AvatarURL     string `json:"avatar_url"`
	Token         string `json:"token,omitempty"`
}

// Repository is an immutable snapshot of a remote repository, fetched once per
// authenticated session. List ordering is server-insertion order.
type Repository struct {
	ID       int64  `json:"id"`
	Name     string `json:"name"`
	FullName string `json:"full_name"`
	Private  bool   `json:"private"`
}

// CloneStatus is the lifecycle state of a clone session.
type CloneStatus string

const (
	ClonePending CloneStatus = "pending"
	CloneActive  CloneStatus = "active"
	CloneClosed  CloneStatus = "closed"
)

// CloneSession is a server-side workspace materialized from a selected
// repository. At most one may be active at a time, bound to at most one
// live stream.
type CloneSession struct {
	SessionID  string      `json:"session_id"`
	Repository Repository  `json:"repository"`
	Status     CloneStatus `json:"status"`
}

// ChatEntry is one committed line of the conversation. Entries are append-only
// and never mutated in place.
type ChatEntry struct {
	ID        string    `json:"id"`
	Role      Role      `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// ReviewChanges lists the paths an agent turn touched.
type ReviewChanges struct {
	Added    []string `json:"added"`
	Modified []string `json:"modified"`
	Deleted  []string `json:"deleted"`
}

// UnmarshalJSON accepts either a JSON object or a JSON-encoded string holding
// an object. The backend stores changes as a serialized string column and some
// responses pass it through un-decoded.
func (c *ReviewChanges) UnmarshalJSON(data []byte) error {
	type plain ReviewChanges
	var p plain
	if err := json.Unmarshal(data, &p); err == nil {
		*c = ReviewChanges(p)
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	if s == "" {
		*c = ReviewChanges{}
		return nil
	}
	if err := json.Unmarshal([]byte(s), &p); err != nil {
		return err
	}
	*c = ReviewChanges(p)
	return nil
}

// Review is a structured diff produced by a completed turn, fetched by ID and
// shown on explicit user request.
type Review struct {
	ID      string        `json:"id"`
	Changes ReviewChanges `json:"changes"`
}

// Empty reports whether the review contains no changed paths.
func (r Review) Empty() bool {
	return len(r.Changes.Added) == 0 && len(r.Changes.Modified) == 0 && len(r.Changes.Deleted) == 0
}

// ConnState is the derived connection state, kept consistent with the clone
// session lifecycle.
type ConnState string

const (
	ConnDisconnected ConnState = "disconnected"
	ConnConnecting   ConnState = "connecting"
	ConnConnected    ConnState = "connected"
	ConnReconnecting ConnState = "reconnecting"
	ConnClosed       ConnState = "closed"
)

// Phase is the top-level orchestrator state.
type Phase string

const (
	PhaseUnauthenticated Phase = "unauthenticated"
	PhaseAuthenticated   Phase = "authenticated"
	PhaseSessionPending  Phase = "session_pending"
	PhaseSessionActive   Phase = "session_active"
)
