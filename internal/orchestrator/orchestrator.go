// Copyright © 2026 Groups.io, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package orchestrator coordinates the session state machine.
//
// All state transitions run on one event loop goroutine: user intents,
// network-call completions, stream lifecycle events, and inbound frames
// arrive as discrete events on a single channel and are handled strictly in
// order. Network calls themselves run in their own goroutines and post their
// results back to the loop, so the loop stays responsive while a call is
// outstanding.
package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"strings"
	"sync"

	"github.com/reporefine/refine/internal/api"
	"github.com/reporefine/refine/internal/protocol"
	"github.com/reporefine/refine/internal/session"
	"github.com/reporefine/refine/internal/stream"
)

// User-visible validation messages, checked in this priority order by
// SendMessage.
const (
	msgEmptyMessage = "Please enter a message"
	msgNotConnected = "Not connected to agent. Please wait..."
	msgNoSession    = "No repository selected"

	msgCloneFailed = "Failed to clone repository"
)

// Orchestrator reacts to user intents and inbound events, producing the next
// session state deterministically.
type Orchestrator struct {
	api     *api.Client
	streams *stream.Manager
	store   *session.Store

	events chan event
	done   chan struct{}
	wg     sync.WaitGroup

	subMu sync.Mutex
	subs  map[chan session.State]struct{}

	// Loop-local: touched only by the event loop goroutine.
	conn      *stream.Conn
	sessionID string
}

// event is one unit of work for the loop.
type event interface{}

type loginIntent struct{}
type authResult struct {
	identity session.Identity
	err      error
}
type reposResult struct {
	repos []session.Repository
	err   error
}
type selectIntent struct{ repo session.Repository }
type cancelSelectIntent struct{}
type confirmCloneIntent struct{}
type cloneResult struct {
	repo      session.Repository
	sessionID string
	err       error
}
type sendIntent struct{ text string }
type closeIntent struct{}
type openReviewIntent struct{}
type reviewResult struct {
	sessionID string // session the fetch was issued for
	review    session.Review
	err       error
}
type streamEvent struct {
	conn *stream.Conn
	ev   stream.Event
}

// New creates an orchestrator wired to the given collaborators.
func New(apiClient *api.Client, streams *stream.Manager, store *session.Store) *Orchestrator {
	return &Orchestrator{
		api:     apiClient,
		streams: streams,
		store:   store,
		events:  make(chan event, 128),
		done:    make(chan struct{}),
		subs:    make(map[chan session.State]struct{}),
	}
}

// Start launches the event loop and kicks off the initial auth check. The
// repository list is fetched once the auth check succeeds.
func (o *Orchestrator) Start(ctx context.Context) {
	o.wg.Add(1)
	go o.loop(ctx)

	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		id, err := o.api.AuthMe(ctx)
		o.post(authResult{identity: id, err: err})
	}()
}

// Stop shuts the orchestrator down, tearing down any live stream.
func (o *Orchestrator) Stop() {
	select {
	case <-o.done:
		return
	default:
	}
	close(o.done)
	o.streams.Close()
	o.wg.Wait()

	o.subMu.Lock()
	for ch := range o.subs {
		close(ch)
		delete(o.subs, ch)
	}
	o.subMu.Unlock()
}

// Subscribe registers for state-change notifications. Each notification is a
// full snapshot; slow subscribers miss intermediate snapshots rather than
// blocking the loop. The returned cancel func unregisters the subscriber.
func (o *Orchestrator) Subscribe() (<-chan session.State, func()) {
	ch := make(chan session.State, 16)
	o.subMu.Lock()
	o.subs[ch] = struct{}{}
	o.subMu.Unlock()

	cancel := func() {
		o.subMu.Lock()
		if _, ok := o.subs[ch]; ok {
			delete(o.subs, ch)
			close(ch)
		}
		o.subMu.Unlock()
	}
	return ch, cancel
}

// State returns a consistent snapshot of the session state.
func (o *Orchestrator) State() session.State {
	return o.store.Snapshot()
}

// Login clears any stale error and returns the external redirect target. The
// actual credential exchange happens out of band; the caller re-checks auth
// afterwards via CheckAuth.
func (o *Orchestrator) Login() string {
	o.post(loginIntent{})
	return o.api.LoginURL()
}

// CheckAuth re-runs the credential check, e.g. after the login redirect
// completed.
func (o *Orchestrator) CheckAuth(ctx context.Context) {
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		id, err := o.api.AuthMe(ctx)
		o.post(authResult{identity: id, err: err})
	}()
}

// SelectRepository records a selection awaiting clone confirmation.
func (o *Orchestrator) SelectRepository(repo session.Repository) {
	o.post(selectIntent{repo: repo})
}

// CancelSelection discards the pending selection.
func (o *Orchestrator) CancelSelection() {
	o.post(cancelSelectIntent{})
}

// ConfirmClone issues the clone request for the selected repository. Ignored
// while another clone request is outstanding.
func (o *Orchestrator) ConfirmClone() {
	o.post(confirmCloneIntent{})
}

// SendMessage validates and transmits a chat message. Fire-and-forget: the
// user entry is committed before any network confirmation.
func (o *Orchestrator) SendMessage(text string) {
	o.post(sendIntent{text: text})
}

// CloseSession tears down the live stream and clears the session.
func (o *Orchestrator) CloseSession() {
	o.post(closeIntent{})
}

// OpenReview marks the stored review as read. No-op when there is none.
func (o *Orchestrator) OpenReview() {
	o.post(openReviewIntent{})
}

// post queues an event for the loop unless the orchestrator is stopped.
func (o *Orchestrator) post(ev event) {
	select {
	case o.events <- ev:
	case <-o.done:
	}
}

func (o *Orchestrator) loop(ctx context.Context) {
	defer o.wg.Done()
	for {
		select {
		case ev := <-o.events:
			o.handle(ctx, ev)
			o.notify()
		case <-o.done:
			return
		}
	}
}

func (o *Orchestrator) handle(ctx context.Context, ev event) {
	switch ev := ev.(type) {
	case loginIntent:
		o.store.ClearError()

	case authResult:
		if ev.err != nil {
			o.store.ClearIdentity()
			return
		}
		o.store.SetIdentity(ev.identity)
		o.fetchRepos(ctx)

	case reposResult:
		if ev.err != nil {
			log.Printf("orchestrator: repository list fetch failed: %v", ev.err)
		}
		o.store.SetRepositories(ev.repos)

	case selectIntent:
		if o.store.Snapshot().Phase == session.PhaseUnauthenticated {
			return
		}
		o.store.SelectRepository(ev.repo)

	case cancelSelectIntent:
		o.store.ClearSelection()

	case confirmCloneIntent:
		o.handleConfirmClone(ctx)

	case cloneResult:
		o.handleCloneResult(ev)

	case sendIntent:
		o.handleSend(ev.text)

	case streamEvent:
		o.handleStream(ctx, ev)

	case reviewResult:
		o.handleReviewResult(ev)

	case closeIntent:
		o.teardownStream()
		o.store.CloseSession()

	case openReviewIntent:
		o.store.OpenReview()
	}
}

func (o *Orchestrator) handleConfirmClone(ctx context.Context) {
	// Only one outstanding clone request per confirmation.
	if o.store.Cloning() {
		return
	}
	snap := o.store.Snapshot()
	if snap.Selected == nil {
		return
	}
	repo := *snap.Selected
	o.store.SetCloning(true)
	o.store.ClearError()

	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		sid, err := o.api.CloneRepo(ctx, repo)
		o.post(cloneResult{repo: repo, sessionID: sid, err: err})
	}()
}

func (o *Orchestrator) handleCloneResult(ev cloneResult) {
	o.store.SetCloning(false)
	if ev.err != nil {
		msg := msgCloneFailed
		var apiErr *api.APIError
		if errors.As(ev.err, &apiErr) && apiErr.Detail != "" {
			msg = apiErr.Detail
		}
		o.store.SetError(msg)
		return
	}

	// A new session always displaces the previous stream before opening its
	// own; no two streams may coexist.
	o.teardownStream()

	o.store.BeginSession(ev.sessionID, ev.repo)
	token := o.store.Snapshot().Identity.Token
	conn, err := o.streams.Open(ev.sessionID, token)
	if err != nil {
		o.store.SetError(err.Error())
		o.store.CloseSession()
		return
	}
	o.conn = conn
	o.sessionID = ev.sessionID
	o.pump(conn)
}

func (o *Orchestrator) handleSend(text string) {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		o.store.SetError(msgEmptyMessage)
		return
	}
	if o.conn == nil || !o.conn.IsConnected() {
		o.store.SetError(msgNotConnected)
		return
	}
	if o.store.Snapshot().Session == nil {
		o.store.SetError(msgNoSession)
		return
	}

	// Commit the user entry before any network confirmation, and clear the
	// previous turn's display.
	o.store.AppendEntry(session.RoleUser, trimmed)
	o.store.ClearTurn()

	payload, err := json.Marshal(map[string]string{"prompt": trimmed})
	if err != nil {
		log.Printf("orchestrator: marshal prompt: %v", err)
		return
	}
	if err := o.conn.Send(payload); err != nil {
		log.Printf("orchestrator: send prompt: %v", err)
	}
}

func (o *Orchestrator) handleStream(ctx context.Context, ev streamEvent) {
	// Frames and lifecycle events from a displaced or closed connection are
	// ignored, never misattributed to the current session.
	if ev.conn != o.conn {
		return
	}

	switch ev.ev.Type {
	case stream.EventOpened:
		o.store.StreamOpened()

	case stream.EventMessage:
		o.handleFrame(ctx, ev.ev.Data)

	case stream.EventError:
		log.Printf("orchestrator: stream error: %v", ev.ev.Err)

	case stream.EventClosed:
		log.Printf("orchestrator: stream closed, reconnect attempt %d", ev.ev.Attempt)
		o.store.StreamReconnecting()

	case stream.EventDisconnected:
		log.Printf("orchestrator: stream disconnected permanently: %v", ev.ev.Err)
		o.store.StreamLost()
	}
}

func (o *Orchestrator) handleFrame(ctx context.Context, raw []byte) {
	ev := protocol.Classify(raw)
	switch ev.Kind {
	case protocol.KindParseFailure:
		log.Printf("orchestrator: dropping undecodable frame (%d bytes)", len(raw))

	case protocol.KindConnectedAck:
		// Handshake confirmation only; nothing to fold.

	case protocol.KindTurnStarted:
		o.store.BeginTurn()

	case protocol.KindPartialUpdate:
		o.store.SetTurn(ev.Content())

	case protocol.KindTurnCompleted:
		o.store.CompleteTurn(ev.Content())
		if ev.ReviewID != "" {
			o.fetchReview(ctx, ev.ReviewID)
		}

	case protocol.KindTurnFailed, protocol.KindTurnAborted:
		o.store.FailTurn(ev.Message, protocol.JoinResponses(ev.Responses))
	}
}

func (o *Orchestrator) handleReviewResult(ev reviewResult) {
	// A review fetched for a closed or displaced session is stale.
	if ev.sessionID != o.sessionID || o.sessionID == "" {
		return
	}
	if ev.err != nil {
		log.Printf("orchestrator: review fetch failed: %v", ev.err)
		return
	}
	// An empty diff is not worth the user's attention: no record, no flag.
	if ev.review.Empty() {
		return
	}
	o.store.SetReview(ev.review)
}

// fetchRepos fetches the repository list once after authentication.
func (o *Orchestrator) fetchRepos(ctx context.Context) {
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		repos, err := o.api.Repos(ctx)
		o.post(reposResult{repos: repos, err: err})
	}()
}

// fetchReview fetches a review record referenced by a terminal frame.
func (o *Orchestrator) fetchReview(ctx context.Context, reviewID string) {
	sid := o.sessionID
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		rev, err := o.api.Review(ctx, reviewID)
		o.post(reviewResult{sessionID: sid, review: rev, err: err})
	}()
}

// pump forwards one connection's lifecycle events into the loop.
func (o *Orchestrator) pump(conn *stream.Conn) {
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		for {
			select {
			case ev, ok := <-conn.Events():
				if !ok {
					return
				}
				o.post(streamEvent{conn: conn, ev: ev})
				if ev.Type == stream.EventDisconnected {
					return
				}
			case <-o.done:
				return
			}
		}
	}()
}

// teardownStream closes the live connection, if any.
func (o *Orchestrator) teardownStream() {
	if o.conn != nil {
		o.conn.Close()
		o.conn = nil
	}
	o.sessionID = ""
	o.streams.Close()
}

// notify fans the latest snapshot out to subscribers without blocking.
func (o *Orchestrator) notify() {
	snap := o.store.Snapshot()
	o.subMu.Lock()
	defer o.subMu.Unlock()
	for ch := range o.subs {
		select {
		case ch <- snap:
		default:
		}
	}
}
