// Copyright © 2026 Groups.io, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package protocol classifies inbound agent stream frames into semantic events.
//
// The agent backend sends loosely-tagged JSON frames over the stream: some carry
// a "type" field, some a "status" field, and progress frames carry neither.
// Classify decodes a frame exactly once at this boundary and maps it to a closed
// set of event kinds; downstream code never re-inspects raw JSON.
package protocol

import (
	"encoding/json"
	"strings"
)

// MaxIterationsMessage is the fixed user-visible reason for an aborted turn.
const MaxIterationsMessage = "Agent reached maximum iterations"

// Kind identifies the semantic meaning of an inbound frame.
type Kind int

const (
	// KindParseFailure means the frame could not be decoded as any recognized
	// shape. The frame is logged and dropped; it never alters state.
	KindParseFailure Kind = iota

	// KindConnectedAck confirms the stream handshake. Carries no
	// conversational content.
	KindConnectedAck

	// KindTurnStarted means the agent began processing a new request.
	KindTurnStarted

	// KindTurnCompleted is the successful terminal event for a turn.
	KindTurnCompleted

	// KindTurnFailed is the agent-side error terminal event.
	KindTurnFailed

	// KindTurnAborted is the resource-limit terminal event (max iterations).
	KindTurnAborted

	// KindPartialUpdate is non-terminal progress for the in-flight turn.
	KindPartialUpdate
)

// String returns the kind name for logging.
func (k Kind) String() string {
	switch k {
	case KindParseFailure:
		return "parse_failure"
	case KindConnectedAck:
		return "connected"
	case KindTurnStarted:
		return "turn_started"
	case KindTurnCompleted:
		return "turn_completed"
	case KindTurnFailed:
		return "turn_failed"
	case KindTurnAborted:
		return "turn_aborted"
	case KindPartialUpdate:
		return "partial_update"
	}
	return "unknown"
}

// Event is a classified inbound frame. Which fields are populated depends on
// Kind: terminal events may carry Responses, Message, and ReviewID; partial
// updates carry Responses (or a bare Message for generic progress frames).
type Event struct {
	Kind      Kind
	Responses []string
	Message   string
	ReviewID  string
}

// Terminal reports whether the event ends the in-flight turn.
func (e Event) Terminal() bool {
	switch e.Kind {
	case KindTurnCompleted, KindTurnFailed, KindTurnAborted:
		return true
	}
	return false
}

// Content resolves the display text for the event: the joined responses when
// present, otherwise the message, otherwise empty.
func (e Event) Content() string {
	if len(e.Responses) > 0 {
		return JoinResponses(e.Responses)
	}
	return e.Message
}

// wireFrame is the superset of fields the backend emits across all frame shapes.
type wireFrame struct {
	Type           string   `json:"type"`
	Status         string   `json:"status"`
	Message        string   `json:"message"`
	AgentResponses []string `json:"agent_responses"`
	ReviewID       string   `json:"review_id"`
}

// Classify parses a raw frame body and maps it to exactly one event.
//
// Precedence when a frame matches more than one shape: the explicit "type" tag
// wins over the "status" tag, which wins over the residual has-responses /
// has-message fallback. Anything else is a parse failure. Classify never
// panics; malformed input yields KindParseFailure.
func Classify(raw []byte) Event {
	var f wireFrame
	if err := json.Unmarshal(raw, &f); err != nil {
		return Event{Kind: KindParseFailure}
	}

	switch f.Type {
	case "connected":
		return Event{Kind: KindConnectedAck, Message: f.Message}
	case "agent_started":
		return Event{Kind: KindTurnStarted}
	}

	switch f.Status {
	case "completed":
		return Event{
			Kind:      KindTurnCompleted,
			Responses: f.AgentResponses,
			Message:   f.Message,
			ReviewID:  f.ReviewID,
		}
	case "error":
		msg := f.Message
		if msg == "" {
			msg = "An error occurred"
		}
		return Event{
			Kind:      KindTurnFailed,
			Responses: f.AgentResponses,
			Message:   msg,
			ReviewID:  f.ReviewID,
		}
	case "max_iterations_reached":
		return Event{
			Kind:      KindTurnAborted,
			Responses: f.AgentResponses,
			Message:   MaxIterationsMessage,
			ReviewID:  f.ReviewID,
		}
	}

	if len(f.AgentResponses) > 0 {
		return Event{Kind: KindPartialUpdate, Responses: f.AgentResponses}
	}
	if f.Message != "" {
		return Event{Kind: KindPartialUpdate, Message: f.Message}
	}

	return Event{Kind: KindParseFailure}
}

// JoinResponses joins partial agent responses in array order, separated by a
// blank line.
func JoinResponses(responses []string) string {
	return strings.Join(responses, "\n\n")
}
