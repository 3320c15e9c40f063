// Package realtime streams policy decisions and lifecycle changes to
// WebSocket subscribers.
//
// Every event gets a sequence number. The hub keeps the most recent events
// so a subscriber that reconnects can ask for what it missed.
package realtime

import (
	"slices"
	"time"
)

// EventType names a streamed event. The values match the policy event names.
type EventType string

const (
	EventAuthorizationGranted EventType = "authorization_granted"
	EventAuthorizationDenied  EventType = "authorization_denied"
	EventWalletAdded          EventType = "wallet_added"
	EventWalletRemoved        EventType = "wallet_removed"
	EventWalletUpdated        EventType = "wallet_updated"
	EventAdminInitialized     EventType = "admin_initialized"
	EventAdminRotated         EventType = "admin_rotated"

	// EventSubscribed acknowledges a subscription. Only the subscribing
	// client receives it and it has no sequence number.
	EventSubscribed EventType = "subscribed"
)

// Event is one message on the stream. Signer and Source are lifted out of
// Data for filtering and are empty when the event has none.
type Event struct {
	Seq       uint64         `json:"seq,omitempty"`
	Type      EventType      `json:"type"`
	Timestamp time.Time      `json:"timestamp"`
	Signer    string         `json:"signer,omitempty"`
	Source    string         `json:"source,omitempty"`
	Data      map[string]any `json:"data,omitempty"`
}

// Subscription filters what a client receives. An empty filter matches
// everything; a filter on a field the event does not carry lets it through.
// Since > 0 asks for a replay of retained events with a larger sequence
// number.
type Subscription struct {
	EventTypes []EventType `json:"eventTypes,omitempty"`
	Signers    []string    `json:"signers,omitempty"` // canonical signer keys
	Sources    []string    `json:"sources,omitempty"` // smart wallet addresses
	Since      uint64      `json:"since,omitempty"`
}

func (s Subscription) matches(e *Event) bool {
	if len(s.EventTypes) > 0 && !slices.Contains(s.EventTypes, e.Type) {
		return false
	}
	if len(s.Signers) > 0 && e.Signer != "" && !slices.Contains(s.Signers, e.Signer) {
		return false
	}
	if len(s.Sources) > 0 && e.Source != "" && !slices.Contains(s.Sources, e.Source) {
		return false
	}
	return true
}

// history is a fixed ring of the latest events, oldest first.
type history struct {
	buf  []*Event
	next int
	full bool
}

func newHistory(n int) *history {
	return &history{buf: make([]*Event, n)}
}

func (h *history) add(e *Event) {
	if len(h.buf) == 0 {
		return
	}
	h.buf[h.next] = e
	h.next = (h.next + 1) % len(h.buf)
	if h.next == 0 {
		h.full = true
	}
}

// after returns the retained events with Seq > seq, oldest first.
func (h *history) after(seq uint64) []*Event {
	var ordered []*Event
	if h.full {
		ordered = append(ordered, h.buf[h.next:]...)
	}
	ordered = append(ordered, h.buf[:h.next]...)

	i, _ := slices.BinarySearchFunc(ordered, seq, func(e *Event, s uint64) int {
		switch {
		case e.Seq <= s:
			return -1
		default:
			return 1
		}
	})
	return ordered[i:]
}
