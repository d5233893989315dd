// Package router delivers structured container-run events to at most one
// live subscriber per group, buffering them (bounded, drop-oldest) when no
// subscriber is attached so a later subscriber sees everything in order.
package router

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// EventKind enumerates the structured event kinds the container runner and
// IPC mediator emit.
type EventKind string

const (
	KindMessage EventKind = "message"
	KindError   EventKind = "error"
	KindDone    EventKind = "done"
)

// Event is a single structured record delivered to a group's subscriber
// (directly, or via the buffer).
type Event struct {
	Kind          EventKind
	Text          string
	Error         string
	NewSessionID  *string
	At            time.Time
}

// Sink receives events for a single subscription.
type Sink func(Event)

// Token identifies a live subscription, returned by Subscribe and required
// by Unsubscribe.
type Token string

// DefaultBufferLimit is the bound on per-group buffered events before the
// oldest entry is dropped (e.g., 1000 entries).
const DefaultBufferLimit = 1000

type groupChannel struct {
	mu         sync.Mutex
	buffer     []Event
	subscriber Sink
	token      Token
}

// Router is the output router.
type Router struct {
	bufferLimit int

	mu     sync.Mutex
	groups map[string]*groupChannel
}

// New constructs a Router with the given per-group buffer bound. A
// non-positive limit falls back to DefaultBufferLimit.
func New(bufferLimit int) *Router {
	if bufferLimit <= 0 {
		bufferLimit = DefaultBufferLimit
	}
	return &Router{bufferLimit: bufferLimit, groups: make(map[string]*groupChannel)}
}

func (r *Router) channelFor(groupID string) *groupChannel {
	r.mu.Lock()
	defer r.mu.Unlock()
	gc, ok := r.groups[groupID]
	if !ok {
		gc = &groupChannel{}
		r.groups[groupID] = gc
	}
	return gc
}

// Subscribe attaches sink as the live subscriber for groupID, first draining
// any buffered events into it in order, then returns a token identifying
// this subscription. Any previous subscriber is evicted.
func (r *Router) Subscribe(groupID string, sink Sink) Token {
	gc := r.channelFor(groupID)
	token := Token(uuid.NewString())

	gc.mu.Lock()
	buffered := gc.buffer
	gc.buffer = nil
	gc.subscriber = sink
	gc.token = token
	gc.mu.Unlock()

	for _, evt := range buffered {
		sink(evt)
	}
	return token
}

// Unsubscribe detaches the subscriber for groupID if token still matches the
// currently live subscription (a no-op otherwise — e.g. it was already
// replaced by a newer subscriber).
func (r *Router) Unsubscribe(groupID string, token Token) {
	gc := r.channelFor(groupID)
	gc.mu.Lock()
	defer gc.mu.Unlock()
	if gc.token == token {
		gc.subscriber = nil
		gc.token = ""
	}
}

// Emit delivers evt to the group's live subscriber if one is attached,
// otherwise appends it to the bounded buffer (dropping the oldest entry on
// overflow).
func (r *Router) Emit(groupID string, evt Event) {
	if evt.At.IsZero() {
		evt.At = time.Now()
	}
	gc := r.channelFor(groupID)

	gc.mu.Lock()
	sink := gc.subscriber
	if sink == nil {
		gc.buffer = append(gc.buffer, evt)
		if len(gc.buffer) > r.bufferLimit {
			gc.buffer = gc.buffer[len(gc.buffer)-r.bufferLimit:]
		}
	}
	gc.mu.Unlock()

	if sink != nil {
		sink(evt)
	}
}

// DrainBuffer returns (and clears) the currently buffered events for
// groupID, in order. Exposed mainly for tests and diagnostics; Subscribe
// already drains the buffer as part of attaching.
func (r *Router) DrainBuffer(groupID string) []Event {
	gc := r.channelFor(groupID)
	gc.mu.Lock()
	defer gc.mu.Unlock()
	out := gc.buffer
	gc.buffer = nil
	return out
}

// HasSubscriber reports whether groupID currently has a live subscriber
// (used by the HTTP handler to enforce the single-subscriber-per-group rule,
// returning 409 on a concurrent second chat).
func (r *Router) HasSubscriber(groupID string) bool {
	gc := r.channelFor(groupID)
	gc.mu.Lock()
	defer gc.mu.Unlock()
	return gc.subscriber != nil
}
