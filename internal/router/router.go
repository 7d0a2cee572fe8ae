// Package router dispatches one-shot request/response envelopes to
// type-keyed handlers.
package router

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/benidevo/vega-companion/internal/ids"
	v1 "github.com/benidevo/vega-companion/pkg/contracts/companion/v1"
)

// Responder delivers a response envelope back to the requesting agent.
type Responder func(env v1.Envelope)

// Handler processes one inbound envelope. Returning true signals "I will
// respond asynchronously": the dispatcher keeps the response channel open.
type Handler func(ctx context.Context, env v1.Envelope, respond Responder) bool

type handlerSet struct {
	order []int
	byID  map[int]Handler
}

// Router is a type-keyed handler registry. Multiple handlers per type are
// permitted; each runs isolated from the others.
type Router struct {
	log *slog.Logger

	mu     sync.RWMutex
	nextID int
	types  map[string]*handlerSet
}

// NewRouter constructs an empty Router.
func NewRouter(log *slog.Logger) *Router {
	return &Router{log: log, types: make(map[string]*handlerSet)}
}

// On registers a handler for a message type and returns its removal handle.
func (r *Router) On(msgType string, h Handler) (off func()) {
	r.mu.Lock()
	set, ok := r.types[msgType]
	if !ok {
		set = &handlerSet{byID: make(map[int]Handler)}
		r.types[msgType] = set
	}
	id := r.nextID
	r.nextID++
	set.byID[id] = h
	set.order = append(set.order, id)
	r.mu.Unlock()

	return func() {
		r.mu.Lock()
		defer r.mu.Unlock()

		set, ok := r.types[msgType]
		if !ok {
			return
		}
		delete(set.byID, id)
		for i, other := range set.order {
			if other == id {
				set.order = append(set.order[:i], set.order[i+1:]...)
				break
			}
		}
		// The per-type set is deleted once empty.
		if len(set.byID) == 0 {
			delete(r.types, msgType)
		}
	}
}

// HandlerCount reports the number of handlers for a type (diagnostics).
func (r *Router) HandlerCount(msgType string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	set, ok := r.types[msgType]
	if !ok {
		return 0
	}
	return len(set.byID)
}

// Dispatch routes env to every handler registered for its type, in
// registration order.
//
// No handlers is reported as handled=false without error. A panicking
// handler is turned into an error response so the dispatcher and the other
// handlers keep running. async is true when any handler signaled a deferred
// response.
func (r *Router) Dispatch(ctx context.Context, env v1.Envelope, respond Responder) (async, handled bool) {
	r.mu.RLock()
	set, ok := r.types[env.Type]
	var snapshot []Handler
	if ok {
		snapshot = make([]Handler, 0, len(set.order))
		for _, id := range set.order {
			snapshot = append(snapshot, set.byID[id])
		}
	}
	r.mu.RUnlock()

	if len(snapshot) == 0 {
		r.log.Debug("router.unhandled", "type", env.Type, "id", env.ID)
		return false, false
	}

	for _, h := range snapshot {
		if r.invoke(ctx, h, env, respond) {
			async = true
		}
	}
	return async, true
}

// invoke runs one handler with a per-handler panic boundary.
func (r *Router) invoke(ctx context.Context, h Handler, env v1.Envelope, respond Responder) (async bool) {
	defer func() {
		if rec := recover(); rec != nil {
			r.log.Error("router.handler.panic", "type", env.Type, "recovered", rec)
			respond(ErrorEnvelope("handler_failed", "internal error handling "+env.Type))
			async = false
		}
	}()
	return h(ctx, env, respond)
}

// ErrorEnvelope builds a TypeError response.
func ErrorEnvelope(code, msg string) v1.Envelope {
	payload, _ := json.Marshal(v1.ErrorPayload{Code: code, Message: msg})
	return NewEnvelope(v1.TypeError, payload)
}

// NewEnvelope builds an outbound envelope with a fresh id and timestamp.
func NewEnvelope(msgType string, payload json.RawMessage) v1.Envelope {
	return v1.Envelope{
		V:       v1.Version,
		Type:    msgType,
		ID:      ids.NewULID(),
		TS:      time.Now().UTC(),
		Payload: payload,
	}
}
