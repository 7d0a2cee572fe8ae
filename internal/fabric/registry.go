package fabric

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/benidevo/vega-companion/internal/ids"
	"github.com/benidevo/vega-companion/internal/router"
	v1 "github.com/benidevo/vega-companion/pkg/contracts/companion/v1"
)

const (
	// DefaultIdleThreshold: records without activity for this long are
	// swept.
	DefaultIdleThreshold = 5 * time.Minute

	// DefaultSweepInterval is how often idle records are pruned.
	DefaultSweepInterval = 60 * time.Second

	registrySendTimeout = 5 * time.Second
)

// Conn is one coordinator-side channel endpoint. The websocket gateway
// provides the production implementation.
type Conn interface {
	// Send delivers one envelope, or fails (queue full, peer gone).
	Send(ctx context.Context, env v1.Envelope) error

	// Close force-disconnects the endpoint. Idempotent.
	Close(reason string)
}

type record struct {
	id           string
	agentID      string
	conn         Conn
	lastActivity time.Time
}

// Registry is the coordinator-side table of active agent channels.
//
// Record mutations happen under one mutex; iteration for broadcast and
// sweep works on a snapshot so removal during iteration is safe.
type Registry struct {
	log *slog.Logger

	idleThreshold time.Duration
	sweepInterval time.Duration

	mu      sync.Mutex
	records map[string]*record
}

// NewRegistry constructs a Registry with safe defaults when inputs are
// invalid.
func NewRegistry(log *slog.Logger, idleThreshold, sweepInterval time.Duration) *Registry {
	if idleThreshold <= 0 {
		idleThreshold = DefaultIdleThreshold
	}
	if sweepInterval <= 0 {
		sweepInterval = DefaultSweepInterval
	}
	return &Registry{
		log:           log,
		idleThreshold: idleThreshold,
		sweepInterval: sweepInterval,
		records:       make(map[string]*record),
	}
}

// Add registers a new connection and returns its id.
func (r *Registry) Add(conn Conn) string {
	id := ids.NewULID()

	r.mu.Lock()
	r.records[id] = &record{id: id, conn: conn, lastActivity: time.Now()}
	r.mu.Unlock()

	r.log.Info("fabric.conn.add", "conn_id", id)
	return id
}

// BindAgent attaches the logical agent identity to a connection. Any stale
// record for the same agent is evicted first, so a reconnect storm never
// accumulates duplicates.
func (r *Registry) BindAgent(connID, agentID string) {
	if agentID == "" {
		return
	}

	var stale Conn

	r.mu.Lock()
	for id, rec := range r.records {
		if id != connID && rec.agentID == agentID {
			stale = rec.conn
			delete(r.records, id)
			r.log.Info("fabric.conn.evict_stale", "conn_id", id, "agent_id", agentID)
			break
		}
	}
	if rec, ok := r.records[connID]; ok {
		rec.agentID = agentID
		rec.lastActivity = time.Now()
	}
	r.mu.Unlock()

	if stale != nil {
		stale.Close("replaced by reconnect")
	}
}

// Remove drops a record (disconnect handler).
func (r *Registry) Remove(connID string) {
	r.mu.Lock()
	_, ok := r.records[connID]
	delete(r.records, connID)
	r.mu.Unlock()

	if ok {
		r.log.Info("fabric.conn.remove", "conn_id", connID)
	}
}

// Touch refreshes a record's activity timestamp. Called for every inbound
// message.
func (r *Registry) Touch(connID string) {
	r.mu.Lock()
	if rec, ok := r.records[connID]; ok {
		rec.lastActivity = time.Now()
	}
	r.mu.Unlock()
}

// ActiveConnectionCount reports the current record count (diagnostics).
func (r *Registry) ActiveConnectionCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.records)
}

// Broadcast sends env to every registered channel. A send failure removes
// that channel but never prevents delivery to the rest.
func (r *Registry) Broadcast(env v1.Envelope) {
	r.mu.Lock()
	snapshot := make([]*record, 0, len(r.records))
	for _, rec := range r.records {
		snapshot = append(snapshot, rec)
	}
	r.mu.Unlock()

	for _, rec := range snapshot {
		ctx, cancel := context.WithTimeout(context.Background(), registrySendTimeout)
		err := rec.conn.Send(ctx, env)
		cancel()

		if err != nil {
			r.log.Info("fabric.broadcast.drop", "conn_id", rec.id, "err", err)
			r.Remove(rec.id)
			rec.conn.Close("send failed")
		}
	}
}

// BroadcastAuthState pushes an auth-state change to every agent. It
// implements the session manager's Broadcaster contract.
func (r *Registry) BroadcastAuthState(isAuthenticated bool) {
	payload, _ := json.Marshal(v1.AuthStateChangedPayload{IsAuthenticated: isAuthenticated})
	r.Broadcast(router.NewEnvelope(v1.TypeAuthStateChanged, payload))
}

// SendToAgent delivers one envelope to a single agent, surfacing the
// delivery error to the caller.
func (r *Registry) SendToAgent(ctx context.Context, agentID string, env v1.Envelope) error {
	var target Conn

	r.mu.Lock()
	for _, rec := range r.records {
		if rec.agentID == agentID {
			target = rec.conn
			break
		}
	}
	r.mu.Unlock()

	if target == nil {
		return fmt.Errorf("agent not connected: %s", agentID)
	}
	return target.Send(ctx, env)
}

// Run sweeps idle records until ctx is done. A failing disconnect on one
// record never aborts the sweep for the others.
func (r *Registry) Run(ctx context.Context) {
	t := time.NewTicker(r.sweepInterval)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-t.C:
			r.sweep(now)
		}
	}
}

func (r *Registry) sweep(now time.Time) {
	cut := now.Add(-r.idleThreshold)

	r.mu.Lock()
	var idle []*record
	for _, rec := range r.records {
		if rec.lastActivity.Before(cut) {
			idle = append(idle, rec)
		}
	}
	for _, rec := range idle {
		delete(r.records, rec.id)
	}
	r.mu.Unlock()

	for _, rec := range idle {
		r.log.Info("fabric.sweep.idle", "conn_id", rec.id, "agent_id", rec.agentID)
		r.forceClose(rec)
	}
}

func (r *Registry) forceClose(rec *record) {
	defer func() {
		if p := recover(); p != nil {
			r.log.Error("fabric.sweep.close_panic", "recovered", p)
		}
	}()
	rec.conn.Close("idle")
}
