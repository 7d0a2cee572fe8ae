package fabric

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	v1 "github.com/benidevo/vega-companion/pkg/contracts/companion/v1"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

type fakeConn struct {
	mu       sync.Mutex
	sent     []v1.Envelope
	sendErr  error
	closed   bool
	closeMsg string
}

func (c *fakeConn) Send(_ context.Context, env v1.Envelope) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sendErr != nil {
		return c.sendErr
	}
	c.sent = append(c.sent, env)
	return nil
}

func (c *fakeConn) Close(reason string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	c.closeMsg = reason
}

func (c *fakeConn) sentCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.sent)
}

func (c *fakeConn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func TestBroadcastDeliversToAll(t *testing.T) {
	r := NewRegistry(testLogger(), 0, 0)

	a, b := &fakeConn{}, &fakeConn{}
	r.Add(a)
	r.Add(b)

	r.Broadcast(v1.Envelope{V: v1.Version, Type: v1.TypePong, ID: "x", TS: time.Now()})

	if a.sentCount() != 1 || b.sentCount() != 1 {
		t.Fatalf("sent: a=%d b=%d, want 1 each", a.sentCount(), b.sentCount())
	}
}

func TestBroadcastSendFailureEvictsOnlyThatConn(t *testing.T) {
	r := NewRegistry(testLogger(), 0, 0)

	good := &fakeConn{}
	bad := &fakeConn{sendErr: errors.New("queue full")}
	r.Add(good)
	badID := r.Add(bad)

	r.Broadcast(v1.Envelope{V: v1.Version, Type: v1.TypePong, ID: "x", TS: time.Now()})

	if good.sentCount() != 1 {
		t.Fatalf("healthy conn must still receive the broadcast")
	}
	if !bad.isClosed() {
		t.Fatalf("failing conn must be closed")
	}
	if got := r.ActiveConnectionCount(); got != 1 {
		t.Fatalf("active: got %d want 1", got)
	}

	r.mu.Lock()
	_, stillThere := r.records[badID]
	r.mu.Unlock()
	if stillThere {
		t.Fatalf("failing conn must be removed from the registry")
	}
}

func TestBroadcastAuthStatePayload(t *testing.T) {
	r := NewRegistry(testLogger(), 0, 0)

	c := &fakeConn{}
	r.Add(c)

	r.BroadcastAuthState(true)

	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.sent) != 1 {
		t.Fatalf("sent: got %d want 1", len(c.sent))
	}
	env := c.sent[0]
	if env.Type != v1.TypeAuthStateChanged {
		t.Fatalf("type: got %q", env.Type)
	}
	var p v1.AuthStateChangedPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		t.Fatalf("payload: %v", err)
	}
	if !p.IsAuthenticated {
		t.Fatalf("payload must carry is_authenticated=true")
	}
}

func TestBindAgentEvictsStaleRecordForSameAgent(t *testing.T) {
	r := NewRegistry(testLogger(), 0, 0)

	old := &fakeConn{}
	oldID := r.Add(old)
	r.BindAgent(oldID, "agent-7")

	fresh := &fakeConn{}
	freshID := r.Add(fresh)
	r.BindAgent(freshID, "agent-7")

	if !old.isClosed() {
		t.Fatalf("stale record for the same agent must be force-closed")
	}
	if got := r.ActiveConnectionCount(); got != 1 {
		t.Fatalf("active: got %d want 1", got)
	}
	if err := r.SendToAgent(context.Background(), "agent-7", v1.Envelope{Type: v1.TypePong}); err != nil {
		t.Fatalf("SendToAgent: %v", err)
	}
	if fresh.sentCount() != 1 || old.sentCount() != 0 {
		t.Fatalf("delivery must land on the fresh record")
	}
}

func TestSendToAgentUnknownAgent(t *testing.T) {
	r := NewRegistry(testLogger(), 0, 0)

	err := r.SendToAgent(context.Background(), "nobody", v1.Envelope{Type: v1.TypePong})
	if err == nil {
		t.Fatalf("expected an error for an unknown agent")
	}
}

func TestSendToAgentSurfacesSendError(t *testing.T) {
	r := NewRegistry(testLogger(), 0, 0)

	sendErr := errors.New("peer gone")
	c := &fakeConn{sendErr: sendErr}
	id := r.Add(c)
	r.BindAgent(id, "agent-1")

	if err := r.SendToAgent(context.Background(), "agent-1", v1.Envelope{Type: v1.TypePong}); !errors.Is(err, sendErr) {
		t.Fatalf("err: got %v want %v", err, sendErr)
	}
}

func TestSweepClosesOnlyIdleRecords(t *testing.T) {
	r := NewRegistry(testLogger(), time.Minute, time.Hour)

	idle := &fakeConn{}
	busy := &fakeConn{}
	idleID := r.Add(idle)
	busyID := r.Add(busy)

	// Age the idle record past the threshold by hand.
	r.mu.Lock()
	r.records[idleID].lastActivity = time.Now().Add(-2 * time.Minute)
	r.mu.Unlock()
	r.Touch(busyID)

	r.sweep(time.Now())

	if !idle.isClosed() {
		t.Fatalf("idle record must be closed")
	}
	if busy.isClosed() {
		t.Fatalf("active record must survive the sweep")
	}
	if got := r.ActiveConnectionCount(); got != 1 {
		t.Fatalf("active: got %d want 1", got)
	}
}

func TestTouchKeepsRecordAlive(t *testing.T) {
	r := NewRegistry(testLogger(), time.Minute, time.Hour)

	c := &fakeConn{}
	id := r.Add(c)

	r.mu.Lock()
	r.records[id].lastActivity = time.Now().Add(-2 * time.Minute)
	r.mu.Unlock()

	r.Touch(id)
	r.sweep(time.Now())

	if c.isClosed() {
		t.Fatalf("touched record must not be swept")
	}
}

func TestRemoveIsIdempotent(t *testing.T) {
	r := NewRegistry(testLogger(), 0, 0)

	id := r.Add(&fakeConn{})
	r.Remove(id)
	r.Remove(id)

	if got := r.ActiveConnectionCount(); got != 0 {
		t.Fatalf("active: got %d want 0", got)
	}
}
