package fabric

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/benidevo/vega-companion/internal/router"
	v1 "github.com/benidevo/vega-companion/pkg/contracts/companion/v1"
)

const (
	wsSubprotocolV1 = "vega.companion.v1"

	wsMaxFrameBytes   = 64 << 10
	wsSendQueueSize   = 64
	wsWriteTimeout    = 5 * time.Second
	wsReadIdleTimeout = 2 * time.Minute
	wsCloseGrace      = time.Second
)

// Gateway is the websocket entrypoint agents connect to. It registers each
// connection with the Registry, answers heartbeats, and routes one-shot
// envelopes through the Router.
type Gateway struct {
	log      *slog.Logger
	registry *Registry
	router   *router.Router
}

// NewGateway constructs a Gateway.
func NewGateway(log *slog.Logger, registry *Registry, r *router.Router) *Gateway {
	return &Gateway{log: log, registry: registry, router: r}
}

// ServeHTTP upgrades the request and runs the connection loop.
func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		Subprotocols: []string{wsSubprotocolV1},
	})
	if err != nil {
		g.log.Error("ws.accept.fail", "err", err)
		return
	}
	defer func() { _ = conn.Close(websocket.StatusNormalClosure, "bye") }()

	if sp := conn.Subprotocol(); sp != wsSubprotocolV1 {
		g.log.Info("ws.reject.subprotocol", "got", sp, "want", wsSubprotocolV1)
		_ = conn.Close(websocket.StatusProtocolError, "subprotocol required")
		return
	}

	conn.SetReadLimit(wsMaxFrameBytes)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	endpoint := newWSEndpoint(conn, cancel)
	connID := g.registry.Add(endpoint)

	// Disconnect handler: whatever ends this loop removes the record.
	defer g.registry.Remove(connID)

	writerDone := make(chan struct{})
	go endpoint.writeLoop(ctx, g.log, connID, writerDone)

	g.readLoop(ctx, conn, endpoint, connID)

	endpoint.Close("connection loop ended")

	select {
	case <-writerDone:
	case <-time.After(wsCloseGrace):
	}
}

func (g *Gateway) readLoop(ctx context.Context, conn *websocket.Conn, endpoint *wsEndpoint, connID string) {
	for {
		readCtx, readCancel := context.WithTimeout(ctx, wsReadIdleTimeout)
		env, err := readEnvelope(readCtx, conn)
		readCancel()

		if err != nil {
			if !isExpectedClose(err) {
				g.log.Info("ws.read.fail", "conn_id", connID, "err", err)
			}
			return
		}

		if err := env.Validate(); err != nil {
			g.trySend(ctx, endpoint, router.ErrorEnvelope("bad_envelope", err.Error()))
			continue
		}

		// Any inbound traffic counts as activity.
		g.registry.Touch(connID)

		switch env.Type {
		case v1.TypePing:
			g.trySend(ctx, endpoint, router.NewEnvelope(v1.TypePong, nil))

		case v1.TypeHello:
			var p v1.HelloPayload
			if err := json.Unmarshal(env.Payload, &p); err != nil {
				g.trySend(ctx, endpoint, router.ErrorEnvelope("bad_payload", "invalid hello payload"))
				continue
			}
			g.registry.BindAgent(connID, strings.TrimSpace(p.AgentID))

			ack, _ := json.Marshal(v1.HelloAckPayload{ConnectionID: connID})
			g.trySend(ctx, endpoint, router.NewEnvelope(v1.TypeHelloAck, ack))

		case v1.TypeAuthStateChanged:
			// Broadcast-only; never a request. Ignore inbound copies.

		default:
			respond := func(resp v1.Envelope) { g.trySend(ctx, endpoint, resp) }
			if _, handled := g.router.Dispatch(ctx, env, respond); !handled {
				g.log.Debug("ws.unhandled", "conn_id", connID, "type", env.Type)
			}
		}
	}
}

func (g *Gateway) trySend(ctx context.Context, endpoint *wsEndpoint, env v1.Envelope) {
	if err := endpoint.Send(ctx, env); err != nil {
		g.log.Debug("ws.send.drop", "err", err)
	}
}

// ---- endpoint ----

var errEndpointClosed = errors.New("endpoint closed")

// wsEndpoint adapts a websocket connection to the registry's Conn contract
// with a bounded send queue drained by a single writer goroutine. The queue
// is never closed so concurrent broadcasters cannot panic.
type wsEndpoint struct {
	conn   *websocket.Conn
	cancel context.CancelFunc

	send      chan v1.Envelope
	done      chan struct{}
	closeOnce sync.Once
}

func newWSEndpoint(conn *websocket.Conn, cancel context.CancelFunc) *wsEndpoint {
	return &wsEndpoint{
		conn:   conn,
		cancel: cancel,
		send:   make(chan v1.Envelope, wsSendQueueSize),
		done:   make(chan struct{}),
	}
}

// Send enqueues an envelope for the writer goroutine.
func (e *wsEndpoint) Send(ctx context.Context, env v1.Envelope) error {
	select {
	case <-e.done:
		return errEndpointClosed
	default:
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-e.done:
		return errEndpointClosed
	case e.send <- env:
		return nil
	default:
		return errors.New("send queue full")
	}
}

// Close force-disconnects. Idempotent.
func (e *wsEndpoint) Close(reason string) {
	e.closeOnce.Do(func() {
		close(e.done)
		_ = e.conn.Close(websocket.StatusGoingAway, reason)
		e.cancel()
	})
}

func (e *wsEndpoint) writeLoop(ctx context.Context, log *slog.Logger, connID string, done chan struct{}) {
	defer close(done)

	for {
		select {
		case <-ctx.Done():
			return
		case <-e.done:
			return
		case env := <-e.send:
			if err := writeEnvelope(ctx, e.conn, env, wsWriteTimeout); err != nil {
				log.Info("ws.write.fail", "conn_id", connID, "err", err)
				e.Close("write failed")
				return
			}
		}
	}
}

// ---- envelope IO ----

func readEnvelope(ctx context.Context, conn *websocket.Conn) (v1.Envelope, error) {
	mt, data, err := conn.Read(ctx)
	if err != nil {
		return v1.Envelope{}, err
	}
	if mt != websocket.MessageText && mt != websocket.MessageBinary {
		return v1.Envelope{}, errors.New("unsupported websocket message type")
	}
	var env v1.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return v1.Envelope{}, err
	}
	return env, nil
}

func writeEnvelope(parent context.Context, conn *websocket.Conn, env v1.Envelope, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	b, err := json.Marshal(env)
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, b)
}

func isExpectedClose(err error) bool {
	if websocket.CloseStatus(err) != -1 {
		return true
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	return errors.Is(err, net.ErrClosed) || errors.Is(err, io.EOF)
}
