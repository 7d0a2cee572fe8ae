package fabric

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/benidevo/vega-companion/internal/router"
	v1 "github.com/benidevo/vega-companion/pkg/contracts/companion/v1"
)

// ChannelState is the lifecycle state of a PersistentChannel.
type ChannelState int

const (
	StateDisconnected ChannelState = iota
	StateConnecting
	StateConnected
	StateReconnecting
	StateClosed
)

func (s ChannelState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

const (
	// DefaultHeartbeatInterval is the agent-side ping cadence.
	DefaultHeartbeatInterval = 20 * time.Second

	// DefaultReconnectDelay is the fixed delay before a reconnect attempt.
	DefaultReconnectDelay = time.Second

	// DefaultSendGrace is how long a send waits for a connection to come up
	// before the message is dropped.
	DefaultSendGrace = 500 * time.Millisecond
)

var (
	// ErrChannelClosed marks operations on a permanently closed channel.
	ErrChannelClosed = errors.New("channel permanently closed")

	// ErrNotConnected marks a send that was dropped because no connection
	// came up within the grace window.
	ErrNotConnected = errors.New("channel not connected")
)

// Transport is one live connection to the coordinator.
type Transport interface {
	// Read blocks until the next envelope arrives or the connection breaks.
	Read(ctx context.Context) (v1.Envelope, error)

	// Write delivers one envelope.
	Write(ctx context.Context, env v1.Envelope) error

	// Close tears the connection down.
	Close() error
}

// DialFunc establishes a Transport. Called for the initial connect and for
// every reconnect attempt.
type DialFunc func(ctx context.Context) (Transport, error)

// MessageFunc receives every inbound envelope except heartbeat pongs.
type MessageFunc func(env v1.Envelope)

// ChannelConfig tunes a PersistentChannel. Zero values fall back to the
// defaults above.
type ChannelConfig struct {
	AgentID           string
	HeartbeatInterval time.Duration
	ReconnectDelay    time.Duration
	SendGrace         time.Duration
}

func (c ChannelConfig) withDefaults() ChannelConfig {
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if c.ReconnectDelay <= 0 {
		c.ReconnectDelay = DefaultReconnectDelay
	}
	if c.SendGrace <= 0 {
		c.SendGrace = DefaultSendGrace
	}
	return c
}

// PersistentChannel is the agent-side connection to the coordinator. It
// dials, announces itself, heartbeats, and re-dials after a fixed delay
// whenever the connection drops, until Close makes the teardown permanent.
type PersistentChannel struct {
	log       *slog.Logger
	cfg       ChannelConfig
	dial      DialFunc
	onMessage MessageFunc

	mu             sync.Mutex
	state          ChannelState
	transport      Transport
	epoch          int
	reconnectTimer *time.Timer
	reconnectGen   int
	heartbeatStop  chan struct{}
	connected      chan struct{}
}

// NewPersistentChannel constructs a disconnected channel. onMessage may be
// nil when the agent only sends.
func NewPersistentChannel(log *slog.Logger, cfg ChannelConfig, dial DialFunc, onMessage MessageFunc) *PersistentChannel {
	return &PersistentChannel{
		log:       log,
		cfg:       cfg.withDefaults(),
		dial:      dial,
		onMessage: onMessage,
		state:     StateDisconnected,
		connected: make(chan struct{}),
	}
}

// State reports the current lifecycle state.
func (p *PersistentChannel) State() ChannelState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// Connect establishes the connection. Already connected, connecting, or
// permanently closed channels make this a no-op (closed returns
// ErrChannelClosed). A failed dial schedules exactly one reconnect attempt
// after the configured delay.
func (p *PersistentChannel) Connect(ctx context.Context) error {
	p.mu.Lock()
	switch p.state {
	case StateClosed:
		p.mu.Unlock()
		return ErrChannelClosed
	case StateConnected, StateConnecting:
		p.mu.Unlock()
		return nil
	}
	// An explicit Connect takes over from a pending reconnect; the timer
	// must die here, or a dial failure below could not re-arm it and the
	// channel would stay wedged in Connecting forever.
	if p.reconnectTimer != nil {
		p.reconnectTimer.Stop()
		p.reconnectTimer = nil
	}
	p.state = StateConnecting
	p.epoch++
	epoch := p.epoch
	p.mu.Unlock()

	t, err := p.dial(ctx)
	if err != nil {
		p.log.Info("channel.dial.fail", "err", err)
		p.mu.Lock()
		if p.state == StateConnecting && p.epoch == epoch {
			p.scheduleReconnectLocked()
		}
		p.mu.Unlock()
		return err
	}

	if err := p.announce(ctx, t); err != nil {
		_ = t.Close()
		p.log.Info("channel.hello.fail", "err", err)
		p.mu.Lock()
		if p.state == StateConnecting && p.epoch == epoch {
			p.scheduleReconnectLocked()
		}
		p.mu.Unlock()
		return err
	}

	p.mu.Lock()
	if p.state != StateConnecting || p.epoch != epoch {
		// Disconnect or Close won the race while we were dialing.
		p.mu.Unlock()
		_ = t.Close()
		return ErrNotConnected
	}
	p.transport = t
	p.state = StateConnected
	close(p.connected)
	stop := make(chan struct{})
	p.heartbeatStop = stop
	p.mu.Unlock()

	p.log.Info("channel.connected", "agent_id", p.cfg.AgentID)

	go p.heartbeatLoop(t, epoch, stop)
	go p.readLoop(t, epoch)
	return nil
}

// announce sends the hello envelope identifying this agent.
func (p *PersistentChannel) announce(ctx context.Context, t Transport) error {
	payload, _ := json.Marshal(v1.HelloPayload{AgentID: p.cfg.AgentID})
	return t.Write(ctx, router.NewEnvelope(v1.TypeHello, payload))
}

// SendMessage delivers one envelope. When no connection is up it triggers a
// connect, waits one grace window for it, retries once, and otherwise drops
// the message with ErrNotConnected.
func (p *PersistentChannel) SendMessage(ctx context.Context, env v1.Envelope) error {
	t, wait, err := p.currentTransport()
	if err != nil {
		return err
	}
	if t != nil {
		return t.Write(ctx, env)
	}

	go func() { _ = p.Connect(context.Background()) }()

	grace := time.NewTimer(p.cfg.SendGrace)
	defer grace.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-grace.C:
	case <-wait:
	}

	t, _, err = p.currentTransport()
	if err != nil {
		return err
	}
	if t == nil {
		return fmt.Errorf("%w: dropping %s", ErrNotConnected, env.Type)
	}
	return t.Write(ctx, env)
}

// currentTransport returns the live transport, or a channel that closes when
// one comes up.
func (p *PersistentChannel) currentTransport() (Transport, <-chan struct{}, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.state == StateClosed {
		return nil, nil, ErrChannelClosed
	}
	if p.state == StateConnected {
		return p.transport, nil, nil
	}
	return nil, p.connected, nil
}

// Disconnect tears the connection down without scheduling a reconnect.
// Idempotent; the channel can be connected again later.
func (p *PersistentChannel) Disconnect() {
	p.mu.Lock()
	if p.state == StateClosed {
		p.mu.Unlock()
		return
	}
	t := p.teardownLocked(StateDisconnected)
	p.mu.Unlock()

	if t != nil {
		_ = t.Close()
		p.log.Info("channel.disconnected")
	}
}

// Close disconnects and makes the channel permanently unusable.
func (p *PersistentChannel) Close() {
	p.mu.Lock()
	if p.state == StateClosed {
		p.mu.Unlock()
		return
	}
	t := p.teardownLocked(StateClosed)
	p.mu.Unlock()

	if t != nil {
		_ = t.Close()
	}
	p.log.Info("channel.closed")
}

// teardownLocked cancels timers and the heartbeat, resets the connected
// gate, and moves to next. Returns the transport to close outside the lock.
func (p *PersistentChannel) teardownLocked(next ChannelState) Transport {
	if p.reconnectTimer != nil {
		p.reconnectTimer.Stop()
		p.reconnectTimer = nil
	}
	if p.heartbeatStop != nil {
		close(p.heartbeatStop)
		p.heartbeatStop = nil
	}
	t := p.transport
	p.transport = nil
	if p.state == StateConnected {
		// A fresh gate for the next connection's waiters.
		p.connected = make(chan struct{})
	}
	p.state = next
	p.epoch++
	return t
}

// scheduleReconnectLocked arms the single reconnect timer. A timer already
// pending stays as is. The generation check keeps a stale fired callback
// from touching a timer armed after its own was stopped.
func (p *PersistentChannel) scheduleReconnectLocked() {
	if p.reconnectTimer != nil {
		return
	}
	p.reconnectGen++
	gen := p.reconnectGen

	p.state = StateReconnecting
	p.reconnectTimer = time.AfterFunc(p.cfg.ReconnectDelay, func() {
		p.mu.Lock()
		if p.reconnectGen != gen || p.state != StateReconnecting {
			p.mu.Unlock()
			return
		}
		p.reconnectTimer = nil
		p.state = StateDisconnected
		p.mu.Unlock()

		if err := p.Connect(context.Background()); err != nil {
			p.log.Info("channel.reconnect.fail", "err", err)
		}
	})
}

// connectionLost handles a broken transport detected by the read or
// heartbeat loop for the given epoch. Stale epochs are ignored.
func (p *PersistentChannel) connectionLost(epoch int, cause error) {
	p.mu.Lock()
	if p.epoch != epoch || p.state != StateConnected {
		p.mu.Unlock()
		return
	}
	t := p.teardownLocked(StateDisconnected)
	p.scheduleReconnectLocked()
	p.mu.Unlock()

	if t != nil {
		_ = t.Close()
	}
	p.log.Info("channel.lost", "err", cause)
}

func (p *PersistentChannel) heartbeatLoop(t Transport, epoch int, stop chan struct{}) {
	ticker := time.NewTicker(p.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), p.cfg.HeartbeatInterval/2)
			err := t.Write(ctx, router.NewEnvelope(v1.TypePing, nil))
			cancel()

			if err != nil {
				p.connectionLost(epoch, fmt.Errorf("heartbeat: %w", err))
				return
			}
		}
	}
}

func (p *PersistentChannel) readLoop(t Transport, epoch int) {
	for {
		env, err := t.Read(context.Background())
		if err != nil {
			p.connectionLost(epoch, err)
			return
		}
		if env.Type == v1.TypePong {
			continue
		}
		if p.onMessage != nil {
			p.onMessage(env)
		}
	}
}

// ---- websocket transport ----

// wsTransport adapts a client websocket connection to the Transport
// contract.
type wsTransport struct {
	conn *websocket.Conn
}

// DialCoordinator returns a DialFunc for the coordinator's websocket
// endpoint.
func DialCoordinator(url string) DialFunc {
	return func(ctx context.Context) (Transport, error) {
		conn, _, err := websocket.Dial(ctx, url, &websocket.DialOptions{
			Subprotocols: []string{wsSubprotocolV1},
		})
		if err != nil {
			return nil, err
		}
		conn.SetReadLimit(wsMaxFrameBytes)
		return &wsTransport{conn: conn}, nil
	}
}

func (t *wsTransport) Read(ctx context.Context) (v1.Envelope, error) {
	return readEnvelope(ctx, t.conn)
}

func (t *wsTransport) Write(ctx context.Context, env v1.Envelope) error {
	return writeEnvelope(ctx, t.conn, env, wsWriteTimeout)
}

func (t *wsTransport) Close() error {
	return t.conn.Close(websocket.StatusNormalClosure, "bye")
}
