package fabric

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	v1 "github.com/benidevo/vega-companion/pkg/contracts/companion/v1"
)

// fakeTransport is a scriptable Transport: reads block until fed or closed,
// writes are recorded and can be forced to fail.
type fakeTransport struct {
	mu       sync.Mutex
	written  []v1.Envelope
	writeErr error
	inbox    chan v1.Envelope
	done     chan struct{}
	once     sync.Once
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		inbox: make(chan v1.Envelope, 16),
		done:  make(chan struct{}),
	}
}

func (t *fakeTransport) Read(ctx context.Context) (v1.Envelope, error) {
	select {
	case <-ctx.Done():
		return v1.Envelope{}, ctx.Err()
	case <-t.done:
		return v1.Envelope{}, errors.New("transport closed")
	case env := <-t.inbox:
		return env, nil
	}
}

func (t *fakeTransport) Write(_ context.Context, env v1.Envelope) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.writeErr != nil {
		return t.writeErr
	}
	t.written = append(t.written, env)
	return nil
}

func (t *fakeTransport) Close() error {
	t.once.Do(func() { close(t.done) })
	return nil
}

func (t *fakeTransport) failWrites(err error) {
	t.mu.Lock()
	t.writeErr = err
	t.mu.Unlock()
}

func (t *fakeTransport) writtenTypes() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]string, len(t.written))
	for i, env := range t.written {
		out[i] = env.Type
	}
	return out
}

// scriptedDialer hands out transports in order and counts dials.
type scriptedDialer struct {
	mu         sync.Mutex
	transports []*fakeTransport
	errs       []error
	dials      int
}

func (d *scriptedDialer) dial(context.Context) (Transport, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	i := d.dials
	d.dials++
	if i < len(d.errs) && d.errs[i] != nil {
		return nil, d.errs[i]
	}
	if i < len(d.transports) {
		return d.transports[i], nil
	}
	return nil, errors.New("no more scripted transports")
}

func (d *scriptedDialer) dialCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials
}

func fastConfig() ChannelConfig {
	return ChannelConfig{
		AgentID:           "agent-test",
		HeartbeatInterval: 20 * time.Millisecond,
		ReconnectDelay:    20 * time.Millisecond,
		SendGrace:         30 * time.Millisecond,
	}
}

func TestConnectAnnouncesAgent(t *testing.T) {
	tr := newFakeTransport()
	d := &scriptedDialer{transports: []*fakeTransport{tr}}
	ch := NewPersistentChannel(testLogger(), fastConfig(), d.dial, nil)
	defer ch.Close()

	require.NoError(t, ch.Connect(context.Background()))
	require.Equal(t, StateConnected, ch.State())

	types := tr.writtenTypes()
	require.NotEmpty(t, types)
	require.Equal(t, v1.TypeHello, types[0])
}

func TestConnectIsNoOpWhenAlreadyConnected(t *testing.T) {
	tr := newFakeTransport()
	d := &scriptedDialer{transports: []*fakeTransport{tr}}
	ch := NewPersistentChannel(testLogger(), fastConfig(), d.dial, nil)
	defer ch.Close()

	require.NoError(t, ch.Connect(context.Background()))
	require.NoError(t, ch.Connect(context.Background()))
	require.Equal(t, 1, d.dialCount())
}

func TestDialFailureSchedulesSingleReconnect(t *testing.T) {
	tr := newFakeTransport()
	d := &scriptedDialer{
		errs:       []error{errors.New("refused"), nil},
		transports: []*fakeTransport{nil, tr},
	}
	ch := NewPersistentChannel(testLogger(), fastConfig(), d.dial, nil)
	defer ch.Close()

	require.Error(t, ch.Connect(context.Background()))

	require.Eventually(t, func() bool {
		return ch.State() == StateConnected
	}, time.Second, 5*time.Millisecond)
	require.Equal(t, 2, d.dialCount())
}

func TestConnectDuringPendingReconnectKeepsRetrying(t *testing.T) {
	first := newFakeTransport()
	recovered := newFakeTransport()
	d := &scriptedDialer{
		errs:       []error{nil, errors.New("refused"), nil},
		transports: []*fakeTransport{first, nil, recovered},
	}
	cfg := fastConfig()
	cfg.ReconnectDelay = 50 * time.Millisecond
	ch := NewPersistentChannel(testLogger(), cfg, d.dial, nil)
	defer ch.Close()

	require.NoError(t, ch.Connect(context.Background()))

	// Break the connection and catch the channel with a reconnect pending.
	_ = first.Close()
	require.Eventually(t, func() bool {
		return ch.State() == StateReconnecting
	}, time.Second, time.Millisecond)

	// An explicit Connect preempts the pending timer and its dial fails;
	// that failure must arm a fresh reconnect rather than wedging the
	// channel in Connecting.
	require.Error(t, ch.Connect(context.Background()))

	require.Eventually(t, func() bool {
		return ch.State() == StateConnected
	}, time.Second, 5*time.Millisecond)
	require.Equal(t, 3, d.dialCount())
}

func TestHeartbeatFailureTriggersReconnect(t *testing.T) {
	first := newFakeTransport()
	second := newFakeTransport()
	d := &scriptedDialer{transports: []*fakeTransport{first, second}}
	ch := NewPersistentChannel(testLogger(), fastConfig(), d.dial, nil)
	defer ch.Close()

	require.NoError(t, ch.Connect(context.Background()))

	first.failWrites(errors.New("broken pipe"))

	require.Eventually(t, func() bool {
		return ch.State() == StateConnected && d.dialCount() == 2
	}, time.Second, 5*time.Millisecond)
}

func TestReadFailureTriggersReconnect(t *testing.T) {
	first := newFakeTransport()
	second := newFakeTransport()
	d := &scriptedDialer{transports: []*fakeTransport{first, second}}
	ch := NewPersistentChannel(testLogger(), fastConfig(), d.dial, nil)
	defer ch.Close()

	require.NoError(t, ch.Connect(context.Background()))

	_ = first.Close()

	require.Eventually(t, func() bool {
		return ch.State() == StateConnected && d.dialCount() == 2
	}, time.Second, 5*time.Millisecond)
}

func TestInboundMessagesReachCallbackExceptPong(t *testing.T) {
	tr := newFakeTransport()
	d := &scriptedDialer{transports: []*fakeTransport{tr}}

	var mu sync.Mutex
	var seen []string
	ch := NewPersistentChannel(testLogger(), fastConfig(), d.dial, func(env v1.Envelope) {
		mu.Lock()
		seen = append(seen, env.Type)
		mu.Unlock()
	})
	defer ch.Close()

	require.NoError(t, ch.Connect(context.Background()))

	tr.inbox <- v1.Envelope{V: v1.Version, Type: v1.TypePong, ID: "1", TS: time.Now()}
	tr.inbox <- v1.Envelope{V: v1.Version, Type: v1.TypeAuthStateChanged, ID: "2", TS: time.Now()}

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(seen) == 1 && seen[0] == v1.TypeAuthStateChanged
	}, time.Second, 5*time.Millisecond)
}

func TestSendMessageOnLiveConnection(t *testing.T) {
	tr := newFakeTransport()
	d := &scriptedDialer{transports: []*fakeTransport{tr}}
	ch := NewPersistentChannel(testLogger(), fastConfig(), d.dial, nil)
	defer ch.Close()

	require.NoError(t, ch.Connect(context.Background()))
	require.NoError(t, ch.SendMessage(context.Background(), v1.Envelope{V: v1.Version, Type: v1.TypeJobSave, ID: "1", TS: time.Now()}))

	types := tr.writtenTypes()
	require.Contains(t, types, v1.TypeJobSave)
}

func TestSendMessageConnectsWithinGrace(t *testing.T) {
	tr := newFakeTransport()
	d := &scriptedDialer{transports: []*fakeTransport{tr}}
	ch := NewPersistentChannel(testLogger(), fastConfig(), d.dial, nil)
	defer ch.Close()

	err := ch.SendMessage(context.Background(), v1.Envelope{V: v1.Version, Type: v1.TypeJobSave, ID: "1", TS: time.Now()})
	require.NoError(t, err)
	require.Contains(t, tr.writtenTypes(), v1.TypeJobSave)
}

func TestSendMessageDropsAfterGrace(t *testing.T) {
	d := &scriptedDialer{errs: []error{errors.New("refused"), errors.New("refused")}}
	ch := NewPersistentChannel(testLogger(), fastConfig(), d.dial, nil)
	defer ch.Close()

	err := ch.SendMessage(context.Background(), v1.Envelope{V: v1.Version, Type: v1.TypeJobSave, ID: "1", TS: time.Now()})
	require.ErrorIs(t, err, ErrNotConnected)
}

func TestDisconnectIsIdempotentAndStopsReconnect(t *testing.T) {
	tr := newFakeTransport()
	d := &scriptedDialer{transports: []*fakeTransport{tr}}
	ch := NewPersistentChannel(testLogger(), fastConfig(), d.dial, nil)
	defer ch.Close()

	require.NoError(t, ch.Connect(context.Background()))

	ch.Disconnect()
	ch.Disconnect()
	require.Equal(t, StateDisconnected, ch.State())

	// No reconnect may fire after an explicit disconnect.
	time.Sleep(4 * fastConfig().ReconnectDelay)
	require.Equal(t, 1, d.dialCount())
	require.Equal(t, StateDisconnected, ch.State())
}

func TestDisconnectedChannelCanReconnectExplicitly(t *testing.T) {
	first := newFakeTransport()
	second := newFakeTransport()
	d := &scriptedDialer{transports: []*fakeTransport{first, second}}
	ch := NewPersistentChannel(testLogger(), fastConfig(), d.dial, nil)
	defer ch.Close()

	require.NoError(t, ch.Connect(context.Background()))
	ch.Disconnect()
	require.NoError(t, ch.Connect(context.Background()))
	require.Equal(t, StateConnected, ch.State())
}

func TestCloseIsPermanent(t *testing.T) {
	tr := newFakeTransport()
	d := &scriptedDialer{transports: []*fakeTransport{tr}}
	ch := NewPersistentChannel(testLogger(), fastConfig(), d.dial, nil)

	require.NoError(t, ch.Connect(context.Background()))
	ch.Close()
	ch.Close()

	require.Equal(t, StateClosed, ch.State())
	require.ErrorIs(t, ch.Connect(context.Background()), ErrChannelClosed)
	require.ErrorIs(t, ch.SendMessage(context.Background(), v1.Envelope{Type: v1.TypePing}), ErrChannelClosed)
}

func TestHeartbeatPingsOnInterval(t *testing.T) {
	tr := newFakeTransport()
	d := &scriptedDialer{transports: []*fakeTransport{tr}}
	ch := NewPersistentChannel(testLogger(), fastConfig(), d.dial, nil)
	defer ch.Close()

	require.NoError(t, ch.Connect(context.Background()))

	require.Eventually(t, func() bool {
		for _, typ := range tr.writtenTypes() {
			if typ == v1.TypePing {
				return true
			}
		}
		return false
	}, time.Second, 5*time.Millisecond)
}
