package session

import (
	"context"
	"crypto/x509"
	"errors"
	"fmt"
	"net"
	"sync"
	"testing"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/eclipse/paho.mqtt.golang/packets"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type token struct {
	err  error
	done chan struct{}
}

func doneToken(err error) *token {
	t := &token{err: err, done: make(chan struct{})}
	close(t.done)
	return t
}

func pendingToken() *token { return &token{done: make(chan struct{})} }

func (t *token) Wait() bool {
	<-t.done
	return true
}

func (t *token) WaitTimeout(d time.Duration) bool {
	select {
	case <-t.done:
		return true
	case <-time.After(d):
		return false
	}
}
func (t *token) Done() <-chan struct{} { return t.done }
func (t *token) Error() error          { return t.err }

type message struct {
	topic   string
	payload []byte
}

func (m message) Duplicate() bool   { return false }
func (m message) Qos() byte         { return 0 }
func (m message) Retained() bool    { return false }
func (m message) Topic() string     { return m.topic }
func (m message) MessageID() uint16 { return 0 }
func (m message) Payload() []byte   { return m.payload }
func (m message) Ack()              {}

type published struct {
	topic   string
	qos     byte
	retain  bool
	payload []byte
}

// fakeBroker hands out fake clients. Each Connect consumes the next outcome.
type fakeBroker struct {
	mu       sync.Mutex
	outcomes []error
	hang     bool
	clients  []*fakeClient

	// onSubscribe runs after a subscription is acknowledged.
	onSubscribe func(c *fakeClient)
}

func (b *fakeBroker) newClient(o *mqtt.ClientOptions) mqtt.Client {
	b.mu.Lock()
	defer b.mu.Unlock()
	c := &fakeClient{broker: b, opts: o, subs: map[string]mqtt.MessageHandler{}}
	b.clients = append(b.clients, c)
	return c
}

func (b *fakeBroker) next() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.outcomes) == 0 {
		return nil
	}
	err := b.outcomes[0]
	b.outcomes = b.outcomes[1:]
	return err
}

func (b *fakeBroker) last() *fakeClient {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.clients[len(b.clients)-1]
}

func (b *fakeBroker) count() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.clients)
}

type fakeClient struct {
	broker *fakeBroker
	opts   *mqtt.ClientOptions

	mu          sync.Mutex
	open        bool
	subs        map[string]mqtt.MessageHandler
	published   []published
	disconnects int
}

func (c *fakeClient) IsConnected() bool { return c.IsConnectionOpen() }
func (c *fakeClient) IsConnectionOpen() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.open
}

func (c *fakeClient) Connect() mqtt.Token {
	if c.broker.hang {
		return pendingToken()
	}
	conn, err := c.opts.CustomOpenConnectionFn(c.opts.Servers[0], *c.opts)
	if err != nil {
		return doneToken(fmt.Errorf("network Error : %w", err))
	}
	_ = conn.Close()
	if err := c.broker.next(); err != nil {
		return doneToken(err)
	}
	c.mu.Lock()
	c.open = true
	c.mu.Unlock()
	return doneToken(nil)
}

func (c *fakeClient) Disconnect(uint) {
	c.mu.Lock()
	c.open = false
	c.disconnects++
	c.mu.Unlock()
}

func (c *fakeClient) Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.published = append(c.published, published{topic, qos, retained, payload.([]byte)})
	return doneToken(nil)
}

func (c *fakeClient) Subscribe(topic string, _ byte, cb mqtt.MessageHandler) mqtt.Token {
	c.mu.Lock()
	c.subs[topic] = cb
	c.mu.Unlock()
	if hook := c.broker.onSubscribe; hook != nil {
		hook(c)
	}
	return doneToken(nil)
}

func (c *fakeClient) SubscribeMultiple(map[string]byte, mqtt.MessageHandler) mqtt.Token {
	return doneToken(nil)
}
func (c *fakeClient) Unsubscribe(...string) mqtt.Token        { return doneToken(nil) }
func (c *fakeClient) AddRoute(string, mqtt.MessageHandler)    {}
func (c *fakeClient) OptionsReader() mqtt.ClientOptionsReader { return mqtt.ClientOptionsReader{} }

func (c *fakeClient) deliver(topic string, payload []byte) {
	c.mu.Lock()
	cb := c.subs[topic]
	c.mu.Unlock()
	cb(c, message{topic, payload})
}

func (c *fakeClient) lose(err error) {
	c.mu.Lock()
	c.open = false
	c.mu.Unlock()
	c.opts.OnConnectionLost(c, err)
}

type fakeDialer struct {
	mu    sync.Mutex
	errs  []error
	dials []string
}

func (d *fakeDialer) Dial(_ context.Context, host string, port int) (net.Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dials = append(d.dials, fmt.Sprintf("%s:%d", host, port))
	if len(d.errs) > 0 {
		err := d.errs[0]
		d.errs = d.errs[1:]
		if err != nil {
			return nil, err
		}
	}
	a, b := net.Pipe()
	_ = b.Close()
	return a, nil
}

func newManager(t *testing.T, b *fakeBroker, d *fakeDialer, attempts int) (*Manager, *[]time.Duration) {
	t.Helper()
	m := New(Options{
		Host:           "broker.local",
		Port:           8883,
		ClientID:       "snap-1",
		CleanSession:   true,
		KeepAlive:      30 * time.Second,
		ConnectTimeout: time.Second,
		PublishTimeout: time.Second,
		Retry:          Backoff{MaxAttempts: attempts, Initial: 10 * time.Millisecond, Max: 40 * time.Millisecond},
		Will:           &Will{Topic: "device/id/1", Payload: "Device Disconnected"},
	}, d, zerolog.Nop())
	m.newClient = b.newClient
	var slept []time.Duration
	var mu sync.Mutex
	m.sleep = func(ctx context.Context, d time.Duration) error {
		mu.Lock()
		slept = append(slept, d)
		mu.Unlock()
		return ctx.Err()
	}
	t.Cleanup(m.Disconnect)
	return m, &slept
}

func TestConnectSetsOptionsAndRoutesDialThroughFactory(t *testing.T) {
	b, d := &fakeBroker{}, &fakeDialer{}
	m, _ := newManager(t, b, d, 3)

	var transitions []string
	m.OnStateChange(func(prev, next State, err error) { transitions = append(transitions, next.String()) })

	require.NoError(t, m.Connect(context.Background()))
	assert.Equal(t, []string{"connecting", "connected"}, transitions)
	assert.True(t, m.IsConnected())
	assert.Equal(t, []string{"broker.local:8883"}, d.dials)

	o := b.last().opts
	assert.Equal(t, "snap-1", o.ClientID)
	assert.True(t, o.CleanSession)
	assert.False(t, o.AutoReconnect)
	assert.True(t, o.WillEnabled)
	assert.Equal(t, "device/id/1", o.WillTopic)
	assert.Equal(t, "ssl://broker.local:8883", o.Servers[0].String())
}

func TestConnectRetriesWithBackoffThenFails(t *testing.T) {
	b := &fakeBroker{}
	refused := &net.OpError{Op: "dial", Net: "tcp", Err: errors.New("connection refused")}
	d := &fakeDialer{errs: []error{refused, refused, refused}}
	m, slept := newManager(t, b, d, 3)

	err := m.Connect(context.Background())
	require.Error(t, err)

	var ce *ConnectError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, KindNetwork, ce.Kind)
	assert.Equal(t, 3, ce.Attempt)
	assert.ErrorIs(t, err, refused)
	assert.Len(t, *slept, 2)
	assert.Equal(t, Disconnected, m.State())
}

func TestConnectSucceedsAfterTransientFailure(t *testing.T) {
	b := &fakeBroker{}
	d := &fakeDialer{errs: []error{&net.OpError{Op: "dial", Err: errors.New("unreachable")}}}
	m, slept := newManager(t, b, d, 3)

	require.NoError(t, m.Connect(context.Background()))
	assert.Len(t, *slept, 1)
	assert.Equal(t, 2, b.count())
}

func TestAuthRejectionIsNotRetried(t *testing.T) {
	b := &fakeBroker{outcomes: []error{packets.ErrorRefusedNotAuthorised}}
	m, slept := newManager(t, b, &fakeDialer{}, 5)

	err := m.Connect(context.Background())
	kind, ok := KindOf(err)
	require.True(t, ok)
	assert.Equal(t, KindAuth, kind)
	assert.Empty(t, *slept)
	assert.Equal(t, 1, b.count())
}

func TestTLSFailureClassified(t *testing.T) {
	d := &fakeDialer{errs: []error{fmt.Errorf("dial broker.local:8883: %w", x509.UnknownAuthorityError{})}}
	m, _ := newManager(t, &fakeBroker{}, d, 1)

	kind, ok := KindOf(m.Connect(context.Background()))
	require.True(t, ok)
	assert.Equal(t, KindTLS, kind)
}

func TestConnectTimeout(t *testing.T) {
	m, _ := newManager(t, &fakeBroker{hang: true}, &fakeDialer{}, 1)
	m.opts.ConnectTimeout = 20 * time.Millisecond

	kind, ok := KindOf(m.Connect(context.Background()))
	require.True(t, ok)
	assert.Equal(t, KindTimeout, kind)
}

func TestPublishRequiresConnection(t *testing.T) {
	b := &fakeBroker{}
	m, _ := newManager(t, b, &fakeDialer{}, 1)

	require.ErrorIs(t, m.Publish("photos/1", []byte("x"), 0, false), ErrNotConnected)

	require.NoError(t, m.Connect(context.Background()))
	require.NoError(t, m.Publish("photos/1", []byte("jpeg"), 0, false))
	assert.Equal(t, []published{{"photos/1", 0, false, []byte("jpeg")}}, b.last().published)
}

func TestSubscriptionDeliversAndSurvivesReconnect(t *testing.T) {
	b := &fakeBroker{}
	m, _ := newManager(t, b, &fakeDialer{}, 1)

	got := make(chan string, 4)
	require.NoError(t, m.Subscribe("setup/1", 0, func(topic string, payload []byte) {
		got <- topic + "=" + string(payload)
	}))
	require.NoError(t, m.Connect(context.Background()))

	first := b.last()
	first.deliver("setup/1", []byte("start manual"))
	assert.Equal(t, "setup/1=start manual", <-got)

	connected := make(chan struct{}, 1)
	m.OnStateChange(func(prev, next State, err error) {
		if next == Connected {
			connected <- struct{}{}
		}
	})
	first.lose(errors.New("EOF"))

	select {
	case <-connected:
	case <-time.After(2 * time.Second):
		t.Fatal("session did not reconnect")
	}
	second := b.last()
	require.NotSame(t, first, second)
	second.deliver("setup/1", []byte("start live"))
	assert.Equal(t, "setup/1=start live", <-got)
}

func TestLossFromStaleClientIgnored(t *testing.T) {
	b := &fakeBroker{}
	m, _ := newManager(t, b, &fakeDialer{}, 1)
	require.NoError(t, m.Connect(context.Background()))
	stale := b.last()

	m.Disconnect()
	stale.opts.OnConnectionLost(stale, errors.New("late"))
	assert.Equal(t, Disconnected, m.State())
	assert.Equal(t, 1, b.count())
}

func TestDisconnectStopsReconnectLoop(t *testing.T) {
	b := &fakeBroker{}
	d := &fakeDialer{}
	m, _ := newManager(t, b, d, 1)
	require.NoError(t, m.Connect(context.Background()))

	// Every reconnect attempt fails until Disconnect.
	d.mu.Lock()
	for i := 0; i < 1000; i++ {
		d.errs = append(d.errs, errors.New("refused"))
	}
	d.mu.Unlock()
	m.sleep = func(ctx context.Context, _ time.Duration) error {
		<-ctx.Done()
		return ctx.Err()
	}

	b.last().lose(errors.New("EOF"))
	require.Eventually(t, func() bool { return m.State() == Reconnecting }, time.Second, 5*time.Millisecond)

	m.Disconnect()
	assert.Equal(t, Disconnected, m.State())
}

func TestLossWhileRestoringSubscriptionsFailsAttempt(t *testing.T) {
	b := &fakeBroker{}
	var once sync.Once
	b.onSubscribe = func(c *fakeClient) {
		once.Do(func() { c.lose(errors.New("EOF")) })
	}
	m, slept := newManager(t, b, &fakeDialer{}, 2)
	require.NoError(t, m.Subscribe("setup/1", 0, func(string, []byte) {}))

	var transitions []string
	m.OnStateChange(func(prev, next State, err error) { transitions = append(transitions, next.String()) })

	require.NoError(t, m.Connect(context.Background()))
	assert.Equal(t, 2, b.count())
	assert.Len(t, *slept, 1)
	assert.Equal(t, []string{"connecting", "connected"}, transitions)
	assert.Equal(t, 1, b.clients[0].disconnects)

	require.NoError(t, m.Publish("photos/1", []byte("jpeg"), 0, false))
	assert.Len(t, b.last().published, 1)
}

func TestLossWhileRestoringSubscriptionsOnLastAttempt(t *testing.T) {
	b := &fakeBroker{}
	b.onSubscribe = func(c *fakeClient) { c.lose(errors.New("EOF")) }
	m, _ := newManager(t, b, &fakeDialer{}, 1)
	require.NoError(t, m.Subscribe("setup/1", 0, func(string, []byte) {}))

	err := m.Connect(context.Background())
	kind, ok := KindOf(err)
	require.True(t, ok)
	assert.Equal(t, KindNetwork, kind)
	assert.Equal(t, Disconnected, m.State())
	assert.ErrorIs(t, m.Publish("photos/1", []byte("x"), 0, false), ErrNotConnected)
}

func TestDisconnectDuringLossPreventsReconnect(t *testing.T) {
	b := &fakeBroker{}
	m, _ := newManager(t, b, &fakeDialer{}, 1)
	require.NoError(t, m.Connect(context.Background()))

	m.OnStateChange(func(prev, next State, err error) {
		if next == ConnectionLost {
			m.Disconnect()
		}
	})
	b.last().lose(errors.New("EOF"))

	assert.Never(t, func() bool { return b.count() > 1 }, 100*time.Millisecond, 5*time.Millisecond)
	assert.Equal(t, Disconnected, m.State())
}

func TestClosedSessionStaysClosed(t *testing.T) {
	b := &fakeBroker{}
	m, _ := newManager(t, b, &fakeDialer{}, 1)
	require.NoError(t, m.Connect(context.Background()))
	m.Disconnect()

	m.StartReconnect()
	assert.ErrorIs(t, m.Connect(context.Background()), ErrClosed)
	assert.Equal(t, 1, b.count())
	assert.Equal(t, Disconnected, m.State())
}

func TestBackoffDelayBounds(t *testing.T) {
	b := Backoff{MaxAttempts: 5, Initial: 100 * time.Millisecond, Max: time.Second}
	for attempt, ceiling := range []time.Duration{100, 200, 400, 800, 1000, 1000} {
		ceiling *= time.Millisecond
		d := b.Delay(attempt)
		assert.GreaterOrEqual(t, d, ceiling/2, "attempt %d", attempt)
		assert.LessOrEqual(t, d, ceiling, "attempt %d", attempt)
	}
}

func TestClassify(t *testing.T) {
	cases := []struct {
		name    string
		err     error
		dialErr error
		want    Kind
	}{
		{"bad credentials", packets.ErrorRefusedBadUsernameOrPassword, nil, KindAuth},
		{"id rejected", packets.ErrorRefusedIDRejected, nil, KindAuth},
		{"protocol version", packets.ErrorRefusedBadProtocolVersion, nil, KindProtocol},
		{"server unavailable", packets.ErrorRefusedServerUnavailable, nil, KindNetwork},
		{"alert", errors.New("network Error"), errors.New("remote error: tls: bad certificate"), KindTLS},
		{"deadline", errors.New("network Error"), context.DeadlineExceeded, KindTimeout},
		{"refused", errors.New("network Error"), &net.OpError{Op: "dial", Err: errors.New("refused")}, KindNetwork},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, classify(tc.err, tc.dialErr))
		})
	}
}
