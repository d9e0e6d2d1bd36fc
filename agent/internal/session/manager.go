package session

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog"
)

type State int

const (
	Disconnected State = iota
	Connecting
	Connected
	ConnectionLost
	Reconnecting
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case ConnectionLost:
		return "connection_lost"
	case Reconnecting:
		return "reconnecting"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Dialer opens an authenticated channel to the broker. *mtls.Factory implements it.
type Dialer interface {
	Dial(ctx context.Context, host string, port int) (net.Conn, error)
}

// Handler receives inbound messages on a subscribed topic.
type Handler func(topic string, payload []byte)

// Listener is notified on every state change. err is set for failures and losses.
type Listener func(prev, next State, err error)

// Will is published by the broker when the session ends without a disconnect.
type Will struct {
	Topic   string
	Payload string
}

type Options struct {
	Host           string
	Port           int
	ClientID       string
	CleanSession   bool
	KeepAlive      time.Duration
	ConnectTimeout time.Duration
	PublishTimeout time.Duration
	Retry          Backoff
	Will           *Will
}

type subscription struct {
	topic   string
	qos     byte
	handler Handler
}

// Manager owns the broker session: one MQTT client at a time, created over a
// channel from the Dialer. It reconnects on its own after a loss.
type Manager struct {
	opts   Options
	dialer Dialer
	log    zerolog.Logger

	newClient func(*mqtt.ClientOptions) mqtt.Client
	sleep     func(context.Context, time.Duration) error

	mu        sync.Mutex
	client    mqtt.Client
	pending   mqtt.Client
	closed    bool
	state     State
	subs      []subscription
	listeners []Listener
	lastDial  error

	reconnecting    bool
	cancelReconnect context.CancelFunc
	wg              sync.WaitGroup
}

func New(opts Options, dialer Dialer, log zerolog.Logger) *Manager {
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = 10 * time.Second
	}
	if opts.PublishTimeout <= 0 {
		opts.PublishTimeout = 10 * time.Second
	}
	opts.Retry = opts.Retry.normalized()
	return &Manager{
		opts:      opts,
		dialer:    dialer,
		log:       log,
		newClient: mqtt.NewClient,
		sleep:     sleepContext,
	}
}

func (m *Manager) Broker() string { return "ssl://" + net.JoinHostPort(m.opts.Host, strconv.Itoa(m.opts.Port)) }

func (m *Manager) ClientID() string { return m.opts.ClientID }

func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

func (m *Manager) IsConnected() bool { return m.State() == Connected }

// OnStateChange registers fn. Listeners run synchronously on the goroutine
// that caused the change and must not block.
func (m *Manager) OnStateChange(fn Listener) {
	m.mu.Lock()
	m.listeners = append(m.listeners, fn)
	m.mu.Unlock()
}

// Connect establishes the session, retrying with backoff up to
// Retry.MaxAttempts. Authentication failures are not retried. A manager
// that has been disconnected cannot connect again.
func (m *Manager) Connect(ctx context.Context) error {
	m.mu.Lock()
	closed := m.closed
	m.mu.Unlock()
	if closed {
		return ErrClosed
	}
	m.setState(Connecting, nil)

	var lastErr error
	for attempt := 0; attempt < m.opts.Retry.MaxAttempts; attempt++ {
		m.log.Info().Str("broker", m.Broker()).Int("attempt", attempt+1).Msg("connecting to broker")

		err := m.attempt(ctx, attempt+1)
		if err == nil {
			return nil
		}
		lastErr = err
		m.log.Error().Err(err).Int("attempt", attempt+1).Msg("broker connection failed")

		var ce *ConnectError
		if errors.Is(err, ErrClosed) || errors.As(err, &ce) && !ce.Retryable() {
			break
		}
		if ctx.Err() != nil || attempt+1 >= m.opts.Retry.MaxAttempts {
			break
		}
		delay := m.opts.Retry.Delay(attempt)
		m.log.Info().Dur("delay", delay).Msg("retrying broker connection")
		if err := m.sleep(ctx, delay); err != nil {
			break
		}
	}

	m.setState(Disconnected, lastErr)
	return lastErr
}

// StartReconnect runs a background loop that retries until connected or
// Disconnect is called. It is a no-op while a loop is already running and
// after Disconnect.
func (m *Manager) StartReconnect() {
	m.mu.Lock()
	if m.closed || m.reconnecting || m.state == Connected {
		m.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	m.reconnecting = true
	m.cancelReconnect = cancel
	m.wg.Add(1)
	m.mu.Unlock()

	go m.reconnectLoop(ctx)
}

func (m *Manager) reconnectLoop(ctx context.Context) {
	defer m.wg.Done()
	defer func() {
		m.mu.Lock()
		m.reconnecting = false
		m.cancelReconnect = nil
		m.mu.Unlock()
	}()

	for attempt := 0; ; attempt++ {
		if ctx.Err() != nil {
			return
		}
		m.setState(Reconnecting, nil)
		err := m.attempt(ctx, attempt+1)
		if err == nil {
			m.log.Info().Int("attempt", attempt+1).Msg("broker connection restored")
			return
		}
		if ctx.Err() != nil || errors.Is(err, ErrClosed) {
			return
		}
		delay := m.opts.Retry.Delay(attempt)
		m.log.Warn().Err(err).Int("attempt", attempt+1).Dur("delay", delay).Msg("reconnect failed")
		if err := m.sleep(ctx, delay); err != nil {
			return
		}
	}
}

// attempt opens one client and restores subscriptions on it. The client only
// becomes the session's client, and the state Connected, if it is still open
// once setup is done; a loss during setup fails the attempt.
func (m *Manager) attempt(ctx context.Context, n int) error {
	m.mu.Lock()
	m.lastDial = nil
	subs := append([]subscription(nil), m.subs...)
	m.mu.Unlock()

	client := m.newClient(m.clientOptions(ctx))
	tok := client.Connect()

	timer := time.NewTimer(m.opts.ConnectTimeout)
	defer timer.Stop()
	select {
	case <-tok.Done():
	case <-timer.C:
		client.Disconnect(0)
		return m.connectError(n, KindTimeout, context.DeadlineExceeded)
	case <-ctx.Done():
		client.Disconnect(0)
		return m.connectError(n, KindTimeout, ctx.Err())
	}

	if err := tok.Error(); err != nil {
		m.mu.Lock()
		dialErr := m.lastDial
		m.mu.Unlock()
		cause := err
		if dialErr != nil {
			cause = dialErr
		}
		return m.connectError(n, classify(err, dialErr), cause)
	}

	m.mu.Lock()
	m.pending = client
	m.mu.Unlock()

	for _, s := range subs {
		if err := m.subscribe(client, s); err != nil {
			m.dropPending(client)
			client.Disconnect(0)
			return m.connectError(n, KindProtocol, err)
		}
	}

	m.mu.Lock()
	switch {
	case m.closed:
		m.dropPendingLocked(client)
		m.mu.Unlock()
		client.Disconnect(0)
		return ErrClosed
	case m.pending != client || !client.IsConnectionOpen():
		m.dropPendingLocked(client)
		m.mu.Unlock()
		client.Disconnect(0)
		return m.connectError(n, KindNetwork, errLostDuringSetup)
	}
	m.pending = nil
	m.client = client
	prev, listeners, changed := m.swapStateLocked(Connected, nil)
	m.mu.Unlock()

	if changed {
		notify(listeners, prev, Connected, nil)
	}
	return nil
}

func (m *Manager) dropPending(c mqtt.Client) {
	m.mu.Lock()
	m.dropPendingLocked(c)
	m.mu.Unlock()
}

func (m *Manager) dropPendingLocked(c mqtt.Client) {
	if m.pending == c {
		m.pending = nil
	}
}

func (m *Manager) connectError(n int, kind Kind, err error) error {
	return &ConnectError{Kind: kind, Broker: m.Broker(), Attempt: n, Err: err}
}

func (m *Manager) clientOptions(ctx context.Context) *mqtt.ClientOptions {
	o := mqtt.NewClientOptions()
	o.AddBroker(m.Broker())
	o.SetClientID(m.opts.ClientID)
	o.SetCleanSession(m.opts.CleanSession)
	o.SetKeepAlive(m.opts.KeepAlive)
	o.SetConnectTimeout(m.opts.ConnectTimeout)
	o.SetAutoReconnect(false)
	o.SetConnectRetry(false)
	o.SetOrderMatters(false)
	if m.opts.Will != nil {
		o.SetWill(m.opts.Will.Topic, m.opts.Will.Payload, 0, false)
	}
	o.SetCustomOpenConnectionFn(func(uri *url.URL, _ mqtt.ClientOptions) (net.Conn, error) {
		port, err := strconv.Atoi(uri.Port())
		if err != nil {
			return nil, fmt.Errorf("broker port %q: %w", uri.Port(), err)
		}
		conn, err := m.dialer.Dial(ctx, uri.Hostname(), port)
		if err != nil {
			m.mu.Lock()
			m.lastDial = err
			m.mu.Unlock()
			return nil, err
		}
		return conn, nil
	})
	o.SetConnectionLostHandler(m.handleConnectionLost)
	return o
}

func (m *Manager) handleConnectionLost(c mqtt.Client, err error) {
	m.mu.Lock()
	if m.pending == c {
		// attempt sees the client is gone and fails.
		m.pending = nil
		m.mu.Unlock()
		return
	}
	if m.client != c || m.closed {
		m.mu.Unlock()
		return
	}
	m.client = nil
	m.mu.Unlock()

	m.log.Warn().Err(err).Msg("broker connection lost")
	m.setState(ConnectionLost, err)
	m.StartReconnect()
}

// Subscribe records the subscription and applies it now when connected. It is
// restored on every reconnect.
func (m *Manager) Subscribe(topic string, qos byte, handler Handler) error {
	s := subscription{topic: topic, qos: qos, handler: handler}

	m.mu.Lock()
	replaced := false
	for i := range m.subs {
		if m.subs[i].topic == topic {
			m.subs[i] = s
			replaced = true
		}
	}
	if !replaced {
		m.subs = append(m.subs, s)
	}
	client := m.client
	m.mu.Unlock()

	if client == nil {
		return nil
	}
	return m.subscribe(client, s)
}

func (m *Manager) subscribe(client mqtt.Client, s subscription) error {
	tok := client.Subscribe(s.topic, s.qos, func(_ mqtt.Client, msg mqtt.Message) {
		s.handler(msg.Topic(), msg.Payload())
	})
	if !tok.WaitTimeout(m.opts.PublishTimeout) {
		return fmt.Errorf("subscribe %s: %w", s.topic, ErrPublishTimeout)
	}
	if err := tok.Error(); err != nil {
		return fmt.Errorf("subscribe %s: %w", s.topic, err)
	}
	m.log.Debug().Str("topic", s.topic).Msg("subscribed")
	return nil
}

// Publish sends payload and waits for the client to hand it off.
func (m *Manager) Publish(topic string, payload []byte, qos byte, retain bool) error {
	m.mu.Lock()
	client := m.client
	m.mu.Unlock()
	if client == nil || !client.IsConnectionOpen() {
		return ErrNotConnected
	}

	tok := client.Publish(topic, qos, retain, payload)
	if !tok.WaitTimeout(m.opts.PublishTimeout) {
		return fmt.Errorf("publish %s: %w", topic, ErrPublishTimeout)
	}
	if err := tok.Error(); err != nil {
		return fmt.Errorf("publish %s: %w", topic, err)
	}
	return nil
}

// Disconnect stops any reconnect loop and closes the session for good.
func (m *Manager) Disconnect() {
	m.mu.Lock()
	m.closed = true
	cancel := m.cancelReconnect
	client := m.client
	m.client = nil
	m.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	m.wg.Wait()

	if client != nil {
		client.Disconnect(250)
		m.log.Info().Msg("disconnected from broker")
	}
	m.setState(Disconnected, nil)
}

func (m *Manager) setState(next State, err error) {
	m.mu.Lock()
	prev, listeners, changed := m.swapStateLocked(next, err)
	m.mu.Unlock()

	if changed {
		notify(listeners, prev, next, err)
	}
}

func (m *Manager) swapStateLocked(next State, err error) (State, []Listener, bool) {
	prev := m.state
	if prev == next && err == nil {
		return prev, nil, false
	}
	m.state = next
	return prev, m.listeners, true
}

func notify(listeners []Listener, prev, next State, err error) {
	for _, fn := range listeners {
		fn(prev, next, err)
	}
}
