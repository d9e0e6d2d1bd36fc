// Package agent wires the capture pipeline to the broker session and owns the
// process lifecycle.
package agent

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"snapstream/agent/internal/capture"
	"snapstream/agent/internal/command"
	"snapstream/agent/internal/config"
	"snapstream/agent/internal/credentials"
	"snapstream/agent/internal/journal"
	"snapstream/agent/internal/logger"
	"snapstream/agent/internal/mtls"
	"snapstream/agent/internal/protocol"
	"snapstream/agent/internal/publisher"
	"snapstream/agent/internal/session"
	"snapstream/agent/internal/state"
)

const certExpiryWarning = 30 * 24 * time.Hour

var (
	ErrAlreadyStarted = errors.New("agent already started")
	ErrNotStarted     = errors.New("agent not started")
)

// Session is the broker connection as the agent uses it. *session.Manager implements it.
type Session interface {
	Connect(ctx context.Context) error
	StartReconnect()
	Subscribe(topic string, qos byte, handler session.Handler) error
	Publish(topic string, payload []byte, qos byte, retain bool) error
	Disconnect()
	OnStateChange(fn session.Listener)
	State() session.State
	Broker() string
}

// Deps overrides pieces normally built from configuration.
type Deps struct {
	Bundle  *credentials.Bundle
	Session Session
	Camera  capture.Camera
	Journal *journal.Journal
}

type Agent struct {
	cfg   config.AppConfig
	deps  Deps
	id    protocol.DeviceID
	label string
	log   zerolog.Logger

	machine    *state.Machine
	journal    *journal.Journal
	factory    *mtls.Factory
	session    Session
	queue      *publisher.Queue
	camera     capture.Camera
	scheduler  *capture.Scheduler
	dispatcher *command.Dispatcher

	mu          sync.Mutex
	started     bool
	startedAt   time.Time
	subscribers map[int]func(Notice)
	nextSub     int

	cancel   context.CancelFunc
	wg       sync.WaitGroup
	stopOnce sync.Once
}

// New prepares an agent. No files are read and no connections are made until Start.
func New(cfg config.AppConfig, deps Deps) *Agent {
	id := protocol.DeviceID(cfg.Device.ID)
	if !id.Valid() {
		id = protocol.NewDeviceID()
	}
	label := cfg.Device.Label
	if label == "" {
		host, err := os.Hostname()
		if err != nil || host == "" {
			host = "device"
		}
		label = fmt.Sprintf("%s-%s", host, id)
	}
	return &Agent{
		cfg:         cfg,
		deps:        deps,
		id:          id,
		label:       label,
		log:         logger.WithComponent("agent").With().Stringer("device", id).Logger(),
		machine:     state.New(),
		subscribers: make(map[int]func(Notice)),
	}
}

func (a *Agent) DeviceID() protocol.DeviceID { return a.id }

func (a *Agent) Label() string { return a.label }

// Machine exposes the mode state for in-process observers.
func (a *Agent) Machine() *state.Machine { return a.machine }

// Start loads credentials, builds the secure channel factory, connects and
// starts the capture loop. Credential errors are fatal. A failed connection
// is not: the session keeps retrying in the background. On any error the
// partially started agent is shut down before returning.
func (a *Agent) Start(ctx context.Context) (err error) {
	a.mu.Lock()
	if a.started {
		a.mu.Unlock()
		return ErrAlreadyStarted
	}
	a.started = true
	a.startedAt = time.Now()
	a.mu.Unlock()

	defer func() {
		if err != nil {
			a.shutdown()
		}
	}()

	if err = a.openJournal(); err != nil {
		return err
	}
	a.notify(journal.KindLifecycle, fmt.Sprintf("starting as %s (%s)", a.id, a.label), nil)

	bundle, err := a.loadCredentials()
	if err != nil {
		a.notify(journal.KindError, "credentials rejected", err)
		return fmt.Errorf("load credentials: %w", err)
	}
	a.log.Info().Str("bundle", bundle.Summary()).Msg("credentials loaded")
	if bundle.ExpiresWithin(certExpiryWarning) {
		a.notify(journal.KindError, "client or CA certificate expires within 30 days", nil)
	}

	minVersion, err := mtls.ParseMinVersion(a.cfg.TLS.MinVersion)
	if err != nil {
		return err
	}
	a.factory, err = mtls.Build(bundle, mtls.Options{
		MinVersion:       minVersion,
		ServerName:       a.cfg.TLS.ServerName,
		HandshakeTimeout: a.cfg.Broker.ConnectTimeout,
	})
	if err != nil {
		a.notify(journal.KindError, "secure channel setup failed", err)
		return fmt.Errorf("build tls context: %w", err)
	}

	a.session = a.deps.Session
	if a.session == nil {
		a.session = session.New(a.sessionOptions(), a.factory, logger.WithComponent("session"))
	}
	a.session.OnStateChange(a.onSessionState)
	a.machine.Observe(a.onModeState)

	a.dispatcher = command.NewDispatcher(a.id, a.machine, logger.WithComponent("command"))
	a.dispatcher.OnResult(a.onCommand)
	if err = a.session.Subscribe(a.dispatcher.Topic(), protocol.QoSAtMostOnce, func(topic string, payload []byte) {
		a.dispatcher.HandleMessage(topic, payload)
	}); err != nil {
		return fmt.Errorf("subscribe commands: %w", err)
	}

	a.queue = publisher.New(a.session, a.cfg.Publish.QueueSize, a.cfg.Publish.Workers, logger.WithComponent("publisher"))
	a.queue.OnResult(a.onPublish)
	a.queue.Start()

	if a.camera, err = a.newCamera(); err != nil {
		return fmt.Errorf("camera: %w", err)
	}
	a.scheduler = capture.NewScheduler(a.camera, a.machine, a.queue, a.id, capture.Options{
		Interval: a.cfg.Capture.Interval,
		Timeout:  a.cfg.Capture.Timeout,
	}, logger.WithComponent("capture"))
	a.scheduler.OnResult(a.onCapture)

	if cerr := a.session.Connect(ctx); cerr != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		a.notify(journal.KindSession, "initial connection failed, retrying in background", cerr)
		a.session.StartReconnect()
	}

	runCtx, cancel := context.WithCancel(context.Background())
	a.cancel = cancel
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		a.scheduler.Run(runCtx)
	}()

	a.notify(journal.KindLifecycle, "started", nil)
	return nil
}

// Stop shuts down in order: capture loop, publish queue, presence message,
// session, key material, journal. It returns early if ctx expires first.
func (a *Agent) Stop(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		a.shutdown()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (a *Agent) shutdown() {
	a.stopOnce.Do(func() {
		if a.cancel != nil {
			a.cancel()
			a.wg.Wait()
		}
		if a.queue != nil {
			a.queue.Stop()
		}
		if a.session != nil {
			if a.session.State() == session.Connected {
				a.publishStatus(protocol.StatusDisconnected)
			}
			a.session.Disconnect()
		}
		if a.factory != nil {
			a.factory.Close()
		}
		if c, ok := a.camera.(io.Closer); ok {
			if err := c.Close(); err != nil {
				a.log.Warn().Err(err).Msg("camera close failed")
			}
		}
		a.notify(journal.KindLifecycle, "stopped", nil)
		if err := a.journal.Close(); err != nil {
			a.log.Warn().Err(err).Msg("journal close failed")
		}
	})
}

func (a *Agent) openJournal() error {
	if a.deps.Journal != nil {
		a.journal = a.deps.Journal
		return nil
	}
	j, err := journal.Open(a.cfg.Journal.Path, a.cfg.Journal.MaxEvents)
	if err != nil {
		return err
	}
	a.journal = j
	return nil
}

func (a *Agent) loadCredentials() (*credentials.Bundle, error) {
	if a.deps.Bundle != nil {
		return a.deps.Bundle, a.deps.Bundle.Validate()
	}
	return LoadCredentials(a.cfg.TLS)
}

// LoadCredentials reads the bundle named by the TLS section. A PKCS#12
// identity store takes precedence over the PEM key pair.
func LoadCredentials(t config.TLS) (*credentials.Bundle, error) {
	if t.PKCS12File != "" {
		return credentials.LoadPKCS12Files(t.CAFile, t.PKCS12File, t.Passphrase)
	}
	return credentials.LoadFiles(t.CAFile, t.CertFile, t.KeyFile)
}

func (a *Agent) sessionOptions() session.Options {
	b := a.cfg.Broker
	return session.Options{
		Host:           b.Host,
		Port:           b.Port,
		ClientID:       ClientID(b.ClientIDPrefix, a.id),
		CleanSession:   b.CleanSession,
		KeepAlive:      b.KeepAlive,
		ConnectTimeout: b.ConnectTimeout,
		PublishTimeout: b.PublishTimeout,
		Retry: session.Backoff{
			MaxAttempts: a.cfg.Retry.MaxAttempts,
			Initial:     a.cfg.Retry.Initial,
			Max:         a.cfg.Retry.Max,
		},
		Will: &session.Will{
			Topic:   protocol.StatusTopic(a.id),
			Payload: protocol.StatusDisconnected,
		},
	}
}

// ClientID is unique per process so that two agents never share a session.
func ClientID(prefix string, id protocol.DeviceID) string {
	if prefix == "" {
		prefix = "snapstream"
	}
	return fmt.Sprintf("%s-%s-%s", prefix, id, uuid.NewString()[:8])
}

func (a *Agent) newCamera() (capture.Camera, error) {
	if a.deps.Camera != nil {
		return a.deps.Camera, nil
	}
	switch a.cfg.Capture.Source {
	case config.SourceSpool:
		return capture.NewSpoolCamera(a.cfg.Capture.SpoolDir, logger.WithComponent("spool"))
	default:
		return capture.NewExecCamera(a.cfg.Capture.Command)
	}
}
