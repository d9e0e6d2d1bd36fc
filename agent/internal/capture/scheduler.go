package capture

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"snapstream/agent/internal/protocol"
	"snapstream/agent/internal/publisher"
	"snapstream/agent/internal/state"
)

type Origin string

const (
	OriginPeriodic Origin = "periodic"
	OriginManual   Origin = "manual"
)

// Submitter accepts frames for asynchronous publish. *publisher.Queue implements it.
type Submitter interface {
	Submit(msg publisher.Message) bool
}

// Result reports one capture attempt.
type Result struct {
	Origin Origin
	Bytes  int
	Queued bool
	Err    error
}

type Options struct {
	Interval time.Duration
	Timeout  time.Duration
}

// Scheduler drives the periodic and manual triggers. Periodic captures run only
// in Live mode with transmission on; manual captures always run.
type Scheduler struct {
	camera  Camera
	machine *state.Machine
	out     Submitter
	topic   string
	opts    Options
	log     zerolog.Logger

	manual   chan struct{}
	paused   atomic.Bool
	onResult func(Result)
}

func NewScheduler(camera Camera, machine *state.Machine, out Submitter, id protocol.DeviceID, opts Options, log zerolog.Logger) *Scheduler {
	if opts.Interval <= 0 {
		opts.Interval = 5 * time.Second
	}
	if opts.Timeout <= 0 {
		opts.Timeout = opts.Interval
	}
	return &Scheduler{
		camera:  camera,
		machine: machine,
		out:     out,
		topic:   protocol.PhotosTopic(id),
		opts:    opts,
		log:     log,
		manual:  make(chan struct{}, 1),
	}
}

// OnResult registers fn for every attempt. Must be set before Run.
func (s *Scheduler) OnResult(fn func(Result)) { s.onResult = fn }

// Pause suspends periodic captures. Manual captures still run.
// Pause suspends periodic ticks. It reports whether the scheduler was running.
func (s *Scheduler) Pause() bool { return s.paused.CompareAndSwap(false, true) }

// Resume reports whether the scheduler was paused.
func (s *Scheduler) Resume() bool { return s.paused.CompareAndSwap(true, false) }

func (s *Scheduler) Paused() bool { return s.paused.Load() }

// TriggerManual requests a capture from the Run loop. Requests made while one
// is already waiting are coalesced.
func (s *Scheduler) TriggerManual() {
	select {
	case s.manual <- struct{}{}:
	default:
	}
}

// Run blocks until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.opts.Interval)
	defer ticker.Stop()

	s.log.Info().Dur("interval", s.opts.Interval).Str("topic", s.topic).Msg("capture scheduler started")
	for {
		select {
		case <-ctx.Done():
			s.log.Info().Msg("capture scheduler stopped")
			return
		case <-ticker.C:
			s.Tick(ctx)
		case <-s.manual:
			s.CaptureManual(ctx)
		}
	}
}

// Tick is one periodic trigger. It reports whether a capture was attempted.
func (s *Scheduler) Tick(ctx context.Context) bool {
	if s.paused.Load() {
		return false
	}
	snap := s.machine.Snapshot()
	if !snap.AutoCaptureAllowed() {
		s.log.Debug().Stringer("state", snap).Msg("periodic capture skipped")
		return false
	}
	s.captureAndSubmit(ctx, OriginPeriodic)
	return true
}

// CaptureManual captures and submits one frame regardless of mode and flags.
func (s *Scheduler) CaptureManual(ctx context.Context) Result {
	return s.captureAndSubmit(ctx, OriginManual)
}

func (s *Scheduler) captureAndSubmit(ctx context.Context, origin Origin) Result {
	res := Result{Origin: origin}

	cctx, cancel := context.WithTimeout(ctx, s.opts.Timeout)
	frame, err := s.camera.Capture(cctx)
	cancel()
	if err != nil {
		res.Err = err
		if errors.Is(err, ErrNoNewFrame) {
			s.log.Debug().Str("origin", string(origin)).Msg("no new frame")
		} else {
			s.log.Error().Err(err).Str("origin", string(origin)).Msg("capture failed")
		}
		s.report(res)
		return res
	}

	res.Bytes = len(frame)
	res.Queued = s.out.Submit(publisher.Message{
		Topic:   s.topic,
		Payload: frame,
		QoS:     protocol.QoSAtMostOnce,
		Origin:  string(origin),
	})
	s.log.Debug().Str("origin", string(origin)).Int("bytes", res.Bytes).Bool("queued", res.Queued).Msg("frame captured")
	s.report(res)
	return res
}

func (s *Scheduler) report(res Result) {
	if s.onResult != nil {
		s.onResult(res)
	}
}
