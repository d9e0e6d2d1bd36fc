// Package publisher moves captured frames to the broker off the capture path.
package publisher

//go:generate mockgen -destination=mock_sink.go -package=publisher snapstream/agent/internal/publisher Sink

import (
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"
)

// Sink is the outbound side of the broker session.
type Sink interface {
	Publish(topic string, payload []byte, qos byte, retain bool) error
}

type Message struct {
	Topic   string
	Payload []byte
	QoS     byte
	Retain  bool
	// Origin labels the trigger ("periodic", "manual") for logs.
	Origin string
}

type Stats struct {
	Submitted uint64 `json:"submitted"`
	Published uint64 `json:"published"`
	Dropped   uint64 `json:"dropped"`
	Failed    uint64 `json:"failed"`
}

// Queue is a bounded buffer drained by a fixed set of workers. Submit never
// blocks: when the buffer is full the new message is dropped.
type Queue struct {
	sink    Sink
	workers int
	log     zerolog.Logger

	mu      sync.RWMutex
	ch      chan Message
	started bool
	stopped bool
	wg      sync.WaitGroup

	submitted atomic.Uint64
	published atomic.Uint64
	dropped   atomic.Uint64
	failed    atomic.Uint64

	onResult func(Message, error)
}

func New(sink Sink, size, workers int, log zerolog.Logger) *Queue {
	if size < 1 {
		size = 1
	}
	if workers < 1 {
		workers = 1
	}
	return &Queue{
		sink:    sink,
		workers: workers,
		log:     log,
		ch:      make(chan Message, size),
	}
}

// OnResult registers fn, called by a worker after each publish attempt.
// Must be set before Start.
func (q *Queue) OnResult(fn func(Message, error)) { q.onResult = fn }

func (q *Queue) Start() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.started || q.stopped {
		return
	}
	q.started = true
	for i := 0; i < q.workers; i++ {
		q.wg.Add(1)
		go q.worker(i)
	}
}

// Submit enqueues msg and reports whether it was accepted.
func (q *Queue) Submit(msg Message) bool {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.stopped {
		return false
	}
	q.submitted.Add(1)
	select {
	case q.ch <- msg:
		return true
	default:
		q.dropped.Add(1)
		q.log.Warn().Str("topic", msg.Topic).Str("origin", msg.Origin).Int("bytes", len(msg.Payload)).Msg("publish queue full, frame dropped")
		return false
	}
}

// Stop rejects new messages, lets workers drain what is queued and waits.
func (q *Queue) Stop() {
	q.mu.Lock()
	if q.stopped {
		q.mu.Unlock()
		return
	}
	q.stopped = true
	close(q.ch)
	started := q.started
	q.mu.Unlock()

	if started {
		q.wg.Wait()
	}
}

func (q *Queue) Stats() Stats {
	return Stats{
		Submitted: q.submitted.Load(),
		Published: q.published.Load(),
		Dropped:   q.dropped.Load(),
		Failed:    q.failed.Load(),
	}
}

func (q *Queue) worker(id int) {
	defer q.wg.Done()
	for msg := range q.ch {
		err := q.sink.Publish(msg.Topic, msg.Payload, msg.QoS, msg.Retain)
		if err != nil {
			q.failed.Add(1)
			q.log.Error().Err(err).Int("worker", id).Str("topic", msg.Topic).Str("origin", msg.Origin).Msg("publish failed")
		} else {
			q.published.Add(1)
			q.log.Debug().Int("worker", id).Str("topic", msg.Topic).Str("origin", msg.Origin).Int("bytes", len(msg.Payload)).Msg("frame published")
		}
		if q.onResult != nil {
			q.onResult(msg, err)
		}
	}
}
