package command

import (
	"sort"

	"github.com/rs/zerolog"

	"snapstream/agent/internal/protocol"
	"snapstream/agent/internal/state"
)

type Outcome int

const (
	// Ignored covers unknown payloads and foreign topics.
	Ignored Outcome = iota
	Unchanged
	Applied
)

func (o Outcome) String() string {
	switch o {
	case Applied:
		return "applied"
	case Unchanged:
		return "unchanged"
	default:
		return "ignored"
	}
}

// Result describes what a single inbound message did.
type Result struct {
	Command  string
	Outcome  Outcome
	Snapshot state.Snapshot
}

// Dispatcher routes messages from the command topic to registry handlers.
type Dispatcher struct {
	topic    string
	machine  *state.Machine
	registry Registry
	log      zerolog.Logger
	onResult func(Result)
}

func NewDispatcher(id protocol.DeviceID, machine *state.Machine, log zerolog.Logger) *Dispatcher {
	return &Dispatcher{
		topic:    protocol.CommandTopic(id),
		machine:  machine,
		registry: DefaultRegistry(),
		log:      log,
	}
}

// WithRegistry replaces the recognized-command table.
func (d *Dispatcher) WithRegistry(r Registry) *Dispatcher {
	d.registry = r
	return d
}

// OnResult registers fn for every recognized command.
func (d *Dispatcher) OnResult(fn func(Result)) { d.onResult = fn }

func (d *Dispatcher) Topic() string { return d.topic }

// Commands returns the recognized payloads, sorted.
func (d *Dispatcher) Commands() []string {
	names := d.registry.Names()
	sort.Strings(names)
	return names
}

// HandleMessage is the session's inbound callback. Unknown payloads are not
// errors; they are logged at debug level and dropped.
func (d *Dispatcher) HandleMessage(topic string, payload []byte) Result {
	if topic != d.topic {
		if protocol.IsDeprecatedTopic(topic) {
			d.log.Warn().Str("topic", topic).Msg("message on deprecated topic dropped")
		} else {
			d.log.Debug().Str("topic", topic).Msg("message on unexpected topic dropped")
		}
		return Result{Outcome: Ignored}
	}

	cmd := normalize(string(payload))
	h, ok := d.registry.Get(cmd)
	if !ok {
		d.log.Debug().Str("payload", cmd).Msg("unknown command dropped")
		return Result{Command: cmd, Outcome: Ignored}
	}

	snap, changed := h(d.machine)
	res := Result{Command: cmd, Outcome: Unchanged, Snapshot: snap}
	if changed {
		res.Outcome = Applied
	}
	d.log.Info().Str("command", cmd).Str("outcome", res.Outcome.String()).Stringer("state", snap).Msg("command received")
	if d.onResult != nil {
		d.onResult(res)
	}
	return res
}
