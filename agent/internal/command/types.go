package command

import (
	"strings"

	"snapstream/agent/internal/protocol"
	"snapstream/agent/internal/state"
)

// Handler applies one recognized command to the machine and reports whether
// the state changed.
type Handler func(m *state.Machine) (state.Snapshot, bool)

// Registry maps a command payload to its handler.
type Registry map[string]Handler

func (r Registry) Register(payload string, h Handler) { r[normalize(payload)] = h }

func (r Registry) Get(payload string) (Handler, bool) {
	h, ok := r[normalize(payload)]
	return h, ok
}

// Names lists registered payloads; used for help output.
func (r Registry) Names() []string {
	names := make([]string, 0, len(r))
	for n := range r {
		names = append(names, n)
	}
	return names
}

// DefaultRegistry holds the two mode commands.
func DefaultRegistry() Registry {
	r := Registry{}
	r.Register(protocol.CommandStartManual, setMode(state.ModeManual))
	r.Register(protocol.CommandStartLive, setMode(state.ModeLive))
	return r
}

func setMode(mode state.Mode) Handler {
	return func(m *state.Machine) (state.Snapshot, bool) {
		return m.SetMode(mode, "command "+mode.String())
	}
}

func normalize(payload string) string { return strings.TrimSpace(payload) }
