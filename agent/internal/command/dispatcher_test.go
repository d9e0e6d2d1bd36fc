package command

import (
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"snapstream/agent/internal/protocol"
	"snapstream/agent/internal/state"
)

func newDispatcher(t *testing.T) (*Dispatcher, *state.Machine) {
	t.Helper()
	m := state.New()
	return NewDispatcher(protocol.DeviceID(9), m, zerolog.Nop()), m
}

func TestStartManualIsIdempotent(t *testing.T) {
	d, m := newDispatcher(t)

	res := d.HandleMessage("setup/9", []byte("start manual"))
	require.Equal(t, Applied, res.Outcome)
	assert.Equal(t, state.ModeManual, m.Snapshot().Mode)

	res = d.HandleMessage("setup/9", []byte("start manual"))
	assert.Equal(t, Unchanged, res.Outcome)
	assert.Equal(t, state.ModeManual, m.Snapshot().Mode)
}

func TestStartLiveRestoresAutoCapture(t *testing.T) {
	d, m := newDispatcher(t)
	m.ToggleTransmission()
	d.HandleMessage("setup/9", []byte("start manual"))
	assert.False(t, m.Snapshot().AutoCaptureAllowed())

	res := d.HandleMessage("setup/9", []byte("start live\n"))
	require.Equal(t, Applied, res.Outcome)
	assert.True(t, res.Snapshot.AutoCaptureAllowed())
}

func TestCommandsDoNotTouchTransmission(t *testing.T) {
	d, m := newDispatcher(t)
	d.HandleMessage("setup/9", []byte("start manual"))
	d.HandleMessage("setup/9", []byte("start live"))
	assert.False(t, m.Snapshot().Transmitting)
}

func TestUnknownInputIsDropped(t *testing.T) {
	d, m := newDispatcher(t)
	before := m.Snapshot()

	var results []Result
	d.OnResult(func(r Result) { results = append(results, r) })

	for _, tc := range []struct{ topic, payload string }{
		{"setup/9", "start turbo"},
		{"setup/9", ""},
		{"setup/9", "START MANUAL"},
		{"setup/10", "start manual"},
		{protocol.LegacyImageTopic, "start manual"},
	} {
		res := d.HandleMessage(tc.topic, []byte(tc.payload))
		assert.Equal(t, Ignored, res.Outcome, "%s %q", tc.topic, tc.payload)
	}
	assert.Equal(t, before, m.Snapshot())
	assert.Empty(t, results)
}

func TestCustomRegistry(t *testing.T) {
	d, m := newDispatcher(t)
	r := DefaultRegistry()
	r.Register("toggle", func(m *state.Machine) (state.Snapshot, bool) { return m.ToggleTransmission(), true })
	d.WithRegistry(r)

	assert.Equal(t, []string{"start live", "start manual", "toggle"}, d.Commands())
	res := d.HandleMessage(d.Topic(), []byte(" toggle "))
	assert.Equal(t, Applied, res.Outcome)
	assert.True(t, m.Snapshot().Transmitting)
}
