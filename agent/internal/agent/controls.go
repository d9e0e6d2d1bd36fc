package agent

import (
	"context"
	"time"

	"snapstream/agent/internal/capture"
	"snapstream/agent/internal/journal"
	"snapstream/agent/internal/protocol"
	"snapstream/agent/internal/publisher"
	"snapstream/agent/internal/session"
	"snapstream/agent/internal/state"
)

// Status is a point-in-time view for the console and the control API.
type Status struct {
	DeviceID     uint16          `json:"device_id"`
	Label        string          `json:"label"`
	Mode         string          `json:"mode"`
	Transmitting bool            `json:"transmitting"`
	AutoCapture  bool            `json:"auto_capture"`
	Paused       bool            `json:"paused"`
	Session      string          `json:"session"`
	Broker       string          `json:"broker"`
	PhotosTopic  string          `json:"photos_topic"`
	Queue        publisher.Stats `json:"queue"`
	StartedAt    time.Time       `json:"started_at"`
}

func (a *Agent) Status() Status {
	snap := a.machine.Snapshot()
	st := Status{
		DeviceID:     uint16(a.id),
		Label:        a.label,
		Mode:         snap.Mode.String(),
		Transmitting: snap.Transmitting,
		AutoCapture:  snap.AutoCaptureAllowed(),
		Session:      session.Disconnected.String(),
		PhotosTopic:  protocol.PhotosTopic(a.id),
	}
	a.mu.Lock()
	st.StartedAt = a.startedAt
	a.mu.Unlock()
	if a.session != nil {
		st.Session = a.session.State().String()
		st.Broker = a.session.Broker()
	}
	if a.queue != nil {
		st.Queue = a.queue.Stats()
	}
	if a.scheduler != nil {
		st.Paused = a.scheduler.Paused()
	}
	return st
}

func (a *Agent) ToggleTransmission() state.Snapshot { return a.machine.ToggleTransmission() }

func (a *Agent) ToggleMode() state.Snapshot { return a.machine.ToggleMode() }

// TriggerCapture queues a manual capture on the capture loop.
func (a *Agent) TriggerCapture() error {
	if a.scheduler == nil {
		return ErrNotStarted
	}
	a.scheduler.TriggerManual()
	return nil
}

// CaptureNow runs a manual capture on the caller's goroutine.
func (a *Agent) CaptureNow(ctx context.Context) (capture.Result, error) {
	if a.scheduler == nil {
		return capture.Result{}, ErrNotStarted
	}
	return a.scheduler.CaptureManual(ctx), nil
}

// Pause stops periodic captures and marks the device offline. The session
// stays up so commands and manual captures keep working.
func (a *Agent) Pause() error {
	if a.scheduler == nil {
		return ErrNotStarted
	}
	if !a.scheduler.Pause() {
		return nil
	}
	a.publishStatus(protocol.StatusDisconnected)
	a.notify(journal.KindLifecycle, "paused", nil)
	return nil
}

func (a *Agent) Resume() error {
	if a.scheduler == nil {
		return ErrNotStarted
	}
	if !a.scheduler.Resume() {
		return nil
	}
	a.publishStatus(protocol.StatusConnected)
	a.notify(journal.KindLifecycle, "resumed", nil)
	return nil
}

// RecentEvents returns journal entries, newest first.
func (a *Agent) RecentEvents(limit int) ([]journal.Event, error) {
	return a.journal.Recent(limit)
}
