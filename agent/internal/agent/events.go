package agent

import (
	"errors"
	"fmt"
	"time"

	"snapstream/agent/internal/capture"
	"snapstream/agent/internal/command"
	"snapstream/agent/internal/journal"
	"snapstream/agent/internal/protocol"
	"snapstream/agent/internal/publisher"
	"snapstream/agent/internal/session"
	"snapstream/agent/internal/state"
)

// Notice is the single user-facing notification. Every notice is logged,
// written to the journal and fanned out to subscribers.
type Notice struct {
	Time    time.Time
	Kind    string
	Message string
	Err     error
}

func (n Notice) String() string {
	if n.Err != nil {
		return fmt.Sprintf("%s: %v", n.Message, n.Err)
	}
	return n.Message
}

// Subscribe registers fn for every notice and returns a function that removes it.
// fn runs on the goroutine that raised the notice and must not block.
func (a *Agent) Subscribe(fn func(Notice)) (cancel func()) {
	a.mu.Lock()
	id := a.nextSub
	a.nextSub++
	a.subscribers[id] = fn
	a.mu.Unlock()
	return func() {
		a.mu.Lock()
		delete(a.subscribers, id)
		a.mu.Unlock()
	}
}

func (a *Agent) notify(kind, msg string, err error) {
	n := Notice{Time: time.Now(), Kind: kind, Message: msg, Err: err}

	ev := a.log.Info()
	if err != nil || kind == journal.KindError {
		ev = a.log.Warn()
	}
	ev.Str("kind", kind).Err(err).Msg(msg)

	if jerr := a.journal.Record(kind, n.String()); jerr != nil {
		a.log.Warn().Err(jerr).Msg("journal write failed")
	}

	a.mu.Lock()
	subs := make([]func(Notice), 0, len(a.subscribers))
	for _, fn := range a.subscribers {
		subs = append(subs, fn)
	}
	a.mu.Unlock()
	for _, fn := range subs {
		fn(n)
	}
}

func (a *Agent) onSessionState(prev, next session.State, err error) {
	switch next {
	case session.Connected:
		a.notify(journal.KindSession, "connected to "+a.session.Broker(), nil)
		a.announce()
	case session.ConnectionLost:
		a.notify(journal.KindSession, "connection lost", err)
	case session.Disconnected:
		if err != nil {
			a.notify(journal.KindSession, "connection failed", err)
		} else if prev != session.Disconnected {
			a.notify(journal.KindSession, "disconnected", nil)
		}
	case session.Reconnecting:
		if prev != session.Reconnecting {
			a.notify(journal.KindSession, "reconnecting", nil)
		}
	}
}

// announce registers the device and marks it online. It runs on every
// (re)connect so the backend relearns a device after a broker restart.
func (a *Agent) announce() {
	if err := a.session.Publish(protocol.RegisterTopic(a.id), []byte(a.label), protocol.QoSAtMostOnce, false); err != nil {
		a.notify(journal.KindError, "registration publish failed", err)
		return
	}
	if a.scheduler != nil && a.scheduler.Paused() {
		return
	}
	a.publishStatus(protocol.StatusConnected)
}

func (a *Agent) publishStatus(status string) {
	if err := a.session.Publish(protocol.StatusTopic(a.id), []byte(status), protocol.QoSAtMostOnce, false); err != nil {
		if !errors.Is(err, session.ErrNotConnected) {
			a.notify(journal.KindError, "status publish failed", err)
		}
		return
	}
	a.log.Debug().Str("status", status).Msg("status published")
}

func (a *Agent) onModeState(prev, next state.Snapshot, cause string) {
	a.notify(journal.KindState, fmt.Sprintf("%s (%s)", next, cause), nil)
}

func (a *Agent) onCommand(res command.Result) {
	a.notify(journal.KindCommand, fmt.Sprintf("%q %s", res.Command, res.Outcome), nil)
}

func (a *Agent) onCapture(res capture.Result) {
	switch {
	case errors.Is(res.Err, capture.ErrNoNewFrame):
	case res.Err != nil:
		a.notify(journal.KindCapture, string(res.Origin)+" capture failed", res.Err)
	case !res.Queued:
		a.notify(journal.KindCapture, string(res.Origin)+" frame dropped, publish queue full", nil)
	case res.Origin == capture.OriginManual:
		a.notify(journal.KindCapture, fmt.Sprintf("manual frame queued (%d bytes)", res.Bytes), nil)
	}
}

func (a *Agent) onPublish(msg publisher.Message, err error) {
	if err != nil {
		a.notify(journal.KindCapture, "publish to "+msg.Topic+" failed", err)
	}
}
