package session

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"net"
	"strings"

	"github.com/eclipse/paho.mqtt.golang/packets"
)

var (
	ErrNotConnected   = errors.New("session not connected")
	ErrPublishTimeout = errors.New("publish not acknowledged in time")
	ErrClosed         = errors.New("session closed")

	errLostDuringSetup = errors.New("connection lost while restoring subscriptions")
)

type Kind int

const (
	KindNetwork Kind = iota
	KindTLS
	KindAuth
	KindTimeout
	KindProtocol
)

func (k Kind) String() string {
	switch k {
	case KindNetwork:
		return "network"
	case KindTLS:
		return "tls"
	case KindAuth:
		return "auth"
	case KindTimeout:
		return "timeout"
	case KindProtocol:
		return "protocol"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// ConnectError is returned when a session could not be established.
type ConnectError struct {
	Kind    Kind
	Broker  string
	Attempt int
	Err     error
}

func (e *ConnectError) Error() string {
	return fmt.Sprintf("connect %s (attempt %d): %s: %v", e.Broker, e.Attempt, e.Kind, e.Err)
}

func (e *ConnectError) Unwrap() error { return e.Err }

// Retryable reports whether another attempt could succeed without operator action.
func (e *ConnectError) Retryable() bool { return e.Kind != KindAuth }

// KindOf returns the ConnectError kind in err's chain.
func KindOf(err error) (Kind, bool) {
	var ce *ConnectError
	if errors.As(err, &ce) {
		return ce.Kind, true
	}
	return 0, false
}

// classify inspects the MQTT-level error and, when the channel never opened,
// the dial error recorded by the open-connection hook.
func classify(err, dialErr error) Kind {
	switch {
	case errors.Is(err, packets.ErrorRefusedNotAuthorised),
		errors.Is(err, packets.ErrorRefusedBadUsernameOrPassword),
		errors.Is(err, packets.ErrorRefusedIDRejected):
		return KindAuth
	case errors.Is(err, packets.ErrorRefusedBadProtocolVersion),
		errors.Is(err, packets.ErrorProtocolViolation):
		return KindProtocol
	}
	if dialErr != nil {
		err = dialErr
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}
	if isTLS(err) {
		return KindTLS
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return KindTimeout
	}
	if dialErr != nil || errors.As(err, &ne) || errors.Is(err, packets.ErrorRefusedServerUnavailable) {
		return KindNetwork
	}
	return KindProtocol
}

func isTLS(err error) bool {
	var (
		verify   *tls.CertificateVerificationError
		record   tls.RecordHeaderError
		unknown  x509.UnknownAuthorityError
		invalid  x509.CertificateInvalidError
		hostname x509.HostnameError
	)
	switch {
	case errors.As(err, &verify), errors.As(err, &record), errors.As(err, &unknown),
		errors.As(err, &invalid), errors.As(err, &hostname):
		return true
	}
	// Alerts from the broker (for example a rejected client certificate) are unexported.
	return strings.Contains(err.Error(), "tls:")
}
