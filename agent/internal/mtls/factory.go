package mtls

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"snapstream/agent/internal/credentials"
)

var (
	// ErrFactoryClosed is returned by Dial after Close.
	ErrFactoryClosed = errors.New("secure channel factory closed")
	// ErrUnsupportedVersion is returned for min versions other than 1.2 and 1.3.
	ErrUnsupportedVersion = errors.New("unsupported TLS version")
)

const defaultHandshakeTimeout = 10 * time.Second

type Options struct {
	// MinVersion defaults to TLS 1.2.
	MinVersion uint16
	// ServerName overrides SNI and the name verified in the broker certificate.
	// When empty the dialed host is used.
	ServerName       string
	HandshakeTimeout time.Duration
}

// Factory creates mutually authenticated TLS channels. The trust store holds
// only the bundle's CA; system roots are never consulted.
type Factory struct {
	mu      sync.RWMutex
	cfg     *tls.Config
	timeout time.Duration
}

// Build assembles the trust and identity stores from b. It fails before any
// network activity when material is missing or the key does not match.
func Build(b *credentials.Bundle, opts Options) (*Factory, error) {
	if err := b.Validate(); err != nil {
		return nil, err
	}

	trust := x509.NewCertPool()
	trust.AddCert(b.CA)

	identity := tls.Certificate{
		Certificate: b.ChainDER(),
		PrivateKey:  b.PrivateKey,
		Leaf:        b.Certificate,
	}

	minVersion := opts.MinVersion
	if minVersion == 0 {
		minVersion = tls.VersionTLS12
	}
	timeout := opts.HandshakeTimeout
	if timeout <= 0 {
		timeout = defaultHandshakeTimeout
	}

	return &Factory{
		cfg: &tls.Config{
			RootCAs:      trust,
			Certificates: []tls.Certificate{identity},
			ServerName:   opts.ServerName,
			MinVersion:   minVersion,
		},
		timeout: timeout,
	}, nil
}

// Config returns a copy of the TLS configuration.
func (f *Factory) Config() (*tls.Config, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if f.cfg == nil {
		return nil, ErrFactoryClosed
	}
	return f.cfg.Clone(), nil
}

// Dial opens a new secure channel to host:port and completes the handshake.
func (f *Factory) Dial(ctx context.Context, host string, port int) (net.Conn, error) {
	cfg, err := f.Config()
	if err != nil {
		return nil, err
	}
	if cfg.ServerName == "" {
		cfg.ServerName = host
	}
	d := &tls.Dialer{
		NetDialer: &net.Dialer{Timeout: f.timeout},
		Config:    cfg,
	}
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, f.timeout)
		defer cancel()
	}
	conn, err := d.DialContext(ctx, "tcp", net.JoinHostPort(host, strconv.Itoa(port)))
	if err != nil {
		return nil, fmt.Errorf("dial %s:%d: %w", host, port, err)
	}
	return conn, nil
}

// Close drops the key material. Channels already open are not affected.
func (f *Factory) Close() {
	f.mu.Lock()
	f.cfg = nil
	f.mu.Unlock()
}

// ParseMinVersion maps "1.2" and "1.3" to tls constants; empty means 1.2.
func ParseMinVersion(s string) (uint16, error) {
	switch strings.TrimPrefix(strings.ToLower(strings.TrimSpace(s)), "tls") {
	case "", "1.2", "12":
		return tls.VersionTLS12, nil
	case "1.3", "13":
		return tls.VersionTLS13, nil
	default:
		return 0, fmt.Errorf("%w: %q", ErrUnsupportedVersion, s)
	}
}
