package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInitDefaultsWithoutFile(t *testing.T) {
	c, err := Init(filepath.Join(t.TempDir(), "missing.yaml"))
	require.NoError(t, err)

	assert.Equal(t, 8883, c.Broker.Port)
	assert.True(t, c.Broker.CleanSession)
	assert.Equal(t, 5*time.Second, c.Capture.Interval)
	assert.Equal(t, SourceExec, c.Capture.Source)
	assert.Equal(t, 1, c.Publish.QueueSize)
	assert.Equal(t, "ssl://127.0.0.1:8883", c.Broker.URL())
}

func TestInitReadsYAMLAndResolvesCertDir(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "agent.yaml")
	yaml := `
device:
  label: "Pixel 7"
broker:
  host: broker.local
  clean_session: false
tls:
  cert_dir: /etc/snapstream
  ca_file: ca.crt
capture:
  source: spool
  spool_dir: /var/spool/frames
  interval: 2s
`
	require.NoError(t, os.WriteFile(path, []byte(yaml), 0o600))

	c, err := Init(path)
	require.NoError(t, err)

	assert.Equal(t, "Pixel 7", c.Device.Label)
	assert.Equal(t, "broker.local", c.Broker.Host)
	assert.False(t, c.Broker.CleanSession)
	assert.Equal(t, "/etc/snapstream/ca.crt", c.TLS.CAFile)
	assert.Equal(t, "/etc/snapstream/client.pem", c.TLS.CertFile)
	assert.Equal(t, SourceSpool, c.Capture.Source)
	assert.Equal(t, 2*time.Second, c.Capture.Interval)
	assert.Equal(t, c, Get())
}

func TestInitEnvOverride(t *testing.T) {
	t.Setenv("SNAPSTREAM_BROKER_PORT", "18883")

	c, err := Init("")
	require.NoError(t, err)
	assert.Equal(t, 18883, c.Broker.Port)
}

func TestValidate(t *testing.T) {
	base, err := Init("")
	require.NoError(t, err)

	tests := []struct {
		name   string
		mutate func(*AppConfig)
	}{
		{"device id out of range", func(c *AppConfig) { c.Device.ID = 70000 }},
		{"empty broker host", func(c *AppConfig) { c.Broker.Host = " " }},
		{"missing key without pkcs12", func(c *AppConfig) { c.TLS.KeyFile = "" }},
		{"zero interval", func(c *AppConfig) { c.Capture.Interval = 0 }},
		{"unknown source", func(c *AppConfig) { c.Capture.Source = "rtsp" }},
		{"spool without dir", func(c *AppConfig) { c.Capture.Source = SourceSpool }},
		{"no workers", func(c *AppConfig) { c.Publish.Workers = 0 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := base
			tt.mutate(&c)
			assert.Error(t, c.Validate())
		})
	}

	pk := base
	pk.TLS.KeyFile = ""
	pk.TLS.PKCS12File = "identity.p12"
	assert.NoError(t, pk.Validate())
}
