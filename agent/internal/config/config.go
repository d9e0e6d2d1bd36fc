package config

import (
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Device struct {
	ID    int    `yaml:"id"`
	Label string `yaml:"label"`
}

type Broker struct {
	Host           string        `yaml:"host"`
	Port           int           `yaml:"port"`
	ClientIDPrefix string        `yaml:"client_id_prefix"`
	CleanSession   bool          `yaml:"clean_session"`
	KeepAlive      time.Duration `yaml:"keep_alive"`
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
	PublishTimeout time.Duration `yaml:"publish_timeout"`
}

type TLS struct {
	CAFile     string `yaml:"ca_file"`
	CertFile   string `yaml:"cert_file"`
	KeyFile    string `yaml:"key_file"`
	PKCS12File string `yaml:"pkcs12_file"`
	Passphrase string `yaml:"-"`
	CertDir    string `yaml:"cert_dir"`
	MinVersion string `yaml:"min_version"`
	ServerName string `yaml:"server_name"`
}

type Retry struct {
	MaxAttempts int           `yaml:"max_attempts"`
	Initial     time.Duration `yaml:"initial"`
	Max         time.Duration `yaml:"max"`
}

type Capture struct {
	Interval time.Duration `yaml:"interval"`
	Timeout  time.Duration `yaml:"timeout"`
	Source   string        `yaml:"source"`
	Command  []string      `yaml:"command"`
	SpoolDir string        `yaml:"spool_dir"`
}

type Publish struct {
	QueueSize int `yaml:"queue_size"`
	Workers   int `yaml:"workers"`
}

type Log struct {
	Path  string `yaml:"path"`
	Level string `yaml:"level"`
	JSON  bool   `yaml:"json"`
}

type Journal struct {
	Path      string `yaml:"path"`
	MaxEvents int    `yaml:"max_events"`
}

type Control struct {
	Addr string `yaml:"addr"`
}

type AppConfig struct {
	Device  Device  `yaml:"device"`
	Broker  Broker  `yaml:"broker"`
	TLS     TLS     `yaml:"tls"`
	Retry   Retry   `yaml:"retry"`
	Capture Capture `yaml:"capture"`
	Publish Publish `yaml:"publish"`
	Log     Log     `yaml:"log"`
	Journal Journal `yaml:"journal"`
	Control Control `yaml:"control"`
}

const (
	SourceExec  = "exec"
	SourceSpool = "spool"
)

var cfg AppConfig

// Init reads path (when it exists) over the built-in defaults; SNAPSTREAM_* environment
// variables override both, e.g. SNAPSTREAM_BROKER_HOST.
func Init(path string) (AppConfig, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	v.SetEnvPrefix("snapstream")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) && !errors.Is(err, fs.ErrNotExist) {
				return AppConfig{}, fmt.Errorf("read config: %w", err)
			}
		}
	}

	c := AppConfig{
		Device: Device{
			ID:    v.GetInt("device.id"),
			Label: v.GetString("device.label"),
		},
		Broker: Broker{
			Host:           v.GetString("broker.host"),
			Port:           v.GetInt("broker.port"),
			ClientIDPrefix: v.GetString("broker.client_id_prefix"),
			CleanSession:   v.GetBool("broker.clean_session"),
			KeepAlive:      v.GetDuration("broker.keep_alive"),
			ConnectTimeout: v.GetDuration("broker.connect_timeout"),
			PublishTimeout: v.GetDuration("broker.publish_timeout"),
		},
		TLS: TLS{
			CAFile:     v.GetString("tls.ca_file"),
			CertFile:   v.GetString("tls.cert_file"),
			KeyFile:    v.GetString("tls.key_file"),
			PKCS12File: v.GetString("tls.pkcs12_file"),
			Passphrase: v.GetString("tls.passphrase"),
			CertDir:    v.GetString("tls.cert_dir"),
			MinVersion: v.GetString("tls.min_version"),
			ServerName: v.GetString("tls.server_name"),
		},
		Retry: Retry{
			MaxAttempts: v.GetInt("retry.max_attempts"),
			Initial:     v.GetDuration("retry.initial"),
			Max:         v.GetDuration("retry.max"),
		},
		Capture: Capture{
			Interval: v.GetDuration("capture.interval"),
			Timeout:  v.GetDuration("capture.timeout"),
			Source:   strings.ToLower(v.GetString("capture.source")),
			Command:  v.GetStringSlice("capture.command"),
			SpoolDir: v.GetString("capture.spool_dir"),
		},
		Publish: Publish{
			QueueSize: v.GetInt("publish.queue_size"),
			Workers:   v.GetInt("publish.workers"),
		},
		Log: Log{
			Path:  v.GetString("log.path"),
			Level: v.GetString("log.level"),
			JSON:  v.GetBool("log.json"),
		},
		Journal: Journal{
			Path:      v.GetString("journal.path"),
			MaxEvents: v.GetInt("journal.max_events"),
		},
		Control: Control{
			Addr: v.GetString("control.addr"),
		},
	}
	normalizeTLSPaths(&c.TLS)

	if err := c.Validate(); err != nil {
		return AppConfig{}, err
	}
	cfg = c
	return c, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("device.id", 0)
	v.SetDefault("device.label", "")
	v.SetDefault("broker.host", "127.0.0.1")
	v.SetDefault("broker.port", 8883)
	v.SetDefault("broker.client_id_prefix", "snapstream")
	v.SetDefault("broker.clean_session", true)
	v.SetDefault("broker.keep_alive", 30*time.Second)
	v.SetDefault("broker.connect_timeout", 10*time.Second)
	v.SetDefault("broker.publish_timeout", 10*time.Second)
	v.SetDefault("tls.ca_file", "ca.pem")
	v.SetDefault("tls.cert_file", "client.pem")
	v.SetDefault("tls.key_file", "client-key.pem")
	v.SetDefault("tls.min_version", "1.2")
	v.SetDefault("retry.max_attempts", 5)
	v.SetDefault("retry.initial", 500*time.Millisecond)
	v.SetDefault("retry.max", 30*time.Second)
	v.SetDefault("capture.interval", 5*time.Second)
	v.SetDefault("capture.timeout", 3*time.Second)
	v.SetDefault("capture.source", SourceExec)
	v.SetDefault("capture.command", []string{"libcamera-still", "-n", "-t", "1", "-e", "jpg", "-o", "-"})
	v.SetDefault("publish.queue_size", 1)
	v.SetDefault("publish.workers", 1)
	v.SetDefault("log.level", "info")
	v.SetDefault("journal.max_events", 1000)
	v.SetDefault("control.addr", "127.0.0.1:8088")
}

// normalizeTLSPaths resolves relative credential paths against CertDir.
func normalizeTLSPaths(t *TLS) {
	if t.CertDir == "" {
		return
	}
	for _, p := range []*string{&t.CAFile, &t.CertFile, &t.KeyFile, &t.PKCS12File} {
		if *p != "" && !filepath.IsAbs(*p) {
			*p = filepath.Join(t.CertDir, *p)
		}
	}
}

// Validate rejects values the agent cannot run with.
func (c AppConfig) Validate() error {
	var errs []error
	if c.Device.ID < 0 || c.Device.ID > 0xFFFF {
		errs = append(errs, fmt.Errorf("device.id %d out of range 0..65535", c.Device.ID))
	}
	if strings.TrimSpace(c.Broker.Host) == "" {
		errs = append(errs, errors.New("broker.host is required"))
	}
	if c.Broker.Port <= 0 || c.Broker.Port > 65535 {
		errs = append(errs, fmt.Errorf("broker.port %d out of range", c.Broker.Port))
	}
	if c.TLS.CAFile == "" {
		errs = append(errs, errors.New("tls.ca_file is required"))
	}
	if c.TLS.PKCS12File == "" && (c.TLS.CertFile == "" || c.TLS.KeyFile == "") {
		errs = append(errs, errors.New("tls.cert_file and tls.key_file are required without tls.pkcs12_file"))
	}
	if c.Retry.MaxAttempts < 1 {
		errs = append(errs, errors.New("retry.max_attempts must be at least 1"))
	}
	if c.Capture.Interval <= 0 {
		errs = append(errs, errors.New("capture.interval must be positive"))
	}
	switch c.Capture.Source {
	case SourceExec:
		if len(c.Capture.Command) == 0 {
			errs = append(errs, errors.New("capture.command is required for the exec source"))
		}
	case SourceSpool:
		if c.Capture.SpoolDir == "" {
			errs = append(errs, errors.New("capture.spool_dir is required for the spool source"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown capture.source %q", c.Capture.Source))
	}
	if c.Publish.QueueSize < 1 || c.Publish.Workers < 1 {
		errs = append(errs, errors.New("publish.queue_size and publish.workers must be at least 1"))
	}
	return errors.Join(errs...)
}

func Get() AppConfig { return cfg }

func (b Broker) Addr() string { return fmt.Sprintf("%s:%d", b.Host, b.Port) }

func (b Broker) URL() string { return fmt.Sprintf("ssl://%s:%d", b.Host, b.Port) }
