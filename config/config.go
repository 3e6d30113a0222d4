// Package config loads the YAML configuration shared by providers and
// callers, and turns it into the options of the other packages.
//
//	coord:
//	  address: 127.0.0.1:2379,127.0.0.1:22379
//	  sessionTimeout: 15000   # ms
//	  connectTimeout: 5000    # ms
//	root: /curryx
//	selector: roundrobin      # random | roundrobin | weighted | consistenthash
//	codec: json               # json | binary
//	encryption:
//	  enabled: true
//	  key: "8bytekey"
//	call:
//	  timeout: 3000           # ms
//	  retries: 0
//	frame:
//	  maxSize: 16777216
//	server:
//	  host: 127.0.0.1         # advertised host
//	  port: 9001
//	  weight: 1
//	log:
//	  level: info
//	metrics:
//	  address: 127.0.0.1:9100
package config

import (
	"bytes"
	"io"
	"os"
	"path"
	"strings"
	"time"

	"curryx/codec"
	"curryx/loadbalance"
	"curryx/protocol"
	"curryx/registry"

	"github.com/pkg/errors"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Coord      Coord      `yaml:"coord"`
	Root       string     `yaml:"root"`
	Selector   string     `yaml:"selector"`
	Codec      string     `yaml:"codec"`
	Encryption Encryption `yaml:"encryption"`
	Call       Call       `yaml:"call"`
	Frame      Frame      `yaml:"frame"`
	Server     Server     `yaml:"server"`
	Log        Log        `yaml:"log"`
	Metrics    Metrics    `yaml:"metrics"`
}

type Coord struct {
	Address        string `yaml:"address"`        // host:port[,host:port...]
	SessionTimeout int    `yaml:"sessionTimeout"` // ms
	ConnectTimeout int    `yaml:"connectTimeout"` // ms
}

// Encryption has no default key: a deployment that enables it must supply one.
type Encryption struct {
	Enabled bool   `yaml:"enabled"`
	Key     string `yaml:"key"`
}

type Call struct {
	Timeout int `yaml:"timeout"` // ms
	Retries int `yaml:"retries"` // Pre-send retries
}

type Frame struct {
	MaxSize uint32 `yaml:"maxSize"`
}

type Server struct {
	Host   string `yaml:"host"`
	Port   int    `yaml:"port"`
	Weight int    `yaml:"weight"`
}

type Log struct {
	Level string `yaml:"level"`
}

type Metrics struct {
	Address string `yaml:"address"` // Empty disables the endpoint
}

// Default returns the configuration used for every key a file leaves out.
func Default() *Config {
	return &Config{
		Coord: Coord{
			Address:        "127.0.0.1:2379",
			SessionTimeout: 15000,
			ConnectTimeout: 5000,
		},
		Root:     "/curryx",
		Selector: "roundrobin",
		Codec:    "json",
		Call:     Call{Timeout: 3000},
		Frame:    Frame{MaxSize: protocol.DefaultMaxFrameSize},
		Server:   Server{Host: "127.0.0.1", Port: 9001, Weight: registry.DefaultWeight},
		Log:      Log{Level: "info"},
	}
}

// Load reads and validates the file at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "config: read")
	}
	return Parse(data)
}

// Parse decodes YAML over the defaults and validates the result. Unknown keys
// are rejected.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && err != io.EOF {
		return nil, errors.Wrap(err, "config: parse")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	if len(c.Addresses()) == 0 {
		return errors.New("config: coord.address is empty")
	}
	if c.Coord.SessionTimeout <= 0 || c.Coord.ConnectTimeout <= 0 {
		return errors.New("config: coord timeouts must be positive")
	}
	if !path.IsAbs(c.Root) || (c.Root != "/" && strings.HasSuffix(c.Root, "/")) {
		return errors.Errorf("config: root %q must be an absolute path without trailing slash", c.Root)
	}
	if _, err := loadbalance.New(c.Selector); err != nil {
		return errors.Wrap(err, "config")
	}
	if _, err := codec.ParseCodecType(c.Codec); err != nil {
		return errors.Wrap(err, "config")
	}
	if c.Encryption.Enabled && len(c.Encryption.Key) != 8 {
		return errors.Errorf("config: encryption.key must be 8 bytes, got %d", len(c.Encryption.Key))
	}
	if c.Call.Timeout <= 0 {
		return errors.New("config: call.timeout must be positive")
	}
	if c.Call.Retries < 0 {
		return errors.New("config: call.retries must not be negative")
	}
	if c.Frame.MaxSize == 0 {
		return errors.New("config: frame.maxSize must be positive")
	}
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return errors.Errorf("config: server.port %d out of range", c.Server.Port)
	}
	if c.Server.Weight < 1 {
		return errors.New("config: server.weight must be at least 1")
	}
	if _, err := zapcore.ParseLevel(c.Log.Level); err != nil {
		return errors.Wrap(err, "config: log.level")
	}
	return nil
}

// Addresses splits coord.address.
func (c *Config) Addresses() []string {
	var out []string
	for _, a := range strings.Split(c.Coord.Address, ",") {
		if a = strings.TrimSpace(a); a != "" {
			out = append(out, a)
		}
	}
	return out
}

func ms(n int) time.Duration {
	return time.Duration(n) * time.Millisecond
}

func (c *Config) CallTimeout() time.Duration {
	return ms(c.Call.Timeout)
}

// EtcdConfig returns the coordinator settings.
func (c *Config) EtcdConfig(logger *zap.Logger) registry.EtcdConfig {
	return registry.EtcdConfig{
		Endpoints:      c.Addresses(),
		Root:           c.Root,
		SessionTimeout: ms(c.Coord.SessionTimeout),
		ConnectTimeout: ms(c.Coord.ConnectTimeout),
		Logger:         logger,
	}
}

// ProtocolOptions returns the codec, cipher and frame limit both peers use.
func (c *Config) ProtocolOptions() (protocol.Options, error) {
	ct, err := codec.ParseCodecType(c.Codec)
	if err != nil {
		return protocol.Options{}, err
	}
	opts := protocol.Options{Codec: codec.GetCodec(ct), MaxFrameSize: c.Frame.MaxSize}
	if c.Encryption.Enabled {
		cipher, err := codec.NewDESCipher([]byte(c.Encryption.Key))
		if err != nil {
			return protocol.Options{}, errors.Wrap(err, "config: encryption.key")
		}
		opts.Cipher = cipher
	}
	return opts, nil
}

func (c *Config) Balancer() (loadbalance.Balancer, error) {
	return loadbalance.New(c.Selector)
}

// Logger builds a production zap logger at log.level.
func (c *Config) Logger() (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(c.Log.Level)
	if err != nil {
		return nil, errors.Wrap(err, "config: log.level")
	}
	zc := zap.NewProductionConfig()
	zc.Level = zap.NewAtomicLevelAt(level)
	return zc.Build()
}
