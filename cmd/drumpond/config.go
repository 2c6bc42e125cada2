package main

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"time"

	"github.com/raskyld/drumpond"
	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"
)

const (
	ModeRelay = "relay"
	ModeSink  = "sink"
	ModeBoth  = "both"
)

// Config of the daemon. Values come from the YAML file given with
// --config, then from flags explicitly set on the command line.
type Config struct {
	Mode      string `yaml:"mode"`
	Network   string `yaml:"network"`
	RelayAddr string `yaml:"relay_addr"`
	SinkAddr  string `yaml:"sink_addr"`

	TLS TLSConfig `yaml:"tls"`

	// Log is where the daemon writes its own logs.
	Log LogConfig `yaml:"log"`

	// SinkOutput is where the sink writes the records it receives.
	SinkOutput LogConfig `yaml:"sink_output"`

	SendBuffer    uint          `yaml:"send_buffer"`
	ShutdownGrace time.Duration `yaml:"shutdown_grace"`
}

type TLSConfig struct {
	Cert string `yaml:"cert"`
	Key  string `yaml:"key"`
	CA   string `yaml:"ca"`
}

type LogConfig struct {
	Output string `yaml:"output"`
	Name   string `yaml:"name"`
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Dir    string `yaml:"dir"`
	Addr   string `yaml:"addr"`
}

func DefaultConfig() Config {
	return Config{
		Mode:      ModeBoth,
		Network:   drumpond.NetworkTCP,
		RelayAddr: drumpond.DefaultHost + ":" + strconv.Itoa(drumpond.DefaultRelayPort),
		SinkAddr:  drumpond.DefaultHost + ":" + strconv.Itoa(drumpond.DefaultSinkPort),
		Log: LogConfig{
			Output: drumpond.OutputStd,
			Name:   "drumpond",
			Level:  "info",
			Format: "text",
		},
		SinkOutput: LogConfig{
			Output: drumpond.OutputFile,
			Name:   "dplogger",
			Level:  "debug",
			Format: "text",
			Dir:    ".",
		},
		SendBuffer:    256,
		ShutdownGrace: 2 * time.Second,
	}
}

// LoadConfig overlays the YAML file at path on top of the defaults.
func LoadConfig(path string) (Config, error) {
	config := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		return config, fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, &config); err != nil {
		return config, fmt.Errorf("failed to parse config file: %w", err)
	}
	return config, nil
}

// Validate checks that the configuration is valid.
func (c *Config) Validate() error {
	switch c.Mode {
	case ModeRelay, ModeSink, ModeBoth:
	default:
		return fmt.Errorf("unknown mode %q (supported: relay, sink, both)", c.Mode)
	}

	switch c.Network {
	case drumpond.NetworkTCP, drumpond.NetworkUnix:
	case drumpond.NetworkQUIC:
		if c.TLS.Cert == "" || c.TLS.Key == "" {
			return fmt.Errorf("tls.cert and tls.key are required with the quic network")
		}
	default:
		return fmt.Errorf("unknown network %q (supported: tcp, unix, quic)", c.Network)
	}

	if c.Mode != ModeSink && c.RelayAddr == "" {
		return fmt.Errorf("relay_addr is required")
	}
	if c.Mode != ModeRelay && c.SinkAddr == "" {
		return fmt.Errorf("sink_addr is required")
	}

	for name, lc := range map[string]LogConfig{"log": c.Log, "sink_output": c.SinkOutput} {
		if _, err := lc.handlerConfig(); err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
	}
	return nil
}

func (lc LogConfig) handlerConfig() (drumpond.LogConfig, error) {
	var level slog.Level
	if lc.Level != "" {
		if err := level.UnmarshalText([]byte(lc.Level)); err != nil {
			return drumpond.LogConfig{}, fmt.Errorf("invalid level %q: %w", lc.Level, err)
		}
	}

	switch lc.Output {
	case "", drumpond.OutputStd, drumpond.OutputFile, drumpond.OutputSocket:
	default:
		return drumpond.LogConfig{}, fmt.Errorf("unknown output %q (supported: std, file, socket)", lc.Output)
	}

	return drumpond.LogConfig{
		Output: lc.Output,
		Name:   lc.Name,
		Level:  level,
		Format: lc.Format,
		Dir:    lc.Dir,
		Addr:   lc.Addr,
	}, nil
}

// Options translates the configuration shared by the relay, the sink and
// the log shipper.
func (c *Config) Options() ([]drumpond.Option, error) {
	opts := []drumpond.Option{
		drumpond.WithNetwork(c.Network),
		drumpond.WithShutdownGrace(c.ShutdownGrace),
	}

	if c.SendBuffer > 0 {
		opts = append(opts, drumpond.WithSendBuffer(c.SendBuffer))
	}

	if c.TLS.Cert != "" {
		tlsConf, err := c.TLS.load()
		if err != nil {
			return nil, err
		}
		opts = append(opts, drumpond.WithTlsConfig(tlsConf))
	}
	return opts, nil
}

func (tc TLSConfig) load() (*tls.Config, error) {
	cert, err := tls.LoadX509KeyPair(tc.Cert, tc.Key)
	if err != nil {
		return nil, fmt.Errorf("failed to load tls key pair: %w", err)
	}

	conf := &tls.Config{
		Certificates: []tls.Certificate{cert},
	}

	if tc.CA != "" {
		pem, err := os.ReadFile(tc.CA)
		if err != nil {
			return nil, fmt.Errorf("failed to read tls ca: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, errors.New("no certificate found in tls ca")
		}
		conf.RootCAs = pool
		conf.ClientCAs = pool
		conf.ClientAuth = tls.RequireAndVerifyClientCert
	}
	return conf, nil
}

// parseConfig reads the command line. Flags explicitly set win over the
// file given with --config.
func parseConfig(args []string) (Config, error) {
	flagSet := pflag.NewFlagSet("drumpond", pflag.ContinueOnError)
	defaults := DefaultConfig()

	configPath := flagSet.String("config", "", "path to a YAML configuration file")
	mode := flagSet.String("mode", defaults.Mode, "what to run: relay, sink or both")
	network := flagSet.String("network", defaults.Network, "transport: tcp, unix or quic")
	relayAddr := flagSet.String("relay-addr", defaults.RelayAddr, "address of the relay")
	sinkAddr := flagSet.String("sink-addr", defaults.SinkAddr, "address of the log sink")
	logOutput := flagSet.String("log-output", defaults.Log.Output, "where the daemon logs go: std, file or socket")
	logLevel := flagSet.String("log-level", defaults.Log.Level, "minimum level of the daemon logs")
	sinkDir := flagSet.String("sink-dir", defaults.SinkOutput.Dir, "directory of the file written by the sink")
	tlsCert := flagSet.String("tls-cert", "", "certificate to use with quic")
	tlsKey := flagSet.String("tls-key", "", "private key to use with quic")
	tlsCA := flagSet.String("tls-ca", "", "ca to verify peers with quic")

	if err := flagSet.Parse(args); err != nil {
		return defaults, err
	}

	if rest := flagSet.Args(); len(rest) > 0 {
		return defaults, fmt.Errorf("unexpected argument: %s", rest[0])
	}

	config := defaults
	if *configPath != "" {
		loaded, err := LoadConfig(*configPath)
		if err != nil {
			return defaults, err
		}
		config = loaded
	}

	overrides := map[string]func(){
		"mode":       func() { config.Mode = *mode },
		"network":    func() { config.Network = *network },
		"relay-addr": func() { config.RelayAddr = *relayAddr },
		"sink-addr":  func() { config.SinkAddr = *sinkAddr },
		"log-output": func() { config.Log.Output = *logOutput },
		"log-level":  func() { config.Log.Level = *logLevel },
		"sink-dir":   func() { config.SinkOutput.Dir = *sinkDir },
		"tls-cert":   func() { config.TLS.Cert = *tlsCert },
		"tls-key":    func() { config.TLS.Key = *tlsKey },
		"tls-ca":     func() { config.TLS.CA = *tlsCA },
	}
	flagSet.Visit(func(f *pflag.Flag) {
		if override, ok := overrides[f.Name]; ok {
			override()
		}
	})

	// ship to our own sink unless told otherwise.
	if config.Log.Output == drumpond.OutputSocket && config.Log.Addr == "" {
		config.Log.Addr = config.SinkAddr
	}

	if err := config.Validate(); err != nil {
		return config, err
	}
	return config, nil
}
