package nanotube

import (
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/apex/log"
	"github.com/segmentio/encoding/json"
	"gopkg.in/yaml.v3"

	"github.com/segmentio/nanotube/udp"
)

// DefaultPort is the port metrics are sent to when none is configured.
const DefaultPort = udp.DefaultPort

// Config carries the settings of a client publishing metrics.
//
// Configurations can be loaded from JSON or YAML files with LoadConfig, the
// field names follow the ones of the nanoTubePublishing configuration
// section.
type Config struct {
	// Host is the name or IP address of the collector, it is required.
	Host string `json:"hostNameOrAddress" yaml:"hostNameOrAddress"`

	// Port of the collector, defaults to 8125.
	Port int `json:"port,omitempty" yaml:"port,omitempty"`

	// Prefix is prepended to every metric key, followed by a dot.
	Prefix string `json:"prefixKey,omitempty" yaml:"prefixKey,omitempty"`

	// Format is the wire protocol of the collector, it is required.
	Format Format `json:"format" yaml:"format"`

	// Strict makes clients return the errors raised while sending metrics,
	// which are otherwise logged and discarded.
	Strict bool `json:"throwExceptions,omitempty" yaml:"throwExceptions,omitempty"`

	// PacketSize is the maximum size of the datagrams, defaults to 512.
	PacketSize int `json:"packetSize,omitempty" yaml:"packetSize,omitempty"`

	// PoolSize is the maximum number of sends in flight, defaults to 30.
	PoolSize int `json:"poolSize,omitempty" yaml:"poolSize,omitempty"`

	// PacketsPerBatch is the number of datagrams per send when streaming,
	// defaults to 10.
	PacketsPerBatch int `json:"packetsPerBatch,omitempty" yaml:"packetsPerBatch,omitempty"`

	// ResolveTimeout bounds host name lookups, defaults to 2s.
	ResolveTimeout time.Duration `json:"-" yaml:"-"`

	// Logger receives the errors that are discarded, defaults to the
	// apex/log package logger.
	Logger log.Interface `json:"-" yaml:"-"`
}

func setConfigDefaults(config Config) Config {
	if config.Port == 0 {
		config.Port = DefaultPort
	}
	return config
}

// Validate checks that config can be used to create a client.
func (config Config) Validate() error {
	if strings.TrimSpace(config.Host) == "" {
		return ErrInvalidArgument.New("host name or address cannot be empty")
	}

	if config.Port < 0 || config.Port > 65535 {
		return ErrInvalidArgument.New("invalid port number: %d", config.Port)
	}

	if !ValidPrefix(config.Prefix) {
		return ErrInvalidArgument.New("prefix key contains invalid characters: %q", config.Prefix)
	}

	if config.Format != StatsD && config.Format != StatSite {
		return ErrInvalidArgument.New("metric format is required")
	}

	if config.PacketSize < 0 || config.PoolSize < 0 || config.PacketsPerBatch < 0 {
		return ErrInvalidArgument.New("packet size, pool size and batch size cannot be negative")
	}

	return nil
}

// Addr returns the host:port address of the collector.
func (config Config) Addr() string {
	config = setConfigDefaults(config)
	return net.JoinHostPort(config.Host, strconv.Itoa(config.Port))
}

func (config Config) messenger() udp.Config {
	return udp.Config{
		Host:            config.Host,
		Port:            config.Port,
		PacketSize:      config.PacketSize,
		PoolSize:        config.PoolSize,
		PacketsPerBatch: config.PacketsPerBatch,
		Strict:          config.Strict,
		ResolveTimeout:  config.ResolveTimeout,
		Logger:          config.Logger,
	}
}

// LoadConfig reads a configuration from the JSON or YAML file at path, the
// encoding is picked from the file extension.
func LoadConfig(path string) (Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, ErrInvalidArgument.Wrap(err, "reading configuration file")
	}
	return ParseConfig(b, filepath.Ext(path))
}

// ParseConfig decodes and validates a configuration. The ext argument is the
// extension of the file it came from, ".json", ".yaml" or ".yml".
func ParseConfig(b []byte, ext string) (Config, error) {
	var config Config
	var err error

	switch strings.ToLower(ext) {
	case ".json":
		err = json.Unmarshal(b, &config)
	case ".yaml", ".yml":
		err = yaml.Unmarshal(b, &config)
	default:
		return Config{}, ErrInvalidArgument.New("unsupported configuration file extension: %q", ext)
	}

	if err != nil {
		return Config{}, ErrInvalidArgument.Wrap(err, "decoding configuration")
	}

	config = setConfigDefaults(config)
	if err := config.Validate(); err != nil {
		return Config{}, err
	}

	return config, nil
}
