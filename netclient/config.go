package netclient

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/cyberinferno/go-netcode/logger"
	"github.com/cyberinferno/go-netcode/netcode"
	"github.com/cyberinferno/go-netcode/reliable"
)

// DefaultBandwidthSmoothingFactor is the EMA weight used when the
// configuration leaves the smoothing factor zero.
const DefaultBandwidthSmoothingFactor = 0.1

// Config holds a session's connection configuration: the channel set, the
// bandwidth smoothing factor, and the timing parameters passed through to the
// two sub-layers.
type Config struct {
	// Channels is the reliable transport's channel set.
	Channels []reliable.ChannelConfig `yaml:"channels"`
	// BandwidthSmoothingFactor is the EMA weight for the bandwidth metrics,
	// in (0,1]; zero uses DefaultBandwidthSmoothingFactor.
	BandwidthSmoothingFactor float64 `yaml:"bandwidth_smoothing_factor"`
	// HandshakeSendRate is the interval between handshake/keep-alive packets;
	// zero uses the handshake layer's default.
	HandshakeSendRate time.Duration `yaml:"handshake_send_rate"`
	// TransportTimeout is the reliable transport's inbound-silence timeout;
	// zero uses the transport's default.
	TransportTimeout time.Duration `yaml:"transport_timeout"`
	// Logger receives the session's structured logging; nil discards it.
	Logger logger.Logger `yaml:"-"`
}

// UnmarshalYAML decodes a session configuration. Durations are given as Go
// duration strings ("250ms", "20s"); fields absent from the document keep
// their current values.
func (c *Config) UnmarshalYAML(value *yaml.Node) error {
	raw := struct {
		Channels                 []reliable.ChannelConfig `yaml:"channels"`
		BandwidthSmoothingFactor float64                  `yaml:"bandwidth_smoothing_factor"`
		HandshakeSendRate        string                   `yaml:"handshake_send_rate"`
		TransportTimeout         string                   `yaml:"transport_timeout"`
	}{
		Channels:                 c.Channels,
		BandwidthSmoothingFactor: c.BandwidthSmoothingFactor,
	}
	if err := value.Decode(&raw); err != nil {
		return err
	}
	c.Channels = raw.Channels
	c.BandwidthSmoothingFactor = raw.BandwidthSmoothingFactor
	if raw.HandshakeSendRate != "" {
		d, err := time.ParseDuration(raw.HandshakeSendRate)
		if err != nil {
			return fmt.Errorf("netclient: handshake_send_rate: %w", err)
		}
		c.HandshakeSendRate = d
	}
	if raw.TransportTimeout != "" {
		d, err := time.ParseDuration(raw.TransportTimeout)
		if err != nil {
			return fmt.Errorf("netclient: transport_timeout: %w", err)
		}
		c.TransportTimeout = d
	}
	return nil
}

// DefaultConfig returns a Config with the default channel set (one
// reliable-ordered channel 0, one unreliable channel 1) and default timing.
//
// Returns:
//   - A ready-to-use Config; adjust fields as needed before NewClient
func DefaultConfig() Config {
	return Config{
		Channels:                 reliable.DefaultConfig().Channels,
		BandwidthSmoothingFactor: DefaultBandwidthSmoothingFactor,
		HandshakeSendRate:        netcode.DefaultSendRate,
		TransportTimeout:         reliable.DefaultTimeout,
	}
}

// LoadConfig reads a Config from a YAML file. Fields absent from the file
// keep their DefaultConfig values.
//
// Parameters:
//   - path: Path to the YAML configuration file
//
// Returns:
//   - The loaded Config, or an error if the file cannot be read, parsed, or
//     validated
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("netclient: read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("netclient: parse config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	if c.BandwidthSmoothingFactor < 0 || c.BandwidthSmoothingFactor > 1 {
		return fmt.Errorf("netclient: bandwidth smoothing factor %v outside (0,1]", c.BandwidthSmoothingFactor)
	}
	if len(c.Channels) == 0 {
		return fmt.Errorf("netclient: at least one channel is required")
	}
	return nil
}

// reliableConfig derives the reliable transport's configuration, sizing its
// packet budget to what a payload packet can carry.
func (c Config) reliableConfig() reliable.Config {
	return reliable.Config{
		MaxPacketSize: netcode.MaxPayloadBytes,
		Timeout:       c.TransportTimeout,
		Channels:      c.Channels,
	}
}
