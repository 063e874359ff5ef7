// Package reliable implements the multi-channel message layer of the
// transport: it turns decrypted payload packets into application messages and
// vice versa, with per-channel ordered-reliable or unreliable delivery,
// acknowledgment bookkeeping, retransmission scheduling, and round-trip-time
// and packet-loss estimation.
package reliable

import (
	"fmt"
	"time"

	"gopkg.in/yaml.v3"
)

// ChannelType selects the delivery guarantee of a channel.
type ChannelType int

const (
	// ReliableOrdered delivers every message exactly once, in send order,
	// retransmitting until acknowledged.
	ReliableOrdered ChannelType = iota
	// Unreliable delivers messages at most once, in arrival order, with no
	// retransmission.
	Unreliable
)

// String returns the configuration name of the channel type.
func (t ChannelType) String() string {
	switch t {
	case ReliableOrdered:
		return "reliable_ordered"
	case Unreliable:
		return "unreliable"
	default:
		return "unknown"
	}
}

// UnmarshalYAML decodes a channel type from its configuration name.
func (t *ChannelType) UnmarshalYAML(value *yaml.Node) error {
	var name string
	if err := value.Decode(&name); err != nil {
		return err
	}
	switch name {
	case "reliable_ordered":
		*t = ReliableOrdered
	case "unreliable":
		*t = Unreliable
	default:
		return fmt.Errorf("reliable: unknown channel type %q", name)
	}
	return nil
}

// MarshalYAML encodes a channel type as its configuration name.
func (t ChannelType) MarshalYAML() (any, error) {
	return t.String(), nil
}

// ChannelConfig describes one message channel.
type ChannelConfig struct {
	// ID identifies the channel on the wire; must be unique per connection.
	ID uint8 `yaml:"id"`
	// Type selects the delivery guarantee.
	Type ChannelType `yaml:"type"`
	// ResendTime is how long an unacknowledged reliable message waits before
	// retransmission; <= 0 uses DefaultResendTime. Ignored for Unreliable.
	ResendTime time.Duration `yaml:"resend_time"`
	// MaxSendQueueSize bounds messages queued or awaiting acknowledgment;
	// <= 0 uses DefaultMaxSendQueueSize. Overflowing it is a terminal
	// connection error.
	MaxSendQueueSize int `yaml:"max_send_queue_size"`
}

// UnmarshalYAML decodes a channel configuration. Durations are given as Go
// duration strings ("100ms", "1.5s"); fields absent from the document keep
// their current values.
func (c *ChannelConfig) UnmarshalYAML(value *yaml.Node) error {
	raw := struct {
		ID               uint8       `yaml:"id"`
		Type             ChannelType `yaml:"type"`
		ResendTime       string      `yaml:"resend_time"`
		MaxSendQueueSize int         `yaml:"max_send_queue_size"`
	}{
		ID:               c.ID,
		Type:             c.Type,
		MaxSendQueueSize: c.MaxSendQueueSize,
	}
	if err := value.Decode(&raw); err != nil {
		return err
	}
	c.ID = raw.ID
	c.Type = raw.Type
	c.MaxSendQueueSize = raw.MaxSendQueueSize
	if raw.ResendTime != "" {
		d, err := time.ParseDuration(raw.ResendTime)
		if err != nil {
			return fmt.Errorf("reliable: resend_time: %w", err)
		}
		c.ResendTime = d
	}
	return nil
}

// Defaults applied where a ChannelConfig or Config leaves a field zero.
const (
	DefaultResendTime       = 200 * time.Millisecond
	DefaultMaxSendQueueSize = 1024
	DefaultTimeout          = 20 * time.Second
	DefaultMaxPacketSize    = 1200
)

// Config describes a Connection.
type Config struct {
	// MaxPacketSize is the byte budget of each packet produced by
	// PacketsToSend; <= 0 uses DefaultMaxPacketSize. The owning transport sets
	// this to whatever its encryption layer can carry.
	MaxPacketSize int `yaml:"max_packet_size"`
	// Timeout is the inbound-silence duration after which the connection is
	// considered dead; <= 0 uses DefaultTimeout.
	Timeout time.Duration `yaml:"timeout"`
	// Channels is the channel set; at least one, with unique ids.
	Channels []ChannelConfig `yaml:"channels"`
}

// UnmarshalYAML decodes a connection configuration. Durations are given as Go
// duration strings; fields absent from the document keep their current values.
func (c *Config) UnmarshalYAML(value *yaml.Node) error {
	raw := struct {
		MaxPacketSize int             `yaml:"max_packet_size"`
		Timeout       string          `yaml:"timeout"`
		Channels      []ChannelConfig `yaml:"channels"`
	}{
		MaxPacketSize: c.MaxPacketSize,
		Channels:      c.Channels,
	}
	if err := value.Decode(&raw); err != nil {
		return err
	}
	c.MaxPacketSize = raw.MaxPacketSize
	c.Channels = raw.Channels
	if raw.Timeout != "" {
		d, err := time.ParseDuration(raw.Timeout)
		if err != nil {
			return fmt.Errorf("reliable: timeout: %w", err)
		}
		c.Timeout = d
	}
	return nil
}

// DefaultConfig returns a Config with one reliable-ordered channel 0 and one
// unreliable channel 1.
//
// Returns:
//   - A ready-to-use Config; adjust fields as needed before NewConnection
func DefaultConfig() Config {
	return Config{
		MaxPacketSize: DefaultMaxPacketSize,
		Timeout:       DefaultTimeout,
		Channels: []ChannelConfig{
			{ID: 0, Type: ReliableOrdered},
			{ID: 1, Type: Unreliable},
		},
	}
}
