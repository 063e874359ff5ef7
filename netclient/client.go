// Package netclient implements the client session controller of the
// transport: it composes the netcode handshake layer and the reliable channel
// transport over one non-blocking datagram socket, drives both layers'
// clocks from caller-supplied durations, defends against spoofed senders, and
// maintains live bandwidth, latency, and loss metrics.
//
// A session is single-threaded and cooperative: all I/O happens synchronously
// inside Update, SendPackets, and Disconnect, none of which block. Concurrent
// or reentrant calls are out of contract and must be serialized by the
// caller. A session serves exactly one connection attempt and is not reusable
// after disconnection.
package netclient

import (
	"fmt"
	"net"
	"net/netip"
	"time"

	"github.com/google/uuid"

	"github.com/cyberinferno/go-netcode/bandwidth"
	"github.com/cyberinferno/go-netcode/logger"
	"github.com/cyberinferno/go-netcode/netcode"
	"github.com/cyberinferno/go-netcode/reliable"
)

// maxReadsPerTick bounds the receive loop of one Update so a flood of
// datagrams, spoofed or otherwise, cannot monopolize a tick. Discarded
// foreign datagrams consume budget like accepted ones.
const maxReadsPerTick = 1024

// NetworkInfo is a point-in-time snapshot of the session's link quality.
type NetworkInfo struct {
	// SentKbps is the smoothed outbound bandwidth in kilobits per second.
	SentKbps float64
	// ReceivedKbps is the smoothed inbound bandwidth in kilobits per second.
	ReceivedKbps float64
	// RTT is the smoothed round-trip time measured by the reliable transport.
	RTT time.Duration
	// PacketLoss is the reliable transport's loss ratio in [0,1].
	PacketLoss float64
}

// Client is a session with one server: it establishes an authenticated,
// encrypted connection and then exchanges reliable and unreliable messages
// over it. Construct with NewClient, then call Update with the frame's
// elapsed duration and SendPackets every frame.
type Client struct {
	currentTime time.Duration

	handshake *netcode.Client
	transport *reliable.Connection
	socket    DatagramConn
	buffer    []byte
	metrics   *bandwidth.Aggregator

	log logger.Logger
}

// NewClient creates a session over an already-bound UDP socket. The socket is
// placed into the session's non-blocking receive mode; failure to do so is
// fatal to construction, as is token synthesis failure. No partial session is
// ever returned.
//
// Parameters:
//   - currentTime: Logical time origin (duration since an arbitrary epoch)
//   - conn: An already-bound UDP socket; the caller retains it for closing
//   - cfg: Connection configuration (channel set, smoothing factor, timing)
//   - auth: Authentication mode, consumed once to produce the connect token
//
// Returns:
//   - A session in the connecting state, or an error
func NewClient(currentTime time.Duration, conn *net.UDPConn, cfg Config, auth Authentication) (*Client, error) {
	socket, err := NewUDPSocket(conn)
	if err != nil {
		return nil, err
	}
	return NewClientWithSocket(currentTime, socket, cfg, auth)
}

// NewClientWithSocket is the general form of NewClient for callers providing
// their own DatagramConn implementation (custom transports, test doubles).
//
// Parameters:
//   - currentTime: Logical time origin (duration since an arbitrary epoch)
//   - socket: The non-blocking datagram socket to drive
//   - cfg: Connection configuration (channel set, smoothing factor, timing)
//   - auth: Authentication mode, consumed once to produce the connect token
//
// Returns:
//   - A session in the connecting state, or an error
func NewClientWithSocket(currentTime time.Duration, socket DatagramConn, cfg Config, auth Authentication) (*Client, error) {
	if socket == nil {
		return nil, fmt.Errorf("netclient: socket is required")
	}
	if auth == nil {
		return nil, fmt.Errorf("netclient: authentication is required")
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if cfg.BandwidthSmoothingFactor == 0 {
		cfg.BandwidthSmoothingFactor = DefaultBandwidthSmoothingFactor
	}

	token, err := auth.resolveToken(currentTime)
	if err != nil {
		return nil, err
	}

	log := cfg.Logger
	if log == nil {
		log = logger.NewNopLogger()
	}
	log = log.With(
		logger.Field{Key: "session_id", Value: uuid.NewString()},
		logger.Field{Key: "client_id", Value: token.ClientID},
	)

	transport, err := reliable.NewConnection(currentTime, cfg.reliableConfig())
	if err != nil {
		return nil, err
	}

	return &Client{
		currentTime: currentTime,
		handshake:   netcode.NewClient(currentTime, token, cfg.HandshakeSendRate, log),
		transport:   transport,
		socket:      socket,
		buffer:      make([]byte, netcode.MaxPacketBytes),
		metrics:     bandwidth.NewAggregator(cfg.BandwidthSmoothingFactor, currentTime),
		log:         log,
	}, nil
}

// ClientID returns the session's stable identifier from the resolved token.
func (c *Client) ClientID() uint64 {
	return c.handshake.ClientID()
}

// IsConnected reports whether the handshake has completed and the session can
// carry application traffic.
func (c *Client) IsConnected() bool {
	return c.handshake.Connected()
}

// Disconnected returns the terminal reason once either layer has one. The
// reliable transport's reason is checked first: it only becomes disconnected
// as a consequence of handshake failure or explicit local action, so it
// surfaces the most actionable cause.
//
// Returns:
//   - The reason and true once the session is terminal, or zero and false
//     while connecting or connected
func (c *Client) Disconnected() (DisconnectionReason, bool) {
	if reason, ok := c.transport.Disconnected(); ok {
		return fromTransport(reason), true
	}
	if reason, ok := c.handshake.Disconnected(); ok {
		return fromHandshake(reason), true
	}
	return 0, false
}

// SendMessage enqueues a message for the given channel. Channel identity and
// message size constraints are enforced by the reliable transport.
//
// Parameters:
//   - channelID: The channel to send on
//   - payload: The message bytes; copied, the caller keeps ownership
//
// Returns:
//   - An error if the transport rejected the message
func (c *Client) SendMessage(channelID uint8, payload []byte) error {
	return c.transport.SendMessage(channelID, payload)
}

// ReceiveMessage dequeues one already-reassembled message from the channel if
// available; absence is not an error.
//
// Parameters:
//   - channelID: The channel to receive from
//
// Returns:
//   - The message and true, or nil and false when nothing is deliverable
func (c *Client) ReceiveMessage(channelID uint8) ([]byte, bool) {
	return c.transport.ReceiveMessage(channelID)
}

// CanSendMessage reports whether the channel can accept another message; use
// it for backpressure before SendMessage.
//
// Parameters:
//   - channelID: The channel to query
//
// Returns:
//   - True if SendMessage on that channel would be accepted
func (c *Client) CanSendMessage(channelID uint8) bool {
	return c.transport.CanSendMessage(channelID)
}

// NetworkInfo returns the current link-quality snapshot, combining the
// bandwidth aggregator's figures with the reliable transport's round-trip
// time and loss ratio.
func (c *Client) NetworkInfo() NetworkInfo {
	return NetworkInfo{
		SentKbps:     c.metrics.SentKbps(),
		ReceivedKbps: c.metrics.ReceivedKbps(),
		RTT:          c.transport.RTT(),
		PacketLoss:   c.transport.PacketLoss(),
	}
}

// SendPackets flushes everything the reliable transport currently has ready:
// each packet is wrapped into an encrypted payload datagram by the handshake
// layer, sampled for metrics, and transmitted. It has no effect until the
// handshake completes, which guards against sending before the secure channel
// exists. An I/O failure aborts the remaining flush; retry of the affected
// packets is the reliable transport's responsibility on a later tick.
//
// Returns:
//   - An error if packet collection, wrapping, or transmission failed
func (c *Client) SendPackets() error {
	if !c.handshake.Connected() {
		return nil
	}

	packets, err := c.transport.PacketsToSend()
	if err != nil {
		return err
	}
	for _, packet := range packets {
		addr, datagram, err := c.handshake.GeneratePayloadPacket(packet)
		if err != nil {
			return err
		}
		if err := c.sendTo(datagram, addr); err != nil {
			return fmt.Errorf("netclient: send payload packet: %w", err)
		}
	}
	return nil
}

// Disconnect terminates the session from this side, best-effort notifying the
// peer with a disconnect datagram. Failures to produce or send it are logged
// and swallowed: the session is being torn down regardless.
func (c *Client) Disconnect() {
	addr, datagram, err := c.handshake.Disconnect()
	if err != nil {
		c.log.Error("generating disconnect packet", logger.Field{Key: "error", Value: err.Error()})
		return
	}
	if err := c.sendTo(datagram, addr); err != nil {
		c.log.Error("sending disconnect packet", logger.Field{Key: "error", Value: err.Error()})
	}
}

// Update is the session's single entry point for time and I/O. It advances
// both layers' clocks by duration, surfaces any terminal reason before doing
// I/O, drains all currently available datagrams through the address filter
// and the handshake layer into the reliable transport, runs both layers'
// periodic maintenance, and recomputes the bandwidth metrics.
//
// Parameters:
//   - duration: Logical time elapsed since the previous Update
//
// Returns:
//   - nil, a *DisconnectedError once the session is terminal, or an I/O or
//     transport error fatal to this tick only
func (c *Client) Update(duration time.Duration) error {
	c.currentTime += duration
	c.transport.AdvanceTime(duration)

	if reason, ok := c.handshake.Disconnected(); ok {
		return &DisconnectedError{Reason: fromHandshake(reason)}
	}
	if reason, ok := c.transport.Disconnected(); ok {
		c.Disconnect() // notify the peer before surfacing the transport's reason
		return &DisconnectedError{Reason: fromTransport(reason)}
	}

	serverAddr := c.handshake.ServerAddr()
	for reads := 0; reads < maxReadsPerTick; reads++ {
		n, from, ok, err := c.socket.ReceiveFrom(c.buffer)
		if err != nil {
			return fmt.Errorf("netclient: receive packet: %w", err)
		}
		if !ok {
			break
		}
		if !sameAddrPort(from, serverAddr) {
			c.log.Debug("discarding packet from unexpected sender",
				logger.Field{Key: "sender", Value: from.String()})
			continue
		}

		c.metrics.AddReceived(n)
		if payload := c.handshake.ProcessPacket(c.buffer[:n]); payload != nil {
			if err := c.transport.ProcessPacket(payload); err != nil {
				return err
			}
		}
	}

	if err := c.transport.Update(); err != nil {
		return err
	}

	if datagram, addr, ok := c.handshake.Update(duration); ok {
		// A failed keep-alive or handshake send is retried by the send-rate
		// timer on a later tick; it never fails the tick itself.
		if err := c.sendTo(datagram, addr); err != nil {
			c.log.Error("sending handshake packet", logger.Field{Key: "error", Value: err.Error()})
		}
	}

	c.metrics.Update(c.currentTime)
	return nil
}

// sendTo transmits one datagram and records its metrics sample.
func (c *Client) sendTo(datagram []byte, addr netip.AddrPort) error {
	c.metrics.AddSent(len(datagram))
	return c.socket.SendTo(datagram, addr)
}

// sameAddrPort compares peer addresses ignoring the 4-in-6 mapped
// representation difference, so a server recorded as 127.0.0.1 matches
// datagrams reported as ::ffff:127.0.0.1.
func sameAddrPort(a, b netip.AddrPort) bool {
	return a.Port() == b.Port() && a.Addr().Unmap() == b.Addr().Unmap()
}
