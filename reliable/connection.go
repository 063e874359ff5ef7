package reliable

import (
	"encoding/binary"
	"fmt"
	"time"
)

// DisconnectReason explains why the reliable transport considers the
// connection dead.
type DisconnectReason int

const (
	// ReasonTimedOut means nothing arrived within the configured timeout.
	ReasonTimedOut DisconnectReason = iota + 1
	// ReasonMalformedPacket means the peer sent a packet violating the
	// protocol.
	ReasonMalformedPacket
	// ReasonSendQueueFull means a channel's send queue overflowed; the
	// connection cannot honor its delivery guarantee past that point.
	ReasonSendQueueFull
)

// String returns a human-readable name for the disconnect reason.
func (r DisconnectReason) String() string {
	switch r {
	case ReasonTimedOut:
		return "transport timed out"
	case ReasonMalformedPacket:
		return "malformed packet"
	case ReasonSendQueueFull:
		return "send queue overflow"
	default:
		return "unknown"
	}
}

const (
	packetHeaderBytes  = 8 // sequence(2) + ack(2) + ackBits(4)
	messageHeaderBytes = 5 // channel(1) + id(2) + length(2)

	// rttSmoothingFactor weighs each new round-trip sample into the EMA.
	rttSmoothingFactor = 0.1

	// lossEvaluationDelay is how old a sent packet must be before it counts
	// toward the loss ratio; younger packets may simply not be acked yet.
	lossEvaluationDelay = time.Second

	// sentPacketTTL bounds how long sent-packet records are retained.
	sentPacketTTL = 3 * time.Second

	// heartbeatInterval is the longest outbound silence allowed before a
	// header-only packet is emitted to keep the peer's inactivity timer fresh.
	heartbeatInterval = 100 * time.Millisecond
)

// messageRef locates a reliable message inside a sent packet record.
type messageRef struct {
	channel uint8
	id      uint16
}

// sentPacket records one packet handed to the encryption layer, for ack and
// loss bookkeeping.
type sentPacket struct {
	time     time.Duration
	acked    bool
	messages []messageRef
}

// Connection is the reliable transport for one session. It performs no I/O:
// the owning session controller feeds it decrypted payloads via ProcessPacket
// and drains PacketsToSend into its encryption layer.
//
// Connection is not safe for concurrent use.
type Connection struct {
	cfg         Config
	currentTime time.Duration

	channels     map[uint8]*channel
	channelOrder []uint8

	sequence        uint16
	remoteSequence  uint16
	receivedBits    uint32
	receivedAny     bool
	ackPending      bool
	lastReceiveTime time.Duration
	lastSendTime    time.Duration

	sentPackets map[uint16]*sentPacket

	rtt        time.Duration
	packetLoss float64

	reason DisconnectReason
}

// NewConnection creates a reliable transport from the given configuration.
//
// Parameters:
//   - currentTime: Logical time origin; timeout measurement starts here
//   - cfg: Channel set and tuning; zero fields take package defaults
//
// Returns:
//   - The connection, or an error if the channel set is empty or has
//     duplicate ids
func NewConnection(currentTime time.Duration, cfg Config) (*Connection, error) {
	if len(cfg.Channels) == 0 {
		return nil, fmt.Errorf("reliable: at least one channel is required")
	}
	if cfg.MaxPacketSize <= 0 {
		cfg.MaxPacketSize = DefaultMaxPacketSize
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}

	c := &Connection{
		cfg:             cfg,
		currentTime:     currentTime,
		lastReceiveTime: currentTime,
		lastSendTime:    currentTime,
		channels:        make(map[uint8]*channel, len(cfg.Channels)),
		sentPackets:     make(map[uint16]*sentPacket),
		// Sequence 0 is reserved as "nothing acked yet" in the ack header, so
		// a peer that has not received anything cannot falsely ack a packet.
		sequence: 1,
	}
	for _, chCfg := range cfg.Channels {
		if _, dup := c.channels[chCfg.ID]; dup {
			return nil, fmt.Errorf("reliable: duplicate channel id %d", chCfg.ID)
		}
		c.channels[chCfg.ID] = newChannel(chCfg)
		c.channelOrder = append(c.channelOrder, chCfg.ID)
	}
	return c, nil
}

// AdvanceTime moves the connection's logical clock forward.
//
// Parameters:
//   - duration: Logical time to advance by
func (c *Connection) AdvanceTime(duration time.Duration) {
	c.currentTime += duration
}

// Disconnected returns the terminal reason once the transport has one.
//
// Returns:
//   - The reason and true if the connection is terminal, or zero and false
func (c *Connection) Disconnected() (DisconnectReason, bool) {
	if c.reason == 0 {
		return 0, false
	}
	return c.reason, true
}

// RTT returns the smoothed round-trip time measured from acknowledgments.
func (c *Connection) RTT() time.Duration {
	return c.rtt
}

// PacketLoss returns the fraction of recently sent packets that were never
// acknowledged, in [0,1].
func (c *Connection) PacketLoss() float64 {
	return c.packetLoss
}

// CanSendMessage reports whether the channel can accept another message
// without overflowing its send queue.
//
// Parameters:
//   - channelID: The channel to query
//
// Returns:
//   - True if SendMessage on that channel would be accepted
func (c *Connection) CanSendMessage(channelID uint8) bool {
	if c.reason != 0 {
		return false
	}
	ch := c.channels[channelID]
	return ch != nil && ch.canSend()
}

// SendMessage enqueues a message for delivery on the given channel.
//
// Parameters:
//   - channelID: The channel to send on
//   - payload: The message bytes; copied, the caller keeps ownership
//
// Returns:
//   - An error if the connection is terminal, the channel is unknown, the
//     message cannot fit a single packet, or the send queue overflows (which
//     is itself terminal)
func (c *Connection) SendMessage(channelID uint8, payload []byte) error {
	if c.reason != 0 {
		return fmt.Errorf("reliable: connection is disconnected: %s", c.reason)
	}
	ch := c.channels[channelID]
	if ch == nil {
		return fmt.Errorf("reliable: unknown channel %d", channelID)
	}
	if packetHeaderBytes+messageHeaderBytes+len(payload) > c.cfg.MaxPacketSize {
		return fmt.Errorf("reliable: message of %d bytes exceeds packet budget %d", len(payload), c.cfg.MaxPacketSize)
	}
	if !ch.canSend() {
		c.reason = ReasonSendQueueFull
		return fmt.Errorf("reliable: channel %d send queue overflow", channelID)
	}
	ch.enqueue(payload)
	return nil
}

// ReceiveMessage dequeues one already-reassembled message from the channel,
// if available. Absence is not an error.
//
// Parameters:
//   - channelID: The channel to receive from
//
// Returns:
//   - The message and true, or nil and false when nothing is deliverable
func (c *Connection) ReceiveMessage(channelID uint8) ([]byte, bool) {
	ch := c.channels[channelID]
	if ch == nil {
		return nil, false
	}
	return ch.receive()
}

// ProcessPacket ingests one decrypted payload packet from the peer: it
// updates the received-sequence window, applies the peer's acknowledgments to
// the sent-packet records (feeding the RTT estimate), and dispatches the
// contained messages to their channels. A malformed packet is a terminal
// protocol violation.
//
// Parameters:
//   - packet: The decrypted payload bytes
//
// Returns:
//   - An error if the connection is already terminal or the packet is
//     malformed
func (c *Connection) ProcessPacket(packet []byte) error {
	if c.reason != 0 {
		return fmt.Errorf("reliable: connection is disconnected: %s", c.reason)
	}
	if len(packet) < packetHeaderBytes {
		c.reason = ReasonMalformedPacket
		return fmt.Errorf("reliable: packet of %d bytes is too short", len(packet))
	}

	sequence := binary.LittleEndian.Uint16(packet[0:2])
	ack := binary.LittleEndian.Uint16(packet[2:4])
	ackBits := binary.LittleEndian.Uint32(packet[4:8])

	c.lastReceiveTime = c.currentTime
	c.recordReceived(sequence)
	c.applyAcks(ack, ackBits)

	body := packet[packetHeaderBytes:]
	if len(body) > 0 {
		// Only message-bearing packets demand an acknowledgment; ack-only
		// packets must not, or two idle peers would ack each other forever.
		c.ackPending = true
	}
	for len(body) > 0 {
		if len(body) < messageHeaderBytes {
			c.reason = ReasonMalformedPacket
			return fmt.Errorf("reliable: truncated message header")
		}
		channelID := body[0]
		id := binary.LittleEndian.Uint16(body[1:3])
		length := int(binary.LittleEndian.Uint16(body[3:5]))
		body = body[messageHeaderBytes:]
		if len(body) < length {
			c.reason = ReasonMalformedPacket
			return fmt.Errorf("reliable: truncated message body")
		}
		ch := c.channels[channelID]
		if ch == nil {
			c.reason = ReasonMalformedPacket
			return fmt.Errorf("reliable: message on unknown channel %d", channelID)
		}
		ch.deliver(id, body[:length])
		body = body[length:]
	}

	return nil
}

// PacketsToSend drains everything currently due: each queued unreliable
// message and each reliable message that has never been sent or has outlived
// its resend interval, packed greedily into packets within the configured
// budget. Reliable messages stay queued until acknowledged; unreliable
// messages leave the queue here. With nothing due, a single header-only packet
// is produced when acknowledgments are owed or the outbound side has been
// silent for heartbeatInterval, so an idle session still refreshes the peer's
// inactivity timer.
//
// Returns:
//   - The packets to hand to the encryption layer, or an error if the
//     connection is terminal
func (c *Connection) PacketsToSend() ([][]byte, error) {
	if c.reason != 0 {
		return nil, fmt.Errorf("reliable: connection is disconnected: %s", c.reason)
	}

	var packets [][]byte
	var body []byte
	var refs []messageRef

	flush := func() {
		if len(body) == 0 {
			return
		}
		packet := make([]byte, packetHeaderBytes, packetHeaderBytes+len(body))
		binary.LittleEndian.PutUint16(packet[0:2], c.sequence)
		binary.LittleEndian.PutUint16(packet[2:4], c.remoteSequence)
		binary.LittleEndian.PutUint32(packet[4:8], c.receivedBits)
		packet = append(packet, body...)
		packets = append(packets, packet)
		c.sentPackets[c.sequence] = &sentPacket{time: c.currentTime, messages: refs}
		c.sequence++
		if c.sequence == 0 {
			c.sequence = 1
		}
		body = nil
		refs = nil
	}

	for _, channelID := range c.channelOrder {
		ch := c.channels[channelID]
		for _, m := range ch.messagesDue(c.currentTime) {
			size := messageHeaderBytes + len(m.payload)
			if packetHeaderBytes+len(body)+size > c.cfg.MaxPacketSize {
				flush()
			}
			body = append(body, channelID)
			body = binary.LittleEndian.AppendUint16(body, m.id)
			body = binary.LittleEndian.AppendUint16(body, uint16(len(m.payload)))
			body = append(body, m.payload...)

			if ch.cfg.Type == Unreliable {
				ch.remove(m.id)
			} else {
				m.sent = true
				m.lastSent = c.currentTime
				refs = append(refs, messageRef{channel: channelID, id: m.id})
			}
		}
	}
	flush()

	if len(packets) == 0 && (c.ackPending || c.currentTime-c.lastSendTime >= heartbeatInterval) {
		// Header-only ack or heartbeat packet. It is not recorded in
		// sentPackets: it needs no retransmission and must not count toward
		// the loss ratio.
		packet := make([]byte, packetHeaderBytes)
		binary.LittleEndian.PutUint16(packet[0:2], c.sequence)
		binary.LittleEndian.PutUint16(packet[2:4], c.remoteSequence)
		binary.LittleEndian.PutUint32(packet[4:8], c.receivedBits)
		packets = append(packets, packet)
		c.sequence++
		if c.sequence == 0 {
			c.sequence = 1
		}
	}
	if len(packets) > 0 {
		c.ackPending = false
		c.lastSendTime = c.currentTime
	}

	return packets, nil
}

// Update runs the transport's periodic maintenance for the current tick:
// inbound-silence timeout detection, sent-packet pruning, and the packet-loss
// estimate.
//
// Returns:
//   - An error if the connection is or becomes terminal
func (c *Connection) Update() error {
	if c.reason != 0 {
		return fmt.Errorf("reliable: connection is disconnected: %s", c.reason)
	}
	if c.currentTime-c.lastReceiveTime >= c.cfg.Timeout {
		c.reason = ReasonTimedOut
		return fmt.Errorf("reliable: connection is disconnected: %s", c.reason)
	}

	evaluated, lost := 0, 0
	for sequence, p := range c.sentPackets {
		age := c.currentTime - p.time
		if age >= sentPacketTTL {
			delete(c.sentPackets, sequence)
			continue
		}
		if age >= lossEvaluationDelay {
			evaluated++
			if !p.acked {
				lost++
			}
		}
	}
	if evaluated > 0 {
		c.packetLoss = float64(lost) / float64(evaluated)
	}

	return nil
}

// recordReceived folds a peer packet sequence number into the ack window.
func (c *Connection) recordReceived(sequence uint16) {
	if !c.receivedAny {
		c.receivedAny = true
		c.remoteSequence = sequence
		return
	}

	if sequenceGreaterThan(sequence, c.remoteSequence) {
		shift := uint(sequence - c.remoteSequence)
		if shift >= 32 {
			c.receivedBits = 0
		} else {
			c.receivedBits <<= shift
			c.receivedBits |= 1 << (shift - 1)
		}
		c.remoteSequence = sequence
		return
	}

	diff := uint(c.remoteSequence - sequence)
	if diff >= 1 && diff <= 32 {
		c.receivedBits |= 1 << (diff - 1)
	}
}

// applyAcks marks our sent packets acknowledged from the peer's ack header.
func (c *Connection) applyAcks(ack uint16, ackBits uint32) {
	c.markAcked(ack)
	for i := uint(0); i < 32; i++ {
		if ackBits&(1<<i) != 0 {
			c.markAcked(ack - 1 - uint16(i))
		}
	}
}

func (c *Connection) markAcked(sequence uint16) {
	p := c.sentPackets[sequence]
	if p == nil || p.acked {
		return
	}
	p.acked = true

	sample := c.currentTime - p.time
	if c.rtt == 0 {
		c.rtt = sample
	} else {
		c.rtt += time.Duration(float64(sample-c.rtt) * rttSmoothingFactor)
	}

	for _, ref := range p.messages {
		if ch := c.channels[ref.channel]; ch != nil {
			ch.remove(ref.id)
		}
	}
	p.messages = nil
}
