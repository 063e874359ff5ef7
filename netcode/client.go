package netcode

import (
	"fmt"
	"net/netip"
	"time"

	"github.com/cyberinferno/go-netcode/logger"
)

// DisconnectReason explains why a handshake-layer session ended.
type DisconnectReason int

const (
	// ReasonTokenExpired means the connect token's lifetime ran out before the
	// handshake completed.
	ReasonTokenExpired DisconnectReason = iota + 1
	// ReasonTimedOut means no authenticated packet arrived within the token's
	// inactivity timeout.
	ReasonTimedOut
	// ReasonDenied means the server refused the connection.
	ReasonDenied
	// ReasonDisconnectedByClient means Disconnect was called locally.
	ReasonDisconnectedByClient
	// ReasonDisconnectedByServer means the server sent a disconnect packet.
	ReasonDisconnectedByServer
)

// String returns a human-readable name for the disconnect reason.
func (r DisconnectReason) String() string {
	switch r {
	case ReasonTokenExpired:
		return "connect token expired"
	case ReasonTimedOut:
		return "handshake timed out"
	case ReasonDenied:
		return "connection denied"
	case ReasonDisconnectedByClient:
		return "disconnected by client"
	case ReasonDisconnectedByServer:
		return "disconnected by server"
	default:
		return "unknown"
	}
}

// DefaultSendRate is the interval between handshake/keep-alive packets when
// the configuration does not override it.
const DefaultSendRate = 250 * time.Millisecond

type clientState int

const (
	stateRequesting clientState = iota
	stateResponding
	stateConnected
	stateDisconnected
)

// Client is the client half of the handshake state machine. It consumes raw
// datagrams addressed to this session, produces the datagrams the handshake
// needs to make progress, and exposes encrypt/decrypt for payload packets once
// the session is established.
//
// Client performs no I/O and is not safe for concurrent use; the session
// controller owning it drives it from a single logical thread.
type Client struct {
	state       clientState
	currentTime time.Duration

	token           *ConnectToken
	serverAddrIndex int
	expireTime      time.Duration
	timeout         time.Duration

	sendRate        time.Duration
	lastSendTime    time.Duration
	lastReceiveTime time.Duration

	sequence  uint64
	challenge []byte
	replay    *replayProtection

	reason DisconnectReason
	log    logger.Logger
}

// NewClient creates the handshake state machine for one connection attempt.
//
// Parameters:
//   - currentTime: Logical time origin, on the same clock the token was issued
//   - token: The connect token authorizing this session
//   - sendRate: Interval between outbound handshake packets; <= 0 uses DefaultSendRate
//   - log: Structured logger; nil discards handshake logging
//
// Returns:
//   - A Client in the requesting state, targeting the token's first server
func NewClient(currentTime time.Duration, token *ConnectToken, sendRate time.Duration, log logger.Logger) *Client {
	if sendRate <= 0 {
		sendRate = DefaultSendRate
	}
	if log == nil {
		log = logger.NewNopLogger()
	}

	timeout := time.Duration(0)
	if token.TimeoutSeconds > 0 {
		timeout = time.Duration(token.TimeoutSeconds) * time.Second
	}

	return &Client{
		state:           stateRequesting,
		currentTime:     currentTime,
		token:           token,
		expireTime:      time.Duration(token.ExpireTimestamp) * time.Second,
		timeout:         timeout,
		sendRate:        sendRate,
		lastSendTime:    currentTime - sendRate, // first Update sends immediately
		lastReceiveTime: currentTime,
		replay:          newReplayProtection(),
		log:             log,
	}
}

// ClientID returns the stable identifier from the token, valid for the life
// of the session.
func (c *Client) ClientID() uint64 {
	return c.token.ClientID
}

// ServerAddr returns the server address this session is currently bound to.
func (c *Client) ServerAddr() netip.AddrPort {
	return c.token.ServerAddresses[c.serverAddrIndex]
}

// Connected reports whether the handshake has completed.
func (c *Client) Connected() bool {
	return c.state == stateConnected
}

// Disconnected returns the terminal reason once the handshake layer has one.
//
// Returns:
//   - The reason and true if the session is terminal, or zero and false
func (c *Client) Disconnected() (DisconnectReason, bool) {
	if c.state != stateDisconnected {
		return 0, false
	}
	return c.reason, true
}

// ProcessPacket consumes one datagram already filtered to the session's peer
// address. Undecryptable, replayed, and state-inappropriate packets are
// dropped. The returned slice, non-nil only for payload packets received
// while connected, is valid until the next call.
//
// Parameters:
//   - packet: The raw received datagram
//
// Returns:
//   - The decrypted payload if the packet carried one, else nil
func (c *Client) ProcessPacket(packet []byte) []byte {
	if c.state == stateDisconnected || len(packet) == 0 {
		return nil
	}

	t, sequence, body, err := DecryptPacket(packet, c.token.ProtocolID, &c.token.ServerToClientKey)
	if err != nil {
		c.log.Debug("dropping undecryptable packet", logger.Field{Key: "error", Value: err.Error()})
		return nil
	}
	if !c.replay.checkAndUpdate(sequence) {
		c.log.Debug("dropping replayed packet",
			logger.Field{Key: "type", Value: t.String()},
			logger.Field{Key: "sequence", Value: sequence})
		return nil
	}

	switch t {
	case PacketConnectionDenied:
		if c.state == stateRequesting || c.state == stateResponding {
			c.transitionDisconnected(ReasonDenied)
		}

	case PacketChallenge:
		if c.state == stateRequesting {
			c.challenge = append([]byte(nil), body...)
			c.state = stateResponding
			c.lastReceiveTime = c.currentTime
			c.lastSendTime = c.currentTime - c.sendRate
			c.log.Debug("received challenge", logger.Field{Key: "server", Value: c.ServerAddr().String()})
		}

	case PacketKeepAlive:
		c.lastReceiveTime = c.currentTime
		if c.state == stateResponding {
			c.state = stateConnected
			c.log.Info("handshake complete",
				logger.Field{Key: "server", Value: c.ServerAddr().String()},
				logger.Field{Key: "client_id", Value: c.token.ClientID})
		}

	case PacketPayload:
		if c.state == stateConnected {
			c.lastReceiveTime = c.currentTime
			return body
		}

	case PacketDisconnect:
		c.transitionDisconnected(ReasonDisconnectedByServer)
	}

	return nil
}

// Update advances the handshake clock and produces the outbound packet the
// handshake currently owes the peer, if the send interval has elapsed:
// connection requests while requesting, challenge responses while responding,
// keep-alives while connected. Token expiry and inactivity timeouts are
// detected here; a timeout while still connecting falls through to the
// token's next server address before turning terminal.
//
// Parameters:
//   - duration: Logical time to advance by
//
// Returns:
//   - The packet to send, its destination, and true, or ok=false when nothing
//     is due this tick
func (c *Client) Update(duration time.Duration) (packet []byte, addr netip.AddrPort, ok bool) {
	c.currentTime += duration

	if c.state == stateDisconnected {
		return nil, netip.AddrPort{}, false
	}

	if c.state != stateConnected && c.currentTime >= c.expireTime {
		c.transitionDisconnected(ReasonTokenExpired)
		return nil, netip.AddrPort{}, false
	}

	if c.timeout > 0 && c.currentTime-c.lastReceiveTime >= c.timeout {
		if c.state != stateConnected && c.serverAddrIndex+1 < len(c.token.ServerAddresses) {
			c.serverAddrIndex++
			c.state = stateRequesting
			c.challenge = nil
			// The next server numbers its packets from scratch, so the window
			// accumulated against the previous one would reject them. The send
			// sequence is deliberately not reset: both servers share the
			// client-to-server key and a repeated nonce would break the cipher.
			c.replay = newReplayProtection()
			c.lastReceiveTime = c.currentTime
			c.lastSendTime = c.currentTime - c.sendRate
			c.log.Debug("trying next server address",
				logger.Field{Key: "server", Value: c.ServerAddr().String()})
		} else {
			c.transitionDisconnected(ReasonTimedOut)
			return nil, netip.AddrPort{}, false
		}
	}

	if c.currentTime-c.lastSendTime < c.sendRate {
		return nil, netip.AddrPort{}, false
	}
	c.lastSendTime = c.currentTime

	switch c.state {
	case stateRequesting:
		return BuildConnectionRequest(c.token), c.ServerAddr(), true

	case stateResponding:
		response, err := c.encrypt(PacketChallengeResponse, c.challenge)
		if err != nil {
			c.log.Error("building challenge response", logger.Field{Key: "error", Value: err.Error()})
			return nil, netip.AddrPort{}, false
		}
		return response, c.ServerAddr(), true

	case stateConnected:
		keepAlive, err := c.encrypt(PacketKeepAlive, nil)
		if err != nil {
			c.log.Error("building keep-alive", logger.Field{Key: "error", Value: err.Error()})
			return nil, netip.AddrPort{}, false
		}
		return keepAlive, c.ServerAddr(), true
	}

	return nil, netip.AddrPort{}, false
}

// GeneratePayloadPacket wraps one reliable-transport packet into an encrypted
// payload datagram addressed to the peer.
//
// Parameters:
//   - payload: The plaintext payload; at most MaxPayloadBytes
//
// Returns:
//   - The destination address and the datagram, or an error if the session is
//     not connected or the payload exceeds the packet budget
func (c *Client) GeneratePayloadPacket(payload []byte) (netip.AddrPort, []byte, error) {
	if c.state != stateConnected {
		return netip.AddrPort{}, nil, fmt.Errorf("netcode: session is not connected")
	}
	packet, err := c.encrypt(PacketPayload, payload)
	if err != nil {
		return netip.AddrPort{}, nil, err
	}
	return c.ServerAddr(), packet, nil
}

// Disconnect marks the session locally disconnected and produces the
// disconnect datagram to notify the peer with.
//
// Returns:
//   - The destination address and the disconnect datagram, or an error if the
//     session is already terminal
func (c *Client) Disconnect() (netip.AddrPort, []byte, error) {
	if c.state == stateDisconnected {
		return netip.AddrPort{}, nil, fmt.Errorf("netcode: session already disconnected: %s", c.reason)
	}
	packet, err := c.encrypt(PacketDisconnect, nil)
	if err != nil {
		return netip.AddrPort{}, nil, err
	}
	addr := c.ServerAddr()
	c.transitionDisconnected(ReasonDisconnectedByClient)
	return addr, packet, nil
}

func (c *Client) encrypt(t PacketType, body []byte) ([]byte, error) {
	c.sequence++
	return EncryptPacket(t, c.sequence, c.token.ProtocolID, &c.token.ClientToServerKey, body)
}

func (c *Client) transitionDisconnected(reason DisconnectReason) {
	c.state = stateDisconnected
	c.reason = reason
	c.log.Debug("handshake disconnected", logger.Field{Key: "reason", Value: reason.String()})
}
