// Package loopback provides test-support plumbing for the transport: an
// ephemeral-socket client factory using the insecure zero-key token path, and
// a minimal single-client server peer implementing the handshake and reliable
// contracts. It exists for tests, examples, and prototyping; nothing in it
// belongs on a production path.
package loopback

import (
	"bytes"
	"context"
	"crypto/rand"
	"fmt"
	"net"
	"net/netip"
	"sync"
	"time"

	"github.com/patrickmn/go-cache"
	"golang.org/x/sync/errgroup"

	"github.com/cyberinferno/go-netcode/logger"
	"github.com/cyberinferno/go-netcode/netclient"
	"github.com/cyberinferno/go-netcode/netcode"
	"github.com/cyberinferno/go-netcode/reliable"
)

// serverSendRate is the interval between server keep-alives.
const serverSendRate = 250 * time.Millisecond

// challengeBytes is the size of the random challenge blob a requesting client
// must echo back.
const challengeBytes = 90

// pendingSession is a handshake in progress, held until it completes or its
// token timeout expires it from the cache.
type pendingSession struct {
	private   *netcode.PrivateConnectToken
	challenge []byte
	sequence  uint64
}

// session is the established client.
type session struct {
	addr        netip.AddrPort
	clientID    uint64
	keys        *netcode.PrivateConnectToken
	sequence    uint64
	timeout     time.Duration
	lastReceive time.Duration
	transport   *reliable.Connection
}

// Server is a minimal single-client server peer. It accepts connect tokens
// sealed under the all-zero insecure key, performs the challenge handshake,
// and runs a reliable transport toward the one connected client. Tests drive
// it deterministically with Update, or in the background with Serve.
type Server struct {
	mu sync.Mutex

	conn   *net.UDPConn
	socket *netclient.UDPSocket
	addr   netip.AddrPort

	protocolID   uint64
	privateKey   [netcode.KeyBytes]byte
	challengeKey [netcode.KeyBytes]byte

	channels    []reliable.ChannelConfig
	currentTime time.Duration
	lastSend    time.Duration

	pending *cache.Cache
	sess    *session

	disconnectObserved bool

	buffer []byte
	log    logger.Logger
}

// NewServer binds a loopback UDP socket and returns a server accepting
// zero-key tokens for the given protocol id.
//
// Parameters:
//   - protocolID: Protocol identifier clients must present
//   - channels: Channel set for the per-client reliable transport
//   - log: Structured logger; nil discards server logging
//
// Returns:
//   - The server, or an error if the socket cannot be bound
func NewServer(protocolID uint64, channels []reliable.ChannelConfig, log logger.Logger) (*Server, error) {
	if log == nil {
		log = logger.NewNopLogger()
	}

	conn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		return nil, fmt.Errorf("loopback: bind server socket: %w", err)
	}
	socket, err := netclient.NewUDPSocket(conn)
	if err != nil {
		conn.Close()
		return nil, err
	}

	s := &Server{
		conn:       conn,
		socket:     socket,
		addr:       conn.LocalAddr().(*net.UDPAddr).AddrPort(),
		protocolID: protocolID,
		channels:   channels,
		// go-cache expires half-open handshakes on its own clock; entries
		// also carry per-token TTLs set from the token timeout.
		pending: cache.New(time.Minute, time.Minute),
		buffer:  make([]byte, netcode.MaxPacketBytes),
		log:     log.With(logger.Field{Key: "component", Value: "loopback_server"}),
	}
	if _, err := rand.Read(s.challengeKey[:]); err != nil {
		conn.Close()
		return nil, fmt.Errorf("loopback: generate challenge key: %w", err)
	}
	return s, nil
}

// Addr returns the server's bound loopback address.
func (s *Server) Addr() netip.AddrPort {
	return s.addr
}

// Close releases the server socket.
//
// Returns:
//   - An error if closing the socket fails
func (s *Server) Close() error {
	return s.conn.Close()
}

// ClientConnected reports whether a client has completed the handshake and
// is still considered alive.
func (s *Server) ClientConnected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sess != nil
}

// DisconnectObserved reports whether the server has seen a disconnect packet
// from a connected client.
func (s *Server) DisconnectObserved() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.disconnectObserved
}

// SendMessage enqueues a message toward the connected client.
//
// Parameters:
//   - channelID: The channel to send on
//   - payload: The message bytes
//
// Returns:
//   - An error if no client is connected or the transport rejects the message
func (s *Server) SendMessage(channelID uint8, payload []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sess == nil {
		return fmt.Errorf("loopback: no connected client")
	}
	return s.sess.transport.SendMessage(channelID, payload)
}

// ReceiveMessage dequeues one message received from the connected client, if
// available.
//
// Parameters:
//   - channelID: The channel to receive from
//
// Returns:
//   - The message and true, or nil and false
func (s *Server) ReceiveMessage(channelID uint8) ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sess == nil {
		return nil, false
	}
	return s.sess.transport.ReceiveMessage(channelID)
}

// Update advances the server by duration: it drains the socket, progresses
// handshakes, ingests payloads, and flushes outbound packets and keep-alives.
// The deterministic mirror of the client's Update.
//
// Parameters:
//   - duration: Logical time to advance by
//
// Returns:
//   - An error on socket failure; protocol-level problems are logged and
//     survived
func (s *Server) Update(duration time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.currentTime += duration
	if s.sess != nil {
		s.sess.transport.AdvanceTime(duration)
	}

	for {
		n, from, ok, err := s.socket.ReceiveFrom(s.buffer)
		if err != nil {
			return fmt.Errorf("loopback: receive: %w", err)
		}
		if !ok {
			break
		}
		s.handlePacket(from, s.buffer[:n])
	}

	s.dropDeadSession()
	s.flush()
	return nil
}

// Serve drives Update on a real-time ticker until ctx is cancelled. Callers
// using Serve must interact with the server only through its exported,
// mutex-guarded methods.
//
// Parameters:
//   - ctx: Cancels the serve loop
//   - tick: Pump interval (e.g. 10ms)
//
// Returns:
//   - The first Update error, or nil on cancellation
func (s *Server) Serve(ctx context.Context, tick time.Duration) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		ticker := time.NewTicker(tick)
		defer ticker.Stop()

		last := time.Now()
		for {
			select {
			case <-ctx.Done():
				return nil
			case now := <-ticker.C:
				if err := s.Update(now.Sub(last)); err != nil {
					return err
				}
				last = now
			}
		}
	})
	return g.Wait()
}

// handlePacket dispatches one received datagram.
func (s *Server) handlePacket(from netip.AddrPort, packet []byte) {
	if len(packet) == 0 {
		return
	}

	if netcode.PacketType(packet[0]) == netcode.PacketConnectionRequest {
		s.handleConnectionRequest(from, packet)
		return
	}

	// Everything else is encrypted under the sender's client-to-server key.
	var key *[netcode.KeyBytes]byte
	pending, _ := s.pendingFor(from)
	switch {
	case s.sess != nil && sameAddrPort(from, s.sess.addr):
		key = &s.sess.keys.ClientToServerKey
	case pending != nil:
		key = &pending.private.ClientToServerKey
	default:
		s.log.Debug("packet from unknown sender", logger.Field{Key: "sender", Value: from.String()})
		return
	}

	t, _, body, err := netcode.DecryptPacket(packet, s.protocolID, key)
	if err != nil {
		s.log.Debug("undecryptable packet", logger.Field{Key: "error", Value: err.Error()})
		return
	}

	switch t {
	case netcode.PacketChallengeResponse:
		if pending != nil && bytes.Equal(body, pending.challenge) {
			s.promote(from, pending)
		}

	case netcode.PacketKeepAlive:
		if s.sess != nil && sameAddrPort(from, s.sess.addr) {
			s.sess.lastReceive = s.currentTime
		}

	case netcode.PacketPayload:
		if s.sess != nil && sameAddrPort(from, s.sess.addr) {
			s.sess.lastReceive = s.currentTime
			if err := s.sess.transport.ProcessPacket(body); err != nil {
				s.log.Error("transport rejected payload", logger.Field{Key: "error", Value: err.Error()})
			}
		}

	case netcode.PacketDisconnect:
		if s.sess != nil && sameAddrPort(from, s.sess.addr) {
			s.log.Info("client disconnected", logger.Field{Key: "client_id", Value: s.sess.clientID})
			s.disconnectObserved = true
			s.sess = nil
		}
	}
}

// handleConnectionRequest opens the sealed token and answers with a
// challenge, remembering the half-open handshake until it completes or its
// token timeout expires it.
func (s *Server) handleConnectionRequest(from netip.AddrPort, packet []byte) {
	protocolID, expire, nonce, privateData, err := netcode.ParseConnectionRequest(packet)
	if err != nil {
		s.log.Debug("malformed connection request", logger.Field{Key: "error", Value: err.Error()})
		return
	}
	if protocolID != s.protocolID {
		return
	}
	if uint64(s.currentTime/time.Second) >= expire {
		s.log.Debug("expired connect token", logger.Field{Key: "sender", Value: from.String()})
		return
	}

	// Duplicate request from a handshake already in flight: resend the
	// challenge rather than minting a new one.
	if pending, _ := s.pendingFor(from); pending != nil {
		s.sendChallenge(from, pending)
		return
	}

	private, err := netcode.OpenPrivateData(privateData, protocolID, expire, nonce, &s.privateKey)
	if err != nil {
		s.log.Debug("rejecting token", logger.Field{Key: "error", Value: err.Error()})
		return
	}

	if s.sess != nil && !sameAddrPort(from, s.sess.addr) {
		s.deny(from, private)
		return
	}

	pending := &pendingSession{private: private, challenge: make([]byte, challengeBytes)}
	if _, err := rand.Read(pending.challenge); err != nil {
		s.log.Error("generating challenge", logger.Field{Key: "error", Value: err.Error()})
		return
	}

	ttl := time.Duration(private.TimeoutSeconds) * time.Second
	if ttl <= 0 {
		ttl = cache.NoExpiration
	}
	s.pending.Set(from.String(), pending, ttl)
	s.sendChallenge(from, pending)
}

func (s *Server) pendingFor(from netip.AddrPort) (*pendingSession, bool) {
	v, ok := s.pending.Get(from.String())
	if !ok {
		return nil, false
	}
	return v.(*pendingSession), true
}

// promote upgrades a completed handshake into the connected session and
// confirms it with an immediate keep-alive.
func (s *Server) promote(from netip.AddrPort, pending *pendingSession) {
	timeout := time.Duration(pending.private.TimeoutSeconds) * time.Second
	transport, err := reliable.NewConnection(s.currentTime, reliable.Config{
		MaxPacketSize: netcode.MaxPayloadBytes,
		Channels:      s.channels,
	})
	if err != nil {
		s.log.Error("creating client transport", logger.Field{Key: "error", Value: err.Error()})
		return
	}

	s.sess = &session{
		addr:        from,
		clientID:    pending.private.ClientID,
		keys:        pending.private,
		sequence:    pending.sequence,
		timeout:     timeout,
		lastReceive: s.currentTime,
		transport:   transport,
	}
	s.pending.Delete(from.String())
	s.log.Info("client connected",
		logger.Field{Key: "client_id", Value: s.sess.clientID},
		logger.Field{Key: "addr", Value: from.String()})

	s.sendToSession(netcode.PacketKeepAlive, nil)
}

// dropDeadSession expires the connected client on inactivity.
func (s *Server) dropDeadSession() {
	if s.sess == nil || s.sess.timeout <= 0 {
		return
	}
	if s.currentTime-s.sess.lastReceive >= s.sess.timeout {
		s.log.Info("client timed out", logger.Field{Key: "client_id", Value: s.sess.clientID})
		s.sess = nil
	}
}

// flush sends everything the server currently owes: transport packets and
// the periodic keep-alive.
func (s *Server) flush() {
	if s.sess == nil {
		return
	}

	if err := s.sess.transport.Update(); err != nil {
		s.log.Info("client transport closed", logger.Field{Key: "error", Value: err.Error()})
		s.sess = nil
		return
	}

	packets, err := s.sess.transport.PacketsToSend()
	if err != nil {
		s.log.Error("collecting packets", logger.Field{Key: "error", Value: err.Error()})
		return
	}
	for _, packet := range packets {
		s.sendToSession(netcode.PacketPayload, packet)
	}

	if s.currentTime-s.lastSend >= serverSendRate {
		s.lastSend = s.currentTime
		s.sendToSession(netcode.PacketKeepAlive, nil)
	}
}

func (s *Server) sendChallenge(to netip.AddrPort, pending *pendingSession) {
	pending.sequence++
	datagram, err := netcode.EncryptPacket(netcode.PacketChallenge, pending.sequence, s.protocolID, &pending.private.ServerToClientKey, pending.challenge)
	if err != nil {
		s.log.Error("building challenge", logger.Field{Key: "error", Value: err.Error()})
		return
	}
	s.send(datagram, to)
}

func (s *Server) deny(to netip.AddrPort, private *netcode.PrivateConnectToken) {
	datagram, err := netcode.EncryptPacket(netcode.PacketConnectionDenied, 1, s.protocolID, &private.ServerToClientKey, nil)
	if err != nil {
		s.log.Error("building denial", logger.Field{Key: "error", Value: err.Error()})
		return
	}
	s.send(datagram, to)
}

func (s *Server) sendToSession(t netcode.PacketType, body []byte) {
	if s.sess == nil {
		return
	}
	s.sess.sequence++
	datagram, err := netcode.EncryptPacket(t, s.sess.sequence, s.protocolID, &s.sess.keys.ServerToClientKey, body)
	if err != nil {
		s.log.Error("building packet",
			logger.Field{Key: "type", Value: t.String()},
			logger.Field{Key: "error", Value: err.Error()})
		return
	}
	s.send(datagram, s.sess.addr)
}

func (s *Server) send(datagram []byte, to netip.AddrPort) {
	if err := s.socket.SendTo(datagram, to); err != nil {
		s.log.Error("send failed", logger.Field{Key: "error", Value: err.Error()})
	}
}

// sameAddrPort compares peer addresses ignoring the 4-in-6 mapped
// representation difference.
func sameAddrPort(a, b netip.AddrPort) bool {
	return a.Port() == b.Port() && a.Addr().Unmap() == b.Addr().Unmap()
}
