package netclient

import (
	"errors"
	"fmt"
	"net/netip"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cyberinferno/go-netcode/netcode"
	"github.com/cyberinferno/go-netcode/reliable"
)

var testServerAddr = netip.MustParseAddrPort("127.0.0.1:7777")

// fakeDatagram is one datagram queued in or captured by a fakeSocket.
type fakeDatagram struct {
	data []byte
	addr netip.AddrPort
}

// fakeSocket is an in-memory DatagramConn: inbound datagrams are queued by
// the test, outbound ones are captured for inspection.
type fakeSocket struct {
	inbound []fakeDatagram
	sent    []fakeDatagram
	recvErr error
	sendErr error
}

func (s *fakeSocket) ReceiveFrom(buf []byte) (int, netip.AddrPort, bool, error) {
	if s.recvErr != nil {
		return 0, netip.AddrPort{}, false, s.recvErr
	}
	if len(s.inbound) == 0 {
		return 0, netip.AddrPort{}, false, nil
	}
	d := s.inbound[0]
	s.inbound = s.inbound[1:]
	return copy(buf, d.data), d.addr, true, nil
}

func (s *fakeSocket) SendTo(b []byte, addr netip.AddrPort) error {
	if s.sendErr != nil {
		return s.sendErr
	}
	s.sent = append(s.sent, fakeDatagram{data: append([]byte(nil), b...), addr: addr})
	return nil
}

func (s *fakeSocket) queue(data []byte, from netip.AddrPort) {
	s.inbound = append(s.inbound, fakeDatagram{data: data, addr: from})
}

// fakeServer emulates the server end against a session under test: it holds
// the token's keys, seals server-to-client packets, and runs its own reliable
// transport for payload exchange.
type fakeServer struct {
	t         *testing.T
	token     *netcode.ConnectToken
	sequence  uint64
	transport *reliable.Connection
}

func newFakeServer(t *testing.T, token *netcode.ConnectToken) *fakeServer {
	transport, err := reliable.NewConnection(0, reliable.Config{
		MaxPacketSize: netcode.MaxPayloadBytes,
		Channels:      reliable.DefaultConfig().Channels,
	})
	require.NoError(t, err)
	return &fakeServer{t: t, token: token, transport: transport}
}

func (s *fakeServer) packet(pt netcode.PacketType, body []byte) []byte {
	s.sequence++
	packet, err := netcode.EncryptPacket(pt, s.sequence, s.token.ProtocolID, &s.token.ServerToClientKey, body)
	require.NoError(s.t, err)
	return packet
}

func newTestToken(t *testing.T, timeoutSeconds int32) *netcode.ConnectToken {
	token, err := netcode.GenerateConnectToken(0, 0xD00D, 300, 42, timeoutSeconds,
		[]netip.AddrPort{testServerAddr}, nil, new([netcode.KeyBytes]byte))
	require.NoError(t, err)
	return token
}

// newTestSession builds a session over a fakeSocket, plus the fake server
// holding the other end of the token.
func newTestSession(t *testing.T, cfg Config) (*Client, *fakeSocket, *fakeServer) {
	token := newTestToken(t, 15)
	socket := &fakeSocket{}
	client, err := NewClientWithSocket(0, socket, cfg, SecureAuthentication{Token: token})
	require.NoError(t, err)
	return client, socket, newFakeServer(t, token)
}

// connect pumps the handshake to completion over the fake socket.
func connect(t *testing.T, client *Client, socket *fakeSocket, server *fakeServer) {
	require.NoError(t, client.Update(0))
	socket.queue(server.packet(netcode.PacketChallenge, []byte("challenge")), testServerAddr)
	require.NoError(t, client.Update(0))
	socket.queue(server.packet(netcode.PacketKeepAlive, nil), testServerAddr)
	require.NoError(t, client.Update(0))
	require.True(t, client.IsConnected())
}

func TestNewClientWithSocket_Validation(t *testing.T) {
	token := newTestToken(t, 15)

	t.Run("nil socket", func(t *testing.T) {
		_, err := NewClientWithSocket(0, nil, DefaultConfig(), SecureAuthentication{Token: token})
		assert.Error(t, err)
	})

	t.Run("nil authentication", func(t *testing.T) {
		_, err := NewClientWithSocket(0, &fakeSocket{}, DefaultConfig(), nil)
		assert.Error(t, err)
	})

	t.Run("secure authentication without a token", func(t *testing.T) {
		_, err := NewClientWithSocket(0, &fakeSocket{}, DefaultConfig(), SecureAuthentication{})
		assert.Error(t, err)
	})

	t.Run("smoothing factor out of range", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.BandwidthSmoothingFactor = 1.5
		_, err := NewClientWithSocket(0, &fakeSocket{}, cfg, SecureAuthentication{Token: token})
		assert.Error(t, err)
	})

	t.Run("empty channel set", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.Channels = nil
		_, err := NewClientWithSocket(0, &fakeSocket{}, cfg, SecureAuthentication{Token: token})
		assert.Error(t, err)
	})
}

func TestClient_Handshake(t *testing.T) {
	client, socket, server := newTestSession(t, DefaultConfig())
	assert.Equal(t, uint64(42), client.ClientID())
	assert.False(t, client.IsConnected())

	// First tick sends the connection request.
	require.NoError(t, client.Update(0))
	require.Len(t, socket.sent, 1)
	assert.Equal(t, testServerAddr, socket.sent[0].addr)
	assert.Equal(t, byte(netcode.PacketConnectionRequest), socket.sent[0].data[0])

	// The challenge is answered on the tick that receives it.
	socket.queue(server.packet(netcode.PacketChallenge, []byte("challenge")), testServerAddr)
	require.NoError(t, client.Update(0))
	require.Len(t, socket.sent, 2)
	pt, _, body, err := netcode.DecryptPacket(socket.sent[1].data, server.token.ProtocolID, &server.token.ClientToServerKey)
	require.NoError(t, err)
	assert.Equal(t, netcode.PacketChallengeResponse, pt)
	assert.Equal(t, []byte("challenge"), body)
	assert.False(t, client.IsConnected())

	// The server's keep-alive completes the handshake.
	socket.queue(server.packet(netcode.PacketKeepAlive, nil), testServerAddr)
	require.NoError(t, client.Update(0))
	assert.True(t, client.IsConnected())
	_, terminal := client.Disconnected()
	assert.False(t, terminal)
}

func TestClient_KeepAliveCadenceFollowsLogicalTime(t *testing.T) {
	client, socket, server := newTestSession(t, DefaultConfig())
	connect(t, client, socket, server)
	mark := len(socket.sent)

	// Four 100ms ticks cross one 250ms send interval exactly once.
	for i := 0; i < 4; i++ {
		require.NoError(t, client.Update(100*time.Millisecond))
	}
	require.Len(t, socket.sent, mark+1)
	pt, _, _, err := netcode.DecryptPacket(socket.sent[mark].data, server.token.ProtocolID, &server.token.ClientToServerKey)
	require.NoError(t, err)
	assert.Equal(t, netcode.PacketKeepAlive, pt)
}

func TestClient_SendPackets(t *testing.T) {
	client, socket, server := newTestSession(t, DefaultConfig())

	t.Run("no sends before the handshake completes", func(t *testing.T) {
		require.NoError(t, client.SendMessage(0, []byte("queued early")))
		require.NoError(t, client.SendPackets())
		assert.Empty(t, socket.sent)
	})

	connect(t, client, socket, server)
	mark := len(socket.sent)

	t.Run("queued messages flush as encrypted payloads", func(t *testing.T) {
		require.NoError(t, client.SendPackets())
		require.Len(t, socket.sent, mark+1)

		pt, _, body, err := netcode.DecryptPacket(socket.sent[mark].data, server.token.ProtocolID, &server.token.ClientToServerKey)
		require.NoError(t, err)
		require.Equal(t, netcode.PacketPayload, pt)

		require.NoError(t, server.transport.ProcessPacket(body))
		msg, ok := server.transport.ReceiveMessage(0)
		require.True(t, ok)
		assert.Equal(t, []byte("queued early"), msg)
	})

	t.Run("send failure surfaces", func(t *testing.T) {
		require.NoError(t, client.SendMessage(0, []byte("doomed")))
		socket.sendErr = fmt.Errorf("interface down")
		defer func() { socket.sendErr = nil }()
		assert.Error(t, client.SendPackets())
	})
}

func TestClient_ReceivesMessages(t *testing.T) {
	client, socket, server := newTestSession(t, DefaultConfig())
	connect(t, client, socket, server)

	require.NoError(t, server.transport.SendMessage(0, []byte("state update")))
	packets, err := server.transport.PacketsToSend()
	require.NoError(t, err)
	for _, p := range packets {
		socket.queue(server.packet(netcode.PacketPayload, p), testServerAddr)
	}

	require.NoError(t, client.Update(10*time.Millisecond))
	msg, ok := client.ReceiveMessage(0)
	require.True(t, ok)
	assert.Equal(t, []byte("state update"), msg)
	_, ok = client.ReceiveMessage(0)
	assert.False(t, ok)
}

func TestClient_DiscardsForeignSenders(t *testing.T) {
	client, socket, server := newTestSession(t, DefaultConfig())
	intruder := netip.MustParseAddrPort("10.0.0.9:4444")

	require.NoError(t, client.Update(0))

	// A perfectly valid challenge from the wrong sender must be ignored, so
	// the client keeps requesting instead of responding.
	socket.queue(server.packet(netcode.PacketChallenge, []byte("spoofed")), intruder)
	require.NoError(t, client.Update(0))

	require.NoError(t, client.Update(netcode.DefaultSendRate))
	last := socket.sent[len(socket.sent)-1]
	assert.Equal(t, byte(netcode.PacketConnectionRequest), last.data[0])
	assert.False(t, client.IsConnected())
}

func TestClient_ReceiveErrorFailsTheTick(t *testing.T) {
	client, socket, server := newTestSession(t, DefaultConfig())
	connect(t, client, socket, server)

	socket.recvErr = fmt.Errorf("socket closed underneath")
	err := client.Update(10 * time.Millisecond)
	require.Error(t, err)

	var disconnected *DisconnectedError
	assert.False(t, errors.As(err, &disconnected), "an I/O error is not a terminal reason")
	_, terminal := client.Disconnected()
	assert.False(t, terminal)

	// The tick error is recoverable; the next tick proceeds normally.
	socket.recvErr = nil
	assert.NoError(t, client.Update(10*time.Millisecond))
}

func TestClient_TokenExpiryIsTerminal(t *testing.T) {
	// A transport timeout shorter than the jump would mask the expiry.
	cfg := DefaultConfig()
	cfg.TransportTimeout = 10 * time.Minute
	client, socket, _ := newTestSession(t, cfg)

	// Expiry is noticed during the tick that crosses it and reported as the
	// terminal reason from the next tick on.
	require.NoError(t, client.Update(301*time.Second))

	err := client.Update(0)
	require.Error(t, err)
	var disconnected *DisconnectedError
	require.ErrorAs(t, err, &disconnected)
	assert.Equal(t, ReasonTokenExpired, disconnected.Reason)

	reason, terminal := client.Disconnected()
	require.True(t, terminal)
	assert.Equal(t, ReasonTokenExpired, reason)

	t.Run("terminal sessions stop reading the socket", func(t *testing.T) {
		socket.queue([]byte("late datagram"), testServerAddr)
		assert.Error(t, client.Update(0))
		assert.Len(t, socket.inbound, 1, "queued datagram must stay unread")
	})
}

func TestClient_TransportTimeoutNotifiesPeer(t *testing.T) {
	cfg := DefaultConfig()
	cfg.TransportTimeout = time.Second
	client, socket, server := newTestSession(t, cfg)
	connect(t, client, socket, server)

	// Two seconds of payload silence kill the transport; that tick fails.
	require.Error(t, client.Update(2*time.Second))

	// The next tick surfaces the terminal reason, after a best-effort
	// disconnect datagram to the peer.
	mark := len(socket.sent)
	err := client.Update(0)
	var disconnected *DisconnectedError
	require.ErrorAs(t, err, &disconnected)
	assert.Equal(t, ReasonTransportTimedOut, disconnected.Reason)

	require.Greater(t, len(socket.sent), mark)
	last := socket.sent[len(socket.sent)-1]
	pt, _, _, err := netcode.DecryptPacket(last.data, server.token.ProtocolID, &server.token.ClientToServerKey)
	require.NoError(t, err)
	assert.Equal(t, netcode.PacketDisconnect, pt)
}

func TestClient_IdleSessionStaysConnected(t *testing.T) {
	client, socket, server := newTestSession(t, DefaultConfig())
	connect(t, client, socket, server)

	// Neither side queues a message; the peer only keeps its end of the
	// session alive. The exchanged heartbeats must outlast the 20s transport
	// timeout.
	const tick = 250 * time.Millisecond
	for i := 0; i < 100; i++ {
		socket.queue(server.packet(netcode.PacketKeepAlive, nil), testServerAddr)
		server.transport.AdvanceTime(tick)
		packets, err := server.transport.PacketsToSend()
		require.NoError(t, err)
		for _, p := range packets {
			socket.queue(server.packet(netcode.PacketPayload, p), testServerAddr)
		}

		require.NoError(t, client.Update(tick), "tick %d", i)
		require.NoError(t, client.SendPackets(), "tick %d", i)
	}

	assert.True(t, client.IsConnected())
	_, terminal := client.Disconnected()
	assert.False(t, terminal)
}

func TestClient_Disconnect(t *testing.T) {
	client, socket, server := newTestSession(t, DefaultConfig())
	connect(t, client, socket, server)

	mark := len(socket.sent)
	client.Disconnect()
	require.Len(t, socket.sent, mark+1)
	pt, _, _, err := netcode.DecryptPacket(socket.sent[mark].data, server.token.ProtocolID, &server.token.ClientToServerKey)
	require.NoError(t, err)
	assert.Equal(t, netcode.PacketDisconnect, pt)

	errUpdate := client.Update(0)
	var disconnected *DisconnectedError
	require.ErrorAs(t, errUpdate, &disconnected)
	assert.Equal(t, ReasonDisconnectedByClient, disconnected.Reason)
}

func TestClient_NetworkInfo(t *testing.T) {
	client, socket, server := newTestSession(t, DefaultConfig())
	info := client.NetworkInfo()
	assert.Zero(t, info.SentKbps)
	assert.Zero(t, info.RTT)

	connect(t, client, socket, server)
	require.NoError(t, client.Update(100*time.Millisecond))

	info = client.NetworkInfo()
	assert.Positive(t, info.SentKbps, "handshake traffic must register")
	assert.Positive(t, info.ReceivedKbps)
}

func TestClient_CanSendMessageBackpressure(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Channels = []reliable.ChannelConfig{{ID: 0, Type: reliable.ReliableOrdered, MaxSendQueueSize: 1}}
	client, _, _ := newTestSession(t, cfg)

	assert.True(t, client.CanSendMessage(0))
	require.NoError(t, client.SendMessage(0, []byte("only one fits")))
	assert.False(t, client.CanSendMessage(0))
	assert.False(t, client.CanSendMessage(9), "unknown channel")
}
