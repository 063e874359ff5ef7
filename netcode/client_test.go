package netcode

import (
	"net/netip"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// testServer emulates the server half of the handshake by producing packets
// sealed with the token's server-to-client key.
type testServer struct {
	t        *testing.T
	token    *ConnectToken
	sequence uint64
}

func newTestServer(t *testing.T, token *ConnectToken) *testServer {
	return &testServer{t: t, token: token}
}

func (s *testServer) packet(pt PacketType, body []byte) []byte {
	s.sequence++
	packet, err := EncryptPacket(pt, s.sequence, s.token.ProtocolID, &s.token.ServerToClientKey, body)
	require.NoError(s.t, err)
	return packet
}

func newTestToken(t *testing.T, addrs ...netip.AddrPort) *ConnectToken {
	if len(addrs) == 0 {
		addrs = []netip.AddrPort{testServerAddr}
	}
	token, err := GenerateConnectToken(0, 0xF00D, 300, 42, 5, addrs, nil, testPrivateKey())
	require.NoError(t, err)
	return token
}

func TestClient_HandshakeProgression(t *testing.T) {
	token := newTestToken(t)
	server := newTestServer(t, token)
	client := NewClient(0, token, DefaultSendRate, nil)

	assert.Equal(t, uint64(42), client.ClientID())
	assert.Equal(t, testServerAddr, client.ServerAddr())
	assert.False(t, client.Connected())

	// First tick emits the connection request immediately.
	packet, addr, ok := client.Update(0)
	require.True(t, ok)
	assert.Equal(t, testServerAddr, addr)
	assert.Equal(t, byte(PacketConnectionRequest), packet[0])

	// Nothing more until the send interval elapses.
	_, _, ok = client.Update(10 * time.Millisecond)
	assert.False(t, ok)

	// Challenge moves the client to responding and re-arms the send timer so
	// the response leaves on the same tick.
	challenge := []byte("opaque challenge blob")
	require.Nil(t, client.ProcessPacket(server.packet(PacketChallenge, challenge)))
	packet, addr, ok = client.Update(0)
	require.True(t, ok)
	assert.Equal(t, testServerAddr, addr)

	pt, _, body, err := DecryptPacket(packet, token.ProtocolID, &token.ClientToServerKey)
	require.NoError(t, err)
	assert.Equal(t, PacketChallengeResponse, pt)
	assert.Equal(t, challenge, body)
	assert.False(t, client.Connected())

	// A keep-alive while responding completes the handshake.
	require.Nil(t, client.ProcessPacket(server.packet(PacketKeepAlive, nil)))
	assert.True(t, client.Connected())

	// Connected clients emit keep-alives at the send rate.
	packet, _, ok = client.Update(DefaultSendRate)
	require.True(t, ok)
	pt, _, _, err = DecryptPacket(packet, token.ProtocolID, &token.ClientToServerKey)
	require.NoError(t, err)
	assert.Equal(t, PacketKeepAlive, pt)
}

func TestClient_PayloadPackets(t *testing.T) {
	token := newTestToken(t)
	server := newTestServer(t, token)
	client := NewClient(0, token, DefaultSendRate, nil)

	t.Run("payloads before connection are dropped", func(t *testing.T) {
		assert.Nil(t, client.ProcessPacket(server.packet(PacketPayload, []byte("early"))))
	})

	t.Run("generate refuses while not connected", func(t *testing.T) {
		_, _, err := client.GeneratePayloadPacket([]byte("data"))
		assert.Error(t, err)
	})

	client.ProcessPacket(server.packet(PacketChallenge, []byte("c")))
	client.ProcessPacket(server.packet(PacketKeepAlive, nil))
	require.True(t, client.Connected())

	t.Run("received payloads surface once connected", func(t *testing.T) {
		body := client.ProcessPacket(server.packet(PacketPayload, []byte("game state")))
		assert.Equal(t, []byte("game state"), body)
	})

	t.Run("generated payloads decrypt under the client key", func(t *testing.T) {
		addr, packet, err := client.GeneratePayloadPacket([]byte("input"))
		require.NoError(t, err)
		assert.Equal(t, testServerAddr, addr)

		pt, _, body, err := DecryptPacket(packet, token.ProtocolID, &token.ClientToServerKey)
		require.NoError(t, err)
		assert.Equal(t, PacketPayload, pt)
		assert.Equal(t, []byte("input"), body)
	})

	t.Run("oversize payload is refused", func(t *testing.T) {
		_, _, err := client.GeneratePayloadPacket(make([]byte, MaxPayloadBytes+1))
		assert.Error(t, err)
	})
}

func TestClient_DropsBadPackets(t *testing.T) {
	token := newTestToken(t)
	server := newTestServer(t, token)
	client := NewClient(0, token, DefaultSendRate, nil)
	client.ProcessPacket(server.packet(PacketChallenge, []byte("c")))
	client.ProcessPacket(server.packet(PacketKeepAlive, nil))
	require.True(t, client.Connected())

	t.Run("replayed packet", func(t *testing.T) {
		packet := server.packet(PacketPayload, []byte("once"))
		assert.Equal(t, []byte("once"), client.ProcessPacket(packet))
		assert.Nil(t, client.ProcessPacket(packet))
	})

	t.Run("wrong key", func(t *testing.T) {
		forged, err := EncryptPacket(PacketPayload, 999, token.ProtocolID, &[KeyBytes]byte{}, []byte("forged"))
		require.NoError(t, err)
		assert.Nil(t, client.ProcessPacket(forged))
	})

	t.Run("empty datagram", func(t *testing.T) {
		assert.Nil(t, client.ProcessPacket(nil))
	})

	// None of the above may tear the session down.
	assert.True(t, client.Connected())
}

func TestClient_ConnectionDenied(t *testing.T) {
	token := newTestToken(t)
	server := newTestServer(t, token)
	client := NewClient(0, token, DefaultSendRate, nil)

	client.ProcessPacket(server.packet(PacketConnectionDenied, nil))

	reason, terminal := client.Disconnected()
	require.True(t, terminal)
	assert.Equal(t, ReasonDenied, reason)

	_, _, ok := client.Update(time.Second)
	assert.False(t, ok)
}

func TestClient_TokenExpiry(t *testing.T) {
	token := newTestToken(t)
	client := NewClient(0, token, DefaultSendRate, nil)

	// Expiry lands at 300s on the issuing clock; jump straight past it.
	_, _, ok := client.Update(301 * time.Second)
	assert.False(t, ok)

	reason, terminal := client.Disconnected()
	require.True(t, terminal)
	assert.Equal(t, ReasonTokenExpired, reason)
}

func TestClient_TimeoutFallsBackToNextServer(t *testing.T) {
	second := netip.MustParseAddrPort("127.0.0.1:7001")
	token := newTestToken(t, testServerAddr, second)
	client := NewClient(0, token, DefaultSendRate, nil)

	client.Update(0)
	assert.Equal(t, testServerAddr, client.ServerAddr())

	// Five seconds of silence exhausts the token timeout; the client moves to
	// the next address and requests there immediately.
	packet, addr, ok := client.Update(5 * time.Second)
	require.True(t, ok)
	assert.Equal(t, second, addr)
	assert.Equal(t, second, client.ServerAddr())
	assert.Equal(t, byte(PacketConnectionRequest), packet[0])
	_, terminal := client.Disconnected()
	assert.False(t, terminal)

	// Silence on the last address is terminal.
	_, _, ok = client.Update(5 * time.Second)
	assert.False(t, ok)
	reason, terminal := client.Disconnected()
	require.True(t, terminal)
	assert.Equal(t, ReasonTimedOut, reason)
}

func TestClient_FallbackAcceptsFreshSequenceNumbers(t *testing.T) {
	second := netip.MustParseAddrPort("127.0.0.1:7001")
	token := newTestToken(t, testServerAddr, second)
	client := NewClient(0, token, DefaultSendRate, nil)
	client.Update(0)

	// The first server has been up a while, so its packets arrive with high
	// sequence numbers.
	first := newTestServer(t, token)
	first.sequence = 299
	require.Nil(t, client.ProcessPacket(first.packet(PacketChallenge, []byte("stale"))))

	packet, addr, ok := client.Update(5 * time.Second)
	require.True(t, ok)
	require.Equal(t, second, addr)
	require.Equal(t, byte(PacketConnectionRequest), packet[0])

	// The second server numbers its packets from 1. Its challenge must not be
	// discarded as a replay of the first server's traffic.
	fresh := newTestServer(t, token)
	require.Nil(t, client.ProcessPacket(fresh.packet(PacketChallenge, []byte("fresh"))))

	packet, addr, ok = client.Update(0)
	require.True(t, ok)
	assert.Equal(t, second, addr)
	pt, _, body, err := DecryptPacket(packet, token.ProtocolID, &token.ClientToServerKey)
	require.NoError(t, err)
	assert.Equal(t, PacketChallengeResponse, pt)
	assert.Equal(t, []byte("fresh"), body)
}

func TestClient_KeepAliveDefersTimeout(t *testing.T) {
	token := newTestToken(t)
	server := newTestServer(t, token)
	client := NewClient(0, token, DefaultSendRate, nil)
	client.ProcessPacket(server.packet(PacketChallenge, []byte("c")))
	client.ProcessPacket(server.packet(PacketKeepAlive, nil))
	require.True(t, client.Connected())

	for i := 0; i < 10; i++ {
		client.Update(4 * time.Second)
		client.ProcessPacket(server.packet(PacketKeepAlive, nil))
	}
	assert.True(t, client.Connected())

	client.Update(5 * time.Second)
	reason, terminal := client.Disconnected()
	require.True(t, terminal)
	assert.Equal(t, ReasonTimedOut, reason)
}

func TestClient_Disconnect(t *testing.T) {
	token := newTestToken(t)
	server := newTestServer(t, token)
	client := NewClient(0, token, DefaultSendRate, nil)
	client.ProcessPacket(server.packet(PacketChallenge, []byte("c")))
	client.ProcessPacket(server.packet(PacketKeepAlive, nil))
	require.True(t, client.Connected())

	addr, packet, err := client.Disconnect()
	require.NoError(t, err)
	assert.Equal(t, testServerAddr, addr)

	pt, _, _, err := DecryptPacket(packet, token.ProtocolID, &token.ClientToServerKey)
	require.NoError(t, err)
	assert.Equal(t, PacketDisconnect, pt)

	reason, terminal := client.Disconnected()
	require.True(t, terminal)
	assert.Equal(t, ReasonDisconnectedByClient, reason)

	_, _, err = client.Disconnect()
	assert.Error(t, err)
}

func TestClient_ServerDisconnect(t *testing.T) {
	token := newTestToken(t)
	server := newTestServer(t, token)
	client := NewClient(0, token, DefaultSendRate, nil)
	client.ProcessPacket(server.packet(PacketChallenge, []byte("c")))
	client.ProcessPacket(server.packet(PacketKeepAlive, nil))
	require.True(t, client.Connected())

	client.ProcessPacket(server.packet(PacketDisconnect, nil))
	reason, terminal := client.Disconnected()
	require.True(t, terminal)
	assert.Equal(t, ReasonDisconnectedByServer, reason)
}

func TestDisconnectReasonString(t *testing.T) {
	assert.Equal(t, "connect token expired", ReasonTokenExpired.String())
	assert.Equal(t, "disconnected by server", ReasonDisconnectedByServer.String())
	assert.Equal(t, "unknown", DisconnectReason(0).String())
}
