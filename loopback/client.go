package loopback

import (
	"fmt"
	"net"
	"net/netip"

	"github.com/cyberinferno/go-netcode/netclient"
)

// NewLocalClient constructs a session over a fresh ephemeral loopback socket
// using the insecure zero-key token path. This is the testing-only
// convenience constructor; production code builds its own socket and
// authentication and calls netclient.NewClient directly.
//
// Parameters:
//   - protocolID: Protocol identifier to present
//   - clientID: Client identifier to present
//   - serverAddr: Server to connect to
//   - cfg: Connection configuration (e.g. netclient.DefaultConfig())
//
// Returns:
//   - The session, the underlying socket for the caller to close, or an error
func NewLocalClient(protocolID, clientID uint64, serverAddr netip.AddrPort, cfg netclient.Config) (*netclient.Client, *net.UDPConn, error) {
	conn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		return nil, nil, fmt.Errorf("loopback: bind client socket: %w", err)
	}

	client, err := netclient.NewClient(0, conn, cfg, netclient.UnsecureAuthentication{
		ProtocolID: protocolID,
		ClientID:   clientID,
		ServerAddr: serverAddr,
	})
	if err != nil {
		conn.Close()
		return nil, nil, err
	}
	return client, conn, nil
}
