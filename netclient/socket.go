package netclient

import (
	"fmt"
	"net"
	"net/netip"
	"os"
	"syscall"

	"golang.org/x/sys/unix"
)

// DatagramConn is the non-blocking datagram socket surface a session drives.
// A would-block receive reports ok=false rather than suspending the caller.
// Implementations are bound to exactly one local address; the session filters
// senders itself.
type DatagramConn interface {
	// ReceiveFrom performs one non-blocking receive into buf.
	//
	// Parameters:
	//   - buf: Destination buffer for the datagram
	//
	// Returns:
	//   - The datagram length, the sender address, ok=true when a datagram
	//     was read (ok=false means no data is currently available), and any
	//     receive error
	ReceiveFrom(buf []byte) (n int, from netip.AddrPort, ok bool, err error)

	// SendTo transmits one datagram to the given address.
	//
	// Parameters:
	//   - b: The datagram to send
	//   - addr: Destination address
	//
	// Returns:
	//   - An error if the send failed
	SendTo(b []byte, addr netip.AddrPort) error
}

// UDPSocket adapts an already-bound *net.UDPConn to DatagramConn by receiving
// through the raw file descriptor with MSG_DONTWAIT, so a receive with no
// pending datagram returns immediately instead of engaging the runtime
// poller. The runtime keeps the descriptor in non-blocking mode, so sends go
// through the net package unchanged.
type UDPSocket struct {
	conn *net.UDPConn
	raw  syscall.RawConn
}

// NewUDPSocket wraps a bound UDP socket for non-blocking session use.
//
// Parameters:
//   - conn: An already-bound UDP socket; the socket stays owned by the caller
//     for closing purposes but must not be read elsewhere while the session
//     lives
//
// Returns:
//   - The adapter, or an error if the raw descriptor cannot be obtained
func NewUDPSocket(conn *net.UDPConn) (*UDPSocket, error) {
	raw, err := conn.SyscallConn()
	if err != nil {
		return nil, fmt.Errorf("netclient: set socket non-blocking mode: %w", err)
	}
	return &UDPSocket{conn: conn, raw: raw}, nil
}

// ReceiveFrom implements DatagramConn.
func (s *UDPSocket) ReceiveFrom(buf []byte) (int, netip.AddrPort, bool, error) {
	var (
		n    int
		from netip.AddrPort
		ok   bool
		rerr error
	)

	ctrlErr := s.raw.Read(func(fd uintptr) bool {
		nn, sa, err := unix.Recvfrom(int(fd), buf, unix.MSG_DONTWAIT)
		switch err {
		case nil:
			n, from, ok = nn, addrPortFromSockaddr(sa), true
		case unix.EAGAIN:
			// no datagram pending; EWOULDBLOCK aliases EAGAIN on Linux
		case unix.EINTR:
			// interrupted before any data; treat as no data this pass
		default:
			rerr = os.NewSyscallError("recvfrom", err)
		}
		return true
	})
	if ctrlErr != nil {
		return 0, netip.AddrPort{}, false, fmt.Errorf("netclient: raw receive: %w", ctrlErr)
	}
	return n, from, ok, rerr
}

// SendTo implements DatagramConn.
func (s *UDPSocket) SendTo(b []byte, addr netip.AddrPort) error {
	_, err := s.conn.WriteToUDPAddrPort(b, addr)
	return err
}

// addrPortFromSockaddr converts a kernel sockaddr into a netip.AddrPort,
// unmapping 4-in-6 addresses so peer comparisons are representation-agnostic.
func addrPortFromSockaddr(sa unix.Sockaddr) netip.AddrPort {
	switch sa := sa.(type) {
	case *unix.SockaddrInet4:
		return netip.AddrPortFrom(netip.AddrFrom4(sa.Addr), uint16(sa.Port))
	case *unix.SockaddrInet6:
		return netip.AddrPortFrom(netip.AddrFrom16(sa.Addr).Unmap(), uint16(sa.Port))
	default:
		return netip.AddrPort{}
	}
}
