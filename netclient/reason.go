package netclient

import (
	"github.com/cyberinferno/go-netcode/netcode"
	"github.com/cyberinferno/go-netcode/reliable"
)

// DisconnectionReason is the terminal cause of a session, merging the causes
// of both sub-layers and the explicit local disconnect into one value, so
// callers check a single reason instead of interrogating each layer.
type DisconnectionReason int

const (
	// ReasonTokenExpired means the connect token ran out before the handshake
	// completed.
	ReasonTokenExpired DisconnectionReason = iota + 1
	// ReasonHandshakeTimedOut means the handshake layer saw no authenticated
	// traffic within the token's timeout.
	ReasonHandshakeTimedOut
	// ReasonConnectionDenied means the server refused the connection.
	ReasonConnectionDenied
	// ReasonDisconnectedByClient means Disconnect was called locally.
	ReasonDisconnectedByClient
	// ReasonDisconnectedByServer means the server tore the session down.
	ReasonDisconnectedByServer
	// ReasonTransportTimedOut means the reliable transport saw no inbound
	// packets within its timeout.
	ReasonTransportTimedOut
	// ReasonMalformedPacket means the peer violated the reliable transport's
	// protocol.
	ReasonMalformedPacket
	// ReasonSendQueueFull means a reliable channel's send queue overflowed.
	ReasonSendQueueFull
)

// String returns a human-readable description of the reason.
func (r DisconnectionReason) String() string {
	switch r {
	case ReasonTokenExpired:
		return "connect token expired"
	case ReasonHandshakeTimedOut:
		return "handshake timed out"
	case ReasonConnectionDenied:
		return "connection denied"
	case ReasonDisconnectedByClient:
		return "disconnected by client"
	case ReasonDisconnectedByServer:
		return "disconnected by server"
	case ReasonTransportTimedOut:
		return "transport timed out"
	case ReasonMalformedPacket:
		return "malformed transport packet"
	case ReasonSendQueueFull:
		return "send queue overflow"
	default:
		return "unknown"
	}
}

// DisconnectedError is returned by Update once the session is terminal. The
// reason can be recovered with errors.As.
type DisconnectedError struct {
	Reason DisconnectionReason
}

// Error implements error.
func (e *DisconnectedError) Error() string {
	return "netclient: disconnected: " + e.Reason.String()
}

// fromHandshake maps a handshake-layer reason into the merged enum.
func fromHandshake(r netcode.DisconnectReason) DisconnectionReason {
	switch r {
	case netcode.ReasonTokenExpired:
		return ReasonTokenExpired
	case netcode.ReasonTimedOut:
		return ReasonHandshakeTimedOut
	case netcode.ReasonDenied:
		return ReasonConnectionDenied
	case netcode.ReasonDisconnectedByClient:
		return ReasonDisconnectedByClient
	case netcode.ReasonDisconnectedByServer:
		return ReasonDisconnectedByServer
	default:
		return ReasonDisconnectedByServer
	}
}

// fromTransport maps a reliable-layer reason into the merged enum.
func fromTransport(r reliable.DisconnectReason) DisconnectionReason {
	switch r {
	case reliable.ReasonTimedOut:
		return ReasonTransportTimedOut
	case reliable.ReasonMalformedPacket:
		return ReasonMalformedPacket
	case reliable.ReasonSendQueueFull:
		return ReasonSendQueueFull
	default:
		return ReasonTransportTimedOut
	}
}
