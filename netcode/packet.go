package netcode

import (
	"encoding/binary"
	"fmt"

	"golang.org/x/crypto/chacha20poly1305"
)

// PacketType identifies the role of a datagram within the handshake protocol.
type PacketType byte

const (
	// PacketConnectionRequest opens a handshake; it is the only plaintext
	// packet and carries the sealed private token.
	PacketConnectionRequest PacketType = iota
	// PacketConnectionDenied tells a requesting client the server refused it.
	PacketConnectionDenied
	// PacketChallenge carries the server's opaque challenge blob.
	PacketChallenge
	// PacketChallengeResponse echoes the challenge blob back to the server.
	PacketChallengeResponse
	// PacketKeepAlive confirms and then maintains an established session.
	PacketKeepAlive
	// PacketPayload wraps one reliable-transport packet.
	PacketPayload
	// PacketDisconnect signals an orderly teardown.
	PacketDisconnect
)

// String returns a human-readable name for the packet type.
func (t PacketType) String() string {
	switch t {
	case PacketConnectionRequest:
		return "connection_request"
	case PacketConnectionDenied:
		return "connection_denied"
	case PacketChallenge:
		return "challenge"
	case PacketChallengeResponse:
		return "challenge_response"
	case PacketKeepAlive:
		return "keep_alive"
	case PacketPayload:
		return "payload"
	case PacketDisconnect:
		return "disconnect"
	default:
		return "unknown"
	}
}

// EncryptPacket builds the wire form of a sequenced packet: the type byte, an
// 8-byte little-endian sequence number, then the ChaCha20-Poly1305 sealed
// body. The sequence number feeds the AEAD nonce, and the protocol id plus
// packet type are bound as associated data so packets cannot be replayed
// across protocols or repurposed as a different type.
//
// Parameters:
//   - t: Packet type (must not be PacketConnectionRequest, which is plaintext)
//   - sequence: Monotonic per-direction sequence number
//   - protocolID: Application protocol identifier
//   - key: Sending direction's session key
//   - body: Plaintext body; may be empty
//
// Returns:
//   - The complete datagram, or an error if the packet would exceed
//     MaxPacketBytes or the cipher cannot be constructed
func EncryptPacket(t PacketType, sequence uint64, protocolID uint64, key *[KeyBytes]byte, body []byte) ([]byte, error) {
	if t == PacketConnectionRequest {
		return nil, fmt.Errorf("netcode: connection request packets are not encrypted")
	}
	if packetHeaderBytes+len(body)+macBytes > MaxPacketBytes {
		return nil, fmt.Errorf("netcode: %s body of %d bytes exceeds packet budget", t, len(body))
	}

	aead, err := chacha20poly1305.New(key[:])
	if err != nil {
		return nil, fmt.Errorf("netcode: packet cipher: %w", err)
	}

	packet := make([]byte, 0, packetHeaderBytes+len(body)+macBytes)
	packet = append(packet, byte(t))
	packet = binary.LittleEndian.AppendUint64(packet, sequence)
	return aead.Seal(packet, packetNonce(sequence), body, packetAssociatedData(t, protocolID)), nil
}

// DecryptPacket parses and authenticates the wire form produced by
// EncryptPacket.
//
// Parameters:
//   - packet: The complete received datagram
//   - protocolID: Expected protocol identifier
//   - key: Receiving direction's session key
//
// Returns:
//   - The packet type, its sequence number, and the decrypted body, or an
//     error if the packet is malformed or fails authentication
func DecryptPacket(packet []byte, protocolID uint64, key *[KeyBytes]byte) (PacketType, uint64, []byte, error) {
	if len(packet) < packetHeaderBytes+macBytes {
		return 0, 0, nil, fmt.Errorf("netcode: packet of %d bytes is too short", len(packet))
	}

	t := PacketType(packet[0])
	if t == PacketConnectionRequest || t > PacketDisconnect {
		return 0, 0, nil, fmt.Errorf("netcode: unexpected packet type %d", packet[0])
	}
	sequence := binary.LittleEndian.Uint64(packet[1:packetHeaderBytes])

	aead, err := chacha20poly1305.New(key[:])
	if err != nil {
		return 0, 0, nil, fmt.Errorf("netcode: packet cipher: %w", err)
	}

	body, err := aead.Open(nil, packetNonce(sequence), packet[packetHeaderBytes:], packetAssociatedData(t, protocolID))
	if err != nil {
		return 0, 0, nil, fmt.Errorf("netcode: authenticate %s packet: %w", t, err)
	}
	return t, sequence, body, nil
}

// BuildConnectionRequest assembles the plaintext connection request datagram:
// the type byte, protocol id, token expiry, token nonce, and the sealed
// private token data.
//
// Parameters:
//   - token: The connect token to request with
//
// Returns:
//   - The complete datagram
func BuildConnectionRequest(token *ConnectToken) []byte {
	packet := make([]byte, 0, 1+16+TokenNonceBytes+len(token.PrivateData))
	packet = append(packet, byte(PacketConnectionRequest))
	packet = binary.LittleEndian.AppendUint64(packet, token.ProtocolID)
	packet = binary.LittleEndian.AppendUint64(packet, token.ExpireTimestamp)
	packet = append(packet, token.Nonce[:]...)
	return append(packet, token.PrivateData...)
}

// ParseConnectionRequest splits a connection request datagram into its fields.
// The private data is returned still sealed; servers open it with
// OpenPrivateData.
//
// Parameters:
//   - packet: The complete received datagram
//
// Returns:
//   - The protocol id, token expiry, token nonce, and sealed private data, or
//     an error if the datagram is not a well-formed connection request
func ParseConnectionRequest(packet []byte) (protocolID uint64, expireTimestamp uint64, nonce [TokenNonceBytes]byte, privateData []byte, err error) {
	const headerBytes = 1 + 16 + TokenNonceBytes
	if len(packet) < headerBytes+macBytes {
		err = fmt.Errorf("netcode: connection request of %d bytes is too short", len(packet))
		return
	}
	if PacketType(packet[0]) != PacketConnectionRequest {
		err = fmt.Errorf("netcode: packet type %d is not a connection request", packet[0])
		return
	}
	protocolID = binary.LittleEndian.Uint64(packet[1:9])
	expireTimestamp = binary.LittleEndian.Uint64(packet[9:17])
	copy(nonce[:], packet[17:17+TokenNonceBytes])
	privateData = packet[headerBytes:]
	return
}

// packetNonce derives the 12-byte AEAD nonce from the packet sequence number.
// Sequence numbers never repeat within a session key's lifetime, so the nonce
// is unique per direction.
func packetNonce(sequence uint64) []byte {
	nonce := make([]byte, chacha20poly1305.NonceSize)
	binary.LittleEndian.PutUint64(nonce[4:], sequence)
	return nonce
}

func packetAssociatedData(t PacketType, protocolID uint64) []byte {
	aad := make([]byte, 9)
	binary.LittleEndian.PutUint64(aad, protocolID)
	aad[8] = byte(t)
	return aad
}
