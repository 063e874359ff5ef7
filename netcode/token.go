// Package netcode implements the secure handshake layer of the transport: a
// token-authenticated, ChaCha20-Poly1305 encrypted connection protocol in the
// netcode style. It owns connect-token generation and validation, the client
// handshake state machine, per-packet encryption, and keep-alive timing.
package netcode

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"net/netip"
	"time"

	"golang.org/x/crypto/chacha20poly1305"
)

// Wire-level constants bounding the protocol.
const (
	// MaxPacketBytes is the largest datagram either side will ever produce;
	// receive buffers must accommodate it.
	MaxPacketBytes = 1300

	// MaxPayloadBytes is the application payload budget of a payload packet
	// after the packet header and AEAD tag are accounted for.
	MaxPayloadBytes = MaxPacketBytes - packetHeaderBytes - macBytes

	// KeyBytes is the size of every symmetric key in the protocol.
	KeyBytes = chacha20poly1305.KeySize

	// UserDataBytes is the fixed size of the opaque user-data blob carried in
	// the private portion of a connect token.
	UserDataBytes = 256

	// TokenNonceBytes is the size of the XChaCha20 nonce sealing the private
	// portion of a connect token.
	TokenNonceBytes = chacha20poly1305.NonceSizeX

	// MaxServerAddresses is the largest server address list a token may carry.
	MaxServerAddresses = 32

	macBytes          = chacha20poly1305.Overhead
	packetHeaderBytes = 1 + sequenceBytes
	sequenceBytes     = 8
)

// ConnectToken is the credential authorizing a client to establish a secure
// session with a specific server set. The public fields drive the client side
// of the handshake; PrivateData is the sealed portion only the token issuer
// and the servers can open.
type ConnectToken struct {
	ProtocolID      uint64
	ClientID        uint64
	CreateTimestamp uint64 // seconds on the issuing clock
	ExpireTimestamp uint64 // seconds on the issuing clock
	TimeoutSeconds  int32  // inactivity timeout; <= 0 disables
	Nonce           [TokenNonceBytes]byte
	ServerAddresses []netip.AddrPort

	ClientToServerKey [KeyBytes]byte
	ServerToClientKey [KeyBytes]byte

	// PrivateData is the sealed private portion, forwarded verbatim inside
	// connection request packets.
	PrivateData []byte
}

// PrivateConnectToken is the decrypted private portion of a ConnectToken, as
// recovered by a server holding the issuer key.
type PrivateConnectToken struct {
	ClientID          uint64
	TimeoutSeconds    int32
	ServerAddresses   []netip.AddrPort
	ClientToServerKey [KeyBytes]byte
	ServerToClientKey [KeyBytes]byte
	UserData          [UserDataBytes]byte
}

// GenerateConnectToken builds a connect token, generating fresh per-direction
// session keys and sealing the private portion with XChaCha20-Poly1305 under
// the issuer's private key. Tokens generated with an all-zero key are
// explicitly insecure and belong in testing and prototyping only.
//
// Parameters:
//   - currentTime: Logical time of issue; the expiry clock starts here
//   - protocolID: Application protocol identifier mixed into all packet AEADs
//   - expireSeconds: Seconds from currentTime until the token stops being usable
//   - clientID: Stable client identifier carried by the token
//   - timeoutSeconds: Inactivity timeout granted to the session; <= 0 disables
//   - serverAddresses: Candidate servers, tried in order (1..MaxServerAddresses)
//   - userData: Optional fixed-size opaque blob; nil means all zeroes
//   - privateKey: Issuer key sealing the private portion
//
// Returns:
//   - The generated token, or an error if the address list is invalid or
//     entropy/sealing fails
func GenerateConnectToken(
	currentTime time.Duration,
	protocolID uint64,
	expireSeconds uint64,
	clientID uint64,
	timeoutSeconds int32,
	serverAddresses []netip.AddrPort,
	userData *[UserDataBytes]byte,
	privateKey *[KeyBytes]byte,
) (*ConnectToken, error) {
	if len(serverAddresses) == 0 || len(serverAddresses) > MaxServerAddresses {
		return nil, fmt.Errorf("netcode: need 1..%d server addresses, got %d", MaxServerAddresses, len(serverAddresses))
	}
	for _, addr := range serverAddresses {
		if !addr.IsValid() || addr.Port() == 0 {
			return nil, fmt.Errorf("netcode: invalid server address %s", addr)
		}
	}

	token := &ConnectToken{
		ProtocolID:      protocolID,
		ClientID:        clientID,
		CreateTimestamp: uint64(currentTime / time.Second),
		TimeoutSeconds:  timeoutSeconds,
		ServerAddresses: append([]netip.AddrPort(nil), serverAddresses...),
	}
	token.ExpireTimestamp = token.CreateTimestamp + expireSeconds

	if _, err := rand.Read(token.Nonce[:]); err != nil {
		return nil, fmt.Errorf("netcode: generate token nonce: %w", err)
	}
	if _, err := rand.Read(token.ClientToServerKey[:]); err != nil {
		return nil, fmt.Errorf("netcode: generate session key: %w", err)
	}
	if _, err := rand.Read(token.ServerToClientKey[:]); err != nil {
		return nil, fmt.Errorf("netcode: generate session key: %w", err)
	}

	private := PrivateConnectToken{
		ClientID:          clientID,
		TimeoutSeconds:    timeoutSeconds,
		ServerAddresses:   token.ServerAddresses,
		ClientToServerKey: token.ClientToServerKey,
		ServerToClientKey: token.ServerToClientKey,
	}
	if userData != nil {
		private.UserData = *userData
	}

	sealed, err := sealPrivateData(&private, protocolID, token.ExpireTimestamp, token.Nonce, privateKey)
	if err != nil {
		return nil, err
	}
	token.PrivateData = sealed

	return token, nil
}

// sealPrivateData serializes and seals the private portion of a token. The
// protocol id and expiry timestamp are bound as associated data so a token
// cannot be replayed under a different protocol or lifetime.
func sealPrivateData(
	private *PrivateConnectToken,
	protocolID uint64,
	expireTimestamp uint64,
	nonce [TokenNonceBytes]byte,
	privateKey *[KeyBytes]byte,
) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(privateKey[:])
	if err != nil {
		return nil, fmt.Errorf("netcode: token cipher: %w", err)
	}

	plaintext := make([]byte, 0, 64+len(private.ServerAddresses)*19+UserDataBytes)
	plaintext = binary.LittleEndian.AppendUint64(plaintext, private.ClientID)
	plaintext = binary.LittleEndian.AppendUint32(plaintext, uint32(private.TimeoutSeconds))
	plaintext = append(plaintext, byte(len(private.ServerAddresses)))
	for _, addr := range private.ServerAddresses {
		plaintext = appendAddress(plaintext, addr)
	}
	plaintext = append(plaintext, private.ClientToServerKey[:]...)
	plaintext = append(plaintext, private.ServerToClientKey[:]...)
	plaintext = append(plaintext, private.UserData[:]...)

	return aead.Seal(nil, nonce[:], plaintext, tokenAssociatedData(protocolID, expireTimestamp)), nil
}

// OpenPrivateData decrypts the private portion of a connect token, as a server
// holding the issuer key does when it receives a connection request.
//
// Parameters:
//   - privateData: The sealed private portion from the token or request packet
//   - protocolID: Expected protocol identifier
//   - expireTimestamp: Expiry timestamp the token was sealed with
//   - nonce: Token nonce the private portion was sealed with
//   - privateKey: Issuer key
//
// Returns:
//   - The decoded private token, or an error if authentication or decoding fails
func OpenPrivateData(
	privateData []byte,
	protocolID uint64,
	expireTimestamp uint64,
	nonce [TokenNonceBytes]byte,
	privateKey *[KeyBytes]byte,
) (*PrivateConnectToken, error) {
	aead, err := chacha20poly1305.NewX(privateKey[:])
	if err != nil {
		return nil, fmt.Errorf("netcode: token cipher: %w", err)
	}

	plaintext, err := aead.Open(nil, nonce[:], privateData, tokenAssociatedData(protocolID, expireTimestamp))
	if err != nil {
		return nil, fmt.Errorf("netcode: open token private data: %w", err)
	}

	private := &PrivateConnectToken{}
	r := byteReader{buf: plaintext}
	private.ClientID = r.uint64()
	private.TimeoutSeconds = int32(r.uint32())
	count := int(r.byte())
	if count < 1 || count > MaxServerAddresses {
		return nil, fmt.Errorf("netcode: token has %d server addresses", count)
	}
	for i := 0; i < count; i++ {
		addr, ok := r.address()
		if !ok {
			return nil, fmt.Errorf("netcode: truncated token address list")
		}
		private.ServerAddresses = append(private.ServerAddresses, addr)
	}
	r.read(private.ClientToServerKey[:])
	r.read(private.ServerToClientKey[:])
	r.read(private.UserData[:])
	if r.failed {
		return nil, fmt.Errorf("netcode: truncated token private data")
	}

	return private, nil
}

func tokenAssociatedData(protocolID, expireTimestamp uint64) []byte {
	aad := make([]byte, 0, 16)
	aad = binary.LittleEndian.AppendUint64(aad, protocolID)
	aad = binary.LittleEndian.AppendUint64(aad, expireTimestamp)
	return aad
}

// appendAddress serializes an address as a family tag, the raw address bytes,
// and a little-endian port.
func appendAddress(b []byte, addr netip.AddrPort) []byte {
	ip := addr.Addr().Unmap()
	if ip.Is4() {
		raw := ip.As4()
		b = append(b, 4)
		b = append(b, raw[:]...)
	} else {
		raw := ip.As16()
		b = append(b, 6)
		b = append(b, raw[:]...)
	}
	return binary.LittleEndian.AppendUint16(b, addr.Port())
}

// byteReader is a cursor over a byte slice that records, rather than panics
// on, short reads.
type byteReader struct {
	buf    []byte
	failed bool
}

func (r *byteReader) take(n int) []byte {
	if r.failed || len(r.buf) < n {
		r.failed = true
		return nil
	}
	out := r.buf[:n]
	r.buf = r.buf[n:]
	return out
}

func (r *byteReader) byte() byte {
	b := r.take(1)
	if b == nil {
		return 0
	}
	return b[0]
}

func (r *byteReader) uint32() uint32 {
	b := r.take(4)
	if b == nil {
		return 0
	}
	return binary.LittleEndian.Uint32(b)
}

func (r *byteReader) uint64() uint64 {
	b := r.take(8)
	if b == nil {
		return 0
	}
	return binary.LittleEndian.Uint64(b)
}

func (r *byteReader) read(dst []byte) {
	b := r.take(len(dst))
	if b != nil {
		copy(dst, b)
	}
}

func (r *byteReader) address() (netip.AddrPort, bool) {
	family := r.byte()
	var ip netip.Addr
	switch family {
	case 4:
		b := r.take(4)
		if b == nil {
			return netip.AddrPort{}, false
		}
		ip = netip.AddrFrom4([4]byte(b))
	case 6:
		b := r.take(16)
		if b == nil {
			return netip.AddrPort{}, false
		}
		ip = netip.AddrFrom16([16]byte(b))
	default:
		r.failed = true
		return netip.AddrPort{}, false
	}
	port := r.take(2)
	if port == nil {
		return netip.AddrPort{}, false
	}
	return netip.AddrPortFrom(ip, binary.LittleEndian.Uint16(port)), true
}
