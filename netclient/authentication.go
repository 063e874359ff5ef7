package netclient

import (
	"fmt"
	"net/netip"
	"time"

	"github.com/cyberinferno/go-netcode/netcode"
)

// Token synthesis constants for the unsecure path.
const (
	unsecureTokenExpireSeconds  = 300
	unsecureTokenTimeoutSeconds = 15
)

// Authentication selects how a session proves itself to the server. It is
// consumed exactly once, at construction, to produce the session's connect
// token.
type Authentication interface {
	resolveToken(currentTime time.Duration) (*netcode.ConnectToken, error)
}

// SecureAuthentication connects with a pre-issued connect token obtained from
// a trusted token issuer. This is the production path.
type SecureAuthentication struct {
	// Token is the opaque pre-issued credential.
	Token *netcode.ConnectToken
}

func (a SecureAuthentication) resolveToken(time.Duration) (*netcode.ConnectToken, error) {
	if a.Token == nil {
		return nil, fmt.Errorf("netclient: secure authentication requires a connect token")
	}
	return a.Token, nil
}

// UnsecureAuthentication synthesizes a connect token locally under the
// well-known all-zero key, with fixed expiry and timeout. Any server knowing
// the protocol id can accept it, so this path is explicitly insecure and
// belongs in testing and prototyping only.
type UnsecureAuthentication struct {
	// ProtocolID is the application protocol identifier.
	ProtocolID uint64
	// ClientID is the stable client identifier to present.
	ClientID uint64
	// ServerAddr is the single server to connect to.
	ServerAddr netip.AddrPort
	// UserData is an optional fixed-size opaque blob; nil means all zeroes.
	UserData *[netcode.UserDataBytes]byte
}

func (a UnsecureAuthentication) resolveToken(currentTime time.Duration) (*netcode.ConnectToken, error) {
	token, err := netcode.GenerateConnectToken(
		currentTime,
		a.ProtocolID,
		unsecureTokenExpireSeconds,
		a.ClientID,
		unsecureTokenTimeoutSeconds,
		[]netip.AddrPort{a.ServerAddr},
		a.UserData,
		new([netcode.KeyBytes]byte),
	)
	if err != nil {
		return nil, fmt.Errorf("netclient: synthesize unsecure token: %w", err)
	}
	return token, nil
}
