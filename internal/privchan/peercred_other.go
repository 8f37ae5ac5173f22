//go:build !linux

package privchan

import (
	"errors"
	"net"
)

// peerCredentials fails closed on platforms without a peer credential
// facility: no identity, no connection.
func peerCredentials(conn net.Conn) (*PeerCred, error) {
	return nil, errors.New("peer credentials not supported on this platform")
}
