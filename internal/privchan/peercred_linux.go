//go:build linux

package privchan

import (
	"fmt"
	"net"

	"golang.org/x/sys/unix"
)

// peerCredentials asks the kernel for the identity of the connecting peer
// via SO_PEERCRED. This is the only authentication on the channel; no
// in-band secret exists to leak or replay.
func peerCredentials(conn net.Conn) (*PeerCred, error) {
	uc, ok := conn.(*net.UnixConn)
	if !ok {
		return nil, fmt.Errorf("connection is not a unix socket")
	}

	raw, err := uc.SyscallConn()
	if err != nil {
		return nil, err
	}

	var cred *unix.Ucred
	var credErr error
	ctrlErr := raw.Control(func(fd uintptr) {
		cred, credErr = unix.GetsockoptUcred(int(fd), unix.SOL_SOCKET, unix.SO_PEERCRED)
	})
	if ctrlErr != nil {
		return nil, ctrlErr
	}
	if credErr != nil {
		return nil, credErr
	}

	return &PeerCred{UID: cred.Uid, GID: cred.Gid, PID: cred.Pid}, nil
}
