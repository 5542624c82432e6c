//go:build linux

package ipc

import (
	"fmt"
	"net"
	"os/user"
	"strconv"

	"golang.org/x/sys/unix"
)

// UnixPeerInspector reads SO_PEERCRED off the accepted socket and
// resolves the user's group names. Signature and identifier fields stay
// empty here; the signature verifier is a separate platform component
// that decorates the ClientInfo before authentication.
type UnixPeerInspector struct{}

// Inspect implements PeerInspector.
func (UnixPeerInspector) Inspect(conn net.Conn) (*ClientInfo, error) {
	uc, ok := conn.(*net.UnixConn)
	if !ok {
		return nil, fmt.Errorf("not a unix socket connection: %T", conn)
	}

	raw, err := uc.SyscallConn()
	if err != nil {
		return nil, fmt.Errorf("raw conn: %w", err)
	}

	var cred *unix.Ucred
	var credErr error
	err = raw.Control(func(fd uintptr) {
		cred, credErr = unix.GetsockoptUcred(int(fd), unix.SOL_SOCKET, unix.SO_PEERCRED)
	})
	if err != nil {
		return nil, fmt.Errorf("socket control: %w", err)
	}
	if credErr != nil {
		return nil, fmt.Errorf("reading peer credentials: %w", credErr)
	}

	info := &ClientInfo{UID: cred.Uid, PID: cred.Pid}

	u, err := user.LookupId(strconv.FormatUint(uint64(cred.Uid), 10))
	if err != nil {
		return info, nil // unknown uid: no groups, authenticator decides
	}
	gids, err := u.GroupIds()
	if err != nil {
		return info, nil
	}
	for _, gid := range gids {
		if g, err := user.LookupGroupId(gid); err == nil {
			info.Groups = append(info.Groups, g.Name)
		}
	}
	return info, nil
}
