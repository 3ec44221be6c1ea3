//go:build linux

package statusapi

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/user"
	"strconv"

	"golang.org/x/sys/unix"
)

// GroupChecker decides whether a peer may run connect and disconnect.
type GroupChecker interface {
	// IsInGroup reports whether the user uid belongs to groupName, either
	// as its primary group gid or as a supplementary group.
	IsInGroup(uid, gid uint32, groupName string) bool
}

// OSGroupChecker resolves membership through the host user and group
// database. Lookup failures count as "not a member".
type OSGroupChecker struct{}

// IsInGroup implements GroupChecker.
func (OSGroupChecker) IsInGroup(uid, gid uint32, groupName string) bool {
	grp, err := user.LookupGroup(groupName)
	if err != nil {
		return false
	}
	if strconv.FormatUint(uint64(gid), 10) == grp.Gid {
		return true
	}
	return hasSupplementaryGroup(uid, grp.Gid)
}

// hasSupplementaryGroup reports whether uid lists groupID among its groups.
func hasSupplementaryGroup(uid uint32, groupID string) bool {
	u, err := user.LookupId(strconv.FormatUint(uint64(uid), 10))
	if err != nil {
		return false
	}
	ids, err := u.GroupIds()
	if err != nil {
		return false
	}
	for _, id := range ids {
		if id == groupID {
			return true
		}
	}
	return false
}

// PeerCredentials identifies the local process that opened a connection to
// the status socket.
type PeerCredentials struct {
	PID uint32
	UID uint32
	GID uint32
}

// GetPeerCredentials reads SO_PEERCRED from conn. It fails for anything
// other than a Unix socket, which keeps the TCP listener out of this path.
func GetPeerCredentials(conn net.Conn) (*PeerCredentials, error) {
	unixConn, ok := conn.(*net.UnixConn)
	if !ok {
		return nil, fmt.Errorf("statusapi: auth: %T is not a Unix socket connection", conn)
	}
	raw, err := unixConn.SyscallConn()
	if err != nil {
		return nil, fmt.Errorf("statusapi: auth: get syscall conn: %w", err)
	}
	var (
		cred    *unix.Ucred
		credErr error
	)
	if err := raw.Control(func(fd uintptr) {
		cred, credErr = unix.GetsockoptUcred(int(fd), unix.SOL_SOCKET, unix.SO_PEERCRED)
	}); err != nil {
		return nil, fmt.Errorf("statusapi: auth: control: %w", err)
	}
	if credErr != nil {
		return nil, fmt.Errorf("statusapi: auth: getsockopt SO_PEERCRED: %w", credErr)
	}
	return &PeerCredentials{PID: uint32(cred.Pid), UID: cred.Uid, GID: cred.Gid}, nil
}

// PeerCredGetter returns the credentials of the process behind a request.
type PeerCredGetter interface {
	GetPeerCredentials(r *http.Request) (*PeerCredentials, error)
}

type peerCredKey struct{}

// connContextWithPeerCred is an http.Server ConnContext hook. Credentials
// are read once per connection and carried on every request context; a
// failure leaves them absent so the control middleware denies the request.
func connContextWithPeerCred(logger *slog.Logger) func(ctx context.Context, c net.Conn) context.Context {
	return func(ctx context.Context, c net.Conn) context.Context {
		cred, err := GetPeerCredentials(c)
		if err != nil {
			logger.Debug("failed to get peer credentials", "error", err)
			return ctx
		}
		return context.WithValue(ctx, peerCredKey{}, cred)
	}
}

// contextPeerCredGetter reads what connContextWithPeerCred stored.
type contextPeerCredGetter struct{}

func (contextPeerCredGetter) GetPeerCredentials(r *http.Request) (*PeerCredentials, error) {
	cred, ok := r.Context().Value(peerCredKey{}).(*PeerCredentials)
	if !ok || cred == nil {
		return nil, fmt.Errorf("statusapi: peer credentials not available")
	}
	return cred, nil
}

// ControlAuthMiddleware guards the control routes. Root and members of group
// pass; every other peer, and any request without credentials, gets 403.
func ControlAuthMiddleware(group string, checker GroupChecker, getter PeerCredGetter, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			cred, err := getter.GetPeerCredentials(r)
			if err != nil {
				logger.Error("failed to get peer credentials", "error", err)
				writeError(w, http.StatusForbidden, "forbidden")
				return
			}
			if cred.UID == 0 || checker.IsInGroup(cred.UID, cred.GID, group) {
				next.ServeHTTP(w, r)
				return
			}
			logger.Warn("control access denied",
				"uid", cred.UID,
				"gid", cred.GID,
				"path", r.URL.Path,
			)
			writeError(w, http.StatusForbidden, "forbidden: not a member of "+group)
		})
	}
}

// controlAuth returns the middleware for the Unix listener. An empty group
// leaves control open to anyone who can reach the socket.
func controlAuth(group string, logger *slog.Logger) func(http.Handler) http.Handler {
	if group == "" {
		return passthrough
	}
	return ControlAuthMiddleware(group, OSGroupChecker{}, contextPeerCredGetter{}, logger)
}

// setSocketPermissions hands the socket to group with mode 0660, or opens it
// to everyone when the group does not exist.
func setSocketPermissions(socketPath, group string, logger *slog.Logger) error {
	grp, err := user.LookupGroup(group)
	if err != nil {
		logger.Warn("socket group not found, using permissive socket permissions",
			"group", group,
			"error", err,
		)
		return os.Chmod(socketPath, 0666)
	}
	gid, err := strconv.Atoi(grp.Gid)
	if err != nil {
		return fmt.Errorf("statusapi: auth: parse gid: %w", err)
	}
	if err := os.Chown(socketPath, 0, gid); err != nil {
		return fmt.Errorf("statusapi: auth: chown socket: %w", err)
	}
	if err := os.Chmod(socketPath, 0660); err != nil {
		return fmt.Errorf("statusapi: auth: chmod socket: %w", err)
	}
	return nil
}
