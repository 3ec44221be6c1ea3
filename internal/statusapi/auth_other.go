//go:build !linux

package statusapi

import (
	"context"
	"log/slog"
	"net"
	"net/http"
	"os"
)

func connContextWithPeerCred(_ *slog.Logger) func(ctx context.Context, c net.Conn) context.Context {
	return nil
}

// controlAuth is a no-op without SO_PEERCRED.
func controlAuth(_ string, _ *slog.Logger) func(http.Handler) http.Handler {
	return passthrough
}

func setSocketPermissions(socketPath, _ string, _ *slog.Logger) error {
	return os.Chmod(socketPath, 0666)
}
