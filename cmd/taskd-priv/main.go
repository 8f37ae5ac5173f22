// Package main implements the privileged helper daemon. It runs with
// elevated rights, listens on a mode-restricted local socket and executes
// only the closed command vocabulary on behalf of authenticated peers.
package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/clusterkit/taskd/internal/config"
	"github.com/clusterkit/taskd/internal/platform/logger"
	"github.com/clusterkit/taskd/internal/privchan"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	logg := logger.Setup(cfg.Server.LogLevel)

	allowed := cfg.PrivChannel.AllowedUIDs
	if len(allowed) == 0 {
		// Default to the daemon's own account; the unprivileged service
		// normally runs under it too.
		allowed = []uint32{uint32(os.Getuid())}
		logg.Warn("no allowed uids configured, defaulting to own uid", "uid", allowed[0])
	}

	server := privchan.NewServer(privchan.ServerConfig{
		SocketPath:  cfg.PrivChannel.SocketPath,
		AllowedUIDs: allowed,
	}, logg)
	newActions(logg).register(server)

	// Without the socket there is no privilege boundary to offer.
	if err := server.Listen(); err != nil {
		log.Fatalf("Failed to bind privileged socket: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := server.Serve(ctx); err != nil {
		log.Fatalf("Privileged channel server failed: %v", err)
	}
	logg.Info("shutdown complete")
}
