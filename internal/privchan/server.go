package privchan

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"net"
	"os"
	"sync"
)

// PeerCred is the operating-system supplied identity of a connecting peer.
type PeerCred struct {
	UID uint32
	GID uint32
	PID int32
}

// HandlerFunc executes one command variant and returns the success payload
// (serialized into the response) or an error (reported as a structured
// failure; the error text crosses the channel, so keep it caller-safe).
type HandlerFunc func(ctx context.Context, cmd Command) (any, error)

// ServerConfig holds configuration for the privileged channel server.
type ServerConfig struct {
	// SocketPath is the filesystem path of the unix socket.
	SocketPath string

	// AllowedUIDs are the peer user ids permitted to issue commands.
	// Everyone else is disconnected before any frame is read.
	AllowedUIDs []uint32
}

// Server is the elevated-rights end of the privileged channel. It serves
// strictly one command per request frame, in order, per connection.
type Server struct {
	path     string
	allowed  map[uint32]bool
	logger   *slog.Logger
	handlers map[string]HandlerFunc

	mu       sync.Mutex
	listener net.Listener
	wg       sync.WaitGroup
}

// NewServer creates a channel server. Handlers are registered with Handle
// before Listen; the registered set is the entire reachable vocabulary.
func NewServer(cfg ServerConfig, logger *slog.Logger) *Server {
	if logger == nil {
		// ALLOW-PANIC: Constructor enforcing required dependency
		panic("logger cannot be nil for Server")
	}
	allowed := make(map[uint32]bool, len(cfg.AllowedUIDs))
	for _, uid := range cfg.AllowedUIDs {
		allowed[uid] = true
	}
	return &Server{
		path:     cfg.SocketPath,
		allowed:  allowed,
		logger:   logger.With("component", "privchan_server"),
		handlers: make(map[string]HandlerFunc),
	}
}

// Handle registers the handler for a command name. Registering a name
// outside the protocol vocabulary is a programming error.
func (s *Server) Handle(name string, fn HandlerFunc) {
	switch name {
	case CmdPing, CmdAptUpdate, CmdSetHostEntry, CmdRenewCertificate:
		s.handlers[name] = fn
	default:
		// ALLOW-PANIC: closed vocabulary enforced at registration time
		panic(fmt.Sprintf("cannot register handler for unknown command %q", name))
	}
}

// Listen binds the unix socket and restricts its mode to owner access.
// A stale socket file from a previous run is removed first. Failure here
// is fatal at startup: without the socket the privilege boundary is gone.
func (s *Server) Listen() error {
	if err := os.Remove(s.path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("failed to remove stale socket %s: %w", s.path, err)
	}

	listener, err := net.Listen("unix", s.path)
	if err != nil {
		return fmt.Errorf("failed to bind privileged socket %s: %w", s.path, err)
	}
	if err := os.Chmod(s.path, 0o600); err != nil {
		_ = listener.Close()
		return fmt.Errorf("failed to restrict socket mode on %s: %w", s.path, err)
	}

	s.mu.Lock()
	s.listener = listener
	s.mu.Unlock()

	s.logger.Info("privileged channel listening", "socket", s.path)
	return nil
}

// Serve accepts connections until the context is cancelled or the
// listener is closed. Each connection is authenticated once, then served
// one request frame at a time.
func (s *Server) Serve(ctx context.Context) error {
	s.mu.Lock()
	listener := s.listener
	s.mu.Unlock()
	if listener == nil {
		return errors.New("server is not listening")
	}

	go func() {
		<-ctx.Done()
		_ = listener.Close()
	}()

	for {
		conn, err := listener.Accept()
		if err != nil {
			if ctx.Err() != nil {
				s.wg.Wait()
				return nil
			}
			return fmt.Errorf("accept failed: %w", err)
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.serveConn(ctx, conn)
		}()
	}
}

// Close shuts the listener down and waits for in-flight connections.
func (s *Server) Close() {
	s.mu.Lock()
	listener := s.listener
	s.listener = nil
	s.mu.Unlock()
	if listener != nil {
		_ = listener.Close()
	}
	s.wg.Wait()
}

func (s *Server) serveConn(ctx context.Context, conn net.Conn) {
	defer func() { _ = conn.Close() }()

	// Unblock pending reads when the server shuts down.
	connDone := make(chan struct{})
	defer close(connDone)
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.Close()
		case <-connDone:
		}
	}()

	cred, err := peerCredentials(conn)
	if err != nil {
		s.logger.Warn("rejecting connection without peer credentials", "error", err)
		return
	}
	if !s.allowed[cred.UID] {
		s.logger.Warn("rejecting connection from unapproved peer",
			"uid", cred.UID, "pid", cred.PID)
		return
	}

	logger := s.logger.With("peer_uid", cred.UID, "peer_pid", cred.PID)
	logger.Debug("peer authenticated")

	for {
		payload, err := ReadFrame(conn)
		if err != nil {
			if !errors.Is(err, io.EOF) {
				logger.Warn("connection read failed", "error", err)
			}
			return
		}

		response := s.dispatch(ctx, logger, payload)
		out, err := encodeResponse(response)
		if err != nil {
			logger.Error("failed to encode response", "error", err)
			return
		}
		if err := WriteFrame(conn, out); err != nil {
			logger.Warn("connection write failed", "error", err)
			return
		}
	}
}

func (s *Server) dispatch(ctx context.Context, logger *slog.Logger, payload []byte) Response {
	cmd, err := DecodeCommand(payload)
	if err != nil {
		logger.Warn("rejecting malformed command", "error", err)
		return ErrResponse("malformed or unknown command")
	}

	handler, ok := s.handlers[cmd.CommandName()]
	if !ok {
		logger.Warn("command has no registered handler", "command", cmd.CommandName())
		return ErrResponse(fmt.Sprintf("command %q not supported", cmd.CommandName()))
	}

	logger.Info("executing privileged command", "command", cmd.CommandName())
	data, err := handler(ctx, cmd)
	if err != nil {
		logger.Error("privileged command failed",
			"command", cmd.CommandName(), "error", err)
		return ErrResponse(err.Error())
	}

	response, err := OKResponse(data)
	if err != nil {
		logger.Error("failed to build response",
			"command", cmd.CommandName(), "error", err)
		return ErrResponse("internal error")
	}
	return response
}
