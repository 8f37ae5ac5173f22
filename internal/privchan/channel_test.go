package privchan

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type channelFixture struct {
	server *Server
	client *Client

	mu       sync.Mutex
	received []Command
}

// startChannel runs a server on a socket under t.TempDir with handlers
// that record every received command, plus a matching client.
func startChannel(t *testing.T, allowedUIDs []uint32) *channelFixture {
	t.Helper()

	path := filepath.Join(t.TempDir(), "priv.sock")
	fx := &channelFixture{}

	fx.server = NewServer(ServerConfig{SocketPath: path, AllowedUIDs: allowedUIDs}, testLogger())
	record := func(_ context.Context, cmd Command) (any, error) {
		fx.mu.Lock()
		defer fx.mu.Unlock()
		fx.received = append(fx.received, cmd)
		return map[string]bool{"done": true}, nil
	}
	fx.server.Handle(CmdPing, record)
	fx.server.Handle(CmdAptUpdate, record)
	fx.server.Handle(CmdSetHostEntry, record)
	fx.server.Handle(CmdRenewCertificate, record)

	require.NoError(t, fx.server.Listen())

	ctx, cancel := context.WithCancel(context.Background())
	serveDone := make(chan struct{})
	go func() {
		defer close(serveDone)
		_ = fx.server.Serve(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-serveDone
	})

	fx.client = NewClient(path, 5*time.Second, testLogger())
	t.Cleanup(fx.client.Close)
	return fx
}

func (fx *channelFixture) lastReceived() Command {
	fx.mu.Lock()
	defer fx.mu.Unlock()
	if len(fx.received) == 0 {
		return nil
	}
	return fx.received[len(fx.received)-1]
}

func (fx *channelFixture) receivedCount() int {
	fx.mu.Lock()
	defer fx.mu.Unlock()
	return len(fx.received)
}

func selfUID() uint32 {
	return uint32(os.Getuid())
}

func TestChannelRoundTripEveryVariant(t *testing.T) {
	fx := startChannel(t, []uint32{selfUID()})

	commands := []Command{
		&PingCommand{},
		&AptUpdateCommand{},
		&SetHostEntryCommand{Hostname: "pve1.example.org", Address: "192.0.2.10"},
		&RenewCertificateCommand{Domain: "pve1.example.org"},
	}

	for _, cmd := range commands {
		response, err := fx.client.Send(context.Background(), cmd)
		require.NoError(t, err, "command %q", cmd.CommandName())
		assert.NoError(t, response.Err())

		// The server reconstructed an equal command from the wire.
		assert.Equal(t, cmd, fx.lastReceived(), "command %q", cmd.CommandName())
	}
	assert.Equal(t, len(commands), fx.receivedCount())
}

func TestChannelSequentialCallsReuseConnection(t *testing.T) {
	fx := startChannel(t, []uint32{selfUID()})

	for i := 0; i < 5; i++ {
		response, err := fx.client.Send(context.Background(), &PingCommand{})
		require.NoError(t, err)
		require.NoError(t, response.Err())
	}
	assert.Equal(t, 5, fx.receivedCount())
}

func TestChannelRejectsUnapprovedUID(t *testing.T) {
	// Nobody is approved, not even ourselves.
	fx := startChannel(t, []uint32{selfUID() + 54321})

	_, err := fx.client.Send(context.Background(), &PingCommand{})
	require.Error(t, err)

	var chanErr *ChannelError
	require.ErrorAs(t, err, &chanErr)
	assert.Equal(t, KindCredentials, chanErr.Kind)
	assert.Zero(t, fx.receivedCount(), "no command may execute before authentication")
}

func TestChannelServerErrorBecomesStructuredFailure(t *testing.T) {
	path := filepath.Join(t.TempDir(), "priv.sock")
	server := NewServer(ServerConfig{SocketPath: path, AllowedUIDs: []uint32{selfUID()}}, testLogger())
	server.Handle(CmdAptUpdate, func(_ context.Context, _ Command) (any, error) {
		return nil, errors.New("package database is locked")
	})
	require.NoError(t, server.Listen())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = server.Serve(ctx) }()

	client := NewClient(path, 5*time.Second, testLogger())
	defer client.Close()

	response, err := client.Send(context.Background(), &AptUpdateCommand{})
	require.NoError(t, err, "a server-side failure is a response, not a channel error")
	assert.ErrorContains(t, response.Err(), "package database is locked")

	// An unregistered verb also fails without breaking the connection.
	response, err = client.Send(context.Background(), &PingCommand{})
	require.NoError(t, err)
	assert.ErrorContains(t, response.Err(), "not supported")
}

func TestChannelTimeout(t *testing.T) {
	path := filepath.Join(t.TempDir(), "priv.sock")
	server := NewServer(ServerConfig{SocketPath: path, AllowedUIDs: []uint32{selfUID()}}, testLogger())
	block := make(chan struct{})
	defer close(block)
	server.Handle(CmdPing, func(_ context.Context, _ Command) (any, error) {
		<-block
		return nil, nil
	})
	require.NoError(t, server.Listen())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = server.Serve(ctx) }()

	client := NewClient(path, 5*time.Second, testLogger())
	defer client.Close()

	callCtx, callCancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer callCancel()
	_, err := client.Send(callCtx, &PingCommand{})
	require.Error(t, err)

	var chanErr *ChannelError
	require.ErrorAs(t, err, &chanErr)
	assert.Equal(t, KindTimeout, chanErr.Kind)
}

func TestChannelDialFailure(t *testing.T) {
	client := NewClient(filepath.Join(t.TempDir(), "nobody-home.sock"), time.Second, testLogger())
	defer client.Close()

	_, err := client.Send(context.Background(), &PingCommand{})
	var chanErr *ChannelError
	require.ErrorAs(t, err, &chanErr)
	assert.Equal(t, KindIO, chanErr.Kind)
}

func TestChannelRejectsRawUnknownCommand(t *testing.T) {
	fx := startChannel(t, []uint32{selfUID()})

	conn, err := net.Dial("unix", fx.server.path)
	require.NoError(t, err)
	defer func() { _ = conn.Close() }()

	require.NoError(t, WriteFrame(conn, []byte(`{"command":"spawn-shell"}`)))
	raw, err := ReadFrame(conn)
	require.NoError(t, err)

	response, err := decodeResponse(raw)
	require.NoError(t, err)
	assert.Equal(t, StatusError, response.Status)
	assert.Zero(t, fx.receivedCount())
}

func TestSocketModeRestricted(t *testing.T) {
	fx := startChannel(t, []uint32{selfUID()})

	info, err := os.Stat(fx.server.path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())
}

func TestHandleRejectsUnknownVerb(t *testing.T) {
	server := NewServer(ServerConfig{SocketPath: "unused"}, testLogger())
	assert.Panics(t, func() {
		server.Handle("exec", func(context.Context, Command) (any, error) { return nil, nil })
	})
}
