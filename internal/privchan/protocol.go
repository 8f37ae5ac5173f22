// Package privchan implements the privileged command channel: a strict
// request/response protocol over a local unix socket, authenticated with
// operating-system peer credentials. The wire vocabulary is closed — every
// command is a specific pre-approved action with typed arguments, and
// nothing on the wire can name an arbitrary path or program.
package privchan

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
)

// Command names. Adding a verb means adding a typed args struct below and
// a decode arm in DecodeCommand; there is deliberately no generic variant.
const (
	CmdPing             = "ping"
	CmdAptUpdate        = "apt-update"
	CmdSetHostEntry     = "set-host-entry"
	CmdRenewCertificate = "renew-certificate"
)

// Command is implemented by every request variant.
type Command interface {
	// CommandName returns the wire name of the command.
	CommandName() string
}

// PingCommand checks channel liveness. No arguments.
type PingCommand struct{}

// CommandName implements Command.
func (PingCommand) CommandName() string { return CmdPing }

// AptUpdateCommand refreshes the package index. No arguments.
type AptUpdateCommand struct{}

// CommandName implements Command.
func (AptUpdateCommand) CommandName() string { return CmdAptUpdate }

// SetHostEntryCommand pins a hostname to an address in the hosts file.
type SetHostEntryCommand struct {
	Hostname string `json:"hostname"`
	Address  string `json:"address"`
}

// CommandName implements Command.
func (SetHostEntryCommand) CommandName() string { return CmdSetHostEntry }

// RenewCertificateCommand renews the certificate for a managed domain.
type RenewCertificateCommand struct {
	Domain string `json:"domain"`
}

// CommandName implements Command.
func (RenewCertificateCommand) CommandName() string { return CmdRenewCertificate }

// envelope is the wire form of a command.
type envelope struct {
	Command string          `json:"command"`
	Args    json.RawMessage `json:"args,omitempty"`
}

// EncodeCommand serializes a command into its wire payload.
func EncodeCommand(cmd Command) ([]byte, error) {
	args, err := json.Marshal(cmd)
	if err != nil {
		return nil, fmt.Errorf("failed to encode command arguments: %w", err)
	}
	return json.Marshal(envelope{Command: cmd.CommandName(), Args: args})
}

// DecodeCommand deserializes a wire payload into the matching typed
// command. Unknown verbs and unknown argument fields are rejected.
func DecodeCommand(payload []byte) (Command, error) {
	var env envelope
	if err := strictUnmarshal(payload, &env); err != nil {
		return nil, newProtocolError(fmt.Errorf("bad command envelope: %w", err))
	}

	var cmd Command
	switch env.Command {
	case CmdPing:
		cmd = &PingCommand{}
	case CmdAptUpdate:
		cmd = &AptUpdateCommand{}
	case CmdSetHostEntry:
		cmd = &SetHostEntryCommand{}
	case CmdRenewCertificate:
		cmd = &RenewCertificateCommand{}
	default:
		return nil, newProtocolError(fmt.Errorf("unknown command %q", env.Command))
	}

	if len(env.Args) > 0 {
		if err := strictUnmarshal(env.Args, cmd); err != nil {
			return nil, newProtocolError(fmt.Errorf("bad arguments for %q: %w", env.Command, err))
		}
	}
	return cmd, nil
}

func strictUnmarshal(data []byte, v any) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

// Response statuses.
const (
	StatusOK    = "ok"
	StatusError = "error"
)

// Response is the wire form of a command result: a success payload or a
// structured failure. Responses are transient and never persisted.
type Response struct {
	Status  string          `json:"status"`
	Data    json.RawMessage `json:"data,omitempty"`
	Message string          `json:"message,omitempty"`
}

// OKResponse builds a success response carrying data (which may be nil).
func OKResponse(data any) (Response, error) {
	if data == nil {
		return Response{Status: StatusOK}, nil
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return Response{}, fmt.Errorf("failed to encode response data: %w", err)
	}
	return Response{Status: StatusOK, Data: raw}, nil
}

// ErrResponse builds a failure response with a caller-safe message.
func ErrResponse(message string) Response {
	return Response{Status: StatusError, Message: message}
}

// Err returns the failure carried by the response, or nil for success.
func (r Response) Err() error {
	if r.Status == StatusError {
		return fmt.Errorf("command failed: %s", r.Message)
	}
	return nil
}

func encodeResponse(r Response) ([]byte, error) {
	return json.Marshal(r)
}

func decodeResponse(payload []byte) (Response, error) {
	var r Response
	if err := strictUnmarshal(payload, &r); err != nil {
		return Response{}, newProtocolError(fmt.Errorf("bad response: %w", err))
	}
	if r.Status != StatusOK && r.Status != StatusError {
		return Response{}, newProtocolError(fmt.Errorf("unknown response status %q", r.Status))
	}
	return r, nil
}

// MaxFrameSize bounds a single framed payload. Commands and responses are
// small; anything larger is a protocol violation.
const MaxFrameSize = 64 * 1024

// WriteFrame writes a 4-byte big-endian length prefix followed by payload.
func WriteFrame(w io.Writer, payload []byte) error {
	if len(payload) > MaxFrameSize {
		return newProtocolError(fmt.Errorf("frame of %d bytes exceeds limit", len(payload)))
	}
	var prefix [4]byte
	binary.BigEndian.PutUint32(prefix[:], uint32(len(payload)))
	if _, err := w.Write(prefix[:]); err != nil {
		return err
	}
	_, err := w.Write(payload)
	return err
}

// ReadFrame reads one length-prefixed payload.
func ReadFrame(r io.Reader) ([]byte, error) {
	var prefix [4]byte
	if _, err := io.ReadFull(r, prefix[:]); err != nil {
		return nil, err
	}
	size := binary.BigEndian.Uint32(prefix[:])
	if size > MaxFrameSize {
		return nil, newProtocolError(fmt.Errorf("frame of %d bytes exceeds limit", size))
	}
	payload := make([]byte, size)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, err
	}
	return payload, nil
}
