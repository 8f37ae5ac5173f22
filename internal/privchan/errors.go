package privchan

import "fmt"

// ErrorKind classifies channel failures for callers that need to react
// differently to timeouts than to rejected credentials.
type ErrorKind string

// Channel failure kinds.
const (
	KindTimeout     ErrorKind = "timeout"
	KindIO          ErrorKind = "io"
	KindCredentials ErrorKind = "credentials"
	KindProtocol    ErrorKind = "protocol"
)

// ChannelError is the single error surface of the privileged channel:
// timeouts, transport failures, credential rejection and protocol
// violations all arrive as *ChannelError rather than hanging the caller.
type ChannelError struct {
	Kind ErrorKind
	Err  error
}

// Error implements the error interface.
func (e *ChannelError) Error() string {
	return fmt.Sprintf("privileged channel %s error: %v", e.Kind, e.Err)
}

// Unwrap exposes the underlying cause.
func (e *ChannelError) Unwrap() error {
	return e.Err
}

func newTimeoutError(err error) *ChannelError {
	return &ChannelError{Kind: KindTimeout, Err: err}
}

func newIOError(err error) *ChannelError {
	return &ChannelError{Kind: KindIO, Err: err}
}

func newCredentialsError(err error) *ChannelError {
	return &ChannelError{Kind: KindCredentials, Err: err}
}

func newProtocolError(err error) *ChannelError {
	return &ChannelError{Kind: KindProtocol, Err: err}
}
