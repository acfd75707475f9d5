package archive

import (
	"fmt"

	"github.com/pkg/errors"
)

var (
	// ErrFormat marks a corrupt, truncated or unsupported container.
	ErrFormat = errors.New("invalid container format")
	// ErrNotFound marks a container that does not exist.
	ErrNotFound = errors.New("container not found")
	// ErrConnection marks a remote target no connection mode could reach.
	ErrConnection = errors.New("connection failed")
	// ErrIO marks a local file that could not be read or written.
	ErrIO = errors.New("i/o error")
	// ErrProtocol marks a remote command rejected by the server.
	ErrProtocol = errors.New("protocol error")
	// ErrInvalidRequest marks a structurally invalid request.
	ErrInvalidRequest = errors.New("invalid request")
	// ErrUnsupported marks an operation the container kind does not offer.
	ErrUnsupported = errors.New("operation not supported")
)

func errorf(kind error, format string, args ...interface{}) error {
	return errors.Wrapf(kind, format, args...)
}

// FormatError describes where a container failed to decode.
type FormatError struct {
	Path   string
	Offset int64
	Reason string
}

func (e *FormatError) Error() string {
	return fmt.Sprintf("%s: %s at offset %d: %s", e.Path, ErrFormat, e.Offset, e.Reason)
}

func (e *FormatError) Is(target error) bool { return target == ErrFormat }

// ConnectionError is returned once every negotiation mode failed. It carries
// whether credentials were supplied, never the credentials themselves.
type ConnectionError struct {
	Host        string
	Port        int
	Credentials bool
	Attempts    []error
}

func (e *ConnectionError) Error() string {
	msg := fmt.Sprintf("%s to %s:%d (credentials supplied: %t) after %d attempts", ErrConnection, e.Host, e.Port, e.Credentials, len(e.Attempts))
	if n := len(e.Attempts); n > 0 {
		msg += ": last error: " + e.Attempts[n-1].Error()
	}
	return msg
}

func (e *ConnectionError) Is(target error) bool { return target == ErrConnection }

// IOError wraps a local file system failure.
type IOError struct {
	Op   string
	Path string
	Err  error
}

func (e *IOError) Error() string { return e.Op + " " + e.Path + ": " + e.Err.Error() }

func (e *IOError) Unwrap() error { return e.Err }

func (e *IOError) Is(target error) bool { return target == ErrIO }

// ProtocolError is a remote command the server refused.
type ProtocolError struct {
	Command string
	Path    string
	Err     error
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("%s: %s %s: %v", ErrProtocol, e.Command, e.Path, e.Err)
}

func (e *ProtocolError) Unwrap() error { return e.Err }

func (e *ProtocolError) Is(target error) bool { return target == ErrProtocol }

// IsNotFound reports whether err means the container is absent.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}
