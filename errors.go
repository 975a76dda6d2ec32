package taps

import "fmt"

// ErrInvalidArgument is returned synchronously when a caller passes a
// nonsensical value (an out-of-range enum, a nil required pointer).
type ErrInvalidArgument struct {
	What string
}

func (e *ErrInvalidArgument) Error() string {
	return fmt.Sprintf("taps: invalid argument: %s", e.What)
}

// ErrInvalidEndpoint is returned when an endpoint cannot be resolved: a
// RemoteEndpoint with neither hostname nor address, or one with both a
// hostname and a concrete address.
type ErrInvalidEndpoint struct {
	Reason string
}

func (e *ErrInvalidEndpoint) Error() string {
	return fmt.Sprintf("taps: invalid endpoint: %s", e.Reason)
}

// ErrTypeMismatch is returned by a typed property setter when the property
// enum named does not have the type the setter assumes.
type ErrTypeMismatch struct {
	Property string
}

func (e *ErrTypeMismatch) Error() string {
	return fmt.Sprintf("taps: type mismatch for property %q", e.Property)
}

// ErrReadOnly is returned when a caller attempts to set a read-only
// connection property (State, CanSend, CanReceive, message-length limits).
type ErrReadOnly struct {
	Property string
}

func (e *ErrReadOnly) Error() string {
	return fmt.Sprintf("taps: property %q is read-only", e.Property)
}

// ErrNoCandidate is returned by initiate/listen when candidate gathering
// and pruning produced an empty leaf set.
type ErrNoCandidate struct {
	Reason string
}

func (e *ErrNoCandidate) Error() string {
	return fmt.Sprintf("taps: no viable candidate: %s", e.Reason)
}

// ErrNotConnected is returned by Connection.Send when the connection's
// state is not Established.
type ErrNotConnected struct {
	ConnectionID string
}

func (e *ErrNotConnected) Error() string {
	return fmt.Sprintf("taps: connection %s is not connected", e.ConnectionID)
}

// ErrInvalidState is returned when an operation is attempted against a
// Connection or Listener whose current state forbids it.
type ErrInvalidState struct {
	ConnectionID string
	State        ConnectionState
	Op           string
}

func (e *ErrInvalidState) Error() string {
	return fmt.Sprintf("taps: cannot %s connection %s in state %s", e.Op, e.ConnectionID, e.State)
}

// ErrAddressInUse mirrors the OS EADDRINUSE, surfaced from listen.
type ErrAddressInUse struct {
	Address string
	Cause   error
}

func (e *ErrAddressInUse) Error() string {
	return fmt.Sprintf("taps: address in use: %s: %v", e.Address, e.Cause)
}

func (e *ErrAddressInUse) Unwrap() error { return e.Cause }

// ErrIO wraps an OS-level I/O failure surfaced during setup or after
// establishment.
type ErrIO struct {
	Op    string
	Cause error
}

func (e *ErrIO) Error() string {
	return fmt.Sprintf("taps: io error during %s: %v", e.Op, e.Cause)
}

func (e *ErrIO) Unwrap() error { return e.Cause }

// ErrTransportFailure is delivered via connection_error when the remote
// peer closed with a non-zero application error code.
type ErrTransportFailure struct {
	Code   uint64
	Reason string
}

func (e *ErrTransportFailure) Error() string {
	return fmt.Sprintf("taps: transport failure (code %d): %s", e.Code, e.Reason)
}

// ErrStatelessReset is delivered via connection_error when a QUIC stateless
// reset is observed on the group's underlying connection.
type ErrStatelessReset struct{}

func (e *ErrStatelessReset) Error() string { return "taps: quic stateless reset" }

// ErrStreamReset is delivered via connection_error for a single stream
// reset in a multi-stream QUIC group; only the owning connection is
// affected, not its siblings.
type ErrStreamReset struct {
	StreamID int64
}

func (e *ErrStreamReset) Error() string {
	return fmt.Sprintf("taps: quic stream %d reset", e.StreamID)
}

// errCanceled is internal-only: it marks a losing racing attempt. It must
// never reach a user callback.
type errCanceled struct{}

func (e *errCanceled) Error() string { return "taps: attempt canceled by racing engine" }

// errAlreadyExists is returned by SocketManager.InsertConnection when a
// peer address is already present in the demultiplexing table.
type errAlreadyExists struct {
	Key string
}

func (e *errAlreadyExists) Error() string {
	return fmt.Sprintf("taps: already exists: %s", e.Key)
}
