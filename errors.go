package ftps

import (
	"fmt"

	"github.com/pkg/errors"
)

// Kind classifies the errors returned by this package. A Kind is itself an
// error so callers can match on it with errors.Is:
//
//	if errors.Is(err, ftps.KindTLS) {
//	    // handshake, certificate or TLS configuration problem
//	}
type Kind int

const (
	// KindIO is a socket or TLS record layer failure.
	KindIO Kind = iota + 1
	// KindProtocol is a malformed reply stream or EOF before a complete reply.
	KindProtocol
	// KindAuth is a rejected login.
	KindAuth
	// KindTLS is a TLS configuration, certificate or handshake failure.
	KindTLS
	// KindDataChannel is a PASV/PORT negotiation, dial or accept failure.
	KindDataChannel
	// KindTransfer is a send or receive failure in the middle of a transfer.
	KindTransfer
	// KindFormat is an unparsable SIZE reply or PASV address.
	KindFormat
	// KindConnect is a failure to establish the control connection.
	KindConnect
)

var kindNames = map[Kind]string{
	KindIO:          "i/o error",
	KindProtocol:    "protocol error",
	KindAuth:        "authentication failed",
	KindTLS:         "tls error",
	KindDataChannel: "data channel error",
	KindTransfer:    "transfer error",
	KindFormat:      "format error",
	KindConnect:     "connect error",
}

func (k Kind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// Error implements the error interface.
func (k Kind) Error() string {
	return "ftps: " + k.String()
}

// Error is returned by every operation of this package that fails for a
// reason other than an unexpected server reply alone. Err carries the
// underlying cause, which may itself be a *ReplyError.
type Error struct {
	// Kind is the error class.
	Kind Kind

	// Op is the operation that failed (e.g. "connect", "PASV", "handshake").
	Op string

	// Err is the underlying cause.
	Err error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("ftps: %s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("ftps: %s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Is reports whether target is the Kind of e.
func (e *Error) Is(target error) bool {
	k, ok := target.(Kind)
	return ok && k == e.Kind
}

func newError(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// ReplyError is the server answering a command with a code other than the one
// the operation requires. It carries the full command/response context.
type ReplyError struct {
	// Command is the FTP command that was sent (e.g., "STOR file.txt")
	Command string

	// Code is the numeric FTP reply code (e.g., 550)
	Code int

	// Message is the text of the reply (e.g., "Permission denied")
	Message string
}

// Error implements the error interface.
func (e *ReplyError) Error() string {
	return fmt.Sprintf("ftps: %s failed: %d %s", e.Command, e.Code, e.Message)
}

// Is4xx returns true if the error code is in the 4xx range (temporary failure).
func (e *ReplyError) Is4xx() bool {
	return e.Code >= 400 && e.Code < 500
}

// Is5xx returns true if the error code is in the 5xx range (permanent failure).
func (e *ReplyError) Is5xx() bool {
	return e.Code >= 500 && e.Code < 600
}

// IsTemporary returns true if the error is a temporary failure (4xx).
// This can be used to implement retry logic.
func (e *ReplyError) IsTemporary() bool {
	return e.Is4xx()
}

// IsPermanent returns true if the error is a permanent failure (5xx).
func (e *ReplyError) IsPermanent() bool {
	return e.Is5xx()
}

// TransferError reports a transfer that failed after the data channel was
// established. Transferred is the absolute file offset reached, so a caller
// can resume from it.
type TransferError struct {
	Op          string
	Transferred int64
	Err         error
}

func (e *TransferError) Error() string {
	return fmt.Sprintf("ftps: %s: transfer error after %d bytes: %v", e.Op, e.Transferred, e.Err)
}

func (e *TransferError) Unwrap() error { return e.Err }

// Is matches KindTransfer.
func (e *TransferError) Is(target error) bool {
	k, ok := target.(Kind)
	return ok && k == KindTransfer
}

// errBroken is returned by operations on a session whose control channel is
// in an undefined state and must be disconnected.
var errBroken = errors.New("session must be disconnected")

// errNotConnected is returned by operations on a session without a control connection.
var errNotConnected = errors.New("not connected")
