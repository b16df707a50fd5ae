// Package errs defines the error kind taxonomy used across the
// replication client: Configuration, Connection, Protocol, Parse,
// Buffer, and Transient. Each kind is a distinct type so callers can
// distinguish them with errors.As while every error still composes
// with fmt.Errorf's %w wrapping.
package errs

import "fmt"

// ConfigurationError reports a problem discovered before connecting:
// a missing required environment variable or an invalid slot name.
type ConfigurationError struct {
	Msg string
	Err error
}

func (e *ConfigurationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("configuration: %s: %v", e.Msg, e.Err)
	}
	return fmt.Sprintf("configuration: %s", e.Msg)
}

func (e *ConfigurationError) Unwrap() error { return e.Err }

// Configuration wraps cause (which may be nil) as a ConfigurationError.
func Configuration(msg string, cause error) error {
	return &ConfigurationError{Msg: msg, Err: cause}
}

// ConnectionError reports a failed or dropped native connection.
type ConnectionError struct {
	Msg string
	Err error
}

func (e *ConnectionError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("connection: %s: %v", e.Msg, e.Err)
	}
	return fmt.Sprintf("connection: %s", e.Msg)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

func Connection(msg string, cause error) error {
	return &ConnectionError{Msg: msg, Err: cause}
}

// ProtocolError reports a replication-protocol level failure: an
// unexpected status from IDENTIFY_SYSTEM, a frame too short to contain
// its fixed header, or a rejected put_copy_data.
type ProtocolError struct {
	Msg string
	Err error
}

func (e *ProtocolError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("protocol: %s: %v", e.Msg, e.Err)
	}
	return fmt.Sprintf("protocol: %s", e.Msg)
}

func (e *ProtocolError) Unwrap() error { return e.Err }

func Protocol(msg string, cause error) error {
	return &ProtocolError{Msg: msg, Err: cause}
}

// ParseError reports a failure to decode a WAL message: a truncated
// buffer, an unknown outer or tuple tag, or a missing expected sub-tag.
// It carries the offending message type character and the cursor
// position at the point of failure so logs can pinpoint the frame.
// Errors raised while decoding a tuple body carry 0 or the datum tag
// byte in MessageType instead of the enclosing message's type.
type ParseError struct {
	Msg         string
	MessageType byte
	Position    int
	Err         error
}

func (e *ParseError) Error() string {
	tag := string(e.MessageType)
	if e.MessageType == 0 {
		tag = "?"
	}
	if e.Err != nil {
		return fmt.Sprintf("parse: %s (type=%s pos=%d): %v", e.Msg, tag, e.Position, e.Err)
	}
	return fmt.Sprintf("parse: %s (type=%s pos=%d)", e.Msg, tag, e.Position)
}

func (e *ParseError) Unwrap() error { return e.Err }

// Parse constructs a ParseError without message-type/position context.
func Parse(msg string, cause error) error {
	return &ParseError{Msg: msg, Err: cause}
}

// ParseAt constructs a ParseError carrying the message type character
// and the cursor position at the point of failure.
func ParseAt(msg string, messageType byte, position int, cause error) error {
	return &ParseError{Msg: msg, MessageType: messageType, Position: position, Err: cause}
}

// BufferError reports a null buffer returned by the transport when a
// positive length was promised.
type BufferError struct {
	Msg string
	Err error
}

func (e *BufferError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("buffer: %s: %v", e.Msg, e.Err)
	}
	return fmt.Sprintf("buffer: %s", e.Msg)
}

func (e *BufferError) Unwrap() error { return e.Err }

func Buffer(msg string, cause error) error {
	return &BufferError{Msg: msg, Err: cause}
}

// TransientError reports a non-fatal condition that is logged and
// then the caller proceeds, such as CREATE_REPLICATION_SLOT failing
// because the slot already exists.
type TransientError struct {
	Msg string
	Err error
}

func (e *TransientError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("transient: %s: %v", e.Msg, e.Err)
	}
	return fmt.Sprintf("transient: %s", e.Msg)
}

func (e *TransientError) Unwrap() error { return e.Err }

func Transient(msg string, cause error) error {
	return &TransientError{Msg: msg, Err: cause}
}
