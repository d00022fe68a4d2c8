// Package ipcerr classifies the errors raised by the inter-core messaging packages.
package ipcerr

import "errors"

// Kind is the error class of a failure.
type Kind int

const (
	KindUnknown Kind = iota
	// Configuration covers bad channel ids, name mismatches and unrecognized resource tables.
	// Fatal to the channel init.
	Configuration
	// Transport covers buffer exhaustion and send failures. Aborts the streaming loop.
	Transport
	// Integrity covers malformed payloads. Counted, never fatal.
	Integrity
	// Interrupt covers doorbells with an out-of-range sender id. Dropped.
	Interrupt
)

func (k Kind) String() string {
	switch k {
	case Configuration:
		return "configuration"
	case Transport:
		return "transport"
	case Integrity:
		return "integrity"
	case Interrupt:
		return "interrupt"
	}
	return "unknown"
}

// Error is a classified sentinel.
type Error struct {
	kind Kind
	msg  string
}

// New returns a sentinel of the given kind.
func New(kind Kind, msg string) *Error {
	return &Error{kind: kind, msg: msg}
}

func (e *Error) Error() string { return e.msg }

// Kind returns the class of e.
func (e *Error) Kind() Kind { return e.kind }

// KindOf returns the class of the first classified error in err's chain.
func KindOf(err error) Kind {
	var k interface{ Kind() Kind }
	if errors.As(err, &k) {
		return k.Kind()
	}
	return KindUnknown
}

// Is reports whether err is classified as kind.
func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}
