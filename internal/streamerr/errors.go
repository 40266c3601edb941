// Package streamerr defines the error kinds shared by the capture and
// restore halves of the image streaming engine.
package streamerr

import "golang.org/x/xerrors"

// Kind classifies an error without carrying its dynamic context; compare
// with errors.Is against one of the sentinel values below.
type Kind struct {
	name string
}

func (k Kind) Error() string { return k.name }

var (
	// InvalidDescriptor: a passed fd is not the expected kernel object type.
	InvalidDescriptor = Kind{"invalid descriptor"}
	// MalformedFrame: a marker length exceeds the sanity cap, the body
	// fails to decode, or a body variant is unrecognized.
	MalformedFrame = Kind{"malformed frame"}
	// SequenceViolation: ImageEof precedes pending work, data arrives
	// after ImageEof, a file is committed twice, or a name is requested
	// twice.
	SequenceViolation = Kind{"sequence violation"}
	// UnexpectedEof: a splice of a declared byte count encountered an
	// early close.
	UnexpectedEof = Kind{"unexpected eof"}
	// ProtocolViolation: a duplicate insert, or a prefix match against
	// nothing when an exact match was expected.
	ProtocolViolation = Kind{"protocol violation"}
	// SystemError: an underlying kernel call failed in a way not covered
	// by the kinds above.
	SystemError = Kind{"system error"}
)

// Wrap attaches kind to err so that errors.Is(result, kind) succeeds,
// while keeping err's own message and chain intact.
func Wrap(kind Kind, err error) error {
	if err == nil {
		return nil
	}
	return &kindError{kind: kind, err: err}
}

// New builds a fresh error of the given kind with a formatted message.
func New(kind Kind, format string, args ...interface{}) error {
	return &kindError{kind: kind, err: xerrors.Errorf(format, args...)}
}

type kindError struct {
	kind Kind
	err  error
}

func (e *kindError) Error() string { return e.kind.name + ": " + e.err.Error() }
func (e *kindError) Unwrap() error { return e.err }
func (e *kindError) Is(target error) bool {
	k, ok := target.(Kind)
	return ok && k == e.kind
}
