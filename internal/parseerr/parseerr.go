// Package parseerr defines the tagged error vocabulary shared by every
// format parser in firmcore. Parsers follow a best-effort discipline: a
// truncated or partially-unsupported input still returns whatever useful
// data was recovered alongside a nil error, reserving a non-nil error for
// "nothing useful came out of this."
package parseerr

import (
	"fmt"

	"golang.org/x/xerrors"
)

// Kind classifies why a parser gave up.
type Kind int

const (
	// InvalidMagic means the input's signature did not match the format
	// this parser recognizes.
	InvalidMagic Kind = iota
	// Truncated means a declared structure (entry, extent, chunk) extends
	// past the available data.
	Truncated
	// UnsupportedLayout means the input is well-formed but uses a feature
	// this parser does not implement.
	UnsupportedLayout
	// ChecksumMismatch means a declared checksum did not validate.
	ChecksumMismatch
	// IoShort means the underlying BlockSource returned less data than
	// requested, or failed, at an unexpected point.
	IoShort
)

func (k Kind) String() string {
	switch k {
	case InvalidMagic:
		return "invalid magic"
	case Truncated:
		return "truncated"
	case UnsupportedLayout:
		return "unsupported layout"
	case ChecksumMismatch:
		return "checksum mismatch"
	case IoShort:
		return "short read"
	default:
		return "unknown"
	}
}

// Error is the concrete error type every parser in this module returns.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Kind)
}

func (e *Error) Unwrap() error { return e.Err }

// New builds an *Error for op/kind with no wrapped cause.
func New(op string, kind Kind) error {
	return &Error{Op: op, Kind: kind}
}

// Wrap builds an *Error for op/kind wrapping err via xerrors so %w chains
// keep working through errors.Is/errors.As.
func Wrap(op string, kind Kind, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Op: op, Kind: kind, Err: xerrors.Errorf("%s: %w", op, err)}
}

// Is reports whether err is a *Error of the given Kind.
func Is(err error, kind Kind) bool {
	var e *Error
	if xerrors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}
