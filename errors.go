package kclist

import (
	"errors"
	"fmt"
	"strings"
)

// Kind classifies a failure of the inspection pipeline.
type Kind int

const (
	// KindIO means the container could not be opened, sized, or mapped.
	KindIO Kind = iota
	// KindArchitectureNotFound means the requested architecture has no slice.
	KindArchitectureNotFound
	// KindArchitectureAmbiguous means several slices exist and none was requested.
	KindArchitectureAmbiguous
	// KindRegionNotFound means a prelink region is absent from the slice.
	KindRegionNotFound
	// KindDecompression means a compressed payload could not be decoded.
	KindDecompression
	// KindCatalogCorrupt means the prelink info catalog could not be parsed.
	KindCatalogCorrupt
	// KindOutOfBounds means a module's declared range falls outside the text region.
	// It is only ever reported per module.
	KindOutOfBounds
	// KindMalformed means the container structure itself is invalid
	// (bad magic, truncated tables, load commands out of bounds).
	KindMalformed
)

var kindNames = map[Kind]string{
	KindIO:                    "io",
	KindArchitectureNotFound:  "architecture not found",
	KindArchitectureAmbiguous: "architecture ambiguous",
	KindRegionNotFound:        "region not found",
	KindDecompression:         "decompression",
	KindCatalogCorrupt:        "catalog corrupt",
	KindOutOfBounds:           "out of bounds",
	KindMalformed:             "malformed container",
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("Kind(%d)", k)
}

// Sentinels matched by [Error.Is], one per [Kind].
var (
	ErrIO                    = errors.New("io error")
	ErrArchitectureNotFound  = errors.New("architecture not found")
	ErrArchitectureAmbiguous = errors.New("architecture ambiguous")
	ErrRegionNotFound        = errors.New("region not found")
	ErrDecompression         = errors.New("decompression error")
	ErrCatalogCorrupt        = errors.New("catalog corrupt")
	ErrOutOfBounds           = errors.New("out of bounds")
	ErrMalformed             = errors.New("malformed container")
)

var kindSentinels = map[Kind]error{
	KindIO:                    ErrIO,
	KindArchitectureNotFound:  ErrArchitectureNotFound,
	KindArchitectureAmbiguous: ErrArchitectureAmbiguous,
	KindRegionNotFound:        ErrRegionNotFound,
	KindDecompression:         ErrDecompression,
	KindCatalogCorrupt:        ErrCatalogCorrupt,
	KindOutOfBounds:           ErrOutOfBounds,
	KindMalformed:             ErrMalformed,
}

// Class groups kinds by how the failure should be surfaced to a caller.
type Class int

const (
	// ClassInternal covers I/O and mapping failures and anything unclassified.
	ClassInternal Class = iota
	// ClassBadInput covers structurally invalid or undecodable containers.
	ClassBadInput
	// ClassNotFound covers a missing file, architecture, or region.
	ClassNotFound
)

func (c Class) String() string {
	switch c {
	case ClassBadInput:
		return "bad input"
	case ClassNotFound:
		return "not found"
	default:
		return "internal"
	}
}

// Class returns the failure class of the kind.
func (k Kind) Class() Class {
	switch k {
	case KindArchitectureNotFound, KindRegionNotFound:
		return ClassNotFound
	case KindArchitectureAmbiguous, KindDecompression, KindCatalogCorrupt, KindOutOfBounds, KindMalformed:
		return ClassBadInput
	default:
		return ClassInternal
	}
}

// Error describes a pipeline failure: its kind, the offending name and
// offset when known, and the available architectures for selection
// failures.
type Error struct {
	Kind Kind
	Name string
	// Offset is relative to the named object: the slice, or the compressed
	// payload for decompression failures. It is meaningful only when
	// HasOffset is set, so that offset 0 can be reported.
	Offset    uint64
	HasOffset bool
	Available []Arch
	Err       error
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(e.Kind.String())
	if e.Name != "" {
		fmt.Fprintf(&b, ": %s", e.Name)
	}
	if e.HasOffset {
		fmt.Fprintf(&b, " at offset 0x%x", e.Offset)
	}
	if len(e.Available) > 0 {
		names := make([]string, 0, len(e.Available))
		for _, a := range e.Available {
			names = append(names, a.String())
		}
		fmt.Fprintf(&b, " (available: %s)", strings.Join(names, ", "))
	}
	if e.Err != nil {
		fmt.Fprintf(&b, ": %v", e.Err)
	}
	return b.String()
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is reports whether target is the sentinel for the error's kind.
func (e *Error) Is(target error) bool {
	return kindSentinels[e.Kind] == target
}

// Class returns the failure class of the error's kind.
func (e *Error) Class() Class {
	return e.Kind.Class()
}

// ClassOf returns the failure class of err. Missing files are reported as
// [ClassNotFound] even though they surface as [KindIO].
func ClassOf(err error) Class {
	var e *Error
	if !errors.As(err, &e) {
		return ClassInternal
	}
	if e.Kind == KindIO && isNotExist(e.Err) {
		return ClassNotFound
	}
	return e.Class()
}

func newError(kind Kind, name string, err error) *Error {
	return &Error{Kind: kind, Name: name, Err: err}
}

func errorAt(kind Kind, name string, offset uint64, err error) *Error {
	return &Error{Kind: kind, Name: name, Offset: offset, HasOffset: true, Err: err}
}

func malformed(offset uint64, format string, args ...any) *Error {
	return errorAt(KindMalformed, "", offset, fmt.Errorf(format, args...))
}
