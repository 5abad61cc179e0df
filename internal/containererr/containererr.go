// Package containererr implements the error taxonomy shared by every
// container decoder: structural failures abort a container, verification
// failures are recorded but do not, and missing keys degrade a section to
// unverified/undecrypted rather than failing the whole parse.
package containererr

import (
	"errors"
	"fmt"
)

// Kind classifies an error so callers can decide whether to abort the
// current container or simply record the failure and continue.
type Kind int

const (
	KindIo Kind = iota
	KindBadMagic
	KindTruncated
	KindUnsupportedVersion
	KindFsHashMismatch
	KindIvfcHashMismatch
	KindSignatureInvalid
	KindMissingKey
	KindMissingBase
	KindDecryptionFailed
	KindInvalidKeyfile
)

func (k Kind) String() string {
	switch k {
	case KindIo:
		return "Io"
	case KindBadMagic:
		return "BadMagic"
	case KindTruncated:
		return "Truncated"
	case KindUnsupportedVersion:
		return "UnsupportedVersion"
	case KindFsHashMismatch:
		return "FsHashMismatch"
	case KindIvfcHashMismatch:
		return "IvfcHashMismatch"
	case KindSignatureInvalid:
		return "SignatureInvalid"
	case KindMissingKey:
		return "MissingKey"
	case KindMissingBase:
		return "MissingBase"
	case KindDecryptionFailed:
		return "DecryptionFailed"
	case KindInvalidKeyfile:
		return "InvalidKeyfile"
	default:
		return "Unknown"
	}
}

// Error carries a Kind, a human-readable context string, and an optional
// wrapped cause so every failure keeps its provenance through errors.Is/As.
type Error struct {
	Kind    Kind
	Context string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Context, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Context)
}

func (e *Error) Unwrap() error { return e.Cause }

func New(kind Kind, context string) *Error {
	return &Error{Kind: kind, Context: context}
}

func Wrap(kind Kind, context string, cause error) *Error {
	return &Error{Kind: kind, Context: context, Cause: cause}
}

// Is reports whether err is a *Error of the given kind.
func Is(err error, kind Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}

// BadMagic builds the structural "unrecognized container" error.
func BadMagic(container, detail string) *Error {
	return New(KindBadMagic, fmt.Sprintf("%s: %s", container, detail))
}

// Truncated builds the structural "not enough bytes" error.
func Truncated(container string, offset int64) *Error {
	return New(KindTruncated, fmt.Sprintf("%s: expected data at offset 0x%x", container, offset))
}

// MissingKey builds the degrade-and-continue "no key material" error.
func MissingKey(kind, generation string) *Error {
	return New(KindMissingKey, fmt.Sprintf("%s generation %s", kind, generation))
}

// MissingBase builds the BKTR "no base RomFS supplied" error.
func MissingBase(detail string) *Error {
	return New(KindMissingBase, detail)
}
