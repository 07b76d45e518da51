// Package errs defines the storage core's closed error taxonomy (spec §7).
//
// Every API boundary in this module returns (T, error) instead of panicking;
// only invariant violations that indicate corrupted in-process state still
// panic, matching the teacher's own sparing use of panic for states that
// should never occur.
package errs

import (
	"fmt"

	"github.com/pkg/errors"
)

// Kind classifies an error the way spec.md §7 enumerates them. Kind is a
// closed enum: every StorageError carries exactly one.
type Kind uint8

const (
	// KindUnknown is the zero value and never produced deliberately.
	KindUnknown Kind = iota

	// Resource errors: out-of-memory, filesystem-full.
	KindOutOfMemory
	KindFilesystemFull

	// Corruption errors: CRC mismatch, datafile corrupted.
	KindDatafileCorrupted

	// Concurrency errors: conflict, unique-constraint-violated.
	KindConflict
	KindUniqueConstraintViolated

	// Not-found errors.
	KindDocumentNotFound
	KindCollectionNotFound

	// Policy / programming-bug errors.
	KindIllegalState
	KindForbidden
	KindDocumentTypeInvalid
	KindDuplicateIdentifier
	KindInvalidHandle
	KindUnsupportedIndexType
	KindDatafileFull

	// Applier (transient network) errors.
	KindCouldNotConnect
	KindReadError
	KindWriteError

	// Applier (fatal) errors.
	KindInvalidApplierConfiguration
	KindServerIDMismatch
)

// String renders the kind as the stable identifier used in logs and in the
// replication event stream's error field.
func (k Kind) String() string {
	switch k {
	case KindOutOfMemory:
		return "out-of-memory"
	case KindFilesystemFull:
		return "filesystem-full"
	case KindDatafileCorrupted:
		return "datafile-corrupted"
	case KindConflict:
		return "conflict"
	case KindUniqueConstraintViolated:
		return "unique-constraint-violated"
	case KindDocumentNotFound:
		return "document-not-found"
	case KindCollectionNotFound:
		return "collection-not-found"
	case KindIllegalState:
		return "illegal-state"
	case KindForbidden:
		return "forbidden"
	case KindDocumentTypeInvalid:
		return "document-type-invalid"
	case KindDuplicateIdentifier:
		return "duplicate-identifier"
	case KindInvalidHandle:
		return "invalid-handle"
	case KindUnsupportedIndexType:
		return "unsupported-index-type"
	case KindDatafileFull:
		return "datafile-full"
	case KindCouldNotConnect:
		return "could-not-connect"
	case KindReadError:
		return "read-error"
	case KindWriteError:
		return "write-error"
	case KindInvalidApplierConfiguration:
		return "invalid-applier-configuration"
	case KindServerIDMismatch:
		return "server-id-mismatch"
	default:
		return "unknown"
	}
}

// Class groups kinds into the handling strategy from spec.md §7's table.
type Class uint8

const (
	ClassResource Class = iota
	ClassCorruption
	ClassConcurrency
	ClassNotFound
	ClassPolicy
	ClassTransientNetwork
	ClassFatalNetwork
)

func (k Kind) Class() Class {
	switch k {
	case KindOutOfMemory, KindFilesystemFull:
		return ClassResource
	case KindDatafileCorrupted:
		return ClassCorruption
	case KindConflict, KindUniqueConstraintViolated:
		return ClassConcurrency
	case KindDocumentNotFound, KindCollectionNotFound:
		return ClassNotFound
	case KindCouldNotConnect, KindReadError, KindWriteError:
		return ClassTransientNetwork
	case KindInvalidApplierConfiguration, KindServerIDMismatch:
		return ClassFatalNetwork
	default:
		return ClassPolicy
	}
}

// StorageError is the concrete error type returned across every API
// boundary in this module.
type StorageError struct {
	Kind    Kind
	Message string
	cause   error
}

func (e *StorageError) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *StorageError) Unwrap() error { return e.cause }

// New creates a StorageError without an underlying cause.
func New(kind Kind, message string) *StorageError {
	return &StorageError{Kind: kind, Message: message}
}

// Wrap attaches kind and message to an underlying cause, preserving the
// cause chain via github.com/pkg/errors the way arangodb-go-driver does.
func Wrap(kind Kind, cause error, message string) *StorageError {
	return &StorageError{Kind: kind, Message: message, cause: errors.WithStack(cause)}
}

// Is reports whether err is a *StorageError of the given kind.
func Is(err error, kind Kind) bool {
	se, ok := err.(*StorageError)
	if !ok {
		return false
	}
	return se.Kind == kind
}

// KindOf extracts the Kind from err, or KindUnknown if err is not a
// *StorageError.
func KindOf(err error) Kind {
	se, ok := err.(*StorageError)
	if !ok {
		return KindUnknown
	}
	return se.Kind
}
