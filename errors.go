package tao

import (
	"errors"
	"fmt"
)

// =====================================
// Error Taxonomy
// =====================================
//
// The store can fail in a closed set of ways. These fall in two categories:
// data model violations and persistence issues. Data model violations are
// things like fetching an entity that doesn't exist, asking for too many
// assocs in one page, or modifying the wrong number of rows during an
// update. Persistence issues are problems in the layer below — sqlite,
// postgres, mysql — connection timeouts, missing database files, failed
// table creation. Those are wrapped in StorageError.

var (
	// ErrZeroID reports that a caller or the backing engine produced a
	// zero entity ID, which is never valid.
	ErrZeroID = errors.New("got an id with the value zero")

	// ErrZeroType reports that a caller or the backing engine produced a
	// zero type tag, which is never valid.
	ErrZeroType = errors.New("got a type with the value zero")

	// ErrSharedConnectionPoisoned reports that a goroutine panicked while
	// holding a SharedConnection, leaving the underlying store in an
	// unknown state.
	ErrSharedConnectionPoisoned = errors.New("a goroutine panicked while holding a shared connection")
)

// EntNotFoundError reports that an entity operation targeted an ID that is
// not in the store.
type EntNotFoundError struct {
	ID EntityID
}

func (e EntNotFoundError) Error() string {
	return fmt.Sprintf("couldn't find entity %s", e.ID)
}

// EntAlreadyExistsError reports an entity insert colliding with an existing
// ID. Normal inserts auto-assign IDs, so this is reserved for stores that
// accept caller-chosen IDs.
type EntAlreadyExistsError struct {
	ID EntityID
}

func (e EntAlreadyExistsError) Error() string {
	return fmt.Sprintf("entity %s already exists", e.ID)
}

// AssocNotFoundError reports that an assoc targeted by delete, change-type
// or get is not in the store.
type AssocNotFoundError struct {
	Ty  AssocType
	ID1 EntityID
	ID2 EntityID
}

func (e AssocNotFoundError) Error() string {
	return fmt.Sprintf("couldn't find assoc (%s: %s->%s)", e.Ty, e.ID1, e.ID2)
}

// AssocAlreadyExistsError reports that AssocAdd collided with an existing
// assoc on the (ty, id1, id2) primary key.
type AssocAlreadyExistsError struct {
	Ty  AssocType
	ID1 EntityID
	ID2 EntityID
}

func (e AssocAlreadyExistsError) Error() string {
	return fmt.Sprintf("assoc (%s:%s->%s) already exists", e.Ty, e.ID1, e.ID2)
}

// EntModifiedTooManyRowsError reports that a single-row entity operation
// touched more rows than expected. The entity ID is the table's primary
// key, so this indicates data-model corruption.
type EntModifiedTooManyRowsError struct {
	ID       EntityID
	Modified int
	Expected int
}

func (e EntModifiedTooManyRowsError) Error() string {
	return fmt.Sprintf(
		"CRITICAL DATA MODEL ERROR: modified %d rows updating id %s but expected to modify %d",
		e.Modified, e.ID, e.Expected)
}

// AssocModifiedTooManyRowsError reports that a single-row assoc operation
// touched more rows than expected. The (ty, id1, id2) triple is the table's
// primary key, so this indicates data-model corruption.
type AssocModifiedTooManyRowsError struct {
	Ty       AssocType
	ID1      EntityID
	ID2      EntityID
	Modified int
	Expected int
}

func (e AssocModifiedTooManyRowsError) Error() string {
	return fmt.Sprintf(
		"CRITICAL DATA MODEL ERROR: modified %d rows updating assoc (%s:%s->%s) but expected to modify %d",
		e.Modified, e.Ty, e.ID1, e.ID2, e.Expected)
}

// PageTooLargeError reports a paginated query whose resolved limit exceeds
// the configured maximum page size.
type PageTooLargeError struct {
	RequestedLimit int
	MaximumLimit   int
}

func (e PageTooLargeError) Error() string {
	return fmt.Sprintf(
		"cannot return more than %d results per page of assocs (%d was requested)",
		e.MaximumLimit, e.RequestedLimit)
}

// StorageError wraps a failure in the storage layer below the store —
// either we've made some mistake constructing queries, or blown an engine
// limit we didn't know about.
type StorageError struct {
	Cause error
}

func (e StorageError) Error() string {
	return fmt.Sprintf("storage layer error: %v", e.Cause)
}

// Unwrap returns the underlying engine error.
func (e StorageError) Unwrap() error { return e.Cause }

// NewStorageError wraps err as a StorageError. Returns nil when err is nil,
// and leaves errors that already belong to the taxonomy untouched so driver
// code can wrap indiscriminately.
func NewStorageError(err error) error {
	if err == nil {
		return nil
	}
	if isTaxonomy(err) {
		return err
	}
	return StorageError{Cause: err}
}

func isTaxonomy(err error) bool {
	if errors.Is(err, ErrZeroID) || errors.Is(err, ErrZeroType) ||
		errors.Is(err, ErrSharedConnectionPoisoned) {
		return true
	}
	switch {
	case errors.As(err, &EntNotFoundError{}),
		errors.As(err, &EntAlreadyExistsError{}),
		errors.As(err, &AssocNotFoundError{}),
		errors.As(err, &AssocAlreadyExistsError{}),
		errors.As(err, &EntModifiedTooManyRowsError{}),
		errors.As(err, &AssocModifiedTooManyRowsError{}),
		errors.As(err, &PageTooLargeError{}),
		errors.As(err, &StorageError{}):
		return true
	}
	return false
}
