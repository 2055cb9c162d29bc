package tao

import (
	"fmt"
	"time"
)

// =====================================
// Identifier Newtypes
// =====================================

// EntityID uniquely identifies an entity.
//
// All entities are identified by a 64-bit nonzero integer assigned by the
// store. The value is wrapped in a named type to prevent API mistakes —
// things like accidentally passing an entity ID where a type tag is
// expected, or vice versa.
type EntityID struct {
	v uint64
}

// EntityIDFromUint64 constructs an entity ID from a non-zero uint64.
// Returns ErrZeroID when the value is zero.
func EntityIDFromUint64(v uint64) (EntityID, error) {
	if v == 0 {
		return EntityID{}, ErrZeroID
	}
	return EntityID{v: v}, nil
}

// Uint64 returns the raw value of this entity ID. Never zero for an ID
// obtained from the store or from EntityIDFromUint64.
func (id EntityID) Uint64() uint64 { return id.v }

func (id EntityID) String() string { return fmt.Sprintf("Ent(%d)", id.v) }

// EntityType tags a kind of entity.
//
// Every entity carries one of these; values are chosen by the application
// and opaque to the store.
type EntityType struct {
	v uint64
}

// EntityTypeFromUint64 constructs an entity type from a non-zero uint64.
// Returns ErrZeroType when the value is zero.
func EntityTypeFromUint64(v uint64) (EntityType, error) {
	if v == 0 {
		return EntityType{}, ErrZeroType
	}
	return EntityType{v: v}, nil
}

// Uint64 returns the raw value of this entity type. Never zero.
func (ty EntityType) Uint64() uint64 { return ty.v }

func (ty EntityType) String() string { return fmt.Sprintf("EntType(%d)", ty.v) }

// AssocType tags a kind of association.
//
// Every assoc carries one of these; values are chosen by the application
// and opaque to the store.
type AssocType struct {
	v uint64
}

// AssocTypeFromUint64 constructs an assoc type from a non-zero uint64.
// Returns ErrZeroType when the value is zero.
func AssocTypeFromUint64(v uint64) (AssocType, error) {
	if v == 0 {
		return AssocType{}, ErrZeroType
	}
	return AssocType{v: v}, nil
}

// Uint64 returns the raw value of this assoc type. Never zero.
func (ty AssocType) Uint64() uint64 { return ty.v }

func (ty AssocType) String() string { return fmt.Sprintf("AssocType(%d)", ty.v) }

// =====================================
// Assoc Record
// =====================================

// AssocStorage is the value returned by assoc queries.
//
// It comprises everything necessary to interact with an assoc: the uniquely
// identifying triple (Ty, ID1, ID2), the timestamp of the last modification,
// and the attached data.
//
// Data is an arbitrary-size slice here, but storage layers keep an advisory
// limit on assoc payloads (around 255 bytes). If you find yourself bumping
// up against it, consider moving some of the edge information onto an entity
// or another assoc instead.
type AssocStorage struct {
	// Ty is the type of the association.
	Ty AssocType
	// ID1 is the originating entity of the association.
	ID1 EntityID
	// ID2 is the terminating entity of the association.
	ID2 EntityID
	// LastChange is when the association was last modified, in UTC with
	// whole-second resolution.
	LastChange time.Time
	// Data is the opaque payload attached to the association. Queries
	// return an independent copy; callers may retain it freely.
	Data []byte
}

// =====================================
// Range Query Parameters
// =====================================

// AssocRangeAfter controls result pagination in AssocRange queries.
//
// Get the first page with First, then subsequent pages by passing the last
// entity ID of the previous page to After. The cursor is exclusive: a page
// begins at the first row with id2 greater than the cursor.
type AssocRangeAfter struct {
	cursor uint64
}

// First fetches the first page of results.
func First() AssocRangeAfter { return AssocRangeAfter{} }

// After fetches the page of results starting with the next entity after id.
func After(id EntityID) AssocRangeAfter { return AssocRangeAfter{cursor: id.Uint64()} }

// Cursor returns the exclusive lower bound on id2 this cursor denotes.
// Zero means "start from the smallest id2".
func (a AssocRangeAfter) Cursor() uint64 { return a.cursor }

func (a AssocRangeAfter) String() string {
	if a.cursor == 0 {
		return "First"
	}
	return fmt.Sprintf("After(Ent(%d))", a.cursor)
}

type limitKind int

const (
	limitDefault limitKind = iota
	limitExact
	limitMaximum
)

// AssocRangeLimit bounds how many entries a paginated assoc query returns.
//
// Storage layers set their own maximum page size, so an exact Limit larger
// than the configured maximum will make the query fail. Maximum asks for as
// many results as the store will allow — use it instead of a hardcoded
// number when exhaustively listing records, so call sites don't drift when
// the configured maximum changes later.
type AssocRangeLimit struct {
	kind limitKind
	n    int
}

// DefaultLimit uses the store's default page size, generally in the low
// hundreds of records per page.
func DefaultLimit() AssocRangeLimit { return AssocRangeLimit{kind: limitDefault} }

// Limit fetches a specific number of results per page.
func Limit(n int) AssocRangeLimit { return AssocRangeLimit{kind: limitExact, n: n} }

// Maximum fetches as many results per page as the store allows.
func Maximum() AssocRangeLimit { return AssocRangeLimit{kind: limitMaximum} }

func (l AssocRangeLimit) String() string {
	switch l.kind {
	case limitExact:
		return fmt.Sprintf("Limit(%d)", l.n)
	case limitMaximum:
		return "Maximum"
	default:
		return "Default"
	}
}
