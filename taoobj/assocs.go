package taoobj

import (
	"context"
	"errors"

	"github.com/lemmego/tao"
)

// AssocKind is the declarative registration of a named association kind,
// optionally paired with its inverse: "authored" pointing author → post can
// carry an "authored-by" reverse pointing post → author under a second type
// tag. Linking through a paired kind writes both edges; the core store
// remains unaware of the pairing.
type AssocKind struct {
	// Name is a human-readable label for diagnostics.
	Name string
	// Forward is the type tag written from the linking entity to the
	// linked one.
	Forward tao.AssocType
	// Reverse is the type tag of the inverse edge. Zero means the kind
	// has no inverse.
	Reverse tao.AssocType
}

// NewAssocKind registers a one-directional association kind.
func NewAssocKind(name string, forward tao.AssocType) AssocKind {
	return AssocKind{Name: name, Forward: forward}
}

// NewAssocPair registers an association kind together with its inverse.
// The two tags must differ, or the reverse edge of a self-link would
// collide with the forward one.
func NewAssocPair(name string, forward, reverse tao.AssocType) (AssocKind, error) {
	if forward == reverse {
		return AssocKind{}, errors.New("forward and reverse assoc types must differ")
	}
	return AssocKind{Name: name, Forward: forward, Reverse: reverse}, nil
}

func (k AssocKind) hasReverse() bool { return k.Reverse.Uint64() != 0 }

// Link writes the forward edge from → to and, for a paired kind, the
// inverse edge to → from. The data payload rides on the forward edge only.
func (k AssocKind) Link(ctx context.Context, conn tao.Connection, from, to tao.EntityID, data []byte) error {
	if err := conn.AssocAdd(ctx, k.Forward, from, to, data); err != nil {
		return err
	}
	if k.hasReverse() {
		return conn.AssocAdd(ctx, k.Reverse, to, from, nil)
	}
	return nil
}

// Unlink removes the forward edge from → to and, for a paired kind, the
// inverse edge. A missing inverse is tolerated so half-written pairs can
// still be unlinked.
func (k AssocKind) Unlink(ctx context.Context, conn tao.Connection, from, to tao.EntityID) error {
	if _, err := conn.AssocDelete(ctx, k.Forward, from, to); err != nil {
		return err
	}
	if k.hasReverse() {
		_, err := conn.AssocDelete(ctx, k.Reverse, to, from)
		if err != nil && !errors.As(err, &tao.AssocNotFoundError{}) {
			return err
		}
	}
	return nil
}

// Linked reports whether the forward edge from → to exists, returning it
// when present.
func (k AssocKind) Linked(ctx context.Context, conn tao.Connection, from, to tao.EntityID) (tao.AssocStorage, bool, error) {
	assocs, err := conn.AssocGet(ctx, k.Forward, from, []tao.EntityID{to}, nil, nil)
	if err != nil {
		return tao.AssocStorage{}, false, err
	}
	if len(assocs) == 0 {
		return tao.AssocStorage{}, false, nil
	}
	return assocs[0], true, nil
}

// Neighbors pages through the entities the forward edge links from to.
func (k AssocKind) Neighbors(ctx context.Context, conn tao.Connection, from tao.EntityID, after tao.AssocRangeAfter, limit tao.AssocRangeLimit) ([]tao.AssocStorage, error) {
	return conn.AssocRange(ctx, k.Forward, from, after, limit)
}

// Count returns the number of forward edges originating at from.
func (k AssocKind) Count(ctx context.Context, conn tao.Connection, from tao.EntityID) (int, error) {
	return conn.AssocCount(ctx, k.Forward, from)
}
