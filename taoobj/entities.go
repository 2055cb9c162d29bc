// Package taoobj layers a typed object mapping over the byte-level tao
// contract. Application structs declare a non-zero entity type tag, are
// serialized to JSON into the entity blob, and move through an explicit
// unsaved → saved typestate: an Unsaved value has no ID and can only be
// saved; a Saved value carries its store-assigned ID and supports update,
// reload and delete. There are no shared mutable dirty flags — saving
// produces a new value of the other state.
package taoobj

import (
	"context"
	"encoding/json"

	"github.com/lemmego/tao"
)

// Entity is implemented by application structs stored as entities. The
// type tag must be non-zero, constant for the Go type, and unique across
// the application's entity kinds. It must be callable on the zero value.
type Entity interface {
	EntityTypeID() tao.EntityType
}

// typeTag returns T's declared type tag.
func typeTag[T Entity]() tao.EntityType {
	var zero T
	return zero.EntityTypeID()
}

// =====================================
// Unsaved State
// =====================================

// Unsaved holds an entity value that has not been persisted. It has no ID;
// the only way forward is Save.
type Unsaved[T Entity] struct {
	obj T
}

// New wraps obj as an unsaved entity.
func New[T Entity](obj T) Unsaved[T] {
	return Unsaved[T]{obj: obj}
}

// Obj returns the wrapped value.
func (u Unsaved[T]) Obj() T { return u.obj }

// Save serializes the value and inserts it as a new entity, returning the
// saved handle carrying the assigned ID.
func (u Unsaved[T]) Save(ctx context.Context, conn tao.Connection) (Saved[T], error) {
	data, err := json.Marshal(u.obj)
	if err != nil {
		return Saved[T]{}, SaveError{Cause: err}
	}
	id, err := conn.EntAdd(ctx, u.obj.EntityTypeID(), data)
	if err != nil {
		return Saved[T]{}, SaveError{Cause: err}
	}
	return Saved[T]{obj: u.obj, id: id}, nil
}

// =====================================
// Saved State
// =====================================

// Saved holds a persisted entity value together with its store-assigned ID.
type Saved[T Entity] struct {
	obj T
	id  tao.EntityID
}

// ID returns the store-assigned entity ID.
func (s Saved[T]) ID() tao.EntityID { return s.id }

// Obj returns the value as of the last save, load or reload.
func (s Saved[T]) Obj() T { return s.obj }

// Update serializes obj and replaces the entity's stored data, returning a
// handle carrying the new value under the same ID.
func (s Saved[T]) Update(ctx context.Context, conn tao.Connection, obj T) (Saved[T], error) {
	data, err := json.Marshal(obj)
	if err != nil {
		return Saved[T]{}, SaveError{Cause: err}
	}
	if _, _, err := conn.EntUpdate(ctx, s.id, obj.EntityTypeID(), data); err != nil {
		return Saved[T]{}, SaveError{Cause: err}
	}
	return Saved[T]{obj: obj, id: s.id}, nil
}

// Reload fetches the entity's current stored state.
func (s Saved[T]) Reload(ctx context.Context, conn tao.Connection) (Saved[T], error) {
	return Load[T](ctx, conn, s.id)
}

// Delete removes the entity and, by cascade, every assoc incident on it.
func (s Saved[T]) Delete(ctx context.Context, conn tao.Connection) error {
	_, _, err := conn.EntDelete(ctx, s.id)
	return err
}

// Load fetches the entity at id and decodes it as a T. Fails with
// TypeMismatchError when the stored type tag differs from T's.
func Load[T Entity](ctx context.Context, conn tao.Connection, id tao.EntityID) (Saved[T], error) {
	want := typeTag[T]()
	ty, data, err := conn.EntGet(ctx, id)
	if err != nil {
		return Saved[T]{}, err
	}
	if ty != want {
		return Saved[T]{}, TypeMismatchError{ID: id, Want: want, Got: ty}
	}
	var obj T
	if err := json.Unmarshal(data, &obj); err != nil {
		return Saved[T]{}, SaveError{Cause: err}
	}
	return Saved[T]{obj: obj, id: id}, nil
}
