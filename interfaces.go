package tao

import (
	"context"
	"time"
)

// =====================================
// Connection Contract
// =====================================

// Connection is the entire surface of the graph store.
//
// An implementation talks to one relational database holding two tables —
// ents and assocs — and exposes entity CRUD, assoc mutation by unique
// (ty, id1, id2) key, and three assoc query modes:
//
//   - AssocGet — fetch the assocs matching (ty, id1) where id2 is in a
//     given set. Useful for one-off gets as well as queries against a known
//     set of other IDs.
//   - AssocRange — fetch all assocs matching (ty, id1). Paginated, so you
//     may need to hit it repeatedly if you really want everything coming
//     out of id1 of that type.
//   - AssocTimeRange — fetch assocs matching (ty, id1) updated within a
//     time window, newest first. Helpful when you care about recency more
//     than completeness, e.g. activity feeds.
//
// A Connection is a single-owner resource; wrap it in a SharedConnection to
// use it from several goroutines.
type Connection interface {
	// Initialize creates the ents and assocs tables if they are absent.
	// Idempotent — safe to call on an already-initialized store. The
	// driver constructors already call it when opening a store, so
	// callers rarely need to call it themselves.
	Initialize(ctx context.Context) error

	// EntAdd inserts a new entity of type ty with the provided data and
	// returns the freshly assigned, non-zero entity ID.
	EntAdd(ctx context.Context, ty EntityType, data []byte) (EntityID, error)

	// EntGet returns the type and a copy of the data for id. Fails with
	// EntNotFoundError when the entity is absent.
	EntGet(ctx context.Context, id EntityID) (EntityType, []byte, error)

	// EntUpdate replaces the data stored for id, returning the entity's
	// type and the data just written. The ty argument is accepted but
	// deliberately ignored: an entity's type cannot be changed through
	// update, and the returned type is whatever the row already has.
	// Fails with EntNotFoundError when the entity is absent.
	EntUpdate(ctx context.Context, id EntityID, ty EntityType, data []byte) (EntityType, []byte, error)

	// EntDelete removes the entity at id together with every assoc that
	// has id on either end, in one atomic step, and returns the deleted
	// entity's type and data. Fails with EntNotFoundError when the entity
	// is absent; the assoc cleanup for a missing entity still commits.
	EntDelete(ctx context.Context, id EntityID) (EntityType, []byte, error)

	// AssocAdd inserts the assoc (ty, id1, id2) with the given data,
	// setting its last-change time to now. Neither endpoint is required
	// to exist at insertion time. Insert-only: if the triple already
	// exists the result is AssocAlreadyExistsError.
	AssocAdd(ctx context.Context, ty AssocType, id1, id2 EntityID, data []byte) error

	// AssocDelete removes the assoc (ty, id1, id2) and returns it. Fails
	// with AssocNotFoundError when the triple is absent.
	AssocDelete(ctx context.Context, ty AssocType, id1, id2 EntityID) (AssocStorage, error)

	// AssocChangeType rewrites the assoc (ty, id1, id2) to carry newTy,
	// setting its last-change time to now, and returns the updated record.
	// Fails with AssocNotFoundError when the old triple is absent; a
	// collision with an existing (newTy, id1, id2) surfaces as a
	// StorageError from the engine's primary-key constraint.
	AssocChangeType(ctx context.Context, ty AssocType, id1, id2 EntityID, newTy AssocType) (AssocStorage, error)

	// AssocGet fetches all assocs of type ty originating at id1 whose id2
	// is in id2Set and, when bounds are given, whose last-change time lies
	// in [low, high]. A nil high defaults to now; a nil low defaults to
	// the Unix epoch. An empty result is success, not an error. The size
	// of id2Set is bounded by the engine's bind-variable limit; exceeding
	// it is a programmer error.
	AssocGet(ctx context.Context, ty AssocType, id1 EntityID, id2Set []EntityID, high, low *time.Time) ([]AssocStorage, error)

	// AssocCount returns the number of assocs of type ty originating at
	// id1.
	AssocCount(ctx context.Context, ty AssocType, id1 EntityID) (int, error)

	// AssocRange fetches up to limit assocs of type ty originating at
	// id1, ordered by id2 ascending, beginning with the first id2 greater
	// than the after cursor.
	AssocRange(ctx context.Context, ty AssocType, id1 EntityID, after AssocRangeAfter, limit AssocRangeLimit) ([]AssocStorage, error)

	// AssocTimeRange fetches up to limit assocs of type ty originating at
	// id1 whose last-change time lies in [low, high], ordered by
	// last-change descending. The argument order — high, then low — is
	// part of the contract.
	AssocTimeRange(ctx context.Context, ty AssocType, id1 EntityID, high, low time.Time, limit AssocRangeLimit) ([]AssocStorage, error)

	// Close releases the underlying database resources.
	Close() error
}

// Factory constructs Connections for one driver family. Driver packages
// register a Factory with RegisterDriver from an init function, after which
// Open can reach them by name.
type Factory interface {
	// Create opens a Connection per the given configuration. The returned
	// connection is initialized and ready for use.
	Create(config Config) (Connection, error)

	// SupportedDrivers lists the driver names this factory accepts in
	// Config.Driver.
	SupportedDrivers() []string
}
