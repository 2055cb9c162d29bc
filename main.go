// Package tao implements a small graph data store in the style of
// Facebook's TAO: a world of entities (typed, identified blobs) and
// associations (typed, timestamped, directed edges between two entities,
// each carrying its own blob), persisted in a relational engine.
//
// # Data Model
//
// Every entity has an ID assigned from one 64-bit pool, a 64-bit type tag,
// and an opaque byte payload. Every assoc has a pair of entity IDs defining
// its endpoints and direction, a 64-bit type tag, a last-change timestamp
// (whole-second UTC resolution), and a payload of its own. The triple
// (type, id1, id2) uniquely identifies an assoc.
//
// # Connection Contract
//
// The Connection interface is the entire surface of the store — entity CRUD,
// assoc create/update/delete by unique (ty, id1, id2) key, and three query
// modes:
//
//   - AssocGet: fetch assocs matching (ty, id1) where id2 is in a given set,
//     optionally bounded by a last-change time window.
//   - AssocRange: fetch assocs matching (ty, id1), paginated by id2 with a
//     cursor-exclusive "after" parameter.
//   - AssocTimeRange: fetch assocs matching (ty, id1) last changed within a
//     time window, newest first.
//
// # Drivers
//
// Concrete stores live in adapter subpackages and register themselves with
// the driver registry:
//
//	import _ "github.com/lemmego/tao/taobun"
//
//	conn, err := tao.Open("bun", tao.Config{Driver: "sqlite", Database: ":memory:"})
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer conn.Close()
//
// The taobun and taogorm packages produce bit-compatible on-disk layouts, so
// a database written through one driver can be reopened through the other.
// The taocache package wraps any Connection with a Redis read-through cache,
// and taoobj layers a typed object mapping on top of the byte-level contract.
//
// # Sharing a Connection
//
// A Connection is a single-owner resource. To use one store from many
// goroutines, wrap it in a SharedConnection, which serializes every call
// through a mutex and poisons itself if a holder panics mid-operation.
package tao
