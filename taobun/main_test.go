package taobun

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"

	"github.com/lemmego/tao"
)

type BunStoreTestSuite struct {
	suite.Suite
	conn *Conn
	ctx  context.Context
}

func TestBunStoreSuite(t *testing.T) {
	suite.Run(t, new(BunStoreTestSuite))
}

func (s *BunStoreTestSuite) SetupTest() {
	conn, err := NewInMemory()
	require.NoError(s.T(), err)
	s.conn = conn
	s.ctx = context.Background()
}

func (s *BunStoreTestSuite) TearDownTest() {
	if s.conn != nil {
		s.conn.Close()
	}
}

func (s *BunStoreTestSuite) entityType(v uint64) tao.EntityType {
	ty, err := tao.EntityTypeFromUint64(v)
	require.NoError(s.T(), err)
	return ty
}

func (s *BunStoreTestSuite) assocType(v uint64) tao.AssocType {
	ty, err := tao.AssocTypeFromUint64(v)
	require.NoError(s.T(), err)
	return ty
}

func (s *BunStoreTestSuite) addEnt() tao.EntityID {
	id, err := s.conn.EntAdd(s.ctx, s.entityType(1), nil)
	require.NoError(s.T(), err)
	return id
}

// =====================================
// Initialization
// =====================================

func (s *BunStoreTestSuite) TestInitializeIdempotent() {
	id := s.addEnt()

	// Re-initializing must neither fail nor clobber existing rows.
	require.NoError(s.T(), s.conn.Initialize(s.ctx))

	_, _, err := s.conn.EntGet(s.ctx, id)
	assert.NoError(s.T(), err)
}

// =====================================
// Entity CRUD
// =====================================

func (s *BunStoreTestSuite) TestEntCRUD() {
	etype := s.entityType(1)

	id, err := s.conn.EntAdd(s.ctx, etype, []byte{})
	require.NoError(s.T(), err)
	assert.NotZero(s.T(), id.Uint64())

	ty, data, err := s.conn.EntGet(s.ctx, id)
	require.NoError(s.T(), err)
	assert.Equal(s.T(), etype, ty)
	assert.Empty(s.T(), data)

	_, _, err = s.conn.EntUpdate(s.ctx, id, etype, []byte("hello\x00"))
	require.NoError(s.T(), err)

	ty, data, err = s.conn.EntGet(s.ctx, id)
	require.NoError(s.T(), err)
	assert.Equal(s.T(), etype, ty)
	assert.Equal(s.T(), []byte("hello\x00"), data)

	ty, data, err = s.conn.EntDelete(s.ctx, id)
	require.NoError(s.T(), err)
	assert.Equal(s.T(), etype, ty)
	assert.Equal(s.T(), []byte("hello\x00"), data)

	_, _, err = s.conn.EntGet(s.ctx, id)
	var notFound tao.EntNotFoundError
	require.ErrorAs(s.T(), err, &notFound)
	assert.Equal(s.T(), id, notFound.ID)
}

func (s *BunStoreTestSuite) TestEntUpdatePreservesType() {
	etype := s.entityType(1)
	otherType := s.entityType(9)

	id, err := s.conn.EntAdd(s.ctx, etype, []byte("original"))
	require.NoError(s.T(), err)

	// The type argument is deliberately ignored; the stored type wins.
	tyBefore, _, err := s.conn.EntUpdate(s.ctx, id, otherType, []byte("changed"))
	require.NoError(s.T(), err)
	assert.Equal(s.T(), etype, tyBefore)

	ty, data, err := s.conn.EntGet(s.ctx, id)
	require.NoError(s.T(), err)
	assert.Equal(s.T(), etype, ty)
	assert.Equal(s.T(), []byte("changed"), data)
}

func (s *BunStoreTestSuite) TestEntUpdateMissing() {
	missing, err := tao.EntityIDFromUint64(404)
	require.NoError(s.T(), err)

	_, _, err = s.conn.EntUpdate(s.ctx, missing, s.entityType(1), nil)
	assert.ErrorAs(s.T(), err, &tao.EntNotFoundError{})
}

func (s *BunStoreTestSuite) TestEntDeleteMissing() {
	missing, err := tao.EntityIDFromUint64(404)
	require.NoError(s.T(), err)

	_, _, err = s.conn.EntDelete(s.ctx, missing)
	assert.ErrorAs(s.T(), err, &tao.EntNotFoundError{})
}

func (s *BunStoreTestSuite) TestEntDataRoundTrip() {
	etype := s.entityType(1)
	payloads := [][]byte{
		{},
		{0x00},
		{0xFF, 0x00, 0x7F, 0x80, 0x01},
		[]byte("plain text"),
	}

	for _, payload := range payloads {
		id, err := s.conn.EntAdd(s.ctx, etype, payload)
		require.NoError(s.T(), err)

		_, data, err := s.conn.EntGet(s.ctx, id)
		require.NoError(s.T(), err)
		if len(payload) == 0 {
			assert.Empty(s.T(), data)
		} else {
			assert.Equal(s.T(), payload, data)
		}
	}
}

// =====================================
// Assoc Mutation
// =====================================

func (s *BunStoreTestSuite) TestAssocAddAndGet() {
	// Round the start time down to whole seconds, since that's the
	// granularity the database keeps.
	start := time.Now().UTC().Truncate(time.Second)

	id1 := s.addEnt()
	id2 := s.addEnt()
	id3 := s.addEnt()

	atype := s.assocType(1)
	require.NoError(s.T(), s.conn.AssocAdd(s.ctx, atype, id1, id2, nil))
	require.NoError(s.T(), s.conn.AssocAdd(s.ctx, atype, id3, id2, nil))
	require.NoError(s.T(), s.conn.AssocAdd(s.ctx, atype, id1, id3, nil))

	assocs, err := s.conn.AssocGet(s.ctx, atype, id1, []tao.EntityID{id3}, nil, nil)
	require.NoError(s.T(), err)
	require.Len(s.T(), assocs, 1)

	assoc := assocs[0]
	assert.Equal(s.T(), atype, assoc.Ty)
	assert.Equal(s.T(), id1, assoc.ID1)
	assert.Equal(s.T(), id3, assoc.ID2)
	assert.False(s.T(), assoc.LastChange.Before(start),
		"%s should not be before %s", assoc.LastChange, start)
	assert.Empty(s.T(), assoc.Data)
}

func (s *BunStoreTestSuite) TestAssocAddDuplicate() {
	id1 := s.addEnt()
	id2 := s.addEnt()
	atype := s.assocType(1)

	require.NoError(s.T(), s.conn.AssocAdd(s.ctx, atype, id1, id2, nil))

	err := s.conn.AssocAdd(s.ctx, atype, id1, id2, []byte("again"))
	var exists tao.AssocAlreadyExistsError
	require.ErrorAs(s.T(), err, &exists)
	assert.Equal(s.T(), atype, exists.Ty)
	assert.Equal(s.T(), id1, exists.ID1)
	assert.Equal(s.T(), id2, exists.ID2)

	// Same endpoints under a different type are a different assoc.
	assert.NoError(s.T(), s.conn.AssocAdd(s.ctx, s.assocType(2), id1, id2, nil))
}

func (s *BunStoreTestSuite) TestAssocCountChecksType() {
	id1 := s.addEnt()
	id2 := s.addEnt()

	require.NoError(s.T(), s.conn.AssocAdd(s.ctx, s.assocType(1), id1, id2, nil))
	require.NoError(s.T(), s.conn.AssocAdd(s.ctx, s.assocType(2), id1, id2, nil))

	count, err := s.conn.AssocCount(s.ctx, s.assocType(1), id1)
	require.NoError(s.T(), err)
	assert.Equal(s.T(), 1, count)
}

func (s *BunStoreTestSuite) TestAssocCountMultiple() {
	id1 := s.addEnt()
	atype := s.assocType(1)
	for i := 0; i < 3; i++ {
		require.NoError(s.T(), s.conn.AssocAdd(s.ctx, atype, id1, s.addEnt(), nil))
	}

	count, err := s.conn.AssocCount(s.ctx, atype, id1)
	require.NoError(s.T(), err)
	assert.Equal(s.T(), 3, count)
}

func (s *BunStoreTestSuite) TestAssocDelete() {
	id1 := s.addEnt()
	id2 := s.addEnt()
	atype := s.assocType(1)

	require.NoError(s.T(), s.conn.AssocAdd(s.ctx, atype, id1, id2, []byte("edge")))

	deleted, err := s.conn.AssocDelete(s.ctx, atype, id1, id2)
	require.NoError(s.T(), err)
	assert.Equal(s.T(), atype, deleted.Ty)
	assert.Equal(s.T(), id1, deleted.ID1)
	assert.Equal(s.T(), id2, deleted.ID2)
	assert.Equal(s.T(), []byte("edge"), deleted.Data)

	count, err := s.conn.AssocCount(s.ctx, atype, id1)
	require.NoError(s.T(), err)
	assert.Zero(s.T(), count)

	_, err = s.conn.AssocDelete(s.ctx, atype, id1, id2)
	var notFound tao.AssocNotFoundError
	require.ErrorAs(s.T(), err, &notFound)
	assert.Equal(s.T(), atype, notFound.Ty)
}

func (s *BunStoreTestSuite) TestAssocChangeType() {
	id1 := s.addEnt()
	id2 := s.addEnt()
	atype1 := s.assocType(1)
	atype2 := s.assocType(2)

	require.NoError(s.T(), s.conn.AssocAdd(s.ctx, atype1, id1, id2, nil))

	changed, err := s.conn.AssocChangeType(s.ctx, atype1, id1, id2, atype2)
	require.NoError(s.T(), err)
	assert.Equal(s.T(), atype2, changed.Ty)

	fetched, err := s.conn.AssocGet(s.ctx, atype2, id1, []tao.EntityID{id2}, nil, nil)
	require.NoError(s.T(), err)
	require.Len(s.T(), fetched, 1)
	assert.Equal(s.T(), atype2, fetched[0].Ty)

	empty, err := s.conn.AssocGet(s.ctx, atype1, id1, []tao.EntityID{id2}, nil, nil)
	require.NoError(s.T(), err)
	assert.Empty(s.T(), empty,
		"after changing the type, the assoc was still retrieved by the old type")
}

func (s *BunStoreTestSuite) TestAssocChangeTypeMissing() {
	id1 := s.addEnt()
	id2 := s.addEnt()

	_, err := s.conn.AssocChangeType(s.ctx, s.assocType(1), id1, id2, s.assocType(2))
	assert.ErrorAs(s.T(), err, &tao.AssocNotFoundError{})
}

func (s *BunStoreTestSuite) TestAssocChangeTypeConflict() {
	id1 := s.addEnt()
	id2 := s.addEnt()
	atype1 := s.assocType(1)
	atype2 := s.assocType(2)

	require.NoError(s.T(), s.conn.AssocAdd(s.ctx, atype1, id1, id2, nil))
	require.NoError(s.T(), s.conn.AssocAdd(s.ctx, atype2, id1, id2, nil))

	// The target triple exists; the primary-key constraint surfaces as a
	// storage error.
	_, err := s.conn.AssocChangeType(s.ctx, atype1, id1, id2, atype2)
	assert.ErrorAs(s.T(), err, &tao.StorageError{})
}

// =====================================
// Entity Delete Cascade
// =====================================

func (s *BunStoreTestSuite) TestEntDeleteIncludesReferences() {
	id1 := s.addEnt()
	id2 := s.addEnt()
	id3 := s.addEnt()

	atype := s.assocType(1)
	require.NoError(s.T(), s.conn.AssocAdd(s.ctx, atype, id1, id2, nil))
	require.NoError(s.T(), s.conn.AssocAdd(s.ctx, atype, id3, id2, nil))
	require.NoError(s.T(), s.conn.AssocAdd(s.ctx, atype, id1, id3, nil))

	_, _, err := s.conn.EntDelete(s.ctx, id3)
	require.NoError(s.T(), err)

	// No hanging assocs: everything touching id3 is gone, the rest stays.
	assocs13, err := s.conn.AssocGet(s.ctx, atype, id1, []tao.EntityID{id3}, nil, nil)
	require.NoError(s.T(), err)
	assert.Empty(s.T(), assocs13)

	assocs32, err := s.conn.AssocGet(s.ctx, atype, id3, []tao.EntityID{id2}, nil, nil)
	require.NoError(s.T(), err)
	assert.Empty(s.T(), assocs32)

	assocs12, err := s.conn.AssocGet(s.ctx, atype, id1, []tao.EntityID{id2}, nil, nil)
	require.NoError(s.T(), err)
	assert.Len(s.T(), assocs12, 1)
}

// =====================================
// Range Queries
// =====================================

func (s *BunStoreTestSuite) TestAssocRangeAllOnOnePage() {
	id1 := s.addEnt()
	id2 := s.addEnt()
	id3 := s.addEnt()

	atype := s.assocType(1)
	require.NoError(s.T(), s.conn.AssocAdd(s.ctx, atype, id1, id2, nil))
	require.NoError(s.T(), s.conn.AssocAdd(s.ctx, atype, id1, id3, nil))

	assocs, err := s.conn.AssocRange(s.ctx, atype, id1, tao.First(), tao.DefaultLimit())
	require.NoError(s.T(), err)
	require.Len(s.T(), assocs, 2)

	for i, want := range []tao.EntityID{id2, id3} {
		assert.Equal(s.T(), atype, assocs[i].Ty)
		assert.Equal(s.T(), id1, assocs[i].ID1)
		assert.Equal(s.T(), want, assocs[i].ID2)
		assert.Empty(s.T(), assocs[i].Data)
	}
}

func (s *BunStoreTestSuite) TestAssocRangePagination() {
	id1 := s.addEnt()
	id2 := s.addEnt()
	id3 := s.addEnt()

	atype := s.assocType(1)
	require.NoError(s.T(), s.conn.AssocAdd(s.ctx, atype, id1, id2, nil))
	require.NoError(s.T(), s.conn.AssocAdd(s.ctx, atype, id1, id3, nil))

	page1, err := s.conn.AssocRange(s.ctx, atype, id1, tao.First(), tao.Limit(1))
	require.NoError(s.T(), err)
	require.Len(s.T(), page1, 1)
	assert.Equal(s.T(), id2, page1[0].ID2)

	page2, err := s.conn.AssocRange(s.ctx, atype, id1, tao.After(page1[0].ID2), tao.DefaultLimit())
	require.NoError(s.T(), err)
	require.Len(s.T(), page2, 1)
	assert.Equal(s.T(), id3, page2[0].ID2)
}

func (s *BunStoreTestSuite) TestAssocRangeExhaustivePagination() {
	id1 := s.addEnt()
	atype := s.assocType(1)
	for i := 0; i < 5; i++ {
		require.NoError(s.T(), s.conn.AssocAdd(s.ctx, atype, id1, s.addEnt(), nil))
	}

	// One page at a time, strictly ascending by id2.
	var paged []tao.AssocStorage
	after := tao.First()
	for {
		page, err := s.conn.AssocRange(s.ctx, atype, id1, after, tao.Limit(1))
		require.NoError(s.T(), err)
		if len(page) == 0 {
			break
		}
		require.Len(s.T(), page, 1)
		if len(paged) > 0 {
			assert.Greater(s.T(), page[0].ID2.Uint64(), paged[len(paged)-1].ID2.Uint64())
		}
		paged = append(paged, page[0])
		after = tao.After(page[0].ID2)
	}

	// The concatenation equals a single Maximum-sized page.
	all, err := s.conn.AssocRange(s.ctx, atype, id1, tao.First(), tao.Maximum())
	require.NoError(s.T(), err)
	assert.Equal(s.T(), all, paged)

	// And the count agrees with exhaustive pagination.
	count, err := s.conn.AssocCount(s.ctx, atype, id1)
	require.NoError(s.T(), err)
	assert.Equal(s.T(), len(paged), count)
}

func (s *BunStoreTestSuite) TestAssocRangePageTooLarge() {
	id1 := s.addEnt()

	_, err := s.conn.AssocRange(s.ctx, s.assocType(1), id1, tao.First(), tao.Limit(501))
	var tooLarge tao.PageTooLargeError
	require.ErrorAs(s.T(), err, &tooLarge)
	assert.Equal(s.T(), 501, tooLarge.RequestedLimit)
	assert.Equal(s.T(), 500, tooLarge.MaximumLimit)
}

func (s *BunStoreTestSuite) TestAssocRangeCustomTunables() {
	tunables := tao.NewTunables()
	tunables.SetMaxAssocsPerPage(2)
	tunables.SetDefaultAssocsPerPage(1)

	conn, err := New(tao.Config{
		Driver:   "sqlite",
		Database: ":memory:",
		Tunables: tunables,
	})
	require.NoError(s.T(), err)
	defer conn.Close()

	etype := s.entityType(1)
	id1, err := conn.EntAdd(s.ctx, etype, nil)
	require.NoError(s.T(), err)
	atype := s.assocType(1)
	for i := 0; i < 3; i++ {
		id2, err := conn.EntAdd(s.ctx, etype, nil)
		require.NoError(s.T(), err)
		require.NoError(s.T(), conn.AssocAdd(s.ctx, atype, id1, id2, nil))
	}

	page, err := conn.AssocRange(s.ctx, atype, id1, tao.First(), tao.DefaultLimit())
	require.NoError(s.T(), err)
	assert.Len(s.T(), page, 1)

	page, err = conn.AssocRange(s.ctx, atype, id1, tao.First(), tao.Maximum())
	require.NoError(s.T(), err)
	assert.Len(s.T(), page, 2)

	_, err = conn.AssocRange(s.ctx, atype, id1, tao.First(), tao.Limit(3))
	assert.ErrorAs(s.T(), err, &tao.PageTooLargeError{})
}

// =====================================
// Time-Bounded Queries
// =====================================

func (s *BunStoreTestSuite) TestAssocGetTimeWindow() {
	id1 := s.addEnt()
	id2 := s.addEnt()
	atype := s.assocType(1)
	require.NoError(s.T(), s.conn.AssocAdd(s.ctx, atype, id1, id2, nil))

	// A window that starts in the future excludes everything.
	future := time.Now().UTC().Add(time.Hour)
	assocs, err := s.conn.AssocGet(s.ctx, atype, id1, []tao.EntityID{id2}, nil, &future)
	require.NoError(s.T(), err)
	assert.Empty(s.T(), assocs)

	// A window that ends before the epoch of the row excludes it too.
	past := time.Unix(1, 0).UTC()
	assocs, err = s.conn.AssocGet(s.ctx, atype, id1, []tao.EntityID{id2}, &past, nil)
	require.NoError(s.T(), err)
	assert.Empty(s.T(), assocs)

	// The defaults — epoch to now — include it.
	assocs, err = s.conn.AssocGet(s.ctx, atype, id1, []tao.EntityID{id2}, nil, nil)
	require.NoError(s.T(), err)
	assert.Len(s.T(), assocs, 1)
}

func (s *BunStoreTestSuite) TestAssocGetEmptySet() {
	id1 := s.addEnt()

	assocs, err := s.conn.AssocGet(s.ctx, s.assocType(1), id1, nil, nil, nil)
	require.NoError(s.T(), err)
	assert.Empty(s.T(), assocs)
}

func (s *BunStoreTestSuite) TestAssocTimeRange() {
	start := time.Now().UTC().Truncate(time.Second)

	id1 := s.addEnt()
	atype := s.assocType(1)
	targets := []tao.EntityID{s.addEnt(), s.addEnt(), s.addEnt()}
	for _, id2 := range targets {
		require.NoError(s.T(), s.conn.AssocAdd(s.ctx, atype, id1, id2, nil))
	}

	high := time.Now().UTC().Add(time.Second)
	assocs, err := s.conn.AssocTimeRange(s.ctx, atype, id1, high, start, tao.Maximum())
	require.NoError(s.T(), err)
	require.Len(s.T(), assocs, 3)

	// Newest first.
	for i := 1; i < len(assocs); i++ {
		assert.False(s.T(), assocs[i].LastChange.After(assocs[i-1].LastChange))
	}

	// A window entirely before the inserts is empty.
	empty, err := s.conn.AssocTimeRange(s.ctx, atype, id1,
		start.Add(-time.Minute), start.Add(-time.Hour), tao.Maximum())
	require.NoError(s.T(), err)
	assert.Empty(s.T(), empty)

	// The limit guard applies here as well.
	_, err = s.conn.AssocTimeRange(s.ctx, atype, id1, high, start, tao.Limit(501))
	assert.ErrorAs(s.T(), err, &tao.PageTooLargeError{})
}

// =====================================
// Persistence and Sharing
// =====================================

func TestBunStorePersistsAcrossReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "tao.db")

	conn, err := New(tao.Config{Driver: "sqlite", Database: path})
	require.NoError(t, err)

	etype, err := tao.EntityTypeFromUint64(1)
	require.NoError(t, err)
	id, err := conn.EntAdd(ctx, etype, []byte("durable"))
	require.NoError(t, err)
	require.NoError(t, conn.Close())

	reopened, err := New(tao.Config{Driver: "sqlite", Database: path})
	require.NoError(t, err)
	defer reopened.Close()

	ty, data, err := reopened.EntGet(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, etype, ty)
	assert.Equal(t, []byte("durable"), data)
}

func TestBunStoreUnderSharedConnection(t *testing.T) {
	ctx := context.Background()
	conn, err := NewInMemory()
	require.NoError(t, err)

	shared := tao.NewSharedConnection(conn)
	defer shared.Close()

	etype, err := tao.EntityTypeFromUint64(1)
	require.NoError(t, err)
	atype, err := tao.AssocTypeFromUint64(1)
	require.NoError(t, err)

	id1, err := shared.EntAdd(ctx, etype, nil)
	require.NoError(t, err)

	const workers = 8
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(conn tao.SharedConnection) {
			defer wg.Done()
			id2, err := conn.EntAdd(ctx, etype, nil)
			if err != nil {
				t.Error(err)
				return
			}
			if err := conn.AssocAdd(ctx, atype, id1, id2, nil); err != nil {
				t.Error(err)
			}
		}(shared)
	}
	wg.Wait()

	count, err := shared.AssocCount(ctx, atype, id1)
	require.NoError(t, err)
	assert.Equal(t, workers, count)
}
