package tao

import (
	"context"
	"sync"
	"time"
)

// =====================================
// Shared Connection Wrapper
// =====================================

// SharedConnection makes a Connection usable from many goroutines by
// serializing every call through a mutex. It can be a source of contention
// if you route your whole program through just one.
//
// SharedConnection is a copyable handle: copies share the same underlying
// connection, whose lifetime is the longest among them. If the wrapped
// connection panics while the lock is held, the wrapper is poisoned and
// every further call fails fast with ErrSharedConnectionPoisoned instead of
// touching a store left in an unknown state.
type SharedConnection struct {
	state *sharedState
}

type sharedState struct {
	mu       sync.Mutex
	poisoned bool
	conn     Connection
}

// NewSharedConnection wraps conn for shared use. The caller must not keep
// using conn directly afterwards.
func NewSharedConnection(conn Connection) SharedConnection {
	return SharedConnection{state: &sharedState{conn: conn}}
}

// do runs fn holding the lock, poisoning the wrapper if fn panics. The
// panic is re-raised after the lock is released so other holders observe
// the poisoned flag instead of deadlocking.
func (st *sharedState) do(fn func(Connection) error) error {
	st.mu.Lock()
	if st.poisoned {
		st.mu.Unlock()
		return ErrSharedConnectionPoisoned
	}
	defer func() {
		if r := recover(); r != nil {
			st.poisoned = true
			st.mu.Unlock()
			panic(r)
		}
		st.mu.Unlock()
	}()
	return fn(st.conn)
}

var _ Connection = SharedConnection{}

func (s SharedConnection) Initialize(ctx context.Context) error {
	return s.state.do(func(conn Connection) error {
		return conn.Initialize(ctx)
	})
}

func (s SharedConnection) EntAdd(ctx context.Context, ty EntityType, data []byte) (EntityID, error) {
	var id EntityID
	err := s.state.do(func(conn Connection) error {
		var err error
		id, err = conn.EntAdd(ctx, ty, data)
		return err
	})
	return id, err
}

func (s SharedConnection) EntGet(ctx context.Context, id EntityID) (EntityType, []byte, error) {
	var ty EntityType
	var data []byte
	err := s.state.do(func(conn Connection) error {
		var err error
		ty, data, err = conn.EntGet(ctx, id)
		return err
	})
	return ty, data, err
}

func (s SharedConnection) EntUpdate(ctx context.Context, id EntityID, ty EntityType, data []byte) (EntityType, []byte, error) {
	var tyBefore EntityType
	var dataBefore []byte
	err := s.state.do(func(conn Connection) error {
		var err error
		tyBefore, dataBefore, err = conn.EntUpdate(ctx, id, ty, data)
		return err
	})
	return tyBefore, dataBefore, err
}

func (s SharedConnection) EntDelete(ctx context.Context, id EntityID) (EntityType, []byte, error) {
	var ty EntityType
	var data []byte
	err := s.state.do(func(conn Connection) error {
		var err error
		ty, data, err = conn.EntDelete(ctx, id)
		return err
	})
	return ty, data, err
}

func (s SharedConnection) AssocAdd(ctx context.Context, ty AssocType, id1, id2 EntityID, data []byte) error {
	return s.state.do(func(conn Connection) error {
		return conn.AssocAdd(ctx, ty, id1, id2, data)
	})
}

func (s SharedConnection) AssocDelete(ctx context.Context, ty AssocType, id1, id2 EntityID) (AssocStorage, error) {
	var assoc AssocStorage
	err := s.state.do(func(conn Connection) error {
		var err error
		assoc, err = conn.AssocDelete(ctx, ty, id1, id2)
		return err
	})
	return assoc, err
}

func (s SharedConnection) AssocChangeType(ctx context.Context, ty AssocType, id1, id2 EntityID, newTy AssocType) (AssocStorage, error) {
	var assoc AssocStorage
	err := s.state.do(func(conn Connection) error {
		var err error
		assoc, err = conn.AssocChangeType(ctx, ty, id1, id2, newTy)
		return err
	})
	return assoc, err
}

func (s SharedConnection) AssocGet(ctx context.Context, ty AssocType, id1 EntityID, id2Set []EntityID, high, low *time.Time) ([]AssocStorage, error) {
	var assocs []AssocStorage
	err := s.state.do(func(conn Connection) error {
		var err error
		assocs, err = conn.AssocGet(ctx, ty, id1, id2Set, high, low)
		return err
	})
	return assocs, err
}

func (s SharedConnection) AssocCount(ctx context.Context, ty AssocType, id1 EntityID) (int, error) {
	var count int
	err := s.state.do(func(conn Connection) error {
		var err error
		count, err = conn.AssocCount(ctx, ty, id1)
		return err
	})
	return count, err
}

func (s SharedConnection) AssocRange(ctx context.Context, ty AssocType, id1 EntityID, after AssocRangeAfter, limit AssocRangeLimit) ([]AssocStorage, error) {
	var assocs []AssocStorage
	err := s.state.do(func(conn Connection) error {
		var err error
		assocs, err = conn.AssocRange(ctx, ty, id1, after, limit)
		return err
	})
	return assocs, err
}

func (s SharedConnection) AssocTimeRange(ctx context.Context, ty AssocType, id1 EntityID, high, low time.Time, limit AssocRangeLimit) ([]AssocStorage, error) {
	var assocs []AssocStorage
	err := s.state.do(func(conn Connection) error {
		var err error
		assocs, err = conn.AssocTimeRange(ctx, ty, id1, high, low, limit)
		return err
	})
	return assocs, err
}

func (s SharedConnection) Close() error {
	return s.state.do(func(conn Connection) error {
		return conn.Close()
	})
}
