package tao

import (
	"errors"
	"sync"
)

// ErrConnectionNotFound is returned by the connection manager when no store
// has been added under the requested name.
var ErrConnectionNotFound = errors.New("store connection not found")

// ConnectionManager holds named shared connections for applications that
// juggle several stores. All handles it returns are SharedConnections, so
// they can be passed freely between goroutines.
type ConnectionManager struct {
	mutex       sync.RWMutex
	connections map[string]SharedConnection
}

var (
	managerOnce     sync.Once
	managerInstance *ConnectionManager
)

// Manager returns the singleton ConnectionManager.
func Manager() *ConnectionManager {
	managerOnce.Do(func() {
		managerInstance = &ConnectionManager{
			connections: make(map[string]SharedConnection),
		}
	})
	return managerInstance
}

// SetDefault stores conn under the name "default".
func (m *ConnectionManager) SetDefault(conn SharedConnection) {
	m.Add("default", conn)
}

// Add stores conn under the given name, replacing any previous holder.
func (m *ConnectionManager) Add(name string, conn SharedConnection) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.connections[name] = conn
}

// Get retrieves the connection stored under name, defaulting to "default"
// when no name is given.
func (m *ConnectionManager) Get(name ...string) (SharedConnection, bool) {
	key := "default"
	if len(name) > 0 {
		key = name[0]
	}
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	conn, ok := m.connections[key]
	return conn, ok
}

// Remove closes and drops the connection stored under name.
func (m *ConnectionManager) Remove(name string) error {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	conn, ok := m.connections[name]
	if !ok {
		return ErrConnectionNotFound
	}
	delete(m.connections, name)
	return conn.Close()
}

// All returns a copy of the name → connection map.
func (m *ConnectionManager) All() map[string]SharedConnection {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	out := make(map[string]SharedConnection, len(m.connections))
	for name, conn := range m.connections {
		out[name] = conn
	}
	return out
}

// RemoveAll closes and drops every stored connection, returning the first
// close error encountered.
func (m *ConnectionManager) RemoveAll() error {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	var firstErr error
	for name, conn := range m.connections {
		if err := conn.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		delete(m.connections, name)
	}
	return firstErr
}
