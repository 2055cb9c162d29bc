package tao

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeFactory struct {
	lastConfig Config
	conn       *fakeConn
}

func (f *fakeFactory) Create(config Config) (Connection, error) {
	f.lastConfig = config
	f.conn = &fakeConn{}
	return f.conn, nil
}

func (f *fakeFactory) SupportedDrivers() []string { return []string{"fake"} }

func TestOpenUnknownDriver(t *testing.T) {
	_, err := Open("no-such-driver", Config{})
	assert.ErrorIs(t, err, ErrDriverNotFound)
}

func TestRegisterAndOpen(t *testing.T) {
	factory := &fakeFactory{}
	RegisterDriver("fake-register-test", factory)

	conn, err := Open("fake-register-test", Config{})
	require.NoError(t, err)
	assert.Same(t, factory.conn, conn)

	// An empty Config.Driver defaults to the registry name.
	assert.Equal(t, "fake-register-test", factory.lastConfig.Driver)
	assert.Contains(t, Drivers(), "fake-register-test")
}

func TestRegisterDriverTwicePanics(t *testing.T) {
	RegisterDriver("fake-dup-test", &fakeFactory{})
	assert.Panics(t, func() {
		RegisterDriver("fake-dup-test", &fakeFactory{})
	})
}

func TestConnectionManager(t *testing.T) {
	m := Manager()
	t.Cleanup(func() { _ = m.RemoveAll() })

	conn := NewSharedConnection(&fakeConn{})
	m.SetDefault(conn)
	m.Add("analytics", NewSharedConnection(&fakeConn{}))

	got, ok := m.Get()
	require.True(t, ok)
	assert.Equal(t, conn, got)

	_, ok = m.Get("analytics")
	assert.True(t, ok)

	_, ok = m.Get("missing")
	assert.False(t, ok)

	assert.Len(t, m.All(), 2)

	require.NoError(t, m.Remove("analytics"))
	assert.ErrorIs(t, m.Remove("analytics"), ErrConnectionNotFound)
}
