package tao

import (
	"errors"
	"fmt"
	"sync"
)

// ErrDriverNotFound is returned by Open for a driver name no factory has
// been registered under.
var ErrDriverNotFound = errors.New("driver not found")

// driverRegistry maps driver names to the factories that serve them.
type driverRegistry struct {
	mutex     sync.RWMutex
	factories map[string]Factory
}

var (
	registryOnce     sync.Once
	registryInstance *driverRegistry
)

func registry() *driverRegistry {
	registryOnce.Do(func() {
		registryInstance = &driverRegistry{
			factories: make(map[string]Factory),
		}
	})
	return registryInstance
}

// RegisterDriver makes a factory available under the given name. Driver
// packages call this from an init function, so importing a driver package
// for side effects is enough to enable it:
//
//	import _ "github.com/lemmego/tao/taobun"
//
// Registering twice under the same name panics, matching database/sql.
func RegisterDriver(name string, factory Factory) {
	r := registry()
	r.mutex.Lock()
	defer r.mutex.Unlock()
	if factory == nil {
		panic("tao: RegisterDriver factory is nil")
	}
	if _, dup := r.factories[name]; dup {
		panic(fmt.Sprintf("tao: RegisterDriver called twice for driver %q", name))
	}
	r.factories[name] = factory
}

// Open creates an initialized Connection through the factory registered
// under name, passing cfg through. When cfg.Driver is empty it defaults to
// the registry name.
func Open(name string, cfg Config) (Connection, error) {
	r := registry()
	r.mutex.RLock()
	factory, ok := r.factories[name]
	r.mutex.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrDriverNotFound, name)
	}
	if cfg.Driver == "" {
		cfg.Driver = name
	}
	return factory.Create(cfg)
}

// Drivers returns the names of all registered driver factories.
func Drivers() []string {
	r := registry()
	r.mutex.RLock()
	defer r.mutex.RUnlock()
	names := make([]string, 0, len(r.factories))
	for name := range r.factories {
		names = append(names, name)
	}
	return names
}
