package pass

import (
	"sort"
	"sync"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// Env is what a factory gets to build a pass: a logger and named policy flags.
type Env struct {
	Log   *logrus.Entry
	Flags map[string]bool
}

// Flag returns the named flag, or def when it is not set.
func (e Env) Flag(name string, def bool) bool {
	if v, ok := e.Flags[name]; ok {
		return v
	}
	return def
}

// Logger returns the env logger, falling back to the standard logger.
func (e Env) Logger() *logrus.Entry {
	if e.Log == nil {
		return logrus.NewEntry(logrus.StandardLogger())
	}
	return e.Log
}

// Factory creates a fresh instance of a pass.
type Factory func(env Env) TreePass

// registry maps pass names to factories. It is filled from init functions
// and only read afterwards.
var registry = struct {
	sync.RWMutex
	factories map[string]Factory
}{factories: make(map[string]Factory)}

// Register makes a pass available by name. It panics if the name is taken,
// so it belongs in an init function.
func Register(name string, f Factory) {
	registry.Lock()
	defer registry.Unlock()
	if f == nil {
		panic("pass: Register factory is nil for " + name)
	}
	if _, dup := registry.factories[name]; dup {
		panic("pass: Register called twice for " + name)
	}
	registry.factories[name] = f
}

// Lookup creates a new instance of the named pass.
func Lookup(name string, env Env) (TreePass, error) {
	registry.RLock()
	f, ok := registry.factories[name]
	registry.RUnlock()
	if !ok {
		return nil, errors.Errorf("unknown pass %q", name)
	}
	return f(env), nil
}

// Registered returns the sorted names of all registered passes.
func Registered() []string {
	registry.RLock()
	defer registry.RUnlock()
	names := make([]string, 0, len(registry.factories))
	for name := range registry.factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
