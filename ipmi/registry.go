package ipmi

import (
	"fmt"
	"sort"
	"sync"

	"github.com/ipmi-lanplus/pkg/rmcpplus"
)

// SetupFunc creates an unopened Interface from its options.
type SetupFunc func(o *Options) (Interface, error)

var (
	registryMu sync.RWMutex
	registry   = map[string]SetupFunc{}
)

func init() {
	Register(TransportLANPlus, newLANPlus)
	Register(TransportVSphere, newVSphere)
}

// Register makes a transport available under name, replacing any previous
// registration.
func Register(name string, setup SetupFunc) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[name] = setup
}

// Load creates the transport registered under name.
func Load(name string, opts ...Option) (Interface, error) {
	registryMu.RLock()
	setup, ok := registry[name]
	registryMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: unknown interface %q", rmcpplus.ErrInvalidConfig, name)
	}
	return setup(newOptions(opts...))
}

// Transports lists the registered transport names in order.
func Transports() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
