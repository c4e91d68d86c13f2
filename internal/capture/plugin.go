package capture

import (
	"fmt"
	"sort"
	"sync"
)

// Plugin extends a capture session. Activate runs without the pipeline lock
// and may add events or bind listeners. Teardown runs with the pipeline
// locked and must not call back into it.
type Plugin interface {
	Reset()
	Activate(p *Pipeline) error
	Teardown()
}

var (
	pluginsMu sync.RWMutex
	plugins   = map[string]func() Plugin{}
)

// RegisterPlugin makes a plugin available to Config.Plugins by name.
func RegisterPlugin(name string, factory func() Plugin) {
	pluginsMu.Lock()
	defer pluginsMu.Unlock()
	plugins[name] = factory
}

// RegisteredPlugins lists the registered plugin names.
func RegisteredPlugins() []string {
	pluginsMu.RLock()
	defer pluginsMu.RUnlock()
	names := make([]string, 0, len(plugins))
	for name := range plugins {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func newPlugin(name string) (Plugin, error) {
	pluginsMu.RLock()
	factory, ok := plugins[name]
	pluginsMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown plugin %q", name)
	}
	return factory(), nil
}
