package capture

import (
	"sort"
	"sync"
)

// RequiredFeatures is the allow-list of host capabilities checked before
// activation.
var RequiredFeatures = []string{
	"document.implementation.createHTMLDocument",
	"document.documentElement.classList",
	"Function.prototype.bind",
	"window.Worker",
}

// Host is the page the pipeline is embedded in.
type Host interface {
	// Supports reports whether a named capability is available.
	Supports(feature string) bool
	// Marker returns the page id of the instance active on the document, if any.
	Marker() (string, bool)
	SetMarker(pageID string)
	ClearMarker()
	// Bind registers a listener and returns the function that detaches it.
	Bind(event string, listener func()) (unbind func())
}

// MemoryHost is an in-process Host. It stands in for the document when the
// pipeline runs outside a browser.
type MemoryHost struct {
	mu        sync.Mutex
	features  map[string]bool
	marker    string
	hasMarker bool
	listeners map[string]map[int]func()
	nextID    int
}

// NewMemoryHost returns a host supporting the given features.
func NewMemoryHost(features ...string) *MemoryHost {
	h := &MemoryHost{
		features:  make(map[string]bool, len(features)),
		listeners: make(map[string]map[int]func()),
	}
	for _, f := range features {
		h.features[f] = true
	}
	return h
}

func (h *MemoryHost) Supports(feature string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.features[feature]
}

func (h *MemoryHost) Marker() (string, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.marker, h.hasMarker
}

func (h *MemoryHost) SetMarker(pageID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.marker, h.hasMarker = pageID, true
}

func (h *MemoryHost) ClearMarker() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.marker, h.hasMarker = "", false
}

func (h *MemoryHost) Bind(event string, listener func()) func() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.listeners[event] == nil {
		h.listeners[event] = make(map[int]func())
	}
	id := h.nextID
	h.nextID++
	h.listeners[event][id] = listener

	var once sync.Once
	return func() {
		once.Do(func() {
			h.mu.Lock()
			defer h.mu.Unlock()
			delete(h.listeners[event], id)
		})
	}
}

// Listeners returns how many listeners are bound to event.
func (h *MemoryHost) Listeners(event string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.listeners[event])
}

// Dispatch invokes every listener bound to event. Listeners run without the
// host lock held so they may unbind themselves.
func (h *MemoryHost) Dispatch(event string) {
	h.mu.Lock()
	ids := make([]int, 0, len(h.listeners[event]))
	for id := range h.listeners[event] {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	fns := make([]func(), 0, len(ids))
	for _, id := range ids {
		fns = append(fns, h.listeners[event][id])
	}
	h.mu.Unlock()

	for _, fn := range fns {
		fn()
	}
}

