// Package subscription maps a plugin's subscribe calls onto the host
// telemetry stream, dispatches matching deltas into running instances,
// and buffers deltas while a plugin is reloading.
package subscription

import (
	"sync"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"tidegate/pkg/plugin"
)

// DefaultBufferBound caps how many buffered deltas a reloading
// subscription holds before the oldest is dropped.
const DefaultBufferBound = 256

// Dispatcher delivers a delta to a specific plugin's guest callback. The
// Module Runtime implements this; the interface lives here so neither
// package needs to import the other.
type Dispatcher interface {
	DispatchDelta(pluginID string, delta plugin.Delta) error
}

type subscriptionEntry struct {
	id       string
	pluginID string
	pattern  matcher
	buffered bool
	buffer   []plugin.Delta
}

// Manager owns all live subscriptions across all plugins.
type Manager struct {
	mu            sync.Mutex
	logger        *logrus.Logger
	dispatcher    Dispatcher
	byID          map[string]*subscriptionEntry
	byPlugin      map[string][]string // pluginID -> subscription ids
	bufferBound   int
}

// NewManager creates a subscription manager. dispatcher may be nil
// initially and set later via SetDispatcher once the module runtime
// exists, breaking the registry/wasmrt/subscription construction cycle.
func NewManager(logger *logrus.Logger, bufferBound int) *Manager {
	if bufferBound <= 0 {
		bufferBound = DefaultBufferBound
	}
	return &Manager{
		logger:      logger,
		byID:        make(map[string]*subscriptionEntry),
		byPlugin:    make(map[string][]string),
		bufferBound: bufferBound,
	}
}

// SetDispatcher wires the component that actually calls into a guest.
func (m *Manager) SetDispatcher(d Dispatcher) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.dispatcher = d
}

// Subscribe registers interest in pattern on behalf of pluginID and
// returns an opaque subscription id.
func (m *Manager) Subscribe(pluginID, pattern string) string {
	m.mu.Lock()
	defer m.mu.Unlock()

	id := uuid.NewString()
	m.byID[id] = &subscriptionEntry{
		id:       id,
		pluginID: pluginID,
		pattern:  compile(pattern),
	}
	m.byPlugin[pluginID] = append(m.byPlugin[pluginID], id)
	return id
}

// Unsubscribe is idempotent.
func (m *Manager) Unsubscribe(subscriptionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.removeLocked(subscriptionID)
}

func (m *Manager) removeLocked(subscriptionID string) {
	entry, ok := m.byID[subscriptionID]
	if !ok {
		return
	}
	delete(m.byID, subscriptionID)
	ids := m.byPlugin[entry.pluginID]
	for i, id := range ids {
		if id == subscriptionID {
			m.byPlugin[entry.pluginID] = append(ids[:i], ids[i+1:]...)
			break
		}
	}
}

// CleanupPlugin drops every subscription owned by pluginID. Called on
// unload.
func (m *Manager) CleanupPlugin(pluginID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, id := range append([]string{}, m.byPlugin[pluginID]...) {
		delete(m.byID, id)
	}
	delete(m.byPlugin, pluginID)
}

// BeginBuffering marks every subscription owned by pluginID as buffering
// instead of dispatching, called when the plugin enters Stopping or is
// being reloaded.
func (m *Manager) BeginBuffering(pluginID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, id := range m.byPlugin[pluginID] {
		if e, ok := m.byID[id]; ok {
			e.buffered = true
		}
	}
}

// ResumeDispatch drains each buffered subscription's FIFO in order, then
// switches it back to live dispatch, called on re-entry to Running.
func (m *Manager) ResumeDispatch(pluginID string) {
	m.mu.Lock()
	var drained []plugin.Delta
	var dispatcher Dispatcher
	ids := m.byPlugin[pluginID]
	pending := make(map[string][]plugin.Delta, len(ids))
	for _, id := range ids {
		e, ok := m.byID[id]
		if !ok {
			continue
		}
		e.buffered = false
		if len(e.buffer) > 0 {
			pending[id] = e.buffer
			e.buffer = nil
		}
	}
	dispatcher = m.dispatcher
	m.mu.Unlock()

	if dispatcher == nil {
		return
	}
	for _, deltas := range pending {
		drained = append(drained, deltas...)
	}
	// Ordering is only guaranteed per-subscription; delivering each
	// subscription's own buffer in order satisfies that without needing
	// a single merged timeline across subscriptions.
	for id, deltas := range pending {
		e, ok := m.lookup(id)
		if !ok {
			continue
		}
		for _, d := range deltas {
			if err := dispatcher.DispatchDelta(e.pluginID, d); err != nil {
				m.logger.WithError(err).WithField("plugin", e.pluginID).Warn("subscription: dispatch of buffered delta failed")
			}
		}
	}
}

func (m *Manager) lookup(id string) (*subscriptionEntry, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.byID[id]
	return e, ok
}

// Publish is called by the host (or the bridge, on a guest's behalf)
// whenever a delta is produced. It enumerates matching subscriptions and
// either dispatches immediately or buffers, per subscription state.
func (m *Manager) Publish(delta plugin.Delta) {
	paths := make(map[string]struct{})
	for _, u := range delta.Updates {
		paths[u.Path] = struct{}{}
	}

	m.mu.Lock()
	type target struct {
		entry *subscriptionEntry
	}
	var toDispatch []target
	for _, e := range m.byID {
		matched := false
		for p := range paths {
			if e.pattern.match(p) {
				matched = true
				break
			}
		}
		if !matched {
			continue
		}
		if e.buffered {
			e.buffer = append(e.buffer, delta)
			if len(e.buffer) > m.bufferBound {
				dropped := len(e.buffer) - m.bufferBound
				e.buffer = e.buffer[dropped:]
				m.logger.WithFields(logrus.Fields{
					"plugin":     e.pluginID,
					"subscriber": e.id,
				}).Warn("subscription: buffer overflow, dropped oldest deltas")
			}
			continue
		}
		toDispatch = append(toDispatch, target{entry: e})
	}
	dispatcher := m.dispatcher
	m.mu.Unlock()

	if dispatcher == nil {
		return
	}
	for _, t := range toDispatch {
		if err := dispatcher.DispatchDelta(t.entry.pluginID, delta); err != nil {
			m.logger.WithError(err).WithField("plugin", t.entry.pluginID).Warn("subscription: dispatch failed")
		}
	}
}
