// -----------------------------------------------------------------------
// Extension Manager - discovery, lifecycle and route collection.
// Extensions initialize in name order and shut down in reverse; the
// manager awaits shutdown so handlers quiesce before the process exits.
// -----------------------------------------------------------------------

package extensions

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/dossier/internal/dispatch"
	"github.com/ternarybob/dossier/internal/interfaces"
	"github.com/ternarybob/dossier/internal/models"
)

// Manager owns the loaded extensions
type Manager struct {
	events     interfaces.EventService
	store      interfaces.StorageManager
	broker     interfaces.Broker
	jobs       interfaces.JobStore
	dispatcher *dispatch.Dispatcher
	maxRequeue int
	logger     arbor.ILogger

	mu          sync.RWMutex
	extensions  map[string]interfaces.Extension
	order       []string
	handlers    map[string]interfaces.StageHandler
	pools       map[string]models.Pool
	initialized bool
}

// NewManager creates the extension manager
func NewManager(events interfaces.EventService, store interfaces.StorageManager, broker interfaces.Broker, jobs interfaces.JobStore, dispatcher *dispatch.Dispatcher, maxRequeue int, logger arbor.ILogger) *Manager {
	return &Manager{
		events:     events,
		store:      store,
		broker:     broker,
		jobs:       jobs,
		dispatcher: dispatcher,
		maxRequeue: maxRequeue,
		logger:     logger,
		extensions: make(map[string]interfaces.Extension),
		handlers:   make(map[string]interfaces.StageHandler),
		pools:      make(map[string]models.Pool),
	}
}

// Register adds an extension before initialization
func (m *Manager) Register(ext interfaces.Extension) error {
	manifest := ext.Manifest()
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.initialized {
		return fmt.Errorf("cannot register %q after initialization", manifest.Name)
	}
	if _, exists := m.extensions[manifest.Name]; exists {
		return fmt.Errorf("extension %q already registered", manifest.Name)
	}
	m.extensions[manifest.Name] = ext
	m.order = append(m.order, manifest.Name)
	sort.Strings(m.order)
	return nil
}

// Initialize runs every extension's Initialize in name order. Each
// extension gets a host scoped to its declared schema.
func (m *Manager) Initialize(ctx context.Context) error {
	m.mu.Lock()
	if m.initialized {
		m.mu.Unlock()
		return nil
	}
	m.initialized = true
	order := append([]string(nil), m.order...)
	m.mu.Unlock()

	for _, name := range order {
		ext := m.extension(name)
		manifest := ext.Manifest()

		h := &host{
			manager:    m,
			manifest:   manifest,
			events:     m.events,
			store:      m.store.SchemaStore(manifest.SchemaName),
			broker:     m.broker,
			jobs:       m.jobs,
			dispatcher: m.dispatcher,
			maxRequeue: m.maxRequeue,
			logger:     m.logger,
		}

		// Declared pool contributions register before Initialize so the
		// extension can enqueue to them immediately.
		for _, pool := range manifest.Pools {
			m.logger.Info().
				Str("extension", manifest.Name).
				Str("pool", pool.Name).
				Msg("Extension declares pool")
		}

		if err := ext.Initialize(ctx, h); err != nil {
			return fmt.Errorf("extension %s failed to initialize: %w", manifest.Name, err)
		}

		m.logger.Info().
			Str("extension", manifest.Name).
			Str("version", manifest.Version).
			Str("api_prefix", manifest.APIPrefix).
			Msg("Extension initialized")
	}
	return nil
}

// Shutdown stops extensions in reverse initialization order, awaiting each
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.RLock()
	order := append([]string(nil), m.order...)
	m.mu.RUnlock()

	var firstErr error
	for i := len(order) - 1; i >= 0; i-- {
		ext := m.extension(order[i])
		if err := ext.Shutdown(ctx); err != nil {
			m.logger.Warn().Err(err).Str("extension", order[i]).Msg("Extension shutdown failed")
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

// Extensions returns the loaded extensions in initialization order
func (m *Manager) Extensions() []interfaces.Extension {
	m.mu.RLock()
	defer m.mu.RUnlock()
	result := make([]interfaces.Extension, 0, len(m.order))
	for _, name := range m.order {
		result = append(result, m.extensions[name])
	}
	return result
}

// Handler returns the stage handler for an extension-contributed pool
func (m *Manager) Handler(pool string) (interfaces.StageHandler, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	h, ok := m.handlers[pool]
	return h, ok
}

// ContributedPools returns the pools defined by extensions
func (m *Manager) ContributedPools() []models.Pool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	result := make([]models.Pool, 0, len(m.pools))
	for _, p := range m.pools {
		result = append(result, p)
	}
	return result
}

func (m *Manager) extension(name string) interfaces.Extension {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.extensions[name]
}

func (m *Manager) registerHandler(pool string, declared models.Pool, handler interfaces.StageHandler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers[pool] = handler
	m.pools[pool] = declared
}
