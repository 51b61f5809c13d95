// Package provider implements the process-scoped connection-pool registry:
// store/stream clients are keyed by (taskQueue, configHash) and reused
// across engine/worker roles rather than opened per role, with
// introspectable stats. Backend selection is always an explicit factory tag
// ("redis", "postgres", "mongo", "memory") — never runtime type sniffing,
// per the Design Notes' "mixed-provider connection discovery" guidance.
package provider

import (
	"fmt"
	"sync"

	"github.com/hotmeshio/memflow/stream"
	storepkg "github.com/hotmeshio/memflow/store"
)

// Tag names an explicit backend kind for both Store and Bus factories.
type Tag string

const (
	TagRedis    Tag = "redis"
	TagPostgres Tag = "postgres"
	TagMongo    Tag = "mongo"
	TagMemory   Tag = "memory"
)

// StoreFactory constructs a new store.Store for the given config. Factories
// are registered explicitly by Tag; Registry never inspects a config value
// to guess its backend.
type StoreFactory func(config any) (storepkg.Store, error)

// BusFactory constructs a new stream.Bus for the given config.
type BusFactory func(config any) (stream.Bus, error)

type poolKey struct {
	taskQueue  string
	configHash string
}

type storeEntry struct {
	store storepkg.Store
	uses  int
}

type busEntry struct {
	bus  stream.Bus
	uses int
}

// Registry is the process-global keyed connection-pool registry. Create it
// with New: a zero Registry has nil maps and panics on registration.
type Registry struct {
	mu sync.Mutex

	storeFactories map[Tag]StoreFactory
	busFactories   map[Tag]BusFactory

	stores map[poolKey]*storeEntry
	buses  map[poolKey]*busEntry
}

// New returns an empty Registry.
func New() *Registry {
	return &Registry{
		storeFactories: make(map[Tag]StoreFactory),
		busFactories:   make(map[Tag]BusFactory),
		stores:         make(map[poolKey]*storeEntry),
		buses:          make(map[poolKey]*busEntry),
	}
}

// RegisterStoreFactory binds tag to a StoreFactory. Called once per backend
// at process start (store/redis, store/postgres, store/mongo, store/memory
// each expose a constructor callers wire in here).
func (r *Registry) RegisterStoreFactory(tag Tag, f StoreFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.storeFactories[tag] = f
}

// RegisterBusFactory binds tag to a BusFactory.
func (r *Registry) RegisterBusFactory(tag Tag, f BusFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.busFactories[tag] = f
}

// Store returns the pooled store.Store for (tag, taskQueue, configHash),
// constructing and caching one via the registered factory on first use.
func (r *Registry) Store(tag Tag, taskQueue, configHash string, config any) (storepkg.Store, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := poolKey{taskQueue: taskQueue, configHash: configHash}
	if e, ok := r.stores[key]; ok {
		e.uses++
		return e.store, nil
	}
	factory, ok := r.storeFactories[tag]
	if !ok {
		return nil, fmt.Errorf("provider: no store factory registered for tag %q", tag)
	}
	st, err := factory(config)
	if err != nil {
		return nil, fmt.Errorf("provider: construct store for tag %q: %w", tag, err)
	}
	r.stores[key] = &storeEntry{store: st, uses: 1}
	return st, nil
}

// Bus returns the pooled stream.Bus for (tag, taskQueue, configHash),
// constructing and caching one via the registered factory on first use.
func (r *Registry) Bus(tag Tag, taskQueue, configHash string, config any) (stream.Bus, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := poolKey{taskQueue: taskQueue, configHash: configHash}
	if e, ok := r.buses[key]; ok {
		e.uses++
		return e.bus, nil
	}
	factory, ok := r.busFactories[tag]
	if !ok {
		return nil, fmt.Errorf("provider: no bus factory registered for tag %q", tag)
	}
	bus, err := factory(config)
	if err != nil {
		return nil, fmt.Errorf("provider: construct bus for tag %q: %w", tag, err)
	}
	r.buses[key] = &busEntry{bus: bus, uses: 1}
	return bus, nil
}

// Stats summarizes pool occupancy for introspection.
type Stats struct {
	TotalStores   int
	TotalBuses    int
	PerTaskQueue  map[string]int
	StoreReuses   int
	BusReuses     int
}

// Stats returns current registry occupancy and reuse counts.
func (r *Registry) Stats() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()
	s := Stats{PerTaskQueue: make(map[string]int)}
	for k, e := range r.stores {
		s.TotalStores++
		s.PerTaskQueue[k.taskQueue]++
		s.StoreReuses += e.uses - 1
	}
	for k, e := range r.buses {
		s.TotalBuses++
		s.PerTaskQueue[k.taskQueue]++
		s.BusReuses += e.uses - 1
	}
	return s
}

// Shutdown closes every pooled store and bus, clearing the registry.
func (r *Registry) Shutdown() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	var firstErr error
	for k, e := range r.stores {
		if err := e.store.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		delete(r.stores, k)
	}
	for k, e := range r.buses {
		if err := e.bus.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		delete(r.buses, k)
	}
	return firstErr
}
