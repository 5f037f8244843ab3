package entity

import (
	"sort"
	"sync"

	"github.com/nerrad567/gira-bridge/internal/bridges/gira"
)

// Entity is one device function exposed through the bridge.
type Entity struct {
	// UID is the function uid from the UI configuration.
	UID string

	// Name is the function's display name.
	Name string

	// Kind classifies the entity for consumers.
	Kind Kind

	// Function is the underlying configuration block, including its
	// datapoints.
	Function gira.Function
}

// DataPointByName returns the entity's datapoint with the given name.
func (e *Entity) DataPointByName(name string) (gira.DataPoint, bool) {
	return e.Function.DataPointByName(name)
}

// Registry holds the entities built from the current UI configuration.
//
// It is rebuilt wholesale whenever the configuration version changes;
// lookups between rebuilds are cheap map reads.
//
// Thread Safety: All methods are safe for concurrent use.
type Registry struct {
	mu            sync.RWMutex
	byUID         map[string]Entity
	byDatapoint   map[string]string // datapoint uid -> owning entity uid
	configVersion string
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		byUID:       make(map[string]Entity),
		byDatapoint: make(map[string]string),
	}
}

// Rebuild replaces the registry contents from a UI configuration.
// Functions with no recognised kind are skipped.
//
// Returns the number of entities in the rebuilt registry.
func (r *Registry) Rebuild(cfg *gira.UIConfig) int {
	byUID := make(map[string]Entity, len(cfg.Functions))
	byDatapoint := make(map[string]string)

	for _, fn := range cfg.Functions {
		kind, ok := KindFor(fn.FunctionType, fn.ChannelType)
		if !ok {
			continue
		}
		byUID[fn.UID] = Entity{
			UID:      fn.UID,
			Name:     fn.DisplayName,
			Kind:     kind,
			Function: fn,
		}
		for _, dp := range fn.DataPoints {
			if dp.UID != "" {
				byDatapoint[dp.UID] = fn.UID
			}
		}
	}

	r.mu.Lock()
	r.byUID = byUID
	r.byDatapoint = byDatapoint
	r.configVersion = cfg.UID
	r.mu.Unlock()

	return len(byUID)
}

// ConfigVersion returns the configuration version the registry was
// built from, or "" before the first rebuild.
func (r *Registry) ConfigVersion() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.configVersion
}

// ByUID returns the entity with the given function uid.
func (r *Registry) ByUID(uid string) (Entity, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ent, ok := r.byUID[uid]
	return ent, ok
}

// ByDatapoint returns the entity owning the given datapoint uid.
func (r *Registry) ByDatapoint(datapointUID string) (Entity, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	uid, ok := r.byDatapoint[datapointUID]
	if !ok {
		return Entity{}, false
	}
	ent, ok := r.byUID[uid]
	return ent, ok
}

// Entities returns all entities sorted by uid.
func (r *Registry) Entities() []Entity {
	r.mu.RLock()
	entities := make([]Entity, 0, len(r.byUID))
	for _, ent := range r.byUID {
		entities = append(entities, ent)
	}
	r.mu.RUnlock()

	sort.Slice(entities, func(i, j int) bool { return entities[i].UID < entities[j].UID })
	return entities
}

// Count returns the number of registered entities.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byUID)
}
