// Package objreg is a process-scoped, oid-keyed registry of live proxies
// and host contexts for introspection. It is never consulted on the data
// path: the core dereferences CXes and proxies directly, and only reaches
// for the registry to answer "what is currently alive" questions from a
// status command or a debug dump.
package objreg

import (
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
)

// Object is anything the registry can track: a proxy, a CX, a worker.
type Object interface {
	// Kind identifies the object's category, e.g. "proxy", "cx", "worker".
	Kind() string
	// Describe returns a short human-readable summary for a status dump.
	Describe() string
}

var nextOID int64

// Registry is a single mutex-guarded map from oid to Object.
type Registry struct {
	mu      sync.Mutex
	objects map[int64]Object
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{objects: make(map[int64]Object)}
}

// Register adds obj to the registry and returns its oid.
func (r *Registry) Register(obj Object) int64 {
	oid := atomic.AddInt64(&nextOID, 1)
	r.mu.Lock()
	r.objects[oid] = obj
	r.mu.Unlock()
	return oid
}

// Unregister removes the object with the given oid, if present.
func (r *Registry) Unregister(oid int64) {
	r.mu.Lock()
	delete(r.objects, oid)
	r.mu.Unlock()
}

// Get returns the object with the given oid, if present.
func (r *Registry) Get(oid int64) (Object, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	obj, ok := r.objects[oid]
	return obj, ok
}

// Len returns the number of currently registered objects.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.objects)
}

// List returns a stable-ordered snapshot of (oid, description) pairs,
// optionally filtered by kind ("" means all kinds).
func (r *Registry) List(kind string) []string {
	r.mu.Lock()
	type entry struct {
		oid int64
		obj Object
	}
	entries := make([]entry, 0, len(r.objects))
	for oid, obj := range r.objects {
		if kind == "" || obj.Kind() == kind {
			entries = append(entries, entry{oid, obj})
		}
	}
	r.mu.Unlock()

	sort.Slice(entries, func(i, j int) bool { return entries[i].oid < entries[j].oid })

	lines := make([]string, len(entries))
	for i, e := range entries {
		lines[i] = fmt.Sprintf("#%d [%s] %s", e.oid, e.obj.Kind(), e.obj.Describe())
	}
	return lines
}

// Default is the process-wide registry instance used by components that
// do not hold an explicit Registry reference.
var Default = New()
