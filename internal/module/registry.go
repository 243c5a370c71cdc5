package module

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sort"
	"sync"

	"github.com/ppomes/g3icap-go/internal/icap"
)

// Handle is a read-through proxy over a registered module. Per spec.md §9's
// design note, the registry never hands out the underlying Module value —
// stages hold a Handle looked up by name, which dispatches through the
// registry's own locking instead of racing the module's lifecycle (e.g. a
// concurrent Reload). This sidesteps any requirement to clone or
// dynamically dispatch over a generic module value.
type Handle struct {
	reg  *Registry
	name string
}

// Name returns the module's stable identifier.
func (h Handle) Name() string { return h.name }

// Version returns the module's current version string, or "" if the
// module has since been unregistered.
func (h Handle) Version() string {
	if m := h.reg.get(h.name); m != nil {
		return m.ModuleVersion()
	}
	return ""
}

// IsHealthy reports the module's current health, or false if unregistered.
func (h Handle) IsHealthy() bool {
	m := h.reg.get(h.name)
	return m != nil && m.IsHealthy()
}

// Metrics returns the module's current metrics snapshot.
func (h Handle) Metrics() Metrics {
	if m := h.reg.get(h.name); m != nil {
		return m.GetMetrics()
	}
	return Metrics{}
}

// SupportedMethods reports the module's declared method support.
func (h Handle) SupportedMethods() []Method {
	if m := h.reg.get(h.name); m != nil {
		return m.SupportedMethods()
	}
	return nil
}

// DispatchREQMOD invokes the module's REQMOD handler.
func (h Handle) DispatchREQMOD(req *icap.Request) (*icap.Response, error) {
	m := h.reg.get(h.name)
	if m == nil {
		return nil, NewError(ErrNotFound, h.name, "module not registered")
	}
	resp, err := m.HandleREQMOD(req)
	h.reg.recordInvocation(h.name)
	return resp, err
}

// DispatchRESPMOD invokes the module's RESPMOD handler.
func (h Handle) DispatchRESPMOD(req *icap.Request) (*icap.Response, error) {
	m := h.reg.get(h.name)
	if m == nil {
		return nil, NewError(ErrNotFound, h.name, "module not registered")
	}
	resp, err := m.HandleRESPMOD(req)
	h.reg.recordInvocation(h.name)
	return resp, err
}

// DispatchOPTIONS invokes the module's OPTIONS handler.
func (h Handle) DispatchOPTIONS(req *icap.Request) (*icap.Response, error) {
	m := h.reg.get(h.name)
	if m == nil {
		return nil, NewError(ErrNotFound, h.name, "module not registered")
	}
	return m.HandleOPTIONS(req)
}

// entry is the registry's internal record; configs are kept alongside
// instances so the ISTag checksum can be recomputed on every mutation.
type entry struct {
	mod Module
	cfg Config
}

// Registry is the process-wide module registry (spec.md §4.3.2). Reads
// (Lookup, List, metrics updates from request handling) are expected to
// vastly outnumber writes (Register/Unregister/Reload at startup or on a
// config-file change), hence the RWMutex.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]*entry
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{entries: make(map[string]*entry)}
}

// Register installs mod under its own Name(), calling Init(cfg) first. If
// Init fails, the module is not registered (spec.md §7: "InitFailed → the
// module is not registered and requests routed to it get 503").
func (r *Registry) Register(mod Module, cfg Config) error {
	if err := mod.Init(cfg); err != nil {
		return NewError(ErrInitFailed, mod.Name(), err.Error())
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[mod.Name()] = &entry{mod: mod, cfg: cfg}
	return nil
}

// Reload replaces an already-registered module's configuration in place —
// re-initializing it — without requiring a server restart, per spec.md §9.
func (r *Registry) Reload(name string, cfg Config) error {
	r.mu.RLock()
	e, ok := r.entries[name]
	r.mu.RUnlock()
	if !ok {
		return NewError(ErrNotFound, name, "cannot reload unregistered module")
	}
	if err := e.mod.Init(cfg); err != nil {
		return NewError(ErrInitFailed, name, err.Error())
	}
	r.mu.Lock()
	e.cfg = cfg
	r.mu.Unlock()
	return nil
}

// Lookup returns a read-through Handle for name, or ok=false if no module
// with that name is registered.
func (r *Registry) Lookup(name string) (Handle, bool) {
	r.mu.RLock()
	_, ok := r.entries[name]
	r.mu.RUnlock()
	if !ok {
		return Handle{}, false
	}
	return Handle{reg: r, name: name}, true
}

// List returns handles for every registered module, name-sorted.
func (r *Registry) List() []Handle {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.entries))
	for n := range r.entries {
		names = append(names, n)
	}
	sort.Strings(names)
	handles := make([]Handle, len(names))
	for i, n := range names {
		handles[i] = Handle{reg: r, name: n}
	}
	return handles
}

// Unregister calls the module's Cleanup and removes it from the registry.
func (r *Registry) Unregister(name string) error {
	r.mu.Lock()
	e, ok := r.entries[name]
	if ok {
		delete(r.entries, name)
	}
	r.mu.Unlock()
	if !ok {
		return NewError(ErrNotFound, name, "cannot unregister unregistered module")
	}
	return e.mod.Cleanup()
}

// LoadModule always fails: spec.md §4.3.2 and §9 are explicit that dynamic
// loading of third-party modules at runtime is advertised but not
// implemented; only compiled-in built-ins may be registered.
func (r *Registry) LoadModule(path string) error {
	return NewError(ErrLoadFailed, path, "dynamic loading not supported")
}

func (r *Registry) get(name string) Module {
	// The zero Handle returned by a failed Lookup has no registry.
	if r == nil {
		return nil
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[name]
	if !ok {
		return nil
	}
	return e.mod
}

func (r *Registry) recordInvocation(name string) {
	// Module-internal counters are the module's own responsibility (spec.md
	// §5: "single writer at a time" inside each module); the registry
	// itself tracks no per-module counters beyond what GetMetrics reports.
	_ = name
}

// ISTag computes the opaque cache validator spec.md §9's open question
// asks for: a hash over the active module configuration set, so the tag
// changes exactly when rule sets change. Truncated to 16 hex characters,
// which comfortably fits inside RFC 3507's 32-octet ISTag limit once
// quoted.
func (r *Registry) ISTag() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.entries))
	for n := range r.entries {
		names = append(names, n)
	}
	sort.Strings(names)

	type snapshot struct {
		Name    string         `json:"name"`
		Version string         `json:"version"`
		Payload map[string]any `json:"payload"`
	}
	snaps := make([]snapshot, 0, len(names))
	for _, n := range names {
		e := r.entries[n]
		snaps = append(snaps, snapshot{Name: n, Version: e.mod.ModuleVersion(), Payload: e.cfg.Payload})
	}
	b, _ := json.Marshal(snaps)
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])[:16]
}
