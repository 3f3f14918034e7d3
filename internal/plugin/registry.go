package plugin

import (
	"context"
	"fmt"
	"log"
	"sort"
	"sync"

	"github.com/yydsdd211/xybot/internal/config"
	"github.com/yydsdd211/xybot/internal/sched"
)

// ManagerName is the one plugin that can never be disabled or
// unloaded; it is the admin surface for all the others.
const ManagerName = "manager"

// Binder receives handler bindings; the dispatcher implements it.
// Bind replaces any previous bindings for the owner.
type Binder interface {
	Bind(owner string, specs []HandlerSpec)
	Unbind(owner string)
}

// JobRunner schedules plugin jobs; *sched.Scheduler satisfies it.
type JobRunner interface {
	AddJob(id string, trigger sched.Trigger, fn func()) error
	RemoveJob(id string)
}

// Record is the introspectable state of one known plugin.
type Record struct {
	Meta    Meta
	Enabled bool
	Loaded  bool
}

type entry struct {
	meta    Meta
	plugin  Plugin
	jobIDs  []string
	enabled bool
}

// Registry owns the plugin lifecycle. Plugins come from a static
// factory table; a code change therefore needs a process restart,
// while reload re-runs the factory so config changes take effect.
type Registry struct {
	ctx     context.Context
	cfg     *config.Config
	host    Host
	binder  Binder
	jobs    JobRunner
	factory map[string]Factory

	mu      sync.Mutex
	entries map[string]*entry
}

func NewRegistry(ctx context.Context, factories map[string]Factory, cfg *config.Config, host Host, binder Binder, jobs JobRunner) *Registry {
	return &Registry{
		ctx:     ctx,
		cfg:     cfg,
		host:    host,
		binder:  binder,
		jobs:    jobs,
		factory: factories,
		entries: make(map[string]*entry),
	}
}

// Names lists every known plugin, sorted, loaded or not.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.factory))
	for name := range r.factory {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// LoadAll loads every plugin except those disabled in config. The
// disabled ones are still instantiated once so their metadata shows up
// in listings.
func (r *Registry) LoadAll() error {
	disabled := make(map[string]bool)
	for _, name := range r.cfg.Bot.DisabledPlugins {
		disabled[name] = true
	}

	var firstErr error
	for _, name := range r.Names() {
		if disabled[name] && name != ManagerName {
			if err := r.introspect(name); err != nil {
				log.Printf("[plugin] introspect %s: %v", name, err)
			}
			log.Printf("[plugin] %s disabled by config", name)
			continue
		}
		if err := r.Load(name); err != nil {
			log.Printf("[plugin] load %s: %v", name, err)
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

// introspect records metadata for a plugin without enabling it.
func (r *Registry) introspect(name string) error {
	factory, ok := r.factory[name]
	if !ok {
		return fmt.Errorf("unknown plugin %q", name)
	}
	p, err := factory(r.cfg)
	if err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.entries[name]; !exists {
		r.entries[name] = &entry{meta: p.Meta()}
	}
	return nil
}

// Load constructs, binds, and starts one plugin.
func (r *Registry) Load(name string) error {
	factory, ok := r.factory[name]
	if !ok {
		return fmt.Errorf("unknown plugin %q", name)
	}

	r.mu.Lock()
	if e, exists := r.entries[name]; exists && e.enabled {
		r.mu.Unlock()
		return fmt.Errorf("plugin %q already loaded", name)
	}
	r.mu.Unlock()

	p, err := factory(r.cfg)
	if err != nil {
		return fmt.Errorf("construct %s: %w", name, err)
	}

	specs, err := validateHandlers(name, p.Handlers())
	if err != nil {
		return err
	}

	if err := p.Start(r.host); err != nil {
		return fmt.Errorf("start %s: %w", name, err)
	}

	r.binder.Bind(name, specs)

	var jobIDs []string
	for _, job := range p.Jobs() {
		id := name + "." + job.Name
		fn := job.Fn
		if err := r.jobs.AddJob(id, job.Trigger, func() {
			fn(r.ctx, r.host)
		}); err != nil {
			log.Printf("[plugin] schedule %s: %v", id, err)
			continue
		}
		jobIDs = append(jobIDs, id)
	}

	r.mu.Lock()
	r.entries[name] = &entry{meta: p.Meta(), plugin: p, jobIDs: jobIDs, enabled: true}
	r.mu.Unlock()

	log.Printf("[plugin] loaded %s (%d handlers, %d jobs)", name, len(specs), len(jobIDs))
	return nil
}

func validateHandlers(name string, specs []HandlerSpec) ([]HandlerSpec, error) {
	out := make([]HandlerSpec, 0, len(specs))
	for _, spec := range specs {
		if !spec.Kind.Valid() {
			return nil, fmt.Errorf("plugin %s registers unknown kind %q", name, spec.Kind)
		}
		if spec.Fn == nil {
			return nil, fmt.Errorf("plugin %s registers a nil handler for %s", name, spec.Kind)
		}
		if spec.Priority < MinPriority {
			spec.Priority = MinPriority
		}
		if spec.Priority > MaxPriority {
			spec.Priority = MaxPriority
		}
		out = append(out, spec)
	}
	return out, nil
}

// Disable unbinds a plugin's handlers and jobs but keeps the instance
// for introspection. The manager refuses.
func (r *Registry) Disable(name string) error {
	if name == ManagerName {
		return fmt.Errorf("the manager plugin cannot be disabled")
	}
	r.mu.Lock()
	e, ok := r.entries[name]
	if !ok || !e.enabled {
		r.mu.Unlock()
		return fmt.Errorf("plugin %q is not loaded", name)
	}
	e.enabled = false
	p := e.plugin
	jobIDs := e.jobIDs
	e.jobIDs = nil
	r.mu.Unlock()

	r.binder.Unbind(name)
	for _, id := range jobIDs {
		r.jobs.RemoveJob(id)
	}
	if err := p.Stop(); err != nil {
		log.Printf("[plugin] stop %s: %v", name, err)
	}
	log.Printf("[plugin] disabled %s", name)
	return nil
}

// Unload disables and then drops the instance; the metadata record
// stays.
func (r *Registry) Unload(name string) error {
	if name == ManagerName {
		return fmt.Errorf("the manager plugin cannot be unloaded")
	}
	r.mu.Lock()
	e, ok := r.entries[name]
	enabled := ok && e.enabled
	r.mu.Unlock()
	if !ok {
		return fmt.Errorf("unknown plugin %q", name)
	}
	if enabled {
		if err := r.Disable(name); err != nil {
			return err
		}
	}
	r.mu.Lock()
	e.plugin = nil
	r.mu.Unlock()
	log.Printf("[plugin] unloaded %s", name)
	return nil
}

// Reload tears a plugin down and reconstructs it through its factory,
// re-reading configuration. The active handler set afterwards equals a
// fresh load's.
func (r *Registry) Reload(name string) error {
	r.mu.Lock()
	e, known := r.entries[name]
	loaded := known && e.enabled
	r.mu.Unlock()

	if loaded {
		if name == ManagerName {
			// The manager reloads in place: unbind and rebind without
			// passing through Disable.
			r.binder.Unbind(name)
			r.mu.Lock()
			p := e.plugin
			jobIDs := e.jobIDs
			e.jobIDs = nil
			e.enabled = false
			r.mu.Unlock()
			for _, id := range jobIDs {
				r.jobs.RemoveJob(id)
			}
			if err := p.Stop(); err != nil {
				log.Printf("[plugin] stop %s: %v", name, err)
			}
		} else if err := r.Unload(name); err != nil {
			return err
		}
	}
	return r.Load(name)
}

// ReloadAll reloads every known plugin, the manager included, and
// reports which succeeded and which failed.
func (r *Registry) ReloadAll() (ok []string, failed map[string]error) {
	failed = make(map[string]error)
	for _, name := range r.Names() {
		if err := r.Reload(name); err != nil {
			failed[name] = err
			continue
		}
		ok = append(ok, name)
	}
	return ok, failed
}

// List returns the introspection records, sorted by name.
func (r *Registry) List() []Record {
	r.mu.Lock()
	defer r.mu.Unlock()
	names := make([]string, 0, len(r.entries))
	for name := range r.entries {
		names = append(names, name)
	}
	sort.Strings(names)
	out := make([]Record, 0, len(names))
	for _, name := range names {
		e := r.entries[name]
		out = append(out, Record{Meta: e.meta, Enabled: e.enabled, Loaded: e.plugin != nil})
	}
	return out
}

// Enabled reports whether a plugin is currently active.
func (r *Registry) Enabled(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[name]
	return ok && e.enabled
}

// StopAll disables everything in reverse order for shutdown, manager
// last.
func (r *Registry) StopAll() {
	names := r.Names()
	for i := len(names) - 1; i >= 0; i-- {
		name := names[i]
		if name == ManagerName || !r.Enabled(name) {
			continue
		}
		if err := r.Disable(name); err != nil {
			log.Printf("[plugin] shutdown %s: %v", name, err)
		}
	}
	// Manager goes down last.
	r.mu.Lock()
	e, ok := r.entries[ManagerName]
	if ok && e.enabled {
		e.enabled = false
		p := e.plugin
		jobIDs := e.jobIDs
		r.mu.Unlock()
		r.binder.Unbind(ManagerName)
		for _, id := range jobIDs {
			r.jobs.RemoveJob(id)
		}
		if err := p.Stop(); err != nil {
			log.Printf("[plugin] shutdown %s: %v", ManagerName, err)
		}
		return
	}
	r.mu.Unlock()
}
