package definition

import (
	"fmt"
	"sync"

	"github.com/trinity-platform/trinity/core"
)

// Ref addresses a published definition.
type Ref struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

func (r Ref) String() string {
	return r.Name + "@" + r.Version
}

// Registry holds definitions through their draft → published → archived
// lifecycle and owns the global webhook trigger map. Published definitions
// are immutable; callers must treat returned pointers as read-only.
type Registry struct {
	mu       sync.RWMutex
	versions map[string]map[string]*Definition // name → version → definition
	order    map[string][]string               // name → publish order of versions
	webhooks map[string]Ref                    // webhook trigger id → target
	logger   core.Logger
}

// NewRegistry creates an empty registry.
func NewRegistry(logger core.Logger) *Registry {
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	return &Registry{
		versions: make(map[string]map[string]*Definition),
		order:    make(map[string][]string),
		webhooks: make(map[string]Ref),
		logger:   logger,
	}
}

// SaveDraft stores or replaces a draft version. Structural validation runs;
// published-target resolution waits for Publish.
func (r *Registry) SaveDraft(def *Definition) error {
	if def.Status == "" {
		def.Status = StatusDraft
	}
	if def.Status != StatusDraft {
		return fmt.Errorf("registry.SaveDraft: %w: status must be draft", core.ErrInvalidDefinition)
	}
	if err := def.Validate(nil); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.versions[def.Name][def.Version]; ok && existing.Status != StatusDraft {
		return fmt.Errorf("registry.SaveDraft %s@%s: %w", def.Name, def.Version, core.ErrAlreadyPublished)
	}
	if r.versions[def.Name] == nil {
		r.versions[def.Name] = make(map[string]*Definition)
	}
	r.versions[def.Name][def.Version] = def
	return nil
}

// Publish transitions a draft to published. It re-validates with the
// registry as sub-process resolver and claims the definition's webhook
// trigger ids; webhook ids must be unique across all published definitions.
func (r *Registry) Publish(name, version string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	def, ok := r.versions[name][version]
	if !ok {
		return fmt.Errorf("registry.Publish %s@%s: %w", name, version, core.ErrDefinitionNotFound)
	}
	if def.Status == StatusPublished {
		return fmt.Errorf("registry.Publish %s@%s: %w", name, version, core.ErrAlreadyPublished)
	}
	if err := def.Validate(lockedResolver{r}); err != nil {
		return err
	}

	ref := Ref{Name: name, Version: version}
	for _, t := range def.Triggers {
		if t.Kind != TriggerWebhook {
			continue
		}
		if owner, taken := r.webhooks[t.ID]; taken && owner.Name != name {
			return &InvalidDefinitionError{Name: name, Issues: []Issue{{
				Field:   "triggers",
				Message: fmt.Sprintf("webhook trigger id %q already claimed by %s", t.ID, owner),
			}}}
		}
	}
	for _, t := range def.Triggers {
		if t.Kind == TriggerWebhook {
			r.webhooks[t.ID] = ref
		}
	}

	def.Status = StatusPublished
	r.order[name] = append(r.order[name], version)
	r.logger.Info("Definition published", map[string]interface{}{
		"name":    name,
		"version": version,
		"steps":   len(def.Steps),
	})
	return nil
}

// Archive retires a published version. Archived definitions stay resolvable
// by exact {name, version} so old executions remain explainable, but stop
// being the latest and lose their webhook routes.
func (r *Registry) Archive(name, version string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	def, ok := r.versions[name][version]
	if !ok {
		return fmt.Errorf("registry.Archive %s@%s: %w", name, version, core.ErrDefinitionNotFound)
	}
	def.Status = StatusArchived
	for _, t := range def.Triggers {
		if t.Kind == TriggerWebhook && r.webhooks[t.ID] == (Ref{Name: name, Version: version}) {
			delete(r.webhooks, t.ID)
		}
	}
	versions := r.order[name]
	for i, v := range versions {
		if v == version {
			r.order[name] = append(versions[:i], versions[i+1:]...)
			break
		}
	}
	return nil
}

// Get resolves a definition. An empty version returns the latest published
// version. Archived versions resolve only by exact version.
func (r *Registry) Get(name, version string) (*Definition, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if version == "" {
		versions := r.order[name]
		if len(versions) == 0 {
			return nil, fmt.Errorf("registry.Get %s: %w", name, core.ErrDefinitionNotFound)
		}
		version = versions[len(versions)-1]
	}
	def, ok := r.versions[name][version]
	if !ok {
		return nil, fmt.Errorf("registry.Get %s@%s: %w", name, version, core.ErrDefinitionNotFound)
	}
	return def, nil
}

// LookupPublished implements Resolver for sub-process validation.
func (r *Registry) LookupPublished(name, version string) (*Definition, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.lookupPublishedLocked(name, version)
}

func (r *Registry) lookupPublishedLocked(name, version string) (*Definition, bool) {
	if version == "" {
		versions := r.order[name]
		if len(versions) == 0 {
			return nil, false
		}
		version = versions[len(versions)-1]
	}
	def, ok := r.versions[name][version]
	if !ok || def.Status != StatusPublished {
		return nil, false
	}
	return def, true
}

// lockedResolver reuses the already-held registry lock during Publish.
type lockedResolver struct{ r *Registry }

func (l lockedResolver) LookupPublished(name, version string) (*Definition, bool) {
	return l.r.lookupPublishedLocked(name, version)
}

// ResolveWebhook maps a webhook trigger id to its published definition.
func (r *Registry) ResolveWebhook(triggerID string) (Ref, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ref, ok := r.webhooks[triggerID]
	return ref, ok
}

// ScheduledTriggers returns every schedule trigger of every currently
// published definition; the cron source builds its entries from this.
func (r *Registry) ScheduledTriggers() []ScheduledTrigger {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []ScheduledTrigger
	for name, versions := range r.order {
		if len(versions) == 0 {
			continue
		}
		latest := versions[len(versions)-1]
		def := r.versions[name][latest]
		for _, t := range def.Triggers {
			if t.Kind == TriggerSchedule {
				out = append(out, ScheduledTrigger{
					Ref:     Ref{Name: name, Version: latest},
					Trigger: t,
				})
			}
		}
	}
	return out
}

// ScheduledTrigger pairs a schedule trigger with its owning definition.
type ScheduledTrigger struct {
	Ref     Ref
	Trigger Trigger
}

// List returns every definition name with its published versions in order.
func (r *Registry) List() map[string][]string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string][]string, len(r.order))
	for name, versions := range r.order {
		out[name] = append([]string(nil), versions...)
	}
	return out
}
