package capability

import (
	"fmt"
	"slices"
	"sort"
	"sync"

	"github.com/hatago-mcp/hatago/internal/domain/proxy"
	"github.com/hatago-mcp/hatago/pkg/mcp"
)

// ToolEntry maps one public tool name to its owning upstream.
type ToolEntry struct {
	PublicName   string
	UpstreamID   string
	OriginalName string
	Descriptor   mcp.Tool
}

// ResourceEntry maps one public resource URI to its owning upstream.
type ResourceEntry struct {
	PublicURI   string
	UpstreamID  string
	OriginalURI string
	Descriptor  mcp.Resource
}

// PromptEntry maps one public prompt name to its owning upstream.
type PromptEntry struct {
	PublicName   string
	UpstreamID   string
	OriginalName string
	Descriptor   mcp.Prompt
}

// Filter shapes which tools an upstream contributes and under which
// public names. Include/Exclude/Aliases apply to tools only; Prefix
// replaces the upstream id in generated names for this upstream.
type Filter struct {
	Include []string
	Exclude []string
	Prefix  string
	Aliases map[string]string
}

// Registry is the per-hub capability registry: a namespaced index of
// every tool, resource, and prompt contributed by ready upstreams.
// All operations are synchronous and guarded by a single RW mutex.
type Registry struct {
	mu     sync.RWMutex
	naming Naming

	tools     map[string]*ToolEntry
	resources map[string]*ResourceEntry
	prompts   map[string]*PromptEntry

	// byUpstream tracks the public keys each upstream contributed so
	// unregistration is a pure map sweep.
	byUpstream map[string]*upstreamKeys

	revision uint64
	cache    *parseCache
}

type upstreamKeys struct {
	tools     []string
	resources []string
	prompts   []string
}

// NewRegistry creates an empty registry under the given naming config.
func NewRegistry(naming Naming) *Registry {
	return &Registry{
		naming:     naming.withDefaults(),
		tools:      make(map[string]*ToolEntry),
		resources:  make(map[string]*ResourceEntry),
		prompts:    make(map[string]*PromptEntry),
		byUpstream: make(map[string]*upstreamKeys),
		cache:      newParseCache(parseCacheSize),
	}
}

// Naming returns the active naming configuration.
func (r *Registry) Naming() Naming {
	return r.naming
}

// Revision returns the toolset revision counter. It increments on every
// mutation; the hub uses it to decide when to emit list_changed.
func (r *Registry) Revision() uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.revision
}

// RegisterUpstream computes public names for the upstream's listings
// under the active strategy, detects collisions, and inserts entries.
// On any collision or bounds violation the whole registration is rolled
// back and a CONFIG_ERROR is returned. Re-registering an upstream
// replaces its previous entries.
func (r *Registry) RegisterUpstream(id string, caps *mcp.Capabilities, filter Filter) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	// Replace semantics: drop previous entries first so a refresh with
	// a shrunk listing does not leave stale names behind.
	r.unregisterLocked(id)

	prefix := id
	if filter.Prefix != "" {
		prefix = filter.Prefix
	}

	keys := &upstreamKeys{}
	rollback := func() {
		for _, k := range keys.tools {
			delete(r.tools, k)
		}
		for _, k := range keys.resources {
			delete(r.resources, k)
		}
		for _, k := range keys.prompts {
			delete(r.prompts, k)
		}
	}

	for _, tool := range caps.Tools {
		if !filter.allows(tool.Name) {
			continue
		}
		if err := CheckBounds(id, tool.Name); err != nil {
			rollback()
			return proxy.New(proxy.KindConfig, id, fmt.Sprintf("tool %v", err))
		}

		public := r.naming.PublicName(prefix, tool.Name)
		if alias, ok := filter.Aliases[tool.Name]; ok {
			public = alias
		}
		if existing, ok := r.tools[public]; ok {
			rollback()
			return proxy.New(proxy.KindConfig, id, fmt.Sprintf(
				"tool name collision: %q already registered by upstream %q", public, existing.UpstreamID))
		}

		desc := tool
		desc.Name = public
		r.tools[public] = &ToolEntry{
			PublicName:   public,
			UpstreamID:   id,
			OriginalName: tool.Name,
			Descriptor:   desc,
		}
		keys.tools = append(keys.tools, public)
	}

	for _, res := range caps.Resources {
		public := r.naming.PublicURI(prefix, res.URI)
		if existing, ok := r.resources[public]; ok {
			rollback()
			return proxy.New(proxy.KindConfig, id, fmt.Sprintf(
				"resource URI collision: %q already registered by upstream %q", public, existing.UpstreamID))
		}

		desc := res
		desc.URI = public
		r.resources[public] = &ResourceEntry{
			PublicURI:   public,
			UpstreamID:  id,
			OriginalURI: res.URI,
			Descriptor:  desc,
		}
		keys.resources = append(keys.resources, public)
	}

	for _, prompt := range caps.Prompts {
		if err := CheckBounds(id, prompt.Name); err != nil {
			rollback()
			return proxy.New(proxy.KindConfig, id, fmt.Sprintf("prompt %v", err))
		}

		public := r.naming.PublicName(prefix, prompt.Name)
		if existing, ok := r.prompts[public]; ok {
			rollback()
			return proxy.New(proxy.KindConfig, id, fmt.Sprintf(
				"prompt name collision: %q already registered by upstream %q", public, existing.UpstreamID))
		}

		desc := prompt
		desc.Name = public
		r.prompts[public] = &PromptEntry{
			PublicName:   public,
			UpstreamID:   id,
			OriginalName: prompt.Name,
			Descriptor:   desc,
		}
		keys.prompts = append(keys.prompts, public)
	}

	r.byUpstream[id] = keys
	r.bump()
	return nil
}

// UnregisterUpstream removes all entries for an upstream. Removing an
// unknown upstream is a no-op and does not bump the revision.
func (r *Registry) UnregisterUpstream(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.byUpstream[id]; !ok {
		return
	}
	r.unregisterLocked(id)
	r.bump()
}

func (r *Registry) unregisterLocked(id string) {
	keys, ok := r.byUpstream[id]
	if !ok {
		return
	}
	for _, k := range keys.tools {
		delete(r.tools, k)
	}
	for _, k := range keys.resources {
		delete(r.resources, k)
	}
	for _, k := range keys.prompts {
		delete(r.prompts, k)
	}
	delete(r.byUpstream, id)
}

// bump increments the revision and invalidates the parse cache.
// Callers hold the write lock.
func (r *Registry) bump() {
	r.revision++
	r.cache.purge()
}

// ResolveTool resolves a public tool name to its owning upstream and
// original name. Exact matches win; otherwise the name is parsed with
// the strategy's inverse and the reconstruction verified against the
// registry, so unknown upstreams can never be routed to.
func (r *Registry) ResolveTool(public string) (upstreamID, original string, ok bool) {
	r.mu.RLock()
	if e, found := r.tools[public]; found {
		r.mu.RUnlock()
		return e.UpstreamID, e.OriginalName, true
	}
	r.mu.RUnlock()

	if hit, found := r.cache.get(public); found {
		return hit.upstreamID, hit.original, true
	}

	prefix, name, parsable := r.naming.ParsePublicName(public)
	if !parsable {
		return "", "", false
	}
	candidate := r.naming.PublicName(prefix, name)

	r.mu.RLock()
	e, found := r.tools[candidate]
	r.mu.RUnlock()
	if !found {
		return "", "", false
	}

	r.cache.put(public, parsed{upstreamID: e.UpstreamID, original: e.OriginalName})
	return e.UpstreamID, e.OriginalName, true
}

// ResolveResource resolves a public resource URI.
func (r *Registry) ResolveResource(public string) (upstreamID, originalURI string, ok bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if e, found := r.resources[public]; found {
		return e.UpstreamID, e.OriginalURI, true
	}
	return "", "", false
}

// ResolvePrompt resolves a public prompt name.
func (r *Registry) ResolvePrompt(public string) (upstreamID, original string, ok bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if e, found := r.prompts[public]; found {
		return e.UpstreamID, e.OriginalName, true
	}
	return "", "", false
}

// ListAllTools enumerates every registered tool in deterministic order:
// primary by upstream id, secondary by original name.
func (r *Registry) ListAllTools() []mcp.Tool {
	r.mu.RLock()
	entries := make([]*ToolEntry, 0, len(r.tools))
	for _, e := range r.tools {
		entries = append(entries, e)
	}
	r.mu.RUnlock()

	sort.Slice(entries, func(i, j int) bool {
		if entries[i].UpstreamID != entries[j].UpstreamID {
			return entries[i].UpstreamID < entries[j].UpstreamID
		}
		return entries[i].OriginalName < entries[j].OriginalName
	})

	tools := make([]mcp.Tool, 0, len(entries))
	for _, e := range entries {
		tools = append(tools, e.Descriptor)
	}
	return tools
}

// ListAllResources enumerates every registered resource in deterministic
// order (upstream id, then original URI).
func (r *Registry) ListAllResources() []mcp.Resource {
	r.mu.RLock()
	entries := make([]*ResourceEntry, 0, len(r.resources))
	for _, e := range r.resources {
		entries = append(entries, e)
	}
	r.mu.RUnlock()

	sort.Slice(entries, func(i, j int) bool {
		if entries[i].UpstreamID != entries[j].UpstreamID {
			return entries[i].UpstreamID < entries[j].UpstreamID
		}
		return entries[i].OriginalURI < entries[j].OriginalURI
	})

	resources := make([]mcp.Resource, 0, len(entries))
	for _, e := range entries {
		resources = append(resources, e.Descriptor)
	}
	return resources
}

// ListAllPrompts enumerates every registered prompt in deterministic
// order (upstream id, then original name).
func (r *Registry) ListAllPrompts() []mcp.Prompt {
	r.mu.RLock()
	entries := make([]*PromptEntry, 0, len(r.prompts))
	for _, e := range r.prompts {
		entries = append(entries, e)
	}
	r.mu.RUnlock()

	sort.Slice(entries, func(i, j int) bool {
		if entries[i].UpstreamID != entries[j].UpstreamID {
			return entries[i].UpstreamID < entries[j].UpstreamID
		}
		return entries[i].OriginalName < entries[j].OriginalName
	})

	prompts := make([]mcp.Prompt, 0, len(entries))
	for _, e := range entries {
		prompts = append(prompts, e.Descriptor)
	}
	return prompts
}

// HasUpstream reports whether the upstream currently has entries.
func (r *Registry) HasUpstream(id string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.byUpstream[id]
	return ok
}

// allows applies Include then Exclude to an original tool name.
func (f Filter) allows(name string) bool {
	if len(f.Include) > 0 && !slices.Contains(f.Include, name) {
		return false
	}
	return !slices.Contains(f.Exclude, name)
}
