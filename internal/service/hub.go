package service

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hatago-mcp/hatago/internal/config"
	"github.com/hatago-mcp/hatago/internal/domain/audit"
	"github.com/hatago-mcp/hatago/internal/domain/capability"
	"github.com/hatago-mcp/hatago/internal/domain/session"
	"github.com/hatago-mcp/hatago/internal/domain/upstream"
	"github.com/hatago-mcp/hatago/internal/port/inbound"
	"github.com/hatago-mcp/hatago/internal/port/outbound"
	"github.com/hatago-mcp/hatago/pkg/mcp"
)

// Hub is the core facade the inbound transports call: it validates
// sessions, routes messages, fans server-initiated notifications out to
// subscribed downstream streams, and owns the upstream manager.
type Hub struct {
	registry *capability.Registry
	manager  *Manager
	router   *Router
	sessions *session.Service
	auditor  audit.Store
	meta     outbound.MetadataStore
	logger   *slog.Logger

	mu           sync.Mutex
	sinks        map[string]map[int]func(raw []byte)
	nextSub      int
	fingerprints map[string]uint64

	// suppress holds back list_changed broadcasts during a reload so a
	// multi-server converge emits one aggregated notification.
	suppress atomic.Bool
	pending  atomic.Bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

var _ inbound.Hub = (*Hub)(nil)

// HubOption configures hub construction.
type HubOption func(*Hub)

// WithMetadataStore attaches the advisory capability cache.
func WithMetadataStore(meta outbound.MetadataStore) HubOption {
	return func(h *Hub) { h.meta = meta }
}

// NewHub wires the hub core from pre-built components. The manager's
// notification and caps-changed handlers are claimed by the hub.
func NewHub(registry *capability.Registry, manager *Manager, sessions *session.Service, auditor audit.Store, timeouts Timeouts, logger *slog.Logger, opts ...HubOption) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	if auditor == nil {
		auditor = audit.Nop{}
	}
	ctx, cancel := context.WithCancel(context.Background())
	h := &Hub{
		registry:     registry,
		manager:      manager,
		sessions:     sessions,
		auditor:      auditor,
		logger:       logger,
		sinks:        make(map[string]map[int]func(raw []byte)),
		fingerprints: make(map[string]uint64),
		ctx:          ctx,
		cancel:       cancel,
	}
	for _, opt := range opts {
		opt(h)
	}
	h.router = NewRouter(registry, manager, sessions, auditor, timeouts, logger)
	manager.SetNotifyHandler(h.onUpstreamNotify)
	manager.SetCapsChangedHandler(h.onCapsChanged)
	return h
}

// Init registers the configured upstreams and primes the registry from
// the metadata cache so listings are served before slow upstreams finish
// starting. Fingerprint mismatches invalidate cached entries.
func (h *Hub) Init(cfg *config.Config, tags []string) error {
	cached := map[string]outbound.CachedServer{}
	if h.meta != nil {
		cached = h.meta.LoadServers()
	}

	for _, spec := range cfg.Specs(tags) {
		if err := h.manager.AddServer(spec); err != nil {
			return err
		}
		fp := config.Fingerprint(cfg.MCPServers[spec.ID])
		h.mu.Lock()
		h.fingerprints[spec.ID] = fp
		h.mu.Unlock()

		snap, ok := cached[spec.ID]
		if !ok || snap.Fingerprint != fp || snap.Capabilities == nil {
			continue
		}
		if err := h.registry.RegisterUpstream(spec.ID, snap.Capabilities, capability.Filter{
			Include: spec.Tools.Include,
			Exclude: spec.Tools.Exclude,
			Prefix:  spec.Tools.Prefix,
			Aliases: spec.Tools.Aliases,
		}); err != nil {
			h.logger.Warn("cached capabilities rejected", "upstream", spec.ID, "error", err)
			continue
		}
		h.logger.Debug("registry primed from cache",
			"upstream", spec.ID, "tools", len(snap.Capabilities.Tools))
	}
	return nil
}

// Start converges always-policy upstreams and begins session GC.
func (h *Hub) Start(ctx context.Context) {
	h.manager.Start(ctx)
	if h.sessions != nil {
		h.wg.Add(1)
		go func() {
			defer h.wg.Done()
			h.sessions.RunGC(h.ctx)
		}()
	}
}

// Stop shuts down upstreams, flushes the audit trail, and detaches all
// subscribers.
func (h *Hub) Stop() {
	h.cancel()
	h.manager.Stop()
	h.wg.Wait()

	flushCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	_ = h.auditor.Flush(flushCtx)
	cancel()

	h.mu.Lock()
	h.sinks = make(map[string]map[int]func(raw []byte))
	h.mu.Unlock()
}

// Handle implements inbound.Hub.
func (h *Hub) Handle(ctx context.Context, msg *mcp.Message) []byte {
	if msg.SessionID != "" && h.sessions != nil && msg.Method() != mcp.MethodInitialize {
		// Sliding expiration: any traffic on a live session extends it.
		// Validation proper happens in the inbound adapter.
		_ = h.sessions.Touch(ctx, msg.SessionID)
	}

	sink := h.sessionSink(msg.SessionID)
	return h.router.Route(ctx, msg, sink)
}

// Subscribe implements inbound.Hub.
func (h *Hub) Subscribe(sessionID string, sink func(raw []byte)) func() {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.nextSub++
	id := h.nextSub
	if h.sinks[sessionID] == nil {
		h.sinks[sessionID] = make(map[int]func(raw []byte))
	}
	h.sinks[sessionID][id] = sink

	return func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		delete(h.sinks[sessionID], id)
		if len(h.sinks[sessionID]) == 0 {
			delete(h.sinks, sessionID)
		}
	}
}

// HasStream implements inbound.Hub.
func (h *Hub) HasStream(sessionID string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.sinks[sessionID]) > 0
}

// sessionSink returns a ProgressSink delivering to the session's
// subscribers, or nil when the session has no live stream.
func (h *Hub) sessionSink(sessionID string) ProgressSink {
	if sessionID == "" {
		return nil
	}
	return func(raw []byte) {
		h.mu.Lock()
		subs := make([]func(raw []byte), 0, len(h.sinks[sessionID]))
		for _, s := range h.sinks[sessionID] {
			subs = append(subs, s)
		}
		h.mu.Unlock()
		for _, s := range subs {
			s(raw)
		}
	}
}

// broadcast delivers raw bytes to every subscriber of every session.
func (h *Hub) broadcast(raw []byte) {
	h.mu.Lock()
	var subs []func(raw []byte)
	for _, m := range h.sinks {
		for _, s := range m {
			subs = append(subs, s)
		}
	}
	h.mu.Unlock()
	for _, s := range subs {
		s(raw)
	}
}

// SuppressNotifications holds back list_changed broadcasts. The returned
// release func emits one aggregated notification if any were held.
func (h *Hub) SuppressNotifications() (release func()) {
	h.suppress.Store(true)
	return func() {
		h.suppress.Store(false)
		if h.pending.Swap(false) {
			h.emitListChanged()
		}
	}
}

// onCapsChanged reacts to registry mutations: persist the capability
// cache and tell downstream clients the toolset moved.
func (h *Hub) onCapsChanged() {
	h.saveMetadata()
	if h.suppress.Load() {
		h.pending.Store(true)
		return
	}
	h.emitListChanged()
}

func (h *Hub) emitListChanged() {
	raw, err := mcp.NewNotification(mcp.MethodNotifyToolsChanged, nil)
	if err != nil {
		return
	}
	h.broadcast(raw)
}

// onUpstreamNotify handles server-initiated notifications from ready
// upstreams. list_changed triggers a listing refresh; everything else is
// dropped since upstream-scoped notifications cannot be meaningfully
// multiplexed to all downstream sessions.
func (h *Hub) onUpstreamNotify(upstreamID, method string, raw []byte) {
	switch method {
	case mcp.MethodNotifyToolsChanged, mcp.MethodNotifyResourcesChange, mcp.MethodNotifyPromptsChanged:
		h.wg.Add(1)
		go func() {
			defer h.wg.Done()
			refreshCtx, cancel := context.WithTimeout(h.ctx, 10*time.Second)
			defer cancel()
			if err := h.manager.RefreshCapabilities(refreshCtx, upstreamID); err != nil {
				h.logger.Warn("capability refresh failed",
					"upstream", upstreamID, "error", err)
			}
		}()
	default:
		h.logger.Debug("upstream notification dropped",
			"upstream", upstreamID, "method", method)
	}
}

// saveMetadata snapshots ready upstreams' listings to the advisory
// cache. Failures are logged, never surfaced.
func (h *Hub) saveMetadata() {
	if h.meta == nil {
		return
	}

	h.mu.Lock()
	fps := make(map[string]uint64, len(h.fingerprints))
	for id, fp := range h.fingerprints {
		fps[id] = fp
	}
	h.mu.Unlock()

	servers := make(map[string]outbound.CachedServer)
	for _, st := range h.manager.Statuses() {
		if st.Capabilities == nil {
			continue
		}
		servers[st.ID] = outbound.CachedServer{
			Fingerprint:  fps[st.ID],
			Capabilities: st.Capabilities,
			LastReadyAt:  time.Now().UTC(),
		}
	}
	if err := h.meta.SaveServers(servers); err != nil {
		h.logger.Warn("metadata save failed", "error", err)
	}
}

// SetFingerprint records the config fingerprint for one upstream. Used
// by the reloader when definitions change.
func (h *Hub) SetFingerprint(id string, fp uint64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.fingerprints[id] = fp
}

// DropFingerprint forgets a removed upstream's fingerprint.
func (h *Hub) DropFingerprint(id string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.fingerprints, id)
}

// Manager exposes the activation manager for the CLI surface.
func (h *Hub) Manager() *Manager { return h.manager }

// Registry exposes the capability registry.
func (h *Hub) Registry() *capability.Registry { return h.registry }

// Sessions exposes the session service.
func (h *Hub) Sessions() *session.Service { return h.sessions }

// Statuses reports upstream runtime states for the health surface.
func (h *Hub) Statuses() []upstream.Status { return h.manager.Statuses() }

// Health summarizes hub liveness for the /health endpoint.
func (h *Hub) Health() map[string]interface{} {
	statuses := h.manager.Statuses()
	ready := 0
	for _, st := range statuses {
		if st.Actual == upstream.StateReady {
			ready++
		}
	}
	return map[string]interface{}{
		"status":   "ok",
		"version":  Version,
		"servers":  len(statuses),
		"ready":    ready,
		"revision": fmt.Sprintf("%d", h.registry.Revision()),
	}
}
