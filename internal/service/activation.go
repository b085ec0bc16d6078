package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/hatago-mcp/hatago/internal/adapter/outbound/transport"
	"github.com/hatago-mcp/hatago/internal/domain/audit"
	"github.com/hatago-mcp/hatago/internal/domain/capability"
	"github.com/hatago-mcp/hatago/internal/domain/proxy"
	"github.com/hatago-mcp/hatago/internal/domain/upstream"
	"github.com/hatago-mcp/hatago/internal/port/outbound"
	"github.com/hatago-mcp/hatago/pkg/mcp"
)

// TransportFactory builds the outbound transport for a spec. Swappable
// in tests.
type TransportFactory func(spec *upstream.Spec, logger *slog.Logger) outbound.Transport

// DefaultMaxRestarts bounds automatic restarts of a crashing upstream
// before it parks in failing until the next explicit activate or
// config change.
const DefaultMaxRestarts = 5

// idleSweepInterval is how often idle policies are evaluated.
const idleSweepInterval = 30 * time.Second

// Timeouts are the manager's operation deadlines.
type Timeouts struct {
	// Spawn bounds transport start (process spawn / connection open).
	Spawn time.Duration
	// Healthcheck bounds the initialize handshake and listing fetch.
	Healthcheck time.Duration
	// ToolCall bounds one routed request.
	ToolCall time.Duration
}

func (t Timeouts) withDefaults() Timeouts {
	if t.Spawn <= 0 {
		t.Spawn = 8 * time.Second
	}
	if t.Healthcheck <= 0 {
		t.Healthcheck = 2 * time.Second
	}
	if t.ToolCall <= 0 {
		t.ToolCall = 20 * time.Second
	}
	return t
}

// Manager owns the lifecycle of every configured upstream: activation
// policies, the starting/ready/failing state machine, crash restarts
// with backoff, and idle handling.
type Manager struct {
	registry *capability.Registry
	auditor  audit.Store
	factory  TransportFactory
	fallback TransportFactory
	logger   *slog.Logger

	timeouts    Timeouts
	perServer   int
	perServerBy map[string]int
	maxRestarts int

	// onNotify receives server-initiated notifications from any ready
	// upstream. Set by the hub before Start.
	onNotify func(upstreamID, method string, raw []byte)
	// onCapsChanged fires after the registry changes (server became
	// ready, was removed, or refreshed its listing).
	onCapsChanged func()

	mu      sync.Mutex
	servers map[string]*server

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// server is the runtime state for one upstream.
type server struct {
	spec *upstream.Spec

	mu          sync.Mutex
	desired     upstream.DesiredState
	actual      upstream.State
	conn        *Conn
	caps        *mcp.Capabilities
	lastErr     error
	retryAt     time.Time
	restarts    int
	activations int
	backoff     *transport.Backoff
	// ready is closed when the server reaches ready; replaced whenever
	// it leaves ready so waiters always see a fresh gate.
	ready chan struct{}
	// triedFallback marks that the legacy SSE fallback was attempted
	// for an auto-detected remote.
	triedFallback bool
	// generation invalidates crash watchers from older connections.
	generation int
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithTransportFactory overrides transport construction (tests).
func WithTransportFactory(f TransportFactory) ManagerOption {
	return func(m *Manager) { m.factory = f }
}

// WithFallbackFactory overrides fallback transport construction.
func WithFallbackFactory(f TransportFactory) ManagerOption {
	return func(m *Manager) { m.fallback = f }
}

// WithTimeouts overrides the operation deadlines.
func WithTimeouts(t Timeouts) ManagerOption {
	return func(m *Manager) { m.timeouts = t.withDefaults() }
}

// WithPerServerConcurrency bounds concurrent in-flight calls per
// upstream.
func WithPerServerConcurrency(n int) ManagerOption {
	return func(m *Manager) { m.perServer = n }
}

// WithConcurrencyOverrides sets per-upstream-id bounds that take
// precedence over the global per-server bound.
func WithConcurrencyOverrides(byID map[string]int) ManagerOption {
	return func(m *Manager) { m.perServerBy = byID }
}

// concurrencyFor resolves the in-flight bound for one upstream id.
func (m *Manager) concurrencyFor(id string) int {
	if n, ok := m.perServerBy[id]; ok && n > 0 {
		return n
	}
	return m.perServer
}

// WithMaxRestarts bounds automatic crash restarts.
func WithMaxRestarts(n int) ManagerOption {
	return func(m *Manager) { m.maxRestarts = n }
}

// NewManager creates a Manager over the given registry and audit sink.
func NewManager(registry *capability.Registry, auditor audit.Store, logger *slog.Logger, opts ...ManagerOption) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	if auditor == nil {
		auditor = audit.Nop{}
	}
	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		registry:    registry,
		auditor:     auditor,
		factory:     transport.New,
		fallback:    transport.Fallback,
		logger:      logger,
		timeouts:    Timeouts{}.withDefaults(),
		perServer:   8,
		maxRestarts: DefaultMaxRestarts,
		servers:     make(map[string]*server),
		ctx:         ctx,
		cancel:      cancel,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// SetNotifyHandler installs the sink for upstream-initiated
// notifications. Must be called before Start.
func (m *Manager) SetNotifyHandler(fn func(upstreamID, method string, raw []byte)) {
	m.onNotify = fn
}

// SetCapsChangedHandler installs the callback fired after registry
// mutations. Must be called before Start.
func (m *Manager) SetCapsChangedHandler(fn func()) {
	m.onCapsChanged = fn
}

// AddServer registers a spec with the manager without starting it.
func (m *Manager) AddServer(spec *upstream.Spec) error {
	if err := spec.Validate(); err != nil {
		return proxy.Wrap(proxy.KindConfig, spec.ID, err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.servers[spec.ID]; exists {
		return proxy.New(proxy.KindConfig, spec.ID, "duplicate server id")
	}
	m.servers[spec.ID] = &server{
		spec:    spec,
		desired: upstream.DesiredStopped,
		actual:  upstream.StateStopped,
		backoff: transport.NewBackoff(),
		ready:   make(chan struct{}),
	}
	m.auditor.Record(m.ctx, audit.Record{
		Timestamp:  time.Now().UTC(),
		Event:      audit.EventServerAdded,
		UpstreamID: spec.ID,
	})
	return nil
}

// RemoveServer stops an upstream and forgets it. Its capabilities
// leave the registry immediately.
func (m *Manager) RemoveServer(ctx context.Context, id string) {
	m.mu.Lock()
	srv, ok := m.servers[id]
	if ok {
		delete(m.servers, id)
	}
	m.mu.Unlock()
	if !ok {
		return
	}

	m.stopServer(ctx, srv)
	m.registry.UnregisterUpstream(id)
	m.capsChanged()
	m.auditor.Record(ctx, audit.Record{
		Timestamp:  time.Now().UTC(),
		Event:      audit.EventServerRemoved,
		UpstreamID: id,
	})
}

// Start converges every always-policy upstream toward ready and starts
// the idle sweeper. Individual connect failures do not fail Start; the
// upstream parks in failing and retries with backoff.
func (m *Manager) Start(ctx context.Context) {
	m.mu.Lock()
	var toStart []*server
	for _, srv := range m.servers {
		if srv.spec.Activation == upstream.PolicyAlways {
			toStart = append(toStart, srv)
		}
	}
	m.mu.Unlock()

	for _, srv := range toStart {
		srv.mu.Lock()
		srv.desired = upstream.DesiredRunning
		srv.mu.Unlock()
		m.wg.Add(1)
		go func(s *server) {
			defer m.wg.Done()
			if err := m.connect(ctx, s); err != nil {
				m.logger.Warn("upstream failed to start",
					"upstream", s.spec.ID, "error", err)
			}
		}(srv)
	}

	m.wg.Add(1)
	go m.idleSweeper()
}

// Activate converges one upstream toward ready and blocks until it is
// ready or the spawn+healthcheck budget elapses.
func (m *Manager) Activate(ctx context.Context, id string) error {
	_, err := m.EnsureReady(ctx, id, true)
	if err == nil {
		m.auditor.Record(ctx, audit.Record{
			Timestamp:  time.Now().UTC(),
			Event:      audit.EventServerActivated,
			UpstreamID: id,
		})
	}
	return err
}

// Deactivate stops one upstream and removes its capabilities.
func (m *Manager) Deactivate(ctx context.Context, id string) error {
	m.mu.Lock()
	srv, ok := m.servers[id]
	m.mu.Unlock()
	if !ok {
		return proxy.New(proxy.KindConfig, id, "unknown server")
	}

	srv.mu.Lock()
	srv.desired = upstream.DesiredStopped
	srv.mu.Unlock()

	m.stopServer(ctx, srv)
	m.registry.UnregisterUpstream(id)
	m.capsChanged()
	m.auditor.Record(ctx, audit.Record{
		Timestamp:  time.Now().UTC(),
		Event:      audit.EventServerDeactivated,
		UpstreamID: id,
	})
	return nil
}

// EnsureReady returns a ready connection for the upstream, lazily
// activating onDemand servers. explicit marks an operator activate,
// which may also start manual servers and resets the restart budget.
func (m *Manager) EnsureReady(ctx context.Context, id string, explicit bool) (*Conn, error) {
	m.mu.Lock()
	srv, ok := m.servers[id]
	m.mu.Unlock()
	if !ok {
		return nil, proxy.New(proxy.KindConfig, id, "unknown server")
	}

	srv.mu.Lock()
	switch srv.actual {
	case upstream.StateReady:
		conn := srv.conn
		srv.mu.Unlock()
		return conn, nil
	case upstream.StateStopping:
		srv.mu.Unlock()
		return nil, proxy.New(proxy.KindTransport, id, "server is stopping")
	}

	if !explicit {
		if srv.spec.Activation == upstream.PolicyManual {
			srv.mu.Unlock()
			return nil, proxy.New(proxy.KindTransport, id,
				"server requires manual activation")
		}
		if srv.spec.Activation == upstream.PolicyAlways &&
			srv.actual == upstream.StateFailing && time.Now().Before(srv.retryAt) {
			// Always-policy servers in backoff fail fast rather than
			// piling up waiters.
			err := srv.lastErr
			srv.mu.Unlock()
			return nil, proxy.Wrap(proxy.KindTransport, id,
				fmt.Errorf("server is failing: %w", err))
		}
	}
	if explicit {
		srv.restarts = 0
	}

	starting := srv.actual == upstream.StateStarting
	ready := srv.ready
	srv.desired = upstream.DesiredRunning
	srv.activations++
	srv.mu.Unlock()

	if !starting {
		m.wg.Add(1)
		go func() {
			defer m.wg.Done()
			if err := m.connect(m.ctx, srv); err != nil {
				m.logger.Warn("upstream activation failed",
					"upstream", id, "error", err)
			}
		}()
	}

	budget := m.timeouts.Spawn + m.timeouts.Healthcheck
	waitCtx, cancel := context.WithTimeout(ctx, budget)
	defer cancel()

	select {
	case <-ready:
		srv.mu.Lock()
		defer srv.mu.Unlock()
		if srv.actual == upstream.StateReady {
			return srv.conn, nil
		}
		return nil, proxy.Wrap(proxy.KindTransport, id,
			fmt.Errorf("server did not become ready: %w", srv.lastErr))
	case <-waitCtx.Done():
		return nil, proxy.New(proxy.KindTimeout, id, "server activation timed out")
	}
}

// connect drives one upstream from stopped to ready. On failure the
// server parks in failing with a retry schedule.
func (m *Manager) connect(ctx context.Context, srv *server) error {
	srv.mu.Lock()
	if srv.actual != upstream.StateStopped && srv.actual != upstream.StateFailing {
		srv.mu.Unlock()
		return nil
	}
	if srv.actual == upstream.StateFailing {
		srv.actual = upstream.StateStopped
	}
	srv.actual = upstream.StateStarting
	srv.generation++
	gen := srv.generation
	spec := srv.spec
	useFallback := srv.triedFallback
	srv.mu.Unlock()

	var tr outbound.Transport
	if useFallback {
		tr = m.fallback(spec, m.logger)
	}
	if tr == nil {
		tr = m.factory(spec, m.logger)
	}

	conn := NewConn(spec.ID, tr, m.concurrencyFor(spec.ID), func(method string, raw []byte) {
		if m.onNotify != nil {
			m.onNotify(spec.ID, method, raw)
		}
	}, m.logger)

	spawnCtx, cancelSpawn := context.WithTimeout(ctx, m.timeouts.Spawn)
	err := tr.Start(spawnCtx)
	cancelSpawn()
	if err != nil {
		_ = conn.Close()
		return m.connectFailed(ctx, srv, gen, spec, err)
	}

	hcCtx, cancelHC := context.WithTimeout(ctx, m.timeouts.Healthcheck)
	info, err := conn.Handshake(hcCtx)
	var caps *mcp.Capabilities
	if err == nil {
		caps, err = conn.FetchCapabilities(hcCtx, info)
	}
	cancelHC()
	if err != nil {
		_ = conn.Close()

		// An auto-detected remote that fails its first streamable
		// handshake gets one shot at the legacy SSE transport.
		srv.mu.Lock()
		canFallback := !srv.triedFallback && m.fallback(spec, m.logger) != nil
		if canFallback {
			srv.triedFallback = true
			srv.actual = upstream.StateStopped
			srv.mu.Unlock()
			m.logger.Info("retrying with legacy SSE transport", "upstream", spec.ID)
			return m.connect(ctx, srv)
		}
		srv.mu.Unlock()
		return m.connectFailed(ctx, srv, gen, spec, err)
	}

	if err := m.registry.RegisterUpstream(spec.ID, caps, capability.Filter{
		Include: spec.Tools.Include,
		Exclude: spec.Tools.Exclude,
		Prefix:  spec.Tools.Prefix,
		Aliases: spec.Tools.Aliases,
	}); err != nil {
		_ = conn.Close()
		return m.connectFailed(ctx, srv, gen, spec, err)
	}

	srv.mu.Lock()
	if srv.generation != gen {
		// Stopped or reconfigured while the handshake was in flight.
		srv.mu.Unlock()
		_ = conn.Close()
		m.registry.UnregisterUpstream(spec.ID)
		return nil
	}
	srv.conn = conn
	srv.caps = caps
	srv.actual = upstream.StateReady
	srv.lastErr = nil
	srv.restarts = 0
	srv.backoff.Reset()
	close(srv.ready)
	srv.mu.Unlock()

	m.capsChanged()
	m.logger.Info("upstream ready",
		"upstream", spec.ID,
		"tools", len(caps.Tools),
		"resources", len(caps.Resources),
		"prompts", len(caps.Prompts))

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.watchCrash(srv, conn, gen)
	}()
	return nil
}

// connectFailed parks the server in failing and schedules a retry when
// policy warrants one.
func (m *Manager) connectFailed(ctx context.Context, srv *server, gen int, spec *upstream.Spec, cause error) error {
	srv.mu.Lock()
	if srv.generation != gen {
		srv.mu.Unlock()
		return cause
	}
	srv.actual = upstream.StateFailing
	srv.lastErr = cause
	srv.restarts++
	delay := srv.backoff.Next()
	srv.retryAt = time.Now().Add(delay)
	retry := srv.desired == upstream.DesiredRunning &&
		spec.Activation == upstream.PolicyAlways &&
		srv.restarts <= m.maxRestarts
	// Wake waiters so they observe the failure instead of timing out.
	close(srv.ready)
	srv.ready = make(chan struct{})
	srv.mu.Unlock()

	m.auditor.Record(ctx, audit.Record{
		Timestamp:  time.Now().UTC(),
		Event:      audit.EventError,
		UpstreamID: spec.ID,
		Detail:     cause.Error(),
	})
	m.logger.Warn("upstream connect failed",
		"upstream", spec.ID, "error", cause, "retry_in", delay, "will_retry", retry)

	if retry {
		m.wg.Add(1)
		go func() {
			defer m.wg.Done()
			select {
			case <-m.ctx.Done():
				return
			case <-time.After(delay):
			}
			srv.mu.Lock()
			stillWanted := srv.desired == upstream.DesiredRunning &&
				srv.actual == upstream.StateFailing
			if stillWanted {
				srv.actual = upstream.StateStopped
			}
			srv.mu.Unlock()
			if stillWanted {
				_ = m.connect(m.ctx, srv)
			}
		}()
	}
	return cause
}

// watchCrash handles unexpected connection loss for one generation.
func (m *Manager) watchCrash(srv *server, conn *Conn, gen int) {
	select {
	case <-m.ctx.Done():
		return
	case <-conn.Transport().Done():
	}

	srv.mu.Lock()
	if srv.generation != gen || srv.actual != upstream.StateReady {
		srv.mu.Unlock()
		return
	}
	cause := conn.Transport().Err()
	if cause == nil {
		cause = errors.New("connection closed")
	}
	srv.actual = upstream.StateFailing
	srv.lastErr = cause
	srv.conn = nil
	srv.ready = make(chan struct{})
	spec := srv.spec
	srv.mu.Unlock()

	m.registry.UnregisterUpstream(spec.ID)
	m.capsChanged()
	_ = m.connectFailed(m.ctx, srv, gen, spec, cause)
}

// stopServer cooperatively stops one upstream.
func (m *Manager) stopServer(_ context.Context, srv *server) {
	srv.mu.Lock()
	conn := srv.conn
	srv.conn = nil
	if srv.actual == upstream.StateReady || srv.actual == upstream.StateStarting {
		srv.actual = upstream.StateStopping
		srv.ready = make(chan struct{})
	}
	srv.generation++
	srv.mu.Unlock()

	if conn != nil {
		_ = conn.Close()
	}

	srv.mu.Lock()
	srv.actual = upstream.StateStopped
	srv.mu.Unlock()
}

// idleSweeper applies idle policies to ready onDemand upstreams.
func (m *Manager) idleSweeper() {
	defer m.wg.Done()
	ticker := time.NewTicker(idleSweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.ctx.Done():
			return
		case <-ticker.C:
			m.sweepIdle()
		}
	}
}

func (m *Manager) sweepIdle() {
	m.mu.Lock()
	var candidates []*server
	for _, srv := range m.servers {
		if srv.spec.Activation == upstream.PolicyOnDemand && srv.spec.IdlePolicy.Idle > 0 {
			candidates = append(candidates, srv)
		}
	}
	m.mu.Unlock()

	now := time.Now()
	for _, srv := range candidates {
		srv.mu.Lock()
		conn := srv.conn
		ready := srv.actual == upstream.StateReady
		idle := srv.spec.IdlePolicy
		id := srv.spec.ID
		srv.mu.Unlock()
		if !ready || conn == nil {
			continue
		}
		if now.Sub(conn.LastActivity()) < idle.Idle {
			continue
		}

		switch idle.Strategy {
		case upstream.IdleKeepWarm:
			// A ping keeps the connection warm and refreshes activity.
			pingCtx, cancel := context.WithTimeout(m.ctx, m.timeouts.Healthcheck)
			_, _ = conn.Call(pingCtx, mcp.MethodPing, nil)
			cancel()
		default:
			m.logger.Info("idle upstream shut down", "upstream", id, "idle", idle.Idle)
			srv.mu.Lock()
			srv.desired = upstream.DesiredStopped
			srv.mu.Unlock()
			m.stopServer(m.ctx, srv)
			m.registry.UnregisterUpstream(id)
			m.capsChanged()
			m.auditor.Record(m.ctx, audit.Record{
				Timestamp:  time.Now().UTC(),
				Event:      audit.EventServerDeactivated,
				UpstreamID: id,
				Detail:     "idle shutdown",
			})
		}
	}
}

// ReadyConn returns the live connection for a ready upstream without
// triggering activation.
func (m *Manager) ReadyConn(id string) (*Conn, bool) {
	m.mu.Lock()
	srv, ok := m.servers[id]
	m.mu.Unlock()
	if !ok {
		return nil, false
	}
	srv.mu.Lock()
	defer srv.mu.Unlock()
	if srv.actual != upstream.StateReady || srv.conn == nil {
		return nil, false
	}
	return srv.conn, true
}

// RefreshCapabilities refetches a ready upstream's listings and replaces
// its registry entries. Called when an upstream announces list_changed.
func (m *Manager) RefreshCapabilities(ctx context.Context, id string) error {
	m.mu.Lock()
	srv, ok := m.servers[id]
	m.mu.Unlock()
	if !ok {
		return proxy.New(proxy.KindConfig, id, "unknown server")
	}

	conn, ready := m.ReadyConn(id)
	if !ready {
		return proxy.New(proxy.KindTransport, id, "server is not ready")
	}

	fetchCtx, cancel := context.WithTimeout(ctx, m.timeouts.Healthcheck)
	caps, err := conn.FetchCapabilities(fetchCtx, nil)
	cancel()
	if err != nil {
		return err
	}

	srv.mu.Lock()
	spec := srv.spec
	srv.mu.Unlock()
	if err := m.registry.RegisterUpstream(id, caps, capability.Filter{
		Include: spec.Tools.Include,
		Exclude: spec.Tools.Exclude,
		Prefix:  spec.Tools.Prefix,
		Aliases: spec.Tools.Aliases,
	}); err != nil {
		return err
	}

	srv.mu.Lock()
	srv.caps = caps
	srv.mu.Unlock()
	m.capsChanged()
	return nil
}

// Statuses reports every server's runtime state, sorted by id.
func (m *Manager) Statuses() []upstream.Status {
	m.mu.Lock()
	servers := make([]*server, 0, len(m.servers))
	for _, srv := range m.servers {
		servers = append(servers, srv)
	}
	m.mu.Unlock()

	statuses := make([]upstream.Status, 0, len(servers))
	for _, srv := range servers {
		srv.mu.Lock()
		st := upstream.Status{
			ID:           srv.spec.ID,
			Desired:      srv.desired,
			Actual:       srv.actual,
			RetryAfter:   srv.retryAt,
			Activations:  srv.activations,
			Capabilities: srv.caps,
		}
		if srv.lastErr != nil {
			st.LastError = srv.lastErr.Error()
		}
		if srv.conn != nil {
			st.LastActive = srv.conn.LastActivity()
		}
		srv.mu.Unlock()
		statuses = append(statuses, st)
	}
	sort.Slice(statuses, func(i, j int) bool { return statuses[i].ID < statuses[j].ID })
	return statuses
}

// Spec returns the spec for one server, or nil if unknown.
func (m *Manager) Spec(id string) *upstream.Spec {
	m.mu.Lock()
	defer m.mu.Unlock()
	if srv, ok := m.servers[id]; ok {
		return srv.spec
	}
	return nil
}

// IDs lists known server ids, sorted.
func (m *Manager) IDs() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]string, 0, len(m.servers))
	for id := range m.servers {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Stop shuts down every upstream and background goroutine.
func (m *Manager) Stop() {
	m.cancel()

	m.mu.Lock()
	servers := make([]*server, 0, len(m.servers))
	for _, srv := range m.servers {
		servers = append(servers, srv)
	}
	m.mu.Unlock()

	for _, srv := range servers {
		srv.mu.Lock()
		srv.desired = upstream.DesiredStopped
		srv.mu.Unlock()
		m.stopServer(context.Background(), srv)
	}
	m.wg.Wait()
}

// capsChanged fires the registered callback, if any.
func (m *Manager) capsChanged() {
	if m.onCapsChanged != nil {
		m.onCapsChanged()
	}
}
