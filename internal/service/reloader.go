package service

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/hatago-mcp/hatago/internal/config"
	"github.com/hatago-mcp/hatago/internal/domain/audit"
	"github.com/hatago-mcp/hatago/internal/domain/upstream"
)

// Reloader applies config file changes to a running hub: added servers
// are started, removed servers are stopped, and servers whose definition
// fingerprint changed are restarted. Everything else keeps running
// untouched. An invalid file is rejected and the hub stays on the
// last-good config.
type Reloader struct {
	hub     *Hub
	auditor audit.Store
	path    string
	tags    []string
	logger  *slog.Logger

	// backup, when set, copies the config file aside after it is
	// accepted, so operators can roll back the next edit.
	backup func(path string) error

	mu      sync.Mutex
	current *config.Config
}

// NewReloader creates a reloader seeded with the running config.
func NewReloader(hub *Hub, auditor audit.Store, path string, tags []string, current *config.Config, backup func(string) error, logger *slog.Logger) *Reloader {
	if logger == nil {
		logger = slog.Default()
	}
	if auditor == nil {
		auditor = audit.Nop{}
	}
	return &Reloader{
		hub:     hub,
		auditor: auditor,
		path:    path,
		tags:    tags,
		logger:  logger,
		backup:  backup,
		current: current,
	}
}

// Current returns the config the hub is running on.
func (r *Reloader) Current() *config.Config {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.current
}

// Run watches the config file until the context is cancelled.
func (r *Reloader) Run(ctx context.Context) error {
	watcher := config.NewWatcher(r.path, 0, func() {
		if err := r.Reload(ctx); err != nil {
			r.logger.Warn("config reload rejected, keeping previous config",
				"path", r.path, "error", err)
		}
	}, r.logger)
	return watcher.Run(ctx)
}

// Reload loads, validates, and applies the config file. Any load or
// validation error leaves the running config in place.
func (r *Reloader) Reload(ctx context.Context) error {
	next, err := config.Load(r.path)
	if err != nil {
		r.auditError(ctx, err)
		return err
	}
	if err := next.Validate(); err != nil {
		r.auditError(ctx, err)
		return err
	}

	r.auditor.Record(ctx, audit.Record{
		Timestamp: time.Now().UTC(),
		Event:     audit.EventConfigRead,
		Detail:    r.path,
	})

	r.mu.Lock()
	prev := r.current
	r.current = next
	r.mu.Unlock()

	r.apply(ctx, prev, next)

	if r.backup != nil {
		if err := r.backup(r.path); err != nil {
			r.logger.Warn("config backup failed", "error", err)
		}
	}
	return nil
}

// apply diffs the old and new server sets and converges the manager.
// Notifications are suppressed for the whole pass so downstream clients
// see one aggregated list_changed instead of one per server.
func (r *Reloader) apply(ctx context.Context, prev, next *config.Config) {
	release := r.hub.SuppressNotifications()
	defer release()

	prevSpecs := specsByID(prev.Specs(r.tags))
	nextSpecs := specsByID(next.Specs(r.tags))
	manager := r.hub.Manager()

	for id := range prevSpecs {
		if _, keep := nextSpecs[id]; keep {
			continue
		}
		r.logger.Info("upstream removed by reload", "upstream", id)
		manager.RemoveServer(ctx, id)
		r.hub.DropFingerprint(id)
	}

	var wg sync.WaitGroup
	converge := func(spec *upstream.Spec) {
		if spec.Activation != upstream.PolicyAlways {
			return
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := manager.Activate(ctx, spec.ID); err != nil {
				r.logger.Warn("upstream failed to start after reload",
					"upstream", spec.ID, "error", err)
			}
		}()
	}

	for id, spec := range nextSpecs {
		fp := config.Fingerprint(next.MCPServers[id])

		if _, existed := prevSpecs[id]; !existed {
			r.logger.Info("upstream added by reload", "upstream", id)
			if err := manager.AddServer(spec); err != nil {
				r.logger.Warn("added upstream rejected", "upstream", id, "error", err)
				continue
			}
			r.hub.SetFingerprint(id, fp)
			converge(spec)
			continue
		}

		if config.Fingerprint(prev.MCPServers[id]) == fp {
			continue
		}

		r.logger.Info("upstream definition changed, restarting", "upstream", id)
		manager.RemoveServer(ctx, id)
		if err := manager.AddServer(spec); err != nil {
			r.logger.Warn("modified upstream rejected", "upstream", id, "error", err)
			r.hub.DropFingerprint(id)
			continue
		}
		r.hub.SetFingerprint(id, fp)
		r.auditor.Record(ctx, audit.Record{
			Timestamp:  time.Now().UTC(),
			Event:      audit.EventServerModified,
			UpstreamID: id,
		})
		converge(spec)
	}

	wg.Wait()
}

func (r *Reloader) auditError(ctx context.Context, err error) {
	r.auditor.Record(ctx, audit.Record{
		Timestamp: time.Now().UTC(),
		Event:     audit.EventError,
		Detail:    err.Error(),
	})
}

func specsByID(specs []*upstream.Spec) map[string]*upstream.Spec {
	byID := make(map[string]*upstream.Spec, len(specs))
	for _, s := range specs {
		byID[s.ID] = s
	}
	return byID
}
