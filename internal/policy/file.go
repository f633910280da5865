package policy

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"gopkg.in/yaml.v3"
)

// File is the declarative policy document: the provider fleet plus one
// policy per tenant. Trust anchors arrive already validated; the loader
// only checks they parse.
type File struct {
	Providers []ProviderSpec  `yaml:"providers"`
	Tenants   []*TenantPolicy `yaml:"tenants"`
}

// LoadFile parses and validates the YAML policy file.
func LoadFile(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read policy file: %w", err)
	}

	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to parse policy file: %w", err)
	}

	if len(f.Providers) == 0 {
		return nil, fmt.Errorf("policy file names no providers")
	}
	seen := make(map[string]bool)
	for _, spec := range f.Providers {
		if err := spec.validate(); err != nil {
			return nil, err
		}
		if seen[spec.ID] {
			return nil, fmt.Errorf("duplicate provider id %q", spec.ID)
		}
		seen[spec.ID] = true
	}

	for _, t := range f.Tenants {
		if err := t.Validate(); err != nil {
			return nil, err
		}
		for _, id := range t.Providers {
			if !seen[id] {
				return nil, fmt.Errorf("tenant %s references unknown provider %q", t.TenantID, id)
			}
		}
	}

	return &f, nil
}

// Reloader polls the policy file mtime and appends changed tenant policies
// as new versions. Provider fleet changes require a restart. The mutex
// serializes the poll loop against the admin reload endpoint.
type Reloader struct {
	path     string
	interval time.Duration
	store    *Store
	logger   *slog.Logger

	mu      sync.Mutex
	lastMod time.Time
}

// NewReloader creates a hot-reload loop for the policy file.
func NewReloader(path string, interval time.Duration, store *Store, logger *slog.Logger) *Reloader {
	return &Reloader{path: path, interval: interval, store: store, logger: logger}
}

// Start polls until the context is cancelled.
func (r *Reloader) Start(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	if info, err := os.Stat(r.path); err == nil {
		r.mu.Lock()
		r.lastMod = info.ModTime()
		r.mu.Unlock()
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := r.ReloadIfChanged(ctx); err != nil {
				r.logger.Error("policy reload failed", slog.String("error", err.Error()))
			}
		}
	}
}

// ReloadIfChanged reloads the file when its mtime moved since the last
// reload. Used by the poll loop.
func (r *Reloader) ReloadIfChanged(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	info, err := os.Stat(r.path)
	if err != nil {
		return err
	}
	if !info.ModTime().After(r.lastMod) {
		return nil
	}
	return r.reload(ctx, info.ModTime())
}

// ForceReload reloads the file regardless of its mtime. Used by the policy
// API's explicit reload endpoint, which must pick up same-second rewrites
// the mtime gate would skip.
func (r *Reloader) ForceReload(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	info, err := os.Stat(r.path)
	if err != nil {
		return err
	}
	return r.reload(ctx, info.ModTime())
}

// reload loads the file unconditionally. Callers hold the mutex.
func (r *Reloader) reload(ctx context.Context, modTime time.Time) error {
	f, err := LoadFile(r.path)
	if err != nil {
		return err
	}
	if err := r.store.Replace(ctx, f.Tenants); err != nil {
		return err
	}
	r.lastMod = modTime
	r.logger.Info("tenant policies reloaded",
		slog.Int("tenants", len(f.Tenants)),
		slog.Time("mtime", modTime))
	return nil
}
