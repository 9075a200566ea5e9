package sms

import (
	"strings"
	"sync"
)

// PathRegistry maps normalized webhook paths to the ordered list of targets
// willing to receive traffic on them. Provider dashboards often allow only one
// callback URL, so several accounts may share a path; the inbound processor
// tries each target's credentials against one physical request, in
// registration order.
//
// PathRegistry is an explicitly owned instance created via NewPathRegistry
// and passed to components that need it, so test instances never interfere.
type PathRegistry struct {
	mu      sync.RWMutex
	targets map[string][]*WebhookTarget
}

// NewPathRegistry creates an empty PathRegistry.
func NewPathRegistry() *PathRegistry {
	return &PathRegistry{
		targets: map[string][]*WebhookTarget{},
	}
}

// NormalizePath canonicalizes a webhook path: trimmed, leading "/" enforced,
// trailing "/" stripped except for the root path.
func NormalizePath(raw string) string {
	path := strings.TrimSpace(raw)
	if path == "" {
		return ""
	}
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	for len(path) > 1 && strings.HasSuffix(path, "/") {
		path = strings.TrimSuffix(path, "/")
	}
	return path
}

// Register adds a target under its path and returns a function that removes
// exactly that target instance, preserving others sharing the path.
// Registering the same target instance twice is a no-op returning an
// unregister function for the existing registration.
func (r *PathRegistry) Register(target *WebhookTarget) func() {
	if target == nil {
		return func() {}
	}
	path := NormalizePath(target.Path)
	if path == "" {
		return func() {}
	}
	target.Path = path

	r.mu.Lock()
	existing := r.targets[path]
	registered := false
	for _, item := range existing {
		if item == target {
			registered = true
			break
		}
	}
	if !registered {
		next := make([]*WebhookTarget, 0, len(existing)+1)
		next = append(next, existing...)
		next = append(next, target)
		r.targets[path] = next
	}
	r.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			r.unregister(path, target)
		})
	}
}

func (r *PathRegistry) unregister(path string, target *WebhookTarget) {
	r.mu.Lock()
	defer r.mu.Unlock()
	existing := r.targets[path]
	next := make([]*WebhookTarget, 0, len(existing))
	for _, item := range existing {
		if item != target {
			next = append(next, item)
		}
	}
	if len(next) == 0 {
		delete(r.targets, path)
		return
	}
	r.targets[path] = next
}

// Lookup returns the targets registered at the normalized path, in
// registration order. The returned slice is a copy.
func (r *PathRegistry) Lookup(path string) []*WebhookTarget {
	normalized := NormalizePath(path)
	if normalized == "" {
		return nil
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	existing := r.targets[normalized]
	if len(existing) == 0 {
		return nil
	}
	out := make([]*WebhookTarget, len(existing))
	copy(out, existing)
	return out
}

// Paths returns every path with at least one registered target.
func (r *PathRegistry) Paths() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	paths := make([]string, 0, len(r.targets))
	for path := range r.targets {
		paths = append(paths, path)
	}
	return paths
}
