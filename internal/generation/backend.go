// Package generation produces free-text replies through a pool of
// interchangeable language-model backends.
package generation

import (
	"context"
	"sort"
	"sync/atomic"
	"time"

	"clinic-assistant/internal/domain"
)

// Provider is the wire client behind one backend.
type Provider interface {
	Complete(ctx context.Context, req domain.CompletionRequest) (domain.Completion, error)
	// Probe is a cheap liveness check. Only local backends are probed.
	Probe(ctx context.Context) error
}

// Backend pairs a descriptor with its provider and mutable health.
type Backend struct {
	desc     domain.BackendDescriptor
	provider Provider

	healthy   atomic.Bool
	lastCheck atomic.Int64
}

// NewBackend starts local backends unhealthy until the first probe; hosted
// backends are healthy whenever a key is configured.
func NewBackend(desc domain.BackendDescriptor, provider Provider) *Backend {
	b := &Backend{desc: desc, provider: provider}
	if !desc.Type.Local() {
		b.healthy.Store(desc.APIKey != "")
		b.lastCheck.Store(time.Now().UnixNano())
	}
	return b
}

func (b *Backend) ID() string                           { return b.desc.ID }
func (b *Backend) Descriptor() domain.BackendDescriptor { return b.desc }
func (b *Backend) Local() bool                          { return b.desc.Type.Local() }
func (b *Backend) Healthy() bool                        { return b.healthy.Load() }

// LastHealthCheck is zero until the first probe.
func (b *Backend) LastHealthCheck() time.Time {
	n := b.lastCheck.Load()
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n)
}

func (b *Backend) setHealth(ok bool, at time.Time) {
	b.healthy.Store(ok)
	b.lastCheck.Store(at.UnixNano())
}

// BackendStatus is the admin view of a backend. Keys are never exposed.
type BackendStatus struct {
	ID              string    `json:"id"`
	Name            string    `json:"name"`
	Type            string    `json:"type"`
	Endpoint        string    `json:"endpoint"`
	Model           string    `json:"model"`
	Priority        int       `json:"priority"`
	Local           bool      `json:"local"`
	Healthy         bool      `json:"healthy"`
	HasAPIKey       bool      `json:"hasApiKey"`
	LastHealthCheck time.Time `json:"lastHealthCheck"`
}

// Status snapshots the backend.
func (b *Backend) Status() BackendStatus {
	return BackendStatus{
		ID:              b.desc.ID,
		Name:            b.desc.Name,
		Type:            string(b.desc.Type),
		Endpoint:        b.desc.Endpoint,
		Model:           b.desc.Model,
		Priority:        b.desc.Priority,
		Local:           b.Local(),
		Healthy:         b.Healthy(),
		HasAPIKey:       b.desc.APIKey != "",
		LastHealthCheck: b.LastHealthCheck(),
	}
}

func sortByPriority(backends []*Backend) {
	sort.SliceStable(backends, func(i, j int) bool {
		return backends[i].desc.Priority < backends[j].desc.Priority
	})
}
