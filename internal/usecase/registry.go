package usecase

import (
	"context"
	"sync"

	"golang.org/x/sync/singleflight"
)

// Registry lazily creates one Engine per tenant and keeps it for the life of
// the process.
type Registry struct {
	deps Dependencies
	opts []Option
	init func(ctx context.Context, tenantID string, deps Dependencies, opts ...Option) (*Engine, error)

	mu      sync.RWMutex
	engines map[string]*Engine
	closed  bool
	group   singleflight.Group
}

func NewRegistry(deps Dependencies, opts ...Option) (*Registry, error) {
	if err := deps.validate(); err != nil {
		return nil, err
	}
	return &Registry{
		deps:    deps,
		opts:    opts,
		init:    Initialize,
		engines: map[string]*Engine{},
	}, nil
}

// Engine returns the tenant's engine, initializing it on first use.
// Concurrent first requests share one initialization, which is not cancelled
// when a single caller gives up.
func (r *Registry) Engine(ctx context.Context, tenantID string) (*Engine, error) {
	r.mu.RLock()
	e, ok := r.engines[tenantID]
	closed := r.closed
	r.mu.RUnlock()
	if closed {
		return nil, newError(ErrorUnavailable, "registry_shut_down", nil)
	}
	if ok {
		return e, nil
	}

	v, err, _ := r.group.Do(tenantID, func() (any, error) {
		r.mu.RLock()
		e, ok := r.engines[tenantID]
		r.mu.RUnlock()
		if ok {
			return e, nil
		}
		e, err := r.init(context.WithoutCancel(ctx), tenantID, r.deps, r.opts...)
		if err != nil {
			return nil, err
		}
		r.mu.Lock()
		defer r.mu.Unlock()
		if r.closed {
			go e.Shutdown()
			return nil, newError(ErrorUnavailable, "registry_shut_down", nil)
		}
		r.engines[tenantID] = e
		return e, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Engine), nil
}

// Shutdown stops every engine created so far.
func (r *Registry) Shutdown() {
	r.mu.Lock()
	r.closed = true
	engines := make([]*Engine, 0, len(r.engines))
	for _, e := range r.engines {
		engines = append(engines, e)
	}
	r.mu.Unlock()

	var wg sync.WaitGroup
	for _, e := range engines {
		wg.Add(1)
		go func() {
			defer wg.Done()
			e.Shutdown()
		}()
	}
	wg.Wait()
}
