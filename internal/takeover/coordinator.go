// Package takeover suppresses automated replies while a human operator is
// handling a conversation.
package takeover

import (
	"context"
	"errors"
	"fmt"
	"time"

	"clinic-assistant/internal/domain"
)

// DefaultWindow is how long automation stays silent after an operator reply.
const DefaultWindow = 30 * time.Minute

// StatusWriter persists session status changes.
type StatusWriter interface {
	UpdateSessionStatus(ctx context.Context, sessionID string, status domain.SessionStatus, at time.Time) error
}

// Coordinator mutates the session it is given and persists the change.
type Coordinator struct {
	store  StatusWriter
	window time.Duration
	now    func() time.Time
}

// Option configures a Coordinator.
type Option func(*Coordinator)

func WithWindow(d time.Duration) Option {
	return func(c *Coordinator) {
		if d > 0 {
			c.window = d
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(c *Coordinator) { c.now = now }
}

func New(store StatusWriter, opts ...Option) (*Coordinator, error) {
	if store == nil {
		return nil, errors.New("takeover: status writer must not be nil")
	}
	c := &Coordinator{store: store, window: DefaultWindow, now: time.Now}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Set marks the session as handled by a human. Every call re-anchors the
// window at now.
func (c *Coordinator) Set(ctx context.Context, s *domain.Session) error {
	return c.transition(ctx, s, domain.StatusWaitingHuman)
}

// Release hands the session back to automation regardless of the timer.
func (c *Coordinator) Release(ctx context.Context, s *domain.Session) error {
	return c.transition(ctx, s, domain.StatusActive)
}

// IsActive reports whether automation is suppressed. A takeover whose window
// has elapsed is released as a side effect and reported inactive.
func (c *Coordinator) IsActive(ctx context.Context, s *domain.Session) (bool, error) {
	if s.Status != domain.StatusWaitingHuman {
		return false, nil
	}
	if c.now().Sub(c.anchor(s)) < c.window {
		return true, nil
	}
	if err := c.Release(ctx, s); err != nil {
		return false, err
	}
	return false, nil
}

// ExpiresAt is when the current takeover lapses, or zero when none is set.
func (c *Coordinator) ExpiresAt(s domain.Session) time.Time {
	if s.Status != domain.StatusWaitingHuman {
		return time.Time{}
	}
	return c.anchor(&s).Add(c.window)
}

func (c *Coordinator) anchor(s *domain.Session) time.Time {
	if !s.TakeoverAt.IsZero() {
		return s.TakeoverAt
	}
	return s.UpdatedAt
}

func (c *Coordinator) transition(ctx context.Context, s *domain.Session, status domain.SessionStatus) error {
	now := c.now()
	if err := c.store.UpdateSessionStatus(ctx, s.ID, status, now); err != nil {
		return fmt.Errorf("takeover: set %s on %s: %w", status, s.ID, err)
	}
	s.Status = status
	s.UpdatedAt = now
	if status == domain.StatusWaitingHuman {
		s.TakeoverAt = now
	} else {
		s.TakeoverAt = time.Time{}
	}
	return nil
}
