package takeover

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"clinic-assistant/internal/domain"
)

type statusCall struct {
	sessionID string
	status    domain.SessionStatus
	at        time.Time
}

type fakeStatusWriter struct {
	calls []statusCall
	err   error
}

func (f *fakeStatusWriter) UpdateSessionStatus(_ context.Context, sessionID string, status domain.SessionStatus, at time.Time) error {
	if f.err != nil {
		return f.err
	}
	f.calls = append(f.calls, statusCall{sessionID: sessionID, status: status, at: at})
	return nil
}

type fakeClock struct{ now time.Time }

func (c *fakeClock) Now() time.Time { return c.now }
func (c *fakeClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

func newTestCoordinator(t *testing.T, store StatusWriter, clock *fakeClock) *Coordinator {
	t.Helper()
	c, err := New(store, WithClock(clock.Now))
	require.NoError(t, err)
	return c
}

func TestNew_NilStore(t *testing.T) {
	_, err := New(nil)
	require.Error(t, err)
}

func TestTakeover_ActiveThenAutoReleased(t *testing.T) {
	store := &fakeStatusWriter{}
	clock := &fakeClock{now: time.Date(2026, 10, 18, 10, 0, 0, 0, time.UTC)}
	c := newTestCoordinator(t, store, clock)
	session := &domain.Session{ID: "acme#1", Status: domain.StatusActive}

	require.NoError(t, c.Set(context.Background(), session))
	require.Equal(t, domain.StatusWaitingHuman, session.Status)
	require.Equal(t, clock.now.Add(30*time.Minute), c.ExpiresAt(*session))

	active, err := c.IsActive(context.Background(), session)
	require.NoError(t, err)
	require.True(t, active)

	clock.Advance(29*time.Minute + 59*time.Second)
	active, err = c.IsActive(context.Background(), session)
	require.NoError(t, err)
	require.True(t, active)

	clock.Advance(time.Second)
	active, err = c.IsActive(context.Background(), session)
	require.NoError(t, err)
	require.False(t, active)
	require.Equal(t, domain.StatusActive, session.Status)
	require.True(t, session.TakeoverAt.IsZero())

	require.Len(t, store.calls, 2)
	require.Equal(t, domain.StatusActive, store.calls[1].status)
	require.Equal(t, clock.now, store.calls[1].at)
}

func TestTakeover_SetReanchorsWindow(t *testing.T) {
	clock := &fakeClock{now: time.Date(2026, 10, 18, 10, 0, 0, 0, time.UTC)}
	c := newTestCoordinator(t, &fakeStatusWriter{}, clock)
	session := &domain.Session{ID: "acme#1", Status: domain.StatusActive}

	require.NoError(t, c.Set(context.Background(), session))
	clock.Advance(20 * time.Minute)
	require.NoError(t, c.Set(context.Background(), session))
	clock.Advance(20 * time.Minute)

	active, err := c.IsActive(context.Background(), session)
	require.NoError(t, err)
	require.True(t, active)
}

func TestTakeover_ExplicitRelease(t *testing.T) {
	clock := &fakeClock{now: time.Date(2026, 10, 18, 10, 0, 0, 0, time.UTC)}
	c := newTestCoordinator(t, &fakeStatusWriter{}, clock)
	session := &domain.Session{ID: "acme#1"}

	require.NoError(t, c.Set(context.Background(), session))
	require.NoError(t, c.Release(context.Background(), session))

	active, err := c.IsActive(context.Background(), session)
	require.NoError(t, err)
	require.False(t, active)
	require.True(t, c.ExpiresAt(*session).IsZero())
}

func TestTakeover_FallsBackToUpdatedAt(t *testing.T) {
	clock := &fakeClock{now: time.Date(2026, 10, 18, 10, 0, 0, 0, time.UTC)}
	c := newTestCoordinator(t, &fakeStatusWriter{}, clock)
	session := &domain.Session{ID: "acme#1", Status: domain.StatusWaitingHuman, UpdatedAt: clock.now.Add(-31 * time.Minute)}

	active, err := c.IsActive(context.Background(), session)
	require.NoError(t, err)
	require.False(t, active)
}

func TestTakeover_StoreErrorLeavesSessionUntouched(t *testing.T) {
	clock := &fakeClock{now: time.Date(2026, 10, 18, 10, 0, 0, 0, time.UTC)}
	c := newTestCoordinator(t, &fakeStatusWriter{err: errors.New("throttled")}, clock)
	session := &domain.Session{ID: "acme#1", Status: domain.StatusActive}

	err := c.Set(context.Background(), session)
	require.ErrorContains(t, err, "throttled")
	require.Equal(t, domain.StatusActive, session.Status)
}
