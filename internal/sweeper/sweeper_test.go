package sweeper

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"chunkrelay/internal/session"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type countingExpirer struct {
	mu    sync.Mutex
	calls int
	err   error
}

func (c *countingExpirer) ExpireSessions(context.Context) (session.ExpiryReport, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls++
	return session.ExpiryReport{Expired: []string{"1_alice"}}, c.err
}

func (c *countingExpirer) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls
}

func TestNewRejectsBadInterval(t *testing.T) {
	_, err := New(&countingExpirer{}, 0)
	assert.ErrorIs(t, err, ErrInvalidInterval)
}

func TestStartStop(t *testing.T) {
	s, err := New(&countingExpirer{}, time.Hour)
	require.NoError(t, err)

	assert.ErrorIs(t, s.Stop(), ErrSweeperNotRunning)

	require.NoError(t, s.Start(context.Background()))
	assert.True(t, s.IsRunning())
	assert.ErrorIs(t, s.Start(context.Background()), ErrSweeperAlreadyRunning)

	require.NoError(t, s.Stop())
	assert.False(t, s.IsRunning())

	// Restartable after a stop.
	require.NoError(t, s.Start(context.Background()))
	require.NoError(t, s.Stop())
}

func TestTicksRunExpiry(t *testing.T) {
	expirer := &countingExpirer{}
	s, err := New(expirer, 5*time.Millisecond)
	require.NoError(t, err)

	require.NoError(t, s.Start(context.Background()))
	assert.Eventually(t, func() bool { return expirer.count() >= 3 }, time.Second, time.Millisecond)
	require.NoError(t, s.Stop())

	after := expirer.count()
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, after, expirer.count())
}

func TestErrorsDoNotStopLoop(t *testing.T) {
	expirer := &countingExpirer{err: errors.New("database is locked")}
	s, err := New(expirer, 5*time.Millisecond)
	require.NoError(t, err)

	require.NoError(t, s.Start(context.Background()))
	assert.Eventually(t, func() bool { return expirer.count() >= 2 }, time.Second, time.Millisecond)
	require.NoError(t, s.Stop())

	assert.Equal(t, "database is locked", s.Status().LastErr)
}

func TestContextCancelEndsLoop(t *testing.T) {
	expirer := &countingExpirer{}
	s, err := New(expirer, time.Hour)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, s.Start(ctx))
	cancel()

	// Stop still succeeds and joins the exited loop.
	require.NoError(t, s.Stop())
}

func TestRunOnceRecordsStatus(t *testing.T) {
	s, err := New(&countingExpirer{}, time.Minute)
	require.NoError(t, err)

	report, err := s.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"1_alice"}, report.Expired)

	st := s.Status()
	assert.Equal(t, 1, st.Runs)
	assert.False(t, st.Running)
	assert.Equal(t, time.Minute, st.Interval)
	assert.False(t, st.LastRun.IsZero())
	assert.Equal(t, report, st.Last)
}
