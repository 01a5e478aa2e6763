package api

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rsprolipsi/sigma-engine/compensation"
	"github.com/rsprolipsi/sigma-engine/generic"
	"github.com/rsprolipsi/sigma-engine/observability/logging"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

type fakeCloser struct {
	mu     sync.Mutex
	now    generic.TimePoint
	calls  []generic.PeriodID
	failed map[generic.MemberID]string
	err    error
}

func (f *fakeCloser) Now() generic.TimePoint { return f.now }

func (f *fakeCloser) ClosePeriod(_ context.Context, id generic.PeriodID) (*compensation.PeriodResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, id)
	if f.err != nil {
		return nil, f.err
	}
	return &compensation.PeriodResult{Period: id, Closed: []generic.MemberID{"a"}, Failed: f.failed}, nil
}

func (f *fakeCloser) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func newFakeCloser() *fakeCloser {
	return &fakeCloser{now: generic.At(time.Date(2025, time.April, 2, 0, 0, 0, 0, time.UTC))}
}

func TestClosingScheduler_ClosesPreviousPeriodOnce(t *testing.T) {
	// GIVEN: It is April
	// WHEN: The scheduler runs twice
	// THEN: March is closed once; the second run finds nothing due

	closer := newFakeCloser()
	cs := NewClosingScheduler(closer, logging.Discard())

	res := cs.RunNow(context.Background())
	require.NotNil(t, res)
	assert.Equal(t, generic.PeriodID("2025-03"), res.Period)
	assert.Equal(t, generic.PeriodID("2025-03"), cs.LastClosed())

	assert.Nil(t, cs.RunNow(context.Background()))
	assert.Equal(t, 1, closer.callCount())
}

func TestClosingScheduler_RetriesAfterFailures(t *testing.T) {
	closer := newFakeCloser()
	closer.failed = map[generic.MemberID]string{"b": "placement tree unavailable"}
	cs := NewClosingScheduler(closer, logging.Discard())

	cs.RunNow(context.Background())
	assert.Empty(t, cs.LastClosed())

	closer.failed = nil
	cs.RunNow(context.Background())
	assert.Equal(t, generic.PeriodID("2025-03"), cs.LastClosed())
	assert.Equal(t, 2, closer.callCount())

	closer.err = errors.New("store down")
	closer.now = generic.At(time.Date(2025, time.May, 1, 0, 0, 0, 0, time.UTC))
	assert.Nil(t, cs.RunNow(context.Background()))
	assert.Equal(t, generic.PeriodID("2025-03"), cs.LastClosed())
}

func TestClosingScheduler_StartStopLeavesNoGoroutines(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	closer := newFakeCloser()
	cs := NewClosingScheduler(closer, logging.Discard())
	cs.CheckInterval = 10 * time.Millisecond

	cs.Start()
	cs.Start()
	require.Eventually(t, func() bool { return closer.callCount() >= 1 }, time.Second, 5*time.Millisecond)
	cs.Stop()
	cs.Stop()

	assert.Equal(t, 1, closer.callCount(), "a closed period is not closed again")
}

func TestClosingScheduler_Disabled(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	closer := newFakeCloser()
	cs := NewClosingScheduler(closer, logging.Discard())
	cs.Enabled = false

	cs.Start()
	cs.Stop()
	assert.Zero(t, closer.callCount())
}
