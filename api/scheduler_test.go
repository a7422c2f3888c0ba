package api

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/warp/credit-engine/credits"
)

type mockSweeper struct{ mock.Mock }

func (m *mockSweeper) RunMonthlyAllocationSweep(ctx context.Context) (credits.SweepResult, error) {
	args := m.Called(ctx)
	return args.Get(0).(credits.SweepResult), args.Error(1)
}

func TestSchedulerRunsImmediatelyOnStart(t *testing.T) {
	sweeper := &mockSweeper{}
	sweeper.On("RunMonthlyAllocationSweep", mock.Anything).
		Return(credits.SweepResult{TotalPrincipals: 3, Eligible: 2, Succeeded: 2}, nil)

	s := NewSweepScheduler(sweeper, time.Hour, zap.NewNop())
	_, ok := s.Last()
	assert.False(t, ok)

	// WHEN: started (twice, the second call is a no-op)
	s.Start(context.Background())
	s.Start(context.Background())

	// THEN: one sweep runs without waiting for the first tick
	require.Eventually(t, func() bool {
		_, ok := s.Last()
		return ok
	}, time.Second, 5*time.Millisecond)
	s.Stop()

	run, _ := s.Last()
	assert.NoError(t, run.Err)
	assert.Equal(t, 2, run.Result.Succeeded)
	sweeper.AssertNumberOfCalls(t, "RunMonthlyAllocationSweep", 1)
}

func TestSchedulerTicks(t *testing.T) {
	var calls atomic.Int32
	sweeper := &mockSweeper{}
	sweeper.On("RunMonthlyAllocationSweep", mock.Anything).
		Run(func(mock.Arguments) { calls.Add(1) }).
		Return(credits.SweepResult{}, nil)

	s := NewSweepScheduler(sweeper, 10*time.Millisecond, nil)
	s.Start(context.Background())
	defer s.Stop()

	assert.Eventually(t, func() bool {
		return calls.Load() >= 3
	}, time.Second, 5*time.Millisecond)
}

func TestSchedulerRecordsFailures(t *testing.T) {
	core, logs := observer.New(zap.ErrorLevel)
	sweeper := &mockSweeper{}
	sweeper.On("RunMonthlyAllocationSweep", mock.Anything).
		Return(credits.SweepResult{}, errors.New("list balances: connection reset"))

	s := NewSweepScheduler(sweeper, time.Hour, zap.New(core))

	_, err := s.RunNow(context.Background())
	require.Error(t, err)

	run, ok := s.Last()
	require.True(t, ok)
	assert.EqualError(t, run.Err, "list balances: connection reset")
	assert.Equal(t, 1, logs.FilterMessage("Scheduled sweep failed").Len())
}

func TestSchedulerStopWithoutStart(t *testing.T) {
	s := NewSweepScheduler(&mockSweeper{}, 0, nil)
	assert.NotPanics(t, s.Stop)
	assert.Equal(t, time.Hour, s.interval)
}
