package scheduling

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestSchedulerStartStop(t *testing.T) {
	s := NewScheduler(newTestLogger())
	require.NoError(t, s.Start(context.Background()))
	require.NoError(t, s.Start(context.Background()))
	require.NoError(t, s.Stop())
	require.NoError(t, s.Stop())
}

func TestSchedulerActionFires(t *testing.T) {
	var count atomic.Int32

	s := NewScheduler(newTestLogger())
	s.RegisterAction(ActionHealthCheck, func(ctx context.Context) error {
		count.Add(1)
		return nil
	})
	require.NoError(t, s.AddJob(Job{Name: "health", Schedule: "20ms", Action: ActionHealthCheck}))

	require.NoError(t, s.Start(context.Background()))
	defer s.Stop()

	assert.Eventually(t, func() bool { return count.Load() >= 2 }, 2*time.Second, 10*time.Millisecond)
}

func TestSchedulerFailingJobKeepsRunning(t *testing.T) {
	var count atomic.Int32

	s := NewScheduler(newTestLogger())
	s.RegisterAction(ActionTelemetryReport, func(ctx context.Context) error {
		count.Add(1)
		return errors.New("report sink down")
	})
	require.NoError(t, s.AddJob(Job{Name: "telemetry", Schedule: "20ms", Action: ActionTelemetryReport}))

	require.NoError(t, s.Start(context.Background()))
	defer s.Stop()

	assert.Eventually(t, func() bool { return count.Load() >= 2 }, 2*time.Second, 10*time.Millisecond)
}

func TestSchedulerAddJobErrors(t *testing.T) {
	s := NewScheduler(newTestLogger())
	s.RegisterAction(ActionHealthCheck, func(ctx context.Context) error { return nil })

	assert.Error(t, s.AddJob(Job{Name: "x", Schedule: "1s", Action: "does_not_exist"}))
	assert.Error(t, s.AddJob(Job{Name: "bad", Schedule: "soon", Action: ActionHealthCheck}))

	require.NoError(t, s.AddJob(Job{Name: "dup", Schedule: "1s", Action: ActionHealthCheck}))
	assert.Error(t, s.AddJob(Job{Name: "dup", Schedule: "2s", Action: ActionHealthCheck}))
}

func TestSchedulerStopCancelsRunningJob(t *testing.T) {
	started := make(chan struct{}, 1)
	var cancelled atomic.Bool

	s := NewScheduler(newTestLogger())
	s.RegisterAction(ActionHealthCheck, func(ctx context.Context) error {
		select {
		case started <- struct{}{}:
		default:
		}
		<-ctx.Done()
		cancelled.Store(true)
		return ctx.Err()
	})
	require.NoError(t, s.AddJob(Job{Name: "slow", Schedule: "10ms", Action: ActionHealthCheck, Timeout: time.Minute}))
	require.NoError(t, s.Start(context.Background()))

	select {
	case <-started:
	case <-time.After(2 * time.Second):
		t.Fatal("job never started")
	}
	require.NoError(t, s.Stop())
	assert.True(t, cancelled.Load())
}

func TestSchedulerNextRun(t *testing.T) {
	s := NewScheduler(newTestLogger())
	s.RegisterAction(ActionHealthCheck, func(ctx context.Context) error { return nil })
	require.NoError(t, s.AddJob(Job{Name: "health", Schedule: "1h", Action: ActionHealthCheck}))

	_, ok := s.NextRun("missing")
	assert.False(t, ok)

	require.NoError(t, s.Start(context.Background()))
	defer s.Stop()

	require.Eventually(t, func() bool {
		next, ok := s.NextRun("health")
		return ok && !next.IsZero()
	}, time.Second, 10*time.Millisecond)
	next, _ := s.NextRun("health")
	assert.WithinDuration(t, time.Now().Add(time.Hour), next, 5*time.Second)
}

func TestParseSchedule(t *testing.T) {
	tests := []struct {
		input   string
		wantErr bool
	}{
		{"*/5 * * * *", false},
		{"@hourly", false},
		{"30s", false},
		{"250ms", false},
		{"", true},
		{"-5s", true},
		{"0s", true},
		{"whenever", true},
	}
	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			_, err := ParseSchedule(tt.input)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			assert.NoError(t, err)
		})
	}
}

func TestConstantDelayKeepsSubSecondPrecision(t *testing.T) {
	sched, err := ParseSchedule("250ms")
	require.NoError(t, err)
	now := time.Now()
	assert.Equal(t, now.Add(250*time.Millisecond), sched.Next(now))
}
