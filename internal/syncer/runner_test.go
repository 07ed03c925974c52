package syncer

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type scriptedPasser struct {
	mu      sync.Mutex
	results []Result
	calls   int
}

func (s *scriptedPasser) Run(context.Context, Options) Result {
	s.mu.Lock()
	defer s.mu.Unlock()
	result := s.results[min(s.calls, len(s.results)-1)]
	s.calls++
	return result
}

func transient(message string) Result {
	return Result{Status: StatusError, Message: message, Retryable: true, Err: errors.New(message)}
}

func newTestRunner(t *testing.T, passer Passer) *Runner {
	t.Helper()
	runner, err := NewRunner(RunnerConfig{Engine: passer, MaxAttempts: 3, RetryDelay: time.Millisecond})
	require.NoError(t, err)
	return runner
}

func TestRunnerRetriesTransientErrorsUpToTheBound(t *testing.T) {
	passer := &scriptedPasser{results: []Result{transient("first"), transient("second"), transient("third")}}
	result := newTestRunner(t, passer).Run(context.Background(), Options{})

	require.Equal(t, StatusError, result.Status)
	require.Equal(t, "third", result.Message)
	require.Equal(t, 3, result.Attempts)
	require.Equal(t, 3, passer.calls)
}

func TestRunnerStopsOnSuccessAfterTransientError(t *testing.T) {
	passer := &scriptedPasser{results: []Result{transient("blip"), {Status: StatusSuccess, Message: "pushed 1, received 0"}}}
	result := newTestRunner(t, passer).Run(context.Background(), Options{})

	require.Equal(t, StatusSuccess, result.Status)
	require.Equal(t, 2, result.Attempts)
}

func TestRunnerDoesNotRetryTerminalOutcomes(t *testing.T) {
	outcomes := []Result{
		{Status: StatusSuccess},
		{Status: StatusConflict, Conflicts: []Conflict{{Table: "devices", UUID: "d-1"}}},
		{Status: StatusAlreadyRunning},
		{Status: StatusError, Message: "disk full", Err: errors.New("disk full")},
	}
	for _, outcome := range outcomes {
		passer := &scriptedPasser{results: []Result{outcome, {Status: StatusSuccess}}}
		result := newTestRunner(t, passer).Run(context.Background(), Options{})
		require.Equal(t, outcome.Status, result.Status)
		require.Equal(t, 1, passer.calls, "status %s", outcome.Status)
	}
}

func TestRunnerStartDeliversOneResult(t *testing.T) {
	passer := &scriptedPasser{results: []Result{{Status: StatusSuccess, Message: "nothing to synchronize"}}}
	outcome := newTestRunner(t, passer).Start(context.Background(), Options{})

	select {
	case result := <-outcome:
		require.Equal(t, StatusSuccess, result.Status)
	case <-time.After(5 * time.Second):
		t.Fatal("no result delivered")
	}
	_, open := <-outcome
	require.False(t, open)
}

func TestRunnerReportsCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	passer := &scriptedPasser{results: []Result{{Status: StatusSuccess}}}
	result := newTestRunner(t, passer).Run(ctx, Options{})

	require.Equal(t, StatusError, result.Status)
	require.ErrorIs(t, result.Err, context.Canceled)
	require.Zero(t, passer.calls)
}

func TestNewRunnerAppliesDefaults(t *testing.T) {
	_, err := NewRunner(RunnerConfig{})
	require.Error(t, err)

	runner, err := NewRunner(RunnerConfig{Engine: &scriptedPasser{}})
	require.NoError(t, err)
	require.Equal(t, 3, runner.maxAttempts)
	require.Equal(t, 10*time.Second, runner.delay)
}
