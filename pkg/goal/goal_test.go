package goal

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teslashibe/walkie-go/pkg/transport"
)

func newTracker(cancels *atomic.Int32) *Tracker {
	return NewTracker(func() error {
		cancels.Add(1)
		return nil
	}, slog.Default())
}

func resolve(s transport.Status) Call {
	return func(context.Context, transport.FeedbackFunc, time.Duration) (transport.ActionResult, error) {
		return transport.ActionResult{Status: s, Result: transport.Message{"ok": s == transport.StatusSucceeded}}, nil
	}
}

func TestApply(t *testing.T) {
	o := Apply()
	assert.True(t, o.Blocking)
	assert.Zero(t, o.Timeout)

	var got transport.Message
	o = Apply(NonBlocking(), Timeout(3*time.Second), Feedback(func(m transport.Message) { got = m }))
	assert.False(t, o.Blocking)
	assert.Equal(t, 3*time.Second, o.Timeout)
	o.Feedback(transport.Message{"d": 1})
	assert.Equal(t, transport.Message{"d": 1}, got)
}

func TestRunBlocking(t *testing.T) {
	var cancels atomic.Int32
	tr := newTracker(&cancels)
	defer tr.Close()
	assert.Empty(t, tr.Status())

	for _, s := range []transport.Status{transport.StatusSucceeded, transport.StatusCanceled, transport.StatusFailed} {
		got, err := tr.Run(context.Background(), "act", Apply(), resolve(s))
		require.NoError(t, err)
		assert.Equal(t, s, got)
		assert.Equal(t, s, tr.Status())
	}

	got, err := tr.Run(context.Background(), "act", Apply(), resolve(transport.StatusUnknown))
	require.NoError(t, err)
	assert.Equal(t, transport.StatusFailed, got, "non-terminal outcomes are failures")
	assert.Zero(t, cancels.Load())
}

func TestRunPassesTimeoutAndFeedback(t *testing.T) {
	var cancels atomic.Int32
	tr := newTracker(&cancels)
	defer tr.Close()

	var seen []transport.Message
	_, err := tr.Run(context.Background(), "act", Apply(Timeout(time.Minute), Feedback(func(m transport.Message) { seen = append(seen, m) })),
		func(_ context.Context, fb transport.FeedbackFunc, timeout time.Duration) (transport.ActionResult, error) {
			assert.Equal(t, time.Minute, timeout)
			fb(transport.Message{"remaining": 2.0})
			return transport.ActionResult{Status: transport.StatusSucceeded}, nil
		})
	require.NoError(t, err)
	assert.Len(t, seen, 1)
}

func TestRunTimeoutCancels(t *testing.T) {
	var cancels atomic.Int32
	tr := newTracker(&cancels)
	defer tr.Close()

	s, err := tr.Run(context.Background(), "act", Apply(Timeout(time.Second)),
		func(context.Context, transport.FeedbackFunc, time.Duration) (transport.ActionResult, error) {
			return transport.ActionResult{}, &transport.TimeoutError{Op: "action", Name: "act", Timeout: time.Second}
		})
	require.Error(t, err)
	assert.True(t, transport.IsTimeout(err))
	assert.Equal(t, transport.StatusFailed, s)
	assert.Equal(t, transport.StatusFailed, tr.Status())
	assert.EqualValues(t, 1, cancels.Load())
}

func TestRunOtherErrorsDegrade(t *testing.T) {
	var cancels atomic.Int32
	tr := newTracker(&cancels)
	defer tr.Close()

	s, err := tr.Run(context.Background(), "act", Apply(),
		func(context.Context, transport.FeedbackFunc, time.Duration) (transport.ActionResult, error) {
			return transport.ActionResult{}, errors.New("socket closed")
		})
	assert.NoError(t, err)
	assert.Equal(t, transport.StatusFailed, s)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	s, err = tr.Run(ctx, "act", Apply(),
		func(ctx context.Context, _ transport.FeedbackFunc, _ time.Duration) (transport.ActionResult, error) {
			return transport.ActionResult{}, ctx.Err()
		})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, transport.StatusFailed, s)
	assert.Zero(t, cancels.Load())
}

func TestRunNonBlocking(t *testing.T) {
	var cancels atomic.Int32
	tr := newTracker(&cancels)
	defer tr.Close()

	release := make(chan struct{})
	s, err := tr.Run(context.Background(), "act", Apply(NonBlocking()),
		func(context.Context, transport.FeedbackFunc, time.Duration) (transport.ActionResult, error) {
			<-release
			return transport.ActionResult{Status: transport.StatusSucceeded, Result: transport.Message{"x": 1}}, nil
		})
	require.NoError(t, err)
	assert.Equal(t, transport.StatusInProgress, s)
	assert.Equal(t, transport.StatusInProgress, tr.Status())

	close(release)
	assert.Eventually(t, func() bool { return tr.Status() == transport.StatusSucceeded }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, transport.Message{"x": 1}, tr.Result())
}

func TestSetDiscardsLateResult(t *testing.T) {
	var cancels atomic.Int32
	tr := newTracker(&cancels)

	release := make(chan struct{})
	_, err := tr.Run(context.Background(), "act", Apply(NonBlocking()),
		func(context.Context, transport.FeedbackFunc, time.Duration) (transport.ActionResult, error) {
			<-release
			return transport.ActionResult{Status: transport.StatusCanceled}, nil
		})
	require.NoError(t, err)

	tr.Set(StatusStopped)
	close(release)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, tr.Wait(ctx))
	assert.Equal(t, StatusStopped, tr.Status())
	tr.Close()
}

func TestCloseAbandonsBackgroundGoals(t *testing.T) {
	var cancels atomic.Int32
	tr := newTracker(&cancels)

	_, err := tr.Run(context.Background(), "act", Apply(NonBlocking()),
		func(ctx context.Context, _ transport.FeedbackFunc, _ time.Duration) (transport.ActionResult, error) {
			<-ctx.Done()
			return transport.ActionResult{}, ctx.Err()
		})
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		tr.Close()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Close did not return")
	}
	assert.Equal(t, transport.StatusFailed, tr.Status())
}
