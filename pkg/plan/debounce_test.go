package plan

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace"
)

func TestDebouncer_CollapsesBurst(t *testing.T) {
	var calls int32
	d := NewDebouncer(func(ctx context.Context, req int) (string, error) {
		atomic.AddInt32(&calls, 1)
		return "done", nil
	}, DebounceOptions{Window: 100 * time.Millisecond})

	var wg sync.WaitGroup
	results := make([]string, 5)
	errs := make([]error, 5)
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = d.Invoke(context.Background(), i)
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
	for i := range results {
		assert.NoError(t, errs[i])
		assert.Equal(t, "done", results[i])
	}
}

func TestDebouncer_SendsLatestRequest(t *testing.T) {
	var got int32
	d := NewDebouncer(func(ctx context.Context, req int) (int, error) {
		atomic.StoreInt32(&got, int32(req))
		return req, nil
	}, DebounceOptions{Window: 200 * time.Millisecond})

	first := make(chan int, 1)
	go func() {
		res, _ := d.Invoke(context.Background(), 1)
		first <- res
	}()
	require.Eventually(t, d.Pending, time.Second, time.Millisecond)

	res, err := d.Invoke(context.Background(), 2)
	require.NoError(t, err)
	assert.Equal(t, 2, res)
	assert.Equal(t, 2, <-first)
	assert.Equal(t, int32(2), atomic.LoadInt32(&got))
}

func TestDebouncer_ErrorReachesEveryCaller(t *testing.T) {
	boom := errors.New("boom")
	d := NewDebouncer(func(ctx context.Context, req int) (int, error) {
		return 0, boom
	}, DebounceOptions{Window: 20 * time.Millisecond})

	var wg sync.WaitGroup
	errs := make([]error, 3)
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = d.Invoke(context.Background(), i)
		}(i)
	}
	wg.Wait()

	for _, err := range errs {
		assert.ErrorIs(t, err, boom)
		assert.False(t, IsSuperseded(err))
	}
}

func TestDebouncer_CancelDropsPendingCall(t *testing.T) {
	var calls int32
	d := NewDebouncer(func(ctx context.Context, req int) (int, error) {
		atomic.AddInt32(&calls, 1)
		return req, nil
	}, DebounceOptions{Window: 50 * time.Millisecond})

	errc := make(chan error, 1)
	go func() {
		_, err := d.Invoke(context.Background(), 1)
		errc <- err
	}()
	require.Eventually(t, d.Pending, time.Second, time.Millisecond)

	d.Cancel()

	err := <-errc
	assert.True(t, IsSuperseded(err))
	assert.False(t, d.Pending())

	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, int32(0), atomic.LoadInt32(&calls))
}

func TestDebouncer_NewCallSupersedesInFlight(t *testing.T) {
	started := make(chan struct{}, 1)
	d := NewDebouncer(func(ctx context.Context, req string) (string, error) {
		if req == "slow" {
			started <- struct{}{}
			<-ctx.Done()
			return "", ctx.Err()
		}
		return req, nil
	}, DebounceOptions{Window: 20 * time.Millisecond})

	slow := make(chan error, 1)
	go func() {
		_, err := d.Invoke(context.Background(), "slow")
		slow <- err
	}()

	select {
	case <-started:
	case <-time.After(time.Second):
		t.Fatal("slow call never started")
	}
	assert.True(t, d.InFlight())

	res, err := d.Invoke(context.Background(), "fast")
	require.NoError(t, err)
	assert.Equal(t, "fast", res)

	assert.True(t, IsSuperseded(<-slow))
}

func TestDebouncer_LeadingFiresImmediately(t *testing.T) {
	d := NewDebouncer(func(ctx context.Context, req int) (int, error) {
		return req, nil
	}, DebounceOptions{Window: time.Second, Leading: true})

	begin := time.Now()
	res, err := d.Invoke(context.Background(), 7)
	require.NoError(t, err)
	assert.Equal(t, 7, res)
	assert.Less(t, time.Since(begin), 500*time.Millisecond)

	go func() { _, _ = d.Invoke(context.Background(), 8) }()
	require.Eventually(t, d.Pending, time.Second, time.Millisecond)
	d.Cancel()
	assert.False(t, d.Pending())
}

func TestDebouncer_CallerContextDoesNotCancelBurst(t *testing.T) {
	var calls int32
	d := NewDebouncer(func(ctx context.Context, req int) (int, error) {
		atomic.AddInt32(&calls, 1)
		return req, nil
	}, DebounceOptions{Window: 200 * time.Millisecond})

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() {
		_, err := d.Invoke(ctx, 1)
		errc <- err
	}()
	require.Eventually(t, d.Pending, time.Second, time.Millisecond)
	cancel()
	assert.ErrorIs(t, <-errc, context.Canceled)

	res, err := d.Invoke(context.Background(), 2)
	require.NoError(t, err)
	assert.Equal(t, 2, res)
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestDebouncer_CallKeepsCallerSpanWithoutItsCancellation(t *testing.T) {
	traceID := trace.TraceID{1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 13, 14, 15, 16}
	parent := trace.ContextWithSpanContext(context.Background(), trace.NewSpanContext(trace.SpanContextConfig{
		TraceID:    traceID,
		SpanID:     trace.SpanID{1, 2, 3, 4, 5, 6, 7, 8},
		TraceFlags: trace.FlagsSampled,
	}))

	started := make(chan struct{})
	release := make(chan struct{})
	seen := make(chan trace.TraceID, 1)
	aborted := make(chan bool, 1)
	d := NewDebouncer(func(ctx context.Context, req int) (int, error) {
		seen <- trace.SpanContextFromContext(ctx).TraceID()
		close(started)
		<-release
		aborted <- ctx.Err() != nil
		return req, nil
	}, DebounceOptions{Window: 10 * time.Millisecond})

	ctx, cancel := context.WithCancel(parent)
	errc := make(chan error, 1)
	go func() {
		_, err := d.Invoke(ctx, 1)
		errc <- err
	}()
	<-started
	cancel()
	assert.ErrorIs(t, <-errc, context.Canceled)
	close(release)

	assert.Equal(t, traceID, <-seen)
	assert.False(t, <-aborted)
}
