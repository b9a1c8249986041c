package solitude

import (
	"context"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/coder/quartz"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func testLogger() logrus.FieldLogger {
	log := logrus.New()
	log.SetOutput(io.Discard)

	return log
}

func testContext(t *testing.T) context.Context {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)

	return ctx
}

func TestTimerExpiryRaisesFlag(t *testing.T) {
	ctx := testContext(t)
	mClock := quartz.NewMock(t)

	var expired atomic.Int32

	d := New(testLogger(), mClock, time.Minute, func(string) { expired.Add(1) })
	start := mClock.Now()

	require.True(t, d.Start("alice", "c1"))
	assert.True(t, d.Running("alice"))
	assert.False(t, d.Depressed("alice"))

	mClock.Advance(59 * time.Second).MustWait(ctx)
	assert.False(t, d.Depressed("alice"))

	mClock.Advance(time.Second).MustWait(ctx)
	assert.True(t, d.Depressed("alice"))
	assert.Equal(t, int32(1), expired.Load())

	marker, ok := d.Resolve("alice")
	require.True(t, ok)
	assert.Equal(t, start.Add(time.Minute), marker.Start)
	assert.Equal(t, "c1", marker.ChannelID)
	assert.False(t, d.Depressed("alice"))

	// A fired countdown keeps its slot until cancelled.
	assert.True(t, d.Running("alice"))
	assert.False(t, d.Start("alice", "c1"))
	assert.True(t, d.Cancel("alice"))
	assert.False(t, d.Running("alice"))
}

func TestStartIsIdempotent(t *testing.T) {
	ctx := testContext(t)
	mClock := quartz.NewMock(t)

	var expired atomic.Int32

	d := New(testLogger(), mClock, time.Minute, func(string) { expired.Add(1) })

	require.True(t, d.Start("alice", "c1"))
	mClock.Advance(30 * time.Second).MustWait(ctx)
	assert.False(t, d.Start("alice", "c2"))

	// Only the first countdown exists; it fires at its own deadline.
	mClock.Advance(30 * time.Second).MustWait(ctx)
	assert.Equal(t, int32(1), expired.Load())

	_, next := mClock.Peek()
	assert.False(t, next, "no second timer should be scheduled")

	d.Close()
}

func TestCancelBeforeExpiryLeavesFlagDown(t *testing.T) {
	ctx := testContext(t)
	mClock := quartz.NewMock(t)

	d := New(testLogger(), mClock, time.Minute, nil)

	require.True(t, d.Start("alice", "c1"))
	mClock.Advance(5 * time.Second).MustWait(ctx)

	assert.True(t, d.Cancel("alice"))
	assert.False(t, d.Depressed("alice"))
	assert.False(t, d.Running("alice"))
	assert.False(t, d.Cancel("alice"))

	_, next := mClock.Peek()
	assert.False(t, next)
}

func TestCancelRacingExpiryNeverObservesFlag(t *testing.T) {
	// The real clock is used so the countdown and the cancellation genuinely
	// race; whichever wins, a completed Cancel must be final.
	for i := 0; i < 200; i++ {
		d := New(testLogger(), quartz.NewReal(), time.Microsecond, nil)

		require.True(t, d.Start("alice", "c1"))
		time.Sleep(time.Duration(i%3) * time.Microsecond)

		if d.Cancel("alice") && d.Depressed("alice") {
			// The timer fired before the cancel took the slot: that is a
			// natural expiry and must be visible, but only from before Cancel.
			_, ok := d.Resolve("alice")
			require.True(t, ok)
		}

		require.False(t, d.Depressed("alice"))
		require.False(t, d.Running("alice"))
	}
}

func TestCancelWaitsForRunningCallback(t *testing.T) {
	ctx := testContext(t)
	mClock := quartz.NewMock(t)

	entered := make(chan struct{})
	release := make(chan struct{})

	var once sync.Once

	d := New(testLogger(), mClock, time.Minute, func(string) {
		once.Do(func() { close(entered) })
		<-release
	})

	require.True(t, d.Start("alice", "c1"))

	w := mClock.Advance(time.Minute)

	select {
	case <-entered:
	case <-ctx.Done():
		t.Fatal("timer callback never ran")
	}

	cancelled := make(chan struct{})

	go func() {
		d.Cancel("alice")
		close(cancelled)
	}()

	select {
	case <-cancelled:
		t.Fatal("Cancel returned before the timer goroutine finished")
	case <-time.After(50 * time.Millisecond):
	}

	close(release)
	w.MustWait(ctx)

	select {
	case <-cancelled:
	case <-ctx.Done():
		t.Fatal("Cancel never returned")
	}

	assert.False(t, d.Running("alice"))
}

func TestRelocateKeepsCountdown(t *testing.T) {
	ctx := testContext(t)
	mClock := quartz.NewMock(t)
	d := New(testLogger(), mClock, 0, nil)
	defer d.Close()

	assert.Equal(t, DefaultTimeout, d.Timeout())

	d.Relocate("alice", "c9")
	assert.False(t, d.Running("alice"))

	require.True(t, d.Start("alice", "c1"))
	mClock.Advance(DefaultTimeout / 2).MustWait(ctx)
	d.Relocate("alice", "c2")

	mClock.Advance(DefaultTimeout / 2).MustWait(ctx)
	require.True(t, d.Depressed("alice"))

	d.Relocate("alice", "c3")

	markers := d.Markers()
	require.Contains(t, markers, "alice")
	assert.Equal(t, "c3", markers["alice"].ChannelID)
	assert.True(t, markers["alice"].Start.Equal(mClock.Now()), "the marker keeps the expiry time")
}

func TestCallbackPanicLeavesFlagDown(t *testing.T) {
	ctx := testContext(t)
	mClock := quartz.NewMock(t)

	d := New(testLogger(), mClock, time.Minute, func(string) { panic("boom") })

	require.True(t, d.Start("alice", "c1"))
	mClock.Advance(time.Minute).MustWait(ctx)

	assert.False(t, d.Depressed("alice"))
	d.Close()
}
