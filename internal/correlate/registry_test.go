// ABOUTME: tests for the correlation registry and its sweeper
// ABOUTME: single-winner resolution, cancellation, and deadline synthesis

package correlate

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testEntry(corr, sess string, ttl time.Duration) Entry {
	now := time.Now()
	return Entry{
		CorrelationID: corr,
		SessionID:     sess,
		UserID:        "patient-7",
		TaskType:      "appointment",
		Intent:        "appointment_booking",
		ResponseTopic: "appointment-agent-responses",
		SoftDeadline:  now.Add(ttl / 3),
		Deadline:      now.Add(ttl),
	}
}

func newTestRegistry(opts Options) *Registry {
	opts.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	return New(opts)
}

func TestResolve_SingleWinner(t *testing.T) {
	r := newTestRegistry(Options{})
	require.NoError(t, r.Register(testEntry("corr-1", "sess-1", time.Minute)))
	assert.Equal(t, 1, r.Pending())

	e, ok := r.Resolve("corr-1")
	require.True(t, ok)
	assert.Equal(t, "sess-1", e.SessionID)
	assert.Equal(t, 0, r.Pending())

	_, ok = r.Resolve("corr-1")
	assert.False(t, ok, "second resolve must lose")
	assert.True(t, r.Seen("corr-1"), "completed id is remembered")
}

func TestResolve_UnknownIsNotSeen(t *testing.T) {
	r := newTestRegistry(Options{})
	_, ok := r.Resolve("never-registered")
	assert.False(t, ok)
	assert.False(t, r.Seen("never-registered"), "foreign ids are not marked seen")
}

func TestRegister_Validation(t *testing.T) {
	r := newTestRegistry(Options{})

	err := r.Register(Entry{SessionID: "s", Deadline: time.Now().Add(time.Minute)})
	assert.Error(t, err)

	err = r.Register(Entry{CorrelationID: "c", SessionID: "s"})
	assert.Error(t, err, "deadline required")

	require.NoError(t, r.Register(testEntry("corr-1", "sess-1", time.Minute)))
	err = r.Register(testEntry("corr-1", "sess-1", time.Minute))
	assert.ErrorContains(t, err, "already registered")
}

func TestCancel(t *testing.T) {
	r := newTestRegistry(Options{})
	require.NoError(t, r.Register(testEntry("corr-1", "sess-1", time.Minute)))

	assert.True(t, r.Cancel("corr-1"))
	assert.False(t, r.Cancel("corr-1"))

	_, ok := r.Resolve("corr-1")
	assert.False(t, ok)
	assert.True(t, r.Seen("corr-1"), "late responses for canceled work are duplicates")
}

func TestCancelBySession(t *testing.T) {
	r := newTestRegistry(Options{})
	require.NoError(t, r.Register(testEntry("corr-1", "sess-1", time.Minute)))
	require.NoError(t, r.Register(testEntry("corr-2", "sess-1", time.Minute)))
	require.NoError(t, r.Register(testEntry("corr-3", "sess-2", time.Minute)))

	assert.Equal(t, 2, r.CancelBySession("sess-1"))
	assert.Equal(t, 0, r.CancelBySession("sess-1"))
	assert.Equal(t, 1, r.Pending())
	assert.True(t, r.Seen("corr-1"))
	assert.True(t, r.Seen("corr-2"))

	e, ok := r.Resolve("corr-3")
	require.True(t, ok)
	assert.Equal(t, "sess-2", e.SessionID)
}

func TestSweep_TimeoutFiresOnce(t *testing.T) {
	var fired []Entry
	r := newTestRegistry(Options{OnTimeout: func(e Entry) { fired = append(fired, e) }})

	e := testEntry("corr-1", "sess-1", time.Minute)
	require.NoError(t, r.Register(e))

	past := time.Now().Add(2 * time.Minute)
	r.sweep(past)
	require.Len(t, fired, 1)
	assert.Equal(t, "corr-1", fired[0].CorrelationID)

	// Entry stays pending until the synthesized result resolves it,
	// but the callback must not fire again meanwhile.
	assert.Equal(t, 1, r.Pending())
	r.sweep(past.Add(time.Second))
	assert.Len(t, fired, 1)

	_, ok := r.Resolve("corr-1")
	assert.True(t, ok, "synthesized completion claims the entry")
}

func TestSweep_StillWorkingFiresBetweenDeadlines(t *testing.T) {
	var stills, timeouts []Entry
	r := newTestRegistry(Options{
		OnTimeout:      func(e Entry) { timeouts = append(timeouts, e) },
		OnStillWorking: func(e Entry) { stills = append(stills, e) },
	})

	now := time.Now()
	require.NoError(t, r.Register(Entry{
		CorrelationID: "corr-1",
		SessionID:     "sess-1",
		SoftDeadline:  now.Add(10 * time.Second),
		Deadline:      now.Add(30 * time.Second),
	}))

	r.sweep(now.Add(5 * time.Second))
	assert.Empty(t, stills)

	r.sweep(now.Add(15 * time.Second))
	require.Len(t, stills, 1)
	assert.Empty(t, timeouts)

	r.sweep(now.Add(20 * time.Second))
	assert.Len(t, stills, 1, "still-working marker is sticky")

	r.sweep(now.Add(31 * time.Second))
	assert.Len(t, timeouts, 1)
}

func TestSweep_NoCallbackDropsEntry(t *testing.T) {
	r := newTestRegistry(Options{})
	require.NoError(t, r.Register(testEntry("corr-1", "sess-1", time.Millisecond)))

	r.sweep(time.Now().Add(time.Second))
	assert.Equal(t, 0, r.Pending())
	assert.True(t, r.Seen("corr-1"))
}

func TestRun_SweepsOnInterval(t *testing.T) {
	fired := make(chan Entry, 1)
	r := newTestRegistry(Options{
		SweepInterval: 10 * time.Millisecond,
		OnTimeout:     func(e Entry) { fired <- e },
	})

	e := testEntry("corr-1", "sess-1", time.Minute)
	e.Deadline = time.Now().Add(-time.Second)
	require.NoError(t, r.Register(e))

	ctx, cancel := context.WithCancel(t.Context())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = r.Run(ctx)
	}()

	select {
	case got := <-fired:
		assert.Equal(t, "corr-1", got.CorrelationID)
	case <-time.After(2 * time.Second):
		t.Fatal("sweeper never fired")
	}
	cancel()
	<-done
}

func TestSeenCache_TTLAndCapacity(t *testing.T) {
	now := time.Now()
	c := newSeenCache(time.Minute, 2)

	c.mark("a", now)
	c.mark("b", now)
	assert.True(t, c.check("a", now))

	// Capacity eviction drops the oldest.
	c.mark("c", now)
	assert.False(t, c.check("a", now))
	assert.True(t, c.check("b", now))
	assert.True(t, c.check("c", now))

	// Expiry.
	later := now.Add(2 * time.Minute)
	assert.False(t, c.check("b", later))
	c.prune(later)
	assert.False(t, c.check("c", later))

	// Re-marking refreshes both order and age.
	c.mark("d", later)
	c.mark("e", later)
	c.mark("d", later.Add(time.Second))
	c.mark("f", later.Add(2*time.Second))
	assert.True(t, c.check("d", later.Add(3*time.Second)), "re-marked id must not be evicted as oldest")
	assert.False(t, c.check("e", later.Add(3*time.Second)))
}
