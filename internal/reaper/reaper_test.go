package reaper

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"call-signaling/internal/call"
	"call-signaling/internal/callstore"
	"call-signaling/internal/history"
	"call-signaling/internal/signal"
)

type fixture struct {
	store   *callstore.MemoryStore
	machine *signal.Machine
	archive *history.MemoryRepo
	reaper  *Reaper
	now     time.Time
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()
	f := &fixture{
		store:   callstore.NewMemoryStore(),
		archive: history.NewMemoryRepo(),
		now:     time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC),
	}
	f.machine = signal.New(f.store, nil)
	f.store.SetClock(func() time.Time { return f.now })
	f.reaper = New(cfg, f.store, f.machine, f.archive, nil)
	f.reaper.SetClock(func() time.Time { return f.now })
	return f
}

func (f *fixture) advance(d time.Duration) { f.now = f.now.Add(d) }

func (f *fixture) place(t *testing.T, caller, recipient string) call.Record {
	t.Helper()
	rec, err := f.machine.PlaceCall(context.Background(), caller, recipient, call.TypeAudio)
	require.NoError(t, err)
	return rec
}

func TestSweepExpiresUnansweredRinging(t *testing.T) {
	f := newFixture(t, Config{RingTimeout: 45 * time.Second})
	ctx := context.Background()

	old := f.place(t, "alice", "bob")
	f.advance(60 * time.Second)
	fresh := f.place(t, "carol", "dave")

	f.reaper.Sweep(ctx)

	got, err := f.store.Get(ctx, old.ID)
	require.NoError(t, err)
	assert.Equal(t, call.StatusMissed, got.Status)
	require.NotNil(t, got.EndedAt)

	got, err = f.store.Get(ctx, fresh.ID)
	require.NoError(t, err)
	assert.Equal(t, call.StatusRinging, got.Status, "fresh call must not be reaped")
}

func TestSweepExpiresStuckConnecting(t *testing.T) {
	f := newFixture(t, Config{ConnectTimeout: 30 * time.Second})
	ctx := context.Background()

	rec := f.place(t, "alice", "bob")
	_, err := f.machine.Answer(ctx, rec.ID)
	require.NoError(t, err)

	f.advance(31 * time.Second)
	f.reaper.Sweep(ctx)

	got, err := f.store.Get(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, call.StatusFailed, got.Status)
}

func TestSweepLeavesConnectedCallsAlone(t *testing.T) {
	f := newFixture(t, Config{RingTimeout: time.Second, ConnectTimeout: time.Second})
	ctx := context.Background()

	rec := f.place(t, "alice", "bob")
	_, err := f.machine.Answer(ctx, rec.ID)
	require.NoError(t, err)
	_, err = f.machine.TransportConnected(ctx, rec.ID)
	require.NoError(t, err)

	f.advance(time.Hour)
	f.reaper.Sweep(ctx)

	got, err := f.store.Get(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, call.StatusConnected, got.Status)
}

func TestSweepPrunesTerminalIntoArchive(t *testing.T) {
	f := newFixture(t, Config{Retention: 5 * time.Minute})
	ctx := context.Background()

	rec := f.place(t, "alice", "bob")
	_, err := f.machine.Answer(ctx, rec.ID)
	require.NoError(t, err)
	_, err = f.machine.TransportConnected(ctx, rec.ID)
	require.NoError(t, err)
	f.advance(90 * time.Second)
	_, err = f.machine.HangUp(ctx, rec.ID)
	require.NoError(t, err)

	// Still inside retention: visible to late observers, not pruned.
	f.advance(time.Minute)
	f.reaper.Sweep(ctx)
	_, err = f.store.Get(ctx, rec.ID)
	require.NoError(t, err)

	f.advance(10 * time.Minute)
	f.reaper.Sweep(ctx)

	_, err = f.store.Get(ctx, rec.ID)
	require.ErrorIs(t, err, callstore.ErrNotFound)

	entry, err := f.archive.Get(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, call.StatusEnded, entry.Outcome)
	assert.Equal(t, int64(90), entry.DurationSeconds)
	assert.Equal(t, "alice", entry.CallerID)
}

func TestSweepPruneSurvivesArchiveRetry(t *testing.T) {
	f := newFixture(t, Config{Retention: time.Minute})
	ctx := context.Background()

	rec := f.place(t, "alice", "bob")
	_, err := f.machine.HangUp(ctx, rec.ID)
	require.NoError(t, err)
	f.advance(2 * time.Minute)

	// Simulate a sweep that archived but crashed before deleting.
	got, err := f.store.Get(ctx, rec.ID)
	require.NoError(t, err)
	require.NoError(t, f.archive.Archive(ctx, history.FromRecord(got, f.now)))

	f.reaper.Sweep(ctx)

	_, err = f.store.Get(ctx, rec.ID)
	require.ErrorIs(t, err, callstore.ErrNotFound)
	_, err = f.archive.Get(ctx, rec.ID)
	require.NoError(t, err)
}

func TestRunStopsOnContextCancel(t *testing.T) {
	f := newFixture(t, Config{SweepInterval: 10 * time.Millisecond})
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		f.reaper.Run(ctx)
		close(done)
	}()

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("reaper did not stop")
	}
}
