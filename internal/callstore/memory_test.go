package callstore

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"call-signaling/internal/call"
)

func newRinging(t *testing.T, s *MemoryStore, id string) call.Record {
	t.Helper()
	rec, err := s.Create(context.Background(), call.Record{
		ID:          id,
		CallerID:    "alice",
		RecipientID: "bob",
		Type:        call.TypeAudio,
	})
	require.NoError(t, err)
	require.Equal(t, call.StatusRinging, rec.Status)
	require.Equal(t, int64(1), rec.Revision)
	return rec
}

func TestCreate_SecondCreateFailsWithAlreadyExists(t *testing.T) {
	s := NewMemoryStore()
	newRinging(t, s, "c1")

	_, err := s.Create(context.Background(), call.Record{
		ID: "c1", CallerID: "carol", RecipientID: "dave", Type: call.TypeVideo,
	})
	require.ErrorIs(t, err, ErrAlreadyExists)

	// The original record is untouched.
	got, err := s.Get(context.Background(), "c1")
	require.NoError(t, err)
	assert.Equal(t, "alice", got.CallerID)
}

func TestCreate_RejectsMalformedRecords(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	cases := []call.Record{
		{ID: "", CallerID: "a", RecipientID: "b", Type: call.TypeAudio},
		{ID: "c", CallerID: "", RecipientID: "b", Type: call.TypeAudio},
		{ID: "c", CallerID: "a", RecipientID: "a", Type: call.TypeAudio},
		{ID: "c", CallerID: "a", RecipientID: "b", Type: "hologram"},
		{ID: "c", CallerID: "a", RecipientID: "b", Type: call.TypeAudio, Status: call.StatusConnected},
	}
	for _, rec := range cases {
		_, err := s.Create(ctx, rec)
		require.ErrorIs(t, err, ErrInvalidRecord)
	}
}

func TestUpdate_CASRejectsStaleExpectedStatus(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	newRinging(t, s, "c1")

	_, err := s.Update(ctx, "c1", call.Mutation{Status: call.StatusConnecting}, call.StatusRinging)
	require.NoError(t, err)

	// A second answer attempt against the old status must lose without effect.
	_, err = s.Update(ctx, "c1", call.Mutation{Status: call.StatusDeclined}, call.StatusRinging)
	require.ErrorIs(t, err, ErrStatusConflict)

	got, err := s.Get(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, call.StatusConnecting, got.Status)
	assert.Equal(t, int64(2), got.Revision)
}

func TestUpdate_RejectsInvalidTransition(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	newRinging(t, s, "c1")

	_, err := s.Update(ctx, "c1", call.Mutation{Status: call.StatusConnected}, call.StatusRinging)
	require.ErrorIs(t, err, call.ErrInvalidTransition)
}

func TestUpdate_ConcurrentTransitionsAdmitExactlyOne(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	newRinging(t, s, "c1")

	// Simultaneous answer and decline from ringing: exactly one wins.
	attempts := []call.Mutation{
		{Status: call.StatusConnecting},
		{Status: call.StatusDeclined},
		{Status: call.StatusMissed},
		{Status: call.StatusEnded},
	}

	var wg sync.WaitGroup
	results := make([]error, len(attempts))
	for i, mut := range attempts {
		wg.Add(1)
		go func(i int, mut call.Mutation) {
			defer wg.Done()
			_, results[i] = s.Update(ctx, "c1", mut, call.StatusRinging)
		}(i, mut)
	}
	wg.Wait()

	wins, conflicts := 0, 0
	for _, err := range results {
		switch {
		case err == nil:
			wins++
		case errors.Is(err, ErrStatusConflict):
			conflicts++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	assert.Equal(t, 1, wins, "exactly one concurrent transition must win")
	assert.Equal(t, len(attempts)-1, conflicts)
}

func TestUpdate_ConnectedAtAndEndedAtAreWriteOnce(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	base := time.Unix(1700000000, 0).UTC()
	now := base
	s.SetClock(func() time.Time { return now })

	newRinging(t, s, "c1")
	_, err := s.Update(ctx, "c1", call.Mutation{Status: call.StatusConnecting}, call.StatusRinging)
	require.NoError(t, err)

	now = base.Add(5 * time.Second)
	rec, err := s.Update(ctx, "c1", call.Mutation{Status: call.StatusConnected}, call.StatusConnecting)
	require.NoError(t, err)
	require.NotNil(t, rec.ConnectedAt)
	assert.True(t, rec.ConnectedAt.Equal(base.Add(5*time.Second)))

	now = base.Add(60 * time.Second)
	rec, err = s.Update(ctx, "c1", call.Mutation{Status: call.StatusEnded}, call.StatusConnected)
	require.NoError(t, err)
	require.NotNil(t, rec.EndedAt)
	assert.True(t, rec.EndedAt.Equal(base.Add(60*time.Second)))

	// Later signal appends must not disturb either stamp.
	now = base.Add(120 * time.Second)
	rec, err = s.Update(ctx, "c1", call.Mutation{Signal: &call.Signal{From: "alice", Data: "late"}}, call.StatusEnded)
	require.NoError(t, err)
	assert.True(t, rec.ConnectedAt.Equal(base.Add(5*time.Second)))
	assert.True(t, rec.EndedAt.Equal(base.Add(60*time.Second)))
}

func TestUpdate_SignalAppendIsOrderedAndGuarded(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	newRinging(t, s, "c1")

	for _, data := range []string{"offer", "candidate-1", "candidate-2"} {
		_, err := s.Update(ctx, "c1", call.Mutation{Signal: &call.Signal{From: "alice", Data: data}}, call.StatusRinging)
		require.NoError(t, err)
	}

	got, err := s.Get(ctx, "c1")
	require.NoError(t, err)
	require.Len(t, got.Signals, 3)
	assert.Equal(t, "offer", got.Signals[0].Data)
	assert.Equal(t, "candidate-2", got.Signals[2].Data)
	assert.Equal(t, int64(4), got.Revision)

	// Append against the wrong expected status is a conflict, not a write.
	_, err = s.Update(ctx, "c1", call.Mutation{Signal: &call.Signal{From: "bob", Data: "x"}}, call.StatusConnecting)
	require.ErrorIs(t, err, ErrStatusConflict)

	// An empty mutation is rejected outright.
	_, err = s.Update(ctx, "c1", call.Mutation{}, call.StatusRinging)
	require.ErrorIs(t, err, ErrInvalidRecord)
}

func TestSubscribe_DeliversEveryRevisionInOrder(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	newRinging(t, s, "c1")

	ch, cancel, err := s.Subscribe(ctx, "c1")
	require.NoError(t, err)
	defer cancel()

	_, err = s.Update(ctx, "c1", call.Mutation{Status: call.StatusConnecting}, call.StatusRinging)
	require.NoError(t, err)
	_, err = s.Update(ctx, "c1", call.Mutation{Status: call.StatusConnected}, call.StatusConnecting)
	require.NoError(t, err)

	var seen []int64
	for len(seen) < 3 {
		select {
		case rec, ok := <-ch:
			require.True(t, ok, "stream ended early")
			seen = append(seen, rec.Revision)
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for deliveries, saw %v", seen)
		}
	}
	assert.Equal(t, []int64{1, 2, 3}, seen)
}

func TestSubscribe_CancelIsIdempotentAndClosesStream(t *testing.T) {
	s := NewMemoryStore()
	newRinging(t, s, "c1")

	ch, cancel, err := s.Subscribe(context.Background(), "c1")
	require.NoError(t, err)

	// Drain the initial replay.
	<-ch

	cancel()
	cancel() // repeated cancel is a no-op

	select {
	case _, ok := <-ch:
		assert.False(t, ok, "channel must be closed after cancel")
	case <-time.After(2 * time.Second):
		t.Fatal("channel not closed after cancel")
	}
}

func TestSubscribe_UnknownCallIsNotFound(t *testing.T) {
	s := NewMemoryStore()
	_, _, err := s.Subscribe(context.Background(), "ghost")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestDelete_EndsSubscriberStreams(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	newRinging(t, s, "c1")
	_, err := s.Update(ctx, "c1", call.Mutation{Status: call.StatusDeclined}, call.StatusRinging)
	require.NoError(t, err)

	ch, cancel, err := s.Subscribe(ctx, "c1")
	require.NoError(t, err)
	defer cancel()

	require.NoError(t, s.Delete(ctx, "c1"))

	deadline := time.After(2 * time.Second)
	for {
		select {
		case _, ok := <-ch:
			if !ok {
				return // stream ended, as expected
			}
		case <-deadline:
			t.Fatal("stream did not end after delete")
		}
	}
}

func TestListStaleAndTerminalBefore(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	base := time.Unix(1700000000, 0).UTC()
	now := base
	s.SetClock(func() time.Time { return now })

	newRinging(t, s, "old-ringing")

	now = base.Add(50 * time.Second)
	newRinging(t, s, "fresh-ringing")

	_, err := s.Update(ctx, "fresh-ringing", call.Mutation{Status: call.StatusDeclined}, call.StatusRinging)
	require.NoError(t, err)

	// Ring timeout of 40s measured at base+60s: only old-ringing qualifies.
	now = base.Add(60 * time.Second)
	stale, err := s.ListStale(ctx, call.StatusRinging, now.Add(-40*time.Second), 10)
	require.NoError(t, err)
	require.Len(t, stale, 1)
	assert.Equal(t, "old-ringing", stale[0].ID)

	// Retention pruning: the declined call ended at base+50s.
	gone, err := s.ListTerminalBefore(ctx, base.Add(55*time.Second), 10)
	require.NoError(t, err)
	require.Len(t, gone, 1)
	assert.Equal(t, "fresh-ringing", gone[0].ID)

	gone, err = s.ListTerminalBefore(ctx, base.Add(45*time.Second), 10)
	require.NoError(t, err)
	assert.Empty(t, gone)
}
