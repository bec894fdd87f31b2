package signal

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"call-signaling/internal/call"
	"call-signaling/internal/callstore"
)

func placeTestCall(t *testing.T, m *Machine) call.Record {
	t.Helper()
	rec, err := m.PlaceCall(context.Background(), "alice", "bob", call.TypeAudio)
	require.NoError(t, err)
	require.Equal(t, call.StatusRinging, rec.Status)
	require.NotEmpty(t, rec.ID)
	return rec
}

func TestPlaceCall_GeneratesUniqueIDs(t *testing.T) {
	m := New(callstore.NewMemoryStore(), nil)
	a := placeTestCall(t, m)
	b := placeTestCall(t, m)
	assert.NotEqual(t, a.ID, b.ID)
}

func TestAnswer_WinsFromRinging(t *testing.T) {
	m := New(callstore.NewMemoryStore(), nil)
	rec := placeTestCall(t, m)

	out, err := m.Answer(context.Background(), rec.ID)
	require.NoError(t, err)
	assert.True(t, out.Won)
	assert.Equal(t, call.StatusConnecting, out.Record.Status)
}

func TestDecline_LosesToConcurrentAnswerAndReconciles(t *testing.T) {
	m := New(callstore.NewMemoryStore(), nil)
	rec := placeTestCall(t, m)
	ctx := context.Background()

	out, err := m.Answer(ctx, rec.ID)
	require.NoError(t, err)
	require.True(t, out.Won)

	// The decline raced and lost: no error, Won == false, and the returned
	// record carries the winning status to reconcile against.
	out, err = m.Decline(ctx, rec.ID)
	require.NoError(t, err)
	assert.False(t, out.Won)
	assert.Equal(t, call.StatusConnecting, out.Record.Status)
}

func TestTransportConnectedThenHangUp(t *testing.T) {
	m := New(callstore.NewMemoryStore(), nil)
	rec := placeTestCall(t, m)
	ctx := context.Background()

	_, err := m.Answer(ctx, rec.ID)
	require.NoError(t, err)

	out, err := m.TransportConnected(ctx, rec.ID)
	require.NoError(t, err)
	require.True(t, out.Won)
	require.NotNil(t, out.Record.ConnectedAt)

	out, err = m.HangUp(ctx, rec.ID)
	require.NoError(t, err)
	assert.True(t, out.Won)
	assert.Equal(t, call.StatusEnded, out.Record.Status)
	require.NotNil(t, out.Record.EndedAt)
}

func TestHangUp_AlreadyTerminalIsNoOp(t *testing.T) {
	m := New(callstore.NewMemoryStore(), nil)
	rec := placeTestCall(t, m)
	ctx := context.Background()

	_, err := m.Decline(ctx, rec.ID)
	require.NoError(t, err)

	out, err := m.HangUp(ctx, rec.ID)
	require.NoError(t, err)
	assert.False(t, out.Won)
	assert.Equal(t, call.StatusDeclined, out.Record.Status)
}

func TestHangUp_RetriesAcrossConcurrentAnswer(t *testing.T) {
	store := callstore.NewMemoryStore()
	m := New(store, nil)
	rec := placeTestCall(t, m)
	ctx := context.Background()

	// The callee answers between the caller's read and CAS; the caller's
	// hang-up must land from the new state instead of giving up.
	_, err := store.Update(ctx, rec.ID, call.Mutation{Status: call.StatusConnecting}, call.StatusRinging)
	require.NoError(t, err)

	out, err := m.HangUp(ctx, rec.ID)
	require.NoError(t, err)
	assert.True(t, out.Won)
	assert.Equal(t, call.StatusEnded, out.Record.Status)
}

func TestTransportFailed_OnlyFromLiveStates(t *testing.T) {
	m := New(callstore.NewMemoryStore(), nil)
	rec := placeTestCall(t, m)
	ctx := context.Background()

	_, err := m.TransportFailed(ctx, rec.ID, call.StatusRinging)
	require.ErrorIs(t, err, call.ErrInvalidTransition)

	_, err = m.Answer(ctx, rec.ID)
	require.NoError(t, err)

	out, err := m.TransportFailed(ctx, rec.ID, call.StatusConnecting)
	require.NoError(t, err)
	assert.True(t, out.Won)
	assert.Equal(t, call.StatusFailed, out.Record.Status)
	assert.NotNil(t, out.Record.EndedAt)
}

func TestTransportFailed_BothSidesFailNearSimultaneously(t *testing.T) {
	m := New(callstore.NewMemoryStore(), nil)
	rec := placeTestCall(t, m)
	ctx := context.Background()

	_, err := m.Answer(ctx, rec.ID)
	require.NoError(t, err)

	first, err := m.TransportFailed(ctx, rec.ID, call.StatusConnecting)
	require.NoError(t, err)
	require.True(t, first.Won)
	endedAt := *first.Record.EndedAt

	second, err := m.TransportFailed(ctx, rec.ID, call.StatusConnecting)
	require.NoError(t, err)
	assert.False(t, second.Won)
	assert.Equal(t, call.StatusFailed, second.Record.Status)
	// EndedAt was stamped exactly once.
	require.NotNil(t, second.Record.EndedAt)
	assert.True(t, second.Record.EndedAt.Equal(endedAt))
}

func TestReaperTransitions(t *testing.T) {
	m := New(callstore.NewMemoryStore(), nil)
	ctx := context.Background()

	ringing := placeTestCall(t, m)
	out, err := m.MarkMissed(ctx, ringing.ID)
	require.NoError(t, err)
	assert.True(t, out.Won)
	assert.Equal(t, call.StatusMissed, out.Record.Status)

	stuck := placeTestCall(t, m)
	_, err = m.Answer(ctx, stuck.ID)
	require.NoError(t, err)
	out, err = m.MarkConnectFailed(ctx, stuck.ID)
	require.NoError(t, err)
	assert.True(t, out.Won)
	assert.Equal(t, call.StatusFailed, out.Record.Status)
}

func TestAppendSignal_ConflictReconciles(t *testing.T) {
	m := New(callstore.NewMemoryStore(), nil)
	rec := placeTestCall(t, m)
	ctx := context.Background()

	out, err := m.AppendSignal(ctx, rec.ID, call.Signal{From: "alice", Data: "offer"}, call.StatusRinging)
	require.NoError(t, err)
	assert.True(t, out.Won)
	require.Len(t, out.Record.Signals, 1)

	_, err = m.Decline(ctx, rec.ID)
	require.NoError(t, err)

	out, err = m.AppendSignal(ctx, rec.ID, call.Signal{From: "alice", Data: "candidate"}, call.StatusRinging)
	require.NoError(t, err)
	assert.False(t, out.Won)
	assert.Equal(t, call.StatusDeclined, out.Record.Status)
	// The losing append had no effect.
	assert.Len(t, out.Record.Signals, 1)
}
