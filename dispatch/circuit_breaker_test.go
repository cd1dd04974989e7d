package dispatch

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trinity-platform/trinity/core"
)

func newTestBreaker(t *testing.T, threshold int, cooldown time.Duration) (*CircuitBreaker, *time.Time) {
	t.Helper()
	now := time.Now()
	b := NewCircuitBreaker(NewMemoryCoordinationStore(), threshold, cooldown, nil)
	b.now = func() time.Time { return now }
	return b, &now
}

func TestCircuitOpensAtThreshold(t *testing.T) {
	ctx := context.Background()
	b, _ := newTestBreaker(t, 3, time.Minute)

	for i := 0; i < 2; i++ {
		b.RecordFailure(ctx, "translator")
		probe, err := b.Allow(ctx, "translator")
		require.NoError(t, err, "failure %d must not open the circuit", i+1)
		assert.False(t, probe)
	}

	b.RecordFailure(ctx, "translator")
	_, err := b.Allow(ctx, "translator")
	require.ErrorIs(t, err, core.ErrCircuitOpen)

	states, err := b.States(ctx)
	require.NoError(t, err)
	assert.Equal(t, CircuitOpen, states["translator"].State)
	assert.Equal(t, 3, states["translator"].Failures)
}

func TestCircuitSuccessResetsFailureCount(t *testing.T) {
	ctx := context.Background()
	b, _ := newTestBreaker(t, 3, time.Minute)

	b.RecordFailure(ctx, "translator")
	b.RecordFailure(ctx, "translator")
	b.RecordSuccess(ctx, "translator")
	b.RecordFailure(ctx, "translator")
	b.RecordFailure(ctx, "translator")

	// Failures were not consecutive, so still closed.
	_, err := b.Allow(ctx, "translator")
	require.NoError(t, err)
}

func TestCircuitHalfOpenSingleProbe(t *testing.T) {
	ctx := context.Background()
	b, now := newTestBreaker(t, 1, time.Minute)

	b.RecordFailure(ctx, "translator")
	_, err := b.Allow(ctx, "translator")
	require.ErrorIs(t, err, core.ErrCircuitOpen)

	*now = now.Add(2 * time.Minute)

	probe, err := b.Allow(ctx, "translator")
	require.NoError(t, err)
	assert.True(t, probe, "first caller after cooldown is the probe")

	// Only one probe at a time.
	_, err = b.Allow(ctx, "translator")
	require.ErrorIs(t, err, core.ErrCircuitOpen)

	b.RecordSuccess(ctx, "translator")
	probe, err = b.Allow(ctx, "translator")
	require.NoError(t, err)
	assert.False(t, probe, "closed circuit admits without probing")
}

func TestCircuitProbeFailureReopens(t *testing.T) {
	ctx := context.Background()
	b, now := newTestBreaker(t, 1, time.Minute)

	b.RecordFailure(ctx, "translator")
	*now = now.Add(2 * time.Minute)

	probe, err := b.Allow(ctx, "translator")
	require.NoError(t, err)
	require.True(t, probe)

	b.RecordFailure(ctx, "translator")
	_, err = b.Allow(ctx, "translator")
	require.ErrorIs(t, err, core.ErrCircuitOpen, "probe failure restarts the cooldown")

	// The new cooldown runs from the probe failure.
	*now = now.Add(2 * time.Minute)
	probe, err = b.Allow(ctx, "translator")
	require.NoError(t, err)
	assert.True(t, probe)
}

func TestCircuitCancelProbeFreesSlot(t *testing.T) {
	ctx := context.Background()
	b, now := newTestBreaker(t, 1, time.Minute)

	b.RecordFailure(ctx, "translator")
	*now = now.Add(2 * time.Minute)

	probe, err := b.Allow(ctx, "translator")
	require.NoError(t, err)
	require.True(t, probe)

	b.CancelProbe(ctx, "translator")

	probe, err = b.Allow(ctx, "translator")
	require.NoError(t, err)
	assert.True(t, probe, "cancelled probe slot is reusable")
}

func TestCircuitReset(t *testing.T) {
	ctx := context.Background()
	b, _ := newTestBreaker(t, 1, time.Hour)

	b.RecordFailure(ctx, "translator")
	_, err := b.Allow(ctx, "translator")
	require.ErrorIs(t, err, core.ErrCircuitOpen)

	require.NoError(t, b.Reset(ctx, "translator"))

	probe, err := b.Allow(ctx, "translator")
	require.NoError(t, err)
	assert.False(t, probe)

	states, err := b.States(ctx)
	require.NoError(t, err)
	assert.Equal(t, CircuitClosed, states["translator"].State)
	assert.Equal(t, 0, states["translator"].Failures)
}

func TestCircuitsAreIndependent(t *testing.T) {
	ctx := context.Background()
	b, _ := newTestBreaker(t, 1, time.Hour)

	b.RecordFailure(ctx, "translator")
	_, err := b.Allow(ctx, "translator")
	require.ErrorIs(t, err, core.ErrCircuitOpen)

	_, err = b.Allow(ctx, "summarizer")
	require.NoError(t, err)
}

func TestCompareAndSetCircuitVersioning(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryCoordinationStore()

	rec := CircuitRecord{State: CircuitOpen, Failures: 3, Version: 1}
	ok, err := store.CompareAndSetCircuit(ctx, "a", 0, rec)
	require.NoError(t, err)
	require.True(t, ok)

	// Stale expected version loses the race.
	ok, err = store.CompareAndSetCircuit(ctx, "a", 0, CircuitRecord{State: CircuitClosed, Version: 1})
	require.NoError(t, err)
	assert.False(t, ok)

	got, err := store.GetCircuit(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, CircuitOpen, got.State)
}
