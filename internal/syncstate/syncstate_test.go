package syncstate

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dimagi/casecore/internal/adapter"
	"github.com/dimagi/casecore/internal/domain"
	"github.com/dimagi/casecore/internal/store/storetest"
)

func newTestTracker(t *testing.T) Tracker {
	t.Helper()
	return NewTracker(storetest.OpenStore(t), adapter.NewJSON(),
		storetest.NewStepClock(time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)))
}

func TestRegisterDevice(t *testing.T) {
	tracker := newTestTracker(t)
	ctx := context.Background()

	require.NoError(t, tracker.RegisterDevice(ctx, Device{ID: "d1", Domain: "demo", UserID: "u1",
		OwnerIDs: []string{"group-1", "u1", "group-1"}}))
	device, err := tracker.Device(ctx, "d1")
	require.NoError(t, err)
	assert.Equal(t, []string{"group-1", "u1"}, device.OwnerIDs)

	// re-registering replaces the owners
	require.NoError(t, tracker.RegisterDevice(ctx, Device{ID: "d1", Domain: "demo", UserID: "u1"}))
	device, err = tracker.Device(ctx, "d1")
	require.NoError(t, err)
	assert.Equal(t, []string{"u1"}, device.OwnerIDs)

	_, err = tracker.Device(ctx, "unknown")
	assert.True(t, errors.Is(err, domain.ErrDeviceNotFound))

	assert.Error(t, tracker.RegisterDevice(ctx, Device{ID: "d2"}))
}

func TestAdvanceIsMonotonic(t *testing.T) {
	tracker := newTestTracker(t)
	ctx := context.Background()
	require.NoError(t, tracker.RegisterDevice(ctx, Device{ID: "d1", Domain: "demo", UserID: "u1"}))

	cp, err := tracker.CheckpointFor(ctx, "d1")
	require.NoError(t, err)
	assert.Nil(t, cp)

	first, err := tracker.Advance(ctx, "d1", AdvanceInput{Position: 10, RestoreID: "r1",
		CaseStates: map[string]int64{"c1": 10}})
	require.NoError(t, err)
	assert.Empty(t, first.PreviousRestoreID)
	assert.Equal(t, domain.RESTORE_FORMAT_V2, first.Format)

	second, err := tracker.Advance(ctx, "d1", AdvanceInput{Position: 12, RestoreID: "r2",
		CaseStates: map[string]int64{"c1": 12}})
	require.NoError(t, err)
	assert.Equal(t, "r1", second.PreviousRestoreID)

	_, err = tracker.Advance(ctx, "d1", AdvanceInput{Position: 11, RestoreID: "r3"})
	assert.True(t, errors.Is(err, domain.ErrCheckpointRegression))

	cp, err = tracker.CheckpointFor(ctx, "d1")
	require.NoError(t, err)
	assert.Equal(t, "r2", cp.RestoreID)
	assert.Equal(t, int64(12), cp.Position)
	assert.Equal(t, map[string]int64{"c1": 12}, cp.CaseStates)
	assert.Equal(t, []string{"u1"}, cp.OwnerIDs)

	reset, err := tracker.Advance(ctx, "d1", AdvanceInput{Position: 3, RestoreID: "r4", Reset: true})
	require.NoError(t, err)
	assert.Equal(t, int64(3), reset.Position)
	assert.Equal(t, map[string]int64{}, reset.CaseStates)
}

func TestResetForgetsCheckpoint(t *testing.T) {
	tracker := newTestTracker(t)
	ctx := context.Background()
	require.NoError(t, tracker.RegisterDevice(ctx, Device{ID: "d1", Domain: "demo", UserID: "u1"}))

	_, err := tracker.Advance(ctx, "d1", AdvanceInput{Position: 10, RestoreID: "r1"})
	require.NoError(t, err)
	require.NoError(t, tracker.Reset(ctx, "d1"))

	cp, err := tracker.CheckpointFor(ctx, "d1")
	require.NoError(t, err)
	assert.Nil(t, cp)

	// after a reset any position is accepted and nothing chains to the forgotten restore
	next, err := tracker.Advance(ctx, "d1", AdvanceInput{Position: 2, RestoreID: "r2"})
	require.NoError(t, err)
	assert.Empty(t, next.PreviousRestoreID)
}

func TestAdvanceUnknownDevice(t *testing.T) {
	tracker := newTestTracker(t)

	_, err := tracker.Advance(context.Background(), "nope", AdvanceInput{Position: 1, RestoreID: "r1"})
	assert.True(t, errors.Is(err, domain.ErrDeviceNotFound))
	assert.True(t, errors.Is(tracker.Reset(context.Background(), "nope"), domain.ErrDeviceNotFound))
}
