package tracker

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/codeforberlin/mycyclingcity-sub001/internal/device/hal"
)

func TestDistanceFromPulses(t *testing.T) {
	pulse := &hal.SimPulse{}
	trk := New(pulse, 210.0, time.Now())

	for i := 0; i < 50; i++ {
		pulse.Pulse()
	}
	changed, err := trk.Poll(time.Now())
	require.NoError(t, err)
	require.True(t, changed)

	require.Equal(t, int64(50), trk.Count())
	require.Equal(t, 10500.0, trk.TotalDistanceCM())
	require.Equal(t, 10500.0, trk.IntervalDistanceCM())
}

func TestSpeedKMH(t *testing.T) {
	// 10500 cm over 30 s is 12.6 km/h.
	require.InDelta(t, 12.6, SpeedKMH(10500, 30*time.Second), 1e-9)
	require.Zero(t, SpeedKMH(10500, 0))
}

func TestCommitFoldsFailedIntervals(t *testing.T) {
	pulse := &hal.SimPulse{}
	trk := New(pulse, 210.0, time.Now())

	pulse.Pulse()
	pulse.Pulse()
	_, err := trk.Poll(time.Now())
	require.NoError(t, err)
	require.Equal(t, int64(2), trk.IntervalPulses())

	// A failed send does not commit: more pulses accumulate on top.
	pulse.Pulse()
	_, err = trk.Poll(time.Now())
	require.NoError(t, err)
	require.Equal(t, int64(3), trk.IntervalPulses())
	require.Equal(t, 630.0, trk.IntervalDistanceCM())

	trk.Commit()
	require.Zero(t, trk.IntervalPulses())
	require.Equal(t, 630.0, trk.TotalDistanceCM())
}

func TestPollStampsInactivityClock(t *testing.T) {
	pulse := &hal.SimPulse{}
	boot := time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC)
	trk := New(pulse, 210.0, boot)
	require.Equal(t, boot, trk.LastPulseAt())

	later := boot.Add(10 * time.Second)
	changed, err := trk.Poll(later)
	require.NoError(t, err)
	require.False(t, changed)
	require.Equal(t, boot, trk.LastPulseAt(), "no pulse must not touch the clock")

	pulse.Pulse()
	changed, err = trk.Poll(later)
	require.NoError(t, err)
	require.True(t, changed)
	require.Equal(t, later, trk.LastPulseAt())
}

func TestReset(t *testing.T) {
	pulse := &hal.SimPulse{}
	trk := New(pulse, 210.0, time.Now())

	pulse.Pulse()
	pulse.Pulse()
	_, err := trk.Poll(time.Now())
	require.NoError(t, err)

	require.NoError(t, trk.Reset())
	require.Zero(t, trk.Count())
	require.Zero(t, trk.IntervalPulses())
	n, err := pulse.Read()
	require.NoError(t, err)
	require.Zero(t, n, "reset must clear the hardware counter")
}

func TestSetWheelSize(t *testing.T) {
	pulse := &hal.SimPulse{}
	trk := New(pulse, 210.0, time.Now())
	pulse.Pulse()
	_, err := trk.Poll(time.Now())
	require.NoError(t, err)

	trk.SetWheelSize(207.5)
	require.Equal(t, 207.5, trk.IntervalDistanceCM())
}
