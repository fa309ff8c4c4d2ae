package protocol

import (
	"context"
	"runtime"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestOrphanTrackerWarnsOncePerCooldown(t *testing.T) {
	tracker := NewOrphanTracker(
		WithWarnAfter(2*time.Second),
		WithCooldown(30*time.Second),
	)
	n := NewNode("leaky")
	tracker.Track(n)
	base := time.Now()

	// Too soon after stop: no warning yet.
	require.Empty(t, tracker.scan(base.Add(time.Second)))

	leaks := tracker.scan(base.Add(3 * time.Second))
	require.Len(t, leaks, 1)
	require.Contains(t, leaks[0], "leaky")

	// Muted during the cooldown window.
	require.Empty(t, tracker.scan(base.Add(10*time.Second)))

	// Warns again after the cooldown expires, as long as it is still referenced.
	require.Len(t, tracker.scan(base.Add(40*time.Second)), 1)

	runtime.KeepAlive(n)
}

func TestOrphanTrackerSilentOnceReclaimed(t *testing.T) {
	tracker := NewOrphanTracker(WithWarnAfter(0))
	n := NewNode("transient")
	tracker.Track(n)
	require.Equal(t, 1, tracker.Len())
	n = nil
	_ = n

	require.Eventually(t, func() bool {
		runtime.GC()
		// Either the cleanup removed the record or the weak ref is dead;
		// both mean no more warnings.
		return tracker.Len() == 0 || len(tracker.scan(time.Now())) == 0
	}, 5*time.Second, 50*time.Millisecond)
}

func TestOrphanTrackerStartStops(t *testing.T) {
	tracker := NewOrphanTracker(WithScanInterval(10 * time.Millisecond))
	ctx, cancel := context.WithCancel(context.Background())
	tracker.Start(ctx)
	time.Sleep(30 * time.Millisecond)
	cancel()
}
