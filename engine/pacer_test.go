package engine

import (
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestPacer(base, delta time.Duration) *RoundPacer {
	return NewRoundPacer(zerolog.Nop(), PacerConfig{Base: base, Delta: delta})
}

// waitStall receives one stall event or fails the test.
func waitStall(t *testing.T, rp *RoundPacer) StallInfo {
	t.Helper()
	select {
	case stall := <-rp.Stalls():
		return stall
	case <-time.After(2 * time.Second):
		t.Fatal("no stall event")
		return StallInfo{}
	}
}

func TestPacerStallFires(t *testing.T) {
	rp := newTestPacer(10*time.Millisecond, 5*time.Millisecond)
	rp.Start()
	defer rp.Stop()

	rp.Watch(7)

	stall := waitStall(t, rp)
	assert.Equal(t, uint64(7), stall.Round)
	assert.Equal(t, 0, stall.Attempt)
	assert.Equal(t, 10*time.Millisecond, stall.Duration)
}

func TestPacerBackoffPerAttempt(t *testing.T) {
	rp := newTestPacer(10*time.Millisecond, 5*time.Millisecond)
	rp.Start()
	defer rp.Stop()

	// each fire disarms; re-watching arms the next attempt with a longer
	// deadline
	rp.Watch(1)
	first := waitStall(t, rp)
	require.Equal(t, 0, first.Attempt)

	rp.Watch(1)
	second := waitStall(t, rp)
	assert.Equal(t, 1, second.Attempt)
	assert.Equal(t, 15*time.Millisecond, second.Duration)
}

func TestPacerWatchWhileArmedIsNoop(t *testing.T) {
	rp := newTestPacer(20*time.Millisecond, 0)
	rp.Start()
	defer rp.Stop()

	rp.Watch(1)
	rp.Watch(1)
	rp.Watch(1)

	waitStall(t, rp)

	// one armed timer, one event; nothing else fires without a re-watch
	select {
	case stall := <-rp.Stalls():
		t.Fatalf("unexpected extra stall: %+v", stall)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestPacerCancelDisarms(t *testing.T) {
	rp := newTestPacer(50*time.Millisecond, 0)
	rp.Start()
	defer rp.Stop()

	rp.Watch(1)
	rp.Cancel(1)

	select {
	case stall := <-rp.Stalls():
		t.Fatalf("cancelled round stalled anyway: %+v", stall)
	case <-time.After(150 * time.Millisecond):
	}
}

func TestPacerCancelForgetsAttempts(t *testing.T) {
	rp := newTestPacer(10*time.Millisecond, 5*time.Millisecond)
	rp.Start()
	defer rp.Stop()

	rp.Watch(1)
	require.Equal(t, 0, waitStall(t, rp).Attempt)
	rp.Watch(1)
	require.Equal(t, 1, waitStall(t, rp).Attempt)

	// cancel resets the backoff; the next watch starts over
	rp.Cancel(1)
	rp.Watch(1)
	fresh := waitStall(t, rp)
	assert.Equal(t, 0, fresh.Attempt)
	assert.Equal(t, 10*time.Millisecond, fresh.Duration)
}

func TestPacerRoundsIndependent(t *testing.T) {
	rp := newTestPacer(10*time.Millisecond, 0)
	rp.Start()
	defer rp.Stop()

	rp.Watch(1)
	rp.Watch(2)

	seen := map[uint64]bool{}
	for i := 0; i < 2; i++ {
		seen[waitStall(t, rp).Round] = true
	}
	assert.True(t, seen[1])
	assert.True(t, seen[2])
}

func TestPacerStopDiscardsTimers(t *testing.T) {
	rp := newTestPacer(10*time.Millisecond, 0)
	rp.Start()

	rp.Watch(1)
	rp.Stop()

	// watch and cancel after stop return immediately instead of blocking
	done := make(chan struct{})
	go func() {
		rp.Watch(2)
		rp.Cancel(2)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("watch blocked after stop")
	}

	// stopping twice is a no-op
	rp.Stop()
}

func TestPacerStartIdempotent(t *testing.T) {
	rp := newTestPacer(10*time.Millisecond, 0)
	rp.Start()
	rp.Start()
	defer rp.Stop()

	rp.Watch(1)
	stall := waitStall(t, rp)
	assert.Equal(t, uint64(1), stall.Round)
	assert.Equal(t, uint64(0), rp.DroppedStalls())
}
