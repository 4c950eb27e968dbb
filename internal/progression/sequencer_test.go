package progression

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func testConfig() Config {
	return Config{
		SegmentDuration: 10 * time.Millisecond,
		FrameInterval:   time.Millisecond,
		FinalHold:       time.Millisecond,
	}
}

// recorder collects sequencer callbacks and acks every boundary as soon
// as it surfaces, like a user immediately dismissing each dialog.
type recorder struct {
	mu         sync.Mutex
	frames     []int
	boundaries []int
	xpToNext   []int
	completed  bool
}

func (r *recorder) callbacks(ackFn func()) Callbacks {
	return Callbacks{
		OnFrame: func(displayedXP int) {
			r.mu.Lock()
			r.frames = append(r.frames, displayedXP)
			r.mu.Unlock()
		},
		OnLevelBoundary: func(level, xpToNext int) {
			r.mu.Lock()
			r.boundaries = append(r.boundaries, level)
			r.xpToNext = append(r.xpToNext, xpToNext)
			r.mu.Unlock()
			if ackFn != nil {
				go ackFn()
			}
		},
		OnComplete: func() {
			r.mu.Lock()
			r.completed = true
			r.mu.Unlock()
		},
	}
}

func waitDone(t *testing.T, seq *Sequencer) {
	t.Helper()
	select {
	case <-seq.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("sequencer did not finish")
	}
}

func TestSequencerCrossesEveryBoundaryInOrder(t *testing.T) {
	rec := &recorder{}
	var seq *Sequencer
	seq = NewSequencer(testConfig(), rec.callbacks(func() { _ = seq.Ack() }), zap.NewNop())

	// 0 -> 250 crosses the thresholds 40, 95, 165, 250: levels 2..5.
	require.NoError(t, seq.Start(0, 250))
	waitDone(t, seq)

	assert.Equal(t, []int{2, 3, 4, 5}, rec.boundaries)
	assert.True(t, rec.completed)
	assert.Equal(t, StateIdle, seq.State())

	// xp_to_next at each pause is the gap for the just-reached level.
	assert.Equal(t, []int{55, 70, 85, 100}, rec.xpToNext)

	// Frames never overshoot and end on the final total.
	for _, f := range rec.frames {
		assert.LessOrEqual(t, f, 250)
	}
	require.NotEmpty(t, rec.frames)
	assert.Equal(t, 250, rec.frames[len(rec.frames)-1])
}

func TestSequencerTwoBoundaries(t *testing.T) {
	rec := &recorder{}
	var seq *Sequencer
	seq = NewSequencer(testConfig(), rec.callbacks(func() { _ = seq.Ack() }), zap.NewNop())

	// A difficulty-2 mission at xp=0: 0 -> 100 crosses 40 and 95.
	require.NoError(t, seq.Start(0, 100))
	waitDone(t, seq)

	assert.Equal(t, []int{2, 3}, rec.boundaries)
	assert.True(t, rec.completed)
}

func TestSequencerNoBoundaryMidLevel(t *testing.T) {
	rec := &recorder{}
	seq := NewSequencer(testConfig(), rec.callbacks(nil), zap.NewNop())

	// 40 -> 70 stays inside level 2; no pause, just completion.
	require.NoError(t, seq.Start(40, 30))
	waitDone(t, seq)

	assert.Empty(t, rec.boundaries)
	assert.True(t, rec.completed)
}

func TestSequencerBoundaryAtEndStillPauses(t *testing.T) {
	rec := &recorder{}
	var seq *Sequencer
	seq = NewSequencer(testConfig(), rec.callbacks(func() { _ = seq.Ack() }), zap.NewNop())

	// Landing exactly on the level-2 threshold surfaces the dialog even
	// though no segment follows.
	require.NoError(t, seq.Start(0, 40))
	waitDone(t, seq)

	assert.Equal(t, []int{2}, rec.boundaries)
	assert.True(t, rec.completed)
}

func TestSequencerPausesUntilAck(t *testing.T) {
	rec := &recorder{}
	seq := NewSequencer(testConfig(), rec.callbacks(nil), zap.NewNop())

	require.NoError(t, seq.Start(0, 100))

	require.Eventually(t, func() bool {
		return seq.State() == StateLevelUpPendingAck
	}, 5*time.Second, time.Millisecond)

	// Without an ack the run stays parked at the first boundary.
	time.Sleep(20 * time.Millisecond)
	rec.mu.Lock()
	boundaries := len(rec.boundaries)
	completed := rec.completed
	rec.mu.Unlock()
	assert.Equal(t, 1, boundaries)
	assert.False(t, completed)

	require.NoError(t, seq.Ack())
	require.Eventually(t, func() bool {
		return seq.State() == StateLevelUpPendingAck
	}, 5*time.Second, time.Millisecond)
	require.NoError(t, seq.Ack())
	waitDone(t, seq)

	assert.Equal(t, []int{2, 3}, rec.boundaries)
	assert.True(t, rec.completed)
}

func TestSequencerAckWithoutPause(t *testing.T) {
	seq := NewSequencer(testConfig(), Callbacks{}, zap.NewNop())
	assert.ErrorIs(t, seq.Ack(), ErrNoPendingLevelUp)
}

func TestSequencerStopAbandonsRun(t *testing.T) {
	rec := &recorder{}
	seq := NewSequencer(testConfig(), rec.callbacks(nil), zap.NewNop())

	require.NoError(t, seq.Start(0, 250))
	require.Eventually(t, func() bool {
		return seq.State() == StateLevelUpPendingAck
	}, 5*time.Second, time.Millisecond)

	seq.Stop()
	waitDone(t, seq)

	// Abandonment drops the rest of the run: no further boundaries and
	// no completion signal.
	assert.Equal(t, []int{2}, rec.boundaries)
	assert.False(t, rec.completed)
	assert.Equal(t, StateIdle, seq.State())
}

func TestSequencerRejectsInvalidGain(t *testing.T) {
	seq := NewSequencer(testConfig(), Callbacks{}, zap.NewNop())
	assert.ErrorIs(t, seq.Start(0, 0), ErrInvalidGain)
	assert.ErrorIs(t, seq.Start(100, -5), ErrInvalidGain)
}

func TestSequencerRunsOnce(t *testing.T) {
	seq := NewSequencer(testConfig(), Callbacks{}, zap.NewNop())
	require.NoError(t, seq.Start(40, 10))
	assert.ErrorIs(t, seq.Start(40, 10), ErrAlreadyRunning)
	waitDone(t, seq)
}

func TestEaseOutCubic(t *testing.T) {
	assert.Equal(t, 0.0, easeOutCubic(-1))
	assert.Equal(t, 0.0, easeOutCubic(0))
	assert.Equal(t, 1.0, easeOutCubic(1))
	assert.Equal(t, 1.0, easeOutCubic(2))

	// Ease-out front-loads progress: the halfway point is past 50%.
	assert.Greater(t, easeOutCubic(0.5), 0.5)

	// Monotonic on [0,1].
	prev := 0.0
	for t0 := 0.05; t0 <= 1.0; t0 += 0.05 {
		v := easeOutCubic(t0)
		assert.GreaterOrEqual(t, v, prev)
		prev = v
	}
}
