package progression

import (
	"errors"
	"sync"
	"time"

	"github.com/smallbiznis/questforge/internal/leveling"
	"go.uber.org/zap"
)

// State is the sequencer's explicit phase. Transitions only ever move
// Idle -> SegmentAnimating -> (LevelUpPendingAck -> SegmentAnimating)* -> Idle.
type State string

const (
	StateIdle              State = "IDLE"
	StateSegmentAnimating  State = "SEGMENT_ANIMATING"
	StateLevelUpPendingAck State = "LEVEL_UP_PENDING_ACK"
)

var (
	ErrAlreadyRunning   = errors.New("sequencer_already_running")
	ErrNoPendingLevelUp = errors.New("no_pending_level_up")
	ErrInvalidGain      = errors.New("invalid_xp_gain")
)

// Config controls animation pacing. Production uses the defaults; tests
// shrink everything so a full multi-level run finishes in milliseconds.
type Config struct {
	SegmentDuration time.Duration
	FrameInterval   time.Duration
	FinalHold       time.Duration
}

func DefaultConfig() Config {
	return Config{
		SegmentDuration: 900 * time.Millisecond,
		FrameInterval:   16 * time.Millisecond,
		FinalHold:       250 * time.Millisecond,
	}
}

// Callbacks are invoked from the sequencer's run goroutine, one at a time.
// OnFrame carries the displayed XP for the current frame. OnLevelBoundary
// fires once per boundary crossed, ascending, and the sequencer stays
// paused until Ack. OnComplete fires exactly once when the run ends
// normally; an abandoned run never completes.
type Callbacks struct {
	OnFrame         func(displayedXP int)
	OnLevelBoundary func(level int, xpToNext int)
	OnComplete      func()
}

// Sequencer animates one grant's XP fill from startXP toward
// startXP+xpGained, pausing for acknowledgment at every level boundary it
// crosses. It is purely presentational: it never touches the ledger, and
// abandoning it mid-run has no data effect.
type Sequencer struct {
	cfg Config
	cb  Callbacks
	log *zap.Logger

	mu           sync.Mutex
	state        State
	pendingLevel int

	ack      chan struct{}
	stop     chan struct{}
	done     chan struct{}
	stopOnce sync.Once
	started  bool
}

func NewSequencer(cfg Config, cb Callbacks, log *zap.Logger) *Sequencer {
	if cfg.SegmentDuration <= 0 {
		cfg.SegmentDuration = DefaultConfig().SegmentDuration
	}
	if cfg.FrameInterval <= 0 {
		cfg.FrameInterval = DefaultConfig().FrameInterval
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Sequencer{
		cfg:   cfg,
		cb:    cb,
		log:   log.Named("progression.sequencer"),
		state: StateIdle,
		ack:   make(chan struct{}, 1),
		stop:  make(chan struct{}),
		done:  make(chan struct{}),
	}
}

// Start launches the run goroutine. A sequencer runs at most once;
// restarting progression means building a new instance.
func (s *Sequencer) Start(startXP, xpGained int) error {
	if xpGained <= 0 {
		return ErrInvalidGain
	}

	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return ErrAlreadyRunning
	}
	s.started = true
	s.state = StateSegmentAnimating
	s.mu.Unlock()

	go s.run(startXP, startXP+xpGained)
	return nil
}

// Ack resumes a sequencer paused at a level boundary. Acking in any other
// state is a caller error; a repeated ack while already pending is
// absorbed by the buffer and dropped.
func (s *Sequencer) Ack() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateLevelUpPendingAck {
		return ErrNoPendingLevelUp
	}
	select {
	case s.ack <- struct{}{}:
	default:
	}
	return nil
}

// Stop abandons the run. Remaining segments and pending acknowledgments
// are dropped; OnComplete does not fire.
func (s *Sequencer) Stop() {
	s.stopOnce.Do(func() { close(s.stop) })
}

func (s *Sequencer) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Done is closed when the run goroutine exits, whether it completed or
// was stopped.
func (s *Sequencer) Done() <-chan struct{} {
	return s.done
}

// PendingLevel reports the boundary the sequencer is paused at, when it
// is paused.
func (s *Sequencer) PendingLevel() (int, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateLevelUpPendingAck {
		return 0, false
	}
	return s.pendingLevel, true
}

func (s *Sequencer) run(startXP, endXP int) {
	defer close(s.done)
	defer s.setState(StateIdle)

	current := startXP
	level := leveling.CalculateLevel(current)

	for {
		boundary, err := leveling.TotalXP(level + 1)
		if err != nil {
			s.log.Error("invalid level while sequencing", zap.Int("level", level+1), zap.Error(err))
			return
		}
		target := boundary
		if endXP < target {
			target = endXP
		}

		if !s.animateSegment(current, target) {
			return
		}
		current = target

		if current == boundary {
			level++
			xpToNext := leveling.XPToNextLevel(current)
			// Drop any ack left over from the previous pause so one
			// dismissal never skips the next boundary.
			select {
			case <-s.ack:
			default:
			}
			s.mu.Lock()
			s.state = StateLevelUpPendingAck
			s.pendingLevel = level
			s.mu.Unlock()
			if s.cb.OnLevelBoundary != nil {
				s.cb.OnLevelBoundary(level, xpToNext)
			}
			select {
			case <-s.ack:
			case <-s.stop:
				return
			}
			if current == endXP {
				break
			}
			s.setState(StateSegmentAnimating)
			continue
		}

		// Final segment ended mid-level: hold so the fill is visible,
		// then wind down without an acknowledgment.
		if s.cfg.FinalHold > 0 {
			select {
			case <-time.After(s.cfg.FinalHold):
			case <-s.stop:
				return
			}
		}
		break
	}

	if s.cb.OnComplete != nil {
		s.cb.OnComplete()
	}
}

// animateSegment emits eased frames from 'from' to 'to' over the segment
// duration. Returns false when the run was stopped mid-segment.
func (s *Sequencer) animateSegment(from, to int) bool {
	if to <= from {
		s.emitFrame(to)
		return true
	}

	ticker := time.NewTicker(s.cfg.FrameInterval)
	defer ticker.Stop()

	startedAt := time.Now()
	for {
		select {
		case <-s.stop:
			return false
		case now := <-ticker.C:
			t := float64(now.Sub(startedAt)) / float64(s.cfg.SegmentDuration)
			eased := easeOutCubic(t)
			displayed := from + int(eased*float64(to-from))
			s.emitFrame(displayed)
			if t >= 1 {
				if displayed != to {
					s.emitFrame(to)
				}
				return true
			}
		}
	}
}

func (s *Sequencer) emitFrame(displayedXP int) {
	if s.cb.OnFrame != nil {
		s.cb.OnFrame(displayedXP)
	}
}

func (s *Sequencer) setState(state State) {
	s.mu.Lock()
	s.state = state
	s.mu.Unlock()
}
