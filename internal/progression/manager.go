package progression

import (
	"errors"
	"sync"

	"github.com/bwmarrin/snowflake"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var ErrNoActiveProgression = errors.New("no_active_progression")

type ManagerParams struct {
	fx.In

	Log *zap.Logger
	Hub *Hub
	Cfg Config `optional:"true"`
}

// Manager owns at most one live sequencer per user and bridges its
// callbacks onto the hub. Starting a new run for a user abandons the
// previous one, matching a page reload mid-animation.
type Manager struct {
	log *zap.Logger
	hub *Hub
	cfg Config

	mu     sync.Mutex
	active map[snowflake.ID]*Sequencer
}

func NewManager(p ManagerParams) *Manager {
	cfg := p.Cfg
	if cfg.SegmentDuration <= 0 {
		cfg = DefaultConfig()
	}
	return &Manager{
		log:    p.Log.Named("progression.manager"),
		hub:    p.Hub,
		cfg:    cfg,
		active: make(map[snowflake.ID]*Sequencer),
	}
}

// Start begins animating a grant for the user. Fire-and-forget: progress
// is observable on the user's hub stream, and the boundary pauses wait
// for Ack.
func (m *Manager) Start(userID snowflake.ID, startXP, xpGained int) error {
	if userID == 0 {
		return errors.New("invalid_user")
	}

	var seq *Sequencer
	seq = NewSequencer(m.cfg, Callbacks{
		OnFrame: func(displayedXP int) {
			m.hub.Publish(userID, Event{
				Type:        EventFrame,
				UserID:      userID,
				DisplayedXP: displayedXP,
			})
		},
		OnLevelBoundary: func(level, xpToNext int) {
			m.hub.Publish(userID, Event{
				Type:     EventLevelUp,
				UserID:   userID,
				Level:    level,
				XPToNext: xpToNext,
			})
		},
		OnComplete: func() {
			m.hub.Publish(userID, Event{
				Type:        EventComplete,
				UserID:      userID,
				DisplayedXP: startXP + xpGained,
			})
			m.clear(userID, seq)
		},
	}, m.log)

	m.mu.Lock()
	if prev := m.active[userID]; prev != nil {
		prev.Stop()
	}
	m.active[userID] = seq
	m.mu.Unlock()

	if err := seq.Start(startXP, xpGained); err != nil {
		m.clear(userID, seq)
		return err
	}
	return nil
}

// Ack resumes the user's paused sequencer.
func (m *Manager) Ack(userID snowflake.ID) error {
	m.mu.Lock()
	seq := m.active[userID]
	m.mu.Unlock()
	if seq == nil {
		return ErrNoActiveProgression
	}
	return seq.Ack()
}

// PendingLevel reports the boundary the user's run is paused at, when it
// is paused.
func (m *Manager) PendingLevel(userID snowflake.ID) (int, bool) {
	m.mu.Lock()
	seq := m.active[userID]
	m.mu.Unlock()
	if seq == nil {
		return 0, false
	}
	return seq.PendingLevel()
}

// Stop abandons the user's live run, if any.
func (m *Manager) Stop(userID snowflake.ID) {
	m.mu.Lock()
	seq := m.active[userID]
	delete(m.active, userID)
	m.mu.Unlock()
	if seq != nil {
		seq.Stop()
	}
}

// State reports the live sequencer's phase, or Idle when none is running.
func (m *Manager) State(userID snowflake.ID) State {
	m.mu.Lock()
	seq := m.active[userID]
	m.mu.Unlock()
	if seq == nil {
		return StateIdle
	}
	return seq.State()
}

// clear removes the user's entry only while it still points at the given
// sequencer, so a completed run never evicts its replacement.
func (m *Manager) clear(userID snowflake.ID, expect *Sequencer) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.active[userID] == expect {
		delete(m.active, userID)
	}
}
