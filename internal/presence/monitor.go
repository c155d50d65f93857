package presence

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/roach88/stakehold/internal/clock"
	"github.com/roach88/stakehold/internal/session"
)

// ErrNoChallenge is returned by Acknowledge when no checkpoint is pending.
var ErrNoChallenge = errors.New("presence: no checkpoint challenge pending")

// Monitor runs the presence channels for one session.
//
// Thread-safety: all methods are safe for concurrent use. Timer callbacks
// and public methods share one mutex; the Sink is always called after the
// mutex is released.
type Monitor struct {
	clk  clock.Clock
	cfg  Config
	rnd  Rand
	sink Sink

	mu        sync.Mutex
	gen       uint64
	running   bool
	forfeited bool
	deadline  time.Time

	hidden      bool
	hiddenSince time.Time
	visWarned   bool
	visTimers   clock.Group

	lastInput time.Time
	idleWarned bool
	idlePoll   clock.Timer

	checkpoint        clock.Timer
	challengePending  bool
	challengeDeadline time.Time
	ackTimer          clock.Timer
}

// NewMonitor creates a stopped Monitor. Call Start to arm it.
func NewMonitor(clk clock.Clock, cfg Config, rnd Rand, sink Sink) *Monitor {
	return &Monitor{clk: clk, cfg: cfg, rnd: rnd, sink: sink}
}

// Start arms the idle poll and the first checkpoint. deadline is when the
// session's countdown ends; checkpoints too close to it are deferred.
func (m *Monitor) Start(deadline time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.stopLocked()
	m.gen++
	m.running = true
	m.forfeited = false
	m.deadline = deadline
	m.lastInput = m.clk.Now()
	m.idleWarned = false
	m.hidden = false
	m.visWarned = false
	m.challengePending = false
	m.challengeDeadline = time.Time{}

	gen := m.gen
	m.idlePoll = m.clk.Every(m.cfg.IdlePoll, func() { m.pollIdle(gen) })
	m.scheduleCheckpointLocked()
}

// Stop disarms every channel. Safe to call more than once.
func (m *Monitor) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stopLocked()
}

func (m *Monitor) stopLocked() {
	m.gen++
	m.running = false
	m.visTimers.StopAll()
	if m.idlePoll != nil {
		m.idlePoll.Stop()
		m.idlePoll = nil
	}
	if m.checkpoint != nil {
		m.checkpoint.Stop()
		m.checkpoint = nil
	}
	if m.ackTimer != nil {
		m.ackTimer.Stop()
		m.ackTimer = nil
	}
}

// Running reports whether the channels are armed.
func (m *Monitor) Running() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.running
}

// SetHidden records a visibility change. Repeated identical signals are
// ignored, so a second "hidden" does not restart the episode.
func (m *Monitor) SetHidden(hidden bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.running || m.hidden == hidden {
		return
	}
	m.hidden = hidden
	m.visTimers.StopAll()
	m.visWarned = false
	if !hidden {
		m.hiddenSince = time.Time{}
		return
	}

	m.hiddenSince = m.clk.Now()
	gen := m.gen
	m.visTimers.Add(m.clk.AfterFunc(m.cfg.VisibilityWarning, func() { m.visibilityWarning(gen) }))
	m.visTimers.Add(m.clk.AfterFunc(m.cfg.VisibilityForfeit, func() {
		m.forfeit(gen, ChannelVisibility, session.ReasonLeftTab)
	}))
}

// RecordInput resets the idle channel.
func (m *Monitor) RecordInput() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.running {
		return
	}
	m.lastInput = m.clk.Now()
	m.idleWarned = false
}

// Acknowledge answers the pending checkpoint challenge and schedules the
// next one.
func (m *Monitor) Acknowledge() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.running || !m.challengePending {
		return ErrNoChallenge
	}
	if m.ackTimer != nil {
		m.ackTimer.Stop()
		m.ackTimer = nil
	}
	m.challengePending = false
	m.challengeDeadline = time.Time{}
	m.lastInput = m.clk.Now()
	m.idleWarned = false
	m.scheduleCheckpointLocked()
	return nil
}

// Flags returns the current warning projection.
func (m *Monitor) Flags() Flags {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.clk.Now()
	f := Flags{
		Hidden:            m.hidden,
		VisibilityWarning: m.visWarned,
		IdleWarning:       m.idleWarned,
		ChallengePending:  m.challengePending,
		ChallengeDeadline: m.challengeDeadline,
	}
	if m.hidden {
		f.HiddenFor = now.Sub(m.hiddenSince)
	}
	if m.running {
		f.IdleFor = now.Sub(m.lastInput)
	}
	return f
}

func (m *Monitor) visibilityWarning(gen uint64) {
	m.mu.Lock()
	if gen != m.gen || !m.running || !m.hidden || m.visWarned {
		m.mu.Unlock()
		return
	}
	m.visWarned = true
	sig := Signal{Kind: KindWarning, Channel: ChannelVisibility, Message: MessageLeftTab, At: m.clk.Now()}
	m.mu.Unlock()

	m.sink.Signal(sig)
}

func (m *Monitor) pollIdle(gen uint64) {
	m.mu.Lock()
	if gen != m.gen || !m.running {
		m.mu.Unlock()
		return
	}
	idle := m.clk.Now().Sub(m.lastInput)
	if idle >= m.cfg.IdleForfeit {
		m.mu.Unlock()
		m.forfeit(gen, ChannelIdle, session.ReasonNoInput)
		return
	}
	if idle < m.cfg.IdleWarning || m.idleWarned {
		m.mu.Unlock()
		return
	}
	m.idleWarned = true
	sig := Signal{Kind: KindWarning, Channel: ChannelIdle, Message: MessageIdle, At: m.clk.Now()}
	m.mu.Unlock()

	m.sink.Signal(sig)
}

// nextInterval draws a checkpoint interval in [CheckpointMin, CheckpointMax]
// with one-second granularity.
func (m *Monitor) nextInterval() time.Duration {
	lo := int64(m.cfg.CheckpointMin / time.Second)
	hi := int64(m.cfg.CheckpointMax / time.Second)
	return time.Duration(lo+m.rnd.Int64N(hi-lo+1)) * time.Second
}

func (m *Monitor) scheduleCheckpointLocked() {
	if m.checkpoint != nil {
		m.checkpoint.Stop()
	}
	gen := m.gen
	m.checkpoint = m.clk.AfterFunc(m.nextInterval(), func() { m.checkpointDue(gen) })
}

func (m *Monitor) checkpointDue(gen uint64) {
	m.mu.Lock()
	if gen != m.gen || !m.running {
		m.mu.Unlock()
		return
	}
	now := m.clk.Now()
	if m.challengePending || m.deadline.Sub(now) < m.cfg.CheckpointMinRemaining {
		slog.Debug("checkpoint deferred",
			"pending", m.challengePending,
			"remaining", m.deadline.Sub(now))
		m.scheduleCheckpointLocked()
		m.mu.Unlock()
		return
	}

	m.checkpoint = nil
	m.challengePending = true
	m.challengeDeadline = now.Add(m.cfg.CheckpointTimeout)
	m.ackTimer = m.clk.AfterFunc(m.cfg.CheckpointTimeout, func() {
		m.forfeit(gen, ChannelCheckpoint, session.ReasonFailedCheck)
	})
	sig := Signal{
		Kind:     KindChallenge,
		Channel:  ChannelCheckpoint,
		Message:  MessageCheckpoint,
		At:       now,
		Deadline: m.challengeDeadline,
	}
	m.mu.Unlock()

	m.sink.Signal(sig)
}

// forfeit forwards the first forfeit of this run and disarms the monitor.
func (m *Monitor) forfeit(gen uint64, ch Channel, reason string) {
	m.mu.Lock()
	if gen != m.gen || !m.running || m.forfeited {
		m.mu.Unlock()
		return
	}
	m.forfeited = true
	m.stopLocked()
	sig := Signal{Kind: KindForfeit, Channel: ch, Reason: reason, At: m.clk.Now()}
	m.mu.Unlock()

	slog.Info("presence forfeit", "channel", ch, "reason", reason)
	m.sink.Signal(sig)
}
