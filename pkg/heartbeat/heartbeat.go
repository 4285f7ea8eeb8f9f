package heartbeat

import (
	"sync"
	"time"
)

// State is the activity level that picks the heartbeat interval.
type State int

const (
	Idle State = iota
	Active
	Busy
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Active:
		return "active"
	case Busy:
		return "busy"
	default:
		return "unknown"
	}
}

// Intervals configures the controller.
type Intervals struct {
	Idle   time.Duration
	Active time.Duration
	Busy   time.Duration
	// IdleAfter is how long without activity demotes Active to Idle.
	IdleAfter time.Duration
}

func DefaultIntervals() Intervals {
	return Intervals{
		Idle:      300 * time.Second,
		Active:    60 * time.Second,
		Busy:      30 * time.Second,
		IdleAfter: 300 * time.Second,
	}
}

// Controller is the per-client heartbeat state machine. Busy is only left
// through EndTransfer, so a long transfer never drifts into the idle cadence.
type Controller struct {
	mu        sync.Mutex
	intervals Intervals
	now       func() time.Time

	state          State
	lastActivity   time.Time
	lastHeartbeat  time.Time
	heartbeats     int
	stateChanges   int
	activeTransfer int
}

func New(intervals Intervals, initial State) *Controller {
	return newWithClock(intervals, initial, time.Now)
}

func newWithClock(intervals Intervals, initial State, now func() time.Time) *Controller {
	t := now()
	return &Controller{
		intervals:     intervals,
		now:           now,
		state:         initial,
		lastActivity:  t,
		lastHeartbeat: t,
	}
}

// Interval returns the wait before the next heartbeat, demoting Active to
// Idle first when the idle threshold has passed.
func (c *Controller) Interval() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.demoteLocked()
	return c.intervalLocked()
}

func (c *Controller) intervalLocked() time.Duration {
	switch c.state {
	case Idle:
		return c.intervals.Idle
	case Busy:
		return c.intervals.Busy
	default:
		return c.intervals.Active
	}
}

func (c *Controller) demoteLocked() {
	if c.state != Active {
		return
	}
	if c.now().Sub(c.lastActivity) >= c.intervals.IdleAfter {
		c.setLocked(Idle)
	}
}

func (c *Controller) setLocked(s State) {
	if c.state != s {
		c.state = s
		c.stateChanges++
	}
}

// State reports the current state after the passive idle check.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.demoteLocked()
	return c.state
}

// MarkActivity records user activity; Idle becomes Active.
func (c *Controller) MarkActivity() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lastActivity = c.now()
	if c.state == Idle {
		c.setLocked(Active)
	}
}

// StartTransfer forces Busy. Overlapping transfers are counted so the first
// one to end doesn't drop the cadence while another is still running.
func (c *Controller) StartTransfer() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lastActivity = c.now()
	c.activeTransfer++
	c.setLocked(Busy)
}

// EndTransfer returns to Active once no transfer remains.
func (c *Controller) EndTransfer() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lastActivity = c.now()
	if c.activeTransfer > 0 {
		c.activeTransfer--
	}
	if c.activeTransfer == 0 {
		c.setLocked(Active)
	}
}

// RecordHeartbeat notes that a heartbeat was sent.
func (c *Controller) RecordHeartbeat() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lastHeartbeat = c.now()
	c.heartbeats++
}

// ShouldSend reports whether the current interval has elapsed since the last
// heartbeat.
func (c *Controller) ShouldSend() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.demoteLocked()
	return c.now().Sub(c.lastHeartbeat) >= c.intervalLocked()
}

// Until returns how long until the next heartbeat is due; zero if overdue.
func (c *Controller) Until() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.demoteLocked()
	d := c.intervalLocked() - c.now().Sub(c.lastHeartbeat)
	if d < 0 {
		return 0
	}
	return d
}

type Stats struct {
	State             State
	Heartbeats        int
	Interval          time.Duration
	IdleFor           time.Duration
	SinceLastBeat     time.Duration
	StateChangesCount int
}

func (c *Controller) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.demoteLocked()
	now := c.now()
	return Stats{
		State:             c.state,
		Heartbeats:        c.heartbeats,
		Interval:          c.intervalLocked(),
		IdleFor:           now.Sub(c.lastActivity),
		SinceLastBeat:     now.Sub(c.lastHeartbeat),
		StateChangesCount: c.stateChanges,
	}
}
