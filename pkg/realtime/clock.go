package realtime

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/sethvargo/go-retry"

	"github.com/parlo-app/parlo-go/pkg/core"
	"github.com/parlo-app/parlo-go/pkg/core/conversation"
	"github.com/parlo-app/parlo-go/pkg/core/cost"
)

// SessionInfo describes the cycle presented to the extension hook.
type SessionInfo struct {
	Index         int
	MaxSessions   int
	StartedAt     time.Time
	DurationLimit time.Duration
}

// Hooks carries the caller-supplied decision points. All hooks are
// optional.
type Hooks struct {
	// OnSessionComplete is invoked when a cycle reaches its duration
	// limit. Return true to extend into the next cycle. Declining, or
	// extending past the final allowed cycle, resets the clock to index
	// 1 with cleared cost and conversation state.
	OnSessionComplete func(ctx context.Context, info SessionInfo, totalCost float64) bool
}

// clockDeps wires the session clock. now and newTimer default to the
// real clock; tests substitute both.
type clockDeps struct {
	cfg      *SessionConfig
	log      *slog.Logger
	channel  ControlChannel
	costs    *cost.Accountant
	memory   *conversation.Log
	hooks    Hooks
	metrics  *Metrics
	emit     func(Event)
	fatal    func(*core.Error)
	ctx      context.Context
	now      func() time.Time
	newTimer func(time.Duration, func()) *time.Timer
}

// sessionClock runs the timed multi-session lifecycle and owns all
// configuration sends on the control channel.
type sessionClock struct {
	cfg     *SessionConfig
	log     *slog.Logger
	channel ControlChannel
	costs   *cost.Accountant
	memory  *conversation.Log
	hooks   Hooks
	metrics *Metrics
	emit    func(Event)
	fatal   func(*core.Error)
	ctx     context.Context

	now      func() time.Time
	newTimer func(time.Duration, func()) *time.Timer

	mu         sync.Mutex
	running    bool
	stopped    bool
	index      int
	startedAt  time.Time
	warnTimer  *time.Timer
	limitTimer *time.Timer

	lastSentInstructions string
	haveSent             bool
	inFlight             bool
}

func newSessionClock(d clockDeps) *sessionClock {
	if d.now == nil {
		d.now = time.Now
	}
	if d.newTimer == nil {
		d.newTimer = time.AfterFunc
	}
	if d.ctx == nil {
		d.ctx = context.Background()
	}
	if d.emit == nil {
		d.emit = func(Event) {}
	}
	return &sessionClock{
		cfg:      d.cfg,
		log:      d.log,
		channel:  d.channel,
		costs:    d.costs,
		memory:   d.memory,
		hooks:    d.hooks,
		metrics:  d.metrics,
		emit:     d.emit,
		fatal:    d.fatal,
		ctx:      d.ctx,
		now:      d.now,
		newTimer: d.newTimer,
		index:    1,
	}
}

// StartTimers begins the first cycle. Calling it again while running is
// a no-op.
func (c *sessionClock) StartTimers() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.running || c.stopped {
		return
	}
	c.running = true
	c.startCycleLocked(1)
}

// Index returns the current 1-based cycle index.
func (c *sessionClock) Index() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.index
}

// Elapsed returns time spent in the current cycle.
func (c *sessionClock) Elapsed() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.startedAt.IsZero() {
		return 0
	}
	return c.now().Sub(c.startedAt)
}

// ConfigureSession sends the configured instructions as the initial
// session.update.
func (c *sessionClock) ConfigureSession(ctx context.Context) error {
	return c.sendConfiguration(ctx, c.cfg.Instructions)
}

// UpdateInstructions re-sends the session configuration with new
// instructions. Sending the same text as the last successful send is
// skipped entirely; a call while another send is still retrying is
// rejected rather than interleaved.
func (c *sessionClock) UpdateInstructions(ctx context.Context, instructions string) error {
	return c.sendConfiguration(ctx, instructions)
}

// Cleanup stops all timers and refuses further sends. Idempotent.
func (c *sessionClock) Cleanup() {
	c.mu.Lock()
	c.stopped = true
	c.running = false
	c.stopTimersLocked()
	c.mu.Unlock()
}

func (c *sessionClock) startCycleLocked(index int) {
	c.stopTimersLocked()
	c.index = index
	c.startedAt = c.now()

	warnAfter := c.cfg.Timing.DurationLimit - c.cfg.Timing.WarningOffset
	c.warnTimer = c.newTimer(warnAfter, c.fireWarning)
	c.limitTimer = c.newTimer(c.cfg.Timing.DurationLimit, c.fireLimit)

	c.log.Info("session cycle started",
		"index", index,
		"max_sessions", c.cfg.Timing.MaxSessions,
		"duration_limit", c.cfg.Timing.DurationLimit)
	c.emit(SessionStartedEvent{
		Index:       index,
		MaxSessions: c.cfg.Timing.MaxSessions,
		StartedAt:   c.startedAt,
	})
}

func (c *sessionClock) stopTimersLocked() {
	if c.warnTimer != nil {
		c.warnTimer.Stop()
		c.warnTimer = nil
	}
	if c.limitTimer != nil {
		c.limitTimer.Stop()
		c.limitTimer = nil
	}
}

func (c *sessionClock) fireWarning() {
	c.mu.Lock()
	if !c.running || c.stopped {
		c.mu.Unlock()
		return
	}
	minutes := int(math.Round(c.cfg.Timing.WarningOffset.Minutes()))
	c.mu.Unlock()

	total := c.costs.Total()
	c.log.Info("session time warning", "minutes_left", minutes, "total_cost", total)
	c.metrics.RecordTimeWarning()
	c.emit(TimeWarningEvent{MinutesLeft: minutes, TotalCost: total})
}

func (c *sessionClock) fireLimit() {
	c.mu.Lock()
	if !c.running || c.stopped {
		c.mu.Unlock()
		return
	}
	info := SessionInfo{
		Index:         c.index,
		MaxSessions:   c.cfg.Timing.MaxSessions,
		StartedAt:     c.startedAt,
		DurationLimit: c.cfg.Timing.DurationLimit,
	}
	c.mu.Unlock()

	total := c.costs.Total()
	extend := false
	if c.hooks.OnSessionComplete != nil {
		extend = c.hooks.OnSessionComplete(c.ctx, info, total)
	}

	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return
	}
	max := c.cfg.Timing.MaxSessions
	if extend && info.Index < max {
		next := info.Index + 1
		c.startCycleLocked(next)
		c.mu.Unlock()
		c.metrics.RecordExtension()
		c.emit(SessionExtendedEvent{NextIndex: next})
		return
	}

	// Declined, or the final allowed cycle just ended: back to index 1
	// with a clean ledger and conversation state.
	hitMax := info.Index >= max
	c.startCycleLocked(1)
	c.mu.Unlock()

	c.costs.Reset()
	c.memory.Reset()
	if hitMax {
		c.log.Info("maximum sessions reached", "sessions", max)
		c.emit(SessionsExhaustedEvent{Sessions: max})
	}
}

func (c *sessionClock) sendConfiguration(ctx context.Context, instructions string) error {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return core.NewConfigurationError("session clock is shut down")
	}
	if c.haveSent && instructions == c.lastSentInstructions {
		c.mu.Unlock()
		c.log.Debug("configuration unchanged, skipping send")
		return nil
	}
	if c.inFlight {
		c.mu.Unlock()
		return core.NewConfigurationError("configuration send already in flight")
	}
	c.inFlight = true
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		c.inFlight = false
		c.mu.Unlock()
	}()

	frame, err := encodeSessionUpdate(c.cfg, instructions)
	if err != nil {
		return core.Wrap(core.ErrConfiguration, "encode session.update", err)
	}

	// The channel may legitimately still be negotiating when the first
	// configuration attempt is made, so not-open is retryable.
	backoff := retry.NewExponential(c.cfg.Retry.BaseDelay)
	backoff = retry.WithCappedDuration(c.cfg.Retry.MaxDelay, backoff)
	backoff = retry.WithMaxRetries(uint64(c.cfg.Retry.MaxRetries), backoff)

	attempts := 0
	err = retry.Do(ctx, backoff, func(ctx context.Context) error {
		attempts++
		if !c.channel.Ready() {
			return retry.RetryableError(core.NewChannelError("control channel not open"))
		}
		if err := c.channel.Send(ctx, frame); err != nil {
			return retry.RetryableError(err)
		}
		return nil
	})
	if err != nil {
		cerr := core.Wrap(core.ErrConfiguration,
			fmt.Sprintf("configuration send failed after %d attempts", attempts), err)
		c.metrics.RecordConfigSend(false)
		if c.cfg.StrictConfig {
			// Mid-session exhaustion makes the session unusable. The
			// initial send has no timers running yet; its caller owns
			// the failure.
			c.mu.Lock()
			live := c.running && !c.stopped
			c.mu.Unlock()
			if live && c.fatal != nil {
				c.fatal(cerr)
			}
			return cerr
		}
		c.log.Warn("continuing with stale configuration", "error", cerr, "attempts", attempts)
		c.emit(ConfigFailedEvent{Err: cerr})
		return nil
	}

	c.mu.Lock()
	c.lastSentInstructions = instructions
	c.haveSent = true
	c.mu.Unlock()

	c.log.Debug("configuration applied", "attempts", attempts)
	c.metrics.RecordConfigSend(true)
	c.emit(ConfigAppliedEvent{})
	return nil
}
