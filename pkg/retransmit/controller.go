package retransmit

import (
	"sync"
	"time"

	"github.com/pion/logging"

	"github.com/hejoey/charonsa/pkg/fragment"
)

// Config holds the tunable parameters of the retransmission controller
// (§4.2).
type Config struct {
	// MaxTries is the number of retransmissions (not counting the initial
	// send) before the controller gives up.
	MaxTries int

	// Base is the initial whole-message backoff delay.
	Base time.Duration

	// ExpFactor is the per-attempt growth factor of the whole-message
	// backoff formula.
	ExpFactor float64

	// JitterMargin bounds the per-attempt jitter fraction.
	JitterMargin float64

	// SelectiveRetryDelay is the fixed delay used by the selective-fragment
	// resend path, used in place of the whole-message backoff. Design
	// default 1800ms (§4.2).
	SelectiveRetryDelay time.Duration
}

// DefaultConfig returns the §4.2 defaults.
func DefaultConfig() Config {
	return Config{
		MaxTries:            5,
		Base:                500 * time.Millisecond,
		ExpFactor:           1.6,
		JitterMargin:        0.25,
		SelectiveRetryDelay: 1800 * time.Millisecond,
	}
}

// Hooks are the narrow collaborator contracts the controller needs from the
// owning exchange state machine. Expressed as function fields (a capability
// record) rather than an interface, since tests typically only need to
// override one or two hooks.
type Hooks struct {
	// CurrentTxMID returns the SA's current outbound message ID.
	CurrentTxMID func() uint32

	// Tracker returns the fragment tracker for the given message ID, if one
	// exists (a tracker only exists when SFR produced one at generation
	// time, §3 invariant 4).
	Tracker func(messageID uint32) (*fragment.Tracker, bool)

	// LocalSFREnabled reports the local selective_fragment_retransmission
	// configuration setting.
	LocalSFREnabled func() bool

	// PeerSupportsSFR reports whether the peer has latched SFR support.
	PeerSupportsSFR func() bool

	// EmitWhole retransmits every fragment of messageID (or the single
	// packet, for unfragmented messages).
	EmitWhole func(messageID uint32) error

	// EmitSelective retransmits only the fragments in fragmentIDs.
	EmitSelective func(messageID uint32, fragmentIDs []int) error

	// GiveUp is invoked once max_tries is exceeded; the SA is expected to
	// tear down in response (the controller does not do this itself).
	GiveUp func(messageID uint32)

	// OnRetransmitAttempt is an optional bus hook, fired on every
	// (re)transmission, mirroring ALERT_RETRANSMIT_SEND from the original
	// source (see SPEC_FULL.md Supplemented Features #3).
	OnRetransmitAttempt func(messageID uint32, attempt int, selective bool)

	// OnRetransmitGiveUp is the terminal counterpart, mirroring
	// ALERT_RETRANSMIT_SEND_TIMEOUT.
	OnRetransmitGiveUp func(messageID uint32)

	// Now returns the current time; overridable for deterministic tests.
	Now func() time.Time

	// Schedule arms fn to run after d; overridable for deterministic tests.
	// Defaults to time.AfterFunc.
	Schedule func(d time.Duration, fn func()) Timer
}

// Timer is the narrow subset of *time.Timer the controller needs, letting
// tests substitute a fake clock.
type Timer interface {
	Stop() bool
}

// Controller drives the §4.2 decision tree. One Controller instance exists
// per SA direction-pair: the sliding window of one outstanding request per
// direction means there is never more than one outstanding retransmit job
// at a time.
type Controller struct {
	hooks  Hooks
	cfg    Config
	backoff *BackoffCalculator
	log    logging.LeveledLogger

	mu      sync.Mutex
	timer   Timer
	mid     uint32
	attempt int
	armed   bool
}

// NewController builds a controller with the given hooks and configuration.
func NewController(hooks Hooks, cfg Config, random RandomSource, log logging.LeveledLogger) *Controller {
	if hooks.Now == nil {
		hooks.Now = time.Now
	}
	if hooks.Schedule == nil {
		hooks.Schedule = func(d time.Duration, fn func()) Timer {
			return time.AfterFunc(d, fn)
		}
	}
	return &Controller{
		hooks:   hooks,
		cfg:     cfg,
		backoff: NewBackoffCalculator(cfg.ExpFactor, cfg.JitterMargin, random),
		log:     log,
	}
}

// Dispatch arms the controller for a freshly sent message with
// retransmit_count = 0, per §4.5's Dispatch step. The initial send itself is
// performed by the caller; Dispatch only schedules the first retry.
func (c *Controller) Dispatch(messageID uint32) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.mid = messageID
	c.attempt = 0
	c.arm(messageID, c.nextDelayLocked(messageID))
}

// Cancel drops the controller's reference to the pending job without
// stopping the underlying timer ("logical cancellation", per §4.2 and the
// Open Question decision in SPEC_FULL.md). A fired callback for a dropped
// job re-validates against the current MID in Tick and returns silently.
func (c *Controller) Cancel() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.armed = false
	c.timer = nil
}

// arm schedules the next tick for messageID after d. Caller holds c.mu.
func (c *Controller) arm(messageID uint32, d time.Duration) {
	c.armed = true
	c.timer = c.hooks.Schedule(d, func() {
		_ = c.Tick(messageID)
	})
}

// nextDelayLocked decides selective vs whole-message delay for the next
// attempt against messageID. Caller holds c.mu.
func (c *Controller) nextDelayLocked(messageID uint32) time.Duration {
	if c.isSelectiveLocked(messageID) {
		return c.cfg.SelectiveRetryDelay
	}
	return c.backoff.Calculate(c.cfg.Base, c.attempt)
}

func (c *Controller) isSelectiveLocked(messageID uint32) bool {
	if c.hooks.Tracker == nil || c.hooks.LocalSFREnabled == nil || c.hooks.PeerSupportsSFR == nil {
		return false
	}
	tracker, ok := c.hooks.Tracker(messageID)
	if !ok {
		return false
	}
	return c.hooks.LocalSFREnabled() && c.hooks.PeerSupportsSFR()
}

// Tick implements the decision tree of §4.2. It is exported so timer
// callbacks and tests can invoke it directly.
func (c *Controller) Tick(messageID uint32) error {
	c.mu.Lock()

	current := c.hooks.CurrentTxMID()

	// Step 1: stale job detection.
	if messageID < current {
		tracker, hasTracker := c.hooks.Tracker(current)
		if hasTracker && !tracker.Complete() {
			c.mu.Unlock()
			if c.log != nil {
				c.log.Debugf("retransmit: stale tick for mid=%d, recursing into current mid=%d", messageID, current)
			}
			return c.Tick(current)
		}
		c.mu.Unlock()
		return nil
	}

	// Step 2: tracker already complete.
	tracker, hasTracker := c.hooks.Tracker(messageID)
	if hasTracker && tracker.Complete() {
		c.mu.Unlock()
		return nil
	}

	// Step 3: give-up check.
	if c.attempt >= c.cfg.MaxTries {
		c.armed = false
		c.mu.Unlock()
		if c.log != nil {
			c.log.Warnf("retransmit: giving up on mid=%d after %d attempts", messageID, c.attempt)
		}
		if c.hooks.GiveUp != nil {
			c.hooks.GiveUp(messageID)
		}
		if c.hooks.OnRetransmitGiveUp != nil {
			c.hooks.OnRetransmitGiveUp(messageID)
		}
		return ErrGaveUp
	}

	selective := c.isSelectiveLocked(messageID)
	c.attempt++
	attempt := c.attempt
	now := c.hooks.Now()

	if selective && hasTracker {
		missing := tracker.Missing()
		ids := make([]int, 0, len(missing))
		for _, st := range missing {
			ids = append(ids, st.FragmentID)
			tracker.RecordTransmission(st, now, true)
		}
		delay := c.cfg.SelectiveRetryDelay
		c.arm(messageID, delay)
		c.mu.Unlock()

		if c.log != nil {
			c.log.Tracef("retransmit: selective resend mid=%d fragments=%v attempt=%d", messageID, ids, attempt)
		}
		if c.hooks.OnRetransmitAttempt != nil {
			c.hooks.OnRetransmitAttempt(messageID, attempt, true)
		}
		if c.hooks.EmitSelective != nil {
			return c.hooks.EmitSelective(messageID, ids)
		}
		return nil
	}

	delay := c.backoff.Calculate(c.cfg.Base, attempt)
	c.arm(messageID, delay)
	c.mu.Unlock()

	if c.log != nil {
		c.log.Tracef("retransmit: whole-message resend mid=%d attempt=%d delay=%s", messageID, attempt, delay)
	}
	if c.hooks.OnRetransmitAttempt != nil {
		c.hooks.OnRetransmitAttempt(messageID, attempt, false)
	}
	if c.hooks.EmitWhole != nil {
		return c.hooks.EmitWhole(messageID)
	}
	return nil
}

// Attempt returns the current retransmit_count for diagnostics/tests.
func (c *Controller) Attempt() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.attempt
}

// Armed reports whether the controller believes a job is currently
// scheduled (best-effort: a logically cancelled job still fires but is
// reported as unarmed after Cancel).
func (c *Controller) Armed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.armed
}
