// Package trigger decides when a capture starts and when it is ready
// to export.
//
// The controller watches the normalized filter output one sample at a
// time.  Like the radar trigger on the digitizer this grew out of, it
// has two thresholds: the level is "excited" when it meets or exceeds
// the excite threshold, and must then "relax" past the relax threshold
// before the controller can be armed again.  A signal that stays above
// threshold therefore produces exactly one capture.
package trigger

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// State is the phase of the capture session.
type State uint32

const (
	Idle        State = iota // not armed; filter runs for monitoring only
	Armed                    // waiting for the level to reach the excite threshold
	PostCapture              // triggered; counting post-trigger samples
	Exporting                // ingestion paused while the window is exported
)

var stateNames = [...]string{"idle", "armed", "post_capture", "exporting"}

func (s State) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("state(%d)", uint32(s))
}

// Slope selects which direction of crossing fires the trigger.
type Slope int

const (
	Rising  Slope = iota // fire when level >= excite; relax when level < relax
	Falling              // fire when level <= excite; relax when level > relax
)

// ParseSlope accepts "rising" or "falling".
func ParseSlope(s string) (Slope, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "rising":
		return Rising, nil
	case "falling":
		return Falling, nil
	}
	return Rising, fmt.Errorf("%w: unknown slope %q", ErrConfig, s)
}

var (
	// ErrConfig is returned for inconsistent trigger settings.
	ErrConfig = errors.New("trigger: invalid configuration")
	// ErrWindow is returned when pre+post samples do not fit in the ring.
	ErrWindow = errors.New("trigger: export window exceeds ring capacity")
	// ErrState is returned for a request that does not apply in the current state.
	ErrState = errors.New("trigger: wrong state")
)

// Config holds the trigger settings.
type Config struct {
	Excite int64 // level that fires the trigger
	Relax  int64 // level the signal must return past before re-arming
	Slope  Slope
	Pre    int  // samples kept from before the trigger
	Post   int  // samples captured from the trigger on
	Auto   bool // re-arm automatically after each capture
}

// Validate checks the settings against a ring of the given capacity.
func (c Config) Validate(capacity int) error {
	if c.Pre < 0 || c.Post < 0 {
		return fmt.Errorf("%w: negative window pre=%d post=%d", ErrConfig, c.Pre, c.Post)
	}
	if c.Pre+c.Post == 0 {
		return fmt.Errorf("%w: empty export window", ErrConfig)
	}
	if c.Pre > capacity-c.Post {
		return fmt.Errorf("%w: pre %d + post %d > capacity %d", ErrWindow, c.Pre, c.Post, capacity)
	}
	if c.Slope == Rising && c.Relax > c.Excite {
		return fmt.Errorf("%w: rising slope needs relax %d <= excite %d", ErrConfig, c.Relax, c.Excite)
	}
	if c.Slope == Falling && c.Relax < c.Excite {
		return fmt.Errorf("%w: falling slope needs relax %d >= excite %d", ErrConfig, c.Relax, c.Excite)
	}
	return nil
}

// Session describes the capture in progress, if any.
type Session struct {
	State     State
	Pre       int
	Post      int
	Remaining int       // post-trigger samples still to be ingested
	TrigPos   uint64    // ring position just after the triggering sample
	TrigTime  time.Time // when the trigger fired
	Level     int64     // level that fired the trigger
}

// Controller is the capture state machine.  Observe must only be
// called from the goroutine that writes the ring.  Arm may be called
// from any goroutine.  A request is served by the next capture that
// starts from Idle; requests made while armed or counting post-trigger
// samples are absorbed by that capture.
type Controller struct {
	cfg     Config
	session Session
	armReq  chan struct{}
	now     func() time.Time

	fired     uint64
	abandoned uint64
}

// New returns a controller in the Idle state.
func New(cfg Config, capacity int) (*Controller, error) {
	if err := cfg.Validate(capacity); err != nil {
		return nil, err
	}
	return &Controller{
		cfg:     cfg,
		session: Session{State: Idle, Pre: cfg.Pre, Post: cfg.Post},
		armReq:  make(chan struct{}, 1),
		now:     time.Now,
	}, nil
}

// Config returns the trigger settings.
func (c *Controller) Config() Config {
	return c.cfg
}

// State is the current state.
func (c *Controller) State() State {
	return c.session.State
}

// Session returns a copy of the current capture session.
func (c *Controller) Session() Session {
	return c.session
}

// Fired counts triggers since construction.
func (c *Controller) Fired() uint64 {
	return c.fired
}

// Abandoned counts captures given up before export.
func (c *Controller) Abandoned() uint64 {
	return c.abandoned
}

// Arm requests a single capture.  Repeated requests collapse into one.
func (c *Controller) Arm() {
	select {
	case c.armReq <- struct{}{}:
	default:
	}
}

func (c *Controller) excited(level int64) bool {
	if c.cfg.Slope == Falling {
		return level <= c.cfg.Excite
	}
	return level >= c.cfg.Excite
}

func (c *Controller) relaxed(level int64) bool {
	if c.cfg.Slope == Falling {
		return level > c.cfg.Relax
	}
	return level < c.cfg.Relax
}

// armRequested reports, and consumes, an outstanding arm request.
func (c *Controller) armRequested() bool {
	if c.cfg.Auto {
		return true
	}
	select {
	case <-c.armReq:
		return true
	default:
		return false
	}
}

func (c *Controller) dropArmRequest() {
	select {
	case <-c.armReq:
	default:
	}
}

// Observe feeds the level computed for the sample just written; pos is
// the ring position after that sample.  It returns true exactly once
// per capture: on the sample that completes the post-trigger window.
// The caller must then stop ingesting, export, and call Done.
func (c *Controller) Observe(level int64, pos uint64) bool {
	s := &c.session
	if s.State == Armed || s.State == PostCapture {
		c.dropArmRequest()
	}
	switch s.State {
	case Idle:
		// Arming needs a relaxed level, so a level held past the
		// threshold can not fire again until it comes back.
		if c.relaxed(level) && c.armRequested() {
			s.State = Armed
		}
	case Armed:
		if c.excited(level) {
			c.fired++
			s.TrigPos = pos
			s.TrigTime = c.now()
			s.Level = level
			s.Remaining = s.Post
			if s.Remaining == 0 {
				s.State = Exporting
				return true
			}
			s.State = PostCapture
		}
	case PostCapture:
		s.Remaining--
		if s.Remaining == 0 {
			s.State = Exporting
			return true
		}
	case Exporting:
		// ingestion should be paused; nothing to do
	}
	return false
}

// Done ends an export and returns to Idle.
func (c *Controller) Done() error {
	if c.session.State != Exporting {
		return fmt.Errorf("%w: done in %s", ErrState, c.session.State)
	}
	c.reset()
	return nil
}

// Abandon gives up a capture that is still waiting for post-trigger
// samples, e.g. because sampling stopped.  It returns to Idle.
func (c *Controller) Abandon() error {
	if c.session.State != PostCapture {
		return fmt.Errorf("%w: abandon in %s", ErrState, c.session.State)
	}
	c.abandoned++
	c.reset()
	return nil
}

func (c *Controller) reset() {
	c.session = Session{State: Idle, Pre: c.cfg.Pre, Post: c.cfg.Post}
}
