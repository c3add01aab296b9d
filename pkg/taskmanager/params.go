package taskmanager

import (
	"time"

	"github.com/hejoey/charonsa/pkg/retransmit"
)

// Default configuration values, named in §6.4.
const (
	DefaultHalfOpenTimeout            = 30 * time.Second
	DefaultMakeBeforeBreak            = true
	DefaultSelectiveFragmentRetransmission = true
	DefaultMaxFragmentSize            = 1200
)

// Config holds the §6.4 configuration surface plus the retransmission
// tuning the controller needs, following a
// DefaultConfig/Validate/WithDefaults shape.
type Config struct {
	// SelectiveFragmentRetransmission is the local SFR enable setting.
	SelectiveFragmentRetransmission bool

	// MakeBeforeBreak chooses the reauth strategy (establish a new SA
	// before tearing down the old one) when true.
	MakeBeforeBreak bool

	// HalfOpenTimeout sets the deadline SA.HalfOpenDeadline reports for an
	// unfinished SA establishment, armed when Initiate runs on a half-open
	// SA. Nothing in this package tears the SA down when it passes.
	HalfOpenTimeout time.Duration

	// SimulateFirstFragmentLoss drops the first outgoing fragment of an
	// initial transmission, for exercising SFR in tests (§6.4 debug flag).
	SimulateFirstFragmentLoss bool

	// MaxFragmentSize bounds how large an outer packet may be before the
	// generation step splits the message further.
	MaxFragmentSize int

	// Retransmit carries the whole-message backoff and selective-retry
	// tuning consumed by pkg/retransmit.Controller.
	Retransmit retransmit.Config
}

// DefaultConfig returns the §6.4 defaults.
func DefaultConfig() Config {
	return Config{
		SelectiveFragmentRetransmission: DefaultSelectiveFragmentRetransmission,
		MakeBeforeBreak:                 DefaultMakeBeforeBreak,
		HalfOpenTimeout:                 DefaultHalfOpenTimeout,
		SimulateFirstFragmentLoss:       false,
		MaxFragmentSize:                 DefaultMaxFragmentSize,
		Retransmit:                      retransmit.DefaultConfig(),
	}
}

// Validate checks the configuration is usable.
func (c Config) Validate() bool {
	if c.HalfOpenTimeout <= 0 {
		return false
	}
	if c.MaxFragmentSize <= 0 {
		return false
	}
	if c.Retransmit.MaxTries <= 0 {
		return false
	}
	return true
}

// WithDefaults returns a copy of c with zero-valued fields replaced by
// defaults, mirroring session.Params.WithDefaults.
func (c Config) WithDefaults() Config {
	result := c
	if result.HalfOpenTimeout == 0 {
		result.HalfOpenTimeout = DefaultHalfOpenTimeout
	}
	if result.MaxFragmentSize == 0 {
		result.MaxFragmentSize = DefaultMaxFragmentSize
	}
	if result.Retransmit.MaxTries == 0 {
		result.Retransmit = retransmit.DefaultConfig()
	}
	return result
}
