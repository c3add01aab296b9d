// Package wire holds the responder-side replay hardening used by
// pkg/taskmanager. It does no datagram parsing or classification.
package wire

import (
	"github.com/pion/transport/v3/replaydetector"
)

// DefaultReplayWindowSize is the sliding-window size used to catch packets
// replayed far outside the ordinary one-in-flight retransmit pattern —
// wider than the task manager's own MID window, since a replayed datagram
// can arrive long after its MID has been superseded.
const DefaultReplayWindowSize = 1024

// AntiReplay wraps a per-peer IKEv2 message-ID replay detector. The task
// manager's HandleRequest consults it only for requests its own MID window
// has already rejected, to log whether such a request is a stale replay;
// the check does not change whether a request is accepted.
type AntiReplay struct {
	detector replaydetector.ReplayDetector
}

// NewAntiReplay creates a detector keyed on the 32-bit message-ID space.
func NewAntiReplay() *AntiReplay {
	return &AntiReplay{
		detector: replaydetector.New(DefaultReplayWindowSize, uint64(^uint32(0))),
	}
}

// Check reports whether mid is acceptable (not an out-of-window replay). On
// acceptance it returns an accept function the caller must invoke once the
// message has been fully validated (matching replaydetector's
// check-then-commit protocol, which avoids marking a MID as seen for a
// datagram that turns out to be garbage).
func (a *AntiReplay) Check(mid uint32) (accept func(), ok bool) {
	return a.detector.Check(uint64(mid))
}
