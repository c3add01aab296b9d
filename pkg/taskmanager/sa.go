package taskmanager

import (
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
)

// SAContext is the narrow contract consumed from the SA container per
// §6.1. The task manager never reaches into SA internals beyond this
// surface, keeping the manager/SA reference cycle one-directional in
// practice (the manager holds the SA by reference; the SA owns the
// manager) per the §9 design note.
type SAContext interface {
	GetState() SAState
	GetMyHost() net.Addr
	GetOtherHost() net.Addr
	SupportsExtension(flag string) bool
}

// SA is the concrete SA container this module owns and drives. Its fields
// mirror the narrow slice of `private_task_manager_t`/`ike_sa_t` state the
// original source actually touches: MID counters, lifecycle state, and the
// half-open deadline and responder-SPI quirks recovered from
// original_source (SPEC_FULL.md Supplemented Features #2, #4).
type SA struct {
	// ID is a correlation identifier for log lines, minted once per SA
	// (DOMAIN STACK: github.com/google/uuid).
	ID uuid.UUID

	mu sync.Mutex

	state SAState

	txMID uint32
	rxMID uint32

	myHost    net.Addr
	otherHost net.Addr

	extensions map[string]bool

	// responderSPIAssigned is false until the responder half of
	// IKE_SA_INIT allocates an SPI; ResponderSPI stays zero until then,
	// reproducing the original's "SPI left zero on early teardown" quirk.
	responderSPIAssigned bool
	responderSPI         uint64

	// halfOpenDeadline is armed lazily on first touch by the manager, not
	// at construction (Supplemented Features #4).
	halfOpenDeadlineSet bool
	halfOpenDeadline    time.Time
}

// NewSA creates a new SA container in the CREATED state.
func NewSA(myHost, otherHost net.Addr) *SA {
	return &SA{
		ID:         uuid.New(),
		state:      StateCreated,
		myHost:     myHost,
		otherHost:  otherHost,
		extensions: make(map[string]bool),
	}
}

// GetState returns the current lifecycle state.
func (s *SA) GetState() SAState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// SetState transitions the SA to a new lifecycle state.
func (s *SA) SetState(state SAState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = state
}

// GetMyHost returns the local host address.
func (s *SA) GetMyHost() net.Addr { return s.myHost }

// GetOtherHost returns the peer host address.
func (s *SA) GetOtherHost() net.Addr { return s.otherHost }

// SetExtension records that a named IKEv2 extension/notify capability was
// observed from the peer (e.g. "sfr" for selective fragment retransmission).
func (s *SA) SetExtension(flag string, supported bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.extensions[flag] = supported
}

// SupportsExtension reports whether the peer has advertised the named
// extension.
func (s *SA) SupportsExtension(flag string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.extensions[flag]
}

// GetMID returns the current MID for the given direction, per §6.2
// `get_mid`.
func (s *SA) GetMID(isInitiator bool) uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if isInitiator {
		return s.txMID
	}
	return s.rxMID
}

// IncrMID advances the MID for the given direction, per §6.2 `incr_mid`.
func (s *SA) IncrMID(isInitiator bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if isInitiator {
		s.txMID++
	} else {
		s.rxMID++
	}
}

// Reset re-syncs both MID counters, per §6.2 `reset` (used by the MID-sync
// exchange, Scenario F).
func (s *SA) Reset(newInitiateMID, newRespondMID uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.txMID = newInitiateMID
	s.rxMID = newRespondMID
}

// MarkEstablishing records that the responder has allocated its SPI,
// clearing the zero-SPI quirk for subsequent messages.
func (s *SA) MarkEstablishing(spi uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.responderSPIAssigned = true
	s.responderSPI = spi
}

// ResponderSPI returns the responder SPI, or zero if one has not yet been
// assigned — reproducing the original source's behavior of sending
// IKE_SA_INIT error responses with an all-zero responder SPI in the outer
// header before any SA has actually been allocated (Supplemented Features
// #2).
func (s *SA) ResponderSPI() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.responderSPIAssigned {
		return 0
	}
	return s.responderSPI
}

// HalfOpenDeadline returns the wallclock deadline for an unfinished SA
// establishment, arming it lazily on first call rather than at
// construction, matching the original's lazy-arm-on-first-config-lookup
// behavior (Supplemented Features #4).
func (s *SA) HalfOpenDeadline(now time.Time, timeout time.Duration) time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.halfOpenDeadlineSet {
		s.halfOpenDeadline = now.Add(timeout)
		s.halfOpenDeadlineSet = true
	}
	return s.halfOpenDeadline
}

// IsHalfOpen reports whether the SA is still establishing (CREATED or
// CONNECTING).
func (s *SA) IsHalfOpen() bool {
	st := s.GetState()
	return st == StateCreated || st == StateConnecting
}
