package taskmanager

import (
	"crypto/sha1"

	"github.com/hejoey/charonsa/pkg/fragment"
	"github.com/hejoey/charonsa/pkg/reassembly"
)

// InboundFragment is one wire-level fragment of an inbound request, already
// parsed by the wire layer (header fields only — payload decoding is a
// Non-goal).
type InboundFragment struct {
	Exchange       ExchangeType
	MID            uint32
	FragmentID     int
	Total          int
	Data           []byte
	Notifies       []NotifyType
	HasTSPayloads  bool
	DeleteProtocol DeleteProtocol
}

// HandleRequest feeds one inbound request fragment through the §4.6
// responder pipeline: the MID-0 FRAGMENT_ACK bypass, the half-open-initiator
// guard, MID-window classification, reassembly, and the rejection matrix.
func (m *Manager) HandleRequest(in InboundFragment) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	// A FRAGMENT_ACK on the dedicated MID-0 channel isn't part of any
	// exchange's sliding window: it is always processed, regardless of
	// state, and bypasses every rejection below (§4.6, §4.7).
	if isFragmentAckOnlyLocked(in) {
		return m.applyInboundFragmentAckLocked(in.Data)
	}

	// As initiator of a half-open SA with an exchange already in flight,
	// every other incoming request is rejected outright so it can't race
	// the IKE_SA_INIT/IKE_AUTH exchange we're waiting on (§4.6).
	if m.sa.IsHalfOpen() && len(m.queues.Active) > 0 {
		return ErrRequestRejected
	}

	expected := m.sa.GetMID(false)
	switch {
	case in.MID == expected:
		return m.acceptRequestFragmentLocked(in)
	case in.MID+1 == expected:
		return m.maybeResendCachedLocked(in)
	default:
		if accept, ok := m.antiReplay.Check(in.MID); ok {
			accept()
		} else if m.log != nil {
			m.log.Warnf("taskmanager: mid=%d rejected as a replay outside the retransmit window (expected %d)", in.MID, expected)
		}
		return ErrRequestRejected
	}
}

// isFragmentAckOnlyLocked reports whether in is carried on the dedicated
// MID-0 ACK channel: an INFORMATIONAL request whose entire notify payload is
// a single FRAGMENT_ACK.
func isFragmentAckOnlyLocked(in InboundFragment) bool {
	return in.Exchange == ExchangeInformational && in.MID == 0 &&
		len(in.Notifies) == 1 && in.Notifies[0] == NotifyFragmentAck
}

// applyInboundFragmentAckLocked decodes a FRAGMENT_ACK record and applies it
// to whichever outstanding message it acknowledges. Caller holds m.mu.
func (m *Manager) applyInboundFragmentAckLocked(data []byte) error {
	rec, err := fragment.DecodeAck(data)
	if err != nil {
		return err
	}
	m.applyFragmentAckLocked(uint32(rec.MessageID), rec.Bitmap64())
	return nil
}

// maybeResendCachedLocked handles a request whose MID is exactly one behind
// the currently expected MID. This is either an ordinary retransmit of the
// request we already answered (resend the cached response) or unrelated
// noise (drop). The is_potential_mid_sync heuristic recovered from
// original_source (SPEC_FULL.md Supplemented Features #5) is the
// first-fragment hash comparison against the previous exchange's hash,
// avoiding an outright reject of a legitimate retransmit that a strict
// MID-equality check would otherwise produce.
func (m *Manager) maybeResendCachedLocked(in InboundFragment) error {
	if in.FragmentID != 1 {
		return m.resendCachedResponseLocked(in.MID)
	}
	sum := sha1.Sum(in.Data)
	if m.responderHasPrevHash && sum == m.responderPrevHash {
		return m.resendCachedResponseLocked(in.MID)
	}
	return ErrRequestRejected
}

// resendCachedResponseLocked retransmits the cached response for mid, if one
// is cached and matches.
func (m *Manager) resendCachedResponseLocked(mid uint32) error {
	if !m.responderHasCached || m.responderCachedMID != mid {
		return nil
	}
	return m.emitFragmentsLocked(m.responderCachedFragments)
}

// requestAssemblerHooksLocked builds the reassembly.Hooks for the currently
// expected request MID. Caller holds m.mu.
func (m *Manager) requestAssemblerHooksLocked(in InboundFragment) reassembly.Hooks {
	return reassembly.Hooks{
		LocalSFREnabled: func() bool { return m.cfg.SelectiveFragmentRetransmission },
		EmitAck:         func(rec fragment.AckRecord) { m.emitFragmentAckLocked(rec) },
		IsAlreadyProcessed: func(mid uint32) bool {
			return mid < m.sa.GetMID(false)
		},
		Reinject: func(mid uint32, payload []byte) error {
			return m.dispatchRequestLocked(in.Exchange, mid, payload, in.Notifies, in.HasTSPayloads, in.DeleteProtocol)
		},
	}
}

// acceptRequestFragmentLocked feeds in into the assembler for the currently
// expected MID, creating one on first touch. Caller holds m.mu.
func (m *Manager) acceptRequestFragmentLocked(in InboundFragment) error {
	if m.requestAssembler == nil || m.requestAssembler.MessageID != in.MID {
		m.requestAssembler = reassembly.NewAssembler(in.MID, m.requestAssemblerHooksLocked(in))
	}

	_, err := m.requestAssembler.AddFragment(in.FragmentID, in.Total, in.Data)
	if err != nil {
		if err == reassembly.ErrDuplicateFragment {
			return nil
		}
		return err
	}
	return nil
}

// emitFragmentAckLocked marshals and sends a FRAGMENT_ACK record on the
// dedicated MID-0 channel. Caller holds m.mu.
func (m *Manager) emitFragmentAckLocked(rec fragment.AckRecord) {
	if err := m.sender.Send(m.sa.GetOtherHost(), rec.Marshal()); err != nil && m.log != nil {
		m.log.Warnf("taskmanager: mid=%d fragment ack send error: %v", rec.MessageID, err)
	}
}

// dispatchRequestLocked runs the rejection matrix and task-spawning pass for
// a fully reassembled request, builds the response, caches it, and sends
// it. Caller holds m.mu.
func (m *Manager) dispatchRequestLocked(exchange ExchangeType, mid uint32, payload []byte, notifies []NotifyType, hasTS bool, deleteProto DeleteProtocol) error {
	req := &Message{Exchange: exchange, Request: true, MID: mid, Notifies: notifies, HasTSPayloads: hasTS, DeleteProtocol: deleteProto, Body: payload}

	tasks, rejected := m.spawnPassiveTasksLocked(req)
	if rejected {
		return ErrRequestRejected
	}
	for _, t := range tasks {
		m.queues.SpawnPassive(t)
	}
	m.queues.ResolveCollisions()

	resp := &Message{Exchange: exchange, Request: false, MID: mid}
	skipMIDAdvance := false

	for _, t := range tasks {
		res, err := t.CallProcess(req)
		if res == ResultFailed || res == ResultDestroyMe {
			t.CallDestroy()
			m.queues.RemovePassive(t)
			return m.teardown(res, err)
		}

		bres, berr := t.CallBuild(resp)
		switch bres {
		case ResultFailed, ResultDestroyMe:
			t.CallDestroy()
			m.queues.RemovePassive(t)
			return m.teardown(bres, berr)
		case ResultNeedMore:
			// The mid_sync exchange deliberately stalls rx_mid advancement
			// until its external resynchronization completes
			// (Supplemented Features #1): the whole point of that exchange
			// is to let the peer re-announce its own counters without our
			// window sliding underneath it.
			if t.Type == TaskMidSync {
				skipMIDAdvance = true
			}
		default:
			t.CallDestroy()
			m.queues.RemovePassive(t)
		}
	}

	if !skipMIDAdvance {
		m.sa.IncrMID(false)
	}

	m.cacheResponseLocked(mid, resp)
	return m.emitFragmentsLocked(m.responderCachedFragments)
}

// cacheResponseLocked fragments and caches resp for retransmit-of-request
// handling, and promotes the just-finished request's first-fragment hash
// into the "previous exchange" slot consulted by
// maybeResendCachedLocked/is_potential_mid_sync. Caller holds m.mu.
func (m *Manager) cacheResponseLocked(mid uint32, resp *Message) {
	m.responderCachedFragments = splitIntoFragments(resp.Body, m.cfg.MaxFragmentSize)
	m.responderCachedMID = mid
	m.responderHasCached = true

	if m.requestAssembler != nil && m.requestAssembler.HasCurrentHash {
		m.responderPrevHash = m.requestAssembler.CurrentHash
		m.responderHasPrevHash = true
	}
	m.requestAssembler = nil
}

// spawnPassiveTasksLocked implements the §4.6 state/exchange-type rejection
// matrix and the task-spawning table. Returns (nil, true) for a rejected
// request (dropped, per §7's "reject means ignore" policy).
func (m *Manager) spawnPassiveTasksLocked(msg *Message) ([]*Task, bool) {
	state := m.sa.GetState()

	switch msg.Exchange {
	case ExchangeIkeSAInit:
		if state != StateCreated {
			return nil, true
		}
		return []*Task{{Type: TaskVendor}, {Type: TaskInit}, {Type: TaskNatDetect}}, false

	case ExchangeIkeAuth:
		// IKE_AUTH is only ever legitimate while we're waiting for it, per
		// §4.6 ("IKE_AUTH unless state is Connecting"); Created (before
		// IKE_SA_INIT has even completed) rejects like everything else.
		if state != StateConnecting {
			return nil, true
		}
		return []*Task{
			{Type: TaskCertPre}, {Type: TaskAuth}, {Type: TaskCertPost}, {Type: TaskConfig},
			{Type: TaskMobike}, {Type: TaskEstablish}, {Type: TaskAuthLifetime}, {Type: TaskChildCreate},
		}, false

	case ExchangeIkeIntermediate:
		// Exception to the plain state check: an IKE_INTERMEDIATE request
		// is still accepted while we ourselves have a matching rekey/reauth
		// queued, even outside ESTABLISHED (§4.6 rejection-matrix
		// exception).
		if state != StateEstablished && state != StateConnecting {
			if !m.queues.HasQueuedType(TaskIkeRekey) && !m.queues.HasQueuedType(TaskReauth) {
				return nil, true
			}
		}
		if msg.HasNotify(NotifyRekeySA) {
			return []*Task{{Type: TaskIkeRekey}}, false
		}
		return []*Task{{Type: TaskReauth}}, false

	case ExchangeCreateChildSA:
		// Any request in Rekeyed is rejected unless it's INFORMATIONAL
		// (§4.6); CREATE_CHILD_SA isn't, so Rekeyed is deliberately absent
		// here even though Rekeying (still mid-rekey) is legitimate.
		if state != StateEstablished && state != StateRekeying {
			return nil, true
		}
		if msg.HasNotify(NotifyRekeySA) {
			return []*Task{{Type: TaskChildRekey}}, false
		}
		if msg.HasTSPayloads {
			return []*Task{{Type: TaskChildCreate}}, false
		}
		return []*Task{{Type: TaskIkeRekey}}, false

	case ExchangeInformational:
		switch {
		case msg.DeleteProtocol == DeleteProtocolIKE:
			return []*Task{{Type: TaskIkeDelete}}, false
		case msg.DeleteProtocol == DeleteProtocolAH || msg.DeleteProtocol == DeleteProtocolESP:
			return []*Task{{Type: TaskChildDelete}}, false
		case msg.HasNotify(NotifyMobikeFamily):
			return []*Task{{Type: TaskMobike}}, false
		case msg.HasNotify(NotifyMessageIDSync) || msg.HasNotify(NotifyReplayCounterSync):
			return []*Task{{Type: TaskMidSync}}, false
		default:
			return []*Task{{Type: TaskDpd}}, false
		}

	default:
		return nil, true
	}
}
