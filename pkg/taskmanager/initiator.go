package taskmanager

import (
	"time"

	"github.com/hejoey/charonsa/pkg/fragment"
)

// createdOrder is the activation priority for a CREATED-state SA: every
// ready task across these types is bundled into one IKE_SA_INIT/IKE_AUTH
// chain (§4.5), ending with establish and the first child, never before.
var createdOrder = []TaskType{
	TaskVendor, TaskInit, TaskNatDetect,
	TaskCertPre, TaskAuth, TaskCertPost, TaskConfig,
	TaskAuthLifetime, TaskMobike, TaskEstablish, TaskChildCreate,
}

// establishedOrder is the activation priority for an ESTABLISHED-state SA:
// the first ready type in this list determines the exchange (§4.5). DPD and
// the housekeeping types at the tail are only reached once nothing ahead of
// them is pending; TaskMidSync never appears here because it's only ever
// responder-spawned, not initiator-activated.
var establishedOrder = []TaskType{
	TaskMobike, TaskIkeDelete, TaskRedirect, TaskChildDelete, TaskReauth,
	TaskChildCreate, TaskChildRekey, TaskIkeRekey, TaskDpd,
	TaskAuthLifetime, TaskReauthComplete, TaskVerifyPeerCert,
}

// rekeyingOrder is the activation priority while an IKE rekey is already
// under way: only deletion of the superseded SA and further child work
// proceeds.
var rekeyingOrder = []TaskType{
	TaskIkeDelete, TaskChildCreate, TaskChildRekey, TaskChildDelete,
}

// exchangeTypeFor maps a task type to the exchange it initiates (§4.6 carries
// the inverse mapping for the responder side).
func exchangeTypeFor(tt TaskType) ExchangeType {
	switch tt {
	case TaskVendor, TaskInit, TaskNatDetect, TaskCertPre, TaskAuth, TaskCertPost, TaskConfig, TaskEstablish:
		return ExchangeIkeAuth
	case TaskIkeRekey, TaskReauth:
		return ExchangeIkeIntermediate
	case TaskChildCreate, TaskChildRekey:
		return ExchangeCreateChildSA
	default:
		return ExchangeInformational
	}
}

// exchangeTypeForBatch picks the exchange type for a bundle of freshly
// activated Created-state tasks. IKE_SA_INIT proper is a wire-format
// concern (Non-goal); this only has to pick consistently so the caller's
// MID accounting matches.
func exchangeTypeForBatch(tasks []*Task) ExchangeType {
	for _, t := range tasks {
		if t.Type == TaskVendor || t.Type == TaskInit || t.Type == TaskNatDetect {
			return ExchangeIkeSAInit
		}
	}
	if len(tasks) > 0 {
		return ExchangeIkeAuth
	}
	return ExchangeUndefined
}

// Initiate runs the §4.5 initiator-side activation and build pipeline: it
// activates whatever queued tasks are ready for the SA's current state,
// builds an outbound message, fragments and dispatches it. A no-op if
// nothing is ready or an exchange is already in flight.
func (m *Manager) Initiate() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.initiateLocked()
}

func (m *Manager) initiateLocked() error {
	if len(m.queues.Active) > 0 || m.initiatingExchange != ExchangeUndefined {
		return nil
	}

	now := time.Now()
	if m.sa.IsHalfOpen() {
		m.sa.HalfOpenDeadline(now, m.cfg.HalfOpenTimeout)
	}

	var exchangeType ExchangeType
	switch m.sa.GetState() {
	case StateCreated:
		m.queues.ActivateAllReady(createdOrder, now)
		exchangeType = exchangeTypeForBatch(m.queues.Active)
	case StateEstablished:
		tt := m.queues.ActivateFirstReady(establishedOrder, now)
		exchangeType = exchangeTypeFor(tt)
	case StateRekeying, StateRekeyed:
		tt := m.queues.ActivateFirstReady(rekeyingOrder, now)
		exchangeType = exchangeTypeFor(tt)
	default:
		return nil
	}

	if len(m.queues.Active) == 0 {
		return nil
	}

	m.queues.ResolveCollisions()
	m.initiatingExchange = exchangeType
	m.initiatingMID = m.sa.GetMID(true)
	return m.buildAndDispatchLocked()
}

// buildAndDispatchLocked runs the build pass, generates/fragments the
// message, runs the post-build pass, and dispatches the initial send.
// Caller holds m.mu.
func (m *Manager) buildAndDispatchLocked() error {
	msg := &Message{Exchange: m.initiatingExchange, Request: true, MID: m.initiatingMID}

	if err := m.runPassLocked(m.queues.Active, func(t *Task) (Result, error) { return initiatorHook(t.Build, msg) }); err != nil {
		return err
	}

	m.generateLocked(msg)

	if err := m.runPassLocked(m.queues.Active, func(t *Task) (Result, error) { return initiatorHook(t.PostBuild, msg) }); err != nil {
		return err
	}

	return m.dispatchLocked()
}

// initiatorHook runs a Build, PostBuild or PreProcess hook for the initiator
// passes. Unlike the Task.Call* helpers, a nil hook yields ResultNeedMore
// here, so a task without that hook stays active until the response reaches
// its Process hook.
func initiatorHook(hook func(*Message) (Result, error), msg *Message) (Result, error) {
	if hook == nil {
		return ResultNeedMore, nil
	}
	return hook(msg)
}

// generateLocked fragments msg.Body into outer packets and, when SFR is
// locally enabled and fragmentation actually occurred, allocates a fragment
// tracker seeded with every fragment's bytes (§4.1, §3 invariant 4). Caller
// holds m.mu.
func (m *Manager) generateLocked(msg *Message) {
	packets := splitIntoFragments(msg.Body, m.cfg.MaxFragmentSize)
	m.initiatingFragments = packets
	m.initiatingTracker = nil

	if len(packets) <= 1 || !m.cfg.SelectiveFragmentRetransmission {
		return
	}

	tracker, err := fragment.Create(msg.MID, len(packets))
	if err != nil {
		if m.log != nil {
			m.log.Warnf("taskmanager: mid=%d could not allocate fragment tracker (%v), falling back to whole-message retransmission", msg.MID, err)
		}
		return
	}
	for i, p := range packets {
		if _, err := tracker.Add(i+1, p); err != nil && m.log != nil {
			m.log.Warnf("taskmanager: mid=%d tracker.Add(%d) failed: %v", msg.MID, i+1, err)
		}
	}
	m.initiatingTracker = tracker
}

// splitIntoFragments chunks body into outer packets no larger than maxSize.
// An empty body still produces one (empty) packet, matching an unfragmented
// message with no payload.
func splitIntoFragments(body []byte, maxSize int) [][]byte {
	if len(body) == 0 {
		return [][]byte{{}}
	}
	if maxSize <= 0 {
		maxSize = len(body)
	}
	var packets [][]byte
	for len(body) > 0 {
		n := maxSize
		if n > len(body) {
			n = len(body)
		}
		packets = append(packets, body[:n])
		body = body[n:]
	}
	return packets
}

// dispatchLocked arms the retransmission controller (resetting the attempt
// count emitFragmentsLocked consults), records the initial send of every
// fragment in the tracker, and performs the initial transmission. Caller
// holds m.mu.
func (m *Manager) dispatchLocked() error {
	m.controller.Dispatch(m.initiatingMID)
	if m.initiatingTracker != nil {
		now := time.Now()
		for _, st := range m.initiatingTracker.Fragments {
			m.initiatingTracker.RecordTransmission(st, now, false)
		}
	}
	if err := m.emitFragmentsLocked(m.initiatingFragments); err != nil && m.log != nil {
		m.log.Warnf("taskmanager: mid=%d initial send error: %v", m.initiatingMID, err)
	}
	return nil
}

// runPassLocked runs call over every task in tasks, removing and destroying
// tasks that report ResultSuccess, leaving ResultNeedMore tasks in place,
// and aborting the whole exchange on ResultFailed/ResultDestroyMe. Caller
// holds m.mu.
func (m *Manager) runPassLocked(tasks []*Task, call func(*Task) (Result, error)) error {
	var remaining []*Task
	for _, t := range tasks {
		res, err := call(t)
		switch res {
		case ResultSuccess:
			t.CallDestroy()
		case ResultNeedMore:
			remaining = append(remaining, t)
		case ResultFailed, ResultDestroyMe:
			t.CallDestroy()
			m.queues.ClearActive()
			return m.teardown(res, err)
		default:
			remaining = append(remaining, t)
		}
	}
	m.queues.Active = remaining
	return nil
}

// resetInitiationLocked clears the initiator-half exchange state without
// touching the SA's MID counters, used when a task's PostProcess requests
// restart-from-scratch (§4.5 Interruption). Caller holds m.mu.
func (m *Manager) resetInitiationLocked() {
	m.controller.Cancel()
	m.initiatingFragments = nil
	m.initiatingTracker = nil
	m.initiatingExchange = ExchangeUndefined
	m.queues.ClearActive()
}

// HandleResponse processes a response message matching the currently active
// exchange (§4.5 step 2). Responses for any other MID are the caller's
// concern to have already filtered (the sliding window means only one MID
// is ever awaited at a time); HandleResponse returns ErrNoActiveExchange if
// nothing is outstanding or the MID doesn't match.
func (m *Manager) HandleResponse(resp *Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.initiatingExchange == ExchangeUndefined {
		return ErrNoActiveExchange
	}
	if resp.MID != m.initiatingMID {
		return ErrNoActiveExchange
	}

	if resp.HasNotify(NotifySFRCapable) {
		m.sa.SetExtension(extSFR, true)
	}

	if err := m.runPassLocked(m.queues.Active, func(t *Task) (Result, error) { return initiatorHook(t.PreProcess, resp) }); err != nil {
		return err
	}
	if err := m.runPassLocked(m.queues.Active, func(t *Task) (Result, error) { return t.CallProcess(resp) }); err != nil {
		return err
	}
	if resp.Reset {
		m.resetInitiationLocked()
		return m.initiateLocked()
	}
	if err := m.runPassLocked(m.queues.Active, func(t *Task) (Result, error) { return t.CallPostProcess(resp) }); err != nil {
		return err
	}
	if resp.Reset {
		m.resetInitiationLocked()
		return m.initiateLocked()
	}

	// Full round-trip success: advance tx_mid and clear the exchange.
	m.sa.IncrMID(true)
	m.controller.Cancel()
	m.initiatingFragments = nil
	m.initiatingTracker = nil
	m.initiatingExchange = ExchangeUndefined

	if m.queues.Busy() {
		return m.initiateLocked()
	}
	return nil
}

// ProcessFragmentAck applies a FRAGMENT_ACK bitmap to the tracker for mid,
// bypassing ordinary MID-window matching since FRAGMENT_ACK notifications
// travel on their own dedicated MID-0 channel (§4.1 design note, decided in
// SPEC_FULL.md's MID-0 Open Question).
func (m *Manager) ProcessFragmentAck(mid uint32, bitmap uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.applyFragmentAckLocked(mid, bitmap)
}

// applyFragmentAckLocked is the unlocked core of ProcessFragmentAck, shared
// with HandleRequest's MID-0 bypass which already holds m.mu and would
// deadlock calling the locking entry point. Caller holds m.mu.
func (m *Manager) applyFragmentAckLocked(mid uint32, bitmap uint64) {
	if m.initiatingTracker == nil || m.initiatingTracker.MessageID != mid {
		return
	}
	m.initiatingTracker.MarkAcked(bitmap)
}
