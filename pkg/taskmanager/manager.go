// Package taskmanager implements the IKEv2 exchange task manager described
// in SPEC_FULL.md: a message-ID-keyed sliding window of one per direction,
// layered over fragment tracking, two retransmission regimes sharing one
// timer, and collision adjudication between locally- and peer-initiated
// tasks.
package taskmanager

import (
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/pion/logging"

	"github.com/hejoey/charonsa/pkg/fragment"
	"github.com/hejoey/charonsa/pkg/reassembly"
	"github.com/hejoey/charonsa/pkg/retransmit"
	"github.com/hejoey/charonsa/pkg/wire"
)

// extSFR is the extension-flag key used with SA.SupportsExtension/SetExtension
// to latch the peer's selective-fragment-retransmission capability.
const extSFR = "sfr"

// Sender is the narrow "Sender" collaborator from §1/§6.1: non-blocking UDP
// emission. The task manager never blocks on it.
type Sender interface {
	Send(peer net.Addr, packet []byte) error
}

// Bus is the narrow event-emission collaborator (`bus.ike_updown`,
// `bus.alert` in §6.1), plus the retransmit-attempt hook recovered from
// original_source (Supplemented Features #3).
type Bus interface {
	IKEUpDown(sa *SA, up bool)
	Alert(sa *SA, alert string, detail error)
}

// NopBus is a Bus that does nothing, useful for tests and for daemons that
// don't wire monitoring.
type NopBus struct{}

func (NopBus) IKEUpDown(*SA, bool)            {}
func (NopBus) Alert(*SA, string, error)       {}

// ManagerConfig bundles the constructor arguments for NewManager.
type ManagerConfig struct {
	SA     *SA
	Config Config
	Sender Sender
	Bus    Bus
	Random retransmit.RandomSource

	// Log is the leveled logger used for diagnostics. If nil, logging is
	// disabled and every call site is nil-guarded rather than falling back
	// to a no-op logger.
	Log logging.LeveledLogger
}

// Manager is the top-level task manager: one instance drives one SA through
// its request/response exchanges, per §5's single-threaded-cooperative
// model realized here as one mutex guarding every exported entry point.
type Manager struct {
	mu sync.Mutex

	sa  *SA
	cfg Config

	sender Sender
	bus    Bus
	log    logging.LeveledLogger

	queues *Queues

	// initiator-half state (§3 Exchange record, initiator half).
	initiatingExchange  ExchangeType
	initiatingMID       uint32
	initiatingFragments [][]byte
	initiatingTracker   *fragment.Tracker
	initiatingDeferred  bool
	responseAssembler   *reassembly.Assembler

	// responder-half state (§3 Exchange record, responder half).
	responderCachedFragments [][]byte
	responderCachedMID       uint32
	responderHasCached       bool
	responderCurrentHash     [20]byte
	responderHasCurrentHash  bool
	responderPrevHash        [20]byte
	responderHasPrevHash     bool
	requestAssembler         *reassembly.Assembler

	// antiReplay catches requests replayed from far enough in the past that
	// the rx_mid window no longer remembers them, so the rejection log can
	// tell a stale replay apart from ordinary reordering noise.
	antiReplay *wire.AntiReplay

	controller *retransmit.Controller
}

// NewManager constructs a Manager for the given SA.
func NewManager(cfg ManagerConfig) *Manager {
	config := cfg.Config.WithDefaults()
	m := &Manager{
		sa:         cfg.SA,
		cfg:        config,
		sender:     cfg.Sender,
		bus:        cfg.Bus,
		log:        cfg.Log,
		queues:     NewQueues(),
		antiReplay: wire.NewAntiReplay(),
	}
	if m.bus == nil {
		m.bus = NopBus{}
	}

	hooks := retransmit.Hooks{
		CurrentTxMID: func() uint32 { return m.sa.GetMID(true) },
		Tracker: func(mid uint32) (*fragment.Tracker, bool) {
			if m.initiatingTracker != nil && m.initiatingTracker.MessageID == mid {
				return m.initiatingTracker, true
			}
			return nil, false
		},
		LocalSFREnabled: func() bool { return m.cfg.SelectiveFragmentRetransmission },
		PeerSupportsSFR: func() bool { return m.sa.SupportsExtension(extSFR) },
		EmitWhole: func(mid uint32) error {
			return m.emitFragmentsLocked(m.initiatingFragments)
		},
		EmitSelective: func(mid uint32, ids []int) error {
			if m.initiatingTracker == nil {
				return nil
			}
			var firstErr error
			for _, id := range ids {
				if id < 1 || id > len(m.initiatingFragments) {
					continue
				}
				if err := m.sender.Send(m.sa.GetOtherHost(), m.initiatingFragments[id-1]); err != nil && firstErr == nil {
					firstErr = err
				}
			}
			return firstErr
		},
		GiveUp: func(mid uint32) {
			if m.log != nil {
				m.log.Warnf("taskmanager: retransmission give-up for mid=%d, tearing down SA %s", mid, m.sa.ID)
			}
			m.bus.Alert(m.sa, "ALERT_RETRANSMIT_SEND_TIMEOUT", ErrRetransmitGiveUp)
			m.bus.IKEUpDown(m.sa, false)
			m.sa.SetState(StateDeleting)
		},
		OnRetransmitAttempt: func(mid uint32, attempt int, selective bool) {
			m.bus.Alert(m.sa, "ALERT_RETRANSMIT_SEND", nil)
		},
		Schedule: func(d time.Duration, fn func()) retransmit.Timer {
			return time.AfterFunc(d, func() {
				m.mu.Lock()
				defer m.mu.Unlock()
				fn()
			})
		},
	}
	m.controller = retransmit.NewController(hooks, config.Retransmit, cfg.Random, cfg.Log)

	return m
}

// emitFragmentsLocked sends every outer packet in fragments, skipping the
// first fragment of an initial multi-fragment send when
// SimulateFirstFragmentLoss is set (§6.4 debug flag). Caller holds m.mu.
func (m *Manager) emitFragmentsLocked(fragments [][]byte) error {
	var firstErr error
	for i, p := range fragments {
		if m.cfg.SimulateFirstFragmentLoss && len(fragments) > 1 && i == 0 && m.controller.Attempt() == 0 {
			continue
		}
		if err := m.sender.Send(m.sa.GetOtherHost(), p); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// --- §6.2 queue_task / domain-specific shortcuts ---

// QueueTask enqueues a task, eligible immediately.
func (m *Manager) QueueTask(task *Task) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.queues.Enqueue(task, time.Now(), 0)
}

// QueueTaskDelayed enqueues a task eligible only after delay elapses.
func (m *Manager) QueueTaskDelayed(task *Task, delay time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.queues.Enqueue(task, time.Now(), delay)
}

// QueueIKE queues the full IKE_SA_INIT + IKE_AUTH task chain.
func (m *Manager) QueueIKE() {
	for _, tt := range []TaskType{TaskVendor, TaskInit, TaskNatDetect, TaskCertPre, TaskAuth, TaskCertPost, TaskConfig, TaskEstablish} {
		m.QueueTask(&Task{Type: tt})
	}
}

// QueueIKEInitOnly queues only the IKE_SA_INIT-phase tasks.
func (m *Manager) QueueIKEInitOnly() {
	for _, tt := range []TaskType{TaskVendor, TaskInit, TaskNatDetect} {
		m.QueueTask(&Task{Type: tt})
	}
}

// QueueIKEAuthOnly queues only the IKE_AUTH-phase tasks.
func (m *Manager) QueueIKEAuthOnly() {
	for _, tt := range []TaskType{TaskCertPre, TaskAuth, TaskCertPost, TaskConfig, TaskEstablish} {
		m.QueueTask(&Task{Type: tt})
	}
}

// QueueIKERekey queues an active IKE rekey task.
func (m *Manager) QueueIKERekey() { m.QueueTask(&Task{Type: TaskIkeRekey}) }

// QueueIKEReauth queues a reauthentication task; the caller chooses the
// make-before-break strategy via Config.MakeBeforeBreak, consulted by the
// task's own Build hook (opaque to the manager).
func (m *Manager) QueueIKEReauth() { m.QueueTask(&Task{Type: TaskReauth}) }

// QueueIKEDelete queues an IKE SA deletion task.
func (m *Manager) QueueIKEDelete() { m.QueueTask(&Task{Type: TaskIkeDelete}) }

// QueueMobike queues a MOBIKE task. roam/address selection is opaque task
// state (Non-goal: policy logic); the manager only sequences it.
func (m *Manager) QueueMobike(roam bool, address net.Addr) {
	m.QueueTask(&Task{Type: TaskMobike})
}

// QueueDPD queues a dead-peer-detection task.
func (m *Manager) QueueDPD() { m.QueueTask(&Task{Type: TaskDpd}) }

// QueueAuthLifetime queues the task that renegotiates before the peer's
// auth lifetime expires, forcing reauthentication ahead of a hard timeout.
func (m *Manager) QueueAuthLifetime() { m.QueueTask(&Task{Type: TaskAuthLifetime}) }

// QueueReauthComplete queues the housekeeping task that finishes a
// make-before-break reauthentication by tearing down the superseded SA.
func (m *Manager) QueueReauthComplete() { m.QueueTask(&Task{Type: TaskReauthComplete}) }

// QueueVerifyPeerCert queues asynchronous peer certificate verification
// (e.g. OCSP/CRL lookups) deferred off the main exchange.
func (m *Manager) QueueVerifyPeerCert() { m.QueueTask(&Task{Type: TaskVerifyPeerCert}) }

// QueueChild queues a CHILD_SA creation task.
func (m *Manager) QueueChild() { m.QueueTask(&Task{Type: TaskChildCreate}) }

// QueueChildRekey queues a CHILD_SA rekey task for the given protocol/SPI.
func (m *Manager) QueueChildRekey(proto DeleteProtocol, spi uint64) {
	m.QueueTask(&Task{Type: TaskChildRekey})
}

// QueueChildDelete queues a CHILD_SA deletion task.
func (m *Manager) QueueChildDelete(proto DeleteProtocol, spi uint64, expired bool) {
	m.QueueTask(&Task{Type: TaskChildDelete})
}

// --- §6.2 lifecycle / introspection surface ---

// GetMID returns the current MID for the given direction.
func (m *Manager) GetMID(isInitiator bool) uint32 { return m.sa.GetMID(isInitiator) }

// IncrMID advances the MID for the given direction.
func (m *Manager) IncrMID(isInitiator bool) { m.sa.IncrMID(isInitiator) }

// Reset re-syncs both MID counters (MID-sync exchange, Scenario F) and
// clears both exchange halves.
func (m *Manager) Reset(newInitiateMID, newRespondMID uint32) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sa.Reset(newInitiateMID, newRespondMID)
	m.controller.Cancel()
	m.initiatingFragments = nil
	m.initiatingTracker = nil
	m.initiatingExchange = ExchangeUndefined
	m.responderCachedFragments = nil
	m.responderHasCached = false
}

// AdoptTasks moves queued tasks from other onto m, for make-before-break
// reauth (§6.2 `adopt_tasks`). Each migrated task's Migrate hook, if set, is
// invoked with m.sa as the new owner.
func (m *Manager) AdoptTasks(other *Manager) {
	m.mu.Lock()
	defer m.mu.Unlock()
	other.mu.Lock()
	defer other.mu.Unlock()

	for _, qt := range other.queues.Queued {
		if qt.Task.Migrate != nil {
			if err := qt.Task.Migrate(m.sa); err != nil {
				if m.log != nil {
					m.log.Warnf("taskmanager: migrate failed for task %s: %v", qt.Task.Type, err)
				}
				continue
			}
		}
		m.queues.Queued = append(m.queues.Queued, qt)
	}
	other.queues.Queued = nil
}

// Flush drops every task in every queue (§6.2 `flush`).
func (m *Manager) Flush() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.queues.Flush()
}

// FlushQueued drops only the queued list (§6.2 `flush_queue`).
func (m *Manager) FlushQueued() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.queues.FlushQueued()
}

// Busy reports whether the manager has outstanding work (§6.2 `busy`).
func (m *Manager) Busy() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.queues.Busy()
}

// RemoveTask removes t from whichever queue currently holds it (§6.2
// `remove_task`).
func (m *Manager) RemoveTask(t *Task) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.queues.RemoveActive(t)
	m.queues.RemovePassive(t)
	var remaining []*QueuedTask
	for _, qt := range m.queues.Queued {
		if qt.Task != t {
			remaining = append(remaining, qt)
		}
	}
	m.queues.Queued = remaining
}

// Retransmit invokes the retransmission controller's decision tree for mid,
// exposed for direct timer-driven invocation (§6.2 `retransmit(mid)`) and
// for tests.
func (m *Manager) Retransmit(mid uint32) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.controller.Tick(mid)
}

// Close tears the SA down, flushing all queues and cancelling any pending
// retransmit job.
func (m *Manager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.controller.Cancel()
	m.queues.Flush()
	m.sa.SetState(StateDeleting)
}

// teardown applies the §7 error-handling policy for a task pipeline
// failure: ResultFailed emits an SA-down event first, ResultDestroyMe tears
// down immediately.
func (m *Manager) teardown(res Result, cause error) error {
	if res == ResultFailed {
		m.bus.IKEUpDown(m.sa, false)
	}
	m.sa.SetState(StateDeleting)
	if cause != nil {
		return fmt.Errorf("%w: %v", ErrTaskFailed, cause)
	}
	return ErrTaskFailed
}
