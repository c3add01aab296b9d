package taskmanager

import (
	"time"

	"testing"

	"github.com/stretchr/testify/require"
)

// These tests walk the end-to-end exchanges through the public Manager API
// rather than individual package internals, each one corresponding to one of
// the lettered walkthroughs in SPEC_FULL.md's testable-properties section.
// The cached-response-retransmit walkthrough is covered by
// TestHandleRequestResendsCachedResponseForExactRetransmit and
// TestHandleRequestMidSyncResendOnMatchingFirstFragmentHash in
// responder_test.go, so it isn't repeated here.

func bodyTask(body []byte) *Task {
	return &Task{Type: TaskDpd, Build: func(msg *Message) (Result, error) {
		msg.Body = body
		return ResultSuccess, nil
	}}
}

func TestScenarioFragmentedExchangeCompletesViaFullFragmentAck(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxFragmentSize = 4
	m, sender, _, sa := newTestManager(t, cfg)
	sa.SetState(StateEstablished)
	m.QueueTask(bodyTask([]byte("0123456789")))

	require.NoError(t, m.Initiate())
	mid := m.initiatingMID

	require.Len(t, sender.sent, 3)
	require.NotNil(t, m.initiatingTracker)
	require.Equal(t, 3, m.initiatingTracker.TotalFragments)

	m.ProcessFragmentAck(mid, 0b001)
	require.Equal(t, 1, m.initiatingTracker.AckedFragments)
	require.False(t, m.initiatingTracker.Complete())

	m.ProcessFragmentAck(mid, 0b011)
	require.Equal(t, 2, m.initiatingTracker.AckedFragments)

	m.ProcessFragmentAck(mid, 0b111)
	require.Equal(t, 3, m.initiatingTracker.AckedFragments)
	require.True(t, m.initiatingTracker.Complete())

	// Once every fragment is acknowledged a late tick is a pure no-op: no
	// further sends, no error.
	require.NoError(t, m.controller.Tick(mid))
	require.Len(t, sender.sent, 3)
}

func TestScenarioFirstFragmentLossTriggersSelectiveRetryOnly(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxFragmentSize = 4
	cfg.SimulateFirstFragmentLoss = true
	m, sender, _, sa := newTestManager(t, cfg)
	sa.SetState(StateEstablished)
	sa.SetExtension(extSFR, true) // peer has latched SFR support
	m.QueueTask(bodyTask([]byte("0123456789")))

	require.NoError(t, m.Initiate())
	mid := m.initiatingMID

	// Fragment 1 of 3 was dropped by the loss simulator; only 2 went out.
	require.Len(t, sender.sent, 2)
	tracker := m.initiatingTracker
	require.NotNil(t, tracker)

	// The peer's FRAGMENT_ACK reports fragments 2 and 3 as received.
	m.ProcessFragmentAck(mid, 0b110)
	require.Equal(t, 2, tracker.AckedFragments)

	// The retransmit controller's tick fires the selective-resend branch,
	// resending only the missing fragment.
	require.NoError(t, m.controller.Tick(mid))
	require.Len(t, sender.sent, 3)
	require.Equal(t, tracker.Fragments[0].Data, sender.sent[2])

	m.ProcessFragmentAck(mid, 0b111)
	require.True(t, tracker.Complete())

	// The initial send of all three fragments (10 bytes) plus the one
	// retransmitted fragment (4 bytes) count toward the transmitted-size
	// aggregate.
	require.Equal(t, 10, tracker.TotalOriginalSize)
	require.Equal(t, 14, tracker.TotalTransmittedSize)
}

func TestScenarioAllFragmentsLostEventuallyGivesUp(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Retransmit.MaxTries = 2
	cfg.Retransmit.Base = time.Hour // keep the real scheduled timer from firing mid-test
	m, _, bus, sa := newTestManager(t, cfg)
	sa.SetState(StateEstablished)
	m.QueueDPD()

	require.NoError(t, m.Initiate())
	mid := m.initiatingMID

	for m.controller.Armed() {
		if err := m.controller.Tick(mid); err != nil {
			break
		}
	}

	require.Equal(t, StateDeleting, sa.GetState())
	require.Contains(t, bus.alerts, "ALERT_RETRANSMIT_SEND_TIMEOUT")
	require.Contains(t, bus.upDown, false)
}

func TestScenarioActiveIKERekeyAdoptsCollidingPassiveRekey(t *testing.T) {
	m, _, _, sa := newTestManager(t, DefaultConfig())
	sa.SetState(StateEstablished)
	m.QueueIKERekey()
	destroyed := false
	m.queues.SpawnPassive(&Task{Type: TaskIkeRekey, Destroy: func() { destroyed = true }})

	require.NoError(t, m.Initiate())

	require.Len(t, m.queues.Active, 1)
	require.Equal(t, TaskIkeRekey, m.queues.Active[0].Type)
	require.Empty(t, m.queues.Passive)
	require.True(t, destroyed)
}

func TestScenarioMidSyncRequestIsAcceptedAndAnswered(t *testing.T) {
	// Whether rx_mid is actually held back is up to the mid-sync task's own
	// Build hook (opaque task payload logic, out of scope for this
	// package) — see TestDispatchRequestLockedMidSyncRequestSpawnsTaskMidSync
	// for that carve-out. This only confirms a mid-sync request reaches
	// dispatch and is answered like any other informational exchange.
	m, sender, _, sa := newTestManager(t, DefaultConfig())
	sa.SetState(StateEstablished)

	err := m.HandleRequest(InboundFragment{
		Exchange:   ExchangeInformational,
		MID:        0,
		FragmentID: 1,
		Total:      1,
		Notifies:   []NotifyType{NotifyMessageIDSync},
	})

	require.NoError(t, err)
	require.Len(t, sender.sent, 1)
}
