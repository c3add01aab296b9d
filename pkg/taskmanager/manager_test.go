package taskmanager

import (
	"errors"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// fixedRandom always returns the same jitter fraction, for deterministic
// backoff in tests that don't care about timer wall-clock behavior.
type fixedRandom float64

func (f fixedRandom) Float64() float64 { return float64(f) }

// testSender records every packet handed to Send.
type testSender struct {
	sent [][]byte
	err  error
}

func (s *testSender) Send(peer net.Addr, packet []byte) error {
	s.sent = append(s.sent, packet)
	return s.err
}

// testBus records IKEUpDown/Alert calls instead of doing anything with them.
type testBus struct {
	upDown []bool
	alerts []string
}

func (b *testBus) IKEUpDown(sa *SA, up bool) { b.upDown = append(b.upDown, up) }
func (b *testBus) Alert(sa *SA, alert string, detail error) {
	b.alerts = append(b.alerts, alert)
}

func localAddr() net.Addr { return &net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: 500} }
func peerAddr() net.Addr  { return &net.UDPAddr{IP: net.ParseIP("203.0.113.9"), Port: 500} }

func newTestManager(t *testing.T, cfg Config) (*Manager, *testSender, *testBus, *SA) {
	t.Helper()
	sa := NewSA(localAddr(), peerAddr())
	sender := &testSender{}
	bus := &testBus{}
	m := NewManager(ManagerConfig{
		SA:     sa,
		Config: cfg,
		Sender: sender,
		Bus:    bus,
		Random: fixedRandom(0),
	})
	return m, sender, bus, sa
}

func TestNewManagerAppliesDefaultsAndNopBus(t *testing.T) {
	sa := NewSA(localAddr(), peerAddr())
	m := NewManager(ManagerConfig{SA: sa, Sender: &testSender{}})
	require.NotNil(t, m.bus)
	require.Equal(t, DefaultHalfOpenTimeout, m.cfg.HalfOpenTimeout)
	require.Equal(t, DefaultMaxFragmentSize, m.cfg.MaxFragmentSize)
}

func TestQueueIKEQueuesFullChain(t *testing.T) {
	m, _, _, _ := newTestManager(t, DefaultConfig())
	m.QueueIKE()
	require.Len(t, m.queues.Queued, 8)
	wantOrder := []TaskType{TaskVendor, TaskInit, TaskNatDetect, TaskCertPre, TaskAuth, TaskCertPost, TaskConfig, TaskEstablish}
	for i, tt := range wantOrder {
		require.Equal(t, tt, m.queues.Queued[i].Task.Type)
	}
}

func TestQueueShortcutsEnqueueExpectedTypes(t *testing.T) {
	m, _, _, _ := newTestManager(t, DefaultConfig())
	m.QueueIKERekey()
	m.QueueDPD()
	m.QueueChild()
	m.QueueIKEDelete()
	require.Len(t, m.queues.Queued, 4)
	require.Equal(t, TaskIkeRekey, m.queues.Queued[0].Task.Type)
	require.Equal(t, TaskDpd, m.queues.Queued[1].Task.Type)
	require.Equal(t, TaskChildCreate, m.queues.Queued[2].Task.Type)
	require.Equal(t, TaskIkeDelete, m.queues.Queued[3].Task.Type)
}

func TestQueueAuthLifetimeReauthCompleteVerifyPeerCertEnqueueExpectedTypes(t *testing.T) {
	m, _, _, _ := newTestManager(t, DefaultConfig())
	m.QueueAuthLifetime()
	m.QueueReauthComplete()
	m.QueueVerifyPeerCert()
	require.Len(t, m.queues.Queued, 3)
	require.Equal(t, TaskAuthLifetime, m.queues.Queued[0].Task.Type)
	require.Equal(t, TaskReauthComplete, m.queues.Queued[1].Task.Type)
	require.Equal(t, TaskVerifyPeerCert, m.queues.Queued[2].Task.Type)
}

func TestBusyReflectsAnyQueue(t *testing.T) {
	m, _, _, _ := newTestManager(t, DefaultConfig())
	require.False(t, m.Busy())
	m.QueueDPD()
	require.True(t, m.Busy())
	m.FlushQueued()
	require.False(t, m.Busy())
}

func TestFlushDestroysEveryTask(t *testing.T) {
	m, _, _, _ := newTestManager(t, DefaultConfig())
	destroyed := 0
	m.QueueTask(&Task{Type: TaskDpd, Destroy: func() { destroyed++ }})
	m.queues.Active = append(m.queues.Active, &Task{Type: TaskIkeRekey, Destroy: func() { destroyed++ }})
	m.queues.Passive = append(m.queues.Passive, &Task{Type: TaskChildDelete, Destroy: func() { destroyed++ }})

	m.Flush()

	require.Equal(t, 3, destroyed)
	require.False(t, m.Busy())
}

func TestRemoveTaskFindsItInAnyQueue(t *testing.T) {
	m, _, _, _ := newTestManager(t, DefaultConfig())
	task := &Task{Type: TaskDpd}
	m.queues.Active = append(m.queues.Active, task)

	m.RemoveTask(task)

	require.Empty(t, m.queues.Active)
}

func TestAdoptTasksMigratesQueuedTasksAndInvokesMigrateHook(t *testing.T) {
	src, _, _, srcSA := newTestManager(t, DefaultConfig())
	dst, _, _, dstSA := newTestManager(t, DefaultConfig())
	_ = srcSA

	var migratedTo *SA
	src.QueueTask(&Task{Type: TaskReauth, Migrate: func(newOwner *SA) error {
		migratedTo = newOwner
		return nil
	}})

	dst.AdoptTasks(src)

	require.Empty(t, src.queues.Queued)
	require.Len(t, dst.queues.Queued, 1)
	require.Same(t, dstSA, migratedTo)
}

func TestAdoptTasksDropsTaskWhenMigrateFails(t *testing.T) {
	src, _, _, _ := newTestManager(t, DefaultConfig())
	dst, _, _, _ := newTestManager(t, DefaultConfig())

	src.QueueTask(&Task{Type: TaskReauth, Migrate: func(*SA) error {
		return errors.New("boom")
	}})

	dst.AdoptTasks(src)

	require.Empty(t, dst.queues.Queued)
}

func TestResetClearsBothExchangeHalvesAndSAMIDs(t *testing.T) {
	m, _, _, sa := newTestManager(t, DefaultConfig())
	sa.IncrMID(true)
	sa.IncrMID(false)
	m.initiatingFragments = [][]byte{{0x01}}
	m.responderHasCached = true

	m.Reset(7, 9)

	require.Equal(t, uint32(7), sa.GetMID(true))
	require.Equal(t, uint32(9), sa.GetMID(false))
	require.Nil(t, m.initiatingFragments)
	require.False(t, m.responderHasCached)
}

func TestCloseTearsDownAndFlushes(t *testing.T) {
	m, _, _, sa := newTestManager(t, DefaultConfig())
	m.QueueDPD()

	m.Close()

	require.False(t, m.Busy())
	require.Equal(t, StateDeleting, sa.GetState())
}

func TestEmitFragmentsLockedSkipsFirstFragmentWhenSimulatingLoss(t *testing.T) {
	cfg := DefaultConfig()
	cfg.SimulateFirstFragmentLoss = true
	m, sender, _, _ := newTestManager(t, cfg)

	fragments := [][]byte{[]byte("one"), []byte("two")}
	err := m.emitFragmentsLocked(fragments)

	require.NoError(t, err)
	require.Len(t, sender.sent, 1)
	require.Equal(t, []byte("two"), sender.sent[0])
}

func TestEmitFragmentsLockedSendsAllWhenSingleFragment(t *testing.T) {
	cfg := DefaultConfig()
	cfg.SimulateFirstFragmentLoss = true
	m, sender, _, _ := newTestManager(t, cfg)

	err := m.emitFragmentsLocked([][]byte{[]byte("solo")})

	require.NoError(t, err)
	require.Len(t, sender.sent, 1)
}

func TestGiveUpHookAlertsAndTearsDownSA(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Retransmit.MaxTries = 1
	cfg.Retransmit.Base = time.Hour // keep the real background timer from firing mid-test
	m, _, bus, sa := newTestManager(t, cfg)

	m.controller.Dispatch(0)
	for m.controller.Armed() {
		if err := m.controller.Tick(0); err != nil {
			break
		}
	}

	require.Equal(t, StateDeleting, sa.GetState())
	require.Contains(t, bus.alerts, "ALERT_RETRANSMIT_SEND_TIMEOUT")
	require.Contains(t, bus.upDown, false)
}
