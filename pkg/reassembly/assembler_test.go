package reassembly

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/hejoey/charonsa/pkg/fragment"
)

func TestScenarioAThreeFragmentsSFR(t *testing.T) {
	var acks []fragment.AckRecord
	reinjected := false

	a := NewAssembler(0, Hooks{
		LocalSFREnabled: func() bool { return true },
		EmitAck: func(rec fragment.AckRecord) {
			acks = append(acks, rec)
		},
		IsAlreadyProcessed: func(uint32) bool { return false },
		Reinject: func(mid uint32, payload []byte) error {
			reinjected = true
			require.Equal(t, []byte("abc"), payload)
			return nil
		},
	})

	outcome, err := a.AddFragment(1, 3, []byte("a"))
	require.NoError(t, err)
	require.Equal(t, OutcomeMoreFragments, outcome)

	outcome, err = a.AddFragment(2, 3, []byte("b"))
	require.NoError(t, err)
	require.Equal(t, OutcomeMoreFragments, outcome)

	outcome, err = a.AddFragment(3, 3, []byte("c"))
	require.NoError(t, err)
	require.Equal(t, OutcomeComplete, outcome)
	require.True(t, reinjected)

	require.Len(t, acks, 3)
	require.Equal(t, uint64(0x1), acks[0].Bitmap64())
	require.Equal(t, uint64(0x3), acks[1].Bitmap64())
	require.Equal(t, uint64(0x7), acks[2].Bitmap64())
}

func TestUnfragmentedMessageNoAck(t *testing.T) {
	ackCalled := false
	a := NewAssembler(1, Hooks{
		LocalSFREnabled: func() bool { return true },
		EmitAck:         func(fragment.AckRecord) { ackCalled = true },
		Reinject:        func(uint32, []byte) error { return nil },
	})

	outcome, err := a.AddFragment(1, 1, []byte("solo"))
	require.NoError(t, err)
	require.Equal(t, OutcomeComplete, outcome)
	require.False(t, ackCalled)
	require.True(t, a.HasCurrentHash)
}

func TestAlreadyProcessedSuppressesReinjection(t *testing.T) {
	reinjected := false
	a := NewAssembler(2, Hooks{
		LocalSFREnabled:    func() bool { return false },
		IsAlreadyProcessed: func(uint32) bool { return true },
		Reinject: func(uint32, []byte) error {
			reinjected = true
			return nil
		},
	})

	_, err := a.AddFragment(1, 2, []byte("x"))
	require.NoError(t, err)
	outcome, err := a.AddFragment(2, 2, []byte("y"))
	require.NoError(t, err)
	require.Equal(t, OutcomeSuppressed, outcome)
	require.False(t, reinjected)
}

func TestDuplicateFragmentReturnsError(t *testing.T) {
	a := NewAssembler(3, Hooks{})
	_, err := a.AddFragment(1, 2, []byte("x"))
	require.NoError(t, err)
	_, err = a.AddFragment(1, 2, []byte("x"))
	require.ErrorIs(t, err, ErrDuplicateFragment)
}

func TestTotalMismatchIsRejected(t *testing.T) {
	a := NewAssembler(4, Hooks{})
	_, err := a.AddFragment(1, 3, []byte("x"))
	require.NoError(t, err)
	_, err = a.AddFragment(2, 4, []byte("y"))
	require.ErrorIs(t, err, ErrTotalMismatch)
}

func TestNoSFRNoAckButStillCompletes(t *testing.T) {
	a := NewAssembler(5, Hooks{
		LocalSFREnabled: func() bool { return false },
		Reinject:        func(uint32, []byte) error { return nil },
	})
	_, err := a.AddFragment(1, 2, []byte("x"))
	require.NoError(t, err)
	outcome, err := a.AddFragment(2, 2, []byte("y"))
	require.NoError(t, err)
	require.Equal(t, OutcomeComplete, outcome)
}
