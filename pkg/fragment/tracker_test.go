package fragment

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCreateRejectsTooManyFragments(t *testing.T) {
	_, err := Create(1, MaxFragments+1)
	require.ErrorIs(t, err, ErrTooManyFragments)
}

func TestCreateRejectsZero(t *testing.T) {
	_, err := Create(1, 0)
	require.ErrorIs(t, err, ErrNoFragments)
}

func TestAddAndMarkAckedMonotonic(t *testing.T) {
	tr, err := Create(0, 3)
	require.NoError(t, err)

	for i := 1; i <= 3; i++ {
		_, err := tr.Add(i, []byte{byte(i)})
		require.NoError(t, err)
	}
	require.Equal(t, 3, tr.TotalOriginalSize)

	tr.MarkAcked(0x1) // fragment 1
	require.Equal(t, 1, tr.AckedFragments)
	tr.MarkAcked(0x1) // re-applying same bit must not double count
	require.Equal(t, 1, tr.AckedFragments)

	tr.MarkAcked(0x3) // fragments 1,2 - fragment 1 already acked
	require.Equal(t, 2, tr.AckedFragments)
	require.False(t, tr.Complete())

	tr.MarkAcked(0x7)
	require.Equal(t, 3, tr.AckedFragments)
	require.True(t, tr.Complete())
	require.Empty(t, tr.Missing())
}

func TestMissingOrdering(t *testing.T) {
	tr, err := Create(5, 4)
	require.NoError(t, err)
	for i := 1; i <= 4; i++ {
		_, err := tr.Add(i, nil)
		require.NoError(t, err)
	}
	tr.MarkAcked(0b0101) // fragments 1 and 3

	missing := tr.Missing()
	require.Len(t, missing, 2)
	require.Equal(t, 2, missing[0].FragmentID)
	require.Equal(t, 4, missing[1].FragmentID)
}

func TestAddRejectsOutOfRangeAndDuplicate(t *testing.T) {
	tr, err := Create(0, 2)
	require.NoError(t, err)

	_, err = tr.Add(0, nil)
	require.ErrorIs(t, err, ErrUnknownFragment)

	_, err = tr.Add(3, nil)
	require.ErrorIs(t, err, ErrUnknownFragment)

	_, err = tr.Add(1, nil)
	require.NoError(t, err)
	_, err = tr.Add(1, nil)
	require.ErrorIs(t, err, ErrDuplicateFragment)
}

func TestSingleFragmentNeverNeedsTracker(t *testing.T) {
	// Boundary behavior from §8: total_fragments=1 still produces a valid
	// tracker, but callers are expected never to construct one for an
	// unfragmented message (see taskmanager/initiator.go generation step).
	tr, err := Create(0, 1)
	require.NoError(t, err)
	_, err = tr.Add(1, []byte("x"))
	require.NoError(t, err)
	tr.MarkAcked(0x1)
	require.True(t, tr.Complete())
}
