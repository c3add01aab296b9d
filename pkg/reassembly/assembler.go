// Package reassembly implements the reassembler adapter of §4.4: drives
// defragmentation, detects duplicates via first-fragment hashes, and emits
// per-fragment ACKs when selective fragment retransmission is enabled.
package reassembly

import (
	"bytes"
	"crypto/sha1"
	"errors"
	"sort"

	"github.com/hejoey/charonsa/pkg/fragment"
)

// Outcome is the result of feeding one fragment to the Assembler.
type Outcome int

const (
	// OutcomeMoreFragments means the message is not yet complete.
	OutcomeMoreFragments Outcome = iota
	// OutcomeComplete means every fragment has arrived and the message was
	// reassembled (and, unless suppressed, reinjected).
	OutcomeComplete
	// OutcomeSuppressed means reassembly completed but re-injection was
	// suppressed because the message was already processed.
	OutcomeSuppressed
)

var (
	// ErrTotalMismatch is returned when a fragment reports a different
	// total_fragments than a previously seen fragment of the same message.
	ErrTotalMismatch = errors.New("reassembly: conflicting total_fragments for message")

	// ErrDuplicateFragment is returned when the same fragment_id arrives
	// twice for a message still being assembled (the caller is expected to
	// treat this as a harmless retransmit, not fail the exchange).
	ErrDuplicateFragment = errors.New("reassembly: duplicate fragment_id")
)

// Hooks are the narrow collaborators the assembler needs from the owning
// exchange half.
type Hooks struct {
	// LocalSFREnabled reports the local selective_fragment_retransmission
	// setting; when false, no ACK notifications are emitted.
	LocalSFREnabled func() bool

	// EmitAck is called with a cumulative FRAGMENT_ACK record every time a
	// fragment is accepted into a still-incomplete message, and once more
	// with the full bitmap when reassembly completes (per §4.4's note about
	// the "fully-reassembled-but-not-yet-destroyed" case).
	EmitAck func(rec fragment.AckRecord)

	// IsAlreadyProcessed reports whether messageID was already applied
	// (rx_mid advanced past it, or same MID but SA state moved past
	// CONNECTING). When true, a completed reassembly is not reinjected.
	IsAlreadyProcessed func(messageID uint32) bool

	// Reinject hands the fully reassembled payload back through the
	// ingress path.
	Reinject func(messageID uint32, payload []byte) error
}

// Assembler accumulates fragments for a single inbound message. One
// Assembler exists per in-flight fragmented message (the responder-half and
// initiator-half exchange records each hold at most one, per the sliding
// window of one).
type Assembler struct {
	MessageID uint32
	Total     int

	fragments map[int][]byte
	hasTotal  bool

	// CurrentHash is the SHA-1 of fragment 1's raw bytes, recorded the
	// moment fragment 1 arrives (§3: "first-fragment hash").
	CurrentHash    [20]byte
	HasCurrentHash bool

	hooks Hooks
}

// NewAssembler creates an assembler for messageID.
func NewAssembler(messageID uint32, hooks Hooks) *Assembler {
	return &Assembler{
		MessageID: messageID,
		fragments: make(map[int][]byte),
		hooks:     hooks,
	}
}

// AddFragment feeds one inbound fragment into the assembler.
func (a *Assembler) AddFragment(fragmentID, total int, data []byte) (Outcome, error) {
	if fragmentID == 1 {
		sum := sha1.Sum(data)
		a.CurrentHash = sum
		a.HasCurrentHash = true
	}

	if a.hasTotal && total != a.Total {
		return OutcomeMoreFragments, ErrTotalMismatch
	}
	a.Total = total
	a.hasTotal = true

	if _, dup := a.fragments[fragmentID]; dup {
		return OutcomeMoreFragments, ErrDuplicateFragment
	}
	a.fragments[fragmentID] = data

	if total == 1 {
		// Unfragmented message: only the hash is recorded, no ACK (§4.4).
		return a.complete()
	}

	if len(a.fragments) < total {
		if a.hooks.LocalSFREnabled != nil && a.hooks.LocalSFREnabled() && a.hooks.EmitAck != nil {
			a.hooks.EmitAck(a.cumulativeAck())
		}
		return OutcomeMoreFragments, nil
	}

	return a.complete()
}

// complete reassembles the held fragments in order and either reinjects the
// result or suppresses it, per §4.4.
func (a *Assembler) complete() (Outcome, error) {
	var buf bytes.Buffer
	ids := make([]int, 0, len(a.fragments))
	for id := range a.fragments {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	for _, id := range ids {
		buf.Write(a.fragments[id])
	}
	payload := buf.Bytes()

	if a.Total > 1 && a.hooks.LocalSFREnabled != nil && a.hooks.LocalSFREnabled() && a.hooks.EmitAck != nil {
		a.hooks.EmitAck(fragment.FullyReceivedAck(a.MessageID, a.Total))
	}

	if a.hooks.IsAlreadyProcessed != nil && a.hooks.IsAlreadyProcessed(a.MessageID) {
		return OutcomeSuppressed, nil
	}

	if a.hooks.Reinject != nil {
		if err := a.hooks.Reinject(a.MessageID, payload); err != nil {
			return OutcomeComplete, err
		}
	}
	return OutcomeComplete, nil
}

// cumulativeAck builds the in-progress ACK record listing every fragment
// number held so far.
func (a *Assembler) cumulativeAck() fragment.AckRecord {
	var bitmap uint64
	for id := range a.fragments {
		if id >= 1 && id <= fragment.MaxFragments {
			bitmap |= 1 << uint(id-1)
		}
	}
	return fragment.EncodeAck(a.MessageID, a.Total, bitmap)
}

// HeldFragments returns the count of fragments accumulated so far.
func (a *Assembler) HeldFragments() int {
	return len(a.fragments)
}
