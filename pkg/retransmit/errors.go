package retransmit

import "errors"

var (
	// ErrGaveUp is returned by Tick when max_tries has been exceeded for the
	// current message ID.
	ErrGaveUp = errors.New("retransmit: max retransmissions exceeded")
)
