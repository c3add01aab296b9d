package taskmanager

import "errors"

var (
	// ErrSAClosed names a SA past DELETING. No entry point in this package
	// returns it.
	ErrSAClosed = errors.New("taskmanager: SA closed")

	// ErrNoActiveExchange is returned by HandleResponse when
	// there is no outstanding initiator exchange.
	ErrNoActiveExchange = errors.New("taskmanager: no active exchange")

	// ErrRequestRejected marks a request dropped by the §4.6 rejection
	// matrix. Dropping means "ignore", not "respond with an error" — see
	// the Error Handling Design table (§7).
	ErrRequestRejected = errors.New("taskmanager: request rejected by state/type matrix")

	// ErrTaskFailed is wrapped around the task that reported ResultFailed
	// or ResultDestroyMe, for diagnostics.
	ErrTaskFailed = errors.New("taskmanager: task reported failure")

	// ErrRetransmitGiveUp mirrors ALERT_RETRANSMIT_SEND_TIMEOUT (§7).
	ErrRetransmitGiveUp = errors.New("taskmanager: retransmission give-up, tearing down SA")

	// ErrTooManyFragmentsForSFR names a generated message that needs more
	// fragments than the codec can represent. Nothing in this package
	// returns it: generateLocked logs a warning and uses whole-message
	// retransmission for that message instead.
	ErrTooManyFragmentsForSFR = errors.New("taskmanager: message fragment count exceeds SFR bitmap capacity")
)
