package taskmanager

// SAState is the security association lifecycle state, consumed (not owned)
// from the SA container per §6.1.
type SAState int

const (
	StateCreated SAState = iota
	StateConnecting
	StateEstablished
	StateRekeying
	StateRekeyed
	StateDeleting
)

func (s SAState) String() string {
	switch s {
	case StateCreated:
		return "CREATED"
	case StateConnecting:
		return "CONNECTING"
	case StateEstablished:
		return "ESTABLISHED"
	case StateRekeying:
		return "REKEYING"
	case StateRekeyed:
		return "REKEYED"
	case StateDeleting:
		return "DELETING"
	default:
		return "UNKNOWN"
	}
}

// IsValid reports whether s is one of the defined states.
func (s SAState) IsValid() bool {
	return s >= StateCreated && s <= StateDeleting
}

// ExchangeType identifies the IKEv2 exchange an outbound message belongs to.
type ExchangeType int

const (
	ExchangeUndefined ExchangeType = iota
	ExchangeIkeSAInit
	ExchangeIkeAuth
	ExchangeIkeIntermediate
	ExchangeCreateChildSA
	ExchangeInformational
)

func (e ExchangeType) String() string {
	switch e {
	case ExchangeUndefined:
		return "UNDEFINED"
	case ExchangeIkeSAInit:
		return "IKE_SA_INIT"
	case ExchangeIkeAuth:
		return "IKE_AUTH"
	case ExchangeIkeIntermediate:
		return "IKE_INTERMEDIATE"
	case ExchangeCreateChildSA:
		return "CREATE_CHILD_SA"
	case ExchangeInformational:
		return "INFORMATIONAL"
	default:
		return "UNKNOWN"
	}
}

// IsValid reports whether e is one of the defined exchange types.
func (e ExchangeType) IsValid() bool {
	return e >= ExchangeUndefined && e <= ExchangeInformational
}

// TaskType tags a capability record (§9 design note) so queues can scan for
// matching or colliding task kinds without a type hierarchy.
type TaskType int

const (
	TaskUndefined TaskType = iota
	TaskVendor
	TaskInit
	TaskNatDetect
	TaskCertPre
	TaskAuth
	TaskCertPost
	TaskConfig
	TaskAuthLifetime
	TaskMobike
	TaskEstablish
	TaskChildCreate
	TaskDelete
	TaskRedirect
	TaskChildDelete
	TaskReauth
	TaskChildRekey
	TaskIkeRekey
	TaskDpd
	TaskReauthComplete
	TaskVerifyPeerCert
	TaskIkeDelete
	TaskMidSync
)

func (t TaskType) String() string {
	names := map[TaskType]string{
		TaskUndefined:      "UNDEFINED",
		TaskVendor:         "VENDOR",
		TaskInit:           "INIT",
		TaskNatDetect:      "NAT_DETECT",
		TaskCertPre:        "CERT_PRE",
		TaskAuth:           "AUTH",
		TaskCertPost:       "CERT_POST",
		TaskConfig:         "CONFIG",
		TaskAuthLifetime:   "AUTH_LIFETIME",
		TaskMobike:         "MOBIKE",
		TaskEstablish:      "ESTABLISH",
		TaskChildCreate:    "CHILD_CREATE",
		TaskDelete:         "DELETE",
		TaskRedirect:       "REDIRECT",
		TaskChildDelete:    "CHILD_DELETE",
		TaskReauth:         "REAUTH",
		TaskChildRekey:     "CHILD_REKEY",
		TaskIkeRekey:       "IKE_REKEY",
		TaskDpd:            "DPD",
		TaskReauthComplete: "REAUTH_COMPLETE",
		TaskVerifyPeerCert: "VERIFY_PEER_CERT",
		TaskIkeDelete:      "IKE_DELETE",
		TaskMidSync:        "MID_SYNC",
	}
	if n, ok := names[t]; ok {
		return n
	}
	return "UNKNOWN"
}

// NotifyType enumerates the notify payloads the responder's task-spawning
// logic inspects (§4.6). Only the subset needed for dispatch decisions is
// modeled; payload contents beyond that are out of scope (§1 Non-goals).
type NotifyType int

const (
	NotifyNone NotifyType = iota
	NotifyFragmentAck
	NotifySFRCapable
	NotifyRekeySA
	NotifyMobikeFamily
	NotifyAuthLifetime
	NotifyInvalidSyntax
	NotifyAuthenticationFailed
	NotifyRedirect
	NotifyMessageIDSync
	NotifyReplayCounterSync
)

// DeleteProtocol identifies which SA kind a DELETE payload targets.
type DeleteProtocol int

const (
	DeleteProtocolNone DeleteProtocol = iota
	DeleteProtocolIKE
	DeleteProtocolAH
	DeleteProtocolESP
)

// Result is a task hook's outcome, shared by build/process/pre_process/
// post_process/post_build per §4.5 and §4.6.
type Result int

const (
	// ResultSuccess means the task is done and should be dropped.
	ResultSuccess Result = iota
	// ResultNeedMore means the task stays active for another exchange.
	ResultNeedMore
	// ResultFailed means the exchange should abort and the SA tear down,
	// emitting an SA-down event first.
	ResultFailed
	// ResultDestroyMe means immediate teardown, skipping the event in
	// transient states (§7).
	ResultDestroyMe
)

func (r Result) String() string {
	switch r {
	case ResultSuccess:
		return "SUCCESS"
	case ResultNeedMore:
		return "NEED_MORE"
	case ResultFailed:
		return "FAILED"
	case ResultDestroyMe:
		return "DESTROY_ME"
	default:
		return "UNKNOWN"
	}
}
