package taskmanager

// Message is the opaque envelope task hooks build and process. The payload
// codec itself is a Non-goal (§1); Message carries only what the task
// manager needs to make dispatch decisions and to hand something to the
// SA's generation/fragmentation step.
type Message struct {
	Exchange ExchangeType
	Request  bool
	MID      uint32

	// Notifies lists the notify payload types present, for the responder's
	// task-spawning scan (§4.6) and the initiator's SFR-capability latch
	// (§4.5 step 1).
	Notifies []NotifyType

	// HasTSPayloads flags presence of Traffic Selector payloads, used to
	// distinguish a CREATE_CHILD_SA child-create from an IKE rekey when no
	// REKEY_SA notify is present (§4.6).
	HasTSPayloads bool

	// DeleteProtocol is set when a DELETE payload is present, naming which
	// SA kind it targets.
	DeleteProtocol DeleteProtocol

	// Body is the opaque serialized task output, handed to the SA's
	// generate-and-fragment step. Its internal structure is a Non-goal.
	Body []byte

	// Reset is set by a task during processing to request that the
	// initiator machine restart initiation from scratch (§4.5
	// Interruption).
	Reset bool
}

// HasNotify reports whether msg carries a notify of type nt.
func (m *Message) HasNotify(nt NotifyType) bool {
	for _, n := range m.Notifies {
		if n == nt {
			return true
		}
	}
	return false
}

// Task is the capability record replacing a virtual task hierarchy (§9):
// a value carrying function pointers for each lifecycle hook plus a type
// tag for queue scanning. The Call* helpers treat a hook left nil as an
// automatic ResultSuccess — most task kinds only need to implement a subset
// of hooks. The initiator's build, post-build and pre-process passes instead
// treat a nil hook as ResultNeedMore, keeping the task active until its
// response is processed.
type Task struct {
	Type TaskType

	// Build constructs this task's contribution to an outbound message
	// (initiator role).
	Build func(msg *Message) (Result, error)

	// Process consumes the matching response (initiator role).
	Process func(msg *Message) (Result, error)

	// PreProcess and PostProcess bracket Process with identical result
	// semantics (§4.5 step 2).
	PreProcess  func(msg *Message) (Result, error)
	PostProcess func(msg *Message) (Result, error)

	// PostBuild mirrors Build with identical result semantics (§4.5 Build
	// pass / Post-build pass).
	PostBuild func(msg *Message) (Result, error)

	// Migrate transfers this task onto a different SA instance, used by
	// adopt_tasks for make-before-break reauth (§6.2, §4.8).
	Migrate func(newOwner *SA) error

	// Destroy releases any resources held by the task. Called when the
	// task manager drops its reference, whether on success, failure, or
	// adoption.
	Destroy func()
}

// CallBuild invokes Build if set, defaulting to ResultSuccess otherwise.
func (t *Task) CallBuild(msg *Message) (Result, error) {
	if t.Build == nil {
		return ResultSuccess, nil
	}
	return t.Build(msg)
}

// CallPostBuild invokes PostBuild if set, defaulting to ResultSuccess.
func (t *Task) CallPostBuild(msg *Message) (Result, error) {
	if t.PostBuild == nil {
		return ResultSuccess, nil
	}
	return t.PostBuild(msg)
}

// CallPreProcess invokes PreProcess if set, defaulting to ResultSuccess.
func (t *Task) CallPreProcess(msg *Message) (Result, error) {
	if t.PreProcess == nil {
		return ResultSuccess, nil
	}
	return t.PreProcess(msg)
}

// CallProcess invokes Process if set, defaulting to ResultSuccess.
func (t *Task) CallProcess(msg *Message) (Result, error) {
	if t.Process == nil {
		return ResultSuccess, nil
	}
	return t.Process(msg)
}

// CallPostProcess invokes PostProcess if set, defaulting to ResultSuccess.
func (t *Task) CallPostProcess(msg *Message) (Result, error) {
	if t.PostProcess == nil {
		return ResultSuccess, nil
	}
	return t.PostProcess(msg)
}

// CallDestroy invokes Destroy if set.
func (t *Task) CallDestroy() {
	if t.Destroy != nil {
		t.Destroy()
	}
}
