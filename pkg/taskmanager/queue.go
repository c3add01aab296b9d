package taskmanager

import "time"

// QueuedTask pairs a task with its earliest eligible start time.
type QueuedTask struct {
	Task          *Task
	EarliestStart time.Time
}

// Queues holds the three task roles described in §3: queued (future work),
// active (our own in-flight request), and passive (responding to a peer
// exchange). Insertion order is execution order, so these are slices rather
// than maps keyed by exchange ID.
type Queues struct {
	Queued  []*QueuedTask
	Active  []*Task
	Passive []*Task
}

// NewQueues returns an empty set of queues.
func NewQueues() *Queues {
	return &Queues{}
}

// Enqueue adds a task to the queued list, eligible starting at delay from
// now (zero delay means immediately eligible).
func (q *Queues) Enqueue(task *Task, now time.Time, delay time.Duration) {
	q.Queued = append(q.Queued, &QueuedTask{Task: task, EarliestStart: now.Add(delay)})
}

// readyByType removes and returns queued tasks of the given type whose
// EarliestStart has passed, preserving relative order.
func (q *Queues) readyByType(tt TaskType, now time.Time) []*Task {
	var ready []*Task
	var remaining []*QueuedTask
	for _, qt := range q.Queued {
		if qt.Task.Type == tt && !qt.EarliestStart.After(now) {
			ready = append(ready, qt.Task)
		} else {
			remaining = append(remaining, qt)
		}
	}
	q.Queued = remaining
	return ready
}

// HasReadyType reports whether a queued task of type tt is eligible to run
// at now, without removing it.
func (q *Queues) HasReadyType(tt TaskType, now time.Time) bool {
	for _, qt := range q.Queued {
		if qt.Task.Type == tt && !qt.EarliestStart.After(now) {
			return true
		}
	}
	return false
}

// HasQueuedType reports whether a queued task of type tt exists regardless
// of eligibility (used by the IKE_INTERMEDIATE rejection-matrix exception,
// §4.6).
func (q *Queues) HasQueuedType(tt TaskType) bool {
	for _, qt := range q.Queued {
		if qt.Task.Type == tt {
			return true
		}
	}
	return false
}

// ActivateAllReady moves every ready queued task in types (in the given
// priority order) into Active, used for the Created-state activation chain
// which bundles multiple task kinds into one exchange (§4.5).
func (q *Queues) ActivateAllReady(types []TaskType, now time.Time) {
	for _, tt := range types {
		ready := q.readyByType(tt, now)
		q.Active = append(q.Active, ready...)
	}
}

// ActivateFirstReady moves only the first type in priority order that has a
// ready queued task into Active, returning that type (or TaskUndefined if
// nothing was ready). Used for the Established/Rekeying activation
// priority lists, where "the first activatable task determines the
// exchange type" (§4.5).
func (q *Queues) ActivateFirstReady(types []TaskType, now time.Time) TaskType {
	for _, tt := range types {
		if !q.HasReadyType(tt, now) {
			continue
		}
		ready := q.readyByType(tt, now)
		q.Active = append(q.Active, ready...)
		return tt
	}
	return TaskUndefined
}

// ClearActive drops every active task without invoking Destroy (used when
// the caller has already destroyed them individually).
func (q *Queues) ClearActive() {
	q.Active = nil
}

// RemoveActive removes a specific task from Active by identity.
func (q *Queues) RemoveActive(t *Task) {
	for i, at := range q.Active {
		if at == t {
			q.Active = append(q.Active[:i], q.Active[i+1:]...)
			return
		}
	}
}

// SpawnPassive appends a peer-initiated task to Passive.
func (q *Queues) SpawnPassive(t *Task) {
	q.Passive = append(q.Passive, t)
}

// RemovePassive removes a specific task from Passive by identity.
func (q *Queues) RemovePassive(t *Task) {
	for i, pt := range q.Passive {
		if pt == t {
			q.Passive = append(q.Passive[:i], q.Passive[i+1:]...)
			return
		}
	}
}

// adoptionRules encodes §4.8: which active task types adopt which passive
// task types.
var adoptionRules = map[TaskType][]TaskType{
	TaskIkeRekey:   {TaskIkeRekey, TaskIkeDelete},
	TaskChildRekey: {TaskChildRekey},
}

// ResolveCollisions implements §4.8 collision handling: for each active task
// with an adoption rule, any passive task of a matching type is adopted —
// removed from Passive and destroyed, since the manager releases its
// reference and the active task's own lifecycle subsumes the work. Returns
// the adopted tasks for logging/testing.
func (q *Queues) ResolveCollisions() []*Task {
	var adopted []*Task
	for _, active := range q.Active {
		targets, ok := adoptionRules[active.Type]
		if !ok {
			continue
		}
		var remaining []*Task
		for _, passive := range q.Passive {
			matched := false
			for _, tt := range targets {
				if passive.Type == tt {
					matched = true
					break
				}
			}
			if matched {
				adopted = append(adopted, passive)
				passive.CallDestroy()
				continue
			}
			remaining = append(remaining, passive)
		}
		q.Passive = remaining
	}
	return adopted
}

// Busy reports whether there is any outstanding work (exposed via §6.2
// `busy`).
func (q *Queues) Busy() bool {
	return len(q.Queued) > 0 || len(q.Active) > 0 || len(q.Passive) > 0
}

// Flush drops every task in every queue, calling Destroy on each.
func (q *Queues) Flush() {
	for _, qt := range q.Queued {
		qt.Task.CallDestroy()
	}
	for _, t := range q.Active {
		t.CallDestroy()
	}
	for _, t := range q.Passive {
		t.CallDestroy()
	}
	q.Queued = nil
	q.Active = nil
	q.Passive = nil
}

// FlushQueued drops only the queued list (§6.2 `flush_queue`).
func (q *Queues) FlushQueued() {
	for _, qt := range q.Queued {
		qt.Task.CallDestroy()
	}
	q.Queued = nil
}
