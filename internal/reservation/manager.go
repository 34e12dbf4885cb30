package reservation

import (
	"fmt"
	"sort"
	"sync"
)

// Mode describes how a task holds or requests a key.
type Mode int

const (
	ModeExclusive Mode = iota
	ModeShared
)

func (m Mode) String() string {
	if m == ModeShared {
		return "shared"
	}
	return "exclusive"
}

// Decision is the result of a TryAcquire call.
type Decision struct {
	Granted bool
	// Gen identifies the granted attempt. ReleaseAttempt with a stale Gen is
	// a no-op, so a worker whose lease expired mid-run cannot strip the keys
	// from whoever was granted the task after the crash sweep. Zero unless
	// Granted.
	Gen uint64
	// Blocking lists the keys that denied the request, for logging and the
	// parked event detail. Empty when Granted.
	Blocking []Key
}

// Hold describes the reservations of one Running task, used to rebuild the
// table from the store at startup.
type Hold struct {
	TaskID    string
	Exclusive []Key
	Shared    []Key
}

// KeyStatus is an inspection snapshot of a single key.
type KeyStatus struct {
	Key       Key
	Exclusive string   // holding task id, "" if none
	Shared    []string // reader task ids
	Waiting   []string // blocked task ids, FIFO by enqueue seq
}

type waiterRef struct {
	taskID string
	seq    int64
	mode   Mode
}

type entry struct {
	exclusive string
	shared    map[string]struct{}
	waiters   []waiterRef // sorted by seq ascending
}

func (e *entry) idle() bool {
	return e.exclusive == "" && len(e.shared) == 0 && len(e.waiters) == 0
}

type holderRef struct {
	exclusive []Key
	shared    []Key
	gen       uint64
}

// Manager owns the resource-to-holder mapping. Grants are all-or-nothing
// across the full requested key set, releases are idempotent, and each key's
// wait queue is strict FIFO by task enqueue sequence. A single mutex
// serializes every operation; requests never lock keys individually, so
// there is no lock ordering to get wrong.
type Manager struct {
	mu      sync.Mutex
	entries map[Key]*entry
	// holders maps task id -> keys held; waiting maps task id -> keys the
	// task is parked on. Both exist so Release needs no table scan.
	holders map[string]holderRef
	waiting map[string]map[Key]struct{}
	lastGen uint64
}

func NewManager() *Manager {
	return &Manager{
		entries: make(map[Key]*entry),
		holders: make(map[string]holderRef),
		waiting: make(map[string]map[Key]struct{}),
	}
}

func (m *Manager) entryFor(k Key) *entry {
	e, ok := m.entries[k]
	if !ok {
		e = &entry{shared: make(map[string]struct{})}
		m.entries[k] = e
	}
	return e
}

// TryAcquire atomically checks every requested key. The request is granted
// only if each exclusive key is completely free, each shared key has no
// exclusive holder, and no requested key has a parked waiter that was
// enqueued earlier (seq smaller) — earlier waiters must be granted first, so
// a newly evaluated task cannot cut the line. On a grant the task's own
// waiter entries are removed. On a block the task is (re)registered as a
// waiter on every requested key.
//
// Re-evaluating a task that already holds its keys returns Granted; that
// happens when a redelivered message races a slow terminal write.
func (m *Manager) TryAcquire(taskID string, seq int64, exclusive, shared []Key) Decision {
	m.mu.Lock()
	defer m.mu.Unlock()

	if ref, held := m.holders[taskID]; held {
		return Decision{Granted: true, Gen: ref.gen}
	}

	var blocking []Key
	for _, k := range exclusive {
		if m.blockedLocked(k, taskID, seq, ModeExclusive) {
			blocking = append(blocking, k)
		}
	}
	for _, k := range shared {
		if m.blockedLocked(k, taskID, seq, ModeShared) {
			blocking = append(blocking, k)
		}
	}

	if len(blocking) > 0 {
		m.parkLocked(taskID, seq, exclusive, shared)
		return Decision{Granted: false, Blocking: blocking}
	}

	m.dropWaiterLocked(taskID)
	for _, k := range exclusive {
		m.entryFor(k).exclusive = taskID
	}
	for _, k := range shared {
		m.entryFor(k).shared[taskID] = struct{}{}
	}
	m.lastGen++
	m.holders[taskID] = holderRef{exclusive: exclusive, shared: shared, gen: m.lastGen}
	return Decision{Granted: true, Gen: m.lastGen}
}

func (m *Manager) blockedLocked(k Key, taskID string, seq int64, mode Mode) bool {
	e, ok := m.entries[k]
	if !ok {
		return false
	}
	if e.exclusive != "" && e.exclusive != taskID {
		return true
	}
	if mode == ModeExclusive {
		for reader := range e.shared {
			if reader != taskID {
				return true
			}
		}
	}
	for _, w := range e.waiters {
		if w.taskID != taskID && w.seq < seq {
			return true
		}
	}
	return false
}

// parkLocked registers the task as a waiter on every requested key, keeping
// each queue sorted by seq. Re-parking replaces any previous registration.
func (m *Manager) parkLocked(taskID string, seq int64, exclusive, shared []Key) {
	m.dropWaiterLocked(taskID)
	keys := make(map[Key]struct{}, len(exclusive)+len(shared))
	insert := func(k Key, mode Mode) {
		if _, dup := keys[k]; dup {
			return
		}
		keys[k] = struct{}{}
		e := m.entryFor(k)
		ref := waiterRef{taskID: taskID, seq: seq, mode: mode}
		i := sort.Search(len(e.waiters), func(i int) bool { return e.waiters[i].seq > seq })
		e.waiters = append(e.waiters, waiterRef{})
		copy(e.waiters[i+1:], e.waiters[i:])
		e.waiters[i] = ref
	}
	for _, k := range exclusive {
		insert(k, ModeExclusive)
	}
	for _, k := range shared {
		insert(k, ModeShared)
	}
	m.waiting[taskID] = keys
}

func (m *Manager) dropWaiterLocked(taskID string) {
	keys, ok := m.waiting[taskID]
	if !ok {
		return
	}
	for k := range keys {
		e := m.entries[k]
		if e == nil {
			continue
		}
		kept := e.waiters[:0]
		for _, w := range e.waiters {
			if w.taskID != taskID {
				kept = append(kept, w)
			}
		}
		e.waiters = kept
		if e.idle() {
			delete(m.entries, k)
		}
	}
	delete(m.waiting, taskID)
}

// Release removes every hold and waiter registration for the task and
// returns the affected keys so the caller can wake parked tasks. It is
// idempotent: releasing a task that holds nothing is a no-op returning nil.
// Both normal completion and the crash-recovery sweep call it, possibly for
// the same task.
func (m *Manager) Release(taskID string) []Key {
	m.mu.Lock()
	defer m.mu.Unlock()

	var affected []Key
	if ref, ok := m.holders[taskID]; ok {
		affected = append(affected, m.releaseHolderLocked(taskID, ref)...)
	}
	if keys, ok := m.waiting[taskID]; ok {
		// A canceled parked task must leave the queues, otherwise it blocks
		// the keys it was head of forever.
		for k := range keys {
			affected = append(affected, k)
		}
		m.dropWaiterLocked(taskID)
	}
	return affected
}

// ReleaseAttempt releases the task's holds only while they still belong to
// the attempt granted gen. After the crash sweep force-releases a stalled
// worker's holds and the task is re-claimed under a new generation, the
// stalled attempt's deferred release finds a mismatch and leaves the live
// hold alone. Waiter registrations are untouched; a granted attempt has none.
func (m *Manager) ReleaseAttempt(taskID string, gen uint64) []Key {
	m.mu.Lock()
	defer m.mu.Unlock()

	ref, ok := m.holders[taskID]
	if !ok || ref.gen != gen {
		return nil
	}
	return m.releaseHolderLocked(taskID, ref)
}

func (m *Manager) releaseHolderLocked(taskID string, ref holderRef) []Key {
	var affected []Key
	for _, k := range ref.exclusive {
		if e := m.entries[k]; e != nil && e.exclusive == taskID {
			e.exclusive = ""
			affected = append(affected, k)
			if e.idle() {
				delete(m.entries, k)
			}
		}
	}
	for _, k := range ref.shared {
		if e := m.entries[k]; e != nil {
			delete(e.shared, taskID)
			affected = append(affected, k)
			if e.idle() {
				delete(m.entries, k)
			}
		}
	}
	delete(m.holders, taskID)
	return affected
}

// WaitingFor returns the blocked task ids parked on the key, FIFO by enqueue
// sequence.
func (m *Manager) WaitingFor(k Key) []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.entries[k]
	if !ok || len(e.waiters) == 0 {
		return nil
	}
	out := make([]string, len(e.waiters))
	for i, w := range e.waiters {
		out[i] = w.taskID
	}
	return out
}

// NextRunnable returns the parked task ids worth re-evaluating after the
// given keys changed: the head waiter of each key, plus the maximal run of
// shared-mode waiters behind a shared head (concurrent readers may all be
// admitted at once). It does not verify the waiters' other keys; a woken
// task that is still blocked simply parks again.
func (m *Manager) NextRunnable(keys []Key) []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	seen := make(map[string]struct{})
	var out []string
	add := func(id string) {
		if _, dup := seen[id]; dup {
			return
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	for _, k := range keys {
		e, ok := m.entries[k]
		if !ok || len(e.waiters) == 0 {
			continue
		}
		head := e.waiters[0]
		add(head.taskID)
		if head.mode != ModeShared {
			continue
		}
		for _, w := range e.waiters[1:] {
			if w.mode != ModeShared {
				break
			}
			add(w.taskID)
		}
	}
	return out
}

// Rebuild reconstructs the holder table from the tasks that were Running
// when the process stopped. It fails on conflicting holds, which indicate a
// corrupt store. Wait queues are not rebuilt; parked tasks become claimable
// again on their own and re-register when re-evaluated.
func (m *Manager) Rebuild(holds []Hold) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, h := range holds {
		for _, k := range h.Exclusive {
			e := m.entryFor(k)
			if e.exclusive != "" && e.exclusive != h.TaskID {
				return fmt.Errorf("rebuild: key %q held exclusively by both %s and %s", k, e.exclusive, h.TaskID)
			}
			if len(e.shared) > 0 {
				return fmt.Errorf("rebuild: key %q has shared readers alongside exclusive holder %s", k, h.TaskID)
			}
			e.exclusive = h.TaskID
		}
		for _, k := range h.Shared {
			e := m.entryFor(k)
			if e.exclusive != "" {
				return fmt.Errorf("rebuild: key %q held exclusively by %s and shared by %s", k, e.exclusive, h.TaskID)
			}
			e.shared[h.TaskID] = struct{}{}
		}
		m.lastGen++
		m.holders[h.TaskID] = holderRef{exclusive: h.Exclusive, shared: h.Shared, gen: m.lastGen}
	}
	return nil
}

// Holds reports whether the task currently holds any reservation.
func (m *Manager) Holds(taskID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.holders[taskID]
	return ok
}

// Snapshot returns the current state of every active key, sorted by key, for
// the status CLI and monitor.
func (m *Manager) Snapshot() []KeyStatus {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]KeyStatus, 0, len(m.entries))
	for k, e := range m.entries {
		st := KeyStatus{Key: k, Exclusive: e.exclusive}
		for reader := range e.shared {
			st.Shared = append(st.Shared, reader)
		}
		sort.Strings(st.Shared)
		for _, w := range e.waiters {
			st.Waiting = append(st.Waiting, w.taskID)
		}
		out = append(out, st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}
