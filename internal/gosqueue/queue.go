// Package gosqueue implements the bounded, named multi-producer/single-
// consumer queue layer of spec §4.5: a fixed set of named queues, each a
// ring buffer of fixed-size byte slots with FIFO put/get/peek and
// optional full/empty hooks.
//
// Grounded on the corpus's capacity-bounded, mutex-guarded queue idiom
// (kubernetes' scheduling_queue tests exercise exactly this shape: a
// bounded structure with pluggable callbacks fired on state transitions).
// Per spec §4.5, a single global queue mutex is an explicitly sanctioned
// implementation choice — gosqueue reuses gosmutex for that lock so
// priority-aware contention handling (timeouts, retry) is shared code
// rather than reimplemented.
package gosqueue

import (
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/gaborr971/gos2022-go/internal/gosmutex"
	"github.com/gaborr971/gos2022-go/internal/gostask"
	"github.com/gaborr971/gos2022-go/internal/kernelerr"
)

// ID is an opaque queue identifier, distinct from InvalidQueueID.
type ID uint16

// InvalidQueueID is the reserved sentinel.
const InvalidQueueID ID = 0

// Hook is invoked outside the queue lock when a queue transitions to
// full (Put) or empty (Get, never Peek).
type Hook func(id ID)

// Config bounds the queue subsystem (spec §6).
type Config struct {
	MaxQueues       int
	MaxElements     uint32
	MaxLength       uint32
	UseName         bool
	MaxQueueNameLen int
}

// DefaultConfig mirrors typical firmware sizing.
func DefaultConfig() Config {
	return Config{MaxQueues: 16, MaxElements: 16, MaxLength: 64, UseName: true, MaxQueueNameLen: 32}
}

type ring struct {
	id          ID
	name        string
	maxLength   uint32
	maxElements uint32
	// slots has maxElements+1 entries: the ring reserves one slot so
	// write==read can mean "empty" unambiguously while the ring still
	// holds up to maxElements live elements (spec §3, §9). This is
	// deliberate, not an off-by-one: see DESIGN.md Open Question 4.
	slots   [][]byte
	lens    []uint32
	read    uint32
	write   uint32
	count   uint32
	onFull  Hook
	onEmpty Hook
}

func (r *ring) capacityPlusOne() uint32 { return r.maxElements + 1 }
func (r *ring) isEmpty() bool           { return r.write == r.read }
func (r *ring) isFull() bool            { return (r.write+1)%r.capacityPlusOne() == r.read }

// Manager owns the fixed set of named queues and the single global queue
// mutex spec §4.5 sanctions.
type Manager struct {
	mu     sync.Mutex
	table  *gostask.Table
	lock   *gosmutex.Mutex
	lockID gostask.ID
	cfg    Config
	queues []*ring
	nextID uint16
	log    *logrus.Logger
}

// New builds a queue manager. Its single internal mutex is locked on
// behalf of each Put/Get/Peek/Reset caller's own task id; no privilege
// is required for queue operations.
func New(cfg Config, table *gostask.Table, log *logrus.Logger) *Manager {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Manager{
		table:  table,
		lock:   gosmutex.New(table, false, 0, log),
		cfg:    cfg,
		queues: make([]*ring, 0, cfg.MaxQueues),
		log:    log,
	}
}

// Create assigns a queue id, binds ring storage, and zeroes counters.
func (m *Manager) Create(name string, maxElements, maxLength uint32) (ID, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.queues) >= m.cfg.MaxQueues {
		return InvalidQueueID, kernelerr.New("gosqueue.Create", kernelerr.Capacity)
	}
	if maxElements == 0 || maxLength == 0 {
		return InvalidQueueID, kernelerr.New("gosqueue.Create", kernelerr.InvalidArgument)
	}
	if m.cfg.UseName && len(name) > m.cfg.MaxQueueNameLen {
		return InvalidQueueID, kernelerr.New("gosqueue.Create", kernelerr.InvalidArgument)
	}

	m.nextID++
	id := ID(m.nextID)
	size := maxElements + 1
	r := &ring{
		id:          id,
		name:        name,
		maxLength:   maxLength,
		maxElements: maxElements,
		slots:       make([][]byte, size),
		lens:        make([]uint32, size),
	}
	m.queues = append(m.queues, r)
	m.log.WithFields(logrus.Fields{"queue": name, "id": id}).Debug("queue created")
	return id, nil
}

func (m *Manager) find(id ID) (*ring, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range m.queues {
		if r.id == id {
			return r, nil
		}
	}
	return nil, kernelerr.New("gosqueue", kernelerr.NotFound)
}

// SetFullHook/SetEmptyHook install the optional per-queue callbacks.
func (m *Manager) SetFullHook(id ID, hook Hook) error {
	r, err := m.find(id)
	if err != nil {
		return err
	}
	r.onFull = hook
	return nil
}

func (m *Manager) SetEmptyHook(id ID, hook Hook) error {
	r, err := m.find(id)
	if err != nil {
		return err
	}
	r.onEmpty = hook
	return nil
}

// Put copies len(elem) bytes into the queue, refusing InvalidArgument if
// it exceeds the queue's max element length and Full if the ring cannot
// accept another element. The full-hook, if any, fires exactly once,
// outside the lock, the moment the queue becomes full.
func (m *Manager) Put(caller gostask.ID, id ID, elem []byte, timeoutMs uint32) error {
	r, err := m.find(id)
	if err != nil {
		return err
	}
	if uint32(len(elem)) > r.maxLength {
		return kernelerr.New("gosqueue.Put", kernelerr.InvalidArgument)
	}

	if err := m.lock.Lock(caller, timeoutMs); err != nil {
		return err
	}

	var becameFull bool
	var hookErr error
	if r.isFull() {
		hookErr = kernelerr.New("gosqueue.Put", kernelerr.Full)
	} else {
		buf := make([]byte, len(elem))
		copy(buf, elem)
		r.slots[r.write] = buf
		r.lens[r.write] = uint32(len(elem))
		r.write = (r.write + 1) % r.capacityPlusOne()
		r.count++
		becameFull = r.isFull()
	}
	hook := r.onFull

	_ = m.lock.Unlock(caller)

	if hookErr != nil {
		return hookErr
	}
	if becameFull && hook != nil {
		hook(id)
	}
	return nil
}

// Get copies the oldest element into target and advances the ring.
// Returns Empty if the queue has nothing to read, InvalidArgument if
// target is too small for the stored element. The empty-hook, if any,
// fires exactly once, outside the lock, the moment the queue becomes
// empty — Peek never triggers it.
func (m *Manager) Get(caller gostask.ID, id ID, target []byte, timeoutMs uint32) (int, error) {
	return m.read(caller, id, target, timeoutMs, true)
}

// Peek copies the oldest element into target without advancing the ring
// and without ever invoking the empty-hook (spec §4.5, §3.1 supplement).
func (m *Manager) Peek(caller gostask.ID, id ID, target []byte, timeoutMs uint32) (int, error) {
	return m.read(caller, id, target, timeoutMs, false)
}

func (m *Manager) read(caller gostask.ID, id ID, target []byte, timeoutMs uint32, advance bool) (int, error) {
	r, err := m.find(id)
	if err != nil {
		return 0, err
	}

	if err := m.lock.Lock(caller, timeoutMs); err != nil {
		return 0, err
	}

	var n int
	var becameEmpty bool
	var readErr error
	if r.isEmpty() {
		readErr = kernelerr.New("gosqueue.read", kernelerr.Empty)
	} else {
		elemLen := r.lens[r.read]
		if uint32(len(target)) < elemLen {
			readErr = kernelerr.New("gosqueue.read", kernelerr.InvalidArgument)
		} else {
			n = copy(target, r.slots[r.read][:elemLen])
			if advance {
				r.read = (r.read + 1) % r.capacityPlusOne()
				r.count--
				becameEmpty = r.isEmpty()
			}
		}
	}
	hook := r.onEmpty

	_ = m.lock.Unlock(caller)

	if readErr != nil {
		return 0, readErr
	}
	if advance && becameEmpty && hook != nil {
		hook(id)
	}
	return n, nil
}

// Reset zeroes both counters under the queue lock.
func (m *Manager) Reset(caller gostask.ID, id ID) error {
	r, err := m.find(id)
	if err != nil {
		return err
	}
	if err := m.lock.Lock(caller, gostask.EndlessBlockMs); err != nil {
		return err
	}
	r.read = 0
	r.write = 0
	r.count = 0
	return m.lock.Unlock(caller)
}

// Len reports the current element count (for tests and diagnostics).
func (m *Manager) Len(id ID) (uint32, error) {
	r, err := m.find(id)
	if err != nil {
		return 0, err
	}
	return r.count, nil
}
