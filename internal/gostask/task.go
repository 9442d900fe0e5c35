// Package gostask implements the fixed-size task table and the
// priority-based preemptive scheduler (spec §4.2, §5): task
// registration, the Ready/Blocked/Sleeping/Suspended/Zombie state
// machine, the tick handler, priority selection with round-robin
// tie-break, privilege gating, and CPU-usage accounting.
//
// The state constants mirror the "state acts like a lock on execution"
// shape of a goroutine's runtime status (_Grunnable/_Grunning/_Gwaiting/
// _Gdead in the Go runtime's own scheduler) — a TCB's State plays the
// same role here: it gates which operations are legal and who owns the
// right to run.
package gostask

import (
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/gaborr971/gos2022-go/internal/gosport"
	"github.com/gaborr971/gos2022-go/internal/kernelerr"
)

// ID is an opaque task identifier encoding (slot_index, generation) so a
// stale id from a dead task can never address a live task in its slot.
type ID uint16

// InvalidTaskID is the reserved sentinel; no registered task ever holds it.
const InvalidTaskID ID = 0

// EndlessBlockMs signals an infinite block timeout to Block/Unblock-timeout
// bookkeeping.
const EndlessBlockMs uint32 = 0xFFFFFFFF

func makeID(slot int, generation uint16) ID {
	return ID(uint16(slot+1) | (generation << 8))
}

func slotOf(id ID) int        { return int(uint16(id)&0xFF) - 1 }
func generationOf(id ID) uint16 { return uint16(id) >> 8 }

// State is a TCB's position in the Ready/Blocked/Sleeping/Suspended/Zombie
// machine (spec §3, §4.2).
type State int

const (
	Ready State = iota
	Blocked
	Sleeping
	Suspended
	Zombie
)

func (s State) String() string {
	switch s {
	case Ready:
		return "Ready"
	case Blocked:
		return "Blocked"
	case Sleeping:
		return "Sleeping"
	case Suspended:
		return "Suspended"
	case Zombie:
		return "Zombie"
	default:
		return "Unknown"
	}
}

// Privilege is a bitmask of what a task is allowed to invoke (spec §3,
// §4.2). ISR context is an ambient capability equivalent to holding every
// flag at once — see Table.HasPrivilege and Table.checkManipulate.
type Privilege uint16

const (
	PrivKernel Privilege = 1 << iota
	PrivSupervisor
	PrivUser
	PrivTaskManipulate
	PrivSignaling
	PrivTrace
	PrivServiceAdmin
)

// Has reports whether mask carries every bit in required.
func (mask Privilege) Has(required Privilege) bool {
	return mask&required == required
}

// Descriptor is the input to Register: everything known about a task
// before it is ever scheduled.
type Descriptor struct {
	Name       string
	Priority   uint16
	Privileges Privilege
	StackSize  uint32
	Entry      func(self ID)
}

// Data is the read-only TCB snapshot exposed to introspection callers
// (spec §6's task_get_data). Fields used for introspection (id, name,
// priority) may be read without holding the table lock per spec §5; Data
// itself is always a consistent point-in-time copy.
type Data struct {
	ID                  ID
	Name                string
	Priority            uint16
	OriginalPriority    uint16
	State               State
	BlockTicksRemaining uint32
	SleepTicksRemaining uint32
	Privileges          Privilege
	RunCount            uint64
	CumulativeRuntimeMs uint64
	CPUUsagePermille    uint16
	BlockReason         string
}

type tcb struct {
	id               ID
	name             string
	priority         uint16
	originalPriority uint16
	state            State
	suspendedFrom    State
	blockTicks       uint32
	sleepTicks       uint32
	privileges       Privilege
	entry            func(self ID)
	runCount         uint64
	runtimeTotalMs   uint64
	windowRuntimeMs  uint64
	sliceStartMs     uint64
	cpuPermille      uint16
	blockReason      string
}

// Config bounds the fixed-size task table (spec §6 compile-time options).
type Config struct {
	MaxTasks     int
	MaxTaskName  int
	MinStackSize uint32
	MaxStackSize uint32
}

// DefaultConfig mirrors the original firmware's typical sizing.
func DefaultConfig() Config {
	return Config{
		MaxTasks:     32,
		MaxTaskName:  32,
		MinStackSize: 256,
		MaxStackSize: 8192,
	}
}

// IdlePriority is the numerically highest (least urgent) priority value;
// the idle task always holds it.
const IdlePriority uint16 = 0xFFFF

// Table is the fixed task table plus the scheduler state. A Table is only
// safe to drive through a single Port; create one Table per Kernel.
type Table struct {
	mu          sync.Mutex
	cfg         Config
	port        gosport.Port
	log         *logrus.Logger
	tasks       []*tcb
	used        []bool
	generation  []uint16
	currentSlot int
	rrStart     int
	sysTicksMs  uint64
	windowStart uint64
	idleID      ID
	onSwitch    func(prev, next ID)
	onTick      func()
}

// NewTable builds a task table, registers the idle task implicitly (spec
// §4.2: "Registering the idle task is implicit at init"), and wires the
// port's tick callback to Table.Tick.
func NewTable(cfg Config, port gosport.Port, log *logrus.Logger) *Table {
	if log == nil {
		log = logrus.StandardLogger()
	}
	t := &Table{
		cfg:        cfg,
		port:       port,
		log:        log,
		tasks:      make([]*tcb, cfg.MaxTasks),
		used:       make([]bool, cfg.MaxTasks),
		generation: make([]uint16, cfg.MaxTasks),
	}
	idleID, err := t.Register(Descriptor{
		Name:       "idle",
		Priority:   IdlePriority,
		Privileges: PrivKernel,
		StackSize:  cfg.MinStackSize,
		Entry:      func(ID) {},
	})
	if err != nil {
		panic("gostask: failed to register idle task: " + err.Error())
	}
	t.idleID = idleID
	t.currentSlot = slotOf(idleID)
	if port != nil {
		port.SysTickRegister(t.Tick)
	}
	return t
}

// IdleID returns the implicitly-registered idle task's id.
func (t *Table) IdleID() ID { return t.idleID }

// SetSwitchHook installs a callback invoked on every context switch with
// (previous current id, new current id) — used by kernel/metrics to count
// switches without this package importing the metrics package.
func (t *Table) SetSwitchHook(fn func(prev, next ID)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onSwitch = fn
}

// SetTickHook installs a callback invoked once per Tick, after sleep/block
// bookkeeping is applied — used by kernel/metrics to count system ticks
// without this package importing the metrics package.
func (t *Table) SetTickHook(fn func()) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onTick = fn
}

// Register locates the first free slot, assigns a fresh (slot,
// generation) id, and marks the task Ready. Fails with Capacity if the
// table is full, or InvalidArgument if the name or stack size is out of
// bounds. The priority is not range-checked: any uint16 value is accepted.
func (t *Table) Register(d Descriptor) (ID, error) {
	if len(d.Name) == 0 || len(d.Name) > t.cfg.MaxTaskName {
		return InvalidTaskID, kernelerr.New("gostask.Register", kernelerr.InvalidArgument)
	}
	if d.StackSize != 0 && (d.StackSize < t.cfg.MinStackSize || d.StackSize > t.cfg.MaxStackSize) {
		return InvalidTaskID, kernelerr.New("gostask.Register", kernelerr.InvalidArgument)
	}
	if d.Entry == nil {
		d.Entry = func(ID) {}
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	slot := -1
	for i, inUse := range t.used {
		if !inUse {
			slot = i
			break
		}
	}
	if slot == -1 {
		return InvalidTaskID, kernelerr.New("gostask.Register", kernelerr.Capacity)
	}

	id := makeID(slot, t.generation[slot])
	t.used[slot] = true
	t.tasks[slot] = &tcb{
		id:               id,
		name:             d.Name,
		priority:         d.Priority,
		originalPriority: d.Priority,
		state:            Ready,
		privileges:       d.Privileges,
		entry:            d.Entry,
	}
	t.log.WithFields(logrus.Fields{"task": d.Name, "id": id, "priority": d.Priority}).Debug("task registered")
	return id, nil
}

func (t *Table) lookupLocked(id ID) (*tcb, error) {
	slot := slotOf(id)
	if slot < 0 || slot >= len(t.tasks) || !t.used[slot] {
		return nil, kernelerr.New("gostask", kernelerr.NotFound)
	}
	entry := t.tasks[slot]
	if entry == nil || entry.id != id {
		return nil, kernelerr.New("gostask", kernelerr.NotFound)
	}
	return entry, nil
}

// IDByName performs the linear scan over live (non-Zombie) slots the
// original firmware's GetTaskIdByName does (spec §3.1 supplement).
func (t *Table) IDByName(name string) (ID, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i, inUse := range t.used {
		if !inUse || t.tasks[i] == nil {
			continue
		}
		if t.tasks[i].state != Zombie && t.tasks[i].name == name {
			return t.tasks[i].id, nil
		}
	}
	return InvalidTaskID, kernelerr.New("gostask.IDByName", kernelerr.NotFound)
}

// GetData returns a point-in-time snapshot of the task's TCB.
func (t *Table) GetData(id ID) (Data, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	entry, err := t.lookupLocked(id)
	if err != nil {
		return Data{}, err
	}
	return snapshot(entry), nil
}

func snapshot(e *tcb) Data {
	return Data{
		ID:                  e.id,
		Name:                e.name,
		Priority:            e.priority,
		OriginalPriority:    e.originalPriority,
		State:               e.state,
		BlockTicksRemaining: e.blockTicks,
		SleepTicksRemaining: e.sleepTicks,
		Privileges:          e.privileges,
		RunCount:            e.runCount,
		CumulativeRuntimeMs: e.runtimeTotalMs,
		CPUUsagePermille:    e.cpuPermille,
		BlockReason:         e.blockReason,
	}
}

// Current returns the id of the task currently marked as running.
func (t *Table) Current() ID {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.tasks[t.currentSlot] == nil {
		return InvalidTaskID
	}
	return t.tasks[t.currentSlot].id
}

// SysTicksMs returns the kernel's monotonic tick counter.
func (t *Table) SysTicksMs() uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.sysTicksMs
}

func (t *Table) checkManipulate(caller ID) error {
	if t.port != nil && t.port.IsInISR() {
		return nil
	}
	entry, err := t.lookupLocked(caller)
	if err != nil {
		return err
	}
	if !entry.privileges.Has(PrivTaskManipulate) {
		return kernelerr.New("gostask", kernelerr.PermissionDenied)
	}
	return nil
}

// Sleep transitions self from Ready to Sleeping for ms ticks. sleep(0)
// yields but never misses a tick (spec §8 boundary behavior): it still
// goes through a reschedule so equal/lower priority peers get a look in,
// but sleepTicks of 0 makes it immediately Ready again on the very next
// tick rather than staying Sleeping across one.
func (t *Table) Sleep(self ID, ms uint32) error {
	t.mu.Lock()
	entry, err := t.lookupLocked(self)
	if err != nil {
		t.mu.Unlock()
		return err
	}
	if entry.state == Zombie {
		t.mu.Unlock()
		return kernelerr.New("gostask.Sleep", kernelerr.StateViolation)
	}
	entry.state = Sleeping
	entry.sleepTicks = ms
	t.mu.Unlock()

	if t.port != nil {
		t.port.TriggerReschedule()
	}
	return nil
}

// Block transitions self (or, internally, a waiter task, e.g. a message
// broker waiter) from Ready to Blocked with the given timeout.
// EndlessBlockMs disables the deadline. Block(self, 0) is a valid yield
// to an equal-or-higher priority peer (spec §4.2).
func (t *Table) Block(id ID, timeoutMs uint32) error {
	t.mu.Lock()
	entry, err := t.lookupLocked(id)
	if err != nil {
		t.mu.Unlock()
		return err
	}
	if entry.state == Zombie {
		t.mu.Unlock()
		return kernelerr.New("gostask.Block", kernelerr.StateViolation)
	}
	entry.state = Blocked
	entry.blockTicks = timeoutMs
	t.mu.Unlock()

	if t.port != nil {
		t.port.TriggerReschedule()
	}
	return nil
}

// SetBlockReason annotates why a task is blocked, for diagnostics only —
// never branched on (spec §3.1 supplement's wait-reason bookkeeping).
func (t *Table) SetBlockReason(id ID, reason string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if entry, err := t.lookupLocked(id); err == nil {
		entry.blockReason = reason
	}
}

// Unblock moves a Blocked task back to Ready before its timeout elapses.
// Requires the caller to hold TaskManipulate (or run in ISR context).
func (t *Table) Unblock(caller, target ID) error {
	if err := t.checkManipulate(caller); err != nil {
		return err
	}
	t.mu.Lock()
	entry, err := t.lookupLocked(target)
	if err != nil {
		t.mu.Unlock()
		return err
	}
	if entry.state != Blocked {
		t.mu.Unlock()
		return kernelerr.New("gostask.Unblock", kernelerr.StateViolation)
	}
	entry.state = Ready
	entry.blockTicks = 0
	entry.blockReason = ""
	t.mu.Unlock()

	if t.port != nil {
		t.port.TriggerReschedule()
	}
	return nil
}

// Suspend freezes a task's state machine; its scheduled wake-up ticks
// (sleep/block remaining) are preserved so Resume picks up exactly where
// it left off.
func (t *Table) Suspend(caller, target ID) error {
	if err := t.checkManipulate(caller); err != nil {
		return err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	entry, err := t.lookupLocked(target)
	if err != nil {
		return err
	}
	if entry.state == Zombie || entry.state == Suspended {
		return kernelerr.New("gostask.Suspend", kernelerr.StateViolation)
	}
	entry.suspendedFrom = entry.state
	entry.state = Suspended
	return nil
}

// Resume restores a Suspended task to its prior state.
func (t *Table) Resume(caller, target ID) error {
	if err := t.checkManipulate(caller); err != nil {
		return err
	}
	t.mu.Lock()
	entry, err := t.lookupLocked(target)
	if err != nil {
		t.mu.Unlock()
		return err
	}
	if entry.state != Suspended {
		t.mu.Unlock()
		return kernelerr.New("gostask.Resume", kernelerr.StateViolation)
	}
	entry.state = entry.suspendedFrom
	t.mu.Unlock()

	if t.port != nil {
		t.port.TriggerReschedule()
	}
	return nil
}

// Delete freezes the slot as Zombie. Double-delete is an error. Deletion
// does not itself invoke the task_deleted signal — the kernel façade,
// which owns the signal service, does that after a successful Delete.
func (t *Table) Delete(caller, target ID) error {
	if err := t.checkManipulate(caller); err != nil {
		return err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	entry, err := t.lookupLocked(target)
	if err != nil {
		return err
	}
	if entry.state == Zombie {
		return kernelerr.New("gostask.Delete", kernelerr.StateViolation)
	}
	entry.state = Zombie
	slot := slotOf(target)
	t.generation[slot]++
	return nil
}

// SetPriority changes a live task's current and original priority (spec
// §3.1 supplement's priority-change API). The current priority is
// overwritten as well, including one temporarily raised by gosmutex's
// inheritance; a later RestorePriority returns to the new value.
func (t *Table) SetPriority(caller, target ID, priority uint16) error {
	if err := t.checkManipulate(caller); err != nil {
		return err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	entry, err := t.lookupLocked(target)
	if err != nil {
		return err
	}
	if entry.state == Zombie {
		return kernelerr.New("gostask.SetPriority", kernelerr.StateViolation)
	}
	entry.priority = priority
	entry.originalPriority = priority
	return nil
}

// RaisePriority temporarily lifts target's current_priority (priority
// inheritance); original_priority is untouched so RestorePriority can
// undo it later. Used exclusively by gosmutex.
func (t *Table) RaisePriority(target ID, priority uint16) {
	t.mu.Lock()
	defer t.mu.Unlock()
	entry, err := t.lookupLocked(target)
	if err != nil {
		return
	}
	if priority < entry.priority {
		entry.priority = priority
	}
}

// RestorePriority resets target's current_priority to its original value.
func (t *Table) RestorePriority(target ID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	entry, err := t.lookupLocked(target)
	if err != nil {
		return
	}
	entry.priority = entry.originalPriority
}

// Priority returns a task's current priority (used by gosmutex to compare
// contender vs. owner without importing gostask internals).
func (t *Table) Priority(id ID) (uint16, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	entry, err := t.lookupLocked(id)
	if err != nil {
		return 0, err
	}
	return entry.priority, nil
}

// HasPrivilege reports whether id's privilege mask carries required, or
// the caller is in ISR context (an ambient capability per spec §4.1/§9).
func (t *Table) HasPrivilege(id ID, required Privilege) bool {
	if t.port != nil && t.port.IsInISR() {
		return true
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	entry, err := t.lookupLocked(id)
	if err != nil {
		return false
	}
	return entry.privileges.Has(required)
}

// SetPrivileges overwrites a task's privilege mask in place — used by the
// signal daemon to swap into a subscriber's required privilege for the
// duration of a handler call (spec §4.7) and restore Kernel afterward.
func (t *Table) SetPrivileges(id ID, p Privilege) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if entry, err := t.lookupLocked(id); err == nil {
		entry.privileges = p
	}
}

// Tick runs in interrupt context (spec §4.2): advances sleep/block
// counters for every non-Suspended, non-Zombie task, bumps the system
// tick counter, and requests a reschedule.
func (t *Table) Tick() {
	t.mu.Lock()
	t.sysTicksMs++
	for i, inUse := range t.used {
		if !inUse || t.tasks[i] == nil {
			continue
		}
		e := t.tasks[i]
		switch e.state {
		case Sleeping:
			if e.sleepTicks > 0 {
				e.sleepTicks--
			}
			if e.sleepTicks == 0 {
				e.state = Ready
			}
		case Blocked:
			if e.blockTicks != EndlessBlockMs {
				if e.blockTicks > 0 {
					e.blockTicks--
				}
				if e.blockTicks == 0 {
					e.state = Ready
				}
			}
		}
	}
	hook := t.onTick
	t.mu.Unlock()

	if hook != nil {
		hook()
	}
	if t.port != nil {
		t.port.TriggerReschedule()
	}
}

// Reschedule runs the priority selection algorithm (spec §4.2):
//  1. scan the table once, ignoring Zombie/Suspended/Blocked/Sleeping
//  2. pick the Ready task with numerically lowest priority
//  3. tie-break with a rotating start index among equal priorities
//  4. fall back to idle if nothing else is Ready
//
// Returns the newly selected task's id.
func (t *Table) Reschedule() ID {
	t.mu.Lock()

	best := -1
	bestPriority := uint32(1<<32 - 1)
	n := len(t.tasks)
	for offset := 0; offset < n; offset++ {
		i := (t.rrStart + offset) % n
		if !t.used[i] || t.tasks[i] == nil {
			continue
		}
		e := t.tasks[i]
		if e.state != Ready {
			continue
		}
		if uint32(e.priority) < bestPriority {
			bestPriority = uint32(e.priority)
			best = i
		}
	}

	if best == -1 {
		best = slotOf(t.idleID)
	}

	now := t.sysTicksMs
	prevSlot := t.currentSlot
	if t.tasks[prevSlot] != nil && prevSlot != best {
		prev := t.tasks[prevSlot]
		if now >= prev.sliceStartMs {
			delta := now - prev.sliceStartMs
			prev.runtimeTotalMs += delta
			prev.windowRuntimeMs += delta
		}
	}

	chosen := t.tasks[best]
	var prevID ID
	if t.tasks[prevSlot] != nil {
		prevID = t.tasks[prevSlot].id
	}
	if prevSlot != best {
		chosen.runCount++
		chosen.sliceStartMs = now
		t.currentSlot = best
		t.rrStart = (best + 1) % n
	}
	nextID := chosen.id
	hook := t.onSwitch
	t.mu.Unlock()

	if hook != nil && prevID != nextID {
		hook(prevID, nextID)
	}
	return nextID
}

// CalculateCPUUsages recomputes every live task's CPU-usage permille over
// the window since the last call with reset=true (spec §4.2, §3.1
// supplement). Cheap reads of CPUUsagePermille between calls return the
// last computed value.
func (t *Table) CalculateCPUUsages(reset bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.sysTicksMs
	windowMs := now - t.windowStart
	for i, inUse := range t.used {
		if !inUse || t.tasks[i] == nil {
			continue
		}
		e := t.tasks[i]
		if windowMs > 0 {
			e.cpuPermille = uint16((e.windowRuntimeMs * 1000) / windowMs)
		}
		if reset {
			e.windowRuntimeMs = 0
		}
	}
	if reset {
		t.windowStart = now
	}
}

// CPUUsagePermille returns the last-computed CPU-usage figure for id
// (spec §4.8, §6's kernel_get_cpu_usage_permille).
func (t *Table) CPUUsagePermille(id ID) (uint16, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	entry, err := t.lookupLocked(id)
	if err != nil {
		return 0, err
	}
	return entry.cpuPermille, nil
}

// Entry returns the task's entry function, used by a cooperative runner
// (e.g. the SoftwarePort-driven demo) to actually execute task bodies.
func (t *Table) Entry(id ID) (func(ID), error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	entry, err := t.lookupLocked(id)
	if err != nil {
		return nil, err
	}
	return entry.entry, nil
}

// Snapshot returns Data for every live (non-Zombie) task, for diagnostic
// dump consumers external to the core.
func (t *Table) Snapshot() []Data {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Data, 0, len(t.tasks))
	for i, inUse := range t.used {
		if !inUse || t.tasks[i] == nil || t.tasks[i].state == Zombie {
			continue
		}
		out = append(out, snapshot(t.tasks[i]))
	}
	return out
}
