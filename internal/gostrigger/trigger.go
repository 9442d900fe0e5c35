// Package gostrigger implements the single-waiter condition counter of
// spec §4.4: a monotonically counted condition variable that wakes its
// one waiter when the counter reaches a desired value.
//
// It generalizes the Go runtime's one-shot note/notesleep/notewakeup
// rendezvous (runtime2.go: "exactly one thread can call notesleep and
// exactly one thread can call notewakeup") from a single boolean event
// to a repeatable counter with a target value, since spec §4.4 requires
// reset-and-reuse across many wait cycles rather than a one-shot note.
package gostrigger

import (
	"sync"

	"github.com/gaborr971/gos2022-go/internal/gostask"
	"github.com/gaborr971/gos2022-go/internal/kernelerr"
)

// Trigger is a single-waiter condition counter (spec §3, §4.4). Unlike
// gosmutex/gosqueue/gosmessage, which are only ever driven from a single
// goroutine's cooperative polling loop, a Trigger's counter can
// genuinely be bumped from a concurrent caller (an ISR-equivalent
// goroutine, or a second task's real goroutine) while a waiter is
// parked in Wait — so counter/desired/waiter are guarded by mu, the
// same way gosqueue/gosmessage guard their shared pools.
type Trigger struct {
	mu      sync.Mutex
	table   *gostask.Table
	counter uint32
	desired uint32
	waiter  gostask.ID
}

// New builds a zeroed trigger bound to table.
func New(table *gostask.Table) *Trigger {
	return &Trigger{table: table, waiter: gostask.InvalidTaskID}
}

// Reset atomically zeroes the counter and desired value.
func (tr *Trigger) Reset() {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	tr.counter = 0
	tr.desired = 0
}

// Value returns the current counter value.
func (tr *Trigger) Value() uint32 {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	return tr.counter
}

// waitPollMs is the step Wait parks for between re-checks of the counter
// — analogous to gosmutex's retry interval, for the same reason: a
// trigger has no wait queue to push a real wakeup through, so Wait
// re-checks after each table.Block step. table.Block returns at once, and
// each step is counted against timeoutMs without waiting for port ticks.
const waitPollMs = 1

// Wait parks caller (via table.Block, spec §4.4's "blocks current") until
// counter reaches exactly value via Increment, or equals it via
// Decrement, or timeoutMs elapses. If counter already satisfies
// counter >= value at entry, it returns success immediately without
// blocking. On wake, success iff counter >= value — this asymmetry
// (equality to wake, >= to succeed) is preserved exactly as specified;
// see DESIGN.md Open Question 3.
//
// caller is parked with state Blocked for the duration, so a concurrent
// Increment/Decrement's call to table.Unblock actually transitions it
// back to Ready (table.Unblock requires state == Blocked) instead of
// being a no-op against a Sleeping task; Wait's own polling loop also
// observes the satisfied condition directly on its next check,
// independent of whether Unblock fired. The condition is checked before
// each park call, under the same lock as the park itself, so a wake that
// lands between two polls is not clobbered by the next table.Block.
func (tr *Trigger) Wait(caller gostask.ID, value uint32, timeoutMs uint32) error {
	tr.mu.Lock()
	if tr.counter >= value {
		tr.mu.Unlock()
		return nil
	}
	tr.waiter = caller
	tr.desired = value
	tr.mu.Unlock()

	defer func() {
		tr.mu.Lock()
		if tr.waiter == caller {
			tr.waiter = gostask.InvalidTaskID
		}
		tr.mu.Unlock()
	}()

	elapsed := uint32(0)
	for {
		// Check before parking, not after: if a concurrent Increment/
		// Decrement already satisfied the condition and called
		// table.Unblock since our last iteration, returning here without
		// calling table.Block again leaves the TCB at the Ready state
		// Unblock set it to, instead of re-parking over it.
		// mu stays held across the check and the park, so Increment/
		// Decrement cannot slip an Unblock in between them.
		tr.mu.Lock()
		if tr.counter >= value {
			tr.mu.Unlock()
			return nil
		}
		if timeoutMs != gostask.EndlessBlockMs && elapsed >= timeoutMs {
			tr.mu.Unlock()
			return kernelerr.New("gostrigger.Wait", kernelerr.Timeout)
		}

		step := uint32(waitPollMs)
		if timeoutMs != gostask.EndlessBlockMs && step > timeoutMs-elapsed {
			step = timeoutMs - elapsed
		}
		err := tr.table.Block(caller, step)
		tr.mu.Unlock()
		if err != nil {
			return err
		}
		if timeoutMs != gostask.EndlessBlockMs {
			elapsed += step
		}
	}
}

// Increment bumps the counter by one and, if it now exactly equals the
// waiter's desired value, unblocks the waiter.
func (tr *Trigger) Increment(unblocker gostask.ID) {
	tr.mu.Lock()
	tr.counter++
	waiter, wake := tr.waiter, tr.counter == tr.desired && tr.waiter != gostask.InvalidTaskID
	tr.mu.Unlock()
	if wake {
		_ = tr.table.Unblock(unblocker, waiter)
	}
}

// Decrement reduces the counter by one. Returns Empty if the counter is
// already zero. If it now exactly equals the waiter's desired value, the
// waiter is unblocked.
func (tr *Trigger) Decrement(unblocker gostask.ID) error {
	tr.mu.Lock()
	if tr.counter == 0 {
		tr.mu.Unlock()
		return kernelerr.New("gostrigger.Decrement", kernelerr.Empty)
	}
	tr.counter--
	waiter, wake := tr.waiter, tr.counter == tr.desired && tr.waiter != gostask.InvalidTaskID
	tr.mu.Unlock()
	if wake {
		_ = tr.table.Unblock(unblocker, waiter)
	}
	return nil
}

// Waiter returns the currently parked waiter, or gostask.InvalidTaskID.
func (tr *Trigger) Waiter() gostask.ID {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	return tr.waiter
}
