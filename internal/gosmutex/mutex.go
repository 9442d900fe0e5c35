// Package gosmutex implements the owner-tracked mutex with optional
// priority inheritance described in spec §4.3.
//
// The retry-via-sleep design is intentional, not a placeholder: as the
// Go runtime's own note on its mutex type puts it ("as fast as spin
// locks... but on the contention path they sleep"), gosmutex spins
// through the scheduler's sleep primitive on contention instead of
// maintaining a per-mutex wait queue, trading latency (MutexRetryMs) for
// keeping the ready-set work O(N).
package gosmutex

import (
	"github.com/sirupsen/logrus"

	"github.com/gaborr971/gos2022-go/internal/gostask"
	"github.com/gaborr971/gos2022-go/internal/kernelerr"
)

// MutexRetryMs is the default contention retry interval (spec §6).
const MutexRetryMs = 2

// state is the mutex's lock state (spec §3).
type state int

const (
	unlocked state = iota
	locked
)

// Mutex is an owner-tracked lock with optional priority inheritance.
// Re-lock by the owner while Locked is NOT reentrant: per spec §9 this
// is an open question resolved as "preserve literally" — the owner
// spins against itself until its own timeout elapses (see DESIGN.md).
type Mutex struct {
	table       *gostask.Table
	log         *logrus.Logger
	useInherit  bool
	retryMs     uint32
	state       state
	owner       gostask.ID
	inheritedAt bool
}

// New builds a mutex bound to the given task table. useInheritance gates
// the §4.3 priority-inheritance behavior (spec §6's
// USE_PRIORITY_INHERITANCE). retryMs overrides MutexRetryMs if nonzero.
func New(table *gostask.Table, useInheritance bool, retryMs uint32, log *logrus.Logger) *Mutex {
	if retryMs == 0 {
		retryMs = MutexRetryMs
	}
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Mutex{table: table, useInherit: useInheritance, retryMs: retryMs, log: log, owner: gostask.InvalidTaskID}
}

// IsLocked reports whether the mutex is currently held.
func (m *Mutex) IsLocked() bool { return m.state == locked }

// Owner returns the current owner, or gostask.InvalidTaskID if unlocked.
func (m *Mutex) Owner() gostask.ID { return m.owner }

// Lock acquires the mutex on behalf of caller, retrying every retryMs
// until acquired or timeoutMs elapses. timeoutMs == gostask.EndlessBlockMs
// disables the deadline; timeoutMs == 0 means "try once, no sleep".
func (m *Mutex) Lock(caller gostask.ID, timeoutMs uint32) error {
	elapsed := uint32(0)
	for {
		if m.state == unlocked {
			m.state = locked
			m.owner = caller
			if m.inheritedAt {
				m.table.RestorePriority(caller)
				m.inheritedAt = false
				m.log.WithField("task", caller).Debug("mutex owner priority restored on acquire")
			}
			return nil
		}

		if m.useInherit {
			callerPrio, errCaller := m.table.Priority(caller)
			ownerPrio, errOwner := m.table.Priority(m.owner)
			if errCaller == nil && errOwner == nil && callerPrio < ownerPrio {
				m.table.RaisePriority(m.owner, callerPrio)
				m.inheritedAt = true
				m.log.WithFields(logrus.Fields{"owner": m.owner, "contender": caller, "priority": callerPrio}).
					Debug("mutex owner inherited contender priority")
			}
		}

		if timeoutMs == 0 {
			return kernelerr.New("gosmutex.Lock", kernelerr.Timeout)
		}

		step := m.retryMs
		if timeoutMs != gostask.EndlessBlockMs && step > timeoutMs-elapsed {
			step = timeoutMs - elapsed
		}
		if err := m.table.Sleep(caller, step); err != nil {
			return err
		}

		if timeoutMs != gostask.EndlessBlockMs {
			elapsed += step
			if elapsed >= timeoutMs {
				if m.state == unlocked {
					continue // one last check before reporting Timeout
				}
				m.log.WithFields(logrus.Fields{"caller": caller, "owner": m.owner}).Debug("mutex lock timed out")
				return kernelerr.New("gosmutex.Lock", kernelerr.Timeout)
			}
		}
	}
}

// Unlock releases the mutex. Only the owner may unlock; any other caller
// returns NotOwner and the mutex is left untouched.
func (m *Mutex) Unlock(caller gostask.ID) error {
	if m.state == unlocked {
		return nil
	}
	if caller != m.owner {
		return kernelerr.New("gosmutex.Unlock", kernelerr.NotOwner)
	}
	m.state = unlocked
	if m.inheritedAt {
		m.table.RestorePriority(m.owner)
		m.inheritedAt = false
		m.log.WithField("task", m.owner).Debug("mutex owner priority restored on unlock")
	}
	m.owner = gostask.InvalidTaskID
	return nil
}
