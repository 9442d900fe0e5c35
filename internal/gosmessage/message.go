// Package gosmessage implements the ID-filtered message broker of spec
// §4.6: publishers deposit small messages into a fixed pool; a daemon
// matches them against parked receivers' id filters and delivers or
// times them out.
//
// Grounded on the corpus's poll-and-match broker idiom — this mirrors
// the fan-in/dispatch shape of kubernetes' scheduling queue (a bounded
// pool scanned by one dispatcher loop that matches waiters to ready
// work) translated to spec §4.6's exact matching and timeout rules.
package gosmessage

import (
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/gaborr971/gos2022-go/internal/gostask"
	"github.com/gaborr971/gos2022-go/internal/kernelerr"
)

// TerminatorID is the reserved sentinel: id 0 is never delivered and
// terminates a receiver's filter array.
const TerminatorID uint16 = 0

// Config bounds the message subsystem (spec §6).
type Config struct {
	MaxMessages    int
	MaxMessageLen  int
	MaxWaiters     int
	MaxWaiterIDs   int
	PollIntervalMs uint32
}

// DefaultConfig mirrors the spec's suggested defaults.
func DefaultConfig() Config {
	return Config{MaxMessages: 16, MaxMessageLen: 64, MaxWaiters: 8, MaxWaiterIDs: 8, PollIntervalMs: 50}
}

type slot struct {
	inUse   bool
	id      uint16
	payload []byte
}

type waiter struct {
	inUse     bool
	taskID    gostask.ID
	filter    []uint16
	target    []byte
	delivered int
	timeoutMs uint32
	elapsed   uint32
	served    bool
}

// Broker owns the message pool and waiter pool described in spec §4.6,
// plus the message_daemon task identity used to unblock served or
// timed-out waiters.
type Broker struct {
	mu sync.Mutex

	table *gostask.Table
	log   *logrus.Logger
	cfg   Config

	messages []slot
	waiters  []waiter

	nextMessageIndex int
	nextWaiterIndex  int

	daemonID gostask.ID
}

// New registers the message_daemon task and returns a ready broker.
func New(cfg Config, table *gostask.Table, daemonPriority uint16, log *logrus.Logger) (*Broker, error) {
	if log == nil {
		log = logrus.StandardLogger()
	}
	daemonID, err := table.Register(gostask.Descriptor{
		Name:       "message_daemon",
		Priority:   daemonPriority,
		Privileges: gostask.PrivTaskManipulate,
	})
	if err != nil {
		return nil, err
	}
	return &Broker{
		table:    table,
		log:      log,
		cfg:      cfg,
		messages: make([]slot, cfg.MaxMessages),
		waiters:  make([]waiter, cfg.MaxWaiters),
		daemonID: daemonID,
	}, nil
}

// DaemonID returns the identity of the registered daemon task.
func (b *Broker) DaemonID() gostask.ID { return b.daemonID }

// Tx deposits a message into a free slot located by a circular scan
// starting just past the last deposit index. Refuses the sentinel id 0 and
// oversized payloads; returns Full if the pool has no free slot.
func (b *Broker) Tx(id uint16, payload []byte) error {
	if id == TerminatorID {
		return kernelerr.New("gosmessage.Tx", kernelerr.InvalidArgument)
	}
	if len(payload) > b.cfg.MaxMessageLen {
		return kernelerr.New("gosmessage.Tx", kernelerr.InvalidArgument)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	n := len(b.messages)
	for i := 0; i < n; i++ {
		idx := (b.nextMessageIndex + i) % n
		if !b.messages[idx].inUse {
			buf := make([]byte, len(payload))
			copy(buf, payload)
			b.messages[idx] = slot{inUse: true, id: id, payload: buf}
			b.nextMessageIndex = (idx + 1) % n
			return nil
		}
	}
	return kernelerr.New("gosmessage.Tx", kernelerr.Full)
}

// Rx parks caller as a receiver matching any id in idFilter (ended by the
// slice's end or by the first TerminatorID entry; ids after it are not
// matched), waiting up to timeoutMs for the daemon to deliver a match into
// target. Returns the number of bytes copied on success, InvalidArgument
// for an empty filter, Timeout if no match arrived in time, or Capacity if
// the waiter pool is full.
func (b *Broker) Rx(caller gostask.ID, idFilter []uint16, target []byte, timeoutMs uint32) (int, error) {
	if len(idFilter) == 0 || idFilter[0] == TerminatorID {
		return 0, kernelerr.New("gosmessage.Rx", kernelerr.InvalidArgument)
	}

	b.mu.Lock()
	n := len(b.waiters)
	idx := -1
	for i := 0; i < n; i++ {
		cand := (b.nextWaiterIndex + i) % n
		if !b.waiters[cand].inUse {
			idx = cand
			break
		}
	}
	if idx < 0 {
		b.mu.Unlock()
		return 0, kernelerr.New("gosmessage.Rx", kernelerr.Capacity)
	}
	filter := append([]uint16(nil), idFilter...)
	b.waiters[idx] = waiter{
		inUse:     true,
		taskID:    caller,
		filter:    filter,
		target:    target,
		timeoutMs: timeoutMs,
	}
	for i := 1; i <= n; i++ {
		next := (idx + i) % n
		if !b.waiters[next].inUse {
			b.nextWaiterIndex = next
			break
		}
	}
	b.mu.Unlock()

	_ = b.table.Block(caller, gostask.EndlessBlockMs)

	// Timeout accounting belongs entirely to DaemonTick's own
	// wait_tmo_counter logic (spec §4.6): Rx just polls every
	// PollIntervalMs until the daemon either serves or reaps this slot.
	step := b.cfg.PollIntervalMs
	if step == 0 {
		step = 1
	}
	for {
		b.DaemonTick()

		b.mu.Lock()
		w := b.waiters[idx]
		if w.served {
			b.waiters[idx] = waiter{}
		}
		b.mu.Unlock()

		if w.served {
			return w.delivered, nil
		}
		if !w.inUse {
			return 0, kernelerr.New("gosmessage.Rx", kernelerr.Timeout)
		}
		if timeoutMs == 0 {
			b.mu.Lock()
			b.waiters[idx] = waiter{}
			b.mu.Unlock()
			return 0, kernelerr.New("gosmessage.Rx", kernelerr.Timeout)
		}
		if err := b.table.Sleep(caller, step); err != nil {
			return 0, err
		}
	}
}

// DaemonTick runs one dispatch pass (spec §4.6's daemon loop body): under
// the broker lock, scan waiters in array order; within each, try filter
// ids in order against messages in slot order; on first match, copy and
// unblock. For unserved waiters with a finite timeout, advance their
// elapsed counter and reap on expiry. Safe (and intended) to call both
// from a dedicated periodic driver and, as Rx does, opportunistically
// from inside a parked receiver's own poll loop — single-goroutine
// operation makes both equivalent.
func (b *Broker) DaemonTick() {
	b.mu.Lock()
	type wake struct {
		taskID gostask.ID
		timeout bool
	}
	var wakes []wake

	for wi := range b.waiters {
		w := &b.waiters[wi]
		if !w.inUse || w.served {
			continue
		}
		matched := false
		for _, fid := range w.filter {
			if fid == TerminatorID {
				break
			}
			for mi := range b.messages {
				m := &b.messages[mi]
				if !m.inUse || m.id != fid {
					continue
				}
				n := copy(w.target, m.payload)
				w.delivered = n
				w.served = true
				m.inUse = false
				matched = true
				wakes = append(wakes, wake{taskID: w.taskID})
				break
			}
			if matched {
				break
			}
		}
		if matched {
			continue
		}
		if w.timeoutMs != gostask.EndlessBlockMs {
			w.elapsed += b.cfg.PollIntervalMs
			if w.elapsed >= w.timeoutMs {
				w.inUse = false
				w.served = false
				wakes = append(wakes, wake{taskID: w.taskID, timeout: true})
			}
		}
	}
	b.mu.Unlock()

	for _, wk := range wakes {
		if err := b.table.Unblock(b.daemonID, wk.taskID); err != nil {
			b.log.WithError(err).WithField("task", wk.taskID).Debug("message daemon: unblock failed")
		}
	}
}
