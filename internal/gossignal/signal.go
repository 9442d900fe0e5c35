// Package gossignal implements the named publish/subscribe service of
// spec §4.7: signals are opaque slots with a bounded subscriber list; a
// daemon wakes on a shared trigger, fans invocations out to subscribers,
// and temporarily swaps its own privilege mask to each subscriber's
// required level for the duration of the call.
//
// Grounded on the corpus's trigger-gated daemon idiom shared with
// gosmessage's poll loop, generalized here to event fan-out instead of
// request/response matching — and on gostrigger itself, which this
// package's daemon consumes directly as its wakeup primitive (spec
// §4.7 names the trigger "invoke_trigger" explicitly).
package gossignal

import (
	"github.com/sirupsen/logrus"

	"github.com/gaborr971/gos2022-go/internal/gostask"
	"github.com/gaborr971/gos2022-go/internal/gostrigger"
	"github.com/gaborr971/gos2022-go/internal/kernelerr"
)

// ID is an opaque signal identifier.
type ID uint16

// InvalidSignalID is the reserved sentinel.
const InvalidSignalID ID = 0

// Handler receives the sender's task id when its signal fires.
type Handler func(senderID gostask.ID)

// Config bounds the signal subsystem (spec §6).
type Config struct {
	MaxSignals     int
	MaxSubscribers int
}

// DefaultConfig mirrors typical firmware sizing.
func DefaultConfig() Config { return Config{MaxSignals: 16, MaxSubscribers: 8} }

type subscriber struct {
	handler      Handler
	requiredPriv gostask.Privilege
}

type signal struct {
	inUse        bool
	name         string
	subscribers  []subscriber
	pending      bool
	lastSenderID gostask.ID
}

// Service owns the fixed set of signal slots, the shared invoke trigger,
// and the signal_daemon task identity.
type Service struct {
	table   *gostask.Table
	log     *logrus.Logger
	cfg     Config
	signals []*signal

	trigger  *gostrigger.Trigger
	daemonID gostask.ID
}

// New registers the signal_daemon task at daemonPriority with Kernel
// privilege and returns a ready service.
func New(cfg Config, table *gostask.Table, daemonPriority uint16, log *logrus.Logger) (*Service, error) {
	if log == nil {
		log = logrus.StandardLogger()
	}
	daemonID, err := table.Register(gostask.Descriptor{
		Name:       "signal_daemon",
		Priority:   daemonPriority,
		Privileges: gostask.PrivKernel | gostask.PrivTaskManipulate,
	})
	if err != nil {
		return nil, err
	}
	return &Service{
		table:    table,
		log:      log,
		cfg:      cfg,
		signals:  make([]*signal, 0, cfg.MaxSignals),
		trigger:  gostrigger.New(table),
		daemonID: daemonID,
	}, nil
}

// DaemonID returns the identity of the registered daemon task.
func (s *Service) DaemonID() gostask.ID { return s.daemonID }

// Create reserves a signal slot and returns its opaque id.
func (s *Service) Create(name string) (ID, error) {
	if len(s.signals) >= s.cfg.MaxSignals {
		return InvalidSignalID, kernelerr.New("gossignal.Create", kernelerr.Capacity)
	}
	sig := &signal{inUse: true, name: name}
	s.signals = append(s.signals, sig)
	return ID(len(s.signals)), nil
}

func (s *Service) find(id ID) (*signal, error) {
	idx := int(id) - 1
	if idx < 0 || idx >= len(s.signals) || !s.signals[idx].inUse {
		return nil, kernelerr.New("gossignal", kernelerr.NotFound)
	}
	return s.signals[idx], nil
}

// Subscribe appends a handler/required-privilege pair to the signal's
// subscriber list. Fails with Capacity if the list is full.
func (s *Service) Subscribe(id ID, handler Handler, requiredPriv gostask.Privilege) error {
	sig, err := s.find(id)
	if err != nil {
		return err
	}
	if len(sig.subscribers) >= s.cfg.MaxSubscribers {
		return kernelerr.New("gossignal.Subscribe", kernelerr.Capacity)
	}
	sig.subscribers = append(sig.subscribers, subscriber{handler: handler, requiredPriv: requiredPriv})
	return nil
}

// Invoke marks the signal pending and bumps the shared invoke trigger.
// caller must be in ISR context or hold Signaling privilege. Re-entrant
// invocation of an already-pending signal coalesces into the same
// pending bit (spec §4.7) — only the most recent sender_id survives.
func (s *Service) Invoke(caller gostask.ID, id ID, senderID gostask.ID) error {
	if !s.table.HasPrivilege(caller, gostask.PrivSignaling) {
		return kernelerr.New("gossignal.Invoke", kernelerr.PermissionDenied)
	}
	sig, err := s.find(id)
	if err != nil {
		return err
	}
	sig.pending = true
	sig.lastSenderID = senderID
	s.trigger.Increment(s.daemonID)
	return nil
}

// RunDaemonPass implements spec §4.7's daemon body:
// wait(invoke_trigger, 1, ∞) → reset(invoke_trigger) → scan signals →
// for each pending signal, invoke its subscribers in order, swapping the
// daemon's own privileges to each subscriber's required level for the
// call and restoring Kernel privilege afterward → clear the pending
// flag. Call this from a periodic driver (the kernel's system task, or
// a test loop); it blocks (via the non-blocking Table bookkeeping
// pattern shared with gosmutex/gostrigger/gosmessage) until the trigger
// has fired at least once since the last reset.
func (s *Service) RunDaemonPass(timeoutMs uint32) error {
	if err := s.trigger.Wait(s.daemonID, 1, timeoutMs); err != nil {
		return err
	}
	s.trigger.Reset()

	for _, sig := range s.signals {
		if !sig.inUse || !sig.pending {
			continue
		}
		senderID := sig.lastSenderID
		s.log.WithFields(logrus.Fields{"signal": sig.name, "sender": senderID, "subscribers": len(sig.subscribers)}).
			Debug("signal daemon dispatching pending signal")
		for _, sub := range sig.subscribers {
			s.table.SetPrivileges(s.daemonID, sub.requiredPriv)
			sub.handler(senderID)
			s.table.SetPrivileges(s.daemonID, gostask.PrivKernel|gostask.PrivTaskManipulate)
		}
		sig.pending = false
	}
	return nil
}

// Trigger exposes the shared invoke trigger for introspection/tests.
func (s *Service) Trigger() *gostrigger.Trigger { return s.trigger }
