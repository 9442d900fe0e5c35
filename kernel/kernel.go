// Package kernel is the façade spec §4.8 describes: it wires the task
// table, mutex/trigger primitives, queue, message, and signal
// subsystems into one ordered initialization sequence, owns the
// idle/system tasks, and exposes the metrics handler external
// collaborators scrape.
//
// Grounded on sourcegraph's cmd/repo-updater/shared/main.go: construct
// subsystems in dependency order, fail fast (wrap and return) on the
// first init error, and expose a single metrics endpoint — adapted from
// an HTTP service's startup sequence to spec.md §4.8's own init order
// (queue, time, signal, message, shell, sysmon, user-app).
package kernel

import (
	"context"
	"net/http"

	"github.com/sirupsen/logrus"

	"github.com/gaborr971/gos2022-go/internal/gosmessage"
	"github.com/gaborr971/gos2022-go/internal/gosmutex"
	"github.com/gaborr971/gos2022-go/internal/gosport"
	"github.com/gaborr971/gos2022-go/internal/gosqueue"
	"github.com/gaborr971/gos2022-go/internal/gossignal"
	"github.com/gaborr971/gos2022-go/internal/gostask"
	"github.com/gaborr971/gos2022-go/internal/gostrigger"
	"github.com/gaborr971/gos2022-go/internal/kernelerr"
	"github.com/gaborr971/gos2022-go/internal/metrics"
)

// Config bounds every subsystem the kernel owns (spec §6).
type Config struct {
	Task    gostask.Config
	Queue   gosqueue.Config
	Message gosmessage.Config
	Signal  gossignal.Config

	UseMutexPriorityInheritance bool
	MutexRetryMs                uint32

	SystemTaskPriority    uint16
	MessageDaemonPriority uint16
	SignalDaemonPriority  uint16
	SystemTaskSleepMs     uint32

	ResetOnErrorDelayMs uint32
}

// DefaultConfig mirrors the sizing spec.md suggests throughout §3/§6.
func DefaultConfig() Config {
	return Config{
		Task:                         gostask.DefaultConfig(),
		Queue:                        gosqueue.DefaultConfig(),
		Message:                      gosmessage.DefaultConfig(),
		Signal:                       gossignal.DefaultConfig(),
		UseMutexPriorityInheritance:  true,
		MutexRetryMs:                 gosmutex.MutexRetryMs,
		SystemTaskPriority:           1,
		MessageDaemonPriority:        2,
		SignalDaemonPriority:         2,
		SystemTaskSleepMs:            100,
		ResetOnErrorDelayMs:          1000,
	}
}

// UserAppFunc registers application tasks/services once every built-in
// subsystem is ready; it runs last in the init sequence.
type UserAppFunc func(*Kernel) error

// Kernel owns every subsystem and the scheduling primitives they share.
// Per spec §9's design note on global mutable state, every table here
// is instance-owned rather than process-global — tests build a private
// Kernel per case.
type Kernel struct {
	cfg Config
	log *logrus.Logger
	port gosport.Port

	Table    *gostask.Table
	Queues   *gosqueue.Manager
	Messages *gosmessage.Broker
	Signals  *gossignal.Service
	Metrics  *metrics.Registry

	taskDeletedSignal gossignal.ID
	systemTaskID      gostask.ID

	started bool
}

// New constructs a kernel bound to port but does not start scheduling;
// call Init then Start.
func New(cfg Config, port gosport.Port, log *logrus.Logger) *Kernel {
	if log == nil {
		log = logrus.StandardLogger()
	}
	table := gostask.NewTable(cfg.Task, port, log)
	reg := metrics.New()

	k := &Kernel{
		cfg:     cfg,
		log:     log,
		port:    port,
		Table:   table,
		Metrics: reg,
	}
	table.SetSwitchHook(func(prev, next gostask.ID) {
		reg.IncContextSwitch()
	})
	table.SetTickHook(reg.IncTick)
	return k
}

// Init runs the ordered initialization sequence (spec §4.8): queue,
// time, signal, message, shell (optional), sysmon (optional), user-app.
// The first failing step aborts the whole sequence. "time" has no core
// implementation — spec.md names the time-of-day service an explicit
// Non-goal — but the step is kept as a documented no-op so the ordering
// contract itself, which IS in scope, is observable and testable.
func (k *Kernel) Init(userApp UserAppFunc) error {
	steps := []struct {
		name string
		fn   func() error
	}{
		{"queue", k.initQueue},
		{"time", k.initTime},
		{"signal", k.initSignal},
		{"message", k.initMessage},
		{"shell", k.initShellOptional},
		{"sysmon", k.initSysmonOptional},
		{"user-app", func() error {
			if userApp == nil {
				return nil
			}
			return userApp(k)
		}},
	}

	for _, step := range steps {
		if err := step.fn(); err != nil {
			k.log.WithError(err).WithField("step", step.name).Error("kernel init failed")
			return kernelerr.Wrap("kernel.Init:"+step.name, kernelerr.StateViolation, err)
		}
		k.log.WithField("step", step.name).Debug("kernel init step complete")
	}
	return nil
}

func (k *Kernel) initQueue() error {
	k.Queues = gosqueue.New(k.cfg.Queue, k.Table, k.log)
	return nil
}

// initTime is an intentional no-op: the time-of-day service is out of
// scope (spec.md Non-goals).
func (k *Kernel) initTime() error { return nil }

func (k *Kernel) initSignal() error {
	svc, err := gossignal.New(k.cfg.Signal, k.Table, k.cfg.SignalDaemonPriority, k.log)
	if err != nil {
		return err
	}
	k.Signals = svc
	id, err := svc.Create("task_deleted")
	if err != nil {
		return err
	}
	k.taskDeletedSignal = id
	return nil
}

func (k *Kernel) initMessage() error {
	b, err := gosmessage.New(k.cfg.Message, k.Table, k.cfg.MessageDaemonPriority, k.log)
	if err != nil {
		return err
	}
	k.Messages = b
	return nil
}

// initShellOptional and initSysmonOptional stand in for the shell/CLI
// parser and diagnostic dump surfaces spec.md §1 names as external
// collaborators, out of scope for the core itself.
func (k *Kernel) initShellOptional() error  { return nil }
func (k *Kernel) initSysmonOptional() error { return nil }

// CreateQueue wraps Queues.Create and wires the new queue's full-hook to
// the kernel's metrics registry, so every queue created through the
// façade is observable without call sites remembering to wire it
// themselves.
func (k *Kernel) CreateQueue(name string, maxElements, maxLength uint32) (gosqueue.ID, error) {
	id, err := k.Queues.Create(name, maxElements, maxLength)
	if err != nil {
		return id, err
	}
	if err := k.Queues.SetFullHook(id, func(gosqueue.ID) {
		k.Metrics.IncQueueFull(name)
	}); err != nil {
		return id, err
	}
	return id, nil
}

// QueuePut wraps Queues.Put and records a "queue" timeout in Metrics
// whenever the call returns kernelerr.Timeout, so callers get the same
// observability CreateQueue gives the full-hook without repeating the
// kernelerr.Is check at every call site.
func (k *Kernel) QueuePut(caller gostask.ID, id gosqueue.ID, elem []byte, timeoutMs uint32) error {
	err := k.Queues.Put(caller, id, elem, timeoutMs)
	if kernelerr.Is(err, kernelerr.Timeout) {
		k.Metrics.IncTimeout("queue")
	}
	return err
}

// QueueGet wraps Queues.Get the same way QueuePut wraps Put.
func (k *Kernel) QueueGet(caller gostask.ID, id gosqueue.ID, target []byte, timeoutMs uint32) (uint32, error) {
	n, err := k.Queues.Get(caller, id, target, timeoutMs)
	if kernelerr.Is(err, kernelerr.Timeout) {
		k.Metrics.IncTimeout("queue")
	}
	return uint32(n), err
}

// MessageRx wraps Messages.Rx and records a "message" timeout the same
// way QueuePut/QueueGet do for the queue subsystem.
func (k *Kernel) MessageRx(caller gostask.ID, idFilter []uint16, target []byte, timeoutMs uint32) (int, error) {
	n, err := k.Messages.Rx(caller, idFilter, target, timeoutMs)
	if kernelerr.Is(err, kernelerr.Timeout) {
		k.Metrics.IncTimeout("message")
	}
	return n, err
}

// NewMutex and NewTrigger are convenience constructors so application
// code need not import gosmutex/gostrigger directly to get the
// kernel-configured defaults (retry interval, inheritance flag).
func (k *Kernel) NewMutex() *gosmutex.Mutex {
	return gosmutex.New(k.Table, k.cfg.UseMutexPriorityInheritance, k.cfg.MutexRetryMs, k.log)
}

func (k *Kernel) NewTrigger() *gostrigger.Trigger {
	return gostrigger.New(k.Table)
}

// DeleteTask wraps Table.Delete and fires the task_deleted signal (spec
// §3's lifecycle note) — the table itself only freezes the slot; the
// kernel façade owns signal wiring, so it is the one that invokes it.
func (k *Kernel) DeleteTask(caller, target gostask.ID) error {
	if err := k.Table.Delete(caller, target); err != nil {
		return err
	}
	if k.Signals != nil {
		_ = k.Signals.Invoke(k.systemTaskID, k.taskDeletedSignal, target)
	}
	return nil
}

// Start registers the system task, runs the first scheduler selection
// inside a critical section, and yields through the port's unprivileged
// path (YieldNow(false)) to begin scheduling (spec §4.8). It performs no
// MSP-to-PSP stack switch of its own. On a SoftwarePort this is
// bookkeeping only: real preemption is driven by the test/demo calling
// port.AdvanceMs.
func (k *Kernel) Start(ctx context.Context) error {
	if k.started {
		return kernelerr.New("kernel.Start", kernelerr.StateViolation)
	}
	sysID, err := k.Table.Register(gostask.Descriptor{
		Name:       "system_task",
		Priority:   k.cfg.SystemTaskPriority,
		Privileges: gostask.PrivKernel | gostask.PrivTaskManipulate | gostask.PrivSignaling | gostask.PrivServiceAdmin,
	})
	if err != nil {
		return err
	}
	k.systemTaskID = sysID

	k.port.EnterCritical()
	k.Table.Reschedule()
	k.port.ExitCritical()
	k.port.YieldNow(false)
	k.started = true
	return nil
}

// RunSystemTaskCycle performs one iteration of the system_task body
// (spec §4.8): recompute CPU usage, push fresh gauges to Metrics, and
// run one signal-daemon pass if a signal is already pending. It sleeps
// SystemTaskSleepMs between cycles in the caller's own driving loop;
// the kernel itself never spawns a goroutine for it (single-threaded,
// cooperative test model, like every other subsystem here).
func (k *Kernel) RunSystemTaskCycle() {
	k.Table.CalculateCPUUsages(true)
	for _, data := range k.Table.Snapshot() {
		k.Metrics.ObserveCPUUsage(data.Name, data.CPUUsagePermille)
	}
	if k.Signals != nil {
		_ = k.Signals.RunDaemonPass(0)
	}
}

// MetricsHandler exposes the kernel's prometheus registry for scraping.
func (k *Kernel) MetricsHandler() http.Handler {
	return k.Metrics.Handler()
}
