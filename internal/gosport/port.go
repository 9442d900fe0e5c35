// Package gosport defines the capability the core consumes from the
// platform-specific port: critical sections, ISR bookkeeping, the
// reschedule trigger, PSP save/restore, and the millisecond tick source.
//
// Nothing under the core packages is allowed to assume a concrete Port
// implementation; production firmware supplies one that talks to real
// PendSV/SysTick/SVC hardware, tests and cmd/gosdemo supply SoftwarePort.
package gosport

// Port is the single trait of operations the core assumes, mirroring
// spec §4.1. Implementations must not be invoked with core locks held
// except where explicitly documented by the caller.
type Port interface {
	// EnterCritical/ExitCritical disable/enable interrupts. Nestable via
	// an internal counter — only the outermost ExitCritical re-enables.
	EnterCritical()
	ExitCritical()

	// MarkInISR/ClearInISR bracket interrupt-context execution. Nestable.
	MarkInISR()
	ClearInISR()
	IsInISR() bool

	// TriggerReschedule requests the scheduler re-run selection at the
	// next opportunity (called from the tick handler and from the task
	// table's Sleep, Block, Unblock and Resume; Suspend and Delete do not
	// call it).
	TriggerReschedule()

	// YieldNow requests an immediate reschedule. The privileged flag
	// distinguishes a kernel-context yield from one that would, on real
	// hardware, go through a supervisor call.
	YieldNow(privileged bool)

	// SaveCurrentPSP/LoadCurrentPSP persist the running task's stack
	// pointer snapshot across a context switch. Invoked only from the
	// context-switch sequence.
	SaveCurrentPSP(sp uintptr)
	LoadCurrentPSP() (sp uintptr, ok bool)

	// SysTicksMs returns the monotonic millisecond tick counter.
	SysTicksMs() uint64

	// ResetCPU terminates the system (fatal-error path).
	ResetCPU()

	// SysTickRegister installs the core's tick callback, invoked once
	// per tick from interrupt context.
	SysTickRegister(cb func())
}
