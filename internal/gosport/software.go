package gosport

import "sync/atomic"

// SoftwarePort is a deterministic, manually-ticked stand-in for the real
// PendSV/SysTick/SVC hardware, used by every core test and by
// cmd/gosdemo. Critical sections and ISR bookkeeping are nestable depth
// counters rather than real interrupt masks — the same shape gvisor's
// subprocess control threads use for their nestable "in syscall"
// bookkeeping, adapted here to the core's enter/exit critical contract.
// There is no background goroutine driving time: callers advance the
// clock explicitly via Tick/AdvanceMs, which is what keeps every test in
// this module single-goroutine and race-free.
type SoftwarePort struct {
	criticalDepth int32
	isrDepth      int32
	ticksMs       uint64
	tickCB        func()
	rescheduleCB  func()
	psp           uintptr
	pspValid      bool
	resetCount    int32
}

// NewSoftwarePort builds a SoftwarePort ready for use. onReschedule is
// invoked synchronously whenever TriggerReschedule or YieldNow fires —
// the scheduler wires its own re-selection there.
func NewSoftwarePort(onReschedule func()) *SoftwarePort {
	return &SoftwarePort{rescheduleCB: onReschedule}
}

func (p *SoftwarePort) EnterCritical() { atomic.AddInt32(&p.criticalDepth, 1) }
func (p *SoftwarePort) ExitCritical() {
	if atomic.AddInt32(&p.criticalDepth, -1) < 0 {
		atomic.StoreInt32(&p.criticalDepth, 0)
	}
}

func (p *SoftwarePort) MarkInISR()  { atomic.AddInt32(&p.isrDepth, 1) }
func (p *SoftwarePort) ClearInISR() {
	if atomic.AddInt32(&p.isrDepth, -1) < 0 {
		atomic.StoreInt32(&p.isrDepth, 0)
	}
}
func (p *SoftwarePort) IsInISR() bool { return atomic.LoadInt32(&p.isrDepth) > 0 }

func (p *SoftwarePort) TriggerReschedule() {
	if p.rescheduleCB != nil {
		p.rescheduleCB()
	}
}

func (p *SoftwarePort) YieldNow(_ bool) { p.TriggerReschedule() }

func (p *SoftwarePort) SaveCurrentPSP(sp uintptr) {
	p.psp = sp
	p.pspValid = true
}

func (p *SoftwarePort) LoadCurrentPSP() (uintptr, bool) { return p.psp, p.pspValid }

func (p *SoftwarePort) SysTicksMs() uint64 { return atomic.LoadUint64(&p.ticksMs) }

func (p *SoftwarePort) ResetCPU() { atomic.AddInt32(&p.resetCount, 1) }

// ResetCount reports how many times ResetCPU has been invoked — tests use
// this to assert the fatal-error path actually fired without tearing down
// the process under test.
func (p *SoftwarePort) ResetCount() int32 { return atomic.LoadInt32(&p.resetCount) }

func (p *SoftwarePort) SysTickRegister(cb func()) { p.tickCB = cb }

// Tick advances the millisecond counter by one and invokes the registered
// tick callback, simulating one SysTick interrupt. Tests and cmd/gosdemo
// drive time forward exclusively through this method — there is no
// wall-clock goroutine racing the test.
func (p *SoftwarePort) Tick() {
	atomic.AddUint64(&p.ticksMs, 1)
	p.MarkInISR()
	defer p.ClearInISR()
	if p.tickCB != nil {
		p.tickCB()
	}
}

// AdvanceMs calls Tick n times, simulating n milliseconds of elapsed time.
func (p *SoftwarePort) AdvanceMs(n uint32) {
	for i := uint32(0); i < n; i++ {
		p.Tick()
	}
}
