// Package plic implements the platform-level interrupt controller driver
// (spec §4.4): per-source priority, per-context enable/threshold, and
// claim/complete, via memory-mapped register math grounded directly on
// plic.c (offsets copied verbatim from PLIC_IOBASE/PLIC_PEND_OFFSET/
// PLIC_ENABLE_OFFST/PLIC_CTX_THRESH_OFF/PLIC_CLAIM_OFF).
//
// The register window is modeled as a map from register offset to 32-bit
// value rather than raw pointers into physical memory, the way mem/dmap.go's caddr helper turns a
// physical address into an addressable Go value — here the window is
// simply simulated, not direct-mapped RAM.
package plic

import "github.com/ethanrp2/riscv-kernel/src/kconf"

// SupervisorContext is the single PLIC context this kernel claims and
// completes through (single-hart, supervisor mode).
const SupervisorContext = 1

// Plic owns the simulated MMIO register window.
type Plic struct {
	regs map[uint64]uint32
}

// New returns a PLIC with every register at its power-on value (0).
func New() *Plic {
	return &Plic{regs: make(map[uint64]uint32)}
}

func (p *Plic) read(off uint64) uint32  { return p.regs[off] }
func (p *Plic) write(off uint64, v uint32) { p.regs[off] = v }

func priorityOff(srcno uint32) uint64 {
	return 4 * uint64(srcno)
}

func pendingOff(srcno uint32) uint64 {
	return kconf.PLICPendOff + uint64(srcno/32)*4
}

func enableOff(ctxno, srcno uint32) uint64 {
	return kconf.PLICEnableOff + uint64(ctxno)*kconf.PLICEnableCtx + uint64(srcno/32)*4
}

func thresholdOff(ctxno uint32) uint64 {
	return kconf.PLICThreshOff + uint64(ctxno)*kconf.PLICCtxStride
}

func claimOff(ctxno uint32) uint64 {
	return kconf.PLICClaimOff + uint64(ctxno)*kconf.PLICCtxStride
}

// SetSourcePriority writes the priority register for srcno.
func (p *Plic) SetSourcePriority(srcno, level uint32) {
	p.write(priorityOff(srcno), level)
}

// SourcePending reports whether srcno's pending bit is set.
func (p *Plic) SourcePending(srcno uint32) bool {
	v := p.read(pendingOff(srcno))
	return v&(1<<(srcno%32)) != 0
}

// SetPending is the simulated hardware's way of raising an interrupt
// source (there being no real PLIC wire in a hosted simulation).
func (p *Plic) SetPending(srcno uint32) {
	off := pendingOff(srcno)
	p.write(off, p.read(off)|1<<(srcno%32))
}

// EnableSourceForContext sets srcno's enable bit for ctxno.
func (p *Plic) EnableSourceForContext(ctxno, srcno uint32) {
	off := enableOff(ctxno, srcno)
	p.write(off, p.read(off)|1<<(srcno%32))
}

// DisableSourceForContext clears srcno's enable bit for ctxno.
func (p *Plic) DisableSourceForContext(ctxno, srcno uint32) {
	off := enableOff(ctxno, srcno)
	p.write(off, p.read(off)&^(1<<(srcno%32)))
}

// SetContextThreshold sets the priority threshold for ctxno.
func (p *Plic) SetContextThreshold(ctxno, level uint32) {
	p.write(thresholdOff(ctxno), level)
}

// ClaimContextInterrupt reads (and thereby claims) ctxno's claim register.
func (p *Plic) ClaimContextInterrupt(ctxno uint32) uint32 {
	return p.read(claimOff(ctxno))
}

// CompleteContextInterrupt writes srcno back to ctxno's claim register,
// signaling completion.
func (p *Plic) CompleteContextInterrupt(ctxno, srcno uint32) {
	p.write(claimOff(ctxno), srcno)
}

// Init disables every source (priority 0) and enables every source for
// the supervisor context (spec §4.4 "init").
func (p *Plic) Init() {
	for i := uint32(0); i < kconf.PLICSrcCount; i++ {
		p.SetSourcePriority(i, 0)
		p.EnableSourceForContext(SupervisorContext, i)
	}
}

// EnableIRQ sets irqno's priority, the high-level counterpart to
// SetSourcePriority used by device attach paths.
func (p *Plic) EnableIRQ(irqno uint32, prio uint32) {
	p.SetSourcePriority(irqno, prio)
}

// DisableIRQ sets irqno's priority back to 0.
func (p *Plic) DisableIRQ(irqno uint32) {
	p.SetSourcePriority(irqno, 0)
}

// Claim returns the supervisor context's claimed interrupt source.
func (p *Plic) Claim() uint32 {
	return p.ClaimContextInterrupt(SupervisorContext)
}

// Close writes irqno back to the supervisor context's claim register.
func (p *Plic) Close(irqno uint32) {
	p.CompleteContextInterrupt(SupervisorContext, irqno)
}
