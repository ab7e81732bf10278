// Package proc implements the process manager (spec §4.9): a fixed-size
// process table, the exec/exit/fork/wait lifecycle, and the fd-table
// bookkeeping exec/fork/exit share. Grounded on the original kernel's
// process.c plus the process-record fields syscall.c's sysfork/syswait
// read and write directly (proctab, iotab, tid).
//
// There is no in-process RISC-V interpreter in this port — "jump to user
// mode" and "resume thread" are simulation boundaries, not executable
// machine code, so Exec/Fork model the bookkeeping spec §4.9 specifies
// (address-space setup, fd-table copy, table housekeeping) and represent
// "the user thread ran" as a caller-driven signal via Manager.Exit
// rather than an actual instruction stream.
package proc

import (
	"sync"

	"github.com/ethanrp2/riscv-kernel/src/elf"
	"github.com/ethanrp2/riscv-kernel/src/errs"
	"github.com/ethanrp2/riscv-kernel/src/ioif"
	"github.com/ethanrp2/riscv-kernel/src/kconf"
	"github.com/ethanrp2/riscv-kernel/src/klog"
	"github.com/ethanrp2/riscv-kernel/src/mem"
	"github.com/ethanrp2/riscv-kernel/src/vm"
)

// Process_t is one process-table record (spec §4.9): identity, the
// address-space tag the hart loads into satp, and the per-process fd
// table.
type Process_t struct {
	ID   int
	Tid  int64
	Mtag uint64
	Name string

	as     *vm.AddrSpace_t
	IOTab  [kconf.ProcessIOMax]ioif.IOIntf

	mu       sync.Mutex
	exited   bool
	exitCode int
	done     chan struct{}
}

// Entry returns the address space backing this process, for callers that
// need to map/fault/reclaim it directly (trap's page-fault path).
func (p *Process_t) Entry() *vm.AddrSpace_t { return p.as }

// Manager owns the process table and next-id/tid allocation, mirroring
// the source's global `proctab` array and the thread runtime's tid
// counter.
type Manager struct {
	mu    sync.Mutex
	table [kconf.NProc]*Process_t
	phys  *mem.Physmem_t
	log   *klog.Logger
	tids  int64
}

// NewManager returns an empty process manager bound to the given
// physical-memory pool.
func NewManager(phys *mem.Physmem_t, lg *klog.Logger) *Manager {
	return &Manager{phys: phys, log: lg}
}

// ProcMgrInit wraps the calling (boot) thread as process 0, the main
// process, the way procmgr_init binds the running thread into slot 0 of
// proctab without going through Fork (spec §4.9 "procmgr_init").
func (m *Manager) ProcMgrInit(asid uint16) *Process_t {
	m.mu.Lock()
	defer m.mu.Unlock()

	as := vm.New(m.phys, asid, m.log)
	p := &Process_t{ID: 0, Tid: m.nextTid(), Mtag: as.Mtag(), Name: "boot", as: as, done: make(chan struct{})}
	m.table[0] = p
	return p
}

func (m *Manager) nextTid() int64 {
	m.tids++
	return m.tids
}

// allocID returns the lowest free process-table slot, or -1 if the table
// is full (mirrors sysfork's `while (i < NPROC) ...` scan).
func (m *Manager) allocID() int {
	for i := 1; i < kconf.NProc; i++ {
		if m.table[i] == nil {
			return i
		}
	}
	return -1
}

// Exec reclaims p's user address-space range, loads the ELF image behind
// io, and rebinds p to the freshly loaded program (spec §4.9 "exec").
// It never returns to a caller expecting the old image to still be
// mapped; on success, the returned entry point is where the (simulated)
// user thread resumes.
func (m *Manager) Exec(p *Process_t, io ioif.IOIntf) (entry uint64, err errs.Err_t) {
	if io == nil {
		return 0, errs.EINVAL
	}

	p.as.UnmapAndFreeUser()
	p.as.SpaceReclaim()

	entry, err = elf.Load(io, p.as)
	if err.IsErr() {
		return 0, err
	}
	return entry, errs.Ok
}

// Exit reclaims p's user mappings, closes every open fd, clears p's
// table slot, and wakes anyone joined on p (spec §4.9 "exit"). It is
// idempotent: a second call on an already-exited process is a no-op.
func (m *Manager) Exit(p *Process_t, code int) {
	p.mu.Lock()
	if p.exited {
		p.mu.Unlock()
		return
	}
	p.exited = true
	p.exitCode = code
	p.mu.Unlock()

	p.as.UnmapAndFreeUser()
	p.as.SpaceReclaim()
	for i := range p.IOTab {
		if p.IOTab[i] != nil {
			p.IOTab[i].Close()
			p.IOTab[i] = nil
		}
	}

	m.mu.Lock()
	m.table[p.ID] = nil
	m.mu.Unlock()

	close(p.done)
}

// Fork allocates a free process id, clones parent's address space under
// a fresh ASID, shares parent's open file handles into the child's fd
// table (Go's garbage collector retires the underlying handle once every
// table referencing it is cleared, standing in for the source's manual
// ioref refcount bump), and returns the new process (spec §4.9 "fork").
func (m *Manager) Fork(parent *Process_t) (*Process_t, errs.Err_t) {
	m.mu.Lock()
	id := m.allocID()
	if id == -1 {
		m.mu.Unlock()
		return nil, errs.EMFILE
	}
	asid := uint16(id)
	tid := m.nextTid()
	m.mu.Unlock()

	childAS, childMtag := parent.as.SpaceClone(asid)
	child := &Process_t{ID: id, Tid: tid, Mtag: childMtag, Name: parent.Name, as: childAS, done: make(chan struct{})}
	for i := range parent.IOTab {
		child.IOTab[i] = parent.IOTab[i]
	}

	m.mu.Lock()
	m.table[id] = child
	m.mu.Unlock()

	return child, errs.Ok
}

// Wait joins tid, or, when tid is zero, whichever live process-table entry
// other than current exits first (spec §4.9 / §4.8 "wait"). The table does
// not record parentage, so a zero tid is not limited to current's own
// children. It blocks until the target process calls Exit.
func (m *Manager) Wait(current *Process_t, tid int64) (int64, errs.Err_t) {
	if tid == 0 {
		return m.waitAny(current)
	}
	return m.waitTid(tid)
}

func (m *Manager) waitTid(tid int64) (int64, errs.Err_t) {
	m.mu.Lock()
	var target *Process_t
	for _, p := range m.table {
		if p != nil && p.Tid == tid {
			target = p
			break
		}
	}
	m.mu.Unlock()
	if target == nil {
		return 0, errs.ENOENT
	}
	<-target.done
	return target.Tid, errs.Ok
}

// waitAny blocks until some process exits, by racing on the done channel
// of every live table entry other than current. With no such entry it
// returns immediately with no-entry.
func (m *Manager) waitAny(current *Process_t) (int64, errs.Err_t) {
	m.mu.Lock()
	var targets []*Process_t
	for _, p := range m.table {
		if p != nil && p != current {
			targets = append(targets, p)
		}
	}
	m.mu.Unlock()
	if len(targets) == 0 {
		return 0, errs.ENOENT
	}

	result := make(chan int64, 1)
	for _, t := range targets {
		go func(t *Process_t) {
			<-t.done
			select {
			case result <- t.Tid:
			default:
			}
		}(t)
	}
	return <-result, errs.Ok
}
