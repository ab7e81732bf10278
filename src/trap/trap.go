// Package trap implements the S-mode trap handler and syscall dispatcher
// (spec §4.8): SCAUSE decode/route, the ABI's register convention
// (number in A7, arguments in A0..A2, return in A0, sepc advanced past
// the ecall), and the full syscall table. Grounded directly on
// syscall.c's syscall_handler/syscall dispatch switch.
package trap

import (
	"fmt"

	"golang.org/x/arch/riscv64/riscv64asm"

	"github.com/ethanrp2/riscv-kernel/src/errs"
	"github.com/ethanrp2/riscv-kernel/src/fs"
	"github.com/ethanrp2/riscv-kernel/src/ioif"
	"github.com/ethanrp2/riscv-kernel/src/kconf"
	"github.com/ethanrp2/riscv-kernel/src/klog"
	"github.com/ethanrp2/riscv-kernel/src/proc"
)

// Scause exception codes this dispatcher recognizes (RISC-V privileged
// spec table 3.6; only the two spec §4.8 names are given symbols).
const (
	ScauseEcallFromU       uint64 = 8
	ScauseStorePageFault   uint64 = 15
)

// Syscall numbers (spec §6 "Syscall numbers" / §4.8's dispatch table).
const (
	SyscallExit    = 1
	SyscallMsgout  = 2
	SyscallDevopen = 3
	SyscallFsopen  = 4
	SyscallClose   = 5
	SyscallRead    = 6
	SyscallWrite   = 7
	SyscallIoctl   = 8
	SyscallExec    = 9
	SyscallUsleep  = 10
	SyscallWait    = 11
	SyscallFork    = 12
)

// Frame is the syscall ABI's visible register slice: argument registers
// A0-A2, the syscall number A7, and the saved program counter. The
// hosted simulation has no user-address-space byte stream to dereference
// a raw pointer into, so the two register slots that are pointers in the
// C ABI (a string argument, a read/write data buffer) are carried
// directly as Go values the caller already decoded: Str for
// msgout/devopen/fsopen's name argument, Buf for read/write's data.
// Read fills Buf in place; Write sends Buf's contents.
type Frame struct {
	A0, A1, A2, A7 int64
	Sepc           uint64
	Str            string
	Buf            []byte
}

// Dispatcher wires a process manager, device registry, and mounted
// filesystem to the syscall table (spec §4.8). A nil *klog.Logger is
// safe.
type Dispatcher struct {
	Procs    *proc.Manager
	Devices  *ioif.Registry
	FS       *fs.FS
	Log      *klog.Logger
}

// HandleTrap decodes scause and routes to the syscall path, the
// page-fault handler, or the fatal default path (spec §4.8). instr is
// the raw bytes at sepc, used only for the default exception's
// diagnostic disassembly.
func (d *Dispatcher) HandleTrap(p *proc.Process_t, scause uint64, stval uint64, tfr *Frame, instr []byte) int64 {
	switch scause {
	case ScauseEcallFromU:
		tfr.Sepc += 4
		return d.syscall(p, tfr)
	case ScauseStorePageFault:
		p.Entry().HandlePageFault(stval)
		return 0
	default:
		d.fatal(scause, tfr.Sepc, instr)
		return 0 // unreached: fatal panics
	}
}

// fatal prints a named message at sepc and panics, the catch-all default
// exception path (spec §4.8). It disassembles the faulting instruction
// with riscv64asm for the diagnostic line.
func (d *Dispatcher) fatal(scause, sepc uint64, instr []byte) {
	disasm := "<no instruction bytes>"
	if len(instr) > 0 {
		if inst, err := riscv64asm.Decode(instr); err == nil {
			disasm = inst.String()
		} else {
			disasm = fmt.Sprintf("<invalid: % x>", instr)
		}
	}
	msg := fmt.Sprintf("trap: unhandled exception scause=%#x sepc=%#x instr=%q", scause, sepc, disasm)
	d.Log.Printf("%s", msg)
	panic(msg)
}

// syscall reads A7 and dispatches to the matching handler, returning the
// value destined for A0 (spec §4.8's syscall() helper).
func (d *Dispatcher) syscall(p *proc.Process_t, tfr *Frame) int64 {
	switch tfr.A7 {
	case SyscallExit:
		d.Procs.Exit(p, int(tfr.A0))
		return 0
	case SyscallMsgout:
		d.Log.Printf("Thread <%s,:%d> says: %s", p.Name, p.Tid, tfr.Str)
		return 0
	case SyscallDevopen:
		return int64(d.devopen(p, int(tfr.A0), tfr.Str, int(tfr.A2)))
	case SyscallFsopen:
		return int64(d.fsopen(p, int(tfr.A0), tfr.Str))
	case SyscallClose:
		return int64(d.close(p, int(tfr.A0)))
	case SyscallRead:
		if tfr.Buf == nil {
			return int64(errs.EINVAL)
		}
		n, err := d.read(p, int(tfr.A0), tfr.Buf)
		if err.IsErr() {
			return int64(err)
		}
		return int64(n)
	case SyscallWrite:
		if tfr.Buf == nil {
			return int64(errs.EINVAL)
		}
		n, err := d.write(p, int(tfr.A0), tfr.Buf)
		if err.IsErr() {
			return int64(err)
		}
		return int64(n)
	case SyscallIoctl:
		n, err := d.ioctl(p, int(tfr.A0), int(tfr.A1), int(tfr.A2))
		if err.IsErr() {
			return int64(err)
		}
		return int64(n)
	case SyscallExec:
		return int64(d.exec(p, int(tfr.A0)))
	case SyscallUsleep:
		return 0 // alarm scheduling is the thread-runtime collaborator's job (spec §5)
	case SyscallWait:
		tid, err := d.Procs.Wait(p, tfr.A0)
		if err.IsErr() {
			return int64(err)
		}
		return tid
	case SyscallFork:
		child, err := d.Procs.Fork(p)
		if err.IsErr() {
			return int64(err)
		}
		return child.Tid
	default:
		return int64(errs.EINVAL)
	}
}

// validFd bounds fd against PROCESS_IOMAX, the check every syscall table
// entry performs before touching iotab (spec §4.8).
func validFd(fd int) bool {
	return fd >= 0 && fd < kconf.ProcessIOMax
}

// freeFdSlot returns the lowest unused fd, bounded by ProcessIOMax. The
// source's sysdevopen/sysfsopen loop `while (iotab[i] != NULL || i >=
// PROCESS_IOMAX) i++` never actually stops the scan at the table bound in
// the all-full case (the OR should be AND) and reads one slot past the
// table; this loop is bounded correctly (spec §9, supplemented per
// SPEC_FULL.md §12).
func freeFdSlot(iotab *[kconf.ProcessIOMax]ioif.IOIntf) int {
	for i := 0; i < kconf.ProcessIOMax; i++ {
		if iotab[i] == nil {
			return i
		}
	}
	return -1
}

func (d *Dispatcher) devopen(p *proc.Process_t, fd int, name string, instno int) errs.Err_t {
	if fd >= kconf.ProcessIOMax {
		return errs.EINVAL
	}
	if fd < 0 {
		fd = freeFdSlot(&p.IOTab)
		if fd == -1 {
			return errs.EMFILE
		}
	}
	io, err := d.Devices.Open(name, instno)
	if err.IsErr() {
		return err
	}
	p.IOTab[fd] = io
	return errs.Err_t(fd)
}

func (d *Dispatcher) fsopen(p *proc.Process_t, fd int, name string) errs.Err_t {
	if fd >= kconf.ProcessIOMax {
		return errs.EINVAL
	}
	if fd < 0 {
		fd = freeFdSlot(&p.IOTab)
		if fd == -1 {
			return errs.EMFILE
		}
	}
	io, err := d.FS.Open(name)
	if err.IsErr() {
		return err
	}
	p.IOTab[fd] = io
	return errs.Err_t(fd)
}

func (d *Dispatcher) close(p *proc.Process_t, fd int) errs.Err_t {
	if !validFd(fd) || p.IOTab[fd] == nil {
		return errs.EINVAL
	}
	err := p.IOTab[fd].Close()
	p.IOTab[fd] = nil
	return err
}

func (d *Dispatcher) read(p *proc.Process_t, fd int, buf []byte) (int, errs.Err_t) {
	if !validFd(fd) || p.IOTab[fd] == nil {
		return 0, errs.EINVAL
	}
	return p.IOTab[fd].Read(buf)
}

func (d *Dispatcher) write(p *proc.Process_t, fd int, buf []byte) (int, errs.Err_t) {
	if !validFd(fd) || p.IOTab[fd] == nil {
		return 0, errs.EINVAL
	}
	return p.IOTab[fd].Write(buf)
}

func (d *Dispatcher) ioctl(p *proc.Process_t, fd int, cmd int, arg int) (int, errs.Err_t) {
	if !validFd(fd) || p.IOTab[fd] == nil {
		return 0, errs.EINVAL
	}
	return p.IOTab[fd].Ctl(cmd, arg)
}

func (d *Dispatcher) exec(p *proc.Process_t, fd int) errs.Err_t {
	if !validFd(fd) || p.IOTab[fd] == nil {
		return errs.EINVAL
	}
	_, err := d.Procs.Exec(p, p.IOTab[fd])
	return err
}
