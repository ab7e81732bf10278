// Package elf implements the ELF64 program loader (spec §4.7), grounded
// directly on the original kernel's elf.c (the teacher pack carries no
// in-kernel ELF loader of its own — kernel/chentry.go only patches a
// built image's entry point as a host-side build tool, via debug/elf).
package elf

import (
	"encoding/binary"

	"github.com/ethanrp2/riscv-kernel/src/errs"
	"github.com/ethanrp2/riscv-kernel/src/ioif"
	"github.com/ethanrp2/riscv-kernel/src/kconf"
	"github.com/ethanrp2/riscv-kernel/src/vm"
)

const (
	eiMag0      = 0x7f
	eiMag1      = 'E'
	eiMag2      = 'L'
	eiMag3      = 'F'
	elfClass64  = 2
	elfData2LSB = 1
	evCurrent   = 1
	etExec      = 2
	ptLoad      = 1

	ehdrSize = 64
	phdrSize = 56
)

type ehdr struct {
	ident     [16]byte
	typ       uint16
	machine   uint16
	version   uint32
	entry     uint64
	phoff     uint64
	shoff     uint64
	flags     uint32
	ehsize    uint16
	phentsize uint16
	phnum     uint16
	shentsize uint16
	shnum     uint16
	shstrndx  uint16
}

type phdr struct {
	typ    uint32
	flags  uint32
	offset uint64
	vaddr  uint64
	paddr  uint64
	filesz uint64
	memsz  uint64
	align  uint64
}

// readField-by-field decoding (spec §9): never cast a raw buffer to the
// struct, since Go gives no layout guarantee across platforms.
func decodeEhdr(b []byte) ehdr {
	var h ehdr
	copy(h.ident[:], b[0:16])
	h.typ = binary.LittleEndian.Uint16(b[16:18])
	h.machine = binary.LittleEndian.Uint16(b[18:20])
	h.version = binary.LittleEndian.Uint32(b[20:24])
	h.entry = binary.LittleEndian.Uint64(b[24:32])
	h.phoff = binary.LittleEndian.Uint64(b[32:40])
	h.shoff = binary.LittleEndian.Uint64(b[40:48])
	h.flags = binary.LittleEndian.Uint32(b[48:52])
	h.ehsize = binary.LittleEndian.Uint16(b[52:54])
	h.phentsize = binary.LittleEndian.Uint16(b[54:56])
	h.phnum = binary.LittleEndian.Uint16(b[56:58])
	h.shentsize = binary.LittleEndian.Uint16(b[58:60])
	h.shnum = binary.LittleEndian.Uint16(b[60:62])
	h.shstrndx = binary.LittleEndian.Uint16(b[62:64])
	return h
}

func decodePhdr(b []byte) phdr {
	var p phdr
	p.typ = binary.LittleEndian.Uint32(b[0:4])
	p.flags = binary.LittleEndian.Uint32(b[4:8])
	p.offset = binary.LittleEndian.Uint64(b[8:16])
	p.vaddr = binary.LittleEndian.Uint64(b[16:24])
	p.paddr = binary.LittleEndian.Uint64(b[24:32])
	p.filesz = binary.LittleEndian.Uint64(b[32:40])
	p.memsz = binary.LittleEndian.Uint64(b[40:48])
	p.align = binary.LittleEndian.Uint64(b[48:56])
	return p
}

func seekRead(io ioif.IOIntf, off uint64, n int) ([]byte, errs.Err_t) {
	if _, err := io.Ctl(kconf.IoctlSetPos, int(off)); err.IsErr() {
		return nil, err
	}
	buf := make([]byte, n)
	rn, err := io.Read(buf)
	if err.IsErr() {
		return nil, err
	}
	if rn < n {
		return nil, errs.EIO
	}
	return buf, errs.Ok
}

// Load validates the ELF64 header at offset 0 of io, maps and populates
// every PT_LOAD segment into as, and returns the program's entry point
// (spec §4.7). It rejects a nil io with invalid-argument and a malformed
// header or out-of-range segment with bad-format.
func Load(io ioif.IOIntf, as *vm.AddrSpace_t) (uint64, errs.Err_t) {
	if io == nil {
		return 0, errs.EINVAL
	}

	hb, err := seekRead(io, 0, ehdrSize)
	if err.IsErr() {
		return 0, errs.EIO
	}
	h := decodeEhdr(hb)

	if h.ident[0] != eiMag0 || h.ident[1] != eiMag1 || h.ident[2] != eiMag2 || h.ident[3] != eiMag3 {
		return 0, errs.EBADFMT
	}
	if h.ident[4] != elfClass64 {
		return 0, errs.EBADFMT
	}
	if h.ident[5] != elfData2LSB {
		return 0, errs.EBADFMT
	}
	if h.ident[6] != evCurrent {
		return 0, errs.EBADFMT
	}
	if h.typ != etExec {
		return 0, errs.EBADFMT
	}

	for i := uint16(0); i < h.phnum; i++ {
		phoff := h.phoff + uint64(i)*uint64(h.phentsize)
		pb, err := seekRead(io, phoff, phdrSize)
		if err.IsErr() {
			return 0, errs.EIO
		}
		p := decodePhdr(pb)
		if p.typ != ptLoad {
			continue
		}
		if p.vaddr < kconf.UserStartVMA || p.vaddr+p.memsz > kconf.UserEndVMA {
			return 0, errs.EBADFMT
		}

		as.AllocAndMapRange(p.vaddr, int(p.memsz), vm.PTE_W|vm.PTE_R|vm.PTE_U)

		data, err := seekRead(io, p.offset, int(p.filesz))
		if err.IsErr() {
			return 0, errs.EIO
		}
		if err := as.WriteAt(p.vaddr, data); err.IsErr() {
			return 0, err
		}
		if p.filesz < p.memsz {
			if err := as.ZeroAt(p.vaddr+p.filesz, int(p.memsz-p.filesz)); err.IsErr() {
				return 0, err
			}
		}

		var flags vm.Pte_t = vm.PTE_U
		if p.flags&0b1 != 0 {
			flags |= vm.PTE_X
		}
		if p.flags&0b10 != 0 {
			flags |= vm.PTE_W
		}
		if p.flags&0b100 != 0 {
			flags |= vm.PTE_R
		}
		as.SetRangeFlags(p.vaddr, int(p.memsz), flags)
	}

	return h.entry, errs.Ok
}
