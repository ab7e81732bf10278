package elf

import (
	"encoding/binary"
	"testing"

	"github.com/ethanrp2/riscv-kernel/src/errs"
	"github.com/ethanrp2/riscv-kernel/src/kconf"
	"github.com/ethanrp2/riscv-kernel/src/klog"
	"github.com/ethanrp2/riscv-kernel/src/mem"
	"github.com/ethanrp2/riscv-kernel/src/vm"
)

// memio is a seekable in-memory IOIntf standing in for a mounted device
// or file, used by this package's tests that need an ioif.IOIntf over a
// byte buffer.
type memio struct {
	buf []byte
	pos int
}

func (m *memio) Read(b []byte) (int, errs.Err_t) {
	n := copy(b, m.buf[m.pos:])
	m.pos += n
	return n, errs.Ok
}

func (m *memio) Write(b []byte) (int, errs.Err_t) {
	n := copy(m.buf[m.pos:], b)
	m.pos += n
	return n, errs.Ok
}

func (m *memio) Ctl(cmd int, arg int) (int, errs.Err_t) {
	switch cmd {
	case kconf.IoctlSetPos:
		if arg < 0 || arg > len(m.buf) {
			return 0, errs.EINVAL
		}
		m.pos = arg
		return 0, errs.Ok
	case kconf.IoctlGetPos:
		return m.pos, errs.Ok
	case kconf.IoctlGetLen:
		return len(m.buf), errs.Ok
	default:
		return 0, errs.ENOTSUP
	}
}

func (m *memio) Close() errs.Err_t { return errs.Ok }

func putEhdr(b []byte, dataEnc byte, typ uint16, phoff uint64, phnum uint16, entry uint64) {
	b[0], b[1], b[2], b[3] = 0x7f, 'E', 'L', 'F'
	b[4] = elfClass64
	b[5] = dataEnc
	b[6] = evCurrent
	binary.LittleEndian.PutUint16(b[16:18], typ)
	binary.LittleEndian.PutUint64(b[24:32], entry)
	binary.LittleEndian.PutUint64(b[32:40], phoff)
	binary.LittleEndian.PutUint16(b[54:56], phdrSize)
	binary.LittleEndian.PutUint16(b[56:58], phnum)
}

func putPhdr(b []byte, typ, flags uint32, offset, vaddr, filesz, memsz uint64) {
	binary.LittleEndian.PutUint32(b[0:4], typ)
	binary.LittleEndian.PutUint32(b[4:8], flags)
	binary.LittleEndian.PutUint64(b[8:16], offset)
	binary.LittleEndian.PutUint64(b[16:24], vaddr)
	binary.LittleEndian.PutUint64(b[32:40], filesz)
	binary.LittleEndian.PutUint64(b[40:48], memsz)
}

func TestLoadRejectsNonLittleEndian(t *testing.T) {
	img := make([]byte, ehdrSize+phdrSize)
	putEhdr(img, 0 /* bad: ELFDATANONE, not little-endian */, etExec, ehdrSize, 1, 0xC0001000)
	putPhdr(img[ehdrSize:], ptLoad, 0b101, ehdrSize, 0xC0001000, 0x10, 0x10)

	phys := mem.Phys_init(kconf.RAMStart)
	as := vm.New(phys, 0, klog.Default())
	before := phys.FreeCount()

	_, err := Load(&memio{buf: img}, as)
	if err != errs.EBADFMT {
		t.Fatalf("expected EBADFMT, got %v", err)
	}
	if phys.FreeCount() != before {
		t.Fatal("expected rejected load to leave the address space untouched")
	}
}

func TestLoadAcceptsValidImage(t *testing.T) {
	const vaddr = 0xC0001000
	const filesz = 0x100
	const memsz = 0x200
	payload := make([]byte, filesz)
	for i := range payload {
		payload[i] = byte(i + 1)
	}

	img := make([]byte, ehdrSize+phdrSize+filesz)
	putEhdr(img, elfData2LSB, etExec, ehdrSize, 1, vaddr+8)
	putPhdr(img[ehdrSize:], ptLoad, 0b101 /* X|R */, ehdrSize+phdrSize, vaddr, filesz, memsz)
	copy(img[ehdrSize+phdrSize:], payload)

	as := vm.New(mem.Phys_init(kconf.RAMStart), 0, klog.Default())
	entry, err := Load(&memio{buf: img}, as)
	if err.IsErr() {
		t.Fatalf("unexpected error: %v", err)
	}
	if entry != vaddr+8 {
		t.Fatalf("expected entry %#x, got %#x", vaddr+8, entry)
	}

	got := make([]byte, filesz)
	if err := as.ReadAt(vaddr, got); err.IsErr() {
		t.Fatalf("read back loaded segment: %v", err)
	}
	for i := range payload {
		if got[i] != payload[i] {
			t.Fatalf("byte %d: expected %#x, got %#x", i, payload[i], got[i])
		}
	}

	tail := make([]byte, memsz-filesz)
	if err := as.ReadAt(vaddr+filesz, tail); err.IsErr() {
		t.Fatalf("read back bss tail: %v", err)
	}
	for i, b := range tail {
		if b != 0 {
			t.Fatalf("bss byte %d not zeroed: %#x", i, b)
		}
	}
}

// TestLoadAppliesSegmentFlagsAcrossBssTailPages exercises a PT_LOAD whose
// bss tail (memsz-filesz) spills onto a second page carrying no file
// bytes: that page must still end up with the segment's p_flags-derived
// permissions (here R-only, no W) rather than the AllocAndMapRange scratch
// flags of W|R|U.
func TestLoadAppliesSegmentFlagsAcrossBssTailPages(t *testing.T) {
	const vaddr = 0xC0002000 // page-aligned
	const filesz = 0x10
	const memsz = kconf.PageSize + 0x10 // bss tail spills 0x10 bytes onto a second page

	payload := make([]byte, filesz)
	for i := range payload {
		payload[i] = byte(i + 1)
	}

	img := make([]byte, ehdrSize+phdrSize+filesz)
	putEhdr(img, elfData2LSB, etExec, ehdrSize, 1, vaddr)
	putPhdr(img[ehdrSize:], ptLoad, 0b100 /* R only, no W */, ehdrSize+phdrSize, vaddr, filesz, memsz)
	copy(img[ehdrSize+phdrSize:], payload)

	as := vm.New(mem.Phys_init(kconf.RAMStart), 0, klog.Default())
	if _, err := Load(&memio{buf: img}, as); err.IsErr() {
		t.Fatalf("unexpected error: %v", err)
	}

	flags, ok := as.PageFlags(vaddr + kconf.PageSize)
	if !ok {
		t.Fatal("expected the bss tail's second page mapped")
	}
	if flags&vm.PTE_W != 0 {
		t.Fatalf("expected W cleared on the bss tail page, got flags %#x", flags)
	}
	if flags&vm.PTE_R == 0 {
		t.Fatalf("expected R set on the bss tail page, got flags %#x", flags)
	}
}

func TestLoadRejectsOutOfRangeSegment(t *testing.T) {
	img := make([]byte, ehdrSize+phdrSize)
	putEhdr(img, elfData2LSB, etExec, ehdrSize, 1, 0)
	// vaddr below USER_START_VMA: out of range.
	putPhdr(img[ehdrSize:], ptLoad, 0b101, ehdrSize, 0x1000, 0x10, 0x10)

	as := vm.New(mem.Phys_init(kconf.RAMStart), 0, klog.Default())
	if _, err := Load(&memio{buf: img}, as); err != errs.EBADFMT {
		t.Fatalf("expected EBADFMT for out-of-range segment, got %v", err)
	}
}
