// Package vm implements the Sv39 page-table manager and address-space
// operations (spec §4.2).
//
// This replaces the teacher's vm/as.go (Vm_t), which is x86 PML4/COW/mmap
// machinery for a feature set single-hart Sv39 paging does not have; the
// walk/alloc/unmap/clone bodies here are grounded directly on
// memory_alloc_and_map_page, memory_unmap_and_free_user and
// memory_space_clone in the original kernel, keeping Vm_t's shape of a
// locked struct wrapping a root page-table pointer.
package vm

import (
	"fmt"
	"sync"

	"github.com/ethanrp2/riscv-kernel/src/errs"
	"github.com/ethanrp2/riscv-kernel/src/kconf"
	"github.com/ethanrp2/riscv-kernel/src/klog"
	"github.com/ethanrp2/riscv-kernel/src/mem"
	"github.com/ethanrp2/riscv-kernel/src/util"
)

// Pte_t is a raw Sv39 page-table entry: 8 flag bits, 2 RSW bits, a 44-bit
// PPN, and reserved upper bits (spec §3).
type Pte_t uint64

// Leaf/non-leaf flag bits, in the order spec §3 lists them.
const (
	PTE_V Pte_t = 1 << 0 // valid
	PTE_R Pte_t = 1 << 1 // readable
	PTE_W Pte_t = 1 << 2 // writable
	PTE_X Pte_t = 1 << 3 // executable
	PTE_U Pte_t = 1 << 4 // user-accessible
	PTE_G Pte_t = 1 << 5 // global
	PTE_A Pte_t = 1 << 6 // accessed
	PTE_D Pte_t = 1 << 7 // dirty

	pteFlagMask Pte_t = 0xff
	ppnShift          = 10
)

// SatpModeSv39 is the mode field value for Sv39 paging in a satp/mtag.
const SatpModeSv39 = 8

const (
	vpnBits  = 9
	vpnMask  = (1 << vpnBits) - 1
	vpn0Sh   = kconf.PageShift
	vpn1Sh   = vpn0Sh + vpnBits
	vpn2Sh   = vpn1Sh + vpnBits
	userVpn2 = (kconf.UserStartVMA >> vpn2Sh) & vpnMask
)

func vpn2(vma uint64) uint64 { return (vma >> vpn2Sh) & vpnMask }
func vpn1(vma uint64) uint64 { return (vma >> vpn1Sh) & vpnMask }
func vpn0(vma uint64) uint64 { return (vma >> vpn0Sh) & vpnMask }

func leafPte(ppn mem.Pa_t, rwxug Pte_t) Pte_t {
	return rwxug | PTE_A | PTE_D | PTE_V | (Pte_t(ppn>>kconf.PageShift) << ppnShift)
}

func ptabPte(ppn mem.Pa_t, g Pte_t) Pte_t {
	return g | PTE_V | (Pte_t(ppn>>kconf.PageShift) << ppnShift)
}

func (pte Pte_t) valid() bool   { return pte&PTE_V != 0 }
func (pte Pte_t) ppn() mem.Pa_t { return mem.Pa_t((pte >> ppnShift)) << kconf.PageShift }

// AddrSpace_t is a three-level Sv39 page table rooted at a level-2 table
// (spec §3 "Address space").
type AddrSpace_t struct {
	sync.Mutex

	phys *mem.Physmem_t
	log  *klog.Logger

	root  mem.Pa_t
	asid  uint16
	kmtag uint64 // the master kernel mtag, shared by every address space
}

func mtagOf(asid uint16, root mem.Pa_t) uint64 {
	ppn := uint64(root) >> kconf.PageShift
	return uint64(SatpModeSv39)<<60 | uint64(asid)<<44 | ppn
}

// New allocates a fresh root table and returns an address space whose
// kernel half is empty (callers populate the kernel identity mappings
// separately; this kernel only models the user half).
func New(phys *mem.Physmem_t, asid uint16, lg *klog.Logger) *AddrSpace_t {
	root := phys.AllocPage()
	as := &AddrSpace_t{phys: phys, log: lg, root: root, asid: asid}
	as.kmtag = mtagOf(0, root)
	return as
}

// Mtag returns this address space's Sv39 satp value.
func (as *AddrSpace_t) Mtag() uint64 {
	return mtagOf(as.asid, as.root)
}

func (as *AddrSpace_t) readPte(table mem.Pa_t, idx uint64) Pte_t {
	b := as.phys.Frame(table)
	off := idx * 8
	var v Pte_t
	for i := 7; i >= 0; i-- {
		v = v<<8 | Pte_t(b[int(off)+i])
	}
	return v
}

func (as *AddrSpace_t) writePte(table mem.Pa_t, idx uint64, pte Pte_t) {
	b := as.phys.Frame(table)
	off := idx * 8
	v := pte
	for i := 0; i < 8; i++ {
		b[int(off)+i] = byte(v)
		v >>= 8
	}
}

// walk descends to the level-0 table for vma, allocating missing
// intermediate tables when create is true. It returns the level-0 table's
// physical address and ok=false when create is false and a table is
// missing.
func (as *AddrSpace_t) walk(vma uint64, create bool) (mem.Pa_t, bool) {
	pt2 := as.root
	i2 := vpn2(vma)
	e2 := as.readPte(pt2, i2)
	if !e2.valid() {
		if !create {
			return 0, false
		}
		pt1 := as.phys.AllocPage()
		as.writePte(pt2, i2, ptabPte(pt1, PTE_V))
		e2 = as.readPte(pt2, i2)
	}
	pt1 := e2.ppn()
	i1 := vpn1(vma)
	e1 := as.readPte(pt1, i1)
	if !e1.valid() {
		if !create {
			return 0, false
		}
		pt0 := as.phys.AllocPage()
		as.writePte(pt1, i1, ptabPte(pt0, PTE_V))
		e1 = as.readPte(pt1, i1)
	}
	return e1.ppn(), true
}

// leafPteAt returns the level-0 leaf PTE for vma and whether it is valid.
func (as *AddrSpace_t) leafPteAt(vma uint64) (Pte_t, bool) {
	pt0, ok := as.walk(vma, false)
	if !ok {
		return 0, false
	}
	e0 := as.readPte(pt0, vpn0(vma))
	return e0, e0.valid()
}

// AllocAndMapPage allocates one frame, creates any missing intermediate
// tables, and installs a leaf PTE with rwxug|A|D|V (spec §4.2). It
// overwrites any existing leaf at that VPN0 without freeing the previous
// frame — callers do not remap live pages.
func (as *AddrSpace_t) AllocAndMapPage(vma uint64, rwxug Pte_t) uint64 {
	as.Lock()
	defer as.Unlock()
	page := as.phys.AllocPage()
	pt0, _ := as.walk(vma, true)
	as.writePte(pt0, vpn0(vma), leafPte(page, rwxug))
	as.log.Trace("vm: map vma=%#x ppn=%#x flags=%#x", vma, page, rwxug)
	return vma
}

// AllocAndMapRange repeats AllocAndMapPage over ceil(size/PageSize)
// consecutive pages starting at the page containing vma (spec §4.2). The
// page count comes from size alone, so for an unaligned vma the last bytes
// of [vma, vma+size) can fall on a page that is not mapped. Returns the
// address one past the mapped range.
func (as *AddrSpace_t) AllocAndMapRange(vma uint64, size int, rwxug Pte_t) uint64 {
	npages := (size + kconf.PageSize - 1) / kconf.PageSize
	v := util.Rounddown(int(vma), kconf.PageSize)
	for i := 0; i < npages; i++ {
		as.AllocAndMapPage(uint64(v), rwxug)
		v += kconf.PageSize
	}
	return uint64(v)
}

// SetPageFlags walks to the leaf for vma and rewrites its flags. If any
// intermediate table is invalid, it is a no-op for that page (spec §4.2).
func (as *AddrSpace_t) SetPageFlags(vma uint64, rwxug Pte_t) {
	as.Lock()
	defer as.Unlock()
	pt0, ok := as.walk(vma, false)
	if !ok {
		return
	}
	i0 := vpn0(vma)
	e0 := as.readPte(pt0, i0)
	if !e0.valid() {
		return
	}
	as.writePte(pt0, i0, rwxug|PTE_V|PTE_A|PTE_D|(e0&^pteFlagMask))
}

// SetRangeFlags applies SetPageFlags over ceil(size/PageSize) consecutive
// pages starting at the page containing vma, counted the same way as
// AllocAndMapRange.
func (as *AddrSpace_t) SetRangeFlags(vma uint64, size int, rwxug Pte_t) {
	npages := (size + kconf.PageSize - 1) / kconf.PageSize
	v := util.Rounddown(int(vma), kconf.PageSize)
	for i := 0; i < npages; i++ {
		as.SetPageFlags(uint64(v), rwxug)
		v += kconf.PageSize
	}
}

// PageFlags reports the low 8 flag bits (rwxug plus V, A, D) of the leaf
// PTE mapping vma,
// for callers (tests, diagnostics) that need to observe what SetPageFlags/
// SetRangeFlags actually left behind without reaching into unexported state.
func (as *AddrSpace_t) PageFlags(vma uint64) (Pte_t, bool) {
	as.Lock()
	defer as.Unlock()
	pte, ok := as.leafPteAt(vma)
	if !ok {
		return 0, false
	}
	return pte & pteFlagMask, true
}

// UnmapAndFreeUser walks the entire user VMA range page by page; for every
// valid leaf it clears the PTE and returns the frame to the allocator.
//
// The source kernel's memory_unmap_and_free_user uses break where continue
// appears intended, stopping at the first invalid VPN2/VPN1/VPN0 entry
// (spec §9). This implementation continues past unmapped pages so the
// whole range is scanned.
func (as *AddrSpace_t) UnmapAndFreeUser() {
	as.Lock()
	defer as.Unlock()
	for vma := uint64(kconf.UserStartVMA); vma < kconf.UserEndVMA; vma += kconf.PageSize {
		pt0, ok := as.walk(vma, false)
		if !ok {
			continue
		}
		i0 := vpn0(vma)
		e0 := as.readPte(pt0, i0)
		if !e0.valid() {
			continue
		}
		frame := e0.ppn()
		as.writePte(pt0, i0, 0)
		as.phys.FreePage(frame)
	}
}

// HandlePageFault realizes lazy demand paging for user stores beyond the
// eagerly loaded ELF image. A fault outside the user range is a structural
// violation and panics (spec §4.2, §7).
func (as *AddrSpace_t) HandlePageFault(vaddr uint64) {
	if vaddr < kconf.UserStartVMA || vaddr >= kconf.UserEndVMA {
		panic(fmt.Sprintf("vm: page fault outside user range: %#x", vaddr))
	}
	aligned := util.Rounddown(int(vaddr), kconf.PageSize)
	as.AllocAndMapPage(uint64(aligned), PTE_R|PTE_W|PTE_U)
}

// SpaceReclaim returns the kernel master mtag; switching back to it is the
// caller's responsibility (e.g. loading it into satp). It does not free
// frames — callers unmap-and-free first (spec §4.2, §4.9).
func (as *AddrSpace_t) SpaceReclaim() uint64 {
	return as.kmtag
}

// SpaceClone allocates a new level-2 table, shallow-copies the kernel half
// of the root table, and deep-copies every valid user page into a fresh
// frame in the clone (spec §4.2). It returns the clone and its Sv39 mtag.
func (as *AddrSpace_t) SpaceClone(asid uint16) (*AddrSpace_t, uint64) {
	as.Lock()
	defer as.Unlock()

	clone := &AddrSpace_t{phys: as.phys, log: as.log, asid: asid, kmtag: as.kmtag}
	clone.root = as.phys.AllocPage()

	for i := uint64(0); i < userVpn2; i++ {
		e := as.readPte(as.root, i)
		clone.writePte(clone.root, i, e)
	}

	for vma := uint64(kconf.UserStartVMA); vma < kconf.UserEndVMA; vma += kconf.PageSize {
		srcPte, ok := as.leafPteAt(vma)
		if !ok {
			continue
		}
		newPage := as.phys.AllocPage()
		pt0, _ := clone.walk(vma, true)
		flags := srcPte & pteFlagMask
		clone.writePte(pt0, vpn0(vma), leafPte(newPage, flags&^(PTE_A|PTE_D|PTE_V)))
		copy(as.phys.Frame(newPage), as.phys.Frame(srcPte.ppn()))
	}

	return clone, clone.Mtag()
}

// WriteAt copies data into the address space starting at vma, crossing
// page boundaries. Every destination page must already be mapped (the ELF
// loader maps the segment's range before calling this).
func (as *AddrSpace_t) WriteAt(vma uint64, data []byte) errs.Err_t {
	return as.copy(vma, data, true)
}

// ZeroAt zeroes n bytes starting at vma, crossing page boundaries, the way
// the ELF loader zero-fills a PT_LOAD segment's bss tail.
func (as *AddrSpace_t) ZeroAt(vma uint64, n int) errs.Err_t {
	return as.copy(vma, make([]byte, n), true)
}

// ReadAt copies n bytes starting at vma into buf.
func (as *AddrSpace_t) ReadAt(vma uint64, buf []byte) errs.Err_t {
	return as.copy(vma, buf, false)
}

func (as *AddrSpace_t) copy(vma uint64, buf []byte, write bool) errs.Err_t {
	as.Lock()
	defer as.Unlock()
	remaining := buf
	v := vma
	for len(remaining) > 0 {
		pageOff := int(v) & kconf.PageMask
		pt0, ok := as.walk(v, false)
		if !ok {
			return errs.EBADFMT
		}
		e0 := as.readPte(pt0, vpn0(v))
		if !e0.valid() {
			return errs.EBADFMT
		}
		frame := as.phys.Frame(e0.ppn())
		n := kconf.PageSize - pageOff
		if n > len(remaining) {
			n = len(remaining)
		}
		if write {
			copy(frame[pageOff:pageOff+n], remaining[:n])
		} else {
			copy(remaining[:n], frame[pageOff:pageOff+n])
		}
		remaining = remaining[n:]
		v += uint64(n)
	}
	return errs.Ok
}
