// Package mem implements the physical page allocator (spec §4.1).
//
// Physical memory is modeled as a fixed RAM window backed by an anonymous
// mmap arena (golang.org/x/sys/unix) rather than a plain Go slice, so the
// free-list frames are real page-aligned OS memory the way a hosted
// kernel-on-Linux harness gets its RAM window — this is the same role
// runtime.Get_phys plays for the teacher's own (forked-runtime) allocator in
// mem/mem.go, without needing a forked runtime.
package mem

import (
	"fmt"
	"os"
	"sync"

	"golang.org/x/sys/unix"

	"github.com/google/pprof/profile"

	"github.com/ethanrp2/riscv-kernel/src/kconf"
)

// Pa_t is a physical address within the simulated RAM window.
type Pa_t uint64

// next stores the free-list link in the first 8 bytes of a free frame,
// mirroring the source kernel's union linked_page.
type next uint64

// Physmem_t owns the simulated RAM arena and the intrusive free-list of
// unused frames.
//
// Invariant: every frame is either on the free list, a page-table node, or
// mapped into exactly one virtual address in at least one address space.
type Physmem_t struct {
	sync.Mutex

	arena    []byte // mmap'd RAM, len == kconf.RAMSize
	freeList Pa_t   // physical address of the free-list head, 0 means empty
	nfree    int
	nframes  int
}

// Physmem is the global physical memory allocator instance, mirroring the
// teacher's package-level Physmem singleton.
var Physmem = &Physmem_t{}

// Phys_init reserves the RAM arena and threads every frame above the
// reserved low region onto the free list. resStart is the physical address
// of the first frame available for allocation (past the simulated "kernel
// image").
func Phys_init(resStart Pa_t) *Physmem_t {
	phys := Physmem
	arena, err := unix.Mmap(-1, 0, int(kconf.RAMSize), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANON|unix.MAP_PRIVATE)
	if err != nil {
		panic(fmt.Sprintf("mem: mmap RAM arena: %v", err))
	}
	phys.arena = arena
	phys.freeList = 0
	phys.nfree = 0
	phys.nframes = 0

	start := Pa_t(kconf.RAMStart)
	if resStart < start {
		resStart = start
	}
	end := Pa_t(kconf.RAMEnd)
	for p := resStart; p+kconf.PageSize <= end; p += kconf.PageSize {
		phys.freePageLocked(p)
		phys.nframes++
	}
	fmt.Printf("mem: reserved %d frames (%d MiB)\n", phys.nframes, phys.nframes*kconf.PageSize>>20)
	return phys
}

func (phys *Physmem_t) offset(p Pa_t) int {
	off := int64(p) - int64(kconf.RAMStart)
	if off < 0 || off+kconf.PageSize > int64(len(phys.arena)) {
		panic("mem: address outside RAM arena")
	}
	return int(off)
}

// Frame returns a byte slice of length PageSize backed by the arena at
// physical address p. The slice aliases the simulated RAM directly.
func (phys *Physmem_t) Frame(p Pa_t) []byte {
	off := phys.offset(p)
	return phys.arena[off : off+kconf.PageSize]
}

func (phys *Physmem_t) readNext(p Pa_t) next {
	b := phys.Frame(p)
	var v next
	for i := 7; i >= 0; i-- {
		v = v<<8 | next(b[i])
	}
	return v
}

func (phys *Physmem_t) writeNext(p Pa_t, n next) {
	b := phys.Frame(p)
	for i := 0; i < 8; i++ {
		b[i] = byte(n)
		n >>= 8
	}
}

// AllocPage removes and returns the free-list head. It panics when the free
// list is empty: user-facing out-of-memory is not modeled (spec §4.1), but
// first dumps a pprof heap profile to stderr so a postmortem `go tool
// pprof` session can show the allocated-vs-free split at the moment of
// exhaustion.
func (phys *Physmem_t) AllocPage() Pa_t {
	phys.Lock()
	defer phys.Unlock()
	if phys.freeList == 0 {
		phys.profileLocked().Write(os.Stderr)
		panic("mem: out of free pages")
	}
	p := phys.freeList
	phys.freeList = Pa_t(phys.readNext(p))
	phys.nfree--
	clear(phys.Frame(p))
	return p
}

// FreePage inserts p at the head of the free list. It is the caller's
// obligation that p is no longer reachable from any page table.
//
// This is head-insertion, fixing the source kernel's memory_free_page,
// which stitches new->next = free_list->next and drops the previous head
// (spec §9).
func (phys *Physmem_t) FreePage(p Pa_t) {
	phys.Lock()
	defer phys.Unlock()
	phys.freePageLocked(p)
}

func (phys *Physmem_t) freePageLocked(p Pa_t) {
	phys.writeNext(p, next(phys.freeList))
	phys.freeList = p
	phys.nfree++
}

// FreeCount reports the number of frames currently on the free list.
func (phys *Physmem_t) FreeCount() int {
	phys.Lock()
	defer phys.Unlock()
	return phys.nfree
}

// WriteProfile builds a pprof-format heap profile of allocated-vs-free
// frames, the same diagnostic role mem.Pgcount plays in the teacher but in
// a format inspectable with `go tool pprof`. AllocPage's out-of-memory path
// calls the same builder to dump a profile at the moment of exhaustion.
func (phys *Physmem_t) WriteProfile() *profile.Profile {
	phys.Lock()
	defer phys.Unlock()
	return phys.profileLocked()
}

// profileLocked builds the profile assuming phys.Mutex is already held.
func (phys *Physmem_t) profileLocked() *profile.Profile {
	free := phys.nfree
	total := phys.nframes

	alloc := &profile.ValueType{Type: "frames", Unit: "count"}
	p := &profile.Profile{
		SampleType: []*profile.ValueType{alloc},
		PeriodType: alloc,
		Period:     1,
	}
	mkLoc := func(id uint64, name string) *profile.Location {
		fn := &profile.Function{ID: id, Name: name}
		p.Function = append(p.Function, fn)
		loc := &profile.Location{ID: id, Line: []profile.Line{{Function: fn}}}
		p.Location = append(p.Location, loc)
		return loc
	}
	freeLoc := mkLoc(1, "free")
	usedLoc := mkLoc(2, "allocated")
	p.Sample = []*profile.Sample{
		{Location: []*profile.Location{freeLoc}, Value: []int64{int64(free)}},
		{Location: []*profile.Location{usedLoc}, Value: []int64{int64(total - free)}},
	}
	return p
}
