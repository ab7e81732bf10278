package proc

import (
	"encoding/binary"
	"testing"
	"time"

	"github.com/ethanrp2/riscv-kernel/src/errs"
	"github.com/ethanrp2/riscv-kernel/src/kconf"
	"github.com/ethanrp2/riscv-kernel/src/klog"
	"github.com/ethanrp2/riscv-kernel/src/mem"
)

// memio is a seekable in-memory IOIntf standing in for an open file,
// shared by this package's tests (mirrors elf's own test helper).
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
	default:
		return 0, errs.ENOTSUP
	}
}

func (m *memio) Close() errs.Err_t { return errs.Ok }

func validELFImage(entry uint64) []byte {
	const ehdrSize = 64
	const phdrSize = 56
	const filesz = 0x10
	img := make([]byte, ehdrSize+phdrSize+filesz)

	img[0], img[1], img[2], img[3] = 0x7f, 'E', 'L', 'F'
	img[4] = 2 // ELFCLASS64
	img[5] = 1 // little-endian
	img[6] = 1 // EV_CURRENT
	binary.LittleEndian.PutUint16(img[16:18], 2) // ET_EXEC
	binary.LittleEndian.PutUint64(img[24:32], entry)
	binary.LittleEndian.PutUint64(img[32:40], ehdrSize) // phoff
	binary.LittleEndian.PutUint16(img[54:56], phdrSize)
	binary.LittleEndian.PutUint16(img[56:58], 1) // phnum

	ph := img[ehdrSize:]
	binary.LittleEndian.PutUint32(ph[0:4], 1)              // PT_LOAD
	binary.LittleEndian.PutUint32(ph[4:8], 0b101)           // R|X
	binary.LittleEndian.PutUint64(ph[8:16], ehdrSize+phdrSize)
	binary.LittleEndian.PutUint64(ph[16:24], kconf.UserStartVMA)
	binary.LittleEndian.PutUint64(ph[32:40], filesz)
	binary.LittleEndian.PutUint64(ph[40:48], filesz)
	return img
}

func newTestManager(t *testing.T) (*Manager, *Process_t) {
	t.Helper()
	phys := mem.Phys_init(kconf.RAMStart)
	m := NewManager(phys, klog.Default())
	boot := m.ProcMgrInit(0)
	return m, boot
}

func TestProcMgrInitBindsSlotZero(t *testing.T) {
	m, boot := newTestManager(t)
	if boot.ID != 0 {
		t.Fatalf("expected boot process id 0, got %d", boot.ID)
	}
	if m.table[0] != boot {
		t.Fatal("expected table slot 0 to hold the boot process")
	}
}

func TestExecLoadsImageAndReturnsEntry(t *testing.T) {
	m, boot := newTestManager(t)
	const wantEntry = kconf.UserStartVMA + 8
	img := validELFImage(wantEntry)

	entry, err := m.Exec(boot, &memio{buf: img})
	if err.IsErr() {
		t.Fatalf("exec: %v", err)
	}
	if entry != wantEntry {
		t.Fatalf("expected entry %#x, got %#x", wantEntry, entry)
	}
}

func TestExecRejectsNilIO(t *testing.T) {
	m, boot := newTestManager(t)
	if _, err := m.Exec(boot, nil); err != errs.EINVAL {
		t.Fatalf("expected EINVAL, got %v", err)
	}
}

func TestForkClonesAddressSpaceAndSharesFDs(t *testing.T) {
	m, boot := newTestManager(t)
	boot.IOTab[2] = &memio{buf: []byte("shared")}

	child, err := m.Fork(boot)
	if err.IsErr() {
		t.Fatalf("fork: %v", err)
	}
	if child.ID == boot.ID {
		t.Fatal("expected child to get a distinct process id")
	}
	if child.Mtag == boot.Mtag {
		t.Fatal("expected child to get a distinct address-space mtag")
	}
	if child.IOTab[2] != boot.IOTab[2] {
		t.Fatal("expected child to share the parent's open fd value")
	}
	if m.table[child.ID] != child {
		t.Fatal("expected child installed in the process table")
	}
}

func TestWaitTidBlocksUntilExit(t *testing.T) {
	m, boot := newTestManager(t)
	child, err := m.Fork(boot)
	if err.IsErr() {
		t.Fatalf("fork: %v", err)
	}

	done := make(chan int64, 1)
	go func() {
		tid, err := m.Wait(boot, child.Tid)
		if err.IsErr() {
			t.Error(err)
		}
		done <- tid
	}()

	select {
	case <-done:
		t.Fatal("expected Wait to block before Exit")
	case <-time.After(20 * time.Millisecond):
	}

	m.Exit(child, 0)

	select {
	case tid := <-done:
		if tid != child.Tid {
			t.Fatalf("expected tid %d, got %d", child.Tid, tid)
		}
	case <-time.After(time.Second):
		t.Fatal("Wait never returned after Exit")
	}
}

func TestWaitAnyReturnsNoEntryWithNoChildren(t *testing.T) {
	m, boot := newTestManager(t)
	if _, err := m.Wait(boot, 0); err != errs.ENOENT {
		t.Fatalf("expected ENOENT with no live children, got %v", err)
	}
}

func TestWaitAnyRacesLiveChildren(t *testing.T) {
	m, boot := newTestManager(t)
	c1, err := m.Fork(boot)
	if err.IsErr() {
		t.Fatalf("fork c1: %v", err)
	}
	c2, err := m.Fork(boot)
	if err.IsErr() {
		t.Fatalf("fork c2: %v", err)
	}

	done := make(chan int64, 1)
	go func() {
		tid, err := m.Wait(boot, 0)
		if err.IsErr() {
			t.Error(err)
		}
		done <- tid
	}()

	m.Exit(c1, 0)

	select {
	case tid := <-done:
		if tid != c1.Tid {
			t.Fatalf("expected waitAny to report the exited child %d, got %d", c1.Tid, tid)
		}
	case <-time.After(time.Second):
		t.Fatal("waitAny never returned")
	}

	m.Exit(c2, 0) // drain the second child so its goroutine does not leak past the test
}

func TestExitIsIdempotent(t *testing.T) {
	m, boot := newTestManager(t)
	child, err := m.Fork(boot)
	if err.IsErr() {
		t.Fatalf("fork: %v", err)
	}

	m.Exit(child, 7)
	m.Exit(child, 9) // must not panic on double-close of done or IOTab

	if m.table[child.ID] != nil {
		t.Fatal("expected table slot cleared after Exit")
	}
}

func TestExitClosesOpenFDs(t *testing.T) {
	m, boot := newTestManager(t)
	closed := false
	boot.IOTab[0] = closingIO{onClose: func() { closed = true }}

	m.Exit(boot, 0)
	if !closed {
		t.Fatal("expected Exit to close every open fd")
	}
	for i, f := range boot.IOTab {
		if f != nil {
			t.Fatalf("expected IOTab[%d] cleared after Exit, got non-nil", i)
		}
	}
}

type closingIO struct {
	onClose func()
}

func (c closingIO) Read(buf []byte) (int, errs.Err_t)  { return 0, errs.Ok }
func (c closingIO) Write(buf []byte) (int, errs.Err_t) { return 0, errs.Ok }
func (c closingIO) Ctl(cmd, arg int) (int, errs.Err_t)  { return 0, errs.ENOTSUP }
func (c closingIO) Close() errs.Err_t {
	c.onClose()
	return errs.Ok
}
