package ioif

// Device kind identifiers, trimmed from the teacher's defs.D_* block to
// the two kinds this kernel actually drives (console messages via
// msgout, and the virtio-mmio block device); the networking/stat/prof
// kinds there back subsystems spec.md's Non-goals exclude (see
// DESIGN.md's deleted-files ledger).
const (
	DevConsole int = 1
	DevRawDisk int = 5
)

// Mkdev packs a major/minor device pair into a single identifier,
// adapted from defs.Mkdev. Registry uses it to give every registered
// device a stable diagnostic id without widening the Opener contract.
func Mkdev(major, minor int) uint64 {
	if minor < 0 || minor > 0xff {
		panic("ioif: bad minor")
	}
	return uint64(major)<<8 | uint64(minor)
}

// Unmkdev splits a Mkdev-packed identifier back into major and minor.
func Unmkdev(d uint64) (major, minor int) {
	return int(d >> 8), int(d & 0xff)
}
