// Package fs implements the flat block filesystem (spec §4.6): a boot
// block of directory entries, one block of inode metadata per file, and
// data blocks addressed through each inode's block list. Grounded
// directly on the original kernel's kfs.c; the boot block's
// word-at-a-time field accessors are adapted from fs/super.go's
// fieldr/fieldw idiom (Superblock_t.Loglen et al.) rather than decoding
// the header with one struct cast.
package fs

import (
	"bytes"
	"encoding/binary"
	"sync"

	"github.com/ethanrp2/riscv-kernel/src/errs"
	"github.com/ethanrp2/riscv-kernel/src/ioif"
	"github.com/ethanrp2/riscv-kernel/src/kconf"
	"github.com/ethanrp2/riscv-kernel/src/sleeplock"
)

const (
	blockSize             = 4096
	nameLen               = 32
	dentrySize            = 64
	maxDentries           = 63
	maxDataBlocksPerInode = 1023
	bootReservedWords     = 3 // num_dentry, num_inodes, num_data
)

// fieldr and fieldw read and write the uint32 at word index idx of a
// raw block buffer, the way Superblock_t.Loglen/SetLoglen index into
// sb.Data rather than overlaying a struct on it.
func fieldr(b []byte, idx int) uint32 {
	return binary.LittleEndian.Uint32(b[idx*4 : idx*4+4])
}

func fieldw(b []byte, idx int, v uint32) {
	binary.LittleEndian.PutUint32(b[idx*4:idx*4+4], v)
}

// dentry is one 64-byte boot-block directory entry: a name and an inode
// number.
type dentry struct {
	name  [nameLen]byte
	inode uint32
}

func decodeDentry(b []byte) dentry {
	var d dentry
	copy(d.name[:], b[0:nameLen])
	d.inode = binary.LittleEndian.Uint32(b[nameLen : nameLen+4])
	return d
}

func (d dentry) nameString() string {
	if i := bytes.IndexByte(d.name[:], 0); i >= 0 {
		return string(d.name[:i])
	}
	return string(d.name[:])
}

// bootBlock is the filesystem's block 0: dentry/inode/data-block counts
// plus the fixed-size directory table.
type bootBlock struct {
	numDentry uint32
	numInodes uint32
	numData   uint32
	dentries  [maxDentries]dentry
}

func decodeBootBlock(b []byte) bootBlock {
	var bb bootBlock
	bb.numDentry = fieldr(b, 0)
	bb.numInodes = fieldr(b, 1)
	bb.numData = fieldr(b, 2)
	off := bootReservedWords*4 + 52 // header words plus the reserved pad
	for i := 0; i < maxDentries; i++ {
		bb.dentries[i] = decodeDentry(b[off : off+dentrySize])
		off += dentrySize
	}
	return bb
}

// inodeRec is one file's metadata block: total size in bytes plus its
// ordered list of data block numbers.
type inodeRec struct {
	byteLen   uint32
	dataBlock [maxDataBlocksPerInode]uint32
}

func decodeInode(b []byte) inodeRec {
	var n inodeRec
	n.byteLen = binary.LittleEndian.Uint32(b[0:4])
	off := 4
	for i := 0; i < maxDataBlocksPerInode; i++ {
		n.dataBlock[i] = binary.LittleEndian.Uint32(b[off : off+4])
		off += 4
	}
	return n
}

// FS is a mounted filesystem bound to a backing block device.
type FS struct {
	dev   ioif.IOIntf
	boot  bootBlock
	lock  *sleeplock.Lock_t
	mu    sync.Mutex // guards the open-file table slot scan
	files [kconf.OpenFileMax]*File
}

// Mount reads the boot block off dev and returns a ready filesystem
// (spec §4.6 "Mount"). The FS lock is created once here, not per Open —
// the source's fs_open calls lock_init on every open, re-initializing a
// lock that may be held, which this implementation does not reproduce
// (spec §9).
func Mount(dev ioif.IOIntf) (*FS, errs.Err_t) {
	if dev == nil {
		return nil, errs.EINVAL
	}
	fsys := &FS{dev: dev, lock: sleeplock.NewLock()}
	buf, err := fsys.readAt(0, blockSize)
	if err.IsErr() {
		return nil, err
	}
	fsys.boot = decodeBootBlock(buf)
	return fsys, errs.Ok
}

func (fsys *FS) readAt(pos uint64, n int) ([]byte, errs.Err_t) {
	if _, err := fsys.dev.Ctl(kconf.IoctlSetPos, int(pos)); err.IsErr() {
		return nil, err
	}
	buf := make([]byte, n)
	rn, err := fsys.dev.Read(buf)
	if err.IsErr() {
		return nil, err
	}
	if rn != n {
		return nil, errs.EIO
	}
	return buf, errs.Ok
}

func (fsys *FS) writeAt(pos uint64, buf []byte) errs.Err_t {
	if _, err := fsys.dev.Ctl(kconf.IoctlSetPos, int(pos)); err.IsErr() {
		return err
	}
	wn, err := fsys.dev.Write(buf)
	if err.IsErr() {
		return err
	}
	if wn != len(buf) {
		return errs.EIO
	}
	return errs.Ok
}

func (fsys *FS) inodeBlockOffset(inode uint64) uint64 {
	return blockSize + inode*blockSize
}

func (fsys *FS) dataBlockOffset(dataBlockNum uint64) uint64 {
	return blockSize + uint64(fsys.boot.numInodes)*blockSize + dataBlockNum*blockSize
}

// Open finds name among the mounted directory entries and returns an
// IOIntf positioned at offset 0 (spec §4.6 "Open"). It fails with
// no-such-entry when name is absent and too-many-open-files when every
// open-file slot is in use.
func (fsys *FS) Open(name string) (ioif.IOIntf, errs.Err_t) {
	limit := int(fsys.boot.numDentry)
	if limit > maxDentries {
		limit = maxDentries
	}
	for i := 0; i < limit; i++ {
		d := fsys.boot.dentries[i]
		if d.nameString() != name {
			continue
		}

		ib, err := fsys.readAt(fsys.inodeBlockOffset(uint64(d.inode)), blockSize)
		if err.IsErr() {
			return nil, errs.EINVAL
		}
		in := decodeInode(ib)

		fsys.mu.Lock()
		slot := -1
		for j, f := range fsys.files {
			if f == nil {
				slot = j
				break
			}
		}
		if slot == -1 {
			fsys.mu.Unlock()
			return nil, errs.EMFILE
		}
		f := &File{fs: fsys, size: uint64(in.byteLen), inode: uint64(d.inode), refcnt: 1, slot: slot}
		fsys.files[slot] = f
		fsys.mu.Unlock()
		return f, errs.Ok
	}
	return nil, errs.ENOENT
}

// File is one open file's position and metadata; it implements
// ioif.IOIntf directly.
type File struct {
	fs       *FS
	position uint64
	size     uint64
	inode    uint64
	refcnt   int
	slot     int
}

// Read fills buf from the file's current position, walking the inode's
// data-block list and clipping at the file's recorded size (spec §4.6
// "Read"). Reads never cross into an unlisted data block.
func (f *File) Read(buf []byte) (int, errs.Err_t) {
	f.fs.lock.Acquire(0)
	defer f.fs.lock.Release(0)

	if f.position >= f.size {
		return 0, errs.Ok
	}
	n := uint64(len(buf))
	if f.size-f.position < n {
		n = f.size - f.position
	}

	ib, err := f.fs.readAt(f.fs.inodeBlockOffset(f.inode), blockSize)
	if err.IsErr() {
		return 0, errs.EINVAL
	}
	in := decodeInode(ib)

	var total uint64
	pos := f.position
	for total < n {
		blockIdx := pos / blockSize
		blockPos := pos % blockSize
		if blockIdx >= maxDataBlocksPerInode {
			return int(total), errs.EBADFMT
		}
		loc := f.fs.dataBlockOffset(uint64(in.dataBlock[blockIdx])) + blockPos

		count := n - total
		if rem := uint64(blockSize) - blockPos; count > rem {
			count = rem
		}

		chunk, err := f.fs.readAt(loc, int(count))
		if err.IsErr() {
			return int(total), errs.EIO
		}
		copy(buf[total:total+count], chunk)
		total += count
		pos += count
	}
	f.position += total
	return int(total), errs.Ok
}

// Write drains buf into the file's current position, clipping at the
// file's recorded size — writes never extend a file (spec §4.6
// "Write").
func (f *File) Write(buf []byte) (int, errs.Err_t) {
	f.fs.lock.Acquire(0)
	defer f.fs.lock.Release(0)

	if f.position >= f.size {
		return 0, errs.Ok
	}
	n := uint64(len(buf))
	if f.size-f.position < n {
		n = f.size - f.position
	}

	ib, err := f.fs.readAt(f.fs.inodeBlockOffset(f.inode), blockSize)
	if err.IsErr() {
		return 0, errs.EINVAL
	}
	in := decodeInode(ib)

	var total uint64
	pos := f.position
	for total < n {
		blockIdx := pos / blockSize
		blockPos := pos % blockSize
		if blockIdx >= maxDataBlocksPerInode {
			return int(total), errs.EBADFMT
		}
		loc := f.fs.dataBlockOffset(uint64(in.dataBlock[blockIdx])) + blockPos

		count := n - total
		if rem := uint64(blockSize) - blockPos; count > rem {
			count = rem
		}

		if err := f.fs.writeAt(loc, buf[total:total+count]); err.IsErr() {
			return int(total), errs.EIO
		}
		total += count
		pos += count
	}
	f.position += total
	return int(total), errs.Ok
}

// Ctl answers the four file ioctls: get-length, get-position,
// set-position, get-block-size (spec §4.6 "Ioctl").
func (f *File) Ctl(cmd int, arg int) (int, errs.Err_t) {
	switch cmd {
	case kconf.IoctlGetLen:
		return int(f.size), errs.Ok
	case kconf.IoctlGetPos:
		return int(f.position), errs.Ok
	case kconf.IoctlSetPos:
		// Unlike vioblk's SETPOS, the filesystem never rejects an
		// out-of-range position (spec §4.6 "Ioctl"); Read/Write already
		// clip at f.size regardless of where position lands.
		f.position = uint64(arg)
		return 0, errs.Ok
	case kconf.IoctlGetBlkSz:
		return blockSize, errs.Ok
	default:
		return 0, errs.ENOTSUP
	}
}

// Close drops a reference and frees the file's table slot once the
// reference count reaches zero (spec §4.6 "Close").
func (f *File) Close() errs.Err_t {
	f.fs.lock.Acquire(0)
	defer f.fs.lock.Release(0)
	f.refcnt--
	if f.refcnt == 0 {
		f.fs.mu.Lock()
		f.fs.files[f.slot] = nil
		f.fs.mu.Unlock()
	}
	return errs.Ok
}
