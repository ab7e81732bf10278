// Package ioif defines the I/O-interface contract shared by every
// transport in this tree (block devices, mounted files, consoles) and a
// small name+instance device registry (spec §6).
//
// The contract shape is grounded on defs.Mkdev/Unmkdev's device-identity
// pairing, adapted into device.go's trimmed kind set and kept as the
// registry's diagnostic device-id; fs/blk.go's Disk_i naming idiom
// survives here since its cache implementation did not (see DESIGN.md).
package ioif

import "github.com/ethanrp2/riscv-kernel/src/errs"

// IOIntf is the abstract read/write/ctl/close transport every open file
// and block device exposes to callers (spec §6).
type IOIntf interface {
	Read(buf []byte) (int, errs.Err_t)
	Write(buf []byte) (int, errs.Err_t)
	Ctl(cmd int, arg int) (int, errs.Err_t)
	Close() errs.Err_t
}

// Opener is implemented by anything the device registry can hand out a
// fresh IOIntf for (spec §6 "device_open").
type Opener interface {
	Open(instance int) (IOIntf, errs.Err_t)
}

// entry pairs a registered Opener with a stable diagnostic device id.
type entry struct {
	opener Opener
	devno  uint64
}

// Registry maps a device name to an Opener, mirroring the external
// device-registry collaborator spec §1 treats as out of scope beyond this
// narrow interface.
type Registry struct {
	devices map[string]entry
}

// NewRegistry returns an empty device registry.
func NewRegistry() *Registry {
	return &Registry{devices: make(map[string]entry)}
}

// Register publishes name under the registry with device kind/minor
// major:minor identity, the way vioblk.Attach publishes a freshly
// attached device under the name "blk" with kind DevRawDisk.
func (r *Registry) Register(name string, kind, minor int, o Opener) {
	r.devices[name] = entry{opener: o, devno: Mkdev(kind, minor)}
}

// Open resolves name to a fresh IOIntf for the given instance number.
func (r *Registry) Open(name string, instance int) (IOIntf, errs.Err_t) {
	e, ok := r.devices[name]
	if !ok {
		return nil, errs.ENOENT
	}
	return e.opener.Open(instance)
}

// Devno reports the packed major/minor identity name was registered
// under, for diagnostics.
func (r *Registry) Devno(name string) (uint64, bool) {
	e, ok := r.devices[name]
	return e.devno, ok
}
