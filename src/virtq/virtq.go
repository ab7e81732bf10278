// Package virtq implements the VirtIO virtqueue primitives vioblk drives:
// descriptor/avail/used ring layout, the indirect-descriptor chain, and
// feature-bit negotiation (spec §4.5), grounded directly on the inline
// virtq_desc/avail/used structures and feature-bit negotiation in the
// original kernel's vioblk.c — no virtio package appears anywhere in the
// example pack.
package virtq

// Descriptor flags (VirtIO 1.1 §2.7.5).
const (
	DescFNext     uint16 = 1
	DescFWrite    uint16 = 2
	DescFIndirect uint16 = 4
)

// Feature bits this driver negotiates (spec §4.5).
const (
	FRingReset     = 40
	FIndirectDesc  = 28
	BlkFBlkSize    = 6
	BlkFTopology   = 10
)

// FeatureSet is a small bitset keyed by feature-bit number, mirroring
// virtio_featset_t's init/add/test triad.
type FeatureSet uint64

func NewFeatureSet(bits ...uint) FeatureSet {
	var f FeatureSet
	for _, b := range bits {
		f = f.Add(b)
	}
	return f
}

func (f FeatureSet) Add(bit uint) FeatureSet  { return f | (1 << FeatureSet(bit)) }
func (f FeatureSet) Test(bit uint) bool       { return f&(1<<FeatureSet(bit)) != 0 }
func (f FeatureSet) Has(o FeatureSet) bool    { return f&o == o }
func (f FeatureSet) Intersect(o FeatureSet) FeatureSet { return f & o }

// Negotiate returns the features enabled given what the device advertises,
// the bits we need, and the bits we merely want. It fails (ok=false) if any
// needed bit is absent from the device's advertised set.
func Negotiate(device, needed, wanted FeatureSet) (enabled FeatureSet, ok bool) {
	if !device.Has(needed) {
		return 0, false
	}
	return needed | device.Intersect(wanted), true
}

// Desc is one virtq descriptor.
type Desc struct {
	Addr  uint64
	Len   uint32
	Flags uint16
	Next  uint16
}

// Queue is a depth-1 virtqueue with one 3-entry indirect chain (header,
// data, status), matching vioblk's single in-flight-request design
// (spec §3 "Virtio block device").
type Queue struct {
	AvailIdx uint16
	UsedIdx  uint16
	AvailRing [1]uint16

	// Indirect chain: Direct[0] is the indirect descriptor installed in
	// the avail ring; Indirect holds the header/data/status descriptors
	// it points at.
	Direct   [1]Desc
	Indirect [3]Desc
}

// Quiescent reports whether the queue is between requests: the used-ring
// index equals the available-ring index (spec §5).
func (q *Queue) Quiescent() bool { return q.UsedIdx == q.AvailIdx }

// Publish installs the one in-flight indirect chain and bumps AvailIdx, the
// way avail-ring publication and the idx increment are fenced around in
// the source (spec §4.5 steps 3-4).
func (q *Queue) Publish(header, data, status Desc) {
	q.Indirect[0] = header
	q.Indirect[0].Flags = DescFNext
	q.Indirect[0].Next = 1
	q.Indirect[1] = data
	q.Indirect[1].Flags |= DescFNext
	q.Indirect[1].Next = 2
	q.Indirect[2] = status
	q.Indirect[2].Flags = status.Flags &^ DescFNext

	q.Direct[0] = Desc{Flags: DescFIndirect}
	q.AvailRing[0] = 0
	q.AvailIdx++
}

// Complete advances UsedIdx to match AvailIdx, the state change the ISR's
// wakeup is keyed on.
func (q *Queue) Complete() {
	q.UsedIdx = q.AvailIdx
}

// Reset returns the queue to its power-on state (spec §4.5 "Close").
func (q *Queue) Reset() {
	*q = Queue{}
}
