package virtq

import "testing"

func TestNegotiateRequiresNeededBits(t *testing.T) {
	device := NewFeatureSet(FRingReset, FIndirectDesc, BlkFBlkSize)
	needed := NewFeatureSet(FRingReset, FIndirectDesc)
	wanted := NewFeatureSet(BlkFBlkSize, BlkFTopology)

	enabled, ok := Negotiate(device, needed, wanted)
	if !ok {
		t.Fatal("expected negotiation to succeed when device advertises every needed bit")
	}
	if !enabled.Test(FRingReset) || !enabled.Test(FIndirectDesc) {
		t.Fatalf("expected both needed bits enabled, got %#x", enabled)
	}
	if !enabled.Test(BlkFBlkSize) {
		t.Fatalf("expected advertised wanted bit BlkFBlkSize enabled, got %#x", enabled)
	}
	if enabled.Test(BlkFTopology) {
		t.Fatalf("expected un-advertised wanted bit BlkFTopology left disabled, got %#x", enabled)
	}
}

func TestNegotiateFailsWhenNeededBitMissing(t *testing.T) {
	device := NewFeatureSet(FRingReset) // missing FIndirectDesc
	needed := NewFeatureSet(FRingReset, FIndirectDesc)
	wanted := NewFeatureSet(BlkFBlkSize)

	_, ok := Negotiate(device, needed, wanted)
	if ok {
		t.Fatal("expected negotiation to fail when a needed bit is absent")
	}
}

func TestPublishQuiescentComplete(t *testing.T) {
	var q Queue
	if !q.Quiescent() {
		t.Fatal("expected a fresh queue to be quiescent")
	}

	header := Desc{Len: 16}
	data := Desc{Len: 512, Flags: DescFWrite}
	status := Desc{Len: 1, Flags: DescFWrite}
	q.Publish(header, data, status)

	if q.Quiescent() {
		t.Fatal("expected queue to be non-quiescent immediately after Publish")
	}
	if q.Indirect[0].Next != 1 || q.Indirect[1].Next != 2 {
		t.Fatalf("expected chained indirect descriptors, got %+v", q.Indirect)
	}
	if q.Indirect[0].Flags&DescFNext == 0 || q.Indirect[1].Flags&DescFNext == 0 {
		t.Fatal("expected header and data descriptors to carry DescFNext")
	}
	if q.Indirect[2].Flags&DescFNext != 0 {
		t.Fatal("expected the status descriptor to terminate the chain")
	}
	if q.Direct[0].Flags != DescFIndirect {
		t.Fatalf("expected the avail-ring entry to point at the indirect chain, got %#x", q.Direct[0].Flags)
	}

	q.Complete()
	if !q.Quiescent() {
		t.Fatal("expected queue to be quiescent after Complete")
	}
}

func TestResetClearsQueue(t *testing.T) {
	var q Queue
	q.Publish(Desc{}, Desc{}, Desc{})
	q.Reset()
	if !q.Quiescent() {
		t.Fatal("expected Reset to restore quiescence")
	}
	if q.AvailIdx != 0 || q.UsedIdx != 0 {
		t.Fatalf("expected zeroed indices after Reset, got avail=%d used=%d", q.AvailIdx, q.UsedIdx)
	}
}

func TestFeatureSetAddTest(t *testing.T) {
	var f FeatureSet
	if f.Test(FRingReset) {
		t.Fatal("expected empty feature set to test false")
	}
	f = f.Add(FRingReset)
	if !f.Test(FRingReset) {
		t.Fatal("expected Add then Test to report the bit set")
	}
	if f.Test(FIndirectDesc) {
		t.Fatal("expected unrelated bit to remain unset")
	}
}
