package summary

import (
	"math/bits"
	"sync/atomic"
)

// combiningLock is a CAS spinlock used to elect the flat-combining
// combiner goroutine. It is a separate lock from any lock held by the
// wrapped structure: only the elected combiner touches the structure
// while holding it, so the wrapped structure never needs its own
// synchronization on the combiner's critical section.
type combiningLock struct {
	held atomic.Bool
}

// tryLock attempts to become the combiner without blocking.
func (l *combiningLock) tryLock() bool {
	return l.held.CompareAndSwap(false, true)
}

// lock spins until the caller becomes the combiner. Used by Check/Print/
// Save, which need a consistent snapshot rather than an opportunistic
// drain.
func (l *combiningLock) lock() {
	for !l.tryLock() {
	}
}

func (l *combiningLock) unlock() {
	l.held.Store(false)
}

// pubApply is the operation a drained publication record asks the
// combiner to perform against the wrapped structure.
type pubApply func(cpu int, dl uint64, valid bool)

// pubBackend is a publication list: producers publish deferred
// operations, and the elected combiner drains everything pending in one
// pass. help is called whenever a producer has to wait for a free
// record; it is the producer's chance to become the combiner itself and
// unblock the backlog rather than spin idly.
type pubBackend interface {
	publish(cpu int, dl uint64, valid bool, help func())
	drain(apply pubApply)
}

// linkedRecord is one slot in a per-CPU preallocated record ring, and
// simultaneously a node in the lock-free publication stack.
type linkedRecord struct {
	cpu    int
	dl     uint64
	valid  bool
	active atomic.Bool
	ready  atomic.Bool
	next   atomic.Pointer[linkedRecord]
}

// linkedBackend is the CAS Treiber-stack publication list: enqueue races
// on a single head pointer, and the combiner steals the whole stack with
// one CAS-to-nil, then reverses it to recover publication order.
type linkedBackend struct {
	head atomic.Pointer[linkedRecord]

	pool    [][]*linkedRecord
	nextIdx []int
}

func newLinkedBackend(n, recordsPerCPU int) *linkedBackend {
	b := &linkedBackend{
		pool:    make([][]*linkedRecord, n),
		nextIdx: make([]int, n),
	}
	for cpu := range b.pool {
		ring := make([]*linkedRecord, recordsPerCPU)
		for i := range ring {
			ring[i] = &linkedRecord{}
		}
		b.pool[cpu] = ring
	}
	return b
}

func (b *linkedBackend) getRecord(cpu int, help func()) *linkedRecord {
	ring := b.pool[cpu]
	idx := b.nextIdx[cpu]
	for {
		rec := ring[idx]
		if !rec.active.Load() {
			rec.active.Store(true)
			b.nextIdx[cpu] = (idx + 1) % len(ring)
			return rec
		}
		help()
	}
}

func (b *linkedBackend) enqueue(rec *linkedRecord) {
	for {
		old := b.head.Load()
		rec.next.Store(old)
		if b.head.CompareAndSwap(old, rec) {
			return
		}
	}
}

func (b *linkedBackend) publish(cpu int, dl uint64, valid bool, help func()) {
	rec := b.getRecord(cpu, help)
	rec.cpu = cpu
	rec.dl = dl
	rec.valid = valid
	rec.ready.Store(false)
	b.enqueue(rec)
}

func reverseLinked(head *linkedRecord) *linkedRecord {
	var reversed *linkedRecord
	for head != nil {
		next := head.next.Load()
		head.next.Store(reversed)
		reversed = head
		head = next
	}
	return reversed
}

func (b *linkedBackend) drain(apply pubApply) {
	var stolen *linkedRecord
	for {
		old := b.head.Load()
		if b.head.CompareAndSwap(old, nil) {
			stolen = old
			break
		}
	}

	for rec := reverseLinked(stolen); rec != nil; rec = rec.next.Load() {
		apply(rec.cpu, rec.dl, rec.valid)
		rec.ready.Store(true)
		rec.active.Store(false)
	}
}

// bitmapRecord is one slot in the bitmap backend's flat per-CPU record
// array. Unlike linkedRecord it carries no next pointer: membership in
// the pending set is tracked entirely by the bitmaps, not by list
// linkage.
type bitmapRecord struct {
	cpu   int
	dl    uint64
	valid bool
}

// bitmapBackend indexes pending records with a bitmap of CPUs that have
// at least one pending record, and a per-CPU bitmap of which of that
// CPU's PUB_RECORD_PER_CPU slots are pending. The combiner walks both
// bitmaps via first-set-bit instead of following pointers.
type bitmapBackend struct {
	cpuBitmap atomic.Uint64
	recBitmap []atomic.Uint32
	records   [][]bitmapRecord
	nextIdx   []int
}

func newBitmapBackend(n, recordsPerCPU int) *bitmapBackend {
	if n > 64 {
		panic("summary: bitmap flat-combining backend supports at most 64 CPUs")
	}
	if recordsPerCPU > 32 {
		recordsPerCPU = 32
	}
	b := &bitmapBackend{
		recBitmap: make([]atomic.Uint32, n),
		records:   make([][]bitmapRecord, n),
		nextIdx:   make([]int, n),
	}
	for cpu := range b.records {
		b.records[cpu] = make([]bitmapRecord, recordsPerCPU)
	}
	return b
}

func firstSetBit64(bitmap uint64) int {
	if bitmap == 0 {
		return -1
	}
	return bits.TrailingZeros64(bitmap)
}

func firstSetBit32(bitmap uint32) int {
	if bitmap == 0 {
		return -1
	}
	return bits.TrailingZeros32(bitmap)
}

func (b *bitmapBackend) recSlotBusy(cpu, idx int) bool {
	return b.recBitmap[cpu].Load()&(1<<uint(idx)) != 0
}

func (b *bitmapBackend) publish(cpu int, dl uint64, valid bool, help func()) {
	ring := b.records[cpu]
	idx := b.nextIdx[cpu]
	for b.recSlotBusy(cpu, idx) {
		b.cpuBitmap.Or(1 << uint(cpu))
		help()
	}

	ring[idx] = bitmapRecord{cpu: cpu, dl: dl, valid: valid}
	b.nextIdx[cpu] = (idx + 1) % len(ring)

	b.recBitmap[cpu].Or(1 << uint(idx))
	b.cpuBitmap.Or(1 << uint(cpu))
}

func (b *bitmapBackend) drain(apply pubApply) {
	for {
		cpu := firstSetBit64(b.cpuBitmap.Load())
		if cpu < 0 {
			return
		}
		for {
			idx := firstSetBit32(b.recBitmap[cpu].Load())
			if idx < 0 {
				break
			}
			rec := b.records[cpu][idx]
			apply(rec.cpu, rec.dl, rec.valid)
			b.recBitmap[cpu].And(^uint32(1 << uint(idx)))
		}
		b.cpuBitmap.And(^uint64(1 << uint(cpu)))
	}
}
