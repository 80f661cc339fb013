// Package ring implements a single-producer/single-consumer shared-memory
// chunk queue: a fixed-size region whose first bytes hold a header,
// followed by a word-aligned data area. Exactly one producer and one
// consumer may operate on a Ring at a time; the write index never
// overtakes the read index by more than the data area's word count; a
// chunk whose commit bit is clear is either uncommitted or reclaimed and
// is skipped atomically; the shared refcount is only ever touched with
// compare-and-swap; and write_idx - read_idx (both counted in 4-byte
// words) equals the words in use.
//
// Author: coreipc
// License: Apache-2.0
package ring

import (
	"fmt"
	"os"
	"sync/atomic"
	"unsafe"

	"github.com/coreipc/qb/api"
	"github.com/coreipc/qb/internal/qblog"
	"github.com/coreipc/qb/internal/shm"
)

// Flags control how a Ring is created/opened.
type Flags uint32

const (
	FlagOverwrite     Flags = 1 << iota // reclaim oldest chunks instead of failing on NoSpace
	FlagSharedProcess                   // shared between processes (same notifier as FlagSharedThread; see notifier_linux.go)
	FlagSharedThread                    // shared between threads of one process
	FlagNoSemaphore                     // skip the notifier: ms timeouts are ignored, caller must poll externally
)

const (
	ringMagic       uint32 = 0x5142_0001 // "QB" + version 1
	headerWordBytes        = 4
	// Header layout; all fields are 4-byte aligned.
	offMagic        = 0
	offFlags        = 4
	offDataWords    = 8
	offWriteIdx     = 12
	offReadIdx      = 16
	offHighWater    = 20
	offRefcount     = 24
	offUserDataSize = 28
	offFutexWord    = 32
	offPeekLen      = 36 // last Peek()'d chunk's padded word length, for implicit reclaim
	headerSize      = 4096
	maxUserData     = headerSize - 64
)

// Ring is an open reference to a shared-memory chunk queue.
type Ring struct {
	name     string
	dir      string
	flags    Flags
	creator  bool
	ctrl     *os.File
	ctrlMmap []byte // header + user data area, single (non-mirrored) mapping
	data     *shm.Segment
	notifier Notifier
	log      *qblog.Logger

	// scratch is a temporary per-writer buffer used only when the data
	// segment lacks double-mapping and a chunk write/read straddles the
	// wrap point, falling back to a two-part copy.
	scratch         []byte
	scratchReserved bool

	// pendingReclaim/peekAdvance track the most recent ChunkPeek so that
	// the next Peek/Read call can implicitly reclaim it if the caller
	// never called ChunkReclaim.
	pendingReclaim bool
	peekAdvance    uint32
}

// Options configures Open.
type Options struct {
	Dir            string // runtime directory backing files live in
	DataBytes      int    // requested data-area size in bytes (rounded up to page, then words)
	Flags          Flags
	UserDataBytes  int // size of the caller's shared user-data area (<= maxUserData)
	Create         bool
}

func ctrlPath(dir, name string) string { return fmt.Sprintf("%s/qb-%s.hdr", dir, name) }
func dataPath(dir, name string) string { return fmt.Sprintf("%s/qb-%s.data", dir, name) }

// Open creates (Options.Create) or opens an existing ring buffer named
// name under Options.Dir.
func Open(name string, opt Options) (*Ring, error) {
	if opt.UserDataBytes > maxUserData {
		return nil, fmt.Errorf("ring: user data area %d exceeds maximum %d", opt.UserDataBytes, maxUserData)
	}
	r := &Ring{name: name, dir: opt.Dir, flags: opt.Flags, log: qblog.Default}

	cp, dp := ctrlPath(opt.Dir, name), dataPath(opt.Dir, name)

	if opt.Create {
		cf, err := os.OpenFile(cp, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0o660)
		if os.IsExist(err) {
			cf, err = os.OpenFile(cp, os.O_RDWR, 0o660)
		}
		if err != nil {
			return nil, fmt.Errorf("ring: open header file: %w", err)
		}
		if err := cf.Truncate(headerSize); err != nil {
			cf.Close()
			return nil, fmt.Errorf("ring: truncate header: %w", err)
		}
		r.ctrl = cf
		r.creator = true
	} else {
		cf, err := os.OpenFile(cp, os.O_RDWR, 0o660)
		if err != nil {
			return nil, fmt.Errorf("ring: open header file: %w", err)
		}
		r.ctrl = cf
	}

	mm, err := mmapWhole(r.ctrl, headerSize)
	if err != nil {
		r.ctrl.Close()
		return nil, err
	}
	r.ctrlMmap = mm

	if opt.Create {
		dataWords := uint32(shm.PageSize() * ((opt.DataBytes + shm.PageSize() - 1) / shm.PageSize()) / headerWordBytes)
		if dataWords == 0 {
			dataWords = uint32(shm.PageSize() / headerWordBytes)
		}
		atomic.StoreUint32(r.u32(offMagic), ringMagic)
		atomic.StoreUint32(r.u32(offFlags), uint32(opt.Flags))
		atomic.StoreUint32(r.u32(offDataWords), dataWords)
		atomic.StoreUint32(r.u32(offWriteIdx), 0)
		atomic.StoreUint32(r.u32(offReadIdx), 0)
		atomic.StoreUint32(r.u32(offHighWater), 0)
		atomic.StoreInt32(r.i32(offRefcount), 0)
		atomic.StoreUint32(r.u32(offUserDataSize), uint32(opt.UserDataBytes))

		seg, err := shm.Create(dp, int(dataWords)*headerWordBytes)
		if err != nil {
			mmapClose(r.ctrlMmap)
			r.ctrl.Close()
			return nil, fmt.Errorf("ring: create data segment: %w", err)
		}
		r.data = seg
	} else {
		if atomic.LoadUint32(r.u32(offMagic)) != ringMagic {
			mmapClose(r.ctrlMmap)
			r.ctrl.Close()
			return nil, fmt.Errorf("ring: %s: bad magic, not a qb ring", name)
		}
		r.flags = Flags(atomic.LoadUint32(r.u32(offFlags)))
		dataWords := atomic.LoadUint32(r.u32(offDataWords))
		seg, err := shm.Open(dp, int(dataWords)*headerWordBytes)
		if err != nil {
			mmapClose(r.ctrlMmap)
			r.ctrl.Close()
			return nil, fmt.Errorf("ring: open data segment: %w", err)
		}
		r.data = seg
	}

	r.notifier = newNotifier(r.flags, r.u32(offFutexWord))
	r.refIncrement()
	return r, nil
}

func (r *Ring) u32(off int) *uint32 { return (*uint32)(unsafe.Pointer(&r.ctrlMmap[off])) }
func (r *Ring) i32(off int) *int32  { return (*int32)(unsafe.Pointer(&r.ctrlMmap[off])) }

func (r *Ring) dataWords() uint32 { return atomic.LoadUint32(r.u32(offDataWords)) }

// Name returns the ring's unique name.
func (r *Ring) Name() string { return r.name }

// Notifier exposes the wakeup primitive for external poll-loop registration.
func (r *Ring) Notifier() Notifier { return r.notifier }

// UserData returns the caller-specified shared data area.
func (r *Ring) UserData() []byte {
	n := atomic.LoadUint32(r.u32(offUserDataSize))
	return r.ctrlMmap[64 : 64+n]
}

func (r *Ring) refIncrement() int32 {
	p := r.i32(offRefcount)
	for {
		cur := atomic.LoadInt32(p)
		if atomic.CompareAndSwapInt32(p, cur, cur+1) {
			return cur + 1
		}
	}
}

func (r *Ring) refDecrement() int32 {
	p := r.i32(offRefcount)
	for {
		cur := atomic.LoadInt32(p)
		if atomic.CompareAndSwapInt32(p, cur, cur-1) {
			return cur - 1
		}
	}
}

// RefCount returns the current reference count.
func (r *Ring) RefCount() int32 { return atomic.LoadInt32(r.i32(offRefcount)) }

// Close dereferences the ring and, if this was the last reference,
// unmaps, unlinks the backing files and destroys the notifier.
func (r *Ring) Close() error {
	remaining := r.refDecrement()
	r.notifier.Close()
	mmapClose(r.ctrlMmap)
	r.ctrl.Close()
	if r.data != nil {
		r.data.Close()
	}
	if remaining <= 0 {
		os.Remove(ctrlPath(r.dir, r.name))
		os.Remove(dataPath(r.dir, r.name))
	}
	return nil
}

// Chown applies to every backing artifact: the header file and the data
// file.
func (r *Ring) Chown(uid, gid int) error {
	if err := chownFile(r.ctrl, uid, gid); err != nil {
		return err
	}
	return r.data.Chown(uid, gid)
}

// Chmod applies to every backing artifact.
func (r *Ring) Chmod(mode os.FileMode) error {
	if err := r.ctrl.Chmod(mode); err != nil {
		return err
	}
	return r.data.Chmod(mode)
}

// --- chunk framing ---

const (
	commitBit  uint32 = 1 << 31
	lengthMask uint32 = commitBit - 1
)

func paddedWords(payloadLen int) uint32 {
	total := headerWordBytes + payloadLen // length word + payload
	words := (total + headerWordBytes - 1) / headerWordBytes
	return uint32(words)
}

// SpaceFree returns free bytes, some of which chunk headers will consume.
func (r *Ring) SpaceFree() int {
	n := r.dataWords()
	used := atomic.LoadUint32(r.u32(offWriteIdx)) - atomic.LoadUint32(r.u32(offReadIdx))
	return int(n-used) * headerWordBytes
}

// SpaceUsed returns bytes in use including chunk headers.
func (r *Ring) SpaceUsed() int {
	used := atomic.LoadUint32(r.u32(offWriteIdx)) - atomic.LoadUint32(r.u32(offReadIdx))
	return int(used) * headerWordBytes
}

// ChunkWrite writes data as one chunk: Alloc + Commit in one call.
// Returns len(data) on success.
func (r *Ring) ChunkWrite(data []byte) (int, error) {
	ptr, err := r.ChunkAlloc(len(data))
	if err != nil {
		return -1, err
	}
	copy(ptr, data)
	if err := r.ChunkCommit(len(data)); err != nil {
		return -1, err
	}
	return len(data), nil
}

// ChunkAlloc reserves space for a zero-copy write of length len and
// returns a slice to write into; the caller must follow with
// ChunkCommit(len).
func (r *Ring) ChunkAlloc(length int) ([]byte, error) {
	n := r.dataWords()
	need := paddedWords(length)
	if need > n {
		return nil, fmt.Errorf("ring: %w: chunk of %d bytes exceeds data area", errTooBig, length)
	}

	for {
		wr := atomic.LoadUint32(r.u32(offWriteIdx))
		rd := atomic.LoadUint32(r.u32(offReadIdx))
		free := n - (wr - rd)
		if free >= need {
			break
		}
		if r.flags&FlagOverwrite == 0 {
			return nil, errNoSpace
		}
		if err := r.reclaimOne(); err != nil {
			return nil, err
		}
	}

	wr := atomic.LoadUint32(r.u32(offWriteIdx))
	offsetWords := wr % n
	lenOff := int(offsetWords) * headerWordBytes
	buf := r.data.Bytes()
	mirrored := r.data.HasMirror()

	if mirrored {
		return buf[lenOff+headerWordBytes : lenOff+int(need)*headerWordBytes], nil
	}
	// Fallback path: the payload may wrap; return a scratch slice the
	// caller writes into, and ChunkCommit performs the two-part copy.
	r.scratch = make([]byte, int(need)*headerWordBytes-headerWordBytes)
	r.scratchReserved = true
	return r.scratch, nil
}

// reclaimOne advances the read index past the oldest committed chunk, or
// returns an error if the chunk at the read index is not yet committed
// (a writer is still mid-write: nothing to reclaim).
func (r *Ring) reclaimOne() error {
	n := r.dataWords()
	rd := atomic.LoadUint32(r.u32(offReadIdx))
	wr := atomic.LoadUint32(r.u32(offWriteIdx))
	if rd == wr {
		return errNoSpace
	}
	offsetWords := rd % n
	lenOff := int(offsetWords) * headerWordBytes
	lenWord := r.loadLenWord(lenOff)
	if lenWord&commitBit == 0 {
		return errNoSpace
	}
	payloadLen := int(lenWord & lengthMask) - headerWordBytes
	adv := paddedWords(payloadLen)
	r.storeLenWord(lenOff, 0)
	atomic.StoreUint32(r.u32(offReadIdx), rd+adv)
	return nil
}

func (r *Ring) loadLenWord(byteOff int) uint32 {
	buf := r.data.Bytes()
	return atomic.LoadUint32((*uint32)(unsafe.Pointer(&buf[byteOff])))
}

func (r *Ring) storeLenWord(byteOff int, v uint32) {
	buf := r.data.Bytes()
	atomic.StoreUint32((*uint32)(unsafe.Pointer(&buf[byteOff])), v)
}

// ChunkCommit publishes a chunk previously reserved by ChunkAlloc. It
// stores the length word with the commit bit set, advances the write
// index (a release operation: the consumer's acquire-load of the length
// word pairs with this store) and posts the notifier.
func (r *Ring) ChunkCommit(length int) error {
	n := r.dataWords()
	need := paddedWords(length)
	wr := atomic.LoadUint32(r.u32(offWriteIdx))
	offsetWords := wr % n
	lenOff := int(offsetWords) * headerWordBytes

	if r.scratchReserved {
		r.scratchReserved = false
		r.copyInWrapped(lenOff, r.scratch[:length])
	}

	lenWord := uint32(length+headerWordBytes) | commitBit
	r.storeLenWord(lenOff, lenWord)
	atomic.StoreUint32(r.u32(offWriteIdx), wr+need)
	return r.notifier.Post()
}

// copyInWrapped copies payload into the data area starting just past the
// length word at lenOff, splitting the copy across the wrap point when
// double-mapping is unavailable.
func (r *Ring) copyInWrapped(lenOff int, payload []byte) {
	buf := r.data.Bytes()
	total := len(buf)
	start := (lenOff + headerWordBytes) % total
	first := copy(buf[start:], payload)
	if first < len(payload) {
		copy(buf[0:], payload[first:])
	}
}

func (r *Ring) copyOutWrapped(lenOff, payloadLen int) []byte {
	buf := r.data.Bytes()
	total := len(buf)
	start := (lenOff + headerWordBytes) % total
	out := make([]byte, payloadLen)
	first := copy(out, buf[start:])
	if first < payloadLen {
		copy(out[first:], buf[0:])
	}
	return out
}

// ChunkPeek blocks up to msTimeout for the next committed chunk and
// returns a borrow of it without advancing the read index. The borrow
// is valid until the next Peek/Read/Reclaim call. If the caller never
// calls ChunkReclaim, the next Peek/Read implicitly reclaims the
// previous chunk (see DESIGN.md for why this matches the reference
// implementation's actual behavior rather than requiring an explicit
// reclaim before every peek).
func (r *Ring) ChunkPeek(msTimeout int) ([]byte, error) {
	if r.pendingReclaim {
		r.doReclaim()
	}

	n := r.dataWords()
	for {
		wr := atomic.LoadUint32(r.u32(offWriteIdx))
		rd := atomic.LoadUint32(r.u32(offReadIdx))
		if wr != rd {
			break
		}
		if r.flags&FlagNoSemaphore != 0 || msTimeout == 0 {
			return nil, nil
		}
		posted, err := r.notifier.Wait(msTimeout)
		if err != nil {
			return nil, err
		}
		if !posted {
			return nil, nil
		}
	}

	rd := atomic.LoadUint32(r.u32(offReadIdx))
	offsetWords := rd % n
	lenOff := int(offsetWords) * headerWordBytes
	lenWord := r.loadLenWord(lenOff)
	if lenWord&commitBit == 0 {
		// Uncommitted or reclaimed: a crashed producer left this chunk
		// mid-write. Treat as empty.
		return nil, nil
	}
	payloadLen := int(lenWord&lengthMask) - headerWordBytes
	need := paddedWords(payloadLen)

	r.peekAdvance = need
	r.pendingReclaim = true

	if r.data.HasMirror() {
		buf := r.data.Bytes()
		start := lenOff + headerWordBytes
		return buf[start : start+payloadLen], nil
	}
	return r.copyOutWrapped(lenOff, payloadLen), nil
}

// ChunkReclaim advances the read index past the chunk most recently
// returned by ChunkPeek.
func (r *Ring) ChunkReclaim() {
	if !r.pendingReclaim {
		return
	}
	r.doReclaim()
}

func (r *Ring) doReclaim() {
	n := r.dataWords()
	rd := atomic.LoadUint32(r.u32(offReadIdx))
	offsetWords := rd % n
	lenOff := int(offsetWords) * headerWordBytes
	r.storeLenWord(lenOff, 0)
	atomic.StoreUint32(r.u32(offReadIdx), rd+r.peekAdvance)
	r.pendingReclaim = false
}

// ChunkRead is Peek + copy + Reclaim.
func (r *Ring) ChunkRead(out []byte, msTimeout int) (int, error) {
	chunk, err := r.ChunkPeek(msTimeout)
	if err != nil {
		return -1, err
	}
	if chunk == nil {
		return 0, nil
	}
	n := copy(out, chunk)
	r.ChunkReclaim()
	return n, nil
}

var (
	errNoSpace = api.ErrNoSpace
	errTooBig  = api.ErrTooBig
)
