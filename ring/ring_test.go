package ring

import (
	"bytes"
	"testing"
)

func tempRing(t *testing.T, name string, flags Flags) *Ring {
	t.Helper()
	dir := t.TempDir()
	r, err := Open(name, Options{Dir: dir, DataBytes: 4096, Flags: flags, Create: true})
	if err != nil {
		t.Fatalf("Open(create): %v", err)
	}
	t.Cleanup(func() { r.Close() })
	return r
}

func TestChunkWriteReadRoundTrip(t *testing.T) {
	r := tempRing(t, "roundtrip", FlagSharedThread)

	payload := []byte("hello ring buffer")
	if _, err := r.ChunkWrite(payload); err != nil {
		t.Fatalf("ChunkWrite: %v", err)
	}

	out := make([]byte, len(payload))
	n, err := r.ChunkRead(out, 0)
	if err != nil {
		t.Fatalf("ChunkRead: %v", err)
	}
	if n != len(payload) || !bytes.Equal(out[:n], payload) {
		t.Fatalf("ChunkRead mismatch: got %q want %q", out[:n], payload)
	}
}

func TestChunkReadEmptyNonBlocking(t *testing.T) {
	r := tempRing(t, "empty", FlagSharedThread)

	out := make([]byte, 16)
	n, err := r.ChunkRead(out, 0)
	if err != nil {
		t.Fatalf("ChunkRead on empty ring: %v", err)
	}
	if n != 0 {
		t.Fatalf("expected 0 bytes read from empty ring, got %d", n)
	}
}

func TestChunkWriteRejectsOversizedChunk(t *testing.T) {
	r := tempRing(t, "nospace", FlagSharedThread)

	big := bytes.Repeat([]byte{0xAB}, r.SpaceFree()+1)
	if _, err := r.ChunkWrite(big); err == nil {
		t.Fatalf("expected NoSpace/TooBig error writing oversized chunk")
	}
}

func TestImplicitReclaimOnNextPeek(t *testing.T) {
	r := tempRing(t, "implicit-reclaim", FlagSharedThread)

	if _, err := r.ChunkWrite([]byte("first")); err != nil {
		t.Fatalf("ChunkWrite first: %v", err)
	}
	if _, err := r.ChunkWrite([]byte("second")); err != nil {
		t.Fatalf("ChunkWrite second: %v", err)
	}

	first, err := r.ChunkPeek(0)
	if err != nil || first == nil {
		t.Fatalf("ChunkPeek first: %v", err)
	}
	if string(first) != "first" {
		t.Fatalf("got %q want %q", first, "first")
	}

	// No explicit ChunkReclaim call: the next Peek must reclaim "first"
	// on our behalf before returning "second".
	second, err := r.ChunkPeek(0)
	if err != nil || second == nil {
		t.Fatalf("ChunkPeek second: %v", err)
	}
	if string(second) != "second" {
		t.Fatalf("got %q want %q", second, "second")
	}
}

func TestOverwriteReclaimsOldestOnFull(t *testing.T) {
	r := tempRing(t, "overwrite", FlagSharedThread|FlagOverwrite)

	chunkSize := 32
	capacity := r.SpaceFree()
	count := capacity/chunkSize + 2

	var last []byte
	for i := 0; i < count; i++ {
		payload := bytes.Repeat([]byte{byte(i)}, chunkSize-headerWordBytes)
		if _, err := r.ChunkWrite(payload); err != nil {
			t.Fatalf("ChunkWrite #%d: %v", i, err)
		}
		last = payload
	}

	// The oldest chunks should have been reclaimed; eventually we must
	// reach the most recently written payload.
	var got []byte
	for i := 0; i < count; i++ {
		chunk, err := r.ChunkPeek(0)
		if err != nil {
			t.Fatalf("ChunkPeek: %v", err)
		}
		if chunk == nil {
			break
		}
		got = append([]byte(nil), chunk...)
		r.ChunkReclaim()
	}
	if !bytes.Equal(got, last) {
		t.Fatalf("expected last surviving chunk %v, got %v", last, got)
	}
}

func TestRefCountSharedAcrossOpens(t *testing.T) {
	dir := t.TempDir()
	r1, err := Open("shared", Options{Dir: dir, DataBytes: 4096, Flags: FlagSharedThread, Create: true})
	if err != nil {
		t.Fatalf("Open create: %v", err)
	}
	defer r1.Close()

	r2, err := Open("shared", Options{Dir: dir})
	if err != nil {
		t.Fatalf("Open existing: %v", err)
	}
	defer r2.Close()

	if r1.RefCount() != 2 {
		t.Fatalf("expected refcount 2, got %d", r1.RefCount())
	}
}
