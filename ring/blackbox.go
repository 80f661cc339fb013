package ring

import (
	"bufio"
	"encoding/hex"
	"fmt"
	"io"
	"os"
)

// WriteToFile snapshots the ring's header and current data area into a
// single file at path, for later postmortem inspection via
// CreateFromFile or the blackbox CLI. It does not affect the live ring.
func (r *Ring) WriteToFile(path string) error {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o640)
	if err != nil {
		return fmt.Errorf("ring: snapshot create: %w", err)
	}
	defer f.Close()
	bw := bufio.NewWriter(f)
	if _, err := bw.Write(r.ctrlMmap); err != nil {
		return fmt.Errorf("ring: snapshot write header: %w", err)
	}
	if _, err := bw.Write(r.data.Bytes()[:int(r.dataWords())*headerWordBytes]); err != nil {
		return fmt.Errorf("ring: snapshot write data: %w", err)
	}
	return bw.Flush()
}

// CreateFromFile restores a ring previously captured by WriteToFile,
// recreating its backing header and data files under dir/name so it can
// be opened normally afterward.
func CreateFromFile(path, dir, name string) error {
	snap, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("ring: snapshot read: %w", err)
	}
	if len(snap) < headerSize {
		return fmt.Errorf("ring: snapshot %s shorter than header", path)
	}
	if err := os.WriteFile(ctrlPath(dir, name), snap[:headerSize], 0o640); err != nil {
		return fmt.Errorf("ring: restore header: %w", err)
	}
	if err := os.WriteFile(dataPath(dir, name), snap[headerSize:], 0o640); err != nil {
		return fmt.Errorf("ring: restore data: %w", err)
	}
	return nil
}

// Dump writes every still-committed chunk to w as a hex preview. It
// reads via Peek/Reclaim just like a normal consumer, so it advances the
// read index and consumes the chunks it prints.
func (r *Ring) Dump(w io.Writer) error {
	fmt.Fprintf(w, "ring %s: %d/%d bytes used, refcount=%d\n", r.name, r.SpaceUsed(), r.SpaceUsed()+r.SpaceFree(), r.RefCount())
	for i := 0; ; i++ {
		chunk, err := r.ChunkPeek(0)
		if err != nil {
			return err
		}
		if chunk == nil {
			return nil
		}
		fmt.Fprintf(w, "chunk %d (%d bytes):\n%s\n", i, len(chunk), hex.Dump(chunk))
		r.ChunkReclaim()
	}
}
