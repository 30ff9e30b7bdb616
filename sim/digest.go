package sim

import (
	"encoding/binary"
	"encoding/hex"

	"github.com/zeebo/blake3"
)

// Digest returns a hex BLAKE3 hash of the observable simulation state: the
// clock, the step count, the trace digest, and every node's files in
// registration and path order. Equal seeds and task graphs give equal
// digests.
func (s *Simulation) Digest() string {
	h := blake3.New()
	var buf [8]byte
	putInt := func(v uint64) {
		binary.LittleEndian.PutUint64(buf[:], v)
		h.Write(buf[:])
	}
	putBytes := func(b []byte) {
		putInt(uint64(len(b)))
		h.Write(b)
	}

	putInt(uint64(s.clock.Now()))
	putInt(s.sched.steps)
	putBytes([]byte(s.trace.Digest()))
	for _, n := range s.registry.Nodes() {
		putBytes([]byte(n.Name()))
		fs := n.handles.FS
		paths := fs.List()
		putInt(uint64(len(paths)))
		for _, p := range paths {
			data, _ := fs.Snapshot(p)
			putBytes([]byte(p))
			putBytes(data)
		}
	}
	return hex.EncodeToString(h.Sum(nil))
}
