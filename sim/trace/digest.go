package trace

import (
	"encoding/binary"
	"encoding/hex"

	"github.com/zeebo/blake3"
)

// Digest returns a hex BLAKE3 hash over every recorded step and fault, in
// order. Two runs that made the same scheduling decisions and injected the
// same faults have equal digests. A nil trace hashes as empty.
func (st *SimulationTrace) Digest() string {
	h := blake3.New()
	var buf [8]byte
	putInt := func(v uint64) {
		binary.LittleEndian.PutUint64(buf[:], v)
		_, _ = h.Write(buf[:])
	}
	putStr := func(s string) {
		putInt(uint64(len(s)))
		_, _ = h.Write([]byte(s))
	}
	if st != nil {
		putInt(uint64(len(st.Steps)))
		for _, s := range st.Steps {
			putInt(s.Step)
			putInt(uint64(s.Clock))
			putStr(s.Node)
			putInt(s.TaskID)
			putStr(s.Task)
			putStr(s.Outcome)
		}
		putInt(uint64(len(st.Faults)))
		for _, f := range st.Faults {
			putInt(uint64(f.Clock))
			putStr(f.Kind)
			putStr(f.Node)
			putStr(f.Peer)
			putStr(f.Detail)
		}
	}
	return hex.EncodeToString(h.Sum(nil))
}
