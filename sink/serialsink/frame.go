package serialsink

const (
	sof0     = 0xAA
	sof1     = 0x55
	cmdFlash = 0x20
)

// Frame tells an indicator board to flash one beat.
type Frame struct {
	Index    uint32 // low 32 bits of the beat index
	Accent   bool
	Position byte // beat within the measure, 0 when unsubdivided
	Seq      byte
}

// Encode builds the on-wire representation:
//
//	[SOF0][SOF1][LEN][CMD][idx3..idx0][accent][position][seq][CKS]
//
// LEN counts CMD plus payload; CKS is the XOR of LEN, CMD and payload.
func (f Frame) Encode() []byte {
	accent := byte(0)
	if f.Accent {
		accent = 1
	}
	payload := []byte{
		byte(f.Index >> 24), byte(f.Index >> 16), byte(f.Index >> 8), byte(f.Index),
		accent, f.Position, f.Seq,
	}

	length := byte(len(payload) + 1)
	cks := length ^ cmdFlash
	for _, b := range payload {
		cks ^= b
	}

	out := []byte{sof0, sof1, length, cmdFlash}
	out = append(out, payload...)
	out = append(out, cks)
	return out
}
