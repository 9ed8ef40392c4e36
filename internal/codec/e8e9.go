package codec

import "encoding/binary"

// The E8E9 transform rewrites the 32-bit relative displacement that follows
// x86 CALL (0xE8) and JMP (0xE9) opcodes into an absolute target, so that
// repeated calls to the same target compress as repeated byte strings.
//
// Every E8/E9 byte triggers a rewrite and the following four bytes are then
// skipped. Opcode bytes are never modified, so both directions see the same
// candidate positions and the transform is exactly invertible.

func e8e9Forward(b []byte) {
	for i := 0; i+5 <= len(b); i++ {
		if b[i] != 0xE8 && b[i] != 0xE9 {
			continue
		}
		d := binary.LittleEndian.Uint32(b[i+1 : i+5])
		binary.LittleEndian.PutUint32(b[i+1:i+5], d+uint32(i+5))
		i += 4
	}
}

// E8E9Inverse undoes e8e9Forward in place.
func E8E9Inverse(b []byte) {
	for i := 0; i+5 <= len(b); i++ {
		if b[i] != 0xE8 && b[i] != 0xE9 {
			continue
		}
		a := binary.LittleEndian.Uint32(b[i+1 : i+5])
		binary.LittleEndian.PutUint32(b[i+1:i+5], a-uint32(i+5))
		i += 4
	}
}
