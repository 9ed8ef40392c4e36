package chunker

// Classifier accumulates per-fragment redundancy, text, and x86 signals for
// the block currently being filled, and turns them into a content tag the
// codec profile expander consults.
type Classifier struct {
	o1prev     [historyTables * 256]byte // order-1 tables of recent fragments
	redundancy uint64                    // estimated compressible bytes in the block
	text       uint32                    // fragments that look like text
	exe        uint32                    // fragments that look like x86 code
	frags      uint32
}

const historyTables = 4

// dt[i] approximates 32768/((i+1)*204); used to score how non-uniform the
// byte distribution of an order-1 table is.
var dt = [256]byte{
	160, 80, 53, 40, 32, 26, 22, 20, 17, 16, 14, 13, 12, 11, 10, 10,
	9, 8, 8, 8, 7, 7, 6, 6, 6, 6, 5, 5, 5, 5, 5, 5,
	4, 4, 4, 4, 4, 4, 4, 4, 3, 3, 3, 3, 3, 3, 3, 3,
	3, 3, 3, 3, 3, 2, 2, 2, 2, 2, 2, 2, 2, 2, 2, 2,
	2, 2, 2, 2, 2, 2, 2, 2, 2, 2, 2, 2, 2, 2, 2, 2,
	1, 1, 1, 1, 1, 1, 1, 1, 1, 1, 1, 1, 1, 1, 1, 1,
	1, 1, 1, 1, 1, 1, 1, 1, 1, 1, 1, 1, 1, 1, 1, 1,
	1, 1, 1, 1, 1, 1, 1, 1, 1, 1, 1, 1, 1, 1, 1, 1,
	1, 1, 1, 1, 1, 1, 1, 1, 1, 1, 1, 1, 1, 1, 1, 1,
	1, 1, 1, 1, 1, 1, 1, 1, 1, 1, 1, 1, 1, 1, 1, 1,
}

func isAlnum(b byte) bool {
	return b >= '0' && b <= '9' || b >= 'a' && b <= 'z' || b >= 'A' && b <= 'Z'
}

// Observe scores one new (non-duplicate) fragment. The redundancy estimate
// is the highest of four signals: order-1 prediction hits, entropy deficit
// of the order-1 byte distribution, never-seen contexts, and similarity to
// the order-1 tables of preceding fragments.
func (cl *Classifier) Observe(f *Fragment) {
	sz := uint32(len(f.Data))
	hits := f.Hits

	var (
		text1, exe1 int
		o1ct        [256]byte
	)
	h1 := int64(sz)
	for i := 0; i < 256; i++ {
		b := f.O1[i]
		if o1ct[b] < 255 {
			h1 -= int64(sz) * int64(dt[o1ct[b]]) >> 15
			o1ct[b]++
		}
		if b == ' ' && (isAlnum(byte(i)) || i == '.' || i == ',') {
			text1++
		}
		if b >= 1 && b < 32 && b != 9 && b != 10 && b != 13 {
			text1--
		}
		if b == 0x8B {
			exe1++
		}
	}
	if exe1 >= 5 {
		cl.exe++
	}
	if text1 >= 5 {
		cl.text++
	}

	if sz > 0 {
		h1 = h1 * h1 / int64(sz) // near 0 if the distribution is uniform
	}
	if h2 := uint32(h1); h2 > hits {
		hits = h2
	}
	if h2 := uint32(o1ct[0]) * sz / 256; h2 > hits { // contexts never seen
		hits = h2
	}
	var same uint32
	for i := range cl.o1prev {
		if cl.o1prev[i] == f.O1[i&255] {
			same++
		}
	}
	if sz >= MinFragment {
		copy(cl.o1prev[:], cl.o1prev[256:])
		copy(cl.o1prev[(historyTables-1)*256:], f.O1[:])
	}
	if h2 := same * sz / (historyTables * 256); h2 > hits {
		hits = h2
	}
	if hits > sz {
		hits = sz
	}
	cl.redundancy += uint64(hits)
	cl.frags++
}

// Tag folds the block's accumulated signals into a tag in 0..1023: the
// redundancy estimate per 256 bytes in the high bits, the x86 flag in bit 1,
// the text flag in bit 0.
func (cl *Classifier) Tag(blockLen int) int {
	tag := int(cl.redundancy/uint64(blockLen/256+1)) * 4
	if tag > 1020 {
		tag = 1020
	}
	if cl.exe > cl.frags/8 {
		tag |= 2
	}
	if cl.text > cl.frags/4 {
		tag |= 1
	}
	return tag
}

// Redundancy returns the estimated compressible byte count of the block.
func (cl *Classifier) Redundancy() uint64 { return cl.redundancy }

// Fragments returns how many fragments have been observed since Reset.
func (cl *Classifier) Fragments() uint32 { return cl.frags }

// Reset clears the per-block counters. The fragment history survives, as a
// block's first fragments are still compared against the previous block.
func (cl *Classifier) Reset() {
	cl.redundancy = 0
	cl.text = 0
	cl.exe = 0
	cl.frags = 0
}
