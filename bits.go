package webcodecs

import "fmt"

// bitReader reads MSB-first bit fields. The first read past the end sets err
// and every later read returns zero, so callers check err once per block.
type bitReader struct {
	data []byte
	pos  int // bit position
	err  error
}

func newBitReader(data []byte) *bitReader {
	return &bitReader{data: data}
}

func (br *bitReader) readBit() uint {
	if br.err != nil {
		return 0
	}
	if br.pos >= len(br.data)*8 {
		br.err = fmt.Errorf("%w: bitstream truncated at bit %d", ErrData, br.pos)
		return 0
	}
	v := uint(br.data[br.pos>>3]>>(7-uint(br.pos&7))) & 1
	br.pos++
	return v
}

func (br *bitReader) readBits(n int) uint {
	var v uint
	for i := 0; i < n; i++ {
		v = v<<1 | br.readBit()
	}
	return v
}

func (br *bitReader) readFlag() bool {
	return br.readBit() == 1
}

// readUE reads an unsigned Exp-Golomb code.
func (br *bitReader) readUE() uint {
	zeros := 0
	for br.readBit() == 0 {
		if br.err != nil {
			return 0
		}
		zeros++
		if zeros > 31 {
			br.err = fmt.Errorf("%w: exp-golomb code too long", ErrData)
			return 0
		}
	}
	if zeros == 0 {
		return 0
	}
	return (1 << zeros) - 1 + br.readBits(zeros)
}

// readSE reads a signed Exp-Golomb code.
func (br *bitReader) readSE() int {
	v := br.readUE()
	if v%2 == 0 {
		return -int(v / 2)
	}
	return int((v + 1) / 2)
}

func (br *bitReader) skip(n int) {
	for i := 0; i < n; i++ {
		br.readBit()
	}
}

// remaining returns the number of unread bits.
func (br *bitReader) remaining() int {
	return len(br.data)*8 - br.pos
}

func (br *bitReader) skipScalingList(size int) {
	last, next := 8, 8
	for j := 0; j < size && br.err == nil; j++ {
		if next != 0 {
			next = (last + br.readSE() + 256) % 256
		}
		if next != 0 {
			last = next
		}
	}
}

// bitWriter appends MSB-first bit fields.
type bitWriter struct {
	buf   []byte
	nbits int
}

func (bw *bitWriter) writeBits(v uint, n int) {
	for i := n - 1; i >= 0; i-- {
		if bw.nbits%8 == 0 {
			bw.buf = append(bw.buf, 0)
		}
		if (v>>uint(i))&1 == 1 {
			bw.buf[len(bw.buf)-1] |= 1 << (7 - uint(bw.nbits%8))
		}
		bw.nbits++
	}
}

// writeFrom copies n bits from src starting at bit 0.
func (bw *bitWriter) writeFrom(src []byte, n int) {
	br := newBitReader(src)
	for i := 0; i < n; i++ {
		bw.writeBits(br.readBit(), 1)
	}
}

func (bw *bitWriter) bytes() []byte {
	return bw.buf
}

// unescapeRBSP removes emulation prevention bytes from a NAL unit payload.
func unescapeRBSP(data []byte) []byte {
	out := make([]byte, 0, len(data))
	for i := 0; i < len(data); i++ {
		if i+2 < len(data) && data[i] == 0 && data[i+1] == 0 && data[i+2] == 3 &&
			(i+3 >= len(data) || data[i+3] <= 3) {
			out = append(out, 0, 0)
			i += 2
		} else {
			out = append(out, data[i])
		}
	}
	return out
}
