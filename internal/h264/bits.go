package h264

import "errors"

var errBitstreamShort = errors.New("h264: bitstream too short")

type bitReader struct {
	data []byte
	pos  int
	bit  int
}

func newBitReader(data []byte) *bitReader {
	return &bitReader{data: data}
}

func (br *bitReader) readBit() (uint, error) {
	if br.pos >= len(br.data) {
		return 0, errBitstreamShort
	}
	val := uint((br.data[br.pos] >> (7 - br.bit)) & 1)
	br.bit++
	if br.bit == 8 {
		br.bit = 0
		br.pos++
	}
	return val, nil
}

func (br *bitReader) readBits(n int) (uint, error) {
	var val uint
	for i := 0; i < n; i++ {
		b, err := br.readBit()
		if err != nil {
			return 0, err
		}
		val = (val << 1) | b
	}
	return val, nil
}

// readUE reads an unsigned Exp-Golomb coded value (ue(v)).
func (br *bitReader) readUE() (uint, error) {
	zeros := 0
	for {
		b, err := br.readBit()
		if err != nil {
			return 0, err
		}
		if b == 1 {
			break
		}
		zeros++
		if zeros > 31 {
			return 0, errBitstreamShort
		}
	}
	if zeros == 0 {
		return 0, nil
	}
	suffix, err := br.readBits(zeros)
	if err != nil {
		return 0, err
	}
	return (1 << zeros) - 1 + suffix, nil
}

// readSE reads a signed Exp-Golomb coded value (se(v)).
func (br *bitReader) readSE() (int, error) {
	val, err := br.readUE()
	if err != nil {
		return 0, err
	}
	if val%2 == 0 {
		return -int(val / 2), nil
	}
	return int((val + 1) / 2), nil
}

func (br *bitReader) skipScalingList(size int) error {
	lastScale := 8
	nextScale := 8
	for j := 0; j < size; j++ {
		if nextScale != 0 {
			delta, err := br.readSE()
			if err != nil {
				return err
			}
			nextScale = (lastScale + delta + 256) % 256
		}
		if nextScale != 0 {
			lastScale = nextScale
		}
	}
	return nil
}

// bitWriter builds an RBSP bit by bit. Emulation prevention bytes are not
// inserted here; callers apply insertEmulationPrevention to the finished
// RBSP before prepending the NAL header.
type bitWriter struct {
	data []byte
	bit  int
}

func (bw *bitWriter) writeBit(b uint) {
	if bw.bit == 0 {
		bw.data = append(bw.data, 0)
	}
	if b != 0 {
		bw.data[len(bw.data)-1] |= 1 << (7 - bw.bit)
	}
	bw.bit = (bw.bit + 1) % 8
}

func (bw *bitWriter) writeBits(val uint, n int) {
	for i := n - 1; i >= 0; i-- {
		bw.writeBit((val >> i) & 1)
	}
}

// writeUE writes an unsigned Exp-Golomb coded value (ue(v)).
func (bw *bitWriter) writeUE(val uint) {
	v := val + 1
	n := 0
	for t := v; t > 1; t >>= 1 {
		n++
	}
	bw.writeBits(0, n)
	bw.writeBits(v, n+1)
}

// writeSE writes a signed Exp-Golomb coded value (se(v)).
func (bw *bitWriter) writeSE(val int) {
	if val <= 0 {
		bw.writeUE(uint(-val) * 2)
	} else {
		bw.writeUE(uint(val)*2 - 1)
	}
}

// byteAlign pads the current byte with zero bits.
func (bw *bitWriter) byteAlign() {
	for bw.bit != 0 {
		bw.writeBit(0)
	}
}

// writeTrailingBits writes the rbsp_stop_one_bit and alignment zeros.
func (bw *bitWriter) writeTrailingBits() {
	bw.writeBit(1)
	bw.byteAlign()
}

func (bw *bitWriter) bytes() []byte {
	return bw.data
}

// removeEmulationPrevention strips 0x03 emulation prevention bytes from a
// NAL payload, yielding the raw RBSP.
func removeEmulationPrevention(data []byte) []byte {
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

// insertEmulationPrevention inserts 0x03 bytes so that no 0x000000,
// 0x000001, or 0x000002 sequence appears in the NAL payload.
func insertEmulationPrevention(rbsp []byte) []byte {
	out := make([]byte, 0, len(rbsp)+len(rbsp)/64)
	zeros := 0
	for _, b := range rbsp {
		if zeros == 2 && b <= 3 {
			out = append(out, 3)
			zeros = 0
		}
		out = append(out, b)
		if b == 0 {
			zeros++
		} else {
			zeros = 0
		}
	}
	return out
}
