package coap

import "fmt"

// Block describes a decoded Block1/Block2 option value (RFC 7959 §2.2):
//
//	 0   1   2   3   4   5   6   7
//	+---+---+---+---+---+---+---+---+
//	|  NUM              |M|  SZX    |
//	+---+---+---+---+---+---+---+---+
//
// NUM occupies the high bits (1, 2, or 3 bytes total depending on how large
// NUM is), M is the "more blocks follow" flag, and SZX is the 3-bit size
// exponent: block size in bytes = 2^(SZX+4). SZX=7 is reserved and is
// always rejected by Decode, grounded on
// plgd-dev/go-coap/v2's DecodeBlockOption (see DESIGN.md).
type Block struct {
	Num  uint32
	M    bool
	SZX  uint8
}

// maxSZX is the largest legal (non-reserved) SZX value; SZX=7 is reserved.
const maxSZX = 6

// SZXSize returns the block size in bytes for a given SZX (2^(szx+4)).
func SZXSize(szx uint8) int { return 1 << (szx + 4) }

// SZXFromSize returns the SZX for a power-of-two block size in
// {16,32,64,128,256,512,1024}, or an error if size isn't one of those.
func SZXFromSize(size int) (uint8, error) {
	for szx := uint8(0); szx <= maxSZX; szx++ {
		if SZXSize(szx) == size {
			return szx, nil
		}
	}
	return 0, fmt.Errorf("%w: block size %d is not a supported power of two in [16,1024]", ErrMalformedMessage, size)
}

// EncodeBlock encodes a Block into the minimum number of bytes (1-3) that
// can represent NUM.
func EncodeBlock(b Block) ([]byte, error) {
	if b.SZX > maxSZX {
		return nil, fmt.Errorf("%w: reserved SZX value 7", ErrMalformedMessage)
	}
	v := b.Num << 4
	if b.M {
		v |= 0x8
	}
	v |= uint32(b.SZX)

	switch {
	case v <= 0xFF:
		return []byte{byte(v)}, nil
	case v <= 0xFFFF:
		return []byte{byte(v >> 8), byte(v)}, nil
	case v <= 0xFFFFFF:
		return []byte{byte(v >> 16), byte(v >> 8), byte(v)}, nil
	default:
		return nil, fmt.Errorf("%w: block number %d too large to encode", ErrMalformedMessage, b.Num)
	}
}

// DecodeBlock decodes a 1-3 byte Block1/Block2 option value. It rejects
// SZX=7 per spec.md §3/§4.A.
func DecodeBlock(value []byte) (Block, error) {
	if len(value) == 0 || len(value) > 3 {
		return Block{}, fmt.Errorf("%w: block option must be 1-3 bytes, got %d", ErrMalformedMessage, len(value))
	}
	var v uint32
	for _, b := range value {
		v = v<<8 | uint32(b)
	}
	szx := uint8(v & 0x7)
	if szx > maxSZX {
		return Block{}, fmt.Errorf("%w: reserved SZX value 7", ErrMalformedMessage)
	}
	m := v&0x8 != 0
	num := v >> 4
	return Block{Num: num, M: m, SZX: szx}, nil
}

// BlockOption builds the Option carrying a Block1/Block2 value.
func BlockOption(num OptionNumber, b Block) (Option, error) {
	v, err := EncodeBlock(b)
	if err != nil {
		return Option{}, err
	}
	return Option{Number: num, Value: v}, nil
}

// GetBlock returns the decoded Block1/Block2 option of m, if present.
func (m Message) GetBlock(num OptionNumber) (Block, bool, error) {
	opt, ok := m.GetOption(num)
	if !ok {
		return Block{}, false, nil
	}
	b, err := DecodeBlock(opt.Value)
	if err != nil {
		return Block{}, true, err
	}
	return b, true, nil
}
