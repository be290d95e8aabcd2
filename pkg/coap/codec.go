package coap

import (
	"fmt"
)

const protocolVersion = 1

// Encode serializes m into a CoAP datagram. maxLen bounds the output size
// (the caller's MTU, spec.md §4.A); pass 0 to skip the bound.
func Encode(m Message, maxLen int) ([]byte, error) {
	if len(m.Token) > MaxTokenLen {
		return nil, fmt.Errorf("%w: token length %d exceeds %d", ErrMalformedMessage, len(m.Token), MaxTokenLen)
	}

	buf := make([]byte, 0, 4+len(m.Token)+len(m.Payload)+16)
	buf = append(buf, byte(protocolVersion<<6)|byte(uint8(m.Type)<<4)|byte(len(m.Token)&0x0f))
	buf = append(buf, byte(m.Code))
	buf = append(buf, byte(m.MID>>8), byte(m.MID))
	buf = append(buf, m.Token...)

	if !isAscending(m.Options) {
		return nil, fmt.Errorf("%w: options not in ascending order", ErrMalformedMessage)
	}

	var lastNum OptionNumber
	for _, opt := range m.Options {
		delta := int(opt.Number) - int(lastNum)
		var err error
		buf, err = appendOption(buf, delta, opt.Value)
		if err != nil {
			return nil, err
		}
		lastNum = opt.Number
	}

	if len(m.Payload) > 0 {
		buf = append(buf, 0xFF)
		buf = append(buf, m.Payload...)
	}

	if maxLen > 0 && len(buf) > maxLen {
		return nil, fmt.Errorf("%w: encoded length %d exceeds max %d", ErrMalformedMessage, len(buf), maxLen)
	}
	return buf, nil
}

func isAscending(opts []Option) bool {
	for i := 1; i < len(opts); i++ {
		if opts[i].Number < opts[i-1].Number {
			return false
		}
	}
	return true
}

// appendOption appends one option's delta+length nibble encoding (with
// 13/14-bit extension bytes, RFC 7252 §3.1) and value bytes to buf.
func appendOption(buf []byte, delta int, value []byte) ([]byte, error) {
	length := len(value)
	if delta < 0 {
		return nil, fmt.Errorf("%w: negative option delta %d", ErrMalformedMessage, delta)
	}

	deltaNibble, deltaExt, err := splitNibble(delta)
	if err != nil {
		return nil, fmt.Errorf("%w: option delta %d: %v", ErrMalformedMessage, delta, err)
	}
	lengthNibble, lengthExt, err := splitNibble(length)
	if err != nil {
		return nil, fmt.Errorf("%w: option length %d: %v", ErrMalformedMessage, length, err)
	}

	buf = append(buf, byte(deltaNibble<<4)|byte(lengthNibble))
	buf = append(buf, deltaExt...)
	buf = append(buf, lengthExt...)
	buf = append(buf, value...)
	return buf, nil
}

// splitNibble computes the 4-bit nibble and any extension bytes for a
// delta or length value per RFC 7252 §3.1:
//
//	0..12      -> nibble = value, no extension
//	13..268     -> nibble = 13, 1 extension byte = value-13
//	269..65804  -> nibble = 14, 2 extension bytes (big-endian) = value-269
//	>= 65805    -> impossible (nibble 15 is reserved for the payload marker)
func splitNibble(value int) (nibble int, ext []byte, err error) {
	switch {
	case value < 13:
		return value, nil, nil
	case value < 269:
		return 13, []byte{byte(value - 13)}, nil
	case value < 65805:
		v := value - 269
		return 14, []byte{byte(v >> 8), byte(v)}, nil
	default:
		return 0, nil, fmt.Errorf("value %d too large to encode", value)
	}
}

// Decode parses a CoAP datagram into a Message. It rejects any malformed
// input per spec.md §4.A: bad version, reserved token length, reserved
// delta/length nibble (15) outside the payload marker, a payload marker
// with no following bytes, and trailing garbage after a well-formed
// message.
func Decode(buf []byte) (Message, error) {
	if len(buf) < 4 {
		return Message{}, fmt.Errorf("%w: datagram shorter than header (%d bytes)", ErrMalformedMessage, len(buf))
	}

	version := buf[0] >> 6
	if version != protocolVersion {
		return Message{}, fmt.Errorf("%w: version %d", ErrMalformedMessage, version)
	}
	typ := Type((buf[0] >> 4) & 0x03)
	tokenLen := int(buf[0] & 0x0f)
	if tokenLen > MaxTokenLen {
		return Message{}, fmt.Errorf("%w: reserved token length %d", ErrMalformedMessage, tokenLen)
	}
	code := Code(buf[1])
	mid := uint16(buf[2])<<8 | uint16(buf[3])

	pos := 4
	if pos+tokenLen > len(buf) {
		return Message{}, fmt.Errorf("%w: token truncated", ErrMalformedMessage)
	}
	var token []byte
	if tokenLen > 0 {
		token = append([]byte(nil), buf[pos:pos+tokenLen]...)
	}
	pos += tokenLen

	var options []Option
	lastNum := OptionNumber(0)
	for pos < len(buf) {
		first := buf[pos]
		if first == 0xFF {
			pos++
			if pos >= len(buf) {
				return Message{}, fmt.Errorf("%w: payload marker with no payload", ErrMalformedMessage)
			}
			payload := append([]byte(nil), buf[pos:]...)
			return Message{Type: typ, Code: code, MID: mid, Token: token, Options: options, Payload: payload}, nil
		}

		deltaNibble := int(first >> 4)
		lengthNibble := int(first & 0x0f)
		pos++

		delta, pos2, err := readNibbleValue(buf, pos, deltaNibble)
		if err != nil {
			return Message{}, err
		}
		pos = pos2
		length, pos3, err := readNibbleValue(buf, pos, lengthNibble)
		if err != nil {
			return Message{}, err
		}
		pos = pos3

		if pos+length > len(buf) {
			return Message{}, fmt.Errorf("%w: option value truncated", ErrMalformedMessage)
		}
		value := append([]byte(nil), buf[pos:pos+length]...)
		pos += length

		lastNum += OptionNumber(delta)
		options = append(options, Option{Number: lastNum, Value: value})
	}

	return Message{Type: typ, Code: code, MID: mid, Token: token, Options: options, Payload: nil}, nil
}

// readNibbleValue reads the extension bytes (if any) implied by a 4-bit
// nibble starting at buf[pos], returning the resolved value and the new
// position. Nibble 15 is reserved (only legal as the 0xFF payload marker,
// handled by the caller before this is reached) and is rejected here.
func readNibbleValue(buf []byte, pos int, nibble int) (value int, newPos int, err error) {
	switch {
	case nibble < 13:
		return nibble, pos, nil
	case nibble == 13:
		if pos >= len(buf) {
			return 0, pos, fmt.Errorf("%w: truncated 13-extension byte", ErrMalformedMessage)
		}
		return int(buf[pos]) + 13, pos + 1, nil
	case nibble == 14:
		if pos+2 > len(buf) {
			return 0, pos, fmt.Errorf("%w: truncated 14-extension bytes", ErrMalformedMessage)
		}
		return (int(buf[pos])<<8 | int(buf[pos+1])) + 269, pos + 2, nil
	default: // 15
		return 0, pos, fmt.Errorf("%w: reserved nibble value 15", ErrMalformedMessage)
	}
}
