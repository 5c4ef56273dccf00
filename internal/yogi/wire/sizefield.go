// Package wire implements the Yogi branch wire codec: the variable-length
// message size prefix, field (de)serialization for the info message, and
// the tagged-union message types exchanged over an established session.
package wire

// MaxSizeFieldLen is the maximum number of bytes the variable-length size
// prefix can occupy.
const MaxSizeFieldLen = 5

// SerializeSize encodes msgSize as a variable-length big-endian-ish field:
// each byte carries 7 payload bits, with the continuation bit (0x80) set on
// every byte but the last. It returns the minimum-length encoding.
func SerializeSize(msgSize uint32) []byte {
	length := 1
	if msgSize >= 1<<7 {
		length++
	}
	if msgSize >= 1<<14 {
		length++
	}
	if msgSize >= 1<<21 {
		length++
	}
	if msgSize >= 1<<28 {
		length++
	}

	buf := make([]byte, length)
	for i := length - 1; i >= 0; i-- {
		b := byte(msgSize & 0x7f)
		msgSize >>= 7
		if i != length-1 {
			b |= 0x80
		}
		buf[i] = b
	}
	return buf
}

// DeserializeSize attempts to decode a size field from the front of buf. It
// returns the decoded value, the number of bytes consumed, and whether
// decoding completed (false means more bytes are needed, up to
// MaxSizeFieldLen total).
func DeserializeSize(buf []byte) (value uint32, consumed int, ok bool) {
	var tmp uint32
	limit := len(buf)
	if limit > MaxSizeFieldLen {
		limit = MaxSizeFieldLen
	}
	for i := 0; i < limit; i++ {
		b := buf[i]
		tmp |= uint32(b &^ 0x80)
		if b&0x80 == 0 {
			return tmp, i + 1, true
		}
		tmp <<= 7
	}
	return 0, limit, false
}
