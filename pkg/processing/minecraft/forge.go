package minecraft

import "unicode/utf8"

// The modern forge handshake smuggles its mod list through the status
// response as text: every character carries 15 bits of payload. The first
// two characters declare the decoded byte length as low15 | high15<<15.

// Mod is one decoded mod-list entry.
type Mod struct {
	ID     string
	Marker string
}

const ignoreServerOnly = "IGNORESERVERONLY"

// decodePacked unpacks the 15-bits-per-character encoding. The declared
// length only bounds the final flush; inputs carrying more characters than
// the length needs still decode in full.
func decodePacked(encoded string) []byte {
	runes := []rune(encoded)
	if len(runes) < 2 {
		return nil
	}
	size := int(runes[0]) | int(runes[1])<<15

	// the declared size is attacker controlled, so bound the allocation by
	// what the characters can actually carry
	carried := (len(runes)-2)*15/8 + 1
	capacity := size
	if carried < capacity {
		capacity = carried
	}
	out := make([]byte, 0, capacity)

	var buf uint32
	bits := 0
	for _, c := range runes[2:] {
		for bits >= 8 {
			out = append(out, byte(buf))
			buf >>= 8
			bits -= 8
		}
		buf |= (uint32(c) & 0x7FFF) << bits
		bits += 15
	}
	for len(out) < size && bits >= 8 {
		out = append(out, byte(buf))
		buf >>= 8
		bits -= 8
	}
	return out
}

// modReader cursors over the decoded bytes. Every read reports ok=false on
// a short buffer, which aborts the whole decode.
type modReader struct {
	buf []byte
}

func (r *modReader) varint() (uint32, bool) {
	var num uint32
	shift := 0
	for i := 0; i < 5; i++ {
		if len(r.buf) == 0 {
			return 0, false
		}
		b := r.buf[0]
		r.buf = r.buf[1:]
		num |= uint32(b&0x7F) << shift
		if b&0x80 == 0 {
			return num, true
		}
		shift += 7
	}
	return 0, false
}

func (r *modReader) utf() (string, bool) {
	n, ok := r.varint()
	if !ok || len(r.buf) < int(n) {
		return "", false
	}
	s := r.buf[:n]
	r.buf = r.buf[n:]
	if !utf8.Valid(s) {
		return "", false
	}
	return string(s), true
}

func (r *modReader) boolean() (bool, bool) {
	if len(r.buf) == 0 {
		return false, false
	}
	b := r.buf[0]
	r.buf = r.buf[1:]
	return b != 0, true
}

func (r *modReader) u16() (uint16, bool) {
	if len(r.buf) < 2 {
		return 0, false
	}
	v := uint16(r.buf[0])<<8 | uint16(r.buf[1])
	r.buf = r.buf[2:]
	return v, true
}

// DecodeForgeMods decodes the bit-packed mod list embedded in forgeData.d.
// Any short read yields nil; there are never partial lists.
func DecodeForgeMods(encoded string) []Mod {
	decoded := decodePacked(encoded)
	if decoded == nil {
		return nil
	}
	r := &modReader{buf: decoded}

	if _, ok := r.boolean(); !ok { // truncated flag, unused
		return nil
	}
	count, ok := r.u16()
	if !ok {
		return nil
	}

	mods := make([]Mod, 0, count)
	for i := 0; i < int(count); i++ {
		channelSizeAndFlag, ok := r.varint()
		if !ok {
			return nil
		}
		channels := channelSizeAndFlag >> 1
		serverOnly := channelSizeAndFlag&1 != 0

		id, ok := r.utf()
		if !ok {
			return nil
		}
		marker := ignoreServerOnly
		if !serverOnly {
			if marker, ok = r.utf(); !ok {
				return nil
			}
		}

		// channels are read to keep the cursor aligned, then dropped
		for c := uint32(0); c < channels; c++ {
			if _, ok := r.utf(); !ok {
				return nil
			}
			if _, ok := r.utf(); !ok {
				return nil
			}
			if _, ok := r.boolean(); !ok {
				return nil
			}
		}

		mods = append(mods, Mod{ID: id, Marker: marker})
	}
	return mods
}
