package lzma

// DecodeLZMA2 decodes an LZMA2 chunk stream (the chunked framing around
// the raw LZMA1 range coder). It never returns an error: a
// truncated or malformed chunk stream stops decoding and returns
// whatever output was produced so far.
//
// Control byte layout, matching the reference LZMA2 framing:
//
//	0x00            end of stream
//	0x01            uncompressed chunk, reset dictionary
//	0x02            uncompressed chunk, no reset
//	0x80-0xFF       LZMA chunk; bits 5-6 select the reset mode:
//	                  0 - no reset
//	                  1 - reset state
//	                  2 - reset state, new props
//	                  3 - reset state, new props, reset dict
func DecodeLZMA2(src []byte, dictCap int) []byte {
	var d *decoderState
	var out []byte
	pos := 0

	readU16 := func() (int, bool) {
		if pos+2 > len(src) {
			return 0, false
		}
		v := int(src[pos])<<8 | int(src[pos+1])
		pos += 2
		return v, true
	}

	for pos < len(src) {
		control := src[pos]
		pos++

		if control == 0x00 {
			break
		}

		if control < 0x80 {
			if control != 0x01 && control != 0x02 {
				break // invalid control byte
			}
			size, ok := readU16()
			if !ok {
				break
			}
			size++ // encoded as size-1
			if pos+size > len(src) {
				size = len(src) - pos
			}
			if control == 0x01 || d == nil {
				// uncompressed chunk with dictionary reset starts a
				// fresh window; subsequent chunks keep referring to it
				// via the shared decoderState.
				if d == nil {
					d = newDecoderState(Props{}, dictCap)
				} else if control == 0x01 {
					d.win = newWindow(dictCap)
				}
			}
			out = append(out, src[pos:pos+size]...)
			d.win.buf = append(d.win.buf, src[pos:pos+size]...)
			pos += size
			continue
		}

		// LZMA chunk.
		unpackSize := (int(control&0x1F) << 16)
		u, ok := readU16()
		if !ok {
			break
		}
		unpackSize += u
		unpackSize++

		packSize, ok := readU16()
		if !ok {
			break
		}
		packSize++

		resetMode := (control >> 5) & 0x3

		switch {
		case resetMode >= 2:
			// new properties byte follows
			if pos >= len(src) {
				break
			}
			pb := int(src[pos])
			pos++
			lc := pb % 9
			pb /= 9
			lp := pb % 5
			pb /= 5
			props := Props{LC: lc, LP: lp, PB: pb}
			if d == nil || resetMode == 3 {
				d = newDecoderState(props, dictCap)
			} else {
				d.setProps(props)
				d.reset()
			}
		case resetMode == 1:
			if d == nil {
				break
			}
			d.reset()
		default:
			if d == nil {
				break
			}
		}
		if d == nil {
			break
		}

		if pos+packSize > len(src) {
			packSize = len(src) - pos
		}
		chunkSrc := src[pos : pos+packSize]
		pos += packSize

		before := len(d.win.buf)
		rd := newRangeDecoder(chunkSrc)
		d.decodeChunk(rd, unpackSize)
		out = append(out, d.win.buf[before:]...)
	}

	return out
}
