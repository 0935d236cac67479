// Package lz4 implements the LZ4 block and frame codecs firmcore needs:
// EROFS compressed clusters decode raw LZ4 blocks, and stand-alone LZ4
// frame streams (magic 0x184D2204) appear as a transport codec elsewhere
// in the stack.
//
// Decompression is delegated to github.com/pierrec/lz4/v4, which already
// implements this wire format bit-for-bit; this package exists to adapt
// that library's ordinary error-returning behavior to a never-panic,
// never-error contract: DecodeFrame keeps the output of the blocks decoded
// before a bad record, while a malformed block decodes to nothing.
package lz4

import (
	"encoding/binary"
	"io"

	pierrec "github.com/pierrec/lz4/v4"
)

const FrameMagic uint32 = 0x184D2204

// DecodeBlock decompresses src (one LZ4 block, as used standalone and by
// EROFS compressed clusters) into a buffer of at most maxDestSize bytes.
// It never panics and never returns an error: on any malformed input it
// returns an empty slice; no partially decoded prefix is returned.
func DecodeBlock(src []byte, maxDestSize int) []byte {
	if maxDestSize <= 0 {
		return nil
	}
	dst := make([]byte, maxDestSize)
	n := decodeBlockSafe(src, dst)
	return dst[:n]
}

func decodeBlockSafe(src, dst []byte) (n int) {
	defer func() {
		if recover() != nil {
			// pierrec/lz4 panics on some malformed inputs (e.g. a match
			// offset pointing before the start of dst); degrade to
			// "nothing usable decoded" rather than propagate.
			n = 0
		}
	}()
	got, err := pierrec.UncompressBlock(src, dst)
	if err != nil {
		return 0
	}
	return got
}

// blockSizeForBD maps an LZ4 frame BD block-size-ID (4..7) to the maximum
// size of a compressed block in that frame.
func blockSizeForBD(id byte) int {
	switch id {
	case 4:
		return 64 << 10
	case 5:
		return 256 << 10
	case 6:
		return 1 << 20
	case 7:
		return 4 << 20
	default:
		return 0
	}
}

// DecodeFrame decodes an entire LZ4 frame (magic, FLG/BD, optional
// content size, block-size-prefixed block records) read from r. It stops
// at the first terminating zero-size block record, at EOF, or at any
// malformed record, returning whatever output was produced so far.
func DecodeFrame(r io.Reader) []byte {
	var out []byte

	var magic [4]byte
	if _, err := io.ReadFull(r, magic[:]); err != nil {
		return out
	}
	if binary.LittleEndian.Uint32(magic[:]) != FrameMagic {
		return out
	}

	var flgbd [2]byte
	if _, err := io.ReadFull(r, flgbd[:]); err != nil {
		return out
	}
	flg, bd := flgbd[0], flgbd[1]

	contentSizePresent := flg&(1<<3) != 0
	blockChecksumPresent := flg&(1<<4) != 0
	bdID := (bd >> 4) & 0x7

	maxBlockSize := blockSizeForBD(bdID)
	if maxBlockSize == 0 {
		return out
	}

	if contentSizePresent {
		var sz [8]byte
		if _, err := io.ReadFull(r, sz[:]); err != nil {
			return out
		}
	}

	// header checksum byte
	var hc [1]byte
	if _, err := io.ReadFull(r, hc[:]); err != nil {
		return out
	}

	for {
		var szb [4]byte
		if _, err := io.ReadFull(r, szb[:]); err != nil {
			return out
		}
		raw := binary.LittleEndian.Uint32(szb[:])
		if raw == 0 {
			return out // end of frame
		}
		uncompressed := raw&(1<<31) != 0
		size := raw &^ (1 << 31)
		if int(size) > maxBlockSize*2 {
			return out // absurd size, bail out with what we have
		}

		buf := make([]byte, size)
		if _, err := io.ReadFull(r, buf); err != nil {
			return out
		}

		if blockChecksumPresent {
			var bc [4]byte
			if _, err := io.ReadFull(r, bc[:]); err != nil {
				return out
			}
		}

		if uncompressed {
			out = append(out, buf...)
			continue
		}
		out = append(out, DecodeBlock(buf, maxBlockSize)...)
	}
}
