/*
	This file frames wire payloads with optional compression and checksum.
	The first byte packs both choices so a payload is self-describing.
*/

package cube

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"io"

	"github.com/golang/snappy"
	"github.com/klauspost/compress/gzip"
)

// Compression is the compression applied to a framed payload.
// NOTE: must fit in 3 bits of the format byte.
type Compression uint8

const (
	Uncompressed Compression = 0
	Snappy                   = 1 << iota
	Gzip
)

func (c Compression) String() string {
	switch c {
	case Uncompressed:
		return "no compression"
	case Snappy:
		return "snappy compression"
	case Gzip:
		return "gzip compression"
	default:
		return "unknown compression"
	}
}

// Checksum is the error check applied to a framed payload.
// NOTE: must fit in 2 bits of the format byte.
type Checksum uint8

const (
	NoChecksum Checksum = 0
	CRC32               = 1 << iota
)

func (c Checksum) String() string {
	switch c {
	case NoChecksum:
		return "no checksum"
	case CRC32:
		return "CRC32 checksum"
	default:
		return "unknown checksum"
	}
}

// FrameFormat is a single byte combining compression and checksum methods.
type FrameFormat uint8

func EncodeFrameFormat(compress Compression, checksum Checksum) FrameFormat {
	a := (uint8(compress) & 0x07) << 5
	b := (uint8(checksum) & 0x03) << 3
	return FrameFormat(a | b)
}

func DecodeFrameFormat(f FrameFormat) (compress Compression, checksum Checksum) {
	compress = Compression(uint8(f) >> 5)
	checksum = Checksum((uint8(f) >> 3) & 0x03)
	return
}

// Pack frames a slice of bytes using the requested compression and checksum.
func Pack(data []byte, compress Compression, checksum Checksum) ([]byte, error) {
	var buffer bytes.Buffer
	format := EncodeFrameFormat(compress, checksum)
	if err := buffer.WriteByte(byte(format)); err != nil {
		return nil, err
	}

	var packed []byte
	switch compress {
	case Uncompressed:
		packed = data
	case Snappy:
		packed = snappy.Encode(nil, data)
	case Gzip:
		var gzbuf bytes.Buffer
		gzw := gzip.NewWriter(&gzbuf)
		if _, err := gzw.Write(data); err != nil {
			return nil, err
		}
		if err := gzw.Close(); err != nil {
			return nil, err
		}
		packed = gzbuf.Bytes()
	default:
		return nil, fmt.Errorf("illegal compression (%s) during framing", compress)
	}

	switch checksum {
	case NoChecksum:
	case CRC32:
		crc := crc32.ChecksumIEEE(packed)
		if err := binary.Write(&buffer, binary.LittleEndian, crc); err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("illegal checksum (%s) during framing", checksum)
	}

	// Payload goes last, after any checksum, so no length prefix is needed
	// when unpacking.
	if _, err := buffer.Write(packed); err != nil {
		return nil, err
	}
	return buffer.Bytes(), nil
}

// Unpack reverses Pack, verifying any stored checksum and undoing any
// compression.
func Unpack(framed []byte) ([]byte, Compression, error) {
	if len(framed) == 0 {
		return nil, Uncompressed, fmt.Errorf("cannot unpack empty payload")
	}
	compress, checksum := DecodeFrameFormat(FrameFormat(framed[0]))
	rest := framed[1:]

	var storedCRC uint32
	switch checksum {
	case NoChecksum:
	case CRC32:
		if len(rest) < 4 {
			return nil, compress, fmt.Errorf("truncated payload: missing checksum")
		}
		storedCRC = binary.LittleEndian.Uint32(rest[:4])
		rest = rest[4:]
	default:
		return nil, compress, fmt.Errorf("illegal checksum in framed payload")
	}

	if checksum == CRC32 {
		if crc := crc32.ChecksumIEEE(rest); crc != storedCRC {
			return nil, compress, fmt.Errorf("bad checksum: stored %x got %x", storedCRC, crc)
		}
	}

	switch compress {
	case Uncompressed:
		return rest, compress, nil
	case Snappy:
		data, err := snappy.Decode(nil, rest)
		return data, compress, err
	case Gzip:
		gzr, err := gzip.NewReader(bytes.NewReader(rest))
		if err != nil {
			return nil, compress, err
		}
		defer gzr.Close()
		data, err := io.ReadAll(gzr)
		return data, compress, err
	default:
		return nil, compress, fmt.Errorf("illegal compression format (%d) in framed payload", compress)
	}
}
