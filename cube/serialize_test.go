package cube

import (
	"bytes"
	"math/rand"
	"testing"
)

func randBytes(n int) []byte {
	b := make([]byte, n)
	src := rand.New(rand.NewSource(int64(n)))
	src.Read(b)
	return b
}

func TestPackUnpack(t *testing.T) {
	payloads := [][]byte{
		[]byte("x"),
		[]byte("the quick brown fox"),
		randBytes(1 << 14),
	}
	for _, compress := range []Compression{Uncompressed, Snappy, Gzip} {
		for _, checksum := range []Checksum{NoChecksum, CRC32} {
			for _, data := range payloads {
				framed, err := Pack(data, compress, checksum)
				if err != nil {
					t.Fatalf("Pack(%s, %s): %v", compress, checksum, err)
				}
				got, gotCompress, err := Unpack(framed)
				if err != nil {
					t.Fatalf("Unpack(%s, %s): %v", compress, checksum, err)
				}
				if gotCompress != compress {
					t.Errorf("expected %s, got %s", compress, gotCompress)
				}
				if !bytes.Equal(got, data) {
					t.Errorf("%s/%s: unpacked %d bytes != original %d bytes",
						compress, checksum, len(got), len(data))
				}
			}
		}
	}
}

func TestUnpackDetectsCorruption(t *testing.T) {
	data := randBytes(4096)
	framed, err := Pack(data, Snappy, CRC32)
	if err != nil {
		t.Fatal(err)
	}
	// Flip a bit in the compressed body, past format byte and checksum.
	framed[len(framed)-10] ^= 0x40
	if _, _, err := Unpack(framed); err == nil {
		t.Error("expected checksum failure on corrupted payload")
	}
}

func TestUnpackRejectsTruncation(t *testing.T) {
	if _, _, err := Unpack(nil); err == nil {
		t.Error("expected error on empty payload")
	}
	framed, err := Pack([]byte("hello"), Uncompressed, CRC32)
	if err != nil {
		t.Fatal(err)
	}
	if _, _, err := Unpack(framed[:3]); err == nil {
		t.Error("expected error on payload shorter than its checksum")
	}
}

func TestFrameFormatRoundTrip(t *testing.T) {
	for _, compress := range []Compression{Uncompressed, Snappy, Gzip} {
		for _, checksum := range []Checksum{NoChecksum, CRC32} {
			f := EncodeFrameFormat(compress, checksum)
			gotCompress, gotChecksum := DecodeFrameFormat(f)
			if gotCompress != compress || gotChecksum != checksum {
				t.Errorf("format byte %08b decoded to (%s, %s), want (%s, %s)",
					f, gotCompress, gotChecksum, compress, checksum)
			}
		}
	}
}
