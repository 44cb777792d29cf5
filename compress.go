package kclist

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"hash/adler32"

	"github.com/blacktop/lzss"
)

// Encoding describes how a region's bytes are stored.
type Encoding int

const (
	// EncodingNone means the bytes are stored verbatim.
	EncodingNone Encoding = iota
	// EncodingLZSS means the bytes carry a "comp"/"lzss" header.
	EncodingLZSS
	// EncodingLZVN means the bytes carry a "comp"/"lzvn" header.
	EncodingLZVN
	// EncodingUnknown means the bytes carry a "comp" header with an unrecognized codec tag.
	EncodingUnknown
)

func (e Encoding) String() string {
	switch e {
	case EncodingNone:
		return "none"
	case EncodingLZSS:
		return "lzss"
	case EncodingLZVN:
		return "lzvn"
	case EncodingUnknown:
		return "unknown"
	default:
		return fmt.Sprintf("Encoding(%d)", e)
	}
}

// Compression header layout (big-endian):
//
//	0x000 signature         "comp"
//	0x004 compress_type     "lzss" | "lzvn"
//	0x008 adler32           checksum of the uncompressed data
//	0x00c uncompressed_size
//	0x010 compressed_size
//	0x014 reserved[11], platform_name[64], root_path[256]
//	0x180 data
const (
	compSignature     = 0x636f6d70 // "comp"
	compTypeLZSS      = 0x6c7a7373 // "lzss"
	compTypeLZVN      = 0x6c7a766e // "lzvn"
	compHeaderSize    = 0x180
	compMinHeaderSize = 0x14
)

// DefaultMaxDecompressedSize bounds the declared uncompressed size of any
// compressed payload.
const DefaultMaxDecompressedSize = 256 << 20

// lzssMaxExpansion is the worst-case LZSS output/input ratio: one flag byte
// followed by eight 2-byte references of up to 18 bytes each.
const lzssMaxExpansion = 9

// Codec decompresses a payload whose uncompressed size is known.
type Codec interface {
	Decompress(src []byte, size int) ([]byte, error)
}

// CodecFunc adapts a function to [Codec].
type CodecFunc func(src []byte, size int) ([]byte, error)

func (f CodecFunc) Decompress(src []byte, size int) ([]byte, error) {
	return f(src, size)
}

type lzssCodec struct{}

func (lzssCodec) Decompress(src []byte, size int) ([]byte, error) {
	if size > len(src)*lzssMaxExpansion {
		return nil, fmt.Errorf("declared size %d exceeds maximum lzss expansion of %d input bytes", size, len(src))
	}
	// The decoder expands the whole stream, so a stream longer than any
	// encoding of size bytes is refused before decoding.
	if n := lzssMaxStreamSize(size); len(src) > n {
		return nil, fmt.Errorf("payload of %d bytes exceeds %d, the most an lzss stream of %d bytes needs", len(src), n, size)
	}
	out := lzss.Decompress(src)
	if len(out) < size {
		return nil, fmt.Errorf("truncated lzss stream: got %d bytes, want %d", len(out), size)
	}
	return out[:size], nil
}

// lzssMaxStreamSize is the length of a literal-only stream of size bytes:
// one flag byte per group of eight literals.
func lzssMaxStreamSize(size int) int {
	return (size + 7) / 8 * 9
}

// defaultCodecs holds the codecs available without configuration.
// LZVN is recognized but has no implementation.
func defaultCodecs() map[Encoding]Codec {
	return map[Encoding]Codec{
		EncodingLZSS: lzssCodec{},
	}
}

type compHeader struct {
	Signature        uint32
	Type             uint32
	Adler32          uint32
	UncompressedSize uint32
	CompressedSize   uint32
}

// detectEncoding inspects the first bytes of data for a compression header.
func detectEncoding(data []byte) Encoding {
	if len(data) < 4 || binary.BigEndian.Uint32(data) != compSignature {
		return EncodingNone
	}
	if len(data) < 8 {
		return EncodingUnknown
	}
	switch binary.BigEndian.Uint32(data[4:]) {
	case compTypeLZSS:
		return EncodingLZSS
	case compTypeLZVN:
		return EncodingLZVN
	default:
		return EncodingUnknown
	}
}

// decompressor validates compression headers and dispatches to codecs.
type decompressor struct {
	codecs  map[Encoding]Codec
	maxSize int64
}

// decode returns data verbatim when it carries no compression header, and
// otherwise the validated, decompressed payload. name identifies the payload
// in errors.
func (d *decompressor) decode(name string, data []byte) ([]byte, Encoding, error) {
	enc := detectEncoding(data)
	if enc == EncodingNone {
		return data, enc, nil
	}
	if len(data) < compMinHeaderSize {
		return nil, enc, errorAt(KindDecompression, name, 0, fmt.Errorf("truncated compression header"))
	}

	var hdr compHeader
	if err := binary.Read(bytes.NewReader(data[:compMinHeaderSize]), binary.BigEndian, &hdr); err != nil {
		return nil, enc, errorAt(KindDecompression, name, 0, err)
	}

	codec, ok := d.codecs[enc]
	if !ok {
		var tag [4]byte
		binary.BigEndian.PutUint32(tag[:], hdr.Type)
		return nil, enc, errorAt(KindDecompression, name, 4, fmt.Errorf("unsupported codec %q", printable(tag[:])))
	}
	if len(data) < compHeaderSize {
		return nil, enc, errorAt(KindDecompression, name, 0, fmt.Errorf("truncated compression header: %d bytes", len(data)))
	}
	if hdr.UncompressedSize == 0 {
		return nil, enc, errorAt(KindDecompression, name, 0xc, fmt.Errorf("zero uncompressed size"))
	}
	if int64(hdr.UncompressedSize) > d.maxSize {
		return nil, enc, errorAt(KindDecompression, name, 0xc,
			fmt.Errorf("declared uncompressed size %d exceeds limit %d", hdr.UncompressedSize, d.maxSize))
	}
	payload := data[compHeaderSize:]
	if uint64(hdr.CompressedSize) > uint64(len(payload)) {
		return nil, enc, errorAt(KindDecompression, name, 0x10,
			fmt.Errorf("truncated payload: header declares %d bytes, %d available", hdr.CompressedSize, len(payload)))
	}
	payload = payload[:hdr.CompressedSize]

	out, err := codec.Decompress(payload, int(hdr.UncompressedSize))
	if err != nil {
		return nil, enc, errorAt(KindDecompression, name, compHeaderSize, err)
	}
	if len(out) != int(hdr.UncompressedSize) {
		return nil, enc, errorAt(KindDecompression, name, compHeaderSize,
			fmt.Errorf("decompressed %d bytes, header declares %d", len(out), hdr.UncompressedSize))
	}
	if sum := adler32.Checksum(out); sum != hdr.Adler32 {
		return nil, enc, errorAt(KindDecompression, name, 0x8,
			fmt.Errorf("adler32 mismatch: computed 0x%08x, header 0x%08x", sum, hdr.Adler32))
	}
	return out, enc, nil
}

func printable(b []byte) string {
	out := make([]byte, len(b))
	for i, c := range b {
		if c < 0x20 || c > 0x7e {
			c = '.'
		}
		out[i] = c
	}
	return string(out)
}
