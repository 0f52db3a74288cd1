package cmsketch

import (
	"encoding/binary"
	"fmt"
	"io"
	"sync"

	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// Compression selects how snapshot payloads are compressed.
type Compression uint8

const (
	// CompressionNone stores counters as-is.
	CompressionNone Compression = 0
	// CompressionLZ4 uses LZ4 block compression (fast).
	CompressionLZ4 Compression = 1
	// CompressionZSTD uses zstd (better ratio, good for mostly-empty sketches).
	CompressionZSTD Compression = 2
)

func (c Compression) String() string {
	switch c {
	case CompressionNone:
		return "none"
	case CompressionLZ4:
		return "lz4"
	case CompressionZSTD:
		return "zstd"
	default:
		return fmt.Sprintf("Compression(%d)", uint8(c))
	}
}

// Snapshot layout, little endian:
//
//	magic      [4]byte "CMSK"
//	version    uint8
//	compress   uint8
//	width      uint32
//	depth      uint32
//	total      uint64
//	underflows uint64
//	rawLen     uint32   bytes of counters once decompressed
//	payloadLen uint32
//	payload    [payloadLen]byte
const (
	snapshotMagic      = "CMSK"
	snapshotVersion    = 1
	snapshotHeaderSize = 4 + 1 + 1 + 4 + 4 + 8 + 8 + 4 + 4
)

var (
	zstdEncoderPool sync.Pool
	zstdDecoderPool sync.Pool
)

func getZstdEncoder() *zstd.Encoder {
	if v := zstdEncoderPool.Get(); v != nil {
		return v.(*zstd.Encoder)
	}
	enc, _ := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	return enc
}

func getZstdDecoder() *zstd.Decoder {
	if v := zstdDecoderPool.Get(); v != nil {
		return v.(*zstd.Decoder)
	}
	dec, _ := zstd.NewReader(nil)
	return dec
}

// Snapshot encodes s, compressing its counters with c. Payloads that do not
// shrink are stored uncompressed.
func Snapshot(s *Sketch, c Compression) ([]byte, error) {
	if s.destroyed {
		return nil, ErrDestroyed
	}

	raw := make([]byte, 4*len(s.cells))
	for i, v := range s.cells {
		binary.LittleEndian.PutUint32(raw[4*i:], v)
	}

	payload, c, err := compress(raw, c)
	if err != nil {
		return nil, err
	}

	out := make([]byte, snapshotHeaderSize, snapshotHeaderSize+len(payload))
	copy(out, snapshotMagic)
	out[4] = snapshotVersion
	out[5] = byte(c)
	binary.LittleEndian.PutUint32(out[6:], s.width)
	binary.LittleEndian.PutUint32(out[10:], s.depth)
	binary.LittleEndian.PutUint64(out[14:], s.total)
	binary.LittleEndian.PutUint64(out[22:], s.underflows)
	binary.LittleEndian.PutUint32(out[30:], uint32(len(raw)))
	binary.LittleEndian.PutUint32(out[34:], uint32(len(payload)))
	return append(out, payload...), nil
}

func compress(raw []byte, c Compression) ([]byte, Compression, error) {
	switch c {
	case CompressionNone:
		return raw, CompressionNone, nil
	case CompressionLZ4:
		dst := make([]byte, lz4.CompressBlockBound(len(raw)))
		n, err := lz4.CompressBlock(raw, dst, nil)
		if err != nil {
			return nil, c, err
		}
		if n == 0 || n >= len(raw) {
			return raw, CompressionNone, nil
		}
		return dst[:n], c, nil
	case CompressionZSTD:
		enc := getZstdEncoder()
		defer zstdEncoderPool.Put(enc)
		dst := enc.EncodeAll(raw, nil)
		if len(dst) >= len(raw) {
			return raw, CompressionNone, nil
		}
		return dst, c, nil
	default:
		return nil, c, fmt.Errorf("cmsketch: unknown compression %v", c)
	}
}

// Restore decodes a sketch produced by Snapshot.
func Restore(data []byte) (*Sketch, error) {
	if len(data) < snapshotHeaderSize || string(data[:4]) != snapshotMagic {
		return nil, ErrCorruptSnapshot
	}
	if data[4] != snapshotVersion {
		return nil, fmt.Errorf("%w: version %d", ErrCorruptSnapshot, data[4])
	}
	c := Compression(data[5])
	width := binary.LittleEndian.Uint32(data[6:])
	depth := binary.LittleEndian.Uint32(data[10:])
	rawLen := binary.LittleEndian.Uint32(data[30:])
	payloadLen := binary.LittleEndian.Uint32(data[34:])

	if cells := uint64(width) * uint64(depth); cells > MaxCells || uint64(rawLen) != 4*cells ||
		uint64(len(data)-snapshotHeaderSize) != uint64(payloadLen) {
		return nil, ErrCorruptSnapshot
	}

	raw, err := decompress(data[snapshotHeaderSize:], int(rawLen), c)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrCorruptSnapshot, err)
	}
	s, err := New(width, depth)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrCorruptSnapshot, err)
	}
	for i := range s.cells {
		s.cells[i] = binary.LittleEndian.Uint32(raw[4*i:])
	}
	s.total = binary.LittleEndian.Uint64(data[14:])
	s.underflows = binary.LittleEndian.Uint64(data[22:])
	return s, nil
}

func decompress(payload []byte, rawLen int, c Compression) ([]byte, error) {
	switch c {
	case CompressionNone:
		if len(payload) != rawLen {
			return nil, fmt.Errorf("payload is %d bytes, want %d", len(payload), rawLen)
		}
		return payload, nil
	case CompressionLZ4:
		raw := make([]byte, rawLen)
		n, err := lz4.UncompressBlock(payload, raw)
		if err != nil {
			return nil, err
		}
		if n != rawLen {
			return nil, fmt.Errorf("decompressed %d bytes, want %d", n, rawLen)
		}
		return raw, nil
	case CompressionZSTD:
		dec := getZstdDecoder()
		defer zstdDecoderPool.Put(dec)
		raw, err := dec.DecodeAll(payload, make([]byte, 0, rawLen))
		if err != nil {
			return nil, err
		}
		if len(raw) != rawLen {
			return nil, fmt.Errorf("decompressed %d bytes, want %d", len(raw), rawLen)
		}
		return raw, nil
	default:
		return nil, fmt.Errorf("unknown compression %v", c)
	}
}

// WriteSnapshot writes the snapshot of s to w.
func WriteSnapshot(w io.Writer, s *Sketch, c Compression) (int64, error) {
	data, err := Snapshot(s, c)
	if err != nil {
		return 0, err
	}
	n, err := w.Write(data)
	return int64(n), err
}

// ReadSnapshot reads one snapshot from r.
func ReadSnapshot(r io.Reader) (*Sketch, error) {
	header := make([]byte, snapshotHeaderSize)
	if _, err := io.ReadFull(r, header); err != nil {
		return nil, err
	}
	cells := uint64(binary.LittleEndian.Uint32(header[6:])) * uint64(binary.LittleEndian.Uint32(header[10:]))
	rawLen := binary.LittleEndian.Uint32(header[30:])
	payloadLen := binary.LittleEndian.Uint32(header[34:])
	// A payload is never larger than the counters it encodes.
	if cells > MaxCells || uint64(rawLen) != 4*cells || payloadLen > rawLen {
		return nil, ErrCorruptSnapshot
	}
	data := make([]byte, snapshotHeaderSize+int(payloadLen))
	copy(data, header)
	if _, err := io.ReadFull(r, data[snapshotHeaderSize:]); err != nil {
		return nil, err
	}
	return Restore(data)
}

// MarshalBinary returns an uncompressed snapshot of s. It also makes
// sketches gob-encodable.
func (s *Sketch) MarshalBinary() ([]byte, error) {
	return Snapshot(s, CompressionNone)
}

// UnmarshalBinary replaces s with the snapshot in data.
func (s *Sketch) UnmarshalBinary(data []byte) error {
	r, err := Restore(data)
	if err != nil {
		return err
	}
	*s = *r
	return nil
}
