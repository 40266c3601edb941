// Package wire implements the chunked marker codec: length-prefixed
// frames carrying a protobuf-style encoded marker record, as read and
// written on shard pipes.
package wire

import (
	"encoding/binary"
	"io"

	"google.golang.org/protobuf/encoding/protowire"
	"golang.org/x/xerrors"

	"github.com/checkpoint-restore/image-streamer/internal/streamerr"
)

// MaxFrameLen is the exclusive sanity cap on a marker frame's
// declared length: a valid frame is strictly shorter.
const MaxFrameLen = 10 * 1024

// field numbers for the on-wire marker record.
const (
	fieldSeq      = 1
	fieldFilename = 2
	fieldFileData = 3
	fieldFileEof  = 4
	fieldImageEof = 5
)

// Kind identifies which body variant a Marker carries.
type Kind int

const (
	KindFilename Kind = iota
	KindFileData
	KindFileEof
	KindImageEof
)

// Marker is a tagged record carrying a sequence number and exactly
// one body variant.
type Marker struct {
	Seq      uint64
	Kind     Kind
	Filename string // valid when Kind == KindFilename
	Size     uint32 // valid when Kind == KindFileData
}

// Encode serializes m as a protobuf-style record (without a length
// prefix); callers use this to size a frame before writing it.
func Encode(m Marker) []byte {
	var b []byte
	b = protowire.AppendTag(b, fieldSeq, protowire.VarintType)
	b = protowire.AppendVarint(b, m.Seq)
	switch m.Kind {
	case KindFilename:
		b = protowire.AppendTag(b, fieldFilename, protowire.BytesType)
		b = protowire.AppendString(b, m.Filename)
	case KindFileData:
		b = protowire.AppendTag(b, fieldFileData, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(m.Size))
	case KindFileEof:
		b = protowire.AppendTag(b, fieldFileEof, protowire.VarintType)
		b = protowire.AppendVarint(b, 1)
	case KindImageEof:
		b = protowire.AppendTag(b, fieldImageEof, protowire.VarintType)
		b = protowire.AppendVarint(b, 1)
	}
	return b
}

// WriteMarker writes m to w as a u32-little-endian-length-prefixed
// frame and returns the total number of bytes written (frame header
// plus body), which the caller debits against a shard's remaining
// pipe budget.
func WriteMarker(w io.Writer, m Marker) (int, error) {
	body := Encode(m)
	if len(body) >= MaxFrameLen {
		return 0, streamerr.New(streamerr.MalformedFrame, "marker body %d bytes reaches sanity cap %d", len(body), MaxFrameLen)
	}
	var hdr [4]byte
	binary.LittleEndian.PutUint32(hdr[:], uint32(len(body)))
	if _, err := w.Write(hdr[:]); err != nil {
		return 0, streamerr.Wrap(streamerr.SystemError, xerrors.Errorf("writing frame header: %v", err))
	}
	if _, err := w.Write(body); err != nil {
		return 0, streamerr.Wrap(streamerr.SystemError, xerrors.Errorf("writing frame body: %v", err))
	}
	return len(hdr) + len(body), nil
}

// ReadMarker reads one frame from r and decodes it. It returns
// (nil, nil) at a clean end of stream (no bytes at all could be read
// for the length prefix), and a MalformedFrame-wrapped error for a
// truncated frame, an oversized length, or an undecodable body.
func ReadMarker(r io.Reader) (*Marker, error) {
	var hdr [4]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		if err == io.EOF {
			return nil, nil
		}
		return nil, streamerr.Wrap(streamerr.MalformedFrame, xerrors.Errorf("reading frame header: %v", err))
	}
	length := binary.LittleEndian.Uint32(hdr[:])
	if length >= MaxFrameLen {
		return nil, streamerr.New(streamerr.MalformedFrame, "frame length %d reaches sanity cap %d", length, MaxFrameLen)
	}
	body := make([]byte, length)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, streamerr.Wrap(streamerr.MalformedFrame, xerrors.Errorf("reading frame body (declared %d bytes): %v", length, err))
	}
	return Decode(body)
}

// Decode parses a marker body produced by Encode.
func Decode(body []byte) (*Marker, error) {
	var m Marker
	var sawSeq, sawBody bool
	for len(body) > 0 {
		num, typ, n := protowire.ConsumeTag(body)
		if n < 0 {
			return nil, streamerr.Wrap(streamerr.MalformedFrame, xerrors.Errorf("consuming tag: %v", protowire.ParseError(n)))
		}
		body = body[n:]
		switch num {
		case fieldSeq:
			v, n := protowire.ConsumeVarint(body)
			if n < 0 {
				return nil, streamerr.New(streamerr.MalformedFrame, "decoding seq varint")
			}
			body = body[n:]
			m.Seq = v
			sawSeq = true
		case fieldFilename:
			v, n := protowire.ConsumeBytes(body)
			if n < 0 {
				return nil, streamerr.New(streamerr.MalformedFrame, "decoding filename bytes")
			}
			body = body[n:]
			m.Kind = KindFilename
			m.Filename = string(v)
			sawBody = true
		case fieldFileData:
			v, n := protowire.ConsumeVarint(body)
			if n < 0 {
				return nil, streamerr.New(streamerr.MalformedFrame, "decoding file_data varint")
			}
			body = body[n:]
			m.Kind = KindFileData
			m.Size = uint32(v)
			sawBody = true
		case fieldFileEof:
			_, n := protowire.ConsumeVarint(body)
			if n < 0 {
				return nil, streamerr.New(streamerr.MalformedFrame, "decoding file_eof varint")
			}
			body = body[n:]
			m.Kind = KindFileEof
			sawBody = true
		case fieldImageEof:
			_, n := protowire.ConsumeVarint(body)
			if n < 0 {
				return nil, streamerr.New(streamerr.MalformedFrame, "decoding image_eof varint")
			}
			body = body[n:]
			m.Kind = KindImageEof
			sawBody = true
		default:
			n := protowire.ConsumeFieldValue(num, typ, body)
			if n < 0 {
				return nil, streamerr.New(streamerr.MalformedFrame, "skipping unknown field %d", num)
			}
			body = body[n:]
		}
	}
	if !sawSeq || !sawBody {
		return nil, streamerr.New(streamerr.MalformedFrame, "marker missing seq or body variant")
	}
	return &m, nil
}
