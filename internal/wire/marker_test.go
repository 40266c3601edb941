package wire

import (
	"bytes"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestRoundTrip(t *testing.T) {
	markers := []Marker{
		{Seq: 0, Kind: KindFilename, Filename: "file.img"},
		{Seq: 1, Kind: KindFileData, Size: 11},
		{Seq: 2, Kind: KindFileEof},
		{Seq: 3, Kind: KindImageEof},
	}

	var buf bytes.Buffer
	for _, m := range markers {
		if _, err := WriteMarker(&buf, m); err != nil {
			t.Fatal(err)
		}
	}

	for _, want := range markers {
		got, err := ReadMarker(&buf)
		if err != nil {
			t.Fatal(err)
		}
		if got == nil {
			t.Fatal("ReadMarker returned nil before EOF")
		}
		if diff := cmp.Diff(want, *got); diff != "" {
			t.Errorf("marker mismatch (-want +got):\n%s", diff)
		}
	}

	if got, err := ReadMarker(&buf); err != nil || got != nil {
		t.Fatalf("ReadMarker at EOF = (%v, %v), want (nil, nil)", got, err)
	}
}

func TestReadMarkerRejectsOversizedFrame(t *testing.T) {
	var buf bytes.Buffer
	hdr := []byte{0, 0, 1, 0} // length = 0x00010000, way over MaxFrameLen
	buf.Write(hdr)

	if _, err := ReadMarker(&buf); err == nil {
		t.Fatal("ReadMarker accepted an oversized frame length")
	}
}

func TestReadMarkerRejectsTruncatedFrame(t *testing.T) {
	var buf bytes.Buffer
	if _, err := WriteMarker(&buf, Marker{Seq: 0, Kind: KindFileEof}); err != nil {
		t.Fatal(err)
	}
	truncated := buf.Bytes()[:buf.Len()-1]

	if _, err := ReadMarker(bytes.NewReader(truncated)); err == nil {
		t.Fatal("ReadMarker accepted a truncated frame")
	}
}
