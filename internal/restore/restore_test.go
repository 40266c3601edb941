package restore

import (
	"os"
	"testing"

	"github.com/checkpoint-restore/image-streamer/internal/imagestore"
	"github.com/checkpoint-restore/image-streamer/internal/syspipe"
	"github.com/checkpoint-restore/image-streamer/internal/wire"
)

func mustPipe(t *testing.T) (*syspipe.Pipe, *syspipe.Pipe) {
	t.Helper()
	r, w, err := syspipe.New()
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() {
		r.Close()
		w.Close()
	})
	return r, w
}

// writeMarkers writes a sequence of markers (with optional payload
// data immediately following a FileData marker) to w, assigning
// sequential sequence numbers starting at 0.
func writeMarkers(t *testing.T, w *syspipe.Pipe, markers []wire.Marker, payloads map[uint64][]byte) {
	t.Helper()
	for i := range markers {
		markers[i].Seq = uint64(i)
		if _, err := wire.WriteMarker(w.File(), markers[i]); err != nil {
			t.Fatal(err)
		}
		if p, ok := payloads[markers[i].Seq]; ok {
			if _, err := w.File().Write(p); err != nil {
				t.Fatal(err)
			}
		}
	}
}

func TestDeserializerSingleShardRoundTrip(t *testing.T) {
	shardR, shardW := mustPipe(t)

	payload := []byte("hello world")
	markers := []wire.Marker{
		{Kind: wire.KindFilename, Filename: "file.img"},
		{Kind: wire.KindFileData, Size: uint32(len(payload))},
		{Kind: wire.KindFileEof},
		{Kind: wire.KindImageEof},
	}
	done := make(chan struct{})
	go func() {
		writeMarkers(t, shardW, markers, map[uint64][]byte{1: payload})
		shardW.Close()
		close(done)
	}()

	dir := t.TempDir()
	store := imagestore.NewFSStore(dir)
	d := NewDeserializer(store, []*syspipe.Pipe{shardR})
	if err := d.DrainAll(); err != nil {
		t.Fatal(err)
	}
	<-done

	got, err := os.ReadFile(dir + "/file.img")
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != string(payload) {
		t.Fatalf("file contents = %q, want %q", got, payload)
	}
}

func TestDeserializerReassemblesOutOfOrderShards(t *testing.T) {
	shard0R, shard0W := mustPipe(t)
	shard1R, shard1W := mustPipe(t)

	// seq 0 and 2 land on shard 0, seq 1 and 3 on shard 1, so
	// shard-local order differs from global sequence order.
	m0 := wire.Marker{Seq: 0, Kind: wire.KindFilename, Filename: "a.img"}
	m2 := wire.Marker{Seq: 2, Kind: wire.KindFileEof}
	m1 := wire.Marker{Seq: 1, Kind: wire.KindFileData, Size: 4}
	m3 := wire.Marker{Seq: 3, Kind: wire.KindImageEof}

	done := make(chan struct{})
	go func() {
		wire.WriteMarker(shard0W.File(), m0)
		wire.WriteMarker(shard0W.File(), m2)
		shard0W.Close()

		wire.WriteMarker(shard1W.File(), m1)
		shard1W.File().Write([]byte("data"))
		wire.WriteMarker(shard1W.File(), m3)
		shard1W.Close()
		close(done)
	}()

	dir := t.TempDir()
	store := imagestore.NewFSStore(dir)
	d := NewDeserializer(store, []*syspipe.Pipe{shard0R, shard1R})
	if err := d.DrainAll(); err != nil {
		t.Fatal(err)
	}
	<-done

	got, err := os.ReadFile(dir + "/a.img")
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != "data" {
		t.Fatalf("file contents = %q, want %q", got, "data")
	}
}

func TestDrainShardsIntoStoreRoutesOverlayFiles(t *testing.T) {
	shardR, shardW := mustPipe(t)

	extPayload := []byte("ext file1 data")
	reassembledPayload := []byte("regular data")
	markers := []wire.Marker{
		{Kind: wire.KindFilename, Filename: "file1.ext"},
		{Kind: wire.KindFileData, Size: uint32(len(extPayload))},
		{Kind: wire.KindFileEof},
		{Kind: wire.KindFilename, Filename: "regular.img"},
		{Kind: wire.KindFileData, Size: uint32(len(reassembledPayload))},
		{Kind: wire.KindFileEof},
		{Kind: wire.KindImageEof},
	}
	done := make(chan struct{})
	go func() {
		writeMarkers(t, shardW, markers, map[uint64][]byte{1: extPayload, 4: reassembledPayload})
		shardW.Close()
		close(done)
	}()

	extDst, err := os.CreateTemp(t.TempDir(), "file1.ext")
	if err != nil {
		t.Fatal(err)
	}
	defer extDst.Close()

	dir := t.TempDir()
	store := imagestore.NewFSStore(dir)
	overlay := map[string]*os.File{"file1.ext": extDst}
	if _, err := DrainShardsIntoStore(store, []*syspipe.Pipe{shardR}, overlay); err != nil {
		t.Fatal(err)
	}
	<-done

	gotExt, err := os.ReadFile(extDst.Name())
	if err != nil {
		t.Fatal(err)
	}
	if string(gotExt) != string(extPayload) {
		t.Fatalf("overlay file contents = %q, want %q", gotExt, extPayload)
	}

	gotRegular, err := os.ReadFile(dir + "/regular.img")
	if err != nil {
		t.Fatal(err)
	}
	if string(gotRegular) != string(reassembledPayload) {
		t.Fatalf("regular.img contents = %q, want %q", gotRegular, reassembledPayload)
	}
	if _, err := os.Stat(dir + "/file1.ext"); err == nil {
		t.Fatal("file1.ext was written into the store despite being overlaid")
	}
}

func TestDeserializerRejectsImageEofWithPendingFile(t *testing.T) {
	shardR, shardW := mustPipe(t)

	markers := []wire.Marker{
		{Kind: wire.KindFilename, Filename: "file.img"},
		{Kind: wire.KindImageEof},
	}
	done := make(chan struct{})
	go func() {
		writeMarkers(t, shardW, markers, nil)
		shardW.Close()
		close(done)
	}()

	dir := t.TempDir()
	store := imagestore.NewFSStore(dir)
	d := NewDeserializer(store, []*syspipe.Pipe{shardR})
	if err := d.DrainAll(); err == nil {
		t.Fatal("DrainAll accepted an ImageEof marker with an open file")
	}
	<-done
}
