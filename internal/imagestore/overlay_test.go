package imagestore

import (
	"os"
	"testing"

	"github.com/checkpoint-restore/image-streamer/internal/syspipe"
)

func TestOverlayRoutesRegisteredNameToSuppliedFile(t *testing.T) {
	dir := t.TempDir()
	underlying := NewFSStore(dir)
	store := NewOverlayStore(underlying)

	overlayDst, err := os.CreateTemp("", "overlay-dst")
	if err != nil {
		t.Fatal(err)
	}
	defer os.Remove(overlayDst.Name())
	defer overlayDst.Close()

	store.AddOverlay("file1.ext", overlayDst)

	f, err := store.Create("file1.ext")
	if err != nil {
		t.Fatal(err)
	}

	r, w, err := syspipe.New()
	if err != nil {
		t.Fatal(err)
	}
	defer r.Close()
	defer w.Close()

	payload := []byte("ext file1 data")
	done := make(chan error, 1)
	go func() {
		_, err := w.File().Write(payload)
		done <- err
	}()

	if err := f.WriteAllFromPipe(r, len(payload)); err != nil {
		t.Fatal(err)
	}
	if err := <-done; err != nil {
		t.Fatal(err)
	}
	if err := store.Insert("file1.ext", f); err != nil {
		t.Fatal(err)
	}

	got, err := os.ReadFile(overlayDst.Name())
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != "ext file1 data" {
		t.Fatalf("overlay file contents = %q, want %q", got, payload)
	}
}

func TestOverlayFallsThroughToUnderlying(t *testing.T) {
	dir := t.TempDir()
	store := NewOverlayStore(NewFSStore(dir))

	f, err := store.Create("regular.img")
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := f.(*overlayFile); !ok {
		t.Fatal("Create returned a file not wrapped as overlayFile")
	}
}
