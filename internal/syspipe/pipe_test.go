package syspipe

import (
	"os"
	"testing"
)

func TestWrapRejectsNonPipe(t *testing.T) {
	f, err := os.CreateTemp("", "syspipe")
	if err != nil {
		t.Fatal(err)
	}
	defer os.Remove(f.Name())
	defer f.Close()

	if _, err := Wrap(int(f.Fd())); err == nil {
		t.Fatal("Wrap succeeded on a regular file, want InvalidDescriptor error")
	}
}

func TestReadableBytesAndSplice(t *testing.T) {
	r, w, err := New()
	if err != nil {
		t.Fatal(err)
	}
	defer r.Close()
	defer w.Close()

	payload := []byte("hello world")
	if _, err := w.File().Write(payload); err != nil {
		t.Fatal(err)
	}

	n, err := r.ReadableBytes()
	if err != nil {
		t.Fatal(err)
	}
	if int(n) != len(payload) {
		t.Fatalf("ReadableBytes() = %d, want %d", n, len(payload))
	}

	dst, err := os.CreateTemp("", "syspipe-dst")
	if err != nil {
		t.Fatal(err)
	}
	defer os.Remove(dst.Name())
	defer dst.Close()

	if err := r.SpliceToFile(dst, len(payload)); err != nil {
		t.Fatal(err)
	}

	got, err := os.ReadFile(dst.Name())
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != string(payload) {
		t.Fatalf("spliced contents = %q, want %q", got, payload)
	}
}

func TestIncreaseCapacityFloor(t *testing.T) {
	r, w, err := New()
	if err != nil {
		t.Fatal(err)
	}
	defer r.Close()
	defer w.Close()

	capacity, err := IncreaseCapacity([]*Pipe{r, w}, int32(PageSize*64))
	if err != nil {
		t.Fatal(err)
	}
	if capacity < int32(PageSize) {
		t.Fatalf("capacity = %d, want >= page size %d", capacity, PageSize)
	}
}
