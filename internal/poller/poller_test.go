package poller

import (
	"testing"

	"golang.org/x/sys/unix"

	"github.com/checkpoint-restore/image-streamer/internal/syspipe"
)

func TestPollReturnsReadyObject(t *testing.T) {
	p, err := New()
	if err != nil {
		t.Fatal(err)
	}
	defer p.Close()

	r, w, err := syspipe.New()
	if err != nil {
		t.Fatal(err)
	}
	defer r.Close()
	defer w.Close()

	key, err := p.Add(r.Fd(), "producer-a", unix.EPOLLIN)
	if err != nil {
		t.Fatal(err)
	}

	if _, err := w.File().Write([]byte("x")); err != nil {
		t.Fatal(err)
	}

	gotKey, obj, ok, err := p.Poll(8)
	if err != nil {
		t.Fatal(err)
	}
	if !ok {
		t.Fatal("Poll reported no ready fd after a write")
	}
	if gotKey != key {
		t.Fatalf("Poll key = %v, want %v", gotKey, key)
	}
	if obj.(string) != "producer-a" {
		t.Fatalf("Poll object = %v, want producer-a", obj)
	}
}

func TestPollEmptyReturnsFalse(t *testing.T) {
	p, err := New()
	if err != nil {
		t.Fatal(err)
	}
	defer p.Close()

	_, _, ok, err := p.Poll(8)
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Fatal("Poll reported readiness with nothing registered")
	}
}

func TestRemoveStopsTracking(t *testing.T) {
	p, err := New()
	if err != nil {
		t.Fatal(err)
	}
	defer p.Close()

	r, w, err := syspipe.New()
	if err != nil {
		t.Fatal(err)
	}
	defer r.Close()
	defer w.Close()

	key, err := p.Add(r.Fd(), "x", unix.EPOLLIN)
	if err != nil {
		t.Fatal(err)
	}
	if p.Len() != 1 {
		t.Fatalf("Len() = %d, want 1", p.Len())
	}
	obj, err := p.Remove(key)
	if err != nil {
		t.Fatal(err)
	}
	if obj.(string) != "x" {
		t.Fatalf("Remove returned %v, want x", obj)
	}
	if p.Len() != 0 {
		t.Fatalf("Len() after Remove = %d, want 0", p.Len())
	}
}
