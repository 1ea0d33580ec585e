package memory

import (
	"context"
	"fmt"
	"testing"
	"time"
)

func TestBus_PubSub(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	b := NewBus()

	exact, _ := b.Subscribe(ctx, "ch:bargain:succeeded")
	pattern, _ := b.Subscribe(ctx, "ch:session:*")

	_ = b.Publish(ctx, "ch:session:s1", []byte("p1"))
	_ = b.Publish(ctx, "ch:bargain:succeeded", []byte("s1"))

	select {
	case got := <-pattern:
		if string(got) != "p1" {
			t.Errorf("pattern got %q", got)
		}
	case <-time.After(time.Second):
		t.Fatal("pattern subscriber got nothing")
	}
	select {
	case got := <-exact:
		if string(got) != "s1" {
			t.Errorf("exact got %q", got)
		}
	case <-time.After(time.Second):
		t.Fatal("exact subscriber got nothing")
	}
	select {
	case got := <-pattern:
		t.Errorf("pattern got unexpected %q", got)
	default:
	}

	cancel()
	select {
	case _, ok := <-exact:
		if ok {
			t.Error("channel still open after cancel")
		}
	case <-time.After(time.Second):
		t.Fatal("channel not closed after cancel")
	}
}

func TestBus_Streams(t *testing.T) {
	ctx := context.Background()
	b := NewBus()
	fixed := time.UnixMilli(1000)
	b.now = func() time.Time { return fixed }

	for i := range 5 {
		if err := b.StreamAppend(ctx, "st", []byte(fmt.Sprintf("m%d", i))); err != nil {
			t.Fatal(err)
		}
	}

	all, _ := b.StreamRead(ctx, "st", "0-0", 0)
	if len(all) != 5 {
		t.Fatalf("read %d, want 5", len(all))
	}
	if all[0].ID != "1000-0" || all[4].ID != "1000-4" {
		t.Errorf("ids = %s..%s", all[0].ID, all[4].ID)
	}

	page, _ := b.StreamRead(ctx, "st", all[1].ID, 2)
	if len(page) != 2 || string(page[0].Payload) != "m2" {
		t.Errorf("page after %s = %v", all[1].ID, page)
	}

	none, _ := b.StreamRead(ctx, "st", "2000-0", 10)
	if len(none) != 0 {
		t.Errorf("read after future id = %d entries", len(none))
	}
	if _, err := b.StreamRead(ctx, "st", "bogus", 1); err == nil {
		t.Error("expected error for malformed id")
	}
	if missing, err := b.StreamRead(ctx, "nope", "0-0", 1); err != nil || missing != nil {
		t.Errorf("missing stream = %v, %v", missing, err)
	}
}
