package memory

import (
	"context"
	"fmt"
	"path"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/alanyoungcy/pricecut/internal/domain"
)

const (
	busBuffer       = 256
	busStreamMaxLen = 10000
)

// Bus implements domain.SignalBus in process. Pub/sub delivery drops
// messages for subscribers whose buffer is full; streams keep the newest
// entries up to a fixed length.
type Bus struct {
	mu      sync.Mutex
	nextSub int
	subs    map[int]busSub
	streams map[string]*busStream
	now     func() time.Time
}

type busSub struct {
	pattern string
	ch      chan []byte
}

type busStream struct {
	entries []domain.StreamMessage
	lastMS  int64
	lastSeq int64
}

// NewBus creates an empty Bus.
func NewBus() *Bus {
	return &Bus{
		subs:    make(map[int]busSub),
		streams: make(map[string]*busStream),
		now:     time.Now,
	}
}

// Publish delivers payload to every subscriber whose channel or pattern
// matches.
func (b *Bus) Publish(_ context.Context, channel string, payload []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, s := range b.subs {
		if !channelMatch(s.pattern, channel) {
			continue
		}
		msg := append([]byte(nil), payload...)
		select {
		case s.ch <- msg:
		default:
		}
	}
	return nil
}

// Subscribe registers for channel, which may be a glob pattern. The
// returned channel is closed when ctx is cancelled.
func (b *Bus) Subscribe(ctx context.Context, channel string) (<-chan []byte, error) {
	ch := make(chan []byte, busBuffer)
	b.mu.Lock()
	id := b.nextSub
	b.nextSub++
	b.subs[id] = busSub{pattern: channel, ch: ch}
	b.mu.Unlock()

	go func() {
		<-ctx.Done()
		b.mu.Lock()
		delete(b.subs, id)
		close(ch)
		b.mu.Unlock()
	}()
	return ch, nil
}

// StreamAppend adds payload with a "ms-seq" id that increases strictly.
func (b *Bus) StreamAppend(_ context.Context, stream string, payload []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	st, ok := b.streams[stream]
	if !ok {
		st = &busStream{}
		b.streams[stream] = st
	}
	ms := b.now().UnixMilli()
	if ms > st.lastMS {
		st.lastMS, st.lastSeq = ms, 0
	} else {
		st.lastSeq++
	}
	st.entries = append(st.entries, domain.StreamMessage{
		ID:      fmt.Sprintf("%d-%d", st.lastMS, st.lastSeq),
		Payload: append([]byte(nil), payload...),
	})
	if over := len(st.entries) - busStreamMaxLen; over > 0 {
		st.entries = append(st.entries[:0:0], st.entries[over:]...)
	}
	return nil
}

// StreamRead returns up to count entries with ids after lastID. It never
// blocks.
func (b *Bus) StreamRead(_ context.Context, stream string, lastID string, count int) ([]domain.StreamMessage, error) {
	afterMS, afterSeq, err := parseStreamID(lastID)
	if err != nil {
		return nil, fmt.Errorf("memory: stream read %s: %w", stream, err)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	st, ok := b.streams[stream]
	if !ok {
		return nil, nil
	}
	var out []domain.StreamMessage
	for _, e := range st.entries {
		ms, seq, _ := parseStreamID(e.ID)
		if ms < afterMS || (ms == afterMS && seq <= afterSeq) {
			continue
		}
		out = append(out, domain.StreamMessage{ID: e.ID, Payload: append([]byte(nil), e.Payload...)})
		if count > 0 && len(out) == count {
			break
		}
	}
	return out, nil
}

// parseStreamID accepts "ms-seq" and a bare "ms".
func parseStreamID(id string) (int64, int64, error) {
	msPart, seqPart, hasSeq := strings.Cut(id, "-")
	ms, err := strconv.ParseInt(msPart, 10, 64)
	if err != nil {
		return 0, 0, fmt.Errorf("invalid stream id %q", id)
	}
	if !hasSeq {
		return ms, 0, nil
	}
	seq, err := strconv.ParseInt(seqPart, 10, 64)
	if err != nil {
		return 0, 0, fmt.Errorf("invalid stream id %q", id)
	}
	return ms, seq, nil
}

func channelMatch(pattern, channel string) bool {
	if !strings.ContainsAny(pattern, "*?[") {
		return pattern == channel
	}
	ok, err := path.Match(pattern, channel)
	return err == nil && ok
}

// Compile-time interface check.
var _ domain.SignalBus = (*Bus)(nil)
