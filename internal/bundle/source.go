package bundle

import (
	"context"

	"github.com/banshee-data/camsync/internal/detect"
)

// StreamItem is one element of the bundler's input: either a packet or the
// end-of-stream marker.
type StreamItem struct {
	Packet *detect.Packet
	EOF    bool
}

// PacketItem wraps p as a stream item.
func PacketItem(p detect.Packet) StreamItem {
	return StreamItem{Packet: &p}
}

// EOFItem is the end-of-stream marker.
func EOFItem() StreamItem {
	return StreamItem{EOF: true}
}

// Source feeds the bundler. ok is false once the source is exhausted; an
// exhausted source is not the same as an EOF marker.
type Source interface {
	Next() (item StreamItem, ok bool)
}

// SliceSource replays a fixed list of items.
type SliceSource struct {
	items []StreamItem
	pos   int
}

// NewSliceSource returns a source over items.
func NewSliceSource(items ...StreamItem) *SliceSource {
	return &SliceSource{items: items}
}

// Next implements Source.
func (s *SliceSource) Next() (StreamItem, bool) {
	if s.pos >= len(s.items) {
		return StreamItem{}, false
	}
	it := s.items[s.pos]
	s.pos++
	return it, true
}

// ChanSource reads items from a channel until it is closed or ctx is done.
type ChanSource struct {
	ctx context.Context
	ch  <-chan StreamItem
}

// NewChanSource returns a source reading ch.
func NewChanSource(ctx context.Context, ch <-chan StreamItem) *ChanSource {
	return &ChanSource{ctx: ctx, ch: ch}
}

// Next implements Source. A cancelled context exhausts the source.
func (s *ChanSource) Next() (StreamItem, bool) {
	select {
	case <-s.ctx.Done():
		return StreamItem{}, false
	case it, ok := <-s.ch:
		return it, ok
	}
}
