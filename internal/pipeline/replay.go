package pipeline

import (
	"context"
	"fmt"

	"github.com/banshee-data/camsync/internal/bundle"
	"github.com/banshee-data/camsync/internal/detect"
	"github.com/banshee-data/camsync/internal/store"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

// replayBuffer is the channel depth between the store reader and the
// pipeline.
const replayBuffer = 256

// Replay runs a recorded session through a fresh pipeline. The roster is the
// session's recorded camera set, falling back to the cameras present in the
// log. A WithRecorder option logs the replay as another session.
func Replay(ctx context.Context, st *store.Store, id uuid.UUID, cfg Config, opts ...Option) (*Pipeline, error) {
	cams, err := st.Cameras(ctx, id)
	if err != nil {
		return nil, err
	}
	if len(cams) == 0 {
		if cams, err = st.PacketCameras(ctx, id); err != nil {
			return nil, err
		}
	}
	if len(cams) == 0 {
		return nil, fmt.Errorf("session %s has no cameras", id)
	}
	var roster detect.CameraSet
	for _, c := range cams {
		roster.Add(c.Num)
	}
	opsf("replaying session %s with cameras %s", id, roster)

	p := New(roster, cfg, opts...)
	items := make(chan bundle.StreamItem, replayBuffer)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		defer close(items)
		err := st.LoadPackets(gctx, id, func(pkt detect.Packet) error {
			select {
			case items <- bundle.PacketItem(pkt):
				return nil
			case <-gctx.Done():
				return gctx.Err()
			}
		})
		if err != nil {
			return err
		}
		select {
		case items <- bundle.EOFItem():
			return nil
		case <-gctx.Done():
			return gctx.Err()
		}
	})
	g.Go(func() error {
		return p.Run(gctx, bundle.NewChanSource(gctx, items))
	})
	return p, g.Wait()
}
