// Package publish streams partitioned frames to trackers over gRPC.
//
// A Publisher fans each frame out to every subscriber. Slow subscribers lose
// frames instead of stalling the pipeline.
package publish

import (
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/banshee-data/camsync/internal/bundle"
	"github.com/banshee-data/camsync/internal/monitoring"
	"google.golang.org/grpc"
)

var (
	// ErrClosed is returned once the publisher has been stopped.
	ErrClosed = errors.New("publisher closed")
	// ErrTooManyClients is returned when MaxClients subscribers are attached.
	ErrTooManyClients = errors.New("too many clients")
)

// Config holds configuration for the tracker stream server.
type Config struct {
	// ListenAddr is the gRPC listen address, e.g. "127.0.0.1:50061".
	ListenAddr string

	// MaxClients caps concurrent subscribers.
	MaxClients int

	// ClientBuffer is the per-subscriber queue length.
	ClientBuffer int

	// QueueSize is the length of the shared queue ahead of the fan-out.
	QueueSize int

	// DropLogInterval and DropLogBurst rate-limit the dropped-frame log.
	DropLogInterval time.Duration
	DropLogBurst    int
}

// DefaultConfig returns a default configuration.
func DefaultConfig() Config {
	return Config{
		ListenAddr:      "127.0.0.1:50061",
		MaxClients:      8,
		ClientBuffer:    64,
		QueueSize:       128,
		DropLogInterval: 10 * time.Second,
		DropLogBurst:    3,
	}
}

// Publisher owns the gRPC server and the subscriber fan-out.
type Publisher struct {
	config Config

	srvMu    sync.Mutex // guards server and listener
	server   *grpc.Server
	listener net.Listener

	frameChan chan *bundle.Undistorted
	clients   map[string]*Subscription
	clientsMu sync.RWMutex

	frameCount    atomic.Uint64
	droppedFrames atomic.Uint64
	clientCount   atomic.Int32
	dropLogf      func(format string, args ...interface{})

	running atomic.Bool
	closed  atomic.Bool
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

// Subscription is one attached consumer.
type Subscription struct {
	ID     string
	arenas map[int]bool
	frames chan *bundle.Undistorted
	doneCh chan struct{}
	drops  atomic.Uint64
}

// Frames delivers published frames in order. It is never closed; watch Done.
func (s *Subscription) Frames() <-chan *bundle.Undistorted { return s.frames }

// Done is closed when the subscription ends.
func (s *Subscription) Done() <-chan struct{} { return s.doneCh }

// Dropped returns how many frames this subscriber missed.
func (s *Subscription) Dropped() uint64 { return s.drops.Load() }

// NewPublisher creates a new Publisher with the given configuration and
// starts its fan-out loop. Call Start to serve gRPC.
func NewPublisher(cfg Config) *Publisher {
	def := DefaultConfig()
	if cfg.MaxClients <= 0 {
		cfg.MaxClients = def.MaxClients
	}
	if cfg.ClientBuffer <= 0 {
		cfg.ClientBuffer = def.ClientBuffer
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = def.QueueSize
	}
	p := &Publisher{
		config:    cfg,
		frameChan: make(chan *bundle.Undistorted, cfg.QueueSize),
		clients:   make(map[string]*Subscription),
		stopCh:    make(chan struct{}),
		dropLogf:  monitoring.RateLimited(diagf, cfg.DropLogInterval, cfg.DropLogBurst),
	}
	p.wg.Add(1)
	go p.broadcastLoop()
	return p
}

// Start binds ListenAddr and serves the tracker stream service.
func (p *Publisher) Start() error {
	lis, err := net.Listen("tcp", p.config.ListenAddr)
	if err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}
	return p.Serve(lis)
}

// Serve serves the tracker stream service on lis in the background.
func (p *Publisher) Serve(lis net.Listener) error {
	if p.closed.Load() {
		lis.Close()
		return ErrClosed
	}
	if !p.running.CompareAndSwap(false, true) {
		lis.Close()
		return fmt.Errorf("publisher already running")
	}
	srv := grpc.NewServer()
	RegisterService(srv, NewServer(p))

	p.srvMu.Lock()
	if p.closed.Load() {
		p.srvMu.Unlock()
		lis.Close()
		return ErrClosed
	}
	p.listener = lis
	p.server = srv
	p.wg.Add(1)
	p.srvMu.Unlock()

	go func() {
		defer p.wg.Done()
		opsf("gRPC server listening on %s", lis.Addr())
		if err := srv.Serve(lis); err != nil && !p.closed.Load() {
			opsf("gRPC server error: %v", err)
		}
	}()
	return nil
}

// Addr returns the bound address, or nil before Start.
func (p *Publisher) Addr() net.Addr {
	p.srvMu.Lock()
	defer p.srvMu.Unlock()
	if p.listener == nil {
		return nil
	}
	return p.listener.Addr()
}

// Stop ends every subscription and stops the gRPC server.
func (p *Publisher) Stop() {
	if !p.closed.CompareAndSwap(false, true) {
		return
	}
	close(p.stopCh)

	p.clientsMu.Lock()
	for id, c := range p.clients {
		close(c.doneCh)
		delete(p.clients, id)
	}
	p.clientCount.Store(0)
	p.clientsMu.Unlock()

	p.srvMu.Lock()
	srv := p.server
	p.srvMu.Unlock()
	if srv != nil {
		srv.GracefulStop()
	}
	p.wg.Wait()
	opsf("publisher stopped: frames=%d dropped=%d", p.frameCount.Load(), p.droppedFrames.Load())
}

// Publish queues a frame for every subscriber. It never blocks; when the
// shared queue is full the frame is dropped.
func (p *Publisher) Publish(u *bundle.Undistorted) error {
	if p.closed.Load() {
		return ErrClosed
	}
	select {
	case p.frameChan <- u:
		p.frameCount.Add(1)
	default:
		dropped := p.droppedFrames.Add(1)
		p.dropLogf("dropped frame %d, queue full (total dropped: %d)", u.Frame, dropped)
	}
	return nil
}

func (p *Publisher) broadcastLoop() {
	defer p.wg.Done()

	for {
		select {
		case <-p.stopCh:
			return
		case frame := <-p.frameChan:
			p.clientsMu.RLock()
			for _, c := range p.clients {
				select {
				case c.frames <- frame:
				default:
					c.drops.Add(1)
					dropped := p.droppedFrames.Add(1)
					p.dropLogf("subscriber %s is slow, dropped frame %d (total dropped: %d)", c.ID, frame.Frame, dropped)
				}
			}
			p.clientsMu.RUnlock()
		}
	}
}

// Subscribe attaches a consumer. When arenas is non-empty the consumer only
// wants those arena indices; the frames are delivered whole and filtering
// happens at encode time.
func (p *Publisher) Subscribe(id string, arenas []int) (*Subscription, error) {
	if p.closed.Load() {
		return nil, ErrClosed
	}
	s := &Subscription{
		ID:     id,
		frames: make(chan *bundle.Undistorted, p.config.ClientBuffer),
		doneCh: make(chan struct{}),
	}
	if len(arenas) > 0 {
		s.arenas = make(map[int]bool, len(arenas))
		for _, a := range arenas {
			s.arenas[a] = true
		}
	}

	p.clientsMu.Lock()
	defer p.clientsMu.Unlock()
	if p.closed.Load() {
		return nil, ErrClosed
	}
	if _, dup := p.clients[id]; dup {
		return nil, fmt.Errorf("subscriber %q already attached", id)
	}
	if len(p.clients) >= p.config.MaxClients {
		return nil, fmt.Errorf("%w: limit %d", ErrTooManyClients, p.config.MaxClients)
	}
	p.clients[id] = s
	n := p.clientCount.Add(1)
	opsf("client connected: %s (total: %d)", id, n)
	return s, nil
}

// Unsubscribe detaches a consumer. Unknown ids are ignored.
func (p *Publisher) Unsubscribe(id string) {
	p.clientsMu.Lock()
	c, ok := p.clients[id]
	if ok {
		close(c.doneCh)
		delete(p.clients, id)
	}
	p.clientsMu.Unlock()
	if ok {
		n := p.clientCount.Add(-1)
		opsf("client disconnected: %s (remaining: %d, dropped: %d)", id, n, c.Dropped())
	}
}

// Stats returns current publisher statistics.
func (p *Publisher) Stats() PublisherStats {
	return PublisherStats{
		FrameCount:    p.frameCount.Load(),
		DroppedFrames: p.droppedFrames.Load(),
		ClientCount:   p.clientCount.Load(),
		Running:       p.running.Load() && !p.closed.Load(),
	}
}

// PublisherStats contains publisher statistics.
type PublisherStats struct {
	FrameCount    uint64
	DroppedFrames uint64
	ClientCount   int32
	Running       bool
}
