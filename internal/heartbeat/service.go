// Package heartbeat probes the peer actor group at a fixed interval and
// tracks whether it is answering. A silent peer is logged once per outage
// and again when it comes back.
package heartbeat

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/nextlevelbuilder/memclaw/internal/bus"
	"github.com/nextlevelbuilder/memclaw/pkg/protocol"
)

const defaultInterval = 30 * time.Second

// DefaultInterval returns the default probe interval (30s).
func DefaultInterval() time.Duration { return defaultInterval }

// Config holds the probe settings.
type Config struct {
	Target   string        // group to probe
	ReplyTo  string        // group that receives the pong
	Interval time.Duration // probe period (default 30s)
	// Misses is how many intervals without a pong mark the peer down (default 3).
	Misses int
}

// Service manages the periodic probe loop.
type Service struct {
	cfg Config
	bus bus.Bus
	now func() time.Time

	mu       sync.Mutex
	running  bool
	cancel   context.CancelFunc
	started  time.Time
	lastPong time.Time
	down     bool
}

// NewService creates a heartbeat service.
func NewService(cfg Config, b bus.Bus) *Service {
	if cfg.Interval <= 0 {
		cfg.Interval = defaultInterval
	}
	if cfg.Misses <= 0 {
		cfg.Misses = 3
	}
	return &Service{cfg: cfg, bus: b, now: time.Now}
}

// Start begins the probe loop in a background goroutine.
func (s *Service) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.running = true
	s.started = s.now()

	go s.loop(ctx)
	slog.Info("heartbeat service started", "target", s.cfg.Target, "interval", s.cfg.Interval)
}

// Stop halts the probe loop.
func (s *Service) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running {
		return
	}
	s.cancel()
	s.running = false
	slog.Info("heartbeat service stopped", "target", s.cfg.Target)
}

// IsRunning returns whether the probe loop is active.
func (s *Service) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// Observe records a pong from the peer.
func (s *Service) Observe() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastPong = s.now()
	if s.down {
		s.down = false
		slog.Info("heartbeat: peer answering again", "target", s.cfg.Target)
	}
}

// Alive reports whether the peer answered within the allowed misses.
// Before the first full window has passed the peer is assumed alive.
func (s *Service) Alive() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.aliveLocked()
}

func (s *Service) aliveLocked() bool {
	window := time.Duration(s.cfg.Misses) * s.cfg.Interval
	since := s.lastPong
	if since.IsZero() {
		since = s.started
	}
	return s.now().Sub(since) <= window
}

// LastPong returns when the peer last answered (zero if never).
func (s *Service) LastPong() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastPong
}

func (s *Service) loop(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	s.tick(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

func (s *Service) tick(ctx context.Context) {
	if err := bus.Send(ctx, s.bus, s.cfg.Target, protocol.Heartbeat{}, s.cfg.ReplyTo); err != nil {
		slog.Warn("heartbeat: probe failed", "target", s.cfg.Target, "error", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.aliveLocked() && !s.down {
		s.down = true
		slog.Warn("heartbeat: peer not answering", "target", s.cfg.Target, "last_pong", s.lastPong)
	}
}
