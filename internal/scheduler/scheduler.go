// Package scheduler drives the stream lifecycle: matching schedule rules
// against the clock, pre-creating platform broadcasts shortly before start,
// supervising ffmpeg processes, and keeping channel credentials fresh.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"airtime/internal/broadcast"
	"airtime/internal/events"
	"airtime/internal/observability/metrics"
	"airtime/internal/store"
	"airtime/internal/transcode"
)

// Config carries the scheduler's tuning knobs. Zero values fall back to the
// defaults applied by withDefaults.
type Config struct {
	// MatchInterval is how often schedule rules are evaluated.
	MatchInterval time.Duration
	// PrecreateInterval is how often upcoming occurrences are scanned for
	// broadcast pre-creation.
	PrecreateInterval time.Duration
	// TokenInterval is how often channel credentials are checked.
	TokenInterval time.Duration
	// TokenRefreshWindow refreshes tokens expiring within this lead time.
	TokenRefreshWindow time.Duration
	// PrecreateMin and PrecreateMax bound the lead window in which
	// broadcasts are created ahead of their start.
	PrecreateMin time.Duration
	PrecreateMax time.Duration
	// ProcessStopTimeout bounds the SIGTERM-to-kill escalation per process.
	ProcessStopTimeout time.Duration
	// StreamStopTimeout bounds a full stream stop during shutdown.
	StreamStopTimeout time.Duration
	// CreatesPerMinute throttles platform broadcast creation calls.
	CreatesPerMinute int
	// TokenURL is the OAuth2 token endpoint used for refreshes.
	TokenURL string
	// ReuseScheduledBroadcasts looks for an existing upcoming broadcast on
	// the channel before creating a new one.
	ReuseScheduledBroadcasts bool
}

func (c Config) withDefaults() Config {
	if c.MatchInterval <= 0 {
		c.MatchInterval = time.Minute
	}
	if c.PrecreateInterval <= 0 {
		c.PrecreateInterval = time.Minute
	}
	if c.TokenInterval <= 0 {
		c.TokenInterval = 10 * time.Minute
	}
	if c.TokenRefreshWindow <= 0 {
		c.TokenRefreshWindow = 30 * time.Minute
	}
	if c.PrecreateMin <= 0 {
		c.PrecreateMin = 3 * time.Minute
	}
	if c.PrecreateMax <= c.PrecreateMin {
		c.PrecreateMax = c.PrecreateMin + 2*time.Minute
	}
	if c.ProcessStopTimeout <= 0 {
		c.ProcessStopTimeout = 5 * time.Second
	}
	if c.StreamStopTimeout <= 0 {
		c.StreamStopTimeout = 10 * time.Second
	}
	if c.CreatesPerMinute <= 0 {
		c.CreatesPerMinute = 6
	}
	return c
}

type activeStream struct {
	streamID    string
	scheduleID  string
	channelID   string
	broadcastID string
	recurring   bool
	process     transcode.Process
	end         time.Time

	finishOnce sync.Once
}

// Scheduler owns the periodic loops and the set of running processes.
type Scheduler struct {
	cfg      Config
	store    store.Repository
	platform broadcast.Client
	runner   transcode.Runner
	events   events.Publisher
	logger   *slog.Logger
	metrics  *metrics.Recorder

	now       func() time.Time
	newTicker tickerFactory
	limiter   *rate.Limiter

	mu     sync.Mutex
	active map[string]*activeStream

	cancel  context.CancelFunc
	loops   sync.WaitGroup
	started bool
}

// New assembles a Scheduler. The platform client may be nil when no
// broadcast API is configured; matching and streaming still run.
func New(cfg Config, repo store.Repository, platform broadcast.Client, runner transcode.Runner, publisher events.Publisher, logger *slog.Logger, recorder *metrics.Recorder) *Scheduler {
	cfg = cfg.withDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	if recorder == nil {
		recorder = metrics.Default()
	}
	if publisher == nil {
		publisher = events.NewMemoryPublisher(logger)
	}
	return &Scheduler{
		cfg:       cfg,
		store:     repo,
		platform:  platform,
		runner:    runner,
		events:    publisher,
		logger:    logger,
		metrics:   recorder,
		now:       func() time.Time { return time.Now().UTC() },
		newTicker: newTimeTicker,
		limiter:   rate.NewLimiter(rate.Limit(float64(cfg.CreatesPerMinute)/60.0), 1),
		active:    make(map[string]*activeStream),
	}
}

// Start reconciles persisted state and launches the match, pre-creation, and
// token loops. It returns immediately; Stop shuts the loops down.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return fmt.Errorf("scheduler already started")
	}
	s.started = true
	s.mu.Unlock()

	if err := s.reconcile(ctx); err != nil {
		return fmt.Errorf("reconcile persisted state: %w", err)
	}

	loopCtx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel

	s.runLoop(loopCtx, "match", s.cfg.MatchInterval, s.matchTick)
	s.runLoop(loopCtx, "precreate", s.cfg.PrecreateInterval, s.precreateTick)
	s.runLoop(loopCtx, "tokens", s.cfg.TokenInterval, s.tokenTick)
	s.logger.Info("scheduler started",
		"match_interval", s.cfg.MatchInterval,
		"precreate_window", fmt.Sprintf("%s-%s", s.cfg.PrecreateMin, s.cfg.PrecreateMax),
		"token_interval", s.cfg.TokenInterval)
	return nil
}

func (s *Scheduler) runLoop(ctx context.Context, name string, interval time.Duration, tick func(context.Context)) {
	ticker := s.newTicker(interval)
	s.loops.Add(1)
	go func() {
		defer func() {
			ticker.Stop()
			s.loops.Done()
		}()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C():
				tick(ctx)
			}
		}
	}()
	s.logger.Debug("loop running", "loop", name, "interval", interval)
}

// Stop halts the loops, stops every running stream, and resets persisted
// stream state. Shutdown coordinators that need the phases as separate steps
// call StopLoops and StopStreams directly.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.StopLoops()
	return s.StopStreams(ctx)
}

// StopLoops cancels the periodic loops and waits for in-flight ticks.
func (s *Scheduler) StopLoops() {
	s.mu.Lock()
	cancel := s.cancel
	s.cancel = nil
	s.mu.Unlock()
	if cancel != nil {
		cancel()
		s.loops.Wait()
	}
}

// StopStreams stops every running stream in parallel and resets persisted
// stream state to offline. Each stream stop is bounded by StreamStopTimeout;
// ctx bounds the whole operation.
func (s *Scheduler) StopStreams(ctx context.Context) error {
	s.mu.Lock()
	running := make([]*activeStream, 0, len(s.active))
	for _, entry := range s.active {
		running = append(running, entry)
	}
	s.mu.Unlock()

	var group errgroup.Group
	for _, entry := range running {
		entry := entry
		group.Go(func() error {
			stopCtx, cancel := context.WithTimeout(ctx, s.cfg.StreamStopTimeout)
			defer cancel()
			if err := s.stopStream(stopCtx, entry, "shutdown"); err != nil {
				s.logger.Error("stop stream during shutdown", "stream_id", entry.streamID, "error", err)
				return err
			}
			return nil
		})
	}
	stopErr := group.Wait()

	if _, err := s.store.ResetActiveStreams(ctx); err != nil {
		s.logger.Error("reset active streams", "error", err)
		if stopErr == nil {
			stopErr = err
		}
	}
	return stopErr
}

// ActiveCount reports how many streams currently have a running process.
func (s *Scheduler) ActiveCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.active)
}

func (s *Scheduler) lookupActive(streamID string) (*activeStream, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.active[streamID]
	return entry, ok
}

func (s *Scheduler) publish(ctx context.Context, event events.Event) {
	if err := s.events.Publish(ctx, event); err != nil {
		s.logger.Warn("publish event", "type", event.Type, "error", err)
	}
}
