package calendar

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/calsync/backend/internal/storage/models"
)

// ErrQueueFull is returned when a trigger cannot be queued.
var ErrQueueFull = errors.New("calendar: sync queue is full")

// Scheduler defaults.
const (
	DefaultTick     = time.Minute
	DefaultWorkers  = 4
	DefaultInterval = 15 * time.Minute
)

// Connection states tracked by the scheduler. Idle connections have no entry.
const (
	StateIdle    = "idle"
	StateDue     = "due"
	StateRunning = "running"
)

// SchedulerConfig tunes the scheduler.
type SchedulerConfig struct {
	Tick            time.Duration
	Workers         int
	QueueSize       int
	DefaultInterval time.Duration
}

type job struct {
	connectionID string
	trigger      models.Trigger
}

// Scheduler decides when connections are reconciled. A cron tick marks
// connections due; triggers mark them due immediately. Due connections are
// run by a fixed pool of workers, at most one pass per connection at a time.
type Scheduler struct {
	cron   *cron.Cron
	engine *Engine
	cfg    SchedulerConfig

	queue chan job

	// In-memory state per connection; absent means idle.
	states   map[string]string
	statesMu sync.Mutex

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	now    func() time.Time
}

// NewScheduler creates a scheduler over engine.
func NewScheduler(engine *Engine, cfg SchedulerConfig) *Scheduler {
	if cfg.Tick <= 0 {
		cfg.Tick = DefaultTick
	}
	if cfg.Workers <= 0 {
		cfg.Workers = DefaultWorkers
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 256
	}
	if cfg.DefaultInterval <= 0 {
		cfg.DefaultInterval = DefaultInterval
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		cron:   cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DefaultLogger))),
		engine: engine,
		cfg:    cfg,
		queue:  make(chan job, cfg.QueueSize),
		states: make(map[string]string),
		ctx:    ctx,
		cancel: cancel,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// Start releases stale claims left by a previous process, starts the
// workers and the tick.
func (s *Scheduler) Start(ctx context.Context) error {
	log.Println("Starting sync scheduler...")

	n, err := s.engine.Stores().Connections.ResetRunning(ctx)
	if err != nil {
		return err
	}
	if n > 0 {
		log.Printf("Released %d stale sync claims", n)
	}

	for i := 0; i < s.cfg.Workers; i++ {
		s.wg.Add(1)
		go s.worker()
	}

	if _, err := s.cron.AddFunc("@every "+s.cfg.Tick.String(), func() {
		s.Tick(s.ctx)
	}); err != nil {
		s.cancel()
		s.wg.Wait()
		return err
	}
	s.cron.Start()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.Tick(s.ctx)
	}()
	log.Printf("Sync scheduler started with %d workers, tick %s", s.cfg.Workers, s.cfg.Tick)
	return nil
}

// Stop halts the tick, cancels running passes and waits for the workers
// and any startup tick.
func (s *Scheduler) Stop() {
	log.Println("Stopping sync scheduler...")
	<-s.cron.Stop().Done()
	s.cancel()
	s.wg.Wait()
	log.Println("Sync scheduler stopped")
}

// Tick marks due every enabled, non-degraded connection whose interval has
// elapsed, and renews expiring webhook subscriptions.
func (s *Scheduler) Tick(ctx context.Context) {
	conns, err := s.engine.Stores().Connections.ListEnabled(ctx)
	if err != nil {
		log.Printf("Failed to list connections: %v", err)
		return
	}

	now := s.now()
	queued := 0
	for _, conn := range conns {
		if conn.Degraded || !conn.IsDue(now, conn.SyncInterval(s.cfg.DefaultInterval)) {
			continue
		}
		if err := s.enqueue(conn.ID, models.TriggerScheduled); err == nil {
			queued++
		} else if errors.Is(err, ErrQueueFull) {
			log.Printf("Sync queue full, connection %s waits for the next tick", conn.ID)
		}
	}
	if queued > 0 {
		log.Printf("Queued %d connections for sync", queued)
	}

	if err := s.engine.RenewWebhooks(ctx); err != nil {
		log.Printf("Failed to renew webhooks: %v", err)
	}
}

// TriggerWebhook marks a connection due after a push notification.
// ErrSyncInProgress means the change will be picked up by the queued or
// running pass.
func (s *Scheduler) TriggerWebhook(connectionID string) error {
	return s.enqueue(connectionID, models.TriggerWebhook)
}

// TriggerManual marks a connection due on user request.
func (s *Scheduler) TriggerManual(connectionID string) error {
	return s.enqueue(connectionID, models.TriggerManual)
}

// State returns the in-memory state of a connection.
func (s *Scheduler) State(connectionID string) string {
	s.statesMu.Lock()
	defer s.statesMu.Unlock()

	if st, ok := s.states[connectionID]; ok {
		return st
	}
	return StateIdle
}

// Pending returns the number of queued passes.
func (s *Scheduler) Pending() int {
	return len(s.queue)
}

// enqueue moves an idle connection to due. Due or running connections are
// left alone.
func (s *Scheduler) enqueue(connectionID string, trigger models.Trigger) error {
	if s.ctx.Err() != nil {
		return s.ctx.Err()
	}

	s.statesMu.Lock()
	if _, busy := s.states[connectionID]; busy {
		s.statesMu.Unlock()
		return ErrSyncInProgress
	}
	s.states[connectionID] = StateDue
	s.statesMu.Unlock()

	select {
	case s.queue <- job{connectionID: connectionID, trigger: trigger}:
		return nil
	default:
		s.setIdle(connectionID)
		return ErrQueueFull
	}
}

func (s *Scheduler) setState(connectionID, state string) {
	s.statesMu.Lock()
	s.states[connectionID] = state
	s.statesMu.Unlock()
}

func (s *Scheduler) setIdle(connectionID string) {
	s.statesMu.Lock()
	delete(s.states, connectionID)
	s.statesMu.Unlock()
}

func (s *Scheduler) worker() {
	defer s.wg.Done()
	for {
		select {
		case <-s.ctx.Done():
			return
		case j := <-s.queue:
			s.run(j)
		}
	}
}

func (s *Scheduler) run(j job) {
	s.setState(j.connectionID, StateRunning)
	defer s.setIdle(j.connectionID)

	_, err := s.engine.RunPass(s.ctx, j.connectionID, j.trigger)
	switch {
	case err == nil:
	case errors.Is(err, ErrSyncInProgress):
		log.Printf("Connection %s is already syncing, skipping %s trigger", j.connectionID, j.trigger)
	case errors.Is(err, ErrConnectionNotFound):
		log.Printf("Connection %s no longer exists", j.connectionID)
	}
}
