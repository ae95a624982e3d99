package operations

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/kebairia/drivebackup/internal/logger"
)

// Ticket tracks one requested run. Requests coalesced into the same queued
// run share a ticket.
type Ticket struct {
	done   chan struct{}
	report *Report
	err    error
}

func newTicket() *Ticket {
	return &Ticket{done: make(chan struct{})}
}

func (t *Ticket) complete(r *Report, err error) {
	t.report, t.err = r, err
	close(t.done)
}

func (t *Ticket) Done() <-chan struct{} { return t.done }

// Wait blocks until the run finished or ctx is done.
func (t *Ticket) Wait(ctx context.Context) (*Report, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-t.done:
		return t.report, t.err
	}
}

// Scheduler serializes runs through a single worker. At most one run
// executes and at most one waits behind it; further requests join the
// waiting one. It implements suture.Service.
type Scheduler struct {
	runner *Runner
	log    logger.Logger

	mu             sync.Mutex
	pending        *Ticket
	pendingTrigger Trigger
	stopped        bool

	wake     chan struct{}
	resched  chan time.Duration
	interval atomic.Int64
}

func NewScheduler(runner *Runner, log logger.Logger) *Scheduler {
	if log == nil {
		log = logger.Nop()
	}
	return &Scheduler{
		runner:  runner,
		log:     log,
		wake:    make(chan struct{}, 1),
		resched: make(chan time.Duration, 1),
	}
}

func (s *Scheduler) String() string { return "backup-scheduler" }

// Submit requests a run. It reports false when the request joined an
// already queued run or the scheduler has stopped.
func (s *Scheduler) Submit(trigger Trigger) (*Ticket, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopped {
		t := newTicket()
		t.complete(nil, ErrStopped)
		return t, false
	}
	if s.pending != nil {
		if trigger == TriggerFinal {
			s.pendingTrigger = TriggerFinal
		}
		return s.pending, false
	}

	s.pending, s.pendingTrigger = newTicket(), trigger
	select {
	case s.wake <- struct{}{}:
	default:
	}
	return s.pending, true
}

// RequestManualBackup queues a run and returns without waiting.
func (s *Scheduler) RequestManualBackup() *Ticket {
	t, queued := s.Submit(TriggerManual)
	if !queued {
		s.log.Debug("manual backup joined a queued run")
	}
	return t
}

// RequestFinalBackup queues a last run, cancels the recurring schedule and
// waits for the run to finish.
func (s *Scheduler) RequestFinalBackup(ctx context.Context) (*Report, error) {
	t, _ := s.Submit(TriggerFinal)
	s.CancelSchedule()
	return t.Wait(ctx)
}

// ScheduleRecurring runs a backup every d, first after d has elapsed.
// A later call replaces the schedule. A zero d cancels it.
func (s *Scheduler) ScheduleRecurring(d time.Duration) {
	s.interval.Store(int64(d))
	for {
		select {
		case s.resched <- d:
			return
		default:
		}
		select {
		case <-s.resched:
		default:
		}
	}
}

func (s *Scheduler) CancelSchedule() { s.ScheduleRecurring(0) }

// Interval is the current recurring interval, zero when none.
func (s *Scheduler) Interval() time.Duration { return time.Duration(s.interval.Load()) }

func (s *Scheduler) Running() bool { return s.runner.State().Running() }

func (s *Scheduler) Serve(ctx context.Context) error {
	s.mu.Lock()
	s.stopped = false
	s.mu.Unlock()
	defer s.stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return s.work(gctx) })
	g.Go(func() error { return s.tick(gctx) })
	if err := g.Wait(); err != nil {
		return err
	}
	return ctx.Err()
}

func (s *Scheduler) stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopped = true
	if s.pending != nil {
		s.pending.complete(nil, ErrStopped)
		s.pending = nil
	}
}

func (s *Scheduler) work(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-s.wake:
		}
		// Both cases may be ready at once; a canceled scheduler never
		// starts the queued run and stop fails its ticket instead.
		if ctx.Err() != nil {
			return nil
		}

		s.mu.Lock()
		t, trigger := s.pending, s.pendingTrigger
		s.pending = nil
		s.mu.Unlock()
		if t == nil {
			continue
		}

		t.complete(s.runner.Run(ctx, trigger), nil)
	}
}

func (s *Scheduler) tick(ctx context.Context) error {
	var (
		ticker *time.Ticker
		c      <-chan time.Time
	)
	stopTicker := func() {
		if ticker != nil {
			ticker.Stop()
			ticker, c = nil, nil
		}
	}
	defer stopTicker()

	for {
		select {
		case <-ctx.Done():
			return nil
		case d := <-s.resched:
			stopTicker()
			if d > 0 {
				ticker = time.NewTicker(d)
				c = ticker.C
			}
			s.log.Info("backup schedule updated", "interval", d.String())
		case <-c:
			if s.Interval() <= 0 {
				continue
			}
			if _, queued := s.Submit(TriggerSchedule); !queued {
				s.log.Debug("scheduled backup joined a queued run")
			}
		}
	}
}
