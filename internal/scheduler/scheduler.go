// Package scheduler runs periodic refreshes and connectivity probes for the
// enabled accounts.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/dl-alexandre/docsync/internal/logging"
	docsync "github.com/dl-alexandre/docsync/internal/sync"
	"github.com/dl-alexandre/docsync/internal/types"
	"github.com/robfig/cron/v3"
)

// Target is one account the scheduler drives
type Target interface {
	Account() types.Account
	Refresh(ctx context.Context) (*docsync.RefreshResult, error)
	CheckConnectivity(ctx context.Context) (bool, error)
}

// Source returns the targets to drive on each tick
type Source func() []Target

// Options configures a Scheduler
type Options struct {
	// RefreshSchedule is a cron spec, e.g. "@every 15m"
	RefreshSchedule string
	// ProbeSchedule defaults to "@every 1m"; "-" disables probing
	ProbeSchedule string
	Logger        logging.Logger
}

// Scheduler owns a cron instance with one refresh job and one probe job
type Scheduler struct {
	cron   *cron.Cron
	source Source
	logger logging.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	runs    map[string]Run
	stopped bool
	active  sync.WaitGroup
}

// Run is the outcome of one scheduled refresh
type Run struct {
	Result *docsync.RefreshResult
	Err    error
	At     time.Time
}

// New validates the schedules and registers the jobs. Nothing runs until Start.
func New(source Source, opts Options) (*Scheduler, error) {
	if source == nil {
		return nil, fmt.Errorf("target source is required")
	}
	if opts.Logger == nil {
		opts.Logger = logging.NewNoOpLogger()
	}
	if opts.ProbeSchedule == "" {
		opts.ProbeSchedule = "@every 1m"
	}

	clog := cronLogger{opts.Logger}
	s := &Scheduler{
		cron:   cron.New(cron.WithLogger(clog), cron.WithChain(cron.Recover(clog), cron.SkipIfStillRunning(clog))),
		source: source,
		logger: opts.Logger,
		runs:   make(map[string]Run),
	}
	s.ctx, s.cancel = context.WithCancel(context.Background())

	if _, err := s.cron.AddFunc(opts.RefreshSchedule, s.RefreshAll); err != nil {
		return nil, fmt.Errorf("invalid refresh schedule %q: %w", opts.RefreshSchedule, err)
	}
	if opts.ProbeSchedule != "-" {
		if _, err := s.cron.AddFunc(opts.ProbeSchedule, s.ProbeAll); err != nil {
			return nil, fmt.Errorf("invalid probe schedule %q: %w", opts.ProbeSchedule, err)
		}
	}
	return s, nil
}

// Start runs the jobs in the background
func (s *Scheduler) Start() {
	s.cron.Start()
	s.logger.Info("Scheduler started", logging.F("jobs", len(s.cron.Entries())))
}

// Stop cancels running jobs and waits for them to return, including
// refreshes started directly with RefreshAll
func (s *Scheduler) Stop() {
	s.mu.Lock()
	s.stopped = true
	s.mu.Unlock()

	s.cancel()
	<-s.cron.Stop().Done()
	s.active.Wait()
}

// Next returns the next time any job fires
func (s *Scheduler) Next() time.Time {
	var next time.Time
	for _, e := range s.cron.Entries() {
		if next.IsZero() || e.Next.Before(next) {
			next = e.Next
		}
	}
	return next
}

// RefreshAll refreshes every target in turn. It does nothing once stopped.
func (s *Scheduler) RefreshAll() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.active.Add(1)
	s.mu.Unlock()
	defer s.active.Done()

	for _, t := range s.source() {
		if s.ctx.Err() != nil {
			return
		}
		id := t.Account().ID
		res, err := t.Refresh(s.ctx)
		if err != nil {
			s.logger.Warn("Scheduled refresh failed", logging.F("account", id), logging.F("error", err))
		}
		s.mu.Lock()
		s.runs[id] = Run{Result: res, Err: err, At: time.Now()}
		s.mu.Unlock()
	}
}

// ProbeAll checks the connectivity of every target
func (s *Scheduler) ProbeAll() {
	for _, t := range s.source() {
		if s.ctx.Err() != nil {
			return
		}
		if _, err := t.CheckConnectivity(s.ctx); err != nil {
			s.logger.Debug("Connectivity probe failed",
				logging.F("account", t.Account().ID),
				logging.F("error", err))
		}
	}
}

// LastResult returns the outcome of the most recent scheduled refresh of an account
func (s *Scheduler) LastResult(accountID string) (Run, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.runs[accountID]
	return run, ok
}

// cronLogger forwards cron's own logging
type cronLogger struct {
	logger logging.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Debug("cron: "+msg, fields(keysAndValues)...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.Error("cron: "+msg, append(fields(keysAndValues), logging.F("error", err))...)
}

func fields(kv []interface{}) []logging.Field {
	out := make([]logging.Field, 0, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		out = append(out, logging.F(fmt.Sprint(kv[i]), kv[i+1]))
	}
	return out
}
