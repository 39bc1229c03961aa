/*
scheduler.go - Automated ledger audit scheduler

PURPOSE:
  Periodically runs the ledger auditor: entries whose invariants are broken
  are marked faulted, and holds whose record is gone or finished are
  released.

DESIGN:
  - Runs a background goroutine with configurable check interval
  - Runs once immediately on start
  - Keeps the last report for the admin API and the CLI

CONFIGURATION:
  - CheckInterval: How often to audit (default: 5 minutes)
  - Enabled: Whether scheduler is active (default: true)

USAGE:
  scheduler := NewAuditScheduler(eng)
  scheduler.Start()
  // ... later
  scheduler.Stop()

  or, under an errgroup:
  g.Go(func() error { return scheduler.Run(ctx) })

SEE ALSO:
  - handlers.go: RunAudit endpoint (manual audit)
  - engine/auditor.go: Auditor
*/
package api

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/kisaan/fulfillment-engine/engine"
)

// AuditScheduler runs the engine's auditor on an interval.
type AuditScheduler struct {
	Engine        *engine.Engine
	CheckInterval time.Duration
	Enabled       bool

	ticker *time.Ticker
	stop   chan struct{}
	wg     sync.WaitGroup
	mu     sync.Mutex

	last AuditRun
}

// AuditRun is the outcome of the most recent scheduled or manual audit.
type AuditRun struct {
	Report engine.AuditReport `json:"report"`
	Error  string             `json:"error,omitempty"`
	Runs   int                `json:"runs"`
}

// NewAuditScheduler creates a new scheduler.
func NewAuditScheduler(e *engine.Engine) *AuditScheduler {
	return &AuditScheduler{
		Engine:        e,
		CheckInterval: 5 * time.Minute,
		Enabled:       true,
	}
}

// Start begins the scheduler.
func (s *AuditScheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.Enabled {
		log.Println("[Scheduler] Disabled, not starting")
		return
	}
	if s.ticker != nil {
		return
	}

	s.ticker = time.NewTicker(s.CheckInterval)
	s.stop = make(chan struct{})
	s.wg.Add(1)

	go s.run(s.ticker, s.stop)

	log.Printf("[Scheduler] Started with check interval: %v", s.CheckInterval)
}

// Stop stops the scheduler and waits for an audit in flight.
func (s *AuditScheduler) Stop() {
	s.mu.Lock()
	if s.ticker == nil {
		s.mu.Unlock()
		return
	}
	s.ticker.Stop()
	close(s.stop)
	s.ticker = nil
	s.mu.Unlock()

	s.wg.Wait()
	log.Println("[Scheduler] Stopped")
}

// Run starts the scheduler and blocks until ctx is done.
func (s *AuditScheduler) Run(ctx context.Context) error {
	s.Start()
	<-ctx.Done()
	s.Stop()
	return nil
}

func (s *AuditScheduler) run(ticker *time.Ticker, stop <-chan struct{}) {
	defer s.wg.Done()

	// Run immediately on start
	s.RunNow(context.Background())

	for {
		select {
		case <-ticker.C:
			s.RunNow(context.Background())
		case <-stop:
			return
		}
	}
}

// RunNow runs one audit and records its report.
func (s *AuditScheduler) RunNow(ctx context.Context) (engine.AuditReport, error) {
	report, err := s.Engine.Audit(ctx)

	s.mu.Lock()
	s.last.Report = report
	s.last.Error = ""
	if err != nil {
		s.last.Error = err.Error()
	}
	s.last.Runs++
	s.mu.Unlock()

	if err != nil {
		log.Printf("[Scheduler] Audit failed: %v", err)
		return report, err
	}
	if len(report.Faults) > 0 || len(report.OrphansReleased) > 0 {
		log.Printf("[Scheduler] Audit completed: %d entries, %d faults, %d orphans released",
			report.EntriesScanned, len(report.Faults), len(report.OrphansReleased))
	}
	return report, nil
}

// LastRun returns the most recent audit outcome.
func (s *AuditScheduler) LastRun() AuditRun {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.last
}

// GetNextRunTime returns when the next scheduled check will occur.
func (s *AuditScheduler) GetNextRunTime() time.Time {
	return time.Now().Add(s.CheckInterval)
}
