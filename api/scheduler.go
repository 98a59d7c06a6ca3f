/*
scheduler.go - Monthly audit and snapshot reconciliation scheduler

PURPOSE:
  Raises the monthly audit event for every configured stock-holding entity
  and checks that cached availability still matches the batches.

DESIGN:
  - Runs a background goroutine with a configurable check interval
  - Ensure is idempotent per (entity, month), so every tick may call it;
    only the first call in a month creates the document
  - After the audits, each stocked product of the entity is verified and
    a drifted snapshot is rebuilt from the batches
  - Errors are logged per entity and never stop the loop

CONFIGURATION:
  - CheckInterval: How often to check (default: 24 hours)
  - Enabled: Whether scheduler is active

USAGE:
  scheduler := NewAuditScheduler(workflow, stock, entities, logger)
  scheduler.Start()
  // ... later
  scheduler.Stop()

SEE ALSO:
  - handlers.go: EnsureAudit and RebuildSnapshot endpoints (manual triggers)
  - audit/workflow.go: Ensure
*/
package api

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/warp/stock-ledger/audit"
	"github.com/warp/stock-ledger/generic"
	"github.com/warp/stock-ledger/inventory"
)

// AuditScheduler handles the automated monthly audit event.
type AuditScheduler struct {
	Audits        *audit.Workflow
	Stock         *inventory.Service
	Entities      []generic.EntityRef
	CheckInterval time.Duration
	Enabled       bool
	Clock         generic.Clock

	log    logrus.FieldLogger
	actor  generic.Actor
	ticker *time.Ticker
	stop   chan struct{}
	wg     sync.WaitGroup
	mu     sync.Mutex
}

// RunSummary counts what one pass did.
type RunSummary struct {
	AuditsCreated    int
	AuditsExisting   int
	SnapshotsRebuilt int
	Failures         int
}

// NewAuditScheduler creates a new scheduler.
func NewAuditScheduler(audits *audit.Workflow, stock *inventory.Service, entities []generic.EntityRef, log logrus.FieldLogger) *AuditScheduler {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &AuditScheduler{
		Audits:        audits,
		Stock:         stock,
		Entities:      entities,
		CheckInterval: 24 * time.Hour,
		Enabled:       true,
		log:           log.WithField("component", "audit-scheduler"),
		actor:         generic.SystemActor("audit-scheduler"),
	}
}

// Start begins the scheduler.
func (s *AuditScheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.Enabled || s.ticker != nil {
		s.log.Info("scheduler disabled or already running, not starting")
		return
	}

	s.ticker = time.NewTicker(s.CheckInterval)
	s.stop = make(chan struct{})
	s.wg.Add(1)

	go s.run()

	s.log.WithFields(logrus.Fields{
		"interval": s.CheckInterval.String(),
		"entities": len(s.Entities),
	}).Info("scheduler started")
}

// Stop stops the scheduler and waits for an in-flight pass.
func (s *AuditScheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.ticker != nil {
		s.ticker.Stop()
		close(s.stop)
		s.wg.Wait()
		s.ticker = nil
		s.log.Info("scheduler stopped")
	}
}

func (s *AuditScheduler) run() {
	defer s.wg.Done()

	// Run immediately on start
	s.RunNow(context.Background())

	for {
		select {
		case <-s.ticker.C:
			s.RunNow(context.Background())
		case <-s.stop:
			return
		}
	}
}

// RunNow performs one pass over every entity.
func (s *AuditScheduler) RunNow(ctx context.Context) RunSummary {
	var sum RunSummary
	today := s.Clock.Today()

	for _, entity := range s.Entities {
		log := s.log.WithField("entity", entity.String())

		_, created, err := s.Audits.Ensure(ctx, audit.EnsureInput{
			Actor:     s.actor,
			Entity:    entity,
			PeriodKey: today.MonthKey(),
			AuditDate: today,
		})
		switch {
		case err != nil:
			sum.Failures++
			log.WithError(err).Error("monthly audit not raised")
		case created:
			sum.AuditsCreated++
			log.WithField("period", today.MonthKey()).Info("monthly audit raised")
		default:
			sum.AuditsExisting++
		}

		rebuilt, failed := s.reconcile(ctx, entity, log)
		sum.SnapshotsRebuilt += rebuilt
		sum.Failures += failed
	}

	if sum.AuditsCreated > 0 || sum.SnapshotsRebuilt > 0 || sum.Failures > 0 {
		s.log.WithFields(logrus.Fields{
			"created":  sum.AuditsCreated,
			"existing": sum.AuditsExisting,
			"rebuilt":  sum.SnapshotsRebuilt,
			"failures": sum.Failures,
		}).Info("scheduler pass completed")
	}
	return sum
}

// reconcile verifies every product the entity knows, drained ones included,
// and rebuilds a drifted snapshot.
func (s *AuditScheduler) reconcile(ctx context.Context, entity generic.EntityRef, log logrus.FieldLogger) (rebuilt, failed int) {
	products, err := s.Stock.Products(ctx, entity)
	if err != nil {
		log.WithError(err).Error("listing products for reconciliation")
		return 0, 1
	}
	for _, productID := range products {
		rec, err := s.Stock.Verify(ctx, entity, productID)
		if err != nil {
			failed++
			log.WithError(err).WithField("product", productID).Error("verify failed")
			continue
		}
		if rec.Consistent {
			continue
		}
		if _, err := s.Stock.RebuildSnapshot(ctx, entity, productID); err != nil {
			failed++
			log.WithError(err).WithField("product", productID).Error("snapshot rebuild failed")
			continue
		}
		rebuilt++
	}
	return rebuilt, failed
}

// GetNextRunTime returns when the next scheduled check will occur.
func (s *AuditScheduler) GetNextRunTime() time.Time {
	return s.Clock.Now().Add(s.CheckInterval)
}
