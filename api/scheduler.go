/*
scheduler.go - Automated daily charge scheduler

PURPOSE:
  Periodically materializes mess charges for the current date so the ledger
  stays current without an operator triggering the run by hand.

DESIGN:
  - Runs a background goroutine with configurable check interval
  - Computes the daily rate for the current month on every pass
  - Skips the pass while the rate is undefined (no attendance yet)
  - Idempotence in the materializer makes repeated passes for the same
    date harmless: already-charged student-days count as skipped

CONFIGURATION:
  - CheckInterval: How often to run (default: 1 hour)
  - Enabled: Whether scheduler is active (default: true)

USAGE:
  scheduler := NewChargeScheduler(handler)
  scheduler.Start()
  // ... later
  scheduler.Stop()

SEE ALSO:
  - handlers.go: ApplyDailyCharges endpoint (manual run)
  - billing/charges.go: ChargeMaterializer
*/
package api

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/hostelworks/messbilling/billing"
)

// ChargeScheduler runs the daily charge materializer on an interval.
type ChargeScheduler struct {
	Handler       *Handler
	CheckInterval time.Duration
	Enabled       bool
	IssuedBy      string

	ticker *time.Ticker
	stop   chan bool
	wg     sync.WaitGroup
	mu     sync.Mutex
}

// NewChargeScheduler creates a new scheduler.
func NewChargeScheduler(handler *Handler) *ChargeScheduler {
	return &ChargeScheduler{
		Handler:       handler,
		CheckInterval: 1 * time.Hour,
		Enabled:       true,
		IssuedBy:      "scheduler",
		stop:          make(chan bool),
	}
}

// Start begins the scheduler.
func (cs *ChargeScheduler) Start() {
	cs.mu.Lock()
	defer cs.mu.Unlock()

	if !cs.Enabled {
		log.Println("[Scheduler] Disabled, not starting")
		return
	}

	cs.ticker = time.NewTicker(cs.CheckInterval)
	cs.wg.Add(1)

	go cs.run()

	log.Printf("[Scheduler] Started with check interval: %v", cs.CheckInterval)
}

// Stop stops the scheduler.
func (cs *ChargeScheduler) Stop() {
	cs.mu.Lock()
	defer cs.mu.Unlock()

	if cs.ticker != nil {
		cs.ticker.Stop()
		close(cs.stop)
		cs.wg.Wait()
		log.Println("[Scheduler] Stopped")
	}
}

func (cs *ChargeScheduler) run() {
	defer cs.wg.Done()

	// Run immediately on start
	cs.chargeToday()

	for {
		select {
		case <-cs.ticker.C:
			cs.chargeToday()
		case <-cs.stop:
			return
		}
	}
}

func (cs *ChargeScheduler) chargeToday() {
	ctx := context.Background()
	today := billing.TodayDate()
	month := billing.MonthOf(today)

	rate, err := cs.Handler.Rates.ComputeDailyRate(ctx, month.Month, month.Year)
	if err != nil {
		log.Printf("[Scheduler] Error computing rate for %d-%02d: %v", month.Year, month.Month, err)
		return
	}
	if rate.Undefined {
		log.Printf("[Scheduler] Rate undefined for %d-%02d (zero man-days), skipping %s", month.Year, month.Month, today)
		return
	}

	result, err := cs.Handler.Charges.ApplyDailyCharges(ctx, today, rate.DailyRate, cs.IssuedBy)
	if err != nil {
		log.Printf("[Scheduler] Error charging %s: %v", today, err)
		return
	}

	chargesApplied.Add(float64(result.Applied))
	chargesSkipped.Add(float64(result.Skipped))

	if result.Applied > 0 {
		log.Printf("[Scheduler] Charged %s at %s: %d applied, %d skipped",
			today, rate.DailyRate.StringFixed(2), result.Applied, result.Skipped)
	}
}

// RunNow triggers an immediate pass (for testing/admin).
func (cs *ChargeScheduler) RunNow() {
	cs.chargeToday()
}

// GetNextRunTime returns when the next scheduled pass will occur.
func (cs *ChargeScheduler) GetNextRunTime() time.Time {
	return time.Now().Add(cs.CheckInterval)
}
