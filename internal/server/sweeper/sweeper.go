// Package sweeper runs periodic housekeeping for the control plane.
package sweeper

import (
	"log"
	"time"

	"github.com/conveyhq/convey/internal/state"
)

// Service periodically drops expired state leases. Lease correctness never
// depends on it — acquisition treats expired rows as free — it only keeps
// the lease table from accumulating dead rows.
type Service struct {
	store  *state.Store
	ticker *time.Ticker
	stopCh chan bool
}

// NewService creates a sweeper service.
func NewService(store *state.Store, interval time.Duration) *Service {
	return &Service{
		store:  store,
		ticker: time.NewTicker(interval),
		stopCh: make(chan bool),
	}
}

// Start begins the periodic sweep.
func (s *Service) Start() {
	log.Println("[INFO] Starting lease sweeper...")
	go func() {
		// Sweep immediately on start
		s.sweep()

		for {
			select {
			case <-s.ticker.C:
				s.sweep()
			case <-s.stopCh:
				log.Println("[INFO] Stopping lease sweeper.")
				s.ticker.Stop()
				return
			}
		}
	}()
}

// Stop halts the sweeper.
func (s *Service) Stop() {
	s.stopCh <- true
}

func (s *Service) sweep() {
	swept, err := s.store.SweepExpiredLeases()
	if err != nil {
		log.Printf("[ERROR] Sweeping expired leases: %v", err)
		return
	}
	if swept > 0 {
		log.Printf("[INFO] Swept %d expired state leases", swept)
	}
}
