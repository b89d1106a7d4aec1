// The sweeper closes out rounds nobody accepted before the deadline.
package sweeper

import (
	"log"
	"time"

	metrics "github.com/Shyp/go-simple-metrics"
	"github.com/islago/ringer/offers"
)

type Sweeper struct {
	Store *offers.Store
}

func New(store *offers.Store) *Sweeper {
	return &Sweeper{Store: store}
}

// Sweep expires every open round whose deadline is at or before now. A round
// that gets accepted between the listing and the conditional expire simply
// reports no effect and is left assigned; no special casing is needed, so
// Sweep is safe to run concurrently with itself and with acceptances.
func (s *Sweeper) Sweep(now time.Time) error {
	ids, err := s.Store.ListExpiredRounds(now)
	if err != nil {
		return err
	}
	for _, id := range ids {
		expired, err := s.Store.ExpireRound(id)
		if err != nil {
			// There may easily be races with another sweeper pass; if a
			// round errors we'll grab it on the next tick.
			log.Printf("sweeper: found expired round %s but could not process it: %s", id.String(), err)
			go metrics.Increment("sweep.error")
			continue
		}
		if expired {
			log.Printf("sweeper: round %s passed its deadline, marked it expired", id.String())
			go metrics.Increment("sweep.expired")
		} else {
			go metrics.Increment("sweep.noop")
		}
	}
	return nil
}

// Watch sweeps on the given interval until the process exits. The interval
// is tuning, not semantics; expires_at alone decides what gets closed.
func (s *Sweeper) Watch(interval time.Duration) {
	for range time.Tick(interval) {
		go func() {
			if err := s.Sweep(time.Now().UTC()); err != nil {
				log.Printf("sweeper: error sweeping expired rounds: %s", err)
			}
		}()
	}
}
