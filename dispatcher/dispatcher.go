// The dispatcher creates rounds and fans offers out to recipients.
package dispatcher

import (
	"errors"
	"log"
	"sync/atomic"
	"time"

	metrics "github.com/Shyp/go-simple-metrics"
	"github.com/Shyp/go-types"
	"github.com/islago/ringer/models"
	"github.com/islago/ringer/notify"
	"github.com/islago/ringer/offers"
	"golang.org/x/sync/errgroup"
)

const defaultMaxConcurrentSends = 8

// ErrNoRecipientsReached is returned when every fan-out send failed. The
// round is cancelled before this is returned, so the job is not left open
// with recipients who never heard about it.
var ErrNoRecipientsReached = errors.New("No recipients could be notified")

// A Dispatcher broadcasts job offers. It owns no contention handling of its
// own; every race is resolved by the Store.
type Dispatcher struct {
	Store    *offers.Store
	Notifier notify.Notifier

	// MaxConcurrentSends bounds how many gateway requests are in flight at
	// once during fan-out.
	MaxConcurrentSends int
}

func New(store *offers.Store, notifier notify.Notifier) *Dispatcher {
	return &Dispatcher{
		Store:              store,
		Notifier:           notifier,
		MaxConcurrentSends: defaultMaxConcurrentSends,
	}
}

// Broadcast creates a round for jobRef and offers it to every recipient.
// Individual send failures are logged and skipped; a recipient who never got
// the message simply never responds, and the sweeper closes the round. If no
// send succeeds the round is cancelled and ErrNoRecipientsReached returned.
//
// Broadcast is not idempotent: a retried call returns a
// *offers.DuplicateActiveRoundError while the first round is still open,
// which callers should treat as "a round is already in flight".
func (d *Dispatcher) Broadcast(jobRef string, recipientIDs []string, ttl time.Duration) (*models.JobOffer, error) {
	id := types.GenerateUUID(offers.Prefix)
	start := time.Now()
	offer, err := d.Store.CreateRound(id, jobRef, recipientIDs, ttl)
	go metrics.Time("round.create.latency", time.Since(start))
	if err != nil {
		go metrics.Increment("round.create.error")
		return nil, err
	}
	go metrics.Increment("round.create.success")

	limit := d.MaxConcurrentSends
	if limit <= 0 {
		limit = defaultMaxConcurrentSends
	}
	var g errgroup.Group
	g.SetLimit(limit)
	var sent int64
	for _, recipient := range offer.Recipients {
		recipientID := recipient.RecipientID
		g.Go(func() error {
			sendStart := time.Now()
			err := d.Notifier.Send(recipientID, jobRef, offer.ID)
			go metrics.Time("broadcast.send.latency", time.Since(sendStart))
			if err != nil {
				log.Printf("dispatcher: error offering round %s to %s: %s", offer.ID.String(), recipientID, err)
				go metrics.Increment("broadcast.send.error")
				// Failures are collected in the send count, not returned;
				// one unreachable recipient must not stop the others.
				return nil
			}
			atomic.AddInt64(&sent, 1)
			go metrics.Increment("broadcast.send.success")
			return nil
		})
	}
	g.Wait()

	if atomic.LoadInt64(&sent) == 0 {
		go metrics.Increment("broadcast.unreachable")
		if _, err := d.Store.CancelRound(offer.ID); err != nil {
			log.Printf("dispatcher: error cancelling unreachable round %s: %s", offer.ID.String(), err)
		}
		return nil, ErrNoRecipientsReached
	}
	return offer, nil
}
