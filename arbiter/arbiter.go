// Mediation layer between the inbound response channel and the offer store.
//
// The arbiter is the only component that can move a round from open to
// assigned. Logic that's not about validating transport input belongs here.
package arbiter

import (
	"log"
	"time"

	metrics "github.com/Shyp/go-simple-metrics"
	"github.com/Shyp/go-types"
	"github.com/islago/ringer/models"
	"github.com/islago/ringer/notify"
	"github.com/islago/ringer/offers"
)

// A Sink consumes assignment events. The job source (the booking service)
// implements this; it performs the booking write itself, only after the
// store has committed the winner.
type Sink interface {
	JobAssigned(jobRef, recipientID string) error
}

type Arbiter struct {
	Store    *offers.Store
	Notifier notify.Notifier
	Sink     Sink
}

func New(store *offers.Store, notifier notify.Notifier, sink Sink) *Arbiter {
	return &Arbiter{
		Store:    store,
		Notifier: notifier,
		Sink:     sink,
	}
}

// HandleAccept processes one affirmative response. Safe to call twice with
// the same arguments: the replay observes ResultAlreadyResponded and
// triggers no second round of side effects. A failed storage call is not
// retried here; redelivery of the inbound message re-drives it.
func (a *Arbiter) HandleAccept(id types.PrefixUUID, recipientID string, respondedAt time.Time) (models.AcceptResult, error) {
	start := time.Now()
	result, err := a.Store.TryAccept(id, recipientID, respondedAt)
	go metrics.Time("respond.accept.latency", time.Since(start))
	if err != nil {
		switch err.(type) {
		case *offers.RoundClosedError:
			go metrics.Increment("respond.accept.closed")
			a.notifyClosed(id, recipientID)
		default:
			go metrics.Increment("respond.accept.error")
		}
		return "", err
	}

	switch result {
	case models.ResultWon:
		go metrics.Increment("respond.accept.won")
		a.settleRound(id, recipientID)
	case models.ResultLost:
		go metrics.Increment("respond.accept.lost")
		if offer, err := a.Store.GetRetry(id, 3); err == nil {
			a.notify("lost", a.Notifier.NotifyLost, recipientID, offer.JobRef, id)
		} else {
			log.Printf("arbiter: could not load round %s to tell %s they lost: %s", id.String(), recipientID, err)
		}
	case models.ResultAlreadyResponded:
		// Redelivered message; the first delivery already did the work.
		go metrics.Increment("respond.accept.replay")
	}
	return result, nil
}

// HandleDecline records a negative response. Declines never change round
// state and carry no side effects, so a replay is a no-op by construction.
func (a *Arbiter) HandleDecline(id types.PrefixUUID, recipientID string, respondedAt time.Time) error {
	recorded, err := a.Store.RecordDecline(id, recipientID, respondedAt)
	if err != nil {
		go metrics.Increment("respond.decline.error")
		return err
	}
	if recorded {
		go metrics.Increment("respond.decline.recorded")
	} else {
		go metrics.Increment("respond.decline.noop")
	}
	return nil
}

// settleRound delivers the side effects of a won round: the booking service
// learns the winner, the winner learns they won, and every superseded
// recipient learns the job is gone. All of it is advisory; the committed
// transition is the source of truth and is never rolled back here.
func (a *Arbiter) settleRound(id types.PrefixUUID, winnerID string) {
	offer, err := a.Store.GetRetry(id, 3)
	if err != nil {
		log.Printf("arbiter: round %s assigned to %s but could not be loaded for notifications: %s", id.String(), winnerID, err)
		go metrics.Increment("settle.load.error")
		return
	}
	if err := a.Sink.JobAssigned(offer.JobRef, winnerID); err != nil {
		log.Printf("arbiter: error reporting assignment of %s to %s: %s", offer.JobRef, winnerID, err)
		go metrics.Increment("settle.sink.error")
	} else {
		go metrics.Increment("settle.sink.success")
	}
	a.notify("won", a.Notifier.NotifyWon, winnerID, offer.JobRef, id)
	for _, recipient := range offer.Recipients {
		if recipient.Status == models.StatusSuperseded {
			a.notify("lost", a.Notifier.NotifyLost, recipient.RecipientID, offer.JobRef, id)
		}
	}
}

func (a *Arbiter) notifyClosed(id types.PrefixUUID, recipientID string) {
	offer, err := a.Store.GetRetry(id, 3)
	if err != nil {
		log.Printf("arbiter: could not load closed round %s: %s", id.String(), err)
		return
	}
	a.notify("expired", a.Notifier.NotifyExpired, recipientID, offer.JobRef, id)
}

func (a *Arbiter) notify(kind string, send func(string, string, types.PrefixUUID) error, recipientID, jobRef string, id types.PrefixUUID) {
	start := time.Now()
	err := send(recipientID, jobRef, id)
	go metrics.Time("notify.latency", time.Since(start))
	if err != nil {
		log.Printf("arbiter: error sending %s notification to %s for round %s: %s", kind, recipientID, id.String(), err)
		go metrics.Increment("notify." + kind + ".error")
		return
	}
	go metrics.Increment("notify." + kind + ".success")
}
