package models

import (
	"database/sql/driver"
	"fmt"
	"time"

	"github.com/Shyp/go-types"
)

type OfferState string

// StateOpen indicates a round is still accepting responses.
const StateOpen = OfferState("open")

// StateAssigned indicates a recipient won the round. Terminal.
const StateAssigned = OfferState("assigned")

// StateExpired indicates the round passed its deadline with no winner.
// Terminal.
const StateExpired = OfferState("expired")

// StateCancelled indicates the round was withdrawn by the job owner before
// anyone accepted it. Terminal.
const StateCancelled = OfferState("cancelled")

type RecipientStatus string

const StatusPending = RecipientStatus("pending")
const StatusAccepted = RecipientStatus("accepted")
const StatusDeclined = RecipientStatus("declined")
const StatusSuperseded = RecipientStatus("superseded")
const StatusExpired = RecipientStatus("expired")

// A JobOffer is one broadcast round: a unit of work offered to a set of
// recipients, of which at most one may win. Rounds are never deleted; a
// closed round is the audit trail of what happened.
type JobOffer struct {
	ID                types.PrefixUUID `json:"id"`
	JobRef            string           `json:"job_ref"`
	State             OfferState       `json:"state"`
	WinnerRecipientID string           `json:"winner_recipient_id,omitempty"`
	ExpiresAt         time.Time        `json:"expires_at"`
	CreatedAt         time.Time        `json:"created_at"`
	UpdatedAt         time.Time        `json:"updated_at"`
	Recipients        []RecipientOffer `json:"recipients,omitempty"`
}

// A RecipientOffer is one recipient's stake in a round.
type RecipientOffer struct {
	JobOfferID  types.PrefixUUID `json:"job_offer_id"`
	RecipientID string           `json:"recipient_id"`
	Status      RecipientStatus  `json:"status"`
	RespondedAt types.NullTime   `json:"responded_at"`
	CreatedAt   time.Time        `json:"created_at"`
	UpdatedAt   time.Time        `json:"updated_at"`
}

// AcceptResult describes the outcome of one acceptance attempt.
type AcceptResult string

// ResultWon means this attempt took the round.
const ResultWon = AcceptResult("won")

// ResultLost means a different recipient already took the round.
const ResultLost = AcceptResult("lost")

// ResultAlreadyResponded means this recipient responded earlier; the attempt
// is a redelivery and had no effect.
const ResultAlreadyResponded = AcceptResult("already_responded")

// Scan implements the Scanner interface.
func (o *OfferState) Scan(src interface{}) error {
	if src == nil {
		return nil
	} else if txt, ok := src.(string); ok {
		*o = OfferState(txt)
		return nil
	} else if txt, ok := src.([]byte); ok {
		*o = OfferState(string(txt))
		return nil
	}
	return fmt.Errorf("Unsupported OfferState: %#v", src)
}

func (o OfferState) Value() (driver.Value, error) {
	return string(o), nil
}

// Scan implements the Scanner interface.
func (s *RecipientStatus) Scan(src interface{}) error {
	if src == nil {
		return nil
	} else if txt, ok := src.(string); ok {
		*s = RecipientStatus(txt)
		return nil
	} else if txt, ok := src.([]byte); ok {
		*s = RecipientStatus(string(txt))
		return nil
	}
	return fmt.Errorf("Unsupported RecipientStatus: %#v", src)
}

func (s RecipientStatus) Value() (driver.Value, error) {
	return string(s), nil
}
