package notify

import (
	"bytes"
	"encoding/json"
	"errors"

	"github.com/Shyp/go-types"
	"github.com/google/uuid"
)

// Kind tells the gateway which template to deliver.
type Kind string

const KindOffer = Kind("offer")
const KindWon = Kind("won")
const KindLost = Kind("lost")
const KindExpired = Kind("expired")

type MessageService struct {
	Client *Client
}

type MessageParams struct {
	Kind        Kind             `json:"kind"`
	RecipientID string           `json:"recipient_id"`
	JobRef      string           `json:"job_ref"`
	RoundID     types.PrefixUUID `json:"round_id"`
}

// Post makes a request to /v1/messages with the message data. The gateway is
// expected to respond with a 202, so there is no positive return value, only
// nil if the response was a 2xx status code. Each request carries a fresh
// Idempotency-Key so gateway-side retries can't fan out duplicate texts.
func (m *MessageService) Post(kind Kind, recipientID, jobRef string, roundID types.PrefixUUID) error {
	if recipientID == "" {
		return errors.New("no recipient to message")
	}
	mp := &MessageParams{
		Kind:        kind,
		RecipientID: recipientID,
		JobRef:      jobRef,
		RoundID:     roundID,
	}
	b := new(bytes.Buffer)
	if err := json.NewEncoder(b).Encode(mp); err != nil {
		return err
	}
	req, err := m.Client.NewRequest("POST", "/v1/messages", b)
	if err != nil {
		return err
	}
	req.Header.Set("Idempotency-Key", uuid.NewString())
	// 202 with an empty body is a fine answer from the gateway.
	return m.Client.Do(req, nil)
}
